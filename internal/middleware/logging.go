// Package middleware provides composable HTTP middleware constructors in the
// standard func(http.Handler) http.Handler shape. They front the admin and
// metrics surface only; the data plane is a raw TCP proxy with no HTTP hook.
package middleware

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"
)

// statusWriter captures the status code and body size the downstream
// handler produced, so the access log can report them.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(p []byte) (int, error) {
	n, err := sw.ResponseWriter.Write(p)
	sw.written += n
	return n, err
}

// Logger emits one structured log line per request. Each request gets a
// fresh X-Request-Id, set on both the request (for downstream handlers) and
// the response (for the caller), so a log line can be tied to a client-side
// trace.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := requestID()

		r.Header.Set("X-Request-Id", id)
		w.Header().Set("X-Request-Id", id)

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		slog.Info("request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
			"status", sw.status,
			"bytes", sw.written,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func requestID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
