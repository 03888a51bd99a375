package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// JWTAuth returns a middleware enforcing HMAC-signed (HS256, HS384 or HS512)
// Bearer-token authentication on the admin surface. Paths listed in exclude (exact match) bypass the
// check entirely, which keeps liveness probes working without a token.
//
// The secret should come from an environment variable or a secrets manager
// in production rather than the config file on disk.
func JWTAuth(secret string, exclude []string) func(http.Handler) http.Handler {
	key := []byte(secret)

	open := make(map[string]bool, len(exclude))
	for _, p := range exclude {
		open[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if open[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			if err := checkBearer(r.Header.Get("Authorization"), key); err != nil {
				slog.Warn("auth: rejected request",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
					"error", err,
				)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// checkBearer validates an "Authorization: Bearer <token>" header value
// against the HMAC key. Only HMAC signing methods are accepted, so a token
// claiming alg "none" (or an asymmetric alg) always fails.
func checkBearer(header string, key []byte) error {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return jwt.ErrTokenMalformed
	}
	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return key, nil
	})
	if err != nil {
		return err
	}
	if !token.Valid {
		return jwt.ErrTokenUnverifiable
	}
	return nil
}
