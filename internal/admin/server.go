package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golb/internal/middleware"
)

// AuthConfig gates the admin surface with Bearer JWT auth. Zero value means
// no auth.
type AuthConfig struct {
	Enabled bool
	Secret  string
	Exclude []string
}

// Server is the metrics/control-plane HTTP server. It is entirely separate
// from the data-plane listener: losing it never interrupts proxied traffic.
type Server struct {
	reg     *Registry
	started time.Time
	version string
	srv     *http.Server
}

// New creates the metrics Server. Call Start to begin listening. Every
// request passes through the structured request logger; auth, if enabled,
// gates everything except the paths named in auth.Exclude.
func New(reg *Registry, listenAddr string, startTime time.Time, version string, auth AuthConfig) *Server {
	s := &Server{
		reg:     reg,
		started: startTime,
		version: version,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/backends", s.handleListBackends)
	mux.HandleFunc("POST /api/backends/reset", s.handleReset)

	var handler http.Handler = mux
	if auth.Enabled {
		handler = middleware.JWTAuth(auth.Secret, auth.Exclude)(handler)
	}
	handler = middleware.Logger(handler)

	s.srv = &http.Server{
		Addr:         listenAddr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start begins listening in a background goroutine. It returns immediately.
func (s *Server) Start() {
	go func() {
		slog.Info("admin metrics surface listening", "addr", s.srv.Addr)
		err := s.srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("admin server error", "error", err)
		}
	}()
}

// Stop shuts the admin server down, waiting for in-flight requests up to
// the context deadline.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the wrapped mux for tests that want to drive it with
// httptest.NewServer instead of binding a real listener.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// ── Handlers ────────────────────────────────────────────────────────────────

type statsResponse struct {
	Uptime        string `json:"uptime"`
	Version       string `json:"version"`
	TotalRequests int64  `json:"total_requests"`
	TotalErrors   int64  `json:"total_errors"`
	ActiveConns   int64  `json:"active_conns"`
	BackendsTotal int    `json:"backends_total"`
	BackendsUp    int    `json:"backends_up"`
	BackendsOpen  int    `json:"backends_circuit_open"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.reg.List()

	stats := statsResponse{
		Uptime:        time.Since(s.started).Round(time.Second).String(),
		Version:       s.version,
		BackendsTotal: len(snapshot),
	}
	for _, b := range snapshot {
		stats.TotalRequests += b.TotalRequests
		stats.TotalErrors += b.TotalErrors
		stats.ActiveConns += b.ActiveConns
		if b.Status == "UP" {
			stats.BackendsUp++
		}
		if b.CircuitBreaker.State == "OPEN" {
			stats.BackendsOpen++
		}
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleHealthz answers liveness probes against the admin/metrics surface
// itself, independent of backend health.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
}

// handleListBackends serves the per-backend metrics snapshot.
func (s *Server) handleListBackends(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Connection", "close")
	writeJSON(w, http.StatusOK, s.reg.List())
}

// handleReset forces breakers back to CLOSED. With no "addr" query
// parameter it resets every breaker; with one, only the matching backend.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if addr := r.URL.Query().Get("addr"); addr != "" {
		if !s.reg.ResetOne(addr) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "backend not found"})
			return
		}
		slog.Info("admin: reset circuit breaker", "addr", addr)
		writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
		return
	}
	s.reg.Reset()
	slog.Info("admin: reset all circuit breakers")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("admin: encoding response", "error", err)
	}
}
