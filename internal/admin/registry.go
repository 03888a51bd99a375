// Package admin provides the read-only metrics surface and the
// breaker-reset control endpoint.
package admin

import (
	"encoding/json"
	"math"

	"golb/internal/strategy"
)

// CircuitBreakerInfo is the JSON representation of one backend's breaker.
type CircuitBreakerInfo struct {
	State     string `json:"state"`
	FailCount int    `json:"fail_count"`
}

// Seconds wraps a response-time measurement. Response time is +Inf until
// the first health probe, and encoding/json cannot represent +Inf, so
// Seconds renders infinities as JSON null instead of letting Marshal fail
// on every backend that hasn't been health-checked yet.
type Seconds float64

func (s Seconds) MarshalJSON() ([]byte, error) {
	if math.IsInf(float64(s), 0) {
		return []byte("null"), nil
	}
	return json.Marshal(float64(s))
}

// BackendInfo is the JSON representation of a backend's current state.
type BackendInfo struct {
	Host           string             `json:"host"`
	Port           int                `json:"port"`
	Status         string             `json:"status"`
	ResponseTime   Seconds            `json:"response_time"`
	CPUUtilization float64            `json:"cpu_utilization"`
	Weight         int                `json:"weight"`
	DynamicWeight  int64              `json:"dynamic_weight"`
	CircuitBreaker CircuitBreakerInfo `json:"circuit_breaker"`
	ActiveConns    int64              `json:"active_conns"`
	TotalRequests  int64              `json:"total_requests"`
	TotalErrors    int64              `json:"total_errors"`
}

// Registry is the read-only metrics view over a fixed backend set. The
// set of backends is fixed at startup; the only mutation exposed to
// operators is Reset, which clears a breaker's state without changing
// the registry's membership.
type Registry struct {
	backends []*strategy.Backend
}

// NewRegistry wraps a fixed backend slice for read-only inspection.
func NewRegistry(backends []*strategy.Backend) *Registry {
	return &Registry{backends: backends}
}

// List returns a snapshot of every backend's current state. Each backend's
// fields come from a consistent read of that backend; the snapshot is not
// atomic across backends.
func (r *Registry) List() []BackendInfo {
	out := make([]BackendInfo, len(r.backends))
	for i, b := range r.backends {
		out[i] = BackendInfo{
			Host:           b.Host,
			Port:           b.Port,
			Status:         b.Status(),
			ResponseTime:   Seconds(b.ResponseTime()),
			CPUUtilization: b.CPUUtilization(),
			Weight:         b.StaticWeight,
			DynamicWeight:  b.DynamicWeight(),
			CircuitBreaker: CircuitBreakerInfo{
				State:     b.Breaker().State().String(),
				FailCount: b.Breaker().FailCount(),
			},
			ActiveConns:   b.ActiveConns(),
			TotalRequests: b.TotalRequests(),
			TotalErrors:   b.TotalErrors(),
		}
	}
	return out
}

// Reset forces every backend's circuit breaker back to CLOSED. It does
// not touch status, response_time, or membership.
func (r *Registry) Reset() {
	for _, b := range r.backends {
		b.Breaker().Reset()
	}
}

// ResetOne resets a single backend's breaker by host:port. Reports whether
// a matching backend was found.
func (r *Registry) ResetOne(addr string) bool {
	for _, b := range r.backends {
		if b.Addr() == addr {
			b.Breaker().Reset()
			return true
		}
	}
	return false
}

// Backends returns the fixed backend slice (caller must not mutate it).
func (r *Registry) Backends() []*strategy.Backend {
	return r.backends
}
