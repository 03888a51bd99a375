package strategy

import (
	"fmt"
	"math"
	"sync/atomic"

	"golb/internal/config"
)

// Backend is the runtime representation of one configured upstream server.
// Its identity fields (Host, Port, StaticWeight) are immutable after
// construction; everything else is mutable observation/derived state
// touched concurrently by the Selector, the Proxy Engine, and the Health
// Checker. Each field is its own atomic — callers must tolerate a
// status/response-time pair observed a few nanoseconds apart.
type Backend struct {
	Host         string
	Port         int
	StaticWeight int

	breaker *CircuitBreaker

	up               atomic.Bool
	responseTimeBits atomic.Uint64 // math.Float64bits(seconds); +Inf when unknown
	cpuBits          atomic.Uint64 // math.Float64bits(percent)
	dynamicWeight    atomic.Int64

	activeConns   atomic.Int64
	totalRequests atomic.Int64
	totalErrors   atomic.Int64
}

// NewBackend builds a Backend for host:port with the given static weight.
// Backends start UP with an unknown (infinite) response time.
func NewBackend(host string, port, staticWeight int, brCfg config.CircuitBreakerCfg) (*Backend, error) {
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("strategy: invalid port %d for %s", port, host)
	}
	if staticWeight < 1 {
		staticWeight = 1
	}
	b := &Backend{
		Host:         host,
		Port:         port,
		StaticWeight: staticWeight,
		breaker:      NewCircuitBreaker(brCfg),
	}
	b.up.Store(true)
	b.responseTimeBits.Store(math.Float64bits(math.Inf(1)))
	b.dynamicWeight.Store(int64(staticWeight))
	return b, nil
}

// NewBackends converts configured backend entries into runtime Backends.
func NewBackends(cfgs []config.BackendCfg, brCfg config.CircuitBreakerCfg) ([]*Backend, error) {
	backends := make([]*Backend, 0, len(cfgs))
	for _, c := range cfgs {
		weight := c.Weight
		if weight < 1 {
			weight = 1
		}
		b, err := NewBackend(c.Host, c.Port, weight, brCfg)
		if err != nil {
			return nil, err
		}
		backends = append(backends, b)
	}
	return backends, nil
}

// Breaker returns this backend's circuit breaker.
func (b *Backend) Breaker() *CircuitBreaker { return b.breaker }

// Addr returns the host:port dial string for this backend.
func (b *Backend) Addr() string { return fmt.Sprintf("%s:%d", b.Host, b.Port) }

// IsUp reports the last status the Health Checker wrote.
func (b *Backend) IsUp() bool   { return b.up.Load() }
func (b *Backend) SetUp(v bool) { b.up.Store(v) }

// Status renders the UP/DOWN form used on the wire and in logs.
func (b *Backend) Status() string {
	if b.IsUp() {
		return "UP"
	}
	return "DOWN"
}

// ResponseTime returns the last observed response time in seconds,
// +Inf if unknown.
func (b *Backend) ResponseTime() float64 {
	return math.Float64frombits(b.responseTimeBits.Load())
}

func (b *Backend) SetResponseTime(seconds float64) {
	b.responseTimeBits.Store(math.Float64bits(seconds))
}

func (b *Backend) CPUUtilization() float64 {
	return math.Float64frombits(b.cpuBits.Load())
}

func (b *Backend) SetCPUUtilization(pct float64) {
	b.cpuBits.Store(math.Float64bits(pct))
}

// DynamicWeight returns the weight last computed by the Selector (or the
// static weight, if adjust_weights is disabled or no selection has run yet).
func (b *Backend) DynamicWeight() int64 { return b.dynamicWeight.Load() }

func (b *Backend) setDynamicWeight(w int64) { b.dynamicWeight.Store(w) }

func (b *Backend) IncConns() int64      { return b.activeConns.Add(1) }
func (b *Backend) DecConns() int64      { return b.activeConns.Add(-1) }
func (b *Backend) ActiveConns() int64   { return b.activeConns.Load() }
func (b *Backend) IncRequests()         { b.totalRequests.Add(1) }
func (b *Backend) TotalRequests() int64 { return b.totalRequests.Load() }
func (b *Backend) IncErrors()           { b.totalErrors.Add(1) }
func (b *Backend) TotalErrors() int64   { return b.totalErrors.Load() }

// Available reports whether b is a candidate for selection: UP and not in
// the OPEN breaker state (HALF_OPEN, as a side effect, if the cooldown has
// just elapsed).
func (b *Backend) Available() bool {
	return b.IsUp() && b.breaker.Allow()
}

func (b *Backend) String() string {
	return fmt.Sprintf("Backend(%s:%d, status=%s, weight=%d)", b.Host, b.Port, b.Status(), b.DynamicWeight())
}
