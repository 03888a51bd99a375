// Package health implements the active health checker.
// A Monitor runs as a single periodic driver in the background: each cycle
// it probes every backend concurrently — a TCP reachability check followed
// by an HTTP GET to /health — and writes status/response_time/cpu_utilization
// into the registry. It never touches circuit-breaker state; that is driven
// exclusively by the Proxy Engine's traffic observations.
package health

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golb/internal/strategy"
)

// Config holds the parameters for the health monitor.
type Config struct {
	IntervalStable   time.Duration
	IntervalUnstable time.Duration
	Timeout          time.Duration
	Path             string // e.g. "/health"
	CPUThreshold     float64
}

type probeResult struct {
	CPUUtilization *float64 `json:"cpu_utilization"`
}

// Monitor periodically probes all registered backends and updates their
// status, response_time, and cpu_utilization fields. The backend set is
// fixed for the Monitor's lifetime.
type Monitor struct {
	cfg      Config
	client   *http.Client
	backends []*strategy.Backend

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Monitor but does not start it; call Start to begin probing.
func New(backends []*strategy.Backend, cfg Config) *Monitor {
	if cfg.Path == "" {
		cfg.Path = "/health"
	}
	return &Monitor{
		cfg:      cfg,
		backends: backends,
		client:   &http.Client{Timeout: cfg.Timeout},
	}
}

// Start begins the background health-check loop. It runs an immediate check
// before the first cycle so backends are classified quickly at startup. The
// cycle interval switches to IntervalUnstable whenever the prior cycle found
// any backend DOWN.
func (m *Monitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		for {
			anyDown := m.probeAll()

			interval := m.cfg.IntervalStable
			if anyDown {
				interval = m.cfg.IntervalUnstable
			}

			timer := time.NewTimer(interval)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}
	}()
}

// Stop shuts down the background goroutine and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// probeAll checks every backend concurrently and reports whether any
// backend ended the cycle DOWN.
func (m *Monitor) probeAll() bool {
	var wg sync.WaitGroup
	var mu sync.Mutex
	anyDown := false

	for _, b := range m.backends {
		wg.Add(1)
		go func(b *strategy.Backend) {
			defer wg.Done()
			up := m.probe(b)
			if !up {
				mu.Lock()
				anyDown = true
				mu.Unlock()
			}
		}(b)
	}
	wg.Wait()
	return anyDown
}

// probe checks a single backend: a TCP reachability check (a portable
// substitute for ICMP echo), then an HTTP GET to /health, then
// classification.
func (m *Monitor) probe(b *strategy.Backend) bool {
	wasUp := b.IsUp()

	if !m.reachable(b) {
		m.markDown(b, wasUp, "reachability probe failed")
		return false
	}

	start := time.Now()
	resp, err := m.client.Get("http://" + b.Addr() + m.cfg.Path)
	if err != nil {
		m.markDown(b, wasUp, "http probe error: "+err.Error())
		return false
	}
	defer resp.Body.Close()
	elapsed := time.Since(start).Seconds()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		m.markDown(b, wasUp, "non-2xx health response")
		return false
	}

	if cpu, ok := readCPU(resp.Body); ok {
		b.SetCPUUtilization(cpu)
		if cpu > m.cfg.CPUThreshold {
			m.markDown(b, wasUp, "cpu_utilization over threshold")
			return false
		}
	}

	b.SetResponseTime(elapsed)
	b.SetUp(true)
	if !wasUp {
		slog.Info("health: backend recovered", "backend", b.Addr())
	}
	return true
}

// reachable performs the TCP-connect substitute for ICMP echo.
func (m *Monitor) reachable(b *strategy.Backend) bool {
	conn, err := net.DialTimeout("tcp", b.Addr(), m.cfg.Timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (m *Monitor) markDown(b *strategy.Backend, wasUp bool, reason string) {
	b.SetUp(false)
	if wasUp {
		slog.Warn("health: backend became unhealthy", "backend", b.Addr(), "reason", reason)
	}
}

// readCPU best-effort parses a JSON body for a top-level cpu_utilization
// field. Any decode failure or absent field is not an error; the probe
// still counts as a successful 2xx health response.
func readCPU(body io.Reader) (float64, bool) {
	var r probeResult
	if err := json.NewDecoder(body).Decode(&r); err != nil || r.CPUUtilization == nil {
		return 0, false
	}
	return *r.CPUUtilization, true
}
