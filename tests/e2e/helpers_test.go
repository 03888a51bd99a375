// Package e2e exercises the compiled gateway binary end to end: each test
// starts in-process mock backends, renders a gateway.yaml into a temp dir,
// launches the binary against it, and drives both the data-plane proxy and
// the admin HTTP surface from the outside.
package e2e

import (
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

// gatewayBin is the path to the compiled gateway binary, set by TestMain.
// Set E2E_GATEWAY_BIN to use a pre-built binary instead of compiling one.
var gatewayBin string

func TestMain(m *testing.M) {
	if bin := os.Getenv("E2E_GATEWAY_BIN"); bin != "" {
		gatewayBin = bin
		os.Exit(m.Run())
	}

	tmp, err := os.MkdirTemp("", "golb-e2e-*")
	if err != nil {
		log.Fatalf("e2e: temp dir: %v", err)
	}
	defer os.RemoveAll(tmp)

	gatewayBin = filepath.Join(tmp, "gateway")
	if err := buildGateway(gatewayBin); err != nil {
		log.Fatalf("e2e: %v", err)
	}

	os.Exit(m.Run())
}

// buildGateway compiles cmd/gateway from the module root (two levels up
// from this package) into dst.
func buildGateway(dst string) error {
	root, err := filepath.Abs("../..")
	if err != nil {
		return fmt.Errorf("resolve module root: %w", err)
	}
	cmd := exec.Command("go", "build", "-o", dst, "./cmd/gateway")
	cmd.Dir = root
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}
	return nil
}

// gatewayProcess holds a running gateway subprocess and its two listen addresses.
type gatewayProcess struct {
	addr      string // data-plane TCP address
	adminAddr string // admin/metrics HTTP address
	cmd       *exec.Cmd
}

// startGateway renders cfg to a temp gateway.yaml, launches the binary, and
// blocks until its admin surface answers /healthz. The process is SIGTERMed
// and reaped on test cleanup.
func startGateway(t *testing.T, cfg gatewayConfig) *gatewayProcess {
	t.Helper()

	cfgPath := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg.YAML()), 0o644))

	gw := &gatewayProcess{
		addr:      cfg.addr,
		adminAddr: cfg.adminAddr,
		cmd:       exec.Command(gatewayBin, "-config", cfgPath),
	}
	if os.Getenv("TEST_VERBOSE") != "" {
		gw.cmd.Stdout = os.Stdout
		gw.cmd.Stderr = os.Stderr
	}

	require.NoError(t, gw.cmd.Start())
	t.Cleanup(func() {
		_ = gw.cmd.Process.Signal(syscall.SIGTERM)
		_ = gw.cmd.Wait()
	})

	waitReady(t, gw.adminAddr)
	return gw
}

// waitReady polls /healthz on the admin surface until it answers 200.
func waitReady(t *testing.T, adminAddr string) {
	t.Helper()
	probe := &http.Client{Timeout: 200 * time.Millisecond}
	require.Eventually(t, func() bool {
		resp, err := probe.Get("http://" + adminAddr + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 8*time.Second, 50*time.Millisecond, "gateway admin surface at %s never became ready", adminAddr)
}

// freeAddr reserves a loopback port by binding port 0 and immediately
// releasing it, returning the "127.0.0.1:PORT" address.
func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

// newBackend starts a mock upstream whose /health endpoint always reports
// healthy and whose other paths answer with body.
func newBackend(t *testing.T, body string) *httptest.Server {
	t.Helper()
	return newBackendWithCPU(t, body, -1)
}

// newBackendWithCPU is newBackend with a cpu_utilization figure included in
// the /health JSON when cpuUtilization >= 0.
func newBackendWithCPU(t *testing.T, body string, cpuUtilization float64) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if cpuUtilization >= 0 {
			fmt.Fprintf(w, `{"cpu_utilization": %g}`, cpuUtilization)
		} else {
			fmt.Fprint(w, `{}`)
		}
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// backendHostPort splits a mock upstream's listener address into host/port.
func backendHostPort(t *testing.T, srv *httptest.Server) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

// makeJWT signs an HS256 token with a 1-hour expiry for admin-auth tests.
func makeJWT(t *testing.T, secret string) string {
	t.Helper()
	tok := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, jwtlib.MapClaims{
		"sub": "e2e",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

// doGet / doPost issue a request on a fresh connection with optional header
// pairs ("Name", "value", ...) and return the status code and body.
func doGet(t *testing.T, url string, headers ...string) (int, string) {
	t.Helper()
	return do(t, http.MethodGet, url, headers)
}

func doPost(t *testing.T, url string, headers ...string) (int, string) {
	t.Helper()
	return do(t, http.MethodPost, url, headers)
}

func do(t *testing.T, method, url string, headers []string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	// The gateway picks a backend once per client connection, so each request
	// gets its own connection instead of reusing a kept-alive one.
	req.Close = true
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

// ── gatewayConfig: renders a gateway.yaml matching internal/config.Config ───

type yamlBackend struct {
	host   string
	port   int
	weight int
}

type authCfg struct {
	secret  string
	exclude []string
}

type gatewayConfig struct {
	addr           string
	adminAddr      string
	backends       []yamlBackend
	stickySession  bool
	sessionMode    string
	adjustWeights  *bool // nil => use the default (true)
	failThreshold  int
	openTime       string
	healthStable   string
	healthUnstable string
	healthTimeout  string
	cpuThreshold   float64
	auth           *authCfg
}

func orDefault[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

func (c gatewayConfig) YAML() string {
	adjustWeights := true
	if c.adjustWeights != nil {
		adjustWeights = *c.adjustWeights
	}

	var b strings.Builder
	fmt.Fprintf(&b, "listen_addr: %q\n", c.addr)
	fmt.Fprintf(&b, "admin_addr: %q\n", c.adminAddr)
	fmt.Fprintf(&b, "sticky_session: %t\n", c.stickySession)
	fmt.Fprintf(&b, "session_mode: %q\n", orDefault(c.sessionMode, "ip"))
	fmt.Fprintf(&b, "adjust_weights: %t\n", adjustWeights)
	fmt.Fprintf(&b, "circuit_breaker:\n  fail_threshold: %d\n  open_time: %q\n",
		orDefault(c.failThreshold, 3), orDefault(c.openTime, "5s"))
	fmt.Fprintf(&b, "health_check:\n  interval_stable: %q\n  interval_unstable: %q\n  timeout: %q\n  path: \"/health\"\n  cpu_threshold: %g\n",
		orDefault(c.healthStable, "1s"), orDefault(c.healthUnstable, "200ms"),
		orDefault(c.healthTimeout, "500ms"), orDefault(c.cpuThreshold, 90))

	b.WriteString("backends:\n")
	for _, be := range c.backends {
		fmt.Fprintf(&b, "  - host: %q\n    port: %d\n    weight: %d\n", be.host, be.port, be.weight)
	}

	if c.auth == nil {
		b.WriteString("admin_auth:\n  enabled: false\n")
		return b.String()
	}
	fmt.Fprintf(&b, "admin_auth:\n  enabled: true\n  secret: %q\n", c.auth.secret)
	if len(c.auth.exclude) > 0 {
		b.WriteString("  exclude:\n")
		for _, p := range c.auth.exclude {
			fmt.Fprintf(&b, "    - %q\n", p)
		}
	}
	return b.String()
}
