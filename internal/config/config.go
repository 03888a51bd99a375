// Package config handles loading the gateway's YAML configuration via
// Viper. All struct fields map 1-to-1 with gateway.yaml. Load is
// one-shot: there is no file-watch path here.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// BackendCfg is the YAML representation of a single upstream server.
type BackendCfg struct {
	Host   string `mapstructure:"host"`
	Port   int    `mapstructure:"port"`
	Weight int    `mapstructure:"weight"`
}

// CircuitBreakerCfg controls the per-backend breaker.
type CircuitBreakerCfg struct {
	FailThreshold int           `mapstructure:"fail_threshold"`
	OpenTime      time.Duration `mapstructure:"open_time"`
}

// HealthCheckCfg controls active health probing.
type HealthCheckCfg struct {
	IntervalStable   string  `mapstructure:"interval_stable"`
	IntervalUnstable string  `mapstructure:"interval_unstable"`
	Timeout          string  `mapstructure:"timeout"`
	Path             string  `mapstructure:"path"`
	CPUThreshold     float64 `mapstructure:"cpu_threshold"`
}

// ParsedIntervalStable returns the stable-state poll interval, defaulting to 5s.
func (h HealthCheckCfg) ParsedIntervalStable() time.Duration {
	return parseDurationOrDefault(h.IntervalStable, 5*time.Second)
}

// ParsedIntervalUnstable returns the poll interval used while any backend is
// DOWN, defaulting to 2s.
func (h HealthCheckCfg) ParsedIntervalUnstable() time.Duration {
	return parseDurationOrDefault(h.IntervalUnstable, 2*time.Second)
}

// ParsedTimeout returns the per-probe timeout, defaulting to 2s.
func (h HealthCheckCfg) ParsedTimeout() time.Duration {
	return parseDurationOrDefault(h.Timeout, 2*time.Second)
}

func parseDurationOrDefault(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// AdminAuthCfg controls JWT Bearer-token authentication in front of the
// admin/metrics HTTP surface. The data plane is never gated.
type AdminAuthCfg struct {
	Enabled bool     `mapstructure:"enabled"`
	Secret  string   `mapstructure:"secret"`
	Exclude []string `mapstructure:"exclude"`
}

// Config is the top-level gateway configuration.
type Config struct {
	ListenAddr             string            `mapstructure:"listen_addr"`
	AdminAddr              string            `mapstructure:"admin_addr"`
	Backends               []BackendCfg      `mapstructure:"backends"`
	CircuitBreaker         CircuitBreakerCfg `mapstructure:"circuit_breaker"`
	StickySession          bool              `mapstructure:"sticky_session"`
	SessionMode            string            `mapstructure:"session_mode"` // "ip" | "cookie"
	AdjustWeights          bool              `mapstructure:"adjust_weights"`
	HealthCheck            HealthCheckCfg    `mapstructure:"health_check"`
	UpstreamConnectTimeout time.Duration     `mapstructure:"upstream_connect_timeout"`
	AdminAuth              AdminAuthCfg      `mapstructure:"admin_auth"`
}

// Default returns a sensible single-backend config for local development.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		AdminAddr:  ":9090",
		Backends:   []BackendCfg{{Host: "127.0.0.1", Port: 9001, Weight: 1}},
		CircuitBreaker: CircuitBreakerCfg{
			FailThreshold: 3,
			OpenTime:      5 * time.Second,
		},
		StickySession: false,
		SessionMode:   "ip",
		AdjustWeights: true,
		HealthCheck: HealthCheckCfg{
			IntervalStable:   "5s",
			IntervalUnstable: "2s",
			Timeout:          "2s",
			Path:             "/health",
			CPUThreshold:     90,
		},
		UpstreamConnectTimeout: 2 * time.Second,
	}
}

// Load reads and parses the YAML file at path using Viper.
func Load(path string) (Config, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("config: reading %q: %w", path, err)
	}
	return unmarshal(v)
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)

	// Defaults — all overridable by gateway.yaml.
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("admin_addr", ":9090")
	v.SetDefault("circuit_breaker.fail_threshold", 3)
	v.SetDefault("circuit_breaker.open_time", "5s")
	v.SetDefault("sticky_session", false)
	v.SetDefault("session_mode", "ip")
	v.SetDefault("adjust_weights", true)
	v.SetDefault("health_check.interval_stable", "5s")
	v.SetDefault("health_check.interval_unstable", "2s")
	v.SetDefault("health_check.timeout", "2s")
	v.SetDefault("health_check.path", "/health")
	v.SetDefault("health_check.cpu_threshold", 90.0)
	v.SetDefault("upstream_connect_timeout", "2s")
	v.SetDefault("admin_auth.enabled", false)

	return v
}

func unmarshal(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing: %w", err)
	}
	if len(cfg.Backends) == 0 {
		return Config{}, fmt.Errorf("config: at least one backend must be defined")
	}
	for i, b := range cfg.Backends {
		if b.Host == "" {
			return Config{}, fmt.Errorf("config: backend[%d] has empty host", i)
		}
		if b.Port < 1 || b.Port > 65535 {
			return Config{}, fmt.Errorf("config: backend[%d] has invalid port %d", i, b.Port)
		}
		if b.Weight <= 0 {
			cfg.Backends[i].Weight = 1
		}
	}
	if cfg.SessionMode != "ip" && cfg.SessionMode != "cookie" {
		cfg.SessionMode = "ip"
	}
	if cfg.CircuitBreaker.FailThreshold < 1 {
		cfg.CircuitBreaker.FailThreshold = 3
	}
	if cfg.CircuitBreaker.OpenTime <= 0 {
		cfg.CircuitBreaker.OpenTime = 5 * time.Second
	}
	if cfg.UpstreamConnectTimeout <= 0 {
		cfg.UpstreamConnectTimeout = 2 * time.Second
	}
	return cfg, nil
}
