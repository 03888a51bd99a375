// Command gateway is the GOLB load balancer entry point.
//
// Usage:
//
//	gateway [-config path/to/gateway.yaml]
//
// Configuration is loaded once at startup; hot-reload is not supported and
// the backend set is fixed for the process lifetime. On SIGINT or SIGTERM
// the data-plane listener stops accepting new connections immediately, the
// health monitor is stopped, and the admin server is given up to 10 seconds
// to finish in-flight requests. The process then exits without waiting for
// in-flight byte-pumps; proxied connections still open at that point are
// cut.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golb/internal/admin"
	"golb/internal/config"
	"golb/internal/health"
	"golb/internal/proxy"
	"golb/internal/session"
	"golb/internal/strategy"
)

// Version information — set at build time via -ldflags.
//
//	-X main.version=$(git describe --tags --always)
//	-X main.commit=$(git rev-parse --short HEAD)
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/gateway.yaml", "path to gateway.yaml")
	flag.Parse()

	startTime := time.Now()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Warn("could not load config file, using defaults", "path", *configPath, "error", err)
		cfg = config.Default()
	}

	backends, err := strategy.NewBackends(cfg.Backends, cfg.CircuitBreaker)
	if err != nil {
		slog.Error("failed to build backends", "error", err)
		os.Exit(1)
	}

	sessions := session.NewMap()
	selector := strategy.New(backends, cfg.AdjustWeights, cfg.StickySession, sessions)
	engine := proxy.New(selector, sessions, cfg.SessionMode, cfg.StickySession, cfg.UpstreamConnectTimeout)

	monitor := health.New(backends, health.Config{
		IntervalStable:   cfg.HealthCheck.ParsedIntervalStable(),
		IntervalUnstable: cfg.HealthCheck.ParsedIntervalUnstable(),
		Timeout:          cfg.HealthCheck.ParsedTimeout(),
		Path:             cfg.HealthCheck.Path,
		CPUThreshold:     cfg.HealthCheck.CPUThreshold,
	})
	monitor.Start()

	registry := admin.NewRegistry(backends)
	adminAuth := admin.AuthConfig{
		Enabled: cfg.AdminAuth.Enabled,
		Secret:  cfg.AdminAuth.Secret,
		Exclude: cfg.AdminAuth.Exclude,
	}
	adminSrv := admin.New(registry, cfg.AdminAddr, startTime, version, adminAuth)
	adminSrv.Start()

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		slog.Error("failed to bind data-plane listener", "addr", cfg.ListenAddr, "error", err)
		os.Exit(1)
	}

	go func() {
		slog.Info("gateway listening",
			"addr", cfg.ListenAddr,
			"backends", len(cfg.Backends),
			"sticky_session", cfg.StickySession,
			"session_mode", cfg.SessionMode,
			"version", version,
			"commit", commit,
		)
		if err := engine.Serve(listener); err != nil {
			slog.Error("proxy engine stopped with error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down gateway")

	if err := engine.Shutdown(); err != nil {
		slog.Warn("error closing data-plane listener", "error", err)
	}
	monitor.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := adminSrv.Stop(ctx); err != nil {
		slog.Error("forced admin shutdown", "error", err)
	}

	slog.Info("gateway stopped")
}
