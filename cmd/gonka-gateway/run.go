package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/dnscache"

	gateway "github.com/gonka-ai/gateway/internal"
	"github.com/gonka-ai/gateway/internal/auth"
	"github.com/gonka-ai/gateway/internal/config"
	"github.com/gonka-ai/gateway/internal/ratelimit"
	"github.com/gonka-ai/gateway/internal/registry"
	"github.com/gonka-ai/gateway/internal/server"
	"github.com/gonka-ai/gateway/internal/session"
	"github.com/gonka-ai/gateway/internal/storage/sqlite"
	"github.com/gonka-ai/gateway/internal/telemetry"
	"github.com/gonka-ai/gateway/internal/tiering"
	"github.com/gonka-ai/gateway/internal/upstream"
	"github.com/gonka-ai/gateway/internal/worker"
)

// devKey is the deterministic key provisioned when the store starts empty,
// so a fresh checkout can make its first request without an admin call.
const devKey = "gk-dev-" + "000000000000000000000000000000000000000000000000"

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting gonka-gateway", "version", version, "addr", cfg.Server.Addr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Telemetry
	var metrics *telemetry.Metrics
	if cfg.Telemetry.Metrics.Enabled {
		metrics = telemetry.NewMetrics(prometheus.DefaultRegisterer)
	}
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdown(shutdownCtx) //nolint:errcheck
		}()
	}

	// Usage ledger
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return err
	}
	ledger, err := sqlite.New(filepath.Join(cfg.DataDir, "usage.db"))
	if err != nil {
		return err
	}
	defer ledger.Close()

	// Credentials
	keysFile := cfg.Auth.KeysFile
	if keysFile == "" {
		keysFile = filepath.Join(cfg.DataDir, "api_keys.json")
	}
	keys, err := auth.NewStore(keysFile)
	if err != nil {
		return err
	}
	if len(keys.List()) == 0 {
		p, err := keys.Add(&gateway.Principal{
			Key:      devKey,
			Owner:    "dev",
			Tier:     "premium",
			RPMLimit: 1000,
			TPMLimit: 10_000_000,
			Active:   true,
		})
		if err != nil {
			return err
		}
		slog.Warn("provisioned development API key", "key", p.MaskedKey())
	}

	// Model catalog and tiering share the catalog file.
	reg := registry.New(cfg.Models.Path)
	if err := reg.Reload(); err != nil {
		slog.Warn("model catalog not loaded", "path", cfg.Models.Path, "error", err)
	}
	tiers := tiering.New(cfg.Models.Path)
	if err := tiers.Reload(); err != nil {
		slog.Warn("tiering config not loaded", "path", cfg.Models.Path, "error", err)
	}

	sessions := session.NewStore(cfg.Sessions.TTL, cfg.Sessions.MaxHistory)
	limiter := ratelimit.New()

	// DNS-cached upstream transport; the resolver refreshes itself.
	resolver := &dnscache.Resolver{}
	go refreshResolver(ctx, resolver)
	forwarder := upstream.NewForwarder(resolver)

	// Background workers
	var queueGauge worker.QueueGauge
	var sessionGauge worker.SessionGauge
	if metrics != nil {
		queueGauge = metrics.UsageQueueLength
		sessionGauge = metrics.ActiveSessions
	}
	recorder := worker.NewUsageRecorder(ledger, queueGauge)
	sweeper := worker.NewSweeper(sessions, limiter, sessionGauge)
	runner := worker.NewRunner(recorder, sweeper)

	workerErr := make(chan error, 1)
	go func() { workerErr <- runner.Run(ctx) }()

	if cfg.Models.Watch {
		go func() {
			if err := reg.Watch(ctx, slog.Default(), tiers); err != nil {
				slog.Error("catalog watcher stopped", "error", err)
			}
		}()
	}

	handler := server.New(server.Deps{
		Auth:        keys,
		Registry:    reg,
		Tiering:     tiers,
		Sessions:    sessions,
		Limiter:     limiter,
		Forwarder:   forwarder,
		Usage:       recorder,
		Ledger:      ledger,
		Metrics:     metrics,
		AdminKey:    cfg.Auth.AdminKey,
		Health:      forwarder,
		UpstreamURL: cfg.Upstream.VLLMURL,
		DefaultRPM:  cfg.RateLimits.DefaultRPM,
		DefaultTPM:  cfg.RateLimits.DefaultTPM,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	slog.Info("gonka-gateway ready",
		"addr", cfg.Server.Addr,
		"models", reg.Count(),
		"keys_file", keysFile,
	)

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-serveErr:
		stop()
		<-workerErr
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Workers drain queued usage records after cancellation.
	if err := <-workerErr; err != nil {
		return err
	}

	slog.Info("gonka-gateway stopped")
	return nil
}

// refreshResolver re-resolves cached DNS entries so backend failovers behind
// a stable hostname are picked up.
func refreshResolver(ctx context.Context, r *dnscache.Resolver) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Refresh(true)
		}
	}
}
