package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sony/gobreaker"

	"dispatchq/internal/config"
	"dispatchq/internal/dispatch"
	"dispatchq/internal/httpapi"
	"dispatchq/internal/logging"
	"dispatchq/internal/observability"
	"dispatchq/internal/provider/texthub"
	"dispatchq/internal/store/pg"
)

func main() {
	var (
		tenantID = flag.String("tenant", "", "scope the tick to a single tenant id")
		loop     = flag.Bool("loop", false, "keep running ticks on the configured schedule")
	)
	flag.Parse()

	cfg := config.LoadDispatcher()
	logging.Init("dispatcher", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
		MaxConns:          cfg.DBPool.MaxConns,
		MinConns:          cfg.DBPool.MinConns,
		MaxConnLifetime:   cfg.DBPool.MaxConnLifetime,
		MaxConnIdleTime:   cfg.DBPool.MaxConnIdleTime,
		HealthCheckPeriod: cfg.DBPool.HealthCheckPeriod,
	})
	if err != nil {
		slog.Error("dispatcher db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	defer startupCancel()
	if err := db.Ping(startupCtx); err != nil {
		slog.Error("db not reachable", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	st := pg.New(db)
	sender := &texthub.Client{
		BaseURL: cfg.TextHubBaseURL,
		APIKey:  cfg.TextHubAPIKey,
		From:    cfg.TextHubFrom,
		HTTP:    &http.Client{Timeout: 8 * time.Second},
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "texthub",
		MaxRequests: 3,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
	})

	dispatcher := &dispatch.Dispatcher{
		Store: st,
		Budget: &dispatch.Budgeter{
			Store:          st,
			PerRunCap:      cfg.PerRunCap,
			FailOpenBudget: cfg.FailOpenBudget,
		},
		Sender:       sender,
		Breaker:      breaker,
		StuckTimeout: cfg.StuckTimeout,
	}

	if !*loop {
		// One-shot mode: per-entry failures are data, not process errors; the
		// exit code only reflects infrastructure trouble.
		if !runTick(ctx, dispatcher, *tenantID) {
			os.Exit(1)
		}
		return
	}

	healthMux := httpapi.New().Mux
	healthMux.HandleFunc("/healthz", httpapi.Healthz())
	healthMux.HandleFunc("/readyz", httpapi.Readyz(2*time.Second,
		func(c context.Context) error { return db.Ping(c) },
	))
	healthSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httpapi.Logging(healthMux),
	}
	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("dispatcher health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()

	spec := cfg.CronSpec
	if spec == "" {
		spec = "@every " + cfg.PollInterval.String()
	}

	// cron fires after the first interval; do not sit idle until then
	runTick(ctx, dispatcher, *tenantID)

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(spec, func() { runTick(ctx, dispatcher, *tenantID) }); err != nil {
		slog.Error("invalid dispatch schedule", "spec", spec, "err", err)
		os.Exit(1)
	}
	slog.Info("dispatcher loop starting", "schedule", spec)
	c.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("dispatcher shutdown", "signal", sig.String())
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("dispatcher health server failed", "err", err)
			os.Exit(1)
		}
	}

	cancel()
	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(30 * time.Second):
		slog.Info("dispatcher shutdown timeout waiting for running tick")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)
}

func runTick(ctx context.Context, d *dispatch.Dispatcher, tenantID string) bool {
	stats, err := d.RunTick(ctx, tenantID)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return true
		}
		slog.Error("dispatch tick failed", "err", err)
		return false
	}
	slog.Info("dispatch tick complete",
		"tenants", stats.Tenants,
		"claimed", stats.Claimed,
		"sent", stats.Sent,
		"requeued", stats.Requeued,
		"failed", stats.Failed,
		"released", stats.Released,
		"recovered", stats.Recovered,
	)
	return true
}
