package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"salonnotif/internal/config"
	"salonnotif/internal/httpserver"
	"salonnotif/internal/logging"
	"salonnotif/internal/observability"
	"salonnotif/internal/periodic"
	"salonnotif/internal/service"
	"salonnotif/internal/store/pg"
)

func main() {
	cfg := config.LoadScheduler()
	logging.Init("scheduler", cfg.LogFormat, cfg.LogLevel)

	loc, err := time.LoadLocation(cfg.DisplayTimezone)
	if err != nil {
		slog.Error("invalid DISPLAY_TIMEZONE", "tz", cfg.DisplayTimezone, "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())

	db, err := pg.NewPool(ctx, cfg.DBDSN, cfg.PoolOptions())
	if err != nil {
		slog.Error("scheduler db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	store := pg.New(db)

	observability.Register(prometheus.DefaultRegisterer)

	sched := &service.Scheduler{Store: store, Location: loc, BatchSize: cfg.SweepBatchSize}
	runner := periodic.New()
	if err := runner.Every(cfg.SweepInterval, "sweep", func(ctx context.Context) error {
		n, err := sched.Sweep(ctx)
		if n > 0 {
			slog.Info("sweep queued messages", "queued", n)
		}
		return err
	}); err != nil {
		slog.Error("scheduler setup failed", "err", err)
		os.Exit(1)
	}

	healthMux := httpserver.New().Mux
	httpserver.RegisterHealth(healthMux, 2*time.Second, store.Ping)
	healthSrv := &http.Server{Addr: ":" + cfg.Port, Handler: httpserver.Logging(healthMux)}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}

	srvErrCh := make(chan error, 2)
	go func() {
		slog.Info("scheduler health listening", "port", cfg.Port)
		srvErrCh <- healthSrv.ListenAndServe()
	}()
	go func() {
		slog.Info("scheduler metrics listening", "port", cfg.MetricsPort)
		srvErrCh <- metricsSrv.ListenAndServe()
	}()

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- runner.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-runErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("scheduler stopped", "err", err)
			os.Exit(1)
		}
	case err := <-srvErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("scheduler server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("scheduler shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	select {
	case <-runErrCh:
	case <-time.After(10 * time.Second):
		slog.Info("scheduler shutdown timeout waiting for sweep")
	}
}
