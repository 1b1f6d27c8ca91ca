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

	"salonnotif/internal/awsutil"
	"salonnotif/internal/config"
	"salonnotif/internal/httpserver"
	"salonnotif/internal/logging"
	"salonnotif/internal/observability"
	sqsqueue "salonnotif/internal/queue/sqs"
	"salonnotif/internal/service"
	"salonnotif/internal/store/pg"
)

func main() {
	cfg := config.LoadAPI()
	logging.Init("api", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, cfg.PoolOptions())
	if err != nil {
		slog.Error("api db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	startupCtx, startupCancel := context.WithTimeout(ctx, 10*time.Second)
	defer startupCancel()
	if err := pg.Migrate(startupCtx, db); err != nil {
		slog.Error("api migrate failed", "err", err)
		os.Exit(1)
	}
	store := pg.New(db)

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("api sqs client init failed", "err", err)
		os.Exit(1)
	}
	producer := &sqsqueue.Producer{SQS: sqsClient, QueueURL: cfg.SQSQueueURL, GroupBuckets: cfg.SQSGroupBuckets}

	observability.Register(prometheus.DefaultRegisterer)

	templates := &service.TemplateService{Store: store}
	if cfg.TemplatesSeedFile != "" {
		seeds, err := service.LoadTemplateSeedFile(cfg.TemplatesSeedFile)
		if err != nil {
			slog.Error("template seed load failed", "err", err, "path", cfg.TemplatesSeedFile)
			os.Exit(1)
		}
		created, err := templates.ApplySeed(startupCtx, seeds)
		if err != nil {
			slog.Error("template seed failed", "err", err)
			os.Exit(1)
		}
		slog.Info("template seed applied", "created", created, "entries", len(seeds))
	}

	s := httpserver.New()
	s.Mux.Use(httpserver.Metrics(observability.APIRequests))
	(&httpserver.Webhook{
		Gate:   &service.DedupGate{Store: store, Queue: producer, Provider: service.ProviderAltegio},
		Secret: cfg.AltegioWebhookSecret,
	}).Register(s.Mux)
	if cfg.AdminToken != "" {
		(&httpserver.Admin{Templates: templates, Token: cfg.AdminToken}).Register(s.Mux)
	} else {
		slog.Warn("ADMIN_TOKEN not set, admin template API disabled")
	}
	httpserver.RegisterHealth(s.Mux, 2*time.Second, store.Ping, producer.Ping)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpserver.Logging(s.Mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}

	errCh := make(chan error, 2)
	go func() {
		slog.Info("api listening", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()
	go func() {
		slog.Info("api metrics listening", "port", cfg.MetricsPort)
		errCh <- metricsSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("api shutdown", "signal", sig.String())
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
}
