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
	"salonnotif/internal/providers/altegio"
	sqsqueue "salonnotif/internal/queue/sqs"
	"salonnotif/internal/service"
	"salonnotif/internal/store/pg"
)

func main() {
	cfg := config.LoadProcessor()
	logging.Init("processor", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())

	db, err := pg.NewPool(ctx, cfg.DBDSN, cfg.PoolOptions())
	if err != nil {
		slog.Error("processor db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	store := pg.New(db)

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("processor sqs client init failed", "err", err)
		os.Exit(1)
	}
	consumer := &sqsqueue.Consumer{
		SQS:               sqsClient,
		QueueURL:          cfg.SQSQueueURL,
		WaitTimeSeconds:   cfg.SQSWaitTime,
		MaxMessages:       cfg.SQSMaxMsgs,
		VisibilityTimeout: cfg.SQSVizTimeout,
	}

	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	defer startupCancel()
	if err := store.Ping(startupCtx); err != nil {
		slog.Error("db not reachable", "err", err)
		os.Exit(1)
	}
	if err := consumer.Ping(startupCtx); err != nil {
		slog.Error("sqs not reachable", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	proc := &service.Processor{
		Store:         store,
		Scheduler:     &service.Scheduler{Store: store},
		CompanyID:     cfg.AltegioCompanyID,
		DefaultLocale: cfg.DefaultLocale,
	}
	if cfg.AltegioAPIToken != "" {
		proc.Booking = &altegio.Client{
			BaseURL:   cfg.AltegioAPIBase,
			Token:     cfg.AltegioAPIToken,
			CompanyID: cfg.AltegioCompanyID,
			HTTP:      &http.Client{Timeout: 10 * time.Second},
			Limiter:   altegio.NewLimiter(cfg.AltegioRPS),
		}
	} else {
		slog.Warn("ALTEGIO_API_TOKEN not set, incomplete events are synced as received")
	}

	healthMux := httpserver.New().Mux
	httpserver.RegisterHealth(healthMux, 2*time.Second, store.Ping, consumer.Ping)
	healthSrv := &http.Server{Addr: ":" + cfg.Port, Handler: httpserver.Logging(healthMux)}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}

	srvErrCh := make(chan error, 2)
	go func() {
		slog.Info("processor health listening", "port", cfg.Port)
		srvErrCh <- healthSrv.ListenAndServe()
	}()
	go func() {
		slog.Info("processor metrics listening", "port", cfg.MetricsPort)
		srvErrCh <- metricsSrv.ListenAndServe()
	}()

	pollErrCh := make(chan error, 1)
	go func() {
		slog.Info("processor starting poll", "queue_url", cfg.SQSQueueURL, "workers", cfg.WorkerConcurrency)
		pollErrCh <- consumer.PollConcurrent(ctx, cfg.WorkerConcurrency, func(ctx context.Context, job sqsqueue.EventJob) error {
			start := time.Now()
			err := proc.Process(ctx, job)
			if err != nil {
				slog.Warn("event job failed, leaving for redelivery",
					"job_id", job.ID, "event_key", job.EventKey, "duration", time.Since(start), "err", err)
			}
			return err
		})
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-pollErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("processor poll failed", "err", err)
			os.Exit(1)
		}
	case err := <-srvErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("processor server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("processor shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	select {
	case <-pollErrCh:
	case <-time.After(10 * time.Second):
		slog.Info("processor shutdown timeout waiting for poll loop")
	}
}
