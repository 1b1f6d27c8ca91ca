package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"salonnotif/internal/config"
	"salonnotif/internal/httpserver"
	"salonnotif/internal/logging"
	"salonnotif/internal/observability"
	"salonnotif/internal/pacing"
	"salonnotif/internal/providers/twilio"
	"salonnotif/internal/providers/whatsapp"
	"salonnotif/internal/store/pg"
	"salonnotif/internal/worker"
)

func main() {
	cfg := config.LoadSender()
	logging.Init("sender", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())

	db, err := pg.NewPool(ctx, cfg.DBDSN, cfg.PoolOptions())
	if err != nil {
		slog.Error("sender db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	store := pg.New(db)

	pacer, pacerCheck, err := newPacer(cfg, db)
	if err != nil {
		slog.Error("sender pacer init failed", "err", err)
		os.Exit(1)
	}
	messenger, err := newMessenger(cfg)
	if err != nil {
		slog.Error("sender messaging provider init failed", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	sender := &worker.Sender{
		Store:             store,
		Messenger:         messenger,
		Pacer:             pacer,
		Breaker:           worker.NewBreaker(cfg.BreakerFailures, cfg.BreakerOpenFor),
		Interval:          cfg.SendInterval,
		IdleBackoff:       cfg.SendIdleBackoff,
		SendTimeout:       cfg.SendTimeout,
		RequireProviderID: cfg.RequireProviderMessageID,
	}

	startupCtx, startupCancel := context.WithTimeout(ctx, 10*time.Second)
	defer startupCancel()
	if n, err := sender.ExpireStale(startupCtx, cfg.SendLeaseTimeout); err != nil {
		slog.Error("expire stale leases failed", "err", err)
		os.Exit(1)
	} else if n > 0 {
		slog.Warn("expired stale outbox leases", "count", n)
	}

	healthMux := httpserver.New().Mux
	httpserver.RegisterHealth(healthMux, 2*time.Second, store.Ping, pacerCheck)
	healthSrv := &http.Server{Addr: ":" + cfg.Port, Handler: httpserver.Logging(healthMux)}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}

	srvErrCh := make(chan error, 2)
	go func() {
		slog.Info("sender health listening", "port", cfg.Port)
		srvErrCh <- healthSrv.ListenAndServe()
	}()
	go func() {
		slog.Info("sender metrics listening", "port", cfg.MetricsPort)
		srvErrCh <- metricsSrv.ListenAndServe()
	}()

	runErrCh := make(chan error, 1)
	go func() {
		slog.Info("sender starting",
			"provider", cfg.MessagingProvider,
			"pacer", cfg.PacerBackend,
			"interval", cfg.SendInterval,
		)
		runErrCh <- sender.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-runErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("sender stopped", "err", err)
			os.Exit(1)
		}
	case err := <-srvErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("sender server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("sender shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	select {
	case <-runErrCh:
	case <-time.After(cfg.SendTimeout + 5*time.Second):
		slog.Info("sender shutdown timeout waiting for in-flight send")
	}
}

func newPacer(cfg config.SenderConfig, db *pgxpool.Pool) (pacing.Pacer, httpserver.ReadyzCheck, error) {
	switch cfg.PacerBackend {
	case "", "postgres":
		return pacing.NewPostgres(db), func(context.Context) error { return nil }, nil
	case "memory":
		slog.Warn("in-process pacer selected, pacing is not shared across sender instances")
		return pacing.NewMemory(), func(context.Context) error { return nil }, nil
	case "redis":
		if cfg.RedisURL == "" {
			return nil, nil, errors.New("REDIS_URL is required for the redis pacer")
		}
		r, err := pacing.NewRedisFromURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return r, r.Ping, nil
	default:
		return nil, nil, fmt.Errorf("unknown PACER_BACKEND %q", cfg.PacerBackend)
	}
}

func newMessenger(cfg config.SenderConfig) (worker.Messenger, error) {
	switch cfg.MessagingProvider {
	case "", "whatsapp":
		if cfg.WhatsAppToken == "" || cfg.WhatsAppPhoneNumberID == "" {
			return nil, whatsapp.ErrNotConfigured
		}
		return &whatsapp.Client{
			Token:         cfg.WhatsAppToken,
			PhoneNumberID: cfg.WhatsAppPhoneNumberID,
			APIVersion:    cfg.WhatsAppAPIVersion,
			BaseURL:       cfg.WhatsAppBaseURL,
			HTTP:          &http.Client{Timeout: cfg.SendTimeout},
		}, nil
	case "twilio":
		return twilio.NewClient(twilio.Options{
			AccountSID:          cfg.TwilioAccountSID,
			AuthToken:           cfg.TwilioAuthToken,
			From:                cfg.TwilioFromNumber,
			MessagingServiceSID: cfg.TwilioMessagingServiceSID,
		})
	default:
		return nil, fmt.Errorf("unknown MESSAGING_PROVIDER %q", cfg.MessagingProvider)
	}
}
