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

	"github.com/example/quickrun-notify/internal/config"
	"github.com/example/quickrun-notify/internal/dispatch"
	"github.com/example/quickrun-notify/internal/docstore"
	"github.com/example/quickrun-notify/internal/fanout"
	"github.com/example/quickrun-notify/internal/firebaseapp"
	httpapi "github.com/example/quickrun-notify/internal/http"
	"github.com/example/quickrun-notify/internal/ingest"
	"github.com/example/quickrun-notify/internal/logging"
	"github.com/example/quickrun-notify/internal/otp"
	"github.com/example/quickrun-notify/internal/storage"
	"github.com/example/quickrun-notify/internal/subscription"
)

const migrationFile = "001_create_subscriptions.sql"

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close failed", "error", err)
			}
		}
	}()

	var (
		docs   *docstore.Store
		fcm    dispatch.Sender = &dispatch.LogSender{Logger: logger}
		tokens firebaseapp.TokenVerifier
	)
	if cfg.Firebase.Enabled() {
		fb, err := firebaseapp.Open(ctx, cfg.Firebase)
		if err != nil {
			return err
		}
		closers = append(closers, fb.Close)
		docs = docstore.New(fb.Firestore, logger)
		fcm = dispatch.NewFCMSender(fb.Messaging)
		tokens = firebaseapp.NewTokenVerifier(fb.Auth)
		logger.Info("firebase enabled", "project_id", cfg.Firebase.ProjectID)
	}

	store, err := openSubscriptionStore(ctx, cfg, docs, logger, &closers)
	if err != nil {
		return err
	}

	var (
		deadLetter subscription.DeadLetter
		publisher  httpapi.OrderPublisher
	)
	if len(cfg.KafkaBrokers) > 0 {
		dl := ingest.NewDeadLetterProducer(cfg.KafkaBrokers, cfg.DeadLetterTopic)
		closers = append(closers, dl.Close)
		deadLetter = dl
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.OrderEventsTopic)
		closers = append(closers, kp.Close)
		publisher = kp
		logger.Info("kafka enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.OrderEventsTopic)
	}

	reconciler := subscription.NewReconciler(store, subscription.Options{
		Secret:       cfg.RazorpayWebhookSecret,
		PlanAmount:   cfg.PlanAmount,
		PlanCurrency: cfg.PlanCurrency,
		DeadLetter:   deadLetter,
		Logger:       logger,
	})
	if cfg.RazorpayWebhookSecret == "" {
		logger.Warn("RAZORPAY_WEBHOOK_SECRET not set; every webhook will be rejected")
	}

	ws := dispatch.NewWSRegistry(logger)
	var fan httpapi.Fanout
	if docs != nil {
		modes, err := fanout.ParseModes(cfg.FanoutModes)
		if err != nil {
			return err
		}
		fan = fanout.NewService(docs, dispatch.NewPushDispatcher(ws, fcm), modes, logger)
	}

	otpSvc := otp.NewService(otp.NewTwilioProvider(cfg.Twilio), logger)

	api := httpapi.NewServer(httpapi.Deps{
		Webhooks:      reconciler,
		OTP:           otpSvc,
		Tokens:        tokens,
		Publisher:     publisher,
		Fanout:        fan,
		WS:            ws,
		InternalToken: cfg.InternalToken,
		Logger:        logger,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("quickrun-notify listening", "addr", cfg.HTTPAddr, "subscription_backend", cfg.SubscriptionBackend)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openSubscriptionStore(ctx context.Context, cfg config.ServerConfig, docs *docstore.Store, logger *slog.Logger, closers *[]func() error) (subscription.Store, error) {
	switch cfg.SubscriptionBackend {
	case "firestore":
		if docs == nil {
			return nil, errors.New("firestore backend requires firebase")
		}
		return docs, nil
	case "postgres":
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		*closers = append(*closers, ps.Close)
		if cfg.RunMigrations {
			if err := ps.Migrate(ctx, "migrations", migrationFile); err != nil {
				return nil, err
			}
			logger.Info("migration applied", "file", migrationFile)
		}
		return ps, nil
	default:
		logger.Warn("using in-memory subscription store; state is lost on restart")
		return storage.NewMemoryStore(), nil
	}
}
