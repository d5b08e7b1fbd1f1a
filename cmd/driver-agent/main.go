package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/quickrun-notify/internal/agent"
	"github.com/example/quickrun-notify/internal/config"
	"github.com/example/quickrun-notify/internal/devicestore"
	"github.com/example/quickrun-notify/internal/docstore"
	"github.com/example/quickrun-notify/internal/firebaseapp"
	"github.com/example/quickrun-notify/internal/logging"
	"github.com/example/quickrun-notify/internal/tracking"
)

func main() {
	cfg, err := config.LoadAgentConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel).With("device_id", cfg.DeviceID)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("agent exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.AgentConfig, logger *slog.Logger) error {
	var backend devicestore.Backend
	if cfg.RedisAddr != "" {
		rb := devicestore.NewRedisBackend(cfg.RedisAddr, cfg.RedisPassword, cfg.DeviceID)
		defer rb.Close()
		backend = rb
	} else {
		logger.Warn("REDIS_ADDR not set; device state is kept in memory")
		backend = devicestore.NewMemoryBackend()
	}

	opts := agent.Options{
		Store:  devicestore.New(backend),
		View:   agent.LogView{Logger: logger},
		Player: agent.ClipPlayer{Clip: cfg.AlertClip, Logger: logger},
		Logger: logger,
	}

	if cfg.Firebase.Enabled() {
		fb, err := firebaseapp.Open(ctx, cfg.Firebase)
		if err != nil {
			return err
		}
		defer fb.Close()
		docs := docstore.New(fb.Firestore, logger)
		opts.Writer = docs
		opts.Resolver = docs
	} else {
		logger.Warn("FIREBASE_PROJECT_ID not set; locations are logged only")
	}

	var source tracking.LocationSource = agent.IdleSource{}
	if len(cfg.KafkaBrokers) > 0 {
		source = agent.NewKafkaLocationSource(cfg.KafkaBrokers, cfg.LocationTopic, cfg.DeviceID, logger)
	} else {
		logger.Warn("KAFKA_BROKERS not set; no location feed")
	}
	opts.Source = source

	pushURL, err := agent.PushURL(cfg.ServerWSURL, cfg.PushToken)
	if err != nil {
		return fmt.Errorf("AGENT_SERVER_WS_URL: %w", err)
	}

	a := agent.New(ctx, opts)
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()
	a.Start()

	push := &agent.PushClient{URL: pushURL, Handle: a.HandlePush, Logger: logger}
	logger.Info("driver agent started", "push_url", pushURL)
	push.Run(ctx)

	<-done
	logger.Info("driver agent stopped")
	return nil
}
