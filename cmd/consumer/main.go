package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/quickrun-notify/internal/config"
	"github.com/example/quickrun-notify/internal/dispatch"
	"github.com/example/quickrun-notify/internal/docstore"
	"github.com/example/quickrun-notify/internal/fanout"
	"github.com/example/quickrun-notify/internal/firebaseapp"
	"github.com/example/quickrun-notify/internal/logging"
	"github.com/example/quickrun-notify/internal/models"
	"github.com/example/quickrun-notify/internal/observability"
)

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fb, err := firebaseapp.Open(ctx, cfg.Firebase)
	if err != nil {
		logger.Error("firebase init failed", "error", err)
		os.Exit(1)
	}
	defer fb.Close()

	modes, err := fanout.ParseModes(cfg.FanoutModes)
	if err != nil {
		logger.Error("invalid fan-out modes", "error", err)
		os.Exit(1)
	}
	var sender dispatch.Sender = dispatch.NewFCMSender(fb.Messaging)
	if cfg.PushRelayURL != "" {
		sender = dispatch.NewPushDispatcher(dispatch.NewRelaySender(cfg.PushRelayURL, cfg.InternalToken), sender)
		logger.Info("relaying pushes through server sessions", "url", cfg.PushRelayURL)
	} else {
		logger.Warn("PUSH_RELAY_URL not set; agents on WebSocket sessions are reached through FCM only")
	}
	svc := fanout.NewService(docstore.New(fb.Firestore, logger), sender, modes, logger)

	h := &handler{fanout: svc, ttl: cfg.DedupeTTL, logger: logging.Component(logger, "consumer")}
	var rc *redis.Client
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		h.dedupe = &redisAdapter{c: rc}
	}

	go serveMetrics(cfg.MetricsAddr, rc, logger)

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.Topic, GroupID: cfg.Group, MinBytes: 1, MaxBytes: 10e6})
	defer r.Close()

	logger.Info("consumer listening", "topic", cfg.Topic, "brokers", cfg.KafkaBrokers, "group", cfg.Group, "dedupe", rc != nil)
	consume(ctx, r, h, logger)
	logger.Info("shutting down consumer")
}

func serveMetrics(addr string, rc *redis.Client, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if rc != nil {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	logger.Info("metrics/health listening", "addr", addr)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		logger.Warn("metrics server stopped", "error", err)
	}
}

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// consume reads until ctx is done, backing off exponentially on read errors.
func consume(ctx context.Context, r MessageReader, h *handler, logger *slog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		h.handle(ctx, m)
	}
}

// Fanout runs the order-created notification fan-out.
type Fanout interface {
	OnOrderCreated(ctx context.Context, ev models.OrderCreated) []fanout.Result
}

// Deduper claims an order id so a redelivered event is not fanned out twice.
type Deduper interface {
	SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return r.c.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
}

type handler struct {
	fanout Fanout
	dedupe Deduper
	ttl    time.Duration
	logger *slog.Logger
}

func (h *handler) handle(ctx context.Context, m kafka.Message) {
	observability.OrderEventsConsumed.Inc()

	var ev models.OrderCreated
	if err := json.Unmarshal(m.Value, &ev); err != nil {
		observability.OrderEventsInvalid.Inc()
		h.logger.Warn("invalid order event", "error", err, "offset", m.Offset)
		return
	}
	ev.OrderID = strings.TrimSpace(ev.OrderID)
	if ev.OrderID == "" {
		observability.OrderEventsInvalid.Inc()
		h.logger.Warn("order event without order id", "offset", m.Offset)
		return
	}

	if h.dedupe != nil {
		first, err := claimWithRetry(ctx, h.dedupe, dedupeKey(ev.OrderID), h.ttl, 3, 200*time.Millisecond)
		switch {
		case err != nil:
			// Redis is down: notify anyway rather than drop the order.
			h.logger.Warn("dedupe unavailable", "order_id", ev.OrderID, "error", err)
		case !first:
			h.logger.Info("duplicate order event skipped", "order_id", ev.OrderID)
			return
		}
	}

	for _, res := range h.fanout.OnOrderCreated(ctx, ev) {
		h.logger.Info("fan-out done", "order_id", ev.OrderID, "mode", string(res.Mode),
			"skipped", res.Skipped, "successes", res.Successes, "failures", res.Failures)
	}
}

func dedupeKey(orderID string) string { return "fanout:seen:" + orderID }

// claimWithRetry sets key if absent, retrying transport errors with doubling delay.
func claimWithRetry(ctx context.Context, d Deduper, key string, ttl time.Duration, attempts int, delay time.Duration) (bool, error) {
	var err error
	for i := 0; i < attempts; i++ {
		var ok bool
		if ok, err = d.SetNX(ctx, key, ttl); err == nil {
			return ok, nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return false, err
}
