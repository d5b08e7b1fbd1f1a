package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// FirebaseConfig locates the Firebase project used for Firestore, FCM and
// ID-token verification. An empty ProjectID disables every Firebase backend.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

func (f FirebaseConfig) Enabled() bool { return f.ProjectID != "" }

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	ServiceSID string
}

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are loaded from environment variables with defaults so the binary
// runs locally with in-memory backends.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	KafkaBrokers     []string
	OrderEventsTopic string
	DeadLetterTopic  string

	PGDSN         string
	RunMigrations bool

	// SubscriptionBackend is one of firestore, postgres or memory.
	SubscriptionBackend string

	Firebase FirebaseConfig
	Twilio   TwilioConfig

	RazorpayWebhookSecret string
	PlanAmount            int64
	PlanCurrency          string

	FanoutModes []string

	// InternalToken guards /internal routes when set.
	InternalToken string

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		OrderEventsTopic:    "order-created",
		DeadLetterTopic:     "subscription-webhook-deadletter",
		SubscriptionBackend: "memory",
		PlanAmount:          99,
		PlanCurrency:        "INR",
		FanoutModes:         []string{"drivers", "sellers"},
		LogLevel:            "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	LoadDotEnv()
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setListFromEnv(&cfg.KafkaBrokers, "KAFKA_BROKERS")
	setStringFromEnv(&cfg.OrderEventsTopic, "ORDER_EVENTS_TOPIC")
	setStringFromEnv(&cfg.DeadLetterTopic, "WEBHOOK_DEADLETTER_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	setStringFromEnv(&cfg.SubscriptionBackend, "SUBSCRIPTION_BACKEND")
	cfg.SubscriptionBackend = strings.ToLower(cfg.SubscriptionBackend)

	cfg.Firebase = loadFirebase()
	cfg.Twilio = TwilioConfig{
		AccountSID: strings.TrimSpace(os.Getenv("TWILIO_ACCOUNT_SID")),
		AuthToken:  strings.TrimSpace(os.Getenv("TWILIO_AUTH_TOKEN")),
		ServiceSID: strings.TrimSpace(os.Getenv("TWILIO_SERVICE_SID")),
	}

	cfg.RazorpayWebhookSecret = os.Getenv("RAZORPAY_WEBHOOK_SECRET")
	setInt64FromEnv(&cfg.PlanAmount, "SUBSCRIPTION_PLAN_AMOUNT", &errs)
	setStringFromEnv(&cfg.PlanCurrency, "SUBSCRIPTION_PLAN_CURRENCY")

	setListFromEnv(&cfg.FanoutModes, "FANOUT_MODES")
	cfg.InternalToken = os.Getenv("INTERNAL_TOKEN")
	setStringFromEnv(&cfg.LogLevel, "LOG_LEVEL")
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)

	switch cfg.SubscriptionBackend {
	case "memory":
	case "postgres":
		if cfg.PGDSN == "" {
			errs = append(errs, fmt.Errorf("SUBSCRIPTION_BACKEND=postgres requires PG_DSN"))
		}
	case "firestore":
		if !cfg.Firebase.Enabled() {
			errs = append(errs, fmt.Errorf("SUBSCRIPTION_BACKEND=firestore requires FIREBASE_PROJECT_ID"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid SUBSCRIPTION_BACKEND %q", cfg.SubscriptionBackend))
	}
	errs = append(errs, validateModes(cfg.FanoutModes)...)

	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures the order-event consumer that runs fan-out.
type ConsumerConfig struct {
	MetricsAddr  string
	KafkaBrokers []string
	Topic        string
	Group        string
	Firebase     FirebaseConfig
	FanoutModes  []string

	// RedisAddr enables order-id dedupe across redeliveries. Empty disables it.
	RedisAddr     string
	RedisPassword string
	DedupeTTL     time.Duration

	// PushRelayURL points at the server's /internal/push so agents on its
	// WebSocket sessions are reached before FCM. Empty sends FCM only.
	PushRelayURL  string
	InternalToken string

	LogLevel string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	LoadDotEnv()
	cfg := ConsumerConfig{
		MetricsAddr:  ":2112",
		KafkaBrokers: []string{"localhost:9092"},
		Topic:        "order-created",
		Group:        "quickrun-fanout",
		FanoutModes:  []string{"drivers", "sellers"},
		DedupeTTL:    24 * time.Hour,
		LogLevel:     "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	setListFromEnv(&cfg.KafkaBrokers, "KAFKA_BROKERS")
	setStringFromEnv(&cfg.Topic, "ORDER_EVENTS_TOPIC")
	setStringFromEnv(&cfg.Group, "KAFKA_GROUP")
	cfg.Firebase = loadFirebase()
	setListFromEnv(&cfg.FanoutModes, "FANOUT_MODES")
	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setDurationFromEnv(&cfg.DedupeTTL, "FANOUT_DEDUPE_TTL", &errs)
	cfg.PushRelayURL = strings.TrimSpace(os.Getenv("PUSH_RELAY_URL"))
	cfg.InternalToken = os.Getenv("INTERNAL_TOKEN")
	setStringFromEnv(&cfg.LogLevel, "LOG_LEVEL")

	if !cfg.Firebase.Enabled() {
		errs = append(errs, fmt.Errorf("FIREBASE_PROJECT_ID is required"))
	}
	errs = append(errs, validateModes(cfg.FanoutModes)...)
	return cfg, errors.Join(errs...)
}

// AgentConfig configures the headless driver agent.
type AgentConfig struct {
	DeviceID      string
	PushToken     string
	ServerWSURL   string
	RedisAddr     string
	RedisPassword string
	KafkaBrokers  []string
	LocationTopic string
	Firebase      FirebaseConfig
	AlertClip     time.Duration
	LogLevel      string
}

func LoadAgentConfig() (AgentConfig, error) {
	LoadDotEnv()
	cfg := AgentConfig{
		ServerWSURL:   "ws://localhost:8080/ws",
		LocationTopic: "driver-locations",
		AlertClip:     3 * time.Second,
		LogLevel:      "info",
	}
	var errs []error

	cfg.DeviceID = strings.TrimSpace(os.Getenv("AGENT_DEVICE_ID"))
	cfg.PushToken = strings.TrimSpace(os.Getenv("AGENT_PUSH_TOKEN"))
	setStringFromEnv(&cfg.ServerWSURL, "AGENT_SERVER_WS_URL")
	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setListFromEnv(&cfg.KafkaBrokers, "KAFKA_BROKERS")
	setStringFromEnv(&cfg.LocationTopic, "AGENT_LOCATION_TOPIC")
	cfg.Firebase = loadFirebase()
	setDurationFromEnv(&cfg.AlertClip, "AGENT_ALERT_CLIP", &errs)
	setStringFromEnv(&cfg.LogLevel, "LOG_LEVEL")

	if cfg.DeviceID == "" {
		errs = append(errs, fmt.Errorf("AGENT_DEVICE_ID is required"))
	}
	if cfg.PushToken == "" {
		cfg.PushToken = cfg.DeviceID
	}
	if cfg.AlertClip <= 0 {
		errs = append(errs, fmt.Errorf("AGENT_ALERT_CLIP must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

// LoadDotEnv reads a .env file from the working directory when one exists.
// Variables already present in the environment win.
func LoadDotEnv() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "ignoring unreadable .env: %v\n", err)
	}
}

func loadFirebase() FirebaseConfig {
	return FirebaseConfig{
		ProjectID:       strings.TrimSpace(os.Getenv("FIREBASE_PROJECT_ID")),
		CredentialsFile: strings.TrimSpace(os.Getenv("FIREBASE_CREDENTIALS_FILE")),
	}
}

func validateModes(modes []string) []error {
	var errs []error
	if len(modes) == 0 {
		errs = append(errs, fmt.Errorf("FANOUT_MODES must name at least one mode"))
	}
	for _, m := range modes {
		if m != "drivers" && m != "sellers" {
			errs = append(errs, fmt.Errorf("invalid fan-out mode %q", m))
		}
	}
	return errs
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setInt64FromEnv(target *int64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func setListFromEnv(target *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = splitAndTrim(v)
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
