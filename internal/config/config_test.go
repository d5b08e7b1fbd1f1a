package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "memory", cfg.SubscriptionBackend)
	assert.Equal(t, int64(99), cfg.PlanAmount)
	assert.Equal(t, "INR", cfg.PlanCurrency)
	assert.Equal(t, []string{"drivers", "sellers"}, cfg.FanoutModes)
	assert.False(t, cfg.Firebase.Enabled())
}

func TestLoadServerConfigOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("HTTP_READ_TIMEOUT", "2s")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092 ,")
	t.Setenv("FANOUT_MODES", "sellers")
	t.Setenv("SUBSCRIPTION_PLAN_AMOUNT", "199")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, 2*time.Second, cfg.ReadTimeout)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, []string{"sellers"}, cfg.FanoutModes)
	assert.Equal(t, int64(199), cfg.PlanAmount)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadServerConfigCollectsErrors(t *testing.T) {
	t.Setenv("HTTP_WRITE_TIMEOUT", "soon")
	t.Setenv("SUBSCRIPTION_BACKEND", "postgres")
	t.Setenv("FANOUT_MODES", "everyone")

	_, err := LoadServerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP_WRITE_TIMEOUT")
	assert.Contains(t, err.Error(), "PG_DSN")
	assert.Contains(t, err.Error(), "everyone")
}

func TestLoadAgentConfigRequiresDevice(t *testing.T) {
	_, err := LoadAgentConfig()
	require.Error(t, err)

	t.Setenv("AGENT_DEVICE_ID", "dev-1")
	cfg, err := LoadAgentConfig()
	require.NoError(t, err)
	assert.Equal(t, "dev-1", cfg.PushToken)
	assert.Equal(t, 3*time.Second, cfg.AlertClip)
}

func TestLoadConsumerConfigRequiresFirebase(t *testing.T) {
	_, err := LoadConsumerConfig()
	require.Error(t, err)

	t.Setenv("FIREBASE_PROJECT_ID", "quickrun")
	cfg, err := LoadConsumerConfig()
	require.NoError(t, err)
	assert.Equal(t, "order-created", cfg.Topic)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Empty(t, cfg.RedisAddr)
	assert.Equal(t, 24*time.Hour, cfg.DedupeTTL)

	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("FANOUT_DEDUPE_TTL", "1h")
	cfg, err = LoadConsumerConfig()
	require.NoError(t, err)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, time.Hour, cfg.DedupeTTL)
	assert.Empty(t, cfg.PushRelayURL)

	t.Setenv("PUSH_RELAY_URL", " http://api:8080/internal/push ")
	t.Setenv("INTERNAL_TOKEN", "s3cret")
	cfg, err = LoadConsumerConfig()
	require.NoError(t, err)
	assert.Equal(t, "http://api:8080/internal/push", cfg.PushRelayURL)
	assert.Equal(t, "s3cret", cfg.InternalToken)
}
