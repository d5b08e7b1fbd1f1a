package devicestore

import (
	"context"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
)

// HashClient is the part of a go-redis client the Redis backend uses.
type HashClient interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
}

// RedisBackend keeps one hash per device.
type RedisBackend struct {
	client HashClient
	key    string
}

func NewRedisBackend(addr, password, deviceID string) *RedisBackend {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return NewRedisBackendWithClient(c, deviceID)
}

func NewRedisBackendWithClient(c HashClient, deviceID string) *RedisBackend {
	return &RedisBackend{client: c, key: deviceKey(deviceID)}
}

func (r *RedisBackend) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.HGet(ctx, r.key, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *RedisBackend) Set(ctx context.Context, key, value string) error {
	return r.client.HSet(ctx, r.key, key, value).Err()
}

func (r *RedisBackend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.HDel(ctx, r.key, keys...).Err()
}

// Close releases the client when it owns a connection pool.
func (r *RedisBackend) Close() error {
	if c, ok := r.client.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

func deviceKey(id string) string { return "device:prefs:" + id }

// MemoryBackend is a process-local Backend.
type MemoryBackend struct {
	mu sync.RWMutex
	m  map[string]string
}

func NewMemoryBackend() *MemoryBackend { return &MemoryBackend{m: make(map[string]string)} }

func (m *MemoryBackend) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.m[key]
	return v, ok, nil
}

func (m *MemoryBackend) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m[key] = value
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.m, k)
	}
	return nil
}
