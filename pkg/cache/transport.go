// Package cache provides a read-through, TTL-bounded cache for the attack aggregate.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Transport is a key/value store with per-key expiry.
type Transport interface {
	// Get returns the value and true, or nil and false when the key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value under key, replacing any existing entry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Ping checks connectivity.
	Ping(ctx context.Context) error
}

// TransportError reports that the cache backend could not be reached.
// It is logged by the cache and never returned to readers.
type TransportError struct {
	Op  string
	Key string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("cache %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RedisTransport stores values in Redis using GET and SET EX.
type RedisTransport struct {
	client *redis.Client
}

// NewRedisTransport wraps a connected client. The client is shared and owned by the caller.
func NewRedisTransport(client *redis.Client) *RedisTransport {
	return &RedisTransport{client: client}
}

// DialRedis parses a redis:// URL, connects and verifies the connection.
func DialRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (t *RedisTransport) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := t.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &TransportError{Op: "get", Key: key, Err: err}
	}
	return val, true, nil
}

func (t *RedisTransport) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := t.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return &TransportError{Op: "set", Key: key, Err: err}
	}
	return nil
}

func (t *RedisTransport) Ping(ctx context.Context) error {
	if err := t.client.Ping(ctx).Err(); err != nil {
		return &TransportError{Op: "ping", Err: err}
	}
	return nil
}

// MemoryTransport keeps values in process memory.
// Use this when Redis is not configured; entries do not survive a restart
// and are not shared between replicas.
type MemoryTransport struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryTransport creates an empty in-memory transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (t *MemoryTransport) Get(ctx context.Context, key string) ([]byte, bool, error) {
	t.mu.RLock()
	entry, ok := t.entries[key]
	t.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.IsZero() && !t.now().Before(entry.expiresAt) {
		t.mu.Lock()
		// Another writer may have replaced the entry in between
		if current, ok := t.entries[key]; ok && current.expiresAt.Equal(entry.expiresAt) {
			delete(t.entries, key)
		}
		t.mu.Unlock()
		return nil, false, nil
	}
	return entry.value, true, nil
}

func (t *MemoryTransport) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	entry := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = t.now().Add(ttl)
	}

	t.mu.Lock()
	t.entries[key] = entry
	t.mu.Unlock()
	return nil
}

func (t *MemoryTransport) Ping(context.Context) error { return nil }
