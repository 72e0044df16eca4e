// Package drafts keeps attachment bytes (proof images, chat pictures) between capture
// and submission.
package drafts

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrNotFound is returned for an absent or expired draft.
var ErrNotFound = errors.New("drafts: not found")

// DefaultTTL bounds how long an unsubmitted draft is kept.
const DefaultTTL = time.Hour

// Store holds opaque draft payloads by key.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Key scopes a draft slot to a user.
func Key(userID, slot string) string {
	return "transferdesk:draft:" + userID + ":" + slot
}

// =============================================================================
// In-memory store
// =============================================================================

// Memory is a process-local Store.
type Memory struct {
	mu    sync.Mutex
	items map[string][]byte
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{items: make(map[string][]byte)}
}

func (m *Memory) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

// =============================================================================
// Redis store
// =============================================================================

// Redis keeps drafts in Redis with an expiry.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis parses a redis:// URL and returns a store whose entries expire after ttl.
func NewRedis(url string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: redis.NewClient(opts), ttl: ttl}, nil
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Put(ctx context.Context, key string, data []byte) error {
	return r.client.Set(ctx, key, data, r.ttl).Err()
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return data, err
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}
