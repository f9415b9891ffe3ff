package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type memoryAttempt struct {
	rec      AttemptRecord
	expireAt time.Time
}

// MemoryFailedAttempts is the in-process FailedAttemptRepository. Expired
// entries are dropped lazily on read and swept opportunistically on write.
type MemoryFailedAttempts struct {
	mu    sync.Mutex
	items map[string]memoryAttempt
}

// NewMemoryFailedAttempts creates an empty in-process repository.
func NewMemoryFailedAttempts() *MemoryFailedAttempts {
	return &MemoryFailedAttempts{items: make(map[string]memoryAttempt)}
}

func (m *MemoryFailedAttempts) Get(ctx context.Context, key string) (AttemptRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[key]
	if !ok {
		return AttemptRecord{}, false, nil
	}
	if time.Now().After(item.expireAt) {
		delete(m.items, key)
		return AttemptRecord{}, false, nil
	}
	return item.rec, true, nil
}

func (m *MemoryFailedAttempts) Put(ctx context.Context, key string, rec AttemptRecord, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.items[key] = memoryAttempt{rec: rec, expireAt: now.Add(ttl)}

	// Piggyback expiry on writes so an idle repository still shrinks.
	if len(m.items)%64 == 0 {
		for k, v := range m.items {
			if now.After(v.expireAt) {
				delete(m.items, k)
			}
		}
	}
	return nil
}

func (m *MemoryFailedAttempts) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

// RedisFailedAttempts stores records as JSON strings with a Redis TTL.
type RedisFailedAttempts struct {
	client  *redis.Client
	timeout time.Duration
}

// NewRedisFailedAttempts creates a Redis-backed repository.
func NewRedisFailedAttempts(client *redis.Client, opTimeout time.Duration) *RedisFailedAttempts {
	if opTimeout <= 0 {
		opTimeout = time.Second
	}
	return &RedisFailedAttempts{client: client, timeout: opTimeout}
}

func (r *RedisFailedAttempts) Get(ctx context.Context, key string) (AttemptRecord, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	raw, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return AttemptRecord{}, false, nil
	}
	if err != nil {
		return AttemptRecord{}, false, fmt.Errorf("failed attempts get: %w", err)
	}

	var rec AttemptRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return AttemptRecord{}, false, fmt.Errorf("failed attempts decode: %w", err)
	}
	return rec, true, nil
}

func (r *RedisFailedAttempts) Put(ctx context.Context, key string, rec AttemptRecord, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed attempts encode: %w", err)
	}
	if err := r.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed attempts put: %w", err)
	}
	return nil
}

func (r *RedisFailedAttempts) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed attempts delete: %w", err)
	}
	return nil
}
