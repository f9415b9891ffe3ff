package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Repository persists sessions keyed by id. SaveIfAbsent must be atomic so
// id collisions are detectable; implementations expire entries on their own
// at the session's ExpiresAt.
type Repository interface {
	// SaveIfAbsent stores the session only when no entry exists for its id.
	// Returns false on collision.
	SaveIfAbsent(ctx context.Context, s *Session) (bool, error)
	FindByID(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
	DeleteByUserID(ctx context.Context, userID string) (int, error)
}

// MemoryRepository is the in-process session store. Expired entries are
// dropped lazily on read.
type MemoryRepository struct {
	mu    sync.RWMutex
	items map[string]*Session
}

// NewMemoryRepository creates an empty in-process store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{items: make(map[string]*Session)}
}

func (m *MemoryRepository) SaveIfAbsent(ctx context.Context, s *Session) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.items[s.ID]; ok && time.Now().Before(existing.ExpiresAt) {
		return false, nil
	}
	copied := *s
	m.items[s.ID] = &copied
	return true, nil
}

func (m *MemoryRepository) FindByID(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.items[id]
	m.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	if !time.Now().Before(s.ExpiresAt) {
		m.mu.Lock()
		delete(m.items, id)
		m.mu.Unlock()
		return nil, nil
	}
	copied := *s
	return &copied, nil
}

func (m *MemoryRepository) Update(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *s
	m.items[s.ID] = &copied
	return nil
}

func (m *MemoryRepository) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, id)
	return nil
}

func (m *MemoryRepository) DeleteByUserID(ctx context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int
	for id, s := range m.items {
		if s.UserID == userID {
			delete(m.items, id)
			removed++
		}
	}
	return removed, nil
}

const (
	redisSessionPrefix = "aussie:session:"
	redisUserPrefix    = "aussie:session:user:"
)

// RedisRepository stores sessions as JSON values with Redis TTLs, plus a
// per-user set used to invalidate all of a user's sessions at once.
type RedisRepository struct {
	client  *redis.Client
	timeout time.Duration
}

// NewRedisRepository creates a Redis-backed session store.
func NewRedisRepository(client *redis.Client, opTimeout time.Duration) *RedisRepository {
	if opTimeout <= 0 {
		opTimeout = time.Second
	}
	return &RedisRepository{client: client, timeout: opTimeout}
}

func (r *RedisRepository) SaveIfAbsent(ctx context.Context, s *Session) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	raw, err := json.Marshal(s)
	if err != nil {
		return false, fmt.Errorf("session encode: %w", err)
	}

	ttl := time.Until(s.ExpiresAt)
	if ttl <= 0 {
		return false, fmt.Errorf("session already expired")
	}

	ok, err := r.client.SetNX(ctx, redisSessionPrefix+s.ID, raw, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("session save: %w", err)
	}
	if !ok {
		return false, nil
	}

	pipe := r.client.Pipeline()
	pipe.SAdd(ctx, redisUserPrefix+s.UserID, s.ID)
	pipe.ExpireAt(ctx, redisUserPrefix+s.UserID, s.ExpiresAt)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("session user index: %w", err)
	}
	return true, nil
}

func (r *RedisRepository) FindByID(ctx context.Context, id string) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	raw, err := r.client.Get(ctx, redisSessionPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session find: %w", err)
	}

	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("session decode: %w", err)
	}
	return &s, nil
}

func (r *RedisRepository) Update(ctx context.Context, s *Session) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("session encode: %w", err)
	}
	ttl := time.Until(s.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("session already expired")
	}
	if err := r.client.Set(ctx, redisSessionPrefix+s.ID, raw, ttl).Err(); err != nil {
		return fmt.Errorf("session update: %w", err)
	}
	return nil
}

func (r *RedisRepository) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// Read first so the user index entry can be dropped too.
	if s, err := r.FindByID(ctx, id); err == nil && s != nil {
		r.client.SRem(ctx, redisUserPrefix+s.UserID, id)
	}
	if err := r.client.Del(ctx, redisSessionPrefix+id).Err(); err != nil {
		return fmt.Errorf("session delete: %w", err)
	}
	return nil
}

func (r *RedisRepository) DeleteByUserID(ctx context.Context, userID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ids, err := r.client.SMembers(ctx, redisUserPrefix+userID).Result()
	if err != nil {
		return 0, fmt.Errorf("session user lookup: %w", err)
	}

	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, redisSessionPrefix+id)
	}
	keys = append(keys, redisUserPrefix+userID)

	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return 0, fmt.Errorf("session user delete: %w", err)
	}
	return len(ids), nil
}
