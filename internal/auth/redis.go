package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyByID   = "aussie:apikey:id:"
	redisKeyByHash = "aussie:apikey:hash:"
	redisKeyIndex  = "aussie:apikey:ids"
)

// RedisKeyRepository stores API keys as JSON values indexed both by id and by
// token hash, plus a set of ids for listing. Expired keys stay listed until
// revoked; Usable rejects them at authentication time.
type RedisKeyRepository struct {
	client  *redis.Client
	timeout time.Duration
}

// NewRedisKeyRepository creates a Redis-backed key store.
func NewRedisKeyRepository(client *redis.Client, opTimeout time.Duration) *RedisKeyRepository {
	if opTimeout <= 0 {
		opTimeout = time.Second
	}
	return &RedisKeyRepository{client: client, timeout: opTimeout}
}

func (r *RedisKeyRepository) FindByHash(ctx context.Context, hash string) (*ApiKey, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	id, err := r.client.Get(ctx, redisKeyByHash+hash).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("api key hash lookup: %w", err)
	}
	return r.findByID(ctx, id)
}

func (r *RedisKeyRepository) findByID(ctx context.Context, id string) (*ApiKey, error) {
	raw, err := r.client.Get(ctx, redisKeyByID+id).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("api key lookup: %w", err)
	}
	var key ApiKey
	if err := json.Unmarshal(raw, &key); err != nil {
		return nil, fmt.Errorf("api key decode: %w", err)
	}
	return &key, nil
}

func (r *RedisKeyRepository) Create(ctx context.Context, key *ApiKey) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	raw, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("api key encode: %w", err)
	}

	pipe := r.client.Pipeline()
	pipe.Set(ctx, redisKeyByID+key.ID, raw, 0)
	pipe.Set(ctx, redisKeyByHash+key.KeyHash, key.ID, 0)
	pipe.SAdd(ctx, redisKeyIndex, key.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("api key save: %w", err)
	}
	return nil
}

func (r *RedisKeyRepository) Revoke(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	key, err := r.findByID(ctx, id)
	if err != nil {
		return err
	}
	if key == nil {
		return nil
	}

	key.Revoked = true
	raw, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("api key encode: %w", err)
	}
	if err := r.client.Set(ctx, redisKeyByID+id, raw, 0).Err(); err != nil {
		return fmt.Errorf("api key revoke: %w", err)
	}
	return nil
}

func (r *RedisKeyRepository) List(ctx context.Context) ([]*ApiKey, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ids, err := r.client.SMembers(ctx, redisKeyIndex).Result()
	if err != nil {
		return nil, fmt.Errorf("api key index: %w", err)
	}

	keys := make([]*ApiKey, 0, len(ids))
	for _, id := range ids {
		key, err := r.findByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if key != nil {
			keys = append(keys, key)
		}
	}
	return keys, nil
}
