package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mwistrand/aussie/internal/logging"
)

const (
	redisServicesKey  = "aussie:services"
	redisEventChannel = "aussie:services:events"
)

// RedisRepository persists registrations in a Redis hash and propagates
// invalidations over a pub/sub channel so peer gateways reload.
type RedisRepository struct {
	client  *redis.Client
	timeout time.Duration
}

// NewRedisRepository creates a Redis-backed service repository.
func NewRedisRepository(client *redis.Client, opTimeout time.Duration) *RedisRepository {
	if opTimeout <= 0 {
		opTimeout = time.Second
	}
	return &RedisRepository{client: client, timeout: opTimeout}
}

func (r *RedisRepository) List(ctx context.Context) ([]*ServiceRegistration, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	entries, err := r.client.HGetAll(ctx, redisServicesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list services: %w", err)
	}

	out := make([]*ServiceRegistration, 0, len(entries))
	for id, raw := range entries {
		var reg ServiceRegistration
		if err := json.Unmarshal([]byte(raw), &reg); err != nil {
			logging.Warn("dropping undecodable service registration",
				zap.String("service_id", id), zap.Error(err))
			continue
		}
		out = append(out, &reg)
	}
	return out, nil
}

func (r *RedisRepository) Upsert(ctx context.Context, reg *ServiceRegistration) error {
	raw, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("encode service registration: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.client.HSet(ctx, redisServicesKey, reg.ServiceID, raw).Err(); err != nil {
		return fmt.Errorf("redis upsert service: %w", err)
	}
	return nil
}

func (r *RedisRepository) Delete(ctx context.Context, serviceID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	n, err := r.client.HDel(ctx, redisServicesKey, serviceID).Result()
	if err != nil {
		return false, fmt.Errorf("redis delete service: %w", err)
	}
	return n > 0, nil
}

func (r *RedisRepository) Publish(ctx context.Context, serviceID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.Publish(ctx, redisEventChannel, serviceID).Err()
}

func (r *RedisRepository) Subscribe(ctx context.Context, fn func(serviceID string)) error {
	sub := r.client.Subscribe(ctx, redisEventChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			fn(msg.Payload)
		}
	}
}
