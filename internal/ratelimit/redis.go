package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mwistrand/aussie/config"
)

// tokenBucketScript refills and consumes atomically.
// Returns: [allowed, remaining, resetMs, retryAfterMs, count]
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])
local window = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then
    tokens = capacity
    last = now
end

local elapsed = now - last
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last = now
end

if tokens >= 1 then
    tokens = tokens - 1
    redis.call('HMSET', key, 'tokens', tokens, 'last', last)
    redis.call('PEXPIRE', key, window * 2)
    return {1, math.floor(tokens), now + window, 0, 0}
end

redis.call('HMSET', key, 'tokens', tokens, 'last', last)
redis.call('PEXPIRE', key, window * 2)
local retry = math.ceil((1 - tokens) / rate)
return {0, 0, now + retry, retry, 0}
`)

// fixedWindowScript counts within aligned windows.
var fixedWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local window = tonumber(ARGV[3])

local start = now - now % window
local data = redis.call('HMGET', key, 'count', 'start')
local count = tonumber(data[1])
local winstart = tonumber(data[2])
if count == nil or winstart ~= start then
    count = 0
    winstart = start
end

if count < limit then
    count = count + 1
    redis.call('HMSET', key, 'count', count, 'start', winstart)
    redis.call('PEXPIRE', key, window * 2)
    return {1, limit - count, start + window, 0, count}
end

redis.call('HMSET', key, 'count', count, 'start', winstart)
redis.call('PEXPIRE', key, window * 2)
return {0, 0, start + window, start + window - now, count}
`)

// slidingWindowScript blends two adjacent windows.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local window = tonumber(ARGV[3])

local start = now - now % window
local data = redis.call('HMGET', key, 'prev', 'curr', 'start')
local prev = tonumber(data[1])
local curr = tonumber(data[2])
local winstart = tonumber(data[3])

if curr == nil then
    prev = 0
    curr = 0
    winstart = start
elseif winstart == start - window then
    prev = curr
    curr = 0
    winstart = start
elseif winstart ~= start then
    prev = 0
    curr = 0
    winstart = start
end

local weight = 1.0 - (now - start) / window
local estimate = prev * weight + curr

if estimate < limit then
    curr = curr + 1
    redis.call('HMSET', key, 'prev', prev, 'curr', curr, 'start', winstart)
    redis.call('PEXPIRE', key, window * 2)
    local rem = limit - estimate - 1
    if rem < 0 then rem = 0 end
    return {1, math.floor(rem), start + window, 0, curr}
end

redis.call('HMSET', key, 'prev', prev, 'curr', curr, 'start', winstart)
redis.call('PEXPIRE', key, window * 2)
return {0, 0, start + window, start + window - now, curr}
`)

// RedisStore executes check-and-consume as a single Lua script so the
// load-step-store cycle is atomic across gateway instances. TTL is set to
// twice the window on every write.
type RedisStore struct {
	client    *redis.Client
	algorithm config.Algorithm
	step      Func
	timeout   time.Duration
}

// NewRedisStore creates a Redis-backed rate-limit store.
func NewRedisStore(client *redis.Client, algorithm config.Algorithm, opTimeout time.Duration) *RedisStore {
	if opTimeout <= 0 {
		opTimeout = time.Second
	}
	return &RedisStore{
		client:    client,
		algorithm: algorithm,
		step:      ForAlgorithm(algorithm),
		timeout:   opTimeout,
	}
}

func (r *RedisStore) CheckAndConsume(ctx context.Context, key string, limit Limit, nowMs int64) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	windowMs := limit.Window.Milliseconds()

	var result []int64
	var err error

	switch r.algorithm {
	case config.AlgorithmFixedWindow:
		result, err = fixedWindowScript.Run(ctx, r.client, []string{key},
			nowMs, limit.RequestsPerWindow, windowMs).Int64Slice()
	case config.AlgorithmSlidingWindow:
		result, err = slidingWindowScript.Run(ctx, r.client, []string{key},
			nowMs, limit.RequestsPerWindow, windowMs).Int64Slice()
	default:
		capacity := limit.BurstCapacity
		if capacity <= 0 {
			capacity = limit.RequestsPerWindow
		}
		ratePerMs := float64(limit.RequestsPerWindow) / float64(windowMs)
		result, err = tokenBucketScript.Run(ctx, r.client, []string{key},
			nowMs, strconv.FormatFloat(ratePerMs, 'f', -1, 64), capacity, windowMs).Int64Slice()
	}

	if err != nil {
		return Decision{}, fmt.Errorf("redis rate limit: %w", err)
	}
	if len(result) < 5 {
		return Decision{}, fmt.Errorf("redis rate limit: short script result")
	}

	return Decision{
		Allowed:      result[0] == 1,
		Limit:        limit.RequestsPerWindow,
		Remaining:    result[1],
		ResetAt:      time.UnixMilli(result[2]),
		RetryAfter:   time.Duration(result[3]) * time.Millisecond,
		RequestCount: result[4],
	}, nil
}

// Status reads the stored state and applies the algorithm step locally
// without writing back. The read is not atomic with concurrent consumers,
// which is acceptable for advisory reporting.
func (r *RedisStore) Status(ctx context.Context, key string, limit Limit, nowMs int64) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	vals, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("redis rate limit status: %w", err)
	}

	var state State
	if v, ok := vals["tokens"]; ok {
		state.Tokens, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := vals["last"]; ok {
		state.LastRefillMs, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := vals["count"]; ok {
		state.Count, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := vals["curr"]; ok {
		state.Count, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := vals["prev"]; ok {
		state.PrevCount, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := vals["start"]; ok {
		state.WindowStartMs, _ = strconv.ParseInt(v, 10, 64)
	}

	decision, _ := r.step(state, limit, nowMs)
	if decision.Allowed {
		decision.Remaining++
	}
	return decision, nil
}
