package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisTokenBucketScript runs the token bucket atomically in Redis.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity (max tokens)
// ARGV[3] = cost (tokens to consume)
// ARGV[4] = current unix timestamp (float seconds)
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

-- First sighting of the key starts with a full bucket
if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

-- Refill for the elapsed window, capped at capacity
local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

-- Consume
local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

-- Persist state (expire in 120s so idle buckets self-clean)
redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 120)

return allowed
`)

// RedisLimiterStore shares rate-limit counters across gate instances.
type RedisLimiterStore struct {
	client *redis.Client
}

// NewRedisLimiterStore connects to Redis at addr.
func NewRedisLimiterStore(addr, password string, db int) *RedisLimiterStore {
	return &RedisLimiterStore{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
	}
}

// NewRedisLimiterStoreWithClient wraps an existing client (testing,
// clustered setups).
func NewRedisLimiterStoreWithClient(client *redis.Client) *RedisLimiterStore {
	return &RedisLimiterStore{client: client}
}

// Allow executes the Lua script. Errors bubble up so the gate can deny
// fail-closed rather than guessing.
func (s *RedisLimiterStore) Allow(ctx context.Context, key string, policy RatePolicy) (bool, error) {
	perSec := float64(policy.PerMinute) / 60.0
	if perSec <= 0 {
		perSec = 1
	}
	burst := policy.Burst
	if burst <= 0 {
		burst = 1
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := redisTokenBucketScript.Run(ctx, s.client,
		[]string{"steward:limiter:" + key}, perSec, burst, 1, now).Int()
	if err != nil {
		return false, fmt.Errorf("gate: redis limiter: %w", err)
	}
	return res == 1, nil
}

// Close releases the client connection.
func (s *RedisLimiterStore) Close() error { return s.client.Close() }
