package resilience

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiterStore implements LimiterStore on Redis so that multiple
// replicas share one rate-limit table. A Lua script keeps the window
// check, counter increment, and block-flag read atomic.
type RedisLimiterStore struct {
	client *redis.Client
	script *redis.Script
	cfg    IPRateLimiterConfig
}

// NewRedisLimiterStore creates a Redis-backed limiter store.
func NewRedisLimiterStore(client *redis.Client, cfg IPRateLimiterConfig) *RedisLimiterStore {
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = 60
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = 5 * time.Minute
	}

	luaScript := `
local now = tonumber(ARGV[1])
local window_size = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local block_seconds = tonumber(ARGV[4])

local window_key = KEYS[1]
local counter_key = KEYS[2]
local block_key = KEYS[3]

-- 1. Honour an active block window
local block_ttl = redis.call('TTL', block_key)
if block_ttl > 0 then
    return {0, block_ttl}
end

-- 2. Reset the window when expired or absent
local window_start = redis.call('GET', window_key)
if not window_start or (now - tonumber(window_start)) >= window_size then
    redis.call('SET', window_key, tostring(now))
    redis.call('SET', counter_key, 1)
    redis.call('EXPIRE', window_key, window_size)
    redis.call('EXPIRE', counter_key, window_size)
    return {1, 0}
end

-- 3. Window active: increment and compare
local counter = redis.call('INCR', counter_key)
if redis.call('TTL', counter_key) == -1 then
    redis.call('EXPIRE', counter_key, window_size)
end
if counter > limit then
    redis.call('SET', block_key, '1')
    redis.call('EXPIRE', block_key, block_seconds)
    return {0, block_seconds}
end
return {1, 0}
`
	return &RedisLimiterStore{
		client: client,
		script: redis.NewScript(luaScript),
		cfg:    cfg,
	}
}

// Check applies one request against key's budget.
func (r *RedisLimiterStore) Check(ctx context.Context, key string) (LimitDecision, error) {
	// Hash tag keeps the three keys on the same cluster node.
	tag := fmt.Sprintf("{ratelimit:%s}", key)
	keys := []string{tag + ":window", tag + ":count", tag + ":block"}
	args := []interface{}{
		time.Now().Unix(),
		int64(60),
		int64(r.cfg.PerMinute),
		int64(r.cfg.BlockDuration.Seconds()),
	}

	val, err := r.script.Run(ctx, r.client, keys, args...).Result()
	if err != nil {
		return LimitDecision{}, fmt.Errorf("rate limit script: %w", err)
	}

	results, ok := val.([]interface{})
	if !ok || len(results) != 2 {
		return LimitDecision{}, fmt.Errorf("unexpected result from rate limit script: %T", val)
	}

	allowed := toInt64(results[0]) == 1
	retrySeconds := toInt64(results[1])

	if allowed {
		return LimitDecision{Allowed: true}, nil
	}
	return LimitDecision{
		Blocked:    retrySeconds > 0,
		RetryAfter: time.Duration(retrySeconds) * time.Second,
	}, nil
}

// Sweep is a no-op: Redis TTLs evict idle entries.
func (r *RedisLimiterStore) Sweep(time.Duration) {}

func toInt64(v interface{}) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case string:
		n, _ := strconv.ParseInt(x, 10, 64)
		return n
	case float64:
		return int64(x)
	default:
		return 0
	}
}
