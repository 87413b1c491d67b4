package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trustplane/trustplane/pkg/errs"
)

// tokenBucketScript runs the refill+consume cycle atomically in Redis so
// every instance sharing the keyspace sees one bucket per key.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = current unix time (seconds, microsecond precision)
// ARGV[4] = key TTL seconds
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, ttl)

return {allowed, tostring(tokens)}
`)

// RedisLimiter is a Checker backed by a shared Redis token bucket.
type RedisLimiter struct {
	client *redis.Client
	cfg    Config
	prefix string
	ttl    time.Duration
}

// NewRedisLimiter validates cfg and wraps an existing client. The caller
// owns the client's lifecycle.
func NewRedisLimiter(client *redis.Client, cfg Config) (*RedisLimiter, error) {
	if err := cfg.validate("ratelimit.NewRedisLimiter"); err != nil {
		return nil, err
	}
	// Keys self-clean once a bucket would have fully refilled anyway.
	ttl := time.Duration(float64(cfg.Capacity)/cfg.RefillRate*float64(time.Second)) + time.Minute
	return &RedisLimiter{
		client: client,
		cfg:    cfg,
		prefix: "trustplane:ratelimit:",
		ttl:    ttl,
	}, nil
}

// Check runs the bucket script for the key and derives retry and reset
// timing from the returned token count.
func (r *RedisLimiter) Check(ctx context.Context, key string) (Result, error) {
	const op = "ratelimit.RedisLimiter.Check"

	now := float64(time.Now().UnixMicro()) / 1e6
	ttlSecs := int(r.ttl / time.Second)

	raw, err := tokenBucketScript.Run(ctx, r.client,
		[]string{r.prefix + key},
		r.cfg.RefillRate, r.cfg.Capacity, now, ttlSecs,
	).Result()
	if err != nil {
		return Result{}, errs.Wrap(errs.KindStorage, op, err)
	}

	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 2 {
		return Result{}, errs.Ef(errs.KindStorage, op, "unexpected script reply %T", raw)
	}
	allowedVal, _ := vals[0].(int64)
	tokensStr, _ := vals[1].(string)
	var remaining float64
	if _, err := fmt.Sscanf(tokensStr, "%g", &remaining); err != nil {
		return Result{}, errs.Wrapf(errs.KindStorage, op, "parse token count %q", err, tokensStr)
	}
	if remaining < 0 {
		remaining = 0
	}

	res := Result{
		Allowed:      allowedVal == 1,
		Remaining:    remaining,
		ResetAfter:   r.untilTokens(float64(r.cfg.Capacity), remaining),
		Backpressure: remaining < r.cfg.LowWaterMark,
	}
	if !res.Allowed {
		res.RetryAfter = r.untilTokens(1, remaining)
	}
	return res, nil
}

func (r *RedisLimiter) untilTokens(target, current float64) time.Duration {
	deficit := target - current
	if deficit <= 0 {
		return 0
	}
	return time.Duration(deficit / r.cfg.RefillRate * float64(time.Second))
}
