// Package ratelimit throttles approval responders with a Redis token
// bucket, so one runaway client cannot monopolize the decision endpoint.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ratelimit:responder:"

// TokenBucket is a distributed token bucket keyed per responder. State
// lives in Redis so every API replica enforces the same budget.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenBucket constructs a bucket with the provided capacity/refill.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// WithClock replaces the time source, for tests that exercise refill.
func (b *TokenBucket) WithClock(now func() time.Time) *TokenBucket {
	b.now = now
	return b
}

// Allow consumes one token for the responder if available. It returns
// the allowed flag and the remaining token count.
func (b *TokenBucket) Allow(ctx context.Context, responder string) (bool, float64, error) {
	nowMs := b.now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{keyPrefix + responder},
		b.capacity, b.refill, nowMs, b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit %s: %w", responder, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("rate limit %s: unexpected script reply %T", responder, res)
	}
	allowed, ok := arr[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("rate limit %s: unexpected allowed reply %T", responder, arr[0])
	}
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case float64:
		tokens = v
	case string:
		// Lua numbers with a fractional part come back as bulk strings.
		if _, err := fmt.Sscanf(v, "%f", &tokens); err != nil {
			return false, 0, fmt.Errorf("rate limit %s: unexpected token reply %q", responder, v)
		}
	default:
		return false, 0, fmt.Errorf("rate limit %s: unexpected token reply %T", responder, arr[1])
	}
	return allowed == 1, tokens, nil
}

// RetryAfter estimates how long until the next token accrues. Zero when
// the bucket refills instantly or the limiter is effectively disabled.
func (b *TokenBucket) RetryAfter() time.Duration {
	if b.refill <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / b.refill)
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tostring(tokens), 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
