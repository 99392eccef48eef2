package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"fieldservice/internal/errors"
	"fieldservice/internal/telemetry"
)

// TokenBucket implements a distributed token bucket rate limiter using Redis.
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

// Allow consumes a single token for the given key if available.
// Returns allowed flag and remaining whole tokens.
func (b *TokenBucket) Allow(ctx context.Context, key string) (bool, int64, error) {
	res, err := bucketScript.Run(ctx, b.client, []string{key}, b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, errors.Wrap(err, "token bucket")
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, errors.Newf("unexpected token bucket reply %T", res)
	}
	allowed, _ := arr[0].(int64)
	tokens, _ := arr[1].(int64)
	return allowed == 1, tokens, nil
}

// BookingLimiter caps how often one customer may create bookings or
// recurrence proposals.
type BookingLimiter struct {
	bucket *TokenBucket
}

// NewBookingLimiter wraps a bucket. A nil bucket allows everything.
func NewBookingLimiter(bucket *TokenBucket) *BookingLimiter {
	return &BookingLimiter{bucket: bucket}
}

// Take spends one token for customerID or returns errors.ErrRateLimited.
// Redis failures are let through; the limiter is advisory.
func (l *BookingLimiter) Take(ctx context.Context, customerID string) error {
	if l == nil || l.bucket == nil {
		return nil
	}
	allowed, _, err := l.bucket.Allow(ctx, "ratelimit:booking:"+customerID)
	if err != nil {
		return nil
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		return errors.WithHint(errors.ErrRateLimited, "too many booking requests, try again later")
	}
	return nil
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
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, math.floor(tokens)}
`)
