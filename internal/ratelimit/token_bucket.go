package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
)

const keyWebhookTenant = "yapepro:webhook:tenant:%s"

// Refill happens lazily on each take using the Redis server clock, so replicas
// with skewed clocks share one bucket per tenant.
const takeTokenScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local t = redis.call("TIME")
local now = t[1] * 1000 + math.floor(t[2] / 1000)

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or burst
local last = tonumber(state[2]) or now

local elapsed = math.max(0, now - last)
tokens = math.min(burst, tokens + (elapsed / 1000) * rate)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], ttl)

return {allowed, tostring(tokens)}
`

// WebhookBucket is a per-tenant token bucket for Yape webhook deliveries.
type WebhookBucket struct {
	client *redis.Client
	script *redis.Script
	rate   float64
	burst  int
	ttl    time.Duration
}

type RateLimitResult struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// NewWebhookBucket returns nil when Redis is off or the limit is not configured.
func NewWebhookBucket(client *redis.Client, rate float64, burst int) *WebhookBucket {
	if client == nil || rate <= 0 || burst <= 0 {
		return nil
	}
	return &WebhookBucket{
		client: client,
		script: redis.NewScript(takeTokenScript),
		rate:   rate,
		burst:  burst,
		ttl:    bucketTTL(rate, burst),
	}
}

// Take consumes one token from the tenant's bucket. A nil bucket admits everything.
func (b *WebhookBucket) Take(ctx context.Context, tenantID snowflake.ID) (*RateLimitResult, error) {
	if b == nil {
		return &RateLimitResult{Allowed: true}, nil
	}
	if tenantID == 0 {
		return &RateLimitResult{}, errors.New("rate limit tenant is empty")
	}

	key := fmt.Sprintf(keyWebhookTenant, tenantID.String())
	res, err := b.script.Run(ctx, b.client, []string{key}, b.rate, b.burst, b.ttl.Milliseconds()).Slice()
	if err != nil {
		return &RateLimitResult{}, err
	}
	if len(res) < 2 {
		return &RateLimitResult{}, errors.New("invalid rate limit script response")
	}

	allowed := luaNumber(res[0]) == 1
	// Lua numbers are truncated to integers on the way out, so tokens travel as text.
	remaining := luaNumber(res[1])

	return &RateLimitResult{
		Allowed:    allowed,
		Limit:      b.burst,
		Remaining:  int(remaining),
		RetryAfter: retryAfter(allowed, remaining, b.rate),
	}, nil
}

func retryAfter(allowed bool, remaining, rate float64) time.Duration {
	if allowed || rate <= 0 {
		return 0
	}
	needed := 1.0 - remaining
	if needed <= 0 {
		return 0
	}
	return time.Duration(needed / rate * float64(time.Second))
}

// bucketTTL keeps an idle bucket around for twice its full refill time.
func bucketTTL(rate float64, burst int) time.Duration {
	if rate <= 0 || burst <= 0 {
		return time.Second
	}
	seconds := math.Max(1, math.Ceil(float64(burst)/rate*2))
	return time.Duration(seconds) * time.Second
}

func luaNumber(v any) float64 {
	switch val := v.(type) {
	case int64:
		return float64(val)
	case string:
		parsed, _ := strconv.ParseFloat(val, 64)
		return parsed
	default:
		return 0
	}
}
