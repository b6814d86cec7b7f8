package ratelimit

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/yapepro/internal/config"
)

// IngressGuard rate-limits Yape webhooks per tenant and serializes matching
// passes per tenant across replicas. A nil guard allows everything.
type IngressGuard struct {
	bucket *WebhookBucket
	lock   *MatchLock
}

func NewIngressGuard(client *redis.Client, cfg config.Config) *IngressGuard {
	if client == nil {
		return nil
	}
	return &IngressGuard{
		bucket: NewWebhookBucket(client, cfg.RateLimit.WebhookRate, cfg.RateLimit.WebhookBurst),
		lock:   NewMatchLock(client, cfg.RateLimit.MatchLockTTL),
	}
}

func (g *IngressGuard) Enabled() bool {
	return g != nil
}

// AllowWebhook consumes one token from the tenant's webhook bucket.
func (g *IngressGuard) AllowWebhook(ctx context.Context, tenantID snowflake.ID) (*RateLimitResult, error) {
	if !g.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return g.bucket.Take(ctx, tenantID)
}

// LockTenant takes the tenant matching lock. The returned release func is never nil.
func (g *IngressGuard) LockTenant(ctx context.Context, tenantID snowflake.ID) (func(), bool, error) {
	noop := func() {}
	if !g.Enabled() {
		return noop, true, nil
	}
	lease, ok, err := g.lock.Acquire(ctx, tenantID)
	if err != nil || !ok {
		return noop, false, err
	}
	return func() {
		// Release must outlive a cancelled request context.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		_ = lease.Release(releaseCtx)
	}, true, nil
}
