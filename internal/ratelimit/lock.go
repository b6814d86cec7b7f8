package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

var ErrLockNotConfigured = errors.New("lock client not configured")

const keyMatchTenant = "yapepro:match:tenant:%s"

// compareAndDelete only drops the key while it still holds the caller's token,
// so an expired lease cannot release its successor.
const compareAndDelete = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// MatchLock serializes matching passes of one tenant across replicas.
type MatchLock struct {
	client  *redis.Client
	release *redis.Script
	ttl     time.Duration
}

// Lease is a held tenant lock.
type Lease struct {
	lock  *MatchLock
	key   string
	token string
}

func NewMatchLock(client *redis.Client, ttl time.Duration) *MatchLock {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &MatchLock{
		client:  client,
		release: redis.NewScript(compareAndDelete),
		ttl:     ttl,
	}
}

// Acquire returns (nil, false, nil) when another replica holds the tenant.
func (l *MatchLock) Acquire(ctx context.Context, tenantID snowflake.ID) (*Lease, bool, error) {
	if l == nil || l.client == nil {
		return nil, false, ErrLockNotConfigured
	}
	if tenantID == 0 {
		return nil, false, errors.New("lock tenant is empty")
	}

	key := fmt.Sprintf(keyMatchTenant, tenantID.String())
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	return &Lease{lock: l, key: key, token: token}, true, nil
}

func (le *Lease) Release(ctx context.Context) error {
	if le == nil {
		return nil
	}
	return le.lock.release.Run(ctx, le.lock.client, []string{le.key}, le.token).Err()
}
