package concurrency

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
local key = KEYS[1]
local owner = ARGV[1]
if redis.call('GET', key) == owner then
  return redis.call('DEL', key)
end
return 0
`)

// CallGuard lets one replica at a time own the outbound call. The lease
// expires after ttl so a crashed owner cannot block dialing forever.
type CallGuard struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewCallGuard constructs a guard stored under key.
func NewCallGuard(client *redis.Client, key string, ttl time.Duration) *CallGuard {
	if key == "" {
		key = "outbound:ivr:active-call"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CallGuard{client: client, key: key, ttl: ttl}
}

// Acquire takes the lease for owner. It reports false if another owner holds it.
func (g *CallGuard) Acquire(ctx context.Context, owner string) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.key, owner, g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("call guard acquire: %w", err)
	}
	return ok, nil
}

// Release drops the lease if owner still holds it.
func (g *CallGuard) Release(ctx context.Context, owner string) error {
	if _, err := releaseScript.Run(ctx, g.client, []string{g.key}, owner).Int(); err != nil {
		return fmt.Errorf("call guard release: %w", err)
	}
	return nil
}

// holder returns the current lease owner, or "" when free.
func (g *CallGuard) holder(ctx context.Context) (string, error) {
	owner, err := g.client.Get(ctx, g.key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("call guard holder: %w", err)
	}
	return owner, nil
}
