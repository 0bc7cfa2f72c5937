package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisAcquireScript checks and stamps a key atomically.
// KEYS[1] = dedup key
// ARGV[1] = now (unix millis)
// ARGV[2] = cooldown (millis)
// ARGV[3] = retention (millis), used as the key TTL
var redisAcquireScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local cooldown = tonumber(ARGV[2])
local retention = tonumber(ARGV[3])

local last = tonumber(redis.call("GET", key))
if last and now - last < cooldown then
    return 0
end

redis.call("SET", key, now, "PX", retention)
return 1
`)

// Redis is a Cache shared by several dispatchwatch instances. Retention is
// enforced by key TTL, so Purge has nothing to do.
type Redis struct {
	client    redis.UniversalClient
	prefix    string
	cooldown  time.Duration
	retention time.Duration
}

// NewRedis creates a Redis-backed cache. Zero durations use the defaults.
func NewRedis(client redis.UniversalClient, prefix string, cooldown, retention time.Duration) *Redis {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	if prefix == "" {
		prefix = "dispatchwatch:dedup:"
	}
	return &Redis{client: client, prefix: prefix, cooldown: cooldown, retention: retention}
}

func (r *Redis) TryAcquire(ctx context.Context, key Key, now time.Time) (bool, error) {
	res, err := redisAcquireScript.Run(ctx, r.client, []string{r.prefix + key.String()},
		now.UnixMilli(), r.cooldown.Milliseconds(), r.retention.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis dedup error: %w", err)
	}
	return res == 1, nil
}

func (r *Redis) Purge(context.Context, time.Time) (int, error) {
	return 0, nil
}
