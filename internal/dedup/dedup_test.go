package dedup

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/dispatchwatch/internal/model"
)

func TestMemoryCooldown(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(10*time.Minute, 20*time.Minute)
	key := Key{Problem: "sla_risk", EntityID: "o1", Severity: model.SeverityCritical}
	t0 := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	ok, _ := c.TryAcquire(ctx, key, t0)
	assert.True(t, ok, "first trigger acts")

	ok, _ = c.TryAcquire(ctx, key, t0.Add(5*time.Minute))
	assert.False(t, ok, "second trigger inside cooldown is suppressed")

	ok, _ = c.TryAcquire(ctx, key, t0.Add(10*time.Minute))
	assert.True(t, ok, "trigger after cooldown acts again")
}

func TestMemoryHigherSeverityNotBlocked(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(0, 0)
	t0 := time.Now()

	high := Key{Problem: "sla_risk", EntityID: "o1", Severity: model.SeverityHigh}
	crit := Key{Problem: "sla_risk", EntityID: "o1", Severity: model.SeverityCritical}

	ok, _ := c.TryAcquire(ctx, high, t0)
	require.True(t, ok)
	ok, _ = c.TryAcquire(ctx, crit, t0.Add(time.Minute))
	assert.True(t, ok, "escalating severity is a different key")
}

func TestMemoryPurge(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(10*time.Minute, 20*time.Minute)
	t0 := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	c.TryAcquire(ctx, Key{Problem: "stuck", EntityID: "a"}, t0)
	c.TryAcquire(ctx, Key{Problem: "stuck", EntityID: "b"}, t0.Add(15*time.Minute))

	n, err := c.Purge(ctx, t0.Add(21*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, c.Len())

	n, _ = c.Purge(ctx, t0.Add(20*time.Minute+15*time.Minute))
	assert.Equal(t, 0, n, "exactly retention old is kept")
}

// TestRedisCooldown requires a running Redis; it is skipped otherwise.
func TestRedisCooldown(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if _, err := client.Ping(ctx).Result(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	defer client.Close()

	c := NewRedis(client, fmt.Sprintf("dispatchwatch:test:%d:", time.Now().UnixNano()), 10*time.Minute, 20*time.Minute)
	key := Key{Problem: "unresponsive", EntityID: "d1", Severity: model.SeverityHigh}
	t0 := time.Now()

	ok, err := c.TryAcquire(ctx, key, t0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.TryAcquire(ctx, key, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.TryAcquire(ctx, key, t0.Add(11*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
}
