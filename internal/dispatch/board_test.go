package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoardRespondLifecycle(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	b := NewBoard(func() time.Time { return now })

	offer := b.Open("o1", "d1", 30*time.Second)
	assert.NotEmpty(t, offer.ID)
	assert.Equal(t, now.Add(30*time.Second), offer.ExpiresAt)

	assert.ErrorIs(t, b.Respond("o1", "d2", true), ErrNoOpenOffer, "foreign driver")
	assert.ErrorIs(t, b.Respond("o2", "d1", true), ErrNoOpenOffer, "unknown order")

	require.NoError(t, b.Respond("o1", "d1", false))
	r, ok := b.Status("o1")
	require.True(t, ok)
	assert.Equal(t, ResponseRejected, r)

	assert.ErrorIs(t, b.Respond("o1", "d1", true), ErrNoOpenOffer, "already answered")
}

func TestBoardExpiry(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	b := NewBoard(func() time.Time { return now })
	b.Open("o1", "d1", 30*time.Second)

	now = now.Add(30 * time.Second)
	r, _ := b.Status("o1")
	assert.Equal(t, ResponseExpired, r)
	assert.ErrorIs(t, b.Respond("o1", "d1", true), ErrNoOpenOffer)
}

func TestBoardOpenReplacesAndClears(t *testing.T) {
	b := NewBoard(nil)
	b.Open("o1", "d1", time.Minute)
	b.Open("o1", "d2", time.Minute)
	b.Open("o2", "d3", time.Minute)

	offers := b.List()
	require.Len(t, offers, 2)
	assert.ErrorIs(t, b.Respond("o1", "d1", true), ErrNoOpenOffer)
	assert.NoError(t, b.Respond("o1", "d2", true))

	b.Clear("o1")
	_, ok := b.Status("o1")
	assert.False(t, ok)
}
