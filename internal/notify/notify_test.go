package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookPostsMessages(t *testing.T) {
	var mu sync.Mutex
	var got []Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		var m Message
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&m))
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, 100, 10, map[string]string{"X-Token": "secret"})
	ctx := context.Background()
	require.NoError(t, w.SendOfferNotification(ctx, "d1", "o1"))
	require.NoError(t, w.NotifyCustomer(ctx, "o1", "running late"))

	require.Len(t, got, 2)
	assert.Equal(t, KindOffer, got[0].Kind)
	assert.Equal(t, "d1", got[0].DriverID)
	assert.Equal(t, KindCustomer, got[1].Kind)
	assert.Equal(t, "running late", got[1].Text)
}

func TestWebhookRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, 0, 0, nil).NotifyCustomer(context.Background(), "o1", "hi")
	assert.ErrorContains(t, err, "HTTP 429")
}

func TestWebhookThrottleHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	w := NewWebhook(srv.URL, 0.001, 1, nil)
	require.NoError(t, w.SendOfferNotification(context.Background(), "d1", "o1"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := w.SendOfferNotification(ctx, "d1", "o2")
	assert.ErrorContains(t, err, "notify throttle")
}

func TestRecorderCounts(t *testing.T) {
	var r Recorder
	_ = r.SendOfferNotification(context.Background(), "d1", "o1")
	_ = r.SendOfferNotification(context.Background(), "d2", "o1")
	_ = r.NotifyCustomer(context.Background(), "o1", "late")
	assert.Equal(t, 2, r.Count(KindOffer))
	assert.Equal(t, 1, r.Count(KindCustomer))
	assert.Len(t, r.Messages(), 3)
}
