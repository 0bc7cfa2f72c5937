package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 30*time.Second, cfg.Dispatch.OfferTTL.Std())
	assert.Equal(t, 0.75, cfg.Orchestrator.ConfidenceThreshold)
}

func TestLoadOverlaysYAML(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.yaml", `
dispatch:
  offer_ttl: 45s
  max_offers: 5
escalation:
  stall_window: 20m
store:
  driver: postgres
  dsn: postgres://localhost/dispatch
alerts:
  - url: https://hooks.example.com/x
    format: slack
    events: [escalation]
    timeout: 2s
`)
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Dispatch.OfferTTL.Std())
	assert.Equal(t, 5, cfg.Dispatch.MaxOffers)
	assert.Equal(t, 20*time.Minute, cfg.Escalation.StallWindow.Std())
	assert.Equal(t, "postgres", cfg.Store.Driver)
	require.Len(t, cfg.Alerts, 1)
	assert.Equal(t, "slack", cfg.Alerts[0].Format)
	assert.Equal(t, 2*time.Second, cfg.Alerts[0].Timeout)
	// untouched sections keep defaults
	assert.Equal(t, 15.0, cfg.Escalation.CriticalMinutes)
	assert.Equal(t, 2*time.Second, cfg.Dispatch.PollInterval.Std())
}

func TestLoadRejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		body string
	}{
		{"malformed", "dispatch: [unclosed"},
		{"bad duration", "dispatch:\n  offer_ttl: soon\n"},
		{"postgres without dsn", "store:\n  driver: postgres\n"},
		{"unknown dedup backend", "dedup:\n  backend: memcached\n"},
		{"thresholds out of order", "escalation:\n  high_minutes: 10\n"},
		{"confidence above one", "orchestrator:\n  confidence_threshold: 1.5\n"},
		{"unknown alert format", "alerts:\n  - url: https://hooks.example.com/x\n    format: teams\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, dir, tt.name+".yaml", tt.body))
			assert.Error(t, err)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"DISPATCHWATCH_OFFER_TTL":            "10s",
		"DISPATCHWATCH_MAX_OFFERS":           "4",
		"DISPATCHWATCH_CRITICAL_MINUTES":     "12.5",
		"DISPATCHWATCH_REDIS_ADDR":           "localhost:6379",
		"DISPATCHWATCH_CONFIDENCE_THRESHOLD": "0.8",
	}
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(func(k string) string { return env[k] }))

	assert.Equal(t, 10*time.Second, cfg.Dispatch.OfferTTL.Std())
	assert.Equal(t, 4, cfg.Dispatch.MaxOffers)
	assert.Equal(t, 12.5, cfg.Escalation.CriticalMinutes)
	assert.Equal(t, "redis", cfg.Dedup.Backend)
	assert.Equal(t, 0.8, cfg.Orchestrator.ConfidenceThreshold)
	assert.NoError(t, cfg.Validate())
}

func TestApplyEnvReportsBadValues(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(func(k string) string {
		if k == "DISPATCHWATCH_MAX_OFFERS" {
			return "three"
		}
		return ""
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DISPATCHWATCH_MAX_OFFERS")
	assert.Equal(t, 3, cfg.Dispatch.MaxOffers)
}

func TestDefaultYAMLRoundTrips(t *testing.T) {
	body, err := DefaultYAML()
	require.NoError(t, err)
	cfg, err := Load(writeFile(t, t.TempDir(), "config.yaml", body))
	require.NoError(t, err)
	assert.Equal(t, Default().Dispatch, cfg.Dispatch)
	assert.Equal(t, Default().Escalation, cfg.Escalation)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	p := writeFile(t, t.TempDir(), "policy.yaml", "thresholds: {}\n")
	var reloads atomic.Int32
	w, err := NewWatcher([]string{p, "", filepath.Join(t.TempDir(), "missing.yaml")}, func() error {
		reloads.Add(1)
		return nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{p}, w.Paths())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.NoError(t, os.WriteFile(p, []byte("thresholds:\n  bulk_notify_max_recipients: 50\n"), 0o600))
	require.Eventually(t, func() bool { return reloads.Load() >= 1 }, 5*time.Second, 50*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
