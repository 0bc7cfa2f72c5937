package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/dispatchwatch/internal/config"
	"github.com/ppiankov/dispatchwatch/internal/model"
	"github.com/ppiankov/dispatchwatch/internal/policy"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.PolicyPath = filepath.Join(dir, "policy.yaml")
	cfg.ApprovalsDir = filepath.Join(dir, "approvals")
	cfg.Audit.Path = filepath.Join(dir, "audit.jsonl")
	cfg.Audit.SQLitePath = filepath.Join(dir, "audit.db")
	cfg.API.Listen = ""
	cfg.Dispatch.Interval = config.Duration(20 * time.Millisecond)
	cfg.Escalation.Interval = config.Duration(20 * time.Millisecond)
	cfg.Orchestrator.Interval = config.Duration(20 * time.Millisecond)
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestNewBuildsServices(t *testing.T) {
	a := newApp(t, testConfig(t))

	assert.NotNil(t, a.Store)
	assert.NotNil(t, a.Approvals)
	assert.NotNil(t, a.Gate)
	assert.NotNil(t, a.Engine)
	assert.NotNil(t, a.Monitor)
	assert.NotNil(t, a.Orchestrator)
	assert.NotEmpty(t, a.PolicyHash())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "mongo"
	_, err := New(context.Background(), cfg, quietLogger())
	assert.Error(t, err)
}

func TestNewRejectsBrokenPolicy(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(cfg.PolicyPath, []byte("always_allowed: [\n"), 0o600))
	_, err := New(context.Background(), cfg, quietLogger())
	assert.Error(t, err)
}

func TestReloadPolicy(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(cfg.PolicyPath, []byte(policy.DefaultConfigYAML()), 0o600))
	a := newApp(t, cfg)
	before := a.PolicyHash()
	require.Equal(t, policy.TierRequiresApproval, a.Gate.Tier(policy.ActionCancelOrder))

	relaxed := "always_allowed: [send_eta_update, cancel_order]\nconditionally_allowed: []\nrequires_approval: [issue_refund]\n"
	require.NoError(t, os.WriteFile(cfg.PolicyPath, []byte(relaxed), 0o600))
	require.NoError(t, a.ReloadPolicy())
	assert.Equal(t, policy.TierAlwaysAllowed, a.Gate.Tier(policy.ActionCancelOrder))
	assert.NotEqual(t, before, a.PolicyHash())

	after := a.PolicyHash()
	require.NoError(t, os.WriteFile(cfg.PolicyPath, []byte("requires_approval: [cancel_order]\nalways_allowed: [cancel_order]\n"), 0o600))
	assert.Error(t, a.ReloadPolicy())
	assert.Equal(t, after, a.PolicyHash())
	assert.Equal(t, policy.TierAlwaysAllowed, a.Gate.Tier(policy.ActionCancelOrder))
}

func TestHandlerServesFleetState(t *testing.T) {
	a := newApp(t, testConfig(t))
	now := time.Now().UTC()
	require.NoError(t, a.Store.UpsertOrder(context.Background(), model.Order{
		ID: "o1", CreatedAt: now.Add(-time.Hour), Deadline: now.Add(2 * time.Hour),
	}))

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	for _, path := range []string{"/healthz", "/sla", "/stats", "/escalations", "/alerts", "/metrics", "/approvals"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	a := newApp(t, testConfig(t))

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	_, ok := a.Orchestrator.Last()
	assert.True(t, ok, "expected at least one orchestrator cycle")
}
