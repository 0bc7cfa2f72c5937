package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ppiankov/dispatchwatch/internal/model"
)

func init() {
	retryDelay = 5 * time.Millisecond
}

func countingServer(t *testing.T, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var called atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &called
}

func TestRaiseMatchesEvents(t *testing.T) {
	srv, called := countingServer(t, http.StatusOK)

	d := NewDispatcher([]AlertConfig{
		{URL: srv.URL, Format: "generic", Events: []string{TypeNoDriverAvailable}},
	}, nil)

	d.Raise(context.Background(), AlertEvent{Type: TypeNoDriverAvailable, OrderID: "o1", Severity: model.SeverityCritical})
	d.Wait()

	if called.Load() != 1 {
		t.Errorf("expected 1 call, got %d", called.Load())
	}
}

func TestRaiseSkipsNonMatching(t *testing.T) {
	srv, called := countingServer(t, http.StatusOK)

	d := NewDispatcher([]AlertConfig{
		{URL: srv.URL, Format: "generic", Events: []string{TypeNoDriverAvailable}},
	}, nil)

	d.Raise(context.Background(), AlertEvent{Type: TypeMonitoring, OrderID: "o1"})
	d.Wait()

	if called.Load() != 0 {
		t.Errorf("expected 0 calls for non-matching event, got %d", called.Load())
	}
	if len(d.Recent(0)) != 1 {
		t.Errorf("expected unsent alert to still be remembered")
	}
}

func TestRaiseMinSeverity(t *testing.T) {
	srv, called := countingServer(t, http.StatusOK)

	d := NewDispatcher([]AlertConfig{
		{URL: srv.URL, Format: "pagerduty", MinSeverity: model.SeverityHigh},
	}, nil)

	d.Raise(context.Background(), AlertEvent{Type: TypeEscalation, Severity: model.SeverityMedium})
	d.Raise(context.Background(), AlertEvent{Type: TypeEscalation, Severity: model.SeverityCritical})
	d.Wait()

	if called.Load() != 1 {
		t.Errorf("expected only the critical alert to be sent, got %d", called.Load())
	}
}

func TestRaiseMultipleWebhooks(t *testing.T) {
	var called atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
		w.WriteHeader(http.StatusOK)
	})

	srv1 := httptest.NewServer(handler)
	defer srv1.Close()
	srv2 := httptest.NewServer(handler)
	defer srv2.Close()

	d := NewDispatcher([]AlertConfig{
		{URL: srv1.URL, Format: "generic", Events: []string{TypeEscalation}},
		{URL: srv2.URL, Format: "slack", Events: []string{TypeEscalation, TypeSupervisor}},
	}, nil)

	d.Raise(context.Background(), AlertEvent{Type: TypeEscalation, Severity: model.SeverityHigh})
	d.Wait()

	if called.Load() != 2 {
		t.Errorf("expected 2 calls (both webhooks match), got %d", called.Load())
	}
}

func TestRecentIsBounded(t *testing.T) {
	d := NewDispatcher(nil, nil)
	d.limit = 3
	for i := 0; i < 5; i++ {
		d.Raise(context.Background(), AlertEvent{Type: TypeMonitoring, OrderID: string(rune('a' + i))})
	}
	got := d.Recent(0)
	if len(got) != 3 {
		t.Fatalf("expected 3 alerts, got %d", len(got))
	}
	if got[0].OrderID != "c" || got[2].OrderID != "e" {
		t.Errorf("expected oldest alerts evicted, got %s..%s", got[0].OrderID, got[2].OrderID)
	}
	if got[0].Timestamp == "" || got[0].Severity != model.SeverityMedium {
		t.Errorf("expected timestamp and default severity to be filled, got %+v", got[0])
	}
	if len(d.Recent(2)) != 2 {
		t.Errorf("expected Recent(2) to return 2")
	}
}

func TestRetryOnServerError(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := attempts.Add(1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := Send(context.Background(), AlertConfig{URL: srv.URL, Format: "generic"}, AlertEvent{Type: TypeEscalation})
	if err != nil {
		t.Errorf("expected success after retries, got: %v", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestSendGivesUpAfterMaxAttempts(t *testing.T) {
	srv, attempts := countingServer(t, http.StatusBadGateway)

	err := Send(context.Background(), AlertConfig{URL: srv.URL, Format: "generic", MaxAttempts: 2}, AlertEvent{Type: TypeEscalation})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if attempts.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts.Load())
	}
}

func TestSendSetsHeaders(t *testing.T) {
	var event, auth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		event.Store(r.Header.Get(EventHeader))
		auth.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	cfg := AlertConfig{
		URL:     srv.URL,
		Format:  "pagerduty",
		Headers: map[string]string{"Authorization": "Token abc"},
		Timeout: time.Second,
	}
	if err := Send(context.Background(), cfg, AlertEvent{Type: TypeNoDriverAvailable}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.Load() != TypeNoDriverAvailable {
		t.Errorf("expected event header %q, got %v", TypeNoDriverAvailable, event.Load())
	}
	if auth.Load() != "Token abc" {
		t.Errorf("expected custom header to pass through, got %v", auth.Load())
	}
}

func TestSendTimeoutRetries(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := AlertConfig{URL: srv.URL, Format: "generic", Timeout: 50 * time.Millisecond}
	if err := Send(context.Background(), cfg, AlertEvent{Type: TypeEscalation}); err != nil {
		t.Fatalf("expected success after slow first attempt, got: %v", err)
	}
	if attempts.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts.Load())
	}
}

func TestNoRetryOnClientError(t *testing.T) {
	srv, attempts := countingServer(t, http.StatusBadRequest)

	err := Send(context.Background(), AlertConfig{URL: srv.URL, Format: "generic"}, AlertEvent{Type: TypeEscalation})
	if err == nil {
		t.Error("expected error on 400, got nil")
	}
	if attempts.Load() != 1 {
		t.Errorf("expected 1 attempt (no retry on 4xx), got %d", attempts.Load())
	}
}

func TestFormatGenericJSON(t *testing.T) {
	event := AlertEvent{
		Timestamp: "2026-03-02T10:00:00.000Z",
		Type:      TypeNoDriverAvailable,
		Severity:  model.SeverityCritical,
		OrderID:   "o-123",
		Reason:    "no eligible driver within 20km",
	}

	data, err := FormatPayload("generic", event)
	if err != nil {
		t.Fatal(err)
	}

	var parsed AlertEvent
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("generic format is not valid JSON: %v", err)
	}
	if parsed.OrderID != "o-123" {
		t.Errorf("expected order_id o-123, got %s", parsed.OrderID)
	}
	if parsed.Severity != model.SeverityCritical {
		t.Errorf("expected severity critical, got %s", parsed.Severity)
	}
}

func TestFormatSlackBlockKit(t *testing.T) {
	event := AlertEvent{
		Type:     TypeApprovalRequired,
		Severity: model.SeverityHigh,
		OrderID:  "o-1",
		TicketID: "t-1",
		Reason:   "cancel_order requires approval",
	}

	data, err := FormatPayload("slack", event)
	if err != nil {
		t.Fatal(err)
	}

	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("slack format is not valid JSON: %v", err)
	}

	blocks, ok := parsed["blocks"].([]any)
	if !ok || len(blocks) < 2 {
		t.Fatal("expected at least 2 blocks in slack payload")
	}
	header, _ := blocks[0].(map[string]any)
	if header["type"] != "header" {
		t.Errorf("expected header block, got %s", header["type"])
	}
	section, _ := blocks[1].(map[string]any)
	fields, _ := section["fields"].([]any)
	if len(fields) != 4 {
		t.Errorf("expected 4 fields (severity, reason, order, ticket), got %d", len(fields))
	}
}

func TestFormatPagerDutySeverity(t *testing.T) {
	tests := []struct {
		severity model.Severity
		want     string
	}{
		{model.SeverityCritical, "critical"},
		{model.SeverityHigh, "error"},
		{model.SeverityMedium, "warning"},
		{model.SeverityLow, "info"},
	}
	for _, tt := range tests {
		data, err := FormatPayload("pagerduty", AlertEvent{Type: TypeEscalation, Severity: tt.severity})
		if err != nil {
			t.Fatal(err)
		}
		var parsed struct {
			Payload struct {
				Severity string `json:"severity"`
			} `json:"payload"`
		}
		if err := json.Unmarshal(data, &parsed); err != nil {
			t.Fatal(err)
		}
		if parsed.Payload.Severity != tt.want {
			t.Errorf("%s: expected %s, got %s", tt.severity, tt.want, parsed.Payload.Severity)
		}
	}
}

func TestFormatPagerDutyDedupByOrder(t *testing.T) {
	data, err := FormatPayload("pagerduty", AlertEvent{
		Type:     TypeEscalation,
		Severity: model.SeverityHigh,
		OrderID:  "o-9",
		Action:   "reassign_order",
	})
	if err != nil {
		t.Fatal(err)
	}
	var parsed pagerDutyPayload
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatal(err)
	}
	if parsed.DedupKey != "dispatchwatch/escalation/o-9" {
		t.Errorf("unexpected dedup key %q", parsed.DedupKey)
	}
	if parsed.Payload.CustomDetails["order_id"] != "o-9" {
		t.Errorf("expected order_id in details, got %v", parsed.Payload.CustomDetails)
	}
	if _, ok := parsed.Payload.CustomDetails["ticket_id"]; ok {
		t.Error("expected empty ticket_id to be omitted")
	}
}

func TestFormatUnknown(t *testing.T) {
	if _, err := FormatPayload("teams", AlertEvent{Type: TypeEscalation}); err == nil {
		t.Error("expected error for unknown format")
	}
}
