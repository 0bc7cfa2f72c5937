package approval

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/dispatchwatch/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return s
}

func TestRequestCreatesPendingTicket(t *testing.T) {
	s := newTestStore(t)
	tk, err := s.Request("issue_refund", "orchestrator", "refund over limit", model.Params{"order_id": "o1", "amount": 42.5})
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	if tk.Status != StatusPending {
		t.Errorf("expected status=pending, got %s", tk.Status)
	}
	if tk.Action != "issue_refund" {
		t.Errorf("expected action=issue_refund, got %s", tk.Action)
	}
	if _, err := os.Stat(filepath.Join(s.dir, tk.ID+".json")); err != nil {
		t.Errorf("expected ticket file on disk: %v", err)
	}

	got, err := s.Get(tk.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Requester != "orchestrator" {
		t.Errorf("expected requester=orchestrator, got %s", got.Requester)
	}
	if v, ok := got.Context.Float("amount"); !ok || v != 42.5 {
		t.Errorf("expected context amount 42.5, got %v", v)
	}
}

func TestRequestSnapshotsContext(t *testing.T) {
	s := NewMemoryStore()
	ctx := model.Params{"order_id": "o1"}
	tk, _ := s.Request("cancel_order", "escalation", "", ctx)
	ctx["order_id"] = "mutated"

	got, _ := s.Get(tk.ID)
	if v, _ := got.Context.String("order_id"); v != "o1" {
		t.Errorf("expected snapshot o1, got %s", v)
	}
}

func TestApproveRecordsResolver(t *testing.T) {
	fixed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore(WithClock(func() time.Time { return fixed }))
	tk, _ := s.Request("cancel_order", "escalation", "", nil)

	got, err := s.Approve(tk.ID, "alice", "customer confirmed")
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if got.Status != StatusApproved {
		t.Errorf("expected approved, got %s", got.Status)
	}
	if got.Resolver != "alice" {
		t.Errorf("expected resolver=alice, got %s", got.Resolver)
	}
	if got.ResolvedAt == nil || !got.ResolvedAt.Equal(fixed) {
		t.Errorf("expected resolved_at=%v, got %v", fixed, got.ResolvedAt)
	}
}

func TestResolveOnlyOnce(t *testing.T) {
	s := newTestStore(t)
	tk, _ := s.Request("cancel_order", "escalation", "", nil)

	if _, err := s.Reject(tk.ID, "bob", ""); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	_, err := s.Approve(tk.ID, "alice", "")
	if !errors.Is(err, ErrNotPending) {
		t.Errorf("expected ErrNotPending, got %v", err)
	}
}

func TestConsume(t *testing.T) {
	s := newTestStore(t)
	tk, _ := s.Request("cancel_order", "escalation", "", nil)

	if err := s.Consume(tk.ID); err == nil {
		t.Error("expected pending ticket not to be consumable")
	}

	s.Approve(tk.ID, "alice", "")
	if err := s.Consume(tk.ID); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}

	got, _ := s.Get(tk.ID)
	if got.Status != StatusConsumed {
		t.Errorf("expected consumed, got %s", got.Status)
	}
	if err := s.Consume(tk.ID); !errors.Is(err, ErrConsumed) {
		t.Errorf("expected ErrConsumed for double consume, got %v", err)
	}
}

func TestPendingAndApprovedFilters(t *testing.T) {
	s := newTestStore(t)
	a, _ := s.Request("issue_refund", "r", "", nil)
	b, _ := s.Request("cancel_order", "r", "", nil)
	s.Request("deactivate_driver", "r", "", nil)

	s.Approve(a.ID, "alice", "")
	s.Reject(b.ID, "alice", "")

	pending, _ := s.Pending()
	if len(pending) != 1 || pending[0].Action != "deactivate_driver" {
		t.Errorf("expected one pending deactivate_driver, got %+v", pending)
	}
	approved, _ := s.Approved()
	if len(approved) != 1 || approved[0].ID != a.ID {
		t.Errorf("expected approved ticket %s, got %+v", a.ID, approved)
	}
	all, _ := s.List()
	if len(all) != 3 {
		t.Errorf("expected 3 tickets, got %d", len(all))
	}
}

func TestSharedDirectoryAcrossStores(t *testing.T) {
	dir := t.TempDir()
	daemon, _ := NewStore(dir)
	cli, _ := NewStore(dir)

	tk, _ := daemon.Request("override_sla", "orchestrator", "", nil)
	if _, err := cli.Approve(tk.ID, "operator", ""); err != nil {
		t.Fatalf("cli approve failed: %v", err)
	}

	got, err := daemon.Get(tk.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusApproved {
		t.Errorf("expected daemon to observe approval, got %s", got.Status)
	}
}

func TestGetNotFound(t *testing.T) {
	for name, s := range map[string]*Store{"memory": NewMemoryStore(), "dir": newTestStore(t)} {
		_, err := s.Get("nonexistent")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("%s: expected ErrNotFound, got %v", name, err)
		}
	}
}

func TestInvalidIDRejected(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"", "../etc/passwd", "a/b"} {
		if _, err := s.Approve(id, "x", ""); err == nil {
			t.Errorf("expected error for id %q", id)
		}
	}
}

func TestConcurrentRequests(t *testing.T) {
	s := NewMemoryStore()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Request("bulk_reassign", "dispatch", "", nil)
		}()
	}
	wg.Wait()

	list, err := s.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 20 {
		t.Errorf("expected 20 tickets, got %d", len(list))
	}
}
