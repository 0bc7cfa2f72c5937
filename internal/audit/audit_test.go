package audit

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test-audit.jsonl")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("failed to open audit log: %v", err)
	}
	return l, path
}

func testEntry(decision string) Entry {
	return Entry{
		Timestamp: time.Now().UTC().Format(TimestampFormat),
		Kind:      KindDecision,
		Action:    "reassign_order",
		Requester: "escalation",
		OrderID:   "ord-1",
		Decision:  decision,
		Tier:      "conditionally_allowed",
		Reason:    "test reason",
	}
}

func TestSequentialWritesProduceValidChain(t *testing.T) {
	l, path := newTestLog(t)

	for i := 0; i < 5; i++ {
		if err := l.Record(testEntry("allow")); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	l.Close()

	result := Verify(path)
	if !result.Valid {
		t.Fatalf("expected valid chain, got error at line %d: %s", result.ErrorLine, result.Error)
	}
	if result.Lines != 5 {
		t.Fatalf("expected 5 lines, got %d", result.Lines)
	}
}

func TestVerifyDetectsTamperedEntry(t *testing.T) {
	l, path := newTestLog(t)

	for i := 0; i < 3; i++ {
		if err := l.Record(testEntry("allow")); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	l.Close()

	data, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	lines[1] = strings.Replace(lines[1], `"allow"`, `"deny"`, 1)
	os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644)

	result := Verify(path)
	if result.Valid {
		t.Fatal("expected tampered chain to be invalid")
	}
	if result.ErrorLine != 3 {
		t.Fatalf("expected error at line 3, got line %d", result.ErrorLine)
	}
}

func TestVerifyDetectsDeletedEntry(t *testing.T) {
	l, path := newTestLog(t)

	for i := 0; i < 3; i++ {
		l.Record(testEntry("allow"))
	}
	l.Close()

	data, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	os.WriteFile(path, []byte(lines[0]+"\n"+lines[2]+"\n"), 0644)

	result := Verify(path)
	if result.Valid {
		t.Fatal("expected chain with deleted entry to be invalid")
	}
	if result.ErrorLine != 2 {
		t.Fatalf("expected error at line 2, got line %d", result.ErrorLine)
	}
}

func TestEmptyLogPassesVerification(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.jsonl")
	os.WriteFile(path, []byte{}, 0644)

	result := Verify(path)
	if !result.Valid {
		t.Fatalf("expected empty log to be valid, got: %s", result.Error)
	}
}

func TestConcurrentWritesSerializeCorrectly(t *testing.T) {
	l, path := newTestLog(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Record(testEntry("allow"))
		}()
	}
	wg.Wait()
	l.Close()

	result := Verify(path)
	if !result.Valid {
		t.Fatalf("expected valid chain after concurrent writes, got error at line %d: %s", result.ErrorLine, result.Error)
	}
	if result.Lines != 50 {
		t.Fatalf("expected 50 lines, got %d", result.Lines)
	}
}

func TestGenesisHashOnFirstEntry(t *testing.T) {
	l, path := newTestLog(t)
	l.Record(testEntry("allow"))
	l.Close()

	data, _ := os.ReadFile(path)
	var entry Entry
	json.Unmarshal([]byte(strings.TrimSpace(string(data))), &entry)

	if entry.PrevHash != GenesisHash {
		t.Fatalf("expected genesis hash %s, got %s", GenesisHash, entry.PrevHash)
	}
}

func TestOpenExistingLogContinuesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.jsonl")

	l1, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		l1.Record(testEntry("allow"))
	}
	l1.Close()

	l2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if l2.Entries() != 3 {
		t.Fatalf("expected 3 recovered entries, got %d", l2.Entries())
	}
	for i := 0; i < 2; i++ {
		l2.Record(testEntry("deny"))
	}
	l2.Close()

	result := Verify(path)
	if !result.Valid {
		t.Fatalf("expected valid chain after reopen, got error at line %d: %s", result.ErrorLine, result.Error)
	}
	if result.Lines != 5 {
		t.Fatalf("expected 5 lines, got %d", result.Lines)
	}
}

func TestVerifyCountsKindsAndSpan(t *testing.T) {
	l, path := newTestLog(t)
	entries := []Entry{
		{Timestamp: "2026-03-01T09:00:00.000Z", Kind: KindDecision, Action: "dispatch_order"},
		{Timestamp: "2026-03-01T09:00:01.000Z", Kind: KindExecution, Action: "dispatch_order", Success: Bool(true)},
		{Timestamp: "2026-03-01T09:05:00.000Z", Kind: KindEscalation, OrderID: "o1", Severity: "high"},
		{Timestamp: "2026-03-01T09:06:00.000Z", Kind: KindDecision, Action: "reassign_order"},
	}
	for _, e := range entries {
		if err := l.Record(e); err != nil {
			t.Fatal(err)
		}
	}
	l.Close()

	r := Verify(path)
	if !r.Valid {
		t.Fatalf("unexpected invalid chain: %s", r.Error)
	}
	if r.ByKind[KindDecision] != 2 || r.ByKind[KindExecution] != 1 || r.ByKind[KindEscalation] != 1 {
		t.Errorf("unexpected kind counts %v", r.ByKind)
	}
	if r.First != "2026-03-01T09:00:00.000Z" || r.Last != "2026-03-01T09:06:00.000Z" {
		t.Errorf("unexpected span %s .. %s", r.First, r.Last)
	}
	if !strings.Contains(r.Summary(), "2 decisions") {
		t.Errorf("unexpected summary %q", r.Summary())
	}
}

func TestVerifyReaderStopsAtBadLine(t *testing.T) {
	r := VerifyReader(strings.NewReader("not json\n"))
	if r.Valid || r.ErrorLine != 1 {
		t.Fatalf("expected parse error on line 1, got %+v", r)
	}
	if !strings.Contains(r.Summary(), "line 1") {
		t.Errorf("unexpected summary %q", r.Summary())
	}
}

func TestTailFiltersAndLimits(t *testing.T) {
	l, path := newTestLog(t)
	for i := 0; i < 4; i++ {
		e := testEntry("allow")
		e.Reason = string(rune('a' + i))
		l.Record(e)
	}
	esc := testEntry("")
	esc.Kind = KindEscalation
	esc.Action = "escalate_dispatch"
	esc.Severity = "critical"
	l.Record(esc)
	l.Close()

	got, err := Tail(path, Filter{Kind: KindDecision}, 2)
	if err != nil {
		t.Fatalf("Tail failed: %v", err)
	}
	if len(got) != 2 || got[0].Reason != "c" || got[1].Reason != "d" {
		t.Errorf("expected last two decisions c,d, got %+v", got)
	}

	got, _ = Tail(path, Filter{Kind: KindEscalation}, 0)
	if len(got) != 1 || got[0].Severity != "critical" {
		t.Errorf("expected one critical escalation, got %+v", got)
	}
	if line := FormatLine(got[0]); !strings.Contains(line, "escalate_dispatch") {
		t.Errorf("expected formatted line to contain action, got %q", line)
	}
}

func TestSQLiteSinkRecordAndQuery(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	defer s.Close()

	since := time.Now().Add(-time.Minute)
	for _, action := range []string{"reassign_order", "reassign_order", "send_offer"} {
		e := testEntry("allow")
		e.Kind = KindExecution
		e.Action = action
		e.Success = Bool(true)
		e.DurationMS = 12
		if err := s.Record(e); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	counts, err := s.CountByAction(context.Background(), KindExecution, since)
	if err != nil {
		t.Fatalf("CountByAction failed: %v", err)
	}
	if counts["reassign_order"] != 2 || counts["send_offer"] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}

	recent, err := s.Recent(context.Background(), KindExecution, 1)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(recent) != 1 || recent[0].Action != "send_offer" {
		t.Fatalf("expected newest send_offer, got %+v", recent)
	}
	if recent[0].Success == nil || !*recent[0].Success {
		t.Errorf("expected success=true round-trip")
	}
}

type failingSink struct{ n int }

func (f *failingSink) Record(Entry) error { f.n++; return errors.New("disk full") }
func (f *failingSink) Close() error       { return nil }

func TestTeeContinuesPastFailingSink(t *testing.T) {
	l, path := newTestLog(t)
	bad := &failingSink{}
	tee := Tee{bad, l}

	if err := tee.Record(testEntry("allow")); err == nil {
		t.Error("expected joined error from failing sink")
	}
	tee.Close()

	if bad.n != 1 {
		t.Errorf("expected failing sink to be called once, got %d", bad.n)
	}
	if r := Verify(path); !r.Valid || r.Lines != 1 {
		t.Errorf("expected healthy sink to still record, got %+v", r)
	}
}
