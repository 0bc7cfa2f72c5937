package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/dispatchwatch/internal/approval"
	"github.com/ppiankov/dispatchwatch/internal/audit"
	"github.com/ppiankov/dispatchwatch/internal/model"
	"github.com/ppiankov/dispatchwatch/internal/policy"
)

// withConfig points the commands at a config file whose state lives in a
// temp dir.
func withConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	content := fmt.Sprintf("policy_path: %s\napprovals_dir: %s\naudit:\n  path: %s\n",
		filepath.Join(dir, "policy.yaml"),
		filepath.Join(dir, "approvals"),
		filepath.Join(dir, "audit.jsonl"),
	)
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	prev := configPath
	configPath = path
	t.Cleanup(func() { configPath = prev })
	return dir
}

func testCmd() (*cobra.Command, *bytes.Buffer) {
	var buf bytes.Buffer
	c := &cobra.Command{}
	c.SetOut(&buf)
	return c, &buf
}

func TestPendingAndApprove(t *testing.T) {
	dir := withConfig(t)
	store, err := approval.NewStore(filepath.Join(dir, "approvals"))
	if err != nil {
		t.Fatal(err)
	}
	tk, err := store.Request(string(policy.ActionCancelOrder), "escalation_monitor", "stalled", model.Params{"order_id": "o42"})
	if err != nil {
		t.Fatal(err)
	}

	cmd, out := testCmd()
	if err := runPending(cmd, nil); err != nil {
		t.Fatalf("runPending failed: %v", err)
	}
	if !strings.Contains(out.String(), tk.ID) || !strings.Contains(out.String(), "o42") {
		t.Fatalf("pending output missing ticket:\n%s", out.String())
	}

	resolveBy, resolveNote = "dana", "customer confirmed"
	defer func() { resolveBy, resolveNote = "", "" }()
	cmd, out = testCmd()
	if err := runResolve(cmd, tk.ID, true); err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if !strings.HasPrefix(out.String(), "approved "+tk.ID) {
		t.Errorf("unexpected output %q", out.String())
	}

	got, err := store.Get(tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != approval.StatusApproved || got.Resolver != "dana" {
		t.Errorf("unexpected ticket %+v", got)
	}

	cmd, _ = testCmd()
	if err := runResolve(cmd, tk.ID, false); err == nil {
		t.Error("expected rejecting a resolved ticket to fail")
	}

	cmd, out = testCmd()
	if err := runPending(cmd, nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "No pending approvals.") {
		t.Errorf("expected empty queue, got:\n%s", out.String())
	}
}

func TestStatsFromAuditLog(t *testing.T) {
	dir := withConfig(t)
	log, err := audit.Open(filepath.Join(dir, "audit.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-48 * time.Hour).UTC().Format(audit.TimestampFormat)
	entries := []audit.Entry{
		{Kind: audit.KindExecution, Action: "dispatch_order", Requester: "dispatch_engine", Tier: "always_allowed", Success: audit.Bool(true)},
		{Kind: audit.KindExecution, Action: "reassign_order", Requester: "escalation_monitor", Tier: "conditionally_allowed", Success: audit.Bool(false), Reason: "routing down"},
		{Kind: audit.KindDecision, Action: "cancel_order", Decision: "require_approval"},
		{Kind: audit.KindExecution, Action: "dispatch_order", Requester: "dispatch_engine", Tier: "always_allowed", Success: audit.Bool(true), Timestamp: old},
	}
	for _, e := range entries {
		if err := log.Record(e); err != nil {
			t.Fatal(err)
		}
	}
	log.Close()

	statsWindow, statsJSON = "24h", false
	cmd, out := testCmd()
	if err := runStats(cmd, nil); err != nil {
		t.Fatalf("runStats failed: %v", err)
	}
	text := out.String()
	for _, want := range []string{"Executions:   2", "Succeeded:    1", "Failed:       1", "conditionally_allowed", "escalation_monitor"} {
		if !strings.Contains(text, want) {
			t.Errorf("stats output missing %q:\n%s", want, text)
		}
	}
}

func TestTierFromLabel(t *testing.T) {
	for _, tier := range []policy.Tier{policy.TierAlwaysAllowed, policy.TierConditionallyAllowed, policy.TierRequiresApproval} {
		if got := tierFromLabel(policy.TierLabel(tier)); got != tier {
			t.Errorf("tierFromLabel(%q) = %v", policy.TierLabel(tier), got)
		}
	}
	if got := tierFromLabel("bogus"); got != policy.TierUnknown {
		t.Errorf("expected unknown, got %v", got)
	}
}

func TestAuditTailFilters(t *testing.T) {
	dir := withConfig(t)
	log, err := audit.Open(filepath.Join(dir, "audit.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	_ = log.Record(audit.Entry{Kind: audit.KindAssignment, Action: "dispatch_order", OrderID: "o1", DriverID: "d1"})
	_ = log.Record(audit.Entry{Kind: audit.KindEscalation, Action: "reassign_order", OrderID: "o2", Severity: "critical"})
	log.Close()

	tailLines, tailKind, tailOrder, tailSince, tailJSON = 10, "", "o2", 0, false
	defer func() { tailKind, tailOrder = "", "" }()
	cmd, out := testCmd()
	if err := runAuditTail(cmd, nil); err != nil {
		t.Fatalf("runAuditTail failed: %v", err)
	}
	text := out.String()
	if !strings.Contains(text, "reassign_order") || strings.Contains(text, "dispatch_order") {
		t.Errorf("unexpected tail output:\n%s", text)
	}

	cmd, out = testCmd()
	if err := runAuditVerify(cmd, nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "OK: 2 entries") {
		t.Errorf("unexpected verify output %q", out.String())
	}
}

func TestPolicyDiff(t *testing.T) {
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "old.yaml")
	newPath := filepath.Join(dir, "new.yaml")
	if err := os.WriteFile(oldPath, []byte(policy.DefaultConfigYAML()), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(newPath, []byte("thresholds:\n  bulk_notify_max_recipients: 40\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	diffFormat = "text"
	cmd, out := testCmd()
	if err := runDiff(cmd, []string{oldPath, newPath}); err != nil {
		t.Fatalf("runDiff failed: %v", err)
	}
	if !strings.Contains(out.String(), "bulk_notify_max_recipients") || !strings.Contains(out.String(), "stricter") {
		t.Errorf("unexpected diff output:\n%s", out.String())
	}

	diffFailOnLooser = true
	defer func() { diffFailOnLooser = false }()
	cmd, _ = testCmd()
	if err := runDiff(cmd, []string{newPath, oldPath}); err == nil {
		t.Error("expected --fail-on-looser to reject a loosening diff")
	}
}
