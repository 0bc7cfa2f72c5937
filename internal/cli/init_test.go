package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ppiankov/dispatchwatch/internal/config"
)

// initInto runs init-config against a fresh directory and resets flags.
func initInto(t *testing.T, dir string, force bool) string {
	t.Helper()
	initDir, initForce = dir, force
	t.Cleanup(func() { initDir, initForce, initMode = "", false, "user" })
	cmd, out := testCmd()
	if err := runInit(cmd, nil); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}
	return out.String()
}

func TestInitWritesLoadableConfig(t *testing.T) {
	dir := t.TempDir()
	out := initInto(t, dir, false)

	if !strings.Contains(out, "wrote  "+filepath.Join(dir, "policy.yaml")) {
		t.Errorf("expected policy.yaml in output:\n%s", out)
	}
	if !strings.Contains(out, "--config "+filepath.Join(dir, "config.yaml")) {
		t.Errorf("expected run hint with --config for a non-default dir:\n%s", out)
	}

	data, err := os.ReadFile(filepath.Join(dir, "policy.yaml"))
	if err != nil || !strings.Contains(string(data), "requires_approval:") {
		t.Fatalf("policy.yaml missing or incomplete: %v", err)
	}

	cfgPath := filepath.Join(dir, "config.yaml")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}
	if cfg.PolicyPath != filepath.Join(dir, "policy.yaml") || cfg.Audit.Path != filepath.Join(dir, "audit.jsonl") {
		t.Errorf("paths not rebased: %q %q", cfg.PolicyPath, cfg.Audit.Path)
	}
	if info, err := os.Stat(cfgPath); err != nil || info.Mode().Perm() != 0o600 {
		t.Errorf("config.yaml should be owner-only, got %v", info.Mode().Perm())
	}
	if info, err := os.Stat(filepath.Join(dir, "approvals")); err != nil || !info.IsDir() {
		t.Error("approvals directory not created")
	}
}

func TestInitKeepsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	policyPath := filepath.Join(dir, "policy.yaml")
	const sentinel = "# operator edits\n"
	if err := os.WriteFile(policyPath, []byte(sentinel), 0o644); err != nil {
		t.Fatal(err)
	}

	out := initInto(t, dir, false)
	if !strings.Contains(out, "kept   "+policyPath) {
		t.Errorf("expected policy.yaml reported as kept:\n%s", out)
	}
	if data, _ := os.ReadFile(policyPath); string(data) != sentinel {
		t.Error("policy.yaml was overwritten without --force")
	}

	initInto(t, dir, true)
	if data, _ := os.ReadFile(policyPath); string(data) == sentinel {
		t.Error("policy.yaml was not overwritten with --force")
	}
}

func TestInitTarget(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Cleanup(func() { initDir, initMode = "", "user" })

	tests := []struct {
		mode, dir string
		want      string
		wantErr   bool
	}{
		{mode: "user", want: filepath.Join(home, ".dispatchwatch")},
		{mode: "system", want: "/etc/dispatchwatch"},
		{mode: "system", dir: "/srv/dw", want: "/srv/dw"},
		{mode: "invalid", wantErr: true},
	}
	for _, tt := range tests {
		initMode, initDir = tt.mode, tt.dir
		got, err := initTarget()
		if tt.wantErr {
			if err == nil || !strings.Contains(err.Error(), "unknown mode") {
				t.Errorf("mode=%q: expected unknown mode error, got %v", tt.mode, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("mode=%q dir=%q: got %q, %v; want %q", tt.mode, tt.dir, got, err, tt.want)
		}
	}
}

func TestDefaultConfigYAML(t *testing.T) {
	content, err := defaultConfigYAML("/srv/dw")
	if err != nil {
		t.Fatalf("defaultConfigYAML failed: %v", err)
	}
	if !strings.HasPrefix(content, "# dispatchwatch runtime configuration") {
		t.Error("missing header comment")
	}
	for _, want := range []string{"store:", "dedup:", "dispatch:", "escalation:", "orchestrator:", "policy_path: /srv/dw/policy.yaml"} {
		if !strings.Contains(content, want) {
			t.Errorf("missing %q", want)
		}
	}
}
