package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/dispatchwatch/internal/approval"
	"github.com/ppiankov/dispatchwatch/internal/audit"
	"github.com/ppiankov/dispatchwatch/internal/config"
	"github.com/ppiankov/dispatchwatch/internal/policy"
)

func init() {
	rootCmd.AddCommand(doctorCmd)
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration, policy, approval store and audit chain",
	RunE:  runDoctor,
}

type checkResult struct {
	label  string
	ok     bool
	detail string
	fix    string
}

func runDoctor(cmd *cobra.Command, args []string) error {
	var checks []checkResult

	execPath, _ := os.Executable()
	if execPath != "" {
		checks = append(checks, checkResult{label: "dispatchwatch binary", ok: true, detail: fmt.Sprintf("%s (v%s)", execPath, version)})
	} else {
		checks = append(checks, checkResult{label: "dispatchwatch binary", ok: false, detail: "cannot determine executable path"})
	}

	cfg, err := loadConfig()
	if err != nil {
		checks = append(checks, checkResult{label: "config", ok: false, detail: err.Error(), fix: "dispatchwatch init-config"})
		return report(cmd, checks)
	}
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	if _, err := os.Stat(path); err == nil {
		checks = append(checks, checkResult{label: "config", ok: true, detail: path})
	} else {
		checks = append(checks, checkResult{label: "config", ok: true, detail: "built-in defaults (no " + filepath.Base(path) + ")"})
	}

	if _, hash, err := policy.LoadConfig(cfg.PolicyPath); err != nil {
		checks = append(checks, checkResult{label: "policy", ok: false, detail: err.Error(), fix: "fix " + cfg.PolicyPath})
	} else if _, statErr := os.Stat(cfg.PolicyPath); statErr != nil {
		checks = append(checks, checkResult{label: "policy", ok: false, detail: "missing, using built-in tiers", fix: "dispatchwatch init-config"})
	} else {
		checks = append(checks, checkResult{label: "policy", ok: true, detail: hash[:19]})
	}

	if store, err := approval.NewStore(cfg.ApprovalsDir); err != nil {
		checks = append(checks, checkResult{label: "approval store", ok: false, detail: err.Error()})
	} else if pending, err := store.Pending(); err != nil {
		checks = append(checks, checkResult{label: "approval store", ok: false, detail: err.Error()})
	} else {
		checks = append(checks, checkResult{label: "approval store", ok: true, detail: fmt.Sprintf("%d pending", len(pending))})
	}

	if cfg.Audit.Path != "" {
		if _, err := os.Stat(cfg.Audit.Path); err != nil {
			checks = append(checks, checkResult{label: "audit log", ok: true, detail: "not created yet"})
		} else if r := audit.Verify(cfg.Audit.Path); r.Valid {
			checks = append(checks, checkResult{label: "audit log", ok: true, detail: "chain intact, " + r.Summary()})
		} else {
			checks = append(checks, checkResult{label: "audit log", ok: false, detail: r.Summary()})
		}
	}

	checks = append(checks, checkResult{label: "store", ok: true, detail: cfg.Store.Driver})
	checks = append(checks, checkResult{label: "dedup", ok: true, detail: cfg.Dedup.Backend})
	return report(cmd, checks)
}

func report(cmd *cobra.Command, checks []checkResult) error {
	out := cmd.OutOrStdout()
	hasFailures := false
	for _, c := range checks {
		mark := "\u2713" // ✓
		if !c.ok {
			mark = "\u2717" // ✗
			hasFailures = true
		}
		line := fmt.Sprintf("%s %-22s %s", mark, c.label+":", c.detail)
		if !c.ok && c.fix != "" {
			line += fmt.Sprintf("  ->  %s", c.fix)
		}
		fmt.Fprintln(out, line)
	}

	if hasFailures {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Some checks failed. Run the suggested commands to fix.")
		return fmt.Errorf("doctor found issues")
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "All checks passed.")
	return nil
}
