package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/dispatchwatch/internal/audit"
)

var (
	tailLines int
	tailKind  string
	tailOrder string
	tailSince time.Duration
	tailJSON  bool

	verifyJSON bool
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditTailCmd)
	auditVerifyCmd.Flags().BoolVar(&verifyJSON, "json", false, "Print the result as JSON")
	auditTailCmd.Flags().IntVarP(&tailLines, "lines", "n", 20, "Number of recent entries to show")
	auditTailCmd.Flags().StringVar(&tailKind, "kind", "", "Only entries of this kind (decision, execution, escalation, assignment)")
	auditTailCmd.Flags().StringVar(&tailOrder, "order", "", "Only entries for this order id")
	auditTailCmd.Flags().DurationVar(&tailSince, "since", 0, "Only entries newer than this (e.g. 30m)")
	auditTailCmd.Flags().BoolVar(&tailJSON, "json", false, "Print raw JSON entries")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log operations",
	Long:  "Commands for verifying and inspecting the hash-chained audit log.",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [path]",
	Short: "Verify hash chain integrity of an audit log",
	Long:  "Walks the JSONL audit log and validates that every entry's prev_hash\nmatches the SHA-256 of the previous entry. Exits 0 if valid, 1 if tampered.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditVerify,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail [path]",
	Short: "Show recent audit log entries",
	Long:  "Reads the last N matching entries from the JSONL audit log.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditTail,
}

// auditPath is the explicit argument or the configured log.
func auditPath(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	if cfg.Audit.Path == "" {
		return "", fmt.Errorf("no audit.path configured; pass the log path")
	}
	return cfg.Audit.Path, nil
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	path, err := auditPath(args)
	if err != nil {
		return err
	}
	result := audit.Verify(path)
	if verifyJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	} else if result.Valid {
		fmt.Fprintf(cmd.OutOrStdout(), "OK: %s\n", result.Summary())
	} else {
		fmt.Fprintf(os.Stderr, "FAILED: %s\n", result.Summary())
	}
	if !result.Valid {
		os.Exit(1)
	}
	return nil
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	path, err := auditPath(args)
	if err != nil {
		return err
	}
	filter := audit.Filter{Kind: tailKind, OrderID: tailOrder}
	if tailSince > 0 {
		filter.From = time.Now().Add(-tailSince)
	}
	entries, err := audit.Tail(path, filter, tailLines)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, e := range entries {
		if tailJSON {
			data, _ := json.Marshal(e)
			fmt.Fprintln(out, string(data))
			continue
		}
		fmt.Fprintln(out, audit.FormatLine(e))
	}
	return nil
}
