package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/dispatchwatch/internal/audit"
	"github.com/ppiankov/dispatchwatch/internal/config"
	"github.com/ppiankov/dispatchwatch/internal/escalation"
	"github.com/ppiankov/dispatchwatch/internal/policy"
	"github.com/ppiankov/dispatchwatch/internal/store"
)

var (
	statsWindow string
	statsJSON   bool
)

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().StringVarP(&statsWindow, "window", "w", "24h", "Trailing window (30m, 24h, 7d)")
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "Print statistics as JSON")
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Execution statistics from the audit log",
	Long: "Aggregates execution entries in the configured audit log over a trailing window.\n" +
		"With a postgres store, also prints the live SLA status of open orders.",
	RunE:  runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Audit.Path == "" {
		return fmt.Errorf("no audit.path configured")
	}

	since := time.Now().Add(-policy.ParseWindow(statsWindow))
	entries, err := audit.Tail(cfg.Audit.Path, audit.Filter{Kind: audit.KindExecution, From: since}, 0)
	if err != nil {
		return err
	}
	st := policy.Aggregate(executionRecords(entries), statsWindow, since)

	sla, err := fleetSLA(cmd.Context(), cfg)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if statsJSON {
		data, err := json.MarshalIndent(struct {
			Executions policy.Stats          `json:"executions"`
			SLA        *escalation.SLAStatus `json:"sla,omitempty"`
		}{st, sla}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
		return nil
	}
	printStats(out, st)
	if sla != nil {
		printSLA(out, *sla)
	}
	return nil
}

// fleetSLA reads open orders from a shared store. An in-memory store
// belongs to the running process, so there is nothing to read.
func fleetSLA(ctx context.Context, cfg *config.Config) (*escalation.SLAStatus, error) {
	if cfg.Store.Driver != "postgres" {
		return nil, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	pg, err := store.OpenPostgres(ctx, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres store: %w", err)
	}
	defer pg.Close()
	orders, err := store.ActiveOrders(ctx, pg)
	if err != nil {
		return nil, fmt.Errorf("failed to read open orders: %w", err)
	}
	sla := escalation.Summarize(orders, time.Now(), cfg.Escalation.CriticalMinutes)
	return &sla, nil
}

func executionRecords(entries []audit.Entry) []policy.ExecutionRecord {
	records := make([]policy.ExecutionRecord, 0, len(entries))
	for _, e := range entries {
		ts, err := time.Parse(audit.TimestampFormat, e.Timestamp)
		if err != nil {
			continue
		}
		r := policy.ExecutionRecord{
			Timestamp: ts,
			Action:    policy.ActionType(e.Action),
			Requester: e.Requester,
			Tier:      tierFromLabel(e.Tier),
			Duration:  time.Duration(e.DurationMS) * time.Millisecond,
		}
		if e.Success != nil {
			r.Success = *e.Success
		}
		if !r.Success {
			r.Error = e.Reason
		}
		records = append(records, r)
	}
	return records
}

func tierFromLabel(label string) policy.Tier {
	for t := policy.TierAlwaysAllowed; t <= policy.TierRequiresApproval; t++ {
		if policy.TierLabel(t) == label {
			return t
		}
	}
	return policy.TierUnknown
}

func printStats(w io.Writer, st policy.Stats) {
	fmt.Fprintf(w, "Window:       %s (since %s)\n", st.Window, st.Since.Local().Format(time.RFC3339))
	fmt.Fprintf(w, "Executions:   %d\n", st.Total)
	fmt.Fprintf(w, "Succeeded:    %d\n", st.Succeeded)
	fmt.Fprintf(w, "Failed:       %d\n", st.Failed)
	fmt.Fprintf(w, "Success rate: %.1f%%\n", st.SuccessRate*100)
	printCounts(w, "By tier", st.ByTier)
	printCounts(w, "By requester", st.ByRequester)
	printCounts(w, "By action", st.ByAction)
}

func printSLA(w io.Writer, s escalation.SLAStatus) {
	fmt.Fprintf(w, "\nSLA:          %s\n", s.Status)
	fmt.Fprintf(w, "Open orders:  %d\n", s.TotalActive)
	fmt.Fprintf(w, "At risk:      %d\n", s.AtRisk)
	fmt.Fprintf(w, "Breached:     %d\n", s.Breached)
	if s.TotalActive > 0 {
		fmt.Fprintf(w, "Min left:     %.1f min\n", s.MinRemainingMinutes)
	}
}

func printCounts(w io.Writer, title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(w, "\n%s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-28s %d\n", k, counts[k])
	}
}
