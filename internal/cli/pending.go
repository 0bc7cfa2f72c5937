package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/dispatchwatch/internal/approval"
)

var pendingAll bool

func init() {
	rootCmd.AddCommand(pendingCmd)
	pendingCmd.Flags().BoolVar(&pendingAll, "all", false, "Include resolved and consumed tickets")
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List approval tickets waiting for a decision",
	Long:  "Shows tickets opened by the authorization gate for requires_approval actions.",
	RunE:  runPending,
}

func openApprovals() (*approval.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	store, err := approval.NewStore(cfg.ApprovalsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open approval store: %w", err)
	}
	return store, nil
}

func runPending(cmd *cobra.Command, args []string) error {
	store, err := openApprovals()
	if err != nil {
		return err
	}

	var list []approval.Ticket
	if pendingAll {
		list, err = store.List()
	} else {
		list, err = store.Pending()
	}
	if err != nil {
		return fmt.Errorf("failed to list approvals: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(list) == 0 {
		fmt.Fprintln(out, "No pending approvals.")
		return nil
	}

	fmt.Fprintf(out, "%-36s %-10s %-20s %-20s %-12s %s\n", "ID", "STATUS", "ACTION", "REQUESTER", "ORDER", "CREATED")
	for _, t := range list {
		orderID, _ := t.Context.String("order_id")
		fmt.Fprintf(out, "%-36s %-10s %-20s %-20s %-12s %s\n",
			t.ID,
			t.Status,
			truncate(t.Action, 20),
			truncate(t.Requester, 20),
			truncate(orderID, 12),
			t.CreatedAt.Local().Format("15:04:05"),
		)
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
