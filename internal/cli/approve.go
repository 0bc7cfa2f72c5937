package cli

import (
	"fmt"
	"os/user"

	"github.com/spf13/cobra"
)

var (
	resolveBy   string
	resolveNote string
)

func init() {
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
	for _, c := range []*cobra.Command{approveCmd, rejectCmd} {
		c.Flags().StringVar(&resolveBy, "by", "", "Resolver recorded on the ticket (default: current user)")
		c.Flags().StringVar(&resolveNote, "note", "", "Note recorded on the ticket")
	}
}

var approveCmd = &cobra.Command{
	Use:   "approve <ticket-id>",
	Short: "Approve a pending ticket",
	Long:  "Approves a ticket. The blocked action runs once on the requester's next attempt.",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runResolve(cmd, args[0], true) },
}

var rejectCmd = &cobra.Command{
	Use:   "reject <ticket-id>",
	Short: "Reject a pending ticket",
	Long:  "Rejects a ticket. The requesting component escalates to a supervisor instead.",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runResolve(cmd, args[0], false) },
}

func runResolve(cmd *cobra.Command, id string, approve bool) error {
	store, err := openApprovals()
	if err != nil {
		return err
	}
	by := resolveBy
	if by == "" {
		by = currentUser()
	}

	resolve := store.Reject
	if approve {
		resolve = store.Approve
	}
	t, err := resolve(id, by, resolveNote)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s) by %s\n", t.Status, t.ID, t.Action, by)
	return nil
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "cli"
}
