package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/dispatchwatch/internal/policy"
	"github.com/ppiankov/dispatchwatch/internal/policydiff"
)

var (
	diffFormat       string
	diffFailOnLooser bool
)

func init() {
	rootCmd.AddCommand(diffCmd)
	diffCmd.Flags().StringVarP(&diffFormat, "format", "f", "text", "Output format (text|json)")
	diffCmd.Flags().BoolVar(&diffFailOnLooser, "fail-on-looser", false, "Exit non-zero if any change widens autonomy (for CI review)")
}

var diffCmd = &cobra.Command{
	Use:   "policy-diff <old.yaml> <new.yaml>",
	Short: "Compare two policy files and show changes",
	Long:  "Loads two policy YAML files and shows threshold changes and actions\nadded, removed or moved between tiers, marked stricter or looser.",
	Args:  cobra.ExactArgs(2),
	RunE:  runDiff,
}

func runDiff(cmd *cobra.Command, args []string) error {
	oldCfg, _, err := policy.LoadConfig(args[0])
	if err != nil {
		return fmt.Errorf("load old policy: %w", err)
	}

	newCfg, _, err := policy.LoadConfig(args[1])
	if err != nil {
		return fmt.Errorf("load new policy: %w", err)
	}

	result := policydiff.Diff(oldCfg, newCfg)
	result.OldPath = args[0]
	result.NewPath = args[1]

	out := cmd.OutOrStdout()
	switch diffFormat {
	case "json":
		s, err := policydiff.FormatJSON(result)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, s)
	default:
		fmt.Fprint(out, policydiff.FormatText(result))
	}
	if diffFailOnLooser && result.Loosened() > 0 {
		return fmt.Errorf("%s loosens policy in %d places", args[1], result.Loosened())
	}
	return nil
}
