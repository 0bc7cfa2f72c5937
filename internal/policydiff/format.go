package policydiff

import (
	"encoding/json"
	"fmt"
	"strings"
)

var tierMarks = map[string]string{"added": "+", "removed": "-", "moved": "~"}

// FormatText renders the diff for a terminal. Looser rows are flagged with
// "!" so they stand out in review.
func FormatText(r *DiffResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "policy %s -> %s\n", r.OldPath, r.NewPath)
	if !r.HasChanges {
		b.WriteString("no changes\n")
		return b.String()
	}

	flag := func(comment string) string {
		if comment == "looser" {
			return "!"
		}
		return " "
	}

	if len(r.Changes) > 0 {
		b.WriteString("\nthresholds\n")
		for _, c := range r.Changes {
			fmt.Fprintf(&b, "%s %-32s %10s -> %-10s %s\n",
				flag(c.Comment), strings.TrimPrefix(c.Field, "thresholds."), c.Old, c.New, c.Comment)
		}
	}

	if len(r.TierChanges) > 0 {
		b.WriteString("\ntiers\n")
		for _, tc := range r.TierChanges {
			from, to := tc.Old, tc.New
			if from == "" {
				from = "(none)"
			}
			if to == "" {
				to = "(denied)"
			}
			fmt.Fprintf(&b, "%s %s %-24s %s -> %s  %s\n", flag(tc.Comment), tierMarks[tc.Type], tc.Action, from, to, tc.Comment)
		}
	}

	fmt.Fprintf(&b, "\n%s\n", r.Summary())
	return b.String()
}

// FormatJSON renders the diff with the looser count included.
func FormatJSON(r *DiffResult) (string, error) {
	out := struct {
		*DiffResult
		Looser int `json:"looser"`
	}{r, r.Loosened()}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal diff result: %w", err)
	}
	return string(data), nil
}
