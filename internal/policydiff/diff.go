package policydiff

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/ppiankov/dispatchwatch/internal/policy"
)

// Change represents a threshold change.
type Change struct {
	Field   string `json:"field"`
	Old     string `json:"old"`
	New     string `json:"new"`
	Comment string `json:"comment,omitempty"`
}

// TierChange represents an action added to, removed from or moved between
// tiers.
type TierChange struct {
	Type    string `json:"type"` // "added", "removed", "moved"
	Action  string `json:"action"`
	Old     string `json:"old,omitempty"`
	New     string `json:"new,omitempty"`
	Comment string `json:"comment,omitempty"`
}

// DiffResult holds the comparison of two policy configs.
type DiffResult struct {
	OldPath     string       `json:"old_path"`
	NewPath     string       `json:"new_path"`
	Changes     []Change     `json:"changes"`
	TierChanges []TierChange `json:"tier_changes"`
	HasChanges  bool         `json:"has_changes"`
}

// Summary is a one-line count for logs.
func (r *DiffResult) Summary() string {
	if !r.HasChanges {
		return "no changes"
	}
	return fmt.Sprintf("%d threshold changes, %d tier changes (%d looser)", len(r.Changes), len(r.TierChanges), r.Loosened())
}

// Loosened counts changes that widen what runs without a human.
func (r *DiffResult) Loosened() int {
	n := 0
	for _, c := range r.Changes {
		if c.Comment == "looser" {
			n++
		}
	}
	for _, tc := range r.TierChanges {
		if tc.Comment == "looser" {
			n++
		}
	}
	return n
}

type threshold struct {
	field string
	get   func(policy.Thresholds) float64
	// higherIsStricter is false for caps, where a lower limit allows less.
	higherIsStricter bool
}

var thresholds = []threshold{
	{"reassign_min_sla_used", func(t policy.Thresholds) float64 { return t.ReassignMinSLAUsed }, true},
	{"reassign_min_eta_gain_minutes", func(t policy.Thresholds) float64 { return t.ReassignMinETAGainMinutes }, true},
	{"rebalance_min_idle_drivers", func(t policy.Thresholds) float64 { return float64(t.RebalanceMinIdleDrivers) }, true},
	{"rebalance_min_imbalance", func(t policy.Thresholds) float64 { return t.RebalanceMinImbalance }, true},
	{"rebalance_max_drivers_moved", func(t policy.Thresholds) float64 { return float64(t.RebalanceMaxDriversMoved) }, false},
	{"preposition_min_confidence", func(t policy.Thresholds) float64 { return t.PrepositionMinConfidence }, true},
	{"reroute_min_delay_minutes", func(t policy.Thresholds) float64 { return t.RerouteMinDelayMinutes }, true},
	{"reroute_min_saved_minutes", func(t policy.Thresholds) float64 { return t.RerouteMinSavedMinutes }, true},
	{"bulk_notify_max_recipients", func(t policy.Thresholds) float64 { return float64(t.BulkNotifyMaxRecipients) }, false},
	{"break_after_deliveries", func(t policy.Thresholds) float64 { return float64(t.BreakAfterDeliveries) }, true},
	{"break_after_hours", func(t policy.Thresholds) float64 { return t.BreakAfterHours }, true},
	{"assign_min_on_time_rate", func(t policy.Thresholds) float64 { return t.AssignMinOnTimeRate }, true},
	{"supervisor_min_failed_attempts", func(t policy.Thresholds) float64 { return float64(t.SupervisorMinFailedAttempts) }, true},
}

// Diff compares two policy configs and returns the differences.
func Diff(old, new *policy.Config) *DiffResult {
	r := &DiffResult{}

	for _, th := range thresholds {
		o, n := th.get(old.Thresholds), th.get(new.Thresholds)
		if o == n {
			continue
		}
		r.Changes = append(r.Changes, Change{
			Field:   "thresholds." + th.field,
			Old:     formatFloat(o),
			New:     formatFloat(n),
			Comment: comment(n > o == th.higherIsStricter),
		})
	}

	diffTiers(r, tierMap(old), tierMap(new))

	r.HasChanges = len(r.Changes) > 0 || len(r.TierChanges) > 0
	return r
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func comment(stricter bool) string {
	if stricter {
		return "stricter"
	}
	return "looser"
}

func tierMap(cfg *policy.Config) map[policy.ActionType]policy.Tier {
	m := make(map[policy.ActionType]policy.Tier)
	for _, a := range cfg.AlwaysAllowed {
		m[a] = policy.TierAlwaysAllowed
	}
	for _, a := range cfg.ConditionallyAllowed {
		m[a] = policy.TierConditionallyAllowed
	}
	for _, a := range cfg.RequiresApproval {
		m[a] = policy.TierRequiresApproval
	}
	return m
}

// diffTiers reports in action order. An action dropped from every list is
// denied outright, so removal is always stricter.
func diffTiers(r *DiffResult, oldTiers, newTiers map[policy.ActionType]policy.Tier) {
	seen := make(map[policy.ActionType]bool)
	var actions []string
	for a := range oldTiers {
		seen[a] = true
		actions = append(actions, string(a))
	}
	for a := range newTiers {
		if !seen[a] {
			actions = append(actions, string(a))
		}
	}
	sort.Strings(actions)

	for _, name := range actions {
		a := policy.ActionType(name)
		o, inOld := oldTiers[a]
		n, inNew := newTiers[a]
		switch {
		case !inOld:
			r.TierChanges = append(r.TierChanges, TierChange{Type: "added", Action: name, New: n.String(), Comment: "looser"})
		case !inNew:
			r.TierChanges = append(r.TierChanges, TierChange{Type: "removed", Action: name, Old: o.String(), Comment: "stricter"})
		case o != n:
			r.TierChanges = append(r.TierChanges, TierChange{
				Type:    "moved",
				Action:  name,
				Old:     o.String(),
				New:     n.String(),
				Comment: comment(n > o),
			})
		}
	}
}
