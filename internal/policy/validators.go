package policy

import (
	"fmt"
	"strings"

	"github.com/ppiankov/dispatchwatch/internal/model"
)

// Constraint is one threshold comparison made by a validator. Every
// decision carries its constraints so the reason can be reproduced.
type Constraint struct {
	Name   string `json:"name"`
	Actual any    `json:"actual"`
	Op     string `json:"op"`
	Limit  any    `json:"limit"`
	Passed bool   `json:"passed"`
}

func (c Constraint) String() string {
	return fmt.Sprintf("%s=%v (need %s %v)", c.Name, c.Actual, c.Op, c.Limit)
}

// Verdict is a validator's answer.
type Verdict struct {
	Allowed     bool
	Reason      string
	Constraints []Constraint
}

// Validator checks a conditional-tier action's context against thresholds.
type Validator func(p model.Params, th Thresholds) Verdict

// DefaultValidators returns the registry of business-rule validators.
func DefaultValidators() map[ActionType]Validator {
	return map[ActionType]Validator{
		ActionReassignOrder:        ValidateReassignment,
		ActionRebalanceFleet:       ValidateFleetRebalancing,
		ActionPrepositionDrivers:   ValidatePrepositioning,
		ActionRerouteDriver:        ValidateReroute,
		ActionBulkNotify:           ValidateBulkNotify,
		ActionEnforceBreak:         ValidateBreak,
		ActionAssignNewOrder:       ValidateNewAssignment,
		ActionEscalateToSupervisor: ValidateSupervisorEscalation,
	}
}

const missing = "missing"

func atLeast(p model.Params, field string, limit float64) Constraint {
	v, ok := p.Float(field)
	if !ok {
		return Constraint{Name: field, Actual: missing, Op: ">=", Limit: limit}
	}
	return Constraint{Name: field, Actual: v, Op: ">=", Limit: limit, Passed: v >= limit}
}

func atMost(p model.Params, field string, limit float64) Constraint {
	v, ok := p.Float(field)
	if !ok {
		return Constraint{Name: field, Actual: missing, Op: "<=", Limit: limit}
	}
	return Constraint{Name: field, Actual: v, Op: "<=", Limit: limit, Passed: v <= limit}
}

func greaterThan(p model.Params, field string, limit float64) Constraint {
	v, ok := p.Float(field)
	if !ok {
		return Constraint{Name: field, Actual: missing, Op: ">", Limit: limit}
	}
	return Constraint{Name: field, Actual: v, Op: ">", Limit: limit, Passed: v > limit}
}

func equalsFold(p model.Params, field, want string) Constraint {
	v, ok := p.String(field)
	if !ok {
		return Constraint{Name: field, Actual: missing, Op: "==", Limit: want}
	}
	return Constraint{Name: field, Actual: v, Op: "==", Limit: want, Passed: strings.EqualFold(v, want)}
}

// all allows only when every constraint passes.
func all(action ActionType, cs ...Constraint) Verdict {
	var failed []string
	for _, c := range cs {
		if !c.Passed {
			failed = append(failed, c.String())
		}
	}
	if len(failed) > 0 {
		return Verdict{
			Reason:      fmt.Sprintf("%s denied: %s", action, strings.Join(failed, "; ")),
			Constraints: cs,
		}
	}
	return Verdict{
		Allowed:     true,
		Reason:      fmt.Sprintf("%s allowed: %s", action, joinConstraints(cs)),
		Constraints: cs,
	}
}

// anyOf allows when at least one constraint passes.
func anyOf(action ActionType, cs ...Constraint) Verdict {
	var passed []string
	for _, c := range cs {
		if c.Passed {
			passed = append(passed, c.String())
		}
	}
	if len(passed) == 0 {
		return Verdict{
			Reason:      fmt.Sprintf("%s denied: none of %s", action, joinConstraints(cs)),
			Constraints: cs,
		}
	}
	return Verdict{
		Allowed:     true,
		Reason:      fmt.Sprintf("%s allowed: %s", action, strings.Join(passed, "; ")),
		Constraints: cs,
	}
}

func joinConstraints(cs []Constraint) string {
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = c.String()
	}
	return strings.Join(parts, "; ")
}

// ValidateReassignment permits moving an order to another driver once most
// of the SLA window is used and the proposed driver is materially closer.
//
// Fields: sla_percent_used, proposed_driver.status, proposed_driver.eta,
// current_driver.eta (minutes).
func ValidateReassignment(p model.Params, th Thresholds) Verdict {
	gain := Constraint{Name: "eta_improvement", Actual: missing, Op: ">", Limit: th.ReassignMinETAGainMinutes}
	cur, okCur := p.Float("current_driver.eta")
	prop, okProp := p.Float("proposed_driver.eta")
	if okCur && okProp {
		gain.Actual = cur - prop
		gain.Passed = cur-prop > th.ReassignMinETAGainMinutes
	}
	return all(ActionReassignOrder,
		atLeast(p, "sla_percent_used", th.ReassignMinSLAUsed),
		equalsFold(p, "proposed_driver.status", string(model.DriverAvailable)),
		gain,
	)
}

// ValidateFleetRebalancing permits moving idle drivers toward demand.
func ValidateFleetRebalancing(p model.Params, th Thresholds) Verdict {
	return all(ActionRebalanceFleet,
		atLeast(p, "idle_drivers", float64(th.RebalanceMinIdleDrivers)),
		atLeast(p, "demand_imbalance", th.RebalanceMinImbalance),
		atMost(p, "drivers_to_move", float64(th.RebalanceMaxDriversMoved)),
	)
}

// ValidatePrepositioning permits staging drivers ahead of forecast demand.
func ValidatePrepositioning(p model.Params, th Thresholds) Verdict {
	headcount := Constraint{Name: "available_drivers", Actual: missing, Op: ">=", Limit: "drivers_requested"}
	avail, okAvail := p.Float("available_drivers")
	req, okReq := p.Float("drivers_requested")
	if okAvail && okReq {
		headcount.Actual = avail
		headcount.Limit = req
		headcount.Passed = avail >= req
	}
	return all(ActionPrepositionDrivers,
		atLeast(p, "confidence", th.PrepositionMinConfidence),
		headcount,
	)
}

// ValidateReroute permits a route change when the driver is delayed and
// the new route saves enough time.
func ValidateReroute(p model.Params, th Thresholds) Verdict {
	return all(ActionRerouteDriver,
		atLeast(p, "delay_minutes", th.RerouteMinDelayMinutes),
		atLeast(p, "time_saved_minutes", th.RerouteMinSavedMinutes),
	)
}

// ValidateBulkNotify caps the fan-out of one notification.
func ValidateBulkNotify(p model.Params, th Thresholds) Verdict {
	return all(ActionBulkNotify,
		atMost(p, "recipient_count", float64(th.BulkNotifyMaxRecipients)),
	)
}

// ValidateBreak permits a mandatory break after a streak or a long shift.
func ValidateBreak(p model.Params, th Thresholds) Verdict {
	return anyOf(ActionEnforceBreak,
		atLeast(p, "consecutive_deliveries", float64(th.BreakAfterDeliveries)),
		atLeast(p, "hours_worked", th.BreakAfterHours),
	)
}

// ValidateNewAssignment permits giving a driver more work.
func ValidateNewAssignment(p model.Params, th Thresholds) Verdict {
	return all(ActionAssignNewOrder,
		atLeast(p, "on_time_rate", th.AssignMinOnTimeRate),
		greaterThan(p, "remaining_capacity", 0),
	)
}

// ValidateSupervisorEscalation permits paging a human supervisor.
func ValidateSupervisorEscalation(p model.Params, th Thresholds) Verdict {
	return anyOf(ActionEscalateToSupervisor,
		equalsFold(p, "severity", string(model.SeverityCritical)),
		atLeast(p, "failed_attempts", float64(th.SupervisorMinFailedAttempts)),
	)
}
