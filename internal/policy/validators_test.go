package policy

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/ppiankov/dispatchwatch/internal/model"
)

func TestValidateReassignmentScenario(t *testing.T) {
	v := ValidateReassignment(model.Params{
		"sla_percent_used": 0.80,
		"proposed_driver":  map[string]any{"status": "AVAILABLE", "eta": 10},
		"current_driver":   map[string]any{"eta": 20},
	}, DefaultThresholds())

	if !v.Allowed {
		t.Fatalf("expected allowed, got denied: %s", v.Reason)
	}
	var gain Constraint
	for _, c := range v.Constraints {
		if c.Name == "eta_improvement" {
			gain = c
		}
	}
	if gain.Actual != 10.0 {
		t.Errorf("expected eta_improvement=10, got %v", gain.Actual)
	}
}

func TestValidateFleetRebalancingScenario(t *testing.T) {
	v := ValidateFleetRebalancing(model.Params{
		"idle_drivers":     2,
		"demand_imbalance": 0.5,
		"drivers_to_move":  2,
	}, DefaultThresholds())

	if v.Allowed {
		t.Fatal("expected denied with 2 idle drivers")
	}
	if !strings.Contains(v.Reason, "idle_drivers=2") || !strings.Contains(v.Reason, ">= 3") {
		t.Errorf("expected reason to cite idle_drivers < 3, got %q", v.Reason)
	}
	if strings.Contains(v.Reason, "demand_imbalance") {
		t.Errorf("expected passing constraints to be left out of denial reason, got %q", v.Reason)
	}
}

func TestValidatorMissingFieldDenies(t *testing.T) {
	v := ValidateBulkNotify(model.Params{}, DefaultThresholds())
	if v.Allowed {
		t.Fatal("expected missing recipient_count to deny")
	}
	if !strings.Contains(v.Reason, "missing") {
		t.Errorf("expected reason to mention missing field, got %q", v.Reason)
	}
}

// Each case holds a fully passing context and one field whose value is
// swapped for a failing one. Flipping that field alone must flip the verdict.
func TestValidatorsFlipOnSingleField(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		name    string
		v       Validator
		passing model.Params
		field   string
		failing any
	}{
		{"reassign sla", ValidateReassignment, reassignParams(), "sla_percent_used", 0.70},
		{"rebalance idle", ValidateFleetRebalancing, rebalanceParams(), "idle_drivers", 2},
		{"rebalance imbalance", ValidateFleetRebalancing, rebalanceParams(), "demand_imbalance", 0.29},
		{"rebalance moved", ValidateFleetRebalancing, rebalanceParams(), "drivers_to_move", 6},
		{"preposition confidence", ValidatePrepositioning, model.Params{"confidence": 0.7, "available_drivers": 4, "drivers_requested": 3}, "confidence", 0.59},
		{"preposition headcount", ValidatePrepositioning, model.Params{"confidence": 0.7, "available_drivers": 4, "drivers_requested": 3}, "available_drivers", 2},
		{"reroute delay", ValidateReroute, model.Params{"delay_minutes": 12, "time_saved_minutes": 6}, "delay_minutes", 9},
		{"reroute saved", ValidateReroute, model.Params{"delay_minutes": 12, "time_saved_minutes": 6}, "time_saved_minutes", 4},
		{"bulk notify", ValidateBulkNotify, model.Params{"recipient_count": 100}, "recipient_count", 101},
		{"break streak", ValidateBreak, model.Params{"consecutive_deliveries": 5, "hours_worked": 2}, "consecutive_deliveries", 4},
		{"break hours", ValidateBreak, model.Params{"consecutive_deliveries": 1, "hours_worked": 8}, "hours_worked", 7.5},
		{"assign on time", ValidateNewAssignment, model.Params{"on_time_rate": 0.95, "remaining_capacity": 3}, "on_time_rate", 0.89},
		{"assign capacity", ValidateNewAssignment, model.Params{"on_time_rate": 0.95, "remaining_capacity": 3}, "remaining_capacity", 0},
		{"supervisor severity", ValidateSupervisorEscalation, model.Params{"severity": "critical", "failed_attempts": 0}, "severity", "high"},
		{"supervisor attempts", ValidateSupervisorEscalation, model.Params{"severity": "low", "failed_attempts": 3}, "failed_attempts", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if v := tt.v(tt.passing, th); !v.Allowed {
				t.Fatalf("expected passing context to be allowed: %s", v.Reason)
			}
			failing := tt.passing.Clone()
			failing[tt.field] = tt.failing
			v := tt.v(failing, th)
			if v.Allowed {
				t.Fatalf("expected %s=%v to deny", tt.field, tt.failing)
			}
			if !strings.Contains(v.Reason, tt.field) {
				t.Errorf("expected reason to name %s, got %q", tt.field, v.Reason)
			}
		})
	}
}

func reassignParams() model.Params {
	return model.Params{
		"sla_percent_used": 0.9,
		"proposed_driver":  map[string]any{"status": "available", "eta": 5},
		"current_driver":   map[string]any{"eta": 25},
	}
}

func rebalanceParams() model.Params {
	return model.Params{"idle_drivers": 4, "demand_imbalance": 0.4, "drivers_to_move": 3}
}

func TestRebalanceMonotonicProperty(t *testing.T) {
	th := DefaultThresholds()
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("raising idle_drivers past the limit flips deny to allow", prop.ForAll(
		func(lowIdle, highIdle int, imbalance float64, move int) bool {
			base := model.Params{"demand_imbalance": imbalance, "drivers_to_move": move}

			low := base.Clone()
			low["idle_drivers"] = lowIdle
			high := base.Clone()
			high["idle_drivers"] = highIdle

			return !ValidateFleetRebalancing(low, th).Allowed && ValidateFleetRebalancing(high, th).Allowed
		},
		gen.IntRange(0, 2),
		gen.IntRange(3, 50),
		gen.Float64Range(0.30, 1.0),
		gen.IntRange(0, 5),
	))

	properties.TestingRun(t)
}

func TestReassignmentMonotonicProperty(t *testing.T) {
	th := DefaultThresholds()
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("eta gain above 5 minutes is the only difference", prop.ForAll(
		func(used, proposed, smallGain, bigGain float64) bool {
			mk := func(gain float64) model.Params {
				return model.Params{
					"sla_percent_used": used,
					"proposed_driver":  map[string]any{"status": "available", "eta": proposed},
					"current_driver":   map[string]any{"eta": proposed + gain},
				}
			}
			return !ValidateReassignment(mk(smallGain), th).Allowed && ValidateReassignment(mk(bigGain), th).Allowed
		},
		gen.Float64Range(0.75, 1.5),
		gen.Float64Range(0, 60),
		gen.Float64Range(-10, 4.9),
		gen.Float64Range(5.1, 60),
	))

	properties.TestingRun(t)
}
