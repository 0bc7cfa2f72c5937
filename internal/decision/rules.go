package decision

import (
	"context"
	"fmt"
)

// Rules is the deterministic decider used when no model endpoint is
// configured and as the fallback behind LLM.
type Rules struct {
	// MinSavingMinutes is the ETA gain that justifies a reassignment.
	MinSavingMinutes float64
	// UnresponsiveMinutes is how long a driver may be silent before their
	// orders are moved.
	UnresponsiveMinutes float64
	// MaxAttempts is the failed-attempt count that sends an order back.
	MaxAttempts int
}

// DefaultRules mirrors the escalation thresholds.
var DefaultRules = Rules{MinSavingMinutes: 10, UnresponsiveMinutes: 15, MaxAttempts: 3}

func (r Rules) DecideEmergency(_ context.Context, s Situation) (Choice[EmergencyAction], error) {
	switch {
	case s.AlternativeDriverID != "" && s.SavingMinutes > r.MinSavingMinutes:
		return Choice[EmergencyAction]{ReassignFaster, fmt.Sprintf("%s saves %.0f min", s.AlternativeDriverID, s.SavingMinutes)}, nil
	case s.MinutesRemaining <= 0:
		return Choice[EmergencyAction]{ContactCustomer, "deadline already passed"}, nil
	case s.ETAMinutes > 0 && s.ETAMinutes <= s.MinutesRemaining:
		return Choice[EmergencyAction]{KeepCurrent, fmt.Sprintf("eta %.0f min fits %.0f min remaining", s.ETAMinutes, s.MinutesRemaining)}, nil
	default:
		return Choice[EmergencyAction]{EscalateDispatch, "no faster driver and current eta misses deadline"}, nil
	}
}

func (r Rules) DecideRecovery(_ context.Context, s Situation) (Choice[RecoveryAction], error) {
	if s.DriverSilentMinutes >= r.UnresponsiveMinutes {
		return Choice[RecoveryAction]{RecoverReassign, fmt.Sprintf("driver silent for %.0f min", s.DriverSilentMinutes)}, nil
	}
	return Choice[RecoveryAction]{RecoverAlertDispatch, "driver reachable, needs dispatcher follow-up"}, nil
}

func (r Rules) DecideFailure(_ context.Context, s Situation) (Choice[FailureStrategy], error) {
	switch {
	case s.FailedAttempts >= r.MaxAttempts:
		return Choice[FailureStrategy]{ReturnToSender, fmt.Sprintf("%d failed attempts", s.FailedAttempts)}, nil
	case s.FailedAttempts == r.MaxAttempts-1:
		return Choice[FailureStrategy]{FailureContact, "last attempt, confirm with customer first"}, nil
	case s.MinutesRemaining > 30:
		return Choice[FailureStrategy]{RetryNow, "time left for an immediate retry"}, nil
	case s.MinutesRemaining > 0:
		return Choice[FailureStrategy]{ScheduleRetry, "too close to deadline for immediate retry"}, nil
	default:
		return Choice[FailureStrategy]{FailureEscalate, "deadline passed"}, nil
	}
}
