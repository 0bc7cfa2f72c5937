// Package decision holds the pluggable collaborators the escalation monitor
// consults when a remedy is a judgement call. Each returns a discrete action
// plus free-text reasoning.
package decision

import (
	"context"

	"github.com/ppiankov/dispatchwatch/internal/model"
)

// EmergencyAction is the remedy for a critical SLA risk.
type EmergencyAction string

const (
	ReassignFaster   EmergencyAction = "reassign_faster"
	EscalateDispatch EmergencyAction = "escalate_dispatch"
	ContactCustomer  EmergencyAction = "contact_customer"
	KeepCurrent      EmergencyAction = "keep_current"
)

// RecoveryAction is the remedy for an order stuck with an unresponsive driver.
type RecoveryAction string

const (
	RecoverReassign      RecoveryAction = "reassign"
	RecoverAlertDispatch RecoveryAction = "alert_dispatch"
)

// FailureStrategy is the remedy for a failed delivery attempt.
type FailureStrategy string

const (
	RetryNow        FailureStrategy = "retry_now"
	ScheduleRetry   FailureStrategy = "schedule_retry"
	FailureContact  FailureStrategy = "contact_customer"
	ReturnToSender  FailureStrategy = "return_to_sender"
	FailureEscalate FailureStrategy = "escalate"
)

var (
	emergencyActions = []EmergencyAction{ReassignFaster, EscalateDispatch, ContactCustomer, KeepCurrent}
	recoveryActions  = []RecoveryAction{RecoverReassign, RecoverAlertDispatch}
	failureActions   = []FailureStrategy{RetryNow, ScheduleRetry, FailureContact, ReturnToSender, FailureEscalate}
)

// Situation is the structured context handed to a decider.
type Situation struct {
	Problem          string         `json:"problem"`
	Severity         model.Severity `json:"severity"`
	OrderID          string         `json:"order_id"`
	DriverID         string         `json:"driver_id,omitempty"`
	OrderStatus      string         `json:"order_status"`
	MinutesRemaining float64        `json:"minutes_remaining"`
	// ETAMinutes is the current driver's estimated time to dropoff; zero
	// when unknown.
	ETAMinutes          float64 `json:"eta_minutes,omitempty"`
	AlternativeDriverID string  `json:"alternative_driver_id,omitempty"`
	SavingMinutes       float64 `json:"saving_minutes,omitempty"`
	DriverSilentMinutes float64 `json:"driver_silent_minutes,omitempty"`
	StalledMinutes      float64 `json:"stalled_minutes,omitempty"`
	FailedAttempts      int     `json:"failed_attempts,omitempty"`
}

// Choice is a decided action with the decider's reasoning.
type Choice[A ~string] struct {
	Action    A      `json:"action"`
	Reasoning string `json:"reasoning"`
}

// EmergencyDecider picks a remedy for a critical SLA risk.
type EmergencyDecider interface {
	DecideEmergency(ctx context.Context, s Situation) (Choice[EmergencyAction], error)
}

// RecoveryDecider picks remedies for stuck orders and failed deliveries.
type RecoveryDecider interface {
	DecideRecovery(ctx context.Context, s Situation) (Choice[RecoveryAction], error)
	DecideFailure(ctx context.Context, s Situation) (Choice[FailureStrategy], error)
}

func valid[A ~string](a A, allowed []A) bool {
	for _, x := range allowed {
		if x == a {
			return true
		}
	}
	return false
}
