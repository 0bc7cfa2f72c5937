package alert

import (
	"time"

	"github.com/ppiankov/dispatchwatch/internal/model"
)

// Event types raised by the engines.
const (
	TypeNoDriverAvailable = "no_driver_available"
	TypeEscalation        = "escalation"
	TypeDispatchAlert     = "dispatch_alert"
	TypeApprovalRequired  = "approval_required"
	TypeMonitoring        = "monitoring"
	TypeSupervisor        = "supervisor"
)

// AlertConfig defines a webhook alert destination.
type AlertConfig struct {
	URL         string            `yaml:"url"          json:"url"`
	Format      string            `yaml:"format"       json:"format"` // "generic", "slack", "pagerduty"
	Events      []string          `yaml:"events"       json:"events"` // ["no_driver_available", "escalation"]
	MinSeverity model.Severity    `yaml:"min_severity" json:"min_severity,omitempty"`
	Headers     map[string]string `yaml:"headers"      json:"headers"`
	Timeout     time.Duration     `yaml:"timeout"      json:"timeout,omitempty"`      // per attempt, default 5s
	MaxAttempts int               `yaml:"max_attempts" json:"max_attempts,omitempty"` // default 3
}

// AlertEvent is the payload sent to webhook endpoints.
type AlertEvent struct {
	Timestamp string         `json:"timestamp"`
	Type      string         `json:"type"`
	Severity  model.Severity `json:"severity"`
	OrderID   string         `json:"order_id,omitempty"`
	DriverID  string         `json:"driver_id,omitempty"`
	Action    string         `json:"action,omitempty"`
	Reason    string         `json:"reason"`
	TicketID  string         `json:"ticket_id,omitempty"`
}
