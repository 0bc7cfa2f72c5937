package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Thresholds holds the hard limits the conditional-tier validators compare against.
type Thresholds struct {
	ReassignMinSLAUsed          float64 `yaml:"reassign_min_sla_used"`
	ReassignMinETAGainMinutes   float64 `yaml:"reassign_min_eta_gain_minutes"`
	RebalanceMinIdleDrivers     int     `yaml:"rebalance_min_idle_drivers"`
	RebalanceMinImbalance       float64 `yaml:"rebalance_min_imbalance"`
	RebalanceMaxDriversMoved    int     `yaml:"rebalance_max_drivers_moved"`
	PrepositionMinConfidence    float64 `yaml:"preposition_min_confidence"`
	RerouteMinDelayMinutes      float64 `yaml:"reroute_min_delay_minutes"`
	RerouteMinSavedMinutes      float64 `yaml:"reroute_min_saved_minutes"`
	BulkNotifyMaxRecipients     int     `yaml:"bulk_notify_max_recipients"`
	BreakAfterDeliveries        int     `yaml:"break_after_deliveries"`
	BreakAfterHours             float64 `yaml:"break_after_hours"`
	AssignMinOnTimeRate         float64 `yaml:"assign_min_on_time_rate"`
	SupervisorMinFailedAttempts int     `yaml:"supervisor_min_failed_attempts"`
}

// Config is the gate's policy: thresholds plus the static tier lists.
type Config struct {
	Thresholds           Thresholds   `yaml:"thresholds"`
	AlwaysAllowed        []ActionType `yaml:"always_allowed"`
	ConditionallyAllowed []ActionType `yaml:"conditionally_allowed"`
	RequiresApproval     []ActionType `yaml:"requires_approval"`
}

// DefaultThresholds returns the built-in validator limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ReassignMinSLAUsed:          0.75,
		ReassignMinETAGainMinutes:   5,
		RebalanceMinIdleDrivers:     3,
		RebalanceMinImbalance:       0.30,
		RebalanceMaxDriversMoved:    5,
		PrepositionMinConfidence:    0.60,
		RerouteMinDelayMinutes:      10,
		RerouteMinSavedMinutes:      5,
		BulkNotifyMaxRecipients:     100,
		BreakAfterDeliveries:        5,
		BreakAfterHours:             8,
		AssignMinOnTimeRate:         0.90,
		SupervisorMinFailedAttempts: 3,
	}
}

// DefaultConfig returns the built-in policy.
func DefaultConfig() *Config {
	return &Config{
		Thresholds: DefaultThresholds(),
		AlwaysAllowed: []ActionType{
			ActionSendETAUpdate,
			ActionLogMonitoringAlert,
			ActionOptimizeRoute,
			ActionRefreshForecast,
			ActionNotifyCustomerDelay,
			ActionSendOffer,
			ActionDispatchOrder,
			ActionReassignUnresponsive,
			ActionRetryDelivery,
		},
		ConditionallyAllowed: []ActionType{
			ActionReassignOrder,
			ActionRebalanceFleet,
			ActionPrepositionDrivers,
			ActionRerouteDriver,
			ActionBulkNotify,
			ActionEnforceBreak,
			ActionAssignNewOrder,
			ActionEscalateToSupervisor,
		},
		RequiresApproval: []ActionType{
			ActionIssueRefund,
			ActionCancelOrder,
			ActionDeactivateDriver,
			ActionChangePricing,
			ActionOverrideSLA,
			ActionBulkReassign,
		},
	}
}

// Classification builds the tier table for cfg.
func (c *Config) Classification() (*Classification, error) {
	return NewClassification(c.AlwaysAllowed, c.ConditionallyAllowed, c.RequiresApproval)
}

// LoadConfig loads policy from a YAML file and returns its SHA-256 hash.
// Missing file returns defaults. Invalid YAML or overlapping tiers return an error.
// The hash is computed over the raw bytes on disk (empty input for defaults).
func LoadConfig(path string) (*Config, string, error) {
	if path == "" {
		return DefaultConfig(), hashBytes(nil), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), hashBytes(nil), nil
		}
		return nil, "", fmt.Errorf("failed to read policy config: %w", err)
	}

	// Start with defaults, YAML overwrites only specified fields
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse policy config: %w", err)
	}
	if _, err := cfg.Classification(); err != nil {
		return nil, "", fmt.Errorf("invalid policy config: %w", err)
	}

	return cfg, hashBytes(data), nil
}

func hashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:])
}

// DefaultConfigYAML returns a commented YAML string for init-config.
func DefaultConfigYAML() string {
	return `# dispatchwatch policy
# Generated by: dispatchwatch init-config
#
# Every action belongs to exactly one tier. Unlisted actions are denied.
#   always_allowed        -> run unattended
#   conditionally_allowed -> run when the action's validator passes
#   requires_approval     -> create a ticket, run only after a human approves

thresholds:
  reassign_min_sla_used: 0.75         # share of SLA window consumed before reassignment
  reassign_min_eta_gain_minutes: 5    # proposed driver must arrive this much sooner
  rebalance_min_idle_drivers: 3
  rebalance_min_imbalance: 0.30       # demand coefficient of variation
  rebalance_max_drivers_moved: 5
  preposition_min_confidence: 0.60
  reroute_min_delay_minutes: 10
  reroute_min_saved_minutes: 5
  bulk_notify_max_recipients: 100
  break_after_deliveries: 5
  break_after_hours: 8
  assign_min_on_time_rate: 0.90
  supervisor_min_failed_attempts: 3

always_allowed:
  - send_eta_update
  - log_monitoring_alert
  - optimize_route
  - refresh_forecast
  - notify_customer_delay
  - send_offer
  - dispatch_order
  - reassign_unresponsive
  - retry_delivery

conditionally_allowed:
  - reassign_order
  - rebalance_fleet
  - preposition_drivers
  - reroute_driver
  - bulk_notify
  - enforce_break
  - assign_new_order
  - escalate_to_supervisor

requires_approval:
  - issue_refund
  - cancel_order
  - deactivate_driver
  - change_pricing
  - override_sla
  - bulk_reassign
`
}
