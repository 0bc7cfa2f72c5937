package policy

import "fmt"

// Tier is the risk class of an action. Higher tier = more restricted.
type Tier int

const (
	TierUnknown              Tier = 0 // Not classified, always denied
	TierAlwaysAllowed        Tier = 1 // Allow, log
	TierConditionallyAllowed Tier = 2 // Allow when the action's validator passes
	TierRequiresApproval     Tier = 3 // Deny until a human approves a ticket
)

// TierLabel returns a human-readable label for the tier.
func TierLabel(tier Tier) string {
	switch tier {
	case TierUnknown:
		return "unknown"
	case TierAlwaysAllowed:
		return "always_allowed"
	case TierConditionallyAllowed:
		return "conditionally_allowed"
	case TierRequiresApproval:
		return "requires_approval"
	default:
		return fmt.Sprintf("invalid(%d)", int(tier))
	}
}

func (t Tier) String() string { return TierLabel(t) }

// MarshalText renders the tier label in JSON and YAML.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(TierLabel(t)), nil
}

// ActionType names an operation an agent may want to perform.
type ActionType string

// Actions known to the default classification.
const (
	ActionSendETAUpdate        ActionType = "send_eta_update"
	ActionLogMonitoringAlert   ActionType = "log_monitoring_alert"
	ActionOptimizeRoute        ActionType = "optimize_route"
	ActionRefreshForecast      ActionType = "refresh_forecast"
	ActionNotifyCustomerDelay  ActionType = "notify_customer_delay"
	ActionSendOffer            ActionType = "send_offer"
	ActionDispatchOrder        ActionType = "dispatch_order"
	ActionReassignUnresponsive ActionType = "reassign_unresponsive"
	ActionRetryDelivery        ActionType = "retry_delivery"

	ActionReassignOrder        ActionType = "reassign_order"
	ActionRebalanceFleet       ActionType = "rebalance_fleet"
	ActionPrepositionDrivers   ActionType = "preposition_drivers"
	ActionRerouteDriver        ActionType = "reroute_driver"
	ActionBulkNotify           ActionType = "bulk_notify"
	ActionEnforceBreak         ActionType = "enforce_break"
	ActionAssignNewOrder       ActionType = "assign_new_order"
	ActionEscalateToSupervisor ActionType = "escalate_to_supervisor"

	ActionIssueRefund      ActionType = "issue_refund"
	ActionCancelOrder      ActionType = "cancel_order"
	ActionDeactivateDriver ActionType = "deactivate_driver"
	ActionChangePricing    ActionType = "change_pricing"
	ActionOverrideSLA      ActionType = "override_sla"
	ActionBulkReassign     ActionType = "bulk_reassign"
)

// Classification is the static action → tier table.
type Classification struct {
	tiers map[ActionType]Tier
}

// NewClassification builds the table from the three tier lists.
// An action listed in more than one tier is a configuration error.
func NewClassification(always, conditional, approval []ActionType) (*Classification, error) {
	c := &Classification{tiers: make(map[ActionType]Tier)}
	add := func(list []ActionType, tier Tier) error {
		for _, a := range list {
			if prev, ok := c.tiers[a]; ok && prev != tier {
				return fmt.Errorf("action %q listed as both %s and %s", a, prev, tier)
			}
			c.tiers[a] = tier
		}
		return nil
	}
	if err := add(always, TierAlwaysAllowed); err != nil {
		return nil, err
	}
	if err := add(conditional, TierConditionallyAllowed); err != nil {
		return nil, err
	}
	if err := add(approval, TierRequiresApproval); err != nil {
		return nil, err
	}
	return c, nil
}

// Tier returns the tier of action, or TierUnknown.
func (c *Classification) Tier(action ActionType) Tier {
	if c == nil {
		return TierUnknown
	}
	return c.tiers[action]
}

// Actions returns every classified action in tier.
func (c *Classification) Actions(tier Tier) []ActionType {
	var out []ActionType
	for a, t := range c.tiers {
		if t == tier {
			out = append(out, a)
		}
	}
	return out
}
