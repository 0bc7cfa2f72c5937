package orchestrator

import (
	"cmp"
	"slices"
	"sort"

	"github.com/ppiankov/dispatchwatch/internal/model"
	"github.com/ppiankov/dispatchwatch/internal/policy"
)

// Priority orders plan items. Lower sorts first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Agents that carry out plan items.
const (
	AgentSupervision  = "supervision"
	AgentNotification = "notification"
	AgentRouting      = "routing"
	AgentFleet        = "fleet"
)

// Status is the outcome of one plan item.
type Status string

const (
	StatusPlanned   Status = "planned"
	StatusSkipped   Status = "skipped"
	StatusDenied    Status = "denied"
	StatusEscalated Status = "escalated"
	StatusExecuted  Status = "executed"
	StatusFailed    Status = "failed"
)

// Move repositions one driver between zones.
type Move struct {
	DriverID string `json:"driver_id"`
	FromZone string `json:"from_zone"`
	ToZone   string `json:"to_zone"`
}

// Targets are the entities a plan item acts on.
type Targets struct {
	OrderIDs  []string `json:"order_ids,omitempty"`
	DriverIDs []string `json:"driver_ids,omitempty"`
	Moves     []Move   `json:"moves,omitempty"`
}

// PlanItem is one proposed action.
type PlanItem struct {
	Action     policy.ActionType `json:"action"`
	Agent      string            `json:"agent"`
	Priority   Priority          `json:"priority"`
	Confidence float64           `json:"confidence"`
	Reason     string            `json:"reason"`
	// Context is passed to the gate and validated there.
	Context model.Params `json:"context,omitempty"`
	Targets Targets      `json:"targets"`

	Status   Status `json:"status"`
	TicketID string `json:"ticket_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// PlanLimits bound one cycle's plan.
type PlanLimits struct {
	MaxActions int `yaml:"max_actions" json:"max_actions"`
	// MaxMoves caps drivers moved by one rebalance or preposition item.
	MaxMoves int `yaml:"max_moves" json:"max_moves"`
}

var DefaultPlanLimits = PlanLimits{MaxActions: 5, MaxMoves: 5}

// BuildPlan proposes actions for a situation, highest priority first,
// truncated to limits.MaxActions.
func BuildPlan(s Situation, limits PlanLimits) []PlanItem {
	var items []PlanItem
	f := s.Facets

	// Breaches already handled in an earlier cycle are filtered out of
	// BreachedOrderIDs before planning.
	if ids := breachedIDs(f); s.Has(FindingSLABreach) && len(ids) > 0 {
		items = append(items,
			PlanItem{
				Action:     policy.ActionEscalateToSupervisor,
				Agent:      AgentSupervision,
				Priority:   PriorityCritical,
				Confidence: 0.95,
				Reason:     "orders past deadline",
				Context: model.Params{
					"severity":       string(model.SeverityCritical),
					"breached_count": len(ids),
				},
				Targets: Targets{OrderIDs: ids},
			},
			PlanItem{
				Action:     policy.ActionBulkNotify,
				Agent:      AgentNotification,
				Priority:   PriorityCritical,
				Confidence: 0.9,
				Reason:     "apologise to customers of late orders",
				Context:    model.Params{"recipient_count": len(ids)},
				Targets:    Targets{OrderIDs: ids},
			},
		)
	}

	if s.Has(FindingSLAAtRisk) {
		items = append(items, PlanItem{
			Action:     policy.ActionOptimizeRoute,
			Agent:      AgentRouting,
			Priority:   PriorityHigh,
			Confidence: 0.85,
			Reason:     "tighten routes of drivers holding at-risk orders",
			Context:    model.Params{"at_risk_count": len(f.SLA.AtRiskOrderIDs)},
			Targets:    Targets{OrderIDs: f.SLA.AtRiskOrderIDs},
		})
	}

	if s.Has(FindingImbalance) && f.Fleet != nil {
		moves := planMoves(f.Fleet, f.Demand, limits.MaxMoves)
		if len(moves) > 0 {
			items = append(items, PlanItem{
				Action:     policy.ActionRebalanceFleet,
				Agent:      AgentFleet,
				Priority:   PriorityMedium,
				Confidence: 0.8,
				Reason:     "move idle drivers toward demand",
				Context: model.Params{
					"idle_drivers":     len(f.Fleet.Idle()),
					"demand_imbalance": f.Demand.Imbalance(),
					"drivers_to_move":  len(moves),
				},
				Targets: Targets{Moves: moves},
			})
		}
	}

	if s.Has(FindingUnderutilized) && f.Demand != nil && !s.Has(FindingImbalance) {
		moves := planMoves(f.Fleet, f.Demand, limits.MaxMoves)
		if len(moves) > 0 {
			items = append(items, PlanItem{
				Action:     policy.ActionPrepositionDrivers,
				Agent:      AgentFleet,
				Priority:   PriorityLow,
				Confidence: f.Demand.Confidence,
				Reason:     "position idle drivers ahead of forecast demand",
				Context: model.Params{
					"confidence":        f.Demand.Confidence,
					"available_drivers": len(f.Fleet.Idle()),
					"drivers_requested": len(moves),
				},
				Targets: Targets{Moves: moves},
			})
		}
	}

	if s.Has(FindingSevereTraffic) && f.Fleet != nil {
		var drivers []string
		for _, z := range f.Traffic.SevereZones {
			drivers = append(drivers, f.Fleet.LoadedByZone[z]...)
		}
		if len(drivers) > 0 {
			items = append(items, PlanItem{
				Action:     policy.ActionRerouteDriver,
				Agent:      AgentRouting,
				Priority:   PriorityLow,
				Confidence: f.Traffic.Confidence,
				Reason:     "route around severe traffic",
				Context: model.Params{
					"delay_minutes":      f.Traffic.DelayMinutes,
					"time_saved_minutes": f.Traffic.SavedMinutes,
				},
				Targets: Targets{DriverIDs: drivers},
			})
		}
	}

	slices.SortStableFunc(items, func(a, b PlanItem) int { return cmp.Compare(a.Priority, b.Priority) })
	if limits.MaxActions > 0 && len(items) > limits.MaxActions {
		items = items[:limits.MaxActions]
	}
	for i := range items {
		items[i].Status = StatusPlanned
	}
	return items
}

// planMoves sends idle drivers from the zones with the least demand per
// driver to those with the most, one driver per deficit zone in turn.
func planMoves(fleet *FleetStatus, demand *DemandForecast, max int) []Move {
	if fleet == nil || demand == nil || max <= 0 {
		return nil
	}
	type zone struct {
		name  string
		ratio float64
	}
	var zones []zone
	for name, z := range demand.Zones {
		zones = append(zones, zone{name, z.Expected / float64(max1(z.Drivers))})
	}
	sort.Slice(zones, func(i, j int) bool {
		if zones[i].ratio != zones[j].ratio {
			return zones[i].ratio > zones[j].ratio
		}
		return zones[i].name < zones[j].name
	})

	var deficit []string
	for _, z := range zones {
		if z.ratio > 1 {
			deficit = append(deficit, z.name)
		}
	}
	if len(deficit) == 0 {
		return nil
	}

	var moves []Move
	// Surplus zones are drained lowest ratio first.
	for i := len(zones) - 1; i >= 0 && len(moves) < max; i-- {
		from := zones[i].name
		if slices.Contains(deficit, from) {
			continue
		}
		idle := append([]string(nil), fleet.IdleByZone[from]...)
		sort.Strings(idle)
		for _, id := range idle {
			if len(moves) >= max {
				break
			}
			moves = append(moves, Move{DriverID: id, FromZone: from, ToZone: deficit[len(moves)%len(deficit)]})
		}
	}
	return moves
}

func breachedIDs(f Facets) []string {
	if f.SLA == nil {
		return nil
	}
	return f.SLA.BreachedOrderIDs
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
