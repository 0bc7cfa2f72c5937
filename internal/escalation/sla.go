package escalation

import (
	"context"
	"math"
	"time"

	"github.com/ppiankov/dispatchwatch/internal/model"
	"github.com/ppiankov/dispatchwatch/internal/store"
)

// SLA status labels.
const (
	SLAIdle     = "idle"
	SLAHealthy  = "healthy"
	SLAWarning  = "warning"
	SLACritical = "critical"
)

// warnAtRisk is the at-risk count above which the fleet is in warning.
const warnAtRisk = 5

// SLAStatus is a point-in-time summary of open orders against their
// deadlines.
type SLAStatus struct {
	TotalActive         int       `json:"total_active"`
	AtRisk              int       `json:"at_risk"`
	Breached            int       `json:"breached"`
	MinRemainingMinutes float64   `json:"min_remaining_minutes"`
	Status              string    `json:"status"`
	BreachedOrderIDs    []string  `json:"breached_order_ids,omitempty"`
	AtRiskOrderIDs      []string  `json:"at_risk_order_ids,omitempty"`
	Timestamp           time.Time `json:"timestamp"`
}

// Summarize computes the SLA status of orders at now. Orders with less
// than riskMinutes left are at risk; negative remaining is a breach.
func Summarize(orders []model.Order, now time.Time, riskMinutes float64) SLAStatus {
	s := SLAStatus{Timestamp: now, Status: SLAIdle}
	if len(orders) == 0 {
		return s
	}
	s.MinRemainingMinutes = math.Inf(1)
	for _, o := range orders {
		rem := o.RemainingMinutes(now)
		s.TotalActive++
		s.MinRemainingMinutes = math.Min(s.MinRemainingMinutes, rem)
		switch {
		case rem < 0:
			s.Breached++
			s.BreachedOrderIDs = append(s.BreachedOrderIDs, o.ID)
		case rem < riskMinutes:
			s.AtRisk++
			s.AtRiskOrderIDs = append(s.AtRiskOrderIDs, o.ID)
		}
	}
	switch {
	case s.Breached > 0:
		s.Status = SLACritical
	case s.AtRisk > warnAtRisk:
		s.Status = SLAWarning
	default:
		s.Status = SLAHealthy
	}
	return s
}

// SLAStatus summarizes every open order in the store.
func (m *Monitor) SLAStatus(ctx context.Context) (SLAStatus, error) {
	orders, err := store.ActiveOrders(ctx, m.store)
	if err != nil {
		return SLAStatus{}, err
	}
	return Summarize(orders, m.now(), m.cfg.Thresholds.CriticalMinutes), nil
}
