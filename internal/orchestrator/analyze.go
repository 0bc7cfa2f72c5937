package orchestrator

import "fmt"

// Level is the overall severity of one cycle's situation.
type Level string

const (
	LevelNormal   Level = "normal"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

var levelRank = map[Level]int{LevelNormal: 0, LevelHigh: 1, LevelCritical: 2}

// raise only moves upward.
func (l Level) raise(to Level) Level {
	if levelRank[to] > levelRank[l] {
		return to
	}
	return l
}

// Thresholds drive situation analysis.
type Thresholds struct {
	UtilizationLow  float64 `yaml:"utilization_low" json:"utilization_low"`
	UtilizationHigh float64 `yaml:"utilization_high" json:"utilization_high"`
	ImbalanceCV     float64 `yaml:"imbalance_cv" json:"imbalance_cv"`
	OnTimeMin       float64 `yaml:"on_time_min" json:"on_time_min"`
	BacklogMax      int     `yaml:"backlog_max" json:"backlog_max"`
}

var DefaultThresholds = Thresholds{
	UtilizationLow:  0.40,
	UtilizationHigh: 0.90,
	ImbalanceCV:     0.30,
	OnTimeMin:       0.85,
	BacklogMax:      10,
}

// Finding kinds.
const (
	FindingSLABreach      = "sla_breach"
	FindingSLAAtRisk      = "sla_at_risk"
	FindingUnderutilized  = "underutilized"
	FindingOverloaded     = "overloaded"
	FindingImbalance      = "demand_imbalance"
	FindingSevereTraffic  = "severe_traffic"
	FindingLowOnTime      = "low_on_time"
	FindingPendingBacklog = "pending_backlog"
)

// Finding is one observation from analysis.
type Finding struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// Situation is the analysed state of the fleet.
type Situation struct {
	Level         Level     `json:"level"`
	Problems      []Finding `json:"problems,omitempty"`
	Opportunities []Finding `json:"opportunities,omitempty"`
	Facets        Facets    `json:"facets"`
}

// Has reports whether a problem or opportunity of kind was found.
func (s Situation) Has(kind string) bool {
	for _, f := range s.Problems {
		if f.Kind == kind {
			return true
		}
	}
	for _, f := range s.Opportunities {
		if f.Kind == kind {
			return true
		}
	}
	return false
}

// Analyze turns facets into a situation. Missing facets contribute nothing.
func Analyze(f Facets, th Thresholds) Situation {
	s := Situation{Level: LevelNormal, Facets: f}
	problem := func(kind, format string, args ...any) {
		s.Problems = append(s.Problems, Finding{Kind: kind, Detail: fmt.Sprintf(format, args...)})
	}

	if sla := f.SLA; sla != nil {
		if sla.Breached > 0 {
			s.Level = s.Level.raise(LevelCritical)
			problem(FindingSLABreach, "%d orders past deadline", sla.Breached)
		}
		if sla.AtRisk > 0 {
			s.Level = s.Level.raise(LevelHigh)
			problem(FindingSLAAtRisk, "%d orders at risk", sla.AtRisk)
		}
	}

	if fl := f.Fleet; fl != nil && fl.Total > 0 {
		switch {
		case fl.Utilization < th.UtilizationLow:
			s.Opportunities = append(s.Opportunities, Finding{
				Kind:   FindingUnderutilized,
				Detail: fmt.Sprintf("utilization %.0f%%", fl.Utilization*100),
			})
		case fl.Utilization > th.UtilizationHigh:
			problem(FindingOverloaded, "utilization %.0f%%", fl.Utilization*100)
		}
	}

	if cv := f.Demand.Imbalance(); cv > th.ImbalanceCV {
		problem(FindingImbalance, "demand per driver cv %.2f", cv)
	}

	if tr := f.Traffic; tr != nil && len(tr.SevereZones) > 0 {
		problem(FindingSevereTraffic, "severe traffic in %d zones", len(tr.SevereZones))
	}

	if p := f.Performance; p != nil && p.OnTimeRate < th.OnTimeMin {
		problem(FindingLowOnTime, "on-time rate %.0f%%", p.OnTimeRate*100)
	}

	if p := f.Pending; p != nil && p.Count > th.BacklogMax {
		problem(FindingPendingBacklog, "%d orders unassigned", p.Count)
	}
	return s
}
