package escalation

import "github.com/ppiankov/dispatchwatch/internal/model"

// Thresholds are the minutes-remaining cut-offs for each severity.
type Thresholds struct {
	CriticalMinutes float64 `yaml:"critical_minutes"`
	HighMinutes     float64 `yaml:"high_minutes"`
	MediumMinutes   float64 `yaml:"medium_minutes"`
}

var DefaultThresholds = Thresholds{CriticalMinutes: 15, HighMinutes: 30, MediumMinutes: 60}

// Classify maps minutes remaining to a severity. Anything at or beyond
// the medium cut-off is low and left alone by the SLA check.
func (t Thresholds) Classify(remainingMinutes float64) model.Severity {
	switch {
	case remainingMinutes < t.CriticalMinutes:
		return model.SeverityCritical
	case remainingMinutes < t.HighMinutes:
		return model.SeverityHigh
	case remainingMinutes < t.MediumMinutes:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}
