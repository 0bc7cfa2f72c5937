package model

// Severity classifies how urgently a delivery problem needs a response.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityRank maps severity to a comparable integer for monotonic escalation.
var SeverityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return SeverityRank[s] >= SeverityRank[other]
}

// Max returns the more severe of s and other.
func (s Severity) Max(other Severity) Severity {
	if other.AtLeast(s) {
		return other
	}
	return s
}
