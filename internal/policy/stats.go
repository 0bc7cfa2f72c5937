package policy

import (
	"regexp"
	"strconv"
	"time"
)

// DefaultWindow is used when a window string cannot be parsed.
const DefaultWindow = 24 * time.Hour

var windowPattern = regexp.MustCompile(`^(\d+)([mhdw])$`)

// ParseWindow parses "30m", "24h", "7d", "2w". Malformed input yields 24h.
func ParseWindow(s string) time.Duration {
	m := windowPattern.FindStringSubmatch(s)
	if m == nil {
		return DefaultWindow
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return DefaultWindow
	}
	unit := map[string]time.Duration{
		"m": time.Minute,
		"h": time.Hour,
		"d": 24 * time.Hour,
		"w": 7 * 24 * time.Hour,
	}[m[2]]
	return time.Duration(n) * unit
}

// Stats aggregates execution records over a trailing window.
type Stats struct {
	Window      string         `json:"window"`
	Since       time.Time      `json:"since"`
	Total       int            `json:"total"`
	Succeeded   int            `json:"succeeded"`
	Failed      int            `json:"failed"`
	SuccessRate float64        `json:"success_rate"`
	ByTier      map[string]int `json:"by_tier"`
	ByRequester map[string]int `json:"by_requester"`
	ByAction    map[string]int `json:"by_action"`
}

// Aggregate computes Stats for records at or after since.
func Aggregate(records []ExecutionRecord, window string, since time.Time) Stats {
	s := Stats{
		Window:      window,
		Since:       since,
		ByTier:      make(map[string]int),
		ByRequester: make(map[string]int),
		ByAction:    make(map[string]int),
	}
	for _, r := range records {
		if r.Timestamp.Before(since) {
			continue
		}
		s.Total++
		if r.Success {
			s.Succeeded++
		} else {
			s.Failed++
		}
		s.ByTier[TierLabel(r.Tier)]++
		s.ByRequester[r.Requester]++
		s.ByAction[string(r.Action)]++
	}
	if s.Total > 0 {
		s.SuccessRate = float64(s.Succeeded) / float64(s.Total)
	}
	return s
}
