package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// Filter selects entries for Tail.
type Filter struct {
	Kind    string
	OrderID string
	From    time.Time // zero value = no lower bound
}

func (f Filter) match(e Entry) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.OrderID != "" && e.OrderID != f.OrderID {
		return false
	}
	if !f.From.IsZero() {
		ts, err := time.Parse(TimestampFormat, e.Timestamp)
		if err != nil || ts.Before(f.From) {
			return false
		}
	}
	return true
}

// Tail returns the last n entries matching filter, oldest first.
// n <= 0 returns every match.
func Tail(path string, filter Filter, n int) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var out []Entry
	err = scanLines(f, func(_ int, line []byte) error {
		var e Entry
		if json.Unmarshal(line, &e) != nil || !filter.match(e) {
			return nil // malformed lines are skipped
		}
		out = append(out, e)
		if n > 0 && len(out) > n {
			out = out[1:]
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}
	return out, nil
}

// FormatLine renders one entry as a fixed-width text row.
func FormatLine(e Entry) string {
	ts := e.Timestamp
	if t, err := time.Parse(TimestampFormat, e.Timestamp); err == nil {
		ts = t.Format("15:04:05")
	}
	outcome := strings.ToUpper(e.Decision)
	if e.Success != nil {
		outcome = "OK"
		if !*e.Success {
			outcome = "FAILED"
		}
	}
	subject := e.OrderID
	if subject == "" {
		subject = e.DriverID
	}
	return fmt.Sprintf("%-9s %-11s %-24s %-10s %-9s %-14s %s",
		ts, e.Kind, truncate(e.Action, 24), outcome, e.Severity, truncate(subject, 14), e.Reason)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
