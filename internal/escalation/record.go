package escalation

import (
	"sync"
	"time"

	"github.com/ppiankov/dispatchwatch/internal/model"
)

// Problem types detected by the sweep.
const (
	ProblemSLARisk      = "sla_risk"
	ProblemStuck        = "stuck_order"
	ProblemUnresponsive = "unresponsive_driver"
	ProblemFailed       = "failed_delivery"
)

// Remedy actions recorded on escalation records.
const (
	ActionReassign         = "reassign"
	ActionReassignAll      = "reassign_all"
	ActionReturnToPool     = "return_to_pool"
	ActionEscalateDispatch = "escalate_dispatch"
	ActionSupervisor       = "escalate_supervisor"
	ActionContactCustomer  = "contact_customer"
	ActionKeepCurrent      = "keep_current"
	ActionMonitoringAlert  = "monitoring_alert"
	ActionDispatch         = "dispatch"
	ActionRetryNow         = "retry_now"
	ActionScheduleRetry    = "schedule_retry"
	ActionReturnToSender   = "return_to_sender"
	ActionAwaitApproval    = "await_approval"
)

// DefaultHistorySize bounds the in-memory record window.
const DefaultHistorySize = 1000

// Record ties one detected problem to the remedy taken.
type Record struct {
	Key       string         `json:"key"`
	Problem   string         `json:"problem"`
	Severity  model.Severity `json:"severity"`
	OrderID   string         `json:"order_id,omitempty"`
	DriverID  string         `json:"driver_id,omitempty"`
	Action    string         `json:"action"`
	Reasoning string         `json:"reasoning"`
	Success   bool           `json:"success"`
	Error     string         `json:"error,omitempty"`
	TicketID  string         `json:"ticket_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Stats counts records by severity, action and problem.
type Stats struct {
	Total      int            `json:"total"`
	Succeeded  int            `json:"succeeded"`
	BySeverity map[string]int `json:"by_severity"`
	ByAction   map[string]int `json:"by_action"`
	ByProblem  map[string]int `json:"by_problem"`
}

type history struct {
	mu   sync.Mutex
	size int
	recs []Record
}

func (h *history) add(r Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recs = append(h.recs, r)
	if len(h.recs) > h.size {
		h.recs = append([]Record(nil), h.recs[len(h.recs)-h.size:]...)
	}
}

func (h *history) recent(n int) []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= 0 || n > len(h.recs) {
		n = len(h.recs)
	}
	return append([]Record(nil), h.recs[len(h.recs)-n:]...)
}

func aggregate(recs []Record) Stats {
	s := Stats{
		BySeverity: make(map[string]int),
		ByAction:   make(map[string]int),
		ByProblem:  make(map[string]int),
	}
	for _, r := range recs {
		s.Total++
		if r.Success {
			s.Succeeded++
		}
		s.BySeverity[string(r.Severity)]++
		s.ByAction[r.Action]++
		s.ByProblem[r.Problem]++
	}
	return s
}
