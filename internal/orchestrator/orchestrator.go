// Package orchestrator runs the fleet-wide control loop: gather monitoring
// facets, analyse the situation, plan a short list of actions, push each
// through the authorization gate and learn from what ran.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ppiankov/dispatchwatch/internal/alert"
	"github.com/ppiankov/dispatchwatch/internal/escalation"
	"github.com/ppiankov/dispatchwatch/internal/model"
	"github.com/ppiankov/dispatchwatch/internal/policy"
	"github.com/ppiankov/dispatchwatch/internal/telemetry"
)

// Requester identifies the orchestrator in gate decisions.
const Requester = "orchestrator"

// Config holds orchestrator tunables.
type Config struct {
	Interval time.Duration
	// ConfidenceThreshold is the minimum confidence for autonomous execution.
	ConfidenceThreshold float64
	Thresholds          Thresholds
	Limits              PlanLimits
	LearningWindow      int
}

func DefaultConfig() Config {
	return Config{
		Interval:            60 * time.Second,
		ConfidenceThreshold: 0.75,
		Thresholds:          DefaultThresholds,
		Limits:              DefaultPlanLimits,
		LearningWindow:      DefaultLearningWindow,
	}
}

// Report is the result of one cycle.
type Report struct {
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`
	Situation Situation     `json:"situation"`
	Plan      []PlanItem    `json:"plan"`
}

// Count returns how many plan items ended in status.
func (r Report) Count(status Status) int {
	n := 0
	for _, it := range r.Plan {
		if it.Status == status {
			n++
		}
	}
	return n
}

// Orchestrator is the autonomous control loop.
type Orchestrator struct {
	cfg      Config
	sources  Sources
	gate     policy.Authorizer
	handlers map[policy.ActionType]Handler
	learner  *Learner
	alerts   alert.Raiser
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	now      func() time.Time

	cycle sync.Mutex
	// notified holds breached orders whose supervisor and customer items
	// already ran. Guarded by cycle.
	notified map[string]bool

	mu   sync.RWMutex
	last *Report
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithConfig(c Config) Option { return func(o *Orchestrator) { o.cfg = c } }
func WithAlerts(a alert.Raiser) Option { return func(o *Orchestrator) { o.alerts = a } }
func WithMetrics(m *telemetry.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }
func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// WithHandlers adds handlers, replacing any registered for the same action.
func WithHandlers(hs map[policy.ActionType]Handler) Option {
	return func(o *Orchestrator) {
		for a, h := range hs {
			o.handlers[a] = h
		}
	}
}

func New(src Sources, gate policy.Authorizer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:      DefaultConfig(),
		sources:  src,
		gate:     gate,
		handlers: make(map[policy.ActionType]Handler),
		notified: make(map[string]bool),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.learner = NewLearner(o.cfg.LearningWindow)
	return o
}

// Register installs the handler for action.
func (o *Orchestrator) Register(action policy.ActionType, h Handler) {
	o.cycle.Lock()
	defer o.cycle.Unlock()
	o.handlers[action] = h
}

// Run executes a cycle every interval until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r := o.RunCycle(ctx)
			o.logger.Info("orchestration cycle",
				"level", r.Situation.Level,
				"planned", len(r.Plan),
				"executed", r.Count(StatusExecuted),
				"failed", r.Count(StatusFailed),
				"escalated", r.Count(StatusEscalated),
				"duration", r.Duration,
			)
		}
	}
}

// RunCycle gathers, analyses, plans, executes and learns once. Cycles
// never overlap.
func (o *Orchestrator) RunCycle(ctx context.Context) Report {
	o.cycle.Lock()
	defer o.cycle.Unlock()

	start := o.now()
	facets := gather(ctx, o.sources, o.logger)
	sit := Analyze(facets, o.cfg.Thresholds)
	fresh := o.freshBreaches(&sit.Facets)
	plan := BuildPlan(sit, o.cfg.Limits)
	for i := range plan {
		o.execute(ctx, sit.Level, &plan[i])
	}
	o.rememberBreaches(facets.SLA, fresh, plan)

	r := Report{Started: start, Duration: o.now().Sub(start), Situation: sit, Plan: plan}
	o.metrics.Cycle(ctx, string(sit.Level), r.Duration)

	o.mu.Lock()
	o.last = &r
	o.mu.Unlock()
	return r
}

// freshBreaches narrows the plan's breached orders to those not yet
// handled. The situation keeps its level and counts.
func (o *Orchestrator) freshBreaches(f *Facets) []string {
	if f.SLA == nil {
		return nil
	}
	sla := *f.SLA
	var fresh []string
	for _, id := range sla.BreachedOrderIDs {
		if !o.notified[id] {
			fresh = append(fresh, id)
		}
	}
	sla.BreachedOrderIDs = fresh
	f.SLA = &sla
	return fresh
}

// rememberBreaches forgets orders that are no longer breached and records
// the fresh ones unless a breach item failed, so they retry next cycle.
func (o *Orchestrator) rememberBreaches(sla *escalation.SLAStatus, fresh []string, plan []PlanItem) {
	if sla == nil {
		return
	}
	current := make(map[string]bool, len(sla.BreachedOrderIDs))
	for _, id := range sla.BreachedOrderIDs {
		current[id] = true
	}
	for id := range o.notified {
		if !current[id] {
			delete(o.notified, id)
		}
	}
	for _, it := range plan {
		if (it.Action == policy.ActionEscalateToSupervisor || it.Action == policy.ActionBulkNotify) &&
			it.Status == StatusFailed {
			return
		}
	}
	for _, id := range fresh {
		o.notified[id] = true
	}
}

// execute runs one item to a terminal status. A panicking handler fails
// its item only.
func (o *Orchestrator) execute(ctx context.Context, level Level, it *PlanItem) {
	if it.Confidence < o.cfg.ConfidenceThreshold {
		it.Status = StatusSkipped
		it.Error = fmt.Sprintf("confidence %.2f below %.2f", it.Confidence, o.cfg.ConfidenceThreshold)
		return
	}

	d := o.gate.Check(ctx, it.Action, it.Context, Requester)
	if !d.Allowed {
		it.Error = d.Reason
		if d.RequiresApproval {
			it.Status = StatusEscalated
			it.TicketID = d.TicketID
			o.raise(ctx, alert.AlertEvent{
				Type:     alert.TypeApprovalRequired,
				Severity: model.SeverityHigh,
				Action:   string(it.Action),
				Reason:   d.Reason,
				TicketID: d.TicketID,
			})
			return
		}
		it.Status = StatusDenied
		return
	}

	h, ok := o.handlers[it.Action]
	if !ok {
		it.Status = StatusFailed
		it.Error = fmt.Sprintf("no handler for %s", it.Action)
		return
	}

	start := o.now()
	err := o.handle(ctx, h, *it)
	dur := o.now().Sub(start)

	out := policy.Outcome{Success: err == nil, Duration: dur}
	if err != nil {
		out.Error = err.Error()
		it.Status = StatusFailed
		it.Error = err.Error()
		o.logger.Warn("plan item failed", "action", it.Action, "error", err)
	} else {
		it.Status = StatusExecuted
	}
	o.gate.RecordExecution(ctx, it.Action, it.Context, out, Requester)
	o.learner.Record(Outcome{
		Timestamp:  start,
		Action:     it.Action,
		Level:      level,
		Confidence: it.Confidence,
		Success:    err == nil,
		Duration:   dur,
	})
}

func (o *Orchestrator) handle(ctx context.Context, h Handler, it PlanItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, it)
}

func (o *Orchestrator) raise(ctx context.Context, ev alert.AlertEvent) {
	if o.alerts == nil {
		o.logger.Warn("alert", "type", ev.Type, "action", ev.Action, "reason", ev.Reason)
		return
	}
	o.alerts.Raise(ctx, ev)
}

// Last returns the most recent cycle report.
func (o *Orchestrator) Last() (Report, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.last == nil {
		return Report{}, false
	}
	return *o.last, true
}

// Insights summarizes the learning window by action.
func (o *Orchestrator) Insights() map[policy.ActionType]Insight {
	return o.learner.Insights()
}
