package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ppiankov/dispatchwatch/internal/approval"
	"github.com/ppiankov/dispatchwatch/internal/audit"
	"github.com/ppiankov/dispatchwatch/internal/model"
	"github.com/ppiankov/dispatchwatch/internal/telemetry"
)

// TicketParam is the context key that carries an approved ticket id.
const TicketParam = "approval_ticket"

// Approvals is the ticket store the gate consults for tier-3 actions.
type Approvals interface {
	Request(action, requester, reason string, ctx model.Params) (*approval.Ticket, error)
	Get(id string) (*approval.Ticket, error)
	Consume(id string) error
}

// Authorizer is the gate as seen by the engines. *Gate implements it.
type Authorizer interface {
	Check(ctx context.Context, action ActionType, params model.Params, requester string) Decision
	RecordExecution(ctx context.Context, action ActionType, params model.Params, out Outcome, requester string)
}

// Decision is the outcome of an authorization check.
type Decision struct {
	Action           ActionType   `json:"action"`
	Allowed          bool         `json:"allowed"`
	Tier             Tier         `json:"tier"`
	Reason           string       `json:"reason"`
	Constraints      []Constraint `json:"constraints,omitempty"`
	RequiresApproval bool         `json:"requires_approval,omitempty"`
	TicketID         string       `json:"ticket_id,omitempty"`

	// Err classifies a denial (model.ErrUnknownAction, ErrValidationDenied,
	// ErrApprovalRequired). Nil when allowed.
	Err error `json:"-"`
}

// Outcome is the result of running an allowed action.
type Outcome struct {
	Success  bool
	Duration time.Duration
	Error    string
}

// Gate decides whether an action may run unattended.
type Gate struct {
	mu         sync.RWMutex
	cfg        *Config
	class      *Classification
	validators map[ActionType]Validator

	approvals Approvals
	history   *History
	sink      audit.Sink
	metrics   *telemetry.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithAudit mirrors decisions and executions into sink.
func WithAudit(sink audit.Sink) Option {
	return func(g *Gate) { g.sink = sink }
}

// WithMetrics records decision counters.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithHistorySize sets the execution ring capacity.
func WithHistorySize(n int) Option {
	return func(g *Gate) { g.history = NewHistory(n) }
}

// WithValidator registers or replaces the validator for action.
func WithValidator(action ActionType, v Validator) Option {
	return func(g *Gate) { g.validators[action] = v }
}

// NewGate builds a gate from cfg. A nil cfg uses DefaultConfig.
func NewGate(cfg *Config, approvals Approvals, opts ...Option) (*Gate, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	class, err := cfg.Classification()
	if err != nil {
		return nil, fmt.Errorf("invalid policy config: %w", err)
	}
	g := &Gate{
		cfg:        cfg,
		class:      class,
		validators: DefaultValidators(),
		approvals:  approvals,
		history:    NewHistory(DefaultHistorySize),
		sink:       audit.Discard{},
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g, nil
}

// Reload swaps in a new policy. In-flight checks finish on the old one.
func (g *Gate) Reload(cfg *Config) error {
	class, err := cfg.Classification()
	if err != nil {
		return fmt.Errorf("invalid policy config: %w", err)
	}
	g.mu.Lock()
	g.cfg = cfg
	g.class = class
	g.mu.Unlock()
	g.logger.Info("policy reloaded")
	return nil
}

// Tier returns the configured tier of action.
func (g *Gate) Tier(action ActionType) Tier {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.class.Tier(action)
}

// Check authorizes action with params on behalf of requester.
func (g *Gate) Check(ctx context.Context, action ActionType, params model.Params, requester string) Decision {
	g.mu.RLock()
	tier := g.class.Tier(action)
	th := g.cfg.Thresholds
	g.mu.RUnlock()

	d := Decision{Action: action, Tier: tier}

	switch tier {
	case TierAlwaysAllowed:
		d.Allowed = true
		d.Reason = fmt.Sprintf("%s is always allowed", action)

	case TierConditionallyAllowed:
		v, ok := g.validators[action]
		if !ok {
			d.Reason = fmt.Sprintf("%s has no registered validator", action)
			d.Err = fmt.Errorf("%s: %w", d.Reason, model.ErrValidationDenied)
			break
		}
		verdict := v(params, th)
		d.Allowed = verdict.Allowed
		d.Reason = verdict.Reason
		d.Constraints = verdict.Constraints
		if !d.Allowed {
			d.Err = fmt.Errorf("%s: %w", d.Reason, model.ErrValidationDenied)
		}

	case TierRequiresApproval:
		g.checkApproval(action, params, requester, &d)

	default:
		d.Reason = fmt.Sprintf("unknown action %q", action)
		d.Err = fmt.Errorf("%s: %w", action, model.ErrUnknownAction)
	}

	g.logger.Debug("authorization decision",
		"action", action,
		"tier", tier.String(),
		"allowed", d.Allowed,
		"requester", requester,
		"reason", d.Reason,
	)
	g.metrics.Decision(ctx, string(action), tier.String(), d.Allowed)
	g.record(audit.Entry{
		Kind:      audit.KindDecision,
		Action:    string(action),
		Requester: requester,
		OrderID:   paramString(params, "order_id"),
		DriverID:  paramString(params, "driver_id"),
		Decision:  decisionLabel(d),
		Tier:      tier.String(),
		Reason:    d.Reason,
		TicketID:  d.TicketID,
	})
	return d
}

// checkApproval allows a tier-3 action only with an approved ticket for the
// same action and subject, consuming the ticket so it authorizes once.
// Anything else opens a new pending ticket.
func (g *Gate) checkApproval(action ActionType, params model.Params, requester string, d *Decision) {
	d.RequiresApproval = true
	if g.approvals == nil {
		d.Reason = fmt.Sprintf("%s requires approval but no approval store is configured", action)
		d.Err = fmt.Errorf("%s: %w", action, model.ErrApprovalRequired)
		return
	}

	var refused string
	if id, ok := params.String(TicketParam); ok && id != "" {
		t, err := g.approvals.Get(id)
		switch {
		case err != nil:
			refused = fmt.Sprintf("ticket %s not found", id)
		case t.Action != string(action):
			refused = fmt.Sprintf("ticket %s is for %s", id, t.Action)
		case t.Status != approval.StatusApproved:
			refused = fmt.Sprintf("ticket %s is %s", id, t.Status)
		default:
			if field, ok := subjectMismatch(t.Context, params); ok {
				refused = fmt.Sprintf("ticket %s was approved for a different %s", id, field)
				break
			}
			if err := g.approvals.Consume(id); err != nil {
				refused = fmt.Sprintf("ticket %s: %v", id, err)
				break
			}
			d.Allowed = true
			d.RequiresApproval = false
			d.TicketID = id
			d.Reason = fmt.Sprintf("%s approved by %s", action, t.Resolver)
			return
		}
		g.logger.Warn("approval ticket refused", "action", action, "ticket_id", id, "reason", refused)
	}

	t, err := g.approvals.Request(string(action), requester, paramString(params, "reason"), params.Without(TicketParam))
	if err != nil {
		d.Reason = fmt.Sprintf("%s requires approval and ticket creation failed: %v", action, err)
		d.Err = fmt.Errorf("%s: %w", action, model.ErrApprovalRequired)
		return
	}
	d.TicketID = t.ID
	d.Reason = fmt.Sprintf("%s requires human approval (ticket %s)", action, t.ID)
	if refused != "" {
		d.Reason += "; " + refused
	}
	d.Err = fmt.Errorf("%s: %w", action, model.ErrApprovalRequired)
}

// subjectFields identify what a ticket was approved for.
var subjectFields = []string{"order_id", "driver_id"}

// subjectMismatch reports the first subject field whose value differs
// between the approved ticket and the request. A field absent from both
// matches; present on only one side does not.
func subjectMismatch(approved, requested model.Params) (string, bool) {
	for _, f := range subjectFields {
		a, aok := approved.String(f)
		r, rok := requested.String(f)
		if aok != rok || a != r {
			return f, true
		}
	}
	return "", false
}

// RecordExecution appends an execution record and mirrors it to the audit sink.
func (g *Gate) RecordExecution(ctx context.Context, action ActionType, params model.Params, out Outcome, requester string) {
	tier := g.Tier(action)
	g.history.Append(ExecutionRecord{
		Timestamp: g.now(),
		Action:    action,
		Requester: requester,
		Tier:      tier,
		Success:   out.Success,
		Duration:  out.Duration,
		Error:     out.Error,
		Context:   params.Clone(),
	})
	g.metrics.Execution(ctx, string(action), out.Success, out.Duration)
	g.record(audit.Entry{
		Kind:       audit.KindExecution,
		Action:     string(action),
		Requester:  requester,
		OrderID:    paramString(params, "order_id"),
		DriverID:   paramString(params, "driver_id"),
		Tier:       tier.String(),
		Reason:     out.Error,
		Success:    audit.Bool(out.Success),
		DurationMS: out.Duration.Milliseconds(),
	})
}

// Statistics aggregates executions over a trailing window such as "24h",
// "7d" or "2w". Malformed windows fall back to 24h.
func (g *Gate) Statistics(window string) Stats {
	since := g.now().Add(-ParseWindow(window))
	return Aggregate(g.history.Since(since), window, since)
}

// History exposes the execution ring.
func (g *Gate) History() *History {
	return g.history
}

func (g *Gate) record(e audit.Entry) {
	if err := g.sink.Record(e); err != nil {
		g.logger.Warn("audit write failed", "action", e.Action, "error", err)
	}
}

func decisionLabel(d Decision) string {
	switch {
	case d.Allowed:
		return "allow"
	case d.RequiresApproval:
		return "require_approval"
	default:
		return "deny"
	}
}

func paramString(p model.Params, key string) string {
	s, _ := p.String(key)
	return s
}
