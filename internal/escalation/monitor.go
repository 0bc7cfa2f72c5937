// Package escalation sweeps open orders and drivers for delivery problems
// and applies severity-appropriate remedies, once per dedup cooldown.
package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ppiankov/dispatchwatch/internal/alert"
	"github.com/ppiankov/dispatchwatch/internal/approval"
	"github.com/ppiankov/dispatchwatch/internal/audit"
	"github.com/ppiankov/dispatchwatch/internal/decision"
	"github.com/ppiankov/dispatchwatch/internal/dedup"
	"github.com/ppiankov/dispatchwatch/internal/dispatch"
	"github.com/ppiankov/dispatchwatch/internal/keylock"
	"github.com/ppiankov/dispatchwatch/internal/model"
	"github.com/ppiankov/dispatchwatch/internal/notify"
	"github.com/ppiankov/dispatchwatch/internal/policy"
	"github.com/ppiankov/dispatchwatch/internal/routing"
	"github.com/ppiankov/dispatchwatch/internal/store"
	"github.com/ppiankov/dispatchwatch/internal/telemetry"
)

// Requester identifies the monitor in gate decisions and audit entries.
const Requester = "escalation_monitor"

// Dispatcher is the part of the dispatch engine the monitor drives.
type Dispatcher interface {
	Dispatch(ctx context.Context, orderID string) (dispatch.Result, error)
	Reassign(ctx context.Context, orderID, driverID string) error
}

// Tickets looks up approval tickets opened on the monitor's behalf. The
// gate consumes them when it authorizes.
type Tickets interface {
	Get(id string) (*approval.Ticket, error)
}

// Config holds monitor tunables.
type Config struct {
	Interval           time.Duration
	Thresholds         Thresholds
	StallWindow        time.Duration
	UnresponsiveWindow time.Duration
	// MinSavingMinutes is the ETA gain that makes a faster driver worth
	// a reassignment.
	MinSavingMinutes float64
	Eligibility      model.Eligibility
	HistorySize      int
}

func DefaultConfig() Config {
	return Config{
		Interval:           60 * time.Second,
		Thresholds:         DefaultThresholds,
		StallWindow:        30 * time.Minute,
		UnresponsiveWindow: 15 * time.Minute,
		MinSavingMinutes:   10,
		Eligibility:        model.DefaultEligibility,
		HistorySize:        DefaultHistorySize,
	}
}

// Monitor runs the four escalation checks on a ticker.
type Monitor struct {
	cfg        Config
	store      store.Store
	gate       policy.Authorizer
	dispatcher Dispatcher
	dedup      dedup.Cache
	emergency  decision.EmergencyDecider
	recovery   decision.RecoveryDecider
	router     routing.Router
	notifier   notify.Notifier
	alerts     alert.Raiser
	tickets    Tickets
	locks      *keylock.Map
	sink       audit.Sink
	metrics    *telemetry.Metrics
	logger     *slog.Logger
	now        func() time.Time

	history *history

	mu sync.Mutex
	// pending maps order id to an open cancel_order ticket.
	pending map[string]string
	// dispatching holds orders whose negotiation was started by a sweep
	// and has not finished.
	dispatching map[string]bool
	inflight    sync.WaitGroup
}

// Option configures a Monitor.
type Option func(*Monitor)

func WithConfig(c Config) Option { return func(m *Monitor) { m.cfg = c } }
func WithDedup(c dedup.Cache) Option { return func(m *Monitor) { m.dedup = c } }
func WithEmergencyDecider(d decision.EmergencyDecider) Option { return func(m *Monitor) { m.emergency = d } }
func WithRecoveryDecider(d decision.RecoveryDecider) Option { return func(m *Monitor) { m.recovery = d } }
func WithRouter(r routing.Router) Option { return func(m *Monitor) { m.router = r } }
func WithNotifier(n notify.Notifier) Option { return func(m *Monitor) { m.notifier = n } }
func WithAlerts(a alert.Raiser) Option { return func(m *Monitor) { m.alerts = a } }
func WithTickets(t Tickets) Option { return func(m *Monitor) { m.tickets = t } }
func WithLocks(l *keylock.Map) Option { return func(m *Monitor) { m.locks = l } }
func WithAudit(s audit.Sink) Option { return func(m *Monitor) { m.sink = s } }
func WithMetrics(mt *telemetry.Metrics) Option { return func(m *Monitor) { m.metrics = mt } }
func WithLogger(l *slog.Logger) Option { return func(m *Monitor) { m.logger = l } }
func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }

// New builds a monitor. Deciders default to decision.DefaultRules, the
// router to straight-line ETAs over st.
func New(st store.Store, gate policy.Authorizer, d Dispatcher, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:        DefaultConfig(),
		store:      st,
		gate:       gate,
		dispatcher: d,
		emergency:  decision.DefaultRules,
		recovery:   decision.DefaultRules,
		notifier:   notify.Log{},
		locks:      keylock.New(),
		sink:       audit.Discard{},
		logger:     slog.Default(),
		now:        time.Now,
		pending:    make(map[string]string),

		dispatching: make(map[string]bool),
	}
	for _, o := range opts {
		o(m)
	}
	if m.dedup == nil {
		m.dedup = dedup.NewMemory(dedup.DefaultCooldown, dedup.DefaultRetention)
	}
	if m.router == nil {
		m.router = routing.NewHaversine(st, routing.FallbackSpeedKmh)
	}
	if m.cfg.HistorySize <= 0 {
		m.cfg.HistorySize = DefaultHistorySize
	}
	m.history = &history{size: m.cfg.HistorySize}
	return m
}

// Run sweeps every interval until ctx is done, then waits for the
// negotiations its sweeps started. A slow sweep delays the next tick
// rather than overlapping it.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	defer m.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep purges stale dedup keys and runs every check once. A failing or
// panicking check is logged and does not stop the others.
func (m *Monitor) Sweep(ctx context.Context) {
	if n, err := m.dedup.Purge(ctx, m.now()); err != nil {
		m.logger.Warn("dedup purge failed", "error", err)
	} else if n > 0 {
		m.logger.Debug("dedup purged", "keys", n)
	}

	checks := []struct {
		name string
		fn   func(context.Context) error
	}{
		{ProblemSLARisk, m.checkSLARisk},
		{ProblemStuck, m.checkStuckOrders},
		{ProblemUnresponsive, m.checkUnresponsiveDrivers},
		{ProblemFailed, m.checkFailedDeliveries},
	}
	for _, c := range checks {
		if err := m.safely(ctx, c.fn); err != nil {
			m.logger.Error("escalation check failed", "check", c.name, "error", err)
		}
	}
}

// Wait blocks until every negotiation started by Sweep has finished and
// its record is written.
func (m *Monitor) Wait() {
	m.inflight.Wait()
}

func (m *Monitor) safely(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Recent returns the last n escalation records, oldest first.
func (m *Monitor) Recent(n int) []Record {
	return m.history.recent(n)
}

// Statistics counts every retained record.
func (m *Monitor) Statistics() Stats {
	return aggregate(m.history.recent(0))
}

func (m *Monitor) checkSLARisk(ctx context.Context) error {
	orders, err := store.ActiveOrders(ctx, m.store)
	if err != nil {
		return fmt.Errorf("load active orders: %w: %w", model.ErrCollaboratorUnavailable, err)
	}
	now := m.now()
	for _, o := range orders {
		sev := m.cfg.Thresholds.Classify(o.RemainingMinutes(now))
		if sev == model.SeverityLow {
			continue
		}
		// Negotiations in flight are the dispatch engine's to finish.
		if !o.Assigned() && o.Status == model.OrderOffered {
			continue
		}
		if !m.acquire(ctx, ProblemSLARisk, o.ID, sev) {
			continue
		}
		m.remedySLARisk(ctx, o, sev)
	}
	return nil
}

func (m *Monitor) checkStuckOrders(ctx context.Context) error {
	orders, err := store.ActiveOrders(ctx, m.store)
	if err != nil {
		return fmt.Errorf("load active orders: %w: %w", model.ErrCollaboratorUnavailable, err)
	}
	now := m.now()
	for _, o := range orders {
		if o.Status == model.OrderOffered || o.StalledFor(now) < m.cfg.StallWindow {
			continue
		}
		sev := m.cfg.Thresholds.Classify(o.RemainingMinutes(now))
		if !m.acquire(ctx, ProblemStuck, o.ID, sev) {
			continue
		}
		m.remedyStuck(ctx, o, sev)
	}
	return nil
}

func (m *Monitor) checkUnresponsiveDrivers(ctx context.Context) error {
	drivers, err := m.store.ListDrivers(ctx)
	if err != nil {
		return fmt.Errorf("list drivers: %w: %w", model.ErrCollaboratorUnavailable, err)
	}
	now := m.now()
	for _, d := range drivers {
		if d.Status == model.DriverOffline || d.ActiveOrders == 0 {
			continue
		}
		if !d.LastLocationAt.IsZero() && silence(d, nil, now) < m.cfg.UnresponsiveWindow {
			continue
		}
		orders, err := store.OrdersForDriver(ctx, m.store, d.ID)
		if err != nil {
			m.logger.Warn("load driver orders failed", "driver_id", d.ID, "error", err)
			continue
		}
		if len(orders) == 0 {
			continue
		}
		if silence(d, orders, now) < m.cfg.UnresponsiveWindow {
			continue
		}
		sev := model.SeverityLow
		for _, o := range orders {
			sev = sev.Max(m.cfg.Thresholds.Classify(o.RemainingMinutes(now)))
		}
		if !m.acquire(ctx, ProblemUnresponsive, d.ID, sev) {
			continue
		}
		m.remedyUnresponsive(ctx, d, orders, sev)
	}
	return nil
}

// silence is how long the driver has gone without a location update. A
// driver that never reported one is measured from when it took on the
// oldest of orders.
func silence(d model.Driver, orders []model.Order, now time.Time) time.Duration {
	if !d.LastLocationAt.IsZero() || len(orders) == 0 {
		return d.SilentFor(now)
	}
	var since time.Time
	for _, o := range orders {
		t := o.StatusChangedAt
		if t.IsZero() {
			t = o.CreatedAt
		}
		if since.IsZero() || t.Before(since) {
			since = t
		}
	}
	return now.Sub(since)
}

func (m *Monitor) checkFailedDeliveries(ctx context.Context) error {
	orders, err := m.store.FindOrders(ctx, store.OrderFilter{Statuses: []model.OrderStatus{model.OrderFailed}})
	if err != nil {
		return fmt.Errorf("load failed orders: %w: %w", model.ErrCollaboratorUnavailable, err)
	}
	now := m.now()
	for _, o := range orders {
		sev := m.cfg.Thresholds.Classify(o.RemainingMinutes(now))
		if !m.acquire(ctx, ProblemFailed, o.ID, sev) {
			continue
		}
		m.remedyFailed(ctx, o, sev)
	}
	return nil
}

// acquire stamps the dedup key and reports whether the caller should act.
// A cache error fails open so a broken shared cache never hides problems.
func (m *Monitor) acquire(ctx context.Context, problem, entity string, sev model.Severity) bool {
	ok, err := m.dedup.TryAcquire(ctx, dedup.Key{Problem: problem, EntityID: entity, Severity: sev}, m.now())
	if err != nil {
		m.logger.Warn("dedup unavailable, acting anyway", "problem", problem, "entity", entity, "error", err)
		return true
	}
	return ok
}

func (m *Monitor) record(ctx context.Context, r Record) {
	r.Key = dedup.Key{Problem: r.Problem, EntityID: entityOf(r), Severity: r.Severity}.String()
	r.Timestamp = m.now()
	m.history.add(r)
	m.metrics.Escalation(ctx, r.Problem, string(r.Severity))

	level := slog.LevelInfo
	if !r.Success {
		level = slog.LevelWarn
	}
	m.logger.Log(ctx, level, "escalation",
		"problem", r.Problem,
		"severity", r.Severity,
		"order_id", r.OrderID,
		"driver_id", r.DriverID,
		"action", r.Action,
		"reasoning", r.Reasoning,
		"error", r.Error,
	)

	if err := m.sink.Record(audit.Entry{
		Timestamp: r.Timestamp.UTC().Format(audit.TimestampFormat),
		Kind:      audit.KindEscalation,
		Action:    r.Action,
		Requester: Requester,
		OrderID:   r.OrderID,
		DriverID:  r.DriverID,
		Decision:  r.Problem,
		Severity:  string(r.Severity),
		Reason:    r.Reasoning,
		Success:   audit.Bool(r.Success),
		TicketID:  r.TicketID,
	}); err != nil {
		m.logger.Warn("audit write failed", "problem", r.Problem, "error", err)
	}
}

func entityOf(r Record) string {
	if r.Problem == ProblemUnresponsive {
		return r.DriverID
	}
	return r.OrderID
}
