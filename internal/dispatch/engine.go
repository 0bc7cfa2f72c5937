// Package dispatch matches unassigned orders to drivers: filter eligible
// drivers, score them, offer the order to the best few one at a time, and
// force-assign when everybody declines.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ppiankov/dispatchwatch/internal/alert"
	"github.com/ppiankov/dispatchwatch/internal/audit"
	"github.com/ppiankov/dispatchwatch/internal/dedup"
	"github.com/ppiankov/dispatchwatch/internal/keylock"
	"github.com/ppiankov/dispatchwatch/internal/model"
	"github.com/ppiankov/dispatchwatch/internal/notify"
	"github.com/ppiankov/dispatchwatch/internal/policy"
	"github.com/ppiankov/dispatchwatch/internal/routing"
	"github.com/ppiankov/dispatchwatch/internal/store"
	"github.com/ppiankov/dispatchwatch/internal/telemetry"
)

// Requester identifies the engine in gate decisions and audit entries.
const Requester = "dispatch_engine"

// ProblemNoDriver keys no-driver alerts in the dedup cache.
const ProblemNoDriver = "no_driver"

var (
	ErrInFlight        = errors.New("dispatch already in progress")
	ErrNotDispatchable = errors.New("order not dispatchable")
	ErrAlreadyAssigned = errors.New("order already assigned")
)

// Outcome is how a dispatch attempt ended.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeForced   Outcome = "forced"
	OutcomeAlerted  Outcome = "alerted"
)

// Result describes a finished dispatch attempt.
type Result struct {
	OrderID  string    `json:"order_id"`
	DriverID string    `json:"driver_id,omitempty"`
	Outcome  Outcome   `json:"outcome"`
	Score    Breakdown `json:"score"`
	Offers   int       `json:"offers"`
}

// Config holds engine tunables.
type Config struct {
	OfferTTL        time.Duration
	PollInterval    time.Duration
	Interval        time.Duration
	MaxOffers       int
	BatchSize       int
	CriticalMinutes float64
	Eligibility     model.Eligibility
	Weights         Weights
}

func DefaultConfig() Config {
	return Config{
		OfferTTL:        30 * time.Second,
		PollInterval:    2 * time.Second,
		Interval:        15 * time.Second,
		MaxOffers:       3,
		BatchSize:       50,
		CriticalMinutes: 15,
		Eligibility:     model.DefaultEligibility,
		Weights:         DefaultWeights,
	}
}

// Engine runs offer negotiations. Each order negotiates in its own
// goroutine; assignment writes are serialized per driver.
type Engine struct {
	cfg      Config
	store    store.Store
	gate     policy.Authorizer
	notifier notify.Notifier
	router   routing.Router
	alerts   alert.Raiser
	dedup    dedup.Cache
	locks    *keylock.Map
	board    *Board
	sink     audit.Sink
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

// Option configures an Engine.
type Option func(*Engine)

func WithConfig(c Config) Option { return func(e *Engine) { e.cfg = c } }
func WithNotifier(n notify.Notifier) Option { return func(e *Engine) { e.notifier = n } }
func WithRouter(r routing.Router) Option { return func(e *Engine) { e.router = r } }
func WithAlerts(a alert.Raiser) Option { return func(e *Engine) { e.alerts = a } }
// WithDedup shares a cooldown cache so a pending order that keeps failing
// to find a driver alerts once per cooldown, not once per sweep.
func WithDedup(c dedup.Cache) Option { return func(e *Engine) { e.dedup = c } }
func WithLocks(l *keylock.Map) Option { return func(e *Engine) { e.locks = l } }
func WithAudit(s audit.Sink) Option { return func(e *Engine) { e.sink = s } }
func WithMetrics(m *telemetry.Metrics) Option { return func(e *Engine) { e.metrics = m } }
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func NewEngine(st store.Store, gate policy.Authorizer, opts ...Option) *Engine {
	e := &Engine{
		cfg:      DefaultConfig(),
		store:    st,
		gate:     gate,
		notifier: notify.Log{},
		dedup:    dedup.NewMemory(dedup.DefaultCooldown, dedup.DefaultRetention),
		locks:    keylock.New(),
		board:    NewBoard(nil),
		sink:     audit.Discard{},
		logger:   slog.Default(),
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	if e.cfg.MaxOffers <= 0 {
		e.cfg.MaxOffers = 1
	}
	return e
}

// Board exposes live offers for operator surfaces.
func (e *Engine) Board() *Board { return e.board }

// Respond feeds a driver's answer into the order's live offer.
func (e *Engine) Respond(orderID, driverID string, accept bool) error {
	return e.board.Respond(orderID, driverID, accept)
}

// Run dispatches unassigned orders every interval until ctx is done, then
// waits for in-flight negotiations.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	e.sweep(ctx, &wg)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.sweep(ctx, &wg)
		}
	}
}

func (e *Engine) sweep(ctx context.Context, wg *sync.WaitGroup) {
	if _, err := e.dedup.Purge(ctx, e.now()); err != nil {
		e.logger.Warn("dedup purge failed", "error", err)
	}
	orders, err := e.store.FindUnassignedOrders(ctx, store.OrderFilter{Limit: e.cfg.BatchSize})
	if err != nil {
		e.logger.Error("dispatch sweep failed", "error", err)
		return
	}
	for _, o := range orders {
		if e.busy(o.ID) {
			continue
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			res, err := e.Dispatch(ctx, id)
			switch {
			case errors.Is(err, ErrInFlight), errors.Is(err, context.Canceled):
			case err != nil:
				e.logger.Warn("dispatch failed", "order_id", id, "error", err)
			default:
				e.logger.Info("dispatch finished", "order_id", id, "driver_id", res.DriverID, "outcome", res.Outcome)
			}
		}(o.ID)
	}
}

// Dispatch negotiates one order to completion: accepted, forced or
// alerted. NoEligibleDriver is returned as an error after raising an alert.
func (e *Engine) Dispatch(ctx context.Context, orderID string) (Result, error) {
	if !e.claim(orderID) {
		return Result{}, fmt.Errorf("order %s: %w", orderID, ErrInFlight)
	}
	defer e.release(orderID)

	start := time.Now()
	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return Result{}, err
	}
	if o.Assigned() || (o.Status != model.OrderPending && o.Status != model.OrderOffered) {
		return Result{}, fmt.Errorf("order %s is %s: %w", o.ID, o.Status, ErrNotDispatchable)
	}

	params := model.Params{"order_id": o.ID, "zone": o.Zone}
	if d := e.gate.Check(ctx, policy.ActionDispatchOrder, params, Requester); !d.Allowed {
		return Result{}, fmt.Errorf("dispatch %s: %s: %w", o.ID, d.Reason, d.Err)
	}

	res, err := e.negotiate(ctx, o)
	out := policy.Outcome{Success: err == nil && res.Outcome != OutcomeAlerted, Duration: time.Since(start)}
	if err != nil {
		out.Error = err.Error()
	}
	e.gate.RecordExecution(ctx, policy.ActionDispatchOrder, params, out, Requester)
	return res, err
}

func (e *Engine) negotiate(ctx context.Context, o model.Order) (res Result, err error) {
	res = Result{OrderID: o.ID}

	drivers, err := e.store.FindEligibleDrivers(ctx, o, e.cfg.Eligibility)
	if err != nil {
		return res, fmt.Errorf("find drivers for %s: %w: %w", o.ID, model.ErrCollaboratorUnavailable, err)
	}
	if len(drivers) == 0 {
		e.raiseNoDriver(ctx, o, "no eligible driver within radius")
		res.Outcome = OutcomeAlerted
		return res, fmt.Errorf("order %s: %w", o.ID, model.ErrNoEligibleDriver)
	}

	ranked := Rank(drivers, o, e.cfg.Weights)
	top := ranked[:min(e.cfg.MaxOffers, len(ranked))]

	if err := e.store.UpdateStatus(ctx, o.ID, model.OrderOffered); err != nil {
		return res, fmt.Errorf("mark %s offered: %w", o.ID, err)
	}
	settled := false
	defer func() {
		if !settled {
			e.revert(o.ID)
		}
	}()

	for _, c := range top {
		res.Offers++
		resp := e.offer(ctx, o, c)
		e.metrics.Offer(ctx, string(resp))
		if resp != ResponseAccepted {
			e.logger.Info("offer not accepted", "order_id", o.ID, "driver_id", c.Driver.ID, "response", resp)
			continue
		}
		err := e.assign(ctx, o.ID, c.Driver.ID)
		if errors.Is(err, ErrAlreadyAssigned) {
			settled = true
			return res, err
		}
		if err != nil {
			e.logger.Warn("accepted offer could not be honoured", "order_id", o.ID, "driver_id", c.Driver.ID, "error", err)
			continue
		}
		settled = true
		res.DriverID, res.Score, res.Outcome = c.Driver.ID, c.Score, OutcomeAccepted
		e.assigned(ctx, o, res)
		return res, nil
	}

	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	e.logger.Info("offers exhausted", "order_id", o.ID, "offers", res.Offers, "error", model.ErrNegotiationExhausted)

	if rem := o.RemainingMinutes(e.now()); rem <= e.cfg.CriticalMinutes {
		e.raiseNoDriver(ctx, o, fmt.Sprintf("%d offers declined with %.0f min to deadline", res.Offers, rem))
		res.Outcome = OutcomeAlerted
		return res, nil
	}

	// Forced: best candidate first, falling back down the ranking when a
	// driver stopped being eligible during negotiation.
	for _, c := range ranked {
		err := e.assign(ctx, o.ID, c.Driver.ID)
		if errors.Is(err, ErrAlreadyAssigned) {
			settled = true
			return res, err
		}
		if err != nil {
			continue
		}
		settled = true
		res.DriverID, res.Score, res.Outcome = c.Driver.ID, c.Score, OutcomeForced
		e.assigned(ctx, o, res)
		return res, nil
	}

	e.raiseNoDriver(ctx, o, "no candidate still eligible for forced assignment")
	res.Outcome = OutcomeAlerted
	return res, fmt.Errorf("order %s: %w", o.ID, model.ErrNoEligibleDriver)
}

// offer opens a live offer for c, notifies the driver and waits for an
// answer or expiry.
func (e *Engine) offer(ctx context.Context, o model.Order, c Candidate) Response {
	params := model.Params{"order_id": o.ID, "driver_id": c.Driver.ID, "score": c.Score.Total}
	if d := e.gate.Check(ctx, policy.ActionSendOffer, params, Requester); !d.Allowed {
		return ResponseRejected
	}

	e.board.Open(o.ID, c.Driver.ID, e.cfg.OfferTTL)
	defer e.board.Clear(o.ID)

	if err := e.notifier.SendOfferNotification(ctx, c.Driver.ID, o.ID); err != nil {
		e.logger.Warn("offer notification failed", "order_id", o.ID, "driver_id", c.Driver.ID, "error", err)
		return ResponseRejected
	}
	return e.await(ctx, o.ID)
}

func (e *Engine) await(ctx context.Context, orderID string) Response {
	expiry := time.NewTimer(e.cfg.OfferTTL)
	defer expiry.Stop()
	poll := time.NewTicker(e.cfg.PollInterval)
	defer poll.Stop()

	for {
		if r, ok := e.board.Status(orderID); !ok || r != ResponsePending {
			if !ok {
				return ResponseExpired
			}
			return r
		}
		select {
		case <-ctx.Done():
			return ResponseExpired
		case <-expiry.C:
			if r, _ := e.board.Status(orderID); r == ResponseAccepted {
				return r
			}
			return ResponseExpired
		case <-poll.C:
		}
	}
}

// Reassign moves orderID to driverID after re-validating both under the
// driver's lock. Used by the escalation monitor and orchestrator.
func (e *Engine) Reassign(ctx context.Context, orderID, driverID string) error {
	unlock := e.locks.Lock(driverID)
	defer unlock()

	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if o.DriverID == driverID {
		return fmt.Errorf("order %s already with %s: %w", orderID, driverID, ErrAlreadyAssigned)
	}
	d, err := e.store.GetDriver(ctx, driverID)
	if err != nil {
		return err
	}
	if !e.cfg.Eligibility.Admits(d, o) {
		return fmt.Errorf("driver %s: %w", driverID, model.ErrNoEligibleDriver)
	}
	return e.store.AssignDriver(ctx, orderID, driverID)
}

// Eligibility returns the configured hard filters.
func (e *Engine) Eligibility() model.Eligibility { return e.cfg.Eligibility }

func (e *Engine) assign(ctx context.Context, orderID, driverID string) error {
	unlock := e.locks.Lock(driverID)
	defer unlock()

	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Assigned() {
		return fmt.Errorf("order %s: %w", orderID, ErrAlreadyAssigned)
	}
	d, err := e.store.GetDriver(ctx, driverID)
	if err != nil {
		return err
	}
	if !e.cfg.Eligibility.Admits(d, o) {
		return fmt.Errorf("driver %s: %w", driverID, model.ErrNoEligibleDriver)
	}
	return e.store.AssignDriver(ctx, orderID, driverID)
}

func (e *Engine) assigned(ctx context.Context, o model.Order, res Result) {
	e.metrics.Assignment(ctx, string(res.Outcome))
	e.logger.Info("order assigned",
		"order_id", o.ID,
		"driver_id", res.DriverID,
		"outcome", res.Outcome,
		"offers", res.Offers,
		"score", res.Score.String(),
	)
	if err := e.sink.Record(audit.Entry{
		Timestamp: e.now().UTC().Format(audit.TimestampFormat),
		Kind:      audit.KindAssignment,
		Action:    string(policy.ActionDispatchOrder),
		Requester: Requester,
		OrderID:   o.ID,
		DriverID:  res.DriverID,
		Decision:  string(res.Outcome),
		Reason:    res.Score.String(),
	}); err != nil {
		e.logger.Warn("audit write failed", "order_id", o.ID, "error", err)
	}

	if e.router == nil {
		return
	}
	params := model.Params{"order_id": o.ID, "driver_id": res.DriverID}
	if d := e.gate.Check(ctx, policy.ActionOptimizeRoute, params, Requester); !d.Allowed {
		return
	}
	start := time.Now()
	route, err := e.router.OptimizeRoute(ctx, res.DriverID)
	out := policy.Outcome{Success: err == nil, Duration: time.Since(start)}
	if err != nil {
		out.Error = err.Error()
		e.logger.Warn("route optimization failed", "driver_id", res.DriverID, "error", err)
	} else {
		e.logger.Debug("route optimized", "driver_id", res.DriverID, "stops", len(route.OrderIDs), "distance_km", route.DistanceKm)
	}
	e.gate.RecordExecution(ctx, policy.ActionOptimizeRoute, params, out, Requester)
}

func (e *Engine) raiseNoDriver(ctx context.Context, o model.Order, reason string) {
	if e.alerts == nil {
		e.logger.Warn("no driver available", "order_id", o.ID, "reason", reason)
		return
	}
	sev := model.SeverityHigh
	if o.RemainingMinutes(e.now()) <= e.cfg.CriticalMinutes {
		sev = model.SeverityCritical
	}
	ok, err := e.dedup.TryAcquire(ctx, dedup.Key{Problem: ProblemNoDriver, EntityID: o.ID, Severity: sev}, e.now())
	if err != nil {
		e.logger.Warn("dedup unavailable, alerting anyway", "order_id", o.ID, "error", err)
	} else if !ok {
		e.logger.Debug("no-driver alert suppressed", "order_id", o.ID, "reason", reason)
		return
	}
	e.alerts.Raise(ctx, alert.AlertEvent{
		Type:     alert.TypeNoDriverAvailable,
		Severity: sev,
		OrderID:  o.ID,
		Action:   string(policy.ActionDispatchOrder),
		Reason:   reason,
	})
}

// revert returns an unassigned offered order to pending. Uses a fresh
// context so cancellation does not strand the order in offered.
func (e *Engine) revert(orderID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil || o.Assigned() || o.Status != model.OrderOffered {
		return
	}
	if err := e.store.UpdateStatus(ctx, orderID, model.OrderPending); err != nil {
		e.logger.Warn("revert to pending failed", "order_id", orderID, "error", err)
	}
}

func (e *Engine) claim(orderID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.inflight[orderID]; ok {
		return false
	}
	e.inflight[orderID] = struct{}{}
	return true
}

func (e *Engine) release(orderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, orderID)
}

func (e *Engine) busy(orderID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[orderID]
	return ok
}
