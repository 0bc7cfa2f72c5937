package escalation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ppiankov/dispatchwatch/internal/alert"
	"github.com/ppiankov/dispatchwatch/internal/approval"
	"github.com/ppiankov/dispatchwatch/internal/decision"
	"github.com/ppiankov/dispatchwatch/internal/dispatch"
	"github.com/ppiankov/dispatchwatch/internal/model"
	"github.com/ppiankov/dispatchwatch/internal/policy"
	"github.com/ppiankov/dispatchwatch/internal/routing"
)

// alternative is a candidate replacement driver with both ETAs in minutes.
type alternative struct {
	driver     model.Driver
	etaMin     float64
	currentMin float64
}

func (a alternative) saving() float64 { return a.currentMin - a.etaMin }

func (m *Monitor) remedySLARisk(ctx context.Context, o model.Order, sev model.Severity) {
	rem := o.RemainingMinutes(m.now())
	rec := Record{Problem: ProblemSLARisk, Severity: sev, OrderID: o.ID, DriverID: o.DriverID}

	if sev == model.SeverityMedium {
		rec.Action = ActionMonitoringAlert
		rec.Reasoning = fmt.Sprintf("%.0f min to deadline", rem)
		m.finish(ctx, &rec, m.monitoringAlert(ctx, o, sev, rec.Reasoning))
		return
	}
	if !o.Assigned() {
		m.dispatchNow(ctx, ProblemSLARisk, o, sev, fmt.Sprintf("unassigned with %.0f min to deadline", rem))
		return
	}

	alt, found := m.fasterDriver(ctx, o)

	if sev == model.SeverityHigh {
		if found && alt.saving() > m.cfg.MinSavingMinutes {
			reason := fmt.Sprintf("%s saves %.0f min with %.0f min left", alt.driver.ID, alt.saving(), rem)
			err := m.reassignFaster(ctx, o, alt)
			if err == nil {
				rec.Action, rec.Reasoning, rec.DriverID = ActionReassign, reason, alt.driver.ID
				m.finish(ctx, &rec, nil)
				return
			}
			m.escalate(ctx, &rec, o, sev, fmt.Sprintf("%s; reassignment failed: %v", reason, err))
			return
		}
		m.escalate(ctx, &rec, o, sev, fmt.Sprintf("no driver saves more than %.0f min with %.0f min left", m.cfg.MinSavingMinutes, rem))
		return
	}

	s := m.situation(ctx, ProblemSLARisk, o, sev)
	if found {
		s.AlternativeDriverID = alt.driver.ID
		s.SavingMinutes = alt.saving()
		s.ETAMinutes = alt.currentMin
	}
	choice, err := m.emergency.DecideEmergency(ctx, s)
	if err != nil || choice.Action == "" {
		choice = decision.Choice[decision.EmergencyAction]{
			Action:    decision.EscalateDispatch,
			Reasoning: fmt.Sprintf("fallback: %v", errors.Join(model.ErrRecoveryUnavailable, err)),
		}
	}

	switch choice.Action {
	case decision.ReassignFaster:
		if !found {
			m.escalate(ctx, &rec, o, sev, choice.Reasoning+"; no alternative driver")
			return
		}
		if err := m.reassignFaster(ctx, o, alt); err != nil {
			m.escalate(ctx, &rec, o, sev, fmt.Sprintf("%s; reassignment failed: %v", choice.Reasoning, err))
			return
		}
		rec.Action, rec.Reasoning, rec.DriverID = ActionReassign, choice.Reasoning, alt.driver.ID
		m.finish(ctx, &rec, nil)
	case decision.ContactCustomer:
		rec.Action, rec.Reasoning = ActionContactCustomer, choice.Reasoning
		msg := fmt.Sprintf("Your delivery %s is running late. We are working on it.", o.ID)
		m.finish(ctx, &rec, m.contactCustomer(ctx, o, msg))
	case decision.KeepCurrent:
		rec.Action, rec.Reasoning = ActionKeepCurrent, choice.Reasoning
		m.finish(ctx, &rec, nil)
	default:
		m.escalate(ctx, &rec, o, sev, choice.Reasoning)
	}
}

func (m *Monitor) remedyStuck(ctx context.Context, o model.Order, sev model.Severity) {
	stalled := o.StalledFor(m.now()).Minutes()
	if !o.Assigned() {
		m.dispatchNow(ctx, ProblemStuck, o, sev, fmt.Sprintf("no driver after %.0f min", stalled))
		return
	}
	d, err := m.store.GetDriver(ctx, o.DriverID)
	if err != nil {
		rec := Record{Problem: ProblemStuck, Severity: sev, OrderID: o.ID, DriverID: o.DriverID}
		m.escalate(ctx, &rec, o, sev, fmt.Sprintf("stalled %.0f min, driver lookup failed: %v", stalled, err))
		return
	}
	m.recover(ctx, ProblemStuck, o, d, sev)
}

// recover asks the recovery decider whether to move an order away from
// its driver or hand it to a dispatcher.
func (m *Monitor) recover(ctx context.Context, problem string, o model.Order, d model.Driver, sev model.Severity) {
	rec := Record{Problem: problem, Severity: sev, OrderID: o.ID, DriverID: d.ID}

	s := m.situation(ctx, problem, o, sev)
	if d.ID != "" {
		s.DriverSilentMinutes = silence(d, []model.Order{o}, m.now()).Minutes()
	}
	choice, err := m.recovery.DecideRecovery(ctx, s)
	if err != nil || choice.Action == "" {
		choice = decision.Choice[decision.RecoveryAction]{
			Action:    decision.RecoverAlertDispatch,
			Reasoning: fmt.Sprintf("fallback: %v", errors.Join(model.ErrRecoveryUnavailable, err)),
		}
	}

	if choice.Action != decision.RecoverReassign {
		m.escalate(ctx, &rec, o, sev, choice.Reasoning)
		return
	}
	params := model.Params{"order_id": o.ID, "driver_id": d.ID, "reason": choice.Reasoning}
	if dec := m.gate.Check(ctx, policy.ActionReassignUnresponsive, params, Requester); !dec.Allowed {
		m.escalate(ctx, &rec, o, sev, fmt.Sprintf("%s; %s", choice.Reasoning, dec.Reason))
		return
	}
	start := time.Now()
	target, err := m.moveOrder(ctx, o)
	m.gate.RecordExecution(ctx, policy.ActionReassignUnresponsive, params, outcome(start, err), Requester)

	rec.Action, rec.Reasoning = ActionReassign, choice.Reasoning
	if target == "" && err == nil {
		rec.Action = ActionReturnToPool
	}
	m.finish(ctx, &rec, err)
}

func (m *Monitor) remedyUnresponsive(ctx context.Context, d model.Driver, orders []model.Order, sev model.Severity) {
	silent := silence(d, orders, m.now()).Minutes()
	if len(orders) < 2 {
		m.recover(ctx, ProblemUnresponsive, orders[0], d, sev)
		return
	}

	rec := Record{
		Problem:   ProblemUnresponsive,
		Severity:  sev,
		DriverID:  d.ID,
		Action:    ActionReassignAll,
		Reasoning: fmt.Sprintf("silent %.0f min holding %d orders", silent, len(orders)),
	}
	params := model.Params{"driver_id": d.ID, "order_count": len(orders), "reason": rec.Reasoning}
	if dec := m.gate.Check(ctx, policy.ActionReassignUnresponsive, params, Requester); !dec.Allowed {
		m.finish(ctx, &rec, dec.Err)
		return
	}

	start := time.Now()
	// Offline first so no new work lands on the driver while orders move.
	unlock := m.locks.Lock(d.ID)
	err := m.store.SetDriverStatus(ctx, d.ID, model.DriverOffline)
	unlock()

	var errs []error
	if err != nil {
		errs = append(errs, fmt.Errorf("mark %s offline: %w", d.ID, err))
	}
	moved := make([]string, 0, len(orders))
	for _, o := range orders {
		target, err := m.moveOrder(ctx, o)
		if err != nil {
			errs = append(errs, fmt.Errorf("order %s: %w", o.ID, err))
			continue
		}
		if target == "" {
			target = "pool"
		}
		moved = append(moved, o.ID+"->"+target)
	}
	err = errors.Join(errs...)
	m.gate.RecordExecution(ctx, policy.ActionReassignUnresponsive, params, outcome(start, err), Requester)

	if len(moved) > 0 {
		rec.Reasoning += "; moved " + strings.Join(moved, ", ")
	}
	m.finish(ctx, &rec, err)
}

func (m *Monitor) remedyFailed(ctx context.Context, o model.Order, sev model.Severity) {
	rec := Record{Problem: ProblemFailed, Severity: sev, OrderID: o.ID, DriverID: o.DriverID}

	choice, err := m.recovery.DecideFailure(ctx, m.situation(ctx, ProblemFailed, o, sev))
	if err != nil || choice.Action == "" {
		choice = decision.Choice[decision.FailureStrategy]{
			Action:    decision.FailureEscalate,
			Reasoning: fmt.Sprintf("fallback: %v", errors.Join(model.ErrRecoveryUnavailable, err)),
		}
	}
	rec.Reasoning = choice.Reasoning

	switch choice.Action {
	case decision.RetryNow:
		rec.Action = ActionRetryNow
		if err := m.retry(ctx, o); err != nil {
			m.finish(ctx, &rec, err)
			return
		}
		started := m.negotiate(ctx, o.ID, func(res dispatch.Result, err error) {
			switch {
			case errors.Is(err, dispatch.ErrInFlight):
				// Back in the pool and already under negotiation.
				err = nil
			case err == nil && res.DriverID == "":
				err = fmt.Errorf("order %s: %s", o.ID, res.Outcome)
			}
			m.finish(ctx, &rec, err)
		})
		if !started {
			m.finish(ctx, &rec, nil)
		}
	case decision.ScheduleRetry:
		rec.Action = ActionScheduleRetry
		err := m.retry(ctx, o)
		if err == nil {
			msg := fmt.Sprintf("We missed you with delivery %s and will try again shortly.", o.ID)
			err = m.contactCustomer(ctx, o, msg)
		}
		m.finish(ctx, &rec, err)
	case decision.FailureContact:
		rec.Action = ActionContactCustomer
		msg := fmt.Sprintf("Delivery attempt %d for %s failed. Please confirm you are available.", o.FailedAttempts, o.ID)
		m.finish(ctx, &rec, m.contactCustomer(ctx, o, msg))
	case decision.ReturnToSender:
		m.returnToSender(ctx, &rec, o, sev)
	default:
		m.escalate(ctx, &rec, o, sev, choice.Reasoning)
	}
}

// retry returns a failed order to the unassigned pool.
func (m *Monitor) retry(ctx context.Context, o model.Order) error {
	params := model.Params{"order_id": o.ID, "driver_id": o.DriverID, "failed_attempts": o.FailedAttempts}
	if d := m.gate.Check(ctx, policy.ActionRetryDelivery, params, Requester); !d.Allowed {
		return d.Err
	}
	start := time.Now()
	err := m.store.UnassignOrder(ctx, o.ID)
	m.gate.RecordExecution(ctx, policy.ActionRetryDelivery, params, outcome(start, err), Requester)
	return err
}

// returnToSender cancels the order once a human approves. The first pass
// opens a ticket; later passes wait on it and act once it is approved.
func (m *Monitor) returnToSender(ctx context.Context, rec *Record, o model.Order, sev model.Severity) {
	params := model.Params{
		"order_id":        o.ID,
		"failed_attempts": o.FailedAttempts,
		"reason":          fmt.Sprintf("return %s to sender: %s", o.ID, rec.Reasoning),
	}

	m.mu.Lock()
	ticketID := m.pending[o.ID]
	m.mu.Unlock()

	if ticketID != "" && m.tickets != nil {
		t, err := m.tickets.Get(ticketID)
		switch {
		case err != nil:
			m.forget(o.ID)
		case t.Status == approval.StatusPending:
			rec.Action, rec.TicketID = ActionAwaitApproval, ticketID
			m.finish(ctx, rec, nil)
			return
		case t.Status == approval.StatusApproved:
			params[policy.TicketParam] = ticketID
		default:
			m.forget(o.ID)
			m.escalate(ctx, rec, o, sev, fmt.Sprintf("return to sender %s by %s", t.Status, t.Resolver))
			return
		}
	}

	d := m.gate.Check(ctx, policy.ActionCancelOrder, params, Requester)
	if !d.Allowed {
		rec.Action, rec.TicketID = ActionAwaitApproval, d.TicketID
		if d.TicketID == "" {
			m.finish(ctx, rec, d.Err)
			return
		}
		m.mu.Lock()
		m.pending[o.ID] = d.TicketID
		m.mu.Unlock()
		m.raise(ctx, alert.AlertEvent{
			Type:     alert.TypeApprovalRequired,
			Severity: sev,
			OrderID:  o.ID,
			Action:   string(policy.ActionCancelOrder),
			Reason:   d.Reason,
			TicketID: d.TicketID,
		})
		m.finish(ctx, rec, nil)
		return
	}

	start := time.Now()
	err := m.store.UpdateStatus(ctx, o.ID, model.OrderCancelled)
	m.gate.RecordExecution(ctx, policy.ActionCancelOrder, params, outcome(start, err), Requester)
	m.forget(o.ID)
	rec.Action, rec.TicketID = ActionReturnToSender, d.TicketID
	m.finish(ctx, rec, err)
}

func (m *Monitor) forget(orderID string) {
	m.mu.Lock()
	delete(m.pending, orderID)
	m.mu.Unlock()
}

// dispatchNow hands an unassigned order to the dispatch engine without
// holding up the sweep; each negotiation runs on its own and records its
// outcome when it ends. An order already negotiating is left alone.
func (m *Monitor) dispatchNow(ctx context.Context, problem string, o model.Order, sev model.Severity, reason string) {
	m.negotiate(ctx, o.ID, func(res dispatch.Result, err error) {
		if errors.Is(err, dispatch.ErrInFlight) {
			// The engine's own sweep is already negotiating this order.
			return
		}
		rec := Record{Problem: problem, Severity: sev, OrderID: o.ID, Action: ActionDispatch, Reasoning: reason}
		if err == nil && res.DriverID == "" {
			err = fmt.Errorf("dispatch ended %s", res.Outcome)
		}
		rec.DriverID = res.DriverID
		if res.Outcome != "" {
			rec.Reasoning += "; " + string(res.Outcome)
		}
		m.finish(ctx, &rec, err)
	})
}

// negotiate runs a dispatch for id in the background and hands the result
// to done. It reports false without dispatching when the monitor already
// has a negotiation open for id. Wait blocks until every done has run.
func (m *Monitor) negotiate(ctx context.Context, id string, done func(dispatch.Result, error)) bool {
	m.mu.Lock()
	if m.dispatching[id] {
		m.mu.Unlock()
		return false
	}
	m.dispatching[id] = true
	m.mu.Unlock()

	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()
		defer func() {
			m.mu.Lock()
			delete(m.dispatching, id)
			m.mu.Unlock()
		}()
		done(m.dispatcher.Dispatch(ctx, id))
	}()
	return true
}

// escalate hands the problem to a human: a supervisor when the gate
// allows it, the dispatch team otherwise.
func (m *Monitor) escalate(ctx context.Context, rec *Record, o model.Order, sev model.Severity, reason string) {
	params := model.Params{
		"order_id":        o.ID,
		"driver_id":       o.DriverID,
		"severity":        string(sev),
		"failed_attempts": o.FailedAttempts,
		"reason":          reason,
	}
	rec.Reasoning = reason
	rec.Action = ActionEscalateDispatch
	typ := alert.TypeEscalation

	d := m.gate.Check(ctx, policy.ActionEscalateToSupervisor, params, Requester)
	if d.Allowed {
		rec.Action, typ = ActionSupervisor, alert.TypeSupervisor
	}
	m.raise(ctx, alert.AlertEvent{
		Type:     typ,
		Severity: sev,
		OrderID:  o.ID,
		DriverID: rec.DriverID,
		Action:   rec.Action,
		Reason:   reason,
	})
	if d.Allowed {
		m.gate.RecordExecution(ctx, policy.ActionEscalateToSupervisor, params, policy.Outcome{Success: true}, Requester)
	}
	m.finish(ctx, rec, nil)
}

func (m *Monitor) monitoringAlert(ctx context.Context, o model.Order, sev model.Severity, reason string) error {
	params := model.Params{"order_id": o.ID, "driver_id": o.DriverID, "severity": string(sev)}
	if d := m.gate.Check(ctx, policy.ActionLogMonitoringAlert, params, Requester); !d.Allowed {
		return d.Err
	}
	m.raise(ctx, alert.AlertEvent{
		Type:     alert.TypeMonitoring,
		Severity: sev,
		OrderID:  o.ID,
		DriverID: o.DriverID,
		Action:   ActionMonitoringAlert,
		Reason:   reason,
	})
	m.gate.RecordExecution(ctx, policy.ActionLogMonitoringAlert, params, policy.Outcome{Success: true}, Requester)
	return nil
}

func (m *Monitor) contactCustomer(ctx context.Context, o model.Order, msg string) error {
	params := model.Params{"order_id": o.ID, "message": msg}
	if d := m.gate.Check(ctx, policy.ActionNotifyCustomerDelay, params, Requester); !d.Allowed {
		return d.Err
	}
	start := time.Now()
	err := m.notifier.NotifyCustomer(ctx, o.ID, msg)
	if err != nil {
		err = fmt.Errorf("notify customer: %w: %w", model.ErrCollaboratorUnavailable, err)
	}
	m.gate.RecordExecution(ctx, policy.ActionNotifyCustomerDelay, params, outcome(start, err), Requester)
	return err
}

// reassignFaster moves o to alt through the conditional reassign_order rule.
func (m *Monitor) reassignFaster(ctx context.Context, o model.Order, alt alternative) error {
	params := model.Params{
		"order_id":          o.ID,
		"driver_id":         alt.driver.ID,
		"current_driver_id": o.DriverID,
		"sla_percent_used":  o.SLAUsedFraction(m.now()),
		"proposed_driver":   map[string]any{"status": string(alt.driver.Status), "eta": alt.etaMin},
		"current_driver":    map[string]any{"eta": alt.currentMin},
	}
	if d := m.gate.Check(ctx, policy.ActionReassignOrder, params, Requester); !d.Allowed {
		return d.Err
	}
	start := time.Now()
	err := m.dispatcher.Reassign(ctx, o.ID, alt.driver.ID)
	m.gate.RecordExecution(ctx, policy.ActionReassignOrder, params, outcome(start, err), Requester)
	return err
}

// moveOrder reassigns o to the best-scored other driver, or returns it to
// the unassigned pool when nobody can take it. The target is empty in the
// latter case.
func (m *Monitor) moveOrder(ctx context.Context, o model.Order) (string, error) {
	drivers, err := m.store.FindEligibleDrivers(ctx, o, m.cfg.Eligibility)
	if err != nil {
		m.logger.Warn("find replacement drivers failed", "order_id", o.ID, "error", err)
	}
	others := drivers[:0]
	for _, d := range drivers {
		if d.ID != o.DriverID {
			others = append(others, d)
		}
	}
	for _, c := range dispatch.Rank(others, o, dispatch.DefaultWeights) {
		if err := m.dispatcher.Reassign(ctx, o.ID, c.Driver.ID); err == nil {
			return c.Driver.ID, nil
		}
	}
	if err := m.store.UnassignOrder(ctx, o.ID); err != nil {
		return "", fmt.Errorf("return %s to pool: %w", o.ID, err)
	}
	return "", nil
}

// fasterDriver finds the eligible driver with the lowest ETA for o. Orders
// already picked up cannot change hands.
func (m *Monitor) fasterDriver(ctx context.Context, o model.Order) (alternative, bool) {
	if !o.Assigned() || o.Status == model.OrderPickedUp || o.Status == model.OrderOutForDelivery {
		return alternative{}, false
	}
	cur, err := m.etaMinutes(ctx, o.DriverID, o)
	if err != nil {
		m.logger.Warn("current eta unavailable", "order_id", o.ID, "driver_id", o.DriverID, "error", err)
		return alternative{}, false
	}
	drivers, err := m.store.FindEligibleDrivers(ctx, o, m.cfg.Eligibility)
	if err != nil {
		m.logger.Warn("find alternative drivers failed", "order_id", o.ID, "error", err)
		return alternative{}, false
	}

	best := alternative{currentMin: cur, etaMin: math.Inf(1)}
	found := false
	for _, d := range drivers {
		if d.ID == o.DriverID {
			continue
		}
		eta, err := m.etaMinutes(ctx, d.ID, o)
		if err != nil || eta >= best.etaMin {
			continue
		}
		best.driver, best.etaMin, found = d, eta, true
	}
	return best, found
}

// etaMinutes estimates when driverID would complete o: straight to the
// dropoff once picked up, via the pickup otherwise.
func (m *Monitor) etaMinutes(ctx context.Context, driverID string, o model.Order) (float64, error) {
	if o.Status == model.OrderPickedUp || o.Status == model.OrderOutForDelivery {
		d, err := m.router.EstimateETA(ctx, driverID, o.Dropoff)
		return d.Minutes(), err
	}
	d, err := m.router.EstimateETA(ctx, driverID, o.Pickup)
	if err != nil {
		return 0, err
	}
	leg := routing.TravelTime(o.Pickup.DistanceKm(o.Dropoff), routing.FallbackSpeedKmh)
	return (d + leg).Minutes(), nil
}

func (m *Monitor) situation(ctx context.Context, problem string, o model.Order, sev model.Severity) decision.Situation {
	now := m.now()
	s := decision.Situation{
		Problem:          problem,
		Severity:         sev,
		OrderID:          o.ID,
		DriverID:         o.DriverID,
		OrderStatus:      string(o.Status),
		MinutesRemaining: o.RemainingMinutes(now),
		StalledMinutes:   o.StalledFor(now).Minutes(),
		FailedAttempts:   o.FailedAttempts,
	}
	if o.Assigned() {
		if eta, err := m.etaMinutes(ctx, o.DriverID, o); err == nil {
			s.ETAMinutes = eta
		}
	}
	return s
}

func (m *Monitor) raise(ctx context.Context, e alert.AlertEvent) {
	if m.alerts == nil {
		m.logger.Warn("escalation alert", "type", e.Type, "severity", e.Severity, "order_id", e.OrderID, "reason", e.Reason)
		return
	}
	m.alerts.Raise(ctx, e)
}

// finish stamps the outcome on rec and records it.
func (m *Monitor) finish(ctx context.Context, rec *Record, err error) {
	rec.Success = err == nil
	if err != nil {
		rec.Error = err.Error()
	}
	m.record(ctx, *rec)
}

func outcome(start time.Time, err error) policy.Outcome {
	out := policy.Outcome{Success: err == nil, Duration: time.Since(start)}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}
