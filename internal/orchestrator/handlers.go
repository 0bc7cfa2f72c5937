package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ppiankov/dispatchwatch/internal/alert"
	"github.com/ppiankov/dispatchwatch/internal/keylock"
	"github.com/ppiankov/dispatchwatch/internal/model"
	"github.com/ppiankov/dispatchwatch/internal/notify"
	"github.com/ppiankov/dispatchwatch/internal/policy"
	"github.com/ppiankov/dispatchwatch/internal/routing"
	"github.com/ppiankov/dispatchwatch/internal/store"
)

// Handler carries out one allowed plan item.
type Handler interface {
	Handle(ctx context.Context, item PlanItem) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, item PlanItem) error

func (f HandlerFunc) Handle(ctx context.Context, item PlanItem) error { return f(ctx, item) }

// Fleet holds the collaborators the built-in handlers act through. Locks
// must be the map shared with the dispatch engine so driver changes
// serialize with assignments.
type Fleet struct {
	Store    store.Store
	Router   routing.Router
	Notifier notify.Notifier
	Alerts   alert.Raiser
	Locks    *keylock.Map
	Logger   *slog.Logger
}

// Handlers returns the built-in handler registry.
func (f Fleet) Handlers() map[policy.ActionType]Handler {
	if f.Locks == nil {
		f.Locks = keylock.New()
	}
	if f.Logger == nil {
		f.Logger = slog.Default()
	}
	return map[policy.ActionType]Handler{
		policy.ActionEscalateToSupervisor: HandlerFunc(f.escalate),
		policy.ActionBulkNotify:           HandlerFunc(f.notifyLate),
		policy.ActionOptimizeRoute:        HandlerFunc(f.optimizeRoutes),
		policy.ActionRerouteDriver:        HandlerFunc(f.optimizeRoutes),
		policy.ActionRebalanceFleet:       HandlerFunc(f.reposition),
		policy.ActionPrepositionDrivers:   HandlerFunc(f.reposition),
	}
}

func (f Fleet) escalate(ctx context.Context, item PlanItem) error {
	if f.Alerts == nil {
		f.Logger.Warn("supervisor escalation", "reason", item.Reason, "orders", len(item.Targets.OrderIDs))
		return nil
	}
	f.Alerts.Raise(ctx, alert.AlertEvent{
		Type:     alert.TypeSupervisor,
		Severity: model.SeverityCritical,
		Action:   string(item.Action),
		Reason:   fmt.Sprintf("%s: %d orders", item.Reason, len(item.Targets.OrderIDs)),
	})
	return nil
}

func (f Fleet) notifyLate(ctx context.Context, item PlanItem) error {
	if f.Notifier == nil {
		return fmt.Errorf("%w: no notifier", model.ErrCollaboratorUnavailable)
	}
	var errs []error
	for _, id := range item.Targets.OrderIDs {
		if err := f.Notifier.NotifyCustomer(ctx, id, "We're sorry, your delivery is running late. A dispatcher is on it."); err != nil {
			errs = append(errs, fmt.Errorf("order %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// optimizeRoutes re-sequences the routes of every targeted driver and of
// the drivers holding targeted orders.
func (f Fleet) optimizeRoutes(ctx context.Context, item PlanItem) error {
	if f.Router == nil {
		return fmt.Errorf("%w: no router", model.ErrCollaboratorUnavailable)
	}
	seen := make(map[string]bool)
	drivers := make([]string, 0, len(item.Targets.DriverIDs))
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			drivers = append(drivers, id)
		}
	}
	for _, id := range item.Targets.DriverIDs {
		add(id)
	}
	var errs []error
	for _, id := range item.Targets.OrderIDs {
		o, err := f.Store.GetOrder(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		add(o.DriverID)
	}
	for _, id := range drivers {
		unlock := f.Locks.Lock(id)
		route, err := f.Router.OptimizeRoute(ctx, id)
		unlock()
		if err != nil {
			errs = append(errs, fmt.Errorf("driver %s: %w", id, err))
			continue
		}
		f.Logger.Info("route optimized", "driver_id", id, "orders", len(route.OrderIDs), "distance_km", route.DistanceKm)
	}
	return errors.Join(errs...)
}

// reposition moves idle drivers to their target zones. A driver that took
// work since planning is left where it is.
func (f Fleet) reposition(ctx context.Context, item PlanItem) error {
	var errs []error
	for _, mv := range item.Targets.Moves {
		if err := f.move(ctx, mv); err != nil {
			errs = append(errs, fmt.Errorf("driver %s: %w", mv.DriverID, err))
		}
	}
	return errors.Join(errs...)
}

func (f Fleet) move(ctx context.Context, mv Move) error {
	unlock := f.Locks.Lock(mv.DriverID)
	defer unlock()

	d, err := f.Store.GetDriver(ctx, mv.DriverID)
	if err != nil {
		return err
	}
	if d.Status != model.DriverAvailable || d.ActiveOrders > 0 || d.Zone != mv.FromZone {
		f.Logger.Debug("reposition skipped", "driver_id", d.ID, "status", d.Status, "zone", d.Zone)
		return nil
	}
	d.Zone = mv.ToZone
	if err := f.Store.UpsertDriver(ctx, d); err != nil {
		return err
	}
	f.Logger.Info("driver repositioned", "driver_id", d.ID, "from", mv.FromZone, "to", mv.ToZone)
	return nil
}
