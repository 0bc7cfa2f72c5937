// Package store is the order and driver repository the decision engine
// reads and mutates. Orders and drivers are owned here, never cached
// long-term by the engine.
package store

import (
	"context"
	"time"

	"github.com/ppiankov/dispatchwatch/internal/model"
)

// OrderFilter narrows FindOrders. Zero fields do not filter.
type OrderFilter struct {
	Statuses   []model.OrderStatus
	Unassigned bool
	DriverID   string
	Limit      int
}

// Open order statuses, i.e. everything not delivered or cancelled.
var OpenStatuses = []model.OrderStatus{
	model.OrderPending,
	model.OrderOffered,
	model.OrderAssigned,
	model.OrderPickedUp,
	model.OrderOutForDelivery,
}

// LoadedStatuses count against a driver's concurrent-order cap.
var LoadedStatuses = []model.OrderStatus{
	model.OrderAssigned,
	model.OrderPickedUp,
	model.OrderOutForDelivery,
}

// Store is the repository contract.
type Store interface {
	FindOrders(ctx context.Context, f OrderFilter) ([]model.Order, error)
	// FindUnassignedOrders returns orders with no driver, pending by default,
	// most urgent deadline first.
	FindUnassignedOrders(ctx context.Context, f OrderFilter) ([]model.Order, error)
	FindEligibleDrivers(ctx context.Context, o model.Order, e model.Eligibility) ([]model.Driver, error)
	GetOrder(ctx context.Context, id string) (model.Order, error)
	GetDriver(ctx context.Context, id string) (model.Driver, error)
	ListDrivers(ctx context.Context) ([]model.Driver, error)

	AssignDriver(ctx context.Context, orderID, driverID string) error
	UnassignOrder(ctx context.Context, orderID string) error
	// UpdateStatus moves an order; moving to failed counts a failed attempt.
	UpdateStatus(ctx context.Context, orderID string, status model.OrderStatus) error
	SetDriverStatus(ctx context.Context, driverID string, status model.DriverStatus) error

	UpsertOrder(ctx context.Context, o model.Order) error
	UpsertDriver(ctx context.Context, d model.Driver) error
	UpdateDriverLocation(ctx context.Context, driverID string, p model.Point, at time.Time) error
}

// ActiveOrders returns every open order.
func ActiveOrders(ctx context.Context, s Store) ([]model.Order, error) {
	return s.FindOrders(ctx, OrderFilter{Statuses: OpenStatuses})
}

// OrdersForDriver returns the orders a driver is currently carrying.
func OrdersForDriver(ctx context.Context, s Store, driverID string) ([]model.Order, error) {
	return s.FindOrders(ctx, OrderFilter{Statuses: LoadedStatuses, DriverID: driverID})
}

func unassignedFilter(f OrderFilter) OrderFilter {
	f.Unassigned = true
	f.DriverID = ""
	if len(f.Statuses) == 0 {
		f.Statuses = []model.OrderStatus{model.OrderPending}
	}
	return f
}
