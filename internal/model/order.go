package model

import "time"

// OrderStatus is the lifecycle state of a delivery order.
type OrderStatus string

const (
	OrderPending        OrderStatus = "pending"
	OrderOffered        OrderStatus = "offered"
	OrderAssigned       OrderStatus = "assigned"
	OrderPickedUp       OrderStatus = "picked_up"
	OrderOutForDelivery OrderStatus = "out_for_delivery"
	OrderDelivered      OrderStatus = "delivered"
	OrderFailed         OrderStatus = "failed"
	OrderCancelled      OrderStatus = "cancelled"
)

// Terminal reports whether no further transitions are expected.
// Failed is terminal for the driver but may be recovered back to pending.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderDelivered, OrderFailed, OrderCancelled:
		return true
	default:
		return false
	}
}

// Loaded reports whether the order counts against its driver's load.
func (s OrderStatus) Loaded() bool {
	switch s {
	case OrderAssigned, OrderPickedUp, OrderOutForDelivery:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderPending, OrderOffered, OrderAssigned, OrderPickedUp,
		OrderOutForDelivery, OrderDelivered, OrderFailed, OrderCancelled:
		return true
	default:
		return false
	}
}

// Order is a same-day delivery with an immutable SLA deadline.
type Order struct {
	ID              string      `json:"id"`
	CustomerID      string      `json:"customer_id,omitempty"`
	Pickup          Point       `json:"pickup"`
	Dropoff         Point       `json:"dropoff"`
	Zone            string      `json:"zone,omitempty"`
	VehicleType     string      `json:"vehicle_type,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	Deadline        time.Time   `json:"deadline"`
	DriverID        string      `json:"driver_id,omitempty"`
	Status          OrderStatus `json:"status"`
	StatusChangedAt time.Time   `json:"status_changed_at"`
	FailedAttempts  int         `json:"failed_attempts"`
}

// Assigned reports whether a driver currently holds the order.
func (o Order) Assigned() bool {
	return o.DriverID != ""
}

// Remaining is the time left until the SLA deadline. Negative once breached.
func (o Order) Remaining(now time.Time) time.Duration {
	return o.Deadline.Sub(now)
}

// RemainingMinutes is Remaining expressed in fractional minutes.
func (o Order) RemainingMinutes(now time.Time) float64 {
	return o.Remaining(now).Minutes()
}

// SLAUsedFraction is the share of the SLA window already consumed.
func (o Order) SLAUsedFraction(now time.Time) float64 {
	window := o.Deadline.Sub(o.CreatedAt)
	if window <= 0 {
		return 1
	}
	return float64(now.Sub(o.CreatedAt)) / float64(window)
}

// Breached reports whether the deadline has passed without delivery.
func (o Order) Breached(now time.Time) bool {
	return o.Status != OrderDelivered && now.After(o.Deadline)
}

// StalledFor is how long the order has been in its current status.
func (o Order) StalledFor(now time.Time) time.Duration {
	if o.StatusChangedAt.IsZero() {
		return now.Sub(o.CreatedAt)
	}
	return now.Sub(o.StatusChangedAt)
}
