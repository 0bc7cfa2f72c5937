package model

import "time"

// DriverStatus is a driver's availability for new work.
type DriverStatus string

const (
	DriverAvailable DriverStatus = "available"
	DriverBusy      DriverStatus = "busy"
	DriverOffline   DriverStatus = "offline"
)

// Driver is a courier with live location and historical performance.
type Driver struct {
	ID                    string         `json:"id"`
	Name                  string         `json:"name,omitempty"`
	Location              Point          `json:"location"`
	Zone                  string         `json:"zone,omitempty"`
	Status                DriverStatus   `json:"status"`
	Active                bool           `json:"active"`
	VehicleType           string         `json:"vehicle_type,omitempty"`
	ActiveOrders          int            `json:"active_orders"`
	MaxOrders             int            `json:"max_orders"`
	OnTimeRate            float64        `json:"on_time_rate"`
	Rating                float64        `json:"rating"`
	TotalDeliveries       int            `json:"total_deliveries"`
	ZoneDeliveries        map[string]int `json:"zone_deliveries,omitempty"`
	LastLocationAt        time.Time      `json:"last_location_at"`
	ConsecutiveDeliveries int            `json:"consecutive_deliveries"`
	HoursWorked           float64        `json:"hours_worked"`
	RemainingCapacity     int            `json:"remaining_capacity"`
}

// UnderCap reports whether the driver can take one more concurrent order.
// A positive per-driver MaxOrders tightens the fleet-wide cap.
func (d Driver) UnderCap(fleetCap int) bool {
	limit := fleetCap
	if d.MaxOrders > 0 && (limit <= 0 || d.MaxOrders < limit) {
		limit = d.MaxOrders
	}
	if limit <= 0 {
		return true
	}
	return d.ActiveOrders < limit
}

// SilentFor is how long since the driver's last location update.
func (d Driver) SilentFor(now time.Time) time.Duration {
	return now.Sub(d.LastLocationAt)
}

// VehicleCompatible reports whether the driver can carry an order that
// requires the given vehicle type. Empty requirement matches any vehicle.
func (d Driver) VehicleCompatible(required string) bool {
	return required == "" || d.VehicleType == required
}
