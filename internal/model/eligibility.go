package model

// Eligibility holds the hard filters a driver must pass to receive an offer.
type Eligibility struct {
	RadiusKm  float64 `json:"radius_km" yaml:"radius_km"`
	MaxOrders int     `json:"max_orders" yaml:"max_orders"`
}

// DefaultEligibility is a 20 km pickup radius and five concurrent orders.
var DefaultEligibility = Eligibility{RadiusKm: 20, MaxOrders: 5}

// Admits reports whether d may be offered o.
func (e Eligibility) Admits(d Driver, o Order) bool {
	if d.Status != DriverAvailable || !d.Active {
		return false
	}
	if !d.UnderCap(e.MaxOrders) {
		return false
	}
	if !d.VehicleCompatible(o.VehicleType) {
		return false
	}
	if e.RadiusKm > 0 && d.Location.DistanceKm(o.Pickup) > e.RadiusKm {
		return false
	}
	return true
}
