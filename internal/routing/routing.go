// Package routing sequences a driver's stops through the CVRP optimization
// service and estimates travel times.
package routing

import (
	"context"
	"time"

	"github.com/ppiankov/dispatchwatch/internal/model"
	"github.com/ppiankov/dispatchwatch/internal/store"
)

// FallbackSpeedKmh is the urban average used when no routing data exists.
const FallbackSpeedKmh = 40.0

// Route is an optimized visiting order for one driver.
type Route struct {
	DriverID   string   `json:"driver_id"`
	OrderIDs   []string `json:"order_ids"`
	DistanceKm float64  `json:"distance_km"`
}

// Router is what the engines need from routing.
type Router interface {
	OptimizeRoute(ctx context.Context, driverID string) (Route, error)
	EstimateETA(ctx context.Context, driverID string, to model.Point) (time.Duration, error)
}

// Locator resolves driver positions and loads. store.Store satisfies it.
type Locator interface {
	GetDriver(ctx context.Context, id string) (model.Driver, error)
	FindOrders(ctx context.Context, f store.OrderFilter) ([]model.Order, error)
}

// TravelTime converts a straight-line distance into minutes at speedKmh.
func TravelTime(distanceKm, speedKmh float64) time.Duration {
	if speedKmh <= 0 {
		speedKmh = FallbackSpeedKmh
	}
	return time.Duration(distanceKm / speedKmh * float64(time.Hour))
}

// Haversine is a Router with no external service: ETAs from straight-line
// distance and routes in nearest-neighbour order.
type Haversine struct {
	loc      Locator
	speedKmh float64
}

func NewHaversine(loc Locator, speedKmh float64) *Haversine {
	if speedKmh <= 0 {
		speedKmh = FallbackSpeedKmh
	}
	return &Haversine{loc: loc, speedKmh: speedKmh}
}

func (h *Haversine) EstimateETA(ctx context.Context, driverID string, to model.Point) (time.Duration, error) {
	d, err := h.loc.GetDriver(ctx, driverID)
	if err != nil {
		return 0, err
	}
	return TravelTime(d.Location.DistanceKm(to), h.speedKmh), nil
}

func (h *Haversine) OptimizeRoute(ctx context.Context, driverID string) (Route, error) {
	d, orders, err := load(ctx, h.loc, driverID)
	if err != nil {
		return Route{}, err
	}
	return nearestNeighbour(d, orders), nil
}

func load(ctx context.Context, loc Locator, driverID string) (model.Driver, []model.Order, error) {
	d, err := loc.GetDriver(ctx, driverID)
	if err != nil {
		return model.Driver{}, nil, err
	}
	orders, err := loc.FindOrders(ctx, store.OrderFilter{Statuses: store.LoadedStatuses, DriverID: driverID})
	if err != nil {
		return model.Driver{}, nil, err
	}
	return d, orders, nil
}

func nearestNeighbour(d model.Driver, orders []model.Order) Route {
	r := Route{DriverID: d.ID, OrderIDs: []string{}}
	at := d.Location
	left := append([]model.Order(nil), orders...)
	for len(left) > 0 {
		best := 0
		for i := range left {
			if at.DistanceKm(left[i].Dropoff) < at.DistanceKm(left[best].Dropoff) {
				best = i
			}
		}
		r.DistanceKm += at.DistanceKm(left[best].Dropoff)
		r.OrderIDs = append(r.OrderIDs, left[best].ID)
		at = left[best].Dropoff
		left = append(left[:best], left[best+1:]...)
	}
	return r
}
