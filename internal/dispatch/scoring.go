package dispatch

import (
	"fmt"
	"math"
	"sort"

	"github.com/ppiankov/dispatchwatch/internal/model"
)

// Weights are the score component shares. They should sum to 1.
type Weights struct {
	Proximity   float64 `yaml:"proximity"`
	Performance float64 `yaml:"performance"`
	Capacity    float64 `yaml:"capacity"`
	Zone        float64 `yaml:"zone"`
}

var DefaultWeights = Weights{Proximity: 0.40, Performance: 0.30, Capacity: 0.20, Zone: 0.10}

// Breakdown is a candidate's score with every component, each 0..100.
type Breakdown struct {
	DistanceKm  float64 `json:"distance_km"`
	Proximity   float64 `json:"proximity"`
	Performance float64 `json:"performance"`
	Capacity    float64 `json:"capacity"`
	Zone        float64 `json:"zone"`
	Total       float64 `json:"total"`
}

func (b Breakdown) String() string {
	return fmt.Sprintf("total=%.1f proximity=%.0f performance=%.1f capacity=%.0f zone=%.0f distance_km=%.2f",
		b.Total, b.Proximity, b.Performance, b.Capacity, b.Zone, b.DistanceKm)
}

// Candidate is a scored eligible driver.
type Candidate struct {
	Driver model.Driver
	Score  Breakdown
}

var proximityBands = []struct {
	maxKm float64
	score float64
}{
	{1, 100}, {3, 85}, {5, 70}, {10, 50}, {15, 30},
}

// ProximityScore bands the pickup distance.
func ProximityScore(km float64) float64 {
	for _, b := range proximityBands {
		if km <= b.maxKm {
			return b.score
		}
	}
	return 10
}

// CapacityScore drops 20 points per order already carried.
func CapacityScore(activeOrders int) float64 {
	if activeOrders < 0 {
		activeOrders = 0
	}
	return math.Max(0, 100-20*float64(activeOrders))
}

// PerformanceScore blends on-time rate, rating and experience. Drivers with
// fewer than ten deliveries get a neutral 50.
func PerformanceScore(d model.Driver) float64 {
	if d.TotalDeliveries < 10 {
		return 50
	}
	experience := math.Min(float64(d.TotalDeliveries)/500, 1)
	return 0.5*d.OnTimeRate*100 + 0.3*(d.Rating/5)*100 + 0.2*experience*100
}

// ZoneScore rewards familiarity with the order's zone.
func ZoneScore(d model.Driver, zone string) float64 {
	n := d.ZoneDeliveries[zone]
	switch {
	case n <= 0:
		return 0
	case n < 5:
		return 40
	case n < 20:
		return 70
	default:
		return 100
	}
}

// Score computes the weighted score of d for o.
func Score(d model.Driver, o model.Order, w Weights) Breakdown {
	b := Breakdown{DistanceKm: d.Location.DistanceKm(o.Pickup)}
	b.Proximity = ProximityScore(b.DistanceKm)
	b.Performance = PerformanceScore(d)
	b.Capacity = CapacityScore(d.ActiveOrders)
	b.Zone = ZoneScore(d, o.Zone)
	b.Total = w.Proximity*b.Proximity + w.Performance*b.Performance + w.Capacity*b.Capacity + w.Zone*b.Zone
	return b
}

// Rank scores drivers and orders them best first. Ties go to the closer
// driver, then to the lower id so the order is deterministic.
func Rank(drivers []model.Driver, o model.Order, w Weights) []Candidate {
	out := make([]Candidate, len(drivers))
	for i, d := range drivers {
		out[i] = Candidate{Driver: d, Score: Score(d, o, w)}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Score, out[j].Score
		if a.Total != b.Total {
			return a.Total > b.Total
		}
		if a.DistanceKm != b.DistanceKm {
			return a.DistanceKm < b.DistanceKm
		}
		return out[i].Driver.ID < out[j].Driver.ID
	})
	return out
}
