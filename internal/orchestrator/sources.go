package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ppiankov/dispatchwatch/internal/escalation"
	"github.com/ppiankov/dispatchwatch/internal/model"
	"github.com/ppiankov/dispatchwatch/internal/store"
)

// FleetStatus counts drivers by state.
type FleetStatus struct {
	Total     int `json:"total"`
	Available int `json:"available"`
	Busy      int `json:"busy"`
	Offline   int `json:"offline"`
	// Utilization is the share of online drivers carrying at least one order.
	Utilization float64 `json:"utilization"`
	// IdleByZone lists available drivers with no orders, per zone.
	IdleByZone map[string][]string `json:"idle_by_zone,omitempty"`
	// LoadedByZone lists drivers carrying orders, per zone.
	LoadedByZone map[string][]string `json:"loaded_by_zone,omitempty"`
}

// Idle returns every idle driver id, sorted.
func (f *FleetStatus) Idle() []string {
	var out []string
	for _, ids := range f.IdleByZone {
		out = append(out, ids...)
	}
	sort.Strings(out)
	return out
}

// ZoneDemand is expected demand against drivers present in one zone.
type ZoneDemand struct {
	Expected float64 `json:"expected"`
	Drivers  int     `json:"drivers"`
}

// DemandForecast is near-term demand per zone.
type DemandForecast struct {
	Zones      map[string]ZoneDemand `json:"zones"`
	Confidence float64               `json:"confidence"`
}

// Imbalance is the coefficient of variation of demand per driver across
// zones. Fewer than two zones is balanced by definition.
func (d *DemandForecast) Imbalance() float64 {
	if d == nil || len(d.Zones) < 2 {
		return 0
	}
	ratios := make([]float64, 0, len(d.Zones))
	var sum float64
	for _, z := range d.Zones {
		r := z.Expected / math.Max(float64(z.Drivers), 1)
		ratios = append(ratios, r)
		sum += r
	}
	mean := sum / float64(len(ratios))
	if mean == 0 {
		return 0
	}
	var sq float64
	for _, r := range ratios {
		sq += (r - mean) * (r - mean)
	}
	return math.Sqrt(sq/float64(len(ratios))) / mean
}

// TrafficReport flags zones where travel is badly delayed.
type TrafficReport struct {
	SevereZones  []string `json:"severe_zones"`
	DelayMinutes float64  `json:"delay_minutes"`
	// SavedMinutes is the projected gain from rerouting around the zones.
	SavedMinutes float64 `json:"saved_minutes"`
	Confidence   float64 `json:"confidence"`
}

// Performance is fleet-wide delivery quality.
type Performance struct {
	OnTimeRate float64 `json:"on_time_rate"`
	Deliveries int     `json:"deliveries"`
}

// PendingOrders is the unassigned backlog.
type PendingOrders struct {
	Count         int      `json:"count"`
	OldestMinutes float64  `json:"oldest_minutes"`
	OrderIDs      []string `json:"order_ids,omitempty"`
}

// Facets is everything gathered in one cycle. A facet whose query failed
// is nil.
type Facets struct {
	Fleet       *FleetStatus          `json:"fleet,omitempty"`
	SLA         *escalation.SLAStatus `json:"sla,omitempty"`
	Demand      *DemandForecast       `json:"demand,omitempty"`
	Traffic     *TrafficReport        `json:"traffic,omitempty"`
	Performance *Performance          `json:"performance,omitempty"`
	Pending     *PendingOrders        `json:"pending,omitempty"`
}

// Sources are the monitoring collaborators queried each cycle.
type Sources interface {
	FleetStatus(ctx context.Context) (*FleetStatus, error)
	SLARisk(ctx context.Context) (*escalation.SLAStatus, error)
	DemandForecast(ctx context.Context) (*DemandForecast, error)
	Traffic(ctx context.Context) (*TrafficReport, error)
	Performance(ctx context.Context) (*Performance, error)
	PendingOrders(ctx context.Context) (*PendingOrders, error)
}

// TrafficFeed supplies live traffic. Optional.
type TrafficFeed interface {
	Traffic(ctx context.Context) (*TrafficReport, error)
}

// StoreSources derives every facet except traffic from the order store.
type StoreSources struct {
	Store store.Store
	// RiskMinutes is the at-risk cut-off for the SLA facet.
	RiskMinutes float64
	Feed        TrafficFeed
	Now         func() time.Time
}

func (s StoreSources) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func (s StoreSources) FleetStatus(ctx context.Context) (*FleetStatus, error) {
	drivers, err := s.Store.ListDrivers(ctx)
	if err != nil {
		return nil, err
	}
	f := &FleetStatus{IdleByZone: make(map[string][]string), LoadedByZone: make(map[string][]string)}
	online, loaded := 0, 0
	for _, d := range drivers {
		if !d.Active {
			continue
		}
		f.Total++
		switch d.Status {
		case model.DriverOffline:
			f.Offline++
			continue
		case model.DriverBusy:
			f.Busy++
		default:
			f.Available++
		}
		online++
		if d.ActiveOrders > 0 {
			loaded++
			f.LoadedByZone[d.Zone] = append(f.LoadedByZone[d.Zone], d.ID)
		} else if d.Status == model.DriverAvailable {
			f.IdleByZone[d.Zone] = append(f.IdleByZone[d.Zone], d.ID)
		}
	}
	if online > 0 {
		f.Utilization = float64(loaded) / float64(online)
	}
	return f, nil
}

func (s StoreSources) SLARisk(ctx context.Context) (*escalation.SLAStatus, error) {
	orders, err := store.ActiveOrders(ctx, s.Store)
	if err != nil {
		return nil, err
	}
	risk := s.RiskMinutes
	if risk <= 0 {
		risk = escalation.DefaultThresholds.CriticalMinutes
	}
	st := escalation.Summarize(orders, s.now(), risk)
	return &st, nil
}

// DemandForecast uses open orders per zone as the near-term demand signal.
// Confidence follows sample size: ten or more orders is high, five or more
// medium, otherwise low.
func (s StoreSources) DemandForecast(ctx context.Context) (*DemandForecast, error) {
	orders, err := store.ActiveOrders(ctx, s.Store)
	if err != nil {
		return nil, err
	}
	drivers, err := s.Store.ListDrivers(ctx)
	if err != nil {
		return nil, err
	}
	f := &DemandForecast{Zones: make(map[string]ZoneDemand)}
	for _, o := range orders {
		z := f.Zones[o.Zone]
		z.Expected++
		f.Zones[o.Zone] = z
	}
	for _, d := range drivers {
		if !d.Active || d.Status == model.DriverOffline {
			continue
		}
		z := f.Zones[d.Zone]
		z.Drivers++
		f.Zones[d.Zone] = z
	}
	switch n := len(orders); {
	case n >= 10:
		f.Confidence = 0.85
	case n >= 5:
		f.Confidence = 0.65
	default:
		f.Confidence = 0.4
	}
	return f, nil
}

func (s StoreSources) Traffic(ctx context.Context) (*TrafficReport, error) {
	if s.Feed == nil {
		return nil, nil
	}
	return s.Feed.Traffic(ctx)
}

func (s StoreSources) Performance(ctx context.Context) (*Performance, error) {
	drivers, err := s.Store.ListDrivers(ctx)
	if err != nil {
		return nil, err
	}
	p := &Performance{}
	var weighted float64
	for _, d := range drivers {
		if !d.Active || d.TotalDeliveries == 0 {
			continue
		}
		p.Deliveries += d.TotalDeliveries
		weighted += d.OnTimeRate * float64(d.TotalDeliveries)
	}
	if p.Deliveries == 0 {
		return nil, nil
	}
	p.OnTimeRate = weighted / float64(p.Deliveries)
	return p, nil
}

func (s StoreSources) PendingOrders(ctx context.Context) (*PendingOrders, error) {
	orders, err := s.Store.FindUnassignedOrders(ctx, store.OrderFilter{})
	if err != nil {
		return nil, err
	}
	now := s.now()
	p := &PendingOrders{Count: len(orders)}
	for _, o := range orders {
		p.OrderIDs = append(p.OrderIDs, o.ID)
		p.OldestMinutes = math.Max(p.OldestMinutes, now.Sub(o.CreatedAt).Minutes())
	}
	return p, nil
}

// gather queries every source concurrently. Failures and panics leave the
// facet nil.
func gather(ctx context.Context, src Sources, logger *slog.Logger) Facets {
	var (
		f  Facets
		wg sync.WaitGroup
	)
	run := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					logger.Warn("facet query panicked", "facet", name, "panic", fmt.Sprint(r))
				}
			}()
			if err := fn(); err != nil {
				logger.Warn("facet query failed", "facet", name, "error", fmt.Errorf("%w: %w", model.ErrCollaboratorUnavailable, err))
			}
		}()
	}

	run("fleet", func() (err error) { f.Fleet, err = src.FleetStatus(ctx); return })
	run("sla", func() (err error) { f.SLA, err = src.SLARisk(ctx); return })
	run("demand", func() (err error) { f.Demand, err = src.DemandForecast(ctx); return })
	run("traffic", func() (err error) { f.Traffic, err = src.Traffic(ctx); return })
	run("performance", func() (err error) { f.Performance, err = src.Performance(ctx); return })
	run("pending", func() (err error) { f.Pending, err = src.PendingOrders(ctx); return })
	wg.Wait()
	return f
}
