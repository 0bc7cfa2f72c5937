package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/ppiankov/dispatchwatch/internal/model"
)

// Memory is an in-process Store for tests, demos and single-node runs.
type Memory struct {
	mu      sync.RWMutex
	orders  map[string]model.Order
	drivers map[string]model.Driver
	now     func() time.Time
}

// NewMemory returns an empty store. A nil clock uses time.Now.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		orders:  make(map[string]model.Order),
		drivers: make(map[string]model.Driver),
		now:     now,
	}
}

func (m *Memory) FindOrders(_ context.Context, f OrderFilter) ([]model.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Order
	for _, o := range m.orders {
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, o.Status) {
			continue
		}
		if f.Unassigned && o.DriverID != "" {
			continue
		}
		if f.DriverID != "" && o.DriverID != f.DriverID {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Deadline.Equal(out[j].Deadline) {
			return out[i].Deadline.Before(out[j].Deadline)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) FindUnassignedOrders(ctx context.Context, f OrderFilter) ([]model.Order, error) {
	return m.FindOrders(ctx, unassignedFilter(f))
}

func (m *Memory) FindEligibleDrivers(_ context.Context, o model.Order, e model.Eligibility) ([]model.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Driver
	for _, d := range m.drivers {
		d = m.withLoad(d)
		if e.Admits(d, o) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetOrder(_ context.Context, id string) (model.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return model.Order{}, fmt.Errorf("order %q: %w", id, model.ErrNotFound)
	}
	return o, nil
}

func (m *Memory) GetDriver(_ context.Context, id string) (model.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.drivers[id]
	if !ok {
		return model.Driver{}, fmt.Errorf("driver %q: %w", id, model.ErrNotFound)
	}
	return m.withLoad(d), nil
}

func (m *Memory) ListDrivers(_ context.Context) ([]model.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Driver, 0, len(m.drivers))
	for _, d := range m.drivers {
		out = append(out, m.withLoad(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) AssignDriver(_ context.Context, orderID, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("order %q: %w", orderID, model.ErrNotFound)
	}
	if _, ok := m.drivers[driverID]; !ok {
		return fmt.Errorf("driver %q: %w", driverID, model.ErrNotFound)
	}
	o.DriverID = driverID
	o.Status = model.OrderAssigned
	o.StatusChangedAt = m.now()
	m.orders[orderID] = o
	return nil
}

func (m *Memory) UnassignOrder(_ context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("order %q: %w", orderID, model.ErrNotFound)
	}
	o.DriverID = ""
	o.Status = model.OrderPending
	o.StatusChangedAt = m.now()
	m.orders[orderID] = o
	return nil
}

func (m *Memory) UpdateStatus(_ context.Context, orderID string, status model.OrderStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid order status %q", status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("order %q: %w", orderID, model.ErrNotFound)
	}
	if status == model.OrderFailed && o.Status != model.OrderFailed {
		o.FailedAttempts++
	}
	o.Status = status
	o.StatusChangedAt = m.now()
	m.orders[orderID] = o
	return nil
}

func (m *Memory) SetDriverStatus(_ context.Context, driverID string, status model.DriverStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.drivers[driverID]
	if !ok {
		return fmt.Errorf("driver %q: %w", driverID, model.ErrNotFound)
	}
	d.Status = status
	m.drivers[driverID] = d
	return nil
}

func (m *Memory) UpsertOrder(_ context.Context, o model.Order) error {
	if o.ID == "" {
		return fmt.Errorf("order id must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if o.Status == "" {
		o.Status = model.OrderPending
	}
	if o.StatusChangedAt.IsZero() {
		o.StatusChangedAt = o.CreatedAt
	}
	m.orders[o.ID] = o
	return nil
}

func (m *Memory) UpsertDriver(_ context.Context, d model.Driver) error {
	if d.ID == "" {
		return fmt.Errorf("driver id must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	d.ZoneDeliveries = maps.Clone(d.ZoneDeliveries)
	m.drivers[d.ID] = d
	return nil
}

func (m *Memory) UpdateDriverLocation(_ context.Context, driverID string, p model.Point, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.drivers[driverID]
	if !ok {
		return fmt.Errorf("driver %q: %w", driverID, model.ErrNotFound)
	}
	d.Location = p
	d.LastLocationAt = at
	m.drivers[driverID] = d
	return nil
}

// withLoad fills ActiveOrders from the order table. Caller holds m.mu.
func (m *Memory) withLoad(d model.Driver) model.Driver {
	n := 0
	for _, o := range m.orders {
		if o.DriverID == d.ID && o.Status.Loaded() {
			n++
		}
	}
	d.ActiveOrders = n
	return d
}
