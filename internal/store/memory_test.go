package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/dispatchwatch/internal/model"
)

var base = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func seeded(t *testing.T) *Memory {
	t.Helper()
	ctx := context.Background()
	m := NewMemory(func() time.Time { return base })

	drivers := []model.Driver{
		{ID: "d1", Location: model.Point{Lat: 52.52, Lng: 13.40}, Status: model.DriverAvailable, Active: true},
		{ID: "d2", Location: model.Point{Lat: 52.53, Lng: 13.41}, Status: model.DriverAvailable, Active: true, VehicleType: "van"},
		{ID: "d3", Location: model.Point{Lat: 52.52, Lng: 13.40}, Status: model.DriverOffline, Active: true},
		{ID: "d4", Location: model.Point{Lat: 48.13, Lng: 11.58}, Status: model.DriverAvailable, Active: true},
	}
	for _, d := range drivers {
		require.NoError(t, m.UpsertDriver(ctx, d))
	}

	orders := []model.Order{
		{ID: "o-late", Pickup: model.Point{Lat: 52.52, Lng: 13.40}, CreatedAt: base, Deadline: base.Add(4 * time.Hour)},
		{ID: "o-soon", Pickup: model.Point{Lat: 52.52, Lng: 13.40}, CreatedAt: base, Deadline: base.Add(time.Hour)},
		{ID: "o-van", Pickup: model.Point{Lat: 52.52, Lng: 13.40}, VehicleType: "van", CreatedAt: base, Deadline: base.Add(2 * time.Hour)},
	}
	for _, o := range orders {
		require.NoError(t, m.UpsertOrder(ctx, o))
	}
	return m
}

func TestMemoryUnassignedOrdersByDeadline(t *testing.T) {
	m := seeded(t)
	got, err := m.FindUnassignedOrders(context.Background(), OrderFilter{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "o-soon", got[0].ID)
	assert.Equal(t, "o-van", got[1].ID)
	assert.Equal(t, "o-late", got[2].ID)

	limited, err := m.FindUnassignedOrders(context.Background(), OrderFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestMemoryEligibleDrivers(t *testing.T) {
	m := seeded(t)
	ctx := context.Background()

	o, err := m.GetOrder(ctx, "o-soon")
	require.NoError(t, err)
	got, err := m.FindEligibleDrivers(ctx, o, model.DefaultEligibility)
	require.NoError(t, err)

	ids := make([]string, 0, len(got))
	for _, d := range got {
		ids = append(ids, d.ID)
	}
	// d3 is offline and d4 is in another city.
	assert.Equal(t, []string{"d1", "d2"}, ids)

	van, err := m.GetOrder(ctx, "o-van")
	require.NoError(t, err)
	got, err = m.FindEligibleDrivers(ctx, van, model.DefaultEligibility)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "d2", got[0].ID)
}

func TestMemoryAssignCountsLoad(t *testing.T) {
	m := seeded(t)
	ctx := context.Background()

	require.NoError(t, m.AssignDriver(ctx, "o-soon", "d1"))
	require.NoError(t, m.AssignDriver(ctx, "o-late", "d1"))

	d, err := m.GetDriver(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 2, d.ActiveOrders)

	o, err := m.GetOrder(ctx, "o-soon")
	require.NoError(t, err)
	assert.Equal(t, model.OrderAssigned, o.Status)
	assert.Equal(t, "d1", o.DriverID)
	assert.Equal(t, base, o.StatusChangedAt)

	carried, err := OrdersForDriver(ctx, m, "d1")
	require.NoError(t, err)
	assert.Len(t, carried, 2)

	got, err := m.FindEligibleDrivers(ctx, o, model.Eligibility{RadiusKm: 20, MaxOrders: 2})
	require.NoError(t, err)
	for _, d := range got {
		assert.NotEqual(t, "d1", d.ID, "driver at cap must not be eligible")
	}

	require.NoError(t, m.UnassignOrder(ctx, "o-soon"))
	d, err = m.GetDriver(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 1, d.ActiveOrders)
}

func TestMemoryFailedAttemptsCounted(t *testing.T) {
	m := seeded(t)
	ctx := context.Background()

	require.NoError(t, m.UpdateStatus(ctx, "o-soon", model.OrderFailed))
	require.NoError(t, m.UpdateStatus(ctx, "o-soon", model.OrderFailed))
	o, err := m.GetOrder(ctx, "o-soon")
	require.NoError(t, err)
	assert.Equal(t, 1, o.FailedAttempts)

	require.NoError(t, m.UpdateStatus(ctx, "o-soon", model.OrderPending))
	require.NoError(t, m.UpdateStatus(ctx, "o-soon", model.OrderFailed))
	o, err = m.GetOrder(ctx, "o-soon")
	require.NoError(t, err)
	assert.Equal(t, 2, o.FailedAttempts)

	assert.Error(t, m.UpdateStatus(ctx, "o-soon", model.OrderStatus("lost")))
}

func TestMemoryNotFound(t *testing.T) {
	m := seeded(t)
	ctx := context.Background()

	_, err := m.GetOrder(ctx, "nope")
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = m.GetDriver(ctx, "nope")
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.ErrorIs(t, m.AssignDriver(ctx, "o-soon", "nope"), model.ErrNotFound)
	assert.ErrorIs(t, m.SetDriverStatus(ctx, "nope", model.DriverBusy), model.ErrNotFound)
	assert.ErrorIs(t, m.UpdateDriverLocation(ctx, "nope", model.Point{}, base), model.ErrNotFound)
}

func TestMemoryActiveOrdersExcludeTerminal(t *testing.T) {
	m := seeded(t)
	ctx := context.Background()

	require.NoError(t, m.UpdateStatus(ctx, "o-late", model.OrderDelivered))
	active, err := ActiveOrders(ctx, m)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}
