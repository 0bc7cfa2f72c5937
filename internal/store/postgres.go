package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/ppiankov/dispatchwatch/internal/model"
)

//go:embed schema.sql
var schemaSQL string

const orderColumns = `id, customer_id, pickup_lat, pickup_lng, dropoff_lat, dropoff_lng, zone, vehicle_type, created_at, deadline, driver_id, status, status_changed_at, failed_attempts`

const driverColumns = `d.id, d.name, d.lat, d.lng, d.zone, d.status, d.active, d.vehicle_type, d.max_orders, d.on_time_rate, d.rating, d.total_deliveries, d.zone_deliveries, d.last_location_at, d.consecutive_deliveries, d.hours_worked, d.remaining_capacity, ` +
	`(SELECT COUNT(*) FROM orders o WHERE o.driver_id = d.id AND o.status IN ('assigned', 'picked_up', 'out_for_delivery')) AS active_orders`

const (
	queryGetOrder        = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	queryGetDriver       = `SELECT ` + driverColumns + ` FROM drivers d WHERE d.id = $1`
	queryListDrivers     = `SELECT ` + driverColumns + ` FROM drivers d ORDER BY d.id`
	queryAvailableDriver = `SELECT ` + driverColumns + ` FROM drivers d WHERE d.status = $1 AND d.active ORDER BY d.id`

	execAssign   = `UPDATE orders SET driver_id = $2, status = 'assigned', status_changed_at = $3 WHERE id = $1`
	execUnassign = `UPDATE orders SET driver_id = NULL, status = 'pending', status_changed_at = $2 WHERE id = $1`
	execStatus   = `UPDATE orders SET status = $2::text, status_changed_at = $3, ` +
		`failed_attempts = failed_attempts + CASE WHEN $2::text = 'failed' AND status <> 'failed' THEN 1 ELSE 0 END WHERE id = $1`
	execDriverStatus   = `UPDATE drivers SET status = $2 WHERE id = $1`
	execDriverLocation = `UPDATE drivers SET lat = $2, lng = $3, last_location_at = $4 WHERE id = $1`

	execUpsertOrder = `INSERT INTO orders (` + orderColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (id) DO UPDATE SET customer_id = EXCLUDED.customer_id, pickup_lat = EXCLUDED.pickup_lat, pickup_lng = EXCLUDED.pickup_lng,
dropoff_lat = EXCLUDED.dropoff_lat, dropoff_lng = EXCLUDED.dropoff_lng, zone = EXCLUDED.zone, vehicle_type = EXCLUDED.vehicle_type,
deadline = EXCLUDED.deadline, driver_id = EXCLUDED.driver_id, status = EXCLUDED.status, status_changed_at = EXCLUDED.status_changed_at,
failed_attempts = EXCLUDED.failed_attempts`

	execUpsertDriver = `INSERT INTO drivers (id, name, lat, lng, zone, status, active, vehicle_type, max_orders, on_time_rate, rating, total_deliveries, zone_deliveries, last_location_at, consecutive_deliveries, hours_worked, remaining_capacity)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, lat = EXCLUDED.lat, lng = EXCLUDED.lng, zone = EXCLUDED.zone, status = EXCLUDED.status,
active = EXCLUDED.active, vehicle_type = EXCLUDED.vehicle_type, max_orders = EXCLUDED.max_orders, on_time_rate = EXCLUDED.on_time_rate,
rating = EXCLUDED.rating, total_deliveries = EXCLUDED.total_deliveries, zone_deliveries = EXCLUDED.zone_deliveries,
last_location_at = EXCLUDED.last_location_at, consecutive_deliveries = EXCLUDED.consecutive_deliveries,
hours_worked = EXCLUDED.hours_worked, remaining_capacity = EXCLUDED.remaining_capacity`
)

// pqForeignKeyViolation is the SQLSTATE for a missing referenced row.
const pqForeignKeyViolation = "23503"

// Postgres is a Store backed by a PostgreSQL database.
type Postgres struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgres wraps an open handle. A nil clock uses time.Now.
func NewPostgres(db *sql.DB, now func() time.Time) *Postgres {
	if now == nil {
		now = time.Now
	}
	return &Postgres{db: db, now: now}
}

// OpenPostgres connects with a lib/pq DSN and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	return NewPostgres(db, nil), nil
}

// EnsureSchema creates tables and indexes if they do not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// orderQuery renders f into SQL and positional args.
func orderQuery(f OrderFilter) (string, []any) {
	var where []string
	var args []any
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, pq.Array(statuses))
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if f.Unassigned {
		where = append(where, "driver_id IS NULL")
	}
	if f.DriverID != "" {
		args = append(args, f.DriverID)
		where = append(where, fmt.Sprintf("driver_id = $%d", len(args)))
	}

	q := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY deadline ASC, id ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return q, args
}

func (p *Postgres) FindOrders(ctx context.Context, f OrderFilter) ([]model.Order, error) {
	q, args := orderQuery(f)
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *Postgres) FindUnassignedOrders(ctx context.Context, f OrderFilter) ([]model.Order, error) {
	return p.FindOrders(ctx, unassignedFilter(f))
}

// FindEligibleDrivers narrows by status in SQL and applies distance, cap
// and vehicle filters in process.
func (p *Postgres) FindEligibleDrivers(ctx context.Context, o model.Order, e model.Eligibility) ([]model.Driver, error) {
	drivers, err := p.queryDrivers(ctx, queryAvailableDriver, string(model.DriverAvailable))
	if err != nil {
		return nil, err
	}
	out := drivers[:0]
	for _, d := range drivers {
		if e.Admits(d, o) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (p *Postgres) GetOrder(ctx context.Context, id string) (model.Order, error) {
	o, err := scanOrder(p.db.QueryRowContext(ctx, queryGetOrder, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Order{}, fmt.Errorf("order %q: %w", id, model.ErrNotFound)
	}
	return o, err
}

func (p *Postgres) GetDriver(ctx context.Context, id string) (model.Driver, error) {
	d, err := scanDriver(p.db.QueryRowContext(ctx, queryGetDriver, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Driver{}, fmt.Errorf("driver %q: %w", id, model.ErrNotFound)
	}
	return d, err
}

func (p *Postgres) ListDrivers(ctx context.Context) ([]model.Driver, error) {
	return p.queryDrivers(ctx, queryListDrivers)
}

func (p *Postgres) AssignDriver(ctx context.Context, orderID, driverID string) error {
	res, err := p.db.ExecContext(ctx, execAssign, orderID, driverID, p.now().UTC())
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pqForeignKeyViolation {
			return fmt.Errorf("driver %q: %w", driverID, model.ErrNotFound)
		}
		return fmt.Errorf("failed to assign order: %w", err)
	}
	return affected(res, "order", orderID)
}

func (p *Postgres) UnassignOrder(ctx context.Context, orderID string) error {
	res, err := p.db.ExecContext(ctx, execUnassign, orderID, p.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to unassign order: %w", err)
	}
	return affected(res, "order", orderID)
}

func (p *Postgres) UpdateStatus(ctx context.Context, orderID string, status model.OrderStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid order status %q", status)
	}
	res, err := p.db.ExecContext(ctx, execStatus, orderID, string(status), p.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	return affected(res, "order", orderID)
}

func (p *Postgres) SetDriverStatus(ctx context.Context, driverID string, status model.DriverStatus) error {
	res, err := p.db.ExecContext(ctx, execDriverStatus, driverID, string(status))
	if err != nil {
		return fmt.Errorf("failed to update driver status: %w", err)
	}
	return affected(res, "driver", driverID)
}

func (p *Postgres) UpdateDriverLocation(ctx context.Context, driverID string, pt model.Point, at time.Time) error {
	res, err := p.db.ExecContext(ctx, execDriverLocation, driverID, pt.Lat, pt.Lng, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to update driver location: %w", err)
	}
	return affected(res, "driver", driverID)
}

func (p *Postgres) UpsertOrder(ctx context.Context, o model.Order) error {
	if o.ID == "" {
		return fmt.Errorf("order id must not be empty")
	}
	if o.Status == "" {
		o.Status = model.OrderPending
	}
	if o.StatusChangedAt.IsZero() {
		o.StatusChangedAt = o.CreatedAt
	}
	var driverID sql.NullString
	if o.DriverID != "" {
		driverID = sql.NullString{String: o.DriverID, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, execUpsertOrder,
		o.ID, o.CustomerID, o.Pickup.Lat, o.Pickup.Lng, o.Dropoff.Lat, o.Dropoff.Lng,
		o.Zone, o.VehicleType, o.CreatedAt.UTC(), o.Deadline.UTC(), driverID,
		string(o.Status), o.StatusChangedAt.UTC(), o.FailedAttempts)
	if err != nil {
		return fmt.Errorf("failed to upsert order: %w", err)
	}
	return nil
}

func (p *Postgres) UpsertDriver(ctx context.Context, d model.Driver) error {
	if d.ID == "" {
		return fmt.Errorf("driver id must not be empty")
	}
	zones := d.ZoneDeliveries
	if zones == nil {
		zones = map[string]int{}
	}
	zoneJSON, err := json.Marshal(zones)
	if err != nil {
		return fmt.Errorf("failed to marshal zone deliveries: %w", err)
	}
	_, err = p.db.ExecContext(ctx, execUpsertDriver,
		d.ID, d.Name, d.Location.Lat, d.Location.Lng, d.Zone, string(d.Status), d.Active,
		d.VehicleType, d.MaxOrders, d.OnTimeRate, d.Rating, d.TotalDeliveries, zoneJSON,
		d.LastLocationAt.UTC(), d.ConsecutiveDeliveries, d.HoursWorked, d.RemainingCapacity)
	if err != nil {
		return fmt.Errorf("failed to upsert driver: %w", err)
	}
	return nil
}

func (p *Postgres) queryDrivers(ctx context.Context, q string, args ...any) ([]model.Driver, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query drivers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(s scanner) (model.Order, error) {
	var o model.Order
	var driverID sql.NullString
	var status string
	err := s.Scan(&o.ID, &o.CustomerID, &o.Pickup.Lat, &o.Pickup.Lng, &o.Dropoff.Lat, &o.Dropoff.Lng,
		&o.Zone, &o.VehicleType, &o.CreatedAt, &o.Deadline, &driverID, &status,
		&o.StatusChangedAt, &o.FailedAttempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Order{}, err
		}
		return model.Order{}, fmt.Errorf("failed to scan order: %w", err)
	}
	o.DriverID = driverID.String
	o.Status = model.OrderStatus(status)
	return o, nil
}

func scanDriver(s scanner) (model.Driver, error) {
	var d model.Driver
	var status string
	var zones []byte
	err := s.Scan(&d.ID, &d.Name, &d.Location.Lat, &d.Location.Lng, &d.Zone, &status, &d.Active,
		&d.VehicleType, &d.MaxOrders, &d.OnTimeRate, &d.Rating, &d.TotalDeliveries, &zones,
		&d.LastLocationAt, &d.ConsecutiveDeliveries, &d.HoursWorked, &d.RemainingCapacity, &d.ActiveOrders)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Driver{}, err
		}
		return model.Driver{}, fmt.Errorf("failed to scan driver: %w", err)
	}
	d.Status = model.DriverStatus(status)
	if len(zones) > 0 {
		if err := json.Unmarshal(zones, &d.ZoneDeliveries); err != nil {
			return model.Driver{}, fmt.Errorf("failed to decode zone deliveries for %s: %w", d.ID, err)
		}
	}
	return d, nil
}

func affected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %q: %w", kind, id, model.ErrNotFound)
	}
	return nil
}
