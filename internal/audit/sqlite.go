package audit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteSink stores audit entries in a queryable SQLite table. It does not
// hash-chain; pair it with Log via Tee when tamper evidence is needed.
type SQLiteSink struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenSQLite opens (or creates) the database at path and migrates it.
func OpenSQLite(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	s, err := NewSQLiteSink(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteSink wraps an existing handle.
func NewSQLiteSink(db *sql.DB) (*SQLiteSink, error) {
	s := &SQLiteSink{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to init audit table: %w", err)
	}
	return s, nil
}

func (s *SQLiteSink) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TEXT NOT NULL,
		kind TEXT NOT NULL,
		action TEXT NOT NULL,
		requester TEXT,
		order_id TEXT,
		driver_id TEXT,
		decision TEXT,
		tier TEXT,
		severity TEXT,
		reason TEXT,
		success INTEGER,
		duration_ms INTEGER,
		ticket_id TEXT
	);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return err
	}
	_, err := s.db.ExecContext(context.Background(),
		`CREATE INDEX IF NOT EXISTS audit_entries_kind_ts ON audit_entries (kind, ts)`)
	return err
}

// Record inserts one entry.
func (s *SQLiteSink) Record(e Entry) error {
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(TimestampFormat)
	}
	var success sql.NullBool
	if e.Success != nil {
		success = sql.NullBool{Bool: *e.Success, Valid: true}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(context.Background(), `INSERT INTO audit_entries (
		ts, kind, action, requester, order_id, driver_id, decision, tier, severity, reason, success, duration_ms, ticket_id
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp, e.Kind, e.Action, e.Requester, e.OrderID, e.DriverID,
		e.Decision, e.Tier, e.Severity, e.Reason, success, e.DurationMS, e.TicketID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// CountByAction returns entry counts for one kind since from, keyed by action.
func (s *SQLiteSink) CountByAction(ctx context.Context, kind string, from time.Time) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT action, COUNT(*) FROM audit_entries WHERE kind = ? AND ts >= ? GROUP BY action`,
		kind, from.UTC().Format(TimestampFormat))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int)
	for rows.Next() {
		var action string
		var n int
		if err := rows.Scan(&action, &n); err != nil {
			return nil, err
		}
		out[action] = n
	}
	return out, rows.Err()
}

// Recent returns the newest limit entries of a kind, newest first.
func (s *SQLiteSink) Recent(ctx context.Context, kind string, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, kind, action, requester, order_id, driver_id, decision, tier, severity, reason, success, duration_ms, ticket_id
		FROM audit_entries
		WHERE kind = ?
		ORDER BY id DESC
		LIMIT ?`, kind, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var e Entry
		var requester, orderID, driverID, decision, tier, severity, reason, ticketID sql.NullString
		var success sql.NullBool
		var duration sql.NullInt64
		if err := rows.Scan(&e.Timestamp, &e.Kind, &e.Action, &requester, &orderID, &driverID,
			&decision, &tier, &severity, &reason, &success, &duration, &ticketID); err != nil {
			return nil, err
		}
		e.Requester = requester.String
		e.OrderID = orderID.String
		e.DriverID = driverID.String
		e.Decision = decision.String
		e.Tier = tier.String
		e.Severity = severity.String
		e.Reason = reason.String
		e.TicketID = ticketID.String
		e.DurationMS = duration.Int64
		if success.Valid {
			e.Success = Bool(success.Bool)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
