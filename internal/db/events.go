package db

import (
	"context"
	"fmt"
	"time"
)

// DefaultEventRetention is how many event_log rows PruneEvents keeps.
const DefaultEventRetention = 1000

// EventRow is one recorded broadcast.
type EventRow struct {
	ID        int64
	Timestamp time.Time
	Kind      string
	Subject   string
	Details   string
}

// LogEvent appends a row to event_log.
func (d *DB) LogEvent(ctx context.Context, kind, subject, details string) error {
	if d == nil || d.conn == nil {
		return fmt.Errorf("db is nil")
	}
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO event_log (timestamp, kind, subject, details) VALUES (?, ?, ?, ?)`,
		time.Now().UTC(), kind, subject, details)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit events, newest first.
func (d *DB) RecentEvents(ctx context.Context, limit int) ([]EventRow, error) {
	if d == nil || d.conn == nil {
		return nil, fmt.Errorf("db is nil")
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := d.conn.QueryContext(ctx,
		`SELECT id, timestamp, kind, COALESCE(subject, ''), COALESCE(details, '')
		 FROM event_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var r EventRow
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.Kind, &r.Subject, &r.Details); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneEvents deletes all but the newest keep rows.
func (d *DB) PruneEvents(ctx context.Context, keep int) (int64, error) {
	if d == nil || d.conn == nil {
		return 0, fmt.Errorf("db is nil")
	}
	if keep < 0 {
		keep = 0
	}
	res, err := d.conn.ExecContext(ctx,
		`DELETE FROM event_log WHERE id NOT IN (SELECT id FROM event_log ORDER BY id DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
