package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Dicklesworthstone/clipagent/internal/db"
)

// SQLite is a Store backed by the kv table of the daemon database.
type SQLite struct {
	db *db.DB
}

// NewSQLite wraps an open database.
func NewSQLite(d *db.DB) *SQLite {
	return &SQLite{db: d}
}

func (s *SQLite) conn() (*sql.DB, error) {
	if s == nil || s.db == nil || s.db.Conn() == nil {
		return nil, fmt.Errorf("store: database not open")
	}
	return s.db.Conn(), nil
}

// GetRaw implements Store.
func (s *SQLite) GetRaw(ctx context.Context, key string) (json.RawMessage, bool, error) {
	conn, err := s.conn()
	if err != nil {
		return nil, false, err
	}

	var value string
	err = conn.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", key, err)
	}
	return json.RawMessage(value), true, nil
}

// GetMany implements Store. The keys are read by one statement, so the
// result is a single snapshot.
func (s *SQLite) GetMany(ctx context.Context, keys ...string) (map[string]json.RawMessage, error) {
	conn, err := s.conn()
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	args := make([]any, len(keys))
	for i, key := range keys {
		args[i] = key
	}
	query := `SELECT key, value FROM kv WHERE key IN (?` + strings.Repeat(", ?", len(keys)-1) + `)`

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", strings.Join(keys, ", "), err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan kv: %w", err)
		}
		out[key] = json.RawMessage(value)
	}
	return out, rows.Err()
}

// Get implements Store.
func (s *SQLite) Get(ctx context.Context, key string, dst any) (bool, error) {
	raw, found, err := s.GetRaw(ctx, key)
	if err != nil || !found {
		return found, err
	}
	return true, decode(key, raw, dst)
}

// Set implements Store.
func (s *SQLite) Set(ctx context.Context, key string, value any) error {
	return s.SetMany(ctx, map[string]any{key: value})
}

// SetMany implements Store.
func (s *SQLite) SetMany(ctx context.Context, entries map[string]any) error {
	conn, err := s.conn()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	encoded := make(map[string][]byte, len(entries))
	for key, value := range entries {
		data, err := encode(value)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		encoded[key] = data
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now().UTC()
	for _, key := range sortedKeys(encoded) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, string(encoded[key]), now); err != nil {
			return fmt.Errorf("write %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *SQLite) Delete(ctx context.Context, keys ...string) error {
	conn, err := s.conn()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, key := range keys {
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
