// Package db owns the daemon's sqlite file: the key/value table behind
// internal/store and the event_log written for every broadcast.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const busyTimeout = 5 * time.Second

// DB is the daemon's local sqlite database.
type DB struct {
	path string
	conn *sql.DB
}

// Open opens the database at DefaultPath.
func Open() (*DB, error) {
	return OpenAt(DefaultPath())
}

// OpenAt opens or creates the database at path and applies pending
// migrations. A file sqlite cannot read is moved aside to
// <path>.corrupt.<timestamp> together with its -wal/-shm files, and a fresh
// database takes its place.
func OpenAt(path string) (*DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	conn, err := connect(path)
	if err != nil && corrupt(err) {
		if qerr := quarantine(path, time.Now()); qerr != nil {
			return nil, fmt.Errorf("db unreadable (%v): %w", err, qerr)
		}
		conn, err = connect(path)
	}
	if err != nil {
		return nil, err
	}

	// The file holds the session token.
	_ = os.Chmod(path, 0600)
	return &DB{path: path, conn: conn}, nil
}

// DefaultPath honors CLIPAGENT_HOME, then XDG_DATA_HOME, then ~/.local/share.
func DefaultPath() string {
	if home := os.Getenv("CLIPAGENT_HOME"); home != "" {
		return filepath.Join(home, "data", "clipagent.db")
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "clipagent", "clipagent.db")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".local", "share", "clipagent", "clipagent.db")
}

func (d *DB) Conn() *sql.DB {
	if d == nil {
		return nil
	}
	return d.conn
}

func (d *DB) Path() string {
	if d == nil {
		return ""
	}
	return d.path
}

// Checkpoint folds the WAL back into the main file. The daemon calls it on
// shutdown so the database can be copied as a single file.
func (d *DB) Checkpoint(ctx context.Context) error {
	if d == nil || d.conn == nil {
		return fmt.Errorf("db is nil")
	}
	if _, err := d.conn.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE);`); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

func (d *DB) Close() error {
	if d == nil || d.conn == nil {
		return nil
	}
	return d.conn.Close()
}

func connect(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", "file:"+filepath.ToSlash(path)+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// PRAGMAs are per connection, so everything shares one.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := prepare(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func prepare(conn *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	pragmas := []string{
		fmt.Sprintf(`PRAGMA busy_timeout=%d;`, busyTimeout.Milliseconds()),
		`PRAGMA journal_mode=WAL;`,
	}
	for _, p := range pragmas {
		if _, err := conn.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("%s: %w", strings.TrimSuffix(p, ";"), err)
		}
	}
	return Migrate(ctx, conn)
}

func corrupt(err error) bool {
	if errors.Is(err, os.ErrInvalid) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "file is not a database") || strings.Contains(msg, "malformed")
}

func quarantine(path string, now time.Time) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	aside := path + ".corrupt." + now.UTC().Format("20060102T150405Z")
	for _, suffix := range []string{"", "-wal", "-shm"} {
		err := os.Rename(path+suffix, aside+suffix)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("move %s aside: %w", path+suffix, err)
		}
	}
	return nil
}
