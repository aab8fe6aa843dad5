package db

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTemp(t *testing.T) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clipagent.db")
	d, err := OpenAt(path)
	if err != nil {
		t.Fatalf("OpenAt() error = %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d, path
}

func openDB(t *testing.T) *DB {
	t.Helper()
	d, _ := openTemp(t)
	return d
}

func TestOpenAt_MigratesOnce(t *testing.T) {
	d, path := openTemp(t)

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("db file stat error = %v", err)
	}
	for _, table := range []string{"schema_version", "kv", "event_log"} {
		var name string
		if err := d.Conn().QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name); err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}

	if err := Migrate(context.Background(), d.Conn()); err != nil {
		t.Fatalf("Migrate() second run error = %v", err)
	}

	var rows, version int
	if err := d.Conn().QueryRow(`SELECT COUNT(*), MAX(version) FROM schema_version`).Scan(&rows, &version); err != nil {
		t.Fatalf("read schema_version error = %v", err)
	}
	if rows != len(migrations) || version != SchemaVersion() {
		t.Fatalf("schema_version rows=%d max=%d, want %d/%d", rows, version, len(migrations), SchemaVersion())
	}
}

func TestOpenAt_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clipagent.db")
	d, err := OpenAt(path)
	if err != nil {
		t.Fatalf("OpenAt() error = %v", err)
	}
	if _, err := d.Conn().Exec(`INSERT INTO kv (key, value) VALUES ('token', '"abc"')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	d, err = OpenAt(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer d.Close()

	var value string
	if err := d.Conn().QueryRow(`SELECT value FROM kv WHERE key = 'token'`).Scan(&value); err != nil {
		t.Fatalf("read back: %v", err)
	}
	if value != `"abc"` {
		t.Fatalf("value = %q", value)
	}
}

func TestOpenAt_OwnerOnly(t *testing.T) {
	_, path := openTemp(t)

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat db: %v", err)
	}
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		t.Fatalf("db permissions = %o, want owner-only", perm)
	}
}

func TestOpenAt_BlankPath(t *testing.T) {
	if _, err := OpenAt("  "); err == nil {
		t.Fatal("OpenAt(blank) should fail")
	}
}

func TestOpenAt_WAL(t *testing.T) {
	d, _ := openTemp(t)

	var mode string
	if err := d.Conn().QueryRow(`PRAGMA journal_mode;`).Scan(&mode); err != nil {
		t.Fatalf("PRAGMA journal_mode error = %v", err)
	}
	if strings.ToLower(mode) != "wal" {
		t.Fatalf("journal_mode = %q, want wal", mode)
	}
}

func TestOpenAt_UnreadableFileMovedAside(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clipagent.db")
	if err := os.WriteFile(path, []byte("definitely not sqlite, just some bytes"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(path+"-wal", []byte("wal"), 0600); err != nil {
		t.Fatalf("write wal: %v", err)
	}

	d, err := OpenAt(path)
	if err != nil {
		t.Fatalf("OpenAt() error = %v", err)
	}
	defer d.Close()

	aside, err := filepath.Glob(path + ".corrupt.*")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(aside) != 2 {
		t.Fatalf("moved aside = %v, want db and -wal", aside)
	}
}

func TestQuarantine_MissingFileIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.db")
	if err := quarantine(path, time.Now()); err != nil {
		t.Fatalf("quarantine() error = %v", err)
	}
}

func TestDefaultPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CLIPAGENT_HOME", home)
	if got, want := DefaultPath(), filepath.Join(home, "data", "clipagent.db"); got != want {
		t.Fatalf("DefaultPath() = %q, want %q", got, want)
	}

	t.Setenv("CLIPAGENT_HOME", "")
	xdg := t.TempDir()
	t.Setenv("XDG_DATA_HOME", xdg)
	if got, want := DefaultPath(), filepath.Join(xdg, "clipagent", "clipagent.db"); got != want {
		t.Fatalf("DefaultPath() = %q, want %q", got, want)
	}
}

func TestCheckpoint_TruncatesWAL(t *testing.T) {
	d, path := openTemp(t)
	ctx := context.Background()

	if _, err := d.Conn().Exec(`PRAGMA wal_autocheckpoint=0;`); err != nil {
		t.Fatalf("disable autocheckpoint: %v", err)
	}
	if err := d.LogEvent(ctx, "JOB_UPDATED", "J1", `{"status":"queued"}`); err != nil {
		t.Fatalf("LogEvent: %v", err)
	}

	walPath := path + "-wal"
	if info, err := os.Stat(walPath); err != nil || info.Size() == 0 {
		t.Fatalf("wal not written: %v", err)
	}

	if err := d.Checkpoint(ctx); err != nil {
		t.Fatalf("Checkpoint() error = %v", err)
	}
	if info, err := os.Stat(walPath); err == nil && info.Size() != 0 {
		t.Fatalf("wal size after checkpoint = %d, want 0", info.Size())
	}

	var nilDB *DB
	if err := nilDB.Checkpoint(ctx); err == nil {
		t.Fatal("Checkpoint on nil DB should fail")
	}
}
