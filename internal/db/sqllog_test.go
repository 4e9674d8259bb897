package db

import (
	"context"
	"database/sql"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"thlogger-gateway/internal/config"
)

// captureHandler records log records for assertion in tests.
type captureHandler struct {
	mu      sync.Mutex
	records []map[string]slog.Value
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := map[string]slog.Value{"msg": slog.StringValue(r.Message)}
	r.Attrs(func(a slog.Attr) bool {
		m[a.Key] = a.Value
		return true
	})
	h.records = append(h.records, m)
	return nil
}

func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *captureHandler) WithGroup(string) slog.Handler      { return h }

func (h *captureHandler) last(t *testing.T, msg string) map[string]slog.Value {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.records) - 1; i >= 0; i-- {
		if h.records[i]["msg"].String() == msg {
			return h.records[i]
		}
	}
	t.Fatalf("no %q log record", msg)
	return nil
}

func openLogged(t *testing.T) (*sql.DB, *captureHandler) {
	t.Helper()
	h := &captureHandler{}
	connector, err := NewLoggingConnector(":memory:", slog.New(h))
	if err != nil {
		t.Fatalf("NewLoggingConnector: %v", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db, h
}

func TestLoggingConnector_ExecLogged(t *testing.T) {
	db, h := openLogged(t)
	if _, err := db.Exec(`CREATE TABLE m (record_index INTEGER, payload BLOB)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO m (record_index, payload) VALUES (?, ?)`, 7, []byte{1, 2, 3}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got := h.last(t, "sql")
	if got["op"].String() != "exec" {
		t.Errorf("op = %q, want exec", got["op"].String())
	}
	if !strings.HasPrefix(got["sql"].String(), "INSERT INTO m") {
		t.Errorf("sql = %q", got["sql"].String())
	}
	args, _ := got["args"].Any().([]string)
	if len(args) != 2 || args[0] != "7" || args[1] != "<3 bytes>" {
		t.Errorf("args = %v, want [7 <3 bytes>]", got["args"].Any())
	}
	if _, ok := got["elapsed"]; !ok {
		t.Error("missing elapsed attribute")
	}
}

func TestLoggingConnector_QueryLogged(t *testing.T) {
	db, h := openLogged(t)
	var one int
	if err := db.QueryRow(`SELECT 1`).Scan(&one); err != nil {
		t.Fatalf("query: %v", err)
	}
	got := h.last(t, "sql")
	if got["op"].String() != "query" || got["sql"].String() != "SELECT 1" {
		t.Errorf("record = %v", got)
	}
}

func TestLoggingConnector_ErrorLogged(t *testing.T) {
	db, h := openLogged(t)
	if _, err := db.Exec(`CREATE TABLE t (id INTEGER PRIMARY KEY)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO t (id) VALUES (1)`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO t (id) VALUES (1)`); err == nil {
		t.Fatal("duplicate insert succeeded")
	}
	if _, ok := h.last(t, "sql")["error"]; !ok {
		t.Error("failed statement logged without error attribute")
	}
}

func TestOpen_FileBacked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "store.db")
	cfg := config.Config{Path: path, MaxOpenConns: 1, MaxIdleConns: 1, LogLevel: slog.LevelDebug}

	db, err := Open(cfg, slog.New(&captureHandler{}))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	var mode string
	if err := db.QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil {
		t.Fatalf("pragma: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

func TestBuildDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.Config
		want string
	}{
		{name: "explicit dsn", cfg: config.Config{DSN: "file::memory:?cache=shared"}, want: "file::memory:?cache=shared"},
		{name: "plain path", cfg: config.Config{Path: "store.db"}, want: "file:store.db?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL"},
		{name: "file uri with query", cfg: config.Config{Path: "file:store.db?mode=rwc"}, want: "file:store.db?mode=rwc&_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildDSN(tt.cfg)
			if err != nil {
				t.Fatalf("buildDSN: %v", err)
			}
			if got != tt.want {
				t.Errorf("buildDSN = %q, want %q", got, tt.want)
			}
		})
	}
}
