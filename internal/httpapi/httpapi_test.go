package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"thlogger-gateway/internal/config"
)

type fakeBroker struct{ up bool }

func (b fakeBroker) IsConnected() bool { return b.up }

type captureHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return nil
}

func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *captureHandler) WithGroup(string) slog.Handler      { return h }

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestServer(t *testing.T, db *sql.DB, broker BrokerStatus) (*httptest.Server, *captureHandler) {
	t.Helper()
	h := &captureHandler{}
	srv := NewServer(config.Config{HTTPAddr: ":0"}, NewMux(db, broker), slog.New(h))
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return ts, h
}

func mustGetJSON[T any](t *testing.T, client *http.Client, url string, out *T) *http.Response {
	t.Helper()
	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	return resp
}

func TestHealthz(t *testing.T) {
	tests := []struct {
		name     string
		broker   BrokerStatus
		wantMQTT string
	}{
		{name: "broker up", broker: fakeBroker{up: true}, wantMQTT: "connected"},
		{name: "broker down", broker: fakeBroker{}, wantMQTT: "disconnected"},
		{name: "no broker", broker: nil, wantMQTT: "disconnected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, _ := newTestServer(t, openDB(t), tt.broker)

			var body map[string]string
			resp := mustGetJSON(t, ts.Client(), ts.URL+"/healthz", &body)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status=%d want=%d", resp.StatusCode, http.StatusOK)
			}
			if body["status"] != "ok" || body["mqtt"] != tt.wantMQTT {
				t.Fatalf("body=%v want status=ok mqtt=%s", body, tt.wantMQTT)
			}
		})
	}
}

func TestHealthz_DatabaseDown(t *testing.T) {
	db := openDB(t)
	if err := db.Close(); err != nil {
		t.Fatalf("close db: %v", err)
	}
	ts, _ := newTestServer(t, db, fakeBroker{up: true})

	var body map[string]string
	resp := mustGetJSON(t, ts.Client(), ts.URL+"/healthz", &body)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status=%d want=%d", resp.StatusCode, http.StatusInternalServerError)
	}
	if body["message"] != "failed to check database connectivity" {
		t.Fatalf("message=%q", body["message"])
	}
}

func TestRouting_UnknownRoute(t *testing.T) {
	ts, _ := newTestServer(t, openDB(t), nil)

	resp, err := ts.Client().Get(ts.URL + "/does-not-exist")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status=%d want=%d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestRouting_WrongMethod(t *testing.T) {
	ts, _ := newTestServer(t, openDB(t), nil)

	resp, err := ts.Client().Post(ts.URL+"/healthz", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d want=%d", resp.StatusCode, http.StatusMethodNotAllowed)
	}
}

func TestRequestLogger(t *testing.T) {
	ts, h := newTestServer(t, openDB(t), nil)

	resp, err := ts.Client().Get(ts.URL + "/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.records) != 1 {
		t.Fatalf("records=%d want=1", len(h.records))
	}
	r := h.records[0]
	if r.Message != "http request" || r.Level != slog.LevelInfo {
		t.Fatalf("record=%q level=%v", r.Message, r.Level)
	}
	attrs := map[string]slog.Value{}
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value
		return true
	})
	if attrs["status"].Int64() != http.StatusNotFound || attrs["path"].String() != "/nope" {
		t.Fatalf("attrs=%v", attrs)
	}
}
