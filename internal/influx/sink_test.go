package influx

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"thlogger-gateway/internal/advert"
	"thlogger-gateway/internal/config"
	"thlogger-gateway/internal/measurement"
)

func dataset() measurement.Dataset {
	ts := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	return measurement.Dataset{DeviceID: "AA:BB", Records: []measurement.Record{
		{DeviceID: "AA:BB", Timestamp: ts, Temperature: 21.5, Humidity: 40, RecordIndex: 0},
		{DeviceID: "AA:BB", Timestamp: ts.Add(time.Minute), Temperature: -3.25, Humidity: 41, RecordIndex: 1},
	}}
}

func TestHistoryPoints_LineProtocol(t *testing.T) {
	points := HistoryPoints(dataset())
	if len(points) != 2 {
		t.Fatalf("points = %d; want 2", len(points))
	}
	got := write.PointToLineProtocol(points[1], time.Millisecond)
	for _, part := range []string{"logger_history,device_id=AA:BB ", "record_index=1i", "temperature=-3.25", " 1714550460000\n"} {
		if !strings.Contains(got, part) {
			t.Errorf("line = %q; missing %q", got, part)
		}
	}
}

func TestLivePoint(t *testing.T) {
	p := LivePoint("AA:BB", advert.LiveReading{Temperature: 20, Humidity: 55.5, ObservedAt: time.UnixMilli(1000)}, -70)
	line := write.PointToLineProtocol(p, time.Millisecond)
	if !strings.HasPrefix(line, "logger_live,device_id=AA:BB ") || !strings.Contains(line, "rssi=-70i") {
		t.Errorf("line = %q", line)
	}
}

func TestSink_WriteDataset(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
		query  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/write" {
			http.NotFound(w, r)
			return
		}
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		query = r.URL.RawQuery
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := config.Config{InfluxURL: srv.URL, InfluxToken: "token", InfluxOrg: "home", InfluxBucket: "thlogger"}
	sink := NewSink(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer sink.Close()

	if err := sink.WriteDataset(context.Background(), dataset()); err != nil {
		t.Fatalf("WriteDataset: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 1 {
		t.Fatalf("requests = %d; want 1", len(bodies))
	}
	if strings.Count(bodies[0], "logger_history,") != 2 {
		t.Errorf("body = %q; want two points", bodies[0])
	}
	if !strings.Contains(query, "bucket=thlogger") || !strings.Contains(query, "org=home") {
		t.Errorf("query = %q", query)
	}
}

func TestSink_WriteError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"code":"unauthorized","message":"bad token"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	sink := NewSink(config.Config{InfluxURL: srv.URL, InfluxToken: "x", InfluxOrg: "o", InfluxBucket: "b"}, nil)
	defer sink.Close()
	if err := sink.WriteDataset(context.Background(), dataset()); err == nil {
		t.Fatal("WriteDataset error = nil; want non-nil")
	}
}
