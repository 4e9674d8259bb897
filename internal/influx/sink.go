package influx

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"thlogger-gateway/internal/advert"
	"thlogger-gateway/internal/config"
	"thlogger-gateway/internal/measurement"
)

const (
	measurementHistory = "logger_history"
	measurementLive    = "logger_live"
	writeBatch         = 1000
)

// Sink mirrors assembled downloads and live readings into an InfluxDB bucket.
type Sink struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
	bucket string
	logger *slog.Logger
}

func NewSink(cfg config.Config, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	client := influxdb2.NewClientWithOptions(cfg.InfluxURL, cfg.InfluxToken,
		influxdb2.DefaultOptions().SetPrecision(time.Millisecond))
	return &Sink{
		client: client,
		write:  client.WriteAPIBlocking(cfg.InfluxOrg, cfg.InfluxBucket),
		bucket: cfg.InfluxBucket,
		logger: logger.With("component", "influx"),
	}
}

// HistoryPoints converts a dataset into one point per record.
func HistoryPoints(ds measurement.Dataset) []*write.Point {
	out := make([]*write.Point, 0, len(ds.Records))
	for _, r := range ds.Records {
		out = append(out, influxdb2.NewPoint(
			measurementHistory,
			map[string]string{"device_id": r.DeviceID},
			map[string]interface{}{
				"temperature":  float64(r.Temperature),
				"humidity":     float64(r.Humidity),
				"record_index": int64(r.RecordIndex),
			},
			r.Timestamp,
		))
	}
	return out
}

func LivePoint(deviceID string, r advert.LiveReading, rssi int16) *write.Point {
	return influxdb2.NewPoint(
		measurementLive,
		map[string]string{"device_id": deviceID},
		map[string]interface{}{
			"temperature": float64(r.Temperature),
			"humidity":    float64(r.Humidity),
			"rssi":        int64(rssi),
		},
		r.ObservedAt,
	)
}

func (s *Sink) WriteDataset(ctx context.Context, ds measurement.Dataset) error {
	points := HistoryPoints(ds)
	for start := 0; start < len(points); start += writeBatch {
		end := min(start+writeBatch, len(points))
		if err := s.write.WritePoint(ctx, points[start:end]...); err != nil {
			return fmt.Errorf("influx write %s: %w", ds.DeviceID, err)
		}
	}
	s.logger.Debug("dataset written", "device_id", ds.DeviceID, "points", len(points), "bucket", s.bucket)
	return nil
}

func (s *Sink) WriteLive(ctx context.Context, deviceID string, r advert.LiveReading, rssi int16) error {
	if err := s.write.WritePoint(ctx, LivePoint(deviceID, r, rssi)); err != nil {
		return fmt.Errorf("influx write live %s: %w", deviceID, err)
	}
	return nil
}

// Ping reports whether the server is reachable.
func (s *Sink) Ping(ctx context.Context) error {
	ok, err := s.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("influx ping: %w", err)
	}
	if !ok {
		return fmt.Errorf("influx ping: server not ready")
	}
	return nil
}

func (s *Sink) Close() { s.client.Close() }
