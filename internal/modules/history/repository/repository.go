package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"thlogger-gateway/internal/measurement"
	"thlogger-gateway/internal/modules/history/types"
	"thlogger-gateway/internal/protocol"
)

//go:embed sql/upsert-device.sql
var upsertDeviceSQL string

//go:embed sql/get-devices.sql
var getDevicesSQL string

//go:embed sql/get-device.sql
var getDeviceSQL string

//go:embed sql/insert-measurement.sql
var insertMeasurementSQL string

//go:embed sql/get-measurements.sql
var getMeasurementsSQL string

//go:embed sql/count-measurements.sql
var countMeasurementsSQL string

//go:embed sql/purge-measurements.sql
var purgeMeasurementsSQL string

//go:embed sql/save-download.sql
var saveDownloadSQL string

//go:embed sql/get-downloads.sql
var getDownloadsSQL string

var ErrNotFound = errors.New("not found")

type HistoryRepository interface {
	UpsertDevice(ctx context.Context, d types.Device) error
	GetDevice(ctx context.Context, id string) (types.Device, error)
	GetDevices(ctx context.Context) ([]types.Device, error)
	InsertMeasurements(ctx context.Context, records []measurement.Record) (int, error)
	GetMeasurements(ctx context.Context, deviceID string, from, to time.Time, limit, offset int) ([]measurement.Record, error)
	CountMeasurements(ctx context.Context, deviceID string, from, to time.Time) (int, error)
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
	SaveDownload(ctx context.Context, st types.DownloadStatus) error
	GetDownloads(ctx context.Context, deviceID string, limit int) ([]types.DownloadStatus, error)
}

type repositoryImpl struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) HistoryRepository {
	return &repositoryImpl{db: db}
}

func (r *repositoryImpl) UpsertDevice(ctx context.Context, d types.Device) error {
	var battery sql.NullInt64
	if d.Battery != nil {
		battery = sql.NullInt64{Int64: int64(*d.Battery), Valid: true}
	}
	var maxT, minT, maxH, minH sql.NullFloat64
	if a := d.Alarms; a != nil {
		maxT = sql.NullFloat64{Float64: float64(a.MaxTemp), Valid: true}
		minT = sql.NullFloat64{Float64: float64(a.MinTemp), Valid: true}
		maxH = sql.NullFloat64{Float64: float64(a.MaxHumi), Valid: true}
		minH = sql.NullFloat64{Float64: float64(a.MinHumi), Valid: true}
	}
	var last sql.NullInt64
	if d.LastDownload != nil {
		last = sql.NullInt64{Int64: d.LastDownload.UnixMilli(), Valid: true}
	}
	_, err := r.db.ExecContext(ctx, upsertDeviceSQL,
		d.ID, d.Name, d.IntervalMinutes, d.Unit, d.StartTime.UnixMilli(), d.TotalRecords,
		battery, d.Firmware, maxT, minT, maxH, minH, last)
	if err != nil {
		return fmt.Errorf("upsert device %q: %w", d.ID, err)
	}
	return nil
}

func (r *repositoryImpl) GetDevice(ctx context.Context, id string) (types.Device, error) {
	d, err := scanDevice(r.db.QueryRowContext(ctx, getDeviceSQL, id))
	if errors.Is(err, sql.ErrNoRows) {
		return types.Device{}, fmt.Errorf("device %q: %w", id, ErrNotFound)
	}
	return d, err
}

func (r *repositoryImpl) GetDevices(ctx context.Context) ([]types.Device, error) {
	rows, err := r.db.QueryContext(ctx, getDevicesSQL)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close devices rows", "error", err)
		}
	}()
	out := []types.Device{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(s scanner) (types.Device, error) {
	var (
		d                      types.Device
		startMs                int64
		battery, last          sql.NullInt64
		maxT, minT, maxH, minH sql.NullFloat64
	)
	err := s.Scan(&d.ID, &d.Name, &d.IntervalMinutes, &d.Unit, &startMs, &d.TotalRecords,
		&battery, &d.Firmware, &maxT, &minT, &maxH, &minH, &last)
	if err != nil {
		return types.Device{}, err
	}
	d.StartTime = time.UnixMilli(startMs).UTC()
	if battery.Valid {
		b := uint8(battery.Int64)
		d.Battery = &b
	}
	if maxT.Valid && minT.Valid && maxH.Valid && minH.Valid {
		d.Alarms = &protocol.AlarmThresholds{
			MaxTemp: float32(maxT.Float64),
			MinTemp: float32(minT.Float64),
			MaxHumi: float32(maxH.Float64),
			MinHumi: float32(minH.Float64),
		}
	}
	if last.Valid {
		t := time.UnixMilli(last.Int64).UTC()
		d.LastDownload = &t
	}
	return d, nil
}

// InsertMeasurements stores records in one transaction and returns how many
// were new. Records already stored for the same device and time are skipped.
func (r *repositoryImpl) InsertMeasurements(ctx context.Context, records []measurement.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, insertMeasurementSQL)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer func() {
		if err := stmt.Close(); err != nil {
			slog.Error("close insert statement", "error", err)
		}
	}()

	stored := 0
	for _, rec := range records {
		res, err := stmt.ExecContext(ctx, rec.DeviceID, rec.Timestamp.UnixMilli(), rec.RecordIndex,
			float64(rec.Temperature), float64(rec.Humidity))
		if err != nil {
			return 0, fmt.Errorf("insert record %d of %q: %w", rec.RecordIndex, rec.DeviceID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		stored += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return stored, nil
}

// GetMeasurements returns records with from <= ts <= to in time order. A zero
// from or to leaves that side open.
func (r *repositoryImpl) GetMeasurements(ctx context.Context, deviceID string, from, to time.Time, limit, offset int) ([]measurement.Record, error) {
	lo, hi := bounds(from, to)
	rows, err := r.db.QueryContext(ctx, getMeasurementsSQL, deviceID, lo, hi, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close measurement rows", "error", err)
		}
	}()
	out := []measurement.Record{}
	for rows.Next() {
		var (
			rec        measurement.Record
			tsMs       int64
			temp, humi float64
		)
		if err := rows.Scan(&rec.DeviceID, &tsMs, &rec.RecordIndex, &temp, &humi); err != nil {
			return nil, err
		}
		rec.Timestamp = time.UnixMilli(tsMs).UTC()
		rec.Temperature = float32(temp)
		rec.Humidity = float32(humi)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *repositoryImpl) CountMeasurements(ctx context.Context, deviceID string, from, to time.Time) (int, error) {
	lo, hi := bounds(from, to)
	var n int
	err := r.db.QueryRowContext(ctx, countMeasurementsSQL, deviceID, lo, hi).Scan(&n)
	return n, err
}

func (r *repositoryImpl) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, purgeMeasurementsSQL, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge measurements: %w", err)
	}
	return res.RowsAffected()
}

func (r *repositoryImpl) SaveDownload(ctx context.Context, st types.DownloadStatus) error {
	var finished sql.NullInt64
	if st.FinishedAt != nil {
		finished = sql.NullInt64{Int64: st.FinishedAt.UnixMilli(), Valid: true}
	}
	_, err := r.db.ExecContext(ctx, saveDownloadSQL, st.SessionID, st.DeviceID, st.StartedAt.UnixMilli(), finished,
		st.Phase, st.Reason, st.ExpectedTotal, st.Received, st.Stored)
	if err != nil {
		return fmt.Errorf("save download %s: %w", st.SessionID, err)
	}
	return nil
}

func (r *repositoryImpl) GetDownloads(ctx context.Context, deviceID string, limit int) ([]types.DownloadStatus, error) {
	rows, err := r.db.QueryContext(ctx, getDownloadsSQL, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close download rows", "error", err)
		}
	}()
	out := []types.DownloadStatus{}
	for rows.Next() {
		var (
			st        types.DownloadStatus
			startedMs int64
			finished  sql.NullInt64
		)
		if err := rows.Scan(&st.SessionID, &st.DeviceID, &startedMs, &finished, &st.Phase, &st.Reason,
			&st.ExpectedTotal, &st.Received, &st.Stored); err != nil {
			return nil, err
		}
		st.StartedAt = time.UnixMilli(startedMs).UTC()
		if finished.Valid {
			t := time.UnixMilli(finished.Int64).UTC()
			st.FinishedAt = &t
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func bounds(from, to time.Time) (int64, int64) {
	lo, hi := int64(math.MinInt64), int64(math.MaxInt64)
	if !from.IsZero() {
		lo = from.UnixMilli()
	}
	if !to.IsZero() {
		hi = to.UnixMilli()
	}
	return lo, hi
}
