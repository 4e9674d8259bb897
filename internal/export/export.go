package export

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"thlogger-gateway/internal/measurement"
)

const (
	FilePrefix = "TempHumiLog_"
	TimeLayout = "2006-01-02 15:04:05"
	MaxRecords = 100_000
)

var ErrTooManyRecords = errors.New("too many records to export")

type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatJSON:
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unknown export format %q", s)
}

func (f Format) ContentType() string {
	if f == FormatJSON {
		return "application/json"
	}
	return "text/csv"
}

// FileName builds the download name for a device export taken at now.
func FileName(deviceID string, f Format, now time.Time) string {
	return FilePrefix + sanitize(deviceID) + "_" + now.UTC().Format("20060102_150405") + "." + string(f)
}

func sanitize(s string) string {
	b := []byte(s)
	for i, c := range b {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '-':
		default:
			b[i] = '-'
		}
	}
	return string(b)
}

func Write(w io.Writer, f Format, records []measurement.Record) error {
	if len(records) > MaxRecords {
		return fmt.Errorf("%w: %d > %d", ErrTooManyRecords, len(records), MaxRecords)
	}
	switch f {
	case FormatJSON:
		return writeJSON(w, records)
	default:
		return writeCSV(w, records)
	}
}

func writeCSV(w io.Writer, records []measurement.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"device_id", "record_index", "timestamp", "temperature_c", "humidity_pct"}); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, r := range records {
		row := []string{
			r.DeviceID,
			strconv.FormatUint(uint64(r.RecordIndex), 10),
			r.Timestamp.UTC().Format(TimeLayout),
			strconv.FormatFloat(float64(r.Temperature), 'f', 2, 32),
			strconv.FormatFloat(float64(r.Humidity), 'f', 2, 32),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row %d: %w", r.RecordIndex, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

type jsonDocument struct {
	ExportedAt time.Time            `json:"exported_at"`
	Count      int                  `json:"count"`
	Records    []measurement.Record `json:"records"`
}

func writeJSON(w io.Writer, records []measurement.Record) error {
	if records == nil {
		records = []measurement.Record{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(jsonDocument{ExportedAt: time.Now().UTC(), Count: len(records), Records: records})
}
