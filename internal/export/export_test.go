package export

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"thlogger-gateway/internal/measurement"
)

func sample() []measurement.Record {
	ts := time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)
	return []measurement.Record{
		{DeviceID: "AA:BB", RecordIndex: 0, Timestamp: ts, Temperature: 21.5, Humidity: 40},
		{DeviceID: "AA:BB", RecordIndex: 1, Timestamp: ts.Add(5 * time.Minute), Temperature: -3.25, Humidity: 41.1},
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, FormatCSV, sample()); err != nil {
		t.Fatalf("Write: %v", err)
	}
	want := "device_id,record_index,timestamp,temperature_c,humidity_pct\n" +
		"AA:BB,0,2024-05-01 08:30:00,21.50,40.00\n" +
		"AA:BB,1,2024-05-01 08:35:00,-3.25,41.10\n"
	if got := buf.String(); got != want {
		t.Fatalf("csv =\n%s\nwant\n%s", got, want)
	}
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, FormatJSON, sample()); err != nil {
		t.Fatalf("Write: %v", err)
	}
	var doc struct {
		Count   int                  `json:"count"`
		Records []measurement.Record `json:"records"`
	}
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.Count != 2 || len(doc.Records) != 2 || doc.Records[1].Temperature != -3.25 {
		t.Fatalf("doc = %+v", doc)
	}
}

func TestWrite_TooMany(t *testing.T) {
	err := Write(&bytes.Buffer{}, FormatCSV, make([]measurement.Record, MaxRecords+1))
	if !errors.Is(err, ErrTooManyRecords) {
		t.Fatalf("err = %v; want ErrTooManyRecords", err)
	}
}

func TestFileName(t *testing.T) {
	got := FileName("AA:BB:CC", FormatCSV, time.Date(2024, 5, 1, 8, 30, 15, 0, time.UTC))
	if got != "TempHumiLog_AA-BB-CC_20240501_083015.csv" {
		t.Errorf("FileName = %q", got)
	}
	if !strings.HasPrefix(FileName("x", FormatJSON, time.Now()), FilePrefix) {
		t.Error("missing prefix")
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatCSV, "csv": FormatCSV, "json": FormatJSON} {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("ParseFormat(xml) = nil error")
	}
}
