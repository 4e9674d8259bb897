package measurement

import (
	"errors"
	"fmt"

	"thlogger-gateway/internal/download"
	"thlogger-gateway/internal/protocol"
)

var ErrIncompleteAssembly = errors.New("incomplete assembly")

// Dataset is the output of one assembled download.
type Dataset struct {
	DeviceID   string     `json:"device_id"`
	Records    []Record   `json:"records"`
	Stats      Statistics `json:"statistics"`
	OutOfRange int        `json:"out_of_range"`
}

// Assemble converts a completed download into timestamped records. The result
// must hold exactly indices 0..ExpectedTotal-1; anything else is rejected
// whole.
func Assemble(res download.Result, meta Meta) (Dataset, error) {
	if uint32(len(res.Records)) != res.ExpectedTotal {
		return Dataset{}, fmt.Errorf("%w: have %d records, expected %d", ErrIncompleteAssembly, len(res.Records), res.ExpectedTotal)
	}

	ds := Dataset{DeviceID: meta.DeviceID, Records: make([]Record, 0, len(res.Records))}
	for i, raw := range res.Records {
		if i > 0 && raw.Index == res.Records[i-1].Index {
			return Dataset{}, fmt.Errorf("%w: duplicate index %d", ErrIncompleteAssembly, raw.Index)
		}
		if raw.Index != uint32(i) {
			return Dataset{}, fmt.Errorf("%w: gap at index %d (found %d)", ErrIncompleteAssembly, i, raw.Index)
		}

		rec := Record{
			DeviceID:    meta.DeviceID,
			Timestamp:   Timestamp(meta.Start, raw.Index, meta.IntervalMinutes),
			Temperature: ConvertTemperature(raw.Temperature(), meta.Unit, protocol.UnitCelsius),
			Humidity:    raw.Humidity(),
			RecordIndex: raw.Index,
		}
		if !rec.InRange() {
			ds.OutOfRange++
		}
		ds.Records = append(ds.Records, rec)
	}
	ds.Stats = Compute(ds.Records)
	return ds, nil
}
