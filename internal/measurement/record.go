package measurement

import (
	"time"

	"thlogger-gateway/internal/protocol"
)

// Accepted sensor ranges. Values outside them are kept but counted.
const (
	MinTemperature = -50.0
	MaxTemperature = 100.0
	MinHumidity    = 0.0
	MaxHumidity    = 100.0
)

// Record is one reconstructed measurement, always in °C.
type Record struct {
	DeviceID    string    `json:"device_id"`
	Timestamp   time.Time `json:"timestamp"`
	Temperature float32   `json:"temperature"`
	Humidity    float32   `json:"humidity"`
	RecordIndex uint32    `json:"record_index"`
}

func (r Record) InRange() bool {
	return r.Temperature >= MinTemperature && r.Temperature <= MaxTemperature &&
		r.Humidity >= MinHumidity && r.Humidity <= MaxHumidity
}

// Meta is the device context needed to turn raw records into measurements.
type Meta struct {
	DeviceID        string
	Start           time.Time
	IntervalMinutes uint32
	Unit            protocol.Unit
}

func MetaFromInfo(deviceID string, info protocol.DeviceInfo) Meta {
	return Meta{
		DeviceID:        deviceID,
		Start:           info.StartTime,
		IntervalMinutes: uint32(info.IntervalMinutes),
		Unit:            info.Unit,
	}
}

func ConvertTemperature(v float32, from, to protocol.Unit) float32 {
	switch {
	case from == to:
		return v
	case from == protocol.UnitCelsius && to == protocol.UnitFahrenheit:
		return v*9/5 + 32
	default:
		return (v - 32) * 5 / 9
	}
}
