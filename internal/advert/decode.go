// Package advert decodes the logger's passive manufacturer-data advertisements.
package advert

import (
	"encoding/binary"
	"math"
	"time"
)

// Advertisement payload (little-endian): 2 reserved bytes, temperature float32,
// humidity float32 (10 bytes). Longer payloads are accepted; extra bytes are ignored.
const (
	// DefaultCompanyID is the WCH Bluetooth SIG company identifier the logger advertises with.
	DefaultCompanyID uint16 = 0x07D7

	payloadLen = 10
)

// Frame is the manufacturer-specific data of one advertisement.
type Frame struct {
	CompanyID uint16
	Payload   []byte
}

// LiveReading is a connectionless temperature/humidity observation.
type LiveReading struct {
	Temperature float32   `json:"temperature_c"`
	Humidity    float32   `json:"humidity_pct"`
	ObservedAt  time.Time `json:"observed_at"`
}

// Decode returns ok=false for frames from another vendor or with a payload
// shorter than the fixed layout. It never fails otherwise.
func Decode(f Frame, companyID uint16, observedAt time.Time) (LiveReading, bool) {
	if f.CompanyID != companyID {
		return LiveReading{}, false
	}
	if len(f.Payload) < payloadLen {
		return LiveReading{}, false
	}
	return LiveReading{
		Temperature: math.Float32frombits(binary.LittleEndian.Uint32(f.Payload[2:6])),
		Humidity:    math.Float32frombits(binary.LittleEndian.Uint32(f.Payload[6:10])),
		ObservedAt:  observedAt,
	}, true
}

// Encode builds the payload a logger would advertise for the given values.
func Encode(temperature, humidity float32) []byte {
	b := make([]byte, payloadLen)
	binary.LittleEndian.PutUint32(b[2:6], math.Float32bits(temperature))
	binary.LittleEndian.PutUint32(b[6:10], math.Float32bits(humidity))
	return b
}
