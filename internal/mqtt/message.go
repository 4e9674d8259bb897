package mqtt

import (
	"strings"
	"time"

	"thlogger-gateway/internal/measurement"
)

// MaxBatch bounds the records carried by one measurements message.
const MaxBatch = 500

func LiveTopic(prefix, deviceID string) string {
	return topic(prefix, deviceID, "live")
}

func MeasurementsTopic(prefix, deviceID string) string {
	return topic(prefix, deviceID, "measurements")
}

func DownloadTopic(prefix, deviceID string) string {
	return topic(prefix, deviceID, "download")
}

func GatewayTopic(prefix, clientID string) string {
	return prefix + "/_gateway/" + clientID
}

// topic strips characters that are MQTT wildcards or level separators from
// the device id.
func topic(prefix, deviceID, leaf string) string {
	id := strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#':
			return '_'
		}
		return r
	}, deviceID)
	return prefix + "/" + id + "/" + leaf
}

type LiveMessage struct {
	DeviceID    string                  `json:"device_id"`
	Timestamp   time.Time               `json:"timestamp"`
	Temperature float32                 `json:"temperature_c"`
	Humidity    float32                 `json:"humidity_pct"`
	RSSI        int16                   `json:"rssi"`
	Alarm       *measurement.AlarmCheck `json:"alarm,omitempty"`
}

type MeasurementBatch struct {
	DeviceID string               `json:"device_id"`
	Batch    int                  `json:"batch"`
	Batches  int                  `json:"batches"`
	Records  []measurement.Record `json:"records"`
}

type DownloadStatus struct {
	SessionID     string    `json:"session_id"`
	DeviceID      string    `json:"device_id"`
	Phase         string    `json:"phase"`
	Reason        string    `json:"reason,omitempty"`
	ExpectedTotal uint32    `json:"expected_total"`
	Received      int       `json:"received"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Batch splits records into MaxBatch-sized messages.
func Batch(deviceID string, records []measurement.Record) []MeasurementBatch {
	n := (len(records) + MaxBatch - 1) / MaxBatch
	out := make([]MeasurementBatch, 0, n)
	for i := 0; i < n; i++ {
		end := min((i+1)*MaxBatch, len(records))
		out = append(out, MeasurementBatch{DeviceID: deviceID, Batch: i + 1, Batches: n, Records: records[i*MaxBatch : end]})
	}
	return out
}
