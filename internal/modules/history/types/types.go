package types

import (
	"time"

	"thlogger-gateway/internal/measurement"
	"thlogger-gateway/internal/protocol"
)

// Device is a logger known to the gateway, with the settings it reported at
// its last download.
type Device struct {
	ID              string                    `json:"id"`
	Name            string                    `json:"name,omitempty"`
	IntervalMinutes uint16                    `json:"interval_minutes"`
	Unit            string                    `json:"temp_unit"`
	StartTime       time.Time                 `json:"start_time"`
	TotalRecords    uint32                    `json:"total_records"`
	Battery         *uint8                    `json:"battery,omitempty"`
	Firmware        string                    `json:"firmware,omitempty"`
	Alarms          *protocol.AlarmThresholds `json:"alarms,omitempty"`
	LastDownload    *time.Time                `json:"last_download,omitempty"`
}

func DeviceFromInfo(id string, info protocol.DeviceInfo) Device {
	return Device{
		ID:              id,
		IntervalMinutes: info.IntervalMinutes,
		Unit:            info.Unit.String(),
		StartTime:       info.StartTime.UTC(),
		TotalRecords:    info.TotalRecords,
		Battery:         info.Battery,
		Firmware:        info.Firmware,
		Alarms:          info.Alarms,
	}
}

// DownloadStatus describes one download attempt.
type DownloadStatus struct {
	SessionID     string     `json:"session_id"`
	DeviceID      string     `json:"device_id"`
	Phase         string     `json:"phase"`
	Reason        string     `json:"reason,omitempty"`
	Error         string     `json:"error,omitempty"`
	ExpectedTotal uint32     `json:"expected_total"`
	NextIndex     uint32     `json:"next_index"`
	Received      int        `json:"received"`
	Retries       uint8      `json:"retries"`
	Stored        int        `json:"stored"`
	OutOfRange    int        `json:"out_of_range"`
	Resumed       bool       `json:"resumed"`
	Resumable     bool       `json:"resumable"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

func (s DownloadStatus) Done() bool { return s.FinishedAt != nil }

type MeasurementPage struct {
	DeviceID string               `json:"device_id"`
	From     *time.Time           `json:"from,omitempty"`
	To       *time.Time           `json:"to,omitempty"`
	Total    int                  `json:"total"`
	Limit    int                  `json:"limit"`
	Offset   int                  `json:"offset"`
	Records  []measurement.Record `json:"records"`
}
