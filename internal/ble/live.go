package ble

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"thlogger-gateway/internal/advert"
	"thlogger-gateway/internal/measurement"
	"thlogger-gateway/internal/mqtt"
	"thlogger-gateway/internal/protocol"
)

type LivePublisher interface {
	PublishLive(deviceID string, msg mqtt.LiveMessage) error
}

type LiveSink interface {
	WriteLive(ctx context.Context, deviceID string, r advert.LiveReading, rssi int16) error
}

// Live is the most recent advertisement seen from one logger.
type Live struct {
	DeviceID  string                  `json:"device_id"`
	LocalName string                  `json:"local_name,omitempty"`
	RSSI      int16                   `json:"rssi"`
	Reading   advert.LiveReading      `json:"reading"`
	Alarm     *measurement.AlarmCheck `json:"alarm,omitempty"`
}

// LiveHandler decodes logger advertisements, keeps the latest reading per
// device and publishes at most one reading per device per interval.
type LiveHandler struct {
	companyID  uint16
	interval   time.Duration
	publisher  LivePublisher
	sink       LiveSink
	thresholds func(deviceID string) (protocol.AlarmThresholds, bool)
	logger     *slog.Logger
	now        func() time.Time

	mu        sync.RWMutex
	latest    map[string]Live
	published map[string]time.Time

	// writes queues sink writes so the scan callback never waits on the sink.
	writes chan liveWrite
}

type liveWrite struct {
	deviceID string
	reading  advert.LiveReading
	rssi     int16
}

const (
	sinkQueue        = 64
	sinkWriteTimeout = 2 * time.Second
)

type LiveOption func(*LiveHandler)

func WithLiveSink(s LiveSink) LiveOption { return func(h *LiveHandler) { h.sink = s } }

// WithThresholds supplies per-device alarm limits for live readings.
func WithThresholds(fn func(string) (protocol.AlarmThresholds, bool)) LiveOption {
	return func(h *LiveHandler) { h.thresholds = fn }
}

func withClock(now func() time.Time) LiveOption { return func(h *LiveHandler) { h.now = now } }

func NewLiveHandler(companyID uint16, interval time.Duration, publisher LivePublisher, logger *slog.Logger, opts ...LiveOption) *LiveHandler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &LiveHandler{
		companyID: companyID,
		interval:  interval,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
		latest:    make(map[string]Live),
		published: make(map[string]time.Time),
		writes:    make(chan liveWrite, sinkQueue),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *LiveHandler) HandleMatch(m Match) {
	reading, ok := advert.Decode(advert.Frame{CompanyID: m.CompanyID, Payload: m.Data}, h.companyID, m.SeenAt)
	if !ok {
		h.logger.Debug("ble: ignore non-logger payload", "device_id", m.DeviceID, "bytes", len(m.Data))
		return
	}

	live := Live{DeviceID: m.DeviceID, LocalName: m.LocalName, RSSI: m.RSSI, Reading: reading}
	if h.thresholds != nil {
		if th, ok := h.thresholds(m.DeviceID); ok {
			check := measurement.CheckAlarm(measurement.Record{Temperature: reading.Temperature, Humidity: reading.Humidity}, th)
			live.Alarm = &check
		}
	}

	now := h.now()
	h.mu.Lock()
	h.latest[m.DeviceID] = live
	due := now.Sub(h.published[m.DeviceID]) >= h.interval
	if due {
		h.published[m.DeviceID] = now
	}
	h.mu.Unlock()
	if !due {
		return
	}

	if h.publisher != nil {
		msg := mqtt.LiveMessage{
			DeviceID:    m.DeviceID,
			Timestamp:   reading.ObservedAt,
			Temperature: reading.Temperature,
			Humidity:    reading.Humidity,
			RSSI:        m.RSSI,
			Alarm:       live.Alarm,
		}
		if err := h.publisher.PublishLive(m.DeviceID, msg); err != nil {
			h.logger.Warn("ble: failed to publish live reading", "device_id", m.DeviceID, "error", err)
		}
	}
	if h.sink != nil {
		select {
		case h.writes <- liveWrite{deviceID: m.DeviceID, reading: reading, rssi: m.RSSI}:
		default:
			h.logger.Warn("ble: live sink queue full, reading dropped", "device_id", m.DeviceID)
		}
	}
	h.logger.Info("ble: live reading",
		"device_id", m.DeviceID,
		"rssi", m.RSSI,
		"T", reading.Temperature,
		"H", reading.Humidity,
	)
}

// Run drains queued sink writes until ctx is done. Without a sink it only
// waits for ctx.
func (h *LiveHandler) Run(ctx context.Context) error {
	if h.sink == nil {
		<-ctx.Done()
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case w := <-h.writes:
			wctx, cancel := context.WithTimeout(ctx, sinkWriteTimeout)
			if err := h.sink.WriteLive(wctx, w.deviceID, w.reading, w.rssi); err != nil {
				h.logger.Warn("ble: failed to store live reading", "device_id", w.deviceID, "error", err)
			}
			cancel()
		}
	}
}

func (h *LiveHandler) Latest(deviceID string) (Live, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	l, ok := h.latest[DeviceID(deviceID)]
	return l, ok
}

// Devices lists every logger seen advertising, ordered by id.
func (h *LiveHandler) Devices() []Live {
	h.mu.RLock()
	out := make([]Live, 0, len(h.latest))
	for _, l := range h.latest {
		out = append(out, l)
	}
	h.mu.RUnlock()
	slices.SortFunc(out, func(a, b Live) int { return strings.Compare(a.DeviceID, b.DeviceID) })
	return out
}
