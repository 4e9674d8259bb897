package service

import (
	"context"
	"errors"
	"fmt"

	"thlogger-gateway/internal/device"
	"thlogger-gateway/internal/modules/history/types"
	"thlogger-gateway/internal/protocol"
)

var ErrInvalidControl = errors.New("invalid control command")

// Control actions.
const (
	ActionSetInterval  = "set_interval"
	ActionSetUnit      = "set_unit"
	ActionClearData    = "clear_data"
	ActionStartLogging = "start_logging"
	ActionStopLogging  = "stop_logging"
)

type ControlCommand struct {
	Action          string `json:"action"`
	IntervalMinutes uint16 `json:"interval_minutes,omitempty"`
	Unit            string `json:"unit,omitempty"`
}

type controlFunc func(ctx context.Context, c *device.Client) error

func (cmd ControlCommand) compile() (controlFunc, error) {
	switch cmd.Action {
	case ActionSetInterval:
		if cmd.IntervalMinutes < protocol.MinIntervalMinutes || cmd.IntervalMinutes > protocol.MaxIntervalMinutes {
			return nil, fmt.Errorf("%w: interval_minutes must be %d-%d, got %d",
				ErrInvalidControl, protocol.MinIntervalMinutes, protocol.MaxIntervalMinutes, cmd.IntervalMinutes)
		}
		return func(ctx context.Context, c *device.Client) error { return c.SetInterval(ctx, cmd.IntervalMinutes) }, nil
	case ActionSetUnit:
		u, err := protocol.ParseUnit(cmd.Unit)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidControl, err)
		}
		return func(ctx context.Context, c *device.Client) error { return c.SetTempUnit(ctx, u) }, nil
	case ActionClearData:
		return func(ctx context.Context, c *device.Client) error { return c.ClearData(ctx) }, nil
	case ActionStartLogging:
		return func(ctx context.Context, c *device.Client) error { return c.StartLogging(ctx) }, nil
	case ActionStopLogging:
		return func(ctx context.Context, c *device.Client) error { return c.StopLogging(ctx) }, nil
	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidControl, cmd.Action)
	}
}

// Control sends one settings or logging command to a device and refreshes
// the stored device record. It fails with ErrBusy while a download or another
// command holds the device.
func (s *Service) Control(ctx context.Context, deviceID string, cmd ControlCommand) (types.Device, error) {
	run, err := cmd.compile()
	if err != nil {
		return types.Device{}, err
	}
	if err := s.acquire(deviceID); err != nil {
		return types.Device{}, err
	}
	defer s.release(deviceID)

	logger := s.logger.With("device_id", deviceID, "action", cmd.Action)
	conn, err := s.transport.Connect(ctx, deviceID)
	if err != nil {
		return types.Device{}, fmt.Errorf("connect: %w", err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Warn("close connection", "error", err)
		}
	}()

	client := device.NewClient(conn, s.cfg.Download.ChunkTimeout, logger)
	if err := run(ctx, client); err != nil {
		return types.Device{}, fmt.Errorf("%s: %w", cmd.Action, err)
	}
	logger.Info("device command applied")

	if cmd.Action == ActionClearData {
		// Indices restart after a clear, so a half-done download is worthless.
		s.mu.Lock()
		delete(s.failed, deviceID)
		s.mu.Unlock()
	}

	info, err := client.Info(ctx)
	if err != nil {
		logger.Warn("refresh device info failed", "error", err)
		return types.Device{ID: deviceID}, nil
	}
	dev := types.DeviceFromInfo(deviceID, info)
	if err := s.repo.UpsertDevice(ctx, dev); err != nil {
		logger.Warn("store device info failed", "error", err)
	}
	s.rememberThresholds(deviceID, info.Alarms)
	return dev, nil
}
