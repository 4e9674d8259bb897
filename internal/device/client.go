package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"thlogger-gateway/internal/download"
	"thlogger-gateway/internal/protocol"
)

var (
	ErrDeviceRejected = errors.New("device rejected command")
	ErrNoResponse     = errors.New("device did not respond")
)

// Client runs single request/response exchanges (settings, logging control)
// over an open connection. It must not be used while a download session owns
// the same connection.
type Client struct {
	conn    download.Connection
	timeout time.Duration
	logger  *slog.Logger
}

func NewClient(conn download.Connection, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{conn: conn, timeout: timeout, logger: logger}
}

func (c *Client) Info(ctx context.Context) (protocol.DeviceInfo, error) {
	resp, err := c.exchange(ctx, protocol.GetDeviceInfo(), protocol.RespDeviceInfo)
	if err != nil {
		return protocol.DeviceInfo{}, err
	}
	return resp.(protocol.DeviceInfo), nil
}

func (c *Client) SetInterval(ctx context.Context, minutes uint16) error {
	cmd, err := protocol.SetInterval(minutes)
	if err != nil {
		return err
	}
	_, err = c.exchange(ctx, cmd, protocol.RespSuccess)
	return err
}

func (c *Client) SetTempUnit(ctx context.Context, u protocol.Unit) error {
	cmd, err := protocol.SetTempUnit(u)
	if err != nil {
		return err
	}
	_, err = c.exchange(ctx, cmd, protocol.RespSuccess)
	return err
}

func (c *Client) ClearData(ctx context.Context) error {
	_, err := c.exchange(ctx, protocol.ClearData(), protocol.RespSuccess)
	return err
}

func (c *Client) StartLogging(ctx context.Context) error {
	_, err := c.exchange(ctx, protocol.StartLogging(), protocol.RespSuccess)
	return err
}

func (c *Client) StopLogging(ctx context.Context) error {
	_, err := c.exchange(ctx, protocol.StopLogging(), protocol.RespSuccess)
	return err
}

func (c *Client) exchange(ctx context.Context, cmd protocol.CommandFrame, want byte) (protocol.Response, error) {
	frame, err := protocol.Encode(cmd)
	if err != nil {
		return nil, err
	}
	if err := c.conn.Write(ctx, frame); err != nil {
		return nil, fmt.Errorf("write 0x%02X: %w: %w", cmd.Opcode, download.ErrConnectionLost, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.conn.Disconnected():
			return nil, download.ErrConnectionLost
		case <-timer.C:
			return nil, fmt.Errorf("command 0x%02X: %w", cmd.Opcode, ErrNoResponse)
		case b, ok := <-c.conn.Notifications():
			if !ok {
				return nil, download.ErrConnectionLost
			}
			resp, err := protocol.DecodeResponse(b)
			if err != nil {
				c.logger.Debug("discarding undecodable frame", "opcode", cmd.Opcode, "error", err)
				continue
			}
			if e, isErr := resp.(protocol.ErrorFrame); isErr {
				return nil, fmt.Errorf("command 0x%02X: %w (code 0x%02X)", cmd.Opcode, ErrDeviceRejected, e.Code)
			}
			if resp.ResponseCode() != want {
				c.logger.Debug("discarding unexpected frame", "opcode", cmd.Opcode, "code", resp.ResponseCode())
				continue
			}
			return resp, nil
		}
	}
}
