package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"thlogger-gateway/internal/download"
)

// Logger GATT layout.
var (
	ServiceUUID    = bluetooth.New16BitUUID(0xFFE0)
	WriteCharUUID  = bluetooth.New16BitUUID(0xFFE3)
	NotifyCharUUID = bluetooth.New16BitUUID(0xFFE4)
)

var ErrUnknownDevice = errors.New("device not seen by scanner")

// notifyBuffer holds notifications until the session goroutine reads them.
const notifyBuffer = 32

// Transport opens GATT connections to loggers the adapter has seen.
type Transport struct {
	adapter *Adapter
	timeout time.Duration
}

func NewTransport(adapter *Adapter, connectTimeout time.Duration) *Transport {
	return &Transport{adapter: adapter, timeout: connectTimeout}
}

var _ download.Transport = (*Transport)(nil)

func (t *Transport) Connect(ctx context.Context, deviceID string) (download.Connection, error) {
	if err := t.adapter.Enable(); err != nil {
		return nil, err
	}
	addr, ok := t.adapter.lookup(deviceID)
	if !ok {
		return nil, fmt.Errorf("connect %s: %w", deviceID, ErrUnknownDevice)
	}
	id := DeviceID(deviceID)
	logger := t.adapter.logger.With("device_id", id)

	type result struct {
		dev bluetooth.Device
		err error
	}
	done := make(chan result, 1)
	go func() {
		dev, err := t.adapter.bt.Connect(addr, bluetooth.ConnectionParams{
			ConnectionTimeout: bluetooth.NewDuration(t.timeout),
		})
		done <- result{dev, err}
	}()

	var dev bluetooth.Device
	select {
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil {
				_ = r.dev.Disconnect()
			}
		}()
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("connect %s: %w", id, r.err)
		}
		dev = r.dev
	}

	c := newGattConn(id, logger)
	c.dev = &dev
	if err := c.discover(); err != nil {
		_ = dev.Disconnect()
		return nil, fmt.Errorf("discover %s: %w", id, err)
	}
	t.adapter.track(id, c)
	c.onClose = func() { t.adapter.untrack(id, c) }
	logger.Info("ble: connected")
	return c, nil
}

type gattConn struct {
	id     string
	logger *slog.Logger
	dev    *bluetooth.Device
	write  bluetooth.DeviceCharacteristic

	notes     chan []byte
	disc      chan struct{}
	discOnce  sync.Once
	closeOnce sync.Once
	onClose   func()
}

func newGattConn(id string, logger *slog.Logger) *gattConn {
	return &gattConn{
		id:     id,
		logger: logger,
		notes:  make(chan []byte, notifyBuffer),
		disc:   make(chan struct{}),
	}
}

func (c *gattConn) discover() error {
	svcs, err := c.dev.DiscoverServices([]bluetooth.UUID{ServiceUUID})
	if err != nil || len(svcs) == 0 {
		return fmt.Errorf("service %s not found: %v", ServiceUUID, err)
	}
	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{WriteCharUUID, NotifyCharUUID})
	if err != nil {
		return fmt.Errorf("characteristics: %w", err)
	}

	var notify bluetooth.DeviceCharacteristic
	found := 0
	for _, ch := range chars {
		switch ch.UUID() {
		case WriteCharUUID:
			c.write = ch
			found++
		case NotifyCharUUID:
			notify = ch
			found++
		}
	}
	if found != 2 {
		return fmt.Errorf("characteristics %s/%s not found", WriteCharUUID, NotifyCharUUID)
	}
	return notify.EnableNotifications(c.deliver)
}

// deliver runs on the BLE stack's goroutine and must not block.
func (c *gattConn) deliver(b []byte) {
	frame := append([]byte(nil), b...)
	select {
	case c.notes <- frame:
	default:
		c.logger.Warn("ble: notification dropped, reader too slow", "bytes", len(b))
	}
}

func (c *gattConn) markDisconnected() {
	c.discOnce.Do(func() { close(c.disc) })
}

func (c *gattConn) Write(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.disc:
		return download.ErrConnectionLost
	default:
	}
	if _, err := c.write.WriteWithoutResponse(frame); err != nil {
		return fmt.Errorf("gatt write: %w", err)
	}
	return nil
}

func (c *gattConn) Notifications() <-chan []byte  { return c.notes }
func (c *gattConn) Disconnected() <-chan struct{} { return c.disc }

func (c *gattConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.onClose != nil {
			c.onClose()
		}
		c.markDisconnected()
		if c.dev != nil {
			err = c.dev.Disconnect()
		}
		c.logger.Info("ble: connection closed")
	})
	return err
}
