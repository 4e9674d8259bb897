package ble

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

// Adapter is the host BLE adapter shared by the scanner and GATT transport.
// It remembers the address of every device it has seen so downloads can be
// addressed by device id.
type Adapter struct {
	name   string
	bt     *bluetooth.Adapter
	logger *slog.Logger

	enableOnce sync.Once
	enableErr  error

	mu    sync.RWMutex
	seen  map[string]bluetooth.Address
	conns map[string]*gattConn
}

func NewAdapter(name string, logger *slog.Logger) *Adapter {
	if name == "" {
		name = "hci0"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		name:   name,
		bt:     bluetooth.NewAdapter(name),
		logger: logger.With("component", "ble", "adapter", name),
		seen:   make(map[string]bluetooth.Address),
		conns:  make(map[string]*gattConn),
	}
}

// Enable powers the adapter once. Later calls return the first result.
func (a *Adapter) Enable() error {
	a.enableOnce.Do(func() {
		a.logger.Info("ble: enabling adapter")
		if err := a.bt.Enable(); err != nil {
			a.enableErr = fmt.Errorf("ble enable (%s): %w", a.name, err)
			return
		}
		a.bt.SetConnectHandler(a.onConnectEvent)
		a.logger.Info("ble: adapter enabled")
	})
	return a.enableErr
}

// DeviceID normalises an address into the id used across the gateway.
func DeviceID(addr string) string { return strings.ToUpper(addr) }

func (a *Adapter) remember(addr bluetooth.Address) string {
	id := DeviceID(addr.String())
	a.mu.Lock()
	a.seen[id] = addr
	a.mu.Unlock()
	return id
}

func (a *Adapter) lookup(id string) (bluetooth.Address, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	addr, ok := a.seen[DeviceID(id)]
	return addr, ok
}

func (a *Adapter) track(id string, c *gattConn) {
	a.mu.Lock()
	a.conns[id] = c
	a.mu.Unlock()
}

func (a *Adapter) untrack(id string, c *gattConn) {
	a.mu.Lock()
	if a.conns[id] == c {
		delete(a.conns, id)
	}
	a.mu.Unlock()
}

// onConnectEvent is the adapter-wide connect handler; it routes link loss
// to the open connection for that device.
func (a *Adapter) onConnectEvent(d bluetooth.Device, connected bool) {
	if connected {
		return
	}
	id := DeviceID(d.Address.String())
	a.mu.RLock()
	c := a.conns[id]
	a.mu.RUnlock()
	if c != nil {
		a.logger.Warn("ble: device disconnected", "device_id", id)
		c.markDisconnected()
	}
}
