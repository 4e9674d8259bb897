package ble

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"tinygo.org/x/bluetooth"
)

// Match is a single advertisement that passed the filter.
type Match struct {
	DeviceID  string
	RSSI      int16
	LocalName string
	CompanyID uint16
	Data      []byte
	SeenAt    time.Time
}

// ManufacturerData is one manufacturer-specific advertisement element.
type ManufacturerData struct {
	CompanyID uint16
	Data      []byte
}

type Filter struct {
	LocalName string
	// CompanyID 0 accepts any company.
	CompanyID            uint16
	ManufacturerDataPref []byte
}

// Match returns the first manufacturer element accepted by f.
func (f Filter) Match(localName string, elems []ManufacturerData) (ManufacturerData, bool) {
	if f.LocalName != "" && localName != f.LocalName {
		return ManufacturerData{}, false
	}
	for _, md := range elems {
		if f.CompanyID != 0 && md.CompanyID != f.CompanyID {
			continue
		}
		if !bytes.HasPrefix(md.Data, f.ManufacturerDataPref) {
			continue
		}
		return md, true
	}
	return ManufacturerData{}, false
}

// Listener wraps BlueZ scanning with context cancellation.
type Listener struct {
	adapter *Adapter
	filter  Filter
	logger  *slog.Logger
}

func NewListener(adapter *Adapter, filter Filter) *Listener {
	return &Listener{adapter: adapter, filter: filter, logger: adapter.logger}
}

// Run scans until ctx is done. Every observed address is remembered on the
// adapter, including devices the filter rejects.
func (l *Listener) Run(ctx context.Context, onMatch func(Match)) error {
	if err := l.adapter.Enable(); err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		_ = l.adapter.bt.StopScan()
	}()

	l.logger.Info("ble: scanning started",
		"filter_name", l.filter.LocalName,
		"filter_company", fmt.Sprintf("0x%04X", l.filter.CompanyID),
		"filter_prefix", fmt.Sprintf("% X", l.filter.ManufacturerDataPref),
	)

	// Scan blocks until StopScan or error.
	err := l.adapter.bt.Scan(func(_ *bluetooth.Adapter, r bluetooth.ScanResult) {
		id := l.adapter.remember(r.Address)

		var elems []ManufacturerData
		for _, md := range r.ManufacturerData() {
			elems = append(elems, ManufacturerData{CompanyID: md.CompanyID, Data: md.Data})
		}
		md, ok := l.filter.Match(r.LocalName(), elems)
		if !ok || onMatch == nil {
			return
		}
		onMatch(Match{
			DeviceID:  id,
			RSSI:      r.RSSI,
			LocalName: r.LocalName(),
			CompanyID: md.CompanyID,
			Data:      append([]byte(nil), md.Data...),
			SeenAt:    time.Now(),
		})
	})

	if ctx.Err() != nil {
		l.logger.Info("ble: scanning stopped (context canceled)")
		return nil
	}
	if err != nil {
		return fmt.Errorf("ble scan: %w", err)
	}
	l.logger.Info("ble: scanning stopped")
	return nil
}
