package bluetooth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"tinygo.org/x/bluetooth"
)

// AdapterScanner feeds advertisements from a tinygo bluetooth adapter.
type AdapterScanner struct {
	adapter  *bluetooth.Adapter
	services []bluetooth.UUID
	log      *slog.Logger
}

// NewAdapterScanner wraps an already enabled adapter. Advertisements that
// carry one of services report it in ServiceInfo.ServiceUUIDs.
func NewAdapterScanner(adapter *bluetooth.Adapter, log *slog.Logger, services ...string) *AdapterScanner {
	s := &AdapterScanner{adapter: adapter, log: log}
	for _, raw := range services {
		u, err := bluetooth.ParseUUID(raw)
		if err != nil {
			log.Warn("ignoring invalid service uuid", "uuid", raw, "error", err)
			continue
		}
		s.services = append(s.services, u)
	}
	return s
}

// SetMode reports the requested scanning mode. tinygo scans with the
// platform default (active on BlueZ and CoreBluetooth) and exposes no
// switch, so the request is logged and the scan keeps running.
func (s *AdapterScanner) SetMode(mode ScanningMode) {
	s.log.Info("scanning mode requested, adapter keeps its platform default", "mode", mode.String())
}

// Scan blocks until ctx is cancelled or the adapter reports an error.
func (s *AdapterScanner) Scan(ctx context.Context, fn func(ServiceInfo)) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			if err := s.adapter.StopScan(); err != nil {
				s.log.Debug("stop scan failed", "error", err)
			}
		case <-done:
		}
	}()

	err := s.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		fn(serviceInfoFromResult(result, s.services))
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("bluetooth: adapter scan: %w", err)
	}
	return nil
}

func serviceInfoFromResult(result bluetooth.ScanResult, services []bluetooth.UUID) ServiceInfo {
	info := ServiceInfo{
		Address: NormalizeAddress(result.Address.String()),
		Name:    result.LocalName(),
		RSSI:    result.RSSI,
		// tinygo does not surface the ADV_IND/ADV_NONCONN_IND distinction on
		// every platform; toothbrush handles always advertise connectable.
		Connectable: true,
		Time:        time.Now(),
	}
	for _, u := range services {
		if result.HasServiceUUID(u) {
			info.ServiceUUIDs = append(info.ServiceUUIDs, u.String())
		}
	}
	if mfg := result.ManufacturerData(); len(mfg) > 0 {
		info.ManufacturerData = make(map[uint16][]byte, len(mfg))
		for _, el := range mfg {
			data := make([]byte, len(el.Data))
			copy(data, el.Data)
			info.ManufacturerData[el.CompanyID] = data
		}
	}
	return info
}

var (
	_ Scanner    = (*AdapterScanner)(nil)
	_ ModeSetter = (*AdapterScanner)(nil)
)
