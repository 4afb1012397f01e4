package toothbrush

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/trymwestin/sonicare/internal/core/bluetooth"
	"github.com/trymwestin/sonicare/internal/core/transport"
)

// DefaultPollInterval is how long passive readings are trusted before a
// GATT poll is requested.
const DefaultPollInterval = time.Hour

// DeviceData turns advertisements and occasional polls into SensorUpdates.
type DeviceData struct {
	pollInterval time.Duration
	log          *slog.Logger
	now          func() time.Time

	mu    sync.Mutex
	state State
}

// NewDeviceData creates a passive decoder. Zero pollInterval uses
// DefaultPollInterval.
func NewDeviceData(pollInterval time.Duration, log *slog.Logger) *DeviceData {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &DeviceData{pollInterval: pollInterval, log: log, now: time.Now}
}

// Supported reports whether an advertisement looks like a Sonicare handle.
func Supported(info bluetooth.ServiceInfo) bool {
	if _, ok := info.ManufacturerData[PhilipsCompanyID]; ok {
		return true
	}
	for _, u := range info.ServiceUUIDs {
		if u == serviceHandle {
			return true
		}
	}
	return false
}

// PhilipsCompanyID is the Bluetooth SIG company identifier of Philips.
const PhilipsCompanyID = 0x01ED

// ServiceUUID is the handle service advertised by Sonicare toothbrushes.
const ServiceUUID = serviceHandle

// Update folds an advertisement into the snapshot.
func (d *DeviceData) Update(info bluetooth.ServiceInfo) SensorUpdate {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state.SignalStrength = intPtr(int(info.RSSI))
	if info.Name != "" {
		d.state.Name = info.Name
	}
	return d.snapshotLocked()
}

// SetPollInterval changes how long readings are trusted. Zero restores
// DefaultPollInterval.
func (d *DeviceData) SetPollInterval(v time.Duration) {
	if v <= 0 {
		v = DefaultPollInterval
	}
	d.mu.Lock()
	d.pollInterval = v
	d.mu.Unlock()
}

// PollInterval returns the current poll interval.
func (d *DeviceData) PollInterval() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pollInterval
}

// PollNeeded reports whether a GATT poll should run. lastPoll is zero when
// no poll has happened yet.
func (d *DeviceData) PollNeeded(info bluetooth.ServiceInfo, lastPoll time.Time) bool {
	if !info.Connectable {
		return false
	}
	if lastPoll.IsZero() {
		return true
	}
	return d.now().Sub(lastPoll) >= d.PollInterval()
}

// Poll connects to address, reads every characteristic and disconnects.
func (d *DeviceData) Poll(ctx context.Context, dialer transport.Dialer, address string) (SensorUpdate, error) {
	conn, err := dialer.Dial(ctx, address)
	if err != nil {
		return SensorUpdate{}, fmt.Errorf("toothbrush: poll %s: %w", address, err)
	}
	defer conn.Close()

	d.mu.Lock()
	next := d.state
	d.mu.Unlock()

	if err := readAll(ctx, conn, &next, d.log); err != nil {
		return SensorUpdate{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	next.SignalStrength = d.state.SignalStrength
	if d.state.Name != "" {
		next.Name = d.state.Name
	}
	d.state = next
	d.log.Debug("toothbrush polled", "address", address)
	return d.snapshotLocked(), nil
}

func (d *DeviceData) snapshotLocked() SensorUpdate {
	title := d.state.Name
	if title == "" {
		title = "Sonicare"
	}
	update := SensorUpdate{
		Title: title,
		Devices: map[string]DeviceInfo{
			"": {Name: title, Model: d.state.Model, Manufacturer: Manufacturer},
		},
		Names: make(map[DeviceKey]string),
		State: d.state,
	}
	for _, key := range Keys() {
		if !d.state.Has(key) {
			continue
		}
		dk := DeviceKey{Key: key}
		update.Keys = append(update.Keys, dk)
		update.Names[dk] = displayNames[key]
	}
	return update
}

var displayNames = map[SensorKey]string{
	SensorBrushingTime:             "Brushing time",
	SensorBatteryLevel:             "Battery level",
	SensorRoutineLength:            "Routine length",
	SensorHandleState:              "Handle state",
	SensorAvailableBrushingRoutine: "Available brushing routine",
	SensorIntensity:                "Intensity",
	SensorLoadedSessionID:          "Loaded session id",
	SensorHandleTime:               "Handle time",
	SensorBrushingSessionID:        "Brushing session id",
	SensorLastSessionID:            "Last session id",
	SensorSignalStrength:           "Signal strength",
}
