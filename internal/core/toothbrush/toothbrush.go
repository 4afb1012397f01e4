// Package toothbrush talks to Philips Sonicare BLE toothbrush handles.
//
// Two access styles are offered. Client keeps a GATT session open, follows
// characteristic notifications and reconnects by itself. DeviceData is the
// advertisement-driven variant: it folds advertisements into a snapshot and
// only connects when a poll is due.
package toothbrush

// SensorKey identifies a reading exposed by the handle.
type SensorKey string

const (
	SensorBrushingTime             SensorKey = "brushing_time"
	SensorBatteryLevel             SensorKey = "battery_level"
	SensorRoutineLength            SensorKey = "routine_length"
	SensorHandleState              SensorKey = "handle_state"
	SensorAvailableBrushingRoutine SensorKey = "available_brushing_routine"
	SensorIntensity                SensorKey = "intensity"
	SensorLoadedSessionID          SensorKey = "loaded_session_id"
	SensorHandleTime               SensorKey = "handle_time"
	SensorBrushingSessionID        SensorKey = "brushing_session_id"
	SensorLastSessionID            SensorKey = "last_session_id"
	SensorSignalStrength           SensorKey = "signal_strength"
)

// Manufacturer is reported in device info blocks.
const Manufacturer = "Philips"

// State is a snapshot of the handle's readings. Nil fields have not been
// read yet. Pointees are never mutated after publication.
type State struct {
	BrushingTime             *int    `json:"brushing_time,omitempty"`
	BatteryLevel             *int    `json:"battery_level,omitempty"`
	RoutineLength            *int    `json:"routine_length,omitempty"`
	HandleState              *string `json:"handle_state,omitempty"`
	AvailableBrushingRoutine *string `json:"available_brushing_routine,omitempty"`
	Intensity                *string `json:"intensity,omitempty"`
	LoadedSessionID          *int    `json:"loaded_session_id,omitempty"`
	HandleTime               *int    `json:"handle_time,omitempty"`
	BrushingSessionID        *int    `json:"brushing_session_id,omitempty"`
	LastSessionID            *int    `json:"last_session_id,omitempty"`
	SignalStrength           *int    `json:"signal_strength,omitempty"`

	Name  string `json:"name,omitempty"`
	Model string `json:"model,omitempty"`
}

// Has reports whether the reading for key has been observed.
func (s State) Has(key SensorKey) bool {
	switch key {
	case SensorBrushingTime:
		return s.BrushingTime != nil
	case SensorBatteryLevel:
		return s.BatteryLevel != nil
	case SensorRoutineLength:
		return s.RoutineLength != nil
	case SensorHandleState:
		return s.HandleState != nil
	case SensorAvailableBrushingRoutine:
		return s.AvailableBrushingRoutine != nil
	case SensorIntensity:
		return s.Intensity != nil
	case SensorLoadedSessionID:
		return s.LoadedSessionID != nil
	case SensorHandleTime:
		return s.HandleTime != nil
	case SensorBrushingSessionID:
		return s.BrushingSessionID != nil
	case SensorLastSessionID:
		return s.LastSessionID != nil
	case SensorSignalStrength:
		return s.SignalStrength != nil
	}
	return false
}

// Keys lists every SensorKey in display order.
func Keys() []SensorKey {
	return []SensorKey{
		SensorBrushingTime,
		SensorBatteryLevel,
		SensorRoutineLength,
		SensorHandleState,
		SensorAvailableBrushingRoutine,
		SensorIntensity,
		SensorLoadedSessionID,
		SensorHandleTime,
		SensorBrushingSessionID,
		SensorLastSessionID,
		SensorSignalStrength,
	}
}

// DeviceInfo describes the physical device in a SensorUpdate.
type DeviceInfo struct {
	Name         string `json:"name"`
	Model        string `json:"model,omitempty"`
	Manufacturer string `json:"manufacturer"`
}

// DeviceKey addresses one reading of one device. DeviceID is empty for the
// primary device.
type DeviceKey struct {
	Key      SensorKey
	DeviceID string
}

// SensorUpdate is the snapshot produced by DeviceData for each observation.
type SensorUpdate struct {
	Title   string
	Devices map[string]DeviceInfo
	Keys    []DeviceKey
	Names   map[DeviceKey]string
	State   State
}

func intPtr(v int) *int          { return &v }
func stringPtr(v string) *string { return &v }
