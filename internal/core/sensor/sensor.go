// Package sensor holds the static presentation metadata for toothbrush
// readings and the typed dispatch from sensor key to value.
package sensor

import (
	"github.com/trymwestin/sonicare/internal/core/toothbrush"
)

// DeviceClass is the Home Assistant sensor device class.
type DeviceClass string

const (
	DeviceClassNone           DeviceClass = ""
	DeviceClassDuration       DeviceClass = "duration"
	DeviceClassBattery        DeviceClass = "battery"
	DeviceClassSignalStrength DeviceClass = "signal_strength"
)

// StateClass is the Home Assistant sensor state class.
type StateClass string

const (
	StateClassNone            StateClass = ""
	StateClassMeasurement     StateClass = "measurement"
	StateClassTotalIncreasing StateClass = "total_increasing"
)

// Category is the entity category.
type Category string

const (
	CategoryNone       Category = ""
	CategoryDiagnostic Category = "diagnostic"
)

// Units.
const (
	UnitSeconds  = "s"
	UnitPercent  = "%"
	UnitDecibels = "dBm"
)

// Description is immutable presentation metadata for one sensor key.
type Description struct {
	Key            toothbrush.SensorKey
	Name           string
	Kind           Kind
	DeviceClass    DeviceClass
	StateClass     StateClass
	Unit           string
	Category       Category
	EnabledDefault bool
	VisibleDefault bool
	HasEntityName  bool
}

var descriptions = []Description{
	{
		Key:            toothbrush.SensorBrushingTime,
		Name:           "Brushing time",
		Kind:           KindInt,
		DeviceClass:    DeviceClassDuration,
		StateClass:     StateClassMeasurement,
		Unit:           UnitSeconds,
		EnabledDefault: true,
		VisibleDefault: true,
		HasEntityName:  true,
	},
	{
		Key:            toothbrush.SensorBatteryLevel,
		Name:           "Battery level",
		Kind:           KindInt,
		DeviceClass:    DeviceClassBattery,
		StateClass:     StateClassMeasurement,
		Unit:           UnitPercent,
		EnabledDefault: true,
		VisibleDefault: true,
		HasEntityName:  true,
	},
	{
		Key:            toothbrush.SensorRoutineLength,
		Name:           "Routine length",
		Kind:           KindInt,
		DeviceClass:    DeviceClassDuration,
		StateClass:     StateClassMeasurement,
		Unit:           UnitSeconds,
		EnabledDefault: true,
		VisibleDefault: true,
		HasEntityName:  true,
	},
	{
		Key:            toothbrush.SensorHandleState,
		Name:           "Handle state",
		Kind:           KindText,
		EnabledDefault: true,
		VisibleDefault: true,
		HasEntityName:  true,
	},
	{
		Key:            toothbrush.SensorAvailableBrushingRoutine,
		Name:           "Available brushing routine",
		Kind:           KindText,
		EnabledDefault: true,
		VisibleDefault: true,
		HasEntityName:  true,
	},
	{
		Key:            toothbrush.SensorIntensity,
		Name:           "Intensity",
		Kind:           KindText,
		EnabledDefault: true,
		VisibleDefault: true,
		HasEntityName:  true,
	},
	{
		Key:            toothbrush.SensorLoadedSessionID,
		Name:           "Loaded session id",
		Kind:           KindInt,
		EnabledDefault: true,
		VisibleDefault: true,
		HasEntityName:  true,
	},
	{
		Key:            toothbrush.SensorHandleTime,
		Name:           "Handle time",
		Kind:           KindInt,
		EnabledDefault: true,
		VisibleDefault: true,
		HasEntityName:  true,
	},
	{
		Key:            toothbrush.SensorBrushingSessionID,
		Name:           "Brushing session id",
		Kind:           KindInt,
		EnabledDefault: true,
		VisibleDefault: true,
		HasEntityName:  true,
	},
	{
		Key:            toothbrush.SensorLastSessionID,
		Name:           "Last session id",
		Kind:           KindInt,
		EnabledDefault: true,
		VisibleDefault: true,
		HasEntityName:  true,
	},
	{
		Key:            toothbrush.SensorSignalStrength,
		Name:           "Signal strength",
		Kind:           KindInt,
		DeviceClass:    DeviceClassSignalStrength,
		StateClass:     StateClassMeasurement,
		Unit:           UnitDecibels,
		Category:       CategoryDiagnostic,
		EnabledDefault: false,
		VisibleDefault: true,
		HasEntityName:  true,
	},
}

var byKey = func() map[toothbrush.SensorKey]Description {
	m := make(map[toothbrush.SensorKey]Description, len(descriptions))
	for _, d := range descriptions {
		m[d.Key] = d
	}
	return m
}()

// Passive entries present the brushing counter as a running total and the
// routine length as a plain value.
var passiveByKey = func() map[toothbrush.SensorKey]Description {
	m := make(map[toothbrush.SensorKey]Description, len(descriptions))
	for _, d := range descriptions {
		switch d.Key {
		case toothbrush.SensorBrushingTime:
			d.StateClass = StateClassTotalIncreasing
		case toothbrush.SensorRoutineLength:
			d.DeviceClass = DeviceClassNone
			d.StateClass = StateClassNone
			d.Unit = ""
		}
		m[d.Key] = d
	}
	return m
}()

// Descriptions returns every description in display order.
func Descriptions() []Description {
	return append([]Description(nil), descriptions...)
}

// Lookup returns the description for key.
func Lookup(key toothbrush.SensorKey) (Description, bool) {
	d, ok := byKey[key]
	return d, ok
}

// LookupPassive returns the description used by passive entries for key.
func LookupPassive(key toothbrush.SensorKey) (Description, bool) {
	d, ok := passiveByKey[key]
	return d, ok
}
