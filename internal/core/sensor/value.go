package sensor

import (
	"strconv"

	"github.com/trymwestin/sonicare/internal/core/toothbrush"
)

// Kind tags the variant held by a Value.
type Kind int

const (
	KindUnknown Kind = iota
	KindInt
	KindText
)

// Value is a sensor reading: unknown, an integer or a label.
type Value struct {
	kind Kind
	i    int
	s    string
}

// Unknown is the value of a sensor that has not reported yet.
func Unknown() Value { return Value{} }

// Int wraps an integer reading.
func Int(v int) Value { return Value{kind: KindInt, i: v} }

// Text wraps a label reading.
func Text(s string) Value { return Value{kind: KindText, s: s} }

func (v Value) Kind() Kind       { return v.kind }
func (v Value) IsUnknown() bool  { return v.kind == KindUnknown }
func (v Value) Int() (int, bool) { return v.i, v.kind == KindInt }

func (v Value) Text() (string, bool) { return v.s, v.kind == KindText }

// String renders the value as a state string. Unknown renders empty.
func (v Value) String() string {
	switch v.kind {
	case KindInt:
		return strconv.Itoa(v.i)
	case KindText:
		return v.s
	}
	return ""
}

// Parse restores a value persisted with String. Strings that do not fit
// the description's kind are unknown.
func Parse(s string, desc Description) Value {
	switch s {
	case "", "unknown", "unavailable", "None":
		return Unknown()
	}
	switch desc.Kind {
	case KindInt:
		n, err := strconv.Atoi(s)
		if err != nil {
			return Unknown()
		}
		return Int(n)
	case KindText:
		return Text(s)
	}
	return Unknown()
}

// Accessor reads one typed value from a device state.
type Accessor func(toothbrush.State) Value

// Accessors maps every sensor key to its reader.
var Accessors = map[toothbrush.SensorKey]Accessor{
	toothbrush.SensorBrushingTime:             func(s toothbrush.State) Value { return intValue(s.BrushingTime) },
	toothbrush.SensorBatteryLevel:             func(s toothbrush.State) Value { return intValue(s.BatteryLevel) },
	toothbrush.SensorRoutineLength:            func(s toothbrush.State) Value { return intValue(s.RoutineLength) },
	toothbrush.SensorHandleState:              func(s toothbrush.State) Value { return textValue(s.HandleState) },
	toothbrush.SensorAvailableBrushingRoutine: func(s toothbrush.State) Value { return textValue(s.AvailableBrushingRoutine) },
	toothbrush.SensorIntensity:                func(s toothbrush.State) Value { return textValue(s.Intensity) },
	toothbrush.SensorLoadedSessionID:          func(s toothbrush.State) Value { return intValue(s.LoadedSessionID) },
	toothbrush.SensorHandleTime:               func(s toothbrush.State) Value { return intValue(s.HandleTime) },
	toothbrush.SensorBrushingSessionID:        func(s toothbrush.State) Value { return intValue(s.BrushingSessionID) },
	toothbrush.SensorLastSessionID:            func(s toothbrush.State) Value { return intValue(s.LastSessionID) },
	toothbrush.SensorSignalStrength:           func(s toothbrush.State) Value { return intValue(s.SignalStrength) },
}

func intValue(p *int) Value {
	if p == nil {
		return Unknown()
	}
	return Int(*p)
}

func textValue(p *string) Value {
	if p == nil {
		return Unknown()
	}
	return Text(*p)
}
