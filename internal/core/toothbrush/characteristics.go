package toothbrush

import (
	"encoding/binary"
	"fmt"

	"github.com/trymwestin/sonicare/internal/core/transport"
)

const (
	serviceBattery  = "0000180f-0000-1000-8000-00805f9b34fb"
	serviceHandle   = "477ea600-a260-11e4-ae37-0002a5d50001"
	serviceBrushing = "477ea600-a260-11e4-ae37-0002a5d50004"
	serviceStorage  = "477ea600-a260-11e4-ae37-0002a5d50006"
)

var (
	charBatteryLevel             = transport.Characteristic{Service: serviceBattery, UUID: "00002a19-0000-1000-8000-00805f9b34fb"}
	charHandleState              = transport.Characteristic{Service: serviceHandle, UUID: "477ea600-a260-11e4-ae37-0002a5d54010"}
	charAvailableBrushingRoutine = transport.Characteristic{Service: serviceHandle, UUID: "477ea600-a260-11e4-ae37-0002a5d54022"}
	charHandleTime               = transport.Characteristic{Service: serviceHandle, UUID: "477ea600-a260-11e4-ae37-0002a5d54050"}
	charBrushingSessionID        = transport.Characteristic{Service: serviceBrushing, UUID: "477ea600-a260-11e4-ae37-0002a5d54090"}
	charBrushingTime             = transport.Characteristic{Service: serviceBrushing, UUID: "477ea600-a260-11e4-ae37-0002a5d54091"}
	charRoutineLength            = transport.Characteristic{Service: serviceBrushing, UUID: "477ea600-a260-11e4-ae37-0002a5d54093"}
	charIntensity                = transport.Characteristic{Service: serviceBrushing, UUID: "477ea600-a260-11e4-ae37-0002a5d540b0"}
	charLastSessionID            = transport.Characteristic{Service: serviceStorage, UUID: "477ea600-a260-11e4-ae37-0002a5d540d2"}
	charLoadedSessionID          = transport.Characteristic{Service: serviceStorage, UUID: "477ea600-a260-11e4-ae37-0002a5d540d5"}
)

// characteristicSpec binds a GATT characteristic to the State field it
// populates.
type characteristicSpec struct {
	key    SensorKey
	char   transport.Characteristic
	notify bool
	apply  func(*State, []byte) error
}

var characteristics = []characteristicSpec{
	{SensorBatteryLevel, charBatteryLevel, true, setInt(1, func(s *State, v int) { s.BatteryLevel = intPtr(v) })},
	{SensorHandleState, charHandleState, true, setLabel(handleStates, func(s *State, v string) { s.HandleState = stringPtr(v) })},
	{SensorAvailableBrushingRoutine, charAvailableBrushingRoutine, true, setLabel(brushingRoutines, func(s *State, v string) { s.AvailableBrushingRoutine = stringPtr(v) })},
	{SensorHandleTime, charHandleTime, false, setInt(4, func(s *State, v int) { s.HandleTime = intPtr(v) })},
	{SensorBrushingSessionID, charBrushingSessionID, true, setInt(2, func(s *State, v int) { s.BrushingSessionID = intPtr(v) })},
	{SensorBrushingTime, charBrushingTime, true, setInt(2, func(s *State, v int) { s.BrushingTime = intPtr(v) })},
	{SensorRoutineLength, charRoutineLength, true, setInt(2, func(s *State, v int) { s.RoutineLength = intPtr(v) })},
	{SensorIntensity, charIntensity, true, setLabel(intensities, func(s *State, v string) { s.Intensity = stringPtr(v) })},
	{SensorLastSessionID, charLastSessionID, true, setInt(2, func(s *State, v int) { s.LastSessionID = intPtr(v) })},
	{SensorLoadedSessionID, charLoadedSessionID, true, setInt(2, func(s *State, v int) { s.LoadedSessionID = intPtr(v) })},
}

var handleStates = map[int]string{
	0: "off",
	1: "standby",
	2: "run",
	3: "charge",
	4: "shutdown",
	6: "validate",
	7: "lights_out",
}

var brushingRoutines = map[int]string{
	0: "clean",
	1: "white_plus",
	2: "gum_health",
	3: "deep_clean_plus",
	4: "tongue_care",
}

var intensities = map[int]string{
	0: "low",
	1: "medium",
	2: "high",
}

// decodeUint reads a little-endian unsigned integer of the given width.
func decodeUint(data []byte, width int) (int, error) {
	if len(data) < width {
		return 0, fmt.Errorf("toothbrush: short payload: want %d bytes, got %d", width, len(data))
	}
	switch width {
	case 1:
		return int(data[0]), nil
	case 2:
		return int(binary.LittleEndian.Uint16(data)), nil
	case 4:
		return int(binary.LittleEndian.Uint32(data)), nil
	}
	return 0, fmt.Errorf("toothbrush: unsupported width %d", width)
}

func label(table map[int]string, v int) string {
	if s, ok := table[v]; ok {
		return s
	}
	return fmt.Sprintf("unknown_%d", v)
}

func setInt(width int, set func(*State, int)) func(*State, []byte) error {
	return func(s *State, data []byte) error {
		v, err := decodeUint(data, width)
		if err != nil {
			return err
		}
		set(s, v)
		return nil
	}
}

func setLabel(table map[int]string, set func(*State, string)) func(*State, []byte) error {
	return func(s *State, data []byte) error {
		v, err := decodeUint(data, 1)
		if err != nil {
			return err
		}
		set(s, label(table, v))
		return nil
	}
}
