package sensor

import (
	"github.com/trymwestin/sonicare/internal/core/toothbrush"
)

// EntityKey identifies an entity within a DataUpdate.
type EntityKey struct {
	Key      toothbrush.SensorKey
	DeviceID string
}

// DataUpdate is the entity-level view of a passive SensorUpdate.
type DataUpdate struct {
	Devices      map[string]toothbrush.DeviceInfo
	Descriptions map[EntityKey]Description
	Data         map[EntityKey]Value
	Names        map[EntityKey]string
}

// ToDataUpdate converts a device snapshot into descriptions and values for
// each reading it carries. Keys without a description are dropped.
func ToDataUpdate(update toothbrush.SensorUpdate) DataUpdate {
	out := DataUpdate{
		Devices:      make(map[string]toothbrush.DeviceInfo, len(update.Devices)),
		Descriptions: make(map[EntityKey]Description, len(update.Keys)),
		Data:         make(map[EntityKey]Value, len(update.Keys)),
		Names:        make(map[EntityKey]string, len(update.Keys)),
	}
	for id, info := range update.Devices {
		out.Devices[id] = info
	}
	for _, dk := range update.Keys {
		desc, ok := LookupPassive(dk.Key)
		if !ok {
			continue
		}
		key := EntityKey{Key: dk.Key, DeviceID: dk.DeviceID}
		out.Descriptions[key] = desc
		out.Data[key] = Accessors[dk.Key](update.State)
		if name, ok := update.Names[dk]; ok {
			out.Names[key] = name
		} else {
			out.Names[key] = desc.Name
		}
	}
	return out
}
