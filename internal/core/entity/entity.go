// Package entity binds sensor descriptions to live device values and writes
// the resulting states to the state store.
package entity

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/trymwestin/sonicare/internal/core/coordinator"
	"github.com/trymwestin/sonicare/internal/core/sensor"
	"github.com/trymwestin/sonicare/internal/core/state"
	"github.com/trymwestin/sonicare/internal/core/toothbrush"
)

// StateWriter receives entity registrations and states.
type StateWriter interface {
	Add(info state.EntityInfo)
	SetState(st state.EntityState)
}

// RestoreStore returns the last persisted state string of an entity.
type RestoreStore interface {
	LastState(ctx context.Context, uniqueID string) (string, bool, error)
}

// Entity is anything a Platform can host.
type Entity interface {
	UniqueID() string
	Info() state.EntityInfo
	Added(ctx context.Context, restore RestoreStore, w StateWriter) error
	Unloaded(w StateWriter)
}

// Device is the connected toothbrush as seen by sensor entities.
type Device interface {
	Address() string
	State() toothbrush.State
}

// Coordinator is the connectivity source of sensor entities.
type Coordinator interface {
	Connected() bool
	AddListener(l coordinator.Listener) func()
}

// UniqueID builds the entity unique id for a device reading.
func UniqueID(address string, key toothbrush.SensorKey, deviceID string) string {
	id := strings.ToUpper(address) + "_" + string(key)
	if deviceID != "" {
		id += "_" + deviceID
	}
	return id
}

// DeviceBlock builds the device registration shared by an entry's entities.
func DeviceBlock(address, title, model string) state.DeviceInfo {
	address = strings.ToUpper(address)
	return state.DeviceInfo{
		Identifiers:  []string{"sonicare_" + strings.ReplaceAll(strings.ToLower(address), ":", "")},
		Connections:  [][2]string{{"bluetooth", address}},
		Name:         title,
		Manufacturer: toothbrush.Manufacturer,
		Model:        model,
	}
}

func infoFromDescription(entryID, uniqueID, name string, desc sensor.Description, device state.DeviceInfo) state.EntityInfo {
	return state.EntityInfo{
		UniqueID:       uniqueID,
		EntryID:        entryID,
		Key:            string(desc.Key),
		Name:           name,
		DeviceClass:    string(desc.DeviceClass),
		StateClass:     string(desc.StateClass),
		Unit:           desc.Unit,
		Category:       string(desc.Category),
		EnabledDefault: desc.EnabledDefault,
		VisibleDefault: desc.VisibleDefault,
		HasEntityName:  desc.HasEntityName,
		Device:         device,
	}
}

// restoreValue loads the persisted state for uniqueID. ok is false when
// nothing was stored.
func restoreValue(ctx context.Context, restore RestoreStore, uniqueID string, desc sensor.Description) (sensor.Value, bool, error) {
	if restore == nil {
		return sensor.Value{}, false, nil
	}
	last, ok, err := restore.LastState(ctx, uniqueID)
	if err != nil {
		return sensor.Value{}, false, fmt.Errorf("entity: restore %s: %w", uniqueID, err)
	}
	if !ok {
		return sensor.Value{}, false, nil
	}
	return sensor.Parse(last, desc), true, nil
}

// --- SensorEntity ---

// SensorEntity shows one reading of a connected toothbrush.
type SensorEntity struct {
	entryID string
	title   string
	desc    sensor.Description
	device  Device
	coord   Coordinator
	log     *slog.Logger

	mu     sync.Mutex
	value  sensor.Value
	hasVal bool
	remove func()
}

// NewSensorEntity binds desc to device.
func NewSensorEntity(entryID, title string, desc sensor.Description, device Device, coord Coordinator, log *slog.Logger) *SensorEntity {
	return &SensorEntity{
		entryID: entryID,
		title:   title,
		desc:    desc,
		device:  device,
		coord:   coord,
		log:     log,
	}
}

func (e *SensorEntity) UniqueID() string {
	return UniqueID(e.device.Address(), e.desc.Key, "")
}

func (e *SensorEntity) Info() state.EntityInfo {
	return infoFromDescription(e.entryID, e.UniqueID(), e.desc.Name, e.desc,
		DeviceBlock(e.device.Address(), e.title, e.device.State().Model))
}

// Available is always true; staleness is reported through AssumedState.
func (e *SensorEntity) Available() bool { return true }

// AssumedState reports that the value may be stale.
func (e *SensorEntity) AssumedState() bool { return !e.coord.Connected() }

// Value returns the displayed value and whether one is set.
func (e *SensorEntity) Value() (sensor.Value, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value, e.hasVal
}

// Added registers the entity, restores the last persisted value and starts
// following the coordinator.
func (e *SensorEntity) Added(ctx context.Context, restore RestoreStore, w StateWriter) error {
	w.Add(e.Info())

	v, ok, err := restoreValue(ctx, restore, e.UniqueID(), e.desc)
	if err != nil {
		e.log.Warn("state restore failed", "unique_id", e.UniqueID(), "error", err)
	}
	if ok {
		e.mu.Lock()
		e.value, e.hasVal = v, true
		e.mu.Unlock()
		e.write(w)
	}

	remove := e.coord.AddListener(func(coordinator.Signal) {
		e.mu.Lock()
		e.value, e.hasVal = sensor.Accessors[e.desc.Key](e.device.State()), true
		e.mu.Unlock()
		e.write(w)
	})
	e.mu.Lock()
	e.remove = remove
	e.mu.Unlock()
	return nil
}

// Unloaded stops following the coordinator and marks the entity
// unavailable.
func (e *SensorEntity) Unloaded(w StateWriter) {
	e.mu.Lock()
	remove := e.remove
	e.remove = nil
	value := e.value
	e.mu.Unlock()
	if remove != nil {
		remove()
	}
	w.SetState(state.EntityState{
		UniqueID:     e.UniqueID(),
		State:        value.String(),
		Available:    false,
		AssumedState: true,
		UpdatedAt:    time.Now(),
	})
}

func (e *SensorEntity) write(w StateWriter) {
	e.mu.Lock()
	value := e.value
	e.mu.Unlock()
	w.SetState(state.EntityState{
		UniqueID:     e.UniqueID(),
		State:        value.String(),
		Available:    e.Available(),
		AssumedState: e.AssumedState(),
		UpdatedAt:    time.Now(),
	})
}

// --- ProcessorEntity ---

// ProcessorEntity shows one reading delivered by a passive processor.
type ProcessorEntity struct {
	entryID string
	title   string
	address string
	key     sensor.EntityKey
	proc    *coordinator.Processor
	log     *slog.Logger

	mu     sync.Mutex
	value  sensor.Value
	remove func()
}

// NewProcessorEntity binds key of proc.
func NewProcessorEntity(entryID, title, address string, key sensor.EntityKey, proc *coordinator.Processor, log *slog.Logger) *ProcessorEntity {
	return &ProcessorEntity{
		entryID: entryID,
		title:   title,
		address: address,
		key:     key,
		proc:    proc,
		log:     log,
	}
}

func (e *ProcessorEntity) UniqueID() string {
	return UniqueID(e.address, e.key.Key, e.key.DeviceID)
}

func (e *ProcessorEntity) Info() state.EntityInfo {
	desc, _ := e.proc.Description(e.key)
	name := e.proc.Name(e.key)
	if name == "" {
		name = desc.Name
	}
	dev, _ := e.proc.Device(e.key.DeviceID)
	return infoFromDescription(e.entryID, e.UniqueID(), name, desc, DeviceBlock(e.address, e.title, dev.Model))
}

// Available follows the processor.
func (e *ProcessorEntity) Available() bool { return e.proc.Available() }

// Value returns the displayed value.
func (e *ProcessorEntity) Value() sensor.Value {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value
}

// Added registers the entity, restores the last value when the processor
// has none yet and starts following the processor.
func (e *ProcessorEntity) Added(ctx context.Context, restore RestoreStore, w StateWriter) error {
	w.Add(e.Info())

	current := e.proc.Value(e.key)
	if current.IsUnknown() {
		desc, _ := e.proc.Description(e.key)
		v, ok, err := restoreValue(ctx, restore, e.UniqueID(), desc)
		if err != nil {
			e.log.Warn("state restore failed", "unique_id", e.UniqueID(), "error", err)
		}
		if ok {
			e.mu.Lock()
			e.value = v
			e.mu.Unlock()
			e.write(w)
		}
	} else {
		e.mu.Lock()
		e.value = current
		e.mu.Unlock()
		e.write(w)
	}

	remove := e.proc.AddListener(func() {
		if v := e.proc.Value(e.key); !v.IsUnknown() {
			e.mu.Lock()
			e.value = v
			e.mu.Unlock()
		}
		e.write(w)
	})
	e.mu.Lock()
	e.remove = remove
	e.mu.Unlock()
	return nil
}

// Unloaded stops following the processor and marks the entity unavailable.
func (e *ProcessorEntity) Unloaded(w StateWriter) {
	e.mu.Lock()
	remove := e.remove
	e.remove = nil
	value := e.value
	e.mu.Unlock()
	if remove != nil {
		remove()
	}
	w.SetState(state.EntityState{
		UniqueID:  e.UniqueID(),
		State:     value.String(),
		Available: false,
		UpdatedAt: time.Now(),
	})
}

func (e *ProcessorEntity) write(w StateWriter) {
	e.mu.Lock()
	value := e.value
	e.mu.Unlock()
	w.SetState(state.EntityState{
		UniqueID:  e.UniqueID(),
		State:     value.String(),
		Available: e.Available(),
		UpdatedAt: time.Now(),
	})
}

var (
	_ Entity = (*SensorEntity)(nil)
	_ Entity = (*ProcessorEntity)(nil)
)
