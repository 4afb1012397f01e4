// Package sonicare provides a public facade re-exporting core types
// for external consumers of this module.
package sonicare

import (
	"github.com/trymwestin/sonicare/internal/core/bluetooth"
	"github.com/trymwestin/sonicare/internal/core/sensor"
	"github.com/trymwestin/sonicare/internal/core/state"
	"github.com/trymwestin/sonicare/internal/core/toothbrush"
	"github.com/trymwestin/sonicare/internal/core/transport"
)

// Re-export core types for external use.
type (
	// SensorKey identifies one toothbrush reading.
	SensorKey = toothbrush.SensorKey
	// State holds the latest readings of a handle.
	State = toothbrush.State
	// Client keeps a GATT session to a handle open.
	Client = toothbrush.Client
	// ClientOptions tunes connection timeouts and reconnect backoff.
	ClientOptions = toothbrush.Options
	// DeviceData parses advertisements and polls a handle on demand.
	DeviceData = toothbrush.DeviceData
	// SensorUpdate is the result of parsing or polling a handle.
	SensorUpdate = toothbrush.SensorUpdate
	// ServiceInfo is one Bluetooth advertisement.
	ServiceInfo = bluetooth.ServiceInfo
	// Dialer opens GATT connections.
	Dialer = transport.Dialer
	// Conn is an open GATT connection.
	Conn = transport.Conn
	// Description is the presentation of a sensor entity.
	Description = sensor.Description
	// Value is a typed sensor value.
	Value = sensor.Value
	// Entity pairs an entity registration with its state.
	Entity = state.Entity
	// Event represents a state change event.
	Event = state.Event
	// EventType identifies event categories.
	EventType = state.EventType
)

// Sensor key constants.
const (
	SensorBrushingTime             = toothbrush.SensorBrushingTime
	SensorBatteryLevel             = toothbrush.SensorBatteryLevel
	SensorRoutineLength            = toothbrush.SensorRoutineLength
	SensorHandleState              = toothbrush.SensorHandleState
	SensorAvailableBrushingRoutine = toothbrush.SensorAvailableBrushingRoutine
	SensorIntensity                = toothbrush.SensorIntensity
	SensorLoadedSessionID          = toothbrush.SensorLoadedSessionID
	SensorHandleTime               = toothbrush.SensorHandleTime
	SensorBrushingSessionID        = toothbrush.SensorBrushingSessionID
	SensorLastSessionID            = toothbrush.SensorLastSessionID
	SensorSignalStrength           = toothbrush.SensorSignalStrength
)

// Event type constants.
const (
	EventEntityAdded   = state.EventEntityAdded
	EventEntityRemoved = state.EventEntityRemoved
	EventStateChanged  = state.EventStateChanged
	EventEntryStatus   = state.EventEntryStatus
)

// Constructors.
var (
	NewClient     = toothbrush.NewClient
	NewDeviceData = toothbrush.NewDeviceData
	Descriptions  = sensor.Descriptions
	Supported     = toothbrush.Supported
)
