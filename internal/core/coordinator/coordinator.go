// Package coordinator fans device-level callbacks out to entity listeners.
package coordinator

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/trymwestin/sonicare/internal/core/toothbrush"
)

// Signal tells listeners what changed.
type Signal int

const (
	// SignalUpdated means new readings are available on the device.
	SignalUpdated Signal = iota
	// SignalConnectivity means only the connected flag changed.
	SignalConnectivity
)

func (s Signal) String() string {
	if s == SignalConnectivity {
		return "connectivity"
	}
	return "updated"
}

// Listener receives coordinator signals. Listeners re-read device state
// themselves; no payload is carried.
type Listener func(Signal)

// Device is the subset of a toothbrush session the coordinator follows.
type Device interface {
	RegisterCallback(fn func(toothbrush.State)) func()
	RegisterDisconnectedCallback(fn func()) func()
}

// Coordinator tracks whether the device is connected and tells listeners
// when readings or connectivity change.
type Coordinator struct {
	log *slog.Logger

	// dispatch serializes notifications so the flag and the signal that
	// follows it are observed in callback order.
	dispatch sync.Mutex

	mu        sync.Mutex
	connected bool
	listeners map[int]Listener
	nextID    int
	cancels   []func()
}

// New registers update and disconnect callbacks on device.
func New(device Device, log *slog.Logger) *Coordinator {
	c := &Coordinator{
		log:       log,
		connected: true,
		listeners: make(map[int]Listener),
	}
	c.cancels = append(c.cancels,
		device.RegisterCallback(c.handleUpdate),
		device.RegisterDisconnectedCallback(c.handleDisconnect),
	)
	return c
}

// Connected reports the last known link state.
func (c *Coordinator) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// AddListener subscribes l and returns its removal function.
func (c *Coordinator) AddListener(l Listener) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Close deregisters the device callbacks.
func (c *Coordinator) Close() {
	c.mu.Lock()
	cancels := c.cancels
	c.cancels = nil
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (c *Coordinator) handleUpdate(toothbrush.State) {
	c.dispatch.Lock()
	defer c.dispatch.Unlock()
	c.setConnected(true)
	c.notify(SignalUpdated)
}

func (c *Coordinator) handleDisconnect() {
	c.dispatch.Lock()
	defer c.dispatch.Unlock()
	c.setConnected(false)
	c.log.Debug("device disconnected")
	c.notify(SignalConnectivity)
}

func (c *Coordinator) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *Coordinator) notify(sig Signal) {
	c.mu.Lock()
	ids := make([]int, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	ls := make([]Listener, 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		ls = append(ls, c.listeners[id])
	}
	c.mu.Unlock()

	for _, l := range ls {
		l(sig)
	}
}
