package coordinator

import (
	"slices"
	"sync"

	"github.com/trymwestin/sonicare/internal/core/sensor"
	"github.com/trymwestin/sonicare/internal/core/toothbrush"
)

// Processor converts device snapshots to entity data and keeps the latest
// value per entity key.
type Processor struct {
	convert func(toothbrush.SensorUpdate) sensor.DataUpdate

	mu          sync.Mutex
	data        sensor.DataUpdate
	available   bool
	listeners   map[int]func()
	nextID      int
	addEntities func([]sensor.EntityKey)
}

// NewProcessor creates a processor using convert.
func NewProcessor(convert func(toothbrush.SensorUpdate) sensor.DataUpdate) *Processor {
	return &Processor{
		convert: convert,
		data: sensor.DataUpdate{
			Devices:      make(map[string]toothbrush.DeviceInfo),
			Descriptions: make(map[sensor.EntityKey]sensor.Description),
			Data:         make(map[sensor.EntityKey]sensor.Value),
			Names:        make(map[sensor.EntityKey]string),
		},
		listeners: make(map[int]func()),
	}
}

// SetAddEntities installs the callback invoked with entity keys seen for the
// first time.
func (p *Processor) SetAddEntities(fn func([]sensor.EntityKey)) {
	p.mu.Lock()
	p.addEntities = fn
	p.mu.Unlock()
}

// AddListener subscribes fn to data and availability changes.
func (p *Processor) AddListener(fn func()) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

// Update merges a snapshot, announces new entity keys and notifies
// listeners.
func (p *Processor) Update(u toothbrush.SensorUpdate) {
	next := p.convert(u)

	p.mu.Lock()
	var added []sensor.EntityKey
	for id, info := range next.Devices {
		p.data.Devices[id] = info
	}
	for key, desc := range next.Descriptions {
		if _, ok := p.data.Descriptions[key]; !ok {
			added = append(added, key)
		}
		p.data.Descriptions[key] = desc
	}
	for key, v := range next.Data {
		p.data.Data[key] = v
	}
	for key, name := range next.Names {
		p.data.Names[key] = name
	}
	p.available = true
	addEntities := p.addEntities
	p.mu.Unlock()

	if len(added) > 0 && addEntities != nil {
		slices.SortFunc(added, compareKeys)
		addEntities(added)
	}
	p.notify()
}

// SetAvailable marks the processor reachable or not. Listeners are told
// only on change.
func (p *Processor) SetAvailable(v bool) {
	p.mu.Lock()
	changed := p.available != v
	p.available = v
	p.mu.Unlock()
	if changed {
		p.notify()
	}
}

// Available reports whether the device has been heard recently.
func (p *Processor) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}

// Value returns the latest value for key.
func (p *Processor) Value(key sensor.EntityKey) sensor.Value {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data.Data[key]
}

// Description returns the description announced for key.
func (p *Processor) Description(key sensor.EntityKey) (sensor.Description, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.data.Descriptions[key]
	return d, ok
}

// Name returns the display name announced for key.
func (p *Processor) Name(key sensor.EntityKey) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data.Names[key]
}

// Device returns the device info for id.
func (p *Processor) Device(id string) (toothbrush.DeviceInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.data.Devices[id]
	return d, ok
}

// Keys returns every entity key seen so far.
func (p *Processor) Keys() []sensor.EntityKey {
	p.mu.Lock()
	keys := make([]sensor.EntityKey, 0, len(p.data.Descriptions))
	for k := range p.data.Descriptions {
		keys = append(keys, k)
	}
	p.mu.Unlock()
	slices.SortFunc(keys, compareKeys)
	return keys
}

func (p *Processor) notify() {
	p.mu.Lock()
	ids := make([]int, 0, len(p.listeners))
	for id := range p.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, p.listeners[id])
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func compareKeys(a, b sensor.EntityKey) int {
	switch {
	case a.DeviceID < b.DeviceID:
		return -1
	case a.DeviceID > b.DeviceID:
		return 1
	case a.Key < b.Key:
		return -1
	case a.Key > b.Key:
		return 1
	}
	return 0
}
