package state

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DeviceInfo is the device block shared by an entry's entities.
type DeviceInfo struct {
	Identifiers  []string    `json:"identifiers"`
	Connections  [][2]string `json:"connections,omitempty"`
	Name         string      `json:"name"`
	Manufacturer string      `json:"manufacturer,omitempty"`
	Model        string      `json:"model,omitempty"`
}

// EntityInfo is the static registration of an entity.
type EntityInfo struct {
	UniqueID       string     `json:"unique_id"`
	EntryID        string     `json:"entry_id"`
	Key            string     `json:"key"`
	Name           string     `json:"name"`
	DeviceClass    string     `json:"device_class,omitempty"`
	StateClass     string     `json:"state_class,omitempty"`
	Unit           string     `json:"unit_of_measurement,omitempty"`
	Category       string     `json:"entity_category,omitempty"`
	EnabledDefault bool       `json:"enabled_by_default"`
	VisibleDefault bool       `json:"visible_by_default"`
	HasEntityName  bool       `json:"has_entity_name"`
	Device         DeviceInfo `json:"device"`
}

// EntityState is the live state of an entity. An empty State means unknown.
type EntityState struct {
	UniqueID     string    `json:"unique_id"`
	State        string    `json:"state"`
	Available    bool      `json:"available"`
	AssumedState bool      `json:"assumed_state"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Entity pairs registration and state.
type Entity struct {
	Info  EntityInfo   `json:"info"`
	State *EntityState `json:"state,omitempty"`
}

// EntryStatus reports an entry lifecycle transition.
type EntryStatus struct {
	EntryID string `json:"entry_id"`
	Title   string `json:"title"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

// EventType identifies event categories.
type EventType string

const (
	EventEntityAdded   EventType = "entity_added"
	EventEntityRemoved EventType = "entity_removed"
	EventStateChanged  EventType = "state_changed"
	EventEntryStatus   EventType = "entry_status"
)

// Event represents a state change.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// StateReader provides read-only access to entities.
type StateReader interface {
	Snapshot() []Entity
	Get(uniqueID string) (Entity, bool)
}

// --- EventBus ---

// EventBus is a simple publish/subscribe event bus.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	log         *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(log *slog.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[int]chan Event),
		log:         log,
	}
}

// Publish sends an event to all subscribers.
func (b *EventBus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			b.log.Warn("event bus: subscriber buffer full, dropping event", "subscriber_id", id, "event_type", evt.Type)
		}
	}
}

// Subscribe returns a channel of events and an unsubscribe function. The
// channel is closed on unsubscribe.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}

// --- StateStore ---

// StateStore holds every registered entity with thread-safe access.
type StateStore struct {
	mu       sync.RWMutex
	entities map[string]*Entity
	bus      *EventBus
	log      *slog.Logger
}

// NewStateStore creates a new store wired to the event bus.
func NewStateStore(bus *EventBus, log *slog.Logger) *StateStore {
	return &StateStore{
		entities: make(map[string]*Entity),
		bus:      bus,
		log:      log,
	}
}

// Add registers an entity, replacing any previous registration with the
// same unique id. Existing state is kept.
func (s *StateStore) Add(info EntityInfo) {
	s.mu.Lock()
	e, ok := s.entities[info.UniqueID]
	if !ok {
		e = &Entity{}
		s.entities[info.UniqueID] = e
	}
	e.Info = info
	s.mu.Unlock()

	s.log.Debug("entity added", "unique_id", info.UniqueID, "entry_id", info.EntryID)
	s.bus.Publish(Event{Type: EventEntityAdded, Data: info})
}

// Remove drops an entity.
func (s *StateStore) Remove(uniqueID string) {
	s.mu.Lock()
	e, ok := s.entities[uniqueID]
	delete(s.entities, uniqueID)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.bus.Publish(Event{Type: EventEntityRemoved, Data: e.Info})
}

// SetState records the live state of a registered entity. States for
// unknown entities are ignored.
func (s *StateStore) SetState(st EntityState) {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	s.mu.Lock()
	e, ok := s.entities[st.UniqueID]
	if ok {
		cp := st
		e.State = &cp
	}
	s.mu.Unlock()
	if !ok {
		s.log.Debug("state for unregistered entity ignored", "unique_id", st.UniqueID)
		return
	}
	s.bus.Publish(Event{Type: EventStateChanged, Data: st})
}

// Get returns one entity.
func (s *StateStore) Get(uniqueID string) (Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[uniqueID]
	if !ok {
		return Entity{}, false
	}
	return copyEntity(e), true
}

// Snapshot returns a copy of all entities ordered by unique id.
func (s *StateStore) Snapshot() []Entity {
	s.mu.RLock()
	out := make([]Entity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, copyEntity(e))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Info.UniqueID < out[j].Info.UniqueID })
	return out
}

// PublishEntryStatus announces an entry lifecycle transition.
func (s *StateStore) PublishEntryStatus(st EntryStatus) {
	s.bus.Publish(Event{Type: EventEntryStatus, Data: st})
}

func copyEntity(e *Entity) Entity {
	cp := Entity{Info: e.Info}
	if e.State != nil {
		st := *e.State
		cp.State = &st
	}
	return cp
}
