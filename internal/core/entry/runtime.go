package entry

import (
	"context"
	"log/slog"
	"slices"
	"sync"
)

// Event names a host-wide event.
type Event string

// EventStop fires once when the daemon begins shutting down.
const EventStop Event = "stop"

// Host is what a running entry may ask of its manager.
type Host interface {
	ListenOnce(ev Event, fn func(ctx context.Context)) func()
	Running() bool
	Reload(ctx context.Context, id string) error
}

// UpdateListener is called after the entry's data or options changed.
type UpdateListener func(ctx context.Context, e Entry) error

// Runtime is the per-setup handle given to an integration. It collects
// unload hooks that must run exactly once however the entry goes away.
type Runtime struct {
	host     Host
	log      *slog.Logger
	onStatus func(Status)

	mu        sync.Mutex
	entry     Entry
	unload    []func()
	listeners map[int]UpdateListener
	nextID    int
	done      bool
}

func newRuntime(e Entry, host Host, onStatus func(Status), log *slog.Logger) *Runtime {
	return &Runtime{
		entry:     e,
		host:      host,
		onStatus:  onStatus,
		log:       log,
		listeners: make(map[int]UpdateListener),
	}
}

// Entry returns the current entry data.
func (r *Runtime) Entry() Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entry
}

// Host returns the owning manager.
func (r *Runtime) Host() Host { return r.host }

// Logger returns a logger scoped to the entry.
func (r *Runtime) Logger() *slog.Logger { return r.log }

// SetStatus reports a setup phase.
func (r *Runtime) SetStatus(s Status) {
	if r.onStatus != nil {
		r.onStatus(s)
	}
}

// OnUnload registers fn to run when the entry unloads or its setup fails.
// After unload has run, fn is called immediately.
func (r *Runtime) OnUnload(fn func()) {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		fn()
		return
	}
	r.unload = append(r.unload, fn)
	r.mu.Unlock()
}

// AddUpdateListener subscribes fn to entry updates.
func (r *Runtime) AddUpdateListener(fn UpdateListener) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

func (r *Runtime) setEntry(e Entry) {
	r.mu.Lock()
	r.entry = e
	r.mu.Unlock()
}

func (r *Runtime) updateListeners() []UpdateListener {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int, 0, len(r.listeners))
	for id := range r.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]UpdateListener, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.listeners[id])
	}
	return out
}

// runUnload runs every hook once, in registration order.
func (r *Runtime) runUnload() {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return
	}
	r.done = true
	hooks := r.unload
	r.unload = nil
	r.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

// --- Registry ---

// Registry holds per-entry integration data keyed by entry id.
type Registry[T any] struct {
	mu    sync.RWMutex
	items map[string]T
}

// NewRegistry creates an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{items: make(map[string]T)}
}

// Put stores v for id, replacing any previous value.
func (r *Registry[T]) Put(id string, v T) {
	r.mu.Lock()
	r.items[id] = v
	r.mu.Unlock()
}

// Get returns the value for id.
func (r *Registry[T]) Get(id string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.items[id]
	return v, ok
}

// Erase removes id and reports whether it was present.
func (r *Registry[T]) Erase(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.items[id]
	delete(r.items, id)
	return ok
}

// Len returns the number of stored entries.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}
