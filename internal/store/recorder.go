package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/trymwestin/sonicare/internal/core/state"
)

const saveTimeout = 5 * time.Second

// Recorder persists available entity states from the event bus so they can
// be restored after a restart.
type Recorder struct {
	db  *DB
	bus *state.EventBus
	log *slog.Logger

	unsub func()
	wg    sync.WaitGroup
}

// NewRecorder creates a recorder for db.
func NewRecorder(db *DB, bus *state.EventBus, log *slog.Logger) *Recorder {
	return &Recorder{db: db, bus: bus, log: log}
}

// Start subscribes to the bus.
func (r *Recorder) Start() {
	ch, unsub := r.bus.Subscribe(256)
	r.unsub = unsub
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for evt := range ch {
			r.handle(evt)
		}
	}()
}

// Stop unsubscribes and waits for pending writes.
func (r *Recorder) Stop() {
	if r.unsub != nil {
		r.unsub()
	}
	r.wg.Wait()
}

func (r *Recorder) handle(evt state.Event) {
	if evt.Type != state.EventStateChanged {
		return
	}
	st, ok := evt.Data.(state.EntityState)
	if !ok || !st.Available {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := r.db.SaveState(ctx, st.UniqueID, st.State, st.UpdatedAt); err != nil {
		r.log.Warn("failed to persist entity state", "unique_id", st.UniqueID, "error", err)
	}
}
