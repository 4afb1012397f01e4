package entity

import (
	"context"
	"log/slog"
	"sync"
)

// Platform hosts the entities of one entry.
type Platform struct {
	entryID string
	writer  StateWriter
	restore RestoreStore
	log     *slog.Logger

	mu       sync.Mutex
	entities []Entity
	ids      map[string]bool
}

// NewPlatform creates an empty platform for entryID.
func NewPlatform(entryID string, writer StateWriter, restore RestoreStore, log *slog.Logger) *Platform {
	return &Platform{
		entryID: entryID,
		writer:  writer,
		restore: restore,
		log:     log,
		ids:     make(map[string]bool),
	}
}

// AddEntities adds entities not yet hosted. Entities whose unique id is
// already present are skipped.
func (p *Platform) AddEntities(ctx context.Context, entities ...Entity) {
	for _, e := range entities {
		id := e.UniqueID()
		p.mu.Lock()
		if p.ids[id] {
			p.mu.Unlock()
			p.log.Debug("entity already added", "unique_id", id)
			continue
		}
		p.ids[id] = true
		p.entities = append(p.entities, e)
		p.mu.Unlock()

		if err := e.Added(ctx, p.restore, p.writer); err != nil {
			p.log.Error("failed to add entity", "unique_id", id, "error", err)
		}
	}
	p.log.Debug("entities added", "entry_id", p.entryID, "count", len(entities))
}

// Entities returns the hosted entities in insertion order.
func (p *Platform) Entities() []Entity {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Entity(nil), p.entities...)
}

// Unload detaches every entity, leaving their registrations in place.
func (p *Platform) Unload() {
	for _, e := range p.take() {
		e.Unloaded(p.writer)
	}
}

func (p *Platform) take() []Entity {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.entities
	p.entities = nil
	p.ids = make(map[string]bool)
	return out
}
