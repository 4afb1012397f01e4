package entry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trymwestin/sonicare/internal/core/state"
)

// Integration sets up and unloads devices.
type Integration interface {
	Setup(ctx context.Context, rt *Runtime) error
	Unload(ctx context.Context, rt *Runtime) error
}

// StatusSink receives lifecycle transitions.
type StatusSink interface {
	PublishEntryStatus(st state.EntryStatus)
}

// Persister saves entries changed at runtime.
type Persister interface {
	SaveEntry(ctx context.Context, e Entry) error
}

// ManagerOptions tunes setup retries. Zero fields take defaults.
type ManagerOptions struct {
	RetryMin time.Duration
	RetryMax time.Duration
}

type managed struct {
	op sync.Mutex // serializes Setup and Unload of one entry

	entry    Entry
	status   Status
	reason   string
	rt       *Runtime
	attempts int
	retry    *time.Timer
}

// Manager owns every entry and drives it through the lifecycle.
type Manager struct {
	integ     Integration
	sink      StatusSink
	persister Persister
	opts      ManagerOptions
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	entries  map[string]*managed
	order    []string
	stopFns  map[int]func(ctx context.Context)
	nextStop int
	stopping bool
}

// NewManager creates a manager for integ. sink and persister may be nil.
func NewManager(integ Integration, sink StatusSink, persister Persister, opts ManagerOptions, log *slog.Logger) *Manager {
	if opts.RetryMin <= 0 {
		opts.RetryMin = 5 * time.Second
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 80 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		integ:     integ,
		sink:      sink,
		persister: persister,
		opts:      opts,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
		entries:   make(map[string]*managed),
		stopFns:   make(map[int]func(ctx context.Context)),
	}
}

// Add registers e. An empty id is replaced by a generated one, which is
// returned.
func (m *Manager) Add(e Entry) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Mode == "" {
		e.Mode = ModeActive
	}
	if !e.Mode.Valid() {
		return "", fmt.Errorf("entry: %s: unknown mode %q", e.ID, e.Mode)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[e.ID]; ok {
		return "", fmt.Errorf("entry: duplicate id %q", e.ID)
	}
	m.entries[e.ID] = &managed{entry: e, status: StatusNotLoaded}
	m.order = append(m.order, e.ID)
	return e.ID, nil
}

// Get returns the current view of one entry.
func (m *Manager) Get(id string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	me, ok := m.entries[id]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return Info{Entry: me.entry, Status: me.status, Reason: me.reason}, nil
}

// Entries lists every entry in insertion order.
func (m *Manager) Entries() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.order))
	for _, id := range m.order {
		me := m.entries[id]
		out = append(out, Info{Entry: me.entry, Status: me.status, Reason: me.reason})
	}
	return out
}

// Running reports whether the manager is not shutting down.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.stopping
}

// SetupAll sets up every enabled entry.
func (m *Manager) SetupAll(ctx context.Context) {
	for _, info := range m.Entries() {
		if info.Disabled {
			continue
		}
		if err := m.Setup(ctx, info.ID); err != nil {
			m.log.Warn("entry setup failed", "entry_id", info.ID, "error", err)
		}
	}
}

// Setup runs the integration setup for id. A not-ready failure schedules a
// retry; any other failure parks the entry in setup_error.
func (m *Manager) Setup(ctx context.Context, id string) error {
	me, err := m.lookup(id)
	if err != nil {
		return err
	}
	me.op.Lock()
	defer me.op.Unlock()

	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return fmt.Errorf("entry: %s: manager stopping", id)
	}
	if me.status == StatusLoaded {
		m.mu.Unlock()
		return nil
	}
	if me.entry.Disabled {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDisabled, id)
	}
	if me.retry != nil {
		if me.retry.Stop() {
			m.wg.Done()
		}
		me.retry = nil
	}
	e := me.entry
	m.mu.Unlock()

	log := m.log.With("entry_id", id, "address", e.Address)
	rt := newRuntime(e, m, func(s Status) { m.setStatus(me, s, "") }, log)

	log.Info("setting up entry", "mode", e.Mode)
	err = m.integ.Setup(ctx, rt)
	if err == nil {
		m.mu.Lock()
		me.rt = rt
		me.attempts = 0
		m.mu.Unlock()
		m.setStatus(me, StatusLoaded, "")
		log.Info("entry loaded")
		return nil
	}

	rt.runUnload()

	if errors.Is(err, ErrNotReady) {
		m.mu.Lock()
		me.attempts++
		delay := m.retryDelay(me.attempts)
		m.wg.Add(1)
		me.retry = time.AfterFunc(delay, func() {
			defer m.wg.Done()
			m.retrySetup(id)
		})
		m.mu.Unlock()
		m.setStatus(me, StatusSetupRetry, err.Error())
		log.Warn("entry not ready, retrying", "error", err, "retry_in", delay)
		return err
	}

	m.setStatus(me, StatusSetupError, err.Error())
	log.Error("entry setup failed", "error", err)
	return err
}

func (m *Manager) retrySetup(id string) {
	me, err := m.lookup(id)
	if err != nil {
		return
	}
	m.mu.Lock()
	me.retry = nil
	pending := me.status == StatusSetupRetry && !m.stopping
	m.mu.Unlock()
	if !pending {
		return
	}
	m.Setup(m.ctx, id)
}

func (m *Manager) retryDelay(attempt int) time.Duration {
	d := float64(m.opts.RetryMin) * math.Pow(2, float64(attempt-1))
	return time.Duration(math.Min(d, float64(m.opts.RetryMax)))
}

// Unload tears down a loaded entry. Pending retries are cancelled.
func (m *Manager) Unload(ctx context.Context, id string) error {
	me, err := m.lookup(id)
	if err != nil {
		return err
	}
	me.op.Lock()
	defer me.op.Unlock()
	return m.unloadLocked(ctx, me)
}

func (m *Manager) unloadLocked(ctx context.Context, me *managed) error {
	m.mu.Lock()
	if me.retry != nil {
		if me.retry.Stop() {
			m.wg.Done()
		}
		me.retry = nil
	}
	rt := me.rt
	status := me.status
	m.mu.Unlock()

	if status != StatusLoaded || rt == nil {
		if status == StatusSetupRetry || status == StatusSetupError {
			m.setStatus(me, StatusNotLoaded, "")
		}
		return nil
	}

	m.setStatus(me, StatusUnloading, "")
	err := m.integ.Unload(ctx, rt)
	rt.runUnload()

	m.mu.Lock()
	me.rt = nil
	m.mu.Unlock()
	if err != nil {
		m.setStatus(me, StatusSetupError, err.Error())
		return fmt.Errorf("entry: unload %s: %w", me.entry.ID, err)
	}
	m.setStatus(me, StatusUnloaded, "")
	m.log.Info("entry unloaded", "entry_id", me.entry.ID)
	return nil
}

// Reload unloads and sets the entry up again.
func (m *Manager) Reload(ctx context.Context, id string) error {
	if err := m.Unload(ctx, id); err != nil {
		return err
	}
	return m.Setup(ctx, id)
}

// UpdateEntry applies fn to the entry, persists it and notifies the update
// listeners of a loaded entry.
func (m *Manager) UpdateEntry(ctx context.Context, id string, fn func(*Entry)) (Entry, error) {
	me, err := m.lookup(id)
	if err != nil {
		return Entry{}, err
	}

	m.mu.Lock()
	next := me.entry
	fn(&next)
	next.ID = me.entry.ID
	if !next.Mode.Valid() {
		m.mu.Unlock()
		return Entry{}, fmt.Errorf("entry: %s: unknown mode %q", id, next.Mode)
	}
	me.entry = next
	rt := me.rt
	m.mu.Unlock()

	if m.persister != nil {
		if err := m.persister.SaveEntry(ctx, next); err != nil {
			m.log.Warn("failed to persist entry", "entry_id", id, "error", err)
		}
	}

	if rt == nil {
		return next, nil
	}
	rt.setEntry(next)
	for _, l := range rt.updateListeners() {
		if err := l(ctx, next); err != nil {
			return next, fmt.Errorf("entry: update listener: %w", err)
		}
	}
	return next, nil
}

// ListenOnce registers fn for ev. The returned function removes it.
func (m *Manager) ListenOnce(ev Event, fn func(ctx context.Context)) func() {
	if ev != EventStop {
		return func() {}
	}
	m.mu.Lock()
	id := m.nextStop
	m.nextStop++
	m.stopFns[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.stopFns, id)
		m.mu.Unlock()
	}
}

// Shutdown fires EventStop, unloads every entry and waits for pending
// retries to drain.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return nil
	}
	m.stopping = true
	ids := make([]int, 0, len(m.stopFns))
	for id := range m.stopFns {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(context.Context), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.stopFns[id])
	}
	m.stopFns = make(map[int]func(context.Context))
	order := append([]string(nil), m.order...)
	m.mu.Unlock()

	m.log.Info("entry manager shutting down", "entries", len(order))
	for _, fn := range fns {
		fn(ctx)
	}

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		me, err := m.lookup(order[i])
		if err != nil {
			continue
		}
		me.op.Lock()
		if err := m.unloadLocked(ctx, me); err != nil {
			errs = append(errs, err)
		}
		me.op.Unlock()
	}

	m.cancel()
	m.wg.Wait()
	return errors.Join(errs...)
}

func (m *Manager) lookup(id string) (*managed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	me, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return me, nil
}

func (m *Manager) setStatus(me *managed, s Status, reason string) {
	m.mu.Lock()
	me.status = s
	me.reason = reason
	st := state.EntryStatus{EntryID: me.entry.ID, Title: me.entry.Title, Status: string(s), Reason: reason}
	m.mu.Unlock()
	if m.sink != nil {
		m.sink.PublishEntryStatus(st)
	}
}

var _ Host = (*Manager)(nil)
