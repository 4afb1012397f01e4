package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/trymwestin/sonicare/internal/core/bluetooth"
	"github.com/trymwestin/sonicare/internal/core/toothbrush"
)

// DefaultUnavailableAfter is how long a silent device stays available.
const DefaultUnavailableAfter = 15 * time.Minute

// AdvertisementSource delivers address-filtered advertisements.
type AdvertisementSource interface {
	RegisterCallback(cb bluetooth.Callback, m bluetooth.Matcher, mode bluetooth.ScanningMode) func()
}

// ProcessorOptions configures a ProcessorCoordinator.
type ProcessorOptions struct {
	Address          string
	Mode             bluetooth.ScanningMode
	UnavailableAfter time.Duration

	// Update folds an advertisement into a snapshot.
	Update func(bluetooth.ServiceInfo) toothbrush.SensorUpdate
	// NeedsPoll decides whether to poll after an advertisement. Nil never
	// polls.
	NeedsPoll func(info bluetooth.ServiceInfo, lastPoll time.Time) bool
	// Poll reads the device over GATT.
	Poll func(ctx context.Context, info bluetooth.ServiceInfo) (toothbrush.SensorUpdate, error)
}

// ProcessorCoordinator drives processors from advertisements and runs at
// most one poll at a time.
type ProcessorCoordinator struct {
	source AdvertisementSource
	opts   ProcessorOptions
	log    *slog.Logger
	now    func() time.Time

	// dispatch serializes processor updates from advertisements and polls.
	dispatch sync.Mutex

	mu         sync.Mutex
	processors map[int]*Processor
	nextID     int
	lastSeen   time.Time
	lastPoll   time.Time
	polling    bool
	available  bool
	started    bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	unregister func()
}

// NewProcessorCoordinator creates a stopped coordinator.
func NewProcessorCoordinator(source AdvertisementSource, opts ProcessorOptions, log *slog.Logger) *ProcessorCoordinator {
	if opts.UnavailableAfter <= 0 {
		opts.UnavailableAfter = DefaultUnavailableAfter
	}
	return &ProcessorCoordinator{
		source:     source,
		opts:       opts,
		log:        log,
		now:        time.Now,
		processors: make(map[int]*Processor),
	}
}

// RegisterProcessor attaches p and returns its removal function.
func (c *ProcessorCoordinator) RegisterProcessor(p *Processor) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.processors[id] = p
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.processors, id)
		c.mu.Unlock()
	}
}

// Start subscribes to advertisements and starts the availability watchdog.
// The returned function is equivalent to Stop.
func (c *ProcessorCoordinator) Start(ctx context.Context) func() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return c.Stop
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.lastSeen = c.now()
	c.mu.Unlock()

	unregister := c.source.RegisterCallback(func(info bluetooth.ServiceInfo, _ bluetooth.Change) {
		c.handleAdvertisement(ctx, info)
	}, bluetooth.Matcher{Address: c.opts.Address}, c.opts.Mode)
	c.mu.Lock()
	c.unregister = unregister
	c.mu.Unlock()

	c.wg.Add(1)
	go c.watchdog(ctx)
	return c.Stop
}

// Stop unsubscribes and waits for a running poll to finish.
func (c *ProcessorCoordinator) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	cancel := c.cancel
	unregister := c.unregister
	c.mu.Unlock()

	if unregister != nil {
		unregister()
	}
	cancel()
	c.wg.Wait()
}

// LastPoll returns when the last poll finished, zero if never.
func (c *ProcessorCoordinator) LastPoll() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPoll
}

func (c *ProcessorCoordinator) handleAdvertisement(ctx context.Context, info bluetooth.ServiceInfo) {
	c.mu.Lock()
	c.lastSeen = c.now()
	c.available = true
	c.mu.Unlock()

	c.dispatchUpdate(c.opts.Update(info))

	if c.opts.NeedsPoll == nil || c.opts.Poll == nil {
		return
	}
	c.mu.Lock()
	if c.polling || !c.started || !c.opts.NeedsPoll(info, c.lastPoll) {
		c.mu.Unlock()
		return
	}
	c.polling = true
	c.wg.Add(1)
	c.mu.Unlock()

	go c.poll(ctx, info)
}

func (c *ProcessorCoordinator) poll(ctx context.Context, info bluetooth.ServiceInfo) {
	defer c.wg.Done()

	update, err := c.opts.Poll(ctx, info)

	c.mu.Lock()
	c.polling = false
	c.lastPoll = c.now()
	c.mu.Unlock()

	if err != nil {
		if ctx.Err() == nil {
			c.log.Warn("poll failed", "address", c.opts.Address, "error", err)
		}
		return
	}
	c.dispatchUpdate(update)
}

func (c *ProcessorCoordinator) dispatchUpdate(u toothbrush.SensorUpdate) {
	c.dispatch.Lock()
	defer c.dispatch.Unlock()
	for _, p := range c.snapshotProcessors() {
		p.Update(u)
	}
}

func (c *ProcessorCoordinator) snapshotProcessors() []*Processor {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Processor, 0, len(c.processors))
	for _, p := range c.processors {
		out = append(out, p)
	}
	return out
}

func (c *ProcessorCoordinator) watchdog(ctx context.Context) {
	defer c.wg.Done()

	interval := c.opts.UnavailableAfter / 4
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkAvailability()
		}
	}
}

func (c *ProcessorCoordinator) checkAvailability() {
	c.mu.Lock()
	expired := c.available && c.now().Sub(c.lastSeen) > c.opts.UnavailableAfter
	if expired {
		c.available = false
	}
	c.mu.Unlock()
	if !expired {
		return
	}

	c.log.Info("device no longer seen", "address", c.opts.Address, "after", c.opts.UnavailableAfter)
	c.dispatch.Lock()
	defer c.dispatch.Unlock()
	for _, p := range c.snapshotProcessors() {
		p.SetAvailable(false)
	}
}
