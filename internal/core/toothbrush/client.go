package toothbrush

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trymwestin/sonicare/internal/core/bluetooth"
	"github.com/trymwestin/sonicare/internal/core/transport"
)

// Options tunes a Client. Zero fields take defaults.
type Options struct {
	ConnectTimeout time.Duration
	MinBackoff     time.Duration
	MaxBackoff     time.Duration
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 30 * time.Second
	}
	if o.MinBackoff <= 0 {
		o.MinBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 2 * time.Minute
	}
	return o
}

// Client keeps a GATT session to one handle and follows its notifications.
type Client struct {
	address string
	dialer  transport.Dialer
	opts    Options
	log     *slog.Logger

	connMu sync.Mutex
	conn   transport.Conn
	state  State
	// pending is the connection being set up; pendingDropped records a link
	// drop seen before it was published.
	pending        transport.Conn
	pendingDropped bool

	cbMu         sync.Mutex
	nextID       int
	callbacks    map[int]func(State)
	disconnected map[int]func()

	cancel  context.CancelFunc
	stopped chan struct{}
	running atomic.Bool
	dropped chan struct{}
	wakeCh  chan struct{}
}

// NewClient creates a client for the handle at address.
func NewClient(address string, dialer transport.Dialer, opts Options, log *slog.Logger) *Client {
	return &Client{
		address:      bluetooth.NormalizeAddress(address),
		dialer:       dialer,
		opts:         opts.withDefaults(),
		log:          log,
		callbacks:    make(map[int]func(State)),
		disconnected: make(map[int]func()),
		dropped:      make(chan struct{}, 1),
		wakeCh:       make(chan struct{}, 1),
	}
}

// Address returns the handle's hardware address.
func (c *Client) Address() string { return c.address }

// State returns the latest readings.
func (c *Client) State() State {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.state
}

// Connected reports whether a GATT session is open.
func (c *Client) Connected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

// Initialise connects, reads every characteristic and subscribes to
// notifications. On success the client keeps the session alive until Stop.
func (c *Client) Initialise(ctx context.Context) error {
	if c.running.Load() {
		return fmt.Errorf("toothbrush: already initialised")
	}
	if err := c.connect(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.stopped = make(chan struct{})
	c.running.Store(true)

	go c.runLoop(loopCtx)
	return nil
}

// Stop closes the session and stops reconnecting. Safe to call repeatedly.
func (c *Client) Stop(_ context.Context) error {
	if !c.running.CompareAndSwap(true, false) {
		c.disconnect()
		return nil
	}
	c.cancel()
	<-c.stopped
	c.disconnect()
	return nil
}

// RegisterCallback subscribes fn to state updates.
func (c *Client) RegisterCallback(fn func(State)) func() {
	c.cbMu.Lock()
	id := c.nextID
	c.nextID++
	c.callbacks[id] = fn
	c.cbMu.Unlock()
	return func() {
		c.cbMu.Lock()
		delete(c.callbacks, id)
		c.cbMu.Unlock()
	}
}

// RegisterDisconnectedCallback subscribes fn to link drops.
func (c *Client) RegisterDisconnectedCallback(fn func()) func() {
	c.cbMu.Lock()
	id := c.nextID
	c.nextID++
	c.disconnected[id] = fn
	c.cbMu.Unlock()
	return func() {
		c.cbMu.Lock()
		delete(c.disconnected, id)
		c.cbMu.Unlock()
	}
}

// SetAdvertisement records the latest advertisement. A disconnected client
// retries immediately since the handle is evidently awake.
func (c *Client) SetAdvertisement(info bluetooth.ServiceInfo) {
	c.connMu.Lock()
	c.state.SignalStrength = intPtr(int(info.RSSI))
	if info.Name != "" {
		c.state.Name = info.Name
	}
	connected := c.conn != nil
	c.connMu.Unlock()

	if !connected {
		c.signalWake()
	}
}

func (c *Client) signalWake() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

func (c *Client) runLoop(ctx context.Context) {
	defer close(c.stopped)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.dropped:
		}

		backoff := c.opts.MinBackoff
		for {
			err := c.connect(ctx)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("reconnect failed", "address", c.address, "error", err, "retry_in", backoff)

			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-c.wakeCh:
				timer.Stop()
				backoff = c.opts.MinBackoff
				c.log.Debug("advertisement seen, reconnecting immediately", "address", c.address)
				continue
			case <-timer.C:
			}
			backoff = time.Duration(math.Min(float64(backoff)*2, float64(c.opts.MaxBackoff)))
		}
	}
}

func (c *Client) connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	c.log.Info("connecting to toothbrush", "address", c.address)
	conn, err := c.dialer.Dial(dialCtx, c.address)
	if err != nil {
		return fmt.Errorf("toothbrush: connect: %w", err)
	}

	c.connMu.Lock()
	c.pending = conn
	c.pendingDropped = false
	next := c.state
	c.connMu.Unlock()

	conn.OnDisconnect(func() { c.handleDrop(conn) })

	if err := readAll(dialCtx, conn, &next, c.log); err != nil {
		c.abandon(conn)
		return err
	}

	for _, spec := range characteristics {
		if !spec.notify {
			continue
		}
		spec := spec
		err := conn.Subscribe(spec.char, func(data []byte) { c.handleNotification(conn, spec, data) })
		if errors.Is(err, transport.ErrCharacteristicNotFound) {
			continue
		}
		if err != nil {
			c.abandon(conn)
			return fmt.Errorf("toothbrush: subscribe %s: %w", spec.key, err)
		}
	}

	c.connMu.Lock()
	dropped := c.pendingDropped
	c.pending = nil
	c.pendingDropped = false
	if dropped {
		c.connMu.Unlock()
		conn.Close()
		return fmt.Errorf("toothbrush: connect: link dropped during setup")
	}
	// Readings that arrived by advertisement while we were reading win.
	next.SignalStrength = c.state.SignalStrength
	if c.state.Name != "" {
		next.Name = c.state.Name
	}
	c.conn = conn
	c.state = next
	c.connMu.Unlock()

	c.log.Info("toothbrush connected", "address", c.address)
	c.fireUpdate(next)
	return nil
}

func (c *Client) handleNotification(conn transport.Conn, spec characteristicSpec, data []byte) {
	c.connMu.Lock()
	if c.conn != conn {
		c.connMu.Unlock()
		return
	}
	next := c.state
	if err := spec.apply(&next, data); err != nil {
		c.connMu.Unlock()
		c.log.Warn("failed to decode notification", "key", spec.key, "error", err)
		return
	}
	c.state = next
	c.connMu.Unlock()

	c.log.Debug("toothbrush notification", "key", spec.key)
	c.fireUpdate(next)
}

func (c *Client) handleDrop(conn transport.Conn) {
	c.connMu.Lock()
	if c.conn != conn {
		if c.pending == conn {
			c.pendingDropped = true
		}
		c.connMu.Unlock()
		return
	}
	c.conn = nil
	c.connMu.Unlock()

	c.log.Info("toothbrush disconnected", "address", c.address)
	c.fireDisconnected()

	select {
	case c.dropped <- struct{}{}:
	default:
	}
}

// abandon closes a connection whose setup failed.
func (c *Client) abandon(conn transport.Conn) {
	c.connMu.Lock()
	if c.pending == conn {
		c.pending = nil
		c.pendingDropped = false
	}
	c.connMu.Unlock()
	conn.Close()
}

func (c *Client) disconnect() {
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()
	if conn != nil {
		c.log.Info("disconnecting toothbrush", "address", c.address)
		if err := conn.Close(); err != nil {
			c.log.Debug("close failed", "address", c.address, "error", err)
		}
	}
}

func (c *Client) fireUpdate(s State) {
	c.cbMu.Lock()
	fns := make([]func(State), 0, len(c.callbacks))
	for _, fn := range c.callbacks {
		fns = append(fns, fn)
	}
	c.cbMu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (c *Client) fireDisconnected() {
	c.cbMu.Lock()
	fns := make([]func(), 0, len(c.disconnected))
	for _, fn := range c.disconnected {
		fns = append(fns, fn)
	}
	c.cbMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
