// Package transporttest provides in-memory transport fakes for tests.
package transporttest

import (
	"context"
	"fmt"
	"sync"

	"github.com/trymwestin/sonicare/internal/core/transport"
)

// Conn is a scripted GATT connection.
type Conn struct {
	mu           sync.Mutex
	values       map[transport.Characteristic][]byte
	subs         map[transport.Characteristic]func([]byte)
	disconnectFn func()
	dropped      bool
	closed       bool
	ReadErr      error
}

// NewConn creates a connection serving values.
func NewConn(values map[transport.Characteristic][]byte) *Conn {
	if values == nil {
		values = make(map[transport.Characteristic][]byte)
	}
	return &Conn{values: values, subs: make(map[transport.Characteristic]func([]byte))}
}

func (c *Conn) Read(_ context.Context, char transport.Characteristic) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ReadErr != nil {
		return nil, c.ReadErr
	}
	v, ok := c.values[char]
	if !ok {
		return nil, fmt.Errorf("%w: %s", transport.ErrCharacteristicNotFound, char)
	}
	return v, nil
}

func (c *Conn) Subscribe(char transport.Characteristic, fn func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.values[char]; !ok {
		return fmt.Errorf("%w: %s", transport.ErrCharacteristicNotFound, char)
	}
	c.subs[char] = fn
	return nil
}

func (c *Conn) OnDisconnect(fn func()) {
	c.mu.Lock()
	c.disconnectFn = fn
	late := c.dropped
	c.mu.Unlock()
	if late {
		fn()
	}
}

func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Notify delivers data to the subscriber of char. It reports false when
// nothing is subscribed.
func (c *Conn) Notify(char transport.Characteristic, data []byte) bool {
	c.mu.Lock()
	fn := c.subs[char]
	c.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(data)
	return true
}

// Drop simulates the peripheral going away. Dropping a connection before
// it is dialed makes the link die during connection setup.
func (c *Conn) Drop() {
	c.mu.Lock()
	if c.dropped {
		c.mu.Unlock()
		return
	}
	c.dropped = true
	fn := c.disconnectFn
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Dialer hands out scripted connections in order.
type Dialer struct {
	mu    sync.Mutex
	conns []*Conn
	errs  []error
	dials []string
}

// Queue appends a connection for the next successful Dial.
func (d *Dialer) Queue(conn *Conn) {
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
}

// Fail makes the next Dial return err.
func (d *Dialer) Fail(err error) {
	d.mu.Lock()
	d.errs = append(d.errs, err)
	d.mu.Unlock()
}

// Dial returns the next queued error, then the next queued connection.
func (d *Dialer) Dial(ctx context.Context, address string) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, address)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		return nil, err
	}
	if len(d.conns) == 0 {
		return nil, fmt.Errorf("transporttest: no connection queued for %s", address)
	}
	conn := d.conns[0]
	d.conns = d.conns[1:]
	return conn, nil
}

// Dials returns the addresses dialed so far.
func (d *Dialer) Dials() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dials...)
}

var (
	_ transport.Conn   = (*Conn)(nil)
	_ transport.Dialer = (*Dialer)(nil)
)
