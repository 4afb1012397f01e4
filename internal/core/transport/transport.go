// Package transport provides GATT connections to BLE peripherals.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

// ErrCharacteristicNotFound is returned when a peripheral does not expose a
// requested characteristic.
var ErrCharacteristicNotFound = errors.New("transport: characteristic not found")

// Characteristic identifies a GATT characteristic by service and UUID.
type Characteristic struct {
	Service string
	UUID    string
}

func (c Characteristic) String() string {
	return c.Service + "/" + c.UUID
}

// Conn represents an open GATT connection.
type Conn interface {
	// Read returns the current value of a characteristic.
	Read(ctx context.Context, char Characteristic) ([]byte, error)
	// Subscribe registers fn for notifications on char.
	Subscribe(char Characteristic, fn func([]byte)) error
	// OnDisconnect registers a callback invoked once when the link drops. If
	// the link dropped before registration, fn is invoked immediately.
	OnDisconnect(fn func())
	// Close terminates the connection.
	Close() error
}

// Dialer opens connections to peripherals by hardware address.
type Dialer interface {
	Dial(ctx context.Context, address string) (Conn, error)
}

// --- tinygo bluetooth implementation ---

// AdapterDialer connects through a tinygo bluetooth adapter.
type AdapterDialer struct {
	adapter *bluetooth.Adapter
	log     *slog.Logger

	mu    sync.Mutex
	conns map[string]*bleConn
}

// NewAdapterDialer wraps an already enabled adapter and installs the
// adapter-level connect handler used to route disconnects.
func NewAdapterDialer(adapter *bluetooth.Adapter, log *slog.Logger) *AdapterDialer {
	d := &AdapterDialer{
		adapter: adapter,
		log:     log,
		conns:   make(map[string]*bleConn),
	}
	adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		addr := strings.ToUpper(device.Address.String())
		d.mu.Lock()
		conn, ok := d.conns[addr]
		delete(d.conns, addr)
		d.mu.Unlock()
		if ok {
			conn.fireDisconnect()
		}
	})
	return d
}

// Dial connects to the peripheral at address.
func (d *AdapterDialer) Dial(ctx context.Context, address string) (Conn, error) {
	var addr bluetooth.Address
	addr.Set(address)

	d.log.Debug("dialing peripheral", "address", address)

	device, err := awaitConnect(ctx, func() (bluetooth.Device, error) {
		return d.adapter.Connect(addr, bluetooth.ConnectionParams{})
	}, func(late bluetooth.Device) {
		d.log.Info("dropping connection completed after dial was abandoned", "address", address)
		if err := late.Disconnect(); err != nil {
			d.log.Debug("disconnect failed", "address", address, "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", address, err)
	}
	conn := &bleConn{
		device: device,
		chars:  make(map[Characteristic]bluetooth.DeviceCharacteristic),
		log:    d.log,
	}
	d.mu.Lock()
	d.conns[strings.ToUpper(address)] = conn
	d.mu.Unlock()
	d.log.Info("connected to peripheral", "address", address)
	return conn, nil
}

// awaitConnect runs connect in the background and waits for it or ctx.
// tinygo's Connect blocks with its own timeout and cannot be cancelled, so a
// connection that completes after ctx is done is handed to release.
func awaitConnect[D any](ctx context.Context, connect func() (D, error), release func(D)) (D, error) {
	type result struct {
		device D
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		device, err := connect()
		ch <- result{device, err}
	}()

	select {
	case res := <-ch:
		return res.device, res.err
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.err == nil {
				release(res.device)
			}
		}()
		var zero D
		return zero, ctx.Err()
	}
}

// Ensure AdapterDialer implements Dialer.
var _ Dialer = (*AdapterDialer)(nil)

type bleConn struct {
	device bluetooth.Device
	log    *slog.Logger

	mu           sync.Mutex // protects chars and GATT operations
	chars        map[Characteristic]bluetooth.DeviceCharacteristic
	disconnectFn func()
	dropped      bool
	closed       bool
}

func (c *bleConn) characteristic(char Characteristic) (bluetooth.DeviceCharacteristic, error) {
	if dc, ok := c.chars[char]; ok {
		return dc, nil
	}
	svcUUID, err := bluetooth.ParseUUID(char.Service)
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("transport: parse service %q: %w", char.Service, err)
	}
	charUUID, err := bluetooth.ParseUUID(char.UUID)
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("transport: parse characteristic %q: %w", char.UUID, err)
	}

	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("transport: discover service %s: %w", char.Service, err)
	}
	for _, svc := range svcs {
		found, err := svc.DiscoverCharacteristics([]bluetooth.UUID{charUUID})
		if err != nil {
			return bluetooth.DeviceCharacteristic{}, fmt.Errorf("transport: discover %s: %w", char, err)
		}
		if len(found) > 0 {
			c.chars[char] = found[0]
			return found[0], nil
		}
	}
	return bluetooth.DeviceCharacteristic{}, fmt.Errorf("%w: %s", ErrCharacteristicNotFound, char)
}

func (c *bleConn) Read(_ context.Context, char Characteristic) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dc, err := c.characteristic(char)
	if err != nil {
		return nil, err
	}
	mtu, err := dc.GetMTU()
	if err != nil || mtu == 0 {
		mtu = 23
	}
	buf := make([]byte, mtu)
	n, err := dc.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("transport: read %s: %w", char, err)
	}
	return buf[:n], nil
}

func (c *bleConn) Subscribe(char Characteristic, fn func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dc, err := c.characteristic(char)
	if err != nil {
		return err
	}
	if err := dc.EnableNotifications(func(buf []byte) {
		data := make([]byte, len(buf))
		copy(data, buf)
		fn(data)
	}); err != nil {
		return fmt.Errorf("transport: subscribe %s: %w", char, err)
	}
	return nil
}

// OnDisconnect runs fn at once when the link already dropped.
func (c *bleConn) OnDisconnect(fn func()) {
	c.mu.Lock()
	c.disconnectFn = fn
	late := c.dropped && !c.closed
	c.mu.Unlock()
	if late {
		fn()
	}
}

func (c *bleConn) fireDisconnect() {
	c.mu.Lock()
	fn := c.disconnectFn
	skip := c.dropped || c.closed
	c.dropped = true
	c.mu.Unlock()
	if fn != nil && !skip {
		fn()
	}
}

func (c *bleConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.device.Disconnect()
}
