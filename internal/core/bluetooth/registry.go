// Package bluetooth keeps the live view of nearby BLE advertisements and
// dispatches them to address-filtered callbacks. Integrations use it to
// resolve a device by hardware address before connecting.
package bluetooth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ErrDeviceNotFound is returned when no advertisement for an address arrives
// before the lookup deadline.
var ErrDeviceNotFound = errors.New("bluetooth: device not found")

// ScanningMode is the advertisement observation mode requested by a callback.
type ScanningMode int

const (
	// ScanPassive listens to broadcast packets only.
	ScanPassive ScanningMode = iota
	// ScanActive additionally requests scan responses and allows connecting.
	ScanActive
)

func (m ScanningMode) String() string {
	if m == ScanActive {
		return "active"
	}
	return "passive"
}

// Change describes why a callback fired.
type Change int

const (
	// ChangeAdvertisement is a fresh advertisement from the device.
	ChangeAdvertisement Change = iota
)

// ServiceInfo is a single observed advertisement.
type ServiceInfo struct {
	Address          string            `json:"address"`
	Name             string            `json:"name,omitempty"`
	RSSI             int16             `json:"rssi"`
	Connectable      bool              `json:"connectable"`
	ManufacturerData map[uint16][]byte `json:"manufacturer_data,omitempty"`
	ServiceUUIDs     []string          `json:"service_uuids,omitempty"`
	Time             time.Time         `json:"time"`
}

// Matcher filters advertisements delivered to a callback.
type Matcher struct {
	Address string
}

func (m Matcher) match(info ServiceInfo) bool {
	return m.Address == "" || NormalizeAddress(m.Address) == info.Address
}

// Callback receives matched advertisements.
type Callback func(info ServiceInfo, change Change)

// Scanner produces advertisements until ctx is cancelled.
type Scanner interface {
	Scan(ctx context.Context, fn func(ServiceInfo)) error
}

// ModeSetter is implemented by scanners that follow the aggregate scanning
// mode of the registry.
type ModeSetter interface {
	SetMode(mode ScanningMode)
}

type registration struct {
	cb      Callback
	matcher Matcher
	mode    ScanningMode
}

// Registry is the process-wide advertisement cache.
type Registry struct {
	scanner    Scanner
	staleAfter time.Duration
	log        *slog.Logger
	now        func() time.Time

	mu        sync.RWMutex
	cache     map[string]ServiceInfo
	callbacks map[int]registration
	nextID    int
	waiters   map[string][]chan ServiceInfo

	modeMu sync.Mutex // serializes mode changes pushed to the scanner
	mode   ScanningMode
}

// NewRegistry creates a registry fed by scanner. Cached advertisements older
// than staleAfter are ignored by lookups; zero disables expiry.
func NewRegistry(scanner Scanner, staleAfter time.Duration, log *slog.Logger) *Registry {
	return &Registry{
		scanner:    scanner,
		staleAfter: staleAfter,
		log:        log,
		now:        time.Now,
		cache:      make(map[string]ServiceInfo),
		callbacks:  make(map[int]registration),
		waiters:    make(map[string][]chan ServiceInfo),
	}
}

// NormalizeAddress upper-cases and trims a hardware address.
func NormalizeAddress(addr string) string {
	return strings.ToUpper(strings.TrimSpace(addr))
}

// Run feeds the registry from the scanner until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	if r.scanner == nil {
		return fmt.Errorf("bluetooth: no scanner configured")
	}
	r.log.Info("bluetooth scanning started")
	err := r.scanner.Scan(ctx, r.Observe)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("bluetooth: scan: %w", err)
	}
	return nil
}

// Observe records an advertisement and dispatches it to matching callbacks.
func (r *Registry) Observe(info ServiceInfo) {
	info.Address = NormalizeAddress(info.Address)
	if info.Time.IsZero() {
		info.Time = r.now()
	}

	r.mu.Lock()
	if prev, ok := r.cache[info.Address]; ok && info.Name == "" {
		info.Name = prev.Name
	}
	r.cache[info.Address] = info
	var matched []Callback
	for _, reg := range r.callbacks {
		if reg.matcher.match(info) {
			matched = append(matched, reg.cb)
		}
	}
	waiters := r.waiters[info.Address]
	delete(r.waiters, info.Address)
	r.mu.Unlock()

	for _, ch := range waiters {
		ch <- info
	}
	for _, cb := range matched {
		cb(info, ChangeAdvertisement)
	}
}

// DeviceFromAddress returns the latest fresh advertisement for addr. When
// connectable is set, only connectable advertisements qualify.
func (r *Registry) DeviceFromAddress(addr string, connectable bool) (ServiceInfo, bool) {
	r.mu.RLock()
	info, ok := r.cache[NormalizeAddress(addr)]
	r.mu.RUnlock()
	if !ok {
		return ServiceInfo{}, false
	}
	if r.staleAfter > 0 && r.now().Sub(info.Time) > r.staleAfter {
		return ServiceInfo{}, false
	}
	if connectable && !info.Connectable {
		return ServiceInfo{}, false
	}
	return info, true
}

// WaitForDevice blocks until addr advertises or timeout elapses. It serves a
// fresh cached advertisement immediately.
func (r *Registry) WaitForDevice(ctx context.Context, addr string, timeout time.Duration) (ServiceInfo, error) {
	addr = NormalizeAddress(addr)
	if info, ok := r.DeviceFromAddress(addr, true); ok {
		return info, nil
	}

	ch := make(chan ServiceInfo, 1)
	r.mu.Lock()
	r.waiters[addr] = append(r.waiters[addr], ch)
	r.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case info := <-ch:
		return info, nil
	case <-timer.C:
	case <-ctx.Done():
	}

	r.mu.Lock()
	list := r.waiters[addr]
	for i, w := range list {
		if w == ch {
			r.waiters[addr] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(r.waiters[addr]) == 0 {
		delete(r.waiters, addr)
	}
	r.mu.Unlock()

	// Observe may have delivered between the timeout and the removal.
	select {
	case info := <-ch:
		return info, nil
	default:
	}
	if ctx.Err() != nil {
		return ServiceInfo{}, ctx.Err()
	}
	return ServiceInfo{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, addr)
}

// RegisterCallback subscribes cb to advertisements matching m. The returned
// function removes the subscription; calling it more than once is harmless.
func (r *Registry) RegisterCallback(cb Callback, m Matcher, mode ScanningMode) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.callbacks[id] = registration{cb: cb, matcher: m, mode: mode}
	r.mu.Unlock()

	r.log.Debug("bluetooth callback registered", "address", m.Address, "mode", mode.String())
	r.applyMode()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.callbacks, id)
			r.mu.Unlock()
			r.applyMode()
		})
	}
}

// Mode reports active when any live registration asked for active scanning.
func (r *Registry) Mode() ScanningMode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, reg := range r.callbacks {
		if reg.mode == ScanActive {
			return ScanActive
		}
	}
	return ScanPassive
}

// applyMode pushes the aggregate mode to the scanner when it changed.
func (r *Registry) applyMode() {
	r.modeMu.Lock()
	defer r.modeMu.Unlock()
	mode := r.Mode()
	if mode == r.mode {
		return
	}
	r.mode = mode
	r.log.Info("bluetooth scanning mode changed", "mode", mode.String())
	if ms, ok := r.scanner.(ModeSetter); ok {
		ms.SetMode(mode)
	}
}

// CallbackCount returns the number of live registrations.
func (r *Registry) CallbackCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.callbacks)
}

// Devices returns a copy of the advertisement cache.
func (r *Registry) Devices() []ServiceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServiceInfo, 0, len(r.cache))
	for _, info := range r.cache {
		out = append(out, info)
	}
	return out
}
