package coordinator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/trymwestin/sonicare/internal/core/bluetooth"
	"github.com/trymwestin/sonicare/internal/core/sensor"
	"github.com/trymwestin/sonicare/internal/core/toothbrush"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeDevice struct {
	mu           sync.Mutex
	update       func(toothbrush.State)
	disconnected func()
}

func (d *fakeDevice) RegisterCallback(fn func(toothbrush.State)) func() {
	d.mu.Lock()
	d.update = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		d.update = nil
		d.mu.Unlock()
	}
}

func (d *fakeDevice) RegisterDisconnectedCallback(fn func()) func() {
	d.mu.Lock()
	d.disconnected = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		d.disconnected = nil
		d.mu.Unlock()
	}
}

func (d *fakeDevice) fireUpdate() bool {
	d.mu.Lock()
	fn := d.update
	d.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(toothbrush.State{})
	return true
}

func (d *fakeDevice) fireDisconnect() bool {
	d.mu.Lock()
	fn := d.disconnected
	d.mu.Unlock()
	if fn == nil {
		return false
	}
	fn()
	return true
}

func TestCoordinatorConnectedFlag(t *testing.T) {
	dev := &fakeDevice{}
	c := New(dev, testLogger())
	if !c.Connected() {
		t.Fatal("new coordinator should start connected")
	}

	var seen []Signal
	var flags []bool
	c.AddListener(func(sig Signal) {
		seen = append(seen, sig)
		flags = append(flags, c.Connected())
	})

	steps := []struct {
		fire func() bool
		want bool
		sig  Signal
	}{
		{dev.fireDisconnect, false, SignalConnectivity},
		{dev.fireDisconnect, false, SignalConnectivity},
		{dev.fireUpdate, true, SignalUpdated},
		{dev.fireDisconnect, false, SignalConnectivity},
		{dev.fireUpdate, true, SignalUpdated},
		{dev.fireUpdate, true, SignalUpdated},
	}
	for i, step := range steps {
		step.fire()
		if c.Connected() != step.want {
			t.Errorf("step %d: Connected() = %v, want %v", i, c.Connected(), step.want)
		}
		if seen[i] != step.sig {
			t.Errorf("step %d: signal = %s, want %s", i, seen[i], step.sig)
		}
		if flags[i] != step.want {
			t.Errorf("step %d: listener observed connected = %v", i, flags[i])
		}
	}
}

func TestCoordinatorListenerRemovalAndClose(t *testing.T) {
	dev := &fakeDevice{}
	c := New(dev, testLogger())

	var a, b int
	removeA := c.AddListener(func(Signal) { a++ })
	c.AddListener(func(Signal) { b++ })

	dev.fireUpdate()
	removeA()
	dev.fireUpdate()
	if a != 1 || b != 2 {
		t.Errorf("a = %d, b = %d", a, b)
	}

	c.Close()
	if dev.fireUpdate() || dev.fireDisconnect() {
		t.Error("device callbacks still registered after Close")
	}
	c.Close()
}

func TestProcessorAnnouncesNewKeysOnce(t *testing.T) {
	p := NewProcessor(sensor.ToDataUpdate)

	var added [][]sensor.EntityKey
	p.SetAddEntities(func(keys []sensor.EntityKey) { added = append(added, keys) })
	notified := 0
	p.AddListener(func() { notified++ })

	rssi := -60
	battery := 50
	p.Update(toothbrush.SensorUpdate{
		Keys:  []toothbrush.DeviceKey{{Key: toothbrush.SensorSignalStrength}},
		State: toothbrush.State{SignalStrength: &rssi},
	})
	p.Update(toothbrush.SensorUpdate{
		Keys:  []toothbrush.DeviceKey{{Key: toothbrush.SensorSignalStrength}, {Key: toothbrush.SensorBatteryLevel}},
		State: toothbrush.State{SignalStrength: &rssi, BatteryLevel: &battery},
	})

	if len(added) != 2 || len(added[0]) != 1 || len(added[1]) != 1 || added[1][0].Key != toothbrush.SensorBatteryLevel {
		t.Fatalf("added = %v", added)
	}
	if notified != 2 {
		t.Errorf("notified = %d, want 2", notified)
	}
	if v, _ := p.Value(sensor.EntityKey{Key: toothbrush.SensorBatteryLevel}).Int(); v != 50 {
		t.Errorf("battery = %d", v)
	}
	if !p.Available() {
		t.Error("processor unavailable after update")
	}
	if len(p.Keys()) != 2 {
		t.Errorf("Keys() = %v", p.Keys())
	}

	p.SetAvailable(false)
	p.SetAvailable(false)
	if notified != 3 {
		t.Errorf("notified = %d after availability change, want 3", notified)
	}
}

func TestProcessorCoordinatorPolls(t *testing.T) {
	reg := bluetooth.NewRegistry(nil, 0, testLogger())
	data := toothbrush.NewDeviceData(time.Hour, testLogger())

	polled := make(chan struct{}, 4)
	battery := 77
	pc := NewProcessorCoordinator(reg, ProcessorOptions{
		Address: "AA:BB:CC:DD:EE:FF",
		Mode:    bluetooth.ScanActive,
		Update:  data.Update,
		NeedsPoll: func(info bluetooth.ServiceInfo, last time.Time) bool {
			return last.IsZero()
		},
		Poll: func(ctx context.Context, info bluetooth.ServiceInfo) (toothbrush.SensorUpdate, error) {
			defer func() { polled <- struct{}{} }()
			u := data.Update(info)
			u.State.BatteryLevel = &battery
			u.Keys = append(u.Keys, toothbrush.DeviceKey{Key: toothbrush.SensorBatteryLevel})
			return u, nil
		},
	}, testLogger())

	p := NewProcessor(sensor.ToDataUpdate)
	pc.RegisterProcessor(p)
	stop := pc.Start(context.Background())
	defer stop()

	if reg.Mode() != bluetooth.ScanActive {
		t.Errorf("registry mode = %v", reg.Mode())
	}

	reg.Observe(bluetooth.ServiceInfo{Address: "aa:bb:cc:dd:ee:ff", RSSI: -55, Connectable: true})
	reg.Observe(bluetooth.ServiceInfo{Address: "11:22:33:44:55:66", RSSI: -20, Connectable: true})

	select {
	case <-polled:
	case <-time.After(time.Second):
		t.Fatal("poll did not run")
	}

	deadline := time.Now().Add(time.Second)
	for p.Value(sensor.EntityKey{Key: toothbrush.SensorBatteryLevel}).IsUnknown() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	reg.Observe(bluetooth.ServiceInfo{Address: "AA:BB:CC:DD:EE:FF", RSSI: -50, Connectable: true})

	select {
	case <-polled:
		t.Fatal("second poll ran although one already happened")
	case <-time.After(20 * time.Millisecond):
	}

	if v, _ := p.Value(sensor.EntityKey{Key: toothbrush.SensorSignalStrength}).Int(); v != -50 {
		t.Errorf("signal strength = %d, want -50", v)
	}
	pc.Stop()
	if reg.CallbackCount() != 0 {
		t.Error("callback left registered after Stop")
	}
}

func TestProcessorCoordinatorPollFailure(t *testing.T) {
	reg := bluetooth.NewRegistry(nil, 0, testLogger())
	data := toothbrush.NewDeviceData(time.Hour, testLogger())
	done := make(chan struct{}, 1)

	pc := NewProcessorCoordinator(reg, ProcessorOptions{
		Address:   "AA:BB:CC:DD:EE:FF",
		Update:    data.Update,
		NeedsPoll: func(bluetooth.ServiceInfo, time.Time) bool { return true },
		Poll: func(context.Context, bluetooth.ServiceInfo) (toothbrush.SensorUpdate, error) {
			defer func() { done <- struct{}{} }()
			return toothbrush.SensorUpdate{}, errors.New("no connectable device")
		},
	}, testLogger())
	p := NewProcessor(sensor.ToDataUpdate)
	pc.RegisterProcessor(p)
	pc.Start(context.Background())

	reg.Observe(bluetooth.ServiceInfo{Address: "AA:BB:CC:DD:EE:FF", RSSI: -80})
	<-done
	pc.Stop()

	if !p.Available() {
		t.Error("advertisement should keep the processor available")
	}
	if pc.LastPoll().IsZero() {
		t.Error("failed poll should still record the attempt")
	}
}

func TestProcessorCoordinatorMarksUnavailable(t *testing.T) {
	reg := bluetooth.NewRegistry(nil, 0, testLogger())
	data := toothbrush.NewDeviceData(time.Hour, testLogger())

	pc := NewProcessorCoordinator(reg, ProcessorOptions{
		Address:          "AA:BB:CC:DD:EE:FF",
		Update:           data.Update,
		UnavailableAfter: 20 * time.Millisecond,
	}, testLogger())
	p := NewProcessor(sensor.ToDataUpdate)
	pc.RegisterProcessor(p)

	gone := make(chan struct{}, 1)
	p.AddListener(func() {
		if !p.Available() {
			select {
			case gone <- struct{}{}:
			default:
			}
		}
	})

	pc.Start(context.Background())
	defer pc.Stop()
	reg.Observe(bluetooth.ServiceInfo{Address: "AA:BB:CC:DD:EE:FF", RSSI: -80})

	select {
	case <-gone:
	case <-time.After(time.Second):
		t.Fatal("processor never marked unavailable")
	}
}
