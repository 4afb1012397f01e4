package bluetooth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeScanner struct {
	infos []ServiceInfo
}

func (s *fakeScanner) Scan(ctx context.Context, fn func(ServiceInfo)) error {
	for _, info := range s.infos {
		fn(info)
	}
	<-ctx.Done()
	return nil
}

type modeScanner struct {
	fakeScanner
	modes []ScanningMode
}

func (s *modeScanner) SetMode(mode ScanningMode) {
	s.modes = append(s.modes, mode)
}

func TestRegistryPushesScanningMode(t *testing.T) {
	scanner := &modeScanner{}
	r := NewRegistry(scanner, 0, testLogger())

	cancelPassive := r.RegisterCallback(func(ServiceInfo, Change) {}, Matcher{Address: "AA:BB:CC:DD:EE:01"}, ScanPassive)
	if len(scanner.modes) != 0 {
		t.Fatalf("passive registration pushed %v", scanner.modes)
	}
	cancelActive := r.RegisterCallback(func(ServiceInfo, Change) {}, Matcher{Address: "AA:BB:CC:DD:EE:02"}, ScanActive)
	cancelActive2 := r.RegisterCallback(func(ServiceInfo, Change) {}, Matcher{Address: "AA:BB:CC:DD:EE:03"}, ScanActive)
	cancelActive()
	cancelActive2()
	cancelActive2()
	cancelPassive()

	want := []ScanningMode{ScanActive, ScanPassive}
	if len(scanner.modes) != len(want) {
		t.Fatalf("modes = %v, want %v", scanner.modes, want)
	}
	for i := range want {
		if scanner.modes[i] != want[i] {
			t.Errorf("modes[%d] = %v, want %v", i, scanner.modes[i], want[i])
		}
	}
}

func TestRegistryDeviceFromAddress(t *testing.T) {
	now := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	r := NewRegistry(nil, time.Minute, testLogger())
	r.now = func() time.Time { return now }

	r.Observe(ServiceInfo{Address: "aa:bb:cc:dd:ee:01", Name: "Sonicare", Connectable: true, Time: now.Add(-10 * time.Second)})
	r.Observe(ServiceInfo{Address: "aa:bb:cc:dd:ee:02", Connectable: false, Time: now})
	r.Observe(ServiceInfo{Address: "aa:bb:cc:dd:ee:03", Connectable: true, Time: now.Add(-2 * time.Minute)})

	tests := []struct {
		name        string
		addr        string
		connectable bool
		want        bool
	}{
		{name: "fresh connectable", addr: "AA:BB:CC:DD:EE:01", connectable: true, want: true},
		{name: "lower case lookup", addr: "aa:bb:cc:dd:ee:01", connectable: true, want: true},
		{name: "non connectable filtered", addr: "AA:BB:CC:DD:EE:02", connectable: true, want: false},
		{name: "non connectable allowed", addr: "AA:BB:CC:DD:EE:02", connectable: false, want: true},
		{name: "stale", addr: "AA:BB:CC:DD:EE:03", connectable: false, want: false},
		{name: "unknown", addr: "AA:BB:CC:DD:EE:04", connectable: false, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := r.DeviceFromAddress(tt.addr, tt.connectable)
			if ok != tt.want {
				t.Errorf("DeviceFromAddress(%q, %v) ok = %v, want %v", tt.addr, tt.connectable, ok, tt.want)
			}
		})
	}
}

func TestRegistryKeepsNameAcrossNamelessAdverts(t *testing.T) {
	r := NewRegistry(nil, 0, testLogger())
	r.Observe(ServiceInfo{Address: "AA:BB:CC:DD:EE:01", Name: "Philips Sonicare"})
	r.Observe(ServiceInfo{Address: "AA:BB:CC:DD:EE:01", RSSI: -40})

	info, ok := r.DeviceFromAddress("AA:BB:CC:DD:EE:01", false)
	if !ok {
		t.Fatal("device missing")
	}
	if info.Name != "Philips Sonicare" || info.RSSI != -40 {
		t.Errorf("info = %+v", info)
	}
}

func TestRegistryCallbacks(t *testing.T) {
	r := NewRegistry(nil, 0, testLogger())

	var got []string
	cancel := r.RegisterCallback(func(info ServiceInfo, change Change) {
		if change != ChangeAdvertisement {
			t.Errorf("change = %v", change)
		}
		got = append(got, info.Address)
	}, Matcher{Address: "aa:bb:cc:dd:ee:01"}, ScanPassive)

	r.Observe(ServiceInfo{Address: "AA:BB:CC:DD:EE:01"})
	r.Observe(ServiceInfo{Address: "AA:BB:CC:DD:EE:02"})
	if len(got) != 1 || got[0] != "AA:BB:CC:DD:EE:01" {
		t.Fatalf("callback saw %v", got)
	}

	if r.Mode() != ScanPassive {
		t.Errorf("Mode() = %v, want passive", r.Mode())
	}
	cancelActive := r.RegisterCallback(func(ServiceInfo, Change) {}, Matcher{}, ScanActive)
	if r.Mode() != ScanActive {
		t.Errorf("Mode() = %v, want active", r.Mode())
	}
	cancelActive()
	cancelActive()
	cancel()

	r.Observe(ServiceInfo{Address: "AA:BB:CC:DD:EE:01"})
	if len(got) != 1 {
		t.Errorf("callback fired after cancel")
	}
	if n := r.CallbackCount(); n != 0 {
		t.Errorf("CallbackCount() = %d, want 0", n)
	}
}

func TestRegistryWaitForDevice(t *testing.T) {
	r := NewRegistry(nil, 0, testLogger())

	go func() {
		time.Sleep(10 * time.Millisecond)
		r.Observe(ServiceInfo{Address: "AA:BB:CC:DD:EE:01", Connectable: true})
	}()
	info, err := r.WaitForDevice(context.Background(), "aa:bb:cc:dd:ee:01", time.Second)
	if err != nil {
		t.Fatalf("WaitForDevice() error = %v", err)
	}
	if info.Address != "AA:BB:CC:DD:EE:01" {
		t.Errorf("Address = %q", info.Address)
	}

	_, err = r.WaitForDevice(context.Background(), "AA:BB:CC:DD:EE:09", 10*time.Millisecond)
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("WaitForDevice() error = %v, want ErrDeviceNotFound", err)
	}
}

func TestRegistryRun(t *testing.T) {
	scanner := &fakeScanner{infos: []ServiceInfo{{Address: "aa:bb:cc:dd:ee:01", Connectable: true}}}
	r := NewRegistry(scanner, 0, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	if _, err := r.WaitForDevice(ctx, "AA:BB:CC:DD:EE:01", time.Second); err != nil {
		t.Fatalf("WaitForDevice() error = %v", err)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
	if len(r.Devices()) != 1 {
		t.Errorf("Devices() = %d entries", len(r.Devices()))
	}
}
