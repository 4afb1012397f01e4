package toothbrush

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/trymwestin/sonicare/internal/core/bluetooth"
	"github.com/trymwestin/sonicare/internal/core/transport"
	"github.com/trymwestin/sonicare/internal/core/transport/transporttest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func handleValues() map[transport.Characteristic][]byte {
	return map[transport.Characteristic][]byte{
		charBatteryLevel:      {85},
		charHandleState:       {2},
		charBrushingTime:      {0x78, 0x00},
		charRoutineLength:     {0x78, 0x00},
		charIntensity:         {1},
		charHandleTime:        {0x10, 0x27, 0x00, 0x00},
		charBrushingSessionID: {0x2a, 0x00},
	}
}

func TestDecodeUint(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		width   int
		want    int
		wantErr bool
	}{
		{name: "one byte", data: []byte{200}, width: 1, want: 200},
		{name: "two bytes little endian", data: []byte{0x34, 0x12}, width: 2, want: 0x1234},
		{name: "four bytes", data: []byte{0x01, 0x00, 0x01, 0x00}, width: 4, want: 0x10001},
		{name: "extra bytes ignored", data: []byte{7, 9, 9}, width: 1, want: 7},
		{name: "short payload", data: []byte{1}, width: 2, wantErr: true},
		{name: "bad width", data: []byte{1, 2, 3}, width: 3, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeUint(tt.data, tt.width)
			if (err != nil) != tt.wantErr {
				t.Fatalf("decodeUint() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("decodeUint() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestLabels(t *testing.T) {
	tests := []struct {
		table map[int]string
		v     int
		want  string
	}{
		{handleStates, 2, "run"},
		{handleStates, 3, "charge"},
		{handleStates, 5, "unknown_5"},
		{intensities, 2, "high"},
		{brushingRoutines, 0, "clean"},
	}
	for _, tt := range tests {
		if got := label(tt.table, tt.v); got != tt.want {
			t.Errorf("label(%d) = %q, want %q", tt.v, got, tt.want)
		}
	}
}

func TestClientInitialiseReadsState(t *testing.T) {
	dialer := &transporttest.Dialer{}
	conn := transporttest.NewConn(handleValues())
	dialer.Queue(conn)

	c := NewClient("aa:bb:cc:dd:ee:ff", dialer, Options{}, testLogger())
	updates := make(chan State, 4)
	c.RegisterCallback(func(s State) { updates <- s })

	if err := c.Initialise(context.Background()); err != nil {
		t.Fatalf("Initialise() error = %v", err)
	}
	defer c.Stop(context.Background())

	if c.Address() != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("Address() = %q", c.Address())
	}
	s := c.State()
	if s.BatteryLevel == nil || *s.BatteryLevel != 85 {
		t.Errorf("BatteryLevel = %v, want 85", s.BatteryLevel)
	}
	if s.HandleState == nil || *s.HandleState != "run" {
		t.Errorf("HandleState = %v, want run", s.HandleState)
	}
	if s.BrushingTime == nil || *s.BrushingTime != 120 {
		t.Errorf("BrushingTime = %v, want 120", s.BrushingTime)
	}
	if s.HandleTime == nil || *s.HandleTime != 10000 {
		t.Errorf("HandleTime = %v, want 10000", s.HandleTime)
	}
	if s.LastSessionID != nil {
		t.Errorf("LastSessionID = %v, want unset", *s.LastSessionID)
	}

	select {
	case <-updates:
	default:
		t.Fatal("expected an update callback after Initialise")
	}
}

func TestClientNotificationUpdatesState(t *testing.T) {
	dialer := &transporttest.Dialer{}
	conn := transporttest.NewConn(handleValues())
	dialer.Queue(conn)

	c := NewClient("AA:BB:CC:DD:EE:FF", dialer, Options{}, testLogger())
	if err := c.Initialise(context.Background()); err != nil {
		t.Fatalf("Initialise() error = %v", err)
	}
	defer c.Stop(context.Background())

	var got State
	c.RegisterCallback(func(s State) { got = s })

	if !conn.Notify(charBrushingTime, []byte{0x05, 0x00}) {
		t.Fatal("brushing time not subscribed")
	}
	if got.BrushingTime == nil || *got.BrushingTime != 5 {
		t.Fatalf("callback BrushingTime = %v, want 5", got.BrushingTime)
	}
	if *c.State().BatteryLevel != 85 {
		t.Errorf("notification clobbered battery level")
	}
	if conn.Notify(charHandleTime, []byte{1, 0, 0, 0}) {
		t.Error("handle time should not be subscribed")
	}
}

func TestClientReconnectsAfterDrop(t *testing.T) {
	dialer := &transporttest.Dialer{}
	first := transporttest.NewConn(handleValues())
	second := transporttest.NewConn(handleValues())
	dialer.Queue(first)

	c := NewClient("AA:BB:CC:DD:EE:FF", dialer, Options{MinBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}, testLogger())
	if err := c.Initialise(context.Background()); err != nil {
		t.Fatalf("Initialise() error = %v", err)
	}
	defer c.Stop(context.Background())

	disconnected := make(chan struct{}, 1)
	c.RegisterDisconnectedCallback(func() { disconnected <- struct{}{} })
	updates := make(chan State, 4)
	c.RegisterCallback(func(s State) { updates <- s })

	dialer.Fail(errors.New("out of range"))
	dialer.Queue(second)
	first.Drop()

	select {
	case <-disconnected:
	case <-time.After(time.Second):
		t.Fatal("disconnected callback not fired")
	}
	if c.Connected() {
		t.Error("Connected() = true right after drop")
	}

	select {
	case <-updates:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not reconnect")
	}
	if !c.Connected() {
		t.Error("Connected() = false after reconnect")
	}
	if n := len(dialer.Dials()); n != 3 {
		t.Errorf("dials = %d, want 3", n)
	}

	// Notifications from the dead connection are ignored.
	first.Notify(charBrushingTime, []byte{0x63, 0x00})
	if *c.State().BrushingTime != 120 {
		t.Errorf("stale connection updated state")
	}
}

func TestClientInitialiseLinkDroppedDuringSetup(t *testing.T) {
	dialer := &transporttest.Dialer{}
	conn := transporttest.NewConn(handleValues())
	conn.Drop()
	dialer.Queue(conn)

	c := NewClient("AA:BB:CC:DD:EE:FF", dialer, Options{}, testLogger())
	if err := c.Initialise(context.Background()); err == nil {
		c.Stop(context.Background())
		t.Fatal("Initialise() error = nil for a link that dropped during setup")
	}
	if c.Connected() {
		t.Error("Connected() = true for a dead link")
	}
	if !conn.Closed() {
		t.Error("dead connection not closed")
	}
}

func TestClientRedialsWhenLinkDropsDuringReconnect(t *testing.T) {
	dialer := &transporttest.Dialer{}
	first := transporttest.NewConn(handleValues())
	dead := transporttest.NewConn(handleValues())
	dead.Drop()
	third := transporttest.NewConn(handleValues())
	dialer.Queue(first)

	c := NewClient("AA:BB:CC:DD:EE:FF", dialer, Options{MinBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}, testLogger())
	if err := c.Initialise(context.Background()); err != nil {
		t.Fatalf("Initialise() error = %v", err)
	}
	defer c.Stop(context.Background())

	updates := make(chan State, 4)
	c.RegisterCallback(func(s State) { updates <- s })

	dialer.Queue(dead)
	dialer.Queue(third)
	first.Drop()

	select {
	case <-updates:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not reconnect")
	}
	if n := len(dialer.Dials()); n != 3 {
		t.Errorf("dials = %d, want 3", n)
	}
	if !dead.Closed() {
		t.Error("connection that dropped during setup left open")
	}

	// The live connection still reports its own drop.
	disconnected := make(chan struct{}, 1)
	c.RegisterDisconnectedCallback(func() { disconnected <- struct{}{} })
	third.Drop()
	select {
	case <-disconnected:
	case <-time.After(time.Second):
		t.Fatal("drop of the reconnected link not reported")
	}
}

func TestClientInitialiseFailure(t *testing.T) {
	dialer := &transporttest.Dialer{}
	dialer.Fail(errors.New("le-connection-abort-by-local"))

	c := NewClient("AA:BB:CC:DD:EE:FF", dialer, Options{}, testLogger())
	if err := c.Initialise(context.Background()); err == nil {
		t.Fatal("Initialise() error = nil, want error")
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Errorf("Stop() after failed Initialise error = %v", err)
	}
}

func TestClientReadFailureClosesConn(t *testing.T) {
	dialer := &transporttest.Dialer{}
	conn := transporttest.NewConn(handleValues())
	conn.ReadErr = errors.New("gatt timeout")
	dialer.Queue(conn)

	c := NewClient("AA:BB:CC:DD:EE:FF", dialer, Options{}, testLogger())
	if err := c.Initialise(context.Background()); err == nil {
		t.Fatal("Initialise() error = nil, want error")
	}
	if !conn.Closed() {
		t.Error("connection left open after failed read")
	}
}

func TestClientStopIdempotent(t *testing.T) {
	dialer := &transporttest.Dialer{}
	conn := transporttest.NewConn(handleValues())
	dialer.Queue(conn)

	c := NewClient("AA:BB:CC:DD:EE:FF", dialer, Options{}, testLogger())
	if err := c.Initialise(context.Background()); err != nil {
		t.Fatalf("Initialise() error = %v", err)
	}
	disconnected := 0
	c.RegisterDisconnectedCallback(func() { disconnected++ })

	for i := 0; i < 2; i++ {
		if err := c.Stop(context.Background()); err != nil {
			t.Fatalf("Stop() #%d error = %v", i, err)
		}
	}
	if !conn.Closed() {
		t.Error("Stop() did not close the connection")
	}
	conn.Drop()
	if disconnected != 0 {
		t.Errorf("disconnected callbacks after Stop = %d, want 0", disconnected)
	}
}

func TestClientSetAdvertisement(t *testing.T) {
	c := NewClient("AA:BB:CC:DD:EE:FF", &transporttest.Dialer{}, Options{}, testLogger())
	c.SetAdvertisement(bluetooth.ServiceInfo{Address: "AA:BB:CC:DD:EE:FF", Name: "Philips Sonicare", RSSI: -61})
	s := c.State()
	if s.SignalStrength == nil || *s.SignalStrength != -61 {
		t.Errorf("SignalStrength = %v, want -61", s.SignalStrength)
	}
	if s.Name != "Philips Sonicare" {
		t.Errorf("Name = %q", s.Name)
	}
}

func TestDevicePollNeeded(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := NewDeviceData(time.Hour, testLogger())
	d.now = func() time.Time { return now }

	tests := []struct {
		name        string
		connectable bool
		lastPoll    time.Time
		want        bool
	}{
		{name: "never polled", connectable: true, want: true},
		{name: "not connectable", connectable: false, want: false},
		{name: "recent poll", connectable: true, lastPoll: now.Add(-10 * time.Minute), want: false},
		{name: "stale poll", connectable: true, lastPoll: now.Add(-2 * time.Hour), want: true},
		{name: "exactly interval", connectable: true, lastPoll: now.Add(-time.Hour), want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := bluetooth.ServiceInfo{Connectable: tt.connectable}
			if got := d.PollNeeded(info, tt.lastPoll); got != tt.want {
				t.Errorf("PollNeeded() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDeviceSetPollInterval(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := NewDeviceData(time.Hour, testLogger())
	d.now = func() time.Time { return now }
	info := bluetooth.ServiceInfo{Connectable: true}
	lastPoll := now.Add(-20 * time.Minute)

	if d.PollNeeded(info, lastPoll) {
		t.Fatal("PollNeeded() = true within the hourly interval")
	}
	d.SetPollInterval(15 * time.Minute)
	if !d.PollNeeded(info, lastPoll) {
		t.Error("PollNeeded() = false after shortening the interval")
	}
	d.SetPollInterval(0)
	if got := d.PollInterval(); got != DefaultPollInterval {
		t.Errorf("PollInterval() = %s, want %s", got, DefaultPollInterval)
	}
}

func TestDeviceDataUpdateAndPoll(t *testing.T) {
	d := NewDeviceData(0, testLogger())

	update := d.Update(bluetooth.ServiceInfo{Address: "AA:BB:CC:DD:EE:FF", Name: "Sonicare", RSSI: -70})
	if len(update.Keys) != 1 || update.Keys[0].Key != SensorSignalStrength {
		t.Fatalf("Update() keys = %v, want only signal_strength", update.Keys)
	}
	if update.Title != "Sonicare" {
		t.Errorf("Title = %q", update.Title)
	}

	dialer := &transporttest.Dialer{}
	conn := transporttest.NewConn(handleValues())
	dialer.Queue(conn)

	update, err := d.Poll(context.Background(), dialer, "AA:BB:CC:DD:EE:FF")
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if !conn.Closed() {
		t.Error("Poll() left the connection open")
	}
	if !update.State.Has(SensorBatteryLevel) || !update.State.Has(SensorSignalStrength) {
		t.Errorf("Poll() state missing readings: %+v", update.State)
	}
	if got := update.Names[DeviceKey{Key: SensorBatteryLevel}]; got != "Battery level" {
		t.Errorf("name = %q", got)
	}
	if _, ok := update.Devices[""]; !ok {
		t.Error("primary device missing")
	}
}

func TestSupported(t *testing.T) {
	if !Supported(bluetooth.ServiceInfo{ManufacturerData: map[uint16][]byte{PhilipsCompanyID: {1}}}) {
		t.Error("Philips manufacturer data not supported")
	}
	if !Supported(bluetooth.ServiceInfo{ServiceUUIDs: []string{serviceHandle}}) {
		t.Error("handle service uuid not supported")
	}
	if Supported(bluetooth.ServiceInfo{ManufacturerData: map[uint16][]byte{0x004C: {1}}}) {
		t.Error("foreign device reported supported")
	}
}
