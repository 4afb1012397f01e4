package entry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/trymwestin/sonicare/internal/core/state"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedIntegration returns queued setup errors and counts hook runs.
type scriptedIntegration struct {
	mu         sync.Mutex
	setupErrs  []error
	setups     int
	unloads    int
	hookRuns   map[string]int
	onSetup    func(rt *Runtime)
	setupCalls chan struct{}
}

func newScripted(errs ...error) *scriptedIntegration {
	return &scriptedIntegration{setupErrs: errs, hookRuns: make(map[string]int), setupCalls: make(chan struct{}, 16)}
}

func (s *scriptedIntegration) Setup(_ context.Context, rt *Runtime) error {
	s.mu.Lock()
	s.setups++
	n := s.setups
	var err error
	if len(s.setupErrs) > 0 {
		err = s.setupErrs[0]
		s.setupErrs = s.setupErrs[1:]
	}
	s.mu.Unlock()

	hook := fmt.Sprintf("setup-%d", n)
	rt.SetStatus(StatusAcquiringDevice)
	rt.OnUnload(func() {
		s.mu.Lock()
		s.hookRuns[hook]++
		s.mu.Unlock()
	})
	if s.onSetup != nil {
		s.onSetup(rt)
	}
	s.setupCalls <- struct{}{}
	return err
}

func (s *scriptedIntegration) Unload(context.Context, *Runtime) error {
	s.mu.Lock()
	s.unloads++
	s.mu.Unlock()
	return nil
}

func (s *scriptedIntegration) runs(hook string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hookRuns[hook]
}

type statusLog struct {
	mu       sync.Mutex
	statuses []string
}

func (l *statusLog) PublishEntryStatus(st state.EntryStatus) {
	l.mu.Lock()
	l.statuses = append(l.statuses, st.Status)
	l.mu.Unlock()
}

func TestNotReadyError(t *testing.T) {
	cause := errors.New("le-connection-abort")
	err := fmt.Errorf("wrapped: %w", NotReady("initialise failed", cause))
	if !errors.Is(err, ErrNotReady) {
		t.Error("errors.Is(err, ErrNotReady) = false")
	}
	if !errors.Is(err, cause) {
		t.Error("cause lost")
	}
	var nre *NotReadyError
	if !errors.As(err, &nre) || nre.Reason != "initialise failed" {
		t.Errorf("errors.As() = %+v", nre)
	}
	if errors.Is(errors.New("other"), ErrNotReady) {
		t.Error("unrelated error matched ErrNotReady")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry[int]()
	r.Put("a", 1)
	if v, ok := r.Get("a"); !ok || v != 1 {
		t.Errorf("Get() = %d, %v", v, ok)
	}
	if !r.Erase("a") || r.Erase("a") {
		t.Error("Erase() should report presence once")
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d", r.Len())
	}
}

func TestManagerAdd(t *testing.T) {
	m := NewManager(newScripted(), nil, nil, ManagerOptions{}, testLogger())
	id, err := m.Add(Entry{Address: "AA:BB:CC:DD:EE:FF"})
	if err != nil || id == "" {
		t.Fatalf("Add() = %q, %v", id, err)
	}
	info, _ := m.Get(id)
	if info.Mode != ModeActive || info.Status != StatusNotLoaded {
		t.Errorf("defaults = %+v", info)
	}
	if _, err := m.Add(Entry{ID: id}); err == nil {
		t.Error("duplicate id accepted")
	}
	if _, err := m.Add(Entry{ID: "x", Mode: "sideways"}); err == nil {
		t.Error("unknown mode accepted")
	}
	if _, err := m.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v", err)
	}
}

func TestManagerSetupUnloadRunsHooksOnce(t *testing.T) {
	integ := newScripted()
	sink := &statusLog{}
	m := NewManager(integ, sink, nil, ManagerOptions{}, testLogger())
	id, _ := m.Add(Entry{ID: "e1", Address: "AA:BB:CC:DD:EE:FF", Title: "Brush"})

	if err := m.Setup(context.Background(), id); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if err := m.Setup(context.Background(), id); err != nil {
		t.Fatalf("second Setup() error = %v", err)
	}
	if integ.setups != 1 {
		t.Errorf("setups = %d, want 1", integ.setups)
	}
	if err := m.Unload(context.Background(), id); err != nil {
		t.Fatalf("Unload() error = %v", err)
	}
	if err := m.Unload(context.Background(), id); err != nil {
		t.Fatalf("second Unload() error = %v", err)
	}
	if got := integ.runs("setup-1"); got != 1 {
		t.Errorf("unload hook ran %d times, want 1", got)
	}
	info, _ := m.Get(id)
	if info.Status != StatusUnloaded {
		t.Errorf("status = %s", info.Status)
	}

	want := []string{"acquiring_device", "loaded", "unloading", "unloaded"}
	if fmt.Sprint(sink.statuses) != fmt.Sprint(want) {
		t.Errorf("statuses = %v, want %v", sink.statuses, want)
	}
}

func TestManagerNotReadyRetries(t *testing.T) {
	integ := newScripted(NotReady("device not found", nil))
	m := NewManager(integ, nil, nil, ManagerOptions{RetryMin: 5 * time.Millisecond}, testLogger())
	id, _ := m.Add(Entry{ID: "e1", Address: "AA:BB:CC:DD:EE:FF"})

	err := m.Setup(context.Background(), id)
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("Setup() error = %v, want ErrNotReady", err)
	}
	info, _ := m.Get(id)
	if info.Status != StatusSetupRetry || info.Reason == "" {
		t.Errorf("after failure = %+v", info)
	}
	if got := integ.runs("setup-1"); got != 1 {
		t.Errorf("failed setup hook ran %d times, want 1", got)
	}

	<-integ.setupCalls
	<-integ.setupCalls
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if info, _ := m.Get(id); info.Status == StatusLoaded {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if info, _ := m.Get(id); info.Status != StatusLoaded {
		t.Fatalf("status after retry = %s", info.Status)
	}

	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if got := integ.runs("setup-2"); got != 1 {
		t.Errorf("retried setup hook ran %d times, want 1", got)
	}
}

func TestManagerOtherErrorsDoNotRetry(t *testing.T) {
	integ := newScripted(errors.New("bad config"))
	m := NewManager(integ, nil, nil, ManagerOptions{RetryMin: time.Millisecond}, testLogger())
	id, _ := m.Add(Entry{ID: "e1"})

	if err := m.Setup(context.Background(), id); err == nil || errors.Is(err, ErrNotReady) {
		t.Fatalf("Setup() error = %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if integ.setups != 1 {
		t.Errorf("setups = %d, want 1", integ.setups)
	}
	info, _ := m.Get(id)
	if info.Status != StatusSetupError {
		t.Errorf("status = %s", info.Status)
	}
}

func TestManagerRetryDelay(t *testing.T) {
	m := NewManager(newScripted(), nil, nil, ManagerOptions{}, testLogger())
	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second, 80 * time.Second, 80 * time.Second}
	for i, w := range want {
		if got := m.retryDelay(i + 1); got != w {
			t.Errorf("retryDelay(%d) = %s, want %s", i+1, got, w)
		}
	}
}

func TestManagerUpdateEntryReloadsOnTitleChange(t *testing.T) {
	integ := newScripted()
	m := NewManager(integ, nil, nil, ManagerOptions{}, testLogger())
	integ.onSetup = func(rt *Runtime) {
		title := rt.Entry().Title
		rt.OnUnload(rt.AddUpdateListener(func(ctx context.Context, e Entry) error {
			if e.Title != title {
				return rt.Host().Reload(ctx, e.ID)
			}
			return nil
		}))
	}
	id, _ := m.Add(Entry{ID: "e1", Title: "Brush"})
	if err := m.Setup(context.Background(), id); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	if _, err := m.UpdateEntry(context.Background(), id, func(e *Entry) { e.PollInterval = time.Minute }); err != nil {
		t.Fatalf("UpdateEntry() error = %v", err)
	}
	if integ.setups != 1 {
		t.Errorf("unchanged title reloaded: setups = %d", integ.setups)
	}

	if _, err := m.UpdateEntry(context.Background(), id, func(e *Entry) { e.Title = "Kids" }); err != nil {
		t.Fatalf("UpdateEntry() error = %v", err)
	}
	if integ.setups != 2 || integ.unloads != 1 {
		t.Errorf("title change: setups = %d, unloads = %d", integ.setups, integ.unloads)
	}
	info, _ := m.Get(id)
	if info.Title != "Kids" || info.Status != StatusLoaded {
		t.Errorf("after reload = %+v", info)
	}
}

func TestManagerShutdownFiresStopOnce(t *testing.T) {
	integ := newScripted()
	m := NewManager(integ, nil, nil, ManagerOptions{}, testLogger())
	stops := 0
	integ.onSetup = func(rt *Runtime) {
		rt.OnUnload(rt.Host().ListenOnce(EventStop, func(context.Context) { stops++ }))
	}
	m.Add(Entry{ID: "e1"})
	m.Add(Entry{ID: "e2", Disabled: true})
	m.SetupAll(context.Background())

	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	m.Shutdown(context.Background())
	if stops != 1 {
		t.Errorf("stop listener ran %d times", stops)
	}
	if m.Running() {
		t.Error("Running() = true after Shutdown")
	}
	if integ.setups != 1 {
		t.Errorf("disabled entry set up: setups = %d", integ.setups)
	}
	if err := m.Setup(context.Background(), "e1"); err == nil {
		t.Error("Setup() after Shutdown succeeded")
	}
}

func TestRuntimeOnUnloadAfterDone(t *testing.T) {
	rt := newRuntime(Entry{}, nil, nil, testLogger())
	rt.runUnload()
	ran := false
	rt.OnUnload(func() { ran = true })
	if !ran {
		t.Error("hook registered after unload did not run")
	}
}
