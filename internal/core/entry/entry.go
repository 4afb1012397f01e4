// Package entry runs configured devices through their setup and unload
// lifecycle.
package entry

import (
	"errors"
	"fmt"
	"time"
)

// Mode selects how an entry talks to its device.
type Mode string

const (
	// ModeActive keeps a GATT session open.
	ModeActive Mode = "active"
	// ModePassive follows advertisements and polls occasionally.
	ModePassive Mode = "passive"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeActive || m == ModePassive
}

// Entry is one configured device.
type Entry struct {
	ID           string        `json:"id" yaml:"id"`
	Address      string        `json:"address" yaml:"address"`
	Title        string        `json:"title" yaml:"title"`
	Mode         Mode          `json:"mode" yaml:"mode"`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
	Disabled     bool          `json:"disabled,omitempty" yaml:"disabled"`
}

// Status is the lifecycle state of an entry.
type Status string

const (
	StatusNotLoaded       Status = "not_loaded"
	StatusAcquiringDevice Status = "acquiring_device"
	StatusInitialising    Status = "initialising"
	StatusLoaded          Status = "loaded"
	StatusSetupRetry      Status = "setup_retry"
	StatusSetupError      Status = "setup_error"
	StatusUnloading       Status = "unloading"
	StatusUnloaded        Status = "unloaded"
)

var (
	// ErrNotReady marks setup failures that should be retried later.
	ErrNotReady = errors.New("entry: not ready")
	// ErrNotFound is returned for unknown entry ids.
	ErrNotFound = errors.New("entry: not found")
	// ErrDisabled is returned when setting up a disabled entry.
	ErrDisabled = errors.New("entry: disabled")
)

// NotReadyError carries the reason a setup should be retried.
type NotReadyError struct {
	Reason string
	Err    error
}

func (e *NotReadyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("not ready: %s: %v", e.Reason, e.Err)
	}
	return "not ready: " + e.Reason
}

func (e *NotReadyError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrNotReady) hold for every NotReadyError.
func (e *NotReadyError) Is(target error) bool { return target == ErrNotReady }

// NotReady wraps err as a retryable setup failure.
func NotReady(reason string, err error) error {
	return &NotReadyError{Reason: reason, Err: err}
}

// Info is the externally visible view of an entry.
type Info struct {
	Entry
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
}
