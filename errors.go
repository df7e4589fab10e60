package siglab

import (
	"errors"
	"fmt"

	"github.com/siglab/siglab/capi"
)

var (
	// ErrAlreadyInitialized is returned by New when a live Context already
	// exists in this process.  The acquisition library is not re-entrant
	// for multiple independent contexts.
	ErrAlreadyInitialized = errors.New("an acquisition context is already live in this process")

	// ErrNoBackend is returned by New when no library implementation is
	// supplied
	ErrNoBackend = errors.New("no acquisition library backend supplied")

	// ErrBusy is returned when tearing down a handle whose dependents are
	// still alive.  Destruction order is Session, then DriverInstance,
	// then Context.
	ErrBusy = errors.New("dependent handles are still alive")

	// ErrClosed is returned when using a handle after it was closed or
	// destroyed
	ErrClosed = errors.New("handle is closed")

	// ErrDriverInitialized is returned when activating a driver that is
	// already active on this context
	ErrDriverInitialized = errors.New("driver is already initialized")

	// ErrUnsupported is returned by config writes for options the target
	// does not support
	ErrUnsupported = errors.New("option not supported")

	// ErrInvalidValue is returned by config writes when the value's kind
	// or range mismatches the option's declaration
	ErrInvalidValue = errors.New("option value has the wrong kind or is out of range")

	// ErrSessionActive is returned for mutations that are only legal while
	// no session containing the device is running
	ErrSessionActive = errors.New("device is part of a running session")

	// ErrAlreadyRunning is returned by session mutations and start while a
	// run is in progress
	ErrAlreadyRunning = errors.New("session is already running")

	// ErrEmptySession is returned by start when no devices are attached
	ErrEmptySession = errors.New("session has no devices attached")

	// ErrNotRunning is returned by the run loop when the session was never
	// started
	ErrNotRunning = errors.New("session is not running")
)

// ForeignError wraps an error code from the acquisition library boundary
// with the operation that produced it.  Unwrap exposes the capi.Errno for
// errors.Is comparisons.
type ForeignError struct {
	// Op names the boundary operation, e.g. "driver scan"
	Op string

	// Code is the library's error code
	Code capi.Errno
}

// Error satisfies the error interface.
func (e *ForeignError) Error() string {
	return fmt.Sprintf("%s: %s (%d)", e.Op, e.Code.Error(), int(e.Code))
}

// Unwrap exposes the underlying Errno.
func (e *ForeignError) Unwrap() error {
	return e.Code
}

// foreign wraps a boundary error into a ForeignError.  Errors that did not
// originate as an Errno pass through annotated but unconverted.
func foreign(op string, err error) error {
	if err == nil {
		return nil
	}
	var code capi.Errno
	if errors.As(err, &code) {
		return &ForeignError{Op: op, Code: code}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// MalformedPacketError describes a datafeed packet that failed the
// length-for-type invariants.  The bridge drops such packets and keeps the
// session alive; these surface only through the session's error handler
// and diagnostics log.
type MalformedPacketError struct {
	// Type is the packet's declared type tag
	Type capi.PacketType

	// Reason says which invariant failed
	Reason string
}

// Error satisfies the error interface.
func (e *MalformedPacketError) Error() string {
	return fmt.Sprintf("malformed %s packet dropped: %s", e.Type, e.Reason)
}
