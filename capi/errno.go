package capi

import "fmt"

// Errno is an error code crossing the acquisition library boundary.  Zero
// is success; every other value is a failure the caller must handle.
type Errno int

// The error codes the acquisition library can return.
const (
	// OK indicates success
	OK Errno = 0

	// ErrGeneric is a generic, unspecified failure
	ErrGeneric Errno = -1

	// ErrMalloc is a memory allocation failure inside the library
	ErrMalloc Errno = -2

	// ErrArg is a function argument error
	ErrArg Errno = -3

	// ErrBug hints at an internal library bug
	ErrBug Errno = -4

	// ErrSampleRate is an incorrect sample rate
	ErrSampleRate Errno = -5

	// ErrNA means the request is not applicable
	ErrNA Errno = -6

	// ErrDevClosed means the device must be open for the operation
	ErrDevClosed Errno = -7

	// ErrTimeout is a timeout inside the library or a driver
	ErrTimeout Errno = -8

	// ErrChannelGroup means a channel group must be specified
	ErrChannelGroup Errno = -9

	// ErrData means the data is invalid
	ErrData Errno = -10

	// ErrIO is an input/output error
	ErrIO Errno = -11
)

var errnoText = map[Errno]string{
	OK:              "ok",
	ErrGeneric:      "generic/unspecified error",
	ErrMalloc:       "memory allocation error",
	ErrArg:          "function argument error",
	ErrBug:          "internal library bug",
	ErrSampleRate:   "incorrect sample rate",
	ErrNA:           "not applicable",
	ErrDevClosed:    "device closed but must be open",
	ErrTimeout:      "timeout",
	ErrChannelGroup: "a channel group must be specified",
	ErrData:         "invalid data",
	ErrIO:           "input/output error",
}

// Error satisfies the error interface.  OK should never be surfaced as an
// error; Check filters it out.
func (e Errno) Error() string {
	if s, ok := errnoText[e]; ok {
		return s
	}
	return fmt.Sprintf("unknown acquisition library error %d", int(e))
}

// Check translates a boundary return code into a Go error, nil for OK.
// Every foreign return code must pass through here; none are swallowed.
func Check(e Errno) error {
	if e == OK {
		return nil
	}
	return e
}
