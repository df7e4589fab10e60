/*Package config defines the option keys, value kinds, and capability
descriptors used to configure acquisition drivers, devices, and channel
groups.

Options are keyed by a small closed enumeration.  Each key has a declared
value kind; a backend advertises which keys it supports and with which
capabilities (get, set, list) through Option descriptors.  A descriptor may
carry a Constraint narrowing the acceptable values, e.g. a list of pattern
names or a stepped sample rate range.
*/
package config

import (
	"fmt"
)

// Key identifies a single configuration option.
type Key int

// The configuration options understood by this library.  Backends support
// a subset; use ConfigList to discover which.
const (
	// SampleRate is the acquisition sample rate in samples per second (uint64)
	SampleRate Key = iota + 1

	// LimitSamples caps the number of samples acquired in one run (uint64)
	LimitSamples

	// LimitMillis caps the duration of one run in milliseconds (uint64)
	LimitMillis

	// PatternMode selects the generator pattern on devices that synthesize
	// their output (string)
	PatternMode

	// Averaging toggles sample averaging (bool)
	Averaging

	// AvgSamples is the number of samples averaged together when Averaging
	// is on (uint64)
	AvgSamples

	// Conn identifies how to reach the device, e.g. a serial port path or
	// a vid.pid USB pair (string).  Used as a scan option.
	Conn

	// SerialComm is the serial port configuration, e.g. "115200/8n1"
	// (string).  Used as a scan option.
	SerialComm

	// ModbusAddr is the modbus slave address for devices behind a modbus
	// bridge (uint64).  Used as a scan option.
	ModbusAddr
)

var keyNames = map[Key]string{
	SampleRate:   "samplerate",
	LimitSamples: "limit_samples",
	LimitMillis:  "limit_time",
	PatternMode:  "pattern_mode",
	Averaging:    "averaging",
	AvgSamples:   "avg_samples",
	Conn:         "conn",
	SerialComm:   "serialcomm",
	ModbusAddr:   "modbus_addr",
}

func (k Key) String() string {
	if s, ok := keyNames[k]; ok {
		return s
	}
	return fmt.Sprintf("config.Key(%d)", int(k))
}

// ParseKey maps an option name back to its Key.  The boolean is false if
// the name is not known.
func ParseKey(s string) (Key, bool) {
	for k, name := range keyNames {
		if name == s {
			return k, true
		}
	}
	return 0, false
}

// Kind is the value type an option expects.
type Kind int

const (
	// KindUint64 options take a uint64
	KindUint64 Kind = iota + 1

	// KindString options take a string
	KindString

	// KindBool options take a bool
	KindBool

	// KindFloat64 options take a float64
	KindFloat64
)

var keyKinds = map[Key]Kind{
	SampleRate:   KindUint64,
	LimitSamples: KindUint64,
	LimitMillis:  KindUint64,
	PatternMode:  KindString,
	Averaging:    KindBool,
	AvgSamples:   KindUint64,
	Conn:         KindString,
	SerialComm:   KindString,
	ModbusAddr:   KindUint64,
}

// Kind returns the value kind the key expects.
func (k Key) Kind() Kind {
	return keyKinds[k]
}

// KindOf reports the kind of a concrete value, or 0 if the type is not one
// an option can take.
func KindOf(v interface{}) Kind {
	switch v.(type) {
	case uint64:
		return KindUint64
	case string:
		return KindString
	case bool:
		return KindBool
	case float64:
		return KindFloat64
	default:
		return 0
	}
}

// Capabilities describes what may be done with an option.
type Capabilities uint8

const (
	// CapGet means the current value can be read
	CapGet Capabilities = 1 << iota

	// CapSet means a new value can be written
	CapSet

	// CapList means the acceptable values can be enumerated
	CapList
)

// Has is true if all capabilities in c2 are present in c.
func (c Capabilities) Has(c2 Capabilities) bool {
	return c&c2 == c2
}

// Constraint narrows the values an option accepts beyond its Kind.
// A nil Constraint accepts any value of the right kind.
type Constraint interface {
	// Allows reports whether v is an acceptable value
	Allows(v interface{}) bool
}

// List is a Constraint enumerating the exact acceptable values.
type List struct {
	Values []interface{}
}

// Allows satisfies Constraint.
func (l List) Allows(v interface{}) bool {
	for _, val := range l.Values {
		if val == v {
			return true
		}
	}
	return false
}

// Range is an inclusive uint64 range Constraint.
type Range struct {
	Min, Max uint64
}

// Allows satisfies Constraint.
func (r Range) Allows(v interface{}) bool {
	u, ok := v.(uint64)
	return ok && u >= r.Min && u <= r.Max
}

// SteppedRange is an inclusive uint64 range with a fixed step, as used for
// sample rates.  A value is acceptable if it lies on a step boundary.
type SteppedRange struct {
	Min, Max, Step uint64
}

// Allows satisfies Constraint.
func (r SteppedRange) Allows(v interface{}) bool {
	u, ok := v.(uint64)
	if !ok || u < r.Min || u > r.Max {
		return false
	}
	if r.Step == 0 {
		return true
	}
	return (u-r.Min)%r.Step == 0
}

// FloatRange is an inclusive float64 range Constraint.
type FloatRange struct {
	Min, Max float64
}

// Allows satisfies Constraint.
func (r FloatRange) Allows(v interface{}) bool {
	f, ok := v.(float64)
	return ok && f >= r.Min && f <= r.Max
}

// Option describes one supported configuration key on a driver, device, or
// channel group.
type Option struct {
	// Key is the option identifier
	Key Key

	// Caps is what the backend permits for this key
	Caps Capabilities

	// Constraint narrows acceptable values; nil means any value of the
	// key's kind
	Constraint Constraint
}

// Check validates a prospective value against the option's kind and
// constraint.  It does not consult the backend.
func (o Option) Check(v interface{}) error {
	if KindOf(v) != o.Key.Kind() {
		return fmt.Errorf("option %s expects kind %v, got %T", o.Key, o.Key.Kind(), v)
	}
	if o.Constraint != nil && !o.Constraint.Allows(v) {
		return fmt.Errorf("value %v out of range for option %s", v, o.Key)
	}
	return nil
}

// Find returns the descriptor for key in opts, if present.
func Find(opts []Option, key Key) (Option, bool) {
	for _, o := range opts {
		if o.Key == key {
			return o, true
		}
	}
	return Option{}, false
}
