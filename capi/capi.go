/*Package capi is the boundary to the acquisition library that owns the
vendor drivers.  Everything above this package is safe Go; everything
behind it is foreign-owned memory and driver internals.

The interfaces here mirror the library's capability surface one to one:
context init/exit, driver enumeration and activation, device scan, channel
and group enumeration, keyed config get/set/list, session create/start/
stop, datafeed callback registration, and event loop pumping.  A production
build implements them over the vendor C library; the demo and rawser
packages implement them in pure Go for synthetic and raw byte-stream
capture.

Packet buffers delivered through a Feed are owned by the backend and are
valid only until the Feed invocation returns.  Backends may reuse them for
the next packet.  The high-level bridge is responsible for never letting a
reference escape that window.
*/
package capi

import (
	"time"

	"github.com/siglab/siglab/config"
	"github.com/siglab/siglab/data"
)

// PacketType tags a raw datafeed packet.  The values match the datafeed
// protocol's wire tags.
type PacketType uint16

const (
	// PacketHeader opens a run
	PacketHeader PacketType = 10

	// PacketEnd closes a run
	PacketEnd PacketType = 11

	// PacketMeta carries parameter updates
	PacketMeta PacketType = 12

	// PacketTrigger marks a trigger match
	PacketTrigger PacketType = 13

	// PacketLogic carries logic samples
	PacketLogic PacketType = 14

	// PacketFrameBegin opens a sample frame
	PacketFrameBegin PacketType = 16

	// PacketFrameEnd closes a sample frame
	PacketFrameEnd PacketType = 17

	// PacketAnalog carries analog samples
	PacketAnalog PacketType = 18
)

func (p PacketType) String() string {
	switch p {
	case PacketHeader:
		return "header"
	case PacketEnd:
		return "end"
	case PacketMeta:
		return "meta"
	case PacketTrigger:
		return "trigger"
	case PacketLogic:
		return "logic"
	case PacketFrameBegin:
		return "frame-begin"
	case PacketFrameEnd:
		return "frame-end"
	case PacketAnalog:
		return "analog"
	default:
		return "unknown"
	}
}

// Packet is a raw datafeed packet as emitted by the backend: a type tag
// plus the fields meaningful for that type.  Data is borrowed; see the
// package comment.  The bridge validates all length-for-type invariants;
// backends only promise the tag and fields are self-consistent with what
// the driver produced.
type Packet struct {
	// Type selects which of the remaining fields are meaningful
	Type PacketType

	// UnitSize is bytes per sample group (logic packets)
	UnitSize int

	// Data is the borrowed sample buffer (logic and analog packets)
	Data []byte

	// NumSamples is the declared sample count (analog packets)
	NumSamples int

	// Encoding describes raw analog sample layout (analog packets)
	Encoding data.AnalogEncoding

	// Channels names the channels interleaved in Data (analog packets)
	Channels []string

	// MQ is the measured quantity (analog packets)
	MQ data.MQ

	// Unit is the physical unit (analog packets)
	Unit data.Unit

	// Meta holds parameter updates (meta packets)
	Meta []data.MetaItem

	// FeedVersion is the datafeed protocol version (header packets)
	FeedVersion int

	// StartTime is when acquisition was armed (header packets)
	StartTime time.Time
}

// ScanOption is one key/value pair passed to a driver scan, e.g. conn or
// serialcomm.
type ScanOption struct {
	Key   config.Key
	Value interface{}
}

// ConnOption builds the conn scan option.
func ConnOption(conn string) ScanOption {
	return ScanOption{Key: config.Conn, Value: conn}
}

// SerialCommOption builds the serialcomm scan option.
func SerialCommOption(comm string) ScanOption {
	return ScanOption{Key: config.SerialComm, Value: comm}
}

// ModbusAddrOption builds the modbus address scan option.
func ModbusAddrOption(addr uint64) ScanOption {
	return ScanOption{Key: config.ModbusAddr, Value: addr}
}

// Library is the root handle of the acquisition library.  There is exactly
// one live Library per process; the high-level Context enforces that.
type Library interface {
	// Drivers enumerates the available drivers.  The list is stable for
	// the life of the library.
	Drivers() []Driver

	// NewSession creates an acquisition session
	NewSession() (Session, error)

	// Exit tears the library down.  All derived handles are invalid
	// afterwards.
	Exit() error
}

// LogLeveler is implemented by libraries whose verbosity can be adjusted.
type LogLeveler interface {
	// SetLogLevel sets the library's log verbosity, 0 (none) to 5 (spew)
	SetLogLevel(level int) error
}

// Driver is one vendor acquisition backend, not yet activated.
type Driver interface {
	// Name is the short driver name, e.g. "demo"
	Name() string

	// LongName is the human readable driver name
	LongName() string

	// APIVersion is the driver ABI version
	APIVersion() int

	// Functions lists the capabilities the driver can serve
	Functions() []data.Function

	// Init activates the driver.  Activating an already active driver is
	// an error.
	Init() (Instance, error)
}

// Instance is an activated driver.
type Instance interface {
	// Driver returns the driver this instance was activated from
	Driver() Driver

	// Scan probes for devices, replacing the instance's device list with
	// the result.  It may block for a driver-specific timeout.  Finding
	// nothing is an empty list, not an error.
	Scan(opts []ScanOption) ([]Device, error)

	// Devices returns the most recent scan result
	Devices() []Device

	// Cleanup deactivates the driver and releases driver-held resources
	Cleanup() error
}

// Device is one discovered hardware unit.
type Device interface {
	// Vendor is the manufacturer string
	Vendor() string

	// Model is the model string
	Model() string

	// Version is the firmware or hardware revision, possibly empty
	Version() string

	// SerialNumber is the unit serial, possibly empty
	SerialNumber() string

	// ConnID identifies how the device is attached, possibly empty
	ConnID() string

	// Channels lists the device's channels as reported at scan time
	Channels() []Channel

	// ChannelGroups lists the device's channel groups
	ChannelGroups() []ChannelGroup

	// Open readies the device for acquisition.  Opening an already open
	// device returns ErrGeneric; callers treat that as success.
	Open() error

	// Close releases the device
	Close() error

	// ConfigGet reads the current value of key.  group selects a channel
	// group by name; empty means the device itself.
	ConfigGet(key config.Key, group string) (interface{}, error)

	// ConfigSet writes a new value for key.  The backend performs
	// driver-level validation only; kind and range checks happen above.
	ConfigSet(key config.Key, group string, v interface{}) error

	// ConfigList enumerates the supported options and their capabilities
	ConfigList(group string) ([]config.Option, error)
}

// Channel is one signal line on a device.
type Channel interface {
	// Index is the channel's position in the device's channel list
	Index() int

	// Name is the channel name, e.g. "D0" or "A1"
	Name() string

	// Kind reports logic or analog
	Kind() data.ChannelKind

	// Enabled reports whether the channel participates in acquisition
	Enabled() bool

	// SetEnabled includes or excludes the channel from acquisition
	SetEnabled(on bool) error
}

// ChannelGroup is a named aggregate of channels.  Groups may overlap and
// never own their members.
type ChannelGroup interface {
	// Name is the group name
	Name() string

	// Channels lists the member channels, at least one
	Channels() []Channel
}

// Feed receives raw packets during a run.  It executes on the goroutine
// pumping the session's event loop, one invocation at a time; pkt and its
// buffers are valid only until it returns.
type Feed func(dev Device, pkt *Packet)

// TriggerMatch is one condition within a trigger stage.
type TriggerMatch struct {
	// Channel is the channel the condition watches
	Channel Channel

	// Match is the condition kind
	Match data.TriggerMatch

	// Value is the comparison threshold for over/under matches
	Value float32
}

// TriggerStage is a set of conditions that must coincide.
type TriggerStage struct {
	Matches []TriggerMatch
}

// Trigger is an ordered list of stages armed on a session.
type Trigger struct {
	Stages []TriggerStage
}

// Session is one acquisition run's foreign-side state.
type Session interface {
	// AddDevice attaches an open device to the session
	AddDevice(dev Device) error

	// SetFeed registers the single datafeed callback for the session.
	// The high-level layer fans out to user callbacks from it.
	SetFeed(feed Feed)

	// SetTrigger arms a trigger, or disarms with nil
	SetTrigger(t *Trigger) error

	// Start arms every attached device.  On failure nothing is armed.
	Start() error

	// Run pumps the event loop until the acquisition ends or Stop is
	// called, firing the feed synchronously on the calling goroutine.
	Run() error

	// RunOnce pumps a single event loop iteration.  It returns true while
	// the acquisition is still live.
	RunOnce() (bool, error)

	// Stop requests cooperative termination; in-flight packet delivery
	// completes first.  Stopping a stopped session is a no-op.
	Stop() error

	// Destroy releases the session.  All packets are done by the time it
	// returns.
	Destroy() error
}
