/*Package data contains the types delivered on the datafeed during an
acquisition run, and the enumerations describing what was measured.

The datafeed is a closed set of packet variants.  Consumers switch over the
concrete types:

	switch p := packet.(type) {
	case *data.Logic:
		buf, err := p.Bytes()
		...
	case *data.Analog:
		vals, err := p.Physical()
		...
	case data.FrameEnd:
		...
	}

Logic and Analog packets borrow their sample buffers from the acquisition
backend.  The views are valid only for the duration of the callback that
delivers them; afterwards Bytes and Physical return ErrPacketReleased.
Callers wanting to keep sample data past the callback must Clone it.
*/
package data

// ChannelKind distinguishes logic from analog channels.
type ChannelKind int

const (
	// ChannelLogic channels carry single-bit samples
	ChannelLogic ChannelKind = iota + 1

	// ChannelAnalog channels carry sampled waveforms
	ChannelAnalog
)

func (c ChannelKind) String() string {
	switch c {
	case ChannelLogic:
		return "logic"
	case ChannelAnalog:
		return "analog"
	default:
		return "unknown"
	}
}

// Function is a capability a driver, device, or channel group can serve.
type Function int

const (
	// LogicAnalyzer devices capture digital signals
	LogicAnalyzer Function = iota + 1

	// Oscilloscope devices capture analog waveforms
	Oscilloscope

	// Multimeter devices report single measured quantities
	Multimeter

	// DemoDev marks synthetic devices with no hardware behind them
	DemoDev
)

func (f Function) String() string {
	switch f {
	case LogicAnalyzer:
		return "logic analyzer"
	case Oscilloscope:
		return "oscilloscope"
	case Multimeter:
		return "multimeter"
	case DemoDev:
		return "demo device"
	default:
		return "unknown"
	}
}

// TriggerMatch is the signal condition a trigger waits for.
type TriggerMatch int

const (
	// TriggerZero matches a low level
	TriggerZero TriggerMatch = iota + 1

	// TriggerOne matches a high level
	TriggerOne

	// TriggerRising matches a low to high transition
	TriggerRising

	// TriggerFalling matches a high to low transition
	TriggerFalling

	// TriggerEdge matches any transition
	TriggerEdge

	// TriggerOver matches an analog value exceeding a threshold
	TriggerOver

	// TriggerUnder matches an analog value falling below a threshold
	TriggerUnder
)

// Quantity is the physical quantity an analog sample measures.
type Quantity int

const (
	// Voltage in the channel's Unit
	Voltage Quantity = iota + 1

	// Current in the channel's Unit
	Current

	// Resistance in the channel's Unit
	Resistance

	// Frequency in the channel's Unit
	Frequency

	// Temperature in the channel's Unit
	Temperature

	// Power in the channel's Unit
	Power
)

// MQFlags qualify a measured quantity.
type MQFlags uint32

const (
	// FlagAC marks an alternating current measurement
	FlagAC MQFlags = 1 << iota

	// FlagDC marks a direct current measurement
	FlagDC

	// FlagRMS marks a true RMS measurement
	FlagRMS

	// FlagRelative marks a measurement relative to a reference
	FlagRelative
)

// MQ is a measured quantity with its qualifiers.
type MQ struct {
	Quantity Quantity
	Flags    MQFlags
}

// Unit is the physical unit of an analog sample.
type Unit int

const (
	// Volt unit
	Volt Unit = iota + 1

	// Ampere unit
	Ampere

	// Ohm unit
	Ohm

	// Hertz unit
	Hertz

	// Celsius unit
	Celsius

	// Watt unit
	Watt

	// Second unit
	Second

	// Unitless for ratios, gains, and other bare numbers
	Unitless
)

func (u Unit) String() string {
	switch u {
	case Volt:
		return "V"
	case Ampere:
		return "A"
	case Ohm:
		return "ohm"
	case Hertz:
		return "Hz"
	case Celsius:
		return "degC"
	case Watt:
		return "W"
	case Second:
		return "s"
	case Unitless:
		return ""
	default:
		return "?"
	}
}

// Rational is a signed ratio used for analog scale and offset factors.
type Rational struct {
	// P is the numerator
	P int64

	// Q is the denominator
	Q uint64
}

// Float collapses the ratio to a float64.  A zero denominator yields 0
// rather than Inf; backends emitting a zero denominator are broken and the
// value would be rejected upstream.
func (r Rational) Float() float64 {
	if r.Q == 0 {
		return 0
	}
	return float64(r.P) / float64(r.Q)
}
