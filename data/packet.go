package data

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/siglab/siglab/config"
)

// ErrPacketReleased is returned by Bytes and Physical when a borrowed
// sample view is read after the delivering callback has returned.
var ErrPacketReleased = errors.New("packet buffer released: sample views are only valid during the delivering callback, Clone to retain")

// Datafeed is the closed set of packet variants delivered during a run.
type Datafeed interface {
	datafeed()
}

// Header opens every run.
type Header struct {
	// FeedVersion is the datafeed protocol version the backend speaks
	FeedVersion int

	// StartTime is when the acquisition was armed
	StartTime time.Time
}

// Trigger indicates the configured trigger matched at this point in the
// feed.
type Trigger struct{}

// FrameBegin delimits the start of a logical block of samples.  A frame is
// not guaranteed to complete before the run ends.
type FrameBegin struct{}

// FrameEnd delimits the end of a logical block of samples.
type FrameEnd struct{}

// End closes the feed; no packet follows it in a run.
type End struct{}

// Meta carries mid-run changes to acquisition parameters, e.g. an updated
// sample rate.  The session applies these to its cached parameters before
// user callbacks see the packet.
type Meta struct {
	Items []MetaItem
}

// MetaItem is one parameter update.
type MetaItem struct {
	Key   config.Key
	Value interface{}
}

func (Header) datafeed()     {}
func (Trigger) datafeed()    {}
func (FrameBegin) datafeed() {}
func (FrameEnd) datafeed()   {}
func (End) datafeed()        {}
func (Meta) datafeed()       {}
func (*Logic) datafeed()     {}
func (*Analog) datafeed()    {}

// view is a borrowed window into a backend-owned buffer.  The released
// flag is shared with the dispatching bridge, which flips it when the
// callback returns.
type view struct {
	buf      []byte
	released *bool
}

func (v view) bytes() ([]byte, error) {
	if v.released != nil && *v.released {
		return nil, ErrPacketReleased
	}
	return v.buf, nil
}

// Logic is a block of logic samples.  Each UnitSize byte group encodes one
// bit-vector sample across the enabled logic channels.
type Logic struct {
	unitSize int
	view
}

// NewLogic wraps a borrowed buffer as a Logic packet.  The returned release
// function invalidates the view; the dispatcher calls it when the delivering
// callback returns.  The buffer length must already be validated as a
// multiple of unitSize.
func NewLogic(unitSize int, buf []byte) (*Logic, func()) {
	released := false
	l := &Logic{unitSize: unitSize, view: view{buf: buf, released: &released}}
	return l, func() { released = true }
}

// UnitSize is the number of bytes per sample group.
func (l *Logic) UnitSize() int { return l.unitSize }

// Samples is the number of sample groups in the packet.
func (l *Logic) Samples() int { return len(l.buf) / l.unitSize }

// Bytes returns the borrowed sample buffer.  It fails with
// ErrPacketReleased outside the delivering callback.
func (l *Logic) Bytes() ([]byte, error) { return l.bytes() }

// Clone copies the sample buffer out of backend-owned memory so it can be
// retained past the callback.
func (l *Logic) Clone() ([]byte, error) {
	b, err := l.bytes()
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// AnalogEncoding describes how raw analog sample bytes map to physical
// values: value = raw*Scale + Offset.
type AnalogEncoding struct {
	// UnitSize is the width of one raw sample in bytes: 1, 2, 4, or 8
	UnitSize int

	// Signed is true when integer samples are two's complement
	Signed bool

	// Float is true when samples are IEEE-754 (UnitSize 4 or 8)
	Float bool

	// BigEndian is true when multi-byte samples are big endian
	BigEndian bool

	// Scale multiplies the raw value
	Scale Rational

	// Offset is added after scaling
	Offset Rational

	// Digits is the number of significant decimal digits the source
	// resolved, negative for non-significant integer digits
	Digits int
}

// Analog is a block of analog samples from one or more channels.
type Analog struct {
	encoding AnalogEncoding
	channels []string
	mq       MQ
	unit     Unit
	view
}

// NewAnalog wraps a borrowed buffer as an Analog packet.  The buffer length
// must already be validated as samples*encoding.UnitSize.  The returned
// release function invalidates the view.
func NewAnalog(enc AnalogEncoding, channels []string, mq MQ, unit Unit, buf []byte) (*Analog, func()) {
	released := false
	a := &Analog{
		encoding: enc,
		channels: channels,
		mq:       mq,
		unit:     unit,
		view:     view{buf: buf, released: &released},
	}
	return a, func() { released = true }
}

// Encoding returns the sample encoding.
func (a *Analog) Encoding() AnalogEncoding { return a.encoding }

// ChannelNames lists the channels interleaved in the packet.
func (a *Analog) ChannelNames() []string { return a.channels }

// MQ is the measured quantity.
func (a *Analog) MQ() MQ { return a.mq }

// Unit is the unit of the physical values.
func (a *Analog) Unit() Unit { return a.unit }

// Samples is the number of raw samples in the packet.
func (a *Analog) Samples() int { return len(a.buf) / a.encoding.UnitSize }

// Bytes returns the borrowed raw sample buffer.  It fails with
// ErrPacketReleased outside the delivering callback.
func (a *Analog) Bytes() ([]byte, error) { return a.bytes() }

// Physical decodes every raw sample to its physical value,
// value = raw*scale + offset.  The result is freshly allocated and safe to
// retain.  It fails with ErrPacketReleased outside the delivering callback.
func (a *Analog) Physical() ([]float64, error) {
	buf, err := a.bytes()
	if err != nil {
		return nil, err
	}
	return DecodePhysical(a.encoding, buf)
}

// Clone copies the raw sample buffer out of backend-owned memory.
func (a *Analog) Clone() ([]byte, error) {
	b, err := a.bytes()
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// DecodePhysical converts raw analog sample bytes to physical values per
// the encoding.  The buffer length must be a multiple of the sample width.
func DecodePhysical(enc AnalogEncoding, buf []byte) ([]float64, error) {
	w := enc.UnitSize
	switch w {
	case 1, 2, 4, 8:
	default:
		return nil, fmt.Errorf("unsupported analog sample width %d", w)
	}
	if len(buf)%w != 0 {
		return nil, fmt.Errorf("analog buffer length %d not a multiple of sample width %d", len(buf), w)
	}
	if enc.Float && w != 4 && w != 8 {
		return nil, fmt.Errorf("float analog samples must be 4 or 8 bytes wide, got %d", w)
	}
	var order binary.ByteOrder = binary.LittleEndian
	if enc.BigEndian {
		order = binary.BigEndian
	}
	scale := enc.Scale.Float()
	offset := enc.Offset.Float()
	n := len(buf) / w
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		raw := rawSample(enc, order, buf[i*w:(i+1)*w])
		out[i] = raw*scale + offset
	}
	return out, nil
}

func rawSample(enc AnalogEncoding, order binary.ByteOrder, b []byte) float64 {
	if enc.Float {
		if enc.UnitSize == 4 {
			return float64(math.Float32frombits(order.Uint32(b)))
		}
		return math.Float64frombits(order.Uint64(b))
	}
	var u uint64
	switch enc.UnitSize {
	case 1:
		u = uint64(b[0])
	case 2:
		u = uint64(order.Uint16(b))
	case 4:
		u = uint64(order.Uint32(b))
	case 8:
		u = order.Uint64(b)
	}
	if !enc.Signed {
		return float64(u)
	}
	switch enc.UnitSize {
	case 1:
		return float64(int8(u))
	case 2:
		return float64(int16(u))
	case 4:
		return float64(int32(u))
	default:
		return float64(int64(u))
	}
}
