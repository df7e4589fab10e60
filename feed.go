package siglab

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"

	"github.com/siglab/siglab/capi"
	"github.com/siglab/siglab/config"
	"github.com/siglab/siglab/data"
)

// feedLog carries the bridge's malformed-packet diagnostics.  Diagnostics
// are advisory; the session keeps running after every one of them.
var feedLog = log.New(os.Stderr, "siglab/datafeed: ", log.LstdFlags)

// dispatch is the single datafeed callback registered with the backend.
// It validates the raw packet, decodes it into a typed variant with a
// borrow-scoped view, fans it out to the user callbacks in registration
// order, and invalidates the view before returning control to the
// backend.  Malformed packets are dropped with a diagnostic; the bridge
// never reads past a declared length and never passes bad data through.
func (s *Session) dispatch(cdev capi.Device, pkt *capi.Packet) {
	dev := s.deviceFor(cdev)
	switch pkt.Type {
	case capi.PacketHeader:
		s.emit(dev, data.Header{FeedVersion: pkt.FeedVersion, StartTime: pkt.StartTime})
	case capi.PacketLogic:
		s.dispatchLogic(dev, pkt)
	case capi.PacketAnalog:
		s.dispatchAnalog(dev, pkt)
	case capi.PacketMeta:
		s.applyMeta(pkt.Meta)
		items := make([]data.MetaItem, len(pkt.Meta))
		copy(items, pkt.Meta)
		s.emit(dev, data.Meta{Items: items})
	case capi.PacketTrigger:
		s.emit(dev, data.Trigger{})
	case capi.PacketFrameBegin:
		s.emit(dev, data.FrameBegin{})
	case capi.PacketFrameEnd:
		s.emit(dev, data.FrameEnd{})
	case capi.PacketEnd:
		s.emit(dev, data.End{})
	default:
		s.drop(pkt, fmt.Sprintf("unknown packet type %d", uint16(pkt.Type)))
	}
}

func (s *Session) dispatchLogic(dev *Device, pkt *capi.Packet) {
	if pkt.UnitSize <= 0 {
		s.drop(pkt, fmt.Sprintf("unit size %d is not positive", pkt.UnitSize))
		return
	}
	if len(pkt.Data)%pkt.UnitSize != 0 {
		s.drop(pkt, fmt.Sprintf("length %d is not a multiple of unit size %d", len(pkt.Data), pkt.UnitSize))
		return
	}
	l, release := data.NewLogic(pkt.UnitSize, pkt.Data)
	s.emit(dev, l)
	release()
}

func (s *Session) dispatchAnalog(dev *Device, pkt *capi.Packet) {
	enc := pkt.Encoding
	switch enc.UnitSize {
	case 1, 2, 4, 8:
	default:
		s.drop(pkt, fmt.Sprintf("sample width %d unsupported", enc.UnitSize))
		return
	}
	if enc.Float && enc.UnitSize != 4 && enc.UnitSize != 8 {
		s.drop(pkt, fmt.Sprintf("float samples cannot be %d bytes wide", enc.UnitSize))
		return
	}
	if enc.Scale.Q == 0 || enc.Offset.Q == 0 {
		s.drop(pkt, "scale or offset denominator is zero")
		return
	}
	if pkt.NumSamples < 0 || len(pkt.Data) != pkt.NumSamples*enc.UnitSize {
		s.drop(pkt, fmt.Sprintf("length %d inconsistent with %d samples of width %d",
			len(pkt.Data), pkt.NumSamples, enc.UnitSize))
		return
	}
	a, release := data.NewAnalog(enc, pkt.Channels, pkt.MQ, pkt.Unit, pkt.Data)
	s.emit(dev, a)
	release()
}

// emit fans one decoded packet out to the registered callbacks in
// registration order, synchronously.
func (s *Session) emit(dev *Device, packet data.Datafeed) {
	for _, cb := range s.callbacks {
		cb(dev, packet)
	}
}

// drop records a malformed packet: count it, log it, and surface it to the
// error handler if one is registered.
func (s *Session) drop(pkt *capi.Packet, reason string) {
	atomic.AddUint64(&s.malformed, 1)
	err := &MalformedPacketError{Type: pkt.Type, Reason: reason}
	feedLog.Println(err)
	if s.onError != nil {
		s.onError(err)
	}
}

// applyMeta folds parameter updates into the session's cached params
// before user callbacks observe the Meta packet.
func (s *Session) applyMeta(items []data.MetaItem) {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	for _, it := range items {
		u, ok := it.Value.(uint64)
		if !ok {
			continue
		}
		switch it.Key {
		case config.SampleRate:
			s.params.SampleRate = u
		case config.LimitSamples:
			s.params.LimitSamples = u
		}
	}
}

// deviceFor maps a boundary device handle back to its attached wrapper.
// Packets from a device the session does not know (a driver misbehavior)
// still get a usable transient wrapper rather than a nil.
func (s *Session) deviceFor(cdev capi.Device) *Device {
	for _, dev := range s.devices {
		if dev.h == cdev {
			return dev
		}
	}
	return &Device{h: cdev}
}
