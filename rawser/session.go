package rawser

import (
	"bufio"
	"sync/atomic"
	"time"

	"github.com/siglab/siglab/capi"
)

// run phases, advanced one step per event loop iteration
const (
	phaseHeader = iota
	phaseData
	phaseEnd
	phaseDone
)

type session struct {
	lib     *Library
	devices []*Device
	feed    capi.Feed
	runs    []*devRun

	// started and stopReq are atomic: Stop may arrive from a goroutine
	// other than the one pumping the loop
	started atomic.Bool
	stopReq atomic.Bool
}

type devRun struct {
	dev      *Device
	rd       *bufio.Reader
	start    time.Time
	deadline time.Time
	phase    int
	emitted  uint64
}

func (s *session) AddDevice(dev capi.Device) error {
	d, ok := dev.(*Device)
	if !ok {
		return capi.ErrArg
	}
	for _, have := range s.devices {
		if have == d {
			return nil
		}
	}
	s.devices = append(s.devices, d)
	return nil
}

func (s *session) SetFeed(feed capi.Feed) {
	s.feed = feed
}

// SetTrigger reports triggers unsupported.  The wire protocol has no
// trigger engine; conditions must be armed on the instrument itself.
func (s *session) SetTrigger(t *capi.Trigger) error {
	if t == nil {
		return nil
	}
	return capi.ErrNA
}

func (s *session) Start() error {
	if s.started.Load() {
		return capi.ErrGeneric
	}
	if len(s.devices) == 0 || s.feed == nil {
		return capi.ErrArg
	}
	now := time.Now()
	s.runs = s.runs[:0]
	for _, d := range s.devices {
		if d.port == nil {
			return capi.ErrDevClosed
		}
		r := &devRun{dev: d, rd: bufio.NewReader(d.port), start: now}
		if d.limitMillis > 0 {
			r.deadline = now.Add(time.Duration(d.limitMillis) * time.Millisecond)
		}
		s.runs = append(s.runs, r)
	}
	s.started.Store(true)
	s.stopReq.Store(false)
	return nil
}

func (s *session) Run() error {
	for {
		live, err := s.RunOnce()
		if err != nil {
			return err
		}
		if !live {
			return nil
		}
	}
}

func (s *session) RunOnce() (bool, error) {
	if !s.started.Load() {
		return false, capi.ErrGeneric
	}
	live := false
	for _, r := range s.runs {
		s.step(r)
		if r.phase != phaseDone {
			live = true
		}
	}
	if !live {
		s.started.Store(false)
	}
	return live, nil
}

func (s *session) Stop() error {
	if !s.started.Load() {
		return nil
	}
	s.stopReq.Store(true)
	return nil
}

func (s *session) Destroy() error {
	s.started.Store(false)
	s.devices = nil
	s.runs = nil
	return nil
}

// step advances one device by one event loop iteration: at most one
// telegram is read and delivered per step.
func (s *session) step(r *devRun) {
	if s.stopReq.Load() && r.phase == phaseData {
		r.phase = phaseEnd
	}
	switch r.phase {
	case phaseHeader:
		s.feed(r.dev, &capi.Packet{Type: capi.PacketHeader, FeedVersion: 1, StartTime: r.start})
		r.phase = phaseData
	case phaseData:
		s.stepData(r)
	case phaseEnd:
		s.feed(r.dev, &capi.Packet{Type: capi.PacketEnd})
		r.phase = phaseDone
	}
}

// stepData reads the next telegram and emits its payload as one logic
// packet.  Checksum failures count against the device and the read
// continues; any other read error, the sample limit, or the time limit
// ends the capture.
func (s *session) stepData(r *devRun) {
	d := r.dev
	if d.limitSamples > 0 && r.emitted >= d.limitSamples {
		r.phase = phaseEnd
		return
	}
	if !r.deadline.IsZero() && time.Now().After(r.deadline) {
		r.phase = phaseEnd
		return
	}
	payload, err := readFrame(r.rd)
	if err == ErrBadCRC {
		d.badFrames++
		return
	}
	if err != nil {
		r.phase = phaseEnd
		return
	}
	if len(payload) == 0 {
		return
	}
	n := uint64(len(payload))
	if d.limitSamples > 0 && r.emitted+n > d.limitSamples {
		n = d.limitSamples - r.emitted
		payload = payload[:n]
	}
	s.feed(d, &capi.Packet{Type: capi.PacketLogic, UnitSize: 1, Data: payload})
	r.emitted += n
	if d.limitSamples > 0 && r.emitted >= d.limitSamples {
		r.phase = phaseEnd
	}
}
