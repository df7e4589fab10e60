package demo

import (
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/siglab/siglab/capi"
	"github.com/siglab/siglab/data"
)

// randSeed fixes the random pattern stream so runs are reproducible.
const randSeed = 0x5161b

// run phases, advanced one step per event loop iteration
const (
	phaseHeader = iota
	phaseFrameBegin
	phaseData
	phaseFrameEnd
	phaseEnd
	phaseDone
)

type session struct {
	lib     *Library
	devices []*Device
	feed    capi.Feed
	trigger *capi.Trigger
	runs    []*devRun

	// started and stopReq are atomic: Stop may arrive from a goroutine
	// other than the one pumping the loop
	started atomic.Bool
	stopReq atomic.Bool
}

type devRun struct {
	dev      *Device
	lim      *rate.Limiter
	rng      *rand.Rand
	start    time.Time
	deadline time.Time
	phase    int

	emitted   uint64
	injectIdx int

	stageIdx  int
	prevByte  byte
	havePrev  bool
	triggered bool
	fireTrig  bool
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

func (s *session) SetTrigger(t *capi.Trigger) error {
	s.trigger = t
	return nil
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
		if !d.open {
			return capi.ErrDevClosed
		}
		s.runs = append(s.runs, &devRun{
			dev:      d,
			lim:      d.newLimiter(),
			rng:      rand.New(rand.NewSource(randSeed)),
			start:    now,
			deadline: d.runDeadline(now),
		})
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
		for _, d := range s.devices {
			d.injected = nil
		}
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

// step advances one device by one event loop iteration.
func (s *session) step(r *devRun) {
	if s.stopReq.Load() && r.phase > phaseHeader && r.phase < phaseFrameEnd {
		r.phase = phaseFrameEnd
	}
	switch r.phase {
	case phaseHeader:
		s.feed(r.dev, &capi.Packet{Type: capi.PacketHeader, FeedVersion: 1, StartTime: r.start})
		r.phase = phaseFrameBegin
	case phaseFrameBegin:
		s.feed(r.dev, &capi.Packet{Type: capi.PacketFrameBegin})
		r.phase = phaseData
	case phaseData:
		if len(r.dev.injected) > 0 {
			s.stepInjected(r)
		} else {
			s.stepGenerated(r)
		}
	case phaseFrameEnd:
		s.feed(r.dev, &capi.Packet{Type: capi.PacketFrameEnd})
		r.phase = phaseEnd
	case phaseEnd:
		s.feed(r.dev, &capi.Packet{Type: capi.PacketEnd})
		r.phase = phaseDone
	}
}

// stepInjected replays one queued packet verbatim.
func (s *session) stepInjected(r *devRun) {
	if r.injectIdx >= len(r.dev.injected) {
		r.phase = phaseFrameEnd
		return
	}
	pkt := r.dev.injected[r.injectIdx]
	r.injectIdx++
	s.feed(r.dev, &pkt)
}

// stepGenerated emits one chunk of pattern data: a logic packet, a trigger
// packet if the armed trigger just matched, and an analog packet when the
// analog channel is enabled.
func (s *session) stepGenerated(r *devRun) {
	d := r.dev
	limit := d.limitSamples
	if limit > 0 && r.emitted >= limit {
		r.phase = phaseFrameEnd
		return
	}
	if !r.deadline.IsZero() && time.Now().After(r.deadline) {
		r.phase = phaseFrameEnd
		return
	}
	n := uint64(chunkSamples)
	if limit > 0 && limit-r.emitted < n {
		n = limit - r.emitted
	}
	d.pace(r.lim, int(n))

	logicOn := d.chans[0].enabled || d.chans[1].enabled
	if logicOn {
		if cap(d.scratch) < int(n) {
			d.scratch = make([]byte, n)
		}
		buf := d.scratch[:n]
		for i := uint64(0); i < n; i++ {
			b := d.logicByte(r.rng, r.emitted+i)
			buf[i] = b
			s.evalTrigger(r, b)
		}
		s.feed(d, &capi.Packet{Type: capi.PacketLogic, UnitSize: 1, Data: buf})
		if r.fireTrig {
			r.fireTrig = false
			s.feed(d, &capi.Packet{Type: capi.PacketTrigger})
		}
	}

	if d.chans[2].enabled {
		abuf := make([]byte, n*4)
		for i := uint64(0); i < n; i++ {
			v := d.analogSample(r.emitted + i)
			le := math.Float32bits(v)
			abuf[i*4] = byte(le)
			abuf[i*4+1] = byte(le >> 8)
			abuf[i*4+2] = byte(le >> 16)
			abuf[i*4+3] = byte(le >> 24)
		}
		s.feed(d, &capi.Packet{
			Type:       capi.PacketAnalog,
			Data:       abuf,
			NumSamples: int(n),
			Encoding: data.AnalogEncoding{
				UnitSize: 4,
				Float:    true,
				Scale:    data.Rational{P: 1, Q: 1},
				Offset:   data.Rational{P: 0, Q: 1},
				Digits:   6,
			},
			Channels: []string{"A0"},
			MQ:       data.MQ{Quantity: data.Voltage, Flags: data.FlagDC},
			Unit:     data.Volt,
		})
	}

	r.emitted += n
	if limit > 0 && r.emitted >= limit {
		r.phase = phaseFrameEnd
	}
}

// evalTrigger advances the armed trigger's stage machine over one logic
// sample.  Analog over/under matches never fire on the demo device.  The
// trigger is single shot per run.
func (s *session) evalTrigger(r *devRun, b byte) {
	if s.trigger == nil || r.triggered || r.stageIdx >= len(s.trigger.Stages) {
		r.prevByte, r.havePrev = b, true
		return
	}
	stage := s.trigger.Stages[r.stageIdx]
	matched := len(stage.Matches) > 0
	for _, m := range stage.Matches {
		ch, ok := m.Channel.(*channel)
		if !ok || ch.kind != data.ChannelLogic {
			matched = false
			break
		}
		bit := (b >> uint(ch.index)) & 1
		prev := (r.prevByte >> uint(ch.index)) & 1
		if !matchesBit(m.Match, bit, prev, r.havePrev) {
			matched = false
			break
		}
	}
	if matched {
		r.stageIdx++
		if r.stageIdx == len(s.trigger.Stages) {
			r.triggered = true
			r.fireTrig = true
		}
	}
	r.prevByte, r.havePrev = b, true
}

func matchesBit(m data.TriggerMatch, bit, prev byte, havePrev bool) bool {
	switch m {
	case data.TriggerZero:
		return bit == 0
	case data.TriggerOne:
		return bit == 1
	case data.TriggerRising:
		return havePrev && prev == 0 && bit == 1
	case data.TriggerFalling:
		return havePrev && prev == 1 && bit == 0
	case data.TriggerEdge:
		return havePrev && prev != bit
	default:
		return false
	}
}
