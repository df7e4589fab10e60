package siglab

import (
	"sync"
	"sync/atomic"

	"github.com/siglab/siglab/capi"
	"github.com/siglab/siglab/config"
	"github.com/siglab/siglab/data"
)

// Callback receives decoded datafeed packets during a run.  Callbacks
// execute synchronously on the goroutine driving Run, one packet at a
// time, in registration order.  Sample views inside packet are only valid
// until the callback returns.
type Callback func(dev *Device, packet data.Datafeed)

// Params is the session's notion of the current acquisition parameters.
// It is seeded from device config at start and updated by Meta packets
// before user callbacks observe them.
type Params struct {
	// SampleRate in samples per second, 0 if the devices never reported one
	SampleRate uint64

	// LimitSamples is the per-run sample cap, 0 for unbounded
	LimitSamples uint64
}

// Session aggregates devices into one acquisition run and owns the
// registered callback set.  A Session must be destroyed before the
// DriverInstances behind its devices are closed.
type Session struct {
	ctx       *Context
	h         capi.Session
	devices   []*Device
	callbacks []Callback
	onError   func(error)
	trigger   *capi.Trigger

	// pmu guards params, which Meta packets update on the loop goroutine
	// while Params may read from another
	pmu    sync.Mutex
	params Params

	// Stop, Running, Params, and MalformedPackets may be called from
	// goroutines other than the one pumping Run; the flags they touch are
	// atomic
	malformed uint64
	running   atomic.Bool
	inLoop    atomic.Bool
	destroyed atomic.Bool
}

// NewSession creates a session on the context.
func NewSession(ctx *Context) (*Session, error) {
	if ctx.closed {
		return nil, ErrClosed
	}
	h, err := ctx.lib.NewSession()
	if err != nil {
		return nil, foreign("session new", err)
	}
	ctx.addRef()
	return &Session{ctx: ctx, h: h}, nil
}

// AddDevice attaches a device to the acquisition set.  Attaching the same
// device twice is a no-op.  It fails with ErrAlreadyRunning after a
// successful Start.
func (s *Session) AddDevice(dev *Device) error {
	if s.destroyed.Load() {
		return ErrClosed
	}
	if s.running.Load() {
		return ErrAlreadyRunning
	}
	for _, have := range s.devices {
		if have == dev {
			return nil
		}
	}
	// Opening an already open device reports a generic error and leaves
	// it open; treat that as success.
	opened := false
	if err := dev.h.Open(); err != nil {
		if err != capi.ErrGeneric {
			return foreign("device open", err)
		}
	} else {
		opened = true
	}
	if err := s.h.AddDevice(dev.h); err != nil {
		// only unwind an open this call performed
		if opened {
			_ = dev.h.Close()
		}
		return foreign("session add device", err)
	}
	s.devices = append(s.devices, dev)
	atomic.AddInt32(&dev.inst.sessionRefs, 1)
	return nil
}

// AddInstance attaches every device from the instance's most recent scan.
func (s *Session) AddInstance(di *DriverInstance) error {
	for _, dev := range di.Devices() {
		if err := s.AddDevice(dev); err != nil {
			return err
		}
	}
	return nil
}

// Devices returns the attached device set in attachment order.
func (s *Session) Devices() []*Device {
	out := make([]*Device, len(s.devices))
	copy(out, s.devices)
	return out
}

// CallbackAdd appends a callback to the ordered registry.  Every packet of
// every subsequent run is delivered to all callbacks in registration
// order.
func (s *Session) CallbackAdd(cb Callback) {
	s.callbacks = append(s.callbacks, cb)
}

// SetErrorHandler registers a handler for mid-run diagnostics, currently
// malformed datafeed packets.  These never abort the run.
func (s *Session) SetErrorHandler(h func(error)) {
	s.onError = h
}

// Start arms every attached device for acquisition.  It fails with
// ErrEmptySession when no devices are attached and ErrAlreadyRunning on a
// running session; on any failure the session remains not running.
func (s *Session) Start() error {
	if s.destroyed.Load() {
		return ErrClosed
	}
	if s.running.Load() {
		return ErrAlreadyRunning
	}
	if len(s.devices) == 0 {
		return ErrEmptySession
	}
	s.seedParams()
	s.h.SetFeed(s.dispatch)
	if err := s.h.SetTrigger(s.trigger); err != nil {
		return foreign("session trigger set", err)
	}
	if err := s.h.Start(); err != nil {
		return foreign("session start", err)
	}
	for _, dev := range s.devices {
		dev.active.Store(s)
	}
	s.running.Store(true)
	return nil
}

// Run blocks pumping the event loop until the acquisition completes
// naturally or Stop unblocks it.  Callbacks fire synchronously on the
// calling goroutine.
func (s *Session) Run() error {
	if !s.running.Load() {
		return ErrNotRunning
	}
	s.inLoop.Store(true)
	err := s.h.Run()
	s.inLoop.Store(false)
	s.finish()
	return foreign("session run", err)
}

// RunOnce pumps a single event loop iteration and reports whether the
// acquisition is still live.
func (s *Session) RunOnce() (bool, error) {
	if !s.running.Load() {
		return false, ErrNotRunning
	}
	s.inLoop.Store(true)
	live, err := s.h.RunOnce()
	s.inLoop.Store(false)
	if err != nil {
		s.finish()
		return false, foreign("session run", err)
	}
	if !live {
		s.finish()
	}
	return live, nil
}

// Stop requests graceful termination.  In-flight packet delivery completes
// before the transition out of running; stopping a stopped session is a
// no-op.
func (s *Session) Stop() error {
	if s.destroyed.Load() {
		return ErrClosed
	}
	if !s.running.Load() {
		return nil
	}
	if err := s.h.Stop(); err != nil {
		return foreign("session stop", err)
	}
	// When stop is issued from inside a callback, the loop finishes
	// delivery and Run performs the transition on exit.
	if !s.inLoop.Load() {
		s.finish()
	}
	return nil
}

// Destroy stops the session if needed and releases it.  The session is
// unusable afterwards.
func (s *Session) Destroy() error {
	if s.destroyed.Load() {
		return ErrClosed
	}
	if s.running.Load() {
		if err := s.Stop(); err != nil {
			return err
		}
	}
	for _, dev := range s.devices {
		atomic.AddInt32(&dev.inst.sessionRefs, -1)
		// Close failures at teardown are driver-side; the handle is gone
		// either way.
		_ = dev.h.Close()
	}
	s.devices = nil
	s.destroyed.Store(true)
	s.ctx.release()
	return foreign("session destroy", s.h.Destroy())
}

// Running reports whether a run is in progress.
func (s *Session) Running() bool {
	return s.running.Load()
}

// Params returns the session's current acquisition parameters.
func (s *Session) Params() Params {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	return s.params
}

// MalformedPackets counts datafeed packets dropped for failing validation
// since the session was created.
func (s *Session) MalformedPackets() uint64 {
	return atomic.LoadUint64(&s.malformed)
}

// finish performs the transition out of running exactly once per run,
// whichever of Run or Stop gets there first.
func (s *Session) finish() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	for _, dev := range s.devices {
		dev.active.Store(nil)
	}
}

// seedParams primes the cached parameters from the first attached device
// that reports them.
func (s *Session) seedParams() {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	for _, dev := range s.devices {
		if s.params.SampleRate == 0 {
			if v, err := dev.h.ConfigGet(config.SampleRate, ""); err == nil {
				if u, ok := v.(uint64); ok {
					s.params.SampleRate = u
				}
			}
		}
		if s.params.LimitSamples == 0 {
			if v, err := dev.h.ConfigGet(config.LimitSamples, ""); err == nil {
				if u, ok := v.(uint64); ok {
					s.params.LimitSamples = u
				}
			}
		}
	}
}
