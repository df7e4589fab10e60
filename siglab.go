/*Package siglab is a safe, high-level interface to a signal-acquisition
library that talks to capture hardware (logic analyzers, oscilloscopes,
multimeters) through vendor drivers.

Usage follows the hardware's lifecycle: create the process-wide Context,
enumerate and initialize a driver, scan for devices, attach them to a
Session, register callbacks, and run:

	ctx, err := siglab.New(demo.New())
	// handle err
	defer ctx.Close()

	var drv siglab.Driver
	for _, d := range ctx.Drivers() {
		if d.Name() == "demo" {
			drv = d
		}
	}
	inst, err := ctx.InitDriver(drv)
	// handle err
	defer inst.Close()

	devices, err := inst.Scan()
	// handle err

	ses, err := siglab.NewSession(ctx)
	// handle err
	defer ses.Destroy()

	for _, dev := range devices {
		err = ses.AddDevice(dev)
		// handle err
		err = dev.ConfigSet(config.LimitSamples, uint64(64))
		// handle err
	}
	ses.CallbackAdd(func(dev *siglab.Device, packet data.Datafeed) {
		if l, ok := packet.(*data.Logic); ok {
			buf, _ := l.Bytes()
			// inspect buf before returning; Clone to keep it
			_ = buf
		}
	})
	err = ses.Start()
	// handle err
	err = ses.Run() // blocks until the run completes or ses.Stop()

Teardown is the strict reverse of construction: Session before
DriverInstance before Context.  Violations are rejected with ErrBusy
rather than risking a dangling foreign handle.
*/
package siglab

import (
	"sync/atomic"

	"github.com/siglab/siglab/capi"
	"github.com/siglab/siglab/data"
)

// LogLevel is the acquisition library's log verbosity.
type LogLevel int

const (
	// LogNone outputs nothing
	LogNone LogLevel = iota

	// LogErr outputs error messages
	LogErr

	// LogWarn outputs warnings, the library default
	LogWarn

	// LogInfo outputs informational messages
	LogInfo

	// LogDebug outputs debug messages
	LogDebug

	// LogSpew outputs very noisy debug messages
	LogSpew
)

// liveContexts guards the one-live-Context-per-process invariant.
var liveContexts int32

// Context is the process-wide root handle to the acquisition library.  It
// owns the driver registry and must outlive every handle derived from it.
type Context struct {
	lib     capi.Library
	drivers []Driver
	active  map[string]bool
	refs    int32
	closed  bool
}

// New initializes the acquisition library and returns the Context.  At
// most one Context may be live per process; a second call before Close
// returns ErrAlreadyInitialized.
func New(lib capi.Library) (*Context, error) {
	if lib == nil {
		return nil, ErrNoBackend
	}
	if !atomic.CompareAndSwapInt32(&liveContexts, 0, 1) {
		return nil, ErrAlreadyInitialized
	}
	return &Context{lib: lib, active: make(map[string]bool)}, nil
}

// Drivers lists the available drivers.  The list is enumerated once and is
// stable for the Context's lifetime.
func (c *Context) Drivers() []Driver {
	if c.drivers == nil {
		hs := c.lib.Drivers()
		c.drivers = make([]Driver, 0, len(hs))
		for _, h := range hs {
			c.drivers = append(c.drivers, Driver{ctx: c, h: h})
		}
	}
	out := make([]Driver, len(c.drivers))
	copy(out, c.drivers)
	return out
}

// DriverByName finds a driver by its short name.  The boolean is false if
// no driver has that name.
func (c *Context) DriverByName(name string) (Driver, bool) {
	for _, d := range c.Drivers() {
		if d.Name() == name {
			return d, true
		}
	}
	return Driver{}, false
}

// SetLogLevel adjusts the library's log verbosity, if the backend supports
// it.  Backends without log control ignore the call.
func (c *Context) SetLogLevel(level LogLevel) error {
	if c.closed {
		return ErrClosed
	}
	if ll, ok := c.lib.(capi.LogLeveler); ok {
		return foreign("set log level", ll.SetLogLevel(int(level)))
	}
	return nil
}

// InitDriver activates a driver against this context.  The driver must not
// already be active; release the DriverInstance to activate it again.
func (c *Context) InitDriver(d Driver) (*DriverInstance, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if d.ctx != c {
		return nil, ErrNoBackend
	}
	if c.active[d.Name()] {
		return nil, ErrDriverInitialized
	}
	h, err := d.h.Init()
	if err != nil {
		return nil, foreign("driver init", err)
	}
	c.active[d.Name()] = true
	c.addRef()
	return &DriverInstance{ctx: c, h: h, name: d.Name()}, nil
}

// Close tears the library down.  It fails with ErrBusy while any derived
// DriverInstance or Session is still alive, preserving teardown ordering.
func (c *Context) Close() error {
	if c.closed {
		return ErrClosed
	}
	if atomic.LoadInt32(&c.refs) != 0 {
		return ErrBusy
	}
	c.closed = true
	atomic.StoreInt32(&liveContexts, 0)
	return foreign("library exit", c.lib.Exit())
}

func (c *Context) addRef() {
	atomic.AddInt32(&c.refs, 1)
}

func (c *Context) release() {
	atomic.AddInt32(&c.refs, -1)
}

// Driver is an available acquisition driver, not yet activated.  Driver
// values are minted only by their Context and are valid while it lives.
type Driver struct {
	ctx *Context
	h   capi.Driver
}

// Name is the short driver name, e.g. "demo".
func (d Driver) Name() string {
	return d.h.Name()
}

// LongName is the human readable driver name.
func (d Driver) LongName() string {
	return d.h.LongName()
}

// APIVersion is the driver's ABI version.
func (d Driver) APIVersion() int {
	return d.h.APIVersion()
}

// Functions lists the capabilities the driver can serve, e.g. logic
// analyzer or oscilloscope.
func (d Driver) Functions() []data.Function {
	return d.h.Functions()
}

// DriverInstance is an activated driver.  It owns the devices its scans
// produce and must be released before its Context is closed.
type DriverInstance struct {
	ctx         *Context
	h           capi.Instance
	name        string
	devices     []*Device
	sessionRefs int32
	closed      bool
}

// Driver returns the descriptor this instance was activated from.
func (di *DriverInstance) Driver() Driver {
	return Driver{ctx: di.ctx, h: di.h.Driver()}
}

// Scan probes for devices, optionally constrained by scan options such as
// capi.ConnOption.  It may block for a driver-specific timeout.  Each scan
// replaces the previous device list; finding nothing yields an empty list,
// not an error.
func (di *DriverInstance) Scan(opts ...capi.ScanOption) ([]*Device, error) {
	if di.closed {
		return nil, ErrClosed
	}
	hs, err := di.h.Scan(opts)
	if err != nil {
		return nil, foreign("driver scan", err)
	}
	devs := make([]*Device, 0, len(hs))
	for _, h := range hs {
		devs = append(devs, &Device{inst: di, h: h})
	}
	di.devices = devs
	return di.Devices(), nil
}

// Devices returns the most recent scan result.
func (di *DriverInstance) Devices() []*Device {
	out := make([]*Device, len(di.devices))
	copy(out, di.devices)
	return out
}

// Close deactivates the driver and releases its resources.  It fails with
// ErrBusy while any of its devices is attached to a live session.
func (di *DriverInstance) Close() error {
	if di.closed {
		return ErrClosed
	}
	if atomic.LoadInt32(&di.sessionRefs) != 0 {
		return ErrBusy
	}
	di.closed = true
	di.devices = nil
	delete(di.ctx.active, di.name)
	di.ctx.release()
	return foreign("driver cleanup", di.h.Cleanup())
}
