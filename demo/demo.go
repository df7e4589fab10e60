/*Package demo is a deterministic, in-memory acquisition backend.

It exposes a single driver, "demo", whose one device synthesizes logic
patterns on two digital channels and a sine waveform on one analog
channel.  No hardware is touched; the backend exists for development,
examples, and tests that need reproducible datafeeds.

Test fixtures can bypass the generators entirely by queueing raw packets
on the device with Inject; a run then replays the queue verbatim between
the header and end packets.
*/
package demo

import (
	"context"
	"math"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/siglab/siglab/capi"
	"github.com/siglab/siglab/config"
	"github.com/siglab/siglab/data"
)

// Pattern names accepted for config.PatternMode.
const (
	// PatternSigrok renders the word "sigrok" in bar-graph bits
	PatternSigrok = "sigrok"

	// PatternIncremental counts up one step per sample
	PatternIncremental = "incremental"

	// PatternRandom emits pseudo random samples from a fixed seed
	PatternRandom = "random"

	// PatternAllLow holds every channel low
	PatternAllLow = "all-low"

	// PatternAllHigh holds every channel high
	PatternAllHigh = "all-high"
)

const (
	defaultSampleRate   = uint64(1_000_000)
	defaultLimitSamples = uint64(64)
	chunkSamples        = 64

	groupLogic  = "Logic"
	groupAnalog = "Analog"
)

// sigrokBars is the bit pattern the sigrok mode cycles through, one byte
// per sample, rendering the project word when printed as bars.
var sigrokBars = []byte{
	0x4c, 0x92, 0x92, 0x92, 0x64, 0x00, 0x00,
	0x02, 0x7e, 0x24, 0x24, 0x18, 0x00, 0x00,
	0x7c, 0x82, 0x82, 0x92, 0x74, 0x00, 0x00,
	0xfe, 0x12, 0x12, 0x32, 0xcc, 0x00, 0x00,
	0x7c, 0x82, 0x82, 0x82, 0x7c, 0x00, 0x00,
	0xfe, 0x10, 0x28, 0x44, 0x82, 0x00, 0x00,
}

// Option adjusts library construction.
type Option func(*Library)

// WithRealtime makes runs pace packet emission at the configured sample
// rate instead of free-running.  Tests leave this off.
func WithRealtime() Option {
	return func(l *Library) { l.realtime = true }
}

// Library is the demo backend root.  Each call to New yields an
// independent backend; the process-wide single-context rule is enforced a
// level up.
type Library struct {
	driver   *driver
	realtime bool
	logLevel int
}

// New creates a demo backend.
func New(opts ...Option) *Library {
	l := &Library{}
	l.driver = &driver{lib: l}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Drivers satisfies capi.Library.
func (l *Library) Drivers() []capi.Driver {
	return []capi.Driver{l.driver}
}

// NewSession satisfies capi.Library.
func (l *Library) NewSession() (capi.Session, error) {
	return &session{lib: l}, nil
}

// Exit satisfies capi.Library.
func (l *Library) Exit() error {
	return nil
}

// SetLogLevel satisfies capi.LogLeveler.  The demo backend has nothing to
// log; the level is only recorded.
func (l *Library) SetLogLevel(level int) error {
	if level < 0 || level > 5 {
		return capi.ErrArg
	}
	l.logLevel = level
	return nil
}

type driver struct {
	lib    *Library
	inst   *instance
	active bool
}

func (d *driver) Name() string     { return "demo" }
func (d *driver) LongName() string { return "Demo pattern generator" }
func (d *driver) APIVersion() int  { return 1 }

func (d *driver) Functions() []data.Function {
	return []data.Function{data.LogicAnalyzer, data.Oscilloscope, data.DemoDev}
}

func (d *driver) Init() (capi.Instance, error) {
	if d.active {
		return nil, capi.ErrGeneric
	}
	d.active = true
	if d.inst == nil {
		d.inst = &instance{drv: d}
	}
	return d.inst, nil
}

type instance struct {
	drv     *driver
	devices []capi.Device
}

func (i *instance) Driver() capi.Driver { return i.drv }

// Scan satisfies capi.Instance.  The demo "bus" always holds exactly one
// device; scan options are accepted and ignored.
func (i *instance) Scan(opts []capi.ScanOption) ([]capi.Device, error) {
	if len(i.devices) == 0 {
		i.devices = []capi.Device{newDevice(i)}
	}
	out := make([]capi.Device, len(i.devices))
	copy(out, i.devices)
	return out, nil
}

func (i *instance) Devices() []capi.Device {
	out := make([]capi.Device, len(i.devices))
	copy(out, i.devices)
	return out
}

func (i *instance) Cleanup() error {
	i.drv.active = false
	return nil
}

// Device is the demo device.  It satisfies capi.Device and additionally
// offers Inject for deterministic test feeds.
type Device struct {
	inst     *instance
	chans    []*channel
	open     bool
	injected []capi.Packet

	sampleRate   uint64
	limitSamples uint64
	limitMillis  uint64
	pattern      string
	averaging    bool
	avgSamples   uint64

	// scratch is reused across emitted logic packets, so a view retained
	// past its callback observes the overwrite
	scratch []byte
}

func newDevice(i *instance) *Device {
	return &Device{
		inst: i,
		chans: []*channel{
			{index: 0, name: "D0", kind: data.ChannelLogic, enabled: true},
			{index: 1, name: "D1", kind: data.ChannelLogic, enabled: true},
			{index: 2, name: "A0", kind: data.ChannelAnalog, enabled: true},
		},
		sampleRate:   defaultSampleRate,
		limitSamples: defaultLimitSamples,
		pattern:      PatternSigrok,
		avgSamples:   1,
	}
}

// Inject queues a raw packet.  While the queue is non-empty, a session run
// replays it verbatim between the header and end packets instead of
// generating patterns.  The queue drains at the end of the run.
func (d *Device) Inject(pkt capi.Packet) {
	d.injected = append(d.injected, pkt)
}

func (d *Device) Vendor() string       { return "siglab" }
func (d *Device) Model() string        { return "Demo device" }
func (d *Device) Version() string      { return "1" }
func (d *Device) SerialNumber() string { return "demo-001" }
func (d *Device) ConnID() string       { return "demo" }

func (d *Device) Channels() []capi.Channel {
	out := make([]capi.Channel, 0, len(d.chans))
	for _, c := range d.chans {
		out = append(out, c)
	}
	return out
}

func (d *Device) ChannelGroups() []capi.ChannelGroup {
	return []capi.ChannelGroup{
		&channelGroup{name: groupLogic, chans: []capi.Channel{d.chans[0], d.chans[1]}},
		&channelGroup{name: groupAnalog, chans: []capi.Channel{d.chans[2]}},
	}
}

func (d *Device) Open() error {
	if d.open {
		return capi.ErrGeneric
	}
	d.open = true
	return nil
}

func (d *Device) Close() error {
	if !d.open {
		return capi.ErrDevClosed
	}
	d.open = false
	return nil
}

func (d *Device) ConfigGet(key config.Key, group string) (interface{}, error) {
	switch {
	case key == config.SampleRate && group == "":
		return d.sampleRate, nil
	case key == config.LimitSamples && group == "":
		return d.limitSamples, nil
	case key == config.LimitMillis && group == "":
		return d.limitMillis, nil
	case key == config.Averaging && group == "":
		return d.averaging, nil
	case key == config.AvgSamples && group == "":
		return d.avgSamples, nil
	case key == config.PatternMode && (group == "" || group == groupLogic):
		return d.pattern, nil
	default:
		return nil, capi.ErrNA
	}
}

func (d *Device) ConfigSet(key config.Key, group string, v interface{}) error {
	switch {
	case key == config.SampleRate && group == "":
		d.sampleRate = v.(uint64)
	case key == config.LimitSamples && group == "":
		d.limitSamples = v.(uint64)
	case key == config.LimitMillis && group == "":
		d.limitMillis = v.(uint64)
	case key == config.Averaging && group == "":
		d.averaging = v.(bool)
	case key == config.AvgSamples && group == "":
		d.avgSamples = v.(uint64)
	case key == config.PatternMode && (group == "" || group == groupLogic):
		d.pattern = v.(string)
	default:
		return capi.ErrNA
	}
	return nil
}

func (d *Device) ConfigList(group string) ([]config.Option, error) {
	patterns := config.List{Values: []interface{}{
		PatternSigrok, PatternIncremental, PatternRandom, PatternAllLow, PatternAllHigh,
	}}
	switch group {
	case "":
		return []config.Option{
			{Key: config.SampleRate, Caps: config.CapGet | config.CapSet | config.CapList,
				Constraint: config.SteppedRange{Min: 100, Max: 10_000_000, Step: 100}},
			{Key: config.LimitSamples, Caps: config.CapGet | config.CapSet,
				Constraint: config.Range{Min: 0, Max: 1 << 32}},
			{Key: config.LimitMillis, Caps: config.CapGet | config.CapSet},
			{Key: config.Averaging, Caps: config.CapGet | config.CapSet},
			{Key: config.AvgSamples, Caps: config.CapGet | config.CapSet},
			{Key: config.PatternMode, Caps: config.CapGet | config.CapSet | config.CapList,
				Constraint: patterns},
		}, nil
	case groupLogic:
		return []config.Option{
			{Key: config.PatternMode, Caps: config.CapGet | config.CapSet | config.CapList,
				Constraint: patterns},
		}, nil
	case groupAnalog:
		return []config.Option{}, nil
	default:
		return nil, capi.ErrChannelGroup
	}
}

type channel struct {
	index   int
	name    string
	kind    data.ChannelKind
	enabled bool
}

func (c *channel) Index() int             { return c.index }
func (c *channel) Name() string           { return c.name }
func (c *channel) Kind() data.ChannelKind { return c.kind }
func (c *channel) Enabled() bool          { return c.enabled }

func (c *channel) SetEnabled(on bool) error {
	c.enabled = on
	return nil
}

type channelGroup struct {
	name  string
	chans []capi.Channel
}

func (g *channelGroup) Name() string { return g.name }

func (g *channelGroup) Channels() []capi.Channel {
	out := make([]capi.Channel, len(g.chans))
	copy(out, g.chans)
	return out
}

// logicByte produces the pattern byte for absolute sample index n.
func (d *Device) logicByte(rng *rand.Rand, n uint64) byte {
	switch d.pattern {
	case PatternIncremental:
		return byte(n)
	case PatternRandom:
		return byte(rng.Intn(256))
	case PatternAllLow:
		return 0x00
	case PatternAllHigh:
		return 0xff
	default:
		return sigrokBars[n%uint64(len(sigrokBars))]
	}
}

// analogSample is the A0 waveform at absolute sample index n: one volt of
// sine at 1/128th of the sample rate.
func (d *Device) analogSample(n uint64) float32 {
	return float32(math.Sin(2 * math.Pi * float64(n) / 128))
}

// pace blocks long enough to hold the configured sample rate when the
// library was built WithRealtime.
func (d *Device) pace(lim *rate.Limiter, samples int) {
	if lim == nil {
		return
	}
	// burst is sized to a chunk at construction, so WaitN cannot fail
	_ = lim.WaitN(context.Background(), samples)
}

func (d *Device) newLimiter() *rate.Limiter {
	if !d.inst.drv.lib.realtime || d.sampleRate == 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(d.sampleRate), chunkSamples)
}

// runDeadline converts the millisecond limit to a wall-clock deadline,
// zero when unlimited.
func (d *Device) runDeadline(start time.Time) time.Time {
	if d.limitMillis == 0 {
		return time.Time{}
	}
	return start.Add(time.Duration(d.limitMillis) * time.Millisecond)
}
