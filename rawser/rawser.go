/*Package rawser is an acquisition backend for raw byte-stream capture
hardware: instruments that push CRC-framed telegrams of logic samples over
a serial port or a USB bulk endpoint.

The driver, "rawser", scans with the conn option naming either a serial
device path ("/dev/ttyUSB0") or a USB vid.pid pair ("1d6b.0001"); the
serialcomm option carries the serial configuration ("115200/8n1").  Every
telegram payload byte is one logic sample across eight channels, D0
through D7, delivered to the datafeed as logic packets of unit size 1.

Telegrams failing their checksum are dropped at the port with a counter;
they never reach the datafeed.
*/
package rawser

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"

	"github.com/siglab/siglab/capi"
	"github.com/siglab/siglab/config"
	"github.com/siglab/siglab/data"
)

const defaultBaud = 115200

// PortOpener opens the byte stream behind a conn string.  Tests install
// an in-memory opener; the default dials serial ports and USB bulk
// endpoints.
type PortOpener func(conn string, baud int) (io.ReadWriteCloser, error)

// Library is the rawser backend root.
type Library struct {
	driver *driver

	// Opener may be replaced before scanning to substitute transports
	Opener PortOpener
}

// New creates a rawser backend with the default port opener.
func New() *Library {
	l := &Library{Opener: openPort}
	l.driver = &driver{lib: l}
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

// openPort opens conn as a USB bulk stream when it parses as vid.pid,
// otherwise as a serial port.  Serial opens retry with exponential
// backoff; adapters with slow enumeration do not like being thrashed.
func openPort(conn string, baud int) (io.ReadWriteCloser, error) {
	if vid, pid, ok := parseVidPid(conn); ok {
		return openUSB(vid, pid)
	}
	conf := &serial.Config{Name: conn, Baud: baud, ReadTimeout: time.Second}
	var port *serial.Port
	op := func() error {
		var err error
		port, err = serial.OpenPort(conf)
		return err
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err != nil {
		return nil, fmt.Errorf("opening serial port %s: %w", conn, err)
	}
	return port, nil
}

// parseVidPid splits "1d6b.0001" into its USB id pair.
func parseVidPid(s string) (vid, pid uint16, ok bool) {
	parts := strings.Split(s, ".")
	if len(parts) != 2 {
		return 0, 0, false
	}
	v, err := strconv.ParseUint(parts[0], 16, 16)
	if err != nil {
		return 0, 0, false
	}
	p, err := strconv.ParseUint(parts[1], 16, 16)
	if err != nil {
		return 0, 0, false
	}
	return uint16(v), uint16(p), true
}

// parseSerialComm extracts the baud rate from a "115200/8n1" style
// serialcomm string.  Only the baud field is honored; the framing suffix
// is accepted for compatibility and ignored (the transport is 8n1).
func parseSerialComm(s string) (int, error) {
	if s == "" {
		return defaultBaud, nil
	}
	fields := strings.SplitN(s, "/", 2)
	baud, err := strconv.Atoi(fields[0])
	if err != nil || baud <= 0 {
		return 0, fmt.Errorf("bad serialcomm %q", s)
	}
	return baud, nil
}

type driver struct {
	lib    *Library
	inst   *instance
	active bool
}

func (d *driver) Name() string     { return "rawser" }
func (d *driver) LongName() string { return "Raw serial byte-stream capture" }
func (d *driver) APIVersion() int  { return 1 }

func (d *driver) Functions() []data.Function {
	return []data.Function{data.LogicAnalyzer}
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

// Scan probes the port named by the conn option.  A missing or
// unreachable port means no devices were found, which is an empty list,
// not an error.  Each scan replaces the previous list.
func (i *instance) Scan(opts []capi.ScanOption) ([]capi.Device, error) {
	conn := ""
	serialcomm := ""
	for _, o := range opts {
		switch o.Key {
		case config.Conn:
			s, ok := o.Value.(string)
			if !ok {
				return nil, capi.ErrArg
			}
			conn = s
		case config.SerialComm:
			s, ok := o.Value.(string)
			if !ok {
				return nil, capi.ErrArg
			}
			serialcomm = s
		default:
			return nil, capi.ErrArg
		}
	}
	i.devices = nil
	if conn == "" {
		return nil, nil
	}
	baud, err := parseSerialComm(serialcomm)
	if err != nil {
		return nil, capi.ErrArg
	}
	// probe: the device is present if the port opens
	port, err := i.drv.lib.Opener(conn, baud)
	if err != nil {
		return nil, nil
	}
	_ = port.Close()
	i.devices = []capi.Device{newDevice(i, conn, baud)}
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

// Device is one raw capture port.
type Device struct {
	inst  *instance
	conn  string
	baud  int
	chans []*channel
	port  io.ReadWriteCloser

	limitSamples uint64
	limitMillis  uint64

	// badFrames counts telegrams dropped at the port for checksum
	// failures
	badFrames uint64
}

func newDevice(i *instance, conn string, baud int) *Device {
	d := &Device{inst: i, conn: conn, baud: baud}
	for n := 0; n < 8; n++ {
		d.chans = append(d.chans, &channel{index: n, name: fmt.Sprintf("D%d", n), enabled: true})
	}
	return d
}

// BadFrames reports how many telegrams were dropped for checksum failures
// since the device was opened.
func (d *Device) BadFrames() uint64 { return d.badFrames }

func (d *Device) Vendor() string       { return "siglab" }
func (d *Device) Model() string        { return "Raw serial capture" }
func (d *Device) Version() string      { return "" }
func (d *Device) SerialNumber() string { return "" }
func (d *Device) ConnID() string       { return d.conn }

func (d *Device) Channels() []capi.Channel {
	out := make([]capi.Channel, 0, len(d.chans))
	for _, c := range d.chans {
		out = append(out, c)
	}
	return out
}

func (d *Device) ChannelGroups() []capi.ChannelGroup {
	chans := make([]capi.Channel, 0, len(d.chans))
	for _, c := range d.chans {
		chans = append(chans, c)
	}
	return []capi.ChannelGroup{&channelGroup{name: "D", chans: chans}}
}

func (d *Device) Open() error {
	if d.port != nil {
		return capi.ErrGeneric
	}
	port, err := d.inst.drv.lib.Opener(d.conn, d.baud)
	if err != nil {
		return capi.ErrIO
	}
	d.port = port
	d.badFrames = 0
	return nil
}

func (d *Device) Close() error {
	if d.port == nil {
		return capi.ErrDevClosed
	}
	err := d.port.Close()
	d.port = nil
	if err != nil {
		return capi.ErrIO
	}
	return nil
}

func (d *Device) ConfigGet(key config.Key, group string) (interface{}, error) {
	if group != "" {
		return nil, capi.ErrChannelGroup
	}
	switch key {
	case config.LimitSamples:
		return d.limitSamples, nil
	case config.LimitMillis:
		return d.limitMillis, nil
	case config.Conn:
		return d.conn, nil
	case config.SerialComm:
		return fmt.Sprintf("%d/8n1", d.baud), nil
	default:
		return nil, capi.ErrNA
	}
}

func (d *Device) ConfigSet(key config.Key, group string, v interface{}) error {
	if group != "" {
		return capi.ErrChannelGroup
	}
	switch key {
	case config.LimitSamples:
		d.limitSamples = v.(uint64)
	case config.LimitMillis:
		d.limitMillis = v.(uint64)
	default:
		return capi.ErrNA
	}
	return nil
}

func (d *Device) ConfigList(group string) ([]config.Option, error) {
	if group != "" && group != "D" {
		return nil, capi.ErrChannelGroup
	}
	if group == "D" {
		return []config.Option{}, nil
	}
	return []config.Option{
		{Key: config.LimitSamples, Caps: config.CapGet | config.CapSet},
		{Key: config.LimitMillis, Caps: config.CapGet | config.CapSet},
		{Key: config.Conn, Caps: config.CapGet},
		{Key: config.SerialComm, Caps: config.CapGet},
	}, nil
}

type channel struct {
	index   int
	name    string
	enabled bool
}

func (c *channel) Index() int             { return c.index }
func (c *channel) Name() string           { return c.name }
func (c *channel) Kind() data.ChannelKind { return data.ChannelLogic }
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
