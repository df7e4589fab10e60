package siglab

import (
	"fmt"
	"sync/atomic"

	"github.com/siglab/siglab/capi"
	"github.com/siglab/siglab/config"
	"github.com/siglab/siglab/data"
)

// Device is one discovered hardware unit.  Devices are owned by the
// DriverInstance whose scan produced them; attaching one to a Session
// records participation only and never transfers ownership.
type Device struct {
	inst *DriverInstance
	h    capi.Device

	// active is the running session this device participates in, nil
	// otherwise.  Maintained by Session start/stop; atomic because config
	// writers may check it from goroutines other than the loop's.
	active atomic.Pointer[Session]
}

// Vendor is the manufacturer string.
func (d *Device) Vendor() string { return d.h.Vendor() }

// Model is the model string.
func (d *Device) Model() string { return d.h.Model() }

// Version is the firmware or hardware revision, possibly empty.
func (d *Device) Version() string { return d.h.Version() }

// SerialNumber is the unit serial, possibly empty.
func (d *Device) SerialNumber() string { return d.h.SerialNumber() }

// ConnID identifies how the device is attached, possibly empty.
func (d *Device) ConnID() string { return d.h.ConnID() }

// Channels lists the device's channels as reported at scan time.
func (d *Device) Channels() []Channel {
	hs := d.h.Channels()
	out := make([]Channel, 0, len(hs))
	for _, h := range hs {
		out = append(out, Channel{dev: d, h: h})
	}
	return out
}

// ChannelGroups lists the device's channel groups as reported at scan
// time.  Groups aggregate channels without owning them and may overlap.
func (d *Device) ChannelGroups() []ChannelGroup {
	hs := d.h.ChannelGroups()
	out := make([]ChannelGroup, 0, len(hs))
	for _, h := range hs {
		out = append(out, ChannelGroup{dev: d, h: h})
	}
	return out
}

// ConfigGet reads the current value of a device-level option.
func (d *Device) ConfigGet(key config.Key) (interface{}, error) {
	return d.configGet(key, "")
}

// ConfigSet writes a device-level option.  It fails with ErrSessionActive
// while a session containing the device is running, ErrUnsupported if the
// device does not advertise the option as settable, and ErrInvalidValue if
// the value's kind or range mismatches the option's declaration.
func (d *Device) ConfigSet(key config.Key, v interface{}) error {
	return d.configSet(key, "", v)
}

// ConfigList enumerates the device-level options and their capabilities.
func (d *Device) ConfigList() ([]config.Option, error) {
	opts, err := d.h.ConfigList("")
	return opts, foreign("config list", err)
}

func (d *Device) configGet(key config.Key, group string) (interface{}, error) {
	v, err := d.h.ConfigGet(key, group)
	if err != nil {
		return nil, foreign(fmt.Sprintf("config get %s", key), err)
	}
	return v, nil
}

func (d *Device) configSet(key config.Key, group string, v interface{}) error {
	if ses := d.active.Load(); ses != nil && ses.Running() {
		return ErrSessionActive
	}
	opts, err := d.h.ConfigList(group)
	if err != nil {
		return foreign("config list", err)
	}
	opt, ok := config.Find(opts, key)
	if !ok || !opt.Caps.Has(config.CapSet) {
		return fmt.Errorf("%s: %w", key, ErrUnsupported)
	}
	if err := opt.Check(v); err != nil {
		return fmt.Errorf("%v: %w", err, ErrInvalidValue)
	}
	return foreign(fmt.Sprintf("config set %s", key), d.h.ConfigSet(key, group, v))
}

// Channel is one signal line on a device.
type Channel struct {
	dev *Device
	h   capi.Channel
}

// Index is the channel's position in the device's channel list.
func (c Channel) Index() int { return c.h.Index() }

// Name is the channel name, e.g. "D0" or "A0".
func (c Channel) Name() string { return c.h.Name() }

// Kind reports whether the channel is logic or analog.
func (c Channel) Kind() data.ChannelKind { return c.h.Kind() }

// Enabled reports whether the channel participates in acquisition.
func (c Channel) Enabled() bool { return c.h.Enabled() }

// Enable includes the channel in acquisition.  It fails with
// ErrSessionActive while a session containing the device is running.
func (c Channel) Enable() error { return c.setEnabled(true) }

// Disable excludes the channel from acquisition.  It fails with
// ErrSessionActive while a session containing the device is running.
func (c Channel) Disable() error { return c.setEnabled(false) }

func (c Channel) setEnabled(on bool) error {
	if ses := c.dev.active.Load(); ses != nil && ses.Running() {
		return ErrSessionActive
	}
	return foreign("channel enable", c.h.SetEnabled(on))
}

// ChannelGroup is a named aggregate of a device's channels.  Group-level
// options are configured through the same get/set/list trio as the device.
type ChannelGroup struct {
	dev *Device
	h   capi.ChannelGroup
}

// Name is the group name.
func (g ChannelGroup) Name() string { return g.h.Name() }

// Channels lists the member channels; every group has at least one.
func (g ChannelGroup) Channels() []Channel {
	hs := g.h.Channels()
	out := make([]Channel, 0, len(hs))
	for _, h := range hs {
		out = append(out, Channel{dev: g.dev, h: h})
	}
	return out
}

// ConfigGet reads the current value of a group-level option.
func (g ChannelGroup) ConfigGet(key config.Key) (interface{}, error) {
	return g.dev.configGet(key, g.Name())
}

// ConfigSet writes a group-level option, with the same failure modes as
// Device.ConfigSet.
func (g ChannelGroup) ConfigSet(key config.Key, v interface{}) error {
	return g.dev.configSet(key, g.Name(), v)
}

// ConfigList enumerates the group-level options and their capabilities.
func (g ChannelGroup) ConfigList() ([]config.Option, error) {
	opts, err := g.dev.h.ConfigList(g.Name())
	return opts, foreign("config list", err)
}
