package demo

import (
	"bytes"
	"testing"

	"github.com/siglab/siglab/capi"
	"github.com/siglab/siglab/config"
	"github.com/siglab/siglab/data"
)

// openDevice initializes the driver, scans, and opens the single device.
func openDevice(t *testing.T, lib *Library) (capi.Session, *Device) {
	t.Helper()
	drv := lib.Drivers()[0]
	inst, err := drv.Init()
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	devs, err := inst.Scan(nil)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(devs) != 1 {
		t.Fatalf("expected one device, got %d", len(devs))
	}
	d := devs[0].(*Device)
	if err := d.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	ses, err := lib.NewSession()
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if err := ses.AddDevice(d); err != nil {
		t.Fatalf("add device: %v", err)
	}
	return ses, d
}

// capture runs the session to completion and returns the packets in feed
// order, with sample buffers copied out.
func capture(t *testing.T, ses capi.Session) []capi.Packet {
	t.Helper()
	var out []capi.Packet
	ses.SetFeed(func(_ capi.Device, pkt *capi.Packet) {
		cp := *pkt
		cp.Data = append([]byte(nil), pkt.Data...)
		out = append(out, cp)
	})
	if err := ses.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := ses.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	return out
}

func packetsOfType(pkts []capi.Packet, tp capi.PacketType) []capi.Packet {
	var out []capi.Packet
	for _, p := range pkts {
		if p.Type == tp {
			out = append(out, p)
		}
	}
	return out
}

func TestFeedEnvelope(t *testing.T) {
	ses, _ := openDevice(t, New())
	pkts := capture(t, ses)
	if len(pkts) < 4 {
		t.Fatalf("expected a full feed, got %d packets", len(pkts))
	}
	if pkts[0].Type != capi.PacketHeader {
		t.Errorf("expected a header first, got %v", pkts[0].Type)
	}
	if pkts[1].Type != capi.PacketFrameBegin {
		t.Errorf("expected frame begin second, got %v", pkts[1].Type)
	}
	if pkts[len(pkts)-2].Type != capi.PacketFrameEnd {
		t.Errorf("expected frame end before last, got %v", pkts[len(pkts)-2].Type)
	}
	if pkts[len(pkts)-1].Type != capi.PacketEnd {
		t.Errorf("expected end last, got %v", pkts[len(pkts)-1].Type)
	}
}

func TestSampleLimitHonored(t *testing.T) {
	ses, d := openDevice(t, New())
	if err := d.ConfigSet(config.LimitSamples, "", uint64(100)); err != nil {
		t.Fatalf("config: %v", err)
	}
	pkts := capture(t, ses)
	total := 0
	for _, p := range packetsOfType(pkts, capi.PacketLogic) {
		if p.UnitSize != 1 {
			t.Errorf("expected unit size 1, got %d", p.UnitSize)
		}
		total += len(p.Data)
	}
	if total != 100 {
		t.Errorf("expected exactly 100 logic samples, got %d", total)
	}
}

func TestPatternBytes(t *testing.T) {
	cases := []struct {
		pattern string
		check   func(i int, b byte) bool
	}{
		{PatternAllLow, func(i int, b byte) bool { return b == 0x00 }},
		{PatternAllHigh, func(i int, b byte) bool { return b == 0xff }},
		{PatternIncremental, func(i int, b byte) bool { return b == byte(i) }},
		{PatternSigrok, func(i int, b byte) bool { return b == sigrokBars[i%len(sigrokBars)] }},
	}
	for _, tc := range cases {
		t.Run(tc.pattern, func(t *testing.T) {
			ses, d := openDevice(t, New())
			if err := d.ConfigSet(config.PatternMode, "", tc.pattern); err != nil {
				t.Fatalf("config: %v", err)
			}
			pkts := capture(t, ses)
			i := 0
			for _, p := range packetsOfType(pkts, capi.PacketLogic) {
				for _, b := range p.Data {
					if !tc.check(i, b) {
						t.Fatalf("sample %d: unexpected byte %#02x", i, b)
					}
					i++
				}
			}
			if i == 0 {
				t.Fatal("no logic samples emitted")
			}
		})
	}
}

func TestRandomPatternReproducible(t *testing.T) {
	run := func() []byte {
		ses, d := openDevice(t, New())
		if err := d.ConfigSet(config.PatternMode, "", PatternRandom); err != nil {
			t.Fatalf("config: %v", err)
		}
		var buf []byte
		for _, p := range packetsOfType(capture(t, ses), capi.PacketLogic) {
			buf = append(buf, p.Data...)
		}
		return buf
	}
	a, b := run(), run()
	if !bytes.Equal(a, b) {
		t.Error("expected identical streams from the fixed seed")
	}
}

func TestAnalogPacketShape(t *testing.T) {
	ses, _ := openDevice(t, New())
	pkts := capture(t, ses)
	analog := packetsOfType(pkts, capi.PacketAnalog)
	if len(analog) == 0 {
		t.Fatal("no analog packets emitted")
	}
	for _, p := range analog {
		if p.Encoding.UnitSize != 4 || !p.Encoding.Float {
			t.Errorf("expected float32 encoding, got %+v", p.Encoding)
		}
		if len(p.Data) != p.NumSamples*4 {
			t.Errorf("length %d disagrees with %d samples", len(p.Data), p.NumSamples)
		}
		vs, err := data.DecodePhysical(p.Encoding, p.Data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		for i, v := range vs {
			if v < -1.0001 || v > 1.0001 {
				t.Fatalf("sample %d outside the unit sine: %v", i, v)
			}
		}
	}
}

func TestDisabledChannelsSuppressPackets(t *testing.T) {
	ses, d := openDevice(t, New())
	chans := d.Channels()
	for _, c := range chans {
		if c.Kind() == data.ChannelAnalog {
			if err := c.SetEnabled(false); err != nil {
				t.Fatalf("disable: %v", err)
			}
		}
	}
	pkts := capture(t, ses)
	if n := len(packetsOfType(pkts, capi.PacketAnalog)); n != 0 {
		t.Errorf("expected no analog packets with A0 disabled, got %d", n)
	}
	if n := len(packetsOfType(pkts, capi.PacketLogic)); n == 0 {
		t.Error("expected logic packets to continue")
	}
}

func TestInjectReplayedVerbatim(t *testing.T) {
	ses, d := openDevice(t, New())
	d.Inject(capi.Packet{Type: capi.PacketLogic, UnitSize: 1, Data: []byte{9, 8, 7}})
	d.Inject(capi.Packet{Type: capi.PacketTrigger})
	pkts := capture(t, ses)
	logic := packetsOfType(pkts, capi.PacketLogic)
	if len(logic) != 1 || !bytes.Equal(logic[0].Data, []byte{9, 8, 7}) {
		t.Errorf("injected packet not replayed verbatim: %v", logic)
	}
	if len(packetsOfType(pkts, capi.PacketTrigger)) != 1 {
		t.Error("injected trigger packet lost")
	}
	// the queue drains at the end of a run
	if len(d.injected) != 0 {
		t.Error("expected the inject queue drained after the run")
	}
}

func TestConfigErrors(t *testing.T) {
	_, d := openDevice(t, New())
	if _, err := d.ConfigGet(config.SampleRate, "NoSuchGroup"); err != capi.ErrChannelGroup {
		t.Errorf("expected ErrChannelGroup, got %v", err)
	}
	if _, err := d.ConfigGet(config.ModbusAddr, ""); err != capi.ErrNA {
		t.Errorf("expected ErrNA for an unsupported key, got %v", err)
	}
	if err := d.ConfigSet(config.Conn, "", "x"); err != capi.ErrNA {
		t.Errorf("expected ErrNA for an unsettable key, got %v", err)
	}
	if _, err := d.ConfigList("NoSuchGroup"); err != capi.ErrChannelGroup {
		t.Errorf("expected ErrChannelGroup from list, got %v", err)
	}
}

func TestDriverSingleInit(t *testing.T) {
	lib := New()
	drv := lib.Drivers()[0]
	inst, err := drv.Init()
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := drv.Init(); err != capi.ErrGeneric {
		t.Errorf("expected ErrGeneric on double init, got %v", err)
	}
	if err := inst.Cleanup(); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := drv.Init(); err != nil {
		t.Errorf("init after cleanup: %v", err)
	}
}

func TestStartRequiresOpenDevice(t *testing.T) {
	lib := New()
	drv := lib.Drivers()[0]
	inst, _ := drv.Init()
	devs, _ := inst.Scan(nil)
	ses, _ := lib.NewSession()
	if err := ses.AddDevice(devs[0]); err != nil {
		t.Fatalf("add: %v", err)
	}
	ses.SetFeed(func(capi.Device, *capi.Packet) {})
	if err := ses.Start(); err != capi.ErrDevClosed {
		t.Errorf("expected ErrDevClosed, got %v", err)
	}
}
