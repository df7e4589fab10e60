package rawser

import (
	"bytes"
	"io"
	"sync"
	"testing"

	"github.com/siglab/siglab/capi"
	"github.com/siglab/siglab/config"
	"github.com/siglab/siglab/data"
)

// fakePort replays a canned byte stream.  Reads past the end return EOF,
// which the session treats as the capture ending.
type fakePort struct {
	mu     sync.Mutex
	rd     *bytes.Reader
	closed bool
}

func newFakePort(stream []byte) *fakePort {
	return &fakePort{rd: bytes.NewReader(stream)}
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.EOF
	}
	return p.rd.Read(b)
}

func (p *fakePort) Write(b []byte) (int, error) { return len(b), nil }

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// fakeLib builds a rawser backend whose opener replays stream.
func fakeLib(stream []byte) *Library {
	lib := New()
	lib.Opener = func(conn string, baud int) (io.ReadWriteCloser, error) {
		return newFakePort(stream), nil
	}
	return lib
}

func scanOne(t *testing.T, lib *Library) (capi.Instance, *Device) {
	t.Helper()
	drv := lib.Drivers()[0]
	inst, err := drv.Init()
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	devs, err := inst.Scan([]capi.ScanOption{capi.ConnOption("/dev/fake0")})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(devs) != 1 {
		t.Fatalf("expected one device, got %d", len(devs))
	}
	return inst, devs[0].(*Device)
}

func runCapture(t *testing.T, lib *Library, d *Device) []capi.Packet {
	t.Helper()
	ses, err := lib.NewSession()
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if err := ses.AddDevice(d); err != nil {
		t.Fatalf("add: %v", err)
	}
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

func TestScanFindsDeviceWhenPortOpens(t *testing.T) {
	lib := fakeLib(nil)
	_, d := scanOne(t, lib)
	if d.ConnID() != "/dev/fake0" {
		t.Errorf("expected the conn id to carry through, got %s", d.ConnID())
	}
	if len(d.Channels()) != 8 {
		t.Errorf("expected 8 logic channels, got %d", len(d.Channels()))
	}
	for _, c := range d.Channels() {
		if c.Kind() != data.ChannelLogic {
			t.Errorf("channel %s is not logic", c.Name())
		}
	}
}

func TestScanWithoutConnFindsNothing(t *testing.T) {
	lib := fakeLib(nil)
	drv := lib.Drivers()[0]
	inst, err := drv.Init()
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	devs, err := inst.Scan(nil)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(devs) != 0 {
		t.Errorf("expected no devices without a conn option, got %d", len(devs))
	}
}

func TestScanFailingPortFindsNothing(t *testing.T) {
	lib := New()
	lib.Opener = func(conn string, baud int) (io.ReadWriteCloser, error) {
		return nil, io.ErrClosedPipe
	}
	drv := lib.Drivers()[0]
	inst, _ := drv.Init()
	devs, err := inst.Scan([]capi.ScanOption{capi.ConnOption("/dev/fake0")})
	if err != nil {
		t.Fatalf("an unreachable port is an empty scan, not an error: %v", err)
	}
	if len(devs) != 0 {
		t.Errorf("expected no devices, got %d", len(devs))
	}
}

func TestCaptureDeliversTelegramPayloads(t *testing.T) {
	f1, _ := frameMessage([]byte{0x11, 0x22, 0x33})
	f2, _ := frameMessage([]byte{0x44})
	stream := append(append([]byte{0x99, 0x00}, f1...), f2...)
	lib := fakeLib(stream)
	_, d := scanOne(t, lib)
	if err := d.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	pkts := runCapture(t, lib, d)
	if pkts[0].Type != capi.PacketHeader {
		t.Errorf("expected a header first, got %v", pkts[0].Type)
	}
	if pkts[len(pkts)-1].Type != capi.PacketEnd {
		t.Errorf("expected end last, got %v", pkts[len(pkts)-1].Type)
	}
	var logic []capi.Packet
	for _, p := range pkts {
		if p.Type == capi.PacketLogic {
			logic = append(logic, p)
		}
	}
	if len(logic) != 2 {
		t.Fatalf("expected 2 logic packets, got %d", len(logic))
	}
	if !bytes.Equal(logic[0].Data, []byte{0x11, 0x22, 0x33}) {
		t.Errorf("first payload: got % x", logic[0].Data)
	}
	if !bytes.Equal(logic[1].Data, []byte{0x44}) {
		t.Errorf("second payload: got % x", logic[1].Data)
	}
	if logic[0].UnitSize != 1 {
		t.Errorf("expected unit size 1, got %d", logic[0].UnitSize)
	}
}

func TestCorruptTelegramCountedAndSkipped(t *testing.T) {
	bad, _ := frameMessage([]byte{1, 2, 3})
	bad[3] ^= 0x01
	good, _ := frameMessage([]byte{0xaa})
	lib := fakeLib(append(bad, good...))
	_, d := scanOne(t, lib)
	if err := d.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	pkts := runCapture(t, lib, d)
	var logic [][]byte
	for _, p := range pkts {
		if p.Type == capi.PacketLogic {
			logic = append(logic, p.Data)
		}
	}
	if len(logic) != 1 || !bytes.Equal(logic[0], []byte{0xaa}) {
		t.Errorf("expected only the good payload, got %v", logic)
	}
	if d.BadFrames() != 1 {
		t.Errorf("expected 1 bad frame counted, got %d", d.BadFrames())
	}
}

func TestSampleLimitTruncates(t *testing.T) {
	f1, _ := frameMessage([]byte{1, 2, 3})
	f2, _ := frameMessage([]byte{4, 5, 6})
	lib := fakeLib(append(f1, f2...))
	_, d := scanOne(t, lib)
	if err := d.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := d.ConfigSet(config.LimitSamples, "", uint64(4)); err != nil {
		t.Fatalf("config: %v", err)
	}
	pkts := runCapture(t, lib, d)
	total := 0
	for _, p := range pkts {
		if p.Type == capi.PacketLogic {
			total += len(p.Data)
		}
	}
	if total != 4 {
		t.Errorf("expected exactly 4 samples, got %d", total)
	}
}

func TestStopEndsRun(t *testing.T) {
	// an endless supply of valid telegrams; only Stop can end this run
	frame, _ := frameMessage([]byte{0x55})
	stream := bytes.Repeat(frame, 10000)
	lib := fakeLib(stream)
	_, d := scanOne(t, lib)
	if err := d.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	ses, err := lib.NewSession()
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if err := ses.AddDevice(d); err != nil {
		t.Fatalf("add: %v", err)
	}
	packets := 0
	sawEnd := false
	ses.SetFeed(func(_ capi.Device, pkt *capi.Packet) {
		packets++
		if pkt.Type == capi.PacketEnd {
			sawEnd = true
		}
		if packets == 5 {
			if err := ses.Stop(); err != nil {
				t.Errorf("stop: %v", err)
			}
		}
	})
	if err := ses.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := ses.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !sawEnd {
		t.Error("expected an end packet after stop")
	}
	if packets > 10 {
		t.Errorf("expected the run to end promptly after stop, saw %d packets", packets)
	}
}

func TestParseVidPid(t *testing.T) {
	vid, pid, ok := parseVidPid("1d6b.0002")
	if !ok || vid != 0x1d6b || pid != 0x0002 {
		t.Errorf("expected 1d6b/0002, got %04x/%04x ok=%v", vid, pid, ok)
	}
	if _, _, ok := parseVidPid("/dev/ttyUSB0"); ok {
		t.Error("a device path must not parse as vid.pid")
	}
	if _, _, ok := parseVidPid("xyz.abc"); ok {
		t.Error("non-hex ids must not parse")
	}
}

func TestParseSerialComm(t *testing.T) {
	baud, err := parseSerialComm("9600/8n1")
	if err != nil || baud != 9600 {
		t.Errorf("expected 9600, got %d (%v)", baud, err)
	}
	baud, err = parseSerialComm("")
	if err != nil || baud != defaultBaud {
		t.Errorf("expected the default baud, got %d (%v)", baud, err)
	}
	if _, err := parseSerialComm("fast/8n1"); err == nil {
		t.Error("expected an error for a non-numeric baud")
	}
}

func TestConfigSurface(t *testing.T) {
	lib := fakeLib(nil)
	_, d := scanOne(t, lib)
	opts, err := d.ConfigList("")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if _, ok := config.Find(opts, config.LimitSamples); !ok {
		t.Error("limit_samples missing from the option list")
	}
	conn, ok := config.Find(opts, config.Conn)
	if !ok {
		t.Fatal("conn missing from the option list")
	}
	if conn.Caps.Has(config.CapSet) {
		t.Error("conn must be read only")
	}
	if _, err := d.ConfigList("NoSuchGroup"); err != capi.ErrChannelGroup {
		t.Errorf("expected ErrChannelGroup, got %v", err)
	}
	if err := d.ConfigSet(config.SampleRate, "", uint64(1)); err != capi.ErrNA {
		t.Errorf("expected ErrNA for samplerate, got %v", err)
	}
}
