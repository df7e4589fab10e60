package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/siglab/siglab"
	"github.com/siglab/siglab/data"
	"github.com/siglab/siglab/demo"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server, func()) {
	t.Helper()
	ctx, err := siglab.New(demo.New())
	if err != nil {
		t.Fatalf("context: %v", err)
	}
	srv := NewServer(ctx)
	ts := httptest.NewServer(srv.Routes())
	cleanup := func() {
		ts.Close()
		srv.mu.Lock()
		if srv.session != nil {
			_ = srv.session.Destroy()
			srv.session = nil
		}
		for name, inst := range srv.instances {
			_ = inst.Close()
			delete(srv.instances, name)
		}
		srv.mu.Unlock()
		if err := ctx.Close(); err != nil {
			t.Errorf("context close: %v", err)
		}
	}
	return srv, ts, cleanup
}

func mustPost(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	var rd *bytes.Buffer
	if body == "" {
		rd = bytes.NewBuffer(nil)
	} else {
		rd = bytes.NewBufferString(body)
	}
	resp, err := http.Post(url, "application/json", rd)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func TestListDrivers(t *testing.T) {
	_, ts, cleanup := newTestServer(t)
	defer cleanup()
	resp, err := http.Get(ts.URL + "/drivers")
	if err != nil {
		t.Fatalf("GET /drivers: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var infos []driverInfo
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(infos) != 1 || infos[0].Name != "demo" {
		t.Errorf("expected the demo driver, got %v", infos)
	}
}

func TestInitScanConfigRoundTrip(t *testing.T) {
	_, ts, cleanup := newTestServer(t)
	defer cleanup()

	resp := mustPost(t, ts.URL+"/drivers/demo/init", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("init: expected 200, got %d", resp.StatusCode)
	}

	resp = mustPost(t, ts.URL+"/drivers/demo/scan", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("scan: expected 200, got %d", resp.StatusCode)
	}
	var devs []deviceInfo
	if err := json.NewDecoder(resp.Body).Decode(&devs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(devs) != 1 {
		t.Fatalf("expected one device, got %d", len(devs))
	}
	if len(devs[0].Channels) != 3 {
		t.Errorf("expected three channels, got %d", len(devs[0].Channels))
	}

	resp = mustPost(t, ts.URL+"/devices/0/config/limit_samples", `{"value": 16}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("config set: expected 200, got %d", resp.StatusCode)
	}

	resp2, err := http.Get(ts.URL + "/devices/0/config/limit_samples")
	if err != nil {
		t.Fatalf("config get: %v", err)
	}
	defer resp2.Body.Close()
	var got struct {
		Key   string  `json:"key"`
		Value float64 `json:"value"`
	}
	if err := json.NewDecoder(resp2.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Value != 16 {
		t.Errorf("expected limit_samples 16, got %v", got.Value)
	}
}

func TestConfigSetRejectsOutOfRange(t *testing.T) {
	_, ts, cleanup := newTestServer(t)
	defer cleanup()
	mustPost(t, ts.URL+"/drivers/demo/init", "").Body.Close()
	mustPost(t, ts.URL+"/drivers/demo/scan", "").Body.Close()

	// 333 is not on the demo device's 100-step samplerate grid
	resp := mustPost(t, ts.URL+"/devices/0/config/samplerate", `{"value": 333}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for off-grid samplerate, got %d", resp.StatusCode)
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	_, ts, cleanup := newTestServer(t)
	defer cleanup()
	mustPost(t, ts.URL+"/drivers/demo/init", "").Body.Close()
	mustPost(t, ts.URL+"/drivers/demo/scan", "").Body.Close()
	mustPost(t, ts.URL+"/devices/0/config/limit_samples", `{"value": 32}`).Body.Close()

	resp := mustPost(t, ts.URL+"/session/start", `{"devices":[0]}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start: expected 200, got %d", resp.StatusCode)
	}

	resp = mustPost(t, ts.URL+"/session/stop", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop: expected 200, got %d", resp.StatusCode)
	}

	resp2, err := http.Get(ts.URL + "/session/status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	defer resp2.Body.Close()
	var st map[string]interface{}
	if err := json.NewDecoder(resp2.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st["running"] != false {
		t.Errorf("expected the session to be stopped, got %v", st["running"])
	}
}

func TestStopDuringUnboundedRun(t *testing.T) {
	_, ts, cleanup := newTestServer(t)
	defer cleanup()
	mustPost(t, ts.URL+"/drivers/demo/init", "").Body.Close()
	mustPost(t, ts.URL+"/drivers/demo/scan", "").Body.Close()
	// no sample limit: only stop can end this run
	mustPost(t, ts.URL+"/devices/0/config/limit_samples", `{"value": 0}`).Body.Close()

	resp := mustPost(t, ts.URL+"/session/start", `{"devices":[0]}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start: expected 200, got %d", resp.StatusCode)
	}

	// status requests overlap the goroutine pumping the event loop
	polled := make(chan struct{})
	go func() {
		defer close(polled)
		for i := 0; i < 25; i++ {
			r, err := http.Get(ts.URL + "/session/status")
			if err != nil {
				t.Errorf("status during run: %v", err)
				return
			}
			r.Body.Close()
		}
	}()

	resp = mustPost(t, ts.URL+"/session/stop", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop: expected 200, got %d", resp.StatusCode)
	}
	<-polled

	resp2, err := http.Get(ts.URL + "/session/status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	defer resp2.Body.Close()
	var st map[string]interface{}
	if err := json.NewDecoder(resp2.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st["running"] != false {
		t.Errorf("expected the session to be stopped, got %v", st["running"])
	}
}

func TestUnboundedWaveformDoesNotBlockServer(t *testing.T) {
	srv, ts, cleanup := newTestServer(t)
	defer cleanup()
	mustPost(t, ts.URL+"/drivers/demo/init", "").Body.Close()
	mustPost(t, ts.URL+"/drivers/demo/scan", "").Body.Close()
	mustPost(t, ts.URL+"/devices/0/config/limit_samples", `{"value": 0}`).Body.Close()

	// keep the unbounded run from accumulating samples in the handler
	srv.mu.Lock()
	dev := srv.devices[0]
	srv.mu.Unlock()
	for _, c := range dev.Channels() {
		if c.Kind() == data.ChannelAnalog {
			if err := c.Disable(); err != nil {
				t.Fatalf("disable: %v", err)
			}
		}
	}

	rctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(rctx, http.MethodGet, ts.URL+"/devices/0/waveform.csv", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	captureDone := make(chan struct{})
	go func() {
		defer close(captureDone)
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			resp.Body.Close()
		}
	}()

	// other endpoints must answer while the capture runs
	time.Sleep(20 * time.Millisecond)
	resp, err := http.Get(ts.URL + "/devices")
	if err != nil {
		t.Fatalf("device list during capture: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 during the capture, got %d", resp.StatusCode)
	}

	// disconnecting the client ends the capture
	cancel()
	select {
	case <-captureDone:
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect did not end the capture")
	}

	// the capture slot frees once the handler unwinds
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp := mustPost(t, ts.URL+"/session/start", `{"devices":[0]}`)
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("the capture slot never freed after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
	mustPost(t, ts.URL+"/session/stop", "").Body.Close()
}

func TestWaveformCSV(t *testing.T) {
	_, ts, cleanup := newTestServer(t)
	defer cleanup()
	mustPost(t, ts.URL+"/drivers/demo/init", "").Body.Close()
	mustPost(t, ts.URL+"/drivers/demo/scan", "").Body.Close()
	mustPost(t, ts.URL+"/devices/0/config/limit_samples", `{"value": 8}`).Body.Close()

	resp, err := http.Get(ts.URL + "/devices/0/waveform.csv")
	if err != nil {
		t.Fatalf("GET waveform: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var sb strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		sb.Write(buf[:n])
		if err != nil {
			break
		}
	}
	lines := strings.Split(strings.TrimSpace(sb.String()), "\n")
	if lines[0] != "index,value" {
		t.Fatalf("expected CSV header, got %q", lines[0])
	}
	// 8 samples limit, one row each
	if len(lines) != 9 {
		t.Errorf("expected 9 lines, got %d", len(lines))
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts, cleanup := newTestServer(t)
	defer cleanup()
	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}
