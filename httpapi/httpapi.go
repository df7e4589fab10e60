/*Package httpapi exposes an acquisition context over HTTP.

One Server wraps one Context.  Drivers are initialized and scanned with
POSTs, device options are read and written as JSON, and at most one
session runs at a time.  A running session's datafeed is available as
newline-delimited JSON on /session/stream, and Prometheus counters for
the feed are served on /metrics.
*/
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/siglab/siglab"
	"github.com/siglab/siglab/capi"
	"github.com/siglab/siglab/config"
	"github.com/siglab/siglab/data"
)

// Server is the HTTP face of one acquisition context.
type Server struct {
	ctx *siglab.Context

	// mu guards the instance, device, and session state below
	mu        sync.Mutex
	instances map[string]*siglab.DriverInstance
	devices   []*siglab.Device
	session   *siglab.Session
	runDone   chan struct{}
	capturing bool

	reg       *prometheus.Registry
	packets   *prometheus.CounterVec
	bytes     prometheus.Counter
	malformed prometheus.Counter

	hub *streamHub
}

// NewServer wraps a context.  The context's lifecycle stays with the
// caller; the server never closes it.
func NewServer(ctx *siglab.Context) *Server {
	s := &Server{
		ctx:       ctx,
		instances: make(map[string]*siglab.DriverInstance),
		reg:       prometheus.NewRegistry(),
		hub:       newStreamHub(),
	}
	s.packets = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "siglab_datafeed_packets_total",
		Help: "Datafeed packets delivered to callbacks, by packet type.",
	}, []string{"type"})
	s.bytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "siglab_datafeed_sample_bytes_total",
		Help: "Raw sample bytes carried by logic and analog packets.",
	})
	s.malformed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "siglab_datafeed_malformed_total",
		Help: "Datafeed packets dropped for failing validation.",
	})
	s.reg.MustRegister(s.packets, s.bytes, s.malformed)
	return s
}

// Routes builds the route tree.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/drivers", s.ListDrivers)
	r.Post("/drivers/{driver}/init", s.InitDriver)
	r.Post("/drivers/{driver}/scan", s.Scan)
	r.Get("/devices", s.ListDevices)
	r.Get("/devices/{idx}/config/{key}", s.ConfigGet)
	r.Post("/devices/{idx}/config/{key}", s.ConfigSet)
	r.Get("/devices/{idx}/waveform.csv", s.WaveformCSV)
	r.Post("/session/start", s.StartSession)
	r.Post("/session/stop", s.StopSession)
	r.Get("/session/status", s.SessionStatus)
	r.Get("/session/stream", s.Stream)
	r.Get("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}).ServeHTTP)
	return r
}

type driverInfo struct {
	Name       string   `json:"name"`
	LongName   string   `json:"long_name"`
	APIVersion int      `json:"api_version"`
	Functions  []string `json:"functions"`
	Active     bool     `json:"active"`
}

// ListDrivers reports the driver registry.
func (s *Server) ListDrivers(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []driverInfo{}
	for _, d := range s.ctx.Drivers() {
		fns := []string{}
		for _, f := range d.Functions() {
			fns = append(fns, f.String())
		}
		_, active := s.instances[d.Name()]
		out = append(out, driverInfo{
			Name:       d.Name(),
			LongName:   d.LongName(),
			APIVersion: d.APIVersion(),
			Functions:  fns,
			Active:     active,
		})
	}
	respondJSON(w, out)
}

// InitDriver activates the named driver.
func (s *Server) InitDriver(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "driver")
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.ctx.DriverByName(name)
	if !ok {
		http.Error(w, fmt.Sprintf("no driver named %s", name), http.StatusNotFound)
		return
	}
	inst, err := s.ctx.InitDriver(d)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	s.instances[name] = inst
	w.WriteHeader(http.StatusOK)
}

type scanRequest struct {
	Conn       string `json:"conn"`
	SerialComm string `json:"serialcomm"`
}

// Scan probes the named driver's bus.  The request body may carry conn
// and serialcomm scan options; an empty body scans unconstrained.
func (s *Server) Scan(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "driver")
	var req scanRequest
	if r.ContentLength > 0 {
		err := json.NewDecoder(r.Body).Decode(&req)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[name]
	if !ok {
		http.Error(w, fmt.Sprintf("driver %s is not initialized", name), http.StatusConflict)
		return
	}
	var opts []capi.ScanOption
	if req.Conn != "" {
		opts = append(opts, capi.ConnOption(req.Conn))
	}
	if req.SerialComm != "" {
		opts = append(opts, capi.SerialCommOption(req.SerialComm))
	}
	if _, err := inst.Scan(opts...); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	s.rebuildDevices()
	respondJSON(w, s.deviceInfos())
}

type channelInfo struct {
	Index   int    `json:"index"`
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Enabled bool   `json:"enabled"`
}

type deviceInfo struct {
	Index        int           `json:"index"`
	Vendor       string        `json:"vendor"`
	Model        string        `json:"model"`
	Version      string        `json:"version,omitempty"`
	SerialNumber string        `json:"serial_number,omitempty"`
	ConnID       string        `json:"conn_id,omitempty"`
	Channels     []channelInfo `json:"channels"`
}

// rebuildDevices reflattens the per-instance device lists.  Call with mu
// held.
func (s *Server) rebuildDevices() {
	s.devices = s.devices[:0]
	for _, inst := range s.instances {
		s.devices = append(s.devices, inst.Devices()...)
	}
}

func (s *Server) deviceInfos() []deviceInfo {
	out := []deviceInfo{}
	for i, dev := range s.devices {
		chans := []channelInfo{}
		for _, c := range dev.Channels() {
			chans = append(chans, channelInfo{
				Index:   c.Index(),
				Name:    c.Name(),
				Kind:    c.Kind().String(),
				Enabled: c.Enabled(),
			})
		}
		out = append(out, deviceInfo{
			Index:        i,
			Vendor:       dev.Vendor(),
			Model:        dev.Model(),
			Version:      dev.Version(),
			SerialNumber: dev.SerialNumber(),
			ConnID:       dev.ConnID(),
			Channels:     chans,
		})
	}
	return out
}

// ListDevices reports every device found by the most recent scans.
func (s *Server) ListDevices(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	respondJSON(w, s.deviceInfos())
}

// popDevice resolves the idx URL parameter.  Call with mu held.
func (s *Server) popDevice(r *http.Request) (*siglab.Device, error) {
	idx, err := strconv.Atoi(chi.URLParam(r, "idx"))
	if err != nil {
		return nil, err
	}
	if idx < 0 || idx >= len(s.devices) {
		return nil, fmt.Errorf("device index %d out of range", idx)
	}
	return s.devices[idx], nil
}

// ConfigGet reads one device option.
func (s *Server) ConfigGet(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev, err := s.popDevice(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	key, ok := config.ParseKey(chi.URLParam(r, "key"))
	if !ok {
		http.Error(w, fmt.Sprintf("unknown option %s", chi.URLParam(r, "key")), http.StatusBadRequest)
		return
	}
	v, err := dev.ConfigGet(key)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	respondJSON(w, map[string]interface{}{"key": key.String(), "value": v})
}

type configSetRequest struct {
	Value interface{} `json:"value"`
}

// ConfigSet writes one device option.  The JSON value is coerced to the
// option's declared kind before the set.
func (s *Server) ConfigSet(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev, err := s.popDevice(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	key, ok := config.ParseKey(chi.URLParam(r, "key"))
	if !ok {
		http.Error(w, fmt.Sprintf("unknown option %s", chi.URLParam(r, "key")), http.StatusBadRequest)
		return
	}
	var req configSetRequest
	err = json.NewDecoder(r.Body).Decode(&req)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	v, err := coerceValue(key, req.Value)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := dev.ConfigSet(key, v); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// coerceValue converts a decoded JSON value to the Go type the option
// key declares.  JSON numbers arrive as float64.
func coerceValue(key config.Key, v interface{}) (interface{}, error) {
	switch key.Kind() {
	case config.KindUint64:
		f, ok := v.(float64)
		if !ok || f < 0 {
			return nil, fmt.Errorf("%s requires a non-negative number", key)
		}
		return uint64(f), nil
	case config.KindString:
		sv, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%s requires a string", key)
		}
		return sv, nil
	case config.KindBool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("%s requires a boolean", key)
		}
		return b, nil
	case config.KindFloat64:
		f, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("%s requires a number", key)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("%s has no known value kind", key)
	}
}

type startRequest struct {
	Devices []int `json:"devices"`
}

// StartSession creates a session over the requested devices (all known
// devices when the list is empty), starts it, and pumps its event loop on
// a server goroutine.
func (s *Server) StartSession(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if r.ContentLength > 0 {
		err := json.NewDecoder(r.Body).Decode(&req)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil && s.session.Running() {
		http.Error(w, "a session is already running", http.StatusConflict)
		return
	}
	if s.capturing {
		http.Error(w, "a capture is in progress", http.StatusConflict)
		return
	}
	if s.session != nil {
		_ = s.session.Destroy()
		s.session = nil
	}
	picked := s.devices
	if len(req.Devices) > 0 {
		picked = nil
		for _, idx := range req.Devices {
			if idx < 0 || idx >= len(s.devices) {
				http.Error(w, fmt.Sprintf("device index %d out of range", idx), http.StatusBadRequest)
				return
			}
			picked = append(picked, s.devices[idx])
		}
	}
	ses, err := siglab.NewSession(s.ctx)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	for _, dev := range picked {
		if err := ses.AddDevice(dev); err != nil {
			_ = ses.Destroy()
			http.Error(w, err.Error(), statusFor(err))
			return
		}
	}
	ses.CallbackAdd(s.observe)
	ses.SetErrorHandler(func(error) { s.malformed.Inc() })
	if err := ses.Start(); err != nil {
		_ = ses.Destroy()
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	s.session = ses
	s.runDone = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		_ = ses.Run()
	}(s.runDone)
	w.WriteHeader(http.StatusOK)
}

// StopSession requests graceful termination and waits for the event loop
// to drain.
func (s *Server) StopSession(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	ses, done := s.session, s.runDone
	s.mu.Unlock()
	if ses == nil {
		http.Error(w, "no session", http.StatusConflict)
		return
	}
	if err := ses.Stop(); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	if done != nil {
		<-done
	}
	w.WriteHeader(http.StatusOK)
}

// SessionStatus reports whether a run is live and its parameters.
func (s *Server) SessionStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]interface{}{"running": false}
	if s.session != nil {
		p := s.session.Params()
		out["running"] = s.session.Running()
		out["sample_rate"] = p.SampleRate
		out["limit_samples"] = p.LimitSamples
		out["malformed_packets"] = s.session.MalformedPackets()
	}
	respondJSON(w, out)
}

// WaveformCSV runs a one-shot capture on one device and streams the
// analog samples, decoded to physical units, as CSV rows.  The run pumps
// without holding the server lock; the capturing flag keeps a second
// acquisition from starting, and a client disconnect stops a capture with
// no sample or time limit.
func (s *Server) WaveformCSV(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.capturing || (s.session != nil && s.session.Running()) {
		s.mu.Unlock()
		http.Error(w, "a session is already running", http.StatusConflict)
		return
	}
	dev, err := s.popDevice(r)
	if err != nil {
		s.mu.Unlock()
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	ses, err := siglab.NewSession(s.ctx)
	if err != nil {
		s.mu.Unlock()
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	s.capturing = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.capturing = false
		s.mu.Unlock()
	}()
	defer ses.Destroy()
	if err := ses.AddDevice(dev); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	var values []float64
	ses.CallbackAdd(func(_ *siglab.Device, packet data.Datafeed) {
		a, ok := packet.(*data.Analog)
		if !ok {
			return
		}
		vs, err := a.Physical()
		if err != nil {
			return
		}
		values = append(values, vs...)
	})
	if err := ses.Start(); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	finished := make(chan struct{})
	watcher := make(chan struct{})
	go func() {
		defer close(watcher)
		select {
		case <-r.Context().Done():
			_ = ses.Stop()
		case <-finished:
		}
	}()
	err = ses.Run()
	close(finished)
	<-watcher
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	fmt.Fprintln(w, "index,value")
	for i, v := range values {
		fmt.Fprintf(w, "%d,%s\n", i, strconv.FormatFloat(v, 'g', -1, 64))
	}
}

// statusFor maps the library's error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, siglab.ErrUnsupported), errors.Is(err, siglab.ErrInvalidValue):
		return http.StatusBadRequest
	case errors.Is(err, siglab.ErrSessionActive), errors.Is(err, siglab.ErrAlreadyRunning),
		errors.Is(err, siglab.ErrBusy), errors.Is(err, siglab.ErrDriverInitialized),
		errors.Is(err, siglab.ErrEmptySession), errors.Is(err, siglab.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, siglab.ErrClosed):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
