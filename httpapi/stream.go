package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/siglab/siglab"
	"github.com/siglab/siglab/data"
)

// streamEvent is one datafeed packet rendered for the NDJSON stream.
// Logic payloads travel base64 encoded; analog payloads travel as decoded
// physical values.
type streamEvent struct {
	Device   string    `json:"device"`
	Type     string    `json:"type"`
	UnitSize int       `json:"unit_size,omitempty"`
	Samples  int       `json:"samples,omitempty"`
	Data     []byte    `json:"data,omitempty"`
	Values   []float64 `json:"values,omitempty"`
	Unit     string    `json:"unit,omitempty"`
}

// streamHub fans serialized events out to the connected stream clients.
// Slow clients drop events rather than stalling the acquisition loop.
type streamHub struct {
	mu   sync.Mutex
	subs map[chan []byte]struct{}
}

func newStreamHub() *streamHub {
	return &streamHub{subs: make(map[chan []byte]struct{})}
}

func (h *streamHub) subscribe() chan []byte {
	ch := make(chan []byte, 256)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *streamHub) unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

func (h *streamHub) publish(line []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- line:
		default:
		}
	}
}

// observe is the session callback behind the metrics and the stream.  It
// runs on the acquisition goroutine, so everything it keeps must be
// copied out of the packet before returning.
func (s *Server) observe(dev *siglab.Device, packet data.Datafeed) {
	ev := streamEvent{Device: dev.Model()}
	switch p := packet.(type) {
	case data.Header:
		ev.Type = "header"
	case *data.Logic:
		ev.Type = "logic"
		ev.UnitSize = p.UnitSize()
		ev.Samples = p.Samples()
		buf, err := p.Clone()
		if err != nil {
			return
		}
		ev.Data = buf
		s.bytes.Add(float64(len(buf)))
	case *data.Analog:
		ev.Type = "analog"
		ev.Samples = p.Samples()
		vs, err := p.Physical()
		if err != nil {
			return
		}
		ev.Values = vs
		ev.Unit = p.Unit().String()
		s.bytes.Add(float64(p.Samples() * p.Encoding().UnitSize))
	case data.Meta:
		ev.Type = "meta"
	case data.Trigger:
		ev.Type = "trigger"
	case data.FrameBegin:
		ev.Type = "frame_begin"
	case data.FrameEnd:
		ev.Type = "frame_end"
	case data.End:
		ev.Type = "end"
	default:
		return
	}
	s.packets.WithLabelValues(ev.Type).Inc()
	line, err := json.Marshal(ev)
	if err != nil {
		return
	}
	s.hub.publish(line)
}

// Stream serves the live datafeed as newline-delimited JSON until the
// client disconnects.
func (s *Server) Stream(w http.ResponseWriter, r *http.Request) {
	fl, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	fl.Flush()
	ch := s.hub.subscribe()
	defer s.hub.unsubscribe(ch)
	for {
		select {
		case <-r.Context().Done():
			return
		case line := <-ch:
			if _, err := w.Write(append(line, '\n')); err != nil {
				return
			}
			fl.Flush()
		}
	}
}
