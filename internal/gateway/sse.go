package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// sseWriter writes server-sent events. Headers are sent lazily on the first
// event so failures before any output can still be answered with a plain
// JSON error and its status code.
type sseWriter struct {
	w       http.ResponseWriter
	runID   string
	started bool
	broken  bool
	events  int
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	return &sseWriter{w: w}
}

func (s *sseWriter) start() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	if s.runID != "" {
		h.Set(HeaderRunID, s.runID)
	}
	// Streams outlive the server write timeout.
	_ = http.NewResponseController(s.w).SetWriteDeadline(time.Time{})
	s.w.WriteHeader(http.StatusOK)
}

// send writes one data event. Write errors mark the stream broken; the
// request context is cancelled by the server once the client is gone.
func (s *sseWriter) send(v any) {
	s.start()
	if s.broken {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("sse: marshal event")
		return
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		s.broken = true
		return
	}
	s.events++
	s.flush()
}

// done terminates a successful stream.
func (s *sseWriter) done() {
	s.start()
	if s.broken {
		return
	}
	if _, err := fmt.Fprint(s.w, "data: [DONE]\n\n"); err != nil {
		s.broken = true
		return
	}
	s.flush()
}

func (s *sseWriter) flush() {
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
}
