package controlplane

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// lastEventID reads the standard SSE resume header, falling back to a
// query parameter for clients (curl, browser EventSource polyfills) that
// can't set custom headers on the initial request.
func lastEventID(r *http.Request) int64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("last_event_id")
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func newHeartbeatTicker(interval time.Duration) *time.Ticker {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return time.NewTicker(interval)
}

// sseWriter wraps one SSE connection's ResponseWriter with the shared
// per-connection write deadline and heartbeat cadence spec.md §4.5/§5
// require: a 5s write deadline (triggering connection close on a slow
// client) and a 15s idle heartbeat comment frame.
type sseWriter struct {
	w        http.ResponseWriter
	flusher  http.Flusher
	rc       *http.ResponseController
	deadline time.Duration
}

func newSSEWriter(w http.ResponseWriter, deadline time.Duration) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher, rc: http.NewResponseController(w), deadline: deadline}, true
}

func (s *sseWriter) writeEvent(id int64, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_ = s.rc.SetWriteDeadline(time.Now().Add(s.deadline))
	if _, err := fmt.Fprintf(s.w, "id: %s\nevent: %s\ndata: %s\n\n", strconv.FormatInt(id, 10), event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) writeHeartbeat() error {
	_ = s.rc.SetWriteDeadline(time.Now().Add(s.deadline))
	if _, err := fmt.Fprint(s.w, ": heartbeat\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
