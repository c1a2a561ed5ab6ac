package controlplane

import (
	"bytes"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/brennhill/devhostd/internal/logring"
	"github.com/brennhill/devhostd/internal/types"
)

// eventName picks the SSE `event:` field for a LogEvent. System-stream
// events are the Log Ring's synthetic gap/eviction/lost notices (see
// types.SystemGapEvent and friends); everything else streams as its
// descriptor name so clients can tell stdout from stderr without
// unmarshaling the payload.
func eventName(ev types.LogEvent) string {
	if ev.Stream != types.StreamSystem {
		return string(ev.Stream)
	}
	switch {
	case bytes.Contains(ev.Line, []byte(`"gap"`)):
		return "gap"
	case bytes.Contains(ev.Line, []byte(`"evicted"`)):
		return "evicted"
	case bytes.Contains(ev.Line, []byte(`"lost"`)):
		return "lost"
	default:
		return "system"
	}
}

type logsTailResponse struct {
	Events      []types.LogEvent `json:"events"`
	EarliestSeq int64            `json:"earliest_seq"`
	LatestSeq   int64            `json:"latest_seq"`
}

func (s *Server) handleLogsTail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := parseIntParam(r, "limit", 0)
	since := int64(parseIntParam(r, "since_seq", 0))

	events, earliest, latest, err := s.sup.TailLogs(id, since, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, http.StatusOK, logsTailResponse{Events: events, EarliestSeq: earliest, LatestSeq: latest})
}

// handleLogsStream serves the per-session SSE log stream, resuming from
// Last-Event-ID when present -- spec.md §4.5's SSE format, generalized
// from the pack's ashureev-shsh-labs agent handler (id/event/data framing,
// Last-Event-ID replay) onto the Log Ring's own cursor-based Subscribe.
func (s *Server) handleLogsStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	from := logring.From{Latest: true}
	if lastID := lastEventID(r); lastID > 0 {
		from = logring.From{Seq: lastID}
	}

	sub, subErr := s.sup.SubscribeLogs(id, from)
	if subErr != nil {
		writeError(w, subErr)
		return
	}
	defer sub.Cancel()

	sw, ok := newSSEWriter(w, s.sseWriteDeadline)
	if !ok {
		return
	}

	heartbeat := newHeartbeatTicker(s.sseHeartbeat)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			if err := sw.writeEvent(ev.Seq, eventName(ev), ev); err != nil {
				s.log.WithError(err).Debug("log stream write failed, closing")
				return
			}
		case <-heartbeat.C:
			if err := sw.writeHeartbeat(); err != nil {
				s.log.WithError(err).Debug("log stream heartbeat failed, closing")
				return
			}
		}
	}
}
