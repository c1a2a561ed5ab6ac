package controlplane

import "net/http"

// handleEventsStream serves the supervisor-wide status-transition SSE
// stream (spec.md §4.5's status_subscribe). Unlike the per-session log
// stream, there is no resumable cursor here -- StatusEvent carries no
// seq of its own (status transitions are ordered per-session, not
// globally, per spec.md §5), so a reconnecting client simply receives
// the transition stream from the moment it connects onward.
func (s *Server) handleEventsStream(w http.ResponseWriter, r *http.Request) {
	sub := s.sup.SubscribeStatus()
	defer sub.Cancel()

	sw, ok := newSSEWriter(w, s.sseWriteDeadline)
	if !ok {
		return
	}

	heartbeat := newHeartbeatTicker(s.sseHeartbeat)
	defer heartbeat.Stop()

	var seq int64
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			seq++
			if err := sw.writeEvent(seq, "status", ev); err != nil {
				s.log.WithError(err).Debug("status stream write failed, closing")
				return
			}
		case <-heartbeat.C:
			if err := sw.writeHeartbeat(); err != nil {
				s.log.WithError(err).Debug("status stream heartbeat failed, closing")
				return
			}
		}
	}
}
