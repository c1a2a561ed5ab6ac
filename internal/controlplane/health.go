package controlplane

import (
	"net/http"
	"time"

	"github.com/brennhill/devhostd/internal/supervisor"
)

type healthView struct {
	OK           bool    `json:"ok"`
	Version      string  `json:"version"`
	SessionCount int     `json:"session_count"`
	UptimeS      float64 `json:"uptime_s"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sessions := s.sup.List(supervisor.Filter{})
	writeResult(w, http.StatusOK, healthView{
		OK:           true,
		Version:      s.version,
		SessionCount: len(sessions),
		UptimeS:      time.Since(s.startedAt).Seconds(),
	})
}
