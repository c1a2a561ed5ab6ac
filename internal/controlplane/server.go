package controlplane

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/brennhill/devhostd/internal/supervisor"
)

// Server wires the Supervisor into an HTTP handler. It carries no
// listener of its own -- cmd/devhostd owns the net.Listener and
// http.Server lifecycle, the same split the teacher makes between its
// GUI (pure rendering) and its app bootstrap (process lifecycle).
type Server struct {
	sup *supervisor.Supervisor
	log *logrus.Entry

	sseWriteDeadline  time.Duration
	sseHeartbeat      time.Duration
	operationDeadline time.Duration

	startedAt time.Time
	version   string
}

// New builds a Server. version is surfaced on /v1/health. operationDeadline
// bounds every non-streaming tool operation per spec.md §5; SSE routes are
// long-lived by design and are not subject to it.
func New(sup *supervisor.Supervisor, log *logrus.Entry, sseWriteDeadline, sseHeartbeat, operationDeadline time.Duration, version string) *Server {
	return &Server{
		sup:               sup,
		log:               log,
		sseWriteDeadline:  sseWriteDeadline,
		sseHeartbeat:      sseHeartbeat,
		operationDeadline: operationDeadline,
		startedAt:         time.Now(),
		version:           version,
	}
}

// Router builds the chi handler for every endpoint in spec.md §6.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.withOperationDeadline)

			r.Get("/health", s.handleHealth)

			r.Route("/sessions", func(r chi.Router) {
				r.Post("/", s.handleStart)
				r.Get("/", s.handleList)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleStatus)
					r.Delete("/", s.handleStop)
					r.Post("/restart", s.handleRestart)
					r.Get("/logs", s.handleLogsTail)
				})
			})
		})

		// Streaming routes are long-lived by design and stay outside the
		// per-operation deadline; they're bounded instead by the SSE write
		// deadline and heartbeat on every frame.
		r.Get("/sessions/{id}/logs/stream", s.handleLogsStream)
		r.Get("/events/stream", s.handleEventsStream)
	})

	return r
}

// withOperationDeadline bounds every request it wraps by
// operationDeadline, per spec.md §5's "every tool operation carries a
// deadline" requirement. Stop and Restart observe this via r.Context()
// and surface a KindTimeout error if the stop step has not finished when
// it elapses; Start passes r.Context() on to the adapter's Spawn and does
// not report KindTimeout itself.
func (s *Server) withOperationDeadline(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.operationDeadline <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.operationDeadline)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// accessLog is the teacher's one-line-per-request logging habit
// (pkg/log/log.go's Entry usage), generalized from GUI debug output to
// structured HTTP access logging via the same *logrus.Entry every
// subsystem logs through.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"bytes":       ww.BytesWritten(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		}).Info("http request")
	})
}
