// Package supervisor implements the Session Supervisor (C4): the state
// machine and orchestration layer that turns a start/stop/restart
// request into a spawned process, a Log Ring, a port allocation, and a
// durable catalog entry.
//
// Per spec.md §4.4, every transition for one session is serialized; this
// is modeled the way the teacher serializes UI updates onto its GUI's
// single update goroutine (pkg/gui), generalized here into one actor
// goroutine per session rather than one for the whole program.
// Operations that touch more than one session work from the Supervisor's
// mutex-guarded session map: List snapshots it under that mutex, and
// startup reconciliation fans out one golang.org/x/sync/errgroup worker
// per restored session (grounded on the pack's sylabs-singularity
// buildkit executor and giantswarm-k8senv stack readiness fan-out).
package supervisor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/brennhill/devhostd/internal/errs"
	"github.com/brennhill/devhostd/internal/logring"
	"github.com/brennhill/devhostd/internal/persistence"
	"github.com/brennhill/devhostd/internal/ports"
	"github.com/brennhill/devhostd/internal/procadapter"
	"github.com/brennhill/devhostd/internal/types"
)

// StartSpec is what a caller supplies to start a new session; Supervisor
// fills in the id, timestamps, and initial state.
type StartSpec struct {
	Name          string
	Command       types.Command
	Cwd           string
	Env           map[string]string
	RuntimeClass  types.RuntimeClass
	Backend       types.Backend
	Image         string
	Port          int  // 0 requests auto-allocation; ignored if NoPort
	NoPort        bool // session needs no listening port (spec.md §3: "port: assigned TCP port or unassigned")
	RestartPolicy types.RestartPolicy
}

// Filter narrows List to sessions matching every non-zero field.
type Filter struct {
	State        types.SessionState
	RuntimeClass types.RuntimeClass
}

// Supervisor owns every session actor plus the shared C1/C2/C3/C6
// collaborators they're built from.
type Supervisor struct {
	mu       deadlock.Mutex
	sessions map[string]*sessionActor

	portRegistry *ports.Registry
	logs         *logring.Manager
	adapter      procadapter.Adapter
	store        *persistence.SessionStore

	readyGrace       time.Duration
	shutdownDeadline time.Duration

	statusHub *statusHub
	log       *logrus.Entry
}

// New builds a Supervisor. Call LoadAndReconcile once at startup before
// accepting Control Plane traffic.
func New(portRegistry *ports.Registry, logs *logring.Manager, adapter procadapter.Adapter, store *persistence.SessionStore, readyGrace, shutdownDeadline time.Duration, log *logrus.Entry) *Supervisor {
	return &Supervisor{
		sessions:         make(map[string]*sessionActor),
		portRegistry:     portRegistry,
		logs:             logs,
		adapter:          adapter,
		store:            store,
		readyGrace:       readyGrace,
		shutdownDeadline: shutdownDeadline,
		statusHub:        newStatusHub(),
		log:              log,
	}
}

// SessionLookup adapts Supervisor to ports.SessionLookup: a session
// counts as live for port-conflict purposes whenever its actor still
// holds a non-terminal, non-released record.
func (s *Supervisor) SessionLookup(sessionID string) (name string, live bool) {
	s.mu.Lock()
	a, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return "", false
	}
	snap := a.snapshot()
	return snap.Name, !snap.State.IsTerminal()
}

// LoadAndReconcile restores the session catalog from disk and, for any
// session whose process is no longer alive, transitions it to Crashed or
// Failed and releases its port through the Port Registry -- spec.md
// §4.4's startup-reconciliation requirement, run with one errgroup
// worker per restored session the way the pack's buildkit executor and
// k8senv stack fan readiness checks out with errgroup.WithContext.
func (s *Supervisor) LoadAndReconcile(ctx context.Context) error {
	cat, err := s.store.Load()
	if err != nil {
		return err
	}

	eg, _ := errgroup.WithContext(ctx)
	for _, sess := range cat.Sessions {
		sess := sess
		eg.Go(func() error {
			s.reconcileOne(sess)
			return nil
		})
	}
	return eg.Wait()
}

func (s *Supervisor) reconcileOne(sess types.Session) {
	a := newSessionActor(s, sess)

	s.mu.Lock()
	s.sessions[sess.ID] = a
	s.mu.Unlock()

	if sess.State.IsTerminal() {
		return
	}

	// A restart scheduled from markOrphaned below will respawn into this
	// ring; create it now so respawn doesn't race ahead of a ring that
	// doesn't exist yet.
	s.logs.Create(sess.ID)

	// Every restored non-terminal session is, by definition, one whose
	// owning daemon process just restarted: its child cannot still be
	// alive under this process, so it is either Crashed (if restart
	// policy allows another attempt) or Failed.
	a.markOrphaned()
}

// Start validates spec, allocates a port, spawns the process, and
// returns the new session id once the spawn call itself has succeeded;
// the Starting→Running transition continues asynchronously via the
// readiness probe.
func (s *Supervisor) Start(ctx context.Context, spec StartSpec) (string, *errs.Error) {
	if len(spec.Command.Argv) == 0 {
		return "", errs.New(errs.KindInvalidParams, "command.argv must not be empty")
	}
	if spec.Cwd == "" {
		return "", errs.New(errs.KindInvalidParams, "cwd is required")
	}
	if spec.RestartPolicy.Kind == "" {
		spec.RestartPolicy = types.DefaultRestartPolicy()
	}

	id := uuid.NewString()
	sess := types.Session{
		ID:             id,
		Name:           spec.Name,
		Command:        spec.Command,
		Cwd:            spec.Cwd,
		Env:            spec.Env,
		RuntimeClass:   spec.RuntimeClass,
		Backend:        spec.Backend,
		Image:          spec.Image,
		State:          types.StateStarting,
		StateChangedAt: time.Now(),
		RestartPolicy:  spec.RestartPolicy,
	}

	var port int
	if !spec.NoPort {
		allocated, portErr := s.portRegistry.Allocate(spec.RuntimeClass, spec.Port, id, spec.Name)
		if portErr != nil {
			return "", portErr
		}
		port = allocated
		sess.Port = port
	}

	a := newSessionActor(s, sess)
	s.mu.Lock()
	s.sessions[id] = a
	s.mu.Unlock()

	s.logs.Create(id)
	_ = s.store.Put(sess)
	s.statusHub.publish(StatusEvent{SessionID: id, State: types.StateStarting, At: time.Now()})

	if spawnErr := a.spawn(ctx); spawnErr != nil {
		_ = s.portRegistry.Release(port)
		a.markSpawnFailed("spawn failed: " + spawnErr.Message)
		return "", spawnErr
	}

	go a.run()

	return id, nil
}

// Stop transitions sessionID to Stopping and requests termination,
// escalating to a forced kill after the shutdown deadline (or
// immediately, if force is set).
func (s *Supervisor) Stop(ctx context.Context, sessionID string, force bool) *errs.Error {
	a, ok := s.lookup(sessionID)
	if !ok {
		return errs.New(errs.KindNotFound, "no such session: "+sessionID)
	}
	return a.stop(ctx, force)
}

// Restart stops sessionID (if running) and starts it again with the same
// spec, preferring to reuse the same port.
func (s *Supervisor) Restart(ctx context.Context, sessionID string) *errs.Error {
	a, ok := s.lookup(sessionID)
	if !ok {
		return errs.New(errs.KindNotFound, "no such session: "+sessionID)
	}
	return a.restart(ctx)
}

// Status returns a point-in-time view of one session.
func (s *Supervisor) Status(sessionID string) (types.Session, *errs.Error) {
	a, ok := s.lookup(sessionID)
	if !ok {
		return types.Session{}, errs.New(errs.KindNotFound, "no such session: "+sessionID)
	}
	return a.snapshot(), nil
}

// List returns every session matching filter, sorted by id for a stable
// response ordering.
func (s *Supervisor) List(filter Filter) []types.Session {
	s.mu.Lock()
	actors := lo.Values(s.sessions)
	s.mu.Unlock()

	out := make([]types.Session, 0, len(actors))
	for _, a := range actors {
		snap := a.snapshot()
		if filter.State != "" && snap.State != filter.State {
			continue
		}
		if filter.RuntimeClass != "" && snap.RuntimeClass != filter.RuntimeClass {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TailLogs returns every event with seq > since (capped to the most
// recent limit events, 0 meaning no cap), plus the ring's current
// earliest/latest seq, for the Control Plane's non-streaming
// /v1/sessions/{id}/logs endpoint.
func (s *Supervisor) TailLogs(sessionID string, since int64, limit int) ([]types.LogEvent, int64, int64, *errs.Error) {
	ring, ok := s.logs.Get(sessionID)
	if !ok {
		return nil, 0, 0, errs.New(errs.KindNotFound, "no log ring for session: "+sessionID)
	}
	events, _ := ring.Since(since)
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, ring.Earliest(), ring.Latest(), nil
}

// SubscribeLogs proxies to the session's Log Ring.
func (s *Supervisor) SubscribeLogs(sessionID string, from logring.From) (*logring.Subscription, *errs.Error) {
	ring, ok := s.logs.Get(sessionID)
	if !ok {
		return nil, errs.New(errs.KindNotFound, "no log ring for session: "+sessionID)
	}
	sub, err := ring.Subscribe(from)
	if err != nil {
		return nil, errs.New(errs.KindNotFound, "log ring retired: "+sessionID).WithCause(err)
	}
	return sub, nil
}

// SubscribeStatus returns a stream of every session's status transitions,
// across all sessions, for the Control Plane's /v1/events/stream.
func (s *Supervisor) SubscribeStatus() *StatusSubscription {
	return s.statusHub.subscribe()
}

func (s *Supervisor) lookup(sessionID string) (*sessionActor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.sessions[sessionID]
	return a, ok
}

func fmtExitReason(exitCode int, sig string, err error) string {
	switch {
	case err != nil:
		return fmt.Sprintf("adapter error: %v", err)
	case sig != "":
		return fmt.Sprintf("terminated by signal %s", sig)
	default:
		return fmt.Sprintf("exited with code %d", exitCode)
	}
}
