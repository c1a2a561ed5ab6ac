package supervisor

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brennhill/devhostd/internal/errs"
	"github.com/brennhill/devhostd/internal/procadapter"
	"github.com/brennhill/devhostd/internal/types"
)

// envWithPort injects PORT into the merged environment, the common
// convention dev servers (webpack-dev-server, next dev, and the like)
// use to discover which port to bind, unless the session already set it
// explicitly.
func envWithPort(env map[string]string, port int) map[string]string {
	if port <= 0 {
		return env
	}
	if _, ok := env["PORT"]; ok {
		return env
	}
	out := make(map[string]string, len(env)+1)
	for k, v := range env {
		out[k] = v
	}
	out["PORT"] = strconv.Itoa(port)
	return out
}

const maxBackoff = 60 * time.Second

// sessionActor owns one session's state machine; every transition is
// made under mu, matching spec.md §4.4's "all state transitions for a
// single session are serialized" guarantee.
type sessionActor struct {
	sup *Supervisor
	id  string

	mu     sync.Mutex
	sess   types.Session
	handle procadapter.Handle
	exited chan struct{}

	log *logrus.Entry
}

func newSessionActor(sup *Supervisor, sess types.Session) *sessionActor {
	return &sessionActor{
		sup:  sup,
		id:   sess.ID,
		sess: sess,
		log:  sup.log.WithField("session_id", sess.ID),
	}
}

func (a *sessionActor) snapshot() types.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sess.Clone()
}

func (a *sessionActor) persist() {
	_ = a.sup.store.Put(a.snapshot())
}

func (a *sessionActor) publish(state types.SessionState) {
	a.sup.statusHub.publish(StatusEvent{SessionID: a.id, State: state, At: time.Now()})
}

// spawn builds a procadapter.Spec from the actor's current session
// record and spawns it, wiring the resulting handle's output into the
// session's Log Ring.
func (a *sessionActor) spawn(ctx context.Context) *errs.Error {
	sess := a.snapshot()

	spec := procadapter.Spec{
		SessionID:        sess.ID,
		Name:             sess.Name,
		Command:          sess.Command,
		Cwd:              sess.Cwd,
		Env:              envWithPort(sess.Env, sess.Port),
		RuntimeClass:     sess.RuntimeClass,
		Backend:          sess.Backend,
		Image:            sess.Image,
		Port:             sess.Port,
		ShutdownDeadline: a.sup.shutdownDeadline,
	}

	h, spawnErr := a.sup.adapter.Spawn(ctx, spec)
	if spawnErr != nil {
		return spawnErr
	}

	a.mu.Lock()
	a.handle = h
	a.exited = make(chan struct{})
	a.sess.PID = h.PID()
	a.mu.Unlock()

	return nil
}

// run pumps the spawned handle's output into the Log Ring, watches for
// readiness, and blocks until the handle reports completion, at which
// point it drives the Running/Stopping → Stopped/Crashed/Failed
// transition and, for Crashed, schedules a restart if policy allows.
// Logs are flushed (both pump goroutines close their channel once the
// underlying descriptor hits EOF) before the terminal status event is
// published, per spec.md §4.4's ordering guarantee.
func (a *sessionActor) run() {
	a.mu.Lock()
	h := a.handle
	exitedCh := a.exited
	a.mu.Unlock()

	ring, ok := a.sup.logs.Get(a.id)
	if ok {
		go a.pumpStream(h.Stdout(), ring)
		go a.pumpStream(h.Stderr(), ring)
	}

	go a.awaitReady(h, exitedCh)

	info := <-h.Done()
	a.onExit(info)
	close(exitedCh)
}

func (a *sessionActor) pumpStream(ch <-chan types.LogEvent, ringPublisher interface {
	Publish(stream types.LogStream, line []byte, level types.LogLevel, truncated bool) types.LogEvent
}) {
	for ev := range ch {
		ringPublisher.Publish(ev.Stream, ev.Line, ev.Level, ev.Truncated)
	}
}

// awaitReady implements the Starting→Running readiness condition: for a
// session bound to a port, a successful TCP probe is required within
// ready_grace (failing that, the session is stopped and marked Failed
// with NotReady); for a portless session, liveness through ready_grace
// alone is sufficient, since there is no probe target to wait on.
func (a *sessionActor) awaitReady(h procadapter.Handle, exitedCh chan struct{}) {
	sess := a.snapshot()
	grace := a.sup.readyGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}

	if sess.Port <= 0 {
		select {
		case <-time.After(grace):
			a.markRunning()
		case <-exitedCh:
		}
		return
	}

	deadline := time.Now().Add(grace)
	ticker := time.NewTicker(150 * time.Millisecond)
	defer ticker.Stop()

	for {
		if probeTCP(sess.Port) {
			a.markRunning()
			return
		}
		if time.Now().After(deadline) {
			a.markNotReady(h)
			return
		}
		select {
		case <-ticker.C:
		case <-exitedCh:
			return
		}
	}
}

func (a *sessionActor) markRunning() {
	a.mu.Lock()
	if a.sess.State != types.StateStarting {
		a.mu.Unlock()
		return
	}
	a.sess.State = types.StateRunning
	a.sess.StartedAt = time.Now()
	a.sess.StateChangedAt = time.Now()
	a.mu.Unlock()

	a.persist()
	a.publish(types.StateRunning)
}

func (a *sessionActor) markNotReady(h procadapter.Handle) {
	a.mu.Lock()
	if a.sess.State != types.StateStarting {
		a.mu.Unlock()
		return
	}
	a.sess.ExitReason = "NotReady: readiness probe did not succeed within ready_grace"
	a.mu.Unlock()

	a.log.Warn("session failed readiness probe, stopping")
	_ = h.Signal(context.Background(), procadapter.SignalKill)
}

// onExit runs once, from run(), when the handle's completion signal
// fires. It interprets the exit in light of the state the session was
// in when the process died.
func (a *sessionActor) onExit(info procadapter.ExitInfo) {
	a.mu.Lock()
	prior := a.sess.State
	a.sess.ExitCode = &info.ExitCode
	a.sess.ExitSignal = info.Signal
	if a.sess.ExitReason == "" {
		a.sess.ExitReason = fmtExitReason(info.ExitCode, info.Signal, info.Err)
	}
	a.mu.Unlock()

	switch prior {
	case types.StateStopping:
		a.enterTerminal(types.StateStopped)

	case types.StateStarting:
		a.enterTerminal(types.StateFailed)

	case types.StateRunning:
		a.mu.Lock()
		a.sess.State = types.StateCrashed
		a.sess.StateChangedAt = time.Now()
		policy := a.sess.RestartPolicy
		count := a.sess.RestartCount
		a.mu.Unlock()
		a.persist()
		a.publish(types.StateCrashed)

		if policy.Kind != types.RestartNever && count < policy.MaxRestarts {
			a.scheduleRestart(policy, count)
		} else {
			a.enterTerminal(types.StateFailed)
		}

	default:
		// Already terminal (e.g. a second exit signal after Stopped);
		// nothing to do.
	}
}

// enterTerminal transitions to Stopped or Failed, releases the session's
// port, and marks its Log Ring for retirement after the grace window.
func (a *sessionActor) enterTerminal(state types.SessionState) {
	a.mu.Lock()
	port := a.sess.Port
	a.mu.Unlock()

	if port > 0 {
		_ = a.sup.portRegistry.Release(port)
	}
	a.enterTerminalNoRelease(state)
}

// scheduleRestart waits backoff_initial_ms × 2^restart_count (capped at
// 60s) then respawns, per spec.md §4.4's Crashed restart scheduling.
func (a *sessionActor) scheduleRestart(policy types.RestartPolicy, count int) {
	backoff := time.Duration(policy.BackoffInitialMs) * time.Millisecond
	if backoff <= 0 {
		backoff = time.Second
	}
	for i := 0; i < count; i++ {
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
			break
		}
	}

	a.log.WithField("backoff", backoff).Info("scheduling restart after crash")
	time.AfterFunc(backoff, func() {
		a.mu.Lock()
		a.sess.RestartCount++
		a.sess.LastRestartAt = time.Now()
		a.mu.Unlock()
		if err := a.respawn(context.Background(), true); err != nil {
			a.log.WithError(err).Warn("automatic restart failed")
		}
	})
}

// stop transitions to Stopping and signals the process, blocking until
// the resulting exit has been fully processed. Stopping an
// already-terminal session is a no-op success (idempotent, matching the
// Port Registry's Release law).
func (a *sessionActor) stop(ctx context.Context, force bool) *errs.Error {
	a.mu.Lock()
	if a.sess.State.IsTerminal() {
		a.mu.Unlock()
		return nil
	}
	if a.sess.State == types.StateStopping {
		exitedCh := a.exited
		a.mu.Unlock()
		select {
		case <-exitedCh:
			return nil
		case <-ctx.Done():
			return errs.New(errs.KindTimeout, "stop did not complete before operation deadline").WithCause(ctx.Err())
		}
	}
	a.sess.State = types.StateStopping
	a.sess.StateChangedAt = time.Now()
	h := a.handle
	exitedCh := a.exited
	a.mu.Unlock()

	a.persist()
	a.publish(types.StateStopping)

	if h == nil {
		return nil
	}

	sig := procadapter.SignalStop
	if force {
		sig = procadapter.SignalKill
	}
	if err := h.Signal(ctx, sig); err != nil {
		a.log.WithError(err).Warn("signal delivery failed")
	}

	select {
	case <-exitedCh:
		return nil
	case <-ctx.Done():
		return errs.New(errs.KindTimeout, "stop did not complete before operation deadline").WithCause(ctx.Err())
	}
}

// restart is stop, then a fresh spawn preferring the same port, per
// spec.md §4.4, into a fresh Log Ring.
func (a *sessionActor) restart(ctx context.Context) *errs.Error {
	if err := a.stop(ctx, false); err != nil {
		return err
	}
	a.sup.logs.Create(a.id)
	return a.respawn(ctx, true)
}

// respawn re-allocates a port (reusing the previous one when
// preferSamePort is set and it's still free) and spawns a fresh handle,
// re-entering Starting.
func (a *sessionActor) respawn(ctx context.Context, preferSamePort bool) *errs.Error {
	sess := a.snapshot()

	// A session created with NoPort never holds a port (sess.Port stays
	// 0 for its whole life, since Allocate never returns port 0); leave
	// it portless across restarts too.
	port := 0
	if sess.Port > 0 {
		requested := 0
		if preferSamePort {
			requested = sess.Port
		}
		var portErr *errs.Error
		port, portErr = a.sup.portRegistry.Allocate(sess.RuntimeClass, requested, sess.ID, sess.Name)
		if portErr != nil && preferSamePort {
			a.log.WithError(portErr).Warn("restart could not reuse previous port, reassigning")
			port, portErr = a.sup.portRegistry.Allocate(sess.RuntimeClass, 0, sess.ID, sess.Name)
		}
		if portErr != nil {
			// sess.Port may still be held from before this respawn attempt
			// (a crash never released it); Release is a no-op if it was
			// already freed by an explicit stop.
			_ = a.sup.portRegistry.Release(sess.Port)
			a.markSpawnFailed("restart failed: " + portErr.Message)
			return portErr
		}
		if port != sess.Port {
			// Fell back to a different port than the one the session held
			// before (or preferSamePort was false); release the old one so
			// the registry doesn't think this session holds two ports.
			_ = a.sup.portRegistry.Release(sess.Port)
		}
	}

	a.mu.Lock()
	a.sess.Port = port
	a.sess.State = types.StateStarting
	a.sess.StateChangedAt = time.Now()
	a.sess.ExitCode = nil
	a.sess.ExitSignal = ""
	a.sess.ExitReason = ""
	a.mu.Unlock()

	a.persist()
	a.publish(types.StateStarting)

	if spawnErr := a.spawn(ctx); spawnErr != nil {
		_ = a.sup.portRegistry.Release(port)
		a.markSpawnFailed("respawn failed: " + spawnErr.Message)
		return spawnErr
	}

	go a.run()
	return nil
}

// markSpawnFailed records a synchronous spawn failure (port already
// released by the caller) as a terminal Failed session.
func (a *sessionActor) markSpawnFailed(reason string) {
	a.mu.Lock()
	a.sess.ExitReason = reason
	a.sess.Port = 0
	a.mu.Unlock()
	a.enterTerminalNoRelease(types.StateFailed)
}

// enterTerminalNoRelease is enterTerminal without releasing a port --
// for callers that already released (or never allocated) one.
func (a *sessionActor) enterTerminalNoRelease(state types.SessionState) {
	a.mu.Lock()
	a.sess.State = state
	a.sess.StateChangedAt = time.Now()
	a.mu.Unlock()

	a.persist()
	a.publish(state)
	a.sup.logs.MarkTerminal(a.id)
}

// markOrphaned is used only during startup reconciliation: a restored
// non-terminal session cannot have a live process under this (freshly
// started) daemon, so it is Crashed (if its restart policy would allow
// a restart) or Failed, and its port is released through the registry.
func (a *sessionActor) markOrphaned() {
	a.mu.Lock()
	a.sess.ExitReason = "daemon restarted: process is no longer tracked"
	policy := a.sess.RestartPolicy
	count := a.sess.RestartCount
	a.mu.Unlock()

	if policy.Kind != types.RestartNever && count < policy.MaxRestarts {
		a.mu.Lock()
		a.sess.State = types.StateCrashed
		a.sess.StateChangedAt = time.Now()
		port := a.sess.Port
		a.mu.Unlock()
		if port > 0 {
			_ = a.sup.portRegistry.Release(port)
		}
		a.persist()
		a.publish(types.StateCrashed)
		a.scheduleRestart(policy, count)
		return
	}

	a.enterTerminal(types.StateFailed)
}
