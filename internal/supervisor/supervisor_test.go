package supervisor

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brennhill/devhostd/internal/logring"
	"github.com/brennhill/devhostd/internal/persistence"
	"github.com/brennhill/devhostd/internal/ports"
	"github.com/brennhill/devhostd/internal/procadapter"
	"github.com/brennhill/devhostd/internal/types"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	return logrus.NewEntry(l)
}

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	dir := t.TempDir()
	log := testLog()

	sessionStore := persistence.NewSessionStore(dir)
	portStore := persistence.NewPortStore(dir)

	var sup *Supervisor
	registry := ports.New(portStore, func(sessionID string) (string, bool) {
		return sup.SessionLookup(sessionID)
	}, log)
	require.NoError(t, registry.Load())

	logs := logring.NewManager(1000, 1<<20, time.Minute, log)
	adapter := procadapter.NewNativeAdapter(log)

	sup = New(registry, logs, adapter, sessionStore, 300*time.Millisecond, 2*time.Second, log)
	return sup
}

func waitForState(t *testing.T, sub *StatusSubscription, sessionID string, want types.SessionState, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-sub.Events:
			if ev.SessionID == sessionID && ev.State == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for session %s to reach state %s", sessionID, want)
		}
	}
}

func TestSupervisorStartRunAndStop(t *testing.T) {
	sup := newTestSupervisor(t)
	sub := sup.SubscribeStatus()
	defer sub.Cancel()

	id, errStart := sup.Start(context.Background(), StartSpec{
		Name:         "sleeper",
		Command:      types.Command{Argv: []string{"sh", "-c", "sleep 5"}},
		Cwd:          t.TempDir(),
		RuntimeClass: types.RuntimeGeneric,
		Backend:      types.BackendNative,
		NoPort:       true,
	})
	require.Nil(t, errStart)
	require.NotEmpty(t, id)

	waitForState(t, sub, id, types.StateRunning, 2*time.Second)

	sess, errStatus := sup.Status(id)
	require.Nil(t, errStatus)
	assert.Equal(t, types.StateRunning, sess.State)
	assert.NotZero(t, sess.PID)

	require.Nil(t, sup.Stop(context.Background(), id, false))
	waitForState(t, sub, id, types.StateStopped, 5*time.Second)

	sess, errStatus = sup.Status(id)
	require.Nil(t, errStatus)
	assert.Equal(t, types.StateStopped, sess.State)
}

func TestSupervisorCrashWithoutRestartGoesToFailed(t *testing.T) {
	sup := newTestSupervisor(t)
	sub := sup.SubscribeStatus()
	defer sub.Cancel()

	id, errStart := sup.Start(context.Background(), StartSpec{
		Name:          "quick-exit",
		Command:       types.Command{Argv: []string{"sh", "-c", "sleep 0.5; exit 1"}},
		Cwd:           t.TempDir(),
		RuntimeClass:  types.RuntimeGeneric,
		Backend:       types.BackendNative,
		NoPort:        true,
		RestartPolicy: types.RestartPolicy{Kind: types.RestartNever},
	})
	require.Nil(t, errStart)

	waitForState(t, sub, id, types.StateRunning, 2*time.Second)
	waitForState(t, sub, id, types.StateCrashed, 2*time.Second)
	waitForState(t, sub, id, types.StateFailed, 2*time.Second)

	sess, errStatus := sup.Status(id)
	require.Nil(t, errStatus)
	assert.Equal(t, types.StateFailed, sess.State)
	assert.Zero(t, sess.Port)
}

func TestSupervisorCrashWithRestartPolicyRespawns(t *testing.T) {
	sup := newTestSupervisor(t)
	sub := sup.SubscribeStatus()
	defer sub.Cancel()

	id, errStart := sup.Start(context.Background(), StartSpec{
		Name:         "flaky",
		Command:      types.Command{Argv: []string{"sh", "-c", "sleep 0.5; exit 1"}},
		Cwd:          t.TempDir(),
		RuntimeClass: types.RuntimeGeneric,
		Backend:      types.BackendNative,
		NoPort:       true,
		RestartPolicy: types.RestartPolicy{
			Kind:             types.RestartOnCrash,
			MaxRestarts:      1,
			BackoffInitialMs: 50,
		},
	})
	require.Nil(t, errStart)

	waitForState(t, sub, id, types.StateRunning, 2*time.Second)
	waitForState(t, sub, id, types.StateCrashed, 2*time.Second)
	// Restart scheduled: expect another Starting/Running cycle, then the
	// second crash exhausts max_restarts and lands on Failed.
	waitForState(t, sub, id, types.StateStarting, 3*time.Second)
	waitForState(t, sub, id, types.StateFailed, 3*time.Second)

	sess, errStatus := sup.Status(id)
	require.Nil(t, errStatus)
	assert.Equal(t, types.StateFailed, sess.State)
	assert.Equal(t, 1, sess.RestartCount)
}

func TestSupervisorRestartPreservesSessionID(t *testing.T) {
	sup := newTestSupervisor(t)
	sub := sup.SubscribeStatus()
	defer sub.Cancel()

	id, errStart := sup.Start(context.Background(), StartSpec{
		Name:         "restartable",
		Command:      types.Command{Argv: []string{"sh", "-c", "sleep 5"}},
		Cwd:          t.TempDir(),
		RuntimeClass: types.RuntimeGeneric,
		Backend:      types.BackendNative,
		NoPort:       true,
	})
	require.Nil(t, errStart)
	waitForState(t, sub, id, types.StateRunning, 2*time.Second)

	before, _ := sup.Status(id)

	require.Nil(t, sup.Restart(context.Background(), id))
	waitForState(t, sub, id, types.StateStopped, 5*time.Second)
	waitForState(t, sub, id, types.StateStarting, 2*time.Second)
	waitForState(t, sub, id, types.StateRunning, 2*time.Second)

	after, errStatus := sup.Status(id)
	require.Nil(t, errStatus)
	assert.Equal(t, before.ID, after.ID)

	_ = sup.Stop(context.Background(), id, true)
}
