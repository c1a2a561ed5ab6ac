package procadapter

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brennhill/devhostd/internal/types"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	return logrus.NewEntry(l)
}

func TestNativeAdapterSpawnAndWait(t *testing.T) {
	a := NewNativeAdapter(testLog())

	h, errSpawn := a.Spawn(context.Background(), Spec{
		SessionID: "s1",
		Command:   types.Command{Argv: []string{"sh", "-c", "echo hello; exit 0"}},
		Cwd:       t.TempDir(),
	})
	require.Nil(t, errSpawn)
	require.NotZero(t, h.PID())

	select {
	case info := <-h.Done():
		assert.Equal(t, 0, info.ExitCode)
		assert.NoError(t, info.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit in time")
	}

	var lines []string
	for ev := range h.Stdout() {
		lines = append(lines, string(ev.Line))
	}
	assert.Contains(t, lines, "hello")
}

func TestNativeAdapterSpawnCwdMissing(t *testing.T) {
	a := NewNativeAdapter(testLog())

	_, errSpawn := a.Spawn(context.Background(), Spec{
		SessionID: "s2",
		Command:   types.Command{Argv: []string{"true"}},
		Cwd:       "/no/such/directory/devhostd-test",
	})
	require.NotNil(t, errSpawn)
	assert.Equal(t, "CwdMissing", string(errSpawn.Sub))
}

func TestNativeAdapterSpawnEmptyArgv(t *testing.T) {
	a := NewNativeAdapter(testLog())

	_, errSpawn := a.Spawn(context.Background(), Spec{
		SessionID: "s3",
		Command:   types.Command{},
		Cwd:       t.TempDir(),
	})
	require.NotNil(t, errSpawn)
}

func TestNativeAdapterNonZeroExit(t *testing.T) {
	a := NewNativeAdapter(testLog())

	h, errSpawn := a.Spawn(context.Background(), Spec{
		SessionID: "s4",
		Command:   types.Command{Argv: []string{"sh", "-c", "exit 7"}},
		Cwd:       t.TempDir(),
	})
	require.Nil(t, errSpawn)

	select {
	case info := <-h.Done():
		assert.Equal(t, 7, info.ExitCode)
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit in time")
	}
}

func TestNativeAdapterSignalStopEscalatesToKill(t *testing.T) {
	a := NewNativeAdapter(testLog())

	h, errSpawn := a.Spawn(context.Background(), Spec{
		SessionID:        "s5",
		Command:          types.Command{Argv: []string{"sh", "-c", "trap '' TERM; sleep 30"}},
		Cwd:              t.TempDir(),
		ShutdownDeadline: 200 * time.Millisecond,
	})
	require.Nil(t, errSpawn)

	done := make(chan struct{})
	go func() {
		_ = h.Signal(context.Background(), SignalStop)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("signal escalation did not complete in time")
	}

	select {
	case <-h.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("process did not report exit after force-kill")
	}
}

func TestShellParse(t *testing.T) {
	cmd := ShellParse(`npm run dev -- --port 3000`)
	assert.Equal(t, []string{"npm", "run", "dev", "--", "--port", "3000"}, cmd.Argv)
}
