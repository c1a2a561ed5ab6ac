package procadapter

import (
	"context"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/jesseduffield/kill"
	"github.com/sirupsen/logrus"

	"github.com/brennhill/devhostd/internal/errs"
	"github.com/brennhill/devhostd/internal/types"
)

// NativeAdapter spawns sessions as plain OS subprocesses, one per
// process group, the way the teacher's OSCommand.NewCmd/Kill pair does.
type NativeAdapter struct {
	log *logrus.Entry
}

// NewNativeAdapter builds a NativeAdapter.
func NewNativeAdapter(log *logrus.Entry) *NativeAdapter {
	return &NativeAdapter{log: log}
}

type nativeHandle struct {
	cmd    *exec.Cmd
	stdout chan types.LogEvent
	stderr chan types.LogEvent
	done   chan ExitInfo

	shutdownDeadline time.Duration
	log              *logrus.Entry
}

// Spawn starts spec.Command in its own process group with the merged
// environment, failing with errs.CwdMissing if Cwd does not exist, per
// spec.md §4.3's spawn semantics.
func (a *NativeAdapter) Spawn(ctx context.Context, spec Spec) (Handle, *errs.Error) {
	if len(spec.Command.Argv) == 0 {
		return nil, errs.New(errs.KindSpawnError, "command argv must not be empty").WithSub(errs.SubExecutableNotFound)
	}
	if _, err := os.Stat(spec.Cwd); err != nil {
		return nil, errs.New(errs.KindSpawnError, "working directory does not exist: "+spec.Cwd).
			WithSub(errs.SubCwdMissing).WithCause(err)
	}

	// Not exec.CommandContext: ctx is the caller's request context, and the
	// session's process must outlive the request that started it.
	cmd := exec.Command(spec.Command.Argv[0], spec.Command.Argv[1:]...)
	cmd.Dir = spec.Cwd
	cmd.Env = mergedEnv(spec.Env)
	kill.PrepareForChildren(cmd)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errs.New(errs.KindSpawnError, "attach stdout").WithCause(err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, errs.New(errs.KindSpawnError, "attach stderr").WithCause(err)
	}

	deadline := spec.ShutdownDeadline
	if deadline <= 0 {
		deadline = 10 * time.Second
	}

	h := &nativeHandle{
		cmd:              cmd,
		stdout:           make(chan types.LogEvent, 64),
		stderr:           make(chan types.LogEvent, 64),
		done:             make(chan ExitInfo, 1),
		shutdownDeadline: deadline,
		log:              a.log.WithField("session_id", spec.SessionID),
	}

	if err := cmd.Start(); err != nil {
		return nil, errs.New(errs.KindSpawnError, "start process").WithCause(err)
	}

	go streamLines(stdoutPipe, spec.SessionID, types.StreamStdout, h.stdout)
	go streamLines(stderrPipe, spec.SessionID, types.StreamStderr, h.stderr)
	go h.wait()

	return h, nil
}

func (h *nativeHandle) Stdout() <-chan types.LogEvent { return h.stdout }
func (h *nativeHandle) Stderr() <-chan types.LogEvent { return h.stderr }
func (h *nativeHandle) Done() <-chan ExitInfo         { return h.done }

func (h *nativeHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *nativeHandle) wait() {
	err := h.cmd.Wait()
	info := ExitInfo{ExitedAt: time.Now()}

	if err == nil {
		info.ExitCode = 0
	} else if exitErr, ok := err.(*exec.ExitError); ok {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				info.Signal = ws.Signal().String()
				info.ExitCode = 128 + int(ws.Signal())
			} else {
				info.ExitCode = ws.ExitStatus()
			}
		} else {
			info.ExitCode = 1
		}
	} else {
		info.Err = err
		info.ExitCode = -1
	}

	h.done <- info
	close(h.done)
}

// Signal implements the graceful-then-forced escalation: SIGTERM to the
// process itself (the group leader), a wait up to shutdownDeadline or
// until ctx is done, then kill.Kill on the whole process group.
func (h *nativeHandle) Signal(ctx context.Context, sig Signal) error {
	if h.cmd.Process == nil {
		return nil
	}
	if sig == SignalKill {
		return kill.Kill(h.cmd)
	}

	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		h.log.WithError(err).Debug("SIGTERM delivery failed, escalating to force-kill")
		return kill.Kill(h.cmd)
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(h.shutdownDeadline):
		h.log.Warn("process did not exit within shutdown deadline, force-killing")
		return kill.Kill(h.cmd)
	case <-ctx.Done():
		return kill.Kill(h.cmd)
	}
}

// mergedEnv merges spec.Env over the adapter process's own environment,
// the way the teacher's NewCmd sets cmd.Env = os.Environ() and the pack's
// process-runner mergeEnv layers custom vars on top of the parent's.
func mergedEnv(env map[string]string) []string {
	base := os.Environ()
	if len(env) == 0 {
		return base
	}
	merged := make(map[string]string, len(base)+len(env))
	for _, kv := range base {
		if idx := indexByte([]byte(kv), '='); idx >= 0 {
			merged[kv[:idx]] = kv[idx+1:]
		}
	}
	for k, v := range env {
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}
