package procadapter

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/sirupsen/logrus"

	"github.com/brennhill/devhostd/internal/errs"
	"github.com/brennhill/devhostd/internal/types"
)

// guestProjectDir is the fixed mount point for the session's project
// directory inside the container, per spec.md §4.3's container spawn
// semantics ("the project directory is mounted at a fixed guest path").
const guestProjectDir = "/workspace"

// defaultImages maps a runtime class to its default image when
// Spec.Image is empty.
var defaultImages = map[types.RuntimeClass]string{
	types.RuntimeNode:   "node:20-alpine",
	types.RuntimePython: "python:3.12-slim",
	types.RuntimePHP:    "php:8.3-cli",
	types.RuntimeStatic: "halverneus/static-file-server:latest",
}

// ContainerAdapter spawns sessions as containers via the Docker engine
// API, grounded on the teacher's client construction in
// pkg/commands/docker.go (client.NewClientWithOpts) and its
// container.go lifecycle calls (ContainerStop et al.), generalized from
// "one docker-compose project" to "one session, one container".
type ContainerAdapter struct {
	cli *client.Client
	log *logrus.Entry
}

// NewContainerAdapter constructs a ContainerAdapter talking to the local
// Docker engine the same way the teacher's DockerCommand does.
func NewContainerAdapter(log *logrus.Entry) (*ContainerAdapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &ContainerAdapter{cli: cli, log: log}, nil
}

type containerHandle struct {
	cli         *client.Client
	containerID string
	stdout      chan types.LogEvent
	stderr      chan types.LogEvent
	done        chan ExitInfo

	shutdownDeadline time.Duration
	log              *logrus.Entry
}

// Spawn creates, starts, and attaches to a session's container: the
// project directory is bind-mounted at guestProjectDir, the session port
// is published on the same container port, and the image is chosen from
// defaultImages unless Spec.Image overrides it.
func (a *ContainerAdapter) Spawn(ctx context.Context, spec Spec) (Handle, *errs.Error) {
	image := spec.Image
	if image == "" {
		image = defaultImages[spec.RuntimeClass]
	}
	if image == "" {
		return nil, errs.New(errs.KindSpawnError, "no image configured for runtime class "+string(spec.RuntimeClass)).
			WithSub(errs.SubExecutableNotFound)
	}

	var exposed nat.PortSet
	var bindings nat.PortMap
	if spec.Port > 0 {
		portSpec := nat.Port(strconv.Itoa(spec.Port) + "/tcp")
		exposed = nat.PortSet{portSpec: struct{}{}}
		bindings = nat.PortMap{
			portSpec: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(spec.Port)}},
		}
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	created, err := a.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        image,
			Cmd:          spec.Command.Argv,
			Env:          env,
			WorkingDir:   guestProjectDir,
			ExposedPorts: exposed,
			Labels:       map[string]string{"devhostd.session_id": spec.SessionID},
		},
		&container.HostConfig{
			Binds:        []string{spec.Cwd + ":" + guestProjectDir},
			PortBindings: bindings,
			AutoRemove:   false,
		},
		nil, nil, "devhostd-"+spec.SessionID,
	)
	if err != nil {
		return nil, errs.New(errs.KindSpawnError, "create container").WithCause(err)
	}

	if err := a.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, errs.New(errs.KindSpawnError, "start container").WithCause(err)
	}

	deadline := spec.ShutdownDeadline
	if deadline <= 0 {
		deadline = 10 * time.Second
	}

	h := &containerHandle{
		cli:              a.cli,
		containerID:      created.ID,
		stdout:           make(chan types.LogEvent, 64),
		stderr:           make(chan types.LogEvent, 64),
		done:             make(chan ExitInfo, 1),
		shutdownDeadline: deadline,
		log:              a.log.WithField("session_id", spec.SessionID).WithField("container_id", created.ID),
	}

	go h.streamLogs(spec.SessionID)
	go h.wait()

	return h, nil
}

func (h *containerHandle) Stdout() <-chan types.LogEvent { return h.stdout }
func (h *containerHandle) Stderr() <-chan types.LogEvent { return h.stderr }
func (h *containerHandle) Done() <-chan ExitInfo         { return h.done }

// PID is not meaningful for a container handle: the process lives in
// its own PID namespace, so we report 0 and let callers key off the
// container id in logs instead.
func (h *containerHandle) PID() int { return 0 }

// streamLogs attaches to the container's combined stdout/stderr stream
// and demultiplexes the Docker log framing into LogEvents via the same
// line-capping helper the native backend uses.
func (h *containerHandle) streamLogs(sessionID string) {
	ctx := context.Background()
	logs, err := h.cli.ContainerLogs(ctx, h.containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Timestamps: false,
	})
	if err != nil {
		h.log.WithError(err).Warn("attach container logs failed")
		close(h.stdout)
		close(h.stderr)
		return
	}
	defer logs.Close()

	// Docker multiplexes stdout/stderr over one stream with an 8-byte
	// frame header; demultiplex frame-by-frame into the two per-stream
	// pipes streamLines expects.
	stdoutPipeR, stdoutPipeW := io.Pipe()
	stderrPipeR, stderrPipeW := io.Pipe()
	go streamLines(stdoutPipeR, sessionID, types.StreamStdout, h.stdout)
	go streamLines(stderrPipeR, sessionID, types.StreamStderr, h.stderr)

	header := make([]byte, 8)
	reader := bufio.NewReader(logs)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			stdoutPipeW.Close()
			stderrPipeW.Close()
			return
		}
		size := int(header[4])<<24 | int(header[5])<<16 | int(header[6])<<8 | int(header[7])
		payload := make([]byte, size)
		if _, err := io.ReadFull(reader, payload); err != nil {
			stdoutPipeW.Close()
			stderrPipeW.Close()
			return
		}
		switch header[0] {
		case 2:
			stderrPipeW.Write(payload)
		default:
			stdoutPipeW.Write(payload)
		}
	}
}

func (h *containerHandle) wait() {
	ctx := context.Background()
	statusCh, errCh := h.cli.ContainerWait(ctx, h.containerID, container.WaitConditionNotRunning)

	info := ExitInfo{ExitedAt: time.Now()}
	select {
	case err := <-errCh:
		info.Err = err
		info.ExitCode = -1
	case status := <-statusCh:
		info.ExitCode = int(status.StatusCode)
		if status.Error != nil {
			info.Err = fmt.Errorf("%s", status.Error.Message)
		}
	}
	info.ExitedAt = time.Now()

	h.done <- info
	close(h.done)
}

// Signal stops the container gracefully (Docker sends SIGTERM, then
// SIGKILL after the timeout itself) for SignalStop, or kills it outright
// for SignalKill.
func (h *containerHandle) Signal(ctx context.Context, sig Signal) error {
	if sig == SignalKill {
		return h.cli.ContainerKill(ctx, h.containerID, "SIGKILL")
	}
	timeoutSecs := int(h.shutdownDeadline / time.Second)
	return h.cli.ContainerStop(ctx, h.containerID, container.StopOptions{Timeout: &timeoutSecs})
}
