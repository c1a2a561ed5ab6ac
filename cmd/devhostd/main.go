// Command devhostd is the local dev-host supervisor daemon: it binds the
// loopback-only Control Plane in front of the Session Supervisor,
// restoring whatever sessions were previously tracked before accepting
// new requests.
//
// Grounded on the teacher's root main.go (flaggy flag registration,
// build-info-from-vcs fallback when no version was set by ldflags,
// go-errors stack-trace logging of the top-level error) generalized from
// a one-shot TUI launch to a long-running daemon with graceful shutdown.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	goerrors "github.com/go-errors/errors"
	"github.com/integrii/flaggy"
	"github.com/samber/lo"

	"github.com/brennhill/devhostd/internal/applog"
	"github.com/brennhill/devhostd/internal/config"
	"github.com/brennhill/devhostd/internal/controlplane"
	"github.com/brennhill/devhostd/internal/logring"
	"github.com/brennhill/devhostd/internal/persistence"
	"github.com/brennhill/devhostd/internal/ports"
	"github.com/brennhill/devhostd/internal/procadapter"
	"github.com/brennhill/devhostd/internal/supervisor"
)

const defaultVersion = "unversioned"

var (
	commit  string
	version = defaultVersion

	debuggingFlag bool
)

func main() {
	updateBuildInfo()

	flaggy.SetName("devhostd")
	flaggy.SetDescription("Local dev-server supervisor: spawns, monitors, and tears down dev servers for coding agents.")
	flaggy.Bool(&debuggingFlag, "d", "debug", "enable verbose, human-readable logging to <data-dir>/devhostd.log")
	flaggy.SetVersion(version)
	flaggy.Parse()

	if err := run(); err != nil {
		wrapped := goerrors.Wrap(err, 1)
		log.Fatalf("fatal error: %s\n\n%s", err, wrapped.ErrorStack())
	}
}

func run() error {
	cfg, err := config.Load(version, commit, debuggingFlag)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := applog.New(cfg.DataDir, applog.BuildInfo{Version: cfg.Version, Commit: cfg.Commit, Debug: cfg.Debug})
	logger.WithFields(map[string]any{
		"data_dir":           cfg.DataDir,
		"control_plane_addr": cfg.ControlPlaneAddr,
	}).Info("starting devhostd")

	sessionStore := persistence.NewSessionStore(cfg.DataDir)
	portStore := persistence.NewPortStore(cfg.DataDir)

	watcher, err := persistence.WatchDataDir(cfg.DataDir, applog.Component(logger, "persistence"))
	if err != nil {
		logger.WithError(err).Warn("persistence watcher unavailable, continuing without tamper detection")
	} else {
		defer watcher.Close()
	}

	var sup *supervisor.Supervisor
	registry := ports.New(portStore, func(sessionID string) (string, bool) {
		return sup.SessionLookup(sessionID)
	}, applog.Component(logger, "ports"))
	if err := registry.Load(); err != nil {
		return fmt.Errorf("loading port registry: %w", err)
	}

	logs := logring.NewManager(cfg.LogRingCapacity, cfg.LogRingByteCeil, cfg.RetentionGrace, applog.Component(logger, "logring"))
	go logs.Run()
	defer logs.Stop()

	adapter := &procadapter.Router{
		Native: procadapter.NewNativeAdapter(applog.Component(logger, "procadapter.native")),
	}
	if containerAdapter, err := procadapter.NewContainerAdapter(applog.Component(logger, "procadapter.container")); err != nil {
		logger.WithError(err).Warn("container backend unavailable, native-only")
	} else {
		adapter.Container = containerAdapter
	}

	sup = supervisor.New(registry, logs, adapter, sessionStore, cfg.ReadyGrace, cfg.ShutdownDeadline, applog.Component(logger, "supervisor"))

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), cfg.OperationDeadline)
	if err := sup.LoadAndReconcile(startupCtx); err != nil {
		cancelStartup()
		return fmt.Errorf("reconciling session catalog: %w", err)
	}
	cancelStartup()

	server := controlplane.New(sup, applog.Component(logger, "controlplane"), cfg.SSEWriteDeadline, cfg.SSEHeartbeat, cfg.OperationDeadline, cfg.Version)

	listener, err := net.Listen("tcp", cfg.ControlPlaneAddr)
	if err != nil {
		return fmt.Errorf("binding control plane to %s: %w", cfg.ControlPlaneAddr, err)
	}

	httpServer := &http.Server{Handler: server.Router()}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Serve(listener)
	}()

	logger.WithField("addr", cfg.ControlPlaneAddr).Info("control plane listening")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control plane listener failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDeadline)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("control plane did not shut down cleanly")
	}

	logger.Info("devhostd stopped")
	return nil
}

// updateBuildInfo mirrors the teacher's fallback: when no version was
// baked in via -ldflags, read it back from the Go module's own VCS stamp.
func updateBuildInfo() {
	if version != defaultVersion {
		return
	}
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if revision, ok := lo.Find(buildInfo.Settings, func(s debug.BuildSetting) bool {
		return s.Key == "vcs.revision"
	}); ok {
		commit = revision.Value
		if len(revision.Value) > 7 {
			version = revision.Value[:7]
		} else {
			version = revision.Value
		}
	}
}
