// Package applog sets up the process-wide logger, generalizing the
// teacher's pkg/log/log.go (which builds one *logrus.Entry stamped with
// build metadata) from a GUI app's config to devhostd's daemon config.
package applog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// BuildInfo carries the fields every log line is stamped with, matching
// the teacher's version/commit/buildDate/debug fields.
type BuildInfo struct {
	Version string
	Commit  string
	Debug   bool
}

// New returns the process-wide base logger, stamped with build info;
// Component scopes it to one of C1-C6. Debug mode logs human-readable
// text lines to <dataDir>/devhostd.log (stderr if that file cannot be
// opened); production mode is JSON at Error level but writes to
// io.Discard, so it emits nothing. This is the same development/production
// split the teacher makes between newDevelopmentLogger and
// newProductionLogger.
func New(dataDir string, info BuildInfo) *logrus.Entry {
	var base *logrus.Logger
	if info.Debug || os.Getenv("DEVHOSTD_DEBUG") == "1" {
		base = developmentLogger(dataDir)
	} else {
		base = productionLogger()
		base.Formatter = &logrus.JSONFormatter{}
	}

	return base.WithFields(logrus.Fields{
		"version": info.Version,
		"commit":  info.Commit,
		"debug":   info.Debug,
	})
}

func level() logrus.Level {
	lvl, err := logrus.ParseLevel(os.Getenv("DEVHOSTD_LOG_LEVEL"))
	if err != nil {
		return logrus.DebugLevel
	}
	return lvl
}

func developmentLogger(dataDir string) *logrus.Logger {
	l := logrus.New()
	l.SetLevel(level())

	if dataDir == "" {
		l.SetOutput(os.Stderr)
		return l
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		fmt.Fprintln(os.Stderr, "applog: cannot create data dir, logging to stderr:", err)
		l.SetOutput(os.Stderr)
		return l
	}

	file, err := os.OpenFile(filepath.Join(dataDir, "devhostd.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintln(os.Stderr, "applog: unable to log to file, logging to stderr:", err)
		l.SetOutput(os.Stderr)
		return l
	}
	l.SetOutput(file)
	return l
}

func productionLogger() *logrus.Logger {
	l := logrus.New()
	l.Out = io.Discard
	l.SetLevel(logrus.ErrorLevel)
	return l
}

// Component scopes a logger to one subsystem (C1..C6), matching the way
// the teacher passes app.Log down into NewOSCommand/NewDockerCommand.
func Component(base *logrus.Entry, name string) *logrus.Entry {
	return base.WithField("component", name)
}
