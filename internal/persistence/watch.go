package persistence

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher logs Write, Remove and Rename events on ports.json or
// sessions.json at debug level, so a development session can be replayed
// from the log to spot unexpected external edits (a second daemon
// instance pointed at the same data dir, a human editing the files by
// hand). Create events are not logged; on Linux the rename step of this
// process's own atomic writes arrives as a Rename of the .tmp name and a
// Create of the target, so those writes do not show up. It does not tell
// its own writes apart from external ones, and it never reverts or
// blocks anything -- it's an observability aid, not an enforcement
// mechanism.
type Watcher struct {
	fsw *fsnotify.Watcher
	log *logrus.Entry
}

// WatchDataDir starts watching dataDir's ports.json/sessions.json for
// writes. Close must be called to release the underlying inotify/kqueue
// handle.
func WatchDataDir(dataDir string, log *logrus.Entry) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dataDir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{fsw: fsw, log: log}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	tracked := map[string]bool{
		"ports.json":    true,
		"sessions.json": true,
	}
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			name := filepath.Base(ev.Name)
			if !tracked[name] {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.log.WithFields(logrus.Fields{
					"file": name,
					"op":   ev.Op.String(),
				}).Debug("persistence file changed")
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("persistence watcher error")
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
