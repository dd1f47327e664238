// Package watch logs Wasm-file hot-swap events for diagnostics. The
// actual staleness detection and worker restart happens per-request
// inside the Worker Host (mtime comparison, spec.md §4.1 step 1 of the
// warm path); this watcher exists only so operators can see a swap
// land in the logs without waiting for the next request.
package watch

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher observes the directory containing a single Wasm file and logs
// writes to it.
type Watcher struct {
	fsw      *fsnotify.Watcher
	wasmPath string
	log      *logrus.Entry
	stop     chan struct{}
}

// New starts watching the directory containing wasmPath.
func New(wasmPath string, log *logrus.Entry) (*Watcher, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(wasmPath)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{fsw: fsw, wasmPath: filepath.Clean(wasmPath), log: log, stop: make(chan struct{})}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.wasmPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.log.WithField("path", event.Name).Info("watch: wasm file changed on disk, workers will restart on next stale check")
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("watch: fsnotify error")
		case <-w.stop:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.stop)
	return w.fsw.Close()
}
