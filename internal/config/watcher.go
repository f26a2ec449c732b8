package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/behrlich/auoms-collector/internal/logging"
)

// Watcher hot-reloads a config file, following the same "watch the
// containing directory, filter by basename" fsnotify idiom
// internal/collector uses for the /sbin/auditd sighting, since editors and
// config-management tools typically replace a file rather than write it
// in place (which would orphan a direct watch on the inode).
type Watcher struct {
	path string
	log  *logging.Logger
	fsw  *fsnotify.Watcher
}

// NewWatcher starts watching the directory containing path.
func NewWatcher(path string, log *logging.Logger) (*Watcher, error) {
	if log == nil {
		log = logging.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{path: path, log: log, fsw: fsw}, nil
}

// Run reloads and invokes onReload every time path changes, until ctx is
// cancelled. onReload is also called once immediately with the initial
// load, so callers don't need a separate first LoadFile.
func (w *Watcher) Run(ctx context.Context, onReload func(*Config, error)) {
	defer w.fsw.Close()

	onReload(LoadFile(w.path))

	base := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.log.Infof("config file %s changed, reloading", w.path)
			onReload(LoadFile(w.path))
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warnf("config watcher error: %v", err)
		}
	}
}
