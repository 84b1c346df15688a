package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/launchkitd/launchkitd/internal/logger"
)

// reloadDebounce coalesces the burst of fsnotify events a single editor
// save tends to produce.
const reloadDebounce = 300 * time.Millisecond

// Watcher watches a config file's directory and reloads Store whenever
// the file itself changes.
// Watching the directory rather than the file directly survives editors
// that save via rename-into-place, which would otherwise orphan a
// watch on the old inode.
type Watcher struct {
	store    *Store
	path     string
	watcher  *fsnotify.Watcher
	onChange func(*Snapshot)
	done     chan struct{}
}

// NewWatcher starts watching path's directory. onChange, if non-nil, is
// invoked with the freshly-reloaded Snapshot after every debounced
// change.
func NewWatcher(store *Store, path string, onChange func(*Snapshot)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		store:    store,
		path:     path,
		watcher:  fw,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() {
	close(w.done)
	w.watcher.Close()
}

func (w *Watcher) run() {
	var timer *time.Timer
	target := filepath.Clean(w.path)

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Config().Warn().Err(err).Msg("config watcher error")
		}
	}
}

func (w *Watcher) reload() {
	snap, err := w.store.Reload(w.path)
	if err != nil {
		logger.Config().Warn().Err(err).Str("path", w.path).Msg("config reload failed; keeping prior snapshot")
		return
	}
	logger.Config().Info().Int("version", snap.Version).Msg("config reloaded")
	if w.onChange != nil {
		w.onChange(snap)
	}
}
