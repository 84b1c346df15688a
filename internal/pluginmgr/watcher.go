package pluginmgr

import (
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/launchkitd/launchkitd/internal/logger"
)

// rescanDebounce coalesces the flurry of filesystem events unpacking a
// plugin into its directory produces before a rescan runs.
const rescanDebounce = 300 * time.Millisecond

// Watcher watches the discovery directories and triggers a manager rescan
// whenever their contents change, so a plugin dropped into place is picked
// up without an explicit reload_plugins call. The explicit RPC remains for
// callers that want a deterministic point-in-time rescan.
type Watcher struct {
	manager  *Manager
	watcher  *fsnotify.Watcher
	onReload func(ReloadDiff)
	done     chan struct{}
}

// NewWatcher starts watching every existing directory in dirs. Directories
// that don't exist yet are skipped and are not added to the watch set
// later, even once created; reload_plugins still scans them. onReload, if
// non-nil, receives each rescan's diff.
func NewWatcher(m *Manager, dirs []string, onReload func(ReloadDiff)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	watching := 0
	for _, dir := range dirs {
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := fw.Add(dir); err != nil {
			logger.Plugin().Warn().Str("dir", dir).Err(err).Msg("cannot watch plugin directory")
			continue
		}
		watching++
	}
	if watching == 0 {
		fw.Close()
		return nil, os.ErrNotExist
	}

	w := &Watcher{
		manager:  m,
		watcher:  fw,
		onReload: onReload,
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
	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return

		case _, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(rescanDebounce, w.rescan)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Plugin().Warn().Err(err).Msg("plugin directory watcher error")
		}
	}
}

func (w *Watcher) rescan() {
	diff, errs := w.manager.Reload()
	for _, e := range errs {
		logger.Plugin().Warn().Str("dir", e.Dir).Err(e.Err).Msg("plugin discovery error during watched rescan")
	}
	if len(diff.Added)+len(diff.Removed)+len(diff.Changed) > 0 {
		logger.Plugin().Info().
			Strs("added", diff.Added).
			Strs("removed", diff.Removed).
			Strs("changed", diff.Changed).
			Msg("plugin set changed on disk")
	}
	if w.onReload != nil {
		w.onReload(diff)
	}
}
