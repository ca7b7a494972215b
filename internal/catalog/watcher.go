package catalog

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/xtxerr/ratewatch/internal/logging"
)

var log = logging.Component("catalog")

// Watcher reloads a Rules catalog whenever its file changes on disk.
//
// The containing directory is watched rather than the file, so editors
// that replace the file on save are picked up too.
type Watcher struct {
	rules    *Rules
	path     string
	debounce time.Duration
	watcher  *fsnotify.Watcher

	// OnReload, if set, is called after every reload attempt.
	OnReload func(err error)
}

// NewWatcher creates a watcher for the catalog at path.
func NewWatcher(rules *Rules, path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	return &Watcher{
		rules:    rules,
		path:     filepath.Clean(path),
		debounce: 100 * time.Millisecond,
		watcher:  fw,
	}, nil
}

// Run processes file events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	log.Info("watching catalog", "path", w.path)

	var pending <-chan time.Time
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				// Wait for the write to settle before re-reading.
				pending = time.After(w.debounce)
			}

		case <-pending:
			pending = nil
			err := w.rules.Reload(w.path)
			if err != nil {
				log.Error("catalog reload failed, keeping previous rules", "path", w.path, "error", err)
			} else {
				log.Info("catalog reloaded", "path", w.path, "rules", w.rules.Len())
			}
			if w.OnReload != nil {
				w.OnReload(err)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error("catalog watcher error", "error", err)

		case <-ctx.Done():
			return
		}
	}
}
