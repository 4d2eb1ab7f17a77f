package main

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

type syncer interface {
	Synchronize(ctx context.Context, root string) (int, error)
}

// Watcher re-synchronizes a knowledge path whenever files under it change.
// Bursts of events are merged into a single pass that starts once no event
// arrived for delay.
type Watcher struct {
	log   *slog.Logger
	root  string
	delay time.Duration
	sync  syncer
}

func NewWatcher(log *slog.Logger, root string, delay time.Duration, s syncer) *Watcher {
	if delay <= 0 {
		delay = defaultDebounce
	}

	return &Watcher{log: log, root: canonicalRoot(root), delay: delay, sync: s}
}

// Watch subscribes to the knowledge path and returns once the subscription is
// active. Events are processed in the background until ctx is done.
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	if err := w.addRecursive(fw, w.root); err != nil {
		fw.Close()
		return err
	}

	go w.run(ctx, fw)

	return nil
}

func (w *Watcher) run(ctx context.Context, fw *fsnotify.Watcher) {
	defer fw.Close()

	timer := time.NewTimer(w.delay)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case e, ok := <-fw.Events:
			if !ok {
				return
			}
			if !w.relevant(e) {
				continue
			}

			if e.Has(fsnotify.Create) {
				if info, err := os.Stat(e.Name); err == nil && info.IsDir() {
					if err := w.addRecursive(fw, e.Name); err != nil {
						w.log.Warn("failed to watch directory", slog.String("path", e.Name), slog.String("error", err.Error()))
					}
				}
			}

			timer.Reset(w.delay)

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.log.Error("watcher error", slog.String("error", err.Error()))

		case <-timer.C:
			n, err := w.sync.Synchronize(ctx, w.root)
			if err != nil {
				w.log.Error("failed to synchronize", slog.String("root", w.root), slog.String("error", err.Error()))
				continue
			}
			w.log.Info("changes synchronized", slog.String("root", w.root), slog.Int("chunks", n))
		}
	}
}

// relevant drops chmod-only events and events on hidden entries, such as the
// statistics file written after every pass.
func (w *Watcher) relevant(e fsnotify.Event) bool {
	if e.Op == fsnotify.Chmod {
		return false
	}

	rel, err := filepath.Rel(w.root, e.Name)
	if err != nil {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if isHidden(part) && part != "." && part != ".." {
			return false
		}
	}

	return true
}

func (w *Watcher) addRecursive(fw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && isHidden(d.Name()) {
			return filepath.SkipDir
		}
		if err := fw.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}
