package supervisor

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
	"time"
)

// watcher polls directory trees for modification-time changes. Polling
// needs no platform watch descriptors and coalesces save bursts naturally:
// at most one report per scan, and the snapshot is rebuilt every pass.
type watcher struct {
	dirs     []string
	interval time.Duration
	mtimes   map[string]time.Time
}

func newWatcher(dirs []string, interval time.Duration) *watcher {
	if len(dirs) == 0 {
		dirs = []string{"."}
	}
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &watcher{
		dirs:     dirs,
		interval: interval,
		mtimes:   make(map[string]time.Time),
	}
}

// run seeds the snapshot, then reports the first changed path of each scan
// to out until the context ends.
func (w *watcher) run(ctx context.Context, out chan<- string) {
	w.scan()
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if path, ok := w.scan(); ok {
				select {
				case out <- path:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// scan walks the watched trees and returns the first path whose
// modification time differs from the previous pass. Files appearing or
// vanishing between passes only refresh the snapshot; dot-entries are
// skipped whole.
func (w *watcher) scan() (string, bool) {
	next := make(map[string]time.Time, len(w.mtimes))
	changed := ""
	for _, dir := range w.dirs {
		filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			next[path] = info.ModTime()
			if changed == "" {
				if prev, seen := w.mtimes[path]; seen && !prev.Equal(info.ModTime()) {
					changed = path
				}
			}
			return nil
		})
	}
	w.mtimes = next
	return changed, changed != ""
}
