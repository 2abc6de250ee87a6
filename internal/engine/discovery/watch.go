package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/voxweave/voxweave/internal/engine"
)

// debounceWindow coalesces the burst of filesystem events an engine install
// produces into one rescan.
const debounceWindow = 2 * time.Second

// Watch rescans whenever a manifest under the engines root changes and calls
// onChange with the fresh variant list. It blocks until ctx ends. A failed
// rescan is logged and retried on the next change, never fatal.
func (s *Scanner) Watch(ctx context.Context, onChange func([]*engine.Variant)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("discovery: create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(s.root); err != nil {
		return fmt.Errorf("discovery: watch %q: %w", s.root, err)
	}

	var (
		debounce *time.Timer
		fire     <-chan time.Time
	)

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !relevant(ev) {
				continue
			}
			// New engine directories need their own watch for the
			// manifest inside.
			if ev.Op.Has(fsnotify.Create) {
				if err := w.Add(ev.Name); err != nil {
					slog.Debug("watch new path failed", "path", ev.Name, "error", err)
				}
			}
			if debounce == nil {
				debounce = time.NewTimer(debounceWindow)
				fire = debounce.C
			} else {
				debounce.Reset(debounceWindow)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("engine watcher error", "error", err)

		case <-fire:
			debounce = nil
			fire = nil
			variants, err := s.Scan()
			if err != nil {
				slog.Warn("engine rescan failed", "error", err)
				continue
			}
			slog.Info("engine manifests rescanned", "variants", len(variants))
			onChange(variants)
		}
	}
}

// relevant filters events down to manifest edits and directory add/removal.
func relevant(ev fsnotify.Event) bool {
	if strings.HasSuffix(ev.Name, ManifestName) {
		return true
	}
	return ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename)
}
