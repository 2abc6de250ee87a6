package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// defaultPollInterval is how often the watcher looks at the file.
const defaultPollInterval = 5 * time.Second

// fileState is what the watcher remembers about the last good load.
type fileState struct {
	cfg   *Config
	sum   [sha256.Size]byte
	mtime time.Time
}

// Watcher polls a config file and reports content changes through a
// callback. Polling is deliberate: editors save by renaming a temp file
// over the original, which detaches inode-based watches, and one stat per
// interval on a single file costs nothing.
//
// A file that fails to parse or validate never replaces the running
// config; the watcher logs it and keeps polling.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	mu   sync.Mutex
	last fileState

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval overrides the poll interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads the config at path and starts watching it. A path that
// does not load is an immediate error, not a deferred one: the process has
// no config to fall back to yet.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: defaultPollInterval,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	st, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.last = st

	go w.run()
	return w, nil
}

// Current returns the latest config that loaded and validated cleanly.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last.cfg
}

// Stop ends the polling goroutine. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) run() {
	tick := time.NewTicker(w.interval)
	defer tick.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-tick.C:
			w.scan()
		}
	}
}

// scan applies the file if its content changed. The mtime gate keeps the
// common no-change case to one stat call; content identity is decided by
// hash so a bare touch never fires the callback.
func (w *Watcher) scan() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config file unreadable", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	seen := w.last.mtime
	w.mu.Unlock()
	if info.ModTime().Equal(seen) {
		return
	}

	st, err := w.read()
	if err != nil {
		slog.Warn("config reload failed, keeping previous", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	if st.sum == w.last.sum {
		w.last.mtime = st.mtime
		w.mu.Unlock()
		return
	}
	old := w.last.cfg
	w.last = st
	w.mu.Unlock()

	slog.Info("config reloaded", "path", w.path)
	if w.onChange != nil {
		// Outside the lock so the callback may call Current.
		w.onChange(old, st.cfg)
	}
}

// read loads, validates, and fingerprints the file in one pass.
func (w *Watcher) read() (fileState, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fileState{}, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return fileState{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return fileState{}, err
	}
	return fileState{cfg: cfg, sum: sha256.Sum256(data), mtime: info.ModTime()}, nil
}
