package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestWatcher_InitialLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, minimalYAML)

	w, err := NewWatcher(path, nil, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if w.Current().Server.ListenAddr != ":8080" {
		t.Errorf("initial config = %+v", w.Current().Server)
	}
}

func TestWatcher_InitialLoadFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "storage: {}")

	if _, err := NewWatcher(path, nil); err == nil {
		t.Fatal("NewWatcher accepted invalid config")
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, minimalYAML)

	changed := make(chan LogLevel, 1)
	w, err := NewWatcher(path, func(_, newCfg *Config) {
		changed <- newCfg.Server.LogLevel
	}, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	// Backdate so the rewrite's mtime is guaranteed to differ on coarse
	// filesystem clocks.
	past := time.Now().Add(-time.Hour)
	os.Chtimes(path, past, past)
	writeConfig(t, path, "server:\n  log_level: debug\n"+minimalYAML)

	select {
	case lvl := <-changed:
		if lvl != LogDebug {
			t.Errorf("new log level = %q", lvl)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("change never reported")
	}
	if w.Current().Server.LogLevel != LogDebug {
		t.Errorf("Current() = %+v", w.Current().Server)
	}
}

func TestWatcher_InvalidEditKeepsOldConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, minimalYAML)

	var calls int
	w, err := NewWatcher(path, func(_, _ *Config) { calls++ }, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	past := time.Now().Add(-time.Hour)
	os.Chtimes(path, past, past)
	writeConfig(t, path, "storage: {}")

	// Give the poller time to see the broken file.
	time.Sleep(100 * time.Millisecond)

	if calls != 0 {
		t.Errorf("onChange calls = %d, want 0 for invalid edit", calls)
	}
	if w.Current().Storage.PostgresDSN == "" {
		t.Error("old config lost after invalid edit")
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, minimalYAML)

	var calls int
	w, err := NewWatcher(path, func(_, _ *Config) { calls++ }, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	future := time.Now().Add(time.Hour)
	os.Chtimes(path, future, future)
	time.Sleep(100 * time.Millisecond)

	if calls != 0 {
		t.Errorf("onChange calls = %d, want 0 for a bare touch", calls)
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, minimalYAML)

	w, err := NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.Stop()
	w.Stop()
}
