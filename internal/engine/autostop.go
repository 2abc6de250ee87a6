package engine

import (
	"context"
	"log/slog"
	"time"
)

// Auto-stop timing. The loop wakes every minute; an engine idle past its
// window is stopped. Discovery sessions only exist to answer one /models
// call, so their window is much shorter.
const (
	autoStopTick      = 60 * time.Second
	defaultInactivity = 5 * time.Minute
	discoveryIdle     = 30 * time.Second
	discoveryTimeout  = 30 * time.Second
)

// SetInactivityTimeout changes the idle window at runtime. Driven by the
// settings layer when the user edits engines.inactivityTimeoutMinutes.
func (m *Manager) SetInactivityTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.inactivity = d
	m.mu.Unlock()
}

// RunAutoStop ticks until ctx ends, stopping the running engine once it has
// been idle past its window. Keep-warm variants are exempt in normal
// operation but not in discovery mode.
func (m *Manager) RunAutoStop(ctx context.Context) {
	ticker := time.NewTicker(autoStopTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapIdle(ctx)
		}
	}
}

func (m *Manager) reapIdle(ctx context.Context) {
	m.mu.Lock()
	cur := m.active
	if cur == nil {
		m.mu.Unlock()
		return
	}
	window := m.inactivity
	if cur.discovery {
		window = discoveryIdle
	} else if cur.variant.KeepWarm {
		m.mu.Unlock()
		return
	}
	idle := time.Since(cur.lastUsed)
	m.mu.Unlock()

	if idle < window {
		return
	}

	slog.Info("stopping idle engine", "kind", m.kind, "variant", cur.variant.ID,
		"idle", idle.Round(time.Second), "window", window)
	if err := m.Stop(ctx, StopReasonInactivity); err != nil {
		slog.Warn("idle engine stop failed", "variant", cur.variant.ID, "error", err)
	}
}
