package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxweave/voxweave/internal/bus"
	"github.com/voxweave/voxweave/internal/engine/client"
	"github.com/voxweave/voxweave/internal/observe"
	"github.com/voxweave/voxweave/internal/runner"
)

// healthPollTimeout bounds how long a freshly started engine may take to
// answer its first successful health check. Loading responses keep the poll
// alive; silence fails the start.
const healthPollTimeout = 30 * time.Second

// healthPollInterval is the delay between boot health probes.
const healthPollInterval = 500 * time.Millisecond

// gracefulStopWindow is how long a stopping engine gets between the shutdown
// request and the kill.
const gracefulStopWindow = 30 * time.Second

// ErrStarting is returned when an operation races an in-flight start of the
// same variant.
var ErrStarting = errors.New("engine: variant is starting")

// Events is the slice of the event bus the manager publishes on.
type Events interface {
	Broadcast(eventType string, data map[string]any, channel string)
}

// ClientFactory builds the HTTP client for a launched engine. Swapped in
// tests.
type ClientFactory func(baseURL string) (*client.Client, error)

// running is the manager's record of its one live engine.
type running struct {
	variant   *Variant
	endpoint  *runner.Endpoint
	client    *client.Client
	model     string
	port      int
	discovery bool
	started   time.Time
	lastUsed  time.Time
}

// Manager owns the runtime lifecycle of all variants of one engine kind.
// At most one variant per kind runs at a time: work for a different variant
// stops the current one first. Safe for concurrent use.
type Manager struct {
	kind      Kind
	ports     *PortRegistry
	runners   map[string]runner.Runner
	events    Events
	newClient ClientFactory

	mu       sync.Mutex
	active   *running
	starting map[string]struct{}
	stopping map[string]struct{}

	// inactivity is the idle window before auto-stop in normal operation;
	// discovery sessions use the much shorter discoveryIdle.
	inactivity time.Duration
}

// ManagerOption configures a [Manager].
type ManagerOption func(*Manager)

// WithClientFactory overrides how engine HTTP clients are built.
func WithClientFactory(f ClientFactory) ManagerOption {
	return func(m *Manager) { m.newClient = f }
}

// WithInactivityTimeout overrides the idle window before auto-stop.
func WithInactivityTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.inactivity = d
		}
	}
}

// NewManager creates a manager for one engine kind. runners maps a launch
// host ("local", "docker", "docker:<name>") to its backend.
func NewManager(kind Kind, ports *PortRegistry, runners map[string]runner.Runner, events Events, opts ...ManagerOption) *Manager {
	m := &Manager{
		kind:       kind,
		ports:      ports,
		runners:    runners,
		events:     events,
		newClient: func(baseURL string) (*client.Client, error) {
			return client.New(baseURL)
		},
		starting:   make(map[string]struct{}),
		stopping:   make(map[string]struct{}),
		inactivity: defaultInactivity,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Kind returns the engine kind this manager owns.
func (m *Manager) Kind() Kind { return m.kind }

// Active returns the running variant's ID and loaded model, or "" when
// nothing runs.
func (m *Manager) Active() (variantID, model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return "", ""
	}
	return m.active.variant.ID, m.active.model
}

// State reports the variant's lifecycle state as the manager sees it.
func (m *Manager) State(variantID string) RunState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.starting[variantID]; ok {
		return RunStateStarting
	}
	if _, ok := m.stopping[variantID]; ok {
		return RunStateStopping
	}
	if m.active != nil && m.active.variant.ID == variantID {
		return RunStateRunning
	}
	return RunStateStopped
}

// Touch records activity on the running engine, pushing its auto-stop
// deadline out. Called by workers around every generate call.
func (m *Manager) Touch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		m.active.lastUsed = time.Now()
	}
}

// EnsureReady makes the variant the running engine of this kind with the
// given model loaded, and returns its HTTP client.
//
// The cheap paths come first: already running with the right model is a
// no-op; running with a different model hot-swaps when the engine supports
// it and restarts when it does not. A different running variant is stopped
// before the requested one starts.
func (m *Manager) EnsureReady(ctx context.Context, v *Variant, model string) (*client.Client, error) {
	m.mu.Lock()
	if _, ok := m.starting[v.ID]; ok {
		m.mu.Unlock()
		return nil, ErrStarting
	}
	cur := m.active
	m.mu.Unlock()

	if cur != nil && cur.variant.ID == v.ID {
		if model == "" || cur.model == model {
			m.Touch()
			return cur.client, nil
		}
		// A bare load works when the engine supports hot-swap, or when
		// nothing is loaded yet (discovery-mode start).
		if v.Capabilities.ModelHotswap || cur.model == "" {
			if err := cur.client.Load(ctx, model); err != nil {
				return nil, fmt.Errorf("engine: load model %q on %q: %w", model, v.ID, err)
			}
			m.mu.Lock()
			if m.active != nil && m.active.variant.ID == v.ID {
				m.active.model = model
				m.active.lastUsed = time.Now()
			}
			m.mu.Unlock()
			m.publish("engine.model_loaded", map[string]any{
				"engineId": v.ID, "modelName": model,
			})
			return cur.client, nil
		}
		// No hot-swap support: full restart with the new model.
		if err := m.Stop(ctx, StopReasonManual); err != nil {
			return nil, err
		}
	} else if cur != nil {
		// Single active engine per kind.
		if err := m.Stop(ctx, StopReasonManual); err != nil {
			return nil, err
		}
	}

	return m.Start(ctx, v, model, false)
}

// Start launches the variant, waits until it answers health checks, and
// loads the model (when non-empty). On any failure everything already
// acquired is torn down and an engine.error event is published.
func (m *Manager) Start(ctx context.Context, v *Variant, model string, discovery bool) (*client.Client, error) {
	r, ok := m.runners[v.Launch.Host]
	if !ok {
		return nil, fmt.Errorf("engine: no runner for host %q (variant %q)", v.Launch.Host, v.ID)
	}

	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("engine: %s manager already runs %q", m.kind, m.active.variant.ID)
	}
	if _, dup := m.starting[v.ID]; dup {
		m.mu.Unlock()
		return nil, ErrStarting
	}
	m.starting[v.ID] = struct{}{}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.starting, v.ID)
		m.mu.Unlock()
	}()

	m.publish("engine.starting", map[string]any{
		"engineId": v.ID, "modelName": model,
	})

	bootStart := time.Now()
	c, port, ep, err := m.boot(ctx, r, v, model)
	if err != nil {
		observe.DefaultMetrics().RecordEngineStart(ctx, v.ID, "error", time.Since(bootStart))
		m.publish("engine.error", map[string]any{
			"engineId": v.ID, "error": err.Error(),
		})
		return nil, err
	}
	observe.DefaultMetrics().RecordEngineStart(ctx, v.ID, "ok", time.Since(bootStart))
	observe.DefaultMetrics().EngineRunning(ctx, 1)

	// Publish the live record only once the engine is fully ready, so no
	// reader ever sees a half-started engine.
	now := time.Now()
	m.mu.Lock()
	m.active = &running{
		variant:   v,
		endpoint:  ep,
		client:    c,
		model:     model,
		port:      port,
		discovery: discovery,
		started:   now,
		lastUsed:  now,
	}
	m.mu.Unlock()

	m.publish("engine.started", map[string]any{
		"engineId": v.ID, "port": port, "modelName": model,
	})
	slog.Info("engine running", "kind", m.kind, "variant", v.ID, "port", port, "model", model)
	return c, nil
}

// boot performs the fallible part of a start: port, process, health, model.
func (m *Manager) boot(ctx context.Context, r runner.Runner, v *Variant, model string) (*client.Client, int, *runner.Endpoint, error) {
	port, err := m.ports.Allocate(v.ID)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("engine: start %q: %w", v.ID, err)
	}

	ep, err := r.Start(ctx, v, port)
	if err != nil {
		m.ports.Release(port)
		return nil, 0, nil, fmt.Errorf("engine: start %q: %w", v.ID, err)
	}

	c, err := m.newClient(ep.BaseURL)
	if err != nil {
		ep.Handle.Kill(context.WithoutCancel(ctx))
		m.ports.Release(port)
		return nil, 0, nil, fmt.Errorf("engine: start %q: %w", v.ID, err)
	}
	if err := m.awaitHealthy(ctx, c); err != nil {
		ep.Handle.Kill(context.WithoutCancel(ctx))
		m.ports.Release(port)
		return nil, 0, nil, fmt.Errorf("engine: %q never became healthy: %w", v.ID, err)
	}

	if model != "" {
		if err := c.Load(ctx, model); err != nil {
			ep.Handle.Kill(context.WithoutCancel(ctx))
			m.ports.Release(port)
			return nil, 0, nil, fmt.Errorf("engine: load model %q on %q: %w", model, v.ID, err)
		}
	}
	return c, port, ep, nil
}

// awaitHealthy polls /health until the engine answers ready. A loading
// answer counts as alive and keeps the poll going; only silence past the
// deadline fails.
func (m *Manager) awaitHealthy(ctx context.Context, c *client.Client) error {
	ctx, cancel := context.WithTimeout(ctx, healthPollTimeout)
	defer cancel()

	var lastErr error
	for {
		_, err := c.Health(ctx)
		if err == nil || client.IsLoading(err) {
			return nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last: %v)", ctx.Err(), lastErr)
		case <-time.After(healthPollInterval):
		}
	}
}

// Stop shuts the running engine down: polite POST /shutdown first, then a
// bounded wait, then the kill. Port release and the engine.stopped event
// happen regardless of how the engine went down.
func (m *Manager) Stop(ctx context.Context, reason StopReason) error {
	m.mu.Lock()
	cur := m.active
	if cur == nil {
		m.mu.Unlock()
		return nil
	}
	m.active = nil
	m.stopping[cur.variant.ID] = struct{}{}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.stopping, cur.variant.ID)
		m.mu.Unlock()
	}()

	m.publish("engine.stopping", map[string]any{
		"engineId": cur.variant.ID, "reason": string(reason),
	})

	// Advisory: an engine that ignores it gets killed below.
	if err := cur.client.Shutdown(ctx); err != nil {
		slog.Debug("shutdown request failed, killing", "variant", cur.variant.ID, "error", err)
	}

	err := runner.StopHandle(ctx, cur.endpoint.Handle, gracefulStopWindow)
	m.ports.Release(cur.port)
	observe.DefaultMetrics().EngineRunning(ctx, -1)

	m.publish("engine.stopped", map[string]any{
		"engineId": cur.variant.ID, "reason": string(reason),
	})
	slog.Info("engine stopped", "kind", m.kind, "variant", cur.variant.ID, "reason", reason)
	if err != nil {
		return fmt.Errorf("engine: stop %q: %w", cur.variant.ID, err)
	}
	return nil
}

// Restart stops and relaunches the running engine with its current model.
// Used by the retry policy after a server-side failure.
func (m *Manager) Restart(ctx context.Context) error {
	m.mu.Lock()
	cur := m.active
	m.mu.Unlock()
	if cur == nil {
		return errors.New("engine: nothing to restart")
	}
	v, model, discovery := cur.variant, cur.model, cur.discovery
	observe.DefaultMetrics().RecordEngineRestart(ctx, v.ID)

	if err := m.Stop(ctx, StopReasonError); err != nil {
		slog.Warn("stop during restart failed, continuing", "variant", v.ID, "error", err)
	}
	_, err := m.Start(ctx, v, model, discovery)
	return err
}

// Health checks the running engine. Loading errors pass through unchanged so
// callers can distinguish warming-up from broken.
func (m *Manager) Health(ctx context.Context) error {
	m.mu.Lock()
	cur := m.active
	m.mu.Unlock()
	if cur == nil {
		return errors.New("engine: not running")
	}
	_, err := cur.client.Health(ctx)
	return err
}

// DiscoverModels starts the variant in discovery mode (short idle window, no
// model load), queries its model list, and returns it. The engine stays up
// afterwards so a follow-up start is cheap, but the auto-stop loop reclaims
// it quickly.
func (m *Manager) DiscoverModels(ctx context.Context, v *Variant) ([]Model, error) {
	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	m.mu.Lock()
	cur := m.active
	m.mu.Unlock()

	var c *client.Client
	if cur != nil && cur.variant.ID == v.ID {
		c = cur.client
	} else {
		if cur != nil {
			if err := m.Stop(ctx, StopReasonManual); err != nil {
				return nil, err
			}
		}
		var err error
		c, err = m.Start(ctx, v, "", true)
		if err != nil {
			return nil, err
		}
	}

	infos, err := c.Models(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: discover models on %q: %w", v.ID, err)
	}
	models := make([]Model, 0, len(infos))
	for _, mi := range infos {
		models = append(models, Model{
			VariantID:   v.ID,
			Name:        mi.Name,
			DisplayName: mi.DisplayName,
			Languages:   mi.Languages,
		})
	}
	m.Touch()
	return models, nil
}

// Shutdown stops whatever runs, for process exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	return m.Stop(ctx, StopReasonManual)
}

func (m *Manager) publish(eventType string, data map[string]any) {
	if m.events == nil {
		return
	}
	data["kind"] = string(m.kind)
	m.events.Broadcast(eventType, data, bus.ChannelEngines)
}
