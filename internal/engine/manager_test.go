package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxweave/voxweave/internal/engine/client"
	"github.com/voxweave/voxweave/internal/runner"
)

// engineServer is a scripted engine HTTP backend.
type engineServer struct {
	mu        sync.Mutex
	loaded    []string
	shutdowns int
	healthErr bool
}

func (s *engineServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		s.mu.Lock()
		bad := s.healthErr
		s.mu.Unlock()
		if bad {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	})
	mux.HandleFunc("/load", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		s.mu.Lock()
		s.loaded = append(s.loaded, body["engineModelName"])
		s.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"status": "loaded"})
	})
	mux.HandleFunc("/models", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"models": []map[string]any{
				{"name": "tts-small", "displayName": "Small"},
				{"name": "tts-large"},
			},
		})
	})
	mux.HandleFunc("/shutdown", func(w http.ResponseWriter, _ *http.Request) {
		s.mu.Lock()
		s.shutdowns++
		s.mu.Unlock()
	})
	return mux
}

func (s *engineServer) loadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.loaded)
}

// fakeRunner hands out endpoints pointing at the scripted server.
type fakeRunner struct {
	baseURL string
	failErr error

	mu     sync.Mutex
	starts int
	kills  int
}

func (r *fakeRunner) Start(_ context.Context, _ *Variant, _ int) (*runner.Endpoint, error) {
	r.mu.Lock()
	r.starts++
	r.mu.Unlock()
	if r.failErr != nil {
		return nil, r.failErr
	}
	return &runner.Endpoint{BaseURL: r.baseURL, Handle: &fakeHandle{runner: r}}, nil
}

func (r *fakeRunner) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

type fakeHandle struct {
	runner *fakeRunner
}

func (h *fakeHandle) Wait(context.Context) error { return nil }

func (h *fakeHandle) Kill(context.Context) error {
	h.runner.mu.Lock()
	h.runner.kills++
	h.runner.mu.Unlock()
	return nil
}

func (h *fakeHandle) Describe() string { return "fake engine" }

func variantOn(host string, hotswap bool) *Variant {
	return &Variant{
		ID:           VariantID("xtts", host),
		Base:         "xtts",
		Host:         host,
		Kind:         KindSynthesis,
		Capabilities: Capabilities{ModelHotswap: hotswap},
		Launch:       Launch{Image: "voxweave/xtts", Host: host},
	}
}

type managerEvents struct {
	mu     sync.Mutex
	events []string
}

func (e *managerEvents) Broadcast(eventType string, _ map[string]any, _ string) {
	e.mu.Lock()
	e.events = append(e.events, eventType)
	e.mu.Unlock()
}

func (e *managerEvents) has(eventType string) bool {
	return e.count(eventType) > 0
}

func (e *managerEvents) count(eventType string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.events {
		if ev == eventType {
			n++
		}
	}
	return n
}

func (e *managerEvents) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.events...)
}

func (e *managerEvents) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = nil
}

func newTestManager(t *testing.T) (*Manager, *engineServer, *fakeRunner, *managerEvents) {
	t.Helper()
	es := &engineServer{}
	srv := httptest.NewServer(es.handler())
	t.Cleanup(srv.Close)

	fr := &fakeRunner{baseURL: srv.URL}
	events := &managerEvents{}
	m := NewManager(KindSynthesis, NewPortRegistry(18766),
		map[string]runner.Runner{"docker": fr}, events,
		WithClientFactory(func(baseURL string) (*client.Client, error) {
			return client.New(baseURL)
		}))
	return m, es, fr, events
}

func TestManager_StartAndStop(t *testing.T) {
	m, es, fr, events := newTestManager(t)
	v := variantOn("docker", true)

	c, err := m.Start(context.Background(), v, "tts-large", false)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if c == nil {
		t.Fatal("Start returned nil client")
	}
	if id, model := m.Active(); id != "xtts:docker" || model != "tts-large" {
		t.Errorf("Active = %q %q", id, model)
	}
	if m.State("xtts:docker") != RunStateRunning {
		t.Errorf("State = %q", m.State("xtts:docker"))
	}
	if es.loadCount() != 1 {
		t.Errorf("loads = %d, want 1", es.loadCount())
	}
	if !events.has("engine.started") {
		t.Error("missing engine.started event")
	}

	if err := m.Stop(context.Background(), StopReasonManual); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if id, _ := m.Active(); id != "" {
		t.Errorf("Active after stop = %q", id)
	}
	if m.State("xtts:docker") != RunStateStopped {
		t.Errorf("State = %q", m.State("xtts:docker"))
	}
	es.mu.Lock()
	shutdowns := es.shutdowns
	es.mu.Unlock()
	if shutdowns != 1 {
		t.Errorf("shutdown requests = %d, want the polite request first", shutdowns)
	}
	if !events.has("engine.stopped") {
		t.Error("missing engine.stopped event")
	}
	if fr.startCount() != 1 {
		t.Errorf("starts = %d", fr.startCount())
	}
}

func TestManager_StartWithoutRunner(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	_, err := m.Start(context.Background(), variantOn("local", false), "", false)
	if err == nil || !strings.Contains(err.Error(), "no runner for host") {
		t.Fatalf("err = %v", err)
	}
}

func TestManager_StartFailureReleasesPort(t *testing.T) {
	m, _, fr, events := newTestManager(t)
	fr.failErr = context.DeadlineExceeded

	_, err := m.Start(context.Background(), variantOn("docker", false), "", false)
	if err == nil {
		t.Fatal("Start succeeded against a failing runner")
	}
	if !events.has("engine.error") {
		t.Error("missing engine.error event")
	}
	if n := m.ports.Len(); n != 0 {
		t.Errorf("reserved ports after failed start = %d, want 0", n)
	}
}

func TestManager_EnsureReadySameVariantSameModelIsNoop(t *testing.T) {
	m, es, fr, _ := newTestManager(t)
	v := variantOn("docker", true)

	if _, err := m.EnsureReady(context.Background(), v, "tts-large"); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if _, err := m.EnsureReady(context.Background(), v, "tts-large"); err != nil {
		t.Fatalf("EnsureReady again: %v", err)
	}
	if fr.startCount() != 1 {
		t.Errorf("starts = %d, want 1", fr.startCount())
	}
	if es.loadCount() != 1 {
		t.Errorf("loads = %d, want 1", es.loadCount())
	}
}

func TestManager_EnsureReadyHotswapsModel(t *testing.T) {
	m, es, fr, events := newTestManager(t)
	v := variantOn("docker", true)

	if _, err := m.EnsureReady(context.Background(), v, "tts-small"); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if _, err := m.EnsureReady(context.Background(), v, "tts-large"); err != nil {
		t.Fatalf("EnsureReady swap: %v", err)
	}

	if fr.startCount() != 1 {
		t.Errorf("starts = %d, want hot-swap without restart", fr.startCount())
	}
	if es.loadCount() != 2 {
		t.Errorf("loads = %d, want 2", es.loadCount())
	}
	if _, model := m.Active(); model != "tts-large" {
		t.Errorf("active model = %q", model)
	}
	if !events.has("engine.model_loaded") {
		t.Error("missing engine.model_loaded event")
	}
}

func TestManager_EnsureReadyRestartsWithoutHotswap(t *testing.T) {
	m, _, fr, _ := newTestManager(t)
	v := variantOn("docker", false)

	if _, err := m.EnsureReady(context.Background(), v, "tts-small"); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if _, err := m.EnsureReady(context.Background(), v, "tts-large"); err != nil {
		t.Fatalf("EnsureReady swap: %v", err)
	}
	if fr.startCount() != 2 {
		t.Errorf("starts = %d, want stop and restart", fr.startCount())
	}
}

func TestManager_EnsureReadySwitchesVariant(t *testing.T) {
	m, _, fr, _ := newTestManager(t)
	a := variantOn("docker", true)
	b := variantOn("docker", true)
	b.ID = VariantID("piper", "docker")
	b.Base = "piper"

	if _, err := m.EnsureReady(context.Background(), a, ""); err != nil {
		t.Fatalf("EnsureReady a: %v", err)
	}
	if _, err := m.EnsureReady(context.Background(), b, ""); err != nil {
		t.Fatalf("EnsureReady b: %v", err)
	}
	if id, _ := m.Active(); id != "piper:docker" {
		t.Errorf("Active = %q, want the new variant", id)
	}
	if fr.startCount() != 2 {
		t.Errorf("starts = %d", fr.startCount())
	}
}

func TestManager_SecondStartWhileRunningFails(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	v := variantOn("docker", true)

	if _, err := m.Start(context.Background(), v, "", false); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := m.Start(context.Background(), v, "", false); err == nil {
		t.Fatal("second Start succeeded while an engine runs")
	}
}

func TestManager_Restart(t *testing.T) {
	m, es, fr, _ := newTestManager(t)
	v := variantOn("docker", true)

	if _, err := m.Start(context.Background(), v, "tts-large", false); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Restart(context.Background()); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if fr.startCount() != 2 {
		t.Errorf("starts = %d", fr.startCount())
	}
	// The model survives the restart.
	if es.loadCount() != 2 {
		t.Errorf("loads = %d, want reload after restart", es.loadCount())
	}
	if id, model := m.Active(); id != "xtts:docker" || model != "tts-large" {
		t.Errorf("Active = %q %q", id, model)
	}
}

func TestManager_RestartWithoutEngine(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	if err := m.Restart(context.Background()); err == nil {
		t.Fatal("Restart succeeded with nothing running")
	}
}

func TestManager_DiscoverModels(t *testing.T) {
	m, _, fr, _ := newTestManager(t)
	v := variantOn("docker", true)

	models, err := m.DiscoverModels(context.Background(), v)
	if err != nil {
		t.Fatalf("DiscoverModels: %v", err)
	}
	if len(models) != 2 || models[0].Name != "tts-small" || models[0].VariantID != "xtts:docker" {
		t.Errorf("models = %+v", models)
	}
	// The engine stays up for a cheap follow-up start.
	if id, _ := m.Active(); id != "xtts:docker" {
		t.Errorf("Active = %q, want engine kept warm for reuse", id)
	}

	// A second discovery against the running engine starts nothing new.
	if _, err := m.DiscoverModels(context.Background(), v); err != nil {
		t.Fatalf("DiscoverModels again: %v", err)
	}
	if fr.startCount() != 1 {
		t.Errorf("starts = %d, want 1", fr.startCount())
	}
}

func TestManager_ReapIdle(t *testing.T) {
	m, _, _, events := newTestManager(t)
	v := variantOn("docker", true)

	if _, err := m.Start(context.Background(), v, "", false); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Fresh engines survive the reaper.
	m.reapIdle(context.Background())
	if id, _ := m.Active(); id == "" {
		t.Fatal("fresh engine reaped")
	}

	// Backdate usage past the window.
	m.mu.Lock()
	m.active.lastUsed = time.Now().Add(-time.Hour)
	m.mu.Unlock()

	m.reapIdle(context.Background())
	if id, _ := m.Active(); id != "" {
		t.Fatal("idle engine not reaped")
	}
	if !events.has("engine.stopped") {
		t.Error("missing engine.stopped event")
	}
}

func TestManager_ReapIdleSparesKeepWarm(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	v := variantOn("docker", true)
	v.KeepWarm = true

	if _, err := m.Start(context.Background(), v, "", false); err != nil {
		t.Fatalf("Start: %v", err)
	}
	m.mu.Lock()
	m.active.lastUsed = time.Now().Add(-time.Hour)
	m.mu.Unlock()

	m.reapIdle(context.Background())
	if id, _ := m.Active(); id == "" {
		t.Fatal("keep-warm engine reaped")
	}
}

func TestManager_ReapIdleDiscoveryIgnoresKeepWarm(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	v := variantOn("docker", true)
	v.KeepWarm = true

	if _, err := m.Start(context.Background(), v, "", true); err != nil {
		t.Fatalf("Start: %v", err)
	}
	m.mu.Lock()
	m.active.lastUsed = time.Now().Add(-time.Minute)
	m.mu.Unlock()

	m.reapIdle(context.Background())
	if id, _ := m.Active(); id != "" {
		t.Fatal("idle discovery engine not reaped despite keep-warm")
	}
}

func TestManager_SetInactivityTimeout(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	m.SetInactivityTimeout(time.Minute)
	m.mu.Lock()
	got := m.inactivity
	m.mu.Unlock()
	if got != time.Minute {
		t.Errorf("inactivity = %v", got)
	}

	// Non-positive values are ignored.
	m.SetInactivityTimeout(0)
	m.mu.Lock()
	got = m.inactivity
	m.mu.Unlock()
	if got != time.Minute {
		t.Errorf("inactivity = %v after zero set", got)
	}
}

func TestManager_StartReservesPortForVariant(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	v := variantOn("docker", true)

	if _, err := m.Start(context.Background(), v, "", false); err != nil {
		t.Fatalf("Start: %v", err)
	}
	var owner string
	var port int
	for p := 18766; p < 18766+maxPortScan; p++ {
		if id, ok := m.ports.Reserved(p); ok {
			owner, port = id, p
			break
		}
	}
	if owner != "xtts:docker" {
		t.Errorf("reserved owner = %q, want the running variant", owner)
	}

	if err := m.Stop(context.Background(), StopReasonManual); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, ok := m.ports.Reserved(port); ok {
		t.Error("port still reserved after stop")
	}
}

func TestManager_LifecycleEventOrder(t *testing.T) {
	m, _, _, events := newTestManager(t)
	v := variantOn("docker", true)

	if _, err := m.Start(context.Background(), v, "tts-large", false); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Stop(context.Background(), StopReasonManual); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	want := []string{"engine.starting", "engine.started", "engine.stopping", "engine.stopped"}
	got := events.list()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestManager_RestartPublishesOneStopStartCycle(t *testing.T) {
	m, _, _, events := newTestManager(t)
	v := variantOn("docker", true)

	if _, err := m.Start(context.Background(), v, "tts-large", false); err != nil {
		t.Fatalf("Start: %v", err)
	}
	events.reset()

	if err := m.Restart(context.Background()); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if n := events.count("engine.stopping"); n != 1 {
		t.Errorf("engine.stopping events = %d, want 1", n)
	}
	if n := events.count("engine.started"); n != 1 {
		t.Errorf("engine.started events = %d, want 1", n)
	}
}

func TestManager_EnsureReadyLoadsIntoDiscoveryStart(t *testing.T) {
	m, es, fr, _ := newTestManager(t)
	v := variantOn("docker", false)

	// Discovery mode boots the engine with nothing loaded.
	if _, err := m.Start(context.Background(), v, "", true); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := m.EnsureReady(context.Background(), v, "tts-large"); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}

	// An empty engine takes a plain load even without hot-swap support.
	if fr.startCount() != 1 {
		t.Errorf("starts = %d, want load without restart", fr.startCount())
	}
	if es.loadCount() != 1 {
		t.Errorf("loads = %d, want 1", es.loadCount())
	}
	if _, model := m.Active(); model != "tts-large" {
		t.Errorf("active model = %q", model)
	}
}

func TestManager_GracefulStopWindow(t *testing.T) {
	if gracefulStopWindow != 30*time.Second {
		t.Errorf("gracefulStopWindow = %v, want 30s", gracefulStopWindow)
	}
}

func TestManager_StopWithNothingRunning(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	if err := m.Stop(context.Background(), StopReasonManual); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
