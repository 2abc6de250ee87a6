package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/voxweave/voxweave/internal/bus"
	"github.com/voxweave/voxweave/internal/engine"
	"github.com/voxweave/voxweave/internal/engine/discovery"
	"github.com/voxweave/voxweave/internal/runner"
	"github.com/voxweave/voxweave/internal/store"
)

// EngineRegistry is the store access the engine service needs. Satisfied by
// *store.Engines.
type EngineRegistry interface {
	Upsert(ctx context.Context, v *engine.Variant) error
	Get(ctx context.Context, variantID string) (*engine.Variant, error)
	ListByKind(ctx context.Context, kind engine.Kind) ([]*engine.Variant, error)
	SetEnabled(ctx context.Context, variantID string, enabled bool) (*engine.Variant, error)
	SetDefault(ctx context.Context, variantID string) error
	SetKeepWarm(ctx context.Context, variantID string, keepWarm bool) error
	ReplaceModels(ctx context.Context, variantID string, models []engine.Model) error
	ListModels(ctx context.Context, variantID string) ([]engine.Model, error)
	SetDefaultModel(ctx context.Context, variantID, modelName string) error
}

var _ EngineRegistry = (*store.Engines)(nil)

// ImagePuller downloads engine images. Satisfied by *runner.Puller.
type ImagePuller interface {
	Pull(ctx context.Context, v *engine.Variant) error
	Cancel(variantID string) bool
}

// EngineService is the API-facing surface for engine management: the
// registry flags, lifecycle commands, model discovery, and image installs.
type EngineService struct {
	repo     EngineRegistry
	managers map[engine.Kind]*engine.Manager
	scanner  *discovery.Scanner
	cache    *discovery.ModelCache
	puller   ImagePuller
	runners  map[string]runner.Runner
	events   engine.Events
}

// NewEngineService wires the engine management surface. puller may be nil
// when no Docker runner is configured.
func NewEngineService(repo EngineRegistry, managers map[engine.Kind]*engine.Manager, scanner *discovery.Scanner, cache *discovery.ModelCache, puller ImagePuller, runners map[string]runner.Runner, events engine.Events) *EngineService {
	return &EngineService{
		repo:     repo,
		managers: managers,
		scanner:  scanner,
		cache:    cache,
		puller:   puller,
		runners:  runners,
		events:   events,
	}
}

// SyncFromDisk rescans engine manifests and merges them into the registry.
// The manifests win for capability and launch data; the database keeps the
// user flags. Called at boot and on manifest changes.
func (s *EngineService) SyncFromDisk(ctx context.Context) error {
	variants, err := s.scanner.Scan()
	if err != nil {
		return err
	}
	for _, v := range variants {
		if err := s.repo.Upsert(ctx, v); err != nil {
			return err
		}
		s.cache.Invalidate(v.ID)
	}
	slog.Info("engine registry synced", "variants", len(variants))
	s.publish("engine.status", map[string]any{"variants": len(variants)})
	return nil
}

// List returns all variants of a kind with their live run state.
func (s *EngineService) List(ctx context.Context, kind engine.Kind) ([]*engine.Variant, map[string]engine.RunState, error) {
	variants, err := s.repo.ListByKind(ctx, kind)
	if err != nil {
		return nil, nil, err
	}
	states := make(map[string]engine.RunState, len(variants))
	m := s.managers[kind]
	for _, v := range variants {
		if m != nil {
			states[v.ID] = m.State(v.ID)
		} else {
			states[v.ID] = engine.RunStateStopped
		}
	}
	return variants, states, nil
}

// Get returns one variant.
func (s *EngineService) Get(ctx context.Context, variantID string) (*engine.Variant, error) {
	return s.repo.Get(ctx, variantID)
}

// SetEnabled flips a variant's enabled flag. Disabling a running variant
// also stops it. Disabling the synthesis default fails with
// [store.ErrDefaultRequired].
func (s *EngineService) SetEnabled(ctx context.Context, variantID string, enabled bool) (*engine.Variant, error) {
	v, err := s.repo.SetEnabled(ctx, variantID, enabled)
	if err != nil {
		return nil, err
	}
	if !enabled {
		if m := s.managers[v.Kind]; m != nil {
			if id, _ := m.Active(); id == variantID {
				if err := m.Stop(ctx, engine.StopReasonManual); err != nil {
					slog.Warn("stop on disable failed", "variant", variantID, "error", err)
				}
			}
		}
	}
	event := "engine.enabled"
	if !v.Enabled {
		event = "engine.disabled"
	}
	s.publish(event, map[string]any{"engineId": v.ID, "default": v.Default})
	return v, nil
}

// SetDefault makes the variant its kind's default, enabling it if needed.
func (s *EngineService) SetDefault(ctx context.Context, variantID string) error {
	if err := s.repo.SetDefault(ctx, variantID); err != nil {
		return err
	}
	s.publish("engine.status", map[string]any{"engineId": variantID, "default": true})
	return nil
}

// SetKeepWarm toggles the auto-stop exemption.
func (s *EngineService) SetKeepWarm(ctx context.Context, variantID string, keepWarm bool) error {
	if err := s.repo.SetKeepWarm(ctx, variantID, keepWarm); err != nil {
		return err
	}
	s.publish("engine.status", map[string]any{"engineId": variantID, "keepWarm": keepWarm})
	return nil
}

// Start manually launches a variant with its default model.
func (s *EngineService) Start(ctx context.Context, variantID string) error {
	v, err := s.repo.Get(ctx, variantID)
	if err != nil {
		return err
	}
	m := s.managers[v.Kind]
	if m == nil {
		return fmt.Errorf("app: no manager for %s engines", v.Kind)
	}
	model := s.defaultModel(ctx, variantID)
	_, err = m.EnsureReady(ctx, v, model)
	return err
}

// Stop manually stops a variant if it is the one running.
func (s *EngineService) Stop(ctx context.Context, variantID string) error {
	v, err := s.repo.Get(ctx, variantID)
	if err != nil {
		return err
	}
	m := s.managers[v.Kind]
	if m == nil {
		return nil
	}
	if id, _ := m.Active(); id != variantID {
		return nil
	}
	return m.Stop(ctx, engine.StopReasonManual)
}

// Models returns the variant's model catalogue: from cache when fresh, else
// by starting the engine in discovery mode and asking it. Fresh results are
// persisted so the UI has a catalogue even while the engine is down.
func (s *EngineService) Models(ctx context.Context, variantID string) ([]engine.Model, error) {
	v, err := s.repo.Get(ctx, variantID)
	if err != nil {
		return nil, err
	}
	if models, ok := s.cache.Get(v.ID, v.ConfigHash); ok {
		return models, nil
	}

	m := s.managers[v.Kind]
	if m == nil {
		return s.repo.ListModels(ctx, variantID)
	}
	models, err := m.DiscoverModels(ctx, v)
	if err != nil {
		// Stale catalogue beats no catalogue when the engine won't start.
		stored, serr := s.repo.ListModels(ctx, variantID)
		if serr == nil && len(stored) > 0 {
			slog.Warn("model discovery failed, serving stored catalogue",
				"variant", variantID, "error", err)
			return stored, nil
		}
		return nil, err
	}
	if err := s.repo.ReplaceModels(ctx, variantID, models); err != nil {
		return nil, err
	}
	s.cache.Put(v.ID, v.ConfigHash, models)
	return models, nil
}

// SetDefaultModel records the variant's default model.
func (s *EngineService) SetDefaultModel(ctx context.Context, variantID, modelName string) error {
	return s.repo.SetDefaultModel(ctx, variantID, modelName)
}

// InstallImage pulls the variant's container image, streaming progress
// events. Blocks until the pull finishes or is cancelled.
func (s *EngineService) InstallImage(ctx context.Context, variantID string) error {
	if s.puller == nil {
		return fmt.Errorf("app: no docker runner configured")
	}
	v, err := s.repo.Get(ctx, variantID)
	if err != nil {
		return err
	}
	if v.Launch.Image == "" {
		return fmt.Errorf("app: engine %q has no container image", variantID)
	}
	s.publish("docker.image.installing", map[string]any{"engineId": variantID, "image": v.Launch.ImageRef()})
	if err := s.puller.Pull(ctx, v); err != nil {
		if errors.Is(err, runner.ErrPullCancelled) {
			s.publish("docker.image.cancelled", map[string]any{"engineId": variantID})
		} else {
			s.publish("docker.image.error", map[string]any{"engineId": variantID, "error": err.Error()})
		}
		return err
	}
	v.Installed = true
	if err := s.repo.Upsert(ctx, v); err != nil {
		return err
	}
	s.publish("docker.image.installed", map[string]any{"engineId": variantID})
	return nil
}

// UninstallImage removes the variant's container image from its host's
// daemon. The variant must be stopped first.
func (s *EngineService) UninstallImage(ctx context.Context, variantID string) error {
	v, err := s.repo.Get(ctx, variantID)
	if err != nil {
		return err
	}
	if v.Launch.Image == "" {
		return fmt.Errorf("app: engine %q has no container image", variantID)
	}
	if m := s.managers[v.Kind]; m != nil {
		if id, _ := m.Active(); id == variantID {
			return fmt.Errorf("app: engine %q is running, stop it first", variantID)
		}
	}
	rm, ok := s.runners[v.Launch.Host].(runner.ImageRemover)
	if !ok {
		return fmt.Errorf("app: host %q cannot remove images", v.Launch.Host)
	}
	s.publish("docker.image.uninstalling", map[string]any{"engineId": variantID, "image": v.Launch.ImageRef()})
	if err := rm.RemoveImage(ctx, v.Launch.ImageRef()); err != nil {
		s.publish("docker.image.error", map[string]any{"engineId": variantID, "error": err.Error()})
		return err
	}
	v.Installed = false
	if err := s.repo.Upsert(ctx, v); err != nil {
		return err
	}
	s.cache.Invalidate(v.ID)
	s.publish("docker.image.uninstalled", map[string]any{"engineId": variantID})
	return nil
}

// CancelInstall aborts an in-flight image pull.
func (s *EngineService) CancelInstall(variantID string) bool {
	if s.puller == nil {
		return false
	}
	return s.puller.Cancel(variantID)
}

// defaultModel returns the variant's stored default model name, or "".
func (s *EngineService) defaultModel(ctx context.Context, variantID string) string {
	models, err := s.repo.ListModels(ctx, variantID)
	if err != nil {
		return ""
	}
	for _, m := range models {
		if m.Default {
			return m.Name
		}
	}
	return ""
}

func (s *EngineService) publish(eventType string, data map[string]any) {
	if s.events == nil {
		return
	}
	s.events.Broadcast(eventType, data, bus.ChannelEngines)
}
