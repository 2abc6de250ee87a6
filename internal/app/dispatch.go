package app

import (
	"context"
	"fmt"

	"github.com/voxweave/voxweave/internal/engine"
	"github.com/voxweave/voxweave/internal/engine/client"
	"github.com/voxweave/voxweave/internal/job"
	"github.com/voxweave/voxweave/internal/store"
)

// Dispatch resolves job engine selections against the engine registry and
// hands the worker a ready engine. One Dispatch per manager; the synthesis
// worker gets the synthesis manager's, the analysis worker the transcription
// manager's.
type Dispatch struct {
	engines *store.Engines
	manager *engine.Manager
}

var _ job.EngineProvider = (*Dispatch)(nil)

// NewDispatch creates a dispatch over one manager.
func NewDispatch(engines *store.Engines, manager *engine.Manager) *Dispatch {
	return &Dispatch{engines: engines, manager: manager}
}

// Resolve maps an engine ID to its variant. An empty ID selects the kind's
// default variant; a named variant must exist, be enabled, and match the
// requested kind.
func (d *Dispatch) Resolve(ctx context.Context, engineID string, kind engine.Kind) (*engine.Variant, error) {
	if engineID == "" {
		v, err := d.engines.GetDefault(ctx, kind)
		if err != nil {
			return nil, fmt.Errorf("app: no default %s engine: %w", kind, err)
		}
		return v, nil
	}
	v, err := d.engines.Get(ctx, engineID)
	if err != nil {
		return nil, fmt.Errorf("app: resolve engine %q: %w", engineID, err)
	}
	if v.Kind != kind {
		return nil, fmt.Errorf("app: engine %q is a %s engine, need %s", engineID, v.Kind, kind)
	}
	if !v.Enabled {
		return nil, fmt.Errorf("app: engine %q is disabled", engineID)
	}
	if !v.Installed {
		return nil, fmt.Errorf("app: engine %q is not installed", engineID)
	}
	return v, nil
}

// EnsureReady delegates to the manager.
func (d *Dispatch) EnsureReady(ctx context.Context, v *engine.Variant, model string) (*client.Client, error) {
	return d.manager.EnsureReady(ctx, v, model)
}

// Restart delegates to the manager.
func (d *Dispatch) Restart(ctx context.Context) error {
	return d.manager.Restart(ctx)
}

// Touch delegates to the manager.
func (d *Dispatch) Touch() {
	d.manager.Touch()
}
