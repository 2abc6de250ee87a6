// Package runner abstracts how an engine server process is launched and
// terminated.
//
// Three backends exist: a local subprocess runner, a local Docker runner,
// and a remote Docker runner that reaches the daemon through an SSH tunnel
// owned by [sshmon.Monitor]. All of them hand back an [Endpoint] — the base
// URL the engine answers on plus an opaque handle the manager uses to wait
// for exit or force termination. The manager performs the polite part of a
// shutdown itself (POST /shutdown); runners only wait and kill.
package runner

import (
	"context"
	"time"

	engine "github.com/voxweave/voxweave/internal/engine/enginecore"
)

// Endpoint describes a launched engine: where it is reachable and how to
// tear it down.
type Endpoint struct {
	// BaseURL is the engine's HTTP root, e.g. "http://127.0.0.1:8766".
	BaseURL string

	// Handle terminates or awaits the underlying process or container.
	Handle Handle
}

// Handle is the lifecycle grip on one launched engine.
type Handle interface {
	// Wait blocks until the engine has exited or ctx is done. It returns
	// nil once the engine is gone; it does not treat a non-zero exit code
	// as an error because engines are killed routinely.
	Wait(ctx context.Context) error

	// Kill terminates the engine immediately.
	Kill(ctx context.Context) error

	// Describe returns a short label for logs ("pid 4242",
	// "container audiobook-xtts").
	Describe() string
}

// Runner launches engines.
type Runner interface {
	// Start launches the variant's server bound to port and returns its
	// endpoint. Start blocks until the process or container is up, not
	// until the engine is healthy — health polling is the manager's job.
	Start(ctx context.Context, v *engine.Variant, port int) (*Endpoint, error)
}

// ImageRemover is implemented by runners backed by a container daemon. The
// subprocess runner has nothing to remove and does not implement it.
type ImageRemover interface {
	// RemoveImage deletes the image ref from the runner's daemon.
	RemoveImage(ctx context.Context, ref string) error
}

// StopHandle waits for a started engine to exit within the graceful window
// and force-kills it on timeout. Shared by the manager for all backends.
func StopHandle(ctx context.Context, h Handle, graceful time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, graceful)
	defer cancel()

	if err := h.Wait(waitCtx); err == nil {
		return nil
	}
	return h.Kill(ctx)
}
