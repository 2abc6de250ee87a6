package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	engine "github.com/voxweave/voxweave/internal/engine/enginecore"
)

// Process launches engines as local subprocesses. Engine stdout/stderr are
// inherited so engine logs land in the application's consolidated output.
type Process struct {
	// Env is appended to the child environment, e.g. a log level override.
	Env []string
}

// Compile-time interface check.
var _ Runner = (*Process)(nil)

// NewProcess creates a subprocess runner.
func NewProcess(env ...string) *Process {
	return &Process{Env: env}
}

// Start spawns the variant's entry binary with "--port <p>".
func (r *Process) Start(ctx context.Context, v *engine.Variant, port int) (*Endpoint, error) {
	if v.Launch.Binary == "" {
		return nil, fmt.Errorf("runner: variant %q has no entry binary", v.ID)
	}

	// Deliberately not exec.CommandContext: engine lifetime is managed by
	// the engine manager, not by the start call's context.
	cmd := exec.Command(v.Launch.Binary, "--port", strconv.Itoa(port))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), r.Env...)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("runner: start %q: %w", v.Launch.Binary, err)
	}

	h := &processHandle{cmd: cmd, done: make(chan error, 1)}
	go func() { h.done <- cmd.Wait() }()

	return &Endpoint{
		BaseURL: fmt.Sprintf("http://127.0.0.1:%d", port),
		Handle:  h,
	}, nil
}

type processHandle struct {
	cmd  *exec.Cmd
	done chan error
}

func (h *processHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *processHandle) Kill(ctx context.Context) error {
	if h.cmd.Process == nil {
		return nil
	}
	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("runner: kill pid %d: %w", h.cmd.Process.Pid, err)
	}
	// Reap so the child does not linger as a zombie.
	select {
	case <-h.done:
	case <-ctx.Done():
	}
	return nil
}

func (h *processHandle) Describe() string {
	if h.cmd.Process == nil {
		return "pid unknown"
	}
	return fmt.Sprintf("pid %d", h.cmd.Process.Pid)
}
