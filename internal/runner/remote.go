package runner

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/docker/docker/client"

	engine "github.com/voxweave/voxweave/internal/engine/enginecore"
	"github.com/voxweave/voxweave/internal/sshmon"
)

// Remote runs engines on a remote Docker host reached through an SSH tunnel.
// It is a thin wrapper over [Docker]: the Docker client's transport dials the
// remote daemon socket through the host's SSH connection, and engine URLs
// point at the SSH host instead of localhost.
type Remote struct {
	mon  *sshmon.Monitor
	host string
	opts []DockerOption
}

var _ Runner = (*Remote)(nil)

// NewRemote creates a runner for the named SSH host. The host must be known
// to the monitor.
func NewRemote(mon *sshmon.Monitor, host string, opts ...DockerOption) (*Remote, error) {
	if _, err := mon.Host(host); err != nil {
		return nil, err
	}
	return &Remote{mon: mon, host: host, opts: opts}, nil
}

// Start launches the variant's container on the remote host. A broken SSH
// channel gets one reconnect-and-retry before the error is surfaced; every
// other failure is final.
func (r *Remote) Start(ctx context.Context, v *engine.Variant, port int) (*Endpoint, error) {
	ep, err := r.start(ctx, v, port)
	if err == nil || !sshmon.IsChannelError(err) {
		return ep, err
	}

	slog.Warn("ssh channel failure during engine start, reconnecting",
		"host", r.host, "variant", v.ID, "error", err)
	if _, rcErr := r.mon.Reconnect(r.host); rcErr != nil {
		return nil, fmt.Errorf("runner: reconnect %q: %w", r.host, rcErr)
	}
	return r.start(ctx, v, port)
}

// Adopt scans the remote daemon for leftover engine containers.
func (r *Remote) Adopt(ctx context.Context) (map[string]int, error) {
	d, err := r.docker()
	if err != nil {
		return nil, err
	}
	return d.Adopt(ctx)
}

// ImageInstalled reports whether ref exists on the remote daemon.
func (r *Remote) ImageInstalled(ctx context.Context, ref string) (bool, error) {
	d, err := r.docker()
	if err != nil {
		return false, err
	}
	return d.ImageInstalled(ctx, ref)
}

// RemoveImage deletes an installed engine image on the remote daemon.
func (r *Remote) RemoveImage(ctx context.Context, ref string) error {
	d, err := r.docker()
	if err != nil {
		return err
	}
	return d.RemoveImage(ctx, ref)
}

func (r *Remote) start(ctx context.Context, v *engine.Variant, port int) (*Endpoint, error) {
	d, err := r.docker()
	if err != nil {
		return nil, err
	}
	return d.Start(ctx, v, port)
}

// docker builds a Docker runner whose client tunnels through the current SSH
// connection. Built per call so a reconnected tunnel is picked up.
func (r *Remote) docker() (*Docker, error) {
	cfg, err := r.mon.Host(r.host)
	if err != nil {
		return nil, err
	}
	c, err := client.NewClientWithOpts(
		client.WithHost("unix://"+sshmon.DefaultDockerSocket),
		client.WithDialContext(func(ctx context.Context, network, addr string) (net.Conn, error) {
			return r.mon.DialDockerSocket(r.host)
		}),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("runner: remote docker client for %q: %w", r.host, err)
	}
	return newDocker(apiClient{c: c}, cfg.Hostname(), r.opts...), nil
}
