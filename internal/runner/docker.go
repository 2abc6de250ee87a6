package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	engine "github.com/voxweave/voxweave/internal/engine/enginecore"
)

// ContainerPrefix names every engine container we own. Re-adoption at boot
// and cleanup both key off it.
const ContainerPrefix = "audiobook-"

// excludedContainers are infrastructure containers that share the prefix but
// must never be adopted, stopped, or removed by the engine lifecycle.
var excludedContainers = map[string]struct{}{
	"audiobook-maker-backend":  {},
	"audiobook-backend":        {},
	"audiobook-maker-frontend": {},
	"audiobook-maker-db":       {},
}

// stopTimeoutSecs is how long the daemon waits on SIGTERM before SIGKILL.
const stopTimeoutSecs = 10

// dockerAPI is the slice of the Docker client the runner needs. Narrowed so
// tests can substitute a fake daemon.
type dockerAPI interface {
	ContainerList(ctx context.Context, opts container.ListOptions) ([]container.Summary, error)
	ContainerInspect(ctx context.Context, id string) (container.InspectResponse, error)
	ContainerCreate(ctx context.Context, cfg *container.Config, host *container.HostConfig, name string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, id string, opts container.StartOptions) error
	ContainerStop(ctx context.Context, id string, opts container.StopOptions) error
	ContainerRemove(ctx context.Context, id string, opts container.RemoveOptions) error
	ContainerWait(ctx context.Context, id string, cond container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ImageList(ctx context.Context, opts image.ListOptions) ([]image.Summary, error)
	ImagePull(ctx context.Context, ref string, opts image.PullOptions) (io.ReadCloser, error)
	ImageRemove(ctx context.Context, id string, opts image.RemoveOptions) ([]image.DeleteResponse, error)
	DistributionInspect(ctx context.Context, ref, encodedAuth string) (registry.DistributionInspect, error)
}

// apiClient adapts *client.Client to dockerAPI, hiding the networking and
// platform parameters we never set.
type apiClient struct {
	c *client.Client
}

func (a apiClient) ContainerList(ctx context.Context, opts container.ListOptions) ([]container.Summary, error) {
	return a.c.ContainerList(ctx, opts)
}

func (a apiClient) ContainerInspect(ctx context.Context, id string) (container.InspectResponse, error) {
	return a.c.ContainerInspect(ctx, id)
}

func (a apiClient) ContainerCreate(ctx context.Context, cfg *container.Config, host *container.HostConfig, name string) (container.CreateResponse, error) {
	return a.c.ContainerCreate(ctx, cfg, host, nil, nil, name)
}

func (a apiClient) ContainerStart(ctx context.Context, id string, opts container.StartOptions) error {
	return a.c.ContainerStart(ctx, id, opts)
}

func (a apiClient) ContainerStop(ctx context.Context, id string, opts container.StopOptions) error {
	return a.c.ContainerStop(ctx, id, opts)
}

func (a apiClient) ContainerRemove(ctx context.Context, id string, opts container.RemoveOptions) error {
	return a.c.ContainerRemove(ctx, id, opts)
}

func (a apiClient) ContainerWait(ctx context.Context, id string, cond container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	return a.c.ContainerWait(ctx, id, cond)
}

func (a apiClient) ImageList(ctx context.Context, opts image.ListOptions) ([]image.Summary, error) {
	return a.c.ImageList(ctx, opts)
}

func (a apiClient) ImagePull(ctx context.Context, ref string, opts image.PullOptions) (io.ReadCloser, error) {
	return a.c.ImagePull(ctx, ref, opts)
}

func (a apiClient) ImageRemove(ctx context.Context, id string, opts image.RemoveOptions) ([]image.DeleteResponse, error) {
	return a.c.ImageRemove(ctx, id, opts)
}

func (a apiClient) DistributionInspect(ctx context.Context, ref, encodedAuth string) (registry.DistributionInspect, error) {
	return a.c.DistributionInspect(ctx, ref, encodedAuth)
}

// Docker runs engines as containers against one daemon, local or remote.
type Docker struct {
	api dockerAPI

	// hostAddr is the address engine URLs point at: "127.0.0.1" for the
	// local daemon, the SSH host's name for a remote one.
	hostAddr string

	// samplesDir is mounted read-only into every container for voice
	// cloning reference audio. Empty disables the mount.
	samplesDir string

	// modelsRoot holds per-engine model caches; <modelsRoot>/<base> is
	// mounted read-write so downloaded weights survive restarts.
	modelsRoot string

	// gpu requests all GPUs via the nvidia device driver.
	gpu bool
}

var _ Runner = (*Docker)(nil)

// DockerOption configures a [Docker] runner.
type DockerOption func(*Docker)

// WithSamplesDir mounts dir read-only at /samples in every container.
func WithSamplesDir(dir string) DockerOption {
	return func(d *Docker) { d.samplesDir = dir }
}

// WithModelsRoot mounts <root>/<engine base> read-write at /models.
func WithModelsRoot(root string) DockerOption {
	return func(d *Docker) { d.modelsRoot = root }
}

// WithGPU requests GPU access for every container.
func WithGPU(enabled bool) DockerOption {
	return func(d *Docker) { d.gpu = enabled }
}

// NewDocker creates a runner over the local Docker daemon, resolved from the
// environment.
func NewDocker(opts ...DockerOption) (*Docker, error) {
	c, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("runner: docker client: %w", err)
	}
	return newDocker(apiClient{c: c}, "127.0.0.1", opts...), nil
}

func newDocker(api dockerAPI, hostAddr string, opts ...DockerOption) *Docker {
	d := &Docker{api: api, hostAddr: hostAddr}
	for _, o := range opts {
		o(d)
	}
	return d
}

// ContainerName returns the container name for a base engine.
func ContainerName(base string) string {
	return ContainerPrefix + base
}

// Start brings up the variant's container bound to port. An existing
// container with the right name is reused when it is already running on the
// expected port; anything else with that name is removed and recreated.
func (d *Docker) Start(ctx context.Context, v *engine.Variant, port int) (*Endpoint, error) {
	if v.Launch.Image == "" {
		return nil, fmt.Errorf("runner: variant %q has no container image", v.ID)
	}
	name := ContainerName(v.Base)

	if id, ok, err := d.reusable(ctx, name, port); err != nil {
		return nil, err
	} else if ok {
		slog.Info("reusing running engine container", "container", name, "port", port)
		return d.endpoint(name, id, port), nil
	}

	ref := v.Launch.ImageRef()
	installed, err := d.ImageInstalled(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !installed {
		return nil, fmt.Errorf("runner: image %q not installed for %q", ref, v.ID)
	}

	portSpec := nat.Port(fmt.Sprintf("%d/tcp", port))
	cfg := &container.Config{
		Image: ref,
		Env: []string{
			fmt.Sprintf("PORT=%d", port),
			"LOG_LEVEL=info",
		},
		ExposedPorts: nat.PortSet{portSpec: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			portSpec: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: fmt.Sprintf("%d", port)}},
		},
		Binds: d.binds(v),
	}
	if d.gpu {
		hostCfg.Resources.DeviceRequests = []container.DeviceRequest{{
			Driver:       "nvidia",
			Count:        -1,
			Capabilities: [][]string{{"gpu"}},
		}}
	}

	created, err := d.api.ContainerCreate(ctx, cfg, hostCfg, name)
	if err != nil {
		return nil, fmt.Errorf("runner: create container %q: %w", name, err)
	}
	if err := d.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		d.api.ContainerRemove(context.WithoutCancel(ctx), created.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("runner: start container %q: %w", name, err)
	}
	slog.Info("engine container started", "container", name, "image", ref, "port", port)
	return d.endpoint(name, created.ID, port), nil
}

// Adopt scans the daemon for running engine containers left over from a
// previous process and returns the port each one publishes, keyed by base
// engine name. Infrastructure containers sharing the prefix are skipped.
func (d *Docker) Adopt(ctx context.Context) (map[string]int, error) {
	list, err := d.api.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("runner: list containers: %w", err)
	}
	adopted := make(map[string]int)
	for _, c := range list {
		name := containerName(c)
		if !strings.HasPrefix(name, ContainerPrefix) {
			continue
		}
		if _, infra := excludedContainers[name]; infra {
			continue
		}
		port := publishedPort(c)
		if port == 0 {
			continue
		}
		base := strings.TrimPrefix(name, ContainerPrefix)
		adopted[base] = port
		slog.Info("adopted running engine container", "container", name, "port", port)
	}
	return adopted, nil
}

// ImageInstalled reports whether ref exists in the daemon's image store.
func (d *Docker) ImageInstalled(ctx context.Context, ref string) (bool, error) {
	images, err := d.api.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return false, fmt.Errorf("runner: list images: %w", err)
	}
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == ref {
				return true, nil
			}
		}
	}
	return false, nil
}

// RemoveImage deletes an installed engine image.
func (d *Docker) RemoveImage(ctx context.Context, ref string) error {
	if _, err := d.api.ImageRemove(ctx, ref, image.RemoveOptions{}); err != nil {
		return fmt.Errorf("runner: remove image %q: %w", ref, err)
	}
	return nil
}

// reusable reports whether a container with the given name is already
// running on the expected port. A stale container (stopped, or bound to a
// different port) is removed so Start can recreate it.
func (d *Docker) reusable(ctx context.Context, name string, port int) (string, bool, error) {
	info, err := d.api.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("runner: inspect container %q: %w", name, err)
	}
	if info.State != nil && info.State.Running && inspectedPort(info) == port {
		return info.ID, true, nil
	}
	slog.Info("removing stale engine container", "container", name)
	if err := d.api.ContainerRemove(ctx, info.ID, container.RemoveOptions{Force: true}); err != nil {
		return "", false, fmt.Errorf("runner: remove stale container %q: %w", name, err)
	}
	return "", false, nil
}

func (d *Docker) binds(v *engine.Variant) []string {
	var binds []string
	if d.samplesDir != "" {
		binds = append(binds, d.samplesDir+":/samples:ro")
	}
	if d.modelsRoot != "" {
		binds = append(binds, filepath.Join(d.modelsRoot, v.Base)+":/models")
	}
	return binds
}

func (d *Docker) endpoint(name, id string, port int) *Endpoint {
	return &Endpoint{
		BaseURL: fmt.Sprintf("http://%s:%d", d.hostAddr, port),
		Handle:  &containerHandle{api: d.api, id: id, name: name},
	}
}

type containerHandle struct {
	api  dockerAPI
	id   string
	name string
}

func (h *containerHandle) Wait(ctx context.Context) error {
	waitCh, errCh := h.api.ContainerWait(ctx, h.id, container.WaitConditionNotRunning)
	select {
	case <-waitCh:
		return nil
	case err := <-errCh:
		return fmt.Errorf("runner: wait container %q: %w", h.name, err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *containerHandle) Kill(ctx context.Context) error {
	timeout := stopTimeoutSecs
	if err := h.api.ContainerStop(ctx, h.id, container.StopOptions{Timeout: &timeout}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("runner: stop container %q: %w", h.name, err)
	}
	if err := h.api.ContainerRemove(ctx, h.id, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("runner: remove container %q: %w", h.name, err)
	}
	return nil
}

func (h *containerHandle) Describe() string {
	return "container " + h.name
}

func containerName(c container.Summary) string {
	for _, n := range c.Names {
		return strings.TrimPrefix(n, "/")
	}
	return ""
}

// publishedPort extracts the first public TCP port of a listed container.
func publishedPort(c container.Summary) int {
	for _, p := range c.Ports {
		if p.PublicPort != 0 {
			return int(p.PublicPort)
		}
	}
	return 0
}

// inspectedPort extracts the first bound host port of an inspected container.
func inspectedPort(info container.InspectResponse) int {
	if info.NetworkSettings == nil {
		return 0
	}
	for _, bindings := range info.NetworkSettings.Ports {
		for _, b := range bindings {
			var port int
			fmt.Sscanf(b.HostPort, "%d", &port)
			if port != 0 {
				return port
			}
		}
	}
	return 0
}
