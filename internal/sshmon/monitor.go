// Package sshmon owns the SSH connections to remote Docker hosts.
//
// Ownership is deliberately centralised: the remote runner never dials SSH
// itself, it asks the monitor for a client and reports channel failures
// back via [Monitor.Reconnect]. Two independent SSH clients against the
// same host have been observed to conflict, so there is exactly one client
// per host, guarded here.
package sshmon

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// DefaultDockerSocket is where the remote Docker daemon listens.
const DefaultDockerSocket = "/var/run/docker.sock"

// dialTimeout bounds the TCP + handshake time for one connection attempt.
const dialTimeout = 15 * time.Second

// HostConfig describes one remote Docker host.
type HostConfig struct {
	// Name is the host identifier used in variant IDs ("docker:<name>").
	Name string `yaml:"name"`

	// Addr is "host:port" of the SSH endpoint.
	Addr string `yaml:"addr"`

	User string `yaml:"user"`

	// KeyFile is the path of the private key used for authentication.
	KeyFile string `yaml:"key_file"`

	// DockerSocket overrides the remote daemon socket path.
	DockerSocket string `yaml:"docker_socket,omitempty"`
}

// Hostname returns the host part of Addr, used to build engine URLs that
// point at the remote machine.
func (h HostConfig) Hostname() string {
	host, _, err := net.SplitHostPort(h.Addr)
	if err != nil {
		return h.Addr
	}
	return host
}

// Monitor keeps one lazily-dialled SSH client per configured host.
// Safe for concurrent use.
type Monitor struct {
	hosts map[string]HostConfig

	mu      sync.Mutex
	clients map[string]*ssh.Client
}

// New creates a monitor over the given host configs. No connections are
// opened until the first [Monitor.Client] call.
func New(hosts []HostConfig) *Monitor {
	m := &Monitor{
		hosts:   make(map[string]HostConfig, len(hosts)),
		clients: make(map[string]*ssh.Client),
	}
	for _, h := range hosts {
		m.hosts[h.Name] = h
	}
	return m
}

// Host returns the configuration of a named host.
func (m *Monitor) Host(name string) (HostConfig, error) {
	h, ok := m.hosts[name]
	if !ok {
		return HostConfig{}, fmt.Errorf("sshmon: unknown host %q", name)
	}
	return h, nil
}

// Client returns the live SSH client for the named host, dialling it on
// first use.
func (m *Monitor) Client(name string) (*ssh.Client, error) {
	h, err := m.Host(name)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.clients[name]; ok {
		return c, nil
	}
	c, err := dial(h)
	if err != nil {
		return nil, err
	}
	m.clients[name] = c
	slog.Info("ssh host connected", "host", name, "addr", h.Addr)
	return c, nil
}

// Reconnect drops the cached client for the named host and dials a fresh
// one. Called by the remote runner after a channel failure.
func (m *Monitor) Reconnect(name string) (*ssh.Client, error) {
	h, err := m.Host(name)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.clients[name]; ok {
		old.Close()
		delete(m.clients, name)
	}
	c, err := dial(h)
	if err != nil {
		return nil, err
	}
	m.clients[name] = c
	slog.Info("ssh host reconnected", "host", name, "addr", h.Addr)
	return c, nil
}

// Close tears down every open connection.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, c := range m.clients {
		c.Close()
		delete(m.clients, name)
	}
}

// DialDockerSocket opens a stream to the remote Docker daemon socket
// through the host's SSH connection. The Docker client uses this as its
// transport dialer.
func (m *Monitor) DialDockerSocket(name string) (net.Conn, error) {
	c, err := m.Client(name)
	if err != nil {
		return nil, err
	}
	h, _ := m.Host(name)
	socket := h.DockerSocket
	if socket == "" {
		socket = DefaultDockerSocket
	}
	conn, err := c.Dial("unix", socket)
	if err != nil {
		return nil, fmt.Errorf("sshmon: dial docker socket on %q: %w", name, err)
	}
	return conn, nil
}

// IsChannelError reports whether err looks like a broken SSH channel or
// connection, the class of failure worth one reconnect-and-retry.
func IsChannelError(err error) bool {
	if err == nil {
		return false
	}
	var oce *ssh.OpenChannelError
	if errors.As(err, &oce) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "ssh: ") ||
		strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "broken pipe") ||
		errors.Is(err, net.ErrClosed)
}

func dial(h HostConfig) (*ssh.Client, error) {
	key, err := os.ReadFile(h.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("sshmon: read key for %q: %w", h.Name, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("sshmon: parse key for %q: %w", h.Name, err)
	}
	cfg := &ssh.ClientConfig{
		User:            h.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}
	c, err := ssh.Dial("tcp", h.Addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("sshmon: dial %q (%s): %w", h.Name, h.Addr, err)
	}
	return c, nil
}
