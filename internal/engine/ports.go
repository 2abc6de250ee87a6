package engine

import (
	"fmt"
	"net"
	"sync"
)

// DefaultBasePort is where the port scan starts unless configured otherwise.
const DefaultBasePort = 8766

// maxPortScan bounds how many consecutive ports the allocator probes before
// giving up.
const maxPortScan = 200

// PortRegistry is the process-wide record of ports handed out to engines.
// One instance is shared by every [Manager] regardless of kind; per-kind
// registries caused allocation races during concurrent startups and must
// not come back.
//
// A port is reserved before the engine starts listening and released when
// the engine stops, so two managers starting engines at the same time can
// never pick the same port even though neither engine is bound yet.
type PortRegistry struct {
	base int

	mu    sync.Mutex
	inUse map[int]string // port → variant ID, for diagnostics
}

// NewPortRegistry creates a registry that scans upward from base. A base of
// zero falls back to [DefaultBasePort].
func NewPortRegistry(base int) *PortRegistry {
	if base <= 0 {
		base = DefaultBasePort
	}
	return &PortRegistry{
		base:  base,
		inUse: make(map[int]string),
	}
}

// Allocate reserves and returns a free port for variantID. It skips ports
// already reserved in the registry as well as ports some other process is
// bound to. The reservation is recorded before Allocate returns.
func (r *PortRegistry) Allocate(variantID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for port := r.base; port < r.base+maxPortScan; port++ {
		if _, taken := r.inUse[port]; taken {
			continue
		}
		if !portFree(port) {
			continue
		}
		r.inUse[port] = variantID
		return port, nil
	}
	return 0, fmt.Errorf("engine: no free port in range %d-%d", r.base, r.base+maxPortScan-1)
}

// Release returns port to the pool. Releasing an unallocated port is a no-op.
func (r *PortRegistry) Release(port int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inUse, port)
}

// Reserved reports whether port is currently allocated and to whom.
func (r *PortRegistry) Reserved(port int) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.inUse[port]
	return id, ok
}

// Adopt records an externally discovered port reservation, e.g. a container
// re-adopted on boot that is already publishing a port.
func (r *PortRegistry) Adopt(port int, variantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inUse[port] = variantID
}

// Len returns the number of reserved ports.
func (r *PortRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inUse)
}

// portFree probes whether the port can be bound on all interfaces right now.
// A racing external bind between the probe and the engine start is possible
// but the engine's own listen failure surfaces it.
func portFree(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
