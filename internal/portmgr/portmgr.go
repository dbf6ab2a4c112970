// Package portmgr implements the Port Manager component of spec.md §2/§6:
// a bidirectional sandbox-key↔host-port map, with host ports assigned by
// the OS (bind to port 0) and the map persisted as JSON so it survives
// server restarts.
//
// Grounded on servin/pkg/network's PortMapping{HostPort, ContainerPort}
// struct shape, adapted from per-container iptables DNAT rules (host-level
// networking, out of scope per spec.md §1) to a plain in-memory+JSON map a
// single control-plane process owns.
package portmgr

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/microsandbox/msb/internal/msberr"
)

// Mapping is one sandbox's assigned host port for a given guest port.
type Mapping struct {
	SandboxKey string `json:"sandbox_key"`
	GuestPort  int    `json:"guest_port"`
	HostPort   int    `json:"host_port"`
}

// Manager holds the process-wide port map, guarded by a single mutex since
// spec.md §6 describes port assignment as serialized across concurrent
// sandbox.start calls.
type Manager struct {
	mu     sync.Mutex
	path   string
	byKey  map[string][]Mapping
	byPort map[int]Mapping
}

// Open loads the persisted port map from path (if present) and returns a
// Manager backed by it.
func Open(path string) (*Manager, error) {
	m := &Manager{
		path:   path,
		byKey:  make(map[string][]Mapping),
		byPort: make(map[int]Mapping),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, msberr.Wrap(err, msberr.IO, "portmgr-open", path)
	}

	var mappings []Mapping
	if err := json.Unmarshal(data, &mappings); err != nil {
		return nil, msberr.Wrap(err, msberr.ConfigParse, "portmgr-open", path)
	}
	for _, mp := range mappings {
		m.byKey[mp.SandboxKey] = append(m.byKey[mp.SandboxKey], mp)
		m.byPort[mp.HostPort] = mp
	}
	return m, nil
}

// Assign ensures sandboxKey has a host port mapped to guestPort, per spec.md
// §4.10: if a mapping for (sandboxKey, guestPort) already exists and its
// port is still bindable on loopback, it is reused unchanged; otherwise the
// stale mapping is dropped and a fresh port is allocated. §8's
// port-injectivity invariant depends on this: assign(k); assign(k) returns
// the same port as long as nothing else has claimed it in between. Returns
// the assigned host port.
func (m *Manager) Assign(sandboxKey string, guestPort int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.byKey[sandboxKey]
	kept := existing[:0]
	var reused *Mapping
	for _, mp := range existing {
		if mp.GuestPort != guestPort {
			kept = append(kept, mp)
			continue
		}
		if reused == nil && portBindable(mp.HostPort) {
			reused = &mp
			kept = append(kept, mp)
			continue
		}
		delete(m.byPort, mp.HostPort)
	}

	if reused != nil {
		m.byKey[sandboxKey] = kept
		return reused.HostPort, nil
	}

	hostPort, err := allocatePort()
	if err != nil {
		return 0, err
	}

	mapping := Mapping{SandboxKey: sandboxKey, GuestPort: guestPort, HostPort: hostPort}
	m.byKey[sandboxKey] = append(kept, mapping)
	m.byPort[hostPort] = mapping

	if err := m.saveLocked(); err != nil {
		return 0, err
	}
	return hostPort, nil
}

// portBindable reports whether port is still free to bind on loopback,
// i.e. nothing else has claimed it since it was assigned.
func portBindable(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

// Release removes every mapping for sandboxKey.
func (m *Manager) Release(sandboxKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, mp := range m.byKey[sandboxKey] {
		delete(m.byPort, mp.HostPort)
	}
	delete(m.byKey, sandboxKey)
	return m.saveLocked()
}

// HostPortFor returns the host port assigned to sandboxKey for guestPort,
// the control-plane server's lookup for portal forwarding (spec.md §4.9).
func (m *Manager) HostPortFor(sandboxKey string, guestPort int) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, mp := range m.byKey[sandboxKey] {
		if mp.GuestPort == guestPort {
			return mp.HostPort, true
		}
	}
	return 0, false
}

func (m *Manager) saveLocked() error {
	var all []Mapping
	for _, mappings := range m.byKey {
		all = append(all, mappings...)
	}
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return msberr.Wrap(err, msberr.IO, "portmgr-save", m.path)
	}
	if err := os.WriteFile(m.path, data, 0o644); err != nil {
		return msberr.Wrap(err, msberr.IO, "portmgr-save", m.path)
	}
	return nil
}

// allocatePort asks the OS for an ephemeral port by binding to port 0 on
// loopback, then releasing it; the same trick servin's network stubs use
// for any "pick a free port" need, generalized here to loopback-only host
// port assignment.
func allocatePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, msberr.Wrap(err, msberr.IO, "allocate-port", "")
	}
	defer l.Close()

	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		return 0, msberr.New(msberr.IO, "allocate-port", fmt.Sprintf("unexpected listener address type %T", l.Addr()))
	}
	return addr.Port, nil
}
