// Package ifreg is the virtual interface registry (C2): an arena of
// Interface records indexed by the same handle the routing table and RRP
// engine use, plus the module's boot sequence.
//
// Grounded on spec.md §9's "break cyclic ownership with arenas" redesign
// note, realized the way the teacher's daemon keeps a fixed owned set of
// subsystems behind a single lock instead of letting them reference each
// other directly.
package ifreg

import (
	"fmt"
	"net"
	"sync"

	"github.com/rofi-net/rofinet/internal/addrpolicy"
	"github.com/rofi-net/rofinet/internal/config"
	"github.com/rofi-net/rofinet/internal/linkdriver"
)

// Addr is a global address installed on an Interface.
type Addr struct {
	IP   net.IP
	Mask int
}

// Interface is one virtual interface: either the loopback (handle 0) or a
// physical connector fronted by a link driver.
type Interface struct {
	Name      string
	Active    bool
	Stub      bool
	LinkLocal net.IP
	Global    []Addr

	handle int
	driver linkdriver.Driver // nil for loopback
}

func (i *Interface) Handle() int { return i.handle }

// Registry owns every Interface and the process-wide host-stack lock
// (spec §5: "host-stack mutating operations are wrapped in a single
// process-wide lock"). All other components reach an Interface only
// through its handle, never a stored pointer, so the registry is free to
// reslice.
type Registry struct {
	mu    sync.RWMutex
	ifs   []*Interface
	names map[string]int
}

const LoopbackHandle = 0

// New creates a Registry with only the loopback interface present.
func New() *Registry {
	r := &Registry{names: make(map[string]int)}
	r.ifs = append(r.ifs, &Interface{Name: "lo", Active: true, handle: LoopbackHandle})
	r.names["lo"] = LoopbackHandle
	return r
}

// RouteAdder is the slice of routingtable.Table that Boot/AddAddress need
// to install the locally-attached Record for a newly added address (spec
// §4.2: "auto-derives link-local, installs the prefix as a Record (cost 0,
// via loopback) through the routing table"). Declared here, not imported
// from routingtable, so ifreg and routingtable never depend on each other.
type RouteAdder interface {
	Add(prefix net.IP, mask int, cost uint32, via int) (bool, error)
}

// Boot adds one Interface per connector spec, binding each to its link
// driver, then installs the module's address: always the addrpolicy
// [SUPPLEMENT] default derived from moduleID (spec §9 Open Question 1);
// there is no input for an explicitly configured address.
func (r *Registry) Boot(moduleID uint16, conns []config.ConnectorSpec, drivers map[string]linkdriver.Driver, rt RouteAdder) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range conns {
		drv, ok := drivers[c.Name]
		if !ok {
			return fmt.Errorf("ifreg: no driver registered for connector %q", c.Name)
		}
		handle := len(r.ifs)
		iface := &Interface{Name: c.Name, Active: true, handle: handle, driver: drv}
		r.ifs = append(r.ifs, iface)
		r.names[c.Name] = handle
	}

	prefix, mask := addrpolicy.Default(moduleID)
	if _, err := r.addAddressLocked(prefix, mask, rt); err != nil {
		return fmt.Errorf("ifreg: default address policy: %w", err)
	}
	return nil
}

// Lookup resolves a connector name to its handle.
func (r *Registry) Lookup(name string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.names[name]
	return h, ok
}

// Get returns a read-only snapshot of the Interface at handle.
func (r *Registry) Get(handle int) (Interface, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if handle < 0 || handle >= len(r.ifs) {
		return Interface{}, false
	}
	return *r.ifs[handle], true
}

// Driver returns the link driver bound to handle, if any (loopback has
// none).
func (r *Registry) Driver(handle int) (linkdriver.Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if handle < 0 || handle >= len(r.ifs) {
		return nil, false
	}
	d := r.ifs[handle].driver
	return d, d != nil
}

// AddAddress installs prefix/mask as the loopback's global address,
// installs the matching cost-0 Record through rt, and returns the
// loopback Interface. It does not notify the RRP engine (the registry
// holds no reference to it), and no caller does so either: the new
// Record reaches neighbours only in later RRP exchanges.
func (r *Registry) AddAddress(prefix net.IP, mask int, rt RouteAdder) (*Interface, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addAddressLocked(prefix, mask, rt)
}

func (r *Registry) addAddressLocked(prefix net.IP, mask int, rt RouteAdder) (*Interface, error) {
	lo := r.ifs[LoopbackHandle]
	lo.Global = append(lo.Global, Addr{IP: prefix, Mask: mask})
	if lo.LinkLocal == nil {
		lo.LinkLocal = deriveLinkLocal(prefix)
	}
	if rt != nil {
		if _, err := rt.Add(prefix, mask, 0, LoopbackHandle); err != nil {
			return nil, fmt.Errorf("ifreg: installing local record: %w", err)
		}
	}
	return lo, nil
}

func deriveLinkLocal(global net.IP) net.IP {
	ll := make(net.IP, net.IPv6len)
	ll[0], ll[1] = 0xfe, 0x80
	g := global.To16()
	if g != nil {
		copy(ll[8:], g[8:])
	}
	return ll
}

// Handles returns the set of handles, for iteration by the routing table / RRP
// engine (e.g. Hello broadcast to every Active, non-loopback interface).
func (r *Registry) Handles() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int, len(r.ifs))
	for i := range r.ifs {
		out[i] = i
	}
	return out
}

// --- routingtable.IfaceResolver ---

func (r *Registry) Name(handle int) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if handle < 0 || handle >= len(r.ifs) {
		return ""
	}
	return r.ifs[handle].Name
}

func (r *Registry) IsLoopback(handle int) bool { return handle == LoopbackHandle }

func (r *Registry) IsStub(handle int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if handle < 0 || handle >= len(r.ifs) {
		return false
	}
	return r.ifs[handle].Stub
}

func (r *Registry) SetStub(handle int, stub bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if handle < 0 || handle >= len(r.ifs) {
		return
	}
	r.ifs[handle].Stub = stub
}
