// Package routingtable implements C3: the ordered set of (prefix, mask,
// nexthop-list) records with merge/disjoin semantics and a change counter,
// plus the RRP "update" algorithm that integrates a received payload and
// the stub-mode lifecycle.
//
// Grounded on the original RoFI source's routing_table.hpp (RTable::merge,
// RTable::disjoin, RTable::onRRPmsg, shouldBeStub/makeStub/destroyStub),
// realized with the hash-bucketed map technique
// internal/routing/entities/network_set.go uses for keying net.IPNet by a
// cespare/xxhash hash with an equality check for collisions.
package routingtable

import (
	"fmt"
	"net"

	"github.com/cespare/xxhash/v2"
	"github.com/rofi-net/rofinet/internal/logger"
	"github.com/rofi-net/rofinet/internal/rrpwire"
)

// Gateway is a (interface, cost) tuple inside a Record. Interfaces are
// referred to by an arena-index handle, never by name, except on the
// wire and at the RoutePort boundary.
type Gateway struct {
	Iface int
	Cost  uint32
}

// Record is one routing entry. Invariant: Gateways is non-empty,
// cost-sorted ascending, duplicate-free by Iface; Gateways[0] is the
// active gateway the external route points to.
type Record struct {
	Prefix   net.IP
	Mask     int
	Gateways []Gateway
}

func (r *Record) key() uint64 {
	return recordKey(r.Prefix, r.Mask)
}

func recordKey(prefix net.IP, mask int) uint64 {
	h := xxhash.New()
	p := prefix.To16()
	if p == nil {
		p = make(net.IP, 16)
	}
	_, _ = h.Write(p)
	_, _ = h.Write([]byte{byte(mask)})
	return h.Sum64()
}

func sameNetwork(a net.IP, am int, b net.IP, bm int) bool {
	if am != bm {
		return false
	}
	return a.Mask(net.CIDRMask(am, 128)).Equal(b.Mask(net.CIDRMask(bm, 128)))
}

// RoutePort is the external host-stack forwarding table port. The
// table's calls into it are its only side effects.
type RoutePort interface {
	InstallRoute(prefix net.IP, mask int, viaIfName string) error
	UpdateRoute(prefix net.IP, mask int, newViaIfName string) error
	RemoveRoute(prefix net.IP, mask int) error
}

// IfaceResolver is the slice the table needs from the virtual interface
// registry (C2): names for the RoutePort calls, and the stub bookkeeping
// the update algorithm and the stub-transition evaluation touch.
type IfaceResolver interface {
	Name(iface int) string
	IsLoopback(iface int) bool
	IsStub(iface int) bool
	SetStub(iface int, stub bool)
}

// Table is the per-module routing table (C3).
type Table struct {
	buckets map[uint64][]*Record

	port  RoutePort
	ifres IfaceResolver
	log   *logger.Logger

	syncCounter int
	stubIface   int
	hasStub     bool
}

func New(port RoutePort, ifres IfaceResolver) *Table {
	return &Table{
		buckets: make(map[uint64][]*Record),
		port:    port,
		ifres:   ifres,
		log:     logger.New(""),
	}
}

// SetLogger replaces the table's logger, letting the caller wire it to the
// shared deployment logger once one exists (New is usable standalone in
// tests with its own default: an info-level logger writing to stdout).
func (t *Table) SetLogger(log *logger.Logger) { t.log = log }

// Synced reports whether every outbound Call this module emitted has
// been answered.
func (t *Table) Synced() bool { return t.syncCounter == 0 }

// StubInterface reports the current stub upstream, if any.
func (t *Table) StubInterface() (int, bool) { return t.stubIface, t.hasStub }

func (t *Table) findRecord(prefix net.IP, mask int) *Record {
	for _, r := range t.buckets[recordKey(prefix, mask)] {
		if sameNetwork(r.Prefix, r.Mask, prefix, mask) {
			return r
		}
	}
	return nil
}

func (t *Table) insertRecord(r *Record) {
	k := r.key()
	t.buckets[k] = append(t.buckets[k], r)
}

func (t *Table) deleteRecord(r *Record) {
	k := r.key()
	bucket := t.buckets[k]
	for i, candidate := range bucket {
		if candidate == r {
			t.buckets[k] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(t.buckets[k]) == 0 {
		delete(t.buckets, k)
	}
}

// Search locates a Record by (prefix, mask).
func (t *Table) Search(prefix net.IP, mask int) (*Record, bool) {
	r := t.findRecord(prefix, mask)
	return r, r != nil
}

// Add finds or creates the Record for (prefix, mask) and merges in the
// (via, cost) Gateway. Returns whether the set of Gateways actually
// changed. This is the table's only mutation entry point that can install
// or update a route, besides Remove/RemoveForIf.
func (t *Table) Add(prefix net.IP, mask int, cost uint32, via int) (bool, error) {
	rec := t.findRecord(prefix, mask)
	if rec == nil {
		rec = &Record{Prefix: prefix, Mask: mask, Gateways: []Gateway{{Iface: via, Cost: cost}}}
		t.insertRecord(rec)
		if err := t.port.InstallRoute(prefix, mask, t.ifres.Name(via)); err != nil {
			return true, fmt.Errorf("install route %s/%d via %s: %w", prefix, mask, t.ifres.Name(via), err)
		}
		return true, nil
	}

	oldFirst := rec.Gateways[0].Iface
	changed := mergeGateway(rec, Gateway{Iface: via, Cost: cost})
	if changed && len(rec.Gateways) == 0 {
		detail := fmt.Sprintf("empty gateway list after merge on %s/%d", prefix, mask)
		t.log.InvariantViolation("routingtable", detail)
		t.reset()
		return false, fmt.Errorf("routingtable: invariant violation, %s", detail)
	}
	if changed && rec.Gateways[0].Iface != oldFirst {
		if err := t.port.UpdateRoute(prefix, mask, t.ifres.Name(rec.Gateways[0].Iface)); err != nil {
			return changed, fmt.Errorf("update route %s/%d via %s: %w", prefix, mask, t.ifres.Name(rec.Gateways[0].Iface), err)
		}
	}
	return changed, nil
}

// mergeGateway inserts gw into rec's Gateway list, ordered by ascending
// cost with ties broken by first-inserted. Inserting an existing via at
// the same or worse cost is a no-op; a strictly better cost for an
// existing via replaces it.
func mergeGateway(rec *Record, gw Gateway) bool {
	for i, g := range rec.Gateways {
		if g.Iface == gw.Iface {
			if g.Cost <= gw.Cost {
				return false
			}
			rec.Gateways = append(rec.Gateways[:i], rec.Gateways[i+1:]...)
			break
		}
	}

	idx := len(rec.Gateways)
	for i, g := range rec.Gateways {
		if gw.Cost < g.Cost {
			idx = i
			break
		}
	}
	rec.Gateways = append(rec.Gateways, Gateway{})
	copy(rec.Gateways[idx+1:], rec.Gateways[idx:])
	rec.Gateways[idx] = gw
	return true
}

// Remove removes the Gateway for via from (prefix, mask)'s Record,
// destroying the Record if it was the last Gateway.
func (t *Table) Remove(prefix net.IP, mask int, via int) (bool, error) {
	rec := t.findRecord(prefix, mask)
	if rec == nil {
		return false, nil
	}
	return t.removeGatewayFrom(rec, via)
}

func (t *Table) removeGatewayFrom(rec *Record, via int) (bool, error) {
	idx := -1
	for i, g := range rec.Gateways {
		if g.Iface == via {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, nil
	}
	wasFirst := idx == 0
	rec.Gateways = append(rec.Gateways[:idx], rec.Gateways[idx+1:]...)

	if len(rec.Gateways) == 0 {
		t.deleteRecord(rec)
		if err := t.port.RemoveRoute(rec.Prefix, rec.Mask); err != nil {
			return true, fmt.Errorf("remove route %s/%d: %w", rec.Prefix, rec.Mask, err)
		}
		return true, nil
	}
	if wasFirst {
		if err := t.port.UpdateRoute(rec.Prefix, rec.Mask, t.ifres.Name(rec.Gateways[0].Iface)); err != nil {
			return true, fmt.Errorf("update route %s/%d via %s: %w", rec.Prefix, rec.Mask, t.ifres.Name(rec.Gateways[0].Iface), err)
		}
	}
	return true, nil
}

// RemoveForIf removes every Gateway referring to iface from every Record,
// destroying any Record that becomes empty.
func (t *Table) RemoveForIf(iface int) (bool, error) {
	changed := false
	for _, bucket := range t.buckets {
		// copy since removeGatewayFrom may mutate t.buckets via deleteRecord
		records := append([]*Record(nil), bucket...)
		for _, rec := range records {
			c, err := t.removeGatewayFrom(rec, iface)
			changed = changed || c
			if err != nil {
				return changed, err
			}
		}
	}
	return changed, nil
}

// CreateRRP serializes the table into the entries the RRP wire codec
// will encode. Records whose active Gateway is exceptIf are skipped; if
// exceptIf is the stub interface the entire body is skipped.
// Advertised costs are incremented by one (cost-to-reach-via-this-module).
func (t *Table) CreateRRP(cmd rrpwire.Command, exceptIf int) rrpwire.Payload {
	pl := rrpwire.Payload{Cmd: cmd}
	if exceptIf >= 0 && t.ifres.IsStub(exceptIf) {
		if cmd == rrpwire.Call {
			t.syncCounter++
		}
		return pl
	}

	for _, bucket := range t.buckets {
		for _, rec := range bucket {
			active := rec.Gateways[0]
			if active.Iface == exceptIf {
				continue
			}
			pl.Entries = append(pl.Entries, rrpwire.Entry{
				Prefix: rec.Prefix,
				Mask:   uint8(rec.Mask),
				Cost:   active.Cost + 1,
			})
		}
	}
	if cmd == rrpwire.Call {
		t.syncCounter++
	}
	return pl
}

// Update integrates a received RRP payload from interface via and
// returns the Action the caller (the RRP engine) must take.
func (t *Table) Update(pl rrpwire.Payload, via int) (rrpwire.Action, error) {
	t.ifres.SetStub(via, pl.Cmd == rrpwire.Stubby)

	if _, err := t.RemoveForIf(via); err != nil {
		return rrpwire.Nothing, err
	}

	changed := false
	for _, e := range pl.Entries {
		c, err := t.Add(e.Prefix, int(e.Mask), e.Cost, via)
		if err != nil {
			return rrpwire.Nothing, err
		}
		changed = changed || c
	}

	if pl.Cmd != rrpwire.Call {
		t.syncCounter--
	}

	action := t.baseAction(pl.Cmd, changed)

	transitioned, enteringStub, err := t.evaluateStubTransition()
	if err != nil {
		return action, err
	}
	if transitioned {
		if enteringStub {
			action = rrpwire.RespondToAll
		} else {
			action = rrpwire.CallToAll
		}
	}
	return action, nil
}

func (t *Table) baseAction(cmd rrpwire.Command, changed bool) rrpwire.Action {
	switch cmd {
	case rrpwire.Hello:
		return rrpwire.OnHello
	case rrpwire.Sync:
		return rrpwire.Nothing
	case rrpwire.Call:
		if changed && t.Synced() {
			return rrpwire.RespondToAll
		}
		return rrpwire.Respond
	default: // Response, Stubby, HelloResponse
		if changed && t.Synced() {
			return rrpwire.CallToAll
		}
		return rrpwire.Nothing
	}
}

// evaluateStubTransition enters or leaves stub mode when the sole-egress
// predicate's truth value changes.
func (t *Table) evaluateStubTransition() (transitioned bool, enteringStub bool, err error) {
	egress, hasEgress := t.soleEgress()
	shouldBeStub := t.Synced() && hasEgress

	if !t.hasStub && shouldBeStub {
		t.stubIface = egress
		t.hasStub = true
		if _, rerr := t.RemoveForIf(egress); rerr != nil {
			return false, false, rerr
		}
		if _, rerr := t.Add(defaultPrefix(), 0, 0, egress); rerr != nil {
			return false, false, rerr
		}
		t.log.StubTransition(true, t.ifres.Name(egress))
		return true, true, nil
	}
	if t.hasStub && !shouldBeStub {
		old := t.stubIface
		t.hasStub = false
		t.stubIface = 0
		if _, rerr := t.Remove(defaultPrefix(), 0, old); rerr != nil {
			return false, false, rerr
		}
		t.log.StubTransition(false, t.ifres.Name(old))
		return true, false, nil
	}
	return false, false, nil
}

// soleEgress finds the single non-loopback, non-stub interface every
// Record (other than locally-attached ones) resolves through, if there
// is exactly one.
func (t *Table) soleEgress() (int, bool) {
	candidate := -1
	found := false
	for _, bucket := range t.buckets {
		for _, rec := range bucket {
			active := rec.Gateways[0]
			if active.Cost == 0 && rec.Mask != 0 {
				continue // locally attached, not an egress
			}
			if t.ifres.IsStub(active.Iface) {
				continue
			}
			if !found {
				candidate = active.Iface
				found = true
				continue
			}
			if active.Iface != candidate {
				return 0, false
			}
		}
	}
	return candidate, found
}

func defaultPrefix() net.IP {
	return net.IPv6zero
}

// reset drops every in-memory Record and stub-mode bookkeeping after an
// invariant violation. It does not touch routes already installed via
// port; the next Hello/Call round rebuilds the table from scratch.
func (t *Table) reset() {
	t.buckets = make(map[uint64][]*Record)
	t.syncCounter = 0
	t.hasStub = false
	t.stubIface = 0
}
