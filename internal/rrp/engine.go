// Package rrp is the RRP engine (C4): a per-link state machine sitting on
// top of internal/routingtable, translating link driver events and
// incoming wire payloads into outbound transmissions.
//
// Grounded on the original_source routing_table.hpp's onRRPmsg call
// sites, realized the way the teacher's route monitor dispatches
// link-up/link-down callbacks into table mutation plus a reaction list
// (internal/routing/monitor.go's watch loop).
package rrp

import (
	"fmt"

	"github.com/rofi-net/rofinet/internal/linkdriver"
	"github.com/rofi-net/rofinet/internal/logger"
	"github.com/rofi-net/rofinet/internal/routingtable"
	"github.com/rofi-net/rofinet/internal/rrpwire"
)

// LinkState is the per-interface state machine position.
type LinkState int

const (
	Unconnected LinkState = iota
	Converging
)

func (s LinkState) String() string {
	if s == Converging {
		return "Converging"
	}
	return "Unconnected"
}

// Transmission is one outbound frame the caller must hand to a driver.
type Transmission struct {
	Iface   int
	Payload rrpwire.Payload
}

// Table is the slice of routingtable.Table the engine drives.
type Table interface {
	Update(pl rrpwire.Payload, via int) (rrpwire.Action, error)
	CreateRRP(cmd rrpwire.Command, exceptIf int) rrpwire.Payload
	RemoveForIf(iface int) (bool, error)
	StubInterface() (int, bool)
}

// Ifaces is the slice of ifreg.Registry the engine needs to enumerate
// active links and query/set stub state.
type Ifaces interface {
	Handles() []int
	IsLoopback(iface int) bool
	IsStub(iface int) bool
}

// Engine owns one LinkState per interface and drives Table/Ifaces in
// response to link and packet events. All methods run on the scheduler's
// single mutation goroutine — Engine itself holds no lock.
type Engine struct {
	table  Table
	ifaces Ifaces
	log    *logger.Logger

	states map[int]LinkState
	active map[int]bool
}

func New(table Table, ifaces Ifaces, log *logger.Logger) *Engine {
	return &Engine{
		table:  table,
		ifaces: ifaces,
		log:    log,
		states: make(map[int]LinkState),
		active: make(map[int]bool),
	}
}

func (e *Engine) State(iface int) LinkState { return e.states[iface] }

// HandleEvent processes a link-up/link-down transition.
func (e *Engine) HandleEvent(iface int, ev linkdriver.Event) ([]Transmission, error) {
	switch ev.Kind {
	case linkdriver.Connected:
		return e.onConnected(iface)
	case linkdriver.Disconnected:
		return e.onDisconnected(iface)
	default:
		return nil, fmt.Errorf("rrp: unknown link event kind %d", ev.Kind)
	}
}

func (e *Engine) onConnected(iface int) ([]Transmission, error) {
	e.active[iface] = true
	e.states[iface] = Converging
	e.log.LinkEvent(fmt.Sprintf("%d", iface), "connected")

	pl := e.table.CreateRRP(rrpwire.Hello, -1)
	return []Transmission{{Iface: iface, Payload: pl}}, nil
}

func (e *Engine) onDisconnected(iface int) ([]Transmission, error) {
	wasStub := false
	stubIface, hasStub := e.table.StubInterface()
	if hasStub && stubIface == iface {
		wasStub = true
	}

	delete(e.active, iface)
	e.states[iface] = Unconnected
	e.log.LinkEvent(fmt.Sprintf("%d", iface), "disconnected")

	if _, err := e.table.RemoveForIf(iface); err != nil {
		return nil, fmt.Errorf("rrp: remove_for_if on disconnect: %w", err)
	}

	_, stillStub := e.table.StubInterface()

	switch {
	case wasStub:
		// the upstream vanished: re-election via Hello on every remaining link
		return e.broadcast(rrpwire.Hello, -1, -1), nil
	case stillStub:
		up, _ := e.table.StubInterface()
		return []Transmission{{Iface: up, Payload: e.table.CreateRRP(rrpwire.Sync, -1)}}, nil
	default:
		return e.broadcast(rrpwire.Call, -1, -1), nil
	}
}

// HandlePacket processes one decoded RRP payload received on iface,
// mapping the resulting Action onto the transmissions to send.
func (e *Engine) HandlePacket(iface int, payload []byte) ([]Transmission, error) {
	pl, err := rrpwire.Decode(payload)
	if err != nil {
		return nil, err // malformed: caller logs and drops
	}

	action, err := e.table.Update(pl, iface)
	if err != nil {
		return nil, err
	}
	e.log.RRPAction(fmt.Sprintf("%d", iface), pl.Cmd.String(), action.String(), len(pl.Entries) > 0, true)

	return e.translate(action, iface), nil
}

// replyCmd picks the command this module uses to reply on its own
// behalf: Stubby in place of Response whenever the module is currently a
// stub (mirroring original_source physical_netif.hpp's
// handleUpdate: "sendRRP(rtable.isStub() ? Stubby : Response)").
func (e *Engine) replyCmd() rrpwire.Command {
	if _, isStub := e.table.StubInterface(); isStub {
		return rrpwire.Stubby
	}
	return rrpwire.Response
}

func (e *Engine) translate(action rrpwire.Action, source int) []Transmission {
	switch action {
	case rrpwire.Nothing:
		return nil
	case rrpwire.Respond:
		return []Transmission{{Iface: source, Payload: e.table.CreateRRP(e.replyCmd(), source)}}
	case rrpwire.RespondToAll:
		out := e.broadcast(rrpwire.Call, source, source)
		out = append(out, Transmission{Iface: source, Payload: e.table.CreateRRP(e.replyCmd(), source)})
		return out
	case rrpwire.CallToAll:
		out := e.broadcast(rrpwire.Call, source, -1)
		out = append(out, Transmission{Iface: source, Payload: e.table.CreateRRP(rrpwire.Response, source)})
		return out
	case rrpwire.HelloToAll:
		out := e.broadcast(rrpwire.Hello, source, -1)
		out = append(out, Transmission{Iface: source, Payload: e.table.CreateRRP(rrpwire.Response, source)})
		return out
	case rrpwire.OnHello:
		var out []Transmission
		if stubIface, hasStub := e.table.StubInterface(); hasStub {
			out = append(out, Transmission{Iface: stubIface, Payload: e.table.CreateRRP(rrpwire.Sync, -1)})
		} else {
			out = e.broadcast(rrpwire.Call, source, source)
		}
		out = append(out, Transmission{Iface: source, Payload: e.table.CreateRRP(rrpwire.HelloResponse, source)})
		return out
	default:
		return nil
	}
}

// broadcast builds one Transmission of cmd per active, non-loopback
// interface other than excludeIface (-1 to exclude none), using
// exceptIf as CreateRRP's per-frame exclusion (e.g. the source link, so
// it never gets told what it just told us).
func (e *Engine) broadcast(cmd rrpwire.Command, excludeIface, exceptIf int) []Transmission {
	var out []Transmission
	for _, h := range e.ifaces.Handles() {
		if e.ifaces.IsLoopback(h) || h == excludeIface || !e.active[h] {
			continue
		}
		out = append(out, Transmission{Iface: h, Payload: e.table.CreateRRP(cmd, exceptIf)})
	}
	return out
}
