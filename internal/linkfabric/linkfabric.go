// Package linkfabric is the stand-in for the physical HAL in tests and the
// `rofid test` subcommand: an in-memory fabric that pairs two
// linkdriver.Driver implementations so each one's Send reaches the other's
// OnPacket callback.
//
// Grounded on internal/routing/route.go's RouteWorkerPool: a bounded
// channel drained by a dedicated goroutine, so Send never blocks the
// caller for long and a full outbox degrades to a dropped frame instead of
// a stall (spec §7's ResourceExhaustion policy).
package linkfabric

import (
	"sync"

	"github.com/rofi-net/rofinet/internal/linkdriver"
	"github.com/rofi-net/rofinet/internal/rerr"
)

type frame struct {
	contentType uint16
	payload     []byte
}

// SimDriver is an in-memory linkdriver.Driver backed by a bounded outbox
// channel and a peer pointer supplied by NewLink/Disconnect.
type SimDriver struct {
	name string
	addr [6]byte

	mu       sync.Mutex
	peer     *SimDriver
	onPacket func(uint16, []byte)
	onEvent  func(linkdriver.Event)

	outbox chan frame
	done   chan struct{}
}

var _ linkdriver.Driver = (*SimDriver)(nil)

func newSimDriver(name string, addr [6]byte, bufSize int) *SimDriver {
	d := &SimDriver{
		name:   name,
		addr:   addr,
		outbox: make(chan frame, bufSize),
		done:   make(chan struct{}),
	}
	go d.drain()
	return d
}

func (d *SimDriver) drain() {
	for {
		select {
		case fr := <-d.outbox:
			d.mu.Lock()
			peer := d.peer
			d.mu.Unlock()
			if peer != nil {
				peer.deliver(fr.contentType, fr.payload)
			}
		case <-d.done:
			return
		}
	}
}

func (d *SimDriver) deliver(contentType uint16, payload []byte) {
	d.mu.Lock()
	cb := d.onPacket
	d.mu.Unlock()
	if cb != nil {
		cb(contentType, payload)
	}
}

func (d *SimDriver) fireEvent(ev linkdriver.Event) {
	d.mu.Lock()
	cb := d.onEvent
	d.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

func (d *SimDriver) Name() string           { return d.name }
func (d *SimDriver) PhysicalAddress() [6]byte { return d.addr }

func (d *SimDriver) Send(contentType uint16, payload []byte) error {
	if len(payload) > linkdriver.MTU {
		return linkdriver.ErrPayloadTooLarge{Size: len(payload)}
	}
	buf := append([]byte(nil), payload...)
	select {
	case d.outbox <- frame{contentType: contentType, payload: buf}:
		return nil
	default:
		return rerr.New(rerr.ResourceExhaustion, "outbound queue full on "+d.name)
	}
}

func (d *SimDriver) OnPacket(cb func(contentType uint16, payload []byte)) {
	d.mu.Lock()
	d.onPacket = cb
	d.mu.Unlock()
}

func (d *SimDriver) OnEvent(cb func(linkdriver.Event)) {
	d.mu.Lock()
	d.onEvent = cb
	d.mu.Unlock()
}

func (d *SimDriver) close() {
	close(d.done)
}

// NewLink creates two connected SimDrivers and fires Connected on both.
func NewLink(nameA string, addrA [6]byte, nameB string, addrB [6]byte, bufSize int) (*SimDriver, *SimDriver) {
	a := newSimDriver(nameA, addrA, bufSize)
	b := newSimDriver(nameB, addrB, bufSize)
	a.mu.Lock()
	a.peer = b
	a.mu.Unlock()
	b.mu.Lock()
	b.peer = a
	b.mu.Unlock()
	a.fireEvent(linkdriver.Event{Kind: linkdriver.Connected})
	b.fireEvent(linkdriver.Event{Kind: linkdriver.Connected})
	return a, b
}

// Disconnect breaks the link between two previously-paired drivers and
// fires Disconnected on both.
func Disconnect(a, b *SimDriver) {
	a.mu.Lock()
	a.peer = nil
	a.mu.Unlock()
	b.mu.Lock()
	b.peer = nil
	b.mu.Unlock()
	a.fireEvent(linkdriver.Event{Kind: linkdriver.Disconnected})
	b.fireEvent(linkdriver.Event{Kind: linkdriver.Disconnected})
}

// Close stops a and b's drain goroutines. Call when a test is done with a
// link pair.
func Close(a, b *SimDriver) {
	a.close()
	b.close()
}
