package scheduler

import (
	"testing"
	"time"

	"github.com/rofi-net/rofinet/internal/config"
	"github.com/rofi-net/rofinet/internal/fdp"
	"github.com/rofi-net/rofinet/internal/ifreg"
	"github.com/rofi-net/rofinet/internal/linkdriver"
	"github.com/rofi-net/rofinet/internal/linkfabric"
	"github.com/rofi-net/rofinet/internal/logger"
	"github.com/rofi-net/rofinet/internal/partition/memory"
	"github.com/rofi-net/rofinet/internal/routingtable"
	"github.com/rofi-net/rofinet/internal/routingtable/routeporttest"
	"github.com/rofi-net/rofinet/internal/rrp"
)

func buildShell(t *testing.T) (*Shell, *ifreg.Registry, *linkfabric.SimDriver, *linkfabric.SimDriver) {
	t.Helper()
	log := logger.New("error")

	a, b := linkfabric.NewLink("eth0", [6]byte{1}, "peer", [6]byte{2}, 4)
	t.Cleanup(func() { linkfabric.Close(a, b) })

	reg := ifreg.New()
	port := routeporttest.New()
	tbl := routingtable.New(port, reg)
	if err := reg.Boot(1, []config.ConnectorSpec{{Name: "eth0"}}, map[string]linkdriver.Driver{"eth0": a}, tbl); err != nil {
		t.Fatal(err)
	}

	rrpEng := rrp.New(tbl, reg, log)
	running := fdp.RunningFirmware{Type: 1, Version: 1, Size: 16, Partition: memory.New(16)}
	fdpCfg := fdp.Config{ChunkSize: 8, AnnouncePeriod: time.Hour, ProgressCheckPeriod: time.Hour, InFlightExpiry: 20 * time.Second, StoreCapacity: 8}
	fdpEng := fdp.New(running, memory.New(16), fdpCfg, reg, log)

	cfg := Config{EventQueueSize: 4, ConcurrencyLimit: 2, TickInterval: time.Hour}
	sh, err := New(cfg, reg, rrpEng, fdpEng, log)
	if err != nil {
		t.Fatal(err)
	}
	return sh, reg, a, b
}

func TestEnqueueDropsOldestOnOverflow(t *testing.T) {
	sh, _, _, _ := buildShell(t)
	for i := 0; i < 10; i++ {
		sh.EnqueuePacket(1, []byte{rrpContentMarker, byte(i)})
	}
	if len(sh.events) > cap(sh.events) {
		t.Fatalf("queue should never exceed capacity")
	}
	// Capacity 4: events 0..5 were dropped oldest-first, 6..9 remain.
	if ev := <-sh.events; ev.payload[1] != 6 {
		t.Fatalf("expected oldest surviving event to be 6, got %d", ev.payload[1])
	}
}

func TestDispatchLinkEventSendsHello(t *testing.T) {
	sh, _, _, b := buildShell(t)

	received := make(chan struct{}, 1)
	b.OnPacket(func(contentType uint16, payload []byte) {
		if contentType == linkdriver.ContentTypeRRP {
			received <- struct{}{}
		}
	})

	sh.dispatch(inboundEvent{kind: eventLink, iface: 1, linkEv: linkdriver.Event{Kind: linkdriver.Connected}})

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatalf("expected a Hello frame to reach the peer driver")
	}
}

func TestDispatchPacketMalformedRRPIsDropped(t *testing.T) {
	sh, _, _, _ := buildShell(t)
	sh.dispatch(inboundEvent{kind: eventPacket, iface: 1, payload: []byte{rrpContentMarker, 0x01}})
	// no panic, nothing to assert beyond survival
}
