package ifreg

import (
	"net"
	"testing"

	"github.com/rofi-net/rofinet/internal/config"
	"github.com/rofi-net/rofinet/internal/linkdriver"
	"github.com/rofi-net/rofinet/internal/linkfabric"
)

type fakeRouteAdder struct {
	calls int
}

func (f *fakeRouteAdder) Add(prefix net.IP, mask int, cost uint32, via int) (bool, error) {
	f.calls++
	return true, nil
}

func TestNewHasOnlyLoopback(t *testing.T) {
	r := New()
	if h, ok := r.Lookup("lo"); !ok || h != LoopbackHandle {
		t.Fatalf("expected loopback at handle %d, got %d ok=%v", LoopbackHandle, h, ok)
	}
	if len(r.Handles()) != 1 {
		t.Fatalf("expected exactly one interface before Boot")
	}
}

func TestBootAddsConnectorsAndDefaultAddress(t *testing.T) {
	r := New()
	a, b := linkfabric.NewLink("eth0", [6]byte{1}, "peer", [6]byte{2}, 4)
	defer linkfabric.Close(a, b)

	drivers := map[string]linkdriver.Driver{"eth0": a}
	adders := &fakeRouteAdder{}

	if err := r.Boot(7, []config.ConnectorSpec{{Name: "eth0"}}, drivers, adders); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if h, ok := r.Lookup("eth0"); !ok || h != 1 {
		t.Fatalf("expected eth0 at handle 1, got %d ok=%v", h, ok)
	}
	if adders.calls != 1 {
		t.Fatalf("expected the default address to be installed as a route, got %d calls", adders.calls)
	}
	iface, ok := r.Get(LoopbackHandle)
	if !ok || len(iface.Global) != 1 {
		t.Fatalf("expected loopback to carry exactly one global address, got %+v", iface)
	}
	if iface.LinkLocal == nil {
		t.Fatalf("expected a derived link-local address")
	}
}

func TestBootMissingDriverErrors(t *testing.T) {
	r := New()
	err := r.Boot(1, []config.ConnectorSpec{{Name: "eth0"}}, map[string]linkdriver.Driver{}, &fakeRouteAdder{})
	if err == nil {
		t.Fatalf("expected error for a connector with no registered driver")
	}
}
