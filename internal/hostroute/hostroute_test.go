//go:build linux

package hostroute

import (
	"encoding/binary"
	"net"
	"testing"

	"golang.org/x/sys/unix"
)

func TestBuildRouteMessageHeaderFields(t *testing.T) {
	m := &Manager{}
	prefix := net.ParseIP("fc07::1:0:0:1")
	msg := m.buildRouteMessage(unix.RTM_NEWROUTE, 0, prefix, 80, 3)

	if len(msg) < 16 {
		t.Fatalf("message too short: %d bytes", len(msg))
	}
	total := binary.LittleEndian.Uint32(msg[0:4])
	if int(total) != len(msg) {
		t.Fatalf("nlmsg_len %d does not match actual length %d", total, len(msg))
	}
	msgType := binary.LittleEndian.Uint16(msg[4:6])
	if msgType != unix.RTM_NEWROUTE {
		t.Fatalf("expected RTM_NEWROUTE, got %d", msgType)
	}

	rt := msg[16:]
	if rt[0] != unix.AF_INET6 {
		t.Fatalf("expected AF_INET6 family, got %d", rt[0])
	}
	if rt[1] != 80 {
		t.Fatalf("expected dst_len 80, got %d", rt[1])
	}
}

func TestBuildRouteMessageDeleteHasNoCreateFlags(t *testing.T) {
	m := &Manager{}
	msg := m.buildRouteMessage(unix.RTM_DELROUTE, 0, net.IPv6zero, 0, 1)
	nlFlags := binary.LittleEndian.Uint16(msg[6:8])
	if nlFlags&unix.NLM_F_CREATE != 0 {
		t.Fatalf("delete message should not carry NLM_F_CREATE")
	}
}
