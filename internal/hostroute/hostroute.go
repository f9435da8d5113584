//go:build linux

// Package hostroute is a Linux routingtable.RoutePort backend built
// directly on raw NETLINK_ROUTE sockets.
//
// Grounded on the teacher's internal/routing/bsd_native.go, which builds
// raw BSD routing-socket messages by hand with golang.org/x/sys/unix and
// hand-packed structs (rtMsghdr, sockaddrInet) over AF_ROUTE; this
// package follows the same technique against AF_NETLINK's RTM_NEWROUTE /
// RTM_DELROUTE instead.
package hostroute

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/rofi-net/rofinet/internal/rerr"
)

// Manager is a routingtable.RoutePort that installs/updates/removes
// IPv6 routes in the Linux kernel's forwarding table over netlink.
type Manager struct {
	fd int
	ifIndexByName func(name string) (int, error)
}

// New opens a NETLINK_ROUTE socket. ifIndexByName resolves a virtual
// interface name to a kernel ifindex (net.InterfaceByName in production;
// overridable for tests).
func New(ifIndexByName func(name string) (int, error)) (*Manager, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW, unix.NETLINK_ROUTE)
	if err != nil {
		return nil, rerr.Wrap(rerr.Storage, "hostroute: open netlink socket", err)
	}
	addr := &unix.SockaddrNetlink{Family: unix.AF_NETLINK}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, rerr.Wrap(rerr.Storage, "hostroute: bind netlink socket", err)
	}
	if ifIndexByName == nil {
		ifIndexByName = func(name string) (int, error) {
			iface, err := net.InterfaceByName(name)
			if err != nil {
				return 0, err
			}
			return iface.Index, nil
		}
	}
	return &Manager{fd: fd, ifIndexByName: ifIndexByName}, nil
}

func (m *Manager) Close() error { return unix.Close(m.fd) }

// rtmsg mirrors Linux's struct rtmsg (linux/rtnetlink.h).
type rtmsg struct {
	Family   uint8
	DstLen   uint8
	SrcLen   uint8
	Tos      uint8
	Table    uint8
	Protocol uint8
	Scope    uint8
	Type     uint8
	Flags    uint32
}

const (
	rtaDst     = 1
	rtaOif     = 4
	rtTableMain = 254
	rtProtoBoot = 3
	rtScopeUniverse = 0
	rtnUnicast = 1
)

func align(n int) int { return (n + unix.NLMSG_ALIGNTO - 1) &^ (unix.NLMSG_ALIGNTO - 1) }

func putRTAttr(buf []byte, attrType uint16, data []byte) []byte {
	attrLen := 4 + len(data)
	header := make([]byte, 4)
	binary.LittleEndian.PutUint16(header[0:2], uint16(attrLen))
	binary.LittleEndian.PutUint16(header[2:4], attrType)
	buf = append(buf, header...)
	buf = append(buf, data...)
	pad := align(attrLen) - attrLen
	buf = append(buf, make([]byte, pad)...)
	return buf
}

func (m *Manager) buildRouteMessage(msgType uint16, flags uint32, prefix net.IP, mask int, oif int) []byte {
	rt := rtmsg{
		Family:   unix.AF_INET6,
		DstLen:   uint8(mask),
		Table:    rtTableMain,
		Protocol: rtProtoBoot,
		Scope:    rtScopeUniverse,
		Type:     rtnUnicast,
	}
	rtBuf := make([]byte, 12)
	rtBuf[0] = rt.Family
	rtBuf[1] = rt.DstLen
	rtBuf[2] = rt.SrcLen
	rtBuf[3] = rt.Tos
	rtBuf[4] = rt.Table
	rtBuf[5] = rt.Protocol
	rtBuf[6] = rt.Scope
	rtBuf[7] = rt.Type
	binary.LittleEndian.PutUint32(rtBuf[8:12], flags)

	body := putRTAttr(rtBuf, rtaDst, prefix.To16())
	oifBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(oifBuf, uint32(oif))
	body = putRTAttr(body, rtaOif, oifBuf)

	hdrLen := 16
	total := hdrLen + len(body)
	msg := make([]byte, total)
	binary.LittleEndian.PutUint32(msg[0:4], uint32(total))
	binary.LittleEndian.PutUint16(msg[4:6], msgType)
	binary.LittleEndian.PutUint16(msg[6:8], uint16(unix.NLM_F_REQUEST|unix.NLM_F_ACK|int(flagsToNlm(msgType))))
	binary.LittleEndian.PutUint32(msg[8:12], 0)  // seq, unused by this fire-and-forget port
	binary.LittleEndian.PutUint32(msg[12:16], uint32(os.Getpid()))
	copy(msg[16:], body)
	return msg
}

func flagsToNlm(msgType uint16) uint16 {
	if msgType == unix.RTM_NEWROUTE {
		return unix.NLM_F_CREATE | unix.NLM_F_REPLACE
	}
	return 0
}

func (m *Manager) send(msgType uint16, prefix net.IP, mask int, ifName string) error {
	oif := 0 // RemoveRoute names no interface: match any
	if ifName != "" {
		idx, err := m.ifIndexByName(ifName)
		if err != nil {
			return rerr.Wrap(rerr.TransientLink, fmt.Sprintf("hostroute: resolve interface %q", ifName), err)
		}
		oif = idx
	}
	msg := m.buildRouteMessage(msgType, 0, prefix, mask, oif)
	if err := unix.Send(m.fd, msg, 0); err != nil {
		return rerr.Wrap(rerr.TransientLink, "hostroute: netlink send", err)
	}
	return nil
}

func (m *Manager) InstallRoute(prefix net.IP, mask int, viaIfName string) error {
	return m.send(unix.RTM_NEWROUTE, prefix, mask, viaIfName)
}

func (m *Manager) UpdateRoute(prefix net.IP, mask int, newViaIfName string) error {
	return m.send(unix.RTM_NEWROUTE, prefix, mask, newViaIfName)
}

func (m *Manager) RemoveRoute(prefix net.IP, mask int) error {
	return m.send(unix.RTM_DELROUTE, prefix, mask, "")
}
