//go:build linux

// Package udp6 is a real linkdriver.Driver backed by IPv6 multicast to
// ff02::1f over a given network interface, using a raw UDP socket joined
// to that group via IPV6_JOIN_GROUP.
//
// Grounded on the teacher's internal/routing/bsd_native.go and
// platform/bsd.go, which reach past net/ip into golang.org/x/sys/unix for
// direct socket-option control; this driver does the same for multicast
// group membership rather than routing-socket messages.
package udp6

import (
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/rofi-net/rofinet/internal/linkdriver"
	"github.com/rofi-net/rofinet/internal/rerr"
)

// MulticastGroup is the RRP/FDP multicast destination (spec §6: "RRP rides
// as a raw IPv6 packet to ff02::1f").
var MulticastGroup = net.ParseIP("ff02::1f")

// Port is the well-known UDP port the fabric rides on between modules.
const Port = 9191

// Driver is a linkdriver.Driver bound to one local network interface,
// sending/receiving framed payloads as IPv6 multicast UDP datagrams.
type Driver struct {
	name    string
	ifIndex int
	addr    [6]byte

	fd int

	mu       sync.Mutex
	onPacket func(uint16, []byte)
	onEvent  func(linkdriver.Event)

	closeOnce sync.Once
	done      chan struct{}
}

var _ linkdriver.Driver = (*Driver)(nil)

// Open binds a multicast UDP6 socket on the named interface and joins
// MulticastGroup. The caller is responsible for calling Close.
func Open(ifaceName string) (*Driver, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, rerr.Wrap(rerr.TransientLink, fmt.Sprintf("udp6: resolve interface %q", ifaceName), err)
	}

	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return nil, rerr.Wrap(rerr.TransientLink, "udp6: open socket", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, rerr.Wrap(rerr.TransientLink, "udp6: set SO_REUSEADDR", err)
	}

	sa := &unix.SockaddrInet6{Port: Port, ZoneId: uint32(iface.Index)}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, rerr.Wrap(rerr.TransientLink, "udp6: bind", err)
	}

	mreq := &unix.IPv6Mreq{Interface: uint32(iface.Index)}
	copy(mreq.Multiaddr[:], MulticastGroup.To16())
	if err := unix.SetsockoptIPv6Mreq(fd, unix.IPPROTO_IPV6, unix.IPV6_JOIN_GROUP, mreq); err != nil {
		unix.Close(fd)
		return nil, rerr.Wrap(rerr.TransientLink, "udp6: join multicast group", err)
	}

	var hwAddr [6]byte
	copy(hwAddr[:], iface.HardwareAddr)

	d := &Driver{
		name:    ifaceName,
		ifIndex: iface.Index,
		addr:    hwAddr,
		fd:      fd,
		done:    make(chan struct{}),
	}
	go d.readLoop()
	d.fireEvent(linkdriver.Event{Kind: linkdriver.Connected})
	return d, nil
}

func (d *Driver) Name() string             { return d.name }
func (d *Driver) PhysicalAddress() [6]byte { return d.addr }

// Send prepends a one-byte content-type tag and writes the datagram to the
// multicast group on this driver's interface.
func (d *Driver) Send(contentType uint16, payload []byte) error {
	if len(payload) > linkdriver.MTU {
		return linkdriver.ErrPayloadTooLarge{Size: len(payload)}
	}
	buf := make([]byte, 1+len(payload))
	buf[0] = byte(contentType)
	copy(buf[1:], payload)

	sa := &unix.SockaddrInet6{Port: Port, ZoneId: uint32(d.ifIndex)}
	copy(sa.Addr[:], MulticastGroup.To16())
	if err := unix.Sendto(d.fd, buf, 0, sa); err != nil {
		return rerr.Wrap(rerr.TransientLink, "udp6: sendto", err)
	}
	return nil
}

func (d *Driver) OnPacket(cb func(contentType uint16, payload []byte)) {
	d.mu.Lock()
	d.onPacket = cb
	d.mu.Unlock()
}

func (d *Driver) OnEvent(cb func(linkdriver.Event)) {
	d.mu.Lock()
	d.onEvent = cb
	d.mu.Unlock()
}

func (d *Driver) fireEvent(ev linkdriver.Event) {
	d.mu.Lock()
	cb := d.onEvent
	d.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

func (d *Driver) deliver(contentType uint16, payload []byte) {
	d.mu.Lock()
	cb := d.onPacket
	d.mu.Unlock()
	if cb != nil {
		cb(contentType, payload)
	}
}

func (d *Driver) readLoop() {
	buf := make([]byte, linkdriver.MTU+1)
	for {
		select {
		case <-d.done:
			return
		default:
		}
		n, _, err := unix.Recvfrom(d.fd, buf, 0)
		if err != nil {
			continue
		}
		if n < 1 {
			continue
		}
		payload := make([]byte, n-1)
		copy(payload, buf[1:n])
		d.deliver(uint16(buf[0]), payload)
	}
}

// Close stops the read loop, leaves the multicast group, and closes the
// underlying socket. Idempotent.
func (d *Driver) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.done)
		d.fireEvent(linkdriver.Event{Kind: linkdriver.Disconnected})
		err = unix.Close(d.fd)
	})
	return err
}
