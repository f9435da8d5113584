// Package addrpolicy implements the registry's default global-address
// assignment. Spec §9 leaves the source's createAddress(id) convention an
// open question — this package treats it as exactly that: a policy the
// registry always applies at Boot, never a protocol requirement. Callers that want a different scheme call
// ifreg.Registry.AddAddress directly and skip this package entirely.
package addrpolicy

import "net"

// Default returns the fc07::<id>:0:0:1/80 prefix and mask the original
// deployment convention uses for a module identified by id.
//
// fc07::<id>:0:0:1 expands to the eight 16-bit groups
// fc07:0000:0000:0000:<id>:0000:0000:0001.
func Default(moduleID uint16) (net.IP, int) {
	addr := make(net.IP, net.IPv6len)
	addr[0], addr[1] = 0xfc, 0x07
	addr[8] = byte(moduleID >> 8)
	addr[9] = byte(moduleID)
	addr[15] = 1
	return addr, 80
}
