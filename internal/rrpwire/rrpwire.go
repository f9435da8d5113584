// Package rrpwire is the RRP command/action vocabulary and wire codec.
// It has no dependency on the routing table or the engine so both can
// depend on it without a cycle: the table produces/consumes Payload
// values, the engine Encodes/Decodes them onto the wire and maps Action
// to outbound transmissions.
package rrpwire

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Command is the RRP command tag.
type Command uint8

const (
	Call Command = iota
	Response
	Stubby
	Hello
	HelloResponse
	Sync
)

func (c Command) String() string {
	switch c {
	case Call:
		return "Call"
	case Response:
		return "Response"
	case Stubby:
		return "Stubby"
	case Hello:
		return "Hello"
	case HelloResponse:
		return "HelloResponse"
	case Sync:
		return "Sync"
	default:
		return fmt.Sprintf("Command(%d)", uint8(c))
	}
}

// HelloFamily reports whether cmd carries a full table body; the rest
// carry only the delta-sized view.
func (c Command) HelloFamily() bool {
	return c == Hello || c == HelloResponse || c == Sync
}

// Action is what the engine must do in response to a processed message.
type Action int

const (
	Nothing Action = iota
	Respond
	RespondToAll
	CallToAll
	HelloToAll
	OnHello
)

func (a Action) String() string {
	switch a {
	case Nothing:
		return "Nothing"
	case Respond:
		return "Respond"
	case RespondToAll:
		return "RespondToAll"
	case CallToAll:
		return "CallToAll"
	case HelloToAll:
		return "HelloToAll"
	case OnHello:
		return "OnHello"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Entry is one (prefix, mask, cost) record as carried on the wire.
type Entry struct {
	Prefix net.IP // 16-byte IPv6
	Mask   uint8
	Cost   uint32
}

// Payload is a decoded RRP message body.
type Payload struct {
	Cmd     Command
	Entries []Entry
}

const entrySize = 16 + 1 + 4 // prefix + mask + cost
const headerSize = 2         // cmd + count

// MaxEntries is the largest entry count the u8 count field can carry.
const MaxEntries = 255

// Encode serializes a Payload. It returns an error instead of truncating
// if the result would not fit in one link-layer frame (linkdriver.MTU),
// since RRP has no fragmentation of its own.
func Encode(p Payload, mtu int) ([]byte, error) {
	if len(p.Entries) > MaxEntries {
		return nil, fmt.Errorf("rrpwire: %d entries exceeds u8 count field", len(p.Entries))
	}
	size := headerSize + len(p.Entries)*entrySize
	if size > mtu {
		return nil, fmt.Errorf("rrpwire: payload of %d bytes exceeds mtu %d", size, mtu)
	}

	buf := make([]byte, size)
	buf[0] = byte(p.Cmd)
	buf[1] = byte(len(p.Entries))

	off := headerSize
	for _, e := range p.Entries {
		prefix := e.Prefix.To16()
		if prefix == nil {
			return nil, fmt.Errorf("rrpwire: entry prefix is not a valid IPv6 address")
		}
		copy(buf[off:off+16], prefix)
		buf[off+16] = e.Mask
		binary.LittleEndian.PutUint32(buf[off+17:off+21], e.Cost)
		off += entrySize
	}
	return buf, nil
}

// Decode parses a Payload, or returns a malformed-packet error; callers
// should drop silently, not propagate state mutation.
func Decode(buf []byte) (Payload, error) {
	if len(buf) < headerSize {
		return Payload{}, fmt.Errorf("rrpwire: short header (%d bytes)", len(buf))
	}
	cmd := Command(buf[0])
	count := int(buf[1])
	want := headerSize + count*entrySize
	if len(buf) != want {
		return Payload{}, fmt.Errorf("rrpwire: length mismatch: got %d want %d for count %d", len(buf), want, count)
	}

	entries := make([]Entry, 0, count)
	off := headerSize
	for i := 0; i < count; i++ {
		prefix := make(net.IP, 16)
		copy(prefix, buf[off:off+16])
		mask := buf[off+16]
		cost := binary.LittleEndian.Uint32(buf[off+17 : off+21])
		entries = append(entries, Entry{Prefix: prefix, Mask: mask, Cost: cost})
		off += entrySize
	}
	return Payload{Cmd: cmd, Entries: entries}, nil
}
