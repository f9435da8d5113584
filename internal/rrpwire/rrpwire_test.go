package rrpwire

import (
	"net"
	"testing"
)

// Spec §8 round-trip property: encoding then decoding any RRP message
// yields the original fields.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	p := Payload{
		Cmd: Response,
		Entries: []Entry{
			{Prefix: net.ParseIP("fc07::1:0:0:1"), Mask: 80, Cost: 1},
			{Prefix: net.ParseIP("fc07::2:0:0:1"), Mask: 80, Cost: 3},
		},
	}
	raw, err := Encode(p, 120)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got.Cmd != p.Cmd || len(got.Entries) != len(p.Entries) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, p)
	}
	for i, e := range p.Entries {
		if !got.Entries[i].Prefix.Equal(e.Prefix) || got.Entries[i].Mask != e.Mask || got.Entries[i].Cost != e.Cost {
			t.Fatalf("entry %d mismatch: got %+v want %+v", i, got.Entries[i], e)
		}
	}
}

// A zero-entry payload is valid wire content (spec §8 boundary behavior).
func TestEncodeDecodeEmptyPayload(t *testing.T) {
	raw, err := Encode(Payload{Cmd: Stubby}, 120)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got.Cmd != Stubby || len(got.Entries) != 0 {
		t.Fatalf("expected empty-entry Stubby payload, got %+v", got)
	}
}

func TestEncodeRejectsPayloadOverMTU(t *testing.T) {
	entries := make([]Entry, 6) // 6*21 + 2 = 128 > 120
	for i := range entries {
		entries[i] = Entry{Prefix: net.IPv6zero, Mask: 64, Cost: uint32(i)}
	}
	_, err := Encode(Payload{Cmd: Call, Entries: entries}, 120)
	if err == nil {
		t.Fatal("expected error for payload exceeding mtu")
	}
}

func TestEncodeRejectsTooManyEntries(t *testing.T) {
	entries := make([]Entry, MaxEntries+1)
	for i := range entries {
		entries[i] = Entry{Prefix: net.IPv6zero, Mask: 64, Cost: 0}
	}
	_, err := Encode(Payload{Cmd: Call, Entries: entries}, 1<<20)
	if err == nil {
		t.Fatal("expected error for entry count exceeding u8 field")
	}
}

func TestDecodeShortHeaderRejected(t *testing.T) {
	_, err := Decode([]byte{0})
	if err == nil {
		t.Fatal("expected error decoding a short header")
	}
}

func TestDecodeLengthMismatchRejected(t *testing.T) {
	// claims 1 entry but carries no entry bytes
	_, err := Decode([]byte{byte(Call), 1})
	if err == nil {
		t.Fatal("expected error for length/count mismatch")
	}
}

func TestCommandHelloFamily(t *testing.T) {
	for cmd, want := range map[Command]bool{
		Call: false, Response: false, Stubby: false,
		Hello: true, HelloResponse: true, Sync: true,
	} {
		if got := cmd.HelloFamily(); got != want {
			t.Errorf("Command(%d).HelloFamily() = %v, want %v", cmd, got, want)
		}
	}
}
