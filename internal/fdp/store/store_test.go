package store

import (
	"testing"
	"time"
)

func TestRecentlySeenMarkAndEvict(t *testing.T) {
	s := NewRecentlySeen(2)
	d1 := Descriptor{FirmwareType: 1, Version: 1, ChunkID: 0}
	d2 := Descriptor{FirmwareType: 1, Version: 1, ChunkID: 1}
	d3 := Descriptor{FirmwareType: 1, Version: 1, ChunkID: 2}

	s.Mark(d1)
	s.Mark(d2)
	if !s.Seen(d1) || !s.Seen(d2) {
		t.Fatalf("expected both entries present")
	}
	s.Mark(d3) // evicts d1, the least-recently-used
	if s.Seen(d1) {
		t.Fatalf("expected d1 to be evicted")
	}
	if !s.Seen(d2) || !s.Seen(d3) {
		t.Fatalf("expected d2 and d3 present")
	}
}

func TestInFlightMarkAndDedup(t *testing.T) {
	s := NewInFlight(4, 20*time.Second)
	now := time.Unix(1000, 0)
	d := Descriptor{FirmwareType: 1, Version: 2, ChunkID: 5}

	if s.IsInFlightForAnybody(now, d) {
		t.Fatalf("should not be in-flight yet")
	}
	s.MarkInFlight(now, d, MYSELF)
	s.MarkInFlight(now, d, 2)
	if !s.IsInFlightForAnybody(now, d) {
		t.Fatalf("expected in-flight")
	}
	reqs := s.Requesters(now, d)
	if len(reqs) != 2 {
		t.Fatalf("expected 2 requesters, got %v", reqs)
	}

	s.MarkNotInFlight(d, MYSELF)
	s.MarkNotInFlight(d, 2)
	if s.IsInFlightForAnybody(now, d) {
		t.Fatalf("expected not in-flight after both removed")
	}
}

func TestInFlightExpiry(t *testing.T) {
	s := NewInFlight(4, 5*time.Second)
	d := Descriptor{FirmwareType: 1, Version: 1, ChunkID: 0}
	t0 := time.Unix(1000, 0)
	s.MarkInFlight(t0, d, MYSELF)

	later := t0.Add(10 * time.Second)
	if s.IsInFlightForAnybody(later, d) {
		t.Fatalf("expected expiry to clear in-flight status")
	}
}

func TestInFlightCapacityEviction(t *testing.T) {
	s := NewInFlight(2, time.Minute)
	now := time.Unix(0, 0)
	d1 := Descriptor{ChunkID: 1}
	d2 := Descriptor{ChunkID: 2}
	d3 := Descriptor{ChunkID: 3}

	s.MarkInFlight(now, d1, MYSELF)
	s.MarkInFlight(now, d2, MYSELF)
	s.MarkInFlight(now, d3, MYSELF) // evicts d1

	if s.IsInFlightForAnybody(now, d1) {
		t.Fatalf("expected d1 evicted")
	}
	if !s.IsInFlightForAnybody(now, d2) || !s.IsInFlightForAnybody(now, d3) {
		t.Fatalf("expected d2 and d3 still in-flight")
	}
}
