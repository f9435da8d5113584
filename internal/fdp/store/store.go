// Package store provides the two bounded, LRU-evicted maps C6 needs —
// recently-seen chunk descriptors and in-flight chunk requests — keyed by
// Descriptor.
//
// Grounded on the teacher's entities.NetworkSet hash-bucketing technique
// (xxhash over a struct key, collision list with an equality check),
// combined with container/list for LRU order — the teacher's own code
// has no LRU analogue, and no ecosystem LRU library appears anywhere in
// the retrieved pack, so this is a deliberate stdlib choice for the
// eviction order while keeping the teacher's hashing idiom for the key.
package store

import (
	"container/list"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Descriptor is the (firmware-type, firmware-version, chunk-id) key both
// stores index by. Defined here, not imported from package fdp, so store
// has no dependency on the engine package.
type Descriptor struct {
	FirmwareType uint8
	Version      uint16
	ChunkID      uint16
}

func (d Descriptor) hash() uint64 {
	h := xxhash.New()
	_, _ = h.Write([]byte{d.FirmwareType, byte(d.Version), byte(d.Version >> 8), byte(d.ChunkID), byte(d.ChunkID >> 8)})
	return h.Sum64()
}

// RecentlySeen deduplicates forwarded Announce/Data for incompatible
// firmware types, bounded with LRU eviction.
type RecentlySeen struct {
	capacity int
	ll       *list.List
	idx      map[uint64][]*list.Element
}

type seenEntry struct {
	key Descriptor
}

func NewRecentlySeen(capacity int) *RecentlySeen {
	return &RecentlySeen{capacity: capacity, ll: list.New(), idx: make(map[uint64][]*list.Element)}
}

// Seen reports whether d was already recorded.
func (s *RecentlySeen) Seen(d Descriptor) bool {
	return s.find(d) != nil
}

// Mark records d as seen, evicting the least-recently-used entry if the
// store is at capacity.
func (s *RecentlySeen) Mark(d Descriptor) {
	if el := s.find(d); el != nil {
		s.ll.MoveToFront(el)
		return
	}
	el := s.ll.PushFront(seenEntry{key: d})
	h := d.hash()
	s.idx[h] = append(s.idx[h], el)

	if s.ll.Len() > s.capacity {
		oldest := s.ll.Back()
		s.remove(oldest)
	}
}

func (s *RecentlySeen) find(d Descriptor) *list.Element {
	for _, el := range s.idx[d.hash()] {
		if el.Value.(seenEntry).key == d {
			return el
		}
	}
	return nil
}

func (s *RecentlySeen) remove(el *list.Element) {
	d := el.Value.(seenEntry).key
	h := d.hash()
	bucket := s.idx[h]
	for i, candidate := range bucket {
		if candidate == el {
			s.idx[h] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(s.idx[h]) == 0 {
		delete(s.idx, h)
	}
	s.ll.Remove(el)
}

// Requester identifies who asked for a chunk: MYSELF denotes this
// module's own interest.
const MYSELF = -1

type inFlightEntry struct {
	key        Descriptor
	requesters map[int]bool
	expiry     time.Time
}

// InFlight is the request-in-flight dedup store: maps a descriptor to
// the set of connectors that have asked for it and an absolute expiry.
type InFlight struct {
	capacity int
	ttl      time.Duration
	ll       *list.List
	idx      map[uint64][]*list.Element
}

func NewInFlight(capacity int, ttl time.Duration) *InFlight {
	return &InFlight{capacity: capacity, ttl: ttl, ll: list.New(), idx: make(map[uint64][]*list.Element)}
}

func (s *InFlight) find(d Descriptor) *list.Element {
	for _, el := range s.idx[d.hash()] {
		if el.Value.(*inFlightEntry).key == d {
			return el
		}
	}
	return nil
}

// MarkInFlight adds requester to d's set, creating the entry if absent
// and refreshing its expiry, evicting the LRU entry if the store is full.
func (s *InFlight) MarkInFlight(now time.Time, d Descriptor, requester int) {
	el := s.find(d)
	if el == nil {
		el = s.ll.PushFront(&inFlightEntry{key: d, requesters: make(map[int]bool)})
		h := d.hash()
		s.idx[h] = append(s.idx[h], el)
		if s.ll.Len() > s.capacity {
			oldest := s.ll.Back()
			if oldest != el {
				s.removeElement(oldest)
			}
		}
	} else {
		s.ll.MoveToFront(el)
	}
	entry := el.Value.(*inFlightEntry)
	entry.requesters[requester] = true
	entry.expiry = now.Add(s.ttl)
}

// MarkNotInFlight removes requester from d's set, deleting the entry if
// it becomes empty.
func (s *InFlight) MarkNotInFlight(d Descriptor, requester int) {
	el := s.find(d)
	if el == nil {
		return
	}
	entry := el.Value.(*inFlightEntry)
	delete(entry.requesters, requester)
	if len(entry.requesters) == 0 {
		s.removeElement(el)
	}
}

// IsInFlightForAnybody reports whether d's requester set is non-empty and
// unexpired as of now.
func (s *InFlight) IsInFlightForAnybody(now time.Time, d Descriptor) bool {
	el := s.find(d)
	if el == nil {
		return false
	}
	entry := el.Value.(*inFlightEntry)
	if now.After(entry.expiry) {
		s.removeElement(el)
		return false
	}
	return len(entry.requesters) > 0
}

// Requesters returns the current, pruned requester set for d.
func (s *InFlight) Requesters(now time.Time, d Descriptor) []int {
	el := s.find(d)
	if el == nil {
		return nil
	}
	entry := el.Value.(*inFlightEntry)
	if now.After(entry.expiry) {
		s.removeElement(el)
		return nil
	}
	out := make([]int, 0, len(entry.requesters))
	for r := range entry.requesters {
		out = append(out, r)
	}
	return out
}

func (s *InFlight) removeElement(el *list.Element) {
	entry := el.Value.(*inFlightEntry)
	h := entry.key.hash()
	bucket := s.idx[h]
	for i, candidate := range bucket {
		if candidate == el {
			s.idx[h] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(s.idx[h]) == 0 {
		delete(s.idx, h)
	}
	s.ll.Remove(el)
}
