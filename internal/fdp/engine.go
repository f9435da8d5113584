// Package fdp is the Firmware Distribution Protocol engine (C6): a
// pull-driven, chunked, content-addressed firmware dissemination protocol
// riding the same connector mesh as RRP on a reserved content-type.
//
// Grounded on original_source update_protocol.hpp's _onMessage triad
// (Announce/Request/Data), _trySatisfyForeignRequests, and the two
// _processIncompatibleMessage overloads.
package fdp

import (
	"fmt"
	"time"

	"github.com/rofi-net/rofinet/internal/fdp/store"
	"github.com/rofi-net/rofinet/internal/logger"
	"github.com/rofi-net/rofinet/internal/partition"
)

// RunningFirmware describes the image currently executing — read-only
// from the engine's point of view.
type RunningFirmware struct {
	Type      uint8
	Version   uint16
	Size      uint32
	Partition partition.Port
}

// OngoingUpdate is the in-progress fetch of a higher-version image. It
// exists only while being fetched and owns the writable partition handle
// uniquely for that duration.
type OngoingUpdate struct {
	FWType       uint8
	Version      uint16
	Proto        Proto
	Present      []bool
	LastProgress time.Time
	Partition    partition.Port
}

func (u *OngoingUpdate) allPresent() bool {
	for _, p := range u.Present {
		if !p {
			return false
		}
	}
	return true
}

func (u *OngoingUpdate) firstMissing() (uint16, bool) {
	for i, p := range u.Present {
		if !p {
			return uint16(i), true
		}
	}
	return 0, false
}

func (u *OngoingUpdate) firstPresentFrom(start uint16) (uint16, bool) {
	for i := int(start); i < len(u.Present); i++ {
		if u.Present[i] {
			return uint16(i), true
		}
	}
	return 0, false
}

// Transmission is one outbound FDP frame the caller must hand to a
// driver's Send(ContentType, ...).
type Transmission struct {
	Iface int
	Frame Frame
}

// Ifaces is the slice of ifreg.Registry the engine needs: every active,
// non-loopback connector to fan a forward/re-broadcast out to.
type Ifaces interface {
	Handles() []int
	IsLoopback(iface int) bool
}

// Config carries the tunables a deployment may override. New applies no
// defaults of its own; internal/config supplies them.
type Config struct {
	ChunkSize           uint16
	AnnouncePeriod      time.Duration
	ProgressCheckPeriod time.Duration
	InFlightExpiry      time.Duration
	StoreCapacity       int
}

// Engine is C6: the FDP state machine.
type Engine struct {
	running         RunningFirmware
	updatePartition partition.Port
	cfg             Config
	ifaces          Ifaces
	log             *logger.Logger

	ongoing *OngoingUpdate

	recentlySeen *store.RecentlySeen
	inFlight     *store.InFlight

	lastAnnounce      time.Time
	lastProgressCheck time.Time
}

// New creates the engine. updatePartition is the one slot a freshly
// discovered OngoingUpdate writes into, distinct from the running
// image's own handle.
func New(running RunningFirmware, updatePartition partition.Port, cfg Config, ifaces Ifaces, log *logger.Logger) *Engine {
	return &Engine{
		running:         running,
		updatePartition: updatePartition,
		cfg:             cfg,
		ifaces:          ifaces,
		log:             log,
		recentlySeen:    store.NewRecentlySeen(cfg.StoreCapacity),
		inFlight:        store.NewInFlight(cfg.StoreCapacity, cfg.InFlightExpiry),
	}
}

// Ongoing exposes the current in-progress update, if any (read-only
// introspection for the scheduler's persistence hook and for tests).
func (e *Engine) Ongoing() (*OngoingUpdate, bool) { return e.ongoing, e.ongoing != nil }

// Resume reinstates an OngoingUpdate recovered from persistent storage
// across a restart.
func (e *Engine) Resume(u *OngoingUpdate) { e.ongoing = u }

func chunkLength(fwSize uint32, chunkSize uint16, chunkID uint16) uint16 {
	offset := uint32(chunkID) * uint32(chunkSize)
	if offset >= fwSize {
		return 0
	}
	remaining := fwSize - offset
	if remaining > uint32(chunkSize) {
		return chunkSize
	}
	return uint16(remaining)
}

func numChunks(fwSize uint32, chunkSize uint16) uint16 {
	if chunkSize == 0 {
		return 0
	}
	n := fwSize / uint32(chunkSize)
	if fwSize%uint32(chunkSize) != 0 {
		n++
	}
	return uint16(n)
}

// HandlePacket decodes and dispatches one inbound FDP frame received on
// iface: a chunk-size mismatch is silently discarded, otherwise dispatch
// branches on firmware-type match vs. the incompatible-message path.
func (e *Engine) HandlePacket(iface int, raw []byte) ([]Transmission, error) {
	f, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	if f.Proto.ChunkSize != e.cfg.ChunkSize {
		return nil, nil
	}

	if f.FWType != e.running.Type && (e.ongoing == nil || f.FWType != e.ongoing.FWType) {
		return e.handleIncompatible(iface, f), nil
	}

	switch f.Type {
	case Announce:
		return e.onAnnounce(iface, f)
	case Request:
		return e.onRequest(iface, f)
	case Data:
		return e.onData(iface, f)
	default:
		return nil, fmt.Errorf("fdp: unknown message type %d", f.Type)
	}
}

func (e *Engine) descriptor(f Frame) store.Descriptor {
	return store.Descriptor{FirmwareType: f.FWType, Version: f.FWVersion, ChunkID: f.ChunkID}
}

// onAnnounce handles an Announce frame for a newer version.
func (e *Engine) onAnnounce(iface int, f Frame) ([]Transmission, error) {
	if f.FWVersion <= e.running.Version {
		return nil, nil
	}
	if e.ongoing == nil {
		e.ongoing = &OngoingUpdate{
			FWType:       f.FWType,
			Version:      f.FWVersion,
			Proto:        f.Proto,
			Present:      make([]bool, f.Proto.Chunks),
			LastProgress: time.Now(),
			Partition:    e.updatePartition,
		}
	}
	if f.FWVersion != e.ongoing.Version {
		return nil, nil
	}
	if int(f.ChunkID) < len(e.ongoing.Present) && e.ongoing.Present[f.ChunkID] {
		return nil, nil
	}

	now := time.Now()
	d := e.descriptor(f)
	if e.inFlight.IsInFlightForAnybody(now, d) {
		e.inFlight.MarkInFlight(now, d, store.MYSELF)
		return nil, nil
	}
	e.inFlight.MarkInFlight(now, d, store.MYSELF)
	e.ongoing.LastProgress = now

	req := Frame{Type: Request, Proto: f.Proto, FWType: f.FWType, FWVersion: f.FWVersion, ChunkID: f.ChunkID}
	e.log.FDPChunk("request", f.FWType, f.FWVersion, f.ChunkID, fmt.Sprintf("%d", iface))
	return []Transmission{{Iface: iface, Frame: req}}, nil
}

// onRequest serves a chunk from the running image or the ongoing update,
// whichever version the requester asked for.
func (e *Engine) onRequest(iface int, f Frame) ([]Transmission, error) {
	if f.FWVersion == e.running.Version {
		length := chunkLength(e.running.Size, e.cfg.ChunkSize, f.ChunkID)
		if length > 0 {
			buf := make([]byte, length)
			if _, err := e.running.Partition.Read(int64(f.ChunkID)*int64(e.cfg.ChunkSize), buf); err != nil {
				return nil, err
			}
			proto := Proto{ChunkSize: e.cfg.ChunkSize, Chunks: numChunks(e.running.Size, e.cfg.ChunkSize), FWSize: e.running.Size}
			e.log.FDPChunk("serve-running", e.running.Type, e.running.Version, f.ChunkID, fmt.Sprintf("%d", iface))
			out := []Transmission{{Iface: iface, Frame: Frame{Type: Data, Proto: proto, FWType: e.running.Type, FWVersion: e.running.Version, ChunkID: f.ChunkID, Data: buf}}}
			if next := f.ChunkID + 1; chunkLength(e.running.Size, e.cfg.ChunkSize, next) > 0 {
				out = append(out, Transmission{Iface: iface, Frame: Frame{Type: Announce, Proto: proto, FWType: e.running.Type, FWVersion: e.running.Version, ChunkID: next}})
			}
			return out, nil
		}
	}

	if e.ongoing != nil && f.FWVersion == e.ongoing.Version && int(f.ChunkID) < len(e.ongoing.Present) && e.ongoing.Present[f.ChunkID] {
		buf := make([]byte, chunkLength(e.ongoing.Proto.FWSize, e.ongoing.Proto.ChunkSize, f.ChunkID))
		if _, err := e.ongoing.Partition.Read(int64(f.ChunkID)*int64(e.ongoing.Proto.ChunkSize), buf); err != nil {
			e.ongoing = nil
			return nil, err
		}
		e.log.FDPChunk("serve-ongoing", e.ongoing.FWType, e.ongoing.Version, f.ChunkID, fmt.Sprintf("%d", iface))
		out := []Transmission{{Iface: iface, Frame: Frame{Type: Data, Proto: e.ongoing.Proto, FWType: e.ongoing.FWType, FWVersion: e.ongoing.Version, ChunkID: f.ChunkID, Data: buf}}}
		if next, ok := e.ongoing.firstPresentFrom(f.ChunkID + 1); ok {
			out = append(out, Transmission{Iface: iface, Frame: Frame{Type: Announce, Proto: e.ongoing.Proto, FWType: e.ongoing.FWType, FWVersion: e.ongoing.Version, ChunkID: next}})
		}
		return out, nil
	}

	if e.ongoing != nil && f.FWVersion == e.ongoing.Version {
		now := time.Now()
		d := e.descriptor(f)
		e.inFlight.MarkInFlight(now, d, iface)
		var out []Transmission
		for _, h := range e.ifaces.Handles() {
			if e.ifaces.IsLoopback(h) || h == iface {
				continue
			}
			out = append(out, Transmission{Iface: h, Frame: f})
		}
		return out, nil
	}
	return nil, nil
}

// onData writes an accepted chunk into the ongoing update, re-announces
// it to the other connectors, and commits once every chunk has arrived.
func (e *Engine) onData(iface int, f Frame) ([]Transmission, error) {
	d := e.descriptor(f)
	out := e.trySatisfyForeignRequests(iface, f, d)

	if e.ongoing == nil || f.FWVersion != e.ongoing.Version || int(f.ChunkID) >= len(e.ongoing.Present) || e.ongoing.Present[f.ChunkID] {
		return out, nil
	}

	if err := e.ongoing.Partition.Write(int64(f.ChunkID)*int64(e.ongoing.Proto.ChunkSize), f.Data); err != nil {
		e.ongoing = nil
		return out, err
	}
	e.ongoing.Present[f.ChunkID] = true
	e.inFlight.MarkNotInFlight(d, store.MYSELF)
	e.ongoing.LastProgress = time.Now()
	e.log.FDPChunk("write", f.FWType, f.FWVersion, f.ChunkID, fmt.Sprintf("%d", iface))

	for _, h := range e.ifaces.Handles() {
		if e.ifaces.IsLoopback(h) || h == iface {
			continue
		}
		out = append(out, Transmission{Iface: h, Frame: Frame{Type: Announce, Proto: e.ongoing.Proto, FWType: e.ongoing.FWType, FWVersion: e.ongoing.Version, ChunkID: f.ChunkID}})
	}

	if e.ongoing.allPresent() {
		if err := e.ongoing.Partition.Commit(); err != nil {
			e.ongoing = nil
			return out, err
		}
		e.log.FDPCommit(e.ongoing.FWType, e.ongoing.Version, len(e.ongoing.Present))
		e.ongoing = nil
	}
	return out, nil
}

// trySatisfyForeignRequests forwards a just-received Data frame to every
// other connector that is still in-flight waiting for this descriptor,
// clearing each one's in-flight entry.
func (e *Engine) trySatisfyForeignRequests(iface int, f Frame, d store.Descriptor) []Transmission {
	now := time.Now()
	var out []Transmission
	for _, r := range e.inFlight.Requesters(now, d) {
		if r == store.MYSELF || r == iface {
			continue
		}
		out = append(out, Transmission{Iface: r, Frame: f})
		e.inFlight.MarkNotInFlight(d, r)
	}
	return out
}

// handleIncompatible rebroadcasts or forwards a frame for a firmware
// type this module neither runs nor is fetching, deduping Announce and Data via
// the recently-seen store and tracking foreign Requests as in-flight.
func (e *Engine) handleIncompatible(iface int, f Frame) []Transmission {
	d := e.descriptor(f)
	switch f.Type {
	case Announce:
		if e.recentlySeen.Seen(d) {
			return nil
		}
		e.recentlySeen.Mark(d)
		return e.broadcastExcept(iface, f)
	case Request:
		now := time.Now()
		e.inFlight.MarkInFlight(now, d, iface)
		return e.broadcastExcept(iface, f)
	case Data:
		if e.recentlySeen.Seen(d) {
			return nil
		}
		e.recentlySeen.Mark(d)
		return e.trySatisfyForeignRequests(iface, f, d)
	default:
		return nil
	}
}

func (e *Engine) broadcastExcept(exclude int, f Frame) []Transmission {
	var out []Transmission
	for _, h := range e.ifaces.Handles() {
		if e.ifaces.IsLoopback(h) || h == exclude {
			continue
		}
		out = append(out, Transmission{Iface: h, Frame: f})
	}
	return out
}

// Tick runs the periodic announce/progress checks and returns the
// transmissions to send plus the duration until the next wake the
// scheduler should schedule.
func (e *Engine) Tick(now time.Time) ([]Transmission, time.Duration) {
	var out []Transmission

	if e.lastAnnounce.IsZero() || now.Sub(e.lastAnnounce) >= e.cfg.AnnouncePeriod {
		e.lastAnnounce = now
		proto := Proto{ChunkSize: e.cfg.ChunkSize, Chunks: numChunks(e.running.Size, e.cfg.ChunkSize), FWSize: e.running.Size}
		out = append(out, e.broadcastExcept(-1, Frame{Type: Announce, Proto: proto, FWType: e.running.Type, FWVersion: e.running.Version, ChunkID: 0})...)
	}

	if e.lastProgressCheck.IsZero() || now.Sub(e.lastProgressCheck) >= e.cfg.ProgressCheckPeriod {
		e.lastProgressCheck = now
		if e.ongoing != nil && now.Sub(e.ongoing.LastProgress) >= e.cfg.ProgressCheckPeriod {
			if missing, ok := e.ongoing.firstMissing(); ok {
				req := Frame{Type: Request, Proto: e.ongoing.Proto, FWType: e.ongoing.FWType, FWVersion: e.ongoing.Version, ChunkID: missing}
				e.log.FDPChunk("progress-reannounce", e.ongoing.FWType, e.ongoing.Version, missing, "*")
				out = append(out, e.broadcastExcept(-1, req)...)
			}
		}
	}

	nextAnnounce := e.lastAnnounce.Add(e.cfg.AnnouncePeriod).Sub(now)
	nextProgress := e.lastProgressCheck.Add(e.cfg.ProgressCheckPeriod).Sub(now)
	next := nextAnnounce
	if nextProgress < next {
		next = nextProgress
	}
	if next < 0 {
		next = 0
	}
	return out, next
}
