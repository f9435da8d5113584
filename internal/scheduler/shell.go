// Package scheduler is the scheduler shell (C7): the single-threaded
// cooperative loop that owns all core-state mutation, dispatching
// inbound packet/link events to the RRP and FDP engines and driving
// FDP's periodic timers.
//
// Grounded on the teacher's internal/daemon/service.go ServiceManager
// (signal.Notify three signals, context.WithCancel, Start/Wait/Stop
// trio, sync.RWMutex-guarded running state) for the shell shape, and
// internal/routing/batch/batch_operation.go's ProcessUsingAnts for
// handing outbound sends to a bounded ants pool.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/rofi-net/rofinet/internal/fdp"
	"github.com/rofi-net/rofinet/internal/ifreg"
	"github.com/rofi-net/rofinet/internal/linkdriver"
	"github.com/rofi-net/rofinet/internal/logger"
	"github.com/rofi-net/rofinet/internal/rrp"
	"github.com/rofi-net/rofinet/internal/rrpwire"
)

// eventKind distinguishes the bounded queue's entries (spec §4.7: "one
// bounded queue receives (connector-id, packet) events from link
// callbacks").
type eventKind int

const (
	eventPacket eventKind = iota
	eventLink
)

type inboundEvent struct {
	kind    eventKind
	iface   int
	payload []byte
	linkEv  linkdriver.Event
}

// Config carries the shell's own tunables (spec §5's resource bounds).
type Config struct {
	EventQueueSize   int
	ConcurrencyLimit int
	UpdateStateFile  string
	TickInterval     time.Duration
}

// Shell is C7. Run's goroutine is the only one that mutates the routing
// table, the RRP engine, or the FDP engine; every other goroutine
// (driver callbacks, the outbox pool) only enqueues or sends bytes.
type Shell struct {
	cfg Config
	log *logger.Logger

	registry *ifreg.Registry
	rrpEng   *rrp.Engine
	fdpEng   *fdp.Engine

	events chan inboundEvent
	outbox *ants.Pool

	mu        sync.RWMutex
	isRunning bool
	stopChan  chan os.Signal
	doneChan  chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
}

func New(cfg Config, registry *ifreg.Registry, rrpEng *rrp.Engine, fdpEng *fdp.Engine, log *logger.Logger) (*Shell, error) {
	pool, err := ants.NewPool(cfg.ConcurrencyLimit)
	if err != nil {
		return nil, fmt.Errorf("scheduler: create outbox pool: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Shell{
		cfg:      cfg,
		log:      log.WithComponent("scheduler"),
		registry: registry,
		rrpEng:   rrpEng,
		fdpEng:   fdpEng,
		events:   make(chan inboundEvent, cfg.EventQueueSize),
		outbox:   pool,
		stopChan: make(chan os.Signal, 1),
		doneChan: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// EnqueuePacket is the link driver callback's only touchpoint: it must
// never mutate core state itself (spec §5). Drops the oldest queued
// event on overflow (spec §7 ResourceExhaustion discipline).
func (s *Shell) EnqueuePacket(iface int, payload []byte) {
	s.enqueue(inboundEvent{kind: eventPacket, iface: iface, payload: payload})
}

// EnqueueLinkEvent is the link driver's Connected/Disconnected callback.
func (s *Shell) EnqueueLinkEvent(iface int, ev linkdriver.Event) {
	s.enqueue(inboundEvent{kind: eventLink, iface: iface, linkEv: ev})
}

func (s *Shell) enqueue(ev inboundEvent) {
	select {
	case s.events <- ev:
	default:
		select {
		case <-s.events:
		default:
		}
		select {
		case s.events <- ev:
		default:
			s.log.Warn("event queue full, dropping newest event too", "iface", ev.iface)
		}
	}
}

// Start installs signal handlers and launches Run in a new goroutine.
func (s *Shell) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning {
		return fmt.Errorf("scheduler: already running")
	}
	signal.Notify(s.stopChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	s.log.ServiceStart("1.0.0", fmt.Sprintf("%d", os.Getpid()))

	go s.Run(s.ctx)
	s.isRunning = true
	return nil
}

// Wait blocks until a stop signal arrives or ctx is cancelled, then stops.
func (s *Shell) Wait() error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case sig := <-s.stopChan:
		s.log.Info("received signal", "signal", sig.String())
		return s.Stop()
	}
}

// Stop cancels the run loop and blocks until it has exited, or until a
// 10-second grace period elapses.
func (s *Shell) Stop() error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	s.mu.Unlock()

	s.log.ServiceStop()
	s.cancel()
	s.outbox.Release()

	select {
	case <-s.doneChan:
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("scheduler: stop timeout")
	}
}

// Run is the single-threaded cooperative loop (spec §4.7/§5): it
// dequeues with a timer-derived timeout, dispatches packets/link events
// to C4/C6, and runs C6's periodic checks on timeout.
func (s *Shell) Run(ctx context.Context) {
	defer close(s.doneChan)

	nextWake := s.cfg.TickInterval
	if nextWake <= 0 {
		nextWake = time.Second
	}
	timer := time.NewTimer(nextWake)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			s.dispatch(ev)
		case <-timer.C:
			txs, next := s.fdpEng.Tick(time.Now())
			s.sendFDP(txs)
			if next <= 0 {
				next = s.cfg.TickInterval
			}
			timer.Reset(next)
			continue
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(nextWake)
	}
}

func (s *Shell) dispatch(ev inboundEvent) {
	switch ev.kind {
	case eventLink:
		txs, err := s.rrpEng.HandleEvent(ev.iface, ev.linkEv)
		if err != nil {
			s.log.Warn("link event handling failed", "iface", ev.iface, "error", err)
			return
		}
		s.sendRRP(txs)
	case eventPacket:
		s.dispatchPacket(ev.iface, ev.payload)
	}
}

// dispatchPacket routes a received frame to C4 or C6 by content-type
// (spec §4.7: "on packet, it dispatches to C4... or C6..."). The caller
// (the link driver's OnPacket callback forwarding into EnqueuePacket)
// is expected to have already separated ordinary IP traffic, which never
// reaches the shell.
func (s *Shell) dispatchPacket(iface int, payload []byte) {
	if len(payload) == 0 {
		return
	}
	// RRP rides as a raw IPv6 packet to ff02::1f, not a distinct
	// content-type; callers tag it with the reserved marker below so the
	// shell can tell it apart from an FDP frame without re-parsing IPv6.
	if payload[0] == rrpContentMarker {
		txs, err := s.rrpEng.HandlePacket(iface, payload[1:])
		if err != nil {
			s.log.Debug("dropping malformed RRP packet", "iface", iface, "error", err)
			return
		}
		s.sendRRP(txs)
		return
	}

	txs, err := s.fdpEng.HandlePacket(iface, payload)
	if err != nil {
		s.log.Debug("dropping malformed or failed FDP packet", "iface", iface, "error", err)
		return
	}
	s.sendFDP(txs)

	if s.cfg.UpdateStateFile != "" {
		if err := s.fdpEng.SaveState(s.cfg.UpdateStateFile); err != nil {
			s.log.Warn("failed to persist update state", "error", err)
		}
	}
}

// rrpContentMarker is an internal, non-wire tag EnqueuePacket callers use
// to tell the shell an enqueued payload is an RRP body rather than an FDP
// frame (RRP itself carries no content-type octet on the wire; see §4.1).
const rrpContentMarker = 0xff

func (s *Shell) sendRRP(txs []rrp.Transmission) {
	for _, tx := range txs {
		tx := tx
		drv, ok := s.registry.Driver(tx.Iface)
		if !ok {
			continue
		}
		buf, err := rrpwire.Encode(tx.Payload, linkdriver.MTU)
		if err != nil {
			s.log.Warn("failed to encode outbound RRP payload", "iface", tx.Iface, "error", err)
			continue
		}
		s.submitSend(drv, linkdriver.ContentTypeRRP, buf)
	}
}

func (s *Shell) sendFDP(txs []fdp.Transmission) {
	for _, tx := range txs {
		tx := tx
		drv, ok := s.registry.Driver(tx.Iface)
		if !ok {
			continue
		}
		buf, err := fdp.Encode(tx.Frame)
		if err != nil {
			s.log.Warn("failed to encode outbound FDP frame", "iface", tx.Iface, "error", err)
			continue
		}
		s.submitSend(drv, linkdriver.ContentTypeFDP, buf)
	}
}

// submitSend hands a single "write these bytes to this driver" unit of
// work to the outbox pool. This is the only concurrency introduced past
// the single mutation goroutine, and it never touches table/engine state
// (spec §5's ordering guarantee).
func (s *Shell) submitSend(drv linkdriver.Driver, contentType uint16, buf []byte) {
	err := s.outbox.Submit(func() {
		if err := drv.Send(contentType, buf); err != nil {
			s.log.Warn("link send failed", "driver", drv.Name(), "error", err)
		}
	})
	if err != nil {
		s.log.Warn("outbox pool rejected send", "driver", drv.Name(), "error", err)
	}
}
