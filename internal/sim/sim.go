// Package sim is a scripted stand-in for the relay engine, used for demos
// and UI work when no signaling service is reachable. It satisfies the same
// contract as the real engine but fabricates peers, an inbound SOS, and
// acknowledgments on timers instead of touching the network.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/bit2swaz/sosmesh/internal/engine"
	"github.com/bit2swaz/sosmesh/internal/protocol"
)

// Script timings, relative to Start.
const (
	firstPeerDelay   = 2 * time.Second
	secondPeerDelay  = 5 * time.Second
	scriptedSOSDelay = 8 * time.Second
	peerDropDelay    = 12 * time.Second
	// ackDelay fakes the round trip before a sent message is acknowledged.
	ackDelay = 1500 * time.Millisecond
)

// Engine fabricates mesh activity on a clock. Swap it in anywhere a Relay is
// expected.
type Engine struct {
	senderID string
	clk      clock.Clock

	mu        sync.Mutex
	listeners map[engine.EventKind][]func(engine.Notification)
	timers    []*clock.Timer
	peers     int
	running   bool
}

var _ engine.Relay = (*Engine)(nil)

func New(clk clock.Clock) *Engine {
	return &Engine{
		senderID:  "sim-" + uuid.New().String()[:8],
		clk:       clk,
		listeners: make(map[engine.EventKind][]func(engine.Notification)),
	}
}

// Start arms the script: two peers appear, a remote SOS arrives, one peer
// drops off.
func (s *Engine) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("simulator already started")
	}
	s.running = true
	s.mu.Unlock()

	s.after(firstPeerDelay, func() { s.setPeers(1) })
	s.after(secondPeerDelay, func() { s.setPeers(2) })
	s.after(scriptedSOSDelay, s.injectSOS)
	s.after(peerDropDelay, func() { s.setPeers(1) })

	slog.Info("Simulator started", "sender", s.senderID)
	return nil
}

// Stop cancels everything still scheduled. Idempotent.
func (s *Engine) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	timers := s.timers
	s.timers = nil
	s.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	slog.Info("Simulator stopped")
}

// after schedules fn, skipping it if the simulator stops first.
func (s *Engine) after(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	t := s.clk.AfterFunc(d, func() {
		s.mu.Lock()
		running := s.running
		s.mu.Unlock()
		if running {
			fn()
		}
	})
	s.timers = append(s.timers, t)
}

func (s *Engine) setPeers(n int) {
	s.mu.Lock()
	s.peers = n
	s.mu.Unlock()
	s.emit(engine.Notification{Kind: engine.EventPeerChange, Count: n})
}

func (s *Engine) injectSOS() {
	msg := protocol.NewSOS("sim-peer-1", 12.9716, 77.5946, 3)
	s.emit(engine.Notification{Kind: engine.EventMessage, Msg: &msg})
	s.emit(engine.Notification{Kind: engine.EventSOSReceived, Msg: &msg})
}

// SendSOS pretends to flood an SOS and schedules its acknowledgment.
func (s *Engine) SendSOS(lat, lng float64, floor int) (string, error) {
	return s.dispatch(protocol.NewSOS(s.senderID, lat, lng, floor))
}

// SendCustom mirrors the real engine's defaulting and validation.
func (s *Engine) SendCustom(typ, payload string, priority, floor int) (string, error) {
	msg := protocol.New(typ, s.senderID, payload, protocol.Options{Priority: priority, Floor: floor})
	return s.dispatch(msg)
}

func (s *Engine) dispatch(msg protocol.Message) (string, error) {
	if !msg.IsValid() {
		return "", fmt.Errorf("invalid message: payload %d bytes, priority %d, ttl %d",
			len(msg.Payload), msg.Priority, msg.TTL)
	}
	s.emit(engine.Notification{Kind: engine.EventMessage, Msg: &msg})
	if msg.Type == protocol.TypeSOS {
		s.emit(engine.Notification{Kind: engine.EventSOSReceived, Msg: &msg})
	}
	s.after(ackDelay, func() {
		s.emit(engine.Notification{Kind: engine.EventAck, MsgID: msg.MsgID})
	})
	return msg.MsgID, nil
}

func (s *Engine) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peers
}

func (s *Engine) SenderID() string {
	return s.senderID
}

// Subscribe registers fn for a notification kind, dispatched synchronously
// in registration order.
func (s *Engine) Subscribe(kind engine.EventKind, fn func(engine.Notification)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[kind] = append(s.listeners[kind], fn)
}

func (s *Engine) emit(n engine.Notification) {
	s.mu.Lock()
	fns := make([]func(engine.Notification), len(s.listeners[n.Kind]))
	copy(fns, s.listeners[n.Kind])
	s.mu.Unlock()

	for _, fn := range fns {
		fn(n)
	}
}
