package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/bit2swaz/sosmesh/internal/protocol"
	"github.com/bit2swaz/sosmesh/internal/store"
)

// sweepInterval paces the expiry sweep that keeps the dedup ledger bounded.
const sweepInterval = 5 * time.Minute

// Transport is the slice of the peer manager the engine drives.
type Transport interface {
	Broadcast(data []byte, excludePeerID string)
	SendTo(peerID string, data []byte)
	PeerCount() int
	Destroy()
}

// Relay is the public engine contract the application layer consumes. The
// scripted simulator satisfies it too, so demo wiring can swap either in.
type Relay interface {
	Start(ctx context.Context) error
	Stop()
	SendSOS(lat, lng float64, floor int) (string, error)
	SendCustom(typ, payload string, priority, floor int) (string, error)
	PeerCount() int
	SenderID() string
	Subscribe(kind EventKind, fn func(Notification))
}

// Engine orchestrates the mesh relay: sending, the receive pipeline, flood
// control, and the expiry sweep. It owns its ledger exclusively and talks to
// peers only through the Transport.
type Engine struct {
	senderID  string
	ledger    store.Ledger
	transport Transport
	clk       clock.Clock

	mu        sync.Mutex
	listeners map[EventKind][]func(Notification)
	timers    map[*clock.Timer]struct{}
	running   bool
	done      chan struct{}
}

var _ Relay = (*Engine)(nil)

func New(senderID string, ledger store.Ledger, transport Transport, clk clock.Clock) *Engine {
	return &Engine{
		senderID:  senderID,
		ledger:    ledger,
		transport: transport,
		clk:       clk,
		listeners: make(map[EventKind][]func(Notification)),
		timers:    make(map[*clock.Timer]struct{}),
	}
}

// Start begins the periodic expiry sweep and arms relay scheduling. The
// engine stops when Stop is called or ctx is canceled.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already started")
	}
	e.running = true
	e.done = make(chan struct{})
	e.mu.Unlock()

	go e.sweepLoop(ctx)
	slog.Info("Relay engine started", "sender", e.senderID)
	return nil
}

// Stop abandons every pending relay, halts the sweep, tears down the
// transport, and closes the ledger. Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.done)
	timers := e.timers
	e.timers = make(map[*clock.Timer]struct{})
	e.mu.Unlock()

	for t := range timers {
		t.Stop()
	}
	e.transport.Destroy()
	if err := e.ledger.Close(); err != nil {
		slog.Warn("Failed to close store", "error", err)
	}
	slog.Info("Relay engine stopped")
}

func (e *Engine) sweepLoop(ctx context.Context) {
	ticker := e.clk.Ticker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.done:
			return
		case <-ticker.C:
			cutoff := e.clk.Now().Add(-store.Retention)
			removed, err := e.ledger.DeleteExpired(cutoff)
			if err != nil {
				slog.Error("Expiry sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				slog.Info("Expired messages removed", "count", removed)
			}
		}
	}
}

// SendSOS broadcasts a maximum-priority SOS carrying the device coordinates
// and returns the generated message id.
func (e *Engine) SendSOS(lat, lng float64, floor int) (string, error) {
	return e.dispatch(protocol.NewSOS(e.senderID, lat, lng, floor))
}

// SendCustom broadcasts a message of an arbitrary type. Zero priority and
// floor fall back to the defaults (5 and 0).
func (e *Engine) SendCustom(typ, payload string, priority, floor int) (string, error) {
	msg := protocol.New(typ, e.senderID, payload, protocol.Options{Priority: priority, Floor: floor})
	return e.dispatch(msg)
}

// dispatch records a self-originated message and floods it to every open
// peer. The store copy makes dedup and forward bookkeeping uniform across
// originated and relayed traffic.
func (e *Engine) dispatch(msg protocol.Message) (string, error) {
	if !msg.IsValid() {
		return "", fmt.Errorf("invalid message: payload %d bytes, priority %d, ttl %d",
			len(msg.Payload), msg.Priority, msg.TTL)
	}

	if created, err := e.ledger.Insert(msg, e.clk.Now()); err != nil {
		slog.Warn("Failed to record outbound message", "id", msg.MsgID, "error", err)
	} else if !created {
		slog.Warn("Outbound message id already present", "id", msg.MsgID)
	}

	data, err := msg.Encode()
	if err != nil {
		return "", fmt.Errorf("failed to encode message: %w", err)
	}
	e.transport.Broadcast(data, "")

	e.emit(Notification{Kind: EventMessage, Msg: &msg})
	if msg.Type == protocol.TypeSOS {
		e.emit(Notification{Kind: EventSOSReceived, Msg: &msg})
	}
	slog.Info("Message sent", "id", msg.MsgID, "type", msg.Type, "priority", msg.Priority)
	return msg.MsgID, nil
}

// PeerCount reports peers with an open channel.
func (e *Engine) PeerCount() int {
	return e.transport.PeerCount()
}

// SenderID is the ephemeral identity messages originate under.
func (e *Engine) SenderID() string {
	return e.senderID
}

// relayDelay draws the jittered rebroadcast delay for a priority. Urgent
// traffic gets a short, tight window; low-priority traffic spreads over a
// longer, wider one so simultaneous rebroadcasts collide less.
func relayDelay(priority int) time.Duration {
	p := priority
	if p < 1 {
		p = 1
	} else if p > 10 {
		p = 10
	}
	factor := float64(11-p) / 10
	minMs := 100 + factor*100
	maxMs := 150 + factor*250
	ms := minMs + rand.Float64()*(maxMs-minMs)
	return time.Duration(ms * float64(time.Millisecond))
}
