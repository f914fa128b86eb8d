package engine

import "github.com/bit2swaz/sosmesh/internal/protocol"

// EventKind names a notification the engine emits to subscribers.
type EventKind string

const (
	// EventPeerChange fires whenever the open-peer count changes.
	EventPeerChange EventKind = "peer_change"
	// EventMessage fires once per newly accepted non-ACK message,
	// self-originated sends included.
	EventMessage EventKind = "message"
	// EventSOSReceived fires in addition to EventMessage when the accepted
	// message is an SOS.
	EventSOSReceived EventKind = "sos_received"
	// EventAck fires when a peer acknowledges a message this device has seen.
	EventAck EventKind = "ack"
)

// Notification is the payload handed to subscribers. Fields are populated
// per kind: Count for peer_change, Msg for message and sos_received, MsgID
// for ack.
type Notification struct {
	Kind  EventKind
	Count int
	Msg   *protocol.Message
	MsgID string
}

// Subscribe registers fn for a notification kind. Dispatch is synchronous
// and in registration order, so handlers must not block.
func (e *Engine) Subscribe(kind EventKind, fn func(Notification)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[kind] = append(e.listeners[kind], fn)
}

// emit snapshots the listener list under the lock and invokes outside it,
// so a handler may call back into the engine.
func (e *Engine) emit(n Notification) {
	e.mu.Lock()
	fns := make([]func(Notification), len(e.listeners[n.Kind]))
	copy(fns, e.listeners[n.Kind])
	e.mu.Unlock()

	for _, fn := range fns {
		fn(n)
	}
}
