package engine

import (
	"log/slog"

	"github.com/benbjohnson/clock"

	"github.com/bit2swaz/sosmesh/internal/protocol"
)

// HandleData is the receive pipeline, wired to the peer manager's data
// callback and invoked once per inbound payload. fromPeerID is the peer the
// bytes arrived from, not necessarily the originator.
func (e *Engine) HandleData(fromPeerID string, data []byte) {
	// 1. Parse and validate. Peers are untrusted; anything malformed is
	// dropped without a trace.
	msg, ok := protocol.FromJSON(data)
	if !ok || !msg.IsValid() {
		return
	}

	// 2. Our own message looped back through the mesh.
	if msg.SenderID == e.senderID {
		return
	}

	// 3. Acknowledgments are bookkeeping, never stored or relayed.
	if msg.Type == protocol.TypeAck {
		e.handleAck(msg)
		return
	}

	// 4. Dedup pre-check. Cheap read before attempting the write.
	if seen, err := e.ledger.Exists(msg.MsgID); err != nil {
		slog.Warn("Dedup check failed", "id", msg.MsgID, "error", err)
	} else if seen {
		return
	}

	// 5. The insert is the authority: losing a concurrent-delivery race here
	// is the same outcome as step 4.
	created, err := e.ledger.Insert(msg, e.clk.Now())
	if err != nil {
		slog.Warn("Failed to record message", "id", msg.MsgID, "error", err)
	} else if !created {
		return
	}

	// 6. Notify subscribers.
	slog.Info("Message received", "id", msg.MsgID, "type", msg.Type, "from", fromPeerID)
	e.emit(Notification{Kind: EventMessage, Msg: &msg})
	if msg.Type == protocol.TypeSOS {
		e.emit(Notification{Kind: EventSOSReceived, Msg: &msg})
	}

	// 7. Acknowledge to the delivering peer only.
	e.sendAck(fromPeerID, msg.MsgID)

	// 8. Forward while the hop budget lasts.
	if msg.TTL > 0 {
		e.scheduleRelay(msg, fromPeerID)
	}
}

// HandlePeerChange re-emits transport peer-count changes to subscribers.
func (e *Engine) HandlePeerChange(count int) {
	e.emit(Notification{Kind: EventPeerChange, Count: count})
}

func (e *Engine) handleAck(msg protocol.Message) {
	ackFor, ok := protocol.DecodeAckPayload(msg)
	if !ok {
		return
	}
	// Unknown or already-expired ids are a no-op at the store.
	if err := e.ledger.MarkDelivered(ackFor); err != nil {
		slog.Warn("Failed to mark delivered", "id", ackFor, "error", err)
	}
	e.emit(Notification{Kind: EventAck, MsgID: ackFor})
}

func (e *Engine) sendAck(toPeerID, msgID string) {
	ack := protocol.NewAck(e.senderID, msgID)
	data, err := ack.Encode()
	if err != nil {
		slog.Warn("Failed to encode ack", "id", msgID, "error", err)
		return
	}
	e.transport.SendTo(toPeerID, data)
}

// scheduleRelay arms the delayed rebroadcast. The timer callback re-checks
// the running flag so relays pending at Stop are abandoned with no side
// effect.
func (e *Engine) scheduleRelay(msg protocol.Message, fromPeerID string) {
	delay := relayDelay(msg.Priority)

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	var t *clock.Timer
	t = e.clk.AfterFunc(delay, func() {
		e.mu.Lock()
		if !e.running {
			e.mu.Unlock()
			return
		}
		delete(e.timers, t)
		e.mu.Unlock()
		e.relay(msg, fromPeerID)
	})
	e.timers[t] = struct{}{}
}

// relay spends one hop: rebroadcast everywhere except where the message came
// from, then count the forward against the original record.
func (e *Engine) relay(msg protocol.Message, fromPeerID string) {
	fwd := msg.DecrementTTL()
	data, err := fwd.Encode()
	if err != nil {
		slog.Warn("Failed to encode relay copy", "id", msg.MsgID, "error", err)
		return
	}
	e.transport.Broadcast(data, fromPeerID)
	if err := e.ledger.IncrementForwardCount(msg.MsgID); err != nil {
		slog.Warn("Failed to bump forward count", "id", msg.MsgID, "error", err)
	}
	slog.Info("Relayed message", "id", msg.MsgID, "ttl", fwd.TTL)
}
