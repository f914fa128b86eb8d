package tui

import (
	"context"
	"strings"
	"testing"

	"github.com/benbjohnson/clock"

	"github.com/bit2swaz/sosmesh/internal/engine"
	"github.com/bit2swaz/sosmesh/internal/protocol"
	"github.com/bit2swaz/sosmesh/internal/sim"
	"github.com/bit2swaz/sosmesh/internal/store"
)

func newTestModel(t *testing.T, nick string) (model, *sim.Engine) {
	t.Helper()
	eng := sim.New(clock.NewMock())
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start simulator: %v", err)
	}
	t.Cleanup(eng.Stop)
	return initialModel(eng, store.NewMemory(), "", nick), eng
}

// drainEvents empties the model's notification buffer.
func drainEvents(m model) []engine.Notification {
	var out []engine.Notification
	for {
		select {
		case n := <-m.events:
			out = append(out, n)
		default:
			return out
		}
	}
}

func TestApplyEventFoldsNotifications(t *testing.T) {
	m, eng := newTestModel(t, "")

	// 1. Peer changes update the count and status line
	m.applyEvent(engine.Notification{Kind: engine.EventPeerChange, Count: 2})
	if m.peerCount != 2 {
		t.Errorf("Expected peer count 2, got %d", m.peerCount)
	}
	if !strings.Contains(m.status, "2 peer") {
		t.Errorf("Expected status to mention peers, got %q", m.status)
	}

	// 2. Messages append to the feed
	before := len(m.lines)
	note := protocol.New(protocol.TypeARUpdate, "remote-sender", "water on 2", protocol.Options{})
	m.applyEvent(engine.Notification{Kind: engine.EventMessage, Msg: &note})
	if len(m.lines) != before+1 {
		t.Fatalf("Expected feed to grow by 1, got %d lines", len(m.lines))
	}

	// 3. A fresh remote SOS arms the strobe
	sos := protocol.NewSOS("remote-sender", 1, 2, 3)
	m.applyEvent(engine.Notification{Kind: engine.EventSOSReceived, Msg: &sos})
	if m.flashTick == 0 {
		t.Error("Expected remote SOS to arm the flash ticker")
	}

	// 4. Our own SOS echoed back does not
	m.flashTick = 0
	own := protocol.NewSOS(eng.SenderID(), 1, 2, 3)
	m.applyEvent(engine.Notification{Kind: engine.EventSOSReceived, Msg: &own})
	if m.flashTick != 0 {
		t.Error("Expected local SOS echo to leave the flash ticker alone")
	}

	// 5. Acks land in the feed as delivery marks
	before = len(m.lines)
	m.applyEvent(engine.Notification{Kind: engine.EventAck, MsgID: note.MsgID})
	if len(m.lines) != before+1 {
		t.Fatalf("Expected ack line in feed, got %d lines", len(m.lines))
	}
	if !strings.Contains(m.lines[len(m.lines)-1], "delivered") {
		t.Errorf("Expected delivery mark, got %q", m.lines[len(m.lines)-1])
	}
}

func TestSubmitRoutesInput(t *testing.T) {
	m, _ := newTestModel(t, "rescuer-7")

	// 1. /sos floods an alert
	status := m.submit("/sos 12.9716 77.5946 3")
	if !strings.Contains(status, "SOS") || !strings.Contains(status, "flooding") {
		t.Errorf("Expected SOS confirmation, got %q", status)
	}

	// 2. Malformed /sos never reaches the engine
	status = m.submit("/sos abc def")
	if !strings.Contains(status, "usage") {
		t.Errorf("Expected usage hint, got %q", status)
	}

	// 3. Plain text goes out as a nick-prefixed status update
	status = m.submit("sheltering near exit B")
	if !strings.Contains(status, "update") || !strings.Contains(status, "sent") {
		t.Errorf("Expected update confirmation, got %q", status)
	}
	var update *protocol.Message
	for _, n := range drainEvents(m) {
		if n.Kind == engine.EventMessage && n.Msg != nil && n.Msg.Type == protocol.TypeARUpdate {
			update = n.Msg
		}
	}
	if update == nil {
		t.Fatal("Expected an AR_UPDATE notification from the send")
	}
	if update.Payload != "rescuer-7: sheltering near exit B" {
		t.Errorf("Expected nick-prefixed payload, got %q", update.Payload)
	}

	// 4. Oversized payloads surface the engine error
	status = m.submit(strings.Repeat("x", protocol.MaxPayloadBytes+1))
	if !strings.Contains(status, "send failed") {
		t.Errorf("Expected send failure, got %q", status)
	}
}
