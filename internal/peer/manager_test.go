package peer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"

	"github.com/bit2swaz/sosmesh/internal/signal"
)

type sentEnvelope struct {
	typ     string
	to      string
	payload any
}

// fakeSignaler records outbound envelopes and lets tests inject events.
type fakeSignaler struct {
	events chan signal.Event
	sent   chan sentEnvelope

	mu     sync.Mutex
	joins  []string
	closes int
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{
		events: make(chan signal.Event, 8),
		sent:   make(chan sentEnvelope, 64),
	}
}

func (f *fakeSignaler) Join(room, peerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, room+"/"+peerID)
	return nil
}

func (f *fakeSignaler) SendTo(typ, to string, payload any) error {
	f.sent <- sentEnvelope{typ: typ, to: to, payload: payload}
	return nil
}

func (f *fakeSignaler) Events() <-chan signal.Event { return f.events }

func (f *fakeSignaler) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeSignaler) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// waitSent reads envelopes until one matches typ, skipping interleaved
// ICE candidates from the background gatherer.
func waitSent(t *testing.T, f *fakeSignaler, typ string) sentEnvelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-f.sent:
			if env.typ == typ {
				return env
			}
		case <-deadline:
			t.Fatalf("Timed out waiting for %q envelope", typ)
		}
	}
}

// countSent drains everything currently queued and counts envelopes of typ.
func countSent(f *fakeSignaler, typ string) int {
	n := 0
	for {
		select {
		case env := <-f.sent:
			if env.typ == typ {
				n++
			}
		default:
			return n
		}
	}
}

func newTestManager(fake *fakeSignaler) *Manager {
	m := NewManager("local-node", fake, clock.NewMock())
	// No STUN in tests; host candidates are enough for handshake assertions.
	m.rtc = webrtc.Configuration{}
	return m
}

func TestOffererFlowSendsOffer(t *testing.T) {
	fake := newFakeSignaler()
	m := newTestManager(fake)
	defer m.Destroy()

	// 1. A peer-joined announcement makes this side the offerer.
	m.handlePeerJoined("remote-1")

	env := waitSent(t, fake, signal.TypeOffer)
	if env.to != "remote-1" {
		t.Errorf("Expected offer addressed to 'remote-1', got %q", env.to)
	}
	offer, ok := env.payload.(webrtc.SessionDescription)
	if !ok {
		t.Fatalf("Expected SessionDescription payload, got %T", env.payload)
	}
	if offer.Type != webrtc.SDPTypeOffer {
		t.Errorf("Expected SDP type offer, got %v", offer.Type)
	}
	if offer.SDP == "" {
		t.Error("Expected non-empty offer SDP")
	}

	// 2. The handshake is still pending, so no peer counts as open.
	if got := m.PeerCount(); got != 0 {
		t.Errorf("Expected 0 open peers while connecting, got %d", got)
	}
	m.mu.Lock()
	state := m.links["remote-1"].state
	m.mu.Unlock()
	if state != StateConnectingOfferer {
		t.Errorf("Expected StateConnectingOfferer, got %v", state)
	}

	// 3. A duplicate announcement for a tracked peer is ignored.
	m.handlePeerJoined("remote-1")
	if extra := countSent(fake, signal.TypeOffer); extra != 0 {
		t.Errorf("Expected duplicate peer-joined to be ignored, got %d extra offers", extra)
	}
}

func TestOffererAppliesAnswer(t *testing.T) {
	fake := newFakeSignaler()
	m := newTestManager(fake)
	defer m.Destroy()

	m.handlePeerJoined("remote-1")
	env := waitSent(t, fake, signal.TypeOffer)
	offer := env.payload.(webrtc.SessionDescription)

	// A real peer connection on the test side produces the answer.
	remote, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("Failed to create remote pc: %v", err)
	}
	defer remote.Close()
	if err := remote.SetRemoteDescription(offer); err != nil {
		t.Fatalf("Failed to apply offer on remote side: %v", err)
	}
	answer, err := remote.CreateAnswer(nil)
	if err != nil {
		t.Fatalf("Failed to create answer: %v", err)
	}
	if err := remote.SetLocalDescription(answer); err != nil {
		t.Fatalf("Failed to set local answer: %v", err)
	}

	raw, _ := json.Marshal(answer)
	m.handleAnswer("remote-1", raw)

	m.mu.Lock()
	pc := m.links["remote-1"].pc
	m.mu.Unlock()
	if pc.RemoteDescription() == nil {
		t.Error("Expected answer to be applied as remote description")
	}
}

func TestAnswererFlowSendsAnswer(t *testing.T) {
	fake := newFakeSignaler()
	m := newTestManager(fake)
	defer m.Destroy()

	// 1. A real offer from the test side plays the remote caller.
	remote, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("Failed to create remote pc: %v", err)
	}
	defer remote.Close()
	ordered := false
	retransmits := maxRetransmits
	if _, err := remote.CreateDataChannel(channelLabel, &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &retransmits,
	}); err != nil {
		t.Fatalf("Failed to create remote channel: %v", err)
	}
	offer, err := remote.CreateOffer(nil)
	if err != nil {
		t.Fatalf("Failed to create offer: %v", err)
	}
	if err := remote.SetLocalDescription(offer); err != nil {
		t.Fatalf("Failed to set local offer: %v", err)
	}

	raw, _ := json.Marshal(offer)
	m.handleOffer("remote-2", raw)

	// 2. The manager answers back through the relay.
	env := waitSent(t, fake, signal.TypeAnswer)
	if env.to != "remote-2" {
		t.Errorf("Expected answer addressed to 'remote-2', got %q", env.to)
	}
	answer, ok := env.payload.(webrtc.SessionDescription)
	if !ok {
		t.Fatalf("Expected SessionDescription payload, got %T", env.payload)
	}
	if answer.Type != webrtc.SDPTypeAnswer {
		t.Errorf("Expected SDP type answer, got %v", answer.Type)
	}
	if answer.SDP == "" {
		t.Error("Expected non-empty answer SDP")
	}

	m.mu.Lock()
	state := m.links["remote-2"].state
	m.mu.Unlock()
	if state != StateConnectingAnswerer {
		t.Errorf("Expected StateConnectingAnswerer, got %v", state)
	}

	// 3. A second offer for the same peer is ignored.
	m.handleOffer("remote-2", raw)
	if extra := countSent(fake, signal.TypeAnswer); extra != 0 {
		t.Errorf("Expected duplicate offer to be ignored, got %d extra answers", extra)
	}
}

func TestPeerLeftTearsDownLink(t *testing.T) {
	fake := newFakeSignaler()
	m := newTestManager(fake)
	defer m.Destroy()

	counts := make(chan int, 4)
	m.OnPeerChange = func(n int) { counts <- n }

	// Hand-placed links: one open, one mid-handshake.
	m.mu.Lock()
	m.links["open-peer"] = &link{id: "open-peer", state: StateConnected, send: func(string) error { return nil }}
	m.links["pending-peer"] = &link{id: "pending-peer", state: StateConnectingOfferer}
	m.mu.Unlock()

	if got := m.PeerCount(); got != 1 {
		t.Errorf("Expected 1 open peer (pending excluded), got %d", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	// 1. peer-left for the open peer fires the change callback.
	fake.events <- signal.Event{Type: signal.TypePeerLeft, From: "open-peer"}
	select {
	case n := <-counts:
		if n != 0 {
			t.Errorf("Expected peer count 0 after teardown, got %d", n)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Timed out waiting for peer change")
	}
	if got := m.PeerCount(); got != 0 {
		t.Errorf("Expected 0 open peers, got %d", got)
	}

	// 2. Unknown ids are a no-op; the loop keeps serving afterwards.
	fake.events <- signal.Event{Type: signal.TypePeerLeft, From: "ghost"}
	fake.events <- signal.Event{Type: signal.TypePeerLeft, From: "pending-peer"}
	select {
	case n := <-counts:
		if n != 0 {
			t.Errorf("Expected peer count 0 after second teardown, got %d", n)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Timed out waiting for second teardown (ghost id may have wedged the loop)")
	}
}

func TestBroadcastSkipsExcludedAndRetriesOnce(t *testing.T) {
	fake := newFakeSignaler()
	mock := clock.NewMock()
	m := NewManager("local-node", fake, mock)
	m.rtc = webrtc.Configuration{}

	var flakyAttempts, originAttempts, pendingAttempts int
	m.mu.Lock()
	m.links["flaky"] = &link{id: "flaky", state: StateConnected, send: func(string) error {
		flakyAttempts++
		if flakyAttempts == 1 {
			return errors.New("channel hiccup")
		}
		return nil
	}}
	m.links["origin"] = &link{id: "origin", state: StateConnected, send: func(string) error {
		originAttempts++
		return nil
	}}
	m.links["pending"] = &link{id: "pending", state: StateConnectingAnswerer, send: func(string) error {
		pendingAttempts++
		return nil
	}}
	m.mu.Unlock()

	m.Broadcast([]byte(`{"n":1}`), "origin")

	if flakyAttempts != 1 {
		t.Errorf("Expected 1 immediate attempt, got %d", flakyAttempts)
	}
	if originAttempts != 0 {
		t.Errorf("Expected excluded origin peer to be skipped, got %d sends", originAttempts)
	}
	if pendingAttempts != 0 {
		t.Errorf("Expected connecting peer to be skipped, got %d sends", pendingAttempts)
	}

	// The single retry fires after the fixed delay, then nothing more.
	mock.Add(sendRetryDelay)
	if flakyAttempts != 2 {
		t.Errorf("Expected exactly one retry, got %d total attempts", flakyAttempts)
	}
	mock.Add(10 * sendRetryDelay)
	if flakyAttempts != 2 {
		t.Errorf("Expected no further retries, got %d total attempts", flakyAttempts)
	}
}

func TestSendToDropsAfterFailedRetry(t *testing.T) {
	fake := newFakeSignaler()
	mock := clock.NewMock()
	m := NewManager("local-node", fake, mock)
	m.rtc = webrtc.Configuration{}

	attempts := 0
	m.mu.Lock()
	m.links["down"] = &link{id: "down", state: StateConnected, send: func(string) error {
		attempts++
		return errors.New("send buffer full")
	}}
	m.mu.Unlock()

	m.SendTo("down", []byte("payload"))
	mock.Add(sendRetryDelay)
	mock.Add(time.Minute)

	if attempts != 2 {
		t.Errorf("Expected 2 attempts (send plus one retry), got %d", attempts)
	}

	// Unknown peers are silently dropped.
	m.SendTo("ghost", []byte("payload"))
}

func TestStrayHandshakeEventsIgnored(t *testing.T) {
	fake := newFakeSignaler()
	m := newTestManager(fake)
	defer m.Destroy()

	// None of these should panic or create state.
	m.handleAnswer("ghost", []byte(`{"type":"answer","sdp":"v=0"}`))
	m.handleCandidate("ghost", []byte(`{"candidate":"candidate:1 1 udp 1 127.0.0.1 4444 typ host"}`))
	m.handleOffer("ghost", []byte(`{not-json`))
	m.handlePeerJoined("")
	m.handlePeerJoined(m.localID)

	m.mu.Lock()
	n := len(m.links)
	m.mu.Unlock()
	if n != 0 {
		t.Errorf("Expected no links from stray events, got %d", n)
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	fake := newFakeSignaler()
	m := newTestManager(fake)

	if err := m.JoinRoom("shelter-7"); err != nil {
		t.Fatalf("JoinRoom failed: %v", err)
	}
	fake.mu.Lock()
	joined := len(fake.joins) == 1 && fake.joins[0] == "shelter-7/local-node"
	fake.mu.Unlock()
	if !joined {
		t.Errorf("Expected join for 'shelter-7/local-node', got %v", fake.joins)
	}

	m.mu.Lock()
	m.links["a"] = &link{id: "a", state: StateConnected}
	m.mu.Unlock()

	m.Destroy()
	m.Destroy()

	if got := fake.closeCount(); got != 1 {
		t.Errorf("Expected signaler closed once, got %d", got)
	}
	if got := m.PeerCount(); got != 0 {
		t.Errorf("Expected 0 peers after destroy, got %d", got)
	}

	// New announcements after destroy are refused.
	m.handlePeerJoined("late-peer")
	m.mu.Lock()
	_, tracked := m.links["late-peer"]
	m.mu.Unlock()
	if tracked {
		t.Error("Expected destroyed manager to refuse new peers")
	}
}
