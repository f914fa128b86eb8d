package peer

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"

	"github.com/bit2swaz/sosmesh/internal/signal"
)

const (
	channelLabel = "mesh"
	// sendRetryDelay is the fixed pause before the single send retry.
	sendRetryDelay = 200 * time.Millisecond
	// maxRetransmits bounds per-message retransmission on the unordered
	// channel; the relay protocol tolerates the resulting loss.
	maxRetransmits = uint16(3)
)

var defaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
}

// Signaler is the slice of the signaling client the manager consumes.
type Signaler interface {
	Join(room, peerID string) error
	SendTo(typ, to string, payload any) error
	Events() <-chan signal.Event
	Close() error
}

// link is one tracked remote peer. Exactly one link ever exists per remote
// id; duplicate peer-joined or offer events for a tracked id are ignored.
type link struct {
	id    string
	state State
	pc    *webrtc.PeerConnection
	dc    *webrtc.DataChannel
	send  func(string) error
}

// Manager owns every peer connection and its signaling handshake. The engine
// drives it only through Broadcast/SendTo/PeerCount/Destroy and observes it
// through the two callback fields, wired before Start.
type Manager struct {
	localID string
	sig     Signaler
	clk     clock.Clock
	rtc     webrtc.Configuration

	mu        sync.Mutex
	links     map[string]*link
	destroyed bool

	// OnData receives every inbound channel payload with the immediate
	// sender's peer id. OnPeerChange fires with the recomputed open-channel
	// count whenever a peer opens or closes.
	OnData       func(fromPeerID string, data []byte)
	OnPeerChange func(count int)
}

func NewManager(localID string, sig Signaler, clk clock.Clock) *Manager {
	return &Manager{
		localID: localID,
		sig:     sig,
		clk:     clk,
		rtc:     webrtc.Configuration{ICEServers: defaultICEServers},
		links:   make(map[string]*link),
	}
}

// JoinRoom announces local presence through the signaling relay. Existing
// room members react with offers; this side answers.
func (m *Manager) JoinRoom(room string) error {
	return m.sig.Join(room, m.localID)
}

// Start consumes signaling events until ctx is canceled or the relay
// connection drops.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-m.sig.Events():
				if !ok {
					slog.Info("Signaling stream ended")
					return
				}
				m.handleSignal(ev)
			}
		}
	}()
}

func (m *Manager) handleSignal(ev signal.Event) {
	switch ev.Type {
	case signal.TypePeerJoined:
		m.handlePeerJoined(ev.From)
	case signal.TypePeerLeft:
		m.teardown(ev.From)
	case signal.TypeOffer:
		m.handleOffer(ev.From, ev.Payload)
	case signal.TypeAnswer:
		m.handleAnswer(ev.From, ev.Payload)
	case signal.TypeCandidate:
		m.handleCandidate(ev.From, ev.Payload)
	}
}

// track registers a link for id unless one already exists or the manager is
// destroyed. Reports whether the caller owns the new link.
func (m *Manager) track(id string, state State) (*link, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed || id == "" || id == m.localID {
		return nil, false
	}
	if _, ok := m.links[id]; ok {
		return nil, false
	}
	l := &link{id: id, state: state}
	m.links[id] = l
	return l, true
}

// handlePeerJoined makes this side the offerer: create the connection and
// the data channel, then send the offer through the relay.
func (m *Manager) handlePeerJoined(id string) {
	l, ok := m.track(id, StateConnectingOfferer)
	if !ok {
		return
	}
	slog.Info("Peer joined, offering", "peer", id)

	pc, err := m.newPeerConnection(l)
	if err != nil {
		slog.Error("Failed to create peer connection", "peer", id, "error", err)
		m.teardown(id)
		return
	}

	ordered := false
	retransmits := maxRetransmits
	dc, err := pc.CreateDataChannel(channelLabel, &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &retransmits,
	})
	if err != nil {
		slog.Error("Failed to create data channel", "peer", id, "error", err)
		m.teardown(id)
		return
	}
	m.attachChannel(l, dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		slog.Error("Failed to create offer", "peer", id, "error", err)
		return
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		slog.Error("Failed to set local offer", "peer", id, "error", err)
		return
	}
	if err := m.sig.SendTo(signal.TypeOffer, id, offer); err != nil {
		slog.Warn("Failed to send offer", "peer", id, "error", err)
	}
}

// handleOffer makes this side the answerer for an unseen remote id.
func (m *Manager) handleOffer(from string, payload []byte) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(payload, &offer); err != nil {
		slog.Warn("Failed to decode offer", "peer", from, "error", err)
		return
	}

	l, ok := m.track(from, StateConnectingAnswerer)
	if !ok {
		return
	}
	slog.Info("Offer received, answering", "peer", from)

	pc, err := m.newPeerConnection(l)
	if err != nil {
		slog.Error("Failed to create peer connection", "peer", from, "error", err)
		m.teardown(from)
		return
	}
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		m.attachChannel(l, dc)
	})

	// Description failures are logged and left alone: the link never
	// progresses past Connecting and no retry is attempted.
	if err := pc.SetRemoteDescription(offer); err != nil {
		slog.Error("Failed to apply remote offer", "peer", from, "error", err)
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		slog.Error("Failed to create answer", "peer", from, "error", err)
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		slog.Error("Failed to set local answer", "peer", from, "error", err)
		return
	}
	if err := m.sig.SendTo(signal.TypeAnswer, from, answer); err != nil {
		slog.Warn("Failed to send answer", "peer", from, "error", err)
	}
}

func (m *Manager) handleAnswer(from string, payload []byte) {
	m.mu.Lock()
	l, ok := m.links[from]
	var pc *webrtc.PeerConnection
	offerer := false
	if ok {
		pc = l.pc
		offerer = l.state == StateConnectingOfferer
	}
	m.mu.Unlock()
	if !ok || pc == nil || !offerer {
		slog.Warn("Answer for unknown or non-offering peer", "peer", from)
		return
	}

	var answer webrtc.SessionDescription
	if err := json.Unmarshal(payload, &answer); err != nil {
		slog.Warn("Failed to decode answer", "peer", from, "error", err)
		return
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		slog.Error("Failed to apply remote answer", "peer", from, "error", err)
	}
}

func (m *Manager) handleCandidate(from string, payload []byte) {
	m.mu.Lock()
	l, ok := m.links[from]
	var pc *webrtc.PeerConnection
	if ok {
		pc = l.pc
	}
	m.mu.Unlock()
	if !ok || pc == nil {
		return
	}

	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &cand); err != nil {
		slog.Warn("Failed to decode candidate", "peer", from, "error", err)
		return
	}
	if err := pc.AddICECandidate(cand); err != nil {
		slog.Warn("Failed to add candidate", "peer", from, "error", err)
	}
}

func (m *Manager) newPeerConnection(l *link) (*webrtc.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(m.rtc)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	l.pc = pc
	m.mu.Unlock()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := m.sig.SendTo(signal.TypeCandidate, l.id, c.ToJSON()); err != nil {
			slog.Warn("Failed to send candidate", "peer", l.id, "error", err)
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed:
			m.teardown(l.id)
		}
	})
	return pc, nil
}

func (m *Manager) attachChannel(l *link, dc *webrtc.DataChannel) {
	m.mu.Lock()
	l.dc = dc
	l.send = dc.SendText
	m.mu.Unlock()

	dc.OnOpen(func() {
		m.mu.Lock()
		if l.state == StateClosed {
			m.mu.Unlock()
			return
		}
		l.state = StateConnected
		count := m.openCountLocked()
		notify := m.OnPeerChange
		m.mu.Unlock()

		slog.Info("Peer channel open", "peer", l.id, "peers", count)
		if notify != nil {
			notify(count)
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		m.mu.Lock()
		handle := m.OnData
		m.mu.Unlock()
		if handle != nil {
			handle(l.id, msg.Data)
		}
	})
	dc.OnClose(func() {
		m.teardown(l.id)
	})
}

// teardown moves a link to Closed, removes it from the active set, and fires
// the peer-change notification with the recomputed count. Reentrant: the
// Close calls below trigger transport callbacks that land here again and
// find nothing to do.
func (m *Manager) teardown(id string) {
	m.mu.Lock()
	l, ok := m.links[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	l.state = StateClosed
	delete(m.links, id)
	dc, pc := l.dc, l.pc
	count := m.openCountLocked()
	notify := m.OnPeerChange
	m.mu.Unlock()

	if dc != nil {
		dc.Close()
	}
	if pc != nil {
		pc.Close()
	}
	slog.Info("Peer closed", "peer", id, "peers", count)
	if notify != nil {
		notify(count)
	}
}

func (m *Manager) openCountLocked() int {
	n := 0
	for _, l := range m.links {
		if l.state == StateConnected {
			n++
		}
	}
	return n
}

type outbound struct {
	id   string
	send func(string) error
}

// Broadcast sends data to every peer with an open channel, skipping
// excludePeerID (the peer a relayed message arrived from).
func (m *Manager) Broadcast(data []byte, excludePeerID string) {
	m.mu.Lock()
	targets := make([]outbound, 0, len(m.links))
	for id, l := range m.links {
		if id == excludePeerID || l.state != StateConnected || l.send == nil {
			continue
		}
		targets = append(targets, outbound{id: id, send: l.send})
	}
	m.mu.Unlock()

	for _, t := range targets {
		m.deliver(t, data)
	}
}

// SendTo is the point-to-point path, used for acknowledgments. A vanished or
// unopened peer means the message is dropped, like any other send loss.
func (m *Manager) SendTo(peerID string, data []byte) {
	m.mu.Lock()
	l, ok := m.links[peerID]
	var t outbound
	if ok && l.state == StateConnected && l.send != nil {
		t = outbound{id: peerID, send: l.send}
	}
	m.mu.Unlock()
	if t.send == nil {
		return
	}
	m.deliver(t, data)
}

// deliver is the single send primitive: on failure it retries exactly once
// after a fixed delay, then drops.
func (m *Manager) deliver(t outbound, data []byte) {
	if err := t.send(string(data)); err == nil {
		return
	}
	m.clk.AfterFunc(sendRetryDelay, func() {
		if err := t.send(string(data)); err != nil {
			slog.Warn("Dropping message after send retry", "peer", t.id, "error", err)
		}
	})
}

// PeerCount reports peers whose channel is currently open. Connecting peers
// do not count.
func (m *Manager) PeerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openCountLocked()
}

// Destroy closes every connection and channel, detaches the signaling
// client, and clears callback references. Idempotent.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	links := make([]*link, 0, len(m.links))
	for _, l := range m.links {
		l.state = StateClosed
		links = append(links, l)
	}
	m.links = make(map[string]*link)
	m.OnData = nil
	m.OnPeerChange = nil
	m.mu.Unlock()

	for _, l := range links {
		if l.dc != nil {
			l.dc.Close()
		}
		if l.pc != nil {
			l.pc.Close()
		}
	}
	if err := m.sig.Close(); err != nil {
		slog.Warn("Failed to close signaling client", "error", err)
	}
}
