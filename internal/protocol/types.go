package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Message types
const (
	TypeSOS      = "SOS"
	TypeLocation = "LOCATION"
	TypeARUpdate = "AR_UPDATE"
	TypeAck      = "ACK"
)

const (
	// DefaultTTL is the hop budget for originated messages.
	DefaultTTL = 6
	// AckTTL keeps acknowledgments point-to-point; they are never relayed.
	AckTTL = 1
	// DefaultPriority for generic messages. SOS uses 10, ACK 9.
	DefaultPriority = 5
	// MaxPayloadBytes bounds the encoded payload size on the wire.
	MaxPayloadBytes = 512
)

// Message is the relay unit exchanged between peers. Immutable once created;
// DecrementTTL returns a copy rather than mutating.
type Message struct {
	MsgID     string `json:"msgId"`
	Type      string `json:"type"`
	SenderID  string `json:"senderId"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds, originator clock
	TTL       int    `json:"ttl"`
	Priority  int    `json:"priority"`
	Payload   string `json:"payload"`
	Floor     int    `json:"floor"`
}

// SOSPayload is the encoded payload of an SOS message.
type SOSPayload struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// AckPayload carries the id of the message being acknowledged.
type AckPayload struct {
	AckFor string `json:"ackFor"`
}

// Options tunes New. Zero values mean "use the default" (priority 5, ttl 6,
// floor 0), so a caller cannot request ttl 0 at construction; craft the
// struct directly for that.
type Options struct {
	Priority int
	TTL      int
	Floor    int
}

// New builds a generic message with a fresh id and the current time.
func New(typ, senderID, payload string, opts Options) Message {
	if opts.Priority == 0 {
		opts.Priority = DefaultPriority
	}
	if opts.TTL == 0 {
		opts.TTL = DefaultTTL
	}
	return Message{
		MsgID:     uuid.New().String(),
		Type:      typ,
		SenderID:  senderID,
		Timestamp: time.Now().UnixMilli(),
		TTL:       opts.TTL,
		Priority:  opts.Priority,
		Payload:   payload,
		Floor:     opts.Floor,
	}
}

// NewSOS builds a maximum-priority SOS carrying the sender's coordinates.
func NewSOS(senderID string, lat, lng float64, floor int) Message {
	body, _ := json.Marshal(SOSPayload{Lat: lat, Lng: lng})
	return New(TypeSOS, senderID, string(body), Options{Priority: 10, TTL: DefaultTTL, Floor: floor})
}

// NewAck builds a single-hop acknowledgment for ackFor.
func NewAck(senderID, ackFor string) Message {
	body, _ := json.Marshal(AckPayload{AckFor: ackFor})
	return New(TypeAck, senderID, string(body), Options{Priority: 9, TTL: AckTTL})
}

// DecrementTTL returns a copy with the hop budget reduced by one.
func (m Message) DecrementTTL() Message {
	m.TTL--
	return m
}

// IsValid re-checks the semantic invariants on an already-parsed message:
// payload within the byte bound, priority in 1..10, ttl non-negative. A
// message failing any of these must never be stored, emitted, or relayed.
func (m Message) IsValid() bool {
	if len(m.Payload) > MaxPayloadBytes {
		return false
	}
	if m.Priority < 1 || m.Priority > 10 {
		return false
	}
	return m.TTL >= 0
}

// Encode is the canonical wire serialization.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// wireMessage mirrors Message with pointer fields so FromJSON can tell a
// missing field from a zero value.
type wireMessage struct {
	MsgID     *string `json:"msgId"`
	Type      *string `json:"type"`
	SenderID  *string `json:"senderId"`
	Timestamp *int64  `json:"timestamp"`
	TTL       *int    `json:"ttl"`
	Priority  *int    `json:"priority"`
	Payload   *string `json:"payload"`
	Floor     *int    `json:"floor"`
}

// FromJSON parses raw and checks that every required field is present with
// the right primitive kind. Floor is optional and defaults to 0. Returns
// ok=false on any parse or shape failure; inbound bytes come from untrusted
// peers, so this never panics and reports nothing more than failure.
func FromJSON(raw []byte) (Message, bool) {
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return Message{}, false
	}
	if w.MsgID == nil || w.Type == nil || w.SenderID == nil || w.Timestamp == nil ||
		w.TTL == nil || w.Priority == nil || w.Payload == nil {
		return Message{}, false
	}
	msg := Message{
		MsgID:     *w.MsgID,
		Type:      *w.Type,
		SenderID:  *w.SenderID,
		Timestamp: *w.Timestamp,
		TTL:       *w.TTL,
		Priority:  *w.Priority,
		Payload:   *w.Payload,
	}
	if w.Floor != nil {
		msg.Floor = *w.Floor
	}
	return msg, true
}

// DecodeSOSPayload extracts coordinates from an SOS payload.
func DecodeSOSPayload(m Message) (SOSPayload, bool) {
	var p SOSPayload
	if err := json.Unmarshal([]byte(m.Payload), &p); err != nil {
		return SOSPayload{}, false
	}
	return p, true
}

// DecodeAckPayload extracts the acknowledged id from an ACK payload.
func DecodeAckPayload(m Message) (string, bool) {
	var p AckPayload
	if err := json.Unmarshal([]byte(m.Payload), &p); err != nil || p.AckFor == "" {
		return "", false
	}
	return p.AckFor, true
}
