package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Envelope types exchanged with the rendezvous service. The relay carries
// connection-setup metadata only; mesh payloads never pass through it.
const (
	TypeJoin       = "join"
	TypePeerJoined = "peer-joined"
	TypePeerLeft   = "peer-left"
	TypeOffer      = "offer"
	TypeAnswer     = "answer"
	TypeCandidate  = "ice-candidate"
)

// Envelope is the wire frame for every signaling exchange. Targeted frames
// carry To/From peer ids; room broadcasts carry From only.
type Envelope struct {
	Type    string          `json:"type"`
	Room    string          `json:"room,omitempty"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event is one inbound signaling notification, delivered in arrival order on
// a single channel for one consumer.
type Event struct {
	Type    string
	From    string
	Payload json.RawMessage
}

const writeTimeout = 5 * time.Second

// Client is a connection to the signaling relay. One goroutine reads,
// writers serialize on a mutex.
type Client struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	peerID    string
	events    chan Event
	closeOnce sync.Once
	closeErr  error
}

// Dial connects to the relay. The connection is torn down when ctx is
// canceled or Close is called.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial signaling relay: %w", err)
	}

	c := &Client{
		conn:   conn,
		events: make(chan Event, 32),
	}
	go c.readLoop()
	go func() {
		<-ctx.Done()
		c.Close()
	}()
	return c, nil
}

// Join announces local presence in a room. Subsequent SendTo frames carry
// peerID as the From id.
func (c *Client) Join(room, peerID string) error {
	c.peerID = peerID
	return c.write(Envelope{Type: TypeJoin, Room: room, From: peerID})
}

// SendTo emits a targeted frame (offer, answer, ice-candidate). The payload
// is marshaled opaquely; this package knows nothing about its contents.
func (c *Client) SendTo(typ, to string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", typ, err)
	}
	return c.write(Envelope{Type: typ, From: c.peerID, To: to, Payload: raw})
}

func (c *Client) write(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(env)
}

// Events returns the inbound notification channel. It is closed when the
// relay connection drops or the client is closed.
func (c *Client) Events() <-chan Event {
	return c.events
}

func (c *Client) readLoop() {
	defer close(c.events)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Info("Signaling relay closed the connection")
			} else {
				slog.Warn("Signaling read ended", "error", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			slog.Warn("Failed to unmarshal signaling envelope", "error", err)
			continue
		}
		if env.Type == "" {
			continue
		}

		select {
		case c.events <- Event{Type: env.Type, From: env.From, Payload: env.Payload}:
		default:
			// The consumer is behind; signaling is best-effort setup metadata,
			// so dropping beats blocking the read loop.
			slog.Warn("Signaling event buffer full, dropping", "type", env.Type, "from", env.From)
		}
	}
}

// Close tears the connection down; safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
