package uplink

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bit2swaz/sosmesh/internal/protocol"
)

// Service pushes SOS alerts to a Discord webhook whenever internet happens
// to be reachable. The mesh never depends on it; the bridge is strictly
// opportunistic.
type Service struct {
	WebhookURL string
	client     *http.Client
}

func NewService(url string) *Service {
	return &Service{
		WebhookURL: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Start drains msgChan in the background. Non-SOS traffic is ignored.
func (s *Service) Start(msgChan <-chan protocol.Message) {
	go func() {
		for msg := range msgChan {
			if msg.Type != protocol.TypeSOS {
				continue
			}
			s.forward(msg)
		}
	}()
}

func (s *Service) forward(msg protocol.Message) {
	locationStr := "Unknown"
	if coords, ok := protocol.DecodeSOSPayload(msg); ok && (coords.Lat != 0 || coords.Lng != 0) {
		locationStr = fmt.Sprintf("%.4f, %.4f\n[Open in Maps](https://maps.google.com/?q=%f,%f)",
			coords.Lat, coords.Lng, coords.Lat, coords.Lng)
	}

	discordMsg := fmt.Sprintf("📡 **[SOS MESH]**\n**Sender:** %s\n**Floor:** %d\n**Location:** %s",
		shortID(msg.SenderID), msg.Floor, locationStr)

	payload := map[string]string{
		"content": discordMsg,
	}

	jsonPayload, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Failed to marshal uplink payload", "error", err)
		return
	}

	resp, err := s.client.Post(s.WebhookURL, "application/json", bytes.NewBuffer(jsonPayload))
	if err != nil {
		slog.Error("Failed to send uplink request", "error", err)
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		slog.Info("SOS relayed to uplink", "id", msg.MsgID)
	} else {
		slog.Error("Uplink returned non-200 status", "status", resp.Status)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
