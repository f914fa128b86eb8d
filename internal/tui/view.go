package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/bit2swaz/sosmesh/internal/protocol"
)

const sidebarWidth = 26

// flashWindow bounds how old an SOS timestamp can be and still trigger the
// strobe. Multi-hop delivery adds a few hundred ms per hop, so this is much
// looser than the strobe period itself.
const flashWindow = 30 * time.Second

var (
	colorGreen = lipgloss.Color("2")
	colorGray  = lipgloss.Color("240")
	colorRed   = lipgloss.Color("196")
	colorWhite = lipgloss.Color("231")

	activePeerStyle = lipgloss.NewStyle().
			Foreground(colorGreen).
			Bold(true)

	inactivePeerStyle = lipgloss.NewStyle().
				Foreground(colorGray)

	logoStyle = lipgloss.NewStyle().
			Foreground(colorGreen).
			Bold(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(colorGray)

	statusBarStyle = lipgloss.NewStyle().
			Foreground(colorGray).
			Padding(0, 1)

	// alertStyle marks SOS lines in the feed.
	alertStyle = lipgloss.NewStyle().
			Background(colorRed).
			Foreground(colorWhite).
			Bold(true)

	deliveredStyle = lipgloss.NewStyle().
			Foreground(colorGreen)

	sidebarStyle = lipgloss.NewStyle().
			Width(sidebarWidth).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorGray).
			Padding(0, 1)

	streamStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorGray)

	// flashStyle replaces the stream border while an SOS strobe is active.
	flashStyle = lipgloss.NewStyle().
			Border(lipgloss.ThickBorder()).
			BorderForeground(colorRed)
)

func (m model) View() string {
	if !m.ready {
		return "\n  starting mesh console..."
	}

	frame := streamStyle
	if m.flashTick > 0 && m.flashTick%2 == 0 {
		frame = flashStyle
	}
	stream := frame.Render(m.viewport.View())

	body := lipgloss.JoinHorizontal(lipgloss.Top, m.renderSidebar(), stream)

	return lipgloss.JoinVertical(
		lipgloss.Left,
		body,
		statusBarStyle.Render(m.status),
		m.textInput.View(),
	)
}

func (m model) renderSidebar() string {
	peers := inactivePeerStyle.Render(fmt.Sprintf("PEERS  %d", m.peerCount))
	if m.peerCount > 0 {
		peers = activePeerStyle.Render(fmt.Sprintf("PEERS  %d", m.peerCount))
	}

	var b strings.Builder
	b.WriteString(logoStyle.Render("SOSMESH"))
	b.WriteString("\n\n")
	b.WriteString(fmt.Sprintf("ID     %s", shorten(m.eng.SenderID())))
	b.WriteString("\n")
	if m.nick != "" {
		b.WriteString(fmt.Sprintf("NICK   %s", m.nick))
		b.WriteString("\n")
	}
	b.WriteString(peers)
	if m.joinURL != "" {
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("CONSOLE"))
		b.WriteString("\n")
		b.WriteString(m.joinURL)
	}
	b.WriteString("\n\n")
	b.WriteString(helpStyle.Render("/sos lat lng floor\nenter sends, esc quits"))

	height := m.viewport.Height
	if height < 1 {
		height = 1
	}
	return sidebarStyle.Height(height).Render(b.String())
}

// renderLine formats one feed entry. SOS lines carry the decoded position so
// a responder can read it without the web console.
func renderLine(msg protocol.Message, localID string) string {
	ts := time.UnixMilli(msg.Timestamp).Format("15:04:05")
	sender := shorten(msg.SenderID)
	if msg.SenderID == localID {
		sender = "you"
	}

	if msg.Type == protocol.TypeSOS {
		loc := "no fix"
		if p, ok := protocol.DecodeSOSPayload(msg); ok && (p.Lat != 0 || p.Lng != 0) {
			loc = fmt.Sprintf("%.4f, %.4f", p.Lat, p.Lng)
		}
		return alertStyle.Render(fmt.Sprintf(" [%s] SOS %s floor %d @ %s ", ts, sender, msg.Floor, loc))
	}

	return fmt.Sprintf("[%s] %s: %s", ts, sender, msg.Payload)
}

func ackLine(msgID string) string {
	return deliveredStyle.Render(fmt.Sprintf("[%s] delivered %s ✓", time.Now().Format("15:04:05"), shorten(msgID)))
}

// ShouldFlash reports whether an SOS timestamp is fresh enough to strobe the
// feed border. Old records replayed from the ledger still land in the feed,
// just without the strobe.
func ShouldFlash(msgTime time.Time) bool {
	return time.Since(msgTime) < flashWindow
}
