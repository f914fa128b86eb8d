package tui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/bit2swaz/sosmesh/internal/engine"
	"github.com/bit2swaz/sosmesh/internal/protocol"
	"github.com/bit2swaz/sosmesh/internal/store"
)

type tickMsg time.Time

// eventMsg wraps an engine notification for the update loop.
type eventMsg engine.Notification

type model struct {
	eng    engine.Relay
	events chan engine.Notification

	viewport  viewport.Model
	textInput textinput.Model

	lines     []string
	peerCount int
	flashTick int
	status    string
	joinURL   string
	nick      string
	width     int
	height    int
	ready     bool
}

func initialModel(eng engine.Relay, ledger store.Ledger, joinURL, nick string) model {
	ti := textinput.New()
	ti.Placeholder = "status update, or /sos lat lng floor"
	ti.Focus()
	ti.CharLimit = 256
	ti.Width = 40

	events := make(chan engine.Notification, 32)
	bridge := func(n engine.Notification) {
		// Drop rather than block: the engine dispatches synchronously.
		select {
		case events <- n:
		default:
		}
	}
	for _, kind := range []engine.EventKind{
		engine.EventPeerChange,
		engine.EventMessage,
		engine.EventSOSReceived,
		engine.EventAck,
	} {
		eng.Subscribe(kind, bridge)
	}

	m := model{
		eng:       eng,
		events:    events,
		textInput: ti,
		joinURL:   joinURL,
		nick:      nick,
		status:    "mesh idle, waiting for peers",
	}
	m.lines = backlog(ledger, eng.SenderID())
	return m
}

// backlog seeds the feed with whatever the ledger already holds, oldest
// first.
func backlog(ledger store.Ledger, localID string) []string {
	recs, err := ledger.Recent(50)
	if err != nil {
		return nil
	}
	var lines []string
	for i := len(recs) - 1; i >= 0; i-- {
		msg, ok := protocol.FromJSON([]byte(recs[i].Raw))
		if !ok {
			continue
		}
		lines = append(lines, renderLine(msg, localID))
	}
	return lines
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, tick(), waitForEvent(m.events))
}

func tick() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func waitForEvent(ch <-chan engine.Notification) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		tiCmd tea.Cmd
		vpCmd tea.Cmd
	)

	switch msg := msg.(type) {
	case tickMsg:
		if m.flashTick > 0 {
			m.flashTick--
		}
		return m, tick()

	case eventMsg:
		m.applyEvent(engine.Notification(msg))
		m.viewport.SetContent(strings.Join(m.lines, "\n"))
		m.viewport.GotoBottom()
		return m, waitForEvent(m.events)

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			if m.textInput.Value() != "" {
				m.status = m.submit(m.textInput.Value())
				m.textInput.Reset()
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		vpWidth := msg.Width - sidebarWidth - 4
		vpHeight := msg.Height - 3 // input and status rows
		if !m.ready {
			m.viewport = viewport.New(vpWidth, vpHeight)
			m.viewport.SetContent(strings.Join(m.lines, "\n"))
			m.ready = true
		} else {
			m.viewport.Width = vpWidth
			m.viewport.Height = vpHeight
		}
	}

	m.textInput, tiCmd = m.textInput.Update(msg)
	m.viewport, vpCmd = m.viewport.Update(msg)

	return m, tea.Batch(tiCmd, vpCmd)
}

// applyEvent folds one engine notification into the model.
func (m *model) applyEvent(n engine.Notification) {
	switch n.Kind {
	case engine.EventPeerChange:
		m.peerCount = n.Count
		m.status = fmt.Sprintf("mesh: %d peer(s) reachable", n.Count)
	case engine.EventMessage:
		if n.Msg != nil {
			m.lines = append(m.lines, renderLine(*n.Msg, m.eng.SenderID()))
		}
	case engine.EventSOSReceived:
		if n.Msg != nil && n.Msg.SenderID != m.eng.SenderID() {
			if ShouldFlash(time.UnixMilli(n.Msg.Timestamp)) {
				m.flashTick = 6
			}
			m.status = "SOS received, acknowledgment sent"
		}
	case engine.EventAck:
		m.lines = append(m.lines, ackLine(n.MsgID))
	}
}

// submit routes input: /sos floods an alert, anything else goes out as a
// status update.
func (m *model) submit(input string) string {
	if strings.HasPrefix(input, "/sos") {
		lat, lng, floor, ok := parseSOSCommand(input)
		if !ok {
			return "usage: /sos [lat lng [floor]]"
		}
		id, err := m.eng.SendSOS(lat, lng, floor)
		if err != nil {
			return fmt.Sprintf("sos failed: %v", err)
		}
		return fmt.Sprintf("SOS %s flooding", shorten(id))
	}

	// The wire format has no nick field, so the nick rides in the payload
	// where every console can read it.
	body := input
	if m.nick != "" {
		body = m.nick + ": " + input
	}
	id, err := m.eng.SendCustom(protocol.TypeARUpdate, body, 0, 0)
	if err != nil {
		return fmt.Sprintf("send failed: %v", err)
	}
	return fmt.Sprintf("update %s sent", shorten(id))
}

// parseSOSCommand reads "/sos", "/sos lat lng" or "/sos lat lng floor".
// Coordinates default to zero so a device without a fix can still alert.
func parseSOSCommand(input string) (lat, lng float64, floor int, ok bool) {
	fields := strings.Fields(input)
	if len(fields) == 0 || fields[0] != "/sos" {
		return 0, 0, 0, false
	}
	if len(fields) == 2 {
		// A latitude without a longitude is a typo, not a position.
		return 0, 0, 0, false
	}
	if len(fields) >= 3 {
		var err1, err2 error
		lat, err1 = strconv.ParseFloat(fields[1], 64)
		lng, err2 = strconv.ParseFloat(fields[2], 64)
		if err1 != nil || err2 != nil {
			return 0, 0, 0, false
		}
	}
	if len(fields) >= 4 {
		f, err := strconv.Atoi(fields[3])
		if err != nil {
			return 0, 0, 0, false
		}
		floor = f
	}
	return lat, lng, floor, true
}

func shorten(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Start runs the terminal UI until the user quits.
func Start(eng engine.Relay, ledger store.Ledger, joinURL, nick string) error {
	p := tea.NewProgram(initialModel(eng, ledger, joinURL, nick), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return err
	}
	return nil
}
