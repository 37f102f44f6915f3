package dashboard

import (
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/acp-bridge/acp-bridge/internal/protocol"
	"github.com/acp-bridge/acp-bridge/internal/tui"
)

// Panel identifies which dashboard panel is focused.
type Panel int

const (
	PanelSessions Panel = iota
	PanelEvents
)

// Model is the root inspector dashboard model.
type Model struct {
	header   headerModel
	sessions sessionsModel
	events   logsModel
	help     helpModel

	activePanel Panel
	width       int
	height      int
	quitting    bool
}

// NewModel creates a dashboard model for the given bridge address.
func NewModel(addr string) Model {
	return Model{
		header:   newHeader(addr),
		sessions: newSessions(),
		events:   newLogs(),
		help:     newHelp(),
	}
}

// ConnectionMsg reports whether the WebSocket connection to the bridge is
// currently up.
type ConnectionMsg struct {
	Connected bool
}

// SessionsMsg carries a fresh session/list snapshot.
type SessionsMsg struct {
	Sessions []protocol.SessionSummary
}

// EventMsg wraps one notification received from the bridge.
type EventMsg struct {
	SessionID string
	Method    string
	Data      []byte
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.events.SetSize(msg.Width-4, m.eventsHeight())
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, key.NewBinding(key.WithKeys("ctrl+c", "q"))):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, key.NewBinding(key.WithKeys("tab"))):
			if m.activePanel == PanelSessions {
				m.activePanel = PanelEvents
			} else {
				m.activePanel = PanelSessions
			}
			return m, nil
		case key.Matches(msg, key.NewBinding(key.WithKeys("?"))):
			m.help.toggle()
			return m, nil
		}

	case ConnectionMsg:
		m.header.update(msg.Connected, len(m.sessions.items))
		return m, nil

	case SessionsMsg:
		m.sessions.update(msg.Sessions)
		m.header.update(m.header.connected, len(msg.Sessions))
		return m, nil

	case EventMsg:
		m.events.addEvent(msg)
		return m, nil
	}

	var cmd tea.Cmd
	switch m.activePanel {
	case PanelSessions:
		m.sessions, cmd = m.sessions.Update(msg)
	case PanelEvents:
		m.events, cmd = m.events.Update(msg)
	}
	return m, cmd
}

func (m Model) View() string {
	if m.help.visible {
		return m.help.View()
	}

	headerView := m.header.View(m.width)

	sessStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(tui.ColorMuted).
		Width(m.width - 2)

	eventsStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(tui.ColorMuted).
		Width(m.width - 2)

	if m.activePanel == PanelSessions {
		sessStyle = sessStyle.BorderForeground(tui.ColorPrimary)
	} else {
		eventsStyle = eventsStyle.BorderForeground(tui.ColorPrimary)
	}

	sessView := sessStyle.Render(
		tui.Subtitle.Render(" Sessions") + "\n" + m.sessions.View(),
	)
	eventsView := eventsStyle.Render(
		tui.Subtitle.Render(" Events") + "\n" + m.events.View(),
	)

	helpBar := m.help.bar()

	return lipgloss.JoinVertical(lipgloss.Left,
		headerView,
		sessView,
		eventsView,
		helpBar,
	)
}

// Quitting returns true if the user quit.
func (m Model) Quitting() bool { return m.quitting }

func (m Model) eventsHeight() int {
	used := 6 + m.sessions.height() + 4
	h := m.height - used
	if h < 5 {
		h = 5
	}
	return h
}
