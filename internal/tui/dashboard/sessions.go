package dashboard

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/acp-bridge/acp-bridge/internal/protocol"
	"github.com/acp-bridge/acp-bridge/internal/tui"
)

type sessionsModel struct {
	items  []protocol.SessionSummary
	cursor int
}

func newSessions() sessionsModel {
	return sessionsModel{}
}

func (s *sessionsModel) update(items []protocol.SessionSummary) {
	s.items = items
	if s.cursor >= len(s.items) {
		s.cursor = max(0, len(s.items)-1)
	}
}

func (s sessionsModel) selected() (protocol.SessionSummary, bool) {
	if s.cursor < 0 || s.cursor >= len(s.items) {
		return protocol.SessionSummary{}, false
	}
	return s.items[s.cursor], true
}

func (s sessionsModel) Update(msg tea.Msg) (sessionsModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "j", "down":
			if s.cursor < len(s.items)-1 {
				s.cursor++
			}
		case "k", "up":
			if s.cursor > 0 {
				s.cursor--
			}
		case "G":
			s.cursor = max(0, len(s.items)-1)
		case "g":
			s.cursor = 0
		}
	}
	return s, nil
}

func (s sessionsModel) View() string {
	if len(s.items) == 0 {
		return tui.Dimmed.Render("  No sessions")
	}

	headerStyle := lipgloss.NewStyle().Foreground(tui.ColorSubtle).Bold(true)
	header := fmt.Sprintf("  %-10s %-14s %-12s %-20s %s",
		headerStyle.Render("ID"),
		headerStyle.Render("AGENT"),
		headerStyle.Render("STATUS"),
		headerStyle.Render("TITLE"),
		headerStyle.Render("AGE"),
	)

	rows := header + "\n"
	for i, sess := range s.items {
		cursor := "  "
		style := lipgloss.NewStyle()
		if i == s.cursor {
			cursor = tui.Selected.Render("> ")
			style = style.Bold(true)
		}

		statusStyle := tui.SessionStatusStyle(sess.Status)
		age := formatAge(sess.CreatedAt)

		shortID := sess.SessionID
		if len(shortID) > 8 {
			shortID = shortID[:8]
		}

		agentType := sess.AgentType
		if len(agentType) > 12 {
			agentType = agentType[:12]
		}

		title := sess.Title
		if len(title) > 18 {
			title = title[:18]
		}

		row := fmt.Sprintf("%-10s %-14s %-12s %-20s %s",
			style.Render(shortID),
			style.Render(agentType),
			statusStyle.Render(sess.Status),
			style.Render(title),
			style.Render(age),
		)
		rows += cursor + row + "\n"
	}

	return rows
}

func (s sessionsModel) height() int {
	return min(len(s.items)+2, 12)
}

// formatAge parses the RFC3339 createdAt string a SessionSummary carries
// and renders it the way the teacher's dashboard renders session age.
func formatAge(createdAt string) string {
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil || t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
