package dashboard

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/acp-bridge/acp-bridge/internal/tui"
)

const maxLogLines = 1000

type logsModel struct {
	viewport   viewport.Model
	lines      []string
	autoScroll bool
	width      int
	height     int
}

func newLogs() logsModel {
	vp := viewport.New(80, 10)
	return logsModel{
		viewport:   vp,
		autoScroll: true,
	}
}

func (l *logsModel) SetSize(width, height int) {
	l.width = width
	l.height = height
	l.viewport.Width = width
	l.viewport.Height = height
}

// addEvent appends one formatted line for a session update or status
// change notification.
func (l *logsModel) addEvent(msg EventMsg) {
	line := l.formatEvent(msg)
	l.lines = append(l.lines, line)

	if len(l.lines) > maxLogLines {
		l.lines = l.lines[len(l.lines)-maxLogLines:]
	}

	l.viewport.SetContent(strings.Join(l.lines, "\n"))
	if l.autoScroll {
		l.viewport.GotoBottom()
	}
}

func (l logsModel) formatEvent(msg EventMsg) string {
	ts := time.Now().Format("15:04:05")

	var payload map[string]any
	detail := string(msg.Data)
	if err := json.Unmarshal(msg.Data, &payload); err == nil {
		var parts []string
		for k, v := range payload {
			parts = append(parts, fmt.Sprintf("%s=%v", k, v))
		}
		detail = strings.Join(parts, " ")
	}

	sessLabel := msg.SessionID
	if len(sessLabel) > 8 {
		sessLabel = sessLabel[:8]
	}

	return fmt.Sprintf("  %s %s  %s  %s",
		ts,
		tui.Subtitle.Render(fmt.Sprintf("%-8s", sessLabel)),
		tui.Dimmed.Render(fmt.Sprintf("%-20s", msg.Method)),
		detail,
	)
}

func (l logsModel) Update(msg tea.Msg) (logsModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "G":
			l.autoScroll = true
			l.viewport.GotoBottom()
			return l, nil
		case "g":
			l.autoScroll = false
			l.viewport.GotoTop()
			return l, nil
		case "j", "down":
			l.autoScroll = false
		case "k", "up":
			l.autoScroll = false
		}
	}

	var cmd tea.Cmd
	l.viewport, cmd = l.viewport.Update(msg)
	return l, cmd
}

func (l logsModel) View() string {
	return l.viewport.View()
}
