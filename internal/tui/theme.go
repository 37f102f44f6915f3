// Package tui provides shared theme and styles for the acp-bridgectl
// inspector. Grounded on runtime/internal/tui/theme.go's palette and style
// set, trimmed for the inspector dashboard (no wizard-only styles like
// CodeBox).
package tui

import "github.com/charmbracelet/lipgloss"

var (
	ColorPrimary = lipgloss.Color("#7C3AED")
	ColorAccent  = lipgloss.Color("#F59E0B")

	ColorSuccess = lipgloss.Color("#10B981")
	ColorWarning = lipgloss.Color("#F59E0B")
	ColorError   = lipgloss.Color("#EF4444")
	ColorMuted   = lipgloss.Color("#6B7280")
	ColorText    = lipgloss.Color("#E5E7EB")
	ColorSubtle  = lipgloss.Color("#9CA3AF")
)

var (
	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorPrimary).
		MarginBottom(1)

	Subtitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary)

	Description = lipgloss.NewStyle().
			Foreground(ColorSubtle)

	Selected = lipgloss.NewStyle().
			Foreground(ColorPrimary).
			Bold(true)

	Dimmed = lipgloss.NewStyle().
		Foreground(ColorMuted)

	Success = lipgloss.NewStyle().
		Foreground(ColorSuccess)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(ColorError)

	WarningStyle = lipgloss.NewStyle().
			Foreground(ColorWarning)

	Help = lipgloss.NewStyle().
		Foreground(ColorMuted)

	ActiveDot = lipgloss.NewStyle().
			Foreground(ColorSuccess).
			Render("●")

	InactiveDot = lipgloss.NewStyle().
			Foreground(ColorError).
			Render("●")
)

// StatusDot returns a colored dot for the bridge connection state.
func StatusDot(connected bool) string {
	if connected {
		return ActiveDot
	}
	return InactiveDot
}

// StatusText returns a colored status label for the bridge connection state.
func StatusText(connected bool) string {
	if connected {
		return Success.Render("connected")
	}
	return ErrorStyle.Render("disconnected")
}

// SessionStatusStyle returns a style for a session status string (§3).
func SessionStatusStyle(status string) lipgloss.Style {
	switch status {
	case "running":
		return lipgloss.NewStyle().Foreground(ColorSuccess)
	case "waiting":
		return lipgloss.NewStyle().Foreground(ColorAccent)
	case "initializing":
		return lipgloss.NewStyle().Foreground(ColorMuted)
	case "error":
		return lipgloss.NewStyle().Foreground(ColorError)
	default:
		return lipgloss.NewStyle().Foreground(ColorText)
	}
}
