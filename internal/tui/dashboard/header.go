package dashboard

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/acp-bridge/acp-bridge/internal/tui"
)

type headerModel struct {
	addr      string
	connected bool
	count     int
}

func newHeader(addr string) headerModel {
	return headerModel{addr: addr}
}

func (h *headerModel) update(connected bool, count int) {
	h.connected = connected
	h.count = count
}

func (h headerModel) View(width int) string {
	left := tui.Title.Render("acp-bridgectl")

	dot := tui.StatusDot(h.connected)
	statusLabel := tui.StatusText(h.connected)
	right := fmt.Sprintf("%s  %s %s", h.addr, dot, statusLabel)

	details := fmt.Sprintf("  Sessions: %d", h.count)

	headerStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(tui.ColorPrimary).
		Width(width - 2).
		Padding(0, 1)

	firstRow := lipgloss.JoinHorizontal(lipgloss.Top,
		left,
		lipgloss.NewStyle().Width(width-lipgloss.Width(left)-lipgloss.Width(right)-6).Render(""),
		right,
	)

	return headerStyle.Render(firstRow + "\n" + tui.Description.Render(details))
}
