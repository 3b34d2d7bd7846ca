package status

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/mailcache/internal/theme"
)

// frame lays out a one-line header, a body and a one-line footer in a
// terminal of the given size.
type frame struct {
	width, height int
}

func (f frame) bodyHeight() int {
	return max(f.height-2, 0)
}

// bar renders left and right aligned text across the full width in style.
func (f frame) bar(style lipgloss.Style, left, right string) string {
	l := style.Render(left)
	r := ""
	if right != "" {
		r = style.Render(right)
	}
	gap := max(f.width-lipgloss.Width(l)-lipgloss.Width(r), 0)
	fill := lipgloss.NewStyle().Width(gap).Background(style.GetBackground()).Render("")
	return lipgloss.JoinHorizontal(lipgloss.Top, l, fill, r)
}

func (f frame) render(title, summary, body, hints string) string {
	return lipgloss.JoinVertical(lipgloss.Left,
		f.bar(theme.HeaderStyle, title, summary),
		lipgloss.NewStyle().Height(f.bodyHeight()).Render(body),
		f.bar(theme.FooterStyle, hints, ""),
	)
}
