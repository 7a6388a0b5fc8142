// Package watch renders a session's live progress in the terminal, either as
// a Bubble Tea program or as plain lines.
package watch

import "github.com/charmbracelet/lipgloss"

// Stage colors.
var (
	ColorPending = lipgloss.Color("#4b5563")
	ColorRunning = lipgloss.Color("#2563eb")
	ColorDone    = lipgloss.Color("#16a34a")
	ColorFailed  = lipgloss.Color("#dc2626")
)

// Path colors, cycled by path number.
var pathColors = []lipgloss.Color{
	lipgloss.Color("#a855f7"),
	lipgloss.Color("#06b6d4"),
	lipgloss.Color("#f59e0b"),
	lipgloss.Color("#22c55e"),
	lipgloss.Color("#3b82f6"),
}

// UI chrome colors.
var (
	ColorBorder = lipgloss.Color("#4b5563")
	ColorDimmed = lipgloss.Color("#6b7280")
	ColorBright = lipgloss.Color("#f9fafb")
)

// PathColor returns the color for a path number such as "2".
func PathColor(path string) lipgloss.Color {
	n := 0
	for _, r := range path {
		if r < '0' || r > '9' {
			break
		}
		n = n*10 + int(r-'0')
	}
	if n <= 0 {
		return ColorDimmed
	}
	return pathColors[(n-1)%len(pathColors)]
}

// Reusable styles.
var (
	StyleBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder).
			Padding(0, 1)

	StyleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
			Foreground(ColorDimmed)

	StyleError = lipgloss.NewStyle().
			Foreground(ColorFailed)

	StyleSuccess = lipgloss.NewStyle().
			Foreground(ColorDone)
)
