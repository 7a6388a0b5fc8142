package watch

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/hawkeye-speaks/DRIS1/internal/session"
)

// StageCell renders one stage as a short colored badge.
func StageCell(s *StageRun) string {
	var glyph string
	var color lipgloss.Color
	switch s.Status {
	case StageDone:
		glyph, color = "✓", ColorDone
	case StageRunning:
		glyph, color = "●", ColorRunning
	default:
		glyph, color = "·", ColorPending
	}
	return lipgloss.NewStyle().Foreground(color).Render(s.Name + " " + glyph)
}

// RenderPaths draws one row per path with its stage badges and tokens.
func RenderPaths(p *Progress) string {
	paths := p.Paths()
	if len(paths) == 0 {
		return StyleDimmed.Render("  waiting for the first stage...")
	}
	rows := make([]string, 0, len(paths))
	for _, pr := range paths {
		name := lipgloss.NewStyle().Foreground(PathColor(pr.Name)).Bold(true).Width(8).Render("Path " + pr.Name)
		cells := make([]string, len(pr.Stages))
		for i, s := range pr.Stages {
			cells[i] = StageCell(s)
		}
		tokens := StyleDimmed.Render(fmt.Sprintf("%s tokens", formatTokens(pr.Tokens())))
		rows = append(rows, name+"  "+strings.Join(cells, "  ")+"  "+tokens)
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

// Summary is the one-line totals footer.
func Summary(p *Progress) string {
	done, total := p.Completed()
	parts := []string{
		fmt.Sprintf("%d/%d stages", done, total),
		fmt.Sprintf("%s tokens", formatTokens(p.Tokens())),
	}
	if p.Foundation != nil {
		parts = append(parts, fmt.Sprintf("foundation pA%d", *p.Foundation))
	}
	if p.Metadata != nil && p.Metadata.ProcessingTime != nil {
		parts = append(parts, fmt.Sprintf("%.1fs", *p.Metadata.ProcessingTime/1000))
	}
	return strings.Join(parts, " · ")
}

// RenderSynthesis renders markdown for the terminal. An empty style picks
// one from the terminal background.
func RenderSynthesis(md string, width int, style string) (string, error) {
	if width <= 0 {
		width = 80
	}
	opts := []glamour.TermRendererOption{glamour.WithWordWrap(width)}
	if style == "" {
		opts = append(opts, glamour.WithAutoStyle())
	} else {
		opts = append(opts, glamour.WithStandardStyle(style))
	}
	r, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		return "", err
	}
	return r.Render(md)
}

// LinePrinter writes one styled line per event, for pipes and CI logs.
type LinePrinter struct {
	W     io.Writer
	Width int
	// Style is passed to RenderSynthesis.
	Style string
}

func (lp *LinePrinter) Print(ev session.Event) error {
	var line string
	switch ev.Type {
	case session.EventConnected:
		line = StyleDimmed.Render("connected to " + ev.SessionID)
	case session.EventFoundationInfo:
		if ev.Foundation != nil {
			line = StyleHeader.Render(fmt.Sprintf("foundation pA%d", *ev.Foundation))
		}
	case session.EventStageStart:
		line = lipgloss.NewStyle().Foreground(PathColor(ev.Path)).Render(fmt.Sprintf("▸ Path %s %s", ev.Path, ev.Stage))
	case session.EventStageComplete:
		line = StyleSuccess.Render(fmt.Sprintf("✓ Path %s %s", ev.Path, ev.Stage)) +
			StyleDimmed.Render(fmt.Sprintf("  %s tokens in %dms", formatTokens(ev.Tokens), ev.Latency))
	case session.EventError:
		line = StyleError.Render("✗ " + ev.Message)
	case session.EventSynthesisComplete:
		out, err := RenderSynthesis(ev.Synthesis, lp.Width, lp.Style)
		if err != nil {
			out = ev.Synthesis + "\n"
		}
		_, err = io.WriteString(lp.W, out)
		return err
	}
	if line == "" {
		return nil
	}
	_, err := fmt.Fprintln(lp.W, line)
	return err
}

func formatTokens(n int) string {
	if n >= 10000 {
		return fmt.Sprintf("%dK", n/1000)
	}
	return fmt.Sprintf("%d", n)
}
