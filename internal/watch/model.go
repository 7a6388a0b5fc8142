package watch

import (
	"context"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/hawkeye-speaks/DRIS1/internal/session"
)

// EventMsg delivers one relay event to the program.
type EventMsg struct{ Event session.Event }

// StreamEndedMsg is sent when the subscription returns.
type StreamEndedMsg struct{ Err error }

// Model is the Bubble Tea model for watching one session.
type Model struct {
	events <-chan session.Event
	ended  <-chan error

	keys     KeyMap
	help     help.Model
	spinner  spinner.Model
	progress *Progress
	tokens   counter

	width  int
	height int

	showSynthesis bool
	rendered      string
	offset        int
	// style is the glamour style; empty detects it from the terminal.
	style string

	streamErr error
	streamEnd bool
}

// NewModel builds a model fed by events; ended yields the subscription's
// result once events is closed.
func NewModel(sessionID string, events <-chan session.Event, ended <-chan error) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(ColorRunning)
	return Model{
		events:   events,
		ended:    ended,
		keys:     DefaultKeyMap(),
		help:     help.New(),
		spinner:  sp,
		progress: NewProgress(sessionID),
		tokens:   newCounter(),
	}
}

// WithStyle fixes the markdown style instead of detecting it.
func (m Model) WithStyle(style string) Model {
	m.style = style
	return m
}

// Progress exposes the folded session state, e.g. for printing after exit.
func (m Model) Progress() *Progress { return m.progress }

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.next())
}

// next waits for the following event or the end of the stream.
func (m Model) next() tea.Cmd {
	events, ended := m.events, m.ended
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return StreamEndedMsg{Err: <-ended}
		}
		return EventMsg{Event: ev}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.rendered = m.renderSynthesis()
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Synthesis):
			if m.progress.Synthesis != "" {
				m.showSynthesis = !m.showSynthesis
				m.offset = 0
			}
		case key.Matches(msg, m.keys.Up):
			if m.offset > 0 {
				m.offset--
			}
		case key.Matches(msg, m.keys.Down):
			m.offset++
		}
		return m, nil

	case spinner.TickMsg:
		if m.progress.Done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case frameMsg:
		return m, m.tokens.step()

	case EventMsg:
		m.progress.Apply(msg.Event)
		anim := m.tokens.set(m.progress.Tokens())
		if msg.Event.IsTerminal() {
			m.tokens.settle()
			anim = nil
		}
		if msg.Event.Type == session.EventSynthesisComplete && m.progress.Synthesis != "" {
			m.showSynthesis = true
			m.rendered = m.renderSynthesis()
		}
		return m, tea.Batch(m.next(), anim)

	case StreamEndedMsg:
		m.streamEnd = true
		m.streamErr = msg.Err
		return m, nil
	}
	return m, nil
}

func (m Model) View() string {
	sections := []string{m.header(), RenderPaths(m.progress), StyleDimmed.Render(Summary(m.progress))}
	if m.progress.Err != "" {
		sections = append(sections, StyleError.Render("✗ "+m.progress.Err))
	} else if m.streamEnd && m.streamErr != nil && !m.progress.Done {
		sections = append(sections, StyleError.Render("connection lost: "+m.streamErr.Error()))
	}
	if m.showSynthesis {
		sections = append(sections, m.synthesisView())
	}
	bindings := []key.Binding{m.keys.Quit}
	if m.progress.Synthesis != "" {
		bindings = append(bindings, m.keys.Synthesis, m.keys.Up, m.keys.Down)
	}
	sections = append(sections, m.help.ShortHelpView(bindings))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) header() string {
	title := StyleHeader.Render("HM6 " + m.progress.SessionID)
	var status string
	switch {
	case m.progress.Failed():
		status = StyleError.Render("✗ failed")
	case m.progress.Done:
		status = StyleSuccess.Render("✓ complete")
	case !m.progress.Connected:
		status = StyleDimmed.Render("connecting...")
	default:
		status = m.spinner.View() + " running"
	}
	line := title + "  " + status
	if n := m.tokens.value(); n > 0 {
		line += StyleDimmed.Render("  " + formatTokens(n) + " tokens")
	}
	return line
}

func (m Model) renderSynthesis() string {
	if m.progress.Synthesis == "" {
		return ""
	}
	out, err := RenderSynthesis(m.progress.Synthesis, m.width-4, m.style)
	if err != nil {
		out = m.progress.Synthesis
	}
	return strings.TrimRight(out, "\n")
}

func (m Model) synthesisView() string {
	lines := strings.Split(m.rendered, "\n")
	visible := m.height - 8
	if visible < 5 {
		visible = len(lines)
	}
	start := min(m.offset, len(lines)-1)
	end := min(start+visible, len(lines))
	return StyleBorder.Render(strings.Join(lines[start:end], "\n"))
}

// StreamFunc subscribes to a session and calls fn per event until it ends.
type StreamFunc func(ctx context.Context, fn func(session.Event)) error

// Run subscribes with stream and drives a Bubble Tea program until the user
// quits. It returns the final progress. style is the glamour style for the
// synthesis; empty detects it.
func Run(ctx context.Context, sessionID, style string, stream StreamFunc, opts ...tea.ProgramOption) (*Progress, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan session.Event, 64)
	ended := make(chan error, 1)
	go func() {
		err := stream(ctx, func(ev session.Event) {
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		})
		close(events)
		ended <- err
	}()

	final, err := tea.NewProgram(NewModel(sessionID, events, ended).WithStyle(style), opts...).Run()
	if err != nil {
		return nil, err
	}
	return final.(Model).Progress(), nil
}
