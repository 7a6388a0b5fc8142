package watch

import (
	"math"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/harmonica"
)

const counterFPS = 30

// frameMsg advances the token counter animation by one frame.
type frameMsg struct{}

func frame() tea.Cmd {
	return tea.Tick(time.Second/counterFPS, func(time.Time) tea.Msg { return frameMsg{} })
}

// counter eases the displayed token total toward the real one on a
// critically damped spring.
type counter struct {
	spring    harmonica.Spring
	pos, vel  float64
	target    float64
	animating bool
}

func newCounter() counter {
	return counter{spring: harmonica.NewSpring(harmonica.FPS(counterFPS), 6.0, 1.0)}
}

// set retargets the counter and returns a frame command if it was idle.
func (c *counter) set(n int) tea.Cmd {
	c.target = float64(n)
	if c.animating || c.pos == c.target {
		return nil
	}
	c.animating = true
	return frame()
}

// step advances one frame and returns the next frame command, or nil once
// the counter has settled.
func (c *counter) step() tea.Cmd {
	c.pos, c.vel = c.spring.Update(c.pos, c.vel, c.target)
	if math.Abs(c.target-c.pos) < 0.5 && math.Abs(c.vel) < 0.5 {
		c.pos, c.vel = c.target, 0
		c.animating = false
		return nil
	}
	return frame()
}

// settle jumps to the target, e.g. when the run has finished.
func (c *counter) settle() {
	c.pos, c.vel = c.target, 0
	c.animating = false
}

func (c counter) value() int { return int(math.Round(c.pos)) }
