package watch

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines the keyboard bindings for the watch view.
type KeyMap struct {
	Quit      key.Binding
	Synthesis key.Binding
	Up        key.Binding
	Down      key.Binding
}

func DefaultKeyMap() KeyMap {
	return KeyMap{
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
		Synthesis: key.NewBinding(
			key.WithKeys("s", "tab"),
			key.WithHelp("s", "toggle synthesis"),
		),
		Up: key.NewBinding(
			key.WithKeys("k", "up"),
			key.WithHelp("k/↑", "scroll up"),
		),
		Down: key.NewBinding(
			key.WithKeys("j", "down"),
			key.WithHelp("j/↓", "scroll down"),
		),
	}
}
