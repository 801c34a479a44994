package app

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines all keyboard bindings for the TUI.
type KeyMap struct {
	Up       key.Binding
	Down     key.Binding
	Left     key.Binding
	Right    key.Binding
	Tab      key.Binding
	Ready    key.Binding
	Cooldown key.Binding
	Level    key.Binding
	Debug    key.Binding
	Help     key.Binding
	Escape   key.Binding
	Quit     key.Binding
}

// DefaultKeyMap returns the default key bindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Up: key.NewBinding(
			key.WithKeys("k", "up"),
			key.WithHelp("k/↑", "previous row"),
		),
		Down: key.NewBinding(
			key.WithKeys("j", "down"),
			key.WithHelp("j/↓", "next row"),
		),
		Left: key.NewBinding(
			key.WithKeys("h", "left", "["),
			key.WithHelp("h/←", "previous scene"),
		),
		Right: key.NewBinding(
			key.WithKeys("l", "right", "]"),
			key.WithHelp("l/→", "next scene"),
		),
		Tab: key.NewBinding(
			key.WithKeys("tab"),
			key.WithHelp("tab", "cycle pane"),
		),
		Ready: key.NewBinding(
			key.WithKeys("y"),
			key.WithHelp("y", "toggle ready"),
		),
		Cooldown: key.NewBinding(
			key.WithKeys("c"),
			key.WithHelp("c", "cool down selected button"),
		),
		Level: key.NewBinding(
			key.WithKeys("v"),
			key.WithHelp("v", "cycle log level (log view)"),
		),
		Debug: key.NewBinding(
			key.WithKeys("d"),
			key.WithHelp("d", "session log"),
		),
		Help: key.NewBinding(
			key.WithKeys("?"),
			key.WithHelp("?", "help"),
		),
		Escape: key.NewBinding(
			key.WithKeys("esc"),
			key.WithHelp("esc", "close overlay"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}

// Bindings lists every binding in help order.
func (k KeyMap) Bindings() []key.Binding {
	return []key.Binding{
		k.Tab, k.Up, k.Down, k.Left, k.Right,
		k.Ready, k.Cooldown, k.Debug, k.Level, k.Help, k.Escape, k.Quit,
	}
}
