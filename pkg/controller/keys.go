package controller

import (
	"github.com/charmbracelet/bubbles/key"
)

// KeyMap defines the key surface of the file manager.
type KeyMap struct {
	Up         key.Binding
	Down       key.Binding
	PageUp     key.Binding
	PageDown   key.Binding
	Home       key.Binding
	End        key.Binding
	Open       key.Binding
	Parent     key.Binding
	Switch     key.Binding
	Mark       key.Binding
	Upload     key.Binding
	Download   key.Binding
	Delete     key.Binding
	Rename     key.Binding
	Mkdir      key.Binding
	Search     key.Binding
	Refresh    key.Binding
	View       key.Binding
	Edit       key.Binding
	CopyURL    key.Binding
	Connect    key.Binding
	SetAddress key.Binding
	Cancel     key.Binding
	Quit       key.Binding

	// Modal keys
	Confirm key.Binding
	Reject  key.Binding
	Close   key.Binding
	Submit  key.Binding
	Back    key.Binding
}

// DefaultKeyMap returns the default key bindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Up: key.NewBinding(
			key.WithKeys("up", "k"),
			key.WithHelp("↑/k", "up"),
		),
		Down: key.NewBinding(
			key.WithKeys("down", "j"),
			key.WithHelp("↓/j", "down"),
		),
		PageUp: key.NewBinding(
			key.WithKeys("pgup"),
			key.WithHelp("pgup", "page up"),
		),
		PageDown: key.NewBinding(
			key.WithKeys("pgdown"),
			key.WithHelp("pgdn", "page down"),
		),
		Home: key.NewBinding(
			key.WithKeys("home", "g"),
			key.WithHelp("g", "top"),
		),
		End: key.NewBinding(
			key.WithKeys("end", "G"),
			key.WithHelp("G", "bottom"),
		),
		Open: key.NewBinding(
			key.WithKeys("enter", "l", "right"),
			key.WithHelp("enter", "open"),
		),
		Parent: key.NewBinding(
			key.WithKeys("backspace", "h", "left"),
			key.WithHelp("⌫/h", "parent"),
		),
		Switch: key.NewBinding(
			key.WithKeys("tab"),
			key.WithHelp("tab", "switch"),
		),
		Mark: key.NewBinding(
			key.WithKeys(" ", "space"),
			key.WithHelp("space", "mark"),
		),
		Upload: key.NewBinding(
			key.WithKeys("u"),
			key.WithHelp("u", "upload"),
		),
		Download: key.NewBinding(
			key.WithKeys("d"),
			key.WithHelp("d", "download"),
		),
		Delete: key.NewBinding(
			key.WithKeys("D", "delete"),
			key.WithHelp("D", "delete"),
		),
		Rename: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "rename"),
		),
		Mkdir: key.NewBinding(
			key.WithKeys("m"),
			key.WithHelp("m", "mkdir"),
		),
		Search: key.NewBinding(
			key.WithKeys("/", "f"),
			key.WithHelp("/", "search"),
		),
		Refresh: key.NewBinding(
			key.WithKeys("R"),
			key.WithHelp("R", "refresh"),
		),
		View: key.NewBinding(
			key.WithKeys("v"),
			key.WithHelp("v", "view"),
		),
		Edit: key.NewBinding(
			key.WithKeys("e"),
			key.WithHelp("e", "edit"),
		),
		CopyURL: key.NewBinding(
			key.WithKeys("y"),
			key.WithHelp("y", "copy url"),
		),
		Connect: key.NewBinding(
			key.WithKeys("c", "C"),
			key.WithHelp("c", "connect"),
		),
		SetAddress: key.NewBinding(
			key.WithKeys("s", "S"),
			key.WithHelp("s", "set server"),
		),
		Cancel: key.NewBinding(
			key.WithKeys("x"),
			key.WithHelp("x", "cancel"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "Q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
		Confirm: key.NewBinding(
			key.WithKeys("y", "Y", "enter"),
			key.WithHelp("enter/y", "yes"),
		),
		Reject: key.NewBinding(
			key.WithKeys("n", "N", "esc"),
			key.WithHelp("esc/n", "no"),
		),
		Close: key.NewBinding(
			key.WithKeys("esc", "q"),
			key.WithHelp("esc", "close"),
		),
		Submit: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "ok"),
		),
		Back: key.NewBinding(
			key.WithKeys("esc"),
			key.WithHelp("esc", "cancel"),
		),
	}
}

// ShortHelp implements help.KeyMap.
func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Switch, k.Open, k.Mark, k.Upload, k.Download, k.Delete, k.Connect, k.Quit}
}

// FullHelp implements help.KeyMap.
func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.PageUp, k.PageDown, k.Home, k.End},
		{k.Open, k.Parent, k.Switch, k.Mark, k.Search, k.Refresh},
		{k.Upload, k.Download, k.Delete, k.Rename, k.Mkdir, k.Cancel},
		{k.View, k.Edit, k.CopyURL, k.Connect, k.SetAddress, k.Quit},
	}
}
