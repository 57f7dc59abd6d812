package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/quocson95/ftpdeck/pkg/controller"
)

// PasswordPromptModel asks for the password of a server that rejected the
// login.
type PasswordPromptModel struct {
	input       textinput.Model
	keys        controller.KeyMap
	title       string
	description string
	width       int
	height      int
}

// PasswordSubmittedMsg is sent when password is submitted
type PasswordSubmittedMsg struct {
	Password  string
	Cancelled bool
}

// NewPasswordPromptModel creates a prompt for the server at addr.
func NewPasswordPromptModel(addr string, keys controller.KeyMap) *PasswordPromptModel {
	input := textinput.New()
	input.Placeholder = "Enter password"
	input.EchoMode = textinput.EchoPassword
	input.EchoCharacter = '•'
	input.CharLimit = 256
	input.Width = 50
	input.Prompt = "> "
	input.Focus()

	return &PasswordPromptModel{
		input:       input,
		keys:        keys,
		title:       "🔐 Password Required",
		description: fmt.Sprintf("%s rejected the login. Enter the password:", addr),
	}
}

func (m *PasswordPromptModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m *PasswordPromptModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Submit):
			password := m.input.Value()
			m.input.Reset()
			return m, func() tea.Msg {
				return PasswordSubmittedMsg{Password: password}
			}

		case key.Matches(msg, m.keys.Back):
			m.input.Reset()
			return m, func() tea.Msg {
				return PasswordSubmittedMsg{Cancelled: true}
			}
		}
	}

	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *PasswordPromptModel) View() string {
	var b strings.Builder

	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205")).
		MarginBottom(1)
	b.WriteString(titleStyle.Render(m.title))
	b.WriteString("\n\n")

	if m.description != "" {
		descStyle := lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
		b.WriteString(descStyle.Render(m.description))
		b.WriteString("\n\n")
	}

	b.WriteString(m.input.View())
	b.WriteString("\n\n")

	helpStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Italic(true)
	b.WriteString(helpStyle.Render("enter: submit • esc: cancel"))

	return boxStyle.Render(b.String())
}

// SetError replaces the description with err.
func (m *PasswordPromptModel) SetError(err error) {
	if err != nil {
		m.description = fmt.Sprintf("❌ %v", err)
	}
}
