package tui

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"

	"github.com/quocson95/ftpdeck/pkg/controller"
)

// AppState represents the current screen/state of the application
type AppState int

const (
	StateBrowser AppState = iota
	StatePasswordPrompt
)

// Options configure the terminal UI.
type Options struct {
	Editor string // command used for remote edits
	Logger zerolog.Logger
}

// AppModel is the root model. It shows the browser and, when a server
// rejects the login, the password prompt on top of it.
type AppModel struct {
	ctx            context.Context
	ctrl           *controller.Controller
	state          AppState
	browser        *BrowserModel
	passwordPrompt *PasswordPromptModel
	log            zerolog.Logger
	width          int
	height         int
}

// NewAppModel creates the application model over a started controller.
func NewAppModel(ctx context.Context, ctrl *controller.Controller, opts Options) *AppModel {
	m := &AppModel{
		ctx:     ctx,
		ctrl:    ctrl,
		state:   StateBrowser,
		browser: NewBrowserModel(ctx, ctrl, opts.Editor, opts.Logger),
		log:     opts.Logger,
	}
	if ctrl.AuthRejected() && !ctrl.Connected() {
		m.showPasswordPrompt()
	}
	return m
}

func (m *AppModel) Init() tea.Cmd {
	cmds := []tea.Cmd{m.browser.Init()}
	if m.state == StatePasswordPrompt {
		cmds = append(cmds, m.passwordPrompt.Init())
	}
	return tea.Batch(cmds...)
}

func (m *AppModel) showPasswordPrompt() {
	m.passwordPrompt = NewPasswordPromptModel(m.ctrl.Address().String(), m.ctrl.Keys())
	m.state = StatePasswordPrompt
}

func (m *AppModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.browser.Update(msg)
		if m.passwordPrompt != nil {
			m.passwordPrompt.Update(msg)
		}
		return m, nil

	case tea.KeyMsg:
		// Global quit
		if msg.String() == "ctrl+c" {
			m.ctrl.Shutdown(m.ctx)
			return m, tea.Quit
		}

	case loginRequiredMsg:
		m.showPasswordPrompt()
		return m, m.passwordPrompt.Init()

	case PasswordSubmittedMsg:
		return m, m.login(msg)

	case tickMsg, editorDoneMsg:
		// The browser owns the tick and the editor even under the prompt
		_, cmd := m.browser.Update(msg)
		return m, cmd
	}

	switch m.state {
	case StatePasswordPrompt:
		_, cmd := m.passwordPrompt.Update(msg)
		return m, cmd
	default:
		_, cmd := m.browser.Update(msg)
		return m, cmd
	}
}

func (m *AppModel) login(msg PasswordSubmittedMsg) tea.Cmd {
	if msg.Cancelled {
		m.state = StateBrowser
		return nil
	}

	m.ctrl.Login(m.ctx, msg.Password)
	if m.ctrl.AuthRejected() {
		m.log.Warn().Str("addr", m.ctrl.Address().String()).Msg("login rejected")
		m.passwordPrompt.SetError(fmt.Errorf("login rejected by %s, try again", m.ctrl.Address().Host))
		return nil
	}
	m.state = StateBrowser
	return nil
}

func (m *AppModel) View() string {
	switch m.state {
	case StatePasswordPrompt:
		return m.passwordPrompt.View()
	default:
		return m.browser.View()
	}
}
