package tui

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog"

	"github.com/quocson95/ftpdeck/pkg/controller"
	"github.com/quocson95/ftpdeck/pkg/endpoint"
)

// tickInterval is how often progress snapshots are drained.
const tickInterval = 100 * time.Millisecond

type tickMsg time.Time

type editorDoneMsg struct {
	err error
}

// loginRequiredMsg asks the app to prompt for a password.
type loginRequiredMsg struct{}

// copyFunc puts text on the system clipboard.
type copyFunc func(text string) error

// BrowserModel renders the controller's two panes and routes keys to it.
type BrowserModel struct {
	ctx    context.Context
	ctrl   *controller.Controller
	editor string
	copy   copyFunc
	log    zerolog.Logger

	input  textinput.Model
	viewer viewport.Model
	help   help.Model

	// modal the input or viewer was prepared for
	shown controller.ModalKind

	width  int
	height int
}

// NewBrowserModel creates the dual-pane browser over ctrl. editor is the
// command used for remote edits.
func NewBrowserModel(ctx context.Context, ctrl *controller.Controller, editor string, log zerolog.Logger) *BrowserModel {
	ti := textinput.New()
	ti.CharLimit = 512
	ti.Width = 50

	return &BrowserModel{
		ctx:    ctx,
		ctrl:   ctrl,
		editor: editor,
		copy:   clipboard.WriteAll,
		log:    log,
		input:  ti,
		viewer: viewport.New(80, 20),
		help:   help.New(),
		width:  80,
		height: 24,
	}
}

func tick() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *BrowserModel) Init() tea.Cmd {
	return tick()
}

func (m *BrowserModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case tickMsg:
		m.ctrl.Poll(m.ctx)
		return m, tick()

	case editorDoneMsg:
		m.ctrl.EditDone(m.ctx, msg.err)
		return m, nil

	case tea.KeyMsg:
		return m, m.handleKey(msg)
	}
	return m, nil
}

func (m *BrowserModel) resize(width, height int) {
	m.width = width
	m.height = height
	m.help.Width = width
	m.viewer.Width = width - 6
	m.viewer.Height = height - 8
	if m.viewer.Height < 3 {
		m.viewer.Height = 3
	}
	m.ctrl.SetRows(m.paneRows())
}

// Layout: title(2) + border(2) + pane header(3) + status(2) + help(2)
func (m *BrowserModel) paneRows() int {
	rows := m.height - 11
	if rows < 5 {
		rows = 5
	}
	return rows
}

func (m *BrowserModel) handleKey(msg tea.KeyMsg) tea.Cmd {
	modal := m.ctrl.Modal()
	if m.ctrl.State() == controller.InModal {
		switch {
		case modal.Kind.IsInput():
			return m.handleInputKey(msg)
		case modal.Kind == controller.Viewer && !key.Matches(msg, m.ctrl.Keys().Close):
			var cmd tea.Cmd
			m.viewer, cmd = m.viewer.Update(msg)
			return cmd
		}
	}

	connecting := m.ctrl.State() == controller.Browsing && !m.ctrl.Connected() &&
		key.Matches(msg, m.ctrl.Keys().Connect)
	cmd := m.apply(m.ctrl.HandleKey(m.ctx, msg))
	if connecting {
		cmd = tea.Batch(cmd, m.loginCheck())
	}
	return tea.Batch(cmd, m.sync())
}

// loginCheck asks for a password after a connect attempt the server
// rejected.
func (m *BrowserModel) loginCheck() tea.Cmd {
	if m.ctrl.Connected() || !m.ctrl.AuthRejected() {
		return nil
	}
	return func() tea.Msg { return loginRequiredMsg{} }
}

func (m *BrowserModel) handleInputKey(msg tea.KeyMsg) tea.Cmd {
	keys := m.ctrl.Keys()
	switch {
	case key.Matches(msg, keys.Submit):
		kind := m.ctrl.Modal().Kind
		m.ctrl.Submit(m.ctx, m.input.Value())
		if kind == controller.InputAddress {
			return tea.Batch(m.loginCheck(), m.sync())
		}
		return m.sync()
	case key.Matches(msg, keys.Back):
		m.ctrl.Dismiss()
		return m.sync()
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return cmd
}

// sync prepares the input or the viewer for a modal that just opened.
func (m *BrowserModel) sync() tea.Cmd {
	modal := m.ctrl.Modal()
	if m.ctrl.State() != controller.InModal {
		modal.Kind = controller.ModalNone
	}
	if modal.Kind == m.shown {
		return nil
	}
	m.shown = modal.Kind

	switch {
	case modal.Kind.IsInput():
		m.input.Prompt = modal.Prompt
		m.input.Placeholder = ""
		m.input.SetValue(modal.Value)
		m.input.CursorEnd()
		m.input.Focus()
		return textinput.Blink
	case modal.Kind == controller.Viewer:
		m.viewer.SetContent(modal.Text)
		m.viewer.GotoTop()
	default:
		m.input.Blur()
	}
	return nil
}

func (m *BrowserModel) apply(eff controller.Effect) tea.Cmd {
	switch eff.Kind {
	case controller.EffectQuit:
		return tea.Quit
	case controller.EffectEdit:
		return m.openInEditor(eff.Path)
	case controller.EffectCopy:
		if err := m.copy(eff.Text); err != nil {
			m.log.Warn().Err(err).Msg("clipboard write failed")
			m.ctrl.ReportError("Copy failed", err)
		}
	}
	return nil
}

// openInEditor suspends the program while the editor runs on path.
func (m *BrowserModel) openInEditor(path string) tea.Cmd {
	args := strings.Fields(m.editor)
	if len(args) == 0 {
		args = []string{"nano"}
	}
	c := exec.Command(args[0], append(args[1:], path)...)
	m.log.Debug().Str("editor", args[0]).Str("path", path).Msg("starting editor")
	return tea.ExecProcess(c, func(err error) tea.Msg {
		return editorDoneMsg{err: err}
	})
}

func (m *BrowserModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("📁 ftpdeck"))
	if m.ctrl.Connected() {
		b.WriteString(successStyle.Render("● " + m.ctrl.Address().String()))
	} else {
		b.WriteString(errorStyle.Render("○ disconnected"))
	}
	b.WriteString("\n\n")

	modal := m.ctrl.Modal()
	if m.ctrl.State() == controller.InModal && modal.Kind == controller.Viewer {
		b.WriteString(m.renderViewer(modal))
		return b.String()
	}

	paneWidth := (m.width - 4) / 2
	if paneWidth < 30 {
		paneWidth = 30
	}
	rows := m.paneRows()
	local := m.renderPane(m.ctrl.Pane(endpoint.Local), localTitleStyle.Render("💻 Local"), paneWidth, rows)
	remote := m.renderPane(m.ctrl.Pane(endpoint.Remote), remoteTitleStyle.Render("🌐 Remote"), paneWidth, rows)
	if m.ctrl.ActiveSide() == endpoint.Local {
		local = activeBorderStyle.Render(local)
		remote = inactiveBorderStyle.Render(remote)
	} else {
		local = inactiveBorderStyle.Render(local)
		remote = activeBorderStyle.Render(remote)
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, local, "  ", remote))
	b.WriteString("\n")

	if p, running := m.ctrl.Progress(); running {
		line := fmt.Sprintf("🚀 %s %3d%% | %s | Job %d/%d | %s",
			bar(p.Percent(), 20),
			p.Percent(),
			formatSpeed(p.Speed),
			p.JobIndex,
			p.JobCount,
			truncateLeft(p.Current, m.width/3))
		b.WriteString(progressStyle.Render(line))
	}
	b.WriteString("\n")
	status := m.ctrl.Status()
	b.WriteString(statusStyle(status.Level).Render(truncateRight(status.Text, m.width)))
	b.WriteString("\n")
	b.WriteString(m.help.View(m.ctrl.Keys()))

	if m.ctrl.State() == controller.InModal {
		if popup := m.renderPopup(modal); popup != "" {
			b.WriteString("\n\n")
			b.WriteString(popup)
		}
	}
	return b.String()
}

func (m *BrowserModel) renderPane(p *controller.Pane, title string, width, rows int) string {
	var b strings.Builder

	b.WriteString(title)
	if n := p.Selection.Len(); n > 0 {
		b.WriteString(markedItemStyle.Render(fmt.Sprintf("  [%d marked]", n)))
	}
	b.WriteString("\n")
	b.WriteString(pathStyle.Render(truncateLeft(p.Path, width-4)))
	b.WriteString("\n\n")

	if p.Side == endpoint.Remote && !m.ctrl.Connected() {
		b.WriteString(infoStyle.Render("Not connected. Press 'c' to connect or 's' to set the server."))
		b.WriteString(strings.Repeat("\n", rows))
		return b.String()
	}
	if p.Err != nil && len(p.Entries) == 0 {
		b.WriteString(errorStyle.Render(truncateRight(p.Err.Error(), width-4)))
		b.WriteString(strings.Repeat("\n", rows))
		return b.String()
	}

	end := p.Offset + rows
	if end > len(p.Entries) {
		end = len(p.Entries)
	}
	for i := p.Offset; i < end; i++ {
		e := p.Entries[i]
		cursor := "  "
		style := itemStyle
		if p.Marked(i) {
			style = markedItemStyle
		}
		if p.Cursor == i {
			cursor = "→ "
			style = selectedItemStyle
		}
		mark := " "
		if p.Marked(i) {
			mark = "*"
		}

		icon := "📄"
		size := formatSize(e.Size)
		if e.IsDir() {
			icon = "📁"
			size = ""
		}
		name := truncateRight(e.Name, width-20)
		line := fmt.Sprintf("%s%s %s %s", cursor, mark, icon, style.Render(name))
		gap := width - 4 - lipgloss.Width(line) - len(size)
		if gap < 1 {
			gap = 1
		}
		b.WriteString(line + strings.Repeat(" ", gap) + sizeStyle.Render(size))
		b.WriteString("\n")
	}
	for i := end - p.Offset; i < rows; i++ {
		b.WriteString("\n")
	}
	return b.String()
}

func (m *BrowserModel) renderPopup(modal controller.Modal) string {
	switch {
	case modal.Kind == controller.ConfirmDelete:
		return dangerPopupStyle.Render(fmt.Sprintf("🗑️  %s\n\n%s", modal.Prompt, "(y/n)"))
	case modal.Kind == controller.ConfirmOverwrite:
		return warnPopupStyle.Render(fmt.Sprintf("⚠️  %s\n\n%s", modal.Prompt, "(y/n)"))
	case modal.Kind.IsInput():
		body := modal.Title + "\n\n" + m.input.View()
		if modal.Err != nil {
			body += "\n\n" + errorStyle.Render(modal.Err.Error())
		}
		body += "\n\n" + pathStyle.Render("enter: ok • esc: cancel")
		return popupStyle.Render(body)
	case modal.Kind == controller.Editor:
		return popupStyle.Render(fmt.Sprintf("✏️  Editing %s\n\nWaiting for %s to exit...", modal.Path, m.editor))
	}
	return ""
}

func (m *BrowserModel) renderViewer(modal controller.Modal) string {
	var b strings.Builder
	header := "👁  " + modal.Path
	if modal.Truncated {
		header += " (truncated)"
	}
	b.WriteString(selectedItemStyle.Render(header))
	b.WriteString("\n")
	b.WriteString(boxStyle.Padding(0, 1).Render(m.viewer.View()))
	b.WriteString("\n")
	b.WriteString(pathStyle.Render(fmt.Sprintf("%3.f%% • ↑/↓ scroll • esc/q close", m.viewer.ScrollPercent()*100)))
	return b.String()
}
