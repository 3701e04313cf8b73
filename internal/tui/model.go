// Package tui renders the bootstrap steps in the terminal and forwards user choices to
// the bootstrap flow. It holds no step logic of its own: every screen is derived from the
// latest machine snapshot.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"backbone/internal/bootstrap"
	"backbone/internal/config"
	"backbone/internal/logging"
	"backbone/internal/prefs"
	"backbone/internal/project"
	"backbone/internal/startup"
)

// =============================================================================
// MESSAGES
// =============================================================================

// stateMsg carries a snapshot delivered by the machine.
type stateMsg startup.StartupState

// projectsMsg carries a project listing for the generation it was requested in.
type projectsMsg struct {
	generation uint64
	projects   []project.Summary
	err        error
}

// flowErrMsg reports an error returned by a flow call (not a state error).
type flowErrMsg struct{ err error }

// =============================================================================
// LIST ITEMS
// =============================================================================

type modeItem struct {
	mode      startup.Mode
	storage   startup.StorageMode
	permitted bool
	resolved  bool
	tier      string
}

var modeChoices = []struct {
	mode    startup.Mode
	storage startup.StorageMode
	blurb   string
}{
	{startup.ModeStandalone, startup.StorageLocal, "offline, single user"},
	{startup.ModeSharedNetwork, startup.StorageCloud, "server-backed collaboration"},
	{startup.ModeSharedNetwork, startup.StorageHybrid, "local copy synced with the server"},
}

func (i modeItem) Title() string {
	return fmt.Sprintf("%s · %s", modeLabel(i.mode), i.storage)
}

func (i modeItem) Description() string {
	blurb := ""
	for _, c := range modeChoices {
		if c.mode == i.mode && c.storage == i.storage {
			blurb = c.blurb
		}
	}
	switch {
	case !i.resolved:
		return blurb + " (checking license…)"
	case !i.permitted:
		return fmt.Sprintf("not included in the %s tier", i.tier)
	}
	return blurb
}

func (i modeItem) FilterValue() string { return i.Title() }

type projectItem struct {
	summary project.Summary
}

func (i projectItem) Title() string { return i.summary.Name }

func (i projectItem) Description() string {
	if i.summary.LastOpenedAt.IsZero() {
		return "never opened"
	}
	return "last opened " + i.summary.LastOpenedAt.Local().Format("2006-01-02 15:04")
}

func (i projectItem) FilterValue() string { return i.summary.Name }

func modeLabel(m startup.Mode) string {
	switch m {
	case startup.ModeStandalone:
		return "Standalone"
	case startup.ModeSharedNetwork:
		return "Shared network"
	}
	return m.String()
}

// =============================================================================
// MODEL
// =============================================================================

// Options configures the model.
type Options struct {
	UI config.UIConfig
	// Remembered pre-selects the last accepted choice.
	Remembered prefs.Selection
}

// Model is the bubbletea model for the bootstrap screens.
type Model struct {
	flow   *bootstrap.Flow
	ctx    context.Context
	feed   *feed
	ui     config.UIConfig
	styles Styles
	help   helpRenderer

	state      startup.StartupState
	remembered prefs.Selection

	choices  list.Model
	email    textinput.Model
	password textinput.Model
	spinner  spinner.Model
	ticking  bool

	notice   string
	width    int
	height   int
	quitting bool
}

// New creates a model for flow.
func New(ctx context.Context, flow *bootstrap.Flow, opts Options) Model {
	ui := opts.UI
	if ui.Guidance == "" {
		ui = *config.DefaultUIConfig()
	}
	styles := NewStyles(ThemeFor(ui.Theme))

	delegate := list.NewDefaultDelegate()
	choices := list.New(nil, delegate, 72, 16)
	choices.SetShowHelp(false)
	choices.SetShowStatusBar(false)
	choices.Styles.Title = styles.Title

	email := textinput.New()
	email.Placeholder = "you@example.com"
	email.Prompt = "Email    │ "
	email.CharLimit = 254
	email.Width = 40
	email.PromptStyle = styles.Prompt

	password := textinput.New()
	password.Placeholder = "password"
	password.Prompt = "Password │ "
	password.EchoMode = textinput.EchoPassword
	password.EchoCharacter = '•'
	password.CharLimit = 256
	password.Width = 40
	password.PromptStyle = styles.Prompt

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = styles.Spinner

	m := Model{
		flow:       flow,
		ctx:        ctx,
		feed:       newFeed(),
		ui:         ui,
		styles:     styles,
		help:       newHelpRenderer(ui.Theme, 72),
		state:      flow.Machine().State(),
		remembered: opts.Remembered,
		choices:    choices,
		email:      email,
		password:   password,
		spinner:    sp,
	}
	if !ui.RememberSelection {
		m.remembered = prefs.Selection{}
	}
	m.enterStep()
	return m
}

// State returns the last snapshot the model rendered.
func (m Model) State() startup.StartupState {
	return m.state
}

func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.feed.wait(), textinput.Blink}
	if m.state.Step == startup.StepProjectSelection {
		cmds = append(cmds, m.loadProjects())
	}
	return tea.Batch(cmds...)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.choices.SetSize(msg.Width-4, max(msg.Height-12, 6))
		m.help = newHelpRenderer(m.ui.Theme, min(msg.Width-4, 100))
		return m, nil

	case stateMsg:
		prev := m.state
		m.state = startup.StartupState(msg)
		cmds = append(cmds, m.feed.wait())
		if prev.Step != m.state.Step || prev.Generation != m.state.Generation {
			m.notice = ""
			m.enterStep()
			switch m.state.Step {
			case startup.StepProjectSelection:
				cmds = append(cmds, m.loadProjects())
			case startup.StepComplete:
				m.quitting = true
				cmds = append(cmds, tea.Quit)
			case startup.StepAuthentication:
				cmds = append(cmds, textinput.Blink)
			}
		} else if m.state.Step == startup.StepModeSelection {
			m.refreshModeItems()
		}
		if m.state.Loading && !m.ticking {
			m.ticking = true
			cmds = append(cmds, m.spinner.Tick)
		}
		return m, tea.Batch(cmds...)

	case projectsMsg:
		if msg.generation != m.state.Generation || m.state.Step != startup.StepProjectSelection {
			return m, nil
		}
		if msg.err != nil {
			m.notice = "could not list projects: " + msg.err.Error()
			return m, nil
		}
		items := make([]list.Item, len(msg.projects))
		for i, p := range msg.projects {
			items[i] = projectItem{summary: p}
		}
		m.choices.Title = fmt.Sprintf("Projects on %s", m.state.Storage)
		cmd := m.choices.SetItems(items)
		m.selectRememberedProject(msg.projects)
		return m, cmd

	case flowErrMsg:
		m.notice = msg.err.Error()
		return m, nil

	case spinner.TickMsg:
		if !m.state.Loading {
			m.ticking = false
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		m.quitting = true
		return m, tea.Quit
	}
	if msg.String() == "ctrl+r" {
		return m, m.do(func(context.Context) error { m.flow.Reset(); return nil })
	}

	if m.state.Loading {
		if msg.String() == "esc" {
			return m, m.do(func(context.Context) error { m.flow.Abandon(); return nil })
		}
		return m, nil
	}

	switch m.state.Step {
	case startup.StepModeSelection:
		if msg.String() == "enter" {
			if item, ok := m.choices.SelectedItem().(modeItem); ok {
				logging.UIDebug("mode chosen: %s/%s", item.mode, item.storage)
				return m, m.do(func(context.Context) error { return m.flow.SelectMode(item.mode, item.storage) })
			}
			return m, nil
		}

	case startup.StepAuthentication:
		switch msg.String() {
		case "esc":
			return m, m.do(func(context.Context) error { m.flow.Reset(); return nil })
		case "tab", "shift+tab", "up", "down":
			return m, m.toggleFocus()
		case "enter":
			if m.email.Focused() {
				return m, m.toggleFocus()
			}
			email, password := strings.TrimSpace(m.email.Value()), m.password.Value()
			if email == "" || password == "" {
				m.notice = "email and password are required"
				return m, nil
			}
			m.notice = ""
			return m, m.do(func(ctx context.Context) error { return m.flow.SignIn(ctx, email, password) })
		}
		var cmd tea.Cmd
		if m.email.Focused() {
			m.email, cmd = m.email.Update(msg)
		} else {
			m.password, cmd = m.password.Update(msg)
		}
		return m, cmd

	case startup.StepProjectSelection:
		if m.choices.FilterState() != list.Filtering {
			switch msg.String() {
			case "esc":
				return m, m.do(func(context.Context) error { m.flow.Reset(); return nil })
			case "r":
				return m, m.loadProjects()
			case "enter":
				if item, ok := m.choices.SelectedItem().(projectItem); ok {
					id := item.summary.ID
					return m, m.do(func(ctx context.Context) error { return m.flow.OpenProject(ctx, id) })
				}
				return m, nil
			}
		}

	case startup.StepComplete:
		return m, tea.Quit
	}

	var cmd tea.Cmd
	m.choices, cmd = m.choices.Update(msg)
	return m, cmd
}

// enterStep prepares the widgets for the current step.
func (m *Model) enterStep() {
	switch m.state.Step {
	case startup.StepModeSelection:
		m.choices.Title = "How do you want to work?"
		m.choices.SetFilteringEnabled(false)
		m.refreshModeItems()
		for i, c := range modeChoices {
			if c.mode == m.remembered.Mode && c.storage == m.remembered.Storage {
				m.choices.Select(i)
			}
		}
	case startup.StepAuthentication:
		m.password.SetValue("")
		m.password.Blur()
		m.email.Focus()
	case startup.StepProjectSelection:
		m.choices.Title = "Loading projects…"
		m.choices.SetFilteringEnabled(true)
		m.choices.SetItems(nil)
	}
}

func (m *Model) refreshModeItems() {
	ent := m.state.Entitlement
	items := make([]list.Item, len(modeChoices))
	for i, c := range modeChoices {
		item := modeItem{mode: c.mode, storage: c.storage}
		if ent != nil {
			item.resolved = true
			item.tier = ent.Tier
			item.permitted = startup.PermittedBackends(c.mode, ent).Has(c.storage)
		}
		items[i] = item
	}
	idx := m.choices.Index()
	m.choices.SetItems(items)
	m.choices.Select(idx)
}

func (m *Model) selectRememberedProject(projects []project.Summary) {
	if m.remembered.ProjectID == "" {
		return
	}
	for i, p := range projects {
		if p.ID == m.remembered.ProjectID {
			m.choices.Select(i)
			return
		}
	}
}

func (m *Model) toggleFocus() tea.Cmd {
	if m.email.Focused() {
		m.email.Blur()
		return m.password.Focus()
	}
	m.password.Blur()
	return m.email.Focus()
}

// do runs a flow call off the UI goroutine. The resulting transitions arrive as stateMsg.
func (m Model) do(fn func(ctx context.Context) error) tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		if err := fn(ctx); err != nil {
			return flowErrMsg{err: err}
		}
		return nil
	}
}

func (m Model) loadProjects() tea.Cmd {
	flow, ctx, gen := m.flow, m.ctx, m.state.Generation
	return func() tea.Msg {
		projects, err := flow.Projects(ctx)
		return projectsMsg{generation: gen, projects: projects, err: err}
	}
}

// =============================================================================
// VIEW
// =============================================================================

func (m Model) View() string {
	if m.quitting && m.state.Step != startup.StepComplete {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n\n")

	switch m.state.Step {
	case startup.StepModeSelection, startup.StepProjectSelection:
		b.WriteString(m.choices.View())
	case startup.StepAuthentication:
		b.WriteString(m.styles.Title.Render(fmt.Sprintf("Sign in for %s · %s", modeLabel(m.state.Mode), m.state.Storage)))
		b.WriteString("\n")
		b.WriteString(m.email.View())
		b.WriteString("\n")
		b.WriteString(m.password.View())
	case startup.StepComplete:
		b.WriteString(m.styles.Success.Render("✓ Opened project " + m.state.ProjectID))
		if m.state.User != nil {
			b.WriteString(m.styles.Muted.Render(" as " + m.state.User.DisplayName))
		}
	}
	b.WriteString("\n")

	if m.state.Loading {
		b.WriteString("\n" + m.spinner.View() + " " + pendingLabel(m.state.Pending))
	}
	if m.state.Err != nil && m.state.Err.Kind.UserFacing() {
		b.WriteString("\n" + m.styles.Error.Render("✗ "+m.state.Err.Error()))
	}
	if m.notice != "" {
		b.WriteString("\n" + m.styles.Warning.Render(m.notice))
	}

	if m.ui.ShowsHelp() {
		if h := m.help.render(m.state.Step); h != "" {
			b.WriteString("\n" + h)
		}
	}
	if m.ui.ShowsHints() {
		if hint := stepHints[m.state.Step]; hint != "" {
			b.WriteString("\n" + m.styles.Footer.Render(hint))
		}
	}
	return m.styles.Content.Render(b.String())
}

func (m Model) renderHeader() string {
	steps := []struct {
		step  startup.Step
		label string
	}{
		{startup.StepModeSelection, "Mode"},
		{startup.StepAuthentication, "Sign in"},
		{startup.StepProjectSelection, "Project"},
	}
	parts := make([]string, 0, len(steps))
	for i, s := range steps {
		label := fmt.Sprintf("%d %s", i+1, s.label)
		if s.step == m.state.Step {
			parts = append(parts, m.styles.Bold.Render(label))
		} else {
			parts = append(parts, m.styles.Muted.Render(label))
		}
	}
	tier := "…"
	if m.state.Entitlement != nil {
		tier = m.state.Entitlement.Tier
	}
	return lipgloss.JoinHorizontal(lipgloss.Center,
		m.styles.Header.Render("backbone"), " ",
		m.styles.Badge.Render(tier), "  ",
		strings.Join(parts, m.styles.Muted.Render(" › ")))
}

func pendingLabel(op startup.Op) string {
	switch op {
	case startup.OpEntitlements:
		return "Checking license…"
	case startup.OpAuthentication:
		return "Signing in…"
	case startup.OpProjectLoad:
		return "Opening project…"
	}
	return "Working…"
}
