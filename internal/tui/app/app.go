// Package app is the root Bubble Tea model of the watch dashboard.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/agent-racer/interactive/internal/tui/client"
	"github.com/agent-racer/interactive/internal/tui/theme"
	"github.com/agent-racer/interactive/internal/tui/views/debug"
	"github.com/agent-racer/interactive/internal/tui/views/help"
	"github.com/agent-racer/interactive/internal/tui/views/inputs"
	"github.com/agent-racer/interactive/internal/tui/views/participants"
	"github.com/agent-racer/interactive/internal/tui/views/scenes"
	"github.com/agent-racer/interactive/internal/tui/views/status"
	"github.com/agent-racer/interactive/pkg/input"
	"github.com/agent-racer/interactive/pkg/interactive"
	"github.com/agent-racer/interactive/pkg/state"
)

// Pane identifies the main view.
type Pane int

const (
	PaneScenes Pane = iota
	PaneParticipants
	PaneInputs
	paneCount
)

var paneNames = [...]string{"Scenes", "Participants", "Input"}

// Overlay identifies which modal is active.
type Overlay int

const (
	OverlayNone Overlay = iota
	OverlayDebug
	OverlayHelp
)

// Options tune the dashboard.
type Options struct {
	// Poll is how long one pump waits for session work.
	Poll time.Duration
	// CallTimeout bounds actions started from the keyboard.
	CallTimeout time.Duration
	// Cooldown is applied by the cooldown key.
	Cooldown time.Duration
	// Group receives participants as they join. Empty leaves them alone.
	Group string
}

func (o *Options) setDefaults() {
	if o.Poll <= 0 {
		o.Poll = 100 * time.Millisecond
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 10 * time.Second
	}
	if o.Cooldown <= 0 {
		o.Cooldown = 5 * time.Second
	}
}

// Model is the root Bubble Tea model.
type Model struct {
	src    client.Source
	pump   *client.Pump
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc

	keys   KeyMap
	width  int
	height int

	pane      Pane
	overlay   Overlay
	connected bool
	animating bool
	lastErr   string

	statusBar    status.Model
	scenes       scenes.Model
	participants participants.Model
	inputs       inputs.Model
	log          debug.Model
}

// New creates the root model and installs its handlers on src.
func New(src client.Source, opts Options) Model {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := Model{
		src:          src,
		pump:         client.NewPump(src, opts.Poll),
		opts:         opts,
		ctx:          ctx,
		cancel:       cancel,
		keys:         DefaultKeyMap(),
		connected:    src.State() == interactive.StateOpen,
		statusBar:    status.New(),
		scenes:       scenes.New(),
		participants: participants.New(),
		inputs:       inputs.New(),
		log:          debug.New(),
	}
	m.pump.Host(ctx, opts.Group, opts.CallTimeout)
	m.refresh()
	return m
}

// Init starts pumping the session and sampling process usage.
func (m Model) Init() tea.Cmd {
	if !m.connected {
		return tea.Batch(m.pump.Reconnect(m.ctx), status.Sample())
	}
	return tea.Batch(m.pump.Next(), status.Sample())
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.statusBar.Width = msg.Width
		m.scenes.Width = msg.Width
		m.inputs.Width = msg.Width
		m.participants.SetHeight(m.bodyHeight())
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case client.BatchMsg:
		var cmds []tea.Cmd
		for _, inner := range msg.Msgs {
			if cmd := m.apply(inner); cmd != nil {
				cmds = append(cmds, cmd)
			}
		}
		cmds = append(cmds, msg.Cmds...)
		m.refresh()
		if msg.Err != nil {
			m.connected = false
			m.log.Add(interactive.DebugError, "session stopped: "+msg.Err.Error())
			cmds = append(cmds, m.pump.Reconnect(m.ctx))
		} else {
			cmds = append(cmds, m.pump.Next())
		}
		return m, tea.Batch(cmds...)

	case client.ConnectedMsg:
		m.connected = true
		m.lastErr = ""
		m.log.Add(interactive.DebugInfo, "reconnected")
		m.refresh()
		return m, m.pump.Next()

	case client.ErrorMsg:
		// Reconnect gave up.
		m.lastErr = msg.Err.Error()
		m.log.Add(interactive.DebugError, msg.Err.Error())
		return m, nil

	case client.ActionMsg:
		if msg.Err != nil {
			m.lastErr = fmt.Sprintf("%s: %v", msg.Name, msg.Err)
			m.log.Add(interactive.DebugWarning, m.lastErr)
		} else {
			m.log.Add(interactive.DebugInfo, msg.Name+" ok")
		}
		m.refresh()
		return m, nil

	case status.SampleMsg:
		m.statusBar.Apply(msg)
		return m, status.Sample()

	case scenes.FrameMsg:
		if m.scenes.Step() {
			return m, scenes.Frame()
		}
		m.animating = false
		return m, nil
	}

	return m, nil
}

// apply folds one session notification into the model.
func (m *Model) apply(msg tea.Msg) tea.Cmd {
	switch msg := msg.(type) {
	case client.StateMsg:
		line := fmt.Sprintf("state %s → %s", msg.From, msg.To)
		if msg.Err != nil {
			line += ": " + msg.Err.Error()
		}
		m.log.Add(interactive.DebugInfo, line)
	case client.ParticipantMsg:
		m.log.Add(interactive.DebugTrace, fmt.Sprintf("participant %s %s", msg.Participant.UserName, msg.Action))
	case client.GroupMsg:
		m.log.Add(interactive.DebugTrace, fmt.Sprintf("group %s %s", msg.Group.ID, msg.Action))
	case client.SceneMsg:
		m.log.Add(interactive.DebugTrace, fmt.Sprintf("scene %s %s", msg.Scene.ID, msg.Action))
	case client.ControlMsg:
		m.log.Add(interactive.DebugTrace, fmt.Sprintf("control %s/%s %s", msg.Control.SceneID, msg.Control.ID, msg.Action))
	case client.ReadyMsg:
		m.log.Add(interactive.DebugInfo, fmt.Sprintf("ready = %v", msg.Ready))
	case client.InputMsg:
		m.inputs.Add(msg.Event)
		return m.track(msg.Event)
	case client.ErrorMsg:
		m.lastErr = msg.Err.Error()
		m.log.Add(interactive.DebugError, msg.Err.Error())
	case client.TransactionMsg:
		if msg.Err != nil {
			m.log.Add(interactive.DebugWarning, fmt.Sprintf("%s #%d failed: %v", msg.Method, msg.ID, msg.Err))
		} else {
			m.log.Add(interactive.DebugTrace, fmt.Sprintf("%s #%d ok", msg.Method, msg.ID))
		}
	case client.LogMsg:
		m.log.Add(msg.Level, msg.Message)
	}
	return nil
}

// track moves a joystick marker and starts the animation if it is idle.
func (m *Model) track(e input.Event) tea.Cmd {
	c, ok := e.Coordinates()
	if !ok || e.Type != input.Move {
		return nil
	}
	if m.scenes.Move(e.Control.SceneID, e.Control.ID, c.X, c.Y) && !m.animating {
		m.animating = true
		return scenes.Frame()
	}
	return nil
}

// refresh copies the session's current tree into the views.
func (m *Model) refresh() {
	now := m.src.ServerTime()

	m.statusBar.State = m.src.State().String()
	m.statusBar.SessionID = m.src.SessionID()
	m.statusBar.Ready = m.src.Ready()
	m.statusBar.SetCounts(m.src.Counts())
	m.statusBar.Inputs = m.inputs.Total()

	all := m.src.Scenes()
	controls := make(map[string][]state.Control, len(all))
	for _, sc := range all {
		ctls, err := m.src.SceneControls(sc.ID)
		if err != nil {
			continue
		}
		controls[sc.ID] = ctls
	}
	m.scenes.SetScenes(all, controls, now)

	ps := m.src.Participants()
	names := make(map[string]string, len(ps))
	for _, p := range ps {
		names[p.SessionID] = p.UserName
	}
	m.participants.SetParticipants(ps, now)
	m.inputs.SetNames(names)
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.Quit) {
		m.cancel()
		return m, tea.Quit
	}

	if m.overlay != OverlayNone {
		switch {
		case key.Matches(msg, m.keys.Escape):
			m.overlay = OverlayNone
		case m.overlay == OverlayDebug && key.Matches(msg, m.keys.Up):
			m.log.ScrollUp(1)
		case m.overlay == OverlayDebug && key.Matches(msg, m.keys.Down):
			m.log.ScrollDown(1)
		case m.overlay == OverlayDebug && key.Matches(msg, m.keys.Level):
			m.log.CycleFilter()
		}
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Tab):
		m.pane = (m.pane + 1) % paneCount
		m.participants.Focus(m.pane == PaneParticipants)
		return m, nil

	case key.Matches(msg, m.keys.Down):
		if m.pane == PaneParticipants {
			m.participants.Down()
		} else {
			m.scenes.Down()
		}
		return m, nil

	case key.Matches(msg, m.keys.Up):
		if m.pane == PaneParticipants {
			m.participants.Up()
		} else {
			m.scenes.Up()
		}
		return m, nil

	case key.Matches(msg, m.keys.Left):
		m.scenes.PrevScene()
		return m, nil

	case key.Matches(msg, m.keys.Right):
		m.scenes.NextScene()
		return m, nil

	case key.Matches(msg, m.keys.Ready):
		return m, client.SetReady(m.ctx, m.src, !m.src.Ready(), m.opts.CallTimeout)

	case key.Matches(msg, m.keys.Cooldown):
		ctl, ok := m.scenes.Selected()
		if !ok || !ctl.IsButton() {
			m.lastErr = "select a button to cool down"
			return m, nil
		}
		return m, client.Cooldown(m.ctx, m.src, ctl, m.opts.Cooldown, m.opts.CallTimeout)

	case key.Matches(msg, m.keys.Debug):
		m.overlay = OverlayDebug
		return m, nil

	case key.Matches(msg, m.keys.Help):
		m.overlay = OverlayHelp
		return m, nil
	}

	return m, nil
}

func (m Model) bodyHeight() int {
	return max(m.height-8, 3)
}

// View renders the full TUI.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	switch m.overlay {
	case OverlayDebug:
		return m.log.View(m.width, m.height)
	case OverlayHelp:
		return help.Render(m.keys.Bindings(), m.width)
	}

	sections := []string{m.statusBar.View(), m.renderTabs()}
	if !m.connected {
		sections = append(sections, m.renderDisconnected())
	} else {
		sections = append(sections, m.renderPane())
	}
	if m.lastErr != "" {
		sections = append(sections, lipgloss.NewStyle().Foreground(theme.ColorDanger).Render("  "+m.lastErr))
	}
	sections = append(sections,
		theme.StyleDimmed.Render("  tab:pane  j/k:select  h/l:scene  y:ready  c:cooldown  d:log  ?:help  q:quit"))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderTabs() string {
	var tabs []string
	for i, name := range paneNames {
		if Pane(i) == m.pane {
			tabs = append(tabs, theme.StyleHeader.Render("["+name+"]"))
		} else {
			tabs = append(tabs, theme.StyleDimmed.Render(" "+name+" "))
		}
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, tabs...)
}

func (m Model) renderPane() string {
	switch m.pane {
	case PaneParticipants:
		return m.participants.View()
	case PaneInputs:
		return m.inputs.View(m.bodyHeight())
	}
	return m.scenes.View()
}

func (m Model) renderDisconnected() string {
	body := lipgloss.JoinVertical(lipgloss.Center,
		lipgloss.NewStyle().Bold(true).Foreground(theme.ColorDanger).Render("DISCONNECTED"),
		theme.StyleDimmed.Render("Reconnecting..."),
	)
	return lipgloss.NewStyle().
		Width(max(m.width-4, 20)).
		Align(lipgloss.Center).
		Padding(1, 0).
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(theme.ColorDanger).
		Render(body)
}
