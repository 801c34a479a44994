// Package scenes renders the scene list and the controls of the selected
// scene. Joystick markers follow participant moves on a spring.
package scenes

import (
	"fmt"
	"math"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/harmonica"
	"github.com/charmbracelet/lipgloss"

	"github.com/agent-racer/interactive/internal/tui/theme"
	"github.com/agent-racer/interactive/pkg/state"
)

const (
	fps       = 30
	padCols   = 11
	padRows   = 5
	barWidth  = 12
	settleEps = 0.005
)

var spring = harmonica.NewSpring(harmonica.FPS(fps), 8.0, 0.6)

// FrameMsg advances the marker animation by one frame.
type FrameMsg time.Time

// Frame schedules the next animation frame.
func Frame() tea.Cmd {
	return tea.Tick(time.Second/fps, func(t time.Time) tea.Msg { return FrameMsg(t) })
}

type marker struct {
	x, y   float64
	vx, vy float64
	tx, ty float64
}

func (k *marker) settled() bool {
	return math.Abs(k.x-k.tx) < settleEps && math.Abs(k.y-k.ty) < settleEps &&
		math.Abs(k.vx) < settleEps && math.Abs(k.vy) < settleEps
}

// Model holds the scene browser state.
type Model struct {
	Width int

	scenes   []state.Scene
	controls map[string][]state.Control
	now      time.Time

	sceneIdx   int
	controlIdx int

	markers map[string]*marker
}

// New creates an empty scene browser.
func New() Model {
	return Model{
		controls: make(map[string][]state.Control),
		markers:  make(map[string]*marker),
	}
}

// SetScenes replaces the scenes and their controls. now is the service
// clock, used for cooldowns.
func (m *Model) SetScenes(scenes []state.Scene, controls map[string][]state.Control, now time.Time) {
	m.scenes = scenes
	m.controls = controls
	m.now = now
	if m.sceneIdx >= len(scenes) {
		m.sceneIdx = max(len(scenes)-1, 0)
	}
	if n := len(m.currentControls()); m.controlIdx >= n {
		m.controlIdx = max(n-1, 0)
	}
}

// Move points a joystick's marker at (x, y). It reports whether the
// marker needs animation frames.
func (m *Model) Move(sceneID, controlID string, x, y float64) bool {
	if sceneID == "" {
		return false
	}
	key := sceneID + "/" + controlID
	k, ok := m.markers[key]
	if !ok {
		k = &marker{}
		m.markers[key] = k
	}
	k.tx, k.ty = clamp(x), clamp(y)
	return !k.settled()
}

// Step advances every marker one frame and reports whether any is still
// moving.
func (m *Model) Step() bool {
	moving := false
	for _, k := range m.markers {
		if k.settled() {
			continue
		}
		k.x, k.vx = spring.Update(k.x, k.vx, k.tx)
		k.y, k.vy = spring.Update(k.y, k.vy, k.ty)
		if !k.settled() {
			moving = true
		}
	}
	return moving
}

// Marker returns the current marker position of a joystick.
func (m Model) Marker(sceneID, controlID string) (x, y float64, ok bool) {
	k, ok := m.markers[sceneID+"/"+controlID]
	if !ok {
		return 0, 0, false
	}
	return k.x, k.y, true
}

// NextScene selects the following scene.
func (m *Model) NextScene() {
	if len(m.scenes) > 0 {
		m.sceneIdx = (m.sceneIdx + 1) % len(m.scenes)
		m.controlIdx = 0
	}
}

// PrevScene selects the preceding scene.
func (m *Model) PrevScene() {
	if len(m.scenes) > 0 {
		m.sceneIdx = (m.sceneIdx - 1 + len(m.scenes)) % len(m.scenes)
		m.controlIdx = 0
	}
}

// Down selects the next control.
func (m *Model) Down() {
	if n := len(m.currentControls()); n > 0 {
		m.controlIdx = (m.controlIdx + 1) % n
	}
}

// Up selects the previous control.
func (m *Model) Up() {
	if n := len(m.currentControls()); n > 0 {
		m.controlIdx = (m.controlIdx - 1 + n) % n
	}
}

// Selected returns the highlighted control.
func (m Model) Selected() (state.Control, bool) {
	ctls := m.currentControls()
	if m.controlIdx < len(ctls) {
		return ctls[m.controlIdx], true
	}
	return state.Control{}, false
}

func (m Model) currentControls() []state.Control {
	if m.sceneIdx >= len(m.scenes) {
		return nil
	}
	return m.controls[m.scenes[m.sceneIdx].ID]
}

// View renders the scene tabs and the selected scene's controls.
func (m Model) View() string {
	if len(m.scenes) == 0 {
		return theme.StyleDimmed.Render("  No scenes loaded")
	}

	var tabs []string
	for i, sc := range m.scenes {
		label := fmt.Sprintf(" %s (%d) ", sc.ID, len(sc.Groups))
		if i == m.sceneIdx {
			tabs = append(tabs, theme.StyleSelected.Underline(true).Render(label))
		} else {
			tabs = append(tabs, theme.StyleDimmed.Render(label))
		}
	}
	lines := []string{lipgloss.JoinHorizontal(lipgloss.Top, tabs...)}

	ctls := m.currentControls()
	if len(ctls) == 0 {
		lines = append(lines, theme.StyleDimmed.Render("  No controls"))
	}
	var pads []string
	for i, c := range ctls {
		prefix := "  "
		if i == m.controlIdx {
			prefix = "> "
		}
		lines = append(lines, prefix+m.renderControl(c))
		if c.IsJoystick() {
			pads = append(pads, m.renderPad(c))
		}
	}
	if len(pads) > 0 {
		lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Top, pads...))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func (m Model) renderControl(c state.Control) string {
	glyph := lipgloss.NewStyle().Foreground(theme.KindColor(c.Kind)).Render(theme.KindGlyph(c.Kind))
	name := lipgloss.NewStyle().Foreground(theme.ColorBright).Width(14).Render(c.ID)
	if c.Disabled {
		return glyph + " " + name + lipgloss.NewStyle().Foreground(theme.ColorDisabled).Render("disabled")
	}

	switch {
	case c.IsButton():
		b := c.Button()
		parts := []string{fmt.Sprintf("%-12q", b.Text)}
		if b.Cost > 0 {
			parts = append(parts, fmt.Sprintf("cost %d", b.Cost))
		}
		parts = append(parts, progressBar(b.Progress))
		if left := time.UnixMilli(b.Cooldown).Sub(m.now); b.Cooldown > 0 && left > 0 {
			parts = append(parts, lipgloss.NewStyle().Foreground(theme.ColorCooldown).
				Render(fmt.Sprintf("cooldown %.1fs", left.Seconds())))
		}
		return glyph + " " + name + strings.Join(parts, "  ")
	case c.IsJoystick():
		j := c.Joystick()
		return glyph + " " + name + fmt.Sprintf("angle %.2f  intensity %.2f  %dms", j.Angle, j.Intensity, j.SampleRate)
	}
	return glyph + " " + name + theme.StyleDimmed.Render(c.Kind)
}

func (m Model) renderPad(c state.Control) string {
	x, y, _ := m.Marker(c.SceneID, c.ID)
	col := int(math.Round((x + 1) / 2 * (padCols - 1)))
	row := int(math.Round((y + 1) / 2 * (padRows - 1)))

	var b strings.Builder
	for r := 0; r < padRows; r++ {
		for cc := 0; cc < padCols; cc++ {
			switch {
			case r == row && cc == col:
				b.WriteString(lipgloss.NewStyle().Foreground(theme.ColorJoystick).Render("●"))
			case r == padRows/2 && cc == padCols/2:
				b.WriteString("+")
			default:
				b.WriteString("·")
			}
		}
		if r < padRows-1 {
			b.WriteByte('\n')
		}
	}
	return theme.StyleBorder.Padding(0, 1).Render(theme.StyleDimmed.Render(c.ID) + "\n" + b.String())
}

func progressBar(p float64) string {
	p = math.Max(0, math.Min(1, p))
	filled := int(math.Round(p * barWidth))
	bar := lipgloss.NewStyle().Foreground(theme.ProgressColor(p)).Render(strings.Repeat("█", filled))
	return "[" + bar + strings.Repeat("░", barWidth-filled) + "]"
}

func clamp(v float64) float64 {
	return math.Max(-1, math.Min(1, v))
}
