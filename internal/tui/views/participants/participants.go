// Package participants renders the connected viewers as a table.
package participants

import (
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/agent-racer/interactive/internal/tui/theme"
	"github.com/agent-racer/interactive/pkg/state"
)

// Model wraps a bubbles table of participants.
type Model struct {
	table table.Model
	rows  []state.Participant
	now   time.Time
}

var columns = []table.Column{
	{Title: "User", Width: 20},
	{Title: "ID", Width: 7},
	{Title: "Group", Width: 12},
	{Title: "Lvl", Width: 4},
	{Title: "Last input", Width: 11},
	{Title: "Status", Width: 8},
}

// New creates an empty table.
func New() Model {
	t := table.New(table.WithColumns(columns), table.WithHeight(8))
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(theme.ColorBorder).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.Foreground(theme.ColorBright).Background(theme.ColorButton)
	t.SetStyles(s)
	return Model{table: t}
}

// SetParticipants replaces the rows, ordered by user name. now is the
// service clock used for the "last input" column.
func (m *Model) SetParticipants(ps []state.Participant, now time.Time) {
	rows := append([]state.Participant(nil), ps...)
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].UserName != rows[j].UserName {
			return rows[i].UserName < rows[j].UserName
		}
		return rows[i].SessionID < rows[j].SessionID
	})
	m.rows = rows
	m.now = now

	out := make([]table.Row, 0, len(rows))
	for _, p := range rows {
		out = append(out, table.Row{
			p.UserName,
			fmt.Sprint(p.UserID),
			p.GroupID,
			fmt.Sprint(p.Level),
			ago(p.LastInputAtMs, now),
			status(p),
		})
	}
	m.table.SetRows(out)
	if c := m.table.Cursor(); c >= len(out) && len(out) > 0 {
		m.table.SetCursor(len(out) - 1)
	}
}

// SetHeight sizes the table body.
func (m *Model) SetHeight(h int) {
	m.table.SetHeight(max(h, 3))
}

// Focus toggles keyboard highlighting of the cursor row.
func (m *Model) Focus(on bool) {
	if on {
		m.table.Focus()
	} else {
		m.table.Blur()
	}
}

// Up moves the cursor up.
func (m *Model) Up() { m.table.MoveUp(1) }

// Down moves the cursor down.
func (m *Model) Down() { m.table.MoveDown(1) }

// Selected returns the participant under the cursor.
func (m Model) Selected() (state.Participant, bool) {
	c := m.table.Cursor()
	if c < 0 || c >= len(m.rows) {
		return state.Participant{}, false
	}
	return m.rows[c], true
}

// Len returns the number of rows.
func (m Model) Len() int { return len(m.rows) }

// View renders the table.
func (m Model) View() string {
	if len(m.rows) == 0 {
		return theme.StyleDimmed.Render("  No participants connected")
	}
	return m.table.View()
}

func status(p state.Participant) string {
	if p.Disabled {
		return "disabled"
	}
	return "active"
}

func ago(ms int64, now time.Time) string {
	if ms <= 0 {
		return "never"
	}
	d := now.Sub(time.UnixMilli(ms))
	switch {
	case d < time.Second:
		return "now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh ago", int(d.Hours()))
}
