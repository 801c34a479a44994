// Package help renders the key reference overlay from markdown.
package help

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/agent-racer/interactive/internal/tui/theme"
)

const intro = `# Watch

Live view of one interactive session. Scenes, participants and input are
mirrored from the service as they change.

`

// Markdown builds the help document for a set of bindings.
func Markdown(bindings []key.Binding) string {
	var b strings.Builder
	b.WriteString(intro)
	b.WriteString("| Key | Action |\n|-----|--------|\n")
	for _, k := range bindings {
		h := k.Help()
		if h.Key == "" {
			continue
		}
		fmt.Fprintf(&b, "| `%s` | %s |\n", h.Key, h.Desc)
	}
	return b.String()
}

// Render renders the help document for width columns. A renderer failure
// falls back to the raw markdown.
func Render(bindings []key.Binding, width int) string {
	md := Markdown(bindings)
	inner := max(width-6, 20)
	out := md
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(inner),
	)
	if err == nil {
		if s, err := r.Render(md); err == nil {
			out = s
		}
	}
	return lipgloss.NewStyle().
		Width(inner).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(strings.TrimRight(out, "\n") + "\n" + theme.StyleDimmed.Render("esc:close"))
}
