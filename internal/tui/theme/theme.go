// Package theme provides the Lip Gloss color palette and reusable styles
// for the watch dashboard. It is a leaf package with no internal imports
// to avoid import cycles.
package theme

import "github.com/charmbracelet/lipgloss"

// Connection state colors.
var (
	ColorOpen       = lipgloss.Color("#22c55e")
	ColorConnecting = lipgloss.Color("#7c3aed")
	ColorClosing    = lipgloss.Color("#d97706")
	ColorClosed     = lipgloss.Color("#dc2626")
)

// Control kind colors.
var (
	ColorButton   = lipgloss.Color("#3b82f6")
	ColorJoystick = lipgloss.Color("#a855f7")
	ColorCustom   = lipgloss.Color("#06b6d4")
	ColorDisabled = lipgloss.Color("#374151")
	ColorCooldown = lipgloss.Color("#854d0e")
)

// Input event colors.
var (
	ColorPress   = lipgloss.Color("#2563eb")
	ColorRelease = lipgloss.Color("#4b5563")
	ColorKey     = lipgloss.Color("#10b981")
	ColorMove    = lipgloss.Color("#a855f7")
	ColorRaw     = lipgloss.Color("#9ca3af")
)

// Progress bar thresholds.
var (
	ColorProgressLow  = lipgloss.Color("#dc2626") // <30%
	ColorProgressMid  = lipgloss.Color("#d97706") // 30-70%
	ColorProgressHigh = lipgloss.Color("#22c55e") // >70%
)

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorBg      = lipgloss.Color("#111827")
	ColorDefault = lipgloss.Color("#9ca3af")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
)

// StateColor returns the color for a connection state name.
func StateColor(state string) lipgloss.Color {
	switch state {
	case "open":
		return ColorOpen
	case "connecting", "authenticating":
		return ColorConnecting
	case "closing":
		return ColorClosing
	case "closed":
		return ColorClosed
	default:
		return ColorDefault
	}
}

// KindColor returns the color for a control kind.
func KindColor(kind string) lipgloss.Color {
	switch kind {
	case "button":
		return ColorButton
	case "joystick":
		return ColorJoystick
	default:
		return ColorCustom
	}
}

// KindGlyph returns a one-cell glyph for a control kind.
func KindGlyph(kind string) string {
	switch kind {
	case "button":
		return "■"
	case "joystick":
		return "◎"
	default:
		return "◇"
	}
}

// EventColor returns the color for an input event type name.
func EventColor(event string) lipgloss.Color {
	switch event {
	case "button_down":
		return ColorPress
	case "button_up":
		return ColorRelease
	case "key_down", "key_up":
		return ColorKey
	case "move":
		return ColorMove
	default:
		return ColorRaw
	}
}

// LevelColor returns the color for a debug level name.
func LevelColor(level string) lipgloss.Color {
	switch level {
	case "error":
		return ColorDanger
	case "warning":
		return ColorWarning
	case "info":
		return ColorButton
	default:
		return ColorDimmed
	}
}

// ProgressColor returns the color for a progress fraction.
func ProgressColor(p float64) lipgloss.Color {
	switch {
	case p > 0.7:
		return ColorProgressHigh
	case p > 0.3:
		return ColorProgressMid
	default:
		return ColorProgressLow
	}
}

// Reusable styles.
var (
	StyleBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder)

	StyleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
			Foreground(ColorDimmed)

	StyleSelected = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)
)
