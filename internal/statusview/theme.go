package statusview

import "github.com/charmbracelet/lipgloss"

// Theme defines all colors used by the status view.
type Theme struct {
	Primary   lipgloss.Color // title
	Secondary lipgloss.Color // addresses
	Error     lipgloss.Color // fetch errors
	Warning   lipgloss.Color // stale listeners
	Success   lipgloss.Color // fresh listeners
	Text      lipgloss.Color
	TextMuted lipgloss.Color // hints, empty cells
	Border    lipgloss.Color // table header
}

// DarkTheme returns the default dark theme.
func DarkTheme() Theme {
	return Theme{
		Primary:   lipgloss.Color("#fab283"),
		Secondary: lipgloss.Color("#5c9cf5"),
		Error:     lipgloss.Color("#e06c75"),
		Warning:   lipgloss.Color("#f5a742"),
		Success:   lipgloss.Color("#7fd88f"),
		Text:      lipgloss.Color("#eeeeee"),
		TextMuted: lipgloss.Color("#808080"),
		Border:    lipgloss.Color("#484848"),
	}
}

// LightTheme returns a light theme for bright terminal backgrounds.
func LightTheme() Theme {
	return Theme{
		Primary:   lipgloss.Color("#b35c00"),
		Secondary: lipgloss.Color("#0550ae"),
		Error:     lipgloss.Color("#cf222e"),
		Warning:   lipgloss.Color("#bf8700"),
		Success:   lipgloss.Color("#116329"),
		Text:      lipgloss.Color("#1f2328"),
		TextMuted: lipgloss.Color("#656d76"),
		Border:    lipgloss.Color("#d0d7de"),
	}
}

// ThemeByName returns a theme by name. Defaults to dark.
func ThemeByName(name string) Theme {
	switch name {
	case "light":
		return LightTheme()
	default:
		return DarkTheme()
	}
}

// styles holds all lipgloss styles derived from a Theme.
type styles struct {
	title  lipgloss.Style
	addr   lipgloss.Style
	header lipgloss.Style
	fresh  lipgloss.Style
	stale  lipgloss.Style
	err    lipgloss.Style
	dim    lipgloss.Style
	text   lipgloss.Style
}

func newStyles(t Theme) styles {
	return styles{
		title:  lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		addr:   lipgloss.NewStyle().Foreground(t.Secondary),
		header: lipgloss.NewStyle().Bold(true).Foreground(t.Border),
		fresh:  lipgloss.NewStyle().Foreground(t.Success),
		stale:  lipgloss.NewStyle().Foreground(t.Warning),
		err:    lipgloss.NewStyle().Foreground(t.Error),
		dim:    lipgloss.NewStyle().Foreground(t.TextMuted),
		text:   lipgloss.NewStyle().Foreground(t.Text),
	}
}
