package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/Dicklesworthstone/clipagent/internal/jobs"
)

// Color palette - Dracula theme inspired.
var (
	colorPurple   = lipgloss.Color("#bd93f9")
	colorGreen    = lipgloss.Color("#50fa7b")
	colorYellow   = lipgloss.Color("#f1fa8c")
	colorCyan     = lipgloss.Color("#8be9fd")
	colorRed      = lipgloss.Color("#ff5555")
	colorWhite    = lipgloss.Color("#f8f8f2")
	colorGray     = lipgloss.Color("#6272a4")
	colorDarkGray = lipgloss.Color("#44475a")
)

// Styles holds all the lipgloss styles for the panel.
type Styles struct {
	Header  lipgloss.Style
	Account lipgloss.Style
	Section lipgloss.Style

	Item         lipgloss.Style
	SelectedItem lipgloss.Style
	Muted        lipgloss.Style

	ToneNeutral lipgloss.Style
	ToneBusy    lipgloss.Style
	ToneSuccess lipgloss.Style
	ToneError   lipgloss.Style

	StatusBar  lipgloss.Style
	StatusKey  lipgloss.Style
	StatusText lipgloss.Style
	Error      lipgloss.Style

	Empty lipgloss.Style
	Help  lipgloss.Style
	Input lipgloss.Style
}

// DefaultStyles returns the default style configuration.
func DefaultStyles() Styles {
	return Styles{
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(colorPurple),

		Account: lipgloss.NewStyle().
			Foreground(colorCyan),

		Section: lipgloss.NewStyle().
			Bold(true).
			Foreground(colorWhite).
			MarginTop(1),

		Item: lipgloss.NewStyle().
			Padding(0, 1).
			Foreground(colorWhite),

		SelectedItem: lipgloss.NewStyle().
			Padding(0, 1).
			Foreground(colorPurple).
			Bold(true).
			Background(colorDarkGray),

		Muted: lipgloss.NewStyle().
			Foreground(colorGray),

		ToneNeutral: lipgloss.NewStyle().Foreground(colorWhite),
		ToneBusy:    lipgloss.NewStyle().Foreground(colorYellow),
		ToneSuccess: lipgloss.NewStyle().Foreground(colorGreen).Bold(true),
		ToneError:   lipgloss.NewStyle().Foreground(colorRed).Bold(true),

		StatusBar: lipgloss.NewStyle().
			Padding(0, 1).
			Background(colorDarkGray).
			Foreground(colorWhite),

		StatusKey: lipgloss.NewStyle().
			Foreground(colorPurple).
			Bold(true),

		StatusText: lipgloss.NewStyle().
			Foreground(colorGray),

		Error: lipgloss.NewStyle().
			Foreground(colorRed),

		Empty: lipgloss.NewStyle().
			Foreground(colorGray).
			Italic(true).
			Padding(1, 2),

		Help: lipgloss.NewStyle().
			Padding(1, 2).
			Foreground(colorWhite),

		Input: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorPurple).
			Padding(0, 1),
	}
}

// PlainStyles drops every color, for NO_COLOR and dumb terminals.
func PlainStyles() Styles {
	plain := lipgloss.NewStyle()
	return Styles{
		Header:       plain.Bold(true),
		Account:      plain,
		Section:      plain.Bold(true).MarginTop(1),
		Item:         plain.Padding(0, 1),
		SelectedItem: plain.Padding(0, 1).Reverse(true),
		Muted:        plain,
		ToneNeutral:  plain,
		ToneBusy:     plain,
		ToneSuccess:  plain.Bold(true),
		ToneError:    plain.Bold(true),
		StatusBar:    plain.Padding(0, 1),
		StatusKey:    plain.Bold(true),
		StatusText:   plain,
		Error:        plain,
		Empty:        plain.Padding(1, 2),
		Help:         plain.Padding(1, 2),
		Input:        plain.Border(lipgloss.NormalBorder()).Padding(0, 1),
	}
}

func (s Styles) tone(t jobs.Tone) lipgloss.Style {
	switch t {
	case jobs.ToneBusy:
		return s.ToneBusy
	case jobs.ToneSuccess:
		return s.ToneSuccess
	case jobs.ToneError:
		return s.ToneError
	default:
		return s.ToneNeutral
	}
}
