package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/Dicklesworthstone/clipagent/internal/apierr"
	"github.com/Dicklesworthstone/clipagent/internal/jobs"
)

var (
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#50fa7b")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#f1fa8c"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#ff5555")).Bold(true)
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6272a4"))
	keyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#bd93f9")).Bold(true)
)

// formatDurationShort renders a duration with compact days/hours/minutes for CLI output.
func formatDurationShort(d time.Duration) string {
	if d <= 0 {
		return "0m"
	}

	d = d.Round(time.Minute)
	if d < time.Minute {
		return "<1m"
	}

	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	switch {
	case days > 0 && hours == 0:
		return fmt.Sprintf("%dd", days)
	case days > 0:
		return fmt.Sprintf("%dd%dh", days, hours)
	case hours <= 0:
		return fmt.Sprintf("%dm", mins)
	case mins == 0:
		return fmt.Sprintf("%dh", hours)
	default:
		return fmt.Sprintf("%dh%dm", hours, mins)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// describe turns an error into a line for the terminal, with a hint for
// the failures a user can act on.
func describe(err error) string {
	var e *apierr.Error
	if !errors.As(err, &e) {
		return err.Error()
	}
	msg := e.Error()
	switch e.Kind {
	case apierr.KindLoginRequired, apierr.KindUnauthorized:
		return msg + mutedStyle.Render("  (run `clipagent login`)")
	case apierr.KindInsufficientCredits:
		return msg + mutedStyle.Render("  (check `clipagent credits`)")
	case apierr.KindNetwork:
		return msg + mutedStyle.Render("  (is `clipagent serve` running and online?)")
	}
	return msg
}

func toneStyle(t jobs.Tone) lipgloss.Style {
	switch t {
	case jobs.ToneSuccess:
		return okStyle
	case jobs.ToneError:
		return errorStyle
	case jobs.ToneBusy:
		return warnStyle
	default:
		return lipgloss.NewStyle()
	}
}

// jobLine renders one job for list output.
func jobLine(job *jobs.Job, width int) string {
	state := jobs.Project(jobs.ProjectionInput{LoggedIn: true, Job: job})
	label := state.Label
	switch {
	case job.Paused:
		label = "Paused"
	case job.Status == jobs.StatusCancelled:
		label = "Cancelled"
	}

	name := job.Title
	if name == "" {
		name = job.URL
	}
	if width <= 0 {
		width = 60
	}
	line := keyStyle.Render(fmt.Sprintf("%-14s", job.ID)) + " " +
		toneStyle(state.Tone).Render(fmt.Sprintf("%-22s", label)) + " " +
		ansi.Truncate(name, width, "…")
	if job.Error != "" {
		line += "\n" + mutedStyle.Render("               "+job.Error)
	}
	return line
}
