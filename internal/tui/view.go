package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/Dicklesworthstone/clipagent/internal/jobs"
)

// View implements tea.Model.
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	switch m.state {
	case stateHelp:
		return m.helpView()
	default:
		return m.mainView()
	}
}

func (m Model) mainView() string {
	sections := []string{m.renderHeader()}

	if m.err != nil {
		sections = append(sections, m.styles.Error.Render("error: "+describeError(m.err)))
	}

	sections = append(sections,
		m.styles.Section.Render("Jobs"),
		m.renderJobs(),
		m.styles.Section.Render("Recently saved"),
		m.renderRecent(),
	)

	if m.state == stateInput {
		sections = append(sections, "", m.styles.Input.Render(m.input.View()))
	}

	content := lipgloss.JoinVertical(lipgloss.Left, sections...)

	status := m.renderStatusBar()
	availableHeight := m.height - lipgloss.Height(content) - lipgloss.Height(status)
	if availableHeight > 0 {
		content = lipgloss.JoinVertical(
			lipgloss.Left,
			content,
			lipgloss.NewStyle().Height(availableHeight).Render(""),
			status,
		)
	} else {
		content = lipgloss.JoinVertical(lipgloss.Left, content, status)
	}
	return content
}

func (m Model) renderHeader() string {
	title := m.styles.Header.Render("clipagent")

	var account string
	switch {
	case !m.loaded:
		account = m.styles.Muted.Render("connecting...")
	case !m.auth.IsLoggedIn:
		account = m.styles.Muted.Render("signed out")
	default:
		who := "signed in"
		if m.auth.User != nil {
			who = firstNonEmpty(m.auth.User.Email, m.auth.User.Name, m.auth.User.ID)
		}
		account = m.styles.Account.Render(who)
		if m.auth.ExpiresAt != nil {
			account += m.styles.Muted.Render(" · token until " + m.auth.ExpiresAt.Local().Format("Jan 2"))
		}
	}

	live := m.styles.Muted.Render("○ offline")
	if m.events != nil {
		live = m.styles.ToneSuccess.Render("● live")
	}
	return title + "  " + account + "  " + live
}

func (m Model) renderJobs() string {
	if len(m.jobs) == 0 {
		return m.styles.Empty.Render("No jobs. Press 'a' to save a link.")
	}

	labelWidth := max(20, m.width-lipgloss.Width(m.bar.view(0))-24)

	rows := make([]string, 0, len(m.jobs))
	for i, job := range m.jobs {
		state := jobs.Project(jobs.ProjectionInput{LoggedIn: m.auth.IsLoggedIn, Job: job})

		indicator := "  "
		if !job.Status.IsTerminal() && !job.Paused {
			if m.opts.ReduceMotion {
				indicator = staticIndicator + " "
			} else {
				indicator = m.spinner.View() + " "
			}
		}

		name := firstNonEmpty(job.Title, job.URL, job.ID)
		name = ansi.Truncate(name, labelWidth, "…")

		label := state.Label
		switch {
		case job.Paused:
			label = "Paused (sign in)"
		case job.Status == jobs.StatusCancelled:
			label = "Cancelled"
		}
		right := m.styles.tone(state.Tone).Render(label)
		if !job.Status.IsTerminal() {
			right = m.bar.view(job.Progress) + " " + right
		}

		style := m.styles.Item
		if i == m.selected {
			style = m.styles.SelectedItem
		}
		line := style.Render(fmt.Sprintf("%s%-*s", indicator, labelWidth, name)) + "  " + right
		if job.Status == jobs.StatusFailed && job.Error != "" {
			line += "\n    " + m.styles.Error.Render(ansi.Truncate(job.Error, max(10, m.width-6), "…"))
		}
		rows = append(rows, line)
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

func (m Model) renderRecent() string {
	if len(m.recent) == 0 {
		return m.styles.Empty.Render("Nothing saved yet.")
	}

	width := max(20, m.width-16)
	rows := make([]string, 0, len(m.recent))
	for _, item := range m.recent {
		name := firstNonEmpty(item.Title, item.URL)
		rows = append(rows, m.styles.Item.Render(
			m.styles.Muted.Render(formatAge(time.Since(item.SavedAt))+"  ")+ansi.Truncate(name, width, "…")))
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

func (m Model) renderStatusBar() string {
	left := m.styles.StatusKey.Render("a") + m.styles.StatusText.Render(" save  ")
	left += m.styles.StatusKey.Render("c") + m.styles.StatusText.Render(" cancel  ")
	left += m.styles.StatusKey.Render("d") + m.styles.StatusText.Render(" dismiss  ")
	left += m.styles.StatusKey.Render("?") + m.styles.StatusText.Render(" help  ")
	left += m.styles.StatusKey.Render("q") + m.styles.StatusText.Render(" quit")

	if m.statusMsg != "" {
		left = m.styles.StatusText.Render(m.statusMsg)
	}
	return m.styles.StatusBar.Width(m.width).Render(left)
}

func (m Model) helpView() string {
	h := help.New()
	h.ShowAll = true
	h.Width = m.width
	body := m.styles.Header.Render("Keyboard Shortcuts") + "\n\n" + h.View(m.keys) +
		"\n\n" + m.styles.Muted.Render("Press any key to return...")
	return m.styles.Help.Render(body)
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
