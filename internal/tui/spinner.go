package tui

import (
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/lipgloss"
)

// RenderOptions are the accessibility switches for the panel.
type RenderOptions struct {
	NoColor      bool
	ReduceMotion bool
}

// RenderOptionsFromEnv turns color off for NO_COLOR or TERM=dumb and
// animation off for CLIPAGENT_REDUCED_MOTION or REDUCED_MOTION.
func RenderOptionsFromEnv() RenderOptions {
	opts := RenderOptions{}

	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		opts.NoColor = true
	}
	if strings.TrimSpace(strings.ToLower(os.Getenv("TERM"))) == "dumb" {
		opts.NoColor = true
	}
	if envBool("CLIPAGENT_REDUCED_MOTION") || envBool("REDUCED_MOTION") {
		opts.ReduceMotion = true
	}
	return opts
}

func envBool(name string) bool {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return v == "yes" || v == "on"
	}
	return b
}

// staticIndicator replaces the spinner when motion is reduced.
const staticIndicator = "[...]"

func newSpinner(opts RenderOptions) spinner.Model {
	s := spinner.New()
	s.Spinner = spinner.MiniDot
	if !opts.NoColor {
		s.Style = lipgloss.NewStyle().Foreground(colorYellow)
	}
	return s
}
