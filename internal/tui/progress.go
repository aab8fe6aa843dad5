package tui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/progress"
)

const defaultBarWidth = 20

// jobBar renders a static job progress bar. Job progress arrives as
// discrete events, so the bar is drawn with ViewAs rather than animated.
type jobBar struct {
	bar progress.Model
}

func newJobBar(width int, opts RenderOptions) jobBar {
	if width <= 0 {
		width = defaultBarWidth
	}
	var p progress.Model
	if opts.NoColor {
		p = progress.New(progress.WithoutPercentage(), progress.WithFillCharacters('#', '-'))
		p.FullColor = ""
		p.EmptyColor = ""
	} else {
		p = progress.New(progress.WithGradient(string(colorPurple), string(colorGreen)), progress.WithoutPercentage())
	}
	p.Width = width
	return jobBar{bar: p}
}

// view renders percent (0-100) with a right-aligned label.
func (b jobBar) view(percent int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return b.bar.ViewAs(float64(percent)/100) + fmt.Sprintf(" %3d%%", percent)
}
