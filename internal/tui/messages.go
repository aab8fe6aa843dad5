package tui

import (
	"github.com/Dicklesworthstone/clipagent/internal/auth"
	"github.com/Dicklesworthstone/clipagent/internal/jobs"
	"github.com/Dicklesworthstone/clipagent/internal/notify"
	"github.com/Dicklesworthstone/clipagent/internal/saved"
)

// stateLoadedMsg carries a full pull of daemon state.
type stateLoadedMsg struct {
	auth     auth.Status
	active   []*jobs.Job
	finished []*jobs.Job
	recent   []saved.Item
	err      error
}

type subscribedMsg struct {
	events <-chan notify.Event
	err    error
}

type eventMsg struct {
	event notify.Event
}

type streamClosedMsg struct{}

// actionDoneMsg reports the outcome of a user action.
type actionDoneMsg struct {
	verb string
	job  *jobs.Job
	err  error
}

func actionVerb(typ string) string {
	switch typ {
	case "SUBMIT_JOB":
		return "submitted"
	case "CANCEL_JOB":
		return "cancelled"
	case "DISMISS_JOB":
		return "dismissed"
	default:
		return "done"
	}
}
