package jobs

import "fmt"

// Tone is the visual emphasis of a button state.
type Tone string

const (
	ToneNeutral Tone = "neutral"
	ToneBusy    Tone = "busy"
	ToneSuccess Tone = "success"
	ToneError   Tone = "error"
)

// ProjectionInput is everything the save button depends on.
type ProjectionInput struct {
	LoggedIn   bool
	Saved      bool
	Submitting bool
	Job        *Job
}

// ButtonState is what a surface renders for the save button of a page.
type ButtonState struct {
	Label    string `json:"label"`
	Disabled bool   `json:"disabled"`
	Progress int    `json:"progress"`
	Tone     Tone   `json:"tone"`
	JobID    string `json:"jobId,omitempty"`
	Phase    string `json:"phase"`
}

var statusLabels = map[Status]string{
	StatusQueued:       "Queued",
	StatusDownloading:  "Downloading",
	StatusTranscribing: "Transcribing",
	StatusAnalyzing:    "Analyzing",
	StatusProcessing:   "Processing",
}

// Project derives the button state. Every surface uses it so they agree on
// what a given job state looks like.
func Project(in ProjectionInput) ButtonState {
	if !in.LoggedIn {
		return ButtonState{Label: "Sign in to save", Tone: ToneNeutral, Phase: PhaseIdle.String()}
	}
	if in.Submitting {
		return ButtonState{Label: "Saving…", Disabled: true, Tone: ToneBusy, Phase: PhaseSubmitting.String()}
	}

	if j := in.Job; j != nil {
		st := ButtonState{JobID: j.ID, Progress: j.Progress, Phase: PhaseOf(j).String()}
		switch PhaseOf(j) {
		case PhaseCompleted:
			st.Label, st.Tone, st.Progress = "Saved", ToneSuccess, 100
			return st
		case PhaseFailed:
			st.Label, st.Tone = "Retry", ToneError
			return st
		case PhaseCancelled:
			st.Label, st.Tone = "Save", ToneNeutral
			return st
		}

		label, ok := statusLabels[j.Status]
		if !ok {
			label = "Processing"
		}
		if j.Progress > 0 {
			label = fmt.Sprintf("%s %d%%", label, j.Progress)
		}
		st.Label, st.Disabled, st.Tone = label, true, ToneBusy
		return st
	}

	if in.Saved {
		return ButtonState{Label: "Saved", Tone: ToneSuccess, Progress: 100, Phase: PhaseIdle.String()}
	}
	return ButtonState{Label: "Save", Tone: ToneNeutral, Phase: PhaseIdle.String()}
}
