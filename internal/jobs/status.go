package jobs

import (
	"strings"
	"time"
)

// Status is the remote-authoritative job status.
type Status string

const (
	StatusQueued       Status = "queued"
	StatusDownloading  Status = "downloading"
	StatusTranscribing Status = "transcribing"
	StatusAnalyzing    Status = "analyzing"
	StatusProcessing   Status = "processing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// IsTerminal reports whether no further transition can occur.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Known reports whether s is one of the documented statuses. Unknown
// statuses are treated as in progress.
func (s Status) Known() bool {
	switch s {
	case StatusQueued, StatusDownloading, StatusTranscribing, StatusAnalyzing,
		StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

func normalizeStatus(raw string) Status {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if s == "canceled" {
		return StatusCancelled
	}
	return s
}

// Phase is the tracker's view of a job.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSubmitting
	PhasePolling
	PhaseCompleted
	PhaseFailed
	PhaseCancelled
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseSubmitting:
		return "SUBMITTING"
	case PhasePolling:
		return "POLLING"
	case PhaseCompleted:
		return "COMPLETED"
	case PhaseFailed:
		return "FAILED"
	case PhaseCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether p is absorbing.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseCancelled
}

// PhaseOf maps a job to its phase. A nil job is idle.
func PhaseOf(j *Job) Phase {
	if j == nil {
		return PhaseIdle
	}
	switch j.Status {
	case StatusCompleted:
		return PhaseCompleted
	case StatusFailed:
		return PhaseFailed
	case StatusCancelled:
		return PhaseCancelled
	default:
		return PhasePolling
	}
}

// Job is the local record of a submitted job.
type Job struct {
	ID         string    `json:"id"`
	URL        string    `json:"url,omitempty"`
	ResourceID string    `json:"resourceId,omitempty"`
	Title      string    `json:"title,omitempty"`
	Status     Status    `json:"status"`
	Progress   int       `json:"progress"`
	Error      string    `json:"error,omitempty"`
	StatusText string    `json:"statusText,omitempty"`
	Paused     bool      `json:"paused,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Clone returns a copy.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	return &out
}

// update applies a remote snapshot. A terminal job never changes again and
// progress never goes backwards while in progress. It reports whether any
// visible field changed.
func (j *Job) update(status Status, progress int, title, errMsg, statusText string, now time.Time) bool {
	if j.Status.IsTerminal() {
		return false
	}
	before := *j

	if status != "" {
		j.Status = status
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	if j.Status == StatusCompleted {
		progress = 100
	}
	if progress > j.Progress {
		j.Progress = progress
	}
	if title != "" {
		j.Title = title
	}
	j.Error = errMsg
	j.StatusText = statusText

	changed := before.Status != j.Status || before.Progress != j.Progress ||
		before.Title != j.Title || before.Error != j.Error || before.StatusText != j.StatusText
	if changed {
		j.UpdatedAt = now
	}
	return changed
}
