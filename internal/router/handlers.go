package router

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/Dicklesworthstone/clipagent/internal/api"
	"github.com/Dicklesworthstone/clipagent/internal/apierr"
	"github.com/Dicklesworthstone/clipagent/internal/auth"
	"github.com/Dicklesworthstone/clipagent/internal/credential"
	"github.com/Dicklesworthstone/clipagent/internal/jobs"
	"github.com/Dicklesworthstone/clipagent/internal/notify"
	"github.com/Dicklesworthstone/clipagent/internal/saved"
	"github.com/Dicklesworthstone/clipagent/internal/settings"
)

// Message types.
const (
	TypeGetAuthStatus  = "GET_AUTH_STATUS"
	TypeSetToken       = "SET_TOKEN"
	TypeLogin          = "LOGIN"
	TypeLogout         = "LOGOUT"
	TypeSubmitJob      = "SUBMIT_JOB"
	TypeGetJobStatus   = "GET_JOB_STATUS"
	TypeCancelJob      = "CANCEL_JOB"
	TypeDismissJob     = "DISMISS_JOB"
	TypeGetActiveJobs  = "GET_ACTIVE_JOBS"
	TypeGetButtonState = "GET_BUTTON_STATE"
	TypeGetSettings    = "GET_SETTINGS"
	TypeSaveSettings   = "SAVE_SETTINGS"
	TypeGetRecentSaves = "GET_RECENT_SAVES"
	TypeGetCredits     = "GET_CREDITS"
)

// AuthService is the auth coordinator as seen by the router.
type AuthService interface {
	Status(ctx context.Context) (auth.Status, error)
	SetToken(ctx context.Context, token string, user *credential.User, expiresIn int64) (auth.Status, error)
	Login(ctx context.Context, email, password string) (auth.Status, error)
	Logout(ctx context.Context) error
}

// JobService is the job tracker as seen by the router.
type JobService interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (*jobs.Job, error)
	Status(ctx context.Context, id string) (*jobs.Job, error)
	Cancel(ctx context.Context, id string) (*jobs.Job, error)
	Dismiss(ctx context.Context, id string) error
	Active() []*jobs.Job
	Finished() []*jobs.Job
	Sync(ctx context.Context) (int, error)
	FindByURL(url string) *jobs.Job
	Submitting(url string) bool
	ResumeAll() int
	Reset(ctx context.Context) error
}

// SavedService is the saved-item cache as seen by the router.
type SavedService interface {
	Has(ctx context.Context, url string) (bool, error)
	List(ctx context.Context, limit int) ([]saved.Item, error)
}

// SettingsService is the settings store as seen by the router.
type SettingsService interface {
	Get(ctx context.Context) (settings.Settings, error)
	Save(ctx context.Context, in settings.Settings) (settings.Settings, error)
}

// CreditsService reports the billing balance.
type CreditsService interface {
	Credits(ctx context.Context) (*api.Credits, error)
}

// Deps are the components the standard handlers dispatch to.
type Deps struct {
	Auth      AuthService
	Jobs      JobService
	Saved     SavedService
	Settings  SettingsService
	Credits   CreditsService
	Publisher notify.Publisher
}

// DefaultRecentSaves is the GET_RECENT_SAVES page size when none is given.
const DefaultRecentSaves = 50

// Register installs the handler for every message type.
func Register(r *Router, d Deps) {
	h := &handlers{Deps: d}
	r.Handle(TypeGetAuthStatus, h.getAuthStatus)
	r.Handle(TypeSetToken, h.setToken)
	r.Handle(TypeLogin, h.login)
	r.Handle(TypeLogout, h.logout)
	r.Handle(TypeSubmitJob, h.submitJob)
	r.Handle(TypeGetJobStatus, h.getJobStatus)
	r.Handle(TypeCancelJob, h.cancelJob)
	r.Handle(TypeDismissJob, h.dismissJob)
	r.Handle(TypeGetActiveJobs, h.getActiveJobs)
	r.Handle(TypeGetButtonState, h.getButtonState)
	r.Handle(TypeGetSettings, h.getSettings)
	r.Handle(TypeSaveSettings, h.saveSettings)
	r.Handle(TypeGetRecentSaves, h.getRecentSaves)
	r.Handle(TypeGetCredits, h.getCredits)
}

type handlers struct {
	Deps
}

// Success is the payload of acknowledgement-only responses.
type Success struct {
	Success bool `json:"success"`
}

type setTokenPayload struct {
	Token     string           `json:"token"`
	User      *credential.User `json:"user"`
	ExpiresIn int64            `json:"expiresIn"`
}

type loginPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type submitPayload struct {
	ResourceRef string `json:"resourceRef"`
	Title       string `json:"title"`
	Options     struct {
		AnalyzeFrames *bool `json:"analyzeFrames"`
	} `json:"options"`
}

type jobPayload struct {
	JobID string `json:"jobId"`
}

type urlPayload struct {
	URL string `json:"url"`
}

type activeJobsPayload struct {
	Sync bool `json:"sync"`
}

type recentPayload struct {
	Limit int `json:"limit"`
}

// AuthData is the GET_AUTH_STATUS and LOGIN response.
type AuthData = auth.Status

// JobStatusData is the GET_JOB_STATUS response.
type JobStatusData struct {
	Status   jobs.Status `json:"status"`
	Progress int         `json:"progress"`
	Error    string      `json:"error,omitempty"`
	Job      *jobs.Job   `json:"job"`
}

// JobData wraps a single job.
type JobData struct {
	Success bool      `json:"success,omitempty"`
	Job     *jobs.Job `json:"job"`
}

// JobsData is the GET_ACTIVE_JOBS response.
type JobsData struct {
	Active   []*jobs.Job `json:"active"`
	Finished []*jobs.Job `json:"finished"`
	Synced   int         `json:"synced,omitempty"`
}

// SettingsData is the SAVE_SETTINGS response.
type SettingsData struct {
	Success  bool              `json:"success"`
	Settings settings.Settings `json:"settings"`
}

// RecentData is the GET_RECENT_SAVES response.
type RecentData struct {
	Items []saved.Item `json:"items"`
}

// CreditsData is the GET_CREDITS response.
type CreditsData struct {
	api.Credits
	Remaining int `json:"remaining"`
}

func (h *handlers) getAuthStatus(ctx context.Context, _ json.RawMessage) (any, error) {
	return h.Auth.Status(ctx)
}

func (h *handlers) setToken(ctx context.Context, payload json.RawMessage) (any, error) {
	var p setTokenPayload
	if err := Decode(payload, &p); err != nil {
		return nil, err
	}
	if _, err := h.Auth.SetToken(ctx, p.Token, p.User, p.ExpiresIn); err != nil {
		return nil, err
	}
	h.Jobs.ResumeAll()
	return Success{Success: true}, nil
}

func (h *handlers) login(ctx context.Context, payload json.RawMessage) (any, error) {
	var p loginPayload
	if err := Decode(payload, &p); err != nil {
		return nil, err
	}
	st, err := h.Auth.Login(ctx, p.Email, p.Password)
	if err != nil {
		return nil, err
	}
	h.Jobs.ResumeAll()
	return st, nil
}

func (h *handlers) logout(ctx context.Context, _ json.RawMessage) (any, error) {
	if err := h.Auth.Logout(ctx); err != nil {
		return nil, err
	}
	if err := h.Jobs.Reset(ctx); err != nil {
		return nil, err
	}
	return Success{Success: true}, nil
}

func (h *handlers) submitJob(ctx context.Context, payload json.RawMessage) (any, error) {
	var p submitPayload
	if err := Decode(payload, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.ResourceRef) == "" {
		return nil, apierr.New(apierr.KindInvalidRequest, "resourceRef is required")
	}

	analyze := false
	if p.Options.AnalyzeFrames != nil {
		analyze = *p.Options.AnalyzeFrames
	} else {
		st, err := h.Settings.Get(ctx)
		if err != nil {
			return nil, err
		}
		analyze = st.DefaultAnalyzeFrames
	}

	job, err := h.Jobs.Submit(ctx, jobs.SubmitRequest{URL: p.ResourceRef, Title: p.Title, AnalyzeFrames: analyze})
	if err != nil {
		return nil, err
	}
	return JobData{Job: job}, nil
}

func (h *handlers) jobID(payload json.RawMessage) (string, error) {
	var p jobPayload
	if err := Decode(payload, &p); err != nil {
		return "", err
	}
	id := strings.TrimSpace(p.JobID)
	if id == "" {
		return "", apierr.New(apierr.KindInvalidRequest, "jobId is required")
	}
	return id, nil
}

func (h *handlers) getJobStatus(ctx context.Context, payload json.RawMessage) (any, error) {
	id, err := h.jobID(payload)
	if err != nil {
		return nil, err
	}
	job, err := h.Jobs.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	return JobStatusData{Status: job.Status, Progress: job.Progress, Error: job.Error, Job: job}, nil
}

func (h *handlers) cancelJob(ctx context.Context, payload json.RawMessage) (any, error) {
	id, err := h.jobID(payload)
	if err != nil {
		return nil, err
	}
	job, err := h.Jobs.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}
	return JobData{Success: true, Job: job}, nil
}

func (h *handlers) dismissJob(ctx context.Context, payload json.RawMessage) (any, error) {
	id, err := h.jobID(payload)
	if err != nil {
		return nil, err
	}
	if err := h.Jobs.Dismiss(ctx, id); err != nil {
		return nil, err
	}
	return Success{Success: true}, nil
}

func (h *handlers) getActiveJobs(ctx context.Context, payload json.RawMessage) (any, error) {
	var p activeJobsPayload
	if err := Decode(payload, &p); err != nil {
		return nil, err
	}
	out := JobsData{}
	if p.Sync {
		n, err := h.Jobs.Sync(ctx)
		if err != nil {
			return nil, err
		}
		out.Synced = n
	}
	out.Active = h.Jobs.Active()
	out.Finished = h.Jobs.Finished()
	return out, nil
}

func (h *handlers) getButtonState(ctx context.Context, payload json.RawMessage) (any, error) {
	var p urlPayload
	if err := Decode(payload, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.URL) == "" {
		return nil, apierr.New(apierr.KindInvalidRequest, "url is required")
	}

	st, err := h.Auth.Status(ctx)
	if err != nil {
		return nil, err
	}
	has, err := h.Saved.Has(ctx, p.URL)
	if err != nil {
		return nil, err
	}
	return jobs.Project(jobs.ProjectionInput{
		LoggedIn:   st.IsLoggedIn,
		Saved:      has,
		Submitting: h.Jobs.Submitting(p.URL),
		Job:        h.Jobs.FindByURL(p.URL),
	}), nil
}

func (h *handlers) getSettings(ctx context.Context, _ json.RawMessage) (any, error) {
	return h.Settings.Get(ctx)
}

func (h *handlers) saveSettings(ctx context.Context, payload json.RawMessage) (any, error) {
	var in settings.Settings
	if err := Decode(payload, &in); err != nil {
		return nil, err
	}
	out, err := h.Settings.Save(ctx, in)
	if errors.Is(err, settings.ErrInvalidURL) {
		return nil, apierr.Wrap(apierr.KindInvalidRequest, err, err.Error())
	}
	if err != nil {
		return nil, err
	}
	if h.Publisher != nil {
		h.Publisher.Publish(ctx, notify.TypeSettingsChanged, "", out)
	}
	return SettingsData{Success: true, Settings: out}, nil
}

func (h *handlers) getRecentSaves(ctx context.Context, payload json.RawMessage) (any, error) {
	p := recentPayload{Limit: DefaultRecentSaves}
	if err := Decode(payload, &p); err != nil {
		return nil, err
	}
	items, err := h.Saved.List(ctx, p.Limit)
	if err != nil {
		return nil, err
	}
	return RecentData{Items: items}, nil
}

func (h *handlers) getCredits(ctx context.Context, _ json.RawMessage) (any, error) {
	c, err := h.Credits.Credits(ctx)
	if err != nil {
		return nil, err
	}
	return CreditsData{Credits: *c, Remaining: c.Remaining()}, nil
}
