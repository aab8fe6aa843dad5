// Package tui is the terminal panel: a live view of the daemon's login
// state, jobs and recent saves, driven by the broadcast stream.
package tui

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/Dicklesworthstone/clipagent/internal/apierr"
	"github.com/Dicklesworthstone/clipagent/internal/auth"
	"github.com/Dicklesworthstone/clipagent/internal/jobs"
	"github.com/Dicklesworthstone/clipagent/internal/notify"
	"github.com/Dicklesworthstone/clipagent/internal/router"
	"github.com/Dicklesworthstone/clipagent/internal/saved"
)

// recentLimit is how many recent saves the panel shows.
const recentLimit = 8

// Backend is the daemon as seen by the panel.
type Backend interface {
	Send(ctx context.Context, typ string, payload any, out any) error
	Subscribe(ctx context.Context) (<-chan notify.Event, error)
}

// viewState represents the current view/mode of the panel.
type viewState int

const (
	stateList viewState = iota
	stateInput
	stateHelp
)

// Model is the Bubble Tea model for the panel.
type Model struct {
	backend Backend
	ctx     context.Context

	auth     auth.Status
	jobs     []*jobs.Job
	recent   []saved.Item
	selected int
	loaded   bool
	events   <-chan notify.Event

	width  int
	height int
	state  viewState
	err    error

	keys    keyMap
	styles  Styles
	opts    RenderOptions
	spinner spinner.Model
	bar     jobBar
	input   textinput.Model

	statusMsg string
}

// New creates a panel model talking to backend. ctx bounds every request
// and the event subscription.
func New(ctx context.Context, backend Backend, opts RenderOptions) Model {
	styles := DefaultStyles()
	if opts.NoColor {
		styles = PlainStyles()
	}

	in := textinput.New()
	in.Placeholder = "https://..."
	in.Prompt = "Save link: "
	in.CharLimit = 2048

	return Model{
		backend: backend,
		ctx:     ctx,
		state:   stateList,
		keys:    defaultKeyMap(),
		styles:  styles,
		opts:    opts,
		spinner: newSpinner(opts),
		bar:     newJobBar(defaultBarWidth, opts),
		input:   in,
	}
}

// Init implements tea.Model. The panel pulls full state on open and then
// follows the event stream.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.loadState, m.subscribe}
	if !m.opts.ReduceMotion {
		cmds = append(cmds, m.spinner.Tick)
	}
	return tea.Batch(cmds...)
}

func (m Model) loadState() tea.Msg {
	var msg stateLoadedMsg
	if err := m.backend.Send(m.ctx, router.TypeGetAuthStatus, nil, &msg.auth); err != nil {
		msg.err = err
		return msg
	}
	var js router.JobsData
	if err := m.backend.Send(m.ctx, router.TypeGetActiveJobs, nil, &js); err != nil {
		msg.err = err
		return msg
	}
	msg.active, msg.finished = js.Active, js.Finished

	var rs router.RecentData
	if err := m.backend.Send(m.ctx, router.TypeGetRecentSaves, map[string]int{"limit": recentLimit}, &rs); err != nil {
		msg.err = err
		return msg
	}
	msg.recent = rs.Items
	return msg
}

func (m Model) syncJobs() tea.Msg {
	var js router.JobsData
	err := m.backend.Send(m.ctx, router.TypeGetActiveJobs, map[string]bool{"sync": true}, &js)
	if err != nil {
		return actionDoneMsg{verb: "synced", err: err}
	}
	return stateLoadedMsg{auth: m.auth, active: js.Active, finished: js.Finished, recent: m.recent}
}

func (m Model) subscribe() tea.Msg {
	events, err := m.backend.Subscribe(m.ctx)
	return subscribedMsg{events: events, err: err}
}

func waitForEvent(events <-chan notify.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg{event: ev}
	}
}

func (m Model) send(typ string, payload any) tea.Cmd {
	return func() tea.Msg {
		var out router.JobData
		err := m.backend.Send(m.ctx, typ, payload, &out)
		return actionDoneMsg{verb: actionVerb(typ), job: out.Job, err: err}
	}
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.state == stateInput {
			return m.handleInput(msg)
		}
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.bar = newJobBar(barWidth(msg.Width), m.opts)
		m.input.Width = max(10, msg.Width-20)
		return m, nil

	case spinner.TickMsg:
		if m.opts.ReduceMotion {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case stateLoadedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.err = nil
		m.loaded = true
		m.auth = msg.auth
		m.recent = msg.recent
		m.jobs = mergeJobs(msg.active, msg.finished)
		m.clampSelection()
		return m, nil

	case subscribedMsg:
		if msg.err != nil {
			m.statusMsg = "live updates unavailable: " + msg.err.Error()
			return m, nil
		}
		m.events = msg.events
		return m, waitForEvent(msg.events)

	case eventMsg:
		cmd := m.applyEvent(msg.event)
		return m, tea.Batch(cmd, waitForEvent(m.events))

	case streamClosedMsg:
		m.events = nil
		m.statusMsg = "disconnected from daemon"
		return m, nil

	case actionDoneMsg:
		if msg.err != nil {
			m.statusMsg = describeError(msg.err)
			return m, nil
		}
		if msg.verb == "submitted" && msg.job != nil {
			m.upsert(msg.job)
		}
		m.statusMsg = "job " + msg.verb
		return m, nil
	}

	return m, nil
}

// applyEvent folds one broadcast into the model.
func (m *Model) applyEvent(ev notify.Event) tea.Cmd {
	switch ev.Type {
	case notify.TypeAuthChanged:
		var st auth.Status
		if err := ev.Decode(&st); err != nil {
			return m.loadState
		}
		m.auth = st
		if !st.IsLoggedIn {
			m.statusMsg = "signed out"
		}
		return m.loadState

	case notify.TypeJobUpdated:
		var job jobs.Job
		if err := ev.Decode(&job); err != nil {
			return nil
		}
		m.upsert(&job)
		if job.Status == jobs.StatusCompleted {
			return m.loadState
		}

	case notify.TypeJobDismissed:
		m.remove(ev.Subject)

	case notify.TypeSettingsChanged:
		m.statusMsg = "settings updated"
	}
	return nil
}

func (m *Model) upsert(job *jobs.Job) {
	for i, existing := range m.jobs {
		if existing.ID == job.ID {
			m.jobs[i] = job
			return
		}
	}
	m.jobs = append([]*jobs.Job{job}, m.jobs...)
}

func (m *Model) remove(id string) {
	for i, job := range m.jobs {
		if job.ID == id {
			m.jobs = append(m.jobs[:i], m.jobs[i+1:]...)
			break
		}
	}
	m.clampSelection()
}

func (m *Model) clampSelection() {
	if m.selected >= len(m.jobs) {
		m.selected = len(m.jobs) - 1
	}
	if m.selected < 0 {
		m.selected = 0
	}
}

func (m Model) selectedJob() *jobs.Job {
	if m.selected >= 0 && m.selected < len(m.jobs) {
		return m.jobs[m.selected]
	}
	return nil
}

// handleKeyPress processes keyboard input in list and help views.
func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.state == stateHelp {
		m.state = stateList
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.Help):
		m.state = stateHelp
		return m, nil

	case key.Matches(msg, m.keys.Up):
		if m.selected > 0 {
			m.selected--
		}
		return m, nil

	case key.Matches(msg, m.keys.Down):
		if m.selected < len(m.jobs)-1 {
			m.selected++
		}
		return m, nil

	case key.Matches(msg, m.keys.Submit):
		if !m.auth.IsLoggedIn {
			m.statusMsg = "sign in first: clipagent login"
			return m, nil
		}
		m.state = stateInput
		m.input.SetValue("")
		return m, m.input.Focus()

	case key.Matches(msg, m.keys.Cancel):
		job := m.selectedJob()
		if job == nil || job.Status.IsTerminal() {
			return m, nil
		}
		return m, m.send(router.TypeCancelJob, map[string]string{"jobId": job.ID})

	case key.Matches(msg, m.keys.Dismiss):
		job := m.selectedJob()
		if job == nil {
			return m, nil
		}
		return m, m.send(router.TypeDismissJob, map[string]string{"jobId": job.ID})

	case key.Matches(msg, m.keys.Refresh):
		m.statusMsg = "syncing..."
		return m, m.syncJobs
	}

	return m, nil
}

func (m Model) handleInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Abort):
		m.state = stateList
		m.input.Blur()
		return m, nil

	case key.Matches(msg, m.keys.Confirm):
		url := strings.TrimSpace(m.input.Value())
		m.state = stateList
		m.input.Blur()
		if url == "" {
			return m, nil
		}
		m.statusMsg = "submitting..."
		return m, m.send(router.TypeSubmitJob, map[string]string{"resourceRef": url})
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// mergeJobs lists active jobs first, then finished ones, newest first
// within each group.
func mergeJobs(active, finished []*jobs.Job) []*jobs.Job {
	out := make([]*jobs.Job, 0, len(active)+len(finished))
	a := append([]*jobs.Job(nil), active...)
	sort.SliceStable(a, func(i, j int) bool { return a[i].CreatedAt.After(a[j].CreatedAt) })
	f := append([]*jobs.Job(nil), finished...)
	sort.SliceStable(f, func(i, j int) bool { return f[i].UpdatedAt.After(f[j].UpdatedAt) })
	out = append(out, a...)
	return append(out, f...)
}

func describeError(err error) string {
	var e *apierr.Error
	if errors.As(err, &e) {
		switch e.Kind {
		case apierr.KindLoginRequired, apierr.KindUnauthorized:
			return "sign in required"
		case apierr.KindInsufficientCredits:
			return "out of credits"
		case apierr.KindFeatureLocked:
			return "not available on your plan"
		case apierr.KindNetwork:
			return "can't reach server"
		}
		if e.Message != "" {
			return e.Message
		}
		return string(e.Kind)
	}
	return fmt.Sprint(err)
}

func barWidth(total int) int {
	w := total / 4
	if w < 10 {
		return 10
	}
	if w > 40 {
		return 40
	}
	return w
}

// Run starts the panel against backend.
func Run(ctx context.Context, backend Backend) error {
	p := tea.NewProgram(New(ctx, backend, RenderOptionsFromEnv()), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
