// Package jobs tracks submitted jobs and polls the remote API until each
// one reaches a terminal status.
//
// Every tracked job has at most one poll loop. A loop is a chain of
// one-shot timers: the next poll is armed only after the previous result
// has been applied, so polls for one job never overlap. Stopping a loop is
// cooperative; a poll already in flight finishes but its result is
// discarded.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Dicklesworthstone/clipagent/internal/api"
	"github.com/Dicklesworthstone/clipagent/internal/apierr"
	"github.com/Dicklesworthstone/clipagent/internal/notify"
	"github.com/Dicklesworthstone/clipagent/internal/resource"
	"github.com/Dicklesworthstone/clipagent/internal/store"
)

const (
	DefaultPollInterval   = 3 * time.Second
	DefaultRetryInterval  = 3 * time.Second
	DefaultRequestTimeout = 30 * time.Second
	DefaultFinishedKept   = 20
)

// Remote is the part of the API client the tracker uses.
type Remote interface {
	AddResource(ctx context.Context, in api.AddResourceRequest) (*api.Job, error)
	GetJob(ctx context.Context, id string) (*api.Job, error)
	ListJobs(ctx context.Context) ([]api.Job, error)
	CancelJob(ctx context.Context, id string) error
}

// SavedRecorder records successful submissions.
type SavedRecorder interface {
	Add(ctx context.Context, url, title string) (bool, error)
}

// Options configures a Tracker. Zero values take the defaults.
type Options struct {
	PollInterval   time.Duration
	RetryInterval  time.Duration
	RequestTimeout time.Duration
	FinishedKept   int
	Logger         *slog.Logger
	Clock          func() time.Time
}

// SubmitRequest asks for a resource to be processed.
type SubmitRequest struct {
	URL           string `json:"url"`
	Title         string `json:"title,omitempty"`
	AnalyzeFrames bool   `json:"analyzeFrames"`
}

type pollLoop struct {
	id      string
	timer   *time.Timer
	stopped bool
}

// stop is safe to call whether or not a poll is pending.
func (l *pollLoop) stop() {
	l.stopped = true
	if l.timer != nil {
		l.timer.Stop()
	}
}

// Tracker owns the job state of the daemon.
type Tracker struct {
	remote Remote
	kv     store.Store
	saved  SavedRecorder
	pub    notify.Publisher
	logger *slog.Logger
	now    func() time.Time

	pollInterval   atomic.Int64
	retryInterval  atomic.Int64
	requestTimeout time.Duration
	finishedKept   int

	submits singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	active     map[string]*Job
	finished   []*Job // oldest first
	loops      map[string]*pollLoop
	submitting map[string]int // by resource id
	closed     bool

	persistMu sync.Mutex
}

// New returns a tracker. saved and pub may be nil.
func New(remote Remote, kv store.Store, saved SavedRecorder, pub notify.Publisher, opts Options) *Tracker {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		remote:         remote,
		kv:             kv,
		saved:          saved,
		pub:            pub,
		logger:         opts.Logger,
		now:            opts.Clock,
		requestTimeout: opts.RequestTimeout,
		finishedKept:   opts.FinishedKept,
		ctx:            ctx,
		cancel:         cancel,
		active:         make(map[string]*Job),
		loops:          make(map[string]*pollLoop),
		submitting:     make(map[string]int),
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	if t.now == nil {
		t.now = time.Now
	}
	if t.requestTimeout <= 0 {
		t.requestTimeout = DefaultRequestTimeout
	}
	if t.finishedKept <= 0 {
		t.finishedKept = DefaultFinishedKept
	}
	t.pollInterval.Store(int64(DefaultPollInterval))
	t.retryInterval.Store(int64(DefaultRetryInterval))
	t.SetIntervals(opts.PollInterval, opts.RetryInterval)
	return t
}

// SetIntervals changes the poll and retry delays for future polls.
// Non-positive values leave the current setting.
func (t *Tracker) SetIntervals(poll, retry time.Duration) {
	if poll > 0 {
		t.pollInterval.Store(int64(poll))
	}
	if retry > 0 {
		t.retryInterval.Store(int64(retry))
	}
}

// PollInterval is the delay between successful polls.
func (t *Tracker) PollInterval() time.Duration { return time.Duration(t.pollInterval.Load()) }

// RetryInterval is the delay after a failed poll.
func (t *Tracker) RetryInterval() time.Duration { return time.Duration(t.retryInterval.Load()) }

// Submit creates a job for req.URL and starts polling it. Concurrent
// submits of the same resource share one remote call. Remote failures such
// as feature_locked are returned as is and nothing is tracked.
func (t *Tracker) Submit(ctx context.Context, req SubmitRequest) (*Job, error) {
	ref, err := resource.Parse(req.URL)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInvalidRequest, err, "invalid resource url")
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, apierr.New(apierr.KindInternal, "tracker closed")
	}
	t.submitting[ref.ID]++
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		if t.submitting[ref.ID]--; t.submitting[ref.ID] <= 0 {
			delete(t.submitting, ref.ID)
		}
		t.mu.Unlock()
	}()

	v, err, _ := t.submits.Do(ref.ID, func() (any, error) {
		// Shared by every waiter, so it must outlive the caller that started it.
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.requestTimeout)
		defer cancel()
		return t.remote.AddResource(sctx, api.AddResourceRequest{
			URL:           ref.URL,
			Title:         req.Title,
			AnalyzeFrames: req.AnalyzeFrames,
		})
	})
	if err != nil {
		t.logger.Info("submit failed", "resource", ref.ID, "kind", apierr.KindOf(err), "error", err)
		return nil, err
	}
	remote := v.(*api.Job)

	job, added := t.track(remote, ref, req.Title)
	if !added {
		return job, nil
	}

	bg := context.WithoutCancel(ctx)
	if t.saved != nil {
		if _, err := t.saved.Add(bg, ref.URL, job.Title); err != nil {
			t.logger.Warn("record saved item failed", "url", ref.URL, "error", err)
		}
	}
	t.emit(bg, job)
	t.StartPolling(job.ID)

	t.logger.Info("job submitted", "job_id", job.ID, "resource", ref.ID, "status", job.Status)
	return job, nil
}

// track inserts the job returned by a submit unless it is already known.
func (t *Tracker) track(remote *api.Job, ref resource.Ref, title string) (*Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.active[remote.ID]; ok {
		return existing.Clone(), false
	}
	if existing := t.findFinishedLocked(remote.ID); existing != nil {
		return existing.Clone(), false
	}

	now := t.now()
	job := &Job{
		ID:         remote.ID,
		URL:        ref.URL,
		ResourceID: ref.ID,
		Title:      firstNonEmpty(remote.Title, title),
		Status:     StatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	job.update(normalizeStatus(remote.Status), remote.Progress, "", remote.Error, remote.StatusText, now)

	t.active[job.ID] = job
	if job.Status.IsTerminal() {
		t.finishLocked(job)
	}
	return job.Clone(), true
}

// StartPolling starts the poll loop for a tracked job. It reports false,
// and does nothing, when the job already has a loop, is unknown or is
// terminal.
func (t *Tracker) StartPolling(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startLocked(id, t.PollInterval())
}

func (t *Tracker) startLocked(id string, delay time.Duration) bool {
	if t.closed {
		return false
	}
	if _, running := t.loops[id]; running {
		return false
	}
	job, ok := t.active[id]
	if !ok || job.Status.IsTerminal() {
		return false
	}

	job.Paused = false
	loop := &pollLoop{id: id}
	t.loops[id] = loop
	t.scheduleLocked(loop, delay)
	return true
}

func (t *Tracker) scheduleLocked(loop *pollLoop, delay time.Duration) {
	loop.timer = time.AfterFunc(delay, func() { t.poll(loop) })
}

func (t *Tracker) currentLocked(loop *pollLoop) bool {
	return !t.closed && !loop.stopped && t.loops[loop.id] == loop
}

func (t *Tracker) poll(loop *pollLoop) {
	t.mu.Lock()
	live := t.currentLocked(loop)
	t.mu.Unlock()
	if !live {
		return
	}

	ctx, cancel := context.WithTimeout(t.ctx, t.requestTimeout)
	remote, err := t.remote.GetJob(ctx, loop.id)
	cancel()

	t.mu.Lock()
	if !t.currentLocked(loop) {
		t.mu.Unlock()
		return
	}
	job, ok := t.active[loop.id]
	if !ok {
		delete(t.loops, loop.id)
		t.mu.Unlock()
		return
	}

	now := t.now()
	next := time.Duration(-1)
	changed := false
	kind := apierr.KindOf(err)
	switch {
	case err == nil:
		changed = job.update(normalizeStatus(remote.Status), remote.Progress, remote.Title, remote.Error, remote.StatusText, now)
		if job.Status.IsTerminal() {
			t.finishLocked(job)
		} else {
			next = t.PollInterval()
		}
	case kind == apierr.KindUnauthorized || kind == apierr.KindLoginRequired:
		loop.stop()
		delete(t.loops, loop.id)
		job.Paused = true
		changed = true
		t.logger.Info("polling paused until sign-in", "job_id", loop.id)
	case kind == apierr.KindNotFound:
		changed = job.update(StatusFailed, job.Progress, "", "job not found", "", now)
		t.finishLocked(job)
	default:
		t.logger.Debug("poll failed, retrying", "job_id", loop.id, "kind", kind, "error", err)
		next = t.RetryInterval()
	}
	if next >= 0 {
		t.scheduleLocked(loop, next)
	}
	snapshot := job.Clone()
	t.mu.Unlock()

	if changed {
		t.emit(context.WithoutCancel(t.ctx), snapshot)
		if snapshot.Status.IsTerminal() {
			t.logger.Info("job finished", "job_id", snapshot.ID, "status", snapshot.Status)
		}
	}
}

// finishLocked moves a terminal job out of the active set.
func (t *Tracker) finishLocked(job *Job) {
	t.stopLoopLocked(job.ID)
	delete(t.active, job.ID)
	job.Paused = false
	t.finished = append(t.finished, job)
	if over := len(t.finished) - t.finishedKept; over > 0 {
		t.finished = append([]*Job(nil), t.finished[over:]...)
	}
}

func (t *Tracker) stopLoopLocked(id string) {
	if loop, ok := t.loops[id]; ok {
		loop.stop()
		delete(t.loops, id)
	}
}

// Cancel stops polling id and marks it cancelled. The remote cancel is
// attempted but its failure does not keep the job alive locally.
func (t *Tracker) Cancel(ctx context.Context, id string) (*Job, error) {
	t.mu.Lock()
	_, tracked := t.active[id]
	if tracked {
		t.stopLoopLocked(id)
	} else if done := t.findFinishedLocked(id); done != nil {
		t.mu.Unlock()
		return done.Clone(), nil
	}
	t.mu.Unlock()

	remoteErr := t.remote.CancelJob(ctx, id)
	if !tracked {
		if remoteErr != nil {
			return nil, remoteErr
		}
		return &Job{ID: id, Status: StatusCancelled, UpdatedAt: t.now()}, nil
	}
	if remoteErr != nil {
		t.logger.Warn("remote cancel failed, cancelling locally", "job_id", id, "error", remoteErr)
	}

	t.mu.Lock()
	job, ok := t.active[id]
	if !ok {
		done := t.findFinishedLocked(id)
		t.mu.Unlock()
		if done == nil {
			return nil, apierr.Newf(apierr.KindNotFound, "job %s not found", id)
		}
		return done.Clone(), nil
	}
	job.update(StatusCancelled, job.Progress, "", "", "", t.now())
	t.finishLocked(job)
	snapshot := job.Clone()
	t.mu.Unlock()

	t.emit(context.WithoutCancel(ctx), snapshot)
	t.logger.Info("job cancelled", "job_id", id)
	return snapshot, nil
}

// Dismiss forgets a job, stopping its loop if it has one.
func (t *Tracker) Dismiss(ctx context.Context, id string) error {
	t.mu.Lock()
	found := false
	if _, ok := t.active[id]; ok {
		t.stopLoopLocked(id)
		delete(t.active, id)
		found = true
	}
	for i, j := range t.finished {
		if j.ID == id {
			t.finished = append(t.finished[:i:i], t.finished[i+1:]...)
			found = true
			break
		}
	}
	t.mu.Unlock()

	if !found {
		return apierr.Newf(apierr.KindNotFound, "job %s not found", id)
	}
	bg := context.WithoutCancel(ctx)
	t.persist(bg)
	if t.pub != nil {
		t.pub.Publish(bg, notify.TypeJobDismissed, id, map[string]string{"jobId": id})
	}
	return nil
}

// Get returns a tracked job, active or finished.
func (t *Tracker) Get(id string) (*Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if j, ok := t.active[id]; ok {
		return j.Clone(), true
	}
	if j := t.findFinishedLocked(id); j != nil {
		return j.Clone(), true
	}
	return nil, false
}

// Status returns the local view of id, falling back to a one-off remote
// fetch for jobs this tracker does not know.
func (t *Tracker) Status(ctx context.Context, id string) (*Job, error) {
	if j, ok := t.Get(id); ok {
		return j, nil
	}
	remote, err := t.remote.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	now := t.now()
	j := &Job{ID: remote.ID, URL: remote.URL, Status: StatusQueued, CreatedAt: now}
	if remote.URL != "" {
		j.ResourceID = resource.ID(remote.URL)
	}
	j.update(normalizeStatus(remote.Status), remote.Progress, remote.Title, remote.Error, remote.StatusText, now)
	return j, nil
}

// FindByURL returns the most relevant job for the resource at url: an
// active one if any, otherwise the most recently finished.
func (t *Tracker) FindByURL(url string) *Job {
	id := resource.ID(url)

	t.mu.Lock()
	defer t.mu.Unlock()

	var best *Job
	for _, j := range t.active {
		if j.ResourceID == id && (best == nil || j.CreatedAt.After(best.CreatedAt)) {
			best = j
		}
	}
	if best != nil {
		return best.Clone()
	}
	for i := len(t.finished) - 1; i >= 0; i-- {
		if t.finished[i].ResourceID == id {
			return t.finished[i].Clone()
		}
	}
	return nil
}

// Submitting reports whether a submit for url is in flight.
func (t *Tracker) Submitting(url string) bool {
	id := resource.ID(url)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.submitting[id] > 0
}

// Active returns the jobs still in progress, oldest first.
func (t *Tracker) Active() []*Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Job, 0, len(t.active))
	for _, j := range t.active {
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out
}

// Finished returns the retained terminal jobs, newest first.
func (t *Tracker) Finished() []*Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Job, 0, len(t.finished))
	for i := len(t.finished) - 1; i >= 0; i-- {
		out = append(out, t.finished[i].Clone())
	}
	return out
}

// Polling reports whether id has a live poll loop.
func (t *Tracker) Polling(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.loops[id]
	return ok
}

// Sync merges the remote list of active jobs into the tracker and starts
// loops for jobs it did not know about. It returns how many were added.
func (t *Tracker) Sync(ctx context.Context) (int, error) {
	remote, err := t.remote.ListJobs(ctx)
	if err != nil {
		return 0, err
	}

	now := t.now()
	var added []*Job
	t.mu.Lock()
	for _, rj := range remote {
		if rj.ID == "" {
			continue
		}
		if j, ok := t.active[rj.ID]; ok {
			j.update(normalizeStatus(rj.Status), rj.Progress, rj.Title, rj.Error, rj.StatusText, now)
			continue
		}
		if t.findFinishedLocked(rj.ID) != nil {
			continue
		}
		j := &Job{ID: rj.ID, URL: rj.URL, Title: rj.Title, Status: StatusQueued, CreatedAt: now, UpdatedAt: now}
		if rj.URL != "" {
			j.ResourceID = resource.ID(rj.URL)
		}
		j.update(normalizeStatus(rj.Status), rj.Progress, "", rj.Error, rj.StatusText, now)
		if j.Status.IsTerminal() {
			continue
		}
		t.active[j.ID] = j
		t.startLocked(j.ID, 0)
		added = append(added, j.Clone())
	}
	t.mu.Unlock()

	t.emit(context.WithoutCancel(ctx), added...)
	if len(added) > 0 {
		t.logger.Info("synced jobs from server", "added", len(added))
	}
	return len(added), nil
}

// ResumeAll restarts loops for every active job that has none, typically
// after sign-in. It returns how many loops were started.
func (t *Tracker) ResumeAll() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id := range t.active {
		if t.startLocked(id, 0) {
			n++
		}
	}
	return n
}

// PauseAll stops every loop and marks the jobs paused. Jobs stay tracked.
func (t *Tracker) PauseAll() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, loop := range t.loops {
		loop.stop()
		delete(t.loops, id)
		if j, ok := t.active[id]; ok {
			j.Paused = true
		}
		n++
	}
	return n
}

// Reset stops everything and forgets all jobs, including the persisted
// cache.
func (t *Tracker) Reset(ctx context.Context) error {
	t.persistMu.Lock()
	defer t.persistMu.Unlock()

	t.mu.Lock()
	for id, loop := range t.loops {
		loop.stop()
		delete(t.loops, id)
	}
	t.active = make(map[string]*Job)
	t.finished = nil
	t.mu.Unlock()

	if err := t.kv.Delete(ctx, store.KeyJobs); err != nil {
		return fmt.Errorf("clear job cache: %w", err)
	}
	return nil
}

// Close stops all loops. The tracker cannot be restarted.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	for id, loop := range t.loops {
		loop.stop()
		delete(t.loops, id)
	}
	t.mu.Unlock()
	t.cancel()
}

func (t *Tracker) findFinishedLocked(id string) *Job {
	for i := len(t.finished) - 1; i >= 0; i-- {
		if t.finished[i].ID == id {
			return t.finished[i]
		}
	}
	return nil
}

func (t *Tracker) publish(ctx context.Context, job *Job) {
	if t.pub == nil || job == nil {
		return
	}
	t.pub.Publish(ctx, notify.TypeJobUpdated, job.ID, job)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
