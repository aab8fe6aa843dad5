package jobs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dicklesworthstone/clipagent/internal/api"
	"github.com/Dicklesworthstone/clipagent/internal/apierr"
	"github.com/Dicklesworthstone/clipagent/internal/notify"
	"github.com/Dicklesworthstone/clipagent/internal/resource"
	"github.com/Dicklesworthstone/clipagent/internal/store"
)

const tick = 5 * time.Millisecond

type pollResult struct {
	job *api.Job
	err error
}

// fakeRemote scripts GetJob responses per job id. Once a script runs out
// the last response repeats.
type fakeRemote struct {
	mu        sync.Mutex
	nextID    int
	addErr    error
	addDelay  time.Duration
	addGate   chan struct{}
	scripts   map[string][]pollResult
	gate      chan struct{}
	cancelErr error
	listed    []api.Job

	addCalls    atomic.Int32
	cancelCalls atomic.Int32
	getCalls    map[string]*atomic.Int32
	inFlight    map[string]int
	maxInFlight map[string]int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		scripts:     make(map[string][]pollResult),
		getCalls:    make(map[string]*atomic.Int32),
		inFlight:    make(map[string]int),
		maxInFlight: make(map[string]int),
	}
}

func (f *fakeRemote) script(id string, results ...pollResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[id] = results
}

func (f *fakeRemote) counter(id string) *atomic.Int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.getCalls[id]
	if !ok {
		c = &atomic.Int32{}
		f.getCalls[id] = c
	}
	return c
}

func (f *fakeRemote) AddResource(ctx context.Context, in api.AddResourceRequest) (*api.Job, error) {
	f.addCalls.Add(1)
	if f.addDelay > 0 {
		time.Sleep(f.addDelay)
	}
	if f.addGate != nil {
		select {
		case <-f.addGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.addErr != nil {
		return nil, f.addErr
	}
	f.mu.Lock()
	f.nextID++
	id := fmt.Sprintf("J%d", f.nextID)
	f.mu.Unlock()
	return &api.Job{ID: id, Status: "queued"}, nil
}

func (f *fakeRemote) GetJob(ctx context.Context, id string) (*api.Job, error) {
	f.counter(id).Add(1)

	f.mu.Lock()
	f.inFlight[id]++
	if f.inFlight[id] > f.maxInFlight[id] {
		f.maxInFlight[id] = f.inFlight[id]
	}
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight[id]--
	script := f.scripts[id]
	if len(script) == 0 {
		return &api.Job{ID: id, Status: "processing"}, nil
	}
	res := script[0]
	if len(script) > 1 {
		f.scripts[id] = script[1:]
	}
	return res.job, res.err
}

func (f *fakeRemote) ListJobs(context.Context) ([]api.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listed, nil
}

func (f *fakeRemote) CancelJob(context.Context, string) error {
	f.cancelCalls.Add(1)
	return f.cancelErr
}

func ok(id, status string, progress int) pollResult {
	return pollResult{job: &api.Job{ID: id, Status: status, Progress: progress}}
}

func fail(kind apierr.Kind) pollResult {
	return pollResult{err: apierr.New(kind, string(kind))}
}

type recordingSaved struct {
	mu   sync.Mutex
	urls []string
}

func (r *recordingSaved) Add(_ context.Context, url, _ string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.urls = append(r.urls, url)
	return true, nil
}

type fixture struct {
	remote  *fakeRemote
	kv      *store.Memory
	hub     *notify.Hub
	saved   *recordingSaved
	tracker *Tracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		remote: newFakeRemote(),
		kv:     store.NewMemory(),
		hub:    notify.NewHub(nil),
		saved:  &recordingSaved{},
	}
	f.tracker = f.newTracker()
	t.Cleanup(f.tracker.Close)
	return f
}

func (f *fixture) newTracker() *Tracker {
	return New(f.remote, f.kv, f.saved, f.hub, Options{PollInterval: tick, RetryInterval: tick})
}

func (f *fixture) surface() *notify.ChanSurface {
	s := notify.NewChanSurface(256)
	f.hub.Register(s)
	return s
}

func waitForStatus(t *testing.T, s *notify.ChanSurface, id string, want Status) *Job {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-s.Events():
			if ev.Type != notify.TypeJobUpdated || ev.Subject != id {
				continue
			}
			var j Job
			require.NoError(t, ev.Decode(&j))
			if j.Status == want {
				return &j
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s to reach %s", id, want)
			return nil
		}
	}
}

func TestSubmit_PollsUntilCompletedAndBroadcasts(t *testing.T) {
	f := newFixture(t)
	f.remote.script("J1", ok("J1", "downloading", 10), ok("J1", "completed", 100))
	popup := f.surface()
	page := f.surface()

	job, err := f.tracker.Submit(context.Background(), SubmitRequest{URL: "https://youtu.be/dQw4w9WgXcQ", Title: "resourceA"})
	require.NoError(t, err)
	assert.Equal(t, "J1", job.ID)
	assert.Equal(t, StatusQueued, job.Status)
	assert.Equal(t, "youtube:dQw4w9WgXcQ", job.ResourceID)

	mid := waitForStatus(t, popup, "J1", StatusDownloading)
	assert.Equal(t, 10, mid.Progress)

	for _, s := range []*notify.ChanSurface{popup, page} {
		done := waitForStatus(t, s, "J1", StatusCompleted)
		assert.Equal(t, 100, done.Progress)
	}

	calls := f.remote.counter("J1")
	require.Eventually(t, func() bool { return !f.tracker.Polling("J1") }, time.Second, tick)
	after := calls.Load()
	assert.Never(t, func() bool { return calls.Load() != after }, 20*tick, tick, "no poll after terminal status")

	assert.Empty(t, f.tracker.Active())
	finished := f.tracker.Finished()
	require.Len(t, finished, 1)
	assert.Equal(t, StatusCompleted, finished[0].Status)
	assert.Equal(t, []string{"https://youtu.be/dQw4w9WgXcQ"}, f.saved.urls)
}

func TestSubmit_TypedErrorIsNotTracked(t *testing.T) {
	f := newFixture(t)
	f.remote.addErr = &apierr.Error{Kind: apierr.KindInsufficientCredits, Status: 403, Message: "Out of credits"}

	_, err := f.tracker.Submit(context.Background(), SubmitRequest{URL: "https://example.com/v/1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apierr.ErrInsufficientCredits)
	assert.Empty(t, f.tracker.Active())
	assert.Empty(t, f.saved.urls)
	assert.Equal(t, 0, f.kv.Writes(store.KeyJobs))
}

func TestSubmit_RejectsBadURL(t *testing.T) {
	f := newFixture(t)
	_, err := f.tracker.Submit(context.Background(), SubmitRequest{URL: "notaurl"})
	assert.Equal(t, apierr.KindInvalidRequest, apierr.KindOf(err))
	assert.Zero(t, f.remote.addCalls.Load())
}

func TestSubmit_ConcurrentSameURLSharesOneCall(t *testing.T) {
	f := newFixture(t)
	f.remote.addDelay = 20 * time.Millisecond

	var wg sync.WaitGroup
	ids := make([]string, 5)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job, err := f.tracker.Submit(context.Background(), SubmitRequest{URL: "https://example.com/v/1"})
			if assert.NoError(t, err) {
				ids[i] = job.ID
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.remote.addCalls.Load())
	for _, id := range ids {
		assert.Equal(t, "J1", id)
	}
	assert.Len(t, f.tracker.Active(), 1)
	assert.False(t, f.tracker.Submitting("https://example.com/v/1"))
}

func TestSubmit_FirstCallerLeavingDoesNotFailOthers(t *testing.T) {
	f := newFixture(t)
	f.remote.addGate = make(chan struct{})
	const url = "https://example.com/v/1"
	id := resource.ID(url)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := f.tracker.Submit(firstCtx, SubmitRequest{URL: url})
		first <- err
	}()
	require.Eventually(t, func() bool { return f.remote.addCalls.Load() == 1 }, time.Second, tick)

	type result struct {
		job *Job
		err error
	}
	second := make(chan result, 1)
	go func() {
		job, err := f.tracker.Submit(context.Background(), SubmitRequest{URL: url})
		second <- result{job, err}
	}()
	require.Eventually(t, func() bool {
		f.tracker.mu.Lock()
		defer f.tracker.mu.Unlock()
		return f.tracker.submitting[id] == 2
	}, time.Second, tick)

	cancelFirst()
	time.Sleep(4 * tick)
	close(f.remote.addGate)

	select {
	case res := <-second:
		require.NoError(t, res.err)
		assert.Equal(t, "J1", res.job.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("second submit did not return")
	}
	assert.NoError(t, <-first)
	assert.Equal(t, int32(1), f.remote.addCalls.Load())
	assert.Len(t, f.tracker.Active(), 1)
}

func TestStartPolling_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.remote.script("J1", ok("J1", "processing", 5))
	_, err := f.tracker.Submit(context.Background(), SubmitRequest{URL: "https://example.com/v/1"})
	require.NoError(t, err)

	var started atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.tracker.StartPolling("J1") {
				started.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, started.Load(), "submit already started the loop")

	calls := f.remote.counter("J1")
	require.Eventually(t, func() bool { return calls.Load() >= 10 }, 2*time.Second, tick)

	f.remote.mu.Lock()
	assert.Equal(t, 1, f.remote.maxInFlight["J1"], "polls for one job never overlap")
	f.remote.mu.Unlock()
}

func TestStartPolling_UnknownOrTerminal(t *testing.T) {
	f := newFixture(t)
	assert.False(t, f.tracker.StartPolling("nope"))

	f.remote.script("J1", ok("J1", "completed", 100))
	s := f.surface()
	_, err := f.tracker.Submit(context.Background(), SubmitRequest{URL: "https://example.com/v/1"})
	require.NoError(t, err)
	waitForStatus(t, s, "J1", StatusCompleted)
	assert.False(t, f.tracker.StartPolling("J1"))
}

func TestCancel_StopsPollingEvenWhenRemoteFails(t *testing.T) {
	f := newFixture(t)
	f.remote.cancelErr = apierr.New(apierr.KindNetwork, "down")
	_, err := f.tracker.Submit(context.Background(), SubmitRequest{URL: "https://example.com/v/1"})
	require.NoError(t, err)

	calls := f.remote.counter("J1")
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, tick)

	job, err := f.tracker.Cancel(context.Background(), "J1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, job.Status)
	assert.Equal(t, int32(1), f.remote.cancelCalls.Load())

	time.Sleep(2 * tick)
	after := calls.Load()
	assert.Never(t, func() bool { return calls.Load() != after }, 20*tick, tick)

	again, err := f.tracker.Cancel(context.Background(), "J1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, again.Status)
	assert.Equal(t, int32(1), f.remote.cancelCalls.Load(), "cancelling a finished job is local")
}

func TestCancel_DiscardsInFlightResult(t *testing.T) {
	f := newFixture(t)
	f.remote.gate = make(chan struct{})
	f.remote.script("J1", ok("J1", "completed", 100))
	_, err := f.tracker.Submit(context.Background(), SubmitRequest{URL: "https://example.com/v/1"})
	require.NoError(t, err)

	calls := f.remote.counter("J1")
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, tick)

	_, err = f.tracker.Cancel(context.Background(), "J1")
	require.NoError(t, err)
	close(f.remote.gate)

	assert.Never(t, func() bool {
		j, _ := f.tracker.Get("J1")
		return j.Status != StatusCancelled
	}, 20*tick, tick)
	assert.Equal(t, int32(1), calls.Load())
}

func TestEmit_DropsSnapshotsTheJobHasMovedPast(t *testing.T) {
	f := newFixture(t)
	f.remote.gate = make(chan struct{})
	t.Cleanup(func() { close(f.remote.gate) })
	job, err := f.tracker.Submit(context.Background(), SubmitRequest{URL: "https://example.com/v/1"})
	require.NoError(t, err)

	stale := job.Clone()
	stale.Status = StatusDownloading
	stale.Progress = 40

	_, err = f.tracker.Cancel(context.Background(), "J1")
	require.NoError(t, err)

	s := f.surface()
	f.tracker.emit(context.Background(), stale)
	assert.Never(t, func() bool { return len(s.Events()) > 0 }, 10*tick, tick,
		"a pre-cancel snapshot is not published after cancelled")

	current, found := f.tracker.Get("J1")
	require.True(t, found)
	f.tracker.emit(context.Background(), current)
	got := waitForStatus(t, s, "J1", StatusCancelled)
	assert.Equal(t, "J1", got.ID)

	require.NoError(t, f.tracker.Dismiss(context.Background(), "J1"))
	f.tracker.emit(context.Background(), current)
	assert.Never(t, func() bool {
		for len(s.Events()) > 0 {
			if ev := <-s.Events(); ev.Type == notify.TypeJobUpdated {
				return true
			}
		}
		return false
	}, 10*tick, tick, "a dismissed job is not republished")
}

func TestPoll_UnauthorizedPausesAndResumeAllRestarts(t *testing.T) {
	f := newFixture(t)
	f.remote.script("J1", fail(apierr.KindUnauthorized), ok("J1", "completed", 100))
	s := f.surface()
	_, err := f.tracker.Submit(context.Background(), SubmitRequest{URL: "https://example.com/v/1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		j, _ := f.tracker.Get("J1")
		return j.Paused
	}, time.Second, tick)
	assert.False(t, f.tracker.Polling("J1"))

	calls := f.remote.counter("J1")
	assert.Never(t, func() bool { return calls.Load() > 1 }, 10*tick, tick)

	assert.Equal(t, 1, f.tracker.ResumeAll())
	waitForStatus(t, s, "J1", StatusCompleted)
}

func TestPoll_TransientErrorsRetry(t *testing.T) {
	f := newFixture(t)
	f.remote.script("J1",
		fail(apierr.KindNetwork),
		pollResult{err: &apierr.Error{Kind: apierr.KindHTTP, Status: 503}},
		ok("J1", "analyzing", 60),
		ok("J1", "completed", 100),
	)
	s := f.surface()
	_, err := f.tracker.Submit(context.Background(), SubmitRequest{URL: "https://example.com/v/1"})
	require.NoError(t, err)

	waitForStatus(t, s, "J1", StatusCompleted)
	assert.Equal(t, int32(4), f.remote.counter("J1").Load())
}

func TestPoll_NotFoundFailsJob(t *testing.T) {
	f := newFixture(t)
	f.remote.script("J1", fail(apierr.KindNotFound))
	s := f.surface()
	_, err := f.tracker.Submit(context.Background(), SubmitRequest{URL: "https://example.com/v/1"})
	require.NoError(t, err)

	j := waitForStatus(t, s, "J1", StatusFailed)
	assert.Equal(t, "job not found", j.Error)
}

func TestPoll_UnknownStatusKeepsPolling(t *testing.T) {
	f := newFixture(t)
	f.remote.script("J1", ok("J1", "thumbnailing", 20), ok("J1", "completed", 100))
	s := f.surface()
	_, err := f.tracker.Submit(context.Background(), SubmitRequest{URL: "https://example.com/v/1"})
	require.NoError(t, err)

	mid := waitForStatus(t, s, "J1", Status("thumbnailing"))
	assert.Equal(t, PhasePolling, PhaseOf(mid))
	waitForStatus(t, s, "J1", StatusCompleted)
}

func TestResume_RestartsPersistedJobs(t *testing.T) {
	f := newFixture(t)
	f.remote.gate = make(chan struct{})
	_, err := f.tracker.Submit(context.Background(), SubmitRequest{URL: "https://example.com/v/1"})
	require.NoError(t, err)
	f.tracker.Close()
	close(f.remote.gate)
	f.remote.mu.Lock()
	f.remote.gate = nil
	f.remote.mu.Unlock()

	f.remote.script("J1", ok("J1", "completed", 100))
	restarted := f.newTracker()
	t.Cleanup(restarted.Close)
	s := f.surface()

	n, err := restarted.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	waitForStatus(t, s, "J1", StatusCompleted)

	n, err = restarted.Resume(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDismiss(t *testing.T) {
	f := newFixture(t)
	f.remote.script("J1", ok("J1", "completed", 100))
	s := f.surface()
	_, err := f.tracker.Submit(context.Background(), SubmitRequest{URL: "https://example.com/v/1"})
	require.NoError(t, err)
	waitForStatus(t, s, "J1", StatusCompleted)

	require.NoError(t, f.tracker.Dismiss(context.Background(), "J1"))
	_, found := f.tracker.Get("J1")
	assert.False(t, found)
	assert.Equal(t, apierr.KindNotFound, apierr.KindOf(f.tracker.Dismiss(context.Background(), "J1")))
}

func TestFinishedIsBounded(t *testing.T) {
	f := newFixture(t)
	f.tracker.finishedKept = 3
	for i := 1; i <= 5; i++ {
		f.remote.script(fmt.Sprintf("J%d", i), ok(fmt.Sprintf("J%d", i), "completed", 100))
	}
	for i := 1; i <= 5; i++ {
		_, err := f.tracker.Submit(context.Background(), SubmitRequest{URL: fmt.Sprintf("https://example.com/v/%d", i)})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return len(f.tracker.Active()) == 0 }, 2*time.Second, tick)
	assert.Len(t, f.tracker.Finished(), 3)
}

func TestSync_AddsUnknownActiveJobs(t *testing.T) {
	f := newFixture(t)
	f.remote.listed = []api.Job{
		{ID: "R1", Status: "transcribing", Progress: 30, URL: "https://youtu.be/dQw4w9WgXcQ"},
		{ID: "R2", Status: "completed"},
	}
	f.remote.script("R1", ok("R1", "completed", 100))
	s := f.surface()

	n, err := f.tracker.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	waitForStatus(t, s, "R1", StatusCompleted)

	j := f.tracker.FindByURL("https://www.youtube.com/watch?v=dQw4w9WgXcQ")
	require.NotNil(t, j)
	assert.Equal(t, "R1", j.ID)
}

func TestPauseAllAndReset(t *testing.T) {
	f := newFixture(t)
	_, err := f.tracker.Submit(context.Background(), SubmitRequest{URL: "https://example.com/v/1"})
	require.NoError(t, err)

	assert.Equal(t, 1, f.tracker.PauseAll())
	assert.False(t, f.tracker.Polling("J1"))
	j, _ := f.tracker.Get("J1")
	assert.True(t, j.Paused)

	require.NoError(t, f.tracker.Reset(context.Background()))
	assert.Empty(t, f.tracker.Active())
	found, err := f.kv.Get(context.Background(), store.KeyJobs, nil)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStatus_FallsBackToRemote(t *testing.T) {
	f := newFixture(t)
	f.remote.script("X9", ok("X9", "analyzing", 70))

	j, err := f.tracker.Status(context.Background(), "X9")
	require.NoError(t, err)
	assert.Equal(t, StatusAnalyzing, j.Status)
	assert.Equal(t, 70, j.Progress)
	_, tracked := f.tracker.Get("X9")
	assert.False(t, tracked)
}
