package jobs

import (
	"context"
	"fmt"
	"sort"

	"github.com/Dicklesworthstone/clipagent/internal/store"
)

// cacheDocument is the persisted job cache.
type cacheDocument struct {
	Active   []*Job `json:"active"`
	Finished []*Job `json:"finished"`
}

func (t *Tracker) snapshotLocked() cacheDocument {
	doc := cacheDocument{
		Active:   make([]*Job, 0, len(t.active)),
		Finished: make([]*Job, 0, len(t.finished)),
	}
	for _, j := range t.active {
		doc.Active = append(doc.Active, j.Clone())
	}
	sort.Slice(doc.Active, func(i, k int) bool { return doc.Active[i].CreatedAt.Before(doc.Active[k].CreatedAt) })
	for _, j := range t.finished {
		doc.Finished = append(doc.Finished, j.Clone())
	}
	return doc
}

// persist writes the latest state. Writers are serialized and each one
// snapshots under the lock, so an older snapshot never lands last.
func (t *Tracker) persist(ctx context.Context) {
	t.persistMu.Lock()
	defer t.persistMu.Unlock()

	t.mu.Lock()
	doc := t.snapshotLocked()
	t.mu.Unlock()

	t.write(ctx, doc)
}

// emit persists the cache and publishes the given job snapshots while
// holding persistMu. A snapshot the tracked job has already moved past is
// dropped, so a late poll result cannot follow a newer state out.
func (t *Tracker) emit(ctx context.Context, snapshots ...*Job) {
	t.persistMu.Lock()
	defer t.persistMu.Unlock()

	t.mu.Lock()
	doc := t.snapshotLocked()
	fresh := make([]*Job, 0, len(snapshots))
	for _, snap := range snapshots {
		if t.supersededLocked(snap) {
			t.logger.Debug("dropping stale job update", "job_id", snap.ID, "status", snap.Status)
			continue
		}
		fresh = append(fresh, snap)
	}
	t.mu.Unlock()

	t.write(ctx, doc)
	for _, snap := range fresh {
		t.publish(ctx, snap)
	}
}

// supersededLocked reports whether snap is older than the tracked job,
// or the job is no longer tracked at all.
func (t *Tracker) supersededLocked(snap *Job) bool {
	cur, ok := t.active[snap.ID]
	if !ok {
		cur = t.findFinishedLocked(snap.ID)
	}
	if cur == nil {
		return true
	}
	if cur.Status.IsTerminal() && !snap.Status.IsTerminal() {
		return true
	}
	return cur.UpdatedAt.After(snap.UpdatedAt)
}

func (t *Tracker) write(ctx context.Context, doc cacheDocument) {
	if err := t.kv.Set(ctx, store.KeyJobs, doc); err != nil {
		t.logger.Warn("persist job cache failed", "error", err)
	}
}

// Resume reloads the persisted job cache, typically at startup, and
// restarts polling for every job that was still in progress. It returns
// how many loops were started.
func (t *Tracker) Resume(ctx context.Context) (int, error) {
	var doc cacheDocument
	found, err := t.kv.Get(ctx, store.KeyJobs, &doc)
	if err != nil {
		return 0, fmt.Errorf("load job cache: %w", err)
	}
	if !found {
		return 0, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, j := range doc.Finished {
		if j == nil || j.ID == "" || t.findFinishedLocked(j.ID) != nil {
			continue
		}
		t.finished = append(t.finished, j)
	}
	if over := len(t.finished) - t.finishedKept; over > 0 {
		t.finished = append([]*Job(nil), t.finished[over:]...)
	}

	started := 0
	for _, j := range doc.Active {
		if j == nil || j.ID == "" {
			continue
		}
		if _, ok := t.active[j.ID]; ok {
			continue
		}
		if j.Status.IsTerminal() {
			t.active[j.ID] = j
			t.finishLocked(j)
			continue
		}
		t.active[j.ID] = j
		if t.startLocked(j.ID, 0) {
			started++
		}
	}
	if started > 0 {
		t.logger.Info("resumed job polling", "jobs", started)
	}
	return started, nil
}
