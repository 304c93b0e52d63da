package cron

import (
	"cmp"
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"tradeclaw/internal/storage"
	logx "tradeclaw/pkg/logx"
)

// Store holds jobs and their run history in memory and mirrors every
// change to an optional storage.Store. Writes are made by the scheduler
// only; everything else reads.
type Store struct {
	mu      sync.RWMutex
	jobs    map[string]Job
	runs    map[string][]Run
	maxRuns int

	db  storage.Store
	log logx.Logger
}

// NewStore wraps db, which may be nil for a memory-only store.
func NewStore(db storage.Store, maxRuns int, log logx.Logger) *Store {
	if maxRuns <= 0 {
		maxRuns = DefaultMaxRuns
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{
		jobs:    map[string]Job{},
		runs:    map[string][]Run{},
		maxRuns: maxRuns,
		db:      db,
		log:     log,
	}
}

// Load replaces the in-memory state with the persisted one. Records that
// fail to decode are skipped and logged.
func (st *Store) Load(ctx context.Context) error {
	if st.db == nil {
		return nil
	}
	recs, err := st.db.LoadJobs(ctx)
	if err != nil {
		return err
	}
	runs, err := st.db.LoadRuns(ctx)
	if err != nil {
		return err
	}

	jobs := make(map[string]Job, len(recs))
	for _, rec := range recs {
		var j Job
		if err := json.Unmarshal(rec.Data, &j); err != nil || j.ID == "" {
			st.log.Warn("skipping unreadable job", logx.String("id", rec.ID), logx.Err(err))
			continue
		}
		if err := j.Schedule.Validate(); err != nil {
			st.log.Warn("skipping job with invalid schedule", logx.String("id", j.ID), logx.Err(err))
			continue
		}
		jobs[j.ID] = j
	}
	history := map[string][]Run{}
	for _, rec := range runs {
		var r Run
		if err := json.Unmarshal(rec.Data, &r); err != nil {
			continue
		}
		history[rec.JobID] = appendBounded(history[rec.JobID], r, st.maxRuns)
	}

	st.mu.Lock()
	st.jobs = jobs
	st.runs = history
	st.mu.Unlock()
	st.log.Info("jobs loaded", logx.Int("jobs", len(jobs)), logx.Int("runs", len(runs)))
	return nil
}

// Put persists j and then makes it visible.
func (st *Store) Put(ctx context.Context, j Job) error {
	if st.db != nil {
		b, err := json.Marshal(j)
		if err != nil {
			return err
		}
		if err := st.db.PutJob(ctx, storage.JobRecord{ID: j.ID, Data: b, UpdatedAt: j.UpdatedAt}); err != nil {
			return err
		}
	}
	st.mu.Lock()
	st.jobs[j.ID] = j.clone()
	st.mu.Unlock()
	return nil
}

func (st *Store) Delete(ctx context.Context, id string) (bool, error) {
	st.mu.RLock()
	_, ok := st.jobs[id]
	st.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if st.db != nil {
		if err := st.db.DeleteJob(ctx, id); err != nil {
			return false, err
		}
	}
	st.mu.Lock()
	delete(st.jobs, id)
	st.mu.Unlock()
	return true, nil
}

func (st *Store) Get(id string) (Job, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	j, ok := st.jobs[id]
	if !ok {
		return Job{}, false
	}
	return j.clone(), true
}

// List returns matching jobs ordered by next run, soonest first; jobs
// without a next run come last.
func (st *Store) List(f Filter) []Job {
	st.mu.RLock()
	out := make([]Job, 0, len(st.jobs))
	for _, j := range st.jobs {
		if f.match(j) {
			out = append(out, j.clone())
		}
	}
	st.mu.RUnlock()
	slices.SortFunc(out, compareNext)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func compareNext(a, b Job) int {
	switch {
	case a.NextRunAt.IsZero() && !b.NextRunAt.IsZero():
		return 1
	case !a.NextRunAt.IsZero() && b.NextRunAt.IsZero():
		return -1
	}
	if c := a.NextRunAt.Compare(b.NextRunAt); c != 0 {
		return c
	}
	return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
}

// Due returns enabled jobs whose next run is at or before now, soonest
// first.
func (st *Store) Due(now time.Time) []Job {
	st.mu.RLock()
	var out []Job
	for _, j := range st.jobs {
		if j.Due(now) {
			out = append(out, j.clone())
		}
	}
	st.mu.RUnlock()
	slices.SortFunc(out, compareNext)
	return out
}

// AppendRun records r in memory; persistence failures are returned but the
// run stays visible.
func (st *Store) AppendRun(ctx context.Context, r Run) error {
	st.mu.Lock()
	st.runs[r.JobID] = appendBounded(st.runs[r.JobID], r, st.maxRuns)
	st.mu.Unlock()
	if st.db == nil {
		return nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return st.db.AppendRun(ctx, storage.RunRecord{JobID: r.JobID, At: r.StartedAt, Data: b})
}

// History returns up to limit runs of a job, newest first. ok is false when
// neither the job nor any of its runs is known.
func (st *Store) History(jobID string, limit int) ([]Run, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	runs, hasRuns := st.runs[jobID]
	_, hasJob := st.jobs[jobID]
	if !hasRuns && !hasJob {
		return nil, false
	}
	out := make([]Run, 0, len(runs))
	for i := len(runs) - 1; i >= 0; i-- {
		out = append(out, runs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, true
}

func (st *Store) counts() (total, enabled int) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	for _, j := range st.jobs {
		total++
		if j.Enabled {
			enabled++
		}
	}
	return total, enabled
}

func appendBounded(list []Run, r Run, limit int) []Run {
	list = append(list, r)
	if over := len(list) - limit; over > 0 {
		list = slices.Delete(list, 0, over)
	}
	return list
}
