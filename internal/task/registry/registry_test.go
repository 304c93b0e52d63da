package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"tradeclaw/internal/task/session"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func newTestRegistry(opts ...Option) *Registry {
	clk := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(append([]Option{WithClock(clk.Now)}, opts...)...)
}

func TestCreateValidates(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	tests := []CreateOptions{
		{Task: "   "},
		{Task: "x", Type: "scalper"},
		{Task: "x", Priority: session.Priority(7)},
		{Task: "x", Timeout: -time.Second},
	}
	for _, opts := range tests {
		if _, err := r.Create(opts); !errors.Is(err, session.ErrValidation) {
			t.Fatalf("Create(%+v) error = %v, want validation", opts, err)
		}
	}
	if got := r.List(session.Filter{}); len(got) != 0 {
		t.Fatalf("rejected creates left %d records", len(got))
	}
}

func TestCreateDefaults(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	s, err := r.Create(CreateOptions{Task: "scan BTC funding rates\nthen report", Tags: []string{"a", "a", " b "}})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if s.ID == "" || s.Status != session.StatusPending || s.Type != session.TypeGeneric {
		t.Fatalf("unexpected session %+v", s)
	}
	if s.Label != "scan BTC funding rates" {
		t.Fatalf("Label = %q", s.Label)
	}
	if len(s.Tags) != 2 || s.StartedAt != nil || s.CompletedAt != nil {
		t.Fatalf("unexpected session %+v", s)
	}
}

func TestStateMachine(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	s, _ := r.Create(CreateOptions{Task: "t"})

	if r.Finish(s.ID, session.StatusCompleted, &session.Result{Summary: "early"}, nil) {
		t.Fatal("pending session completed without running")
	}
	if !r.MarkRunning(s.ID) {
		t.Fatal("MarkRunning failed")
	}
	if r.MarkRunning(s.ID) {
		t.Fatal("MarkRunning succeeded twice")
	}
	got, _ := r.Get(s.ID)
	if got.Status != session.StatusRunning || got.StartedAt == nil || got.CompletedAt != nil {
		t.Fatalf("running session %+v", got)
	}

	if !r.Finish(s.ID, session.StatusCompleted, &session.Result{Summary: "done"}, nil) {
		t.Fatal("Finish failed")
	}
	if r.Finish(s.ID, session.StatusFailed, nil, errors.New("late")) {
		t.Fatal("terminal session transitioned again")
	}
	got, _ = r.Get(s.ID)
	if got.Status != session.StatusCompleted || got.CompletedAt == nil || got.Result.Summary != "done" || got.Error != "" {
		t.Fatalf("completed session %+v", got)
	}
	if got.Result.SessionID != s.ID || got.Result.DurationMs <= 0 || got.Progress != 100 {
		t.Fatalf("result not stamped: %+v", got.Result)
	}
}

func TestCancelPending(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	s, _ := r.Create(CreateOptions{Task: "t"})
	if !r.Finish(s.ID, session.StatusCancelled, nil, nil) {
		t.Fatal("cancel pending failed")
	}
	if r.MarkRunning(s.ID) {
		t.Fatal("cancelled session started")
	}
	got, _ := r.Get(s.ID)
	if got.StartedAt == nil || got.CompletedAt == nil || !got.StartedAt.Equal(*got.CompletedAt) || got.ErrorKind != session.KindCancelled {
		t.Fatalf("cancelled session %+v", got)
	}
	if got.Result != nil {
		t.Fatalf("cancelled pending session has a result: %+v", got.Result)
	}
}

func TestCreateCopiesMetadata(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	meta := map[string]any{"source": "chat"}
	s, err := r.Create(CreateOptions{Task: "t", Metadata: meta})
	if err != nil {
		t.Fatal(err)
	}
	meta["source"] = "mutated"
	meta["extra"] = 1

	got, _ := r.Get(s.ID)
	if len(got.Metadata) != 1 || got.Metadata["source"] != "chat" {
		t.Fatalf("Metadata = %v", got.Metadata)
	}
	got.Metadata["source"] = "reader"
	again, _ := r.Get(s.ID)
	if again.Metadata["source"] != "chat" {
		t.Fatalf("Get() shares Metadata: %v", again.Metadata)
	}
}

func TestFailureRecordsKind(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	s, _ := r.Create(CreateOptions{Task: "t"})
	r.MarkRunning(s.ID)
	r.Finish(s.ID, session.StatusFailed, nil, fmt.Errorf("after 5m: %w", session.ErrTimeout))
	got, _ := r.Get(s.ID)
	if got.ErrorKind != session.KindTimeout || got.Error == "" {
		t.Fatalf("failed session %+v", got)
	}
}

func TestListFilters(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	a, _ := r.Create(CreateOptions{Task: "a", Type: session.TypeAnalysis, Tags: []string{"x"}})
	b, _ := r.Create(CreateOptions{Task: "b", Type: session.TypeStrategy, Tags: []string{"y"}})
	c, _ := r.Create(CreateOptions{Task: "c", Type: session.TypeAnalysis, Tags: []string{"z"}})
	r.MarkRunning(c.ID)

	ids := func(ss []session.Session) []string {
		out := make([]string, len(ss))
		for i, s := range ss {
			out[i] = s.ID
		}
		return out
	}

	if got := ids(r.List(session.Filter{})); len(got) != 3 || got[0] != c.ID || got[2] != a.ID {
		t.Fatalf("List() not newest first: %v", got)
	}
	if got := r.List(session.Filter{Type: session.TypeAnalysis, Status: session.StatusPending}); len(got) != 1 || got[0].ID != a.ID {
		t.Fatalf("AND filter = %v", ids(got))
	}
	if got := r.List(session.Filter{Tags: []string{"x", "y"}}); len(got) != 2 {
		t.Fatalf("tag OR filter = %v", ids(got))
	}
	if got := r.List(session.Filter{Limit: 1}); len(got) != 1 || got[0].ID != c.ID {
		t.Fatalf("limit = %v", ids(got))
	}
	_ = b
}

func TestResultsByTagOnlyCompleted(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	var ids []string
	for i := 0; i < 3; i++ {
		s, _ := r.Create(CreateOptions{Task: fmt.Sprintf("t%d", i), Tags: []string{"x"}})
		r.MarkRunning(s.ID)
		ids = append(ids, s.ID)
	}
	r.Finish(ids[0], session.StatusCompleted, &session.Result{Summary: "r0"}, nil)
	r.Finish(ids[1], session.StatusFailed, nil, errors.New("boom"))
	r.Finish(ids[2], session.StatusCompleted, &session.Result{Summary: "r2"}, nil)

	got := r.ResultsByTag("x")
	if len(got) != 2 || got[0].Summary != "r0" || got[1].Summary != "r2" {
		t.Fatalf("ResultsByTag() = %+v", got)
	}
	if got := r.ResultsByTag("missing"); len(got) != 0 {
		t.Fatalf("ResultsByTag(missing) = %+v", got)
	}
}

func TestRetentionPrunesOldestTerminal(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(WithMaxRetained(2))
	var ids []string
	for i := 0; i < 4; i++ {
		s, _ := r.Create(CreateOptions{Task: "t"})
		ids = append(ids, s.ID)
	}
	live, _ := r.Create(CreateOptions{Task: "still pending"})
	for _, id := range ids {
		r.MarkRunning(id)
		r.Finish(id, session.StatusCompleted, &session.Result{}, nil)
	}
	if _, ok := r.Get(ids[0]); ok {
		t.Fatal("oldest terminal session not pruned")
	}
	if _, ok := r.Get(ids[3]); !ok {
		t.Fatal("newest terminal session pruned")
	}
	if _, ok := r.Get(live.ID); !ok {
		t.Fatal("pending session pruned")
	}
	if got := len(r.List(session.Filter{})); got != 3 {
		t.Fatalf("retained %d sessions, want 3", got)
	}
}

func TestConcurrentAccess(t *testing.T) {
	t.Parallel()

	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := r.Create(CreateOptions{Task: "t", Tags: []string{"c"}})
			if err != nil {
				t.Error(err)
				return
			}
			r.MarkRunning(s.ID)
			r.SetProgress(s.ID, 50)
			r.Finish(s.ID, session.StatusCompleted, &session.Result{}, nil)
			_ = r.List(session.Filter{Tags: []string{"c"}})
		}()
	}
	wg.Wait()
	if got := len(r.ResultsByTag("c")); got != 32 {
		t.Fatalf("ResultsByTag() = %d, want 32", got)
	}
}
