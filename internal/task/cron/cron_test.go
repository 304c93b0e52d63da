package cron

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"tradeclaw/internal/agent"
	"tradeclaw/internal/storage"
	"tradeclaw/internal/task/orchestrator"
	"tradeclaw/internal/task/registry"
	"tradeclaw/internal/task/schedule"
	"tradeclaw/internal/task/session"
	logx "tradeclaw/pkg/logx"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type delivery struct {
	channel string
	text    string
}

type fakeDeliverer struct {
	mu   sync.Mutex
	fail bool
	sent []delivery
}

func (d *fakeDeliverer) Deliver(ctx context.Context, channel, text string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return false
	}
	d.sent = append(d.sent, delivery{channel: channel, text: text})
	return true
}

func (d *fakeDeliverer) all() []delivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]delivery(nil), d.sent...)
}

// mainOnly fakes an orchestrator that only serves main-session turns.
type mainOnly struct {
	reply func(ctx context.Context, msg string) (string, error)
	calls int
	mu    sync.Mutex
}

func (m *mainOnly) Spawn(context.Context, orchestrator.SpawnOptions) (session.Session, error) {
	return session.Session{}, errors.New("spawn not expected")
}

func (m *mainOnly) Wait(context.Context, string) (session.Session, error) {
	return session.Session{}, errors.New("wait not expected")
}

func (m *mainOnly) RunMainTurn(ctx context.Context, msg, model string) (string, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return m.reply(ctx, msg)
}

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startOrchestrator(t *testing.T, eng agent.Engine) *orchestrator.Service {
	t.Helper()
	o := orchestrator.New(orchestrator.Config{}, registry.New(), eng, logx.Nop(), nil)
	o.Start(context.Background())
	t.Cleanup(func() { _ = o.Stop(context.Background()) })
	return o
}

func newTestService(t *testing.T, st *Store, orch Orchestrator, d Deliverer, clk *clock, cfg Config) *Service {
	t.Helper()
	s := New(cfg, st, orch, d, logx.Nop(), nil, WithClock(clk.Now))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func ptr[T any](v T) *T { return &v }

func TestAddValidation(t *testing.T) {
	t.Parallel()

	s := newTestService(t, nil, &mainOnly{}, &fakeDeliverer{}, &clock{t: t0}, Config{})
	tests := []struct {
		name     string
		req      AddRequest
		schedErr bool
	}{
		{"missing payload", AddRequest{Name: "x", Schedule: schedule.Every(time.Minute)}, false},
		{"empty message", AddRequest{Schedule: schedule.Every(time.Minute), Payload: AgentTurn(" ", "")}, false},
		{"bad cron", AddRequest{Schedule: schedule.Cron("61 * * * *", ""), Payload: SystemEvent("hi")}, true},
		{"bad tz", AddRequest{Schedule: schedule.Cron("0 9 * * *", "Mars/Olympus"), Payload: SystemEvent("hi")}, true},
		{"interval below floor", AddRequest{Schedule: schedule.Every(10 * time.Millisecond), Payload: SystemEvent("hi")}, true},
		{"announce without channel", AddRequest{Schedule: schedule.Every(time.Minute), Payload: AgentTurn("go", ""), Delivery: &Delivery{Mode: DeliveryAnnounce}}, false},
		{"unknown target", AddRequest{Schedule: schedule.Every(time.Minute), Payload: SystemEvent("hi"), SessionTarget: "shared"}, false},
	}
	for _, tt := range tests {
		_, err := s.Add(context.Background(), tt.req)
		if !errors.Is(err, session.ErrValidation) {
			t.Fatalf("%s: error = %v, want validation", tt.name, err)
		}
		if tt.schedErr && !errors.Is(err, schedule.ErrInvalidSchedule) {
			t.Fatalf("%s: error = %v, want invalid schedule", tt.name, err)
		}
	}
	if n := len(s.List(Filter{IncludeDisabled: true})); n != 0 {
		t.Fatalf("rejected adds stored %d jobs", n)
	}
}

func TestAddRejectsUnknownAnnounceChannel(t *testing.T) {
	t.Parallel()

	known := map[string]bool{"ops": true}
	s := New(Config{}, nil, &mainOnly{}, &fakeDeliverer{}, logx.Nop(), nil, WithChannelCheck(func(name string) error {
		if !known[name] {
			return errors.New("unknown channel: " + name)
		}
		return nil
	}))

	_, err := s.Add(context.Background(), AddRequest{
		Schedule: schedule.Every(time.Minute),
		Payload:  AgentTurn("scan", ""),
		Delivery: &Delivery{Channel: "opz"},
	})
	if !errors.Is(err, session.ErrValidation) || !strings.Contains(err.Error(), "opz") {
		t.Fatalf("Add(unknown channel) error = %v", err)
	}
	if n := len(s.List(Filter{IncludeDisabled: true})); n != 0 {
		t.Fatalf("rejected add stored %d jobs", n)
	}

	job, err := s.Add(context.Background(), AddRequest{
		Schedule: schedule.Every(time.Minute),
		Payload:  AgentTurn("scan", ""),
		Delivery: &Delivery{Channel: "ops"},
	})
	if err != nil {
		t.Fatalf("Add(known channel) error = %v", err)
	}
	_, err = s.Update(context.Background(), job.ID, UpdateRequest{Delivery: &Delivery{Channel: "gone"}})
	if !errors.Is(err, session.ErrValidation) {
		t.Fatalf("Update(unknown channel) error = %v", err)
	}
	if got, _ := s.Get(job.ID); got.Delivery.Channel != "ops" {
		t.Fatalf("rejected update changed delivery to %q", got.Delivery.Channel)
	}
	if _, err := s.Update(context.Background(), job.ID, UpdateRequest{Delivery: &Delivery{Mode: DeliveryNone, Channel: "gone"}}); err != nil {
		t.Fatalf("Update(delivery none) error = %v", err)
	}
}

func TestAddDefaults(t *testing.T) {
	t.Parallel()

	s := newTestService(t, nil, &mainOnly{}, &fakeDeliverer{}, &clock{t: t0}, Config{})
	at := t0.Add(30 * time.Minute)
	once, err := s.Add(context.Background(), AddRequest{Schedule: schedule.At(at), Payload: SystemEvent("stand up\nand stretch")})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if !once.DeleteAfterRun || !once.Enabled || once.SessionTarget != TargetMain || once.Name != "stand up" || !once.NextRunAt.Equal(at) {
		t.Fatalf("one-shot job = %+v", once)
	}

	every, err := s.Add(context.Background(), AddRequest{
		Name:           "scan",
		Schedule:       schedule.Every(time.Minute),
		Payload:        AgentTurn("scan BTC", ""),
		Delivery:       &Delivery{Channel: "ops"},
		DeleteAfterRun: ptr(true),
		Enabled:        ptr(false),
	})
	if err != nil {
		t.Fatal(err)
	}
	if every.SessionTarget != TargetIsolated || every.Delivery.Mode != DeliveryAnnounce || every.Enabled || !every.NextRunAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("recurring job = %+v", every)
	}

	st := s.Status()
	if st.JobCount != 2 || st.EnabledCount != 1 || st.NextJob == nil || st.NextJob.ID != once.ID {
		t.Fatalf("Status() = %+v", st)
	}
	if got := s.List(Filter{}); len(got) != 1 {
		t.Fatalf("List() without disabled = %d jobs", len(got))
	}
}

func TestForceRunIsolatedAnnounces(t *testing.T) {
	t.Parallel()

	orch := startOrchestrator(t, agent.EchoEngine{})
	d := &fakeDeliverer{}
	s := newTestService(t, nil, orch, d, &clock{t: t0}, Config{})

	job, err := s.Add(context.Background(), AddRequest{
		Name:          "minutely",
		Schedule:      schedule.Cron("*/1 * * * *", ""),
		SessionTarget: TargetIsolated,
		Payload:       AgentTurn("summarize BTC funding", ""),
		Delivery:      &Delivery{Mode: DeliveryAnnounce, Channel: "test"},
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	run, err := s.Run(context.Background(), job.ID, RunForce)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if run.Status != RunSuccess || !run.Delivered || !run.Forced || run.SessionID == "" {
		t.Fatalf("run = %+v", run)
	}
	sess, ok := orch.Get(run.SessionID)
	if !ok || sess.Status != session.StatusCompleted || !sess.HasTag("cron:"+job.ID) {
		t.Fatalf("spawned session = %+v", sess)
	}
	sent := d.all()
	if len(sent) != 1 || sent[0].channel != "test" || !strings.Contains(sent[0].text, "summarize BTC funding") {
		t.Fatalf("deliveries = %+v", sent)
	}

	got, _ := s.Get(job.ID)
	if got.RunCount != 1 || !got.LastRunAt.Equal(t0) || !got.NextRunAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("job after run = %+v", got)
	}
	hist, err := s.History(job.ID, 10)
	if err != nil || len(hist) != 1 || hist[0].ID != run.ID {
		t.Fatalf("History() = %+v, %v", hist, err)
	}
}

func TestIsolatedFailureIsRecorded(t *testing.T) {
	t.Parallel()

	orch := startOrchestrator(t, agent.EngineFunc(func(ctx context.Context, req agent.Request) (session.Result, error) {
		return session.Result{}, errors.New("exchange down")
	}))
	d := &fakeDeliverer{}
	s := newTestService(t, nil, orch, d, &clock{t: t0}, Config{})

	job, err := s.Add(context.Background(), AddRequest{
		Schedule: schedule.Every(time.Hour),
		Payload:  AgentTurn("rebalance", ""),
		Delivery: &Delivery{Channel: "ops"},
	})
	if err != nil {
		t.Fatal(err)
	}
	run, err := s.Run(context.Background(), job.ID, RunForce)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if run.Status != RunFailure || run.Delivered || !strings.Contains(run.Error, "exchange down") {
		t.Fatalf("run = %+v", run)
	}
	if len(d.all()) != 0 {
		t.Fatal("failed run was announced")
	}
	if got, _ := s.Get(job.ID); got.RunCount != 1 {
		t.Fatalf("failed run not counted: %+v", got)
	}
}

func TestAtJobDeletesItselfAfterFiring(t *testing.T) {
	t.Parallel()

	clk := &clock{t: t0}
	d := &fakeDeliverer{}
	s := newTestService(t, nil, &mainOnly{}, d, clk, Config{MainChannel: "main"})

	job, err := s.Add(context.Background(), AddRequest{Schedule: schedule.At(t0.Add(time.Minute)), Payload: SystemEvent("close the hedge")})
	if err != nil {
		t.Fatal(err)
	}
	if n := s.Tick(clk.Now()); n != 0 {
		t.Fatalf("Tick() before due fired %d", n)
	}

	clk.Set(t0.Add(2 * time.Minute))
	if n := s.Tick(clk.Now()); n != 1 {
		t.Fatalf("Tick() fired %d, want 1", n)
	}
	waitFor(t, "job removal", func() bool { _, ok := s.Get(job.ID); return !ok })
	if n := s.Tick(clk.Now().Add(time.Hour)); n != 0 {
		t.Fatalf("Tick() after removal fired %d", n)
	}

	hist, err := s.History(job.ID, 0)
	if err != nil || len(hist) != 1 || hist[0].Status != RunSuccess || !hist[0].Delivered {
		t.Fatalf("History() = %+v, %v", hist, err)
	}
	if sent := d.all(); len(sent) != 1 || sent[0].channel != "main" || sent[0].text != "close the hedge" {
		t.Fatalf("deliveries = %+v", sent)
	}
}

func TestForcedAtJobRunsOnce(t *testing.T) {
	t.Parallel()

	clk := &clock{t: t0}
	d := &fakeDeliverer{}
	s := newTestService(t, nil, &mainOnly{}, d, clk, Config{MainChannel: "main"})

	job, err := s.Add(context.Background(), AddRequest{Schedule: schedule.At(t0.Add(time.Hour)), Payload: SystemEvent("roll the futures")})
	if err != nil {
		t.Fatal(err)
	}
	run, err := s.Run(context.Background(), job.ID, RunForce)
	if err != nil || run.Status != RunSuccess {
		t.Fatalf("Run(force) = %+v, %v", run, err)
	}
	if j, ok := s.Get(job.ID); ok {
		t.Fatalf("one-shot job kept after forced run: next %v", j.NextRunAt)
	}

	clk.Set(t0.Add(2 * time.Hour))
	if n := s.Tick(clk.Now()); n != 0 {
		t.Fatalf("Tick() after forced run fired %d", n)
	}
	hist, err := s.History(job.ID, 0)
	if err != nil || len(hist) != 1 || !hist[0].Forced {
		t.Fatalf("History() = %+v, %v", hist, err)
	}
	if sent := d.all(); len(sent) != 1 {
		t.Fatalf("deliveries = %+v", sent)
	}
}

func TestKeptAtJobStopsAfterForcedRun(t *testing.T) {
	t.Parallel()

	clk := &clock{t: t0}
	s := newTestService(t, nil, &mainOnly{}, &fakeDeliverer{}, clk, Config{MainChannel: "main"})

	job, err := s.Add(context.Background(), AddRequest{
		Schedule:       schedule.At(t0.Add(time.Hour)),
		Payload:        SystemEvent("rebalance"),
		DeleteAfterRun: ptr(false),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Run(context.Background(), job.ID, RunForce); err != nil {
		t.Fatal(err)
	}
	got, ok := s.Get(job.ID)
	if !ok || !got.NextRunAt.IsZero() || got.RunCount != 1 {
		t.Fatalf("kept job = %+v, %v", got, ok)
	}
	clk.Set(t0.Add(2 * time.Hour))
	if n := s.Tick(clk.Now()); n != 0 {
		t.Fatalf("exhausted job fired %d", n)
	}
}

func TestEveryCadenceFollowsLastRun(t *testing.T) {
	t.Parallel()

	clk := &clock{t: t0}
	s := newTestService(t, nil, &mainOnly{}, &fakeDeliverer{}, clk, Config{})
	job, err := s.Add(context.Background(), AddRequest{Schedule: schedule.Every(time.Minute), Payload: SystemEvent("ping")})
	if err != nil {
		t.Fatal(err)
	}

	fired := t0.Add(time.Minute + 300*time.Millisecond)
	clk.Set(fired)
	if n := s.Tick(fired); n != 1 {
		t.Fatalf("Tick() fired %d", n)
	}
	waitFor(t, "run bookkeeping", func() bool { j, _ := s.Get(job.ID); return j.RunCount == 1 })
	got, _ := s.Get(job.ID)
	if !got.LastRunAt.Equal(fired) || !got.NextRunAt.Equal(fired.Add(60000*time.Millisecond)) {
		t.Fatalf("job = last %v next %v", got.LastRunAt, got.NextRunAt)
	}
}

func TestReenableKeepsLastRunAt(t *testing.T) {
	t.Parallel()

	clk := &clock{t: t0}
	s := newTestService(t, nil, &mainOnly{}, &fakeDeliverer{}, clk, Config{})
	job, err := s.Add(context.Background(), AddRequest{Schedule: schedule.Every(time.Minute), Payload: SystemEvent("ping")})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Run(context.Background(), job.ID, RunForce); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Disable(context.Background(), job.ID); err != nil {
		t.Fatalf("Disable() error = %v", err)
	}

	clk.Set(t0.Add(5 * time.Minute))
	if n := s.Tick(clk.Now()); n != 0 {
		t.Fatalf("disabled job fired %d times", n)
	}
	got, err := s.Enable(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	if !got.LastRunAt.Equal(t0) || !got.NextRunAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("re-enabled job = last %v next %v", got.LastRunAt, got.NextRunAt)
	}
	if n := s.Tick(clk.Now()); n != 1 {
		t.Fatalf("overdue job fired %d times, want 1", n)
	}
	waitFor(t, "catch-up run", func() bool { j, _ := s.Get(job.ID); return j.RunCount == 2 })
	got, _ = s.Get(job.ID)
	if !got.NextRunAt.Equal(t0.Add(6 * time.Minute)) {
		t.Fatalf("cadence after catch-up = %v", got.NextRunAt)
	}
}

func TestOverlapGuard(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	orch := &mainOnly{reply: func(ctx context.Context, msg string) (string, error) {
		<-release
		return "done", nil
	}}
	clk := &clock{t: t0}
	s := newTestService(t, nil, orch, &fakeDeliverer{}, clk, Config{})
	job, err := s.Add(context.Background(), AddRequest{
		Schedule:      schedule.Every(time.Second),
		SessionTarget: TargetMain,
		Payload:       AgentTurn("slow", ""),
	})
	if err != nil {
		t.Fatal(err)
	}

	clk.Set(t0.Add(time.Minute))
	if n := s.Tick(clk.Now()); n != 1 {
		t.Fatalf("first Tick() fired %d", n)
	}
	if n := s.Tick(clk.Now()); n != 0 {
		t.Fatalf("second Tick() fired %d while running", n)
	}
	if _, err := s.Run(context.Background(), job.ID, RunForce); !errors.Is(err, ErrRunning) {
		t.Fatalf("Run() while running error = %v", err)
	}
	if st := s.Status(); st.Running != 1 {
		t.Fatalf("Status().Running = %d", st.Running)
	}
	close(release)
	waitFor(t, "run to finish", func() bool { return s.Status().Running == 0 })
	if orch.calls != 1 {
		t.Fatalf("main turns = %d", orch.calls)
	}
}

func TestMainTurnDeliversToMainChannel(t *testing.T) {
	t.Parallel()

	orch := &mainOnly{reply: func(ctx context.Context, msg string) (string, error) { return "positions flat", nil }}
	d := &fakeDeliverer{}
	s := newTestService(t, nil, orch, d, &clock{t: t0}, Config{MainChannel: "desk"})
	job, err := s.Add(context.Background(), AddRequest{
		Schedule:      schedule.Cron("0 9 * * 1-5", "America/New_York"),
		SessionTarget: TargetMain,
		Payload:       AgentTurn("morning check", ""),
	})
	if err != nil {
		t.Fatal(err)
	}
	run, err := s.Run(context.Background(), job.ID, RunForce)
	if err != nil || run.Status != RunSuccess || run.Response != "positions flat" || !run.Delivered {
		t.Fatalf("Run() = %+v, %v", run, err)
	}
	if sent := d.all(); len(sent) != 1 || sent[0].channel != "desk" {
		t.Fatalf("deliveries = %+v", sent)
	}
}

func TestSystemEventDeliveryFailure(t *testing.T) {
	t.Parallel()

	d := &fakeDeliverer{fail: true}
	s := newTestService(t, nil, &mainOnly{}, d, &clock{t: t0}, Config{})
	job, err := s.Add(context.Background(), AddRequest{
		Schedule:      schedule.Every(time.Hour),
		SessionTarget: TargetIsolated,
		Payload:       SystemEvent("market open"),
		Delivery:      &Delivery{Mode: DeliveryAnnounce, Channel: "ops"},
	})
	if err != nil {
		t.Fatal(err)
	}
	run, err := s.Run(context.Background(), job.ID, RunForce)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != RunFailure || run.Delivered || !strings.Contains(run.Error, "ops") {
		t.Fatalf("run = %+v", run)
	}
}

func TestRunDueAndNotFound(t *testing.T) {
	t.Parallel()

	s := newTestService(t, nil, &mainOnly{}, &fakeDeliverer{}, &clock{t: t0}, Config{})
	job, err := s.Add(context.Background(), AddRequest{Schedule: schedule.Every(time.Hour), Payload: SystemEvent("x")})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Run(context.Background(), job.ID, RunDue); !errors.Is(err, ErrNotDue) {
		t.Fatalf("Run(due) error = %v", err)
	}
	if _, err := s.Run(context.Background(), "nope", RunForce); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("Run(unknown) error = %v", err)
	}
	if _, err := s.Remove(context.Background(), "nope"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("Remove(unknown) error = %v", err)
	}
	if _, err := s.History("nope", 5); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("History(unknown) error = %v", err)
	}
	if _, err := s.Enable(context.Background(), "nope"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("Enable(unknown) error = %v", err)
	}
}

func TestUpdateReschedules(t *testing.T) {
	t.Parallel()

	s := newTestService(t, nil, &mainOnly{}, &fakeDeliverer{}, &clock{t: t0}, Config{})
	job, err := s.Add(context.Background(), AddRequest{Name: "a", Schedule: schedule.Every(time.Hour), Payload: SystemEvent("x")})
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Update(context.Background(), job.ID, UpdateRequest{Name: ptr("renamed"), Schedule: ptr(schedule.Every(5 * time.Minute))})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if got.Name != "renamed" || !got.NextRunAt.Equal(t0.Add(5*time.Minute)) {
		t.Fatalf("updated job = %+v", got)
	}
	if _, err := s.Update(context.Background(), job.ID, UpdateRequest{Schedule: ptr(schedule.Cron("bogus", ""))}); !errors.Is(err, schedule.ErrInvalidSchedule) {
		t.Fatalf("Update(bad cron) error = %v", err)
	}
	if cur, _ := s.Get(job.ID); cur.Schedule.Kind != schedule.KindEvery {
		t.Fatalf("rejected update changed job: %+v", cur)
	}
}

func TestRemoveKeepsHistory(t *testing.T) {
	t.Parallel()

	s := newTestService(t, nil, &mainOnly{}, &fakeDeliverer{}, &clock{t: t0}, Config{})
	job, err := s.Add(context.Background(), AddRequest{Schedule: schedule.Every(time.Hour), Payload: SystemEvent("x")})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.Run(context.Background(), job.ID, RunForce); err != nil {
			t.Fatal(err)
		}
	}
	if ok, err := s.Remove(context.Background(), job.ID); !ok || err != nil {
		t.Fatalf("Remove() = %v, %v", ok, err)
	}
	hist, err := s.History(job.ID, 2)
	if err != nil || len(hist) != 2 {
		t.Fatalf("History() = %d runs, %v", len(hist), err)
	}
}

func TestStoreReloadsFromDisk(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cron.json")
	open := func() storage.Store {
		db, err := storage.Open(storage.Config{Driver: "file", Path: path}, logx.Nop())
		if err != nil {
			t.Fatalf("storage.Open() error = %v", err)
		}
		return db
	}

	db := open()
	clk := &clock{t: t0}
	s := New(Config{}, NewStore(db, 0, logx.Nop()), &mainOnly{}, &fakeDeliverer{}, logx.Nop(), nil, WithClock(clk.Now))
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	job, err := s.Add(context.Background(), AddRequest{Name: "nightly", Schedule: schedule.Cron("0 2 * * *", "Europe/London"), Payload: SystemEvent("rotate keys")})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Run(context.Background(), job.ID, RunForce); err != nil {
		t.Fatal(err)
	}
	want, _ := s.Get(job.ID)
	_ = s.Stop(context.Background())
	_ = db.Close()

	db = open()
	defer db.Close()
	st := NewStore(db, 0, logx.Nop())
	if err := st.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	got, ok := st.Get(job.ID)
	if !ok || got.Name != "nightly" || got.RunCount != 1 || !got.NextRunAt.Equal(want.NextRunAt) || got.Schedule != want.Schedule {
		t.Fatalf("reloaded job = %+v, want %+v", got, want)
	}
	runs, ok := st.History(job.ID, 0)
	if !ok || len(runs) != 1 || runs[0].Response != "rotate keys" {
		t.Fatalf("reloaded history = %+v", runs)
	}
}

func TestParseRunMode(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]RunMode{"": RunForce, "FORCE": RunForce, " due ": RunDue} {
		if got, err := ParseRunMode(in); err != nil || got != want {
			t.Fatalf("ParseRunMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseRunMode("later"); !errors.Is(err, session.ErrValidation) {
		t.Fatalf("ParseRunMode(later) error = %v", err)
	}
}
