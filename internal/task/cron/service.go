package cron

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"tradeclaw/internal/eventbus"
	rtsup "tradeclaw/internal/runtime/supervisor"
	"tradeclaw/internal/task/orchestrator"
	"tradeclaw/internal/task/schedule"
	"tradeclaw/internal/task/session"
	"tradeclaw/internal/telemetry"
	logx "tradeclaw/pkg/logx"
)

// Orchestrator is the part of orchestrator.Service the scheduler drives.
type Orchestrator interface {
	Spawn(ctx context.Context, opts orchestrator.SpawnOptions) (session.Session, error)
	Wait(ctx context.Context, id string) (session.Session, error)
	RunMainTurn(ctx context.Context, message, model string) (string, error)
}

// Deliverer sends text to a named channel and reports success.
type Deliverer interface {
	Deliver(ctx context.Context, channel, text string) bool
}

type Service struct {
	mu       sync.Mutex
	cfg      Config
	sup      *rtsup.Supervisor
	inflight map[string]struct{}

	// wmu serializes job mutations.
	wmu sync.Mutex

	store   *Store
	orch    Orchestrator
	deliver Deliverer
	log     logx.Logger
	bus     eventbus.Bus
	metrics *telemetry.Metrics
	tracer  trace.Tracer
	// checkChannel rejects announce channels the deliverer cannot resolve.
	checkChannel func(name string) error

	now   func() time.Time
	newID func() string
}

type Option func(*Service)

func WithMetrics(m *telemetry.Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithTracer(t trace.Tracer) Option { return func(s *Service) { s.tracer = t } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithChannelCheck validates announce channels when jobs are added or
// updated.
func WithChannelCheck(check func(name string) error) Option {
	return func(s *Service) { s.checkChannel = check }
}

func New(cfg Config, store *Store, orch Orchestrator, deliver Deliverer, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if store == nil {
		store = NewStore(nil, 0, log)
	}
	s := &Service{
		cfg:      cfg.withDefaults(),
		inflight: map[string]struct{}{},
		store:    store,
		orch:     orch,
		deliver:  deliver,
		log:      log.With(logx.String("comp", "cron")),
		bus:      bus,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Store() *Store { return s.store }

// Start loads persisted jobs and starts the tick loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.store.Load(ctx); err != nil {
		return fmt.Errorf("load cron jobs: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.sup.GoRestart("cron.tick", s.loop, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	total, enabled := s.store.counts()
	s.log.Info("scheduler started", logx.Bool("enabled", s.cfg.Enabled), logx.Duration("tick", s.cfg.TickInterval), logx.Int("jobs", total), logx.Int("enabled_jobs", enabled))
	return nil
}

// Stop stops ticking and waits for in-flight runs until ctx expires.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	start := time.Now()
	err := sup.Stop(ctx)
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	if errors.Is(err, context.DeadlineExceeded) {
		s.log.Warn("cron runs still in flight at shutdown")
		return nil
	}
	return err
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg.withDefaults()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) loop(ctx context.Context) error {
	t := time.NewTimer(s.config().TickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if s.config().Enabled {
				s.Tick(s.now())
			}
			t.Reset(s.config().TickInterval)
		}
	}
}

// Tick fires every due job that is not already running and returns how
// many were started. Jobs run asynchronously; Tick never waits for them.
func (s *Service) Tick(now time.Time) int {
	fired := 0
	for _, job := range s.store.Due(now) {
		sup, ok := s.acquire(job.ID)
		if !ok {
			continue
		}
		sup.Go("cron.job", func(ctx context.Context) error {
			defer s.release(job.ID)
			s.execute(ctx, job, false)
			return nil
		})
		fired++
	}
	return fired
}

func (s *Service) acquire(id string) (*rtsup.Supervisor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup == nil {
		return nil, false
	}
	if _, busy := s.inflight[id]; busy {
		return nil, false
	}
	s.inflight[id] = struct{}{}
	return s.sup, true
}

func (s *Service) release(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

// Add validates req and stores a new job with its first nextRunAt.
func (s *Service) Add(ctx context.Context, req AddRequest) (Job, error) {
	now := s.now()
	j := Job{
		ID:            s.newID(),
		Name:          req.Name,
		Description:   strings.TrimSpace(req.Description),
		Schedule:      req.Schedule,
		SessionTarget: req.SessionTarget,
		Payload:       req.Payload,
		Enabled:       true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if req.Delivery != nil {
		d := *req.Delivery
		j.Delivery = &d
	}
	if req.Enabled != nil {
		j.Enabled = *req.Enabled
	}
	if err := s.validateJob(&j); err != nil {
		return Job{}, err
	}
	j.DeleteAfterRun = j.Schedule.Kind == schedule.KindAt
	if req.DeleteAfterRun != nil {
		j.DeleteAfterRun = *req.DeleteAfterRun
	}
	if err := s.reschedule(&j, now); err != nil {
		return Job{}, err
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.store.Put(ctx, j); err != nil {
		return Job{}, fmt.Errorf("persist job: %w", err)
	}
	s.log.Info("job added", logx.String("job", j.ID), logx.String("name", j.Name), logx.String("schedule", j.Schedule.Describe()), logx.Time("next", j.NextRunAt))
	return j, nil
}

func (s *Service) validateJob(j *Job) error {
	if err := j.validate(); err != nil {
		return err
	}
	if ch := j.announceChannel(); ch != "" && s.checkChannel != nil {
		if err := s.checkChannel(ch); err != nil {
			return session.Invalid("delivery: %v", err)
		}
	}
	return nil
}

// reschedule recomputes NextRunAt from the schedule and LastRunAt.
func (s *Service) reschedule(j *Job, now time.Time) error {
	next, ok, err := schedule.NextFireTime(j.Schedule, now, j.LastRunAt)
	if err != nil {
		return err
	}
	j.NextRunAt = time.Time{}
	if ok {
		j.NextRunAt = next
	}
	return nil
}

// Update patches a job. A schedule change recomputes NextRunAt.
func (s *Service) Update(ctx context.Context, id string, req UpdateRequest) (Job, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	j, ok := s.store.Get(id)
	if !ok {
		return Job{}, session.NotFound("cron job", id)
	}
	if req.Name != nil {
		j.Name = *req.Name
	}
	if req.Description != nil {
		j.Description = strings.TrimSpace(*req.Description)
	}
	if req.Schedule != nil {
		j.Schedule = *req.Schedule
	}
	if req.SessionTarget != nil {
		j.SessionTarget = *req.SessionTarget
	}
	if req.Payload != nil {
		j.Payload = *req.Payload
	}
	if req.Delivery != nil {
		d := *req.Delivery
		j.Delivery = &d
	}
	if req.DeleteAfterRun != nil {
		j.DeleteAfterRun = *req.DeleteAfterRun
	}
	if err := s.validateJob(&j); err != nil {
		return Job{}, err
	}
	now := s.now()
	if req.Schedule != nil {
		if err := s.reschedule(&j, now); err != nil {
			return Job{}, err
		}
	}
	j.UpdatedAt = now
	if err := s.store.Put(ctx, j); err != nil {
		return Job{}, fmt.Errorf("persist job: %w", err)
	}
	s.log.Info("job updated", logx.String("job", j.ID), logx.String("name", j.Name))
	return j, nil
}

// Remove deletes a job. Its run history is kept.
func (s *Service) Remove(ctx context.Context, id string) (bool, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	ok, err := s.store.Delete(ctx, id)
	if err != nil {
		return false, fmt.Errorf("delete job: %w", err)
	}
	if !ok {
		return false, session.NotFound("cron job", id)
	}
	s.log.Info("job removed", logx.String("job", id))
	return true, nil
}

// Enable turns a job back on. NextRunAt is recomputed from the preserved
// LastRunAt, so an overdue recurring job fires once on the next tick.
func (s *Service) Enable(ctx context.Context, id string) (Job, error) {
	return s.setEnabled(ctx, id, true)
}

// Disable stops a job from firing without touching its history.
func (s *Service) Disable(ctx context.Context, id string) (Job, error) {
	return s.setEnabled(ctx, id, false)
}

func (s *Service) setEnabled(ctx context.Context, id string, enabled bool) (Job, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	j, ok := s.store.Get(id)
	if !ok {
		return Job{}, session.NotFound("cron job", id)
	}
	if j.Enabled == enabled {
		return j, nil
	}
	now := s.now()
	j.Enabled = enabled
	j.UpdatedAt = now
	if enabled {
		if err := s.reschedule(&j, now); err != nil {
			return Job{}, err
		}
	}
	if err := s.store.Put(ctx, j); err != nil {
		return Job{}, fmt.Errorf("persist job: %w", err)
	}
	s.log.Info("job toggled", logx.String("job", id), logx.Bool("enabled", enabled), logx.Time("next", j.NextRunAt))
	return j, nil
}

func (s *Service) Get(id string) (Job, bool) { return s.store.Get(id) }

func (s *Service) List(f Filter) []Job { return s.store.List(f) }

// History returns up to limit runs of a job, newest first. Runs of removed
// jobs are still returned.
func (s *Service) History(id string, limit int) ([]Run, error) {
	runs, ok := s.store.History(id, limit)
	if !ok {
		return nil, session.NotFound("cron job", id)
	}
	return runs, nil
}

func (s *Service) Status() Status {
	total, enabled := s.store.counts()
	s.mu.Lock()
	st := Status{Enabled: s.cfg.Enabled, JobCount: total, EnabledCount: enabled, Running: len(s.inflight)}
	s.mu.Unlock()
	if next := s.store.List(Filter{Limit: 1}); len(next) == 1 && !next[0].NextRunAt.IsZero() {
		st.NextJob = &NextJob{ID: next[0].ID, Name: next[0].Name, NextRunAt: next[0].NextRunAt}
	}
	return st
}

// Run executes a job now and returns its run record. RunDue only runs a
// job that is due; RunForce skips that check. Both follow the normal
// bookkeeping path.
func (s *Service) Run(ctx context.Context, id string, mode RunMode) (Run, error) {
	if mode == "" {
		mode = RunForce
	}
	if mode != RunForce && mode != RunDue {
		return Run{}, session.Invalid("unknown run mode %q", mode)
	}
	job, ok := s.store.Get(id)
	if !ok {
		return Run{}, session.NotFound("cron job", id)
	}
	if mode == RunDue && !job.Due(s.now()) {
		return Run{}, ErrNotDue
	}
	if _, ok := s.acquire(id); !ok {
		s.mu.Lock()
		stopped := s.sup == nil
		s.mu.Unlock()
		if stopped {
			return Run{}, ErrStopped
		}
		return Run{}, ErrRunning
	}
	defer s.release(id)
	return s.execute(ctx, job, mode == RunForce), nil
}
