// Package orchestrator admits sessions, runs up to MaxConcurrent of them on
// the execution engine, queues the rest by priority, and enforces timeouts,
// cancellation and out-of-band messages.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tradeclaw/internal/agent"
	"tradeclaw/internal/eventbus"
	rtsup "tradeclaw/internal/runtime/supervisor"
	"tradeclaw/internal/task/registry"
	"tradeclaw/internal/task/session"
	"tradeclaw/internal/telemetry"
	logx "tradeclaw/pkg/logx"
)

type run struct {
	id        string
	cancel    context.CancelCauseFunc
	inbox     chan string
	timer     *time.Timer
	startedAt time.Time
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	reg     *registry.Registry
	engine  agent.Engine
	log     logx.Logger
	bus     eventbus.Bus
	metrics *telemetry.Metrics
	tracer  trace.Tracer

	sup      *rtsup.Supervisor
	started  bool
	stopping bool
	queue    *pendingQueue
	seq      uint64
	running  map[string]*run
	done     map[string]chan struct{}

	// main serializes main-session turns.
	main sync.Mutex
}

type Option func(*Service)

func WithMetrics(m *telemetry.Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithTracer(t trace.Tracer) Option { return func(s *Service) { s.tracer = t } }

func New(cfg Config, reg *registry.Registry, engine agent.Engine, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if reg == nil {
		reg = registry.New()
	}
	s := &Service{
		cfg:     cfg.withDefaults(),
		reg:     reg,
		engine:  engine,
		log:     log.With(logx.String("comp", "orchestrator")),
		bus:     bus,
		queue:   newPendingQueue(),
		running: map[string]*run{},
		done:    map[string]chan struct{}{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Registry exposes the read side of the session registry.
func (s *Service) Registry() *registry.Registry { return s.reg }

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.started = true
	s.log.Info("orchestrator started", logx.Int("max_concurrent", s.cfg.MaxConcurrent), logx.Duration("default_timeout", s.cfg.DefaultTimeout))
}

// Stop cancels queued sessions, signals running ones and waits for them
// until ctx expires. Sessions still running after that are marked cancelled.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	for it := s.queue.pop(); it != nil; it = s.queue.pop() {
		s.metrics.QueueDelta(context.Background(), -1, 0)
		s.finishLocked(it.id, session.StatusCancelled, nil, errShutdown, 0)
	}
	for _, r := range s.running {
		r.cancel(errShutdown)
	}
	sup := s.sup
	s.mu.Unlock()

	err := sup.Stop(ctx)

	s.mu.Lock()
	for id := range s.running {
		s.releaseLocked(id)
		s.finishLocked(id, session.StatusCancelled, nil, errShutdown, 0)
	}
	s.started = false
	s.stopping = false
	s.mu.Unlock()

	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	if err != nil {
		s.log.Warn("orchestrator stop timed out; abandoned running sessions", logx.Err(err))
	}
	return nil
}

// Apply updates limits at runtime. Raising MaxConcurrent dispatches queued
// sessions immediately; lowering it lets running sessions finish.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg.withDefaults()
	if s.started && !s.stopping {
		s.dispatchNextLocked()
	}
}

// Spawn records a pending session and dispatches it if a slot is free.
// Validation errors are returned before anything is recorded.
func (s *Service) Spawn(ctx context.Context, opts SpawnOptions) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.stopping {
		return session.Session{}, ErrStopped
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = s.cfg.DefaultTimeout
	}
	sess, err := s.reg.Create(registry.CreateOptions{
		Task:           opts.Task,
		Label:          opts.Label,
		Type:           opts.Type,
		Tags:           opts.Tags,
		ParentID:       opts.ParentID,
		Priority:       opts.Priority,
		Model:          opts.Model,
		Timeout:        timeout,
		TradingContext: opts.TradingContext,
		Metadata:       opts.Metadata,
	})
	if err != nil {
		return session.Session{}, err
	}
	s.done[sess.ID] = make(chan struct{})
	s.metrics.SessionSpawned(ctx, string(sess.Type))
	s.publish(eventbus.TopicSessionSpawned, sess, nil, 0)

	if len(s.running) < s.cfg.MaxConcurrent {
		s.dispatchLocked(sess.ID)
	} else {
		s.seq++
		s.queue.push(&queued{id: sess.ID, priority: sess.Priority, createdAt: sess.CreatedAt, seq: s.seq})
		s.metrics.QueueDelta(ctx, 1, 0)
		s.log.Debug("session queued", logx.String("session", sess.ID), logx.String("priority", sess.Priority.String()), logx.Int("queued", s.queue.Len()))
	}
	cur, _ := s.reg.Get(sess.ID)
	return cur, nil
}

func (s *Service) dispatchLocked(id string) bool {
	if !s.reg.MarkRunning(id) {
		return false
	}
	sess, _ := s.reg.Get(id)
	ctx, cancel := context.WithCancelCause(s.sup.Context())
	r := &run{
		id:        id,
		cancel:    cancel,
		inbox:     make(chan string, s.cfg.InboxSize),
		startedAt: *sess.StartedAt,
	}
	timeout := sess.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	r.timer = time.AfterFunc(timeout, func() { s.onTimeout(id, timeout) })
	s.running[id] = r
	s.metrics.QueueDelta(ctx, 0, 1)
	s.publish(eventbus.TopicSessionStarted, sess, nil, 0)
	s.log.Debug("session started", logx.String("session", id), logx.String("label", sess.Label), logx.Duration("timeout", timeout))

	s.sup.Go("session.run", func(context.Context) error {
		s.execute(ctx, r, sess)
		return nil
	})
	return true
}

func (s *Service) dispatchNextLocked() {
	for len(s.running) < s.cfg.MaxConcurrent {
		it := s.queue.pop()
		if it == nil {
			return
		}
		s.metrics.QueueDelta(context.Background(), -1, 0)
		s.dispatchLocked(it.id)
	}
}

func (s *Service) execute(ctx context.Context, r *run, sess session.Session) {
	ctx, span := telemetry.StartSpan(ctx, s.tracer, "session.execute",
		telemetry.AttrSessionID.String(sess.ID),
		telemetry.AttrSessionType.String(string(sess.Type)),
		telemetry.AttrModel.String(sess.Model),
	)
	defer span.End()

	res, err := s.invoke(ctx, r, sess)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	s.complete(ctx, r, res, err)
}

func (s *Service) invoke(ctx context.Context, r *run, sess session.Session) (res session.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: panic: %v", session.ErrExecution, p)
			s.log.Error("engine panicked", logx.String("session", sess.ID), logx.Any("panic", p))
		}
	}()
	if s.engine == nil {
		return session.Result{}, fmt.Errorf("%w: no execution engine configured", session.ErrExecution)
	}
	return s.engine.Execute(ctx, agent.Request{
		SessionID:      sess.ID,
		Task:           sess.Task,
		Model:          sess.Model,
		TradingContext: sess.TradingContext,
		Inbox:          r.inbox,
		Progress:       func(pct int) { s.reg.SetProgress(sess.ID, pct) },
	})
}

func (s *Service) complete(ctx context.Context, r *run, res session.Result, err error) {
	status := session.StatusCompleted
	var result *session.Result
	cause := context.Cause(ctx)
	switch {
	case err == nil:
		result = &res
	case errors.Is(cause, session.ErrCancelled):
		status, err = session.StatusCancelled, cause
	case errors.Is(cause, session.ErrTimeout):
		status, err = session.StatusFailed, cause
	default:
		status = session.StatusFailed
		if !errors.Is(err, session.ErrExecution) {
			err = fmt.Errorf("%w: %w", session.ErrExecution, err)
		}
	}

	s.mu.Lock()
	s.releaseLocked(r.id)
	s.finishLocked(r.id, status, result, err, time.Since(r.startedAt))
	if s.started && !s.stopping {
		s.dispatchNextLocked()
	}
	s.mu.Unlock()
	r.cancel(nil)
}

func (s *Service) onTimeout(id string, timeout time.Duration) {
	err := fmt.Errorf("%w after %s", session.ErrTimeout, timeout)
	s.mu.Lock()
	r, ok := s.running[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	s.releaseLocked(id)
	s.finishLocked(id, session.StatusFailed, nil, err, time.Since(r.startedAt))
	if !s.stopping {
		s.dispatchNextLocked()
	}
	s.mu.Unlock()

	s.log.Warn("session timed out", logx.String("session", id), logx.Duration("timeout", timeout))
	r.cancel(err)
}

// releaseLocked frees the concurrency slot held by id.
func (s *Service) releaseLocked(id string) bool {
	r, ok := s.running[id]
	if !ok {
		return false
	}
	r.timer.Stop()
	delete(s.running, id)
	s.metrics.QueueDelta(context.Background(), 0, -1)
	return true
}

// finishLocked records a terminal status and wakes waiters. It is a no-op
// for sessions that are already terminal.
func (s *Service) finishLocked(id string, status session.Status, res *session.Result, err error, dur time.Duration) {
	if !s.reg.Finish(id, status, res, err) {
		return
	}
	if ch, ok := s.done[id]; ok {
		close(ch)
		delete(s.done, id)
	}
	sess, _ := s.reg.Get(id)
	s.metrics.SessionFinished(context.Background(), string(status), string(sess.ErrorKind), dur)

	topic := eventbus.TopicSessionCompleted
	switch status {
	case session.StatusFailed:
		topic = eventbus.TopicSessionFailed
		s.log.Warn("session failed", logx.String("session", id), logx.String("label", sess.Label), logx.String("kind", string(sess.ErrorKind)), logx.Err(err), logx.Duration("dur", dur))
	case session.StatusCancelled:
		topic = eventbus.TopicSessionCancelled
		s.log.Info("session cancelled", logx.String("session", id), logx.String("label", sess.Label))
	default:
		s.log.Info("session completed", logx.String("session", id), logx.String("label", sess.Label), logx.Duration("dur", dur))
	}
	s.publish(topic, sess, err, dur)
}

func (s *Service) publish(topic string, sess session.Session, err error, dur time.Duration) {
	ev := eventbus.SessionEvent{
		SessionID: sess.ID,
		Label:     sess.Label,
		Status:    string(sess.Status),
		ErrorKind: string(sess.ErrorKind),
		Tags:      sess.Tags,
		Duration:  dur,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: topic, Data: ev})
}

// Cancel cancels a pending session synchronously or signals a running one.
// It reports false for sessions that are already terminal.
func (s *Service) Cancel(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.reg.Get(id)
	if !ok {
		return false, session.NotFound("session", id)
	}
	switch sess.Status {
	case session.StatusPending:
		if s.queue.remove(id) {
			s.metrics.QueueDelta(context.Background(), -1, 0)
		}
		s.finishLocked(id, session.StatusCancelled, nil, errByCaller, 0)
		return true, nil
	case session.StatusRunning:
		r, ok := s.running[id]
		if !ok {
			return false, nil
		}
		r.cancel(errByCaller)
		s.log.Info("session cancel requested", logx.String("session", id))
		return true, nil
	default:
		return false, nil
	}
}

// Send forwards an out-of-band message to a running session.
func (s *Service) Send(id, msg string) error {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return session.Invalid("message is required")
	}
	s.mu.Lock()
	r, ok := s.running[id]
	s.mu.Unlock()
	if !ok {
		sess, found := s.reg.Get(id)
		if !found {
			return session.NotFound("session", id)
		}
		return session.InvalidState("session %s is %s", session.ShortID(id), sess.Status)
	}
	select {
	case r.inbox <- msg:
		return nil
	default:
		return ErrInboxFull
	}
}

// Wait blocks until the session is terminal or ctx is done.
func (s *Service) Wait(ctx context.Context, id string) (session.Session, error) {
	s.mu.Lock()
	ch := s.done[id]
	s.mu.Unlock()
	if ch != nil {
		select {
		case <-ch:
		case <-ctx.Done():
			cur, _ := s.reg.Get(id)
			return cur, ctx.Err()
		}
	}
	cur, ok := s.reg.Get(id)
	if !ok {
		return session.Session{}, session.NotFound("session", id)
	}
	return cur, nil
}

func (s *Service) Get(id string) (session.Session, bool) { return s.reg.Get(id) }

func (s *Service) List(f session.Filter) []session.Session { return s.reg.List(f) }

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		MaxConcurrent:  s.cfg.MaxConcurrent,
		DefaultTimeout: s.cfg.DefaultTimeout,
		Running:        len(s.running),
		Queued:         s.queue.Len(),
	}
	s.mu.Unlock()
	snap.Counts = s.reg.Counts()
	return snap
}
