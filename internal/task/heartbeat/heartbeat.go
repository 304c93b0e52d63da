// Package heartbeat periodically runs a checklist-driven turn in the main
// session and delivers the reply unless it is exactly HEARTBEAT_OK.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tradeclaw/internal/eventbus"
	rtsup "tradeclaw/internal/runtime/supervisor"
	"tradeclaw/internal/task/schedule"
	"tradeclaw/internal/telemetry"
	logx "tradeclaw/pkg/logx"
)

// MainTurner runs one turn in the main session.
type MainTurner interface {
	RunMainTurn(ctx context.Context, message, model string) (string, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, channel, text string) bool
}

// Skip reasons reported in Outcome.Skipped.
const (
	SkipDisabled       = "disabled"
	SkipOutsideWindow  = "outside active hours"
	SkipWeekend        = "weekend"
	SkipEmptyChecklist = "empty checklist"
	SkipBusy           = "previous heartbeat still running"
)

// Outcome describes one heartbeat decision.
type Outcome struct {
	At        time.Time `json:"at"`
	Fired     bool      `json:"fired"`
	Delivered bool      `json:"delivered"`
	Skipped   string    `json:"skipped,omitempty"`
	Response  string    `json:"response,omitempty"`
	Error     string    `json:"error,omitempty"`
}

type Snapshot struct {
	Enabled      bool          `json:"enabled"`
	Interval     time.Duration `json:"interval"`
	ActiveHours  string        `json:"active_hours"`
	SkipWeekends bool          `json:"skip_weekends"`
	Target       string        `json:"target,omitempty"`
	NextAt       time.Time     `json:"next_at,omitzero"`
	Last         *Outcome      `json:"last,omitempty"`
}

type Service struct {
	mu     sync.Mutex
	cfg    Config
	sup    *rtsup.Supervisor
	nextAt time.Time
	last   *Outcome
	kick   chan struct{}

	// fire serializes turns.
	fire sync.Mutex

	fsys    fs.FS
	turner  MainTurner
	deliver Deliverer
	log     logx.Logger
	bus     eventbus.Bus
	metrics *telemetry.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

type Option func(*Service)

func WithMetrics(m *telemetry.Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithTracer(t trace.Tracer) Option { return func(s *Service) { s.tracer = t } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// New builds a runner that reads the checklist from fsys (usually
// os.DirFS of the workspace).
func New(cfg Config, fsys fs.FS, turner MainTurner, deliver Deliverer, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{
		cfg:     cfg.withDefaults(),
		kick:    make(chan struct{}, 1),
		fsys:    fsys,
		turner:  turner,
		deliver: deliver,
		log:     log.With(logx.String("comp", "heartbeat")),
		bus:     bus,
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.sup.GoRestart("heartbeat.loop", s.loop, rtsup.WithRestartBackoff(time.Second, time.Minute))
	s.log.Info("heartbeat started",
		logx.Bool("enabled", s.cfg.Enabled),
		logx.Duration("interval", s.cfg.Interval),
		logx.String("active_hours", s.cfg.ActiveHours.String()),
		logx.String("target", s.cfg.Target),
	)
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		s.log.Warn("heartbeat turn still running at shutdown")
		return nil
	}
	return err
}

// Apply swaps the configuration. The pending fire time is kept unless the
// interval changed.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// rearm returns the next fire time: next is kept while it is set and the
// interval is unchanged.
func rearm(next, now time.Time, interval, armed time.Duration) time.Time {
	if next.IsZero() || interval != armed {
		return now.Add(interval)
	}
	return next
}

func (s *Service) loop(ctx context.Context) error {
	var (
		armed time.Duration
		next  time.Time
	)
	for {
		interval := s.config().Interval
		now := s.now()
		next = rearm(next, now, interval, armed)
		armed = interval
		s.mu.Lock()
		s.nextAt = next
		s.mu.Unlock()

		t := time.NewTimer(max(next.Sub(now), 0))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-s.kick:
			t.Stop()
			continue
		case <-t.C:
		}
		next = time.Time{}
		if _, err := s.Tick(ctx, s.now()); err != nil {
			s.log.Warn("heartbeat failed", logx.Err(err))
		}
	}
}

// Tick runs a heartbeat if now is inside the configured window. Outside the
// window it returns a skipped outcome without calling the main session.
func (s *Service) Tick(ctx context.Context, now time.Time) (Outcome, error) {
	cfg := s.config()
	if reason := skipReason(cfg, now); reason != "" {
		out := Outcome{At: now, Skipped: reason}
		s.log.Debug("heartbeat skipped", logx.String("reason", reason))
		s.metrics.HeartbeatTick(ctx, "skipped")
		return out, nil
	}
	return s.run(ctx, cfg, now)
}

// Trigger runs a heartbeat immediately, ignoring the enabled flag and the
// active window.
func (s *Service) Trigger(ctx context.Context) (Outcome, error) {
	return s.run(ctx, s.config(), s.now())
}

func skipReason(cfg Config, now time.Time) string {
	if !cfg.Enabled {
		return SkipDisabled
	}
	loc, err := schedule.LoadLocation(cfg.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	if cfg.SkipWeekends && (local.Weekday() == time.Saturday || local.Weekday() == time.Sunday) {
		return SkipWeekend
	}
	w, err := cfg.ActiveHours.compile()
	if err == nil && !w.contains(local) {
		return SkipOutsideWindow
	}
	return ""
}

func (s *Service) run(ctx context.Context, cfg Config, now time.Time) (Outcome, error) {
	if !s.fire.TryLock() {
		return Outcome{At: now, Skipped: SkipBusy}, nil
	}
	defer s.fire.Unlock()

	ctx, span := telemetry.StartSpan(ctx, s.tracer, "heartbeat.turn")
	defer span.End()

	out := Outcome{At: now}
	checklist, err := s.readChecklist(cfg.ChecklistPath)
	if err != nil {
		return s.finish(ctx, out, err)
	}
	if checklist == "" {
		out.Skipped = SkipEmptyChecklist
		return s.finish(ctx, out, nil)
	}
	if s.turner == nil {
		return s.finish(ctx, out, errors.New("no main session configured"))
	}

	out.Fired = true
	resp, err := s.turner.RunMainTurn(ctx, prompt(checklist, cfg.ChecklistPath), cfg.Model)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return s.finish(ctx, out, err)
	}
	resp = strings.TrimSpace(resp)
	out.Response = resp
	if resp == SentinelOK {
		return s.finish(ctx, out, nil)
	}
	if cfg.Target == "" || s.deliver == nil {
		s.log.Warn("heartbeat reply has no delivery target", logx.Int("len", len(resp)))
		return s.finish(ctx, out, nil)
	}
	out.Delivered = s.deliver.Deliver(ctx, cfg.Target, resp)
	if !out.Delivered {
		return s.finish(ctx, out, fmt.Errorf("delivery to %s failed", cfg.Target))
	}
	return s.finish(ctx, out, nil)
}

// readChecklist returns the trimmed checklist; a missing file reads as "".
func (s *Service) readChecklist(path string) (string, error) {
	if s.fsys == nil {
		return "", nil
	}
	b, err := fs.ReadFile(s.fsys, path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return strings.TrimSpace(string(b)), nil
}

func prompt(checklist, path string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Heartbeat. Work through the checklist from %s below.\n", path)
	b.WriteString("Only report items that need the operator's attention. ")
	fmt.Fprintf(&b, "If nothing needs attention, reply with exactly %s and nothing else.\n\n", SentinelOK)
	b.WriteString(checklist)
	return b.String()
}

func (s *Service) finish(ctx context.Context, out Outcome, err error) (Outcome, error) {
	label := "ok"
	switch {
	case err != nil:
		out.Error = err.Error()
		label = "error"
		s.log.Warn("heartbeat turn failed", logx.Err(err))
	case out.Skipped != "":
		label = "skipped"
		s.log.Debug("heartbeat skipped", logx.String("reason", out.Skipped))
	case out.Delivered:
		label = "delivered"
		s.log.Info("heartbeat delivered", logx.Int("len", len(out.Response)))
	default:
		s.log.Debug("heartbeat ok")
	}
	s.metrics.HeartbeatTick(ctx, label)

	s.mu.Lock()
	last := out
	s.last = &last
	s.mu.Unlock()

	s.bus.Publish(eventbus.Event{Type: eventbus.TopicHeartbeatTick, Data: eventbus.HeartbeatEvent{
		Fired:     out.Fired,
		Delivered: out.Delivered,
		Skipped:   out.Skipped,
		Error:     out.Error,
	}})
	return out, err
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Enabled:      s.cfg.Enabled,
		Interval:     s.cfg.Interval,
		ActiveHours:  s.cfg.ActiveHours.String(),
		SkipWeekends: s.cfg.SkipWeekends,
		Target:       s.cfg.Target,
		NextAt:       s.nextAt,
	}
	if s.last != nil {
		last := *s.last
		snap.Last = &last
	}
	return snap
}
