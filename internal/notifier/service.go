package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tradeclaw/internal/eventbus"
	rtsup "tradeclaw/internal/runtime/supervisor"
	"tradeclaw/internal/storage"
	"tradeclaw/internal/telemetry"
	"tradeclaw/internal/transport"
	logx "tradeclaw/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
	ErrNoSender  = errors.New("no chat transport configured")
	errEmptyText = errors.New("empty message")
)

type job struct {
	n        Notification
	dedupKey string
}

// Service is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	sender  transport.Sender
	bus     eventbus.Bus
	store   storage.Store
	metrics *telemetry.Metrics

	cfg      Config
	channels map[string]ChannelConfig
	limiter  *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	// key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time

	persistCh chan dedupWrite

	hmu     sync.Mutex
	history []HistoryItem
}

type Option func(*Service)

func WithMetrics(m *telemetry.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithStore enables cross-restart dedup when Config.PersistDedup is set.
func WithStore(st storage.Store) Option { return func(s *Service) { s.store = st } }

func New(cfg Config, channels map[string]ChannelConfig, sender transport.Sender, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{
		sender: sender,
		log:    log.With(logx.String("comp", "notifier")),
		bus:    bus,
		dedup:  map[string]time.Time{},
	}
	for _, o := range opts {
		o(s)
	}
	s.applyLocked(cfg)
	s.channels = cloneChannels(channels)
	return s
}

// SetSender swaps the chat transport, e.g. once the Telegram adapter is up.
func (s *Service) SetSender(sender transport.Sender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

// SetChannels replaces the named channel table.
func (s *Service) SetChannels(channels map[string]ChannelConfig) {
	s.mu.Lock()
	s.channels = cloneChannels(channels)
	s.mu.Unlock()
}

// ValidateChannel reports whether name resolves against the current
// channel table.
func (s *Service) ValidateChannel(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ValidateChannel(s.channels, name)
}

func cloneChannels(in map[string]ChannelConfig) map[string]ChannelConfig {
	out := make(map[string]ChannelConfig, len(in))
	for k, v := range in {
		out[strings.TrimSpace(k)] = v
	}
	return out
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	s.cfg = cfg
	// Burst equals the per-second rate so short spikes pass.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the alert workers. It is a no-op when alerts are disabled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	if s.cfg.PersistDedup && s.store != nil {
		s.persistCh = make(chan dedupWrite, 1024)
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	sup, q, pch, st := s.sup, s.queue, s.persistCh, s.store
	s.mu.Unlock()

	if pch != nil {
		sup.GoRestart("dedup.persist", func(c context.Context) error {
			s.persistLoop(c, pch, st)
			return s.exitErr(c, "persist loop")
		}, rtsup.WithPublishFirstError(true))
	}
	for i := range workers {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			return s.exitErr(c, "worker")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("notifier started", logx.Int("workers", workers))
}

// exitErr classifies a loop exit: clean during shutdown, an error otherwise
// so the supervisor restarts it.
func (s *Service) exitErr(c context.Context, what string) error {
	s.mu.Lock()
	stopping := s.stopDone != nil
	s.mu.Unlock()
	if stopping {
		return context.Canceled
	}
	if c.Err() != nil {
		return c.Err()
	}
	return fmt.Errorf("notifier %s exited unexpectedly", what)
}

// Stop stops intake and drains the queue until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, pch, sup := s.queue, s.persistCh, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// In-flight Notify calls finish before the queue closes.
		s.sendWG.Wait()
		if pch != nil {
			close(pch)
		}
		close(q)
		_ = sup.Wait(context.Background())
		sup.Cancel()

		s.mu.Lock()
		s.queue = nil
		s.persistCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Notify queues an alert. Duplicates inside the dedup window are dropped
// silently.
func (s *Service) Notify(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window, maxEntries := s.cfg.DedupWindow, s.cfg.DedupMaxEntries
	persist := s.cfg.PersistDedup && s.store != nil
	pch := s.persistCh
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	key := n.DedupKey
	if key == "" {
		key = dedupKey(n)
	}
	if window > 0 && key != "" && !s.dedupAllow(ctx, key, window, maxEntries, persist, pch) {
		s.publish(TopicDeduped, n.Channel, key, nil)
		return nil
	}

	select {
	case q <- job{n: n, dedupKey: key}:
		return nil
	default:
		s.publish(TopicDropped, n.Channel, key, ErrQueueFull)
		return ErrQueueFull
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			if err := s.send(ctx, j.n.Channel, j.n.Level.prefix()+j.n.Text, j.dedupKey); err != nil {
				s.log.Debug("alert not delivered", logx.String("channel", j.n.Channel), logx.Err(err))
			}
		}
	}
}

// Deliver sends text to channel synchronously and reports success.
func (s *Service) Deliver(ctx context.Context, channel, text string) bool {
	if err := s.send(ctx, channel, text, ""); err != nil {
		s.log.Warn("delivery failed", logx.String("channel", channel), logx.Err(err))
		return false
	}
	return true
}

func (s *Service) send(ctx context.Context, channel, text, key string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errEmptyText
	}
	s.mu.Lock()
	cfg, lim, sender := s.cfg, s.limiter, s.sender
	dest, err := resolve(s.channels, channel)
	s.mu.Unlock()
	if err != nil {
		s.metrics.Delivery(ctx, channel, false)
		return err
	}

	if dest.logged {
		s.log.Info("channel message", logx.String("channel", dest.name), logx.String("text", text))
		s.appendHistory(dest.name, text)
		s.metrics.Delivery(ctx, channel, true)
		return nil
	}
	if sender == nil {
		s.metrics.Delivery(ctx, channel, false)
		return ErrNoSender
	}

	err = s.sendWithRetry(ctx, cfg, lim, sender, dest.target, text)
	s.metrics.Delivery(ctx, channel, err == nil)
	if err != nil {
		s.publish(TopicFailed, channel, key, err)
		return err
	}
	s.appendHistory(dest.name, text)
	s.publish(TopicSent, channel, key, nil)
	return nil
}

func (s *Service) sendWithRetry(ctx context.Context, cfg Config, lim *rate.Limiter, sender transport.Sender, to transport.ChatTarget, text string) error {
	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		_, err := sender.SendText(callCtx, to, text, &transport.SendOptions{DisablePreview: true})
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		s.log.Debug("send failed", logx.String("to", to.String()), logx.Int("attempt", attempt), logx.Int("max", attempts), logx.Err(err))
		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	return lastErr
}

func (s *Service) publish(topic, channel, key string, err error) {
	ev := NotificationEvent{Channel: channel, Key: key, At: time.Now()}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: topic, Time: ev.At, Data: ev})
}

// History returns recently sent messages, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(channel, text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Channel: channel, Text: text})
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}
