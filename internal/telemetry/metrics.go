package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the instruments. A nil *Metrics records nothing, so
// components can take it optionally.
type Metrics struct {
	SessionsSpawned  metric.Int64Counter
	SessionsFinished metric.Int64Counter
	SessionDuration  metric.Float64Histogram
	SessionsQueued   metric.Int64UpDownCounter
	SessionsRunning  metric.Int64UpDownCounter
	CronRuns         metric.Int64Counter
	HeartbeatTicks   metric.Int64Counter
	Deliveries       metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.SessionsSpawned, err = meter.Int64Counter("tradeclaw.sessions.spawned",
		metric.WithDescription("Sessions accepted by the orchestrator")); err != nil {
		return nil, err
	}
	if m.SessionsFinished, err = meter.Int64Counter("tradeclaw.sessions.finished",
		metric.WithDescription("Sessions reaching a terminal status")); err != nil {
		return nil, err
	}
	if m.SessionDuration, err = meter.Float64Histogram("tradeclaw.sessions.duration",
		metric.WithDescription("Session run time in seconds"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.SessionsQueued, err = meter.Int64UpDownCounter("tradeclaw.sessions.queued",
		metric.WithDescription("Sessions waiting for a slot")); err != nil {
		return nil, err
	}
	if m.SessionsRunning, err = meter.Int64UpDownCounter("tradeclaw.sessions.running",
		metric.WithDescription("Sessions currently executing")); err != nil {
		return nil, err
	}
	if m.CronRuns, err = meter.Int64Counter("tradeclaw.cron.runs",
		metric.WithDescription("Cron job executions")); err != nil {
		return nil, err
	}
	if m.HeartbeatTicks, err = meter.Int64Counter("tradeclaw.heartbeat.ticks",
		metric.WithDescription("Heartbeat ticks by outcome")); err != nil {
		return nil, err
	}
	if m.Deliveries, err = meter.Int64Counter("tradeclaw.deliveries",
		metric.WithDescription("Channel deliveries by result")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) SessionSpawned(ctx context.Context, typ string) {
	if m == nil {
		return
	}
	m.SessionsSpawned.Add(ctx, 1, metric.WithAttributes(attribute.String("type", typ)))
}

func (m *Metrics) QueueDelta(ctx context.Context, queued, running int64) {
	if m == nil {
		return
	}
	if queued != 0 {
		m.SessionsQueued.Add(ctx, queued)
	}
	if running != 0 {
		m.SessionsRunning.Add(ctx, running)
	}
}

func (m *Metrics) SessionFinished(ctx context.Context, status, kind string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status), attribute.String("kind", kind))
	m.SessionsFinished.Add(ctx, 1, attrs)
	if d > 0 {
		m.SessionDuration.Record(ctx, d.Seconds(), attrs)
	}
}

func (m *Metrics) CronRun(ctx context.Context, status string, forced bool) {
	if m == nil {
		return
	}
	m.CronRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status), attribute.Bool("forced", forced)))
}

func (m *Metrics) HeartbeatTick(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.HeartbeatTicks.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) Delivery(ctx context.Context, channel string, ok bool) {
	if m == nil {
		return
	}
	m.Deliveries.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel), attribute.Bool("ok", ok)))
}
