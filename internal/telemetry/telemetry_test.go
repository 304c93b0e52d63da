package telemetry

import (
	"context"
	"testing"
	"time"
)

func TestInitDisabledIsNoop(t *testing.T) {
	t.Parallel()

	p, err := Init(context.Background(), Config{})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	ctx := context.Background()
	m.SessionSpawned(ctx, "generic")
	m.SessionFinished(ctx, "completed", "", time.Second)
	_, span := StartSpan(ctx, p.Tracer, "test")
	span.End()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func TestInitNoneExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none", ServiceName: "test"})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if _, err := NewMetrics(p.Meter); err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func TestInitUnknownExporter(t *testing.T) {
	t.Parallel()

	if _, err := Init(context.Background(), Config{Enabled: true, Exporter: "zipkin"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	ctx := context.Background()
	m.SessionSpawned(ctx, "x")
	m.QueueDelta(ctx, 1, -1)
	m.SessionFinished(ctx, "failed", "timeout", time.Second)
	m.CronRun(ctx, "success", true)
	m.HeartbeatTick(ctx, "ok")
	m.Delivery(ctx, "test", true)
}
