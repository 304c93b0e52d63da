package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"

	"tradeclaw/internal/agent"
	"tradeclaw/internal/task/session"
	"tradeclaw/internal/telemetry"
	logx "tradeclaw/pkg/logx"
)

// RunMainTurn runs one turn in the shared main session and returns the
// textual response. Turns are serialized and do not take a session slot or
// create a registry entry.
func (s *Service) RunMainTurn(ctx context.Context, message, model string) (string, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return "", session.Invalid("message is required")
	}
	s.mu.Lock()
	if !s.started || s.stopping {
		s.mu.Unlock()
		return "", ErrStopped
	}
	supCtx := s.sup.Context()
	timeout := s.cfg.MainTurnTimeout
	s.mu.Unlock()

	if s.engine == nil {
		return "", fmt.Errorf("%w: no execution engine configured", session.ErrExecution)
	}

	s.main.Lock()
	defer s.main.Unlock()

	ctx, cancel := context.WithTimeoutCause(ctx, timeout, fmt.Errorf("%w: main turn after %s", session.ErrTimeout, timeout))
	defer cancel()
	stop := context.AfterFunc(supCtx, cancel)
	defer stop()

	ctx, span := telemetry.StartSpan(ctx, s.tracer, "session.main_turn",
		telemetry.AttrSessionID.String(agent.MainSessionID),
		telemetry.AttrModel.String(model),
	)
	defer span.End()

	start := time.Now()
	res, err := s.engine.Execute(ctx, agent.Request{
		SessionID:  agent.MainSessionID,
		Task:       message,
		Model:      model,
		Persistent: true,
	})
	if err != nil {
		if cause := context.Cause(ctx); errors.Is(cause, session.ErrTimeout) {
			err = cause
		} else if !errors.Is(err, session.ErrExecution) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %w", session.ErrExecution, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.log.Warn("main turn failed", logx.Err(err), logx.Duration("dur", time.Since(start)))
		return "", err
	}
	s.log.Debug("main turn completed", logx.Duration("dur", time.Since(start)), logx.Int("len", len(res.Summary)))
	return res.Summary, nil
}
