package cron

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/codes"

	"tradeclaw/internal/eventbus"
	"tradeclaw/internal/task/orchestrator"
	"tradeclaw/internal/task/schedule"
	"tradeclaw/internal/task/session"
	"tradeclaw/internal/telemetry"
	logx "tradeclaw/pkg/logx"
)

var errDelivery = errors.New("delivery failed")

func (s *Service) execute(ctx context.Context, job Job, forced bool) Run {
	cfg := s.config()
	run := Run{
		ID:        s.newID(),
		JobID:     job.ID,
		JobName:   job.Name,
		StartedAt: s.now(),
		Forced:    forced,
	}
	ctx, span := telemetry.StartSpan(ctx, s.tracer, "cron.run",
		telemetry.AttrJobID.String(job.ID),
		telemetry.AttrJobName.String(job.Name),
	)
	defer span.End()

	var err error
	switch job.Payload.Kind {
	case PayloadSystemEvent:
		err = s.runSystemEvent(ctx, cfg, job, &run)
	case PayloadAgentTurn:
		if job.SessionTarget == TargetMain {
			err = s.runMainTurn(ctx, cfg, job, &run)
		} else {
			err = s.runIsolated(ctx, cfg, job, &run)
		}
	default:
		err = session.Invalid("payload: unknown kind %q", job.Payload.Kind)
	}

	run.CompletedAt = s.now()
	run.Status = RunSuccess
	if err != nil {
		run.Status = RunFailure
		run.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(telemetry.AttrStatus.String(string(run.Status)))
	s.record(context.WithoutCancel(ctx), run)
	return run
}

func (s *Service) runSystemEvent(ctx context.Context, cfg Config, job Job, run *Run) error {
	channel := cfg.MainChannel
	if job.SessionTarget == TargetIsolated {
		channel = job.announceChannel()
	}
	run.Response = job.Payload.Text
	if channel == "" {
		s.log.Info("system event", logx.String("job", job.ID), logx.String("text", job.Payload.Text))
		return nil
	}
	run.Delivered = s.send(ctx, channel, job.Payload.Text)
	if !run.Delivered {
		return fmt.Errorf("%w: %s", errDelivery, channel)
	}
	return nil
}

func (s *Service) runMainTurn(ctx context.Context, cfg Config, job Job, run *Run) error {
	if s.orch == nil {
		return fmt.Errorf("%w: no orchestrator configured", session.ErrExecution)
	}
	resp, err := s.orch.RunMainTurn(ctx, job.Payload.Message, job.Payload.Model)
	if err != nil {
		return err
	}
	run.Response = resp
	if cfg.MainChannel != "" && strings.TrimSpace(resp) != "" {
		run.Delivered = s.send(ctx, cfg.MainChannel, resp)
	}
	return nil
}

func (s *Service) runIsolated(ctx context.Context, cfg Config, job Job, run *Run) error {
	if s.orch == nil {
		return fmt.Errorf("%w: no orchestrator configured", session.ErrExecution)
	}
	sess, err := s.orch.Spawn(ctx, orchestrator.SpawnOptions{
		Task:  job.Payload.Message,
		Label: "cron: " + job.Name,
		Model: job.Payload.Model,
		Tags:  []string{"cron", "cron:" + job.ID},
		Metadata: map[string]any{
			"cronJobId": job.ID,
			"cronRunId": run.ID,
		},
	})
	if err != nil {
		return err
	}
	run.SessionID = sess.ID

	wctx, cancel := context.WithTimeout(ctx, cfg.RunTimeout)
	defer cancel()
	final, err := s.orch.Wait(wctx, sess.ID)
	if err != nil {
		return fmt.Errorf("waiting for session %s: %w", session.ShortID(sess.ID), err)
	}
	if final.Status != session.StatusCompleted {
		return fmt.Errorf("session %s %s: %s", session.ShortID(sess.ID), final.Status, final.Error)
	}
	if final.Result != nil {
		run.Response = final.Result.Summary
	}
	if ch := job.announceChannel(); ch != "" {
		run.Delivered = s.send(ctx, ch, announcement(job, run.Response))
		if !run.Delivered {
			s.log.Warn("announce failed", logx.String("job", job.ID), logx.String("channel", ch))
		}
	}
	return nil
}

func (s *Service) send(ctx context.Context, channel, text string) bool {
	if s.deliver == nil {
		s.log.Warn("no deliverer configured", logx.String("channel", channel))
		return false
	}
	return s.deliver.Deliver(ctx, channel, text)
}

func announcement(job Job, response string) string {
	response = strings.TrimSpace(response)
	if response == "" {
		response = "(no output)"
	}
	return fmt.Sprintf("⏰ %s\n\n%s", job.Name, response)
}

// record applies post-run bookkeeping: run count, lastRunAt, the next fire
// time and one-shot deletion, then appends the run to history.
func (s *Service) record(ctx context.Context, run Run) {
	s.wmu.Lock()
	if j, ok := s.store.Get(run.JobID); ok {
		j.RunCount++
		j.LastRunAt = run.StartedAt
		j.UpdatedAt = run.CompletedAt
		next, more, err := schedule.NextFireTime(j.Schedule, run.CompletedAt, j.LastRunAt)
		if err != nil {
			s.log.Warn("next fire time", logx.String("job", j.ID), logx.Err(err))
		}
		j.NextRunAt = next
		if !more && j.DeleteAfterRun {
			if _, err := s.store.Delete(ctx, j.ID); err != nil {
				s.log.Warn("delete finished job", logx.String("job", j.ID), logx.Err(err))
			} else {
				s.log.Info("one-shot job finished and removed", logx.String("job", j.ID), logx.String("name", j.Name))
			}
		} else if err := s.store.Put(ctx, j); err != nil {
			s.log.Warn("persist job after run", logx.String("job", j.ID), logx.Err(err))
		}
	}
	s.wmu.Unlock()

	if err := s.store.AppendRun(ctx, run); err != nil {
		s.log.Warn("persist run", logx.String("job", run.JobID), logx.Err(err))
	}
	s.metrics.CronRun(ctx, string(run.Status), run.Forced)
	s.bus.Publish(eventbus.Event{Type: eventbus.TopicCronRun, Data: eventbus.CronRunEvent{
		JobID:     run.JobID,
		JobName:   run.JobName,
		RunID:     run.ID,
		Status:    string(run.Status),
		Delivered: run.Delivered,
		Error:     run.Error,
		Forced:    run.Forced,
	}})
	fields := []logx.Field{
		logx.String("job", run.JobID),
		logx.String("name", run.JobName),
		logx.String("status", string(run.Status)),
		logx.Bool("delivered", run.Delivered),
		logx.Bool("forced", run.Forced),
		logx.Duration("dur", run.Duration()),
	}
	if run.Status == RunFailure {
		s.log.Warn("job run failed", append(fields, logx.String("err", run.Error))...)
		return
	}
	s.log.Info("job run", fields...)
}
