// Package cron stores scheduled jobs and fires them: system events are
// delivered directly, agent turns run in the main session or as isolated
// orchestrator sessions whose result is announced to a channel.
package cron

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"tradeclaw/internal/task/schedule"
	"tradeclaw/internal/task/session"
)

const (
	DefaultTickInterval = time.Second
	DefaultRunTimeout   = 30 * time.Minute
	DefaultMaxRuns      = 100
)

var (
	ErrNotDue  = fmt.Errorf("%w: job is not due", session.ErrInvalidState)
	ErrRunning = fmt.Errorf("%w: job is already running", session.ErrInvalidState)
	ErrStopped = errors.New("cron scheduler stopped")
)

type SessionTarget string

const (
	TargetMain     SessionTarget = "main"
	TargetIsolated SessionTarget = "isolated"
)

type PayloadKind string

const (
	PayloadSystemEvent PayloadKind = "systemEvent"
	PayloadAgentTurn   PayloadKind = "agentTurn"
)

// Payload is a tagged union: Text for system events, Message and Model for
// agent turns.
type Payload struct {
	Kind    PayloadKind `json:"kind"`
	Text    string      `json:"text,omitempty"`
	Message string      `json:"message,omitempty"`
	Model   string      `json:"model,omitempty"`
}

func SystemEvent(text string) Payload { return Payload{Kind: PayloadSystemEvent, Text: text} }

func AgentTurn(message, model string) Payload {
	return Payload{Kind: PayloadAgentTurn, Message: message, Model: model}
}

func (p Payload) validate() error {
	switch p.Kind {
	case PayloadSystemEvent:
		if strings.TrimSpace(p.Text) == "" {
			return session.Invalid("payload: systemEvent text is required")
		}
	case PayloadAgentTurn:
		if strings.TrimSpace(p.Message) == "" {
			return session.Invalid("payload: agentTurn message is required")
		}
	case "":
		return session.Invalid("payload: kind is required")
	default:
		return session.Invalid("payload: unknown kind %q", p.Kind)
	}
	return nil
}

// body is the text the payload carries regardless of kind.
func (p Payload) body() string {
	if p.Kind == PayloadSystemEvent {
		return p.Text
	}
	return p.Message
}

type DeliveryMode string

const (
	DeliveryAnnounce DeliveryMode = "announce"
	DeliveryNone     DeliveryMode = "none"
)

// Delivery only applies to isolated jobs.
type Delivery struct {
	Mode    DeliveryMode `json:"mode"`
	Channel string       `json:"channel,omitempty"`
}

type Job struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Description    string            `json:"description,omitempty"`
	Schedule       schedule.Schedule `json:"schedule"`
	SessionTarget  SessionTarget     `json:"sessionTarget"`
	Payload        Payload           `json:"payload"`
	Delivery       *Delivery         `json:"delivery,omitempty"`
	Enabled        bool              `json:"enabled"`
	DeleteAfterRun bool              `json:"deleteAfterRun"`
	RunCount       int               `json:"runCount"`
	LastRunAt      time.Time         `json:"lastRunAt,omitzero"`
	NextRunAt      time.Time         `json:"nextRunAt,omitzero"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// Due reports whether an enabled job's next run is at or before now.
func (j Job) Due(now time.Time) bool {
	return j.Enabled && !j.NextRunAt.IsZero() && !j.NextRunAt.After(now)
}

func (j Job) clone() Job {
	if j.Delivery != nil {
		d := *j.Delivery
		j.Delivery = &d
	}
	return j
}

// validate normalizes defaults and checks every field.
func (j *Job) validate() error {
	j.Name = strings.TrimSpace(j.Name)
	if j.Name == "" {
		j.Name = defaultName(j.Payload.body())
	}
	if j.Name == "" {
		return session.Invalid("name is required")
	}
	if err := j.Schedule.Validate(); err != nil {
		return err
	}
	if err := j.Payload.validate(); err != nil {
		return err
	}
	switch j.SessionTarget {
	case "":
		j.SessionTarget = TargetIsolated
		if j.Payload.Kind == PayloadSystemEvent {
			j.SessionTarget = TargetMain
		}
	case TargetMain, TargetIsolated:
	default:
		return session.Invalid("unknown sessionTarget %q", j.SessionTarget)
	}
	if j.Delivery != nil {
		j.Delivery.Channel = strings.TrimSpace(j.Delivery.Channel)
		switch j.Delivery.Mode {
		case "":
			j.Delivery.Mode = DeliveryNone
			if j.Delivery.Channel != "" {
				j.Delivery.Mode = DeliveryAnnounce
			}
		case DeliveryAnnounce, DeliveryNone:
		default:
			return session.Invalid("unknown delivery mode %q", j.Delivery.Mode)
		}
		if j.Delivery.Mode == DeliveryAnnounce && j.Delivery.Channel == "" && j.SessionTarget == TargetIsolated {
			return session.Invalid("delivery: announce requires a channel")
		}
	}
	return nil
}

// announceChannel is where an isolated job's output goes, or "".
func (j Job) announceChannel() string {
	if j.Delivery == nil || j.Delivery.Mode != DeliveryAnnounce {
		return ""
	}
	return j.Delivery.Channel
}

func defaultName(body string) string {
	const maxName = 40
	line, _, _ := strings.Cut(strings.TrimSpace(body), "\n")
	rs := []rune(strings.TrimSpace(line))
	if len(rs) > maxName {
		return string(rs[:maxName-3]) + "..."
	}
	return string(rs)
}

type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunFailure RunStatus = "failure"
)

// Run is one execution of a job. Runs are kept after the job is removed.
type Run struct {
	ID          string    `json:"id"`
	JobID       string    `json:"jobId"`
	JobName     string    `json:"jobName,omitempty"`
	Status      RunStatus `json:"status"`
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt"`
	Response    string    `json:"response,omitempty"`
	Delivered   bool      `json:"delivered"`
	Error       string    `json:"error,omitempty"`
	SessionID   string    `json:"sessionId,omitempty"`
	Forced      bool      `json:"forced,omitempty"`
}

func (r Run) Duration() time.Duration { return r.CompletedAt.Sub(r.StartedAt) }

type RunMode string

const (
	RunForce RunMode = "force"
	RunDue   RunMode = "due"
)

func ParseRunMode(s string) (RunMode, error) {
	switch RunMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", RunForce:
		return RunForce, nil
	case RunDue:
		return RunDue, nil
	default:
		return "", session.Invalid("unknown run mode %q", s)
	}
}

// AddRequest creates a job. Enabled defaults to true and DeleteAfterRun to
// true for one-shot schedules.
type AddRequest struct {
	Name           string            `json:"name"`
	Description    string            `json:"description,omitempty"`
	Schedule       schedule.Schedule `json:"schedule"`
	SessionTarget  SessionTarget     `json:"sessionTarget,omitempty"`
	Payload        Payload           `json:"payload"`
	Delivery       *Delivery         `json:"delivery,omitempty"`
	Enabled        *bool             `json:"enabled,omitempty"`
	DeleteAfterRun *bool             `json:"deleteAfterRun,omitempty"`
}

// UpdateRequest patches a job; nil fields are left unchanged.
type UpdateRequest struct {
	Name           *string            `json:"name,omitempty"`
	Description    *string            `json:"description,omitempty"`
	Schedule       *schedule.Schedule `json:"schedule,omitempty"`
	SessionTarget  *SessionTarget     `json:"sessionTarget,omitempty"`
	Payload        *Payload           `json:"payload,omitempty"`
	Delivery       *Delivery          `json:"delivery,omitempty"`
	DeleteAfterRun *bool              `json:"deleteAfterRun,omitempty"`
}

type Filter struct {
	IncludeDisabled bool
	SessionTarget   SessionTarget
	Limit           int
}

func (f Filter) match(j Job) bool {
	if !f.IncludeDisabled && !j.Enabled {
		return false
	}
	if f.SessionTarget != "" && j.SessionTarget != f.SessionTarget {
		return false
	}
	return true
}

type NextJob struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	NextRunAt time.Time `json:"nextRunAt"`
}

type Status struct {
	Enabled      bool     `json:"enabled"`
	JobCount     int      `json:"jobCount"`
	EnabledCount int      `json:"enabledCount"`
	Running      int      `json:"running"`
	NextJob      *NextJob `json:"nextJob,omitempty"`
}

type Config struct {
	Enabled      bool
	TickInterval time.Duration
	// MainChannel receives main-session output: system events and agent
	// turn responses. Empty means log only.
	MainChannel string
	RunTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = DefaultRunTimeout
	}
	c.MainChannel = strings.TrimSpace(c.MainChannel)
	return c
}
