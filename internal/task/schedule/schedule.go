// Package schedule evaluates job schedules: one-shot (At), fixed interval
// (Every) and calendar cron expressions (Cron).
package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"tradeclaw/internal/task/session"
)

type Kind string

const (
	KindAt    Kind = "at"
	KindEvery Kind = "every"
	KindCron  Kind = "cron"
)

// MinEvery is the smallest accepted interval.
const MinEvery = time.Second

// ErrInvalidSchedule is returned for schedules that cannot be evaluated. It
// always travels together with session.ErrValidation.
var ErrInvalidSchedule = errors.New("invalid schedule")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %w: %s", session.ErrValidation, ErrInvalidSchedule, fmt.Sprintf(format, args...))
}

// Schedule is a tagged union; Kind selects which fields are meaningful.
type Schedule struct {
	Kind     Kind      `json:"kind"`
	At       time.Time `json:"at,omitzero"`
	EveryMs  int64     `json:"everyMs,omitempty"`
	Expr     string    `json:"expr,omitempty"`
	Timezone string    `json:"tz,omitempty"`
}

func At(t time.Time) Schedule { return Schedule{Kind: KindAt, At: t} }

func Every(d time.Duration) Schedule { return Schedule{Kind: KindEvery, EveryMs: d.Milliseconds()} }

func Cron(expr, tz string) Schedule {
	return Schedule{Kind: KindCron, Expr: strings.TrimSpace(expr), Timezone: strings.TrimSpace(tz)}
}

func (s Schedule) Interval() time.Duration { return time.Duration(s.EveryMs) * time.Millisecond }

// Validate checks the fields of the selected kind, including that cron
// expressions and time zones parse.
func (s Schedule) Validate() error {
	switch s.Kind {
	case KindAt:
		if s.At.IsZero() {
			return invalid("at: timestamp required")
		}
		return nil
	case KindEvery:
		if s.EveryMs <= 0 {
			return invalid("every: interval must be positive")
		}
		if s.Interval() < MinEvery {
			return invalid("every: interval %s is below the %s floor", s.Interval(), MinEvery)
		}
		return nil
	case KindCron:
		_, _, err := compile(s.Expr, s.Timezone)
		return err
	case "":
		return invalid("kind required")
	default:
		return invalid("unknown kind %q", s.Kind)
	}
}

// Describe renders the schedule for operators.
func (s Schedule) Describe() string {
	switch s.Kind {
	case KindAt:
		return "at " + s.At.UTC().Format(time.RFC3339)
	case KindEvery:
		return "every " + s.Interval().String()
	case KindCron:
		tz := s.Timezone
		if tz == "" {
			tz = "UTC"
		}
		return fmt.Sprintf("cron %q (%s)", s.Expr, tz)
	default:
		return "invalid"
	}
}
