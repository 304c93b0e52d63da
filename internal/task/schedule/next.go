package schedule

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func compile(expr, tz string) (cron.Schedule, *time.Location, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil, invalid("cron: expression required")
	}
	loc, err := LoadLocation(tz)
	if err != nil {
		return nil, nil, err
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, nil, invalid("cron %q: %v", expr, err)
	}
	return sched, loc, nil
}

// LoadLocation resolves an IANA zone name; empty means UTC.
func LoadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" || strings.EqualFold(tz, "utc") {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, invalid("unknown time zone %q", tz)
	}
	return loc, nil
}

// NextFireTime returns the next time s fires given the evaluation time and
// the last run (zero if the job never ran). ok is false once the schedule is
// exhausted.
func NextFireTime(s Schedule, now, lastRunAt time.Time) (next time.Time, ok bool, err error) {
	switch s.Kind {
	case KindAt:
		if s.At.IsZero() {
			return time.Time{}, false, invalid("at: timestamp required")
		}
		// Any run, forced ones included, uses up a one-shot.
		if lastRunAt.IsZero() {
			return s.At, true, nil
		}
		return time.Time{}, false, nil
	case KindEvery:
		if err := s.Validate(); err != nil {
			return time.Time{}, false, err
		}
		if !lastRunAt.IsZero() {
			return lastRunAt.Add(s.Interval()), true, nil
		}
		return now.Add(s.Interval()), true, nil
	case KindCron:
		sched, loc, err := compile(s.Expr, s.Timezone)
		if err != nil {
			return time.Time{}, false, err
		}
		next := sched.Next(now.In(loc))
		if next.IsZero() {
			return time.Time{}, false, nil
		}
		return next, true, nil
	default:
		return time.Time{}, false, s.Validate()
	}
}

// Preview lists up to n upcoming fire times after now, assuming each fire
// becomes the next lastRunAt.
func Preview(s Schedule, now time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	last := time.Time{}
	t := now
	for range n {
		next, ok, err := NextFireTime(s, t, last)
		if err != nil || !ok {
			break
		}
		out = append(out, next)
		last, t = next, next
	}
	return out
}
