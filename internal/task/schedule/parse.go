package schedule

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	reHHMM     = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)
	reRelative = regexp.MustCompile(`^(\d+)\s*([a-z]+)$`)
)

var absoluteLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// Parse turns an operator-friendly string into a Schedule. tz applies to cron
// expressions and to absolute times without an offset.
//
// Supported forms:
//   - one-shot: "in 30m", "in 2 hours", "at:2026-03-01 09:30", RFC3339 timestamps
//   - interval: "every 5m", "every:1h30m", "interval:02:30", "55m", "00:50" (HH:MM duration)
//   - calendar: "*/5 * * * *", "@hourly", "cron:0 9 * * 1-5", "daily 09:30"
func Parse(raw string, now time.Time, tz string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, invalid("schedule required")
	}
	low := strings.ToLower(s)

	switch {
	case strings.HasPrefix(low, "cron:"):
		return cronSchedule(strings.TrimSpace(s[len("cron:"):]), tz)
	case strings.HasPrefix(low, "every:"), strings.HasPrefix(low, "interval:"):
		_, v, _ := strings.Cut(s, ":")
		return everySchedule(v)
	case strings.HasPrefix(low, "every "):
		return everySchedule(s[len("every "):])
	case strings.HasPrefix(low, "at:"):
		return atSchedule(strings.TrimSpace(s[len("at:"):]), now, tz)
	case strings.HasPrefix(low, "in "):
		d, err := ParseRelative(s[len("in "):])
		if err != nil {
			return Schedule{}, err
		}
		return At(now.Add(d)), nil
	case strings.HasPrefix(low, "daily "):
		h, m, err := ParseClock(s[len("daily "):])
		if err != nil {
			return Schedule{}, invalid("%v", err)
		}
		return cronSchedule(fmt.Sprintf("%d %d * * *", m, h), tz)
	}

	if t, ok := parseAbsolute(s, tz); ok {
		return At(t), nil
	}
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return cronSchedule(s, tz)
	}
	if reHHMM.MatchString(s) {
		return everySchedule(s)
	}
	if _, err := time.ParseDuration(s); err == nil {
		return everySchedule(s)
	}
	return Schedule{}, invalid("%q: use cron like '*/5 * * * *', 'every 5m', 'in 30m' or an RFC3339 time", raw)
}

func cronSchedule(expr, tz string) (Schedule, error) {
	sc := Cron(expr, tz)
	if err := sc.Validate(); err != nil {
		return Schedule{}, err
	}
	return sc, nil
}

func everySchedule(v string) (Schedule, error) {
	d, err := parseInterval(v)
	if err != nil {
		return Schedule{}, err
	}
	sc := Every(d)
	if err := sc.Validate(); err != nil {
		return Schedule{}, err
	}
	return sc, nil
}

func atSchedule(v string, now time.Time, tz string) (Schedule, error) {
	if t, ok := parseAbsolute(v, tz); ok {
		return At(t), nil
	}
	if d, err := ParseRelative(v); err == nil {
		return At(now.Add(d)), nil
	}
	return Schedule{}, invalid("at: cannot parse %q", v)
}

func parseAbsolute(v, tz string) (time.Time, bool) {
	loc, err := LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	for _, layout := range absoluteLayouts {
		if t, err := time.ParseInLocation(layout, strings.TrimSpace(v), loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ParseRelative parses "30m", "1h30m", "2 hours", "3d".
func ParseRelative(v string) (time.Duration, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	if d, err := time.ParseDuration(v); err == nil {
		if d <= 0 {
			return 0, invalid("relative time must be positive")
		}
		return d, nil
	}
	m := reRelative.FindStringSubmatch(v)
	if m == nil {
		return 0, invalid("cannot parse relative time %q", v)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, invalid("relative time must be positive")
	}
	var unit time.Duration
	switch m[2] {
	case "s", "sec", "secs", "second", "seconds":
		unit = time.Second
	case "m", "min", "mins", "minute", "minutes":
		unit = time.Minute
	case "h", "hr", "hrs", "hour", "hours":
		unit = time.Hour
	case "d", "day", "days":
		unit = 24 * time.Hour
	default:
		return 0, invalid("unknown time unit %q", m[2])
	}
	return time.Duration(n) * unit, nil
}

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, invalid("interval required")
	}
	if reHHMM.MatchString(v) {
		return parseHHMMDuration(v)
	}
	return ParseRelative(v)
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, invalid("invalid HH:MM %q", v)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 {
		return 0, invalid("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, invalid("interval must be positive")
	}
	return d, nil
}

// ParseClock parses a wall-clock "HH:MM".
func ParseClock(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	hs, ms, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	hour, err = strconv.Atoi(hs)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err = strconv.Atoi(ms)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}
