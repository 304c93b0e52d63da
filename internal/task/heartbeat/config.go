package heartbeat

import (
	"fmt"
	"strings"
	"time"

	"tradeclaw/internal/task/schedule"
	"tradeclaw/internal/task/session"
)

const (
	DefaultInterval      = 30 * time.Minute
	DefaultChecklistPath = "HEARTBEAT.md"
	// SentinelOK is the exact reply that suppresses delivery.
	SentinelOK = "HEARTBEAT_OK"
)

// ActiveHours is a local-time window in "HH:MM". Empty bounds, or equal
// bounds, mean all day. End before Start wraps past midnight.
type ActiveHours struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

type Config struct {
	Enabled       bool
	Interval      time.Duration
	ActiveHours   ActiveHours
	SkipWeekends  bool
	Timezone      string
	Target        string
	ChecklistPath string
	Model         string
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	c.ChecklistPath = strings.TrimSpace(c.ChecklistPath)
	if c.ChecklistPath == "" {
		c.ChecklistPath = DefaultChecklistPath
	}
	c.Target = strings.TrimSpace(c.Target)
	return c
}

func (c Config) Validate() error {
	if c.Interval != 0 && c.Interval < schedule.MinEvery {
		return session.Invalid("heartbeat.interval %s is below %s", c.Interval, schedule.MinEvery)
	}
	if _, err := c.ActiveHours.compile(); err != nil {
		return err
	}
	if _, err := schedule.LoadLocation(c.Timezone); err != nil {
		return err
	}
	return nil
}

type window struct {
	start, end int // minutes after midnight
	allDay     bool
}

func (a ActiveHours) compile() (window, error) {
	if strings.TrimSpace(a.Start) == "" && strings.TrimSpace(a.End) == "" {
		return window{allDay: true}, nil
	}
	sh, sm, err := schedule.ParseClock(a.Start)
	if err != nil {
		return window{}, session.Invalid("heartbeat.active_hours.start: %v", err)
	}
	eh, em, err := schedule.ParseClock(a.End)
	if err != nil {
		return window{}, session.Invalid("heartbeat.active_hours.end: %v", err)
	}
	w := window{start: sh*60 + sm, end: eh*60 + em}
	w.allDay = w.start == w.end
	return w, nil
}

func (w window) contains(t time.Time) bool {
	if w.allDay {
		return true
	}
	m := t.Hour()*60 + t.Minute()
	if w.start < w.end {
		return m >= w.start && m < w.end
	}
	return m >= w.start || m < w.end
}

func (a ActiveHours) String() string {
	if a.Start == "" && a.End == "" {
		return "always"
	}
	return fmt.Sprintf("%s-%s", a.Start, a.End)
}
