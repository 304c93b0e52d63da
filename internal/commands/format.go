package commands

import (
	"fmt"
	"strings"
	"time"

	"tradeclaw/internal/task/cron"
	"tradeclaw/internal/task/heartbeat"
	"tradeclaw/internal/task/session"
)

const timeLayout = "2006-01-02 15:04:05Z07:00"

func statusIcon(st session.Status) string {
	switch st {
	case session.StatusPending:
		return "⏳"
	case session.StatusRunning:
		return "🔄"
	case session.StatusCompleted:
		return "✅"
	case session.StatusFailed:
		return "❌"
	case session.StatusCancelled:
		return "🚫"
	default:
		return "•"
	}
}

func formatSessionLine(s session.Session) string {
	return fmt.Sprintf("%s %s [%s/%s] %s", statusIcon(s.Status), session.ShortID(s.ID), s.Type, s.Priority, truncate(s.Label, 60))
}

func formatSession(s session.Session) string {
	lines := []string{
		fmt.Sprintf("%s %s", statusIcon(s.Status), s.Label),
		"id: " + s.ID,
		fmt.Sprintf("type: %s  priority: %s  status: %s", s.Type, s.Priority, s.Status),
	}
	if len(s.Tags) > 0 {
		lines = append(lines, "tags: "+strings.Join(s.Tags, ", "))
	}
	if s.Status == session.StatusRunning && s.Progress > 0 {
		lines = append(lines, fmt.Sprintf("progress: %d%%", s.Progress))
	}
	lines = append(lines, "created: "+s.CreatedAt.Format(timeLayout))
	if s.CompletedAt != nil && s.StartedAt != nil {
		lines = append(lines, "took: "+s.CompletedAt.Sub(*s.StartedAt).Round(time.Millisecond).String())
	}
	if s.Result != nil && s.Result.Summary != "" {
		lines = append(lines, "", truncate(s.Result.Summary, 3000))
	}
	if s.Error != "" {
		lines = append(lines, fmt.Sprintf("error (%s): %s", s.ErrorKind, s.Error))
	}
	return strings.Join(lines, "\n")
}

func formatJobLine(j cron.Job) string {
	state := "on"
	if !j.Enabled {
		state = "off"
	}
	next := "-"
	if !j.NextRunAt.IsZero() {
		next = j.NextRunAt.Format(timeLayout)
	}
	return fmt.Sprintf("%s %s [%s] %s, %s, next %s, runs %d", session.ShortID(j.ID), j.Name, state, j.Schedule.Describe(), j.SessionTarget, next, j.RunCount)
}

func formatRun(r cron.Run) string {
	icon := "✅"
	if r.Status != cron.RunSuccess {
		icon = "❌"
	}
	line := fmt.Sprintf("%s %s %s (%s)", icon, r.StartedAt.Format(timeLayout), r.JobName, r.Duration().Round(time.Millisecond))
	if r.Delivered {
		line += " delivered"
	}
	if r.Error != "" {
		line += ": " + r.Error
	} else if r.Response != "" {
		line += "\n" + truncate(r.Response, 500)
	}
	return line
}

func formatCronStatus(st cron.Status) string {
	lines := []string{fmt.Sprintf("scheduler enabled: %t", st.Enabled), fmt.Sprintf("jobs: %d (%d enabled, %d running)", st.JobCount, st.EnabledCount, st.Running)}
	if st.NextJob != nil {
		lines = append(lines, fmt.Sprintf("next: %s at %s", st.NextJob.Name, st.NextJob.NextRunAt.Format(timeLayout)))
	}
	return strings.Join(lines, "\n")
}

func formatHeartbeat(s heartbeat.Snapshot) string {
	lines := []string{
		fmt.Sprintf("enabled: %t, every %s", s.Enabled, s.Interval),
		"active hours: " + s.ActiveHours,
	}
	if s.SkipWeekends {
		lines = append(lines, "skips weekends")
	}
	if !s.NextAt.IsZero() {
		lines = append(lines, "next: "+s.NextAt.Format(timeLayout))
	}
	if s.Last != nil {
		lines = append(lines, "last: "+formatOutcome(*s.Last))
	}
	return strings.Join(lines, "\n")
}

func formatOutcome(o heartbeat.Outcome) string {
	switch {
	case o.Skipped != "":
		return "skipped: " + o.Skipped
	case o.Error != "":
		return "failed: " + o.Error
	case o.Delivered:
		return "fired, delivered"
	case o.Fired:
		return "fired, nothing to report"
	default:
		return "idle"
	}
}

func truncate(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n-1]) + "…"
}
