package eventbus

import "time"

// Session lifecycle topics.
const (
	TopicSessionSpawned   = "session.spawned"
	TopicSessionStarted   = "session.started"
	TopicSessionCompleted = "session.completed"
	TopicSessionFailed    = "session.failed"
	TopicSessionCancelled = "session.cancelled"
)

// Scheduler topics.
const (
	TopicCronRun       = "cron.run"
	TopicHeartbeatTick = "heartbeat.tick"
)

// SessionEvent is published on every session state change.
type SessionEvent struct {
	SessionID string
	Label     string
	Status    string
	ErrorKind string
	Error     string
	Tags      []string
	Duration  time.Duration
}

// CronRunEvent is published after each cron job execution.
type CronRunEvent struct {
	JobID     string
	JobName   string
	RunID     string
	Status    string
	Delivered bool
	Error     string
	Forced    bool
}

// HeartbeatEvent is published after each heartbeat tick that reached a decision.
type HeartbeatEvent struct {
	Fired     bool
	Delivered bool
	Skipped   string
	Error     string
}
