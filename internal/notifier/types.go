package notifier

import (
	"time"

	"tradeclaw/internal/transport"
)

type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// ChannelConfig names a chat destination. A zero ChatID means the channel
// only logs.
type ChannelConfig struct {
	ChatID   int64 `json:"chat_id" yaml:"chat_id"`
	ThreadID int   `json:"thread_id,omitempty" yaml:"thread_id,omitempty"`
}

func (c ChannelConfig) target() transport.ChatTarget {
	return transport.ChatTarget{ChatID: c.ChatID, ThreadID: c.ThreadID}
}

type Level int

const (
	LevelInfo Level = iota
	LevelWarn
	LevelCritical
)

func (l Level) prefix() string {
	switch l {
	case LevelCritical:
		return "🚨 "
	case LevelWarn:
		return "⚠️ "
	default:
		return ""
	}
}

// Notification is an asynchronous operator alert.
type Notification struct {
	Channel string
	Text    string
	Level   Level
	// DedupKey overrides the content-derived key.
	DedupKey string
}

type HistoryItem struct {
	At      time.Time `json:"at"`
	Channel string    `json:"channel"`
	Text    string    `json:"text"`
}

// Event topics published by the notifier.
const (
	TopicSent    = "notifier.sent"
	TopicFailed  = "notifier.failed"
	TopicDeduped = "notifier.deduped"
	TopicDropped = "notifier.dropped"
)

type NotificationEvent struct {
	Channel string    `json:"channel"`
	Target  string    `json:"target,omitempty"`
	Key     string    `json:"key,omitempty"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}
