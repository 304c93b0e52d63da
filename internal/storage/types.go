package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// DefaultMaxRunsPerJob bounds the run history kept for each job.
const DefaultMaxRunsPerJob = 100

type Config struct {
	Driver        string        `json:"driver" yaml:"driver"`
	Path          string        `json:"path" yaml:"path"`
	BusyTimeout   time.Duration `json:"-" yaml:"-"` // sqlite only; 0 means default
	MaxRunsPerJob int           `json:"max_runs_per_job,omitempty" yaml:"max_runs_per_job,omitempty"`
}

func (c Config) maxRuns() int {
	if c.MaxRunsPerJob <= 0 {
		return DefaultMaxRunsPerJob
	}
	return c.MaxRunsPerJob
}

// JobRecord is one persisted job. Data is the job's JSON encoding; the
// store does not interpret it.
type JobRecord struct {
	ID        string
	Data      []byte
	UpdatedAt time.Time
}

// RunRecord is one persisted run of a job. Records outlive the job they
// belong to.
type RunRecord struct {
	JobID string
	At    time.Time
	Data  []byte
}

// AuditEntry records an operator action taken through chat or the API.
type AuditEntry struct {
	At            time.Time `json:"at"`
	ActorID       int64     `json:"actor_id,omitempty"`
	ActorUsername string    `json:"actor_username,omitempty"`
	ChatID        int64     `json:"chat_id,omitempty"`
	Source        string    `json:"source"`
	Action        string    `json:"action"`
	Target        string    `json:"target,omitempty"`
	OK            bool      `json:"ok"`
	Error         string    `json:"err,omitempty"`
	TookMS        int64     `json:"took_ms"`
}
