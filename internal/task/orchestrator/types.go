package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"tradeclaw/internal/task/session"
)

const (
	DefaultMaxConcurrent = 3
	DefaultTimeout       = 5 * time.Minute
	defaultInboxSize     = 16
)

var (
	ErrStopped   = errors.New("orchestrator stopped")
	ErrInboxFull = fmt.Errorf("%w: session inbox full", session.ErrInvalidState)

	errShutdown = fmt.Errorf("%w: orchestrator shutting down", session.ErrCancelled)
	errByCaller = fmt.Errorf("%w by request", session.ErrCancelled)
)

type Config struct {
	MaxConcurrent   int
	DefaultTimeout  time.Duration
	MainTurnTimeout time.Duration
	InboxSize       int
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultTimeout
	}
	if c.MainTurnTimeout <= 0 {
		c.MainTurnTimeout = c.DefaultTimeout
	}
	if c.InboxSize <= 0 {
		c.InboxSize = defaultInboxSize
	}
	return c
}

type SpawnOptions struct {
	Task           string
	Label          string
	Type           session.Type
	Tags           []string
	ParentID       string
	Priority       session.Priority
	Timeout        time.Duration
	Model          string
	TradingContext *session.TradingContext
	Metadata       map[string]any
}

// StrategySpec describes one strategy sub-agent in a batch.
type StrategySpec struct {
	Name       string             `json:"name"`
	Task       string             `json:"task,omitempty"`
	Symbols    []string           `json:"symbols"`
	Timeframe  string             `json:"timeframe"`
	RiskParams map[string]float64 `json:"riskParams,omitempty"`
	Priority   session.Priority   `json:"priority"`
}

// Batch is the result of a batch spawn. Tag correlates its sessions.
type Batch struct {
	Tag      string            `json:"tag"`
	Sessions []session.Session `json:"sessions"`
}

// Aggregate summarizes the metrics of completed sessions sharing a tag.
type Aggregate struct {
	Tag         string           `json:"tag"`
	Count       int              `json:"count"`
	TotalProfit float64          `json:"totalProfit"`
	AvgWinRate  float64          `json:"avgWinRate"`
	TotalTrades float64          `json:"totalTrades"`
	Results     []session.Result `json:"results"`
}

type Snapshot struct {
	MaxConcurrent  int                    `json:"max_concurrent"`
	DefaultTimeout time.Duration          `json:"default_timeout"`
	Running        int                    `json:"running"`
	Queued         int                    `json:"queued"`
	Counts         map[session.Status]int `json:"counts"`
}
