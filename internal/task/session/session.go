// Package session holds the Session record shared by the registry, the
// orchestrator and the surfaces that query them.
package session

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

type Type string

const (
	TypeGeneric    Type = "generic"
	TypeStrategy   Type = "strategy"
	TypeAnalysis   Type = "analysis"
	TypeBacktest   Type = "backtest"
	TypeResearch   Type = "research"
	TypeMonitor    Type = "monitor"
	TypeAggregator Type = "aggregator"
)

var types = []Type{TypeGeneric, TypeStrategy, TypeAnalysis, TypeBacktest, TypeResearch, TypeMonitor, TypeAggregator}

func (t Type) Valid() bool { return slices.Contains(types, t) }

// ParseType accepts an empty string as TypeGeneric.
func ParseType(s string) (Type, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return TypeGeneric, nil
	}
	t := Type(s)
	if !t.Valid() {
		return "", Invalid("unknown session type %q", s)
	}
	return t, nil
}

// Priority orders queued sessions. The zero value is PriorityNormal.
type Priority int

const (
	PriorityLow    Priority = -1
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ParsePriority accepts an empty string as PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	default:
		return PriorityNormal, Invalid("unknown priority %q", s)
	}
}

// ErrorKind classifies a failed or cancelled session for observability.
type ErrorKind string

const (
	KindExecution ErrorKind = "execution"
	KindTimeout   ErrorKind = "timeout"
	KindCancelled ErrorKind = "cancelled"
)

// TradingContext is descriptive metadata for sub-agent sessions. The
// orchestration core never interprets it.
type TradingContext struct {
	Symbols    []string           `json:"symbols,omitempty"`
	Timeframe  string             `json:"timeframe,omitempty"`
	Strategy   string             `json:"strategy,omitempty"`
	RiskParams map[string]float64 `json:"riskParams,omitempty"`
}

func (tc *TradingContext) Clone() *TradingContext {
	if tc == nil {
		return nil
	}
	cp := *tc
	cp.Symbols = slices.Clone(tc.Symbols)
	if tc.RiskParams != nil {
		cp.RiskParams = make(map[string]float64, len(tc.RiskParams))
		for k, v := range tc.RiskParams {
			cp.RiskParams[k] = v
		}
	}
	return &cp
}

// Result is what an execution engine produced for a session.
type Result struct {
	SessionID   string             `json:"sessionId,omitempty"`
	Status      string             `json:"status"`
	Summary     string             `json:"summary"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
	Data        any                `json:"data,omitempty"`
	CompletedAt time.Time          `json:"completedAt"`
	DurationMs  int64              `json:"durationMs"`
}

type Session struct {
	ID             string          `json:"id"`
	Label          string          `json:"label"`
	Type           Type            `json:"type"`
	Task           string          `json:"task"`
	Tags           []string        `json:"tags,omitempty"`
	ParentID       string          `json:"parentId,omitempty"`
	Priority       Priority        `json:"priority"`
	Status         Status          `json:"status"`
	Progress       int             `json:"progress,omitempty"`
	Model          string          `json:"model,omitempty"`
	Timeout        time.Duration   `json:"-"`
	TradingContext *TradingContext `json:"tradingContext,omitempty"`
	Result         *Result         `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	ErrorKind      ErrorKind       `json:"errorKind,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	StartedAt      *time.Time      `json:"startedAt,omitempty"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
}

func (s Session) HasTag(tag string) bool { return slices.Contains(s.Tags, tag) }

func (s Session) HasAnyTag(tags []string) bool {
	for _, t := range tags {
		if s.HasTag(t) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand out of a locked structure.
func (s Session) Clone() Session {
	cp := s
	cp.Tags = slices.Clone(s.Tags)
	cp.TradingContext = s.TradingContext.Clone()
	if s.Result != nil {
		r := *s.Result
		if s.Result.Metrics != nil {
			r.Metrics = make(map[string]float64, len(s.Result.Metrics))
			for k, v := range s.Result.Metrics {
				r.Metrics[k] = v
			}
		}
		cp.Result = &r
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		cp.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		cp.CompletedAt = &t
	}
	if s.Metadata != nil {
		cp.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}

// Filter selects sessions. Set fields are ANDed; Tags matches any tag.
type Filter struct {
	Type   Type
	Status Status
	Tags   []string
	Limit  int
}

func (f Filter) Match(s Session) bool {
	if f.Type != "" && s.Type != f.Type {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if len(f.Tags) > 0 && !s.HasAnyTag(f.Tags) {
		return false
	}
	return true
}

// NormalizeTags trims, drops empties and de-duplicates while keeping order.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || slices.Contains(out, t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// ShortID is the display prefix of an id.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (s Session) String() string {
	return fmt.Sprintf("%s %s [%s]", ShortID(s.ID), s.Label, s.Status)
}
