// Package registry tracks session records and enforces the session state
// machine: pending -> running -> completed|failed|cancelled, plus
// pending -> cancelled. Terminal records never change again.
package registry

import (
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradeclaw/internal/task/session"
)

// DefaultMaxRetained bounds how many terminal sessions are kept.
const DefaultMaxRetained = 1000

type CreateOptions struct {
	Task           string
	Label          string
	Type           session.Type
	Tags           []string
	ParentID       string
	Priority       session.Priority
	Model          string
	Timeout        time.Duration
	TradingContext *session.TradingContext
	Metadata       map[string]any
}

// Registry is safe for concurrent use. Writes come from the orchestrator;
// everything else reads through Get, List and ResultsByTag.
type Registry struct {
	mu          sync.RWMutex
	byID        map[string]*session.Session
	order       []string // creation order
	maxRetained int
	now         func() time.Time
	newID       func() string
}

type Option func(*Registry)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// WithMaxRetained sets the terminal-session retention bound (<=0 keeps all).
func WithMaxRetained(n int) Option { return func(r *Registry) { r.maxRetained = n } }

func New(opts ...Option) *Registry {
	r := &Registry{
		byID:        map[string]*session.Session{},
		maxRetained: DefaultMaxRetained,
		now:         time.Now,
		newID:       uuid.NewString,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Create validates opts and records a pending session.
func (r *Registry) Create(opts CreateOptions) (session.Session, error) {
	task := strings.TrimSpace(opts.Task)
	if task == "" {
		return session.Session{}, session.Invalid("task is required")
	}
	typ := opts.Type
	if typ == "" {
		typ = session.TypeGeneric
	}
	if !typ.Valid() {
		return session.Session{}, session.Invalid("unknown session type %q", typ)
	}
	if opts.Priority < session.PriorityLow || opts.Priority > session.PriorityHigh {
		return session.Session{}, session.Invalid("priority out of range")
	}
	if opts.Timeout < 0 {
		return session.Session{}, session.Invalid("timeout must not be negative")
	}

	id := r.newID()
	label := strings.TrimSpace(opts.Label)
	if label == "" {
		label = defaultLabel(task)
	}
	s := &session.Session{
		ID:             id,
		Label:          label,
		Type:           typ,
		Task:           task,
		Tags:           session.NormalizeTags(opts.Tags),
		ParentID:       strings.TrimSpace(opts.ParentID),
		Priority:       opts.Priority,
		Status:         session.StatusPending,
		Model:          strings.TrimSpace(opts.Model),
		Timeout:        opts.Timeout,
		TradingContext: opts.TradingContext.Clone(),
		Metadata:       maps.Clone(opts.Metadata),
	}

	r.mu.Lock()
	s.CreatedAt = r.now()
	r.byID[id] = s
	r.order = append(r.order, id)
	r.pruneLocked()
	out := s.Clone()
	r.mu.Unlock()
	return out, nil
}

func defaultLabel(task string) string {
	const maxLabel = 40
	line, _, _ := strings.Cut(task, "\n")
	rs := []rune(strings.TrimSpace(line))
	if len(rs) > maxLabel {
		return string(rs[:maxLabel-3]) + "..."
	}
	return string(rs)
}

// MarkRunning moves a pending session to running. It reports false for any
// other state.
func (r *Registry) MarkRunning(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok || s.Status != session.StatusPending {
		return false
	}
	now := r.now()
	s.Status = session.StatusRunning
	s.StartedAt = &now
	return true
}

// Finish moves a session into a terminal status. It is a no-op returning
// false when the session is unknown or already terminal, so racing
// completions and timeouts resolve to whichever arrives first.
func (r *Registry) Finish(id string, status session.Status, res *session.Result, err error) bool {
	if !status.Terminal() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok || s.Status.Terminal() {
		return false
	}
	if status != session.StatusCancelled && s.Status == session.StatusPending {
		// Only cancellation may skip the running state.
		return false
	}
	now := r.now()
	if s.StartedAt == nil {
		// Leaving pending stamps startedAt, even straight into cancelled.
		started := now
		s.StartedAt = &started
	}
	s.Status = status
	s.CompletedAt = &now
	if res != nil {
		cp := *res
		cp.SessionID = id
		if cp.Status == "" {
			cp.Status = string(status)
		}
		if cp.CompletedAt.IsZero() {
			cp.CompletedAt = now
		}
		if s.StartedAt != nil && cp.DurationMs == 0 {
			cp.DurationMs = now.Sub(*s.StartedAt).Milliseconds()
		}
		s.Result = &cp
	}
	if err != nil {
		s.Error = err.Error()
		s.ErrorKind = session.KindOf(err)
	} else if status == session.StatusCancelled {
		s.ErrorKind = session.KindCancelled
	}
	if status == session.StatusCompleted {
		s.Progress = 100
	}
	r.pruneLocked()
	return true
}

// SetProgress records 0..100 progress on a running session.
func (r *Registry) SetProgress(id string, pct int) {
	pct = min(max(pct, 0), 100)
	r.mu.Lock()
	if s, ok := r.byID[id]; ok && s.Status == session.StatusRunning {
		s.Progress = pct
	}
	r.mu.Unlock()
}

func (r *Registry) Get(id string) (session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	if !ok {
		return session.Session{}, false
	}
	return s.Clone(), true
}

// List returns matching sessions, newest first. Limit <= 0 means all.
func (r *Registry) List(f session.Filter) []session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]session.Session, 0)
	for i := len(r.order) - 1; i >= 0; i-- {
		s := r.byID[r.order[i]]
		if s == nil || !f.Match(*s) {
			continue
		}
		out = append(out, s.Clone())
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// ResultsByTag returns the results of completed sessions carrying tag, in
// creation order.
func (r *Registry) ResultsByTag(tag string) []session.Result {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]session.Result, 0)
	for _, id := range r.order {
		s := r.byID[id]
		if s == nil || s.Status != session.StatusCompleted || s.Result == nil || !s.HasTag(tag) {
			continue
		}
		out = append(out, *s.Clone().Result)
	}
	return out
}

// Counts returns the number of sessions per status.
func (r *Registry) Counts() map[session.Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[session.Status]int{}
	for _, s := range r.byID {
		out[s.Status]++
	}
	return out
}

// pruneLocked drops the oldest terminal sessions beyond maxRetained.
func (r *Registry) pruneLocked() {
	if r.maxRetained <= 0 {
		return
	}
	terminal := 0
	for _, s := range r.byID {
		if s.Status.Terminal() {
			terminal++
		}
	}
	excess := terminal - r.maxRetained
	if excess <= 0 {
		return
	}
	type victim struct {
		id string
		at time.Time
	}
	victims := make([]victim, 0, terminal)
	for _, id := range r.order {
		if s := r.byID[id]; s.Status.Terminal() {
			victims = append(victims, victim{id: id, at: *s.CompletedAt})
		}
	}
	sort.SliceStable(victims, func(i, j int) bool { return victims[i].at.Before(victims[j].at) })
	drop := map[string]bool{}
	for _, v := range victims[:excess] {
		drop[v.id] = true
		delete(r.byID, v.id)
	}
	kept := r.order[:0]
	for _, id := range r.order {
		if !drop[id] {
			kept = append(kept, id)
		}
	}
	r.order = kept
}
