// Package agent defines the execution engine contract used by the
// orchestrator and ships an OpenAI-compatible implementation.
package agent

import (
	"context"
	"strings"

	"tradeclaw/internal/task/session"
)

// MainSessionID identifies the shared conversational session.
const MainSessionID = "main"

// Request is one unit of work handed to an Engine.
type Request struct {
	SessionID string
	Task      string
	Model     string
	// Persistent requests share conversational history under SessionID.
	Persistent     bool
	TradingContext *session.TradingContext
	// Inbox carries out-of-band instructions while the request runs. May be nil.
	Inbox <-chan string
	// Progress reports 0..100. May be nil.
	Progress func(pct int)
}

func (r Request) progress(pct int) {
	if r.Progress != nil {
		r.Progress(pct)
	}
}

// Engine runs a task to completion. Cancelling ctx is a best-effort stop;
// an engine may still return a result after cancellation.
type Engine interface {
	Execute(ctx context.Context, req Request) (session.Result, error)
}

type EngineFunc func(ctx context.Context, req Request) (session.Result, error)

func (f EngineFunc) Execute(ctx context.Context, req Request) (session.Result, error) {
	return f(ctx, req)
}

// drain returns every message currently queued on inbox without blocking.
func drain(inbox <-chan string) []string {
	if inbox == nil {
		return nil
	}
	var out []string
	for {
		select {
		case msg, ok := <-inbox:
			if !ok {
				return out
			}
			if msg = strings.TrimSpace(msg); msg != "" {
				out = append(out, msg)
			}
		default:
			return out
		}
	}
}
