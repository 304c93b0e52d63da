package agent

import (
	"context"
	"strings"

	"tradeclaw/internal/task/session"
)

// EchoEngine answers every task with its own text. It exercises the whole
// pipeline without a model backend (dry runs, demos).
type EchoEngine struct{}

func (EchoEngine) Execute(ctx context.Context, req Request) (session.Result, error) {
	if err := ctx.Err(); err != nil {
		return session.Result{}, err
	}
	req.progress(50)
	var b strings.Builder
	b.WriteString(req.Task)
	for _, msg := range drain(req.Inbox) {
		b.WriteString("\n")
		b.WriteString(msg)
	}
	req.progress(100)
	return session.Result{Status: "ok", Summary: b.String()}, nil
}
