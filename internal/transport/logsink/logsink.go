package logsink

import (
	"context"
	"sync/atomic"

	logx "tradeclaw/pkg/logx"

	"tradeclaw/internal/transport"
)

// Adapter is a transport.Adapter that writes outbound messages to the log and never
// produces inbound updates. Used when no chat platform is configured.
type Adapter struct {
	log logx.Logger
	seq atomic.Int64
}

func New(log logx.Logger) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{log: log.With(logx.String("comp", "transport.log"))}
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error { return nil }
func (a *Adapter) Stop(ctx context.Context) error                               { return nil }

func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return transport.MessageRef{}, err
	}
	id := int(a.seq.Add(1))
	a.log.Info("outbound message", logx.String("to", to.String()), logx.Int("len", len(text)), logx.String("text", text))
	return transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: id}, nil
}
