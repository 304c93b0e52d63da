package commands

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "tradeclaw/internal/runtime/supervisor"
	"tradeclaw/internal/storage"
	"tradeclaw/internal/transport"
	logx "tradeclaw/pkg/logx"
)

const defaultTimeout = 2 * time.Minute

type HandlerFunc func(ctx context.Context, req *Request) (string, error)

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

type Command struct {
	Name        string
	Usage       string
	Description string
	// Public commands are open to everyone; the rest require an owner.
	Public bool
	// BoolFlags name the switches that never take a value, so
	// "--wait scan BTC" leaves "scan BTC" positional.
	BoolFlags []string
	Timeout   time.Duration
	Handle    HandlerFunc
}

type Request struct {
	Chat         transport.ChatTarget
	FromID       int64
	FromUsername string
	Command      string
	Args         []string
	Flags        map[string]string
	Bools        map[string]bool
	ReqID        string
	Log          logx.Logger
}

// Flag returns the first non-empty value among the given flag names.
func (r *Request) Flag(names ...string) string {
	for _, n := range names {
		if v := strings.TrimSpace(r.Flags[n]); v != "" {
			return v
		}
	}
	return ""
}

func (r *Request) Bool(names ...string) bool {
	for _, n := range names {
		if r.Bools[n] {
			return true
		}
		if v, ok := r.Flags[n]; ok {
			b, err := strconv.ParseBool(v)
			return err == nil && b
		}
	}
	return false
}

// Router turns chat messages into command invocations and replies with the
// handler output.
type Router struct {
	mu     sync.RWMutex
	cmds   map[string]Command
	owners []int64

	log    logx.Logger
	sender transport.Sender
	audit  storage.Store

	jobs chan func(context.Context)
}

type Option func(*Router)

// WithAudit records every invocation in st.
func WithAudit(st storage.Store) Option { return func(r *Router) { r.audit = st } }

func NewRouter(sender transport.Sender, owners []int64, log logx.Logger, opts ...Option) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		cmds:   map[string]Command{},
		owners: slices.Clone(owners),
		log:    log.With(logx.String("comp", "commands")),
		sender: sender,
		jobs:   make(chan func(context.Context), 256),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Router) SetOwners(owners []int64) {
	r.mu.Lock()
	r.owners = slices.Clone(owners)
	r.mu.Unlock()
}

// Register adds cmds and a built-in /help.
func (r *Router) Register(cmds ...Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range cmds {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		r.cmds[name] = c
	}
	r.cmds["help"] = Command{
		Name:        "help",
		Usage:       "/help [command]",
		Description: "show commands",
		Public:      true,
		Handle:      r.help,
	}
}

// Commands returns the registered commands sorted by name.
func (r *Router) Commands() []Command {
	r.mu.RLock()
	out := make([]Command, 0, len(r.cmds))
	for _, c := range r.cmds {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Router) help(_ context.Context, req *Request) (string, error) {
	if len(req.Args) > 0 {
		name := strings.TrimPrefix(strings.ToLower(req.Args[0]), "/")
		r.mu.RLock()
		c, ok := r.cmds[name]
		r.mu.RUnlock()
		if !ok {
			return "", fmt.Errorf("unknown command %q", name)
		}
		lines := []string{"/" + c.Name + ": " + c.Description}
		if c.Usage != "" {
			lines = append(lines, "usage: "+c.Usage)
		}
		if !c.Public {
			lines = append(lines, "owner only")
		}
		return strings.Join(lines, "\n"), nil
	}
	lines := []string{"Commands:"}
	for _, c := range r.Commands() {
		lock := ""
		if !c.Public {
			lock = " 🔒"
		}
		lines = append(lines, "/"+c.Name+lock+": "+c.Description)
	}
	lines = append(lines, "", "Type /help <command> for usage.")
	return strings.Join(lines, "\n"), nil
}

// DispatchLoop consumes updates until ctx ends or the channel closes.
// Handlers run on a small worker pool so slow commands do not block intake.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	const workers = 4
	sup := rtsup.New(ctx, rtsup.WithLogger(r.log), rtsup.WithCancelOnError(false))
	for i := range workers {
		sup.GoRestart("worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					job(c)
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	r.log.Info("command dispatcher started", logx.Int("workers", workers))
	defer func() {
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Stop(wctx)
		cancel()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if fn := r.route(up); fn != nil {
				select {
				case r.jobs <- fn:
				default:
					r.log.Warn("command dropped (queue full)")
				}
			}
		}
	}
}

// route parses an update and returns the job that handles it, or nil when
// the message is not a command.
func (r *Router) route(up transport.Update) func(context.Context) {
	msg := up.Message
	if msg == nil {
		return nil
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return nil
	}
	parts := tokenize(text)
	if len(parts) == 0 {
		return nil
	}
	name := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	chat := transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	r.mu.RLock()
	cmd, ok := r.cmds[name]
	owner := slices.Contains(r.owners, msg.FromID)
	r.mu.RUnlock()

	if !ok {
		return func(ctx context.Context) { r.reply(ctx, chat, "unknown command. try /help") }
	}
	if !cmd.Public && !owner {
		return func(ctx context.Context) { r.reply(ctx, chat, "unauthorized") }
	}

	pos, flags, bools := parseFlags(parts[1:], cmd.BoolFlags...)
	rid := newReqID()
	req := &Request{
		Chat:         chat,
		FromID:       msg.FromID,
		FromUsername: msg.FromUsername,
		Command:      name,
		Args:         pos,
		Flags:        flags,
		Bools:        bools,
		ReqID:        rid,
		Log: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", name),
		),
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	h := Chain(cmd.Handle, timeoutMW(timeout), recoverMW(), r.auditMW(), logMW())
	return func(ctx context.Context) {
		out, err := h(ctx, req)
		if err != nil {
			out = "error: " + err.Error()
		}
		if strings.TrimSpace(out) != "" {
			r.reply(ctx, chat, out)
		}
	}
}

// Dispatch runs one update synchronously.
func (r *Router) Dispatch(ctx context.Context, up transport.Update) {
	if fn := r.route(up); fn != nil {
		fn(ctx)
	}
}

func (r *Router) reply(ctx context.Context, chat transport.ChatTarget, text string) {
	if r.sender == nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if _, err := r.sender.SendText(sctx, chat, text, &transport.SendOptions{DisablePreview: true}); err != nil {
		r.log.Warn("reply failed", logx.String("to", chat.String()), logx.Err(err))
	}
}

func timeoutMW(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (string, error) {
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func recoverMW() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (out string, err error) {
			defer func() {
				if rec := recover(); rec != nil {
					req.Log.Error("panic recovered", logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
					out, err = "", fmt.Errorf("internal error")
				}
			}()
			return next(ctx, req)
		}
	}
}

func logMW() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (string, error) {
			start := time.Now()
			out, err := next(ctx, req)
			d := time.Since(start)
			if err != nil && isUserError(err) {
				req.Log.Info("command rejected", logx.Duration("dur", d), logx.Err(err))
			} else if err != nil {
				req.Log.Warn("command failed", logx.Duration("dur", d), logx.Err(err))
			} else if d >= 750*time.Millisecond {
				req.Log.Info("command ok", logx.Duration("dur", d))
			} else {
				req.Log.Debug("command ok", logx.Duration("dur", d))
			}
			return out, err
		}
	}
}

func (r *Router) auditMW() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (string, error) {
			start := time.Now()
			out, err := next(ctx, req)
			if r.audit == nil {
				return out, err
			}
			e := storage.AuditEntry{
				At:            start,
				ActorID:       req.FromID,
				ActorUsername: req.FromUsername,
				ChatID:        req.Chat.ChatID,
				Source:        "chat",
				Action:        req.Command,
				Target:        strings.Join(req.Args, " "),
				OK:            err == nil,
				TookMS:        time.Since(start).Milliseconds(),
			}
			if err != nil {
				e.Error = err.Error()
			}
			actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
			if aerr := r.audit.AppendAudit(actx, e); aerr != nil {
				req.Log.Debug("audit write failed", logx.Err(aerr))
			}
			cancel()
			return out, err
		}
	}
}
