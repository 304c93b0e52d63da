package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tradeclaw/internal/task/cron"
	"tradeclaw/internal/task/heartbeat"
	"tradeclaw/internal/task/orchestrator"
	"tradeclaw/internal/task/schedule"
	"tradeclaw/internal/task/session"
)

// Services are the components the built-in commands drive. Nil members
// disable the matching commands.
type Services struct {
	Orchestrator *orchestrator.Service
	Cron         *cron.Service
	Heartbeat    *heartbeat.Service
	// Timezone applies to schedules given without an offset.
	Timezone string
	Now      func() time.Time
}

func (s Services) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Builtins returns the session, cron and heartbeat commands.
func Builtins(s Services) []Command {
	var out []Command
	if s.Orchestrator != nil {
		out = append(out,
			Command{Name: "spawn", Usage: "/spawn [--type t] [--priority low|normal|high] [--tags a,b] [--label l] [--timeout 5m] [--model m] [--wait] <task>", Description: "spawn an isolated session", BoolFlags: []string{"wait", "w"}, Handle: s.spawn},
			Command{Name: "sessions", Usage: "/sessions [--status s] [--type t] [--tag x] [--limit n]", Description: "list sessions", Handle: s.sessions},
			Command{Name: "session", Usage: "/session <id>", Description: "show one session", Handle: s.session},
			Command{Name: "send", Usage: "/send <id> <message>", Description: "send a message to a running session", Handle: s.send},
			Command{Name: "cancel", Usage: "/cancel <id>", Description: "cancel a session", Handle: s.cancel},
			Command{Name: "results", Usage: "/results <tag>", Description: "aggregate completed results by tag", Handle: s.results},
		)
	}
	if s.Cron != nil {
		out = append(out, Command{
			Name:        "cron",
			Usage:       "/cron list|status|add|rm|run|enable|disable|history ...",
			Description: "manage scheduled jobs",
			BoolFlags:   []string{"all", "a", "system", "main", "keep"},
			Handle:      s.cron,
		})
	}
	if s.Heartbeat != nil {
		out = append(out, Command{Name: "heartbeat", Usage: "/heartbeat [status|trigger]", Description: "heartbeat status or a forced run", Handle: s.heartbeat})
	}
	return out
}

func (s Services) spawn(ctx context.Context, req *Request) (string, error) {
	task := strings.TrimSpace(strings.Join(req.Args, " "))
	typ, err := session.ParseType(req.Flag("type", "t"))
	if err != nil {
		return "", err
	}
	prio, err := session.ParsePriority(req.Flag("priority", "p"))
	if err != nil {
		return "", err
	}
	var timeout time.Duration
	if v := req.Flag("timeout"); v != "" {
		if timeout, err = time.ParseDuration(v); err != nil {
			return "", session.Invalid("timeout: %v", err)
		}
	}
	opts := orchestrator.SpawnOptions{
		Task:     task,
		Label:    req.Flag("label", "l"),
		Type:     typ,
		Tags:     splitList(req.Flag("tags", "tag")),
		Priority: prio,
		Timeout:  timeout,
		Model:    req.Flag("model", "m"),
		Metadata: map[string]any{"source": "chat", "from_id": req.FromID},
	}
	if syms := splitList(req.Flag("symbols")); len(syms) > 0 {
		opts.TradingContext = &session.TradingContext{Symbols: syms, Timeframe: req.Flag("timeframe")}
	}
	sess, err := s.Orchestrator.Spawn(ctx, opts)
	if err != nil {
		return "", err
	}
	if !req.Bool("wait", "w") {
		return fmt.Sprintf("spawned %s (%s)\n%s", sess.ID, sess.Status, sess.Label), nil
	}
	done, err := s.Orchestrator.Wait(ctx, sess.ID)
	if err != nil {
		return fmt.Sprintf("spawned %s, still %s: %v", sess.ID, sess.Status, err), nil
	}
	return formatSession(done), nil
}

func (s Services) sessions(_ context.Context, req *Request) (string, error) {
	f := session.Filter{Status: session.Status(req.Flag("status", "s")), Limit: 20}
	if v := req.Flag("type", "t"); v != "" {
		typ, err := session.ParseType(v)
		if err != nil {
			return "", err
		}
		f.Type = typ
	}
	if v := req.Flag("tag"); v != "" {
		f.Tags = splitList(v)
	}
	if v := req.Flag("limit", "n"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return "", session.Invalid("limit: %v", err)
		}
		f.Limit = n
	}
	list := s.Orchestrator.List(f)
	if len(list) == 0 {
		return "no sessions", nil
	}
	lines := make([]string, 0, len(list))
	for _, ss := range list {
		lines = append(lines, formatSessionLine(ss))
	}
	return strings.Join(lines, "\n"), nil
}

func (s Services) session(_ context.Context, req *Request) (string, error) {
	id, err := firstArg(req, "session id")
	if err != nil {
		return "", err
	}
	sess, ok := s.Orchestrator.Get(id)
	if !ok {
		return "", session.NotFound("session", id)
	}
	return formatSession(sess), nil
}

func (s Services) send(_ context.Context, req *Request) (string, error) {
	if len(req.Args) < 2 {
		return "", session.Invalid("usage: /send <id> <message>")
	}
	if err := s.Orchestrator.Send(req.Args[0], strings.Join(req.Args[1:], " ")); err != nil {
		return "", err
	}
	return "sent", nil
}

func (s Services) cancel(_ context.Context, req *Request) (string, error) {
	id, err := firstArg(req, "session id")
	if err != nil {
		return "", err
	}
	ok, err := s.Orchestrator.Cancel(id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "session already finished", nil
	}
	return "cancelled " + id, nil
}

func (s Services) results(_ context.Context, req *Request) (string, error) {
	tag, err := firstArg(req, "tag")
	if err != nil {
		return "", err
	}
	agg := s.Orchestrator.AggregateByTag(tag)
	if agg.Count == 0 {
		return "no completed results for " + tag, nil
	}
	return fmt.Sprintf("%s: %d results\nprofit %.2f | win rate %.2f | trades %.0f",
		tag, agg.Count, agg.TotalProfit, agg.AvgWinRate, agg.TotalTrades), nil
}

func (s Services) cron(ctx context.Context, req *Request) (string, error) {
	sub := "list"
	if len(req.Args) > 0 {
		sub = strings.ToLower(req.Args[0])
		req.Args = req.Args[1:]
	}
	switch sub {
	case "list", "ls":
		jobs := s.Cron.List(cron.Filter{IncludeDisabled: req.Bool("all", "a")})
		if len(jobs) == 0 {
			return "no jobs", nil
		}
		lines := make([]string, 0, len(jobs))
		for _, j := range jobs {
			lines = append(lines, formatJobLine(j))
		}
		return strings.Join(lines, "\n"), nil
	case "status":
		return formatCronStatus(s.Cron.Status()), nil
	case "add":
		return s.cronAdd(ctx, req)
	case "rm", "remove", "del":
		id, err := firstArg(req, "job id")
		if err != nil {
			return "", err
		}
		ok, err := s.Cron.Remove(ctx, id)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", session.NotFound("job", id)
		}
		return "removed " + id, nil
	case "run":
		id, err := firstArg(req, "job id")
		if err != nil {
			return "", err
		}
		mode, err := cron.ParseRunMode(req.Flag("mode"))
		if err != nil {
			return "", err
		}
		run, err := s.Cron.Run(ctx, id, mode)
		if err != nil {
			return "", err
		}
		return formatRun(run), nil
	case "enable", "disable":
		id, err := firstArg(req, "job id")
		if err != nil {
			return "", err
		}
		var j cron.Job
		if sub == "enable" {
			j, err = s.Cron.Enable(ctx, id)
		} else {
			j, err = s.Cron.Disable(ctx, id)
		}
		if err != nil {
			return "", err
		}
		return formatJobLine(j), nil
	case "history":
		id, err := firstArg(req, "job id")
		if err != nil {
			return "", err
		}
		limit := 10
		if v := req.Flag("limit", "n"); v != "" {
			if limit, err = strconv.Atoi(v); err != nil {
				return "", session.Invalid("limit: %v", err)
			}
		}
		runs, err := s.Cron.History(id, limit)
		if err != nil {
			return "", err
		}
		if len(runs) == 0 {
			return "no runs yet", nil
		}
		lines := make([]string, 0, len(runs))
		for _, r := range runs {
			lines = append(lines, formatRun(r))
		}
		return strings.Join(lines, "\n"), nil
	default:
		return "", session.Invalid("unknown subcommand %q", sub)
	}
}

// cronAdd: /cron add --schedule "every 1h" [--name n] [--main] [--system]
// [--channel c] [--keep] <text>
func (s Services) cronAdd(ctx context.Context, req *Request) (string, error) {
	raw := req.Flag("schedule", "s")
	if raw == "" {
		return "", session.Invalid("--schedule is required")
	}
	sch, err := schedule.Parse(raw, s.now(), firstNonEmpty(req.Flag("tz"), s.Timezone))
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(strings.Join(req.Args, " "))
	ar := cron.AddRequest{
		Name:        req.Flag("name"),
		Description: req.Flag("description", "d"),
		Schedule:    sch,
		Payload:     cron.AgentTurn(text, req.Flag("model", "m")),
	}
	if req.Bool("system") {
		ar.Payload = cron.SystemEvent(text)
	}
	if req.Bool("main") {
		ar.SessionTarget = cron.TargetMain
	}
	if ch := req.Flag("channel", "c"); ch != "" {
		ar.Delivery = &cron.Delivery{Mode: cron.DeliveryAnnounce, Channel: ch}
	}
	if req.Bool("keep") {
		keep := false
		ar.DeleteAfterRun = &keep
	}
	j, err := s.Cron.Add(ctx, ar)
	if err != nil {
		return "", err
	}
	return "added " + formatJobLine(j), nil
}

func (s Services) heartbeat(ctx context.Context, req *Request) (string, error) {
	sub := "status"
	if len(req.Args) > 0 {
		sub = strings.ToLower(req.Args[0])
	}
	switch sub {
	case "status":
		return formatHeartbeat(s.Heartbeat.Snapshot()), nil
	case "trigger", "run", "now":
		out, err := s.Heartbeat.Trigger(ctx)
		if err != nil && !out.Fired {
			return "", err
		}
		return formatOutcome(out), nil
	default:
		return "", session.Invalid("unknown subcommand %q", sub)
	}
}

func firstArg(req *Request, what string) (string, error) {
	if len(req.Args) == 0 || strings.TrimSpace(req.Args[0]) == "" {
		return "", session.Invalid("%s is required", what)
	}
	return strings.TrimSpace(req.Args[0]), nil
}

func splitList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return session.NormalizeTags(strings.Split(v, ","))
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}

// isUserError reports whether err is the caller's fault.
func isUserError(err error) bool {
	return errors.Is(err, session.ErrValidation) || errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrInvalidState)
}
