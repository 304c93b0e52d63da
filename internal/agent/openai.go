package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"tradeclaw/internal/task/session"
	logx "tradeclaw/pkg/logx"
)

const defaultSystemPrompt = `You are a trading research sub-agent. Work only on the task you are given.
When you produce numeric findings, append a fenced json block such as
` + "```json\n{\"metrics\": {\"profit\": 0, \"winRate\": 0, \"trades\": 0}}\n```"

type OpenAIConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	Temperature    float32
	MaxSteps       int
	HistoryLimit   int
	SystemPrompt   string
	RequestTimeout time.Duration
}

// OpenAIEngine drives an OpenAI-compatible chat completions endpoint. Each
// step sends the conversation; out-of-band messages queued on the request
// inbox are appended as new user turns and trigger another step.
type OpenAIEngine struct {
	cfg    OpenAIConfig
	client *openai.Client
	log    logx.Logger

	mu      sync.Mutex
	history map[string][]openai.ChatCompletionMessage
}

func NewOpenAIEngine(cfg OpenAIConfig, log logx.Logger) (*OpenAIEngine, error) {
	if strings.TrimSpace(cfg.APIKey) == "" && strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("agent: api key or base url required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 4
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 40
	}
	if strings.TrimSpace(cfg.SystemPrompt) == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		oc.BaseURL = base
	}
	hc := &http.Client{}
	if cfg.RequestTimeout > 0 {
		hc.Timeout = cfg.RequestTimeout
	}
	oc.HTTPClient = hc

	return &OpenAIEngine{
		cfg:     cfg,
		client:  openai.NewClientWithConfig(oc),
		log:     log.With(logx.String("comp", "agent.openai")),
		history: map[string][]openai.ChatCompletionMessage{},
	}, nil
}

func (e *OpenAIEngine) Execute(ctx context.Context, req Request) (session.Result, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = e.cfg.Model
	}

	system := e.cfg.SystemPrompt
	if tc := req.TradingContext; tc != nil {
		if b, err := json.Marshal(tc); err == nil {
			system += "\n\nTrading context: " + string(b)
		}
	}
	msgs := []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleSystem, Content: system}}
	var prior []openai.ChatCompletionMessage
	if req.Persistent {
		prior = e.loadHistory(req.SessionID)
		msgs = append(msgs, prior...)
	}
	turnStart := len(msgs)
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Task})

	var reply string
	for step := 1; ; step++ {
		resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       model,
			Messages:    msgs,
			Temperature: e.cfg.Temperature,
		})
		if err != nil {
			if ctx.Err() != nil {
				return session.Result{}, ctx.Err()
			}
			return session.Result{}, fmt.Errorf("%w: chat completion: %v", session.ErrExecution, err)
		}
		if len(resp.Choices) == 0 {
			return session.Result{}, fmt.Errorf("%w: empty completion", session.ErrExecution)
		}
		reply = resp.Choices[0].Message.Content
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: reply})
		req.progress(min(95, step*100/e.cfg.MaxSteps))

		e.log.Debug("completion step",
			logx.String("session", req.SessionID),
			logx.Int("step", step),
			logx.Int("prompt_tokens", resp.Usage.PromptTokens),
			logx.Int("completion_tokens", resp.Usage.CompletionTokens),
		)

		injected := drain(req.Inbox)
		if len(injected) == 0 {
			break
		}
		if step >= e.cfg.MaxSteps {
			e.log.Warn("dropping out-of-band messages past step limit", logx.String("session", req.SessionID), logx.Int("dropped", len(injected)))
			break
		}
		for _, m := range injected {
			msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m})
		}
	}

	if req.Persistent {
		e.storeHistory(req.SessionID, append(prior, msgs[turnStart:]...))
	}
	return parseReply(reply), nil
}

func (e *OpenAIEngine) loadHistory(id string) []openai.ChatCompletionMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]openai.ChatCompletionMessage(nil), e.history[id]...)
}

func (e *OpenAIEngine) storeHistory(id string, msgs []openai.ChatCompletionMessage) {
	if over := len(msgs) - e.cfg.HistoryLimit; over > 0 {
		msgs = msgs[over:]
	}
	e.mu.Lock()
	e.history[id] = msgs
	e.mu.Unlock()
}

// ResetHistory forgets the conversation stored for id.
func (e *OpenAIEngine) ResetHistory(id string) {
	e.mu.Lock()
	delete(e.history, id)
	e.mu.Unlock()
}
