package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"tradeclaw/internal/task/session"
	logx "tradeclaw/pkg/logx"
)

// SpawnStrategies spawns one strategy sub-agent per spec, all sharing tag
// (generated when empty). Every spec is validated before anything is spawned.
func (s *Service) SpawnStrategies(ctx context.Context, specs []StrategySpec, tag string) (Batch, error) {
	if len(specs) == 0 {
		return Batch{}, session.Invalid("at least one strategy is required")
	}
	for i, sp := range specs {
		if strings.TrimSpace(sp.Name) == "" {
			return Batch{}, session.Invalid("strategies[%d]: name is required", i)
		}
		if len(sp.Symbols) == 0 {
			return Batch{}, session.Invalid("strategies[%d]: at least one symbol is required", i)
		}
	}
	tag = strings.TrimSpace(tag)
	if tag == "" {
		tag = "strategies-" + uuid.NewString()[:8]
	}

	opts := make([]SpawnOptions, 0, len(specs))
	for _, sp := range specs {
		name := strings.TrimSpace(sp.Name)
		timeframe := strings.TrimSpace(sp.Timeframe)
		task := strings.TrimSpace(sp.Task)
		if task == "" {
			task = fmt.Sprintf("Run the %s strategy on %s (%s timeframe). Report profit, winRate and trades.",
				name, strings.Join(sp.Symbols, ", "), orDefault(timeframe, "default"))
		}
		opts = append(opts, SpawnOptions{
			Task:     task,
			Label:    "strategy:" + name,
			Type:     session.TypeStrategy,
			Tags:     []string{tag, "strategy:" + name},
			Priority: sp.Priority,
			TradingContext: &session.TradingContext{
				Symbols:    sp.Symbols,
				Timeframe:  timeframe,
				Strategy:   name,
				RiskParams: sp.RiskParams,
			},
		})
	}
	return s.spawnBatch(ctx, tag, opts)
}

// SpawnMultiSymbolAnalysis spawns one analysis sub-agent per symbol tagged
// "analysis-{timeframe}".
func (s *Service) SpawnMultiSymbolAnalysis(ctx context.Context, symbols []string, timeframe, analysisType string) (Batch, error) {
	symbols = session.NormalizeTags(symbols)
	if len(symbols) == 0 {
		return Batch{}, session.Invalid("at least one symbol is required")
	}
	timeframe = strings.TrimSpace(timeframe)
	if timeframe == "" {
		return Batch{}, session.Invalid("timeframe is required")
	}
	analysisType = orDefault(strings.TrimSpace(analysisType), "technical")
	tag := "analysis-" + timeframe

	opts := make([]SpawnOptions, 0, len(symbols))
	for _, sym := range symbols {
		opts = append(opts, SpawnOptions{
			Task:  fmt.Sprintf("Perform a %s analysis of %s on the %s timeframe. Summarize trend, key levels and a directional bias.", analysisType, sym, timeframe),
			Label: fmt.Sprintf("%s %s %s", analysisType, sym, timeframe),
			Type:  session.TypeAnalysis,
			Tags:  []string{tag, "symbol:" + sym},
			TradingContext: &session.TradingContext{
				Symbols:   []string{sym},
				Timeframe: timeframe,
			},
			Metadata: map[string]any{"analysisType": analysisType},
		})
	}
	return s.spawnBatch(ctx, tag, opts)
}

// spawnBatch spawns opts in order. If one spawn fails the already spawned
// sessions are cancelled so a failed batch leaves nothing running.
func (s *Service) spawnBatch(ctx context.Context, tag string, opts []SpawnOptions) (Batch, error) {
	b := Batch{Tag: tag, Sessions: make([]session.Session, 0, len(opts))}
	for _, o := range opts {
		sess, err := s.Spawn(ctx, o)
		if err != nil {
			for _, done := range b.Sessions {
				_, _ = s.Cancel(done.ID)
			}
			return Batch{}, err
		}
		b.Sessions = append(b.Sessions, sess)
	}
	s.log.Info("batch spawned", logx.String("tag", tag), logx.Int("count", len(b.Sessions)))
	return b, nil
}

// ResultsByTag returns the results of completed sessions carrying tag.
func (s *Service) ResultsByTag(tag string) []session.Result { return s.reg.ResultsByTag(tag) }

// AggregateByTag sums profit and trades and averages winRate over the
// completed results for tag. Results without a metric do not count toward
// that metric.
func (s *Service) AggregateByTag(tag string) Aggregate {
	results := s.reg.ResultsByTag(tag)
	agg := Aggregate{Tag: tag, Count: len(results), Results: results}
	var winRates int
	for _, r := range results {
		agg.TotalProfit += r.Metrics["profit"]
		agg.TotalTrades += r.Metrics["trades"]
		if wr, ok := r.Metrics["winRate"]; ok {
			agg.AvgWinRate += wr
			winRates++
		}
	}
	if winRates > 0 {
		agg.AvgWinRate /= float64(winRates)
	}
	return agg
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
