// Package pipeline orchestrates one decision cycle: assemble the prompt from
// cached market state and portfolio, run the tool-calling agent, and return
// the parsed decisions with their full audit trail.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantfold/autotrade/internal/feedback"
	"github.com/quantfold/autotrade/internal/indicator"
	"github.com/quantfold/autotrade/internal/llm"
	zaplogrus "github.com/quantfold/autotrade/internal/logging/zaplogrus"
	"github.com/quantfold/autotrade/internal/market"
	"github.com/quantfold/autotrade/internal/portfolio"
	"github.com/quantfold/autotrade/internal/prompt"
	"github.com/quantfold/autotrade/internal/tools"
)

// FeedbackSource supplies learned rules and realized trades for prompt
// injection. The repository implements it; nil disables the block.
type FeedbackSource interface {
	FetchActiveRules(ctx context.Context, limit int) ([]feedback.LearnedRule, error)
	FetchRecentOutcomes(ctx context.Context, limit int) ([]feedback.TradeOutcome, error)
}

// Config holds the pipeline's symbol universe and prompt parameters.
type Config struct {
	Symbols       []string
	SymbolMapping map[string]string

	ShortTimeframe        string
	LongTimeframe         string
	ShortTimeframeSeconds int64
	VolumeRatioPeriod     int
	HighTimeframeSeconds  int64
	HighVolumeRatioPeriod int
	HighMACDSeriesPoints  int

	MaxRulesInPrompt int
	MaxHistoryTrades int
	TraceLogPath     string

	Risk *prompt.RiskSettings
}

// Result is one completed pipeline run.
type Result struct {
	RunID             string
	Prompt            string
	Decisions         []llm.Decision
	RawJSON           string
	ChainOfThought    string
	ToolPayloadJSON   *string
	ToolInvocations   []llm.ToolInvocation
	Messages          []llm.Message
	ToolCacheSnapshot []tools.CacheSnapshot
	GeneratedAt       time.Time
}

// Pipeline wires the market cache, tool registry, prompt builder and agent
// into one runnable decision cycle.
type Pipeline struct {
	agent    *llm.Agent
	registry *tools.Registry
	cache    *market.Cache
	builder  *prompt.Builder
	source   FeedbackSource
	config   Config
	logger   *zaplogrus.Logger
	now      func() time.Time

	mu          sync.Mutex
	startedAt   time.Time
	invocations int
}

func New(agent *llm.Agent, registry *tools.Registry, cache *market.Cache, source FeedbackSource, cfg Config, logger *zaplogrus.Logger) *Pipeline {
	if cfg.MaxRulesInPrompt <= 0 {
		cfg.MaxRulesInPrompt = 8
	}
	if cfg.MaxHistoryTrades <= 0 {
		cfg.MaxHistoryTrades = 5
	}
	if logger == nil {
		logger = zaplogrus.New()
	}
	p := &Pipeline{
		agent:    agent,
		registry: registry,
		cache:    cache,
		builder:  prompt.NewBuilder(),
		source:   source,
		config:   cfg,
		logger:   logger,
		now:      time.Now,
	}
	p.startedAt = p.now().UTC()
	return p
}

// RunOnce executes one decision cycle against the given portfolio view.
// Returns (nil, nil) when nothing is configured to evaluate.
func (p *Pipeline) RunOnce(ctx context.Context, pf *portfolio.Portfolio) (*Result, error) {
	if len(p.config.Symbols) == 0 {
		p.logger.Warn("No symbols configured for decision pipeline")
		return nil, nil
	}

	runID := uuid.New().String()
	p.mu.Lock()
	p.invocations++
	invocation := p.invocations
	minutes := int(p.now().UTC().Sub(p.startedAt).Minutes())
	p.mu.Unlock()
	if minutes < 0 {
		minutes = 0
	}

	promptCtx := prompt.Context{
		MinutesSinceStart: minutes,
		InvocationCount:   invocation,
		CurrentTimestamp:  p.now().UTC(),
		Symbols:           p.gatherSymbolContexts(ctx),
		Account:           p.accountContext(pf),
		FeedbackBlock:     p.feedbackBlock(ctx, pf),
	}
	userPayload := p.builder.Build(promptCtx)

	runCache := p.registry.RunCache()
	runCache.BeginRun(runID)
	defer runCache.EndRun()

	agentResult, err := p.agent.Run(ctx, userPayload)
	if err != nil {
		return nil, fmt.Errorf("agent run failed: %w", err)
	}

	result := &Result{
		RunID:             runID,
		Prompt:            userPayload,
		Decisions:         agentResult.Decisions,
		RawJSON:           agentResult.RawJSON,
		ChainOfThought:    agentResult.ChainOfThought,
		ToolPayloadJSON:   agentResult.ToolPayloadJSON(),
		ToolInvocations:   agentResult.ToolInvocations,
		Messages:          agentResult.Messages,
		ToolCacheSnapshot: runCache.Snapshot(),
		GeneratedAt:       p.now().UTC(),
	}
	p.writeTrace(result)
	return result, nil
}

// gatherSymbolContexts builds the per-symbol prompt sections from the
// scheduler-warmed cache. Symbols without cached history degrade to a bare
// price context rather than aborting the cycle.
func (p *Pipeline) gatherSymbolContexts(ctx context.Context) []prompt.SymbolContext {
	contexts := make([]prompt.SymbolContext, 0, len(p.config.Symbols))
	for _, symbol := range p.config.Symbols {
		instrument := symbol
		if mapped, ok := p.config.SymbolMapping[symbol]; ok {
			instrument = mapped
		}
		contexts = append(contexts, p.symbolContext(ctx, strings.ToUpper(symbol), instrument))
	}
	return contexts
}

func (p *Pipeline) symbolContext(ctx context.Context, symbol, instrument string) prompt.SymbolContext {
	out := prompt.SymbolContext{Symbol: symbol}

	var short market.OHLCVPayload
	found, err := p.cache.GetJSON(ctx, market.OHLCVKey(instrument, p.config.ShortTimeframe), &short)
	if err != nil || !found || len(short.Candles) == 0 {
		if err != nil {
			p.logger.WithError(err).WithField("symbol", instrument).Warn("Failed to read cached candles")
		}
		var ticker market.Ticker
		if ok, _ := p.cache.GetJSON(ctx, market.TickerKey(instrument), &ticker); ok {
			out.CurrentPrice = ticker.LastPrice
		}
		return out
	}

	snapshot := indicator.SnapshotFromBars(instrument, candlesToBars(short.Candles), indicator.SnapshotParams{
		TimeframeSeconds:  p.config.ShortTimeframeSeconds,
		VolumeRatioPeriod: p.config.VolumeRatioPeriod,
	})
	if snapshot == nil {
		out.CurrentPrice = short.Candles[len(short.Candles)-1].Close
		return out
	}

	out.CurrentPrice = snapshot.Price
	out.EMA20 = snapshot.EMA20
	out.MACD = snapshot.MACD
	out.RSI7 = snapshot.RSI7
	out.MidPrices = tail(snapshot.MidPrices, 10)
	out.EMA20Series = tail(snapshot.EMA20Series, 10)
	out.MACDSeries = tail(snapshot.MACDSeries, 10)
	out.RSI7Series = tail(snapshot.RSI7Series, 10)
	out.RSI14Series = tail(snapshot.RSI14Series, 10)

	var funding market.Funding
	if ok, _ := p.cache.GetJSON(ctx, market.FundingKey(instrument), &funding); ok {
		out.Funding = funding.FundingRate
	}

	var long market.OHLCVPayload
	if ok, _ := p.cache.GetJSON(ctx, market.OHLCVKey(instrument, p.config.LongTimeframe), &long); ok && len(long.Candles) > 0 {
		higher := indicator.HigherTimeframeFromBars(candlesToBars(long.Candles), indicator.HigherTimeframeParams{
			TimeframeSeconds:  p.config.HighTimeframeSeconds,
			VolumeRatioPeriod: p.config.HighVolumeRatioPeriod,
			MACDSeriesPoints:  p.config.HighMACDSeriesPoints,
		})
		if higher != nil {
			out.HigherTimeframe = &prompt.SymbolHigherTimeframe{
				EMA20:       higher.EMA20,
				EMA50:       higher.EMA50,
				ATR3:        higher.ATR3,
				ATR14:       higher.ATR14,
				Volume:      higher.Volume,
				VolumeAvg:   higher.VolumeAvg,
				MACDSeries:  higher.MACDSeries,
				RSI14Series: higher.RSI14Series,
			}
		}
	}
	return out
}

func (p *Pipeline) accountContext(pf *portfolio.Portfolio) prompt.AccountContext {
	account := prompt.AccountContext{Risk: p.config.Risk}
	if pf == nil {
		return account
	}
	account.Value = pf.Equity()
	account.Cash = pf.CurrentCash
	account.ReturnPct = pf.TotalPnLPct()
	account.Sharpe = pf.SharpeRatio()
	symbols := make([]string, 0, len(pf.Positions))
	for symbol := range pf.Positions {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	for _, symbol := range symbols {
		position := pf.Positions[symbol]
		account.Positions = append(account.Positions, prompt.PositionContext{
			Symbol:                position.Symbol,
			Quantity:              position.Quantity,
			EntryPrice:            position.EntryPrice,
			CurrentPrice:          position.CurrentPrice,
			UnrealizedPnL:         position.UnrealizedPnL(),
			Leverage:              position.Leverage,
			ProfitTarget:          position.ExitPlan.TakeProfit,
			StopLoss:              position.ExitPlan.StopLoss,
			InvalidationCondition: position.ExitPlan.InvalidationCondition,
			Confidence:            position.Confidence,
			NotionalUSD:           position.NotionalValue(),
		})
	}
	return account
}

// feedbackBlock renders the learned-rules and trade-history sections. Closed
// positions from the portfolio take precedence over the outcome table so
// simulator runs see their own history.
func (p *Pipeline) feedbackBlock(ctx context.Context, pf *portfolio.Portfolio) string {
	var rules []feedback.LearnedRule
	if p.source != nil {
		var err error
		rules, err = p.source.FetchActiveRules(ctx, p.config.MaxRulesInPrompt)
		if err != nil {
			p.logger.WithError(err).Warn("Failed to load active rules")
		}
	}

	history := p.recentHistory(ctx, pf)
	if len(rules) == 0 && len(history) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("## LEARNED RULES (Apply These Constraints)\n")
	if len(rules) == 0 {
		b.WriteString("No learned rules yet. Generate decisions based on market analysis.\n")
	} else {
		for i, rule := range rules {
			fmt.Fprintf(&b, "%d. [%s] %s (effectiveness: %.0f%%)\n",
				i+1, strings.ToUpper(rule.RuleType), rule.RuleText, rule.EffectivenessScore*100)
		}
	}
	b.WriteString("\n## RECENT TRADE HISTORY (Learn from These)\n")
	if len(history) == 0 {
		b.WriteString("No recent trade history.")
	} else {
		for i, line := range history {
			if i > 0 {
				b.WriteString("\n")
			}
			b.WriteString(line)
		}
	}
	return b.String()
}

func (p *Pipeline) recentHistory(ctx context.Context, pf *portfolio.Portfolio) []string {
	limit := p.config.MaxHistoryTrades

	if pf != nil && len(pf.ClosedPositions) > 0 {
		closed := pf.ClosedPositions
		if len(closed) > limit {
			closed = closed[len(closed)-limit:]
		}
		lines := make([]string, 0, len(closed))
		for _, position := range closed {
			lines = append(lines, historyLine(position.Symbol, "CLOSE", position.RealizedPnLPct, position.Reason))
		}
		return lines
	}

	if p.source == nil {
		return nil
	}
	outcomes, err := p.source.FetchRecentOutcomes(ctx, limit)
	if err != nil {
		p.logger.WithError(err).Debug("Failed to load trade outcomes")
		return nil
	}
	lines := make([]string, 0, len(outcomes))
	for _, outcome := range outcomes {
		lines = append(lines, historyLine(outcome.Symbol, outcome.Action, outcome.PnLPct, outcome.Rationale))
	}
	return lines
}

func historyLine(symbol, action string, pnlPct float64, rationale string) string {
	verdict := "LOSS"
	if pnlPct > 0 {
		verdict = "WIN"
	}
	if len(rationale) > 80 {
		rationale = rationale[:80]
	}
	if rationale == "" {
		rationale = "No rationale"
	}
	return fmt.Sprintf("- %s %s: %s (%+.2f%%) - %s", symbol, action, verdict, pnlPct, rationale)
}

// SnapshotPrices extracts per-symbol mid prices from the run's tool trace,
// falling back to decision price hints (take_profit, stop_loss, quantity)
// when no tool reported the symbol.
func (r *Result) SnapshotPrices(symbolMapping map[string]string) map[string]float64 {
	prices := map[string]float64{}

	aliases := map[string][]string{}
	for logical, instrument := range symbolMapping {
		aliases[strings.ToUpper(instrument)] = append(aliases[strings.ToUpper(instrument)], strings.ToUpper(logical))
	}

	for _, invocation := range r.ToolInvocations {
		if invocation.Tool != tools.ToolLiveMarketData && invocation.Tool != tools.ToolIndicatorCalculator {
			continue
		}
		if invocation.Response == "" {
			continue
		}
		var payload struct {
			Symbol    string  `json:"symbol"`
			LastPrice float64 `json:"last_price"`
			Price     float64 `json:"price"`
		}
		if err := json.Unmarshal([]byte(invocation.Response), &payload); err != nil {
			continue
		}
		price := payload.LastPrice
		if price == 0 {
			price = payload.Price
		}
		if price <= 0 || payload.Symbol == "" {
			continue
		}
		key := strings.ToUpper(payload.Symbol)
		prices[key] = price
		for _, alias := range aliases[key] {
			prices[alias] = price
		}
	}

	for _, decision := range r.Decisions {
		symbol := strings.ToUpper(decision.Symbol)
		if _, ok := prices[symbol]; ok {
			continue
		}
		switch {
		case decision.TakeProfit != nil && *decision.TakeProfit > 0:
			prices[symbol] = *decision.TakeProfit
		case decision.StopLoss != nil && *decision.StopLoss > 0:
			prices[symbol] = *decision.StopLoss
		case decision.Quantity != nil && *decision.Quantity > 0:
			prices[symbol] = *decision.Quantity
		}
	}
	return prices
}

// writeTrace appends one JSONL record per run for offline inspection.
func (p *Pipeline) writeTrace(result *Result) {
	if p.config.TraceLogPath == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(p.config.TraceLogPath), 0o755); err != nil {
		p.logger.WithError(err).Warn("Failed to create trace directory")
		return
	}
	payload, err := json.Marshal(map[string]interface{}{
		"run_id":              result.RunID,
		"generated_at":        result.GeneratedAt.Format(time.RFC3339),
		"prompt":              result.Prompt,
		"decisions":           result.Decisions,
		"tool_invocations":    result.ToolInvocations,
		"tool_cache_snapshot": result.ToolCacheSnapshot,
	})
	if err != nil {
		p.logger.WithError(err).Warn("Failed to serialize decision trace")
		return
	}
	f, err := os.OpenFile(p.config.TraceLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		p.logger.WithError(err).Warn("Failed to open trace log")
		return
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(append(payload, '\n')); err != nil {
		p.logger.WithError(err).Warn("Failed to write decision trace")
	}
}

func candlesToBars(candles []market.Candle) []indicator.Bar {
	bars := make([]indicator.Bar, 0, len(candles))
	for _, c := range candles {
		bars = append(bars, indicator.Bar{
			Start:  c.Timestamp,
			Open:   c.Open,
			High:   c.High,
			Low:    c.Low,
			Close:  c.Close,
			Volume: c.Volume,
		})
	}
	return bars
}

func tail(xs []float64, n int) []float64 {
	if len(xs) <= n {
		return xs
	}
	return xs[len(xs)-n:]
}
