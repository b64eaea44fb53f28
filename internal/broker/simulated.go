package broker

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/quantfold/autotrade/internal/llm"
	zaplogrus "github.com/quantfold/autotrade/internal/logging/zaplogrus"
	"github.com/quantfold/autotrade/internal/portfolio"
)

// invalidation conditions the simulator can evaluate mechanically, e.g.
// "close below 47000" or "price above 52000".
var (
	invalidationBelow = regexp.MustCompile(`(?i)(close|price)\s+(below|under)\s+(\d+(?:\.\d+)?)`)
	invalidationAbove = regexp.MustCompile(`(?i)(close|price)\s+(above|over)\s+(\d+(?:\.\d+)?)`)
)

// SimulatedBrokerConfig bounds paper fills.
type SimulatedBrokerConfig struct {
	MaxSlippageBps       int
	PositionSizeLimitPct float64
	StatePath            string
}

// SimulatedBroker applies decisions to an in-memory portfolio with
// deterministic slippage, margin accounting and protective-exit triggers.
// State is persisted to StatePath after every mutating call.
type SimulatedBroker struct {
	mu       sync.Mutex
	pf       *portfolio.Portfolio
	config   SimulatedBrokerConfig
	logger   *zaplogrus.Logger
	recorder OutcomeRecorder
	pending  []portfolio.ClosedPosition
	now      func() time.Time
}

func NewSimulatedBroker(pf *portfolio.Portfolio, cfg SimulatedBrokerConfig, recorder OutcomeRecorder, logger *zaplogrus.Logger) *SimulatedBroker {
	if logger == nil {
		logger = zaplogrus.New()
	}
	if cfg.PositionSizeLimitPct <= 0 {
		cfg.PositionSizeLimitPct = 50
	}
	return &SimulatedBroker{
		pf:       pf,
		config:   cfg,
		logger:   logger,
		recorder: recorder,
		now:      time.Now,
	}
}

func (b *SimulatedBroker) Close() error { return nil }

// PortfolioSnapshot returns a deep copy so readers never race the broker.
func (b *SimulatedBroker) PortfolioSnapshot() *portfolio.Portfolio {
	b.mu.Lock()
	defer b.mu.Unlock()
	return copyPortfolio(b.pf)
}

func copyPortfolio(src *portfolio.Portfolio) *portfolio.Portfolio {
	dst := *src
	dst.Positions = make(map[string]portfolio.Position, len(src.Positions))
	for k, v := range src.Positions {
		dst.Positions[k] = v
	}
	dst.TradeLog = append([]portfolio.TradeLogEntry(nil), src.TradeLog...)
	dst.EvaluationLog = append([]portfolio.EvaluationLogEntry(nil), src.EvaluationLog...)
	dst.ClosedPositions = append([]portfolio.ClosedPosition(nil), src.ClosedPositions...)
	return &dst
}

// Execute processes each decision in order. Every decision with a usable
// price lands in the evaluation log; only fills flip its executed flag.
func (b *SimulatedBroker) Execute(ctx context.Context, decisions []llm.Decision, prices map[string]float64, execCtx ExecutionContext) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	messages := make([]string, 0, len(decisions))
	timestamp := b.now().UTC()

	for _, decision := range decisions {
		symbol := decision.Symbol
		price, ok := prices[symbol]
		if !ok {
			msg := fmt.Sprintf("No market data for %s; skipping decision", symbol)
			b.logger.Warn(msg)
			messages = append(messages, msg)
			continue
		}
		if price <= 0 {
			msg := fmt.Sprintf("Invalid market price (%v) for %s; skipping decision", price, symbol)
			b.logger.Warn(msg)
			messages = append(messages, msg)
			continue
		}

		chainOfThought := execCtx.ChainOfThought
		if decision.ChainOfThought != nil {
			chainOfThought = *decision.ChainOfThought
		}
		b.pf.EvaluationLog = append(b.pf.EvaluationLog, portfolio.EvaluationLogEntry{
			Timestamp:       timestamp,
			Symbol:          symbol,
			Action:          string(decision.Action),
			Confidence:      decision.ConfidenceOr(0),
			SizePct:         decision.SizePctOr(0),
			Rationale:       decision.RationaleOr(""),
			Price:           price,
			Executed:        false,
			ChainOfThought:  chainOfThought,
			SystemPrompt:    execCtx.SystemPrompt,
			UserPayload:     execCtx.UserPayload,
			ToolPayloadJSON: execCtx.ToolPayloadJSON,
		})
		evalIndex := len(b.pf.EvaluationLog) - 1

		slippage := float64(b.config.MaxSlippageBps) / 10000.0
		fill := price
		switch decision.Action {
		case llm.ActionBuy:
			fill = price * (1 + slippage)
		case llm.ActionSell:
			fill = price * (1 - slippage)
		}

		var msg string
		var executed bool
		switch decision.Action {
		case llm.ActionBuy:
			msg, executed = b.executeBuy(ctx, decision, fill, timestamp)
		case llm.ActionSell:
			msg, executed = b.executeSell(decision, fill, timestamp)
		case llm.ActionClose:
			msg, executed = b.executeClose(symbol, fill, timestamp, decision.RationaleOr(""))
		case llm.ActionHold:
			msg = b.executeHold(decision, price)
		case llm.ActionNoEntry:
			msg = fmt.Sprintf("NO_ENTRY for %s: no position opened", symbol)
		default:
			msg = fmt.Sprintf("Unknown action %s for %s", decision.Action, symbol)
			b.logger.Warn(msg)
		}
		if executed {
			b.pf.EvaluationLog[evalIndex].Executed = true
		}
		messages = append(messages, msg)
	}

	b.pf.UpdatedAt = timestamp
	b.persist()
	return messages
}

func (b *SimulatedBroker) executeBuy(ctx context.Context, decision llm.Decision, fill float64, timestamp time.Time) (string, bool) {
	symbol := decision.Symbol
	if fill <= 0 {
		return fmt.Sprintf("Invalid fill price (%v) for BUY %s", fill, symbol), false
	}

	leverage := 1.0
	if decision.Leverage != nil {
		leverage = *decision.Leverage
	}

	equity := b.pf.Equity()
	var notional float64
	switch {
	case decision.SizePct != nil:
		notional = equity * (*decision.SizePct / 100.0) * leverage
	case decision.Quantity != nil:
		notional = *decision.Quantity * fill
	default:
		notional = equity * 0.10 * leverage
	}

	maxNotional := equity * (b.config.PositionSizeLimitPct / 100.0)
	if notional > maxNotional {
		notional = maxNotional
	}

	quantity := notional / fill
	margin := notional / leverage
	if quantity <= 0 || margin <= 0 {
		return fmt.Sprintf("Computed non-positive trade size for BUY %s (quantity=%v, margin=%v); skipping execution", symbol, quantity, margin), false
	}
	if margin > b.pf.CurrentCash {
		return fmt.Sprintf("Insufficient cash for BUY %s: need $%.2f margin, have $%.2f", symbol, margin, b.pf.CurrentCash), false
	}

	b.pf.CurrentCash -= margin

	exitPlan := portfolio.ExitPlan{
		StopLoss:              decision.StopLoss,
		TakeProfit:            decision.TakeProfit,
		InvalidationCondition: decision.InvalidationCondition,
	}

	var actionDesc string
	if existing, ok := b.pf.Positions[symbol]; ok {
		totalQuantity := existing.Quantity + quantity
		avgPrice := (existing.Quantity*existing.EntryPrice + quantity*fill) / totalQuantity
		existing.Quantity = totalQuantity
		existing.EntryPrice = avgPrice
		existing.CurrentPrice = fill
		existing.Confidence = decision.ConfidenceOr(existing.Confidence)
		existing.ExitPlan = exitPlan
		b.pf.Positions[symbol] = existing
		actionDesc = "averaged"
	} else {
		b.pf.Positions[symbol] = portfolio.Position{
			Symbol:         symbol,
			Quantity:       quantity,
			EntryPrice:     fill,
			EntryTimestamp: timestamp,
			CurrentPrice:   fill,
			Confidence:     decision.ConfidenceOr(0),
			Leverage:       leverage,
			ExitPlan:       exitPlan,
		}
		actionDesc = "opened"
		if b.recorder != nil {
			if err := b.recorder.RecordEntry(ctx, symbol, "BUY", fill, quantity, decision.RationaleOr("")); err != nil {
				b.logger.WithError(err).WithField("symbol", symbol).Warn("Failed to register entry outcome")
			}
		}
	}

	b.pf.TradeLog = append(b.pf.TradeLog, portfolio.TradeLogEntry{
		Timestamp: timestamp,
		Symbol:    symbol,
		Action:    "BUY",
		Price:     fill,
		Quantity:  quantity,
		Reason:    decision.RationaleOr(""),
	})

	return fmt.Sprintf("BUY %s %s: %.4f @ $%.2f (margin: $%.2f, cash remaining: $%.2f)",
		actionDesc, symbol, quantity, fill, margin, b.pf.CurrentCash), true
}

func (b *SimulatedBroker) executeSell(decision llm.Decision, fill float64, timestamp time.Time) (string, bool) {
	symbol := decision.Symbol
	if _, ok := b.pf.Positions[symbol]; ok {
		return b.executeClose(symbol, fill, timestamp, decision.RationaleOr(""))
	}
	return fmt.Sprintf("SELL ignored for %s: no existing position (short selling not supported)", symbol), false
}

// executeClose realizes the position: the margin comes back to cash along
// with the PnL against the average entry.
func (b *SimulatedBroker) executeClose(symbol string, fill float64, timestamp time.Time, reason string) (string, bool) {
	position, ok := b.pf.Positions[symbol]
	if !ok {
		return fmt.Sprintf("CLOSE ignored for %s: no position to close", symbol), false
	}
	delete(b.pf.Positions, symbol)

	leverage := position.Leverage
	if leverage <= 0 {
		leverage = 1
	}
	marginReturn := position.Quantity * fill / leverage
	realizedPnL := position.Quantity * (fill - position.EntryPrice)
	b.pf.CurrentCash += marginReturn + realizedPnL

	pnlPct := 0.0
	if entryMargin := position.Quantity * position.EntryPrice / leverage; entryMargin != 0 {
		pnlPct = realizedPnL / entryMargin * 100
	}
	closed := portfolio.ClosedPosition{
		Symbol:         symbol,
		Quantity:       position.Quantity,
		EntryPrice:     position.EntryPrice,
		ExitPrice:      fill,
		EntryTimestamp: position.EntryTimestamp,
		ExitTimestamp:  timestamp,
		RealizedPnL:    realizedPnL,
		RealizedPnLPct: pnlPct,
		Leverage:       leverage,
		Reason:         reason,
	}
	b.pf.ClosedPositions = append(b.pf.ClosedPositions, closed)
	b.pending = append(b.pending, closed)

	b.pf.TradeLog = append(b.pf.TradeLog, portfolio.TradeLogEntry{
		Timestamp:   timestamp,
		Symbol:      symbol,
		Action:      "CLOSE",
		Price:       fill,
		Quantity:    position.Quantity,
		RealizedPnL: realizedPnL,
		Reason:      reason,
	})

	return fmt.Sprintf("CLOSE %s: %.4f @ $%.2f (realized PnL: $%.2f, cash: $%.2f)",
		symbol, position.Quantity, fill, realizedPnL, b.pf.CurrentCash), true
}

func (b *SimulatedBroker) executeHold(decision llm.Decision, price float64) string {
	symbol := decision.Symbol
	position, ok := b.pf.Positions[symbol]
	if !ok {
		return fmt.Sprintf("HOLD ignored for %s: no position", symbol)
	}
	position.CurrentPrice = price
	if decision.Confidence != nil {
		position.Confidence = *decision.Confidence
	}
	if decision.StopLoss != nil || decision.TakeProfit != nil || decision.InvalidationCondition != nil {
		position.ExitPlan = portfolio.ExitPlan{
			StopLoss:              decision.StopLoss,
			TakeProfit:            decision.TakeProfit,
			InvalidationCondition: decision.InvalidationCondition,
		}
	}
	b.pf.Positions[symbol] = position

	return fmt.Sprintf("HOLD %s: price $%.2f, unrealized PnL: $%.2f (%.2f%%)",
		symbol, price, position.UnrealizedPnL(), position.UnrealizedPnLPct())
}

// MarkToMarket refreshes prices for symbols with a snapshot and fires exit
// triggers in stop-loss, take-profit, invalidation order.
func (b *SimulatedBroker) MarkToMarket(ctx context.Context, prices map[string]float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	timestamp := b.now().UTC()
	for symbol, position := range b.pf.Positions {
		price, ok := prices[symbol]
		if !ok || price <= 0 {
			continue
		}
		position.CurrentPrice = price
		b.pf.Positions[symbol] = position
		b.checkExitTriggers(symbol, position, price, timestamp)
	}
	b.pf.UpdatedAt = timestamp
	b.persist()
	return nil
}

func (b *SimulatedBroker) checkExitTriggers(symbol string, position portfolio.Position, price float64, timestamp time.Time) {
	plan := position.ExitPlan
	if plan.StopLoss != nil && price <= *plan.StopLoss {
		b.logger.WithFields(zaplogrus.Fields{"symbol": symbol, "price": price}).Info("Stop-loss triggered")
		b.executeClose(symbol, price, timestamp, fmt.Sprintf("Stop-loss triggered at $%.2f", price))
		return
	}
	if plan.TakeProfit != nil && price >= *plan.TakeProfit {
		b.logger.WithFields(zaplogrus.Fields{"symbol": symbol, "price": price}).Info("Take-profit triggered")
		b.executeClose(symbol, price, timestamp, fmt.Sprintf("Take-profit triggered at $%.2f", price))
		return
	}
	if plan.InvalidationCondition != nil && evaluateInvalidation(*plan.InvalidationCondition, price) {
		b.logger.WithFields(zaplogrus.Fields{"symbol": symbol, "condition": *plan.InvalidationCondition}).Info("Invalidation triggered")
		b.executeClose(symbol, price, timestamp, "Invalidation: "+*plan.InvalidationCondition)
	}
}

// evaluateInvalidation parses the mechanical subset of invalidation
// conditions; anything unparseable never triggers.
func evaluateInvalidation(condition string, price float64) bool {
	if m := invalidationBelow.FindStringSubmatch(condition); m != nil {
		if threshold, err := strconv.ParseFloat(m[3], 64); err == nil && price < threshold {
			return true
		}
	}
	if m := invalidationAbove.FindStringSubmatch(condition); m != nil {
		if threshold, err := strconv.ParseFloat(m[3], 64); err == nil && price > threshold {
			return true
		}
	}
	return false
}

// ProcessPendingFeedback hands queued exits to the recorder. Events that
// fail to record stay queued for the next drain.
func (b *SimulatedBroker) ProcessPendingFeedback(ctx context.Context) error {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()

	if b.recorder == nil || len(pending) == 0 {
		return nil
	}
	var failed []portfolio.ClosedPosition
	for _, closed := range pending {
		if err := b.recorder.RecordClose(ctx, closed); err != nil {
			b.logger.WithError(err).WithField("symbol", closed.Symbol).Warn("Failed to record trade outcome")
			failed = append(failed, closed)
		}
	}
	if len(failed) > 0 {
		b.mu.Lock()
		b.pending = append(failed, b.pending...)
		b.mu.Unlock()
		return fmt.Errorf("%d trade outcomes failed to record", len(failed))
	}
	return nil
}

// PendingExits reports the queue depth, for status surfaces.
func (b *SimulatedBroker) PendingExits() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *SimulatedBroker) persist() {
	if b.config.StatePath == "" {
		return
	}
	if err := portfolio.Save(b.pf, b.config.StatePath); err != nil {
		b.logger.WithError(err).Error("Failed to persist simulation state")
	}
}
