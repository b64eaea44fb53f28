package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfold/autotrade/internal/exchange"
	"github.com/quantfold/autotrade/internal/llm"
	zaplogrus "github.com/quantfold/autotrade/internal/logging/zaplogrus"
	"github.com/quantfold/autotrade/internal/metrics"
	"github.com/quantfold/autotrade/internal/portfolio"
	"github.com/quantfold/autotrade/internal/traderr"
)

// OutcomeRecorder extends CloseRecorder with entry registration so the
// learning loop can pair entries with their eventual exits.
type OutcomeRecorder interface {
	CloseRecorder
	RecordEntry(ctx context.Context, symbol, action string, entryPrice, quantity float64, rationale string) error
}

// ExchangeBrokerConfig maps logical symbols to venue instruments and sizes
// entries against a reference balance.
type ExchangeBrokerConfig struct {
	SymbolMapping    map[string]string
	ReferenceBalance float64
	OrderType        string
	PortfolioID      string
}

// ExchangeBroker routes BUY/SELL decisions to the venue. It keeps no
// portfolio of its own; position state lives on the exchange.
type ExchangeBroker struct {
	client   exchange.ExchangeClient
	config   ExchangeBrokerConfig
	logger   *zaplogrus.Logger
	recorder OutcomeRecorder
	latency  *metrics.LatencyWindow
	now      func() time.Time

	mu         sync.Mutex
	executions []ExecutionRecord
}

// ExecutionRecord is one submitted order, kept in a bounded ring for the
// control plane.
type ExecutionRecord struct {
	OrderID   string    `json:"order_id"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	Quantity  float64   `json:"quantity"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

const maxExecutionRecords = 1000

func NewExchangeBroker(client exchange.ExchangeClient, cfg ExchangeBrokerConfig, recorder OutcomeRecorder, latency *metrics.LatencyWindow, logger *zaplogrus.Logger) *ExchangeBroker {
	if logger == nil {
		logger = zaplogrus.New()
	}
	if cfg.OrderType == "" {
		cfg.OrderType = "market"
	}
	if cfg.PortfolioID == "" {
		cfg.PortfolioID = "okx-demo"
	}
	if latency == nil {
		latency = metrics.NewLatencyWindow()
	}
	return &ExchangeBroker{
		client:   client,
		config:   cfg,
		logger:   logger,
		recorder: recorder,
		latency:  latency,
		now:      time.Now,
	}
}

func (b *ExchangeBroker) Close() error { return b.client.Close() }

// PortfolioSnapshot returns nil: the venue owns the account state.
func (b *ExchangeBroker) PortfolioSnapshot() *portfolio.Portfolio { return nil }

// MarkToMarket is a no-op: protective exits run on the venue side.
func (b *ExchangeBroker) MarkToMarket(ctx context.Context, prices map[string]float64) error {
	return nil
}

func (b *ExchangeBroker) ProcessPendingFeedback(ctx context.Context) error { return nil }

// Execute routes each BUY/SELL to the venue; other actions are reported as
// unsupported. A rejected order surfaces as a FatalExchangeError message.
func (b *ExchangeBroker) Execute(ctx context.Context, decisions []llm.Decision, prices map[string]float64, execCtx ExecutionContext) []string {
	messages := make([]string, 0, len(decisions))
	for _, decision := range decisions {
		msg, err := b.handleDecision(ctx, decision, prices)
		if err != nil {
			msg = fmt.Sprintf("Failed to execute %s: %v", decision.Symbol, err)
			b.logger.WithError(err).WithField("symbol", decision.Symbol).Error("Order execution failed")
			metrics.RecordOrder("failed", 0)
		}
		messages = append(messages, msg)
	}
	return messages
}

func (b *ExchangeBroker) handleDecision(ctx context.Context, decision llm.Decision, prices map[string]float64) (string, error) {
	if decision.Action != llm.ActionBuy && decision.Action != llm.ActionSell {
		return fmt.Sprintf("Action %s for %s not supported by exchange broker yet", decision.Action, decision.Symbol), nil
	}

	instrument := b.resolveInstrument(decision.Symbol)
	if instrument == "" {
		return fmt.Sprintf("No instrument mapping for symbol %s; skipping execution", decision.Symbol), nil
	}

	price := prices[decision.Symbol]
	quantity, ok := b.determineQuantity(decision, price)
	if !ok {
		return fmt.Sprintf("No valid quantity for %s; skipping execution", decision.Symbol), nil
	}

	side := exchange.SideBuy
	if decision.Action == llm.ActionSell {
		side = exchange.SideSell
	}

	started := b.now()
	order, err := b.client.CreateOrder(ctx, instrument, b.config.OrderType, side, quantity)
	elapsed := b.now().Sub(started)
	b.latency.Record(float64(elapsed.Milliseconds()))

	if err != nil {
		var fatal *traderr.FatalExchangeError
		if errors.As(err, &fatal) {
			metrics.RecordOrder("rejected", elapsed)
			return "", fatal
		}
		metrics.RecordOrder("failed", elapsed)
		return "", err
	}
	if !order.Accepted() {
		metrics.RecordOrder("rejected", elapsed)
		return "", &traderr.FatalExchangeError{OrderID: order.ID, State: order.Status}
	}
	metrics.RecordOrder("success", elapsed)

	fill := order.AvgFill
	if fill == 0 {
		fill = order.Price
	}
	if fill == 0 {
		fill = price
	}
	b.recordExecution(order, decision.Symbol, string(side), quantity)

	if b.recorder != nil {
		switch decision.Action {
		case llm.ActionBuy:
			if err := b.recorder.RecordEntry(ctx, decision.Symbol, string(decision.Action), fill, quantity, decision.RationaleOr("")); err != nil {
				b.logger.WithError(err).Warn("Failed to register entry outcome")
			}
		case llm.ActionSell:
			if closed := b.captureRealizedPnL(ctx, decision.Symbol, instrument); closed != nil {
				if err := b.recorder.RecordClose(ctx, *closed); err != nil {
					b.logger.WithError(err).Warn("Failed to register exit outcome")
				}
			}
		}
	}

	return fmt.Sprintf("Submitted %s order on %s (order_id=%s)", side, instrument, order.ID), nil
}

// resolveInstrument maps the logical symbol through the configured table,
// falling back to the symbol itself for already-native instrument ids.
func (b *ExchangeBroker) resolveInstrument(symbol string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if mapped, ok := b.config.SymbolMapping[symbol]; ok {
		return mapped
	}
	if strings.Contains(symbol, "-") {
		return symbol
	}
	return ""
}

// determineQuantity sizes the order with exact decimal arithmetic:
// explicit quantity wins, otherwise size_pct of the reference balance at
// the current price.
func (b *ExchangeBroker) determineQuantity(decision llm.Decision, price float64) (float64, bool) {
	if decision.Quantity != nil && *decision.Quantity > 0 {
		return *decision.Quantity, true
	}
	if decision.SizePct != nil && price > 0 && b.config.ReferenceBalance > 0 {
		notional := decimal.NewFromFloat(b.config.ReferenceBalance).
			Mul(decimal.NewFromFloat(*decision.SizePct)).
			Div(decimal.NewFromInt(100))
		quantity := notional.Div(decimal.NewFromFloat(price))
		f, _ := quantity.Float64()
		return f, f > 0
	}
	return 0, false
}

func (b *ExchangeBroker) recordExecution(order *exchange.Order, symbol, side string, quantity float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.executions = append(b.executions, ExecutionRecord{
		OrderID:   order.ID,
		Symbol:    symbol,
		Side:      side,
		Quantity:  quantity,
		Price:     order.Price,
		Timestamp: order.Timestamp,
	})
	if len(b.executions) > maxExecutionRecords {
		b.executions = b.executions[len(b.executions)-maxExecutionRecords:]
	}
}

// RecentExecutions returns a copy of the execution ring.
func (b *ExchangeBroker) RecentExecutions() []ExecutionRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ExecutionRecord(nil), b.executions...)
}

// LatencyStats exposes the order latency window.
func (b *ExchangeBroker) LatencyStats() *metrics.LatencyStats {
	return b.latency.Stats()
}

// captureRealizedPnL reconstructs the round trip from the venue fill
// history: volume-weighted buy average versus sell average. Exact decimal
// accumulation keeps the weighted averages drift-free.
func (b *ExchangeBroker) captureRealizedPnL(ctx context.Context, symbol, instrument string) *portfolio.ClosedPosition {
	trades, err := b.client.FetchMyTrades(ctx, instrument, 100)
	if err != nil {
		b.logger.WithError(err).WithField("symbol", symbol).Debug("Failed to fetch trades")
		return nil
	}
	if len(trades) == 0 {
		return nil
	}

	var buys, sells []exchange.Trade
	for _, t := range trades {
		switch t.Side {
		case exchange.SideBuy:
			buys = append(buys, t)
		case exchange.SideSell:
			sells = append(sells, t)
		}
	}
	if len(buys) == 0 || len(sells) == 0 {
		return nil
	}

	entry := avgFillPrice(buys)
	exit := avgFillPrice(sells)
	qty := decimal.Zero
	for _, t := range sells {
		qty = qty.Add(decimal.NewFromFloat(t.Amount).Abs())
	}
	quantity, _ := qty.Float64()

	pnl := decimal.NewFromFloat(exit).Sub(decimal.NewFromFloat(entry)).Mul(qty)
	pnlValue, _ := pnl.Float64()
	pnlPct := 0.0
	if entry != 0 {
		pnlPct = (exit - entry) / entry * 100
	}

	return &portfolio.ClosedPosition{
		Symbol:         symbol,
		Quantity:       quantity,
		EntryPrice:     entry,
		ExitPrice:      exit,
		ExitTimestamp:  b.now().UTC(),
		RealizedPnL:    pnlValue,
		RealizedPnLPct: pnlPct,
		Leverage:       1,
		Reason:         "Closed via SELL order",
	}
}

func avgFillPrice(trades []exchange.Trade) float64 {
	total := decimal.Zero
	totalQty := decimal.Zero
	for _, t := range trades {
		amount := decimal.NewFromFloat(t.Amount).Abs()
		total = total.Add(decimal.NewFromFloat(t.Price).Mul(amount))
		totalQty = totalQty.Add(amount)
	}
	if totalQty.IsZero() {
		return 0
	}
	avg, _ := total.Div(totalQty).Float64()
	return avg
}
