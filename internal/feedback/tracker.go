package feedback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	zaplogrus "github.com/quantfold/autotrade/internal/logging/zaplogrus"
	"github.com/quantfold/autotrade/internal/portfolio"
)

// OpenPosition is one tracked entry awaiting its exit.
type OpenPosition struct {
	DecisionID     *uuid.UUID
	Symbol         string
	Action         string
	EntryPrice     float64
	Quantity       float64
	EntryTimestamp time.Time
	Rationale      string
	RuleIDs        []uuid.UUID
}

// OutcomeStore persists realized trades. A nil store disables persistence.
type OutcomeStore interface {
	SaveTradeOutcome(ctx context.Context, outcome TradeOutcome) (*uuid.UUID, error)
}

// Tracker pairs broker entries with their eventual exits, computes realized
// PnL, and hands each completed trade to the Engine. It implements the
// broker's OutcomeRecorder contract.
type Tracker struct {
	engine *Engine
	store  OutcomeStore
	logger *zaplogrus.Logger
	now    func() time.Time

	mu   sync.Mutex
	open map[string]OpenPosition
}

func NewTracker(engine *Engine, store OutcomeStore, logger *zaplogrus.Logger) *Tracker {
	if logger == nil {
		logger = zaplogrus.New()
	}
	return &Tracker{
		engine: engine,
		store:  store,
		logger: logger,
		now:    time.Now,
		open:   map[string]OpenPosition{},
	}
}

// RecordEntry registers a freshly opened position. A second entry for the
// same symbol replaces the first (position averaging keeps one slot).
func (t *Tracker) RecordEntry(ctx context.Context, symbol, action string, entryPrice, quantity float64, rationale string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.open[symbol] = OpenPosition{
		Symbol:         symbol,
		Action:         action,
		EntryPrice:     entryPrice,
		Quantity:       quantity,
		EntryTimestamp: t.now().UTC(),
		Rationale:      rationale,
	}
	t.logger.WithFields(zaplogrus.Fields{
		"symbol": symbol,
		"action": action,
		"price":  entryPrice,
	}).Info("Registered position entry")
	return nil
}

// RecordClose turns a realized exit into a TradeOutcome and runs the
// feedback cycle. When the entry was tracked, its rationale and timing take
// precedence; otherwise the outcome is reconstructed from the closed record.
func (t *Tracker) RecordClose(ctx context.Context, closed portfolio.ClosedPosition) error {
	outcome := t.buildOutcome(closed)

	t.logger.WithFields(zaplogrus.Fields{
		"symbol":   outcome.Symbol,
		"pnl_pct":  fmt.Sprintf("%+.2f", outcome.PnLPct),
		"pnl_usd":  fmt.Sprintf("%+.2f", outcome.PnLUSD),
		"duration": outcome.DurationSeconds,
	}).Info("Position closed")

	if t.store != nil {
		outcomeID, err := t.store.SaveTradeOutcome(ctx, outcome)
		if err != nil {
			t.logger.WithError(err).Warn("Failed to persist trade outcome")
		} else {
			outcome.ID = outcomeID
		}
	}

	if t.engine != nil {
		if rule := t.engine.ProcessClosedTrade(ctx, outcome); rule != nil {
			t.logger.WithField("rule", rule.RuleText).Info("Feedback loop generated new rule")
		}
	}
	return nil
}

func (t *Tracker) buildOutcome(closed portfolio.ClosedPosition) TradeOutcome {
	t.mu.Lock()
	entry, tracked := t.open[closed.Symbol]
	if tracked {
		delete(t.open, closed.Symbol)
	}
	t.mu.Unlock()

	if !tracked {
		duration := int(closed.ExitTimestamp.Sub(closed.EntryTimestamp).Seconds())
		return TradeOutcome{
			Symbol:          closed.Symbol,
			Action:          "BUY",
			EntryPrice:      closed.EntryPrice,
			ExitPrice:       closed.ExitPrice,
			PnLPct:          closed.RealizedPnLPct,
			PnLUSD:          closed.RealizedPnL,
			Rationale:       closed.Reason,
			DurationSeconds: duration,
		}
	}

	pnlPct := (closed.ExitPrice - entry.EntryPrice) / entry.EntryPrice * 100
	if entry.Action == "SELL" {
		pnlPct = -pnlPct
	}
	pnlUSD := pnlPct / 100 * entry.Quantity * entry.EntryPrice
	duration := int(t.now().UTC().Sub(entry.EntryTimestamp).Seconds())

	return TradeOutcome{
		Symbol:          entry.Symbol,
		Action:          entry.Action,
		EntryPrice:      entry.EntryPrice,
		ExitPrice:       closed.ExitPrice,
		PnLPct:          pnlPct,
		PnLUSD:          pnlUSD,
		Rationale:       entry.Rationale,
		RuleIDs:         entry.RuleIDs,
		DurationSeconds: duration,
	}
}

// HasOpenPosition reports whether symbol has a tracked entry.
func (t *Tracker) HasOpenPosition(symbol string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.open[symbol]
	return ok
}

// OpenPositions lists all tracked entries.
func (t *Tracker) OpenPositions() []OpenPosition {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]OpenPosition, 0, len(t.open))
	for _, position := range t.open {
		out = append(out, position)
	}
	return out
}
