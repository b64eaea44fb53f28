package broker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/autotrade/internal/llm"
	"github.com/quantfold/autotrade/internal/portfolio"
)

func floatPtr(v float64) *float64 { return &v }
func strPtr(s string) *string     { return &s }

func newTestBroker(t *testing.T, recorder OutcomeRecorder) (*SimulatedBroker, *portfolio.Portfolio) {
	t.Helper()
	pf := portfolio.New("pf-test", 10000, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	b := NewSimulatedBroker(pf, SimulatedBrokerConfig{
		MaxSlippageBps:       5,
		PositionSizeLimitPct: 50,
		StatePath:            filepath.Join(t.TempDir(), "state.json"),
	}, recorder, nil)
	return b, pf
}

func buyDecision(symbol string, sizePct, leverage float64) llm.Decision {
	return llm.Decision{
		Symbol:     symbol,
		Action:     llm.ActionBuy,
		SizePct:    floatPtr(sizePct),
		Leverage:   floatPtr(leverage),
		Confidence: floatPtr(0.8),
		Rationale:  strPtr("momentum breakout"),
	}
}

func TestSimulatedBroker_BuyThenClose(t *testing.T) {
	b, pf := newTestBroker(t, nil)
	ctx := context.Background()

	prices := map[string]float64{"BTC-USDT-SWAP": 50000}
	msgs := b.Execute(ctx, []llm.Decision{buyDecision("BTC-USDT-SWAP", 10, 1)}, prices, ExecutionContext{})
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "BUY opened")

	// fill = 50000 * 1.0005, notional = 1000, margin = 1000
	fill := 50000 * 1.0005
	require.Contains(t, pf.Positions, "BTC-USDT-SWAP")
	pos := pf.Positions["BTC-USDT-SWAP"]
	assert.InDelta(t, 1000.0/fill, pos.Quantity, 1e-9)
	assert.InDelta(t, fill, pos.EntryPrice, 1e-9)
	assert.InDelta(t, 9000.0, pf.CurrentCash, 1e-6)

	// Cash identity: margin out equals notional/leverage.
	assert.InDelta(t, pf.StartingCash-1000, pf.CurrentCash, 1e-6)

	closeMsgs := b.Execute(ctx, []llm.Decision{{Symbol: "BTC-USDT-SWAP", Action: llm.ActionClose}},
		map[string]float64{"BTC-USDT-SWAP": 52000}, ExecutionContext{})
	require.Len(t, closeMsgs, 1)
	assert.Contains(t, closeMsgs[0], "CLOSE BTC-USDT-SWAP")
	assert.Empty(t, pf.Positions)
	require.Len(t, pf.ClosedPositions, 1)
	assert.Positive(t, pf.ClosedPositions[0].RealizedPnL)

	// Round trip: cash = post-entry cash + margin return + pnl.
	q := 1000.0 / fill
	pnl := q * (52000 - fill)
	assert.InDelta(t, 9000+q*52000+pnl, pf.CurrentCash, 1e-6)
}

func TestSimulatedBroker_LeverageMargin(t *testing.T) {
	b, pf := newTestBroker(t, nil)

	msgs := b.Execute(context.Background(), []llm.Decision{buyDecision("ETH-USDT-SWAP", 10, 5)},
		map[string]float64{"ETH-USDT-SWAP": 2000}, ExecutionContext{})
	require.Contains(t, msgs[0], "BUY opened")

	// notional = 10000*0.10*5 = 5000, capped at 50% equity (5000), margin = 1000.
	assert.InDelta(t, 9000.0, pf.CurrentCash, 1e-6)
	pos := pf.Positions["ETH-USDT-SWAP"]
	assert.InDelta(t, 5000.0/(2000*1.0005), pos.Quantity, 1e-9)
	assert.Equal(t, 5.0, pos.Leverage)
}

func TestSimulatedBroker_PositionSizeCap(t *testing.T) {
	b, pf := newTestBroker(t, nil)

	// 40% at 3x wants 12000 notional; the 50% equity cap holds it at 5000.
	b.Execute(context.Background(), []llm.Decision{buyDecision("BTC-USDT-SWAP", 40, 3)},
		map[string]float64{"BTC-USDT-SWAP": 50000}, ExecutionContext{})
	pos := pf.Positions["BTC-USDT-SWAP"]
	fill := 50000 * 1.0005
	assert.InDelta(t, 5000.0/fill, pos.Quantity, 1e-9)
	// margin = 5000/3
	assert.InDelta(t, 10000-5000.0/3, pf.CurrentCash, 1e-6)
}

func TestSimulatedBroker_InsufficientMargin(t *testing.T) {
	b, pf := newTestBroker(t, nil)
	pf.CurrentCash = 100

	msgs := b.Execute(context.Background(), []llm.Decision{buyDecision("BTC-USDT-SWAP", 10, 1)},
		map[string]float64{"BTC-USDT-SWAP": 50000}, ExecutionContext{})
	assert.Contains(t, msgs[0], "Insufficient cash")
	assert.Empty(t, pf.Positions)
	assert.Equal(t, 100.0, pf.CurrentCash)
	// Rejected decisions still land in the evaluation log, unexecuted.
	require.Len(t, pf.EvaluationLog, 1)
	assert.False(t, pf.EvaluationLog[0].Executed)
}

func TestSimulatedBroker_SellWithoutPosition(t *testing.T) {
	b, _ := newTestBroker(t, nil)
	msgs := b.Execute(context.Background(), []llm.Decision{{Symbol: "BTC-USDT-SWAP", Action: llm.ActionSell}},
		map[string]float64{"BTC-USDT-SWAP": 50000}, ExecutionContext{})
	assert.Contains(t, msgs[0], "short selling not supported")
}

func TestSimulatedBroker_MissingMarketData(t *testing.T) {
	b, pf := newTestBroker(t, nil)
	msgs := b.Execute(context.Background(), []llm.Decision{buyDecision("XRP-USDT-SWAP", 10, 1)},
		map[string]float64{}, ExecutionContext{})
	assert.Contains(t, msgs[0], "No market data")
	assert.Empty(t, pf.EvaluationLog)
}

func TestSimulatedBroker_Averaging(t *testing.T) {
	b, pf := newTestBroker(t, nil)
	ctx := context.Background()

	b.Execute(ctx, []llm.Decision{buyDecision("BTC-USDT-SWAP", 10, 1)},
		map[string]float64{"BTC-USDT-SWAP": 50000}, ExecutionContext{})
	firstQty := pf.Positions["BTC-USDT-SWAP"].Quantity

	msgs := b.Execute(ctx, []llm.Decision{buyDecision("BTC-USDT-SWAP", 10, 1)},
		map[string]float64{"BTC-USDT-SWAP": 40000}, ExecutionContext{})
	assert.Contains(t, msgs[0], "BUY averaged")

	pos := pf.Positions["BTC-USDT-SWAP"]
	assert.Greater(t, pos.Quantity, firstQty)
	assert.Less(t, pos.EntryPrice, 50000*1.0005)
	assert.Greater(t, pos.EntryPrice, 40000*1.0005)
}

type recordedEntry struct {
	symbol     string
	action     string
	entryPrice float64
	quantity   float64
	rationale  string
}

type recorderSpy struct {
	entries []recordedEntry
	closes  []portfolio.ClosedPosition
	err     error
}

func (r *recorderSpy) RecordEntry(ctx context.Context, symbol, action string, entryPrice, quantity float64, rationale string) error {
	if r.err != nil {
		return r.err
	}
	r.entries = append(r.entries, recordedEntry{
		symbol:     symbol,
		action:     action,
		entryPrice: entryPrice,
		quantity:   quantity,
		rationale:  rationale,
	})
	return nil
}

func (r *recorderSpy) RecordClose(ctx context.Context, closed portfolio.ClosedPosition) error {
	if r.err != nil {
		return r.err
	}
	r.closes = append(r.closes, closed)
	return nil
}

func TestSimulatedBroker_RegistersEntryOnOpen(t *testing.T) {
	spy := &recorderSpy{}
	b, _ := newTestBroker(t, spy)
	ctx := context.Background()

	decision := buyDecision("BTC-USDT-SWAP", 10, 2)
	decision.StopLoss = floatPtr(48000)
	b.Execute(ctx, []llm.Decision{decision}, map[string]float64{"BTC-USDT-SWAP": 50000}, ExecutionContext{})

	// A fresh position registers with the outcome tracker at the fill price,
	// carrying the BUY rationale for later pairing with the exit.
	require.Len(t, spy.entries, 1)
	entry := spy.entries[0]
	fill := 50000 * 1.0005
	assert.Equal(t, "BTC-USDT-SWAP", entry.symbol)
	assert.Equal(t, "BUY", entry.action)
	assert.InDelta(t, fill, entry.entryPrice, 1e-9)
	assert.InDelta(t, 2000.0/fill, entry.quantity, 1e-9)
	assert.Equal(t, "momentum breakout", entry.rationale)

	// Averaging into the existing position does not re-register.
	b.Execute(ctx, []llm.Decision{buyDecision("BTC-USDT-SWAP", 10, 2)},
		map[string]float64{"BTC-USDT-SWAP": 49000}, ExecutionContext{})
	assert.Len(t, spy.entries, 1)

	// The stop-loss exit drains through the same recorder, so the tracker can
	// pair it with the registered entry.
	require.NoError(t, b.MarkToMarket(ctx, map[string]float64{"BTC-USDT-SWAP": 47000}))
	require.NoError(t, b.ProcessPendingFeedback(ctx))
	require.Len(t, spy.closes, 1)
	assert.Equal(t, "BTC-USDT-SWAP", spy.closes[0].Symbol)
	assert.Equal(t, 47000.0, spy.closes[0].ExitPrice)
}

func TestSimulatedBroker_StopLossTrigger(t *testing.T) {
	spy := &recorderSpy{}
	b, pf := newTestBroker(t, spy)
	ctx := context.Background()

	decision := buyDecision("BTC-USDT-SWAP", 10, 1)
	decision.StopLoss = floatPtr(48000)
	decision.TakeProfit = floatPtr(60000)
	b.Execute(ctx, []llm.Decision{decision}, map[string]float64{"BTC-USDT-SWAP": 50000}, ExecutionContext{})

	// Above the stop: position survives.
	require.NoError(t, b.MarkToMarket(ctx, map[string]float64{"BTC-USDT-SWAP": 49000}))
	assert.Contains(t, pf.Positions, "BTC-USDT-SWAP")

	// At the stop: closed with a loss, queued for feedback.
	require.NoError(t, b.MarkToMarket(ctx, map[string]float64{"BTC-USDT-SWAP": 48000}))
	assert.NotContains(t, pf.Positions, "BTC-USDT-SWAP")
	require.Len(t, pf.ClosedPositions, 1)
	assert.Contains(t, pf.ClosedPositions[0].Reason, "Stop-loss")
	assert.Negative(t, pf.ClosedPositions[0].RealizedPnL)

	assert.Equal(t, 1, b.PendingExits())
	require.NoError(t, b.ProcessPendingFeedback(ctx))
	assert.Zero(t, b.PendingExits())
	require.Len(t, spy.closes, 1)
	assert.Equal(t, "BTC-USDT-SWAP", spy.closes[0].Symbol)
}

func TestSimulatedBroker_TakeProfitTrigger(t *testing.T) {
	b, pf := newTestBroker(t, nil)
	ctx := context.Background()

	decision := buyDecision("ETH-USDT-SWAP", 10, 1)
	decision.TakeProfit = floatPtr(2200)
	b.Execute(ctx, []llm.Decision{decision}, map[string]float64{"ETH-USDT-SWAP": 2000}, ExecutionContext{})

	require.NoError(t, b.MarkToMarket(ctx, map[string]float64{"ETH-USDT-SWAP": 2250}))
	assert.Empty(t, pf.Positions)
	require.Len(t, pf.ClosedPositions, 1)
	assert.Contains(t, pf.ClosedPositions[0].Reason, "Take-profit")
	assert.Positive(t, pf.ClosedPositions[0].RealizedPnL)
}

func TestSimulatedBroker_InvalidationTrigger(t *testing.T) {
	b, pf := newTestBroker(t, nil)
	ctx := context.Background()

	decision := buyDecision("SOL-USDT-SWAP", 10, 1)
	decision.InvalidationCondition = strPtr("close below 90")
	b.Execute(ctx, []llm.Decision{decision}, map[string]float64{"SOL-USDT-SWAP": 100}, ExecutionContext{})

	require.NoError(t, b.MarkToMarket(ctx, map[string]float64{"SOL-USDT-SWAP": 89.5}))
	assert.Empty(t, pf.Positions)
	require.Len(t, pf.ClosedPositions, 1)
	assert.Contains(t, pf.ClosedPositions[0].Reason, "Invalidation")
}

func TestEvaluateInvalidation(t *testing.T) {
	cases := []struct {
		condition string
		price     float64
		want      bool
	}{
		{"close below 47000", 46000, true},
		{"close below 47000", 48000, false},
		{"Price Under 100.5", 100, true},
		{"price above 52000", 53000, true},
		{"close over 52000", 51000, false},
		{"breaks key support", 1, false},
		{"", 1, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, evaluateInvalidation(tc.condition, tc.price), tc.condition)
	}
}

func TestSimulatedBroker_MarkToMarketIdempotent(t *testing.T) {
	b, pf := newTestBroker(t, nil)
	ctx := context.Background()

	decision := buyDecision("BTC-USDT-SWAP", 10, 1)
	decision.StopLoss = floatPtr(48000)
	b.Execute(ctx, []llm.Decision{decision}, map[string]float64{"BTC-USDT-SWAP": 50000}, ExecutionContext{})

	require.NoError(t, b.MarkToMarket(ctx, map[string]float64{"BTC-USDT-SWAP": 47000}))
	cashAfter := pf.CurrentCash
	require.NoError(t, b.MarkToMarket(ctx, map[string]float64{"BTC-USDT-SWAP": 47000}))
	assert.Equal(t, cashAfter, pf.CurrentCash)
	assert.Len(t, pf.ClosedPositions, 1)
}

func TestSimulatedBroker_HoldUpdatesExitPlan(t *testing.T) {
	b, pf := newTestBroker(t, nil)
	ctx := context.Background()

	b.Execute(ctx, []llm.Decision{buyDecision("BTC-USDT-SWAP", 10, 1)},
		map[string]float64{"BTC-USDT-SWAP": 50000}, ExecutionContext{})

	hold := llm.Decision{
		Symbol:     "BTC-USDT-SWAP",
		Action:     llm.ActionHold,
		Confidence: floatPtr(0.5),
		StopLoss:   floatPtr(49000),
	}
	msgs := b.Execute(ctx, []llm.Decision{hold}, map[string]float64{"BTC-USDT-SWAP": 51000}, ExecutionContext{})
	assert.Contains(t, msgs[0], "HOLD BTC-USDT-SWAP")

	pos := pf.Positions["BTC-USDT-SWAP"]
	assert.Equal(t, 0.5, pos.Confidence)
	require.NotNil(t, pos.ExitPlan.StopLoss)
	assert.Equal(t, 49000.0, *pos.ExitPlan.StopLoss)
	assert.Equal(t, 51000.0, pos.CurrentPrice)
}
