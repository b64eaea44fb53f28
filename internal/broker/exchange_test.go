package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/autotrade/internal/exchange"
	"github.com/quantfold/autotrade/internal/llm"
	"github.com/quantfold/autotrade/internal/market"
	"github.com/quantfold/autotrade/internal/traderr"
)

type createdOrder struct {
	symbol    string
	orderType string
	side      exchange.OrderSide
	amount    float64
}

// fakeExchange scripts order acknowledgements and trade history.
type fakeExchange struct {
	order    *exchange.Order
	orderErr error
	trades   []exchange.Trade
	tradeErr error
	created  []createdOrder
}

func (f *fakeExchange) FetchTicker(ctx context.Context, symbol string) (*market.Ticker, error) {
	return nil, nil
}

func (f *fakeExchange) FetchOrderBook(ctx context.Context, symbol string, depth int) (*market.OrderBook, error) {
	return nil, nil
}

func (f *fakeExchange) FetchFundingRate(ctx context.Context, symbol string) (*market.Funding, error) {
	return nil, nil
}

func (f *fakeExchange) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]market.Candle, error) {
	return nil, nil
}

func (f *fakeExchange) FetchOpenInterest(ctx context.Context, symbol string) (*exchange.OpenInterest, error) {
	return nil, nil
}

func (f *fakeExchange) FetchMarkPrice(ctx context.Context, symbol string) (float64, error) {
	return 0, nil
}

func (f *fakeExchange) CreateOrder(ctx context.Context, symbol, orderType string, side exchange.OrderSide, amount float64) (*exchange.Order, error) {
	f.created = append(f.created, createdOrder{symbol: symbol, orderType: orderType, side: side, amount: amount})
	if f.orderErr != nil {
		return nil, f.orderErr
	}
	return f.order, nil
}

func (f *fakeExchange) FetchBalance(ctx context.Context, currency string) (*exchange.Balance, error) {
	return &exchange.Balance{Currency: currency, Free: 10000, Total: 10000}, nil
}

func (f *fakeExchange) FetchPositions(ctx context.Context) ([]exchange.ExchangePosition, error) {
	return nil, nil
}

func (f *fakeExchange) FetchMyTrades(ctx context.Context, symbol string, limit int) ([]exchange.Trade, error) {
	if f.tradeErr != nil {
		return nil, f.tradeErr
	}
	return f.trades, nil
}

func (f *fakeExchange) Close() error { return nil }

func acceptedOrder(id string) *exchange.Order {
	return &exchange.Order{
		ID:        id,
		Status:    "filled",
		AvgFill:   50100,
		Price:     50000,
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func newTestExchangeBroker(client exchange.ExchangeClient, recorder OutcomeRecorder) *ExchangeBroker {
	return NewExchangeBroker(client, ExchangeBrokerConfig{
		SymbolMapping:    map[string]string{"BTC-USD": "BTC-USDT-SWAP"},
		ReferenceBalance: 10000,
	}, recorder, nil, nil)
}

func TestExchangeBroker_BuySubmitsAndRegistersEntry(t *testing.T) {
	venue := &fakeExchange{order: acceptedOrder("ord-1")}
	spy := &recorderSpy{}
	b := newTestExchangeBroker(venue, spy)

	decision := llm.Decision{
		Symbol:    "BTC-USD",
		Action:    llm.ActionBuy,
		SizePct:   floatPtr(10),
		Rationale: strPtr("funding squeeze setup"),
	}
	msgs := b.Execute(context.Background(), []llm.Decision{decision},
		map[string]float64{"BTC-USD": 50000}, ExecutionContext{})

	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "Submitted buy order on BTC-USDT-SWAP")
	assert.Contains(t, msgs[0], "ord-1")

	// size_pct of the reference balance: 10000 * 10% / 50000.
	require.Len(t, venue.created, 1)
	assert.Equal(t, "BTC-USDT-SWAP", venue.created[0].symbol)
	assert.Equal(t, "market", venue.created[0].orderType)
	assert.Equal(t, exchange.SideBuy, venue.created[0].side)
	assert.InDelta(t, 0.02, venue.created[0].amount, 1e-12)

	// The entry registers at the average fill, with the BUY rationale.
	require.Len(t, spy.entries, 1)
	assert.Equal(t, "BTC-USD", spy.entries[0].symbol)
	assert.Equal(t, "BUY", spy.entries[0].action)
	assert.InDelta(t, 50100.0, spy.entries[0].entryPrice, 1e-9)
	assert.InDelta(t, 0.02, spy.entries[0].quantity, 1e-12)
	assert.Equal(t, "funding squeeze setup", spy.entries[0].rationale)

	records := b.RecentExecutions()
	require.Len(t, records, 1)
	assert.Equal(t, "ord-1", records[0].OrderID)
}

func TestExchangeBroker_DetermineQuantity(t *testing.T) {
	b := newTestExchangeBroker(&fakeExchange{}, nil)

	// Explicit quantity wins over size_pct.
	qty, ok := b.determineQuantity(llm.Decision{
		Quantity: floatPtr(0.5),
		SizePct:  floatPtr(10),
	}, 50000)
	require.True(t, ok)
	assert.Equal(t, 0.5, qty)

	// size_pct of the reference balance at the current price.
	qty, ok = b.determineQuantity(llm.Decision{SizePct: floatPtr(25)}, 2000)
	require.True(t, ok)
	assert.InDelta(t, 1.25, qty, 1e-12)

	// Neither sizing field is usable.
	_, ok = b.determineQuantity(llm.Decision{}, 50000)
	assert.False(t, ok)
	_, ok = b.determineQuantity(llm.Decision{SizePct: floatPtr(10)}, 0)
	assert.False(t, ok)
	_, ok = b.determineQuantity(llm.Decision{Quantity: floatPtr(-1)}, 50000)
	assert.False(t, ok)
}

func TestExchangeBroker_RejectedOrderSurfacesError(t *testing.T) {
	for _, status := range []string{"rejected", "canceled", "cancelled", "error"} {
		t.Run(status, func(t *testing.T) {
			venue := &fakeExchange{order: &exchange.Order{ID: "ord-2", Status: status}}
			spy := &recorderSpy{}
			b := newTestExchangeBroker(venue, spy)

			msgs := b.Execute(context.Background(), []llm.Decision{{
				Symbol:   "BTC-USD",
				Action:   llm.ActionBuy,
				Quantity: floatPtr(0.01),
			}}, map[string]float64{"BTC-USD": 50000}, ExecutionContext{})

			require.Len(t, msgs, 1)
			assert.Contains(t, msgs[0], "Failed to execute BTC-USD")
			assert.Empty(t, spy.entries)
			assert.Empty(t, b.RecentExecutions())
		})
	}
}

func TestExchangeBroker_OrderWithoutIDRejected(t *testing.T) {
	venue := &fakeExchange{order: &exchange.Order{Status: "filled"}}
	b := newTestExchangeBroker(venue, nil)

	msgs := b.Execute(context.Background(), []llm.Decision{{
		Symbol:   "BTC-USD",
		Action:   llm.ActionBuy,
		Quantity: floatPtr(0.01),
	}}, map[string]float64{"BTC-USD": 50000}, ExecutionContext{})

	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "Failed to execute BTC-USD")
}

func TestExchangeBroker_FatalExchangeErrorSurfaces(t *testing.T) {
	venue := &fakeExchange{orderErr: &traderr.FatalExchangeError{OrderID: "ord-3", State: "rejected"}}
	b := newTestExchangeBroker(venue, nil)

	msgs := b.Execute(context.Background(), []llm.Decision{{
		Symbol:   "BTC-USD",
		Action:   llm.ActionBuy,
		Quantity: floatPtr(0.01),
	}}, map[string]float64{"BTC-USD": 50000}, ExecutionContext{})

	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "Failed to execute BTC-USD")
}

func TestExchangeBroker_SkipsUnmappedAndUnsupported(t *testing.T) {
	venue := &fakeExchange{order: acceptedOrder("ord-4")}
	b := newTestExchangeBroker(venue, nil)

	msgs := b.Execute(context.Background(), []llm.Decision{
		{Symbol: "DOGE", Action: llm.ActionBuy, Quantity: floatPtr(1)},
		{Symbol: "BTC-USD", Action: llm.ActionHold},
	}, map[string]float64{"DOGE": 0.1, "BTC-USD": 50000}, ExecutionContext{})

	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[0], "No instrument mapping")
	assert.Contains(t, msgs[1], "not supported by exchange broker")
	assert.Empty(t, venue.created)
}

func TestExchangeBroker_SellCapturesRealizedPnL(t *testing.T) {
	venue := &fakeExchange{
		order: acceptedOrder("ord-5"),
		trades: []exchange.Trade{
			{Side: exchange.SideBuy, Amount: 0.01, Price: 50000},
			{Side: exchange.SideBuy, Amount: 0.03, Price: 49000},
			{Side: exchange.SideSell, Amount: 0.02, Price: 52000},
			{Side: exchange.SideSell, Amount: 0.02, Price: 51000},
		},
	}
	spy := &recorderSpy{}
	b := newTestExchangeBroker(venue, spy)

	msgs := b.Execute(context.Background(), []llm.Decision{{
		Symbol:   "BTC-USD",
		Action:   llm.ActionSell,
		Quantity: floatPtr(0.04),
	}}, map[string]float64{"BTC-USD": 51000}, ExecutionContext{})

	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "Submitted sell order")

	// Volume-weighted entry: (0.01*50000 + 0.03*49000) / 0.04 = 49250.
	// Volume-weighted exit: (0.02*52000 + 0.02*51000) / 0.04 = 51500.
	require.Len(t, spy.closes, 1)
	closed := spy.closes[0]
	assert.Equal(t, "BTC-USD", closed.Symbol)
	assert.InDelta(t, 49250.0, closed.EntryPrice, 1e-9)
	assert.InDelta(t, 51500.0, closed.ExitPrice, 1e-9)
	assert.InDelta(t, 0.04, closed.Quantity, 1e-12)
	assert.InDelta(t, (51500-49250)*0.04, closed.RealizedPnL, 1e-9)
	assert.InDelta(t, (51500.0-49250.0)/49250.0*100, closed.RealizedPnLPct, 1e-9)
}

func TestExchangeBroker_SellWithoutRoundTripSkipsOutcome(t *testing.T) {
	venue := &fakeExchange{
		order:  acceptedOrder("ord-6"),
		trades: []exchange.Trade{{Side: exchange.SideSell, Amount: 0.02, Price: 52000}},
	}
	spy := &recorderSpy{}
	b := newTestExchangeBroker(venue, spy)

	msgs := b.Execute(context.Background(), []llm.Decision{{
		Symbol:   "BTC-USD",
		Action:   llm.ActionSell,
		Quantity: floatPtr(0.02),
	}}, map[string]float64{"BTC-USD": 52000}, ExecutionContext{})

	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "Submitted sell order")
	assert.Empty(t, spy.closes)
}
