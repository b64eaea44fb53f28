// Package exchange defines the ExchangeClient contract the trading core
// depends on, plus the OKX-backed implementation used in paper and live
// modes.
package exchange

import (
	"context"
	"time"

	"github.com/quantfold/autotrade/internal/market"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// Order is the normalized view of an exchange order acknowledgement.
type Order struct {
	ID        string
	Symbol    string
	Side      OrderSide
	Type      string
	Amount    float64
	Price     float64
	AvgFill   float64
	Status    string
	Timestamp time.Time
}

// rejectedStates are the order states that mark an explicit exchange
// rejection; orders in any of them are never retried.
var rejectedStates = map[string]struct{}{
	"canceled":  {},
	"cancelled": {},
	"rejected":  {},
	"error":     {},
}

// Accepted reports whether the order has an id and is not in a rejected
// state.
func (o Order) Accepted() bool {
	if o.ID == "" {
		return false
	}
	_, rejected := rejectedStates[o.Status]
	return !rejected
}

// Trade is one fill from the account trade history.
type Trade struct {
	ID        string
	Symbol    string
	Side      OrderSide
	Amount    float64
	Price     float64
	Timestamp time.Time
}

// Balance is the free/total view of one currency.
type Balance struct {
	Currency string
	Free     float64
	Total    float64
}

// ExchangePosition is an open position reported by the venue.
type ExchangePosition struct {
	Symbol        string
	Quantity      float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
	Leverage      float64
}

// OpenInterest is the outstanding contract view for a derivatives symbol.
type OpenInterest struct {
	Contracts float64
	USD       float64
	Timestamp time.Time
}

// ExchangeClient is the venue contract the core depends on. Implementations
// must be safe for concurrent use; the OKX client serializes calls behind a
// session mutex.
type ExchangeClient interface {
	FetchTicker(ctx context.Context, symbol string) (*market.Ticker, error)
	FetchOrderBook(ctx context.Context, symbol string, depth int) (*market.OrderBook, error)
	FetchFundingRate(ctx context.Context, symbol string) (*market.Funding, error)
	FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]market.Candle, error)
	FetchOpenInterest(ctx context.Context, symbol string) (*OpenInterest, error)
	FetchMarkPrice(ctx context.Context, symbol string) (float64, error)

	CreateOrder(ctx context.Context, symbol, orderType string, side OrderSide, amount float64) (*Order, error)
	FetchBalance(ctx context.Context, currency string) (*Balance, error)
	FetchPositions(ctx context.Context) ([]ExchangePosition, error)
	FetchMyTrades(ctx context.Context, symbol string, limit int) ([]Trade, error)

	Close() error
}
