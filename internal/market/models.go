// Package market holds the market-data model types and the Redis-backed
// cache the schedulers and tools communicate through.
package market

import (
	"strings"
	"time"
)

// NormalizeSymbol upper-cases a symbol for map keys and comparisons.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Candle is one OHLCV bar; Timestamp is the bar-start instant.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Ticker is the cached top-of-book view for one symbol.
type Ticker struct {
	Symbol       string    `json:"symbol"`
	LastPrice    float64   `json:"last_price"`
	Bid          float64   `json:"bid"`
	Ask          float64   `json:"ask"`
	Volume24h    float64   `json:"volume_24h"`
	High24h      float64   `json:"high_24h"`
	Low24h       float64   `json:"low_24h"`
	Change24h    float64   `json:"change_24h"`
	ChangePct24h float64   `json:"change_pct_24h"`
	Timestamp    time.Time `json:"timestamp"`
}

// OrderBookLevel is one price level: [price, size].
type OrderBookLevel [2]float64

// OrderBook is the cached depth snapshot, trimmed to the top 20 levels.
type OrderBook struct {
	Bids      []OrderBookLevel `json:"bids"`
	Asks      []OrderBookLevel `json:"asks"`
	Timestamp time.Time        `json:"timestamp"`
}

// Funding is the cached funding-rate view for a perpetual swap.
type Funding struct {
	FundingRate     float64    `json:"funding_rate"`
	NextFundingTime *time.Time `json:"next_funding_time,omitempty"`
	Timestamp       time.Time  `json:"timestamp"`
}

// OHLCVPayload is the cached candle window for one symbol and timeframe.
type OHLCVPayload struct {
	Candles   []Candle  `json:"candles"`
	Timeframe string    `json:"timeframe"`
	Limit     int       `json:"limit"`
	Timestamp time.Time `json:"timestamp"`
}

// DerivativesSnapshot carries funding and open-interest context read from
// the exchange. Absent fields stay nil rather than being synthesized.
type DerivativesSnapshot struct {
	FundingRate           float64    `json:"funding_rate"`
	FundingRatePct        float64    `json:"funding_rate_pct"`
	FundingRateAnnualPct  float64    `json:"funding_rate_annual_pct"`
	PredictedFundingRate  *float64   `json:"predicted_funding_rate,omitempty"`
	NextFundingTime       *time.Time `json:"next_funding_time,omitempty"`
	OpenInterestUSD       *float64   `json:"open_interest_usd,omitempty"`
	OpenInterestContracts *float64   `json:"open_interest_contracts,omitempty"`
	OpenInterestTimestamp *time.Time `json:"open_interest_timestamp,omitempty"`
	MarkPrice             *float64   `json:"mark_price,omitempty"`
	FetchedAt             time.Time  `json:"fetched_at"`
}

// NewDerivativesSnapshot derives the percentage views from the raw rate,
// assuming the standard 8-hour funding interval.
func NewDerivativesSnapshot(rate float64, fetchedAt time.Time) DerivativesSnapshot {
	return DerivativesSnapshot{
		FundingRate:          rate,
		FundingRatePct:       rate * 100,
		FundingRateAnnualPct: rate * 100 * 3 * 365,
		FetchedAt:            fetchedAt,
	}
}

// BroadcastSnapshot is the compact per-symbol frame pushed to WebSocket
// subscribers after each market-data tick.
type BroadcastSnapshot struct {
	Symbol       string  `json:"symbol"`
	Price        float64 `json:"price"`
	Change24h    float64 `json:"change_24h"`
	ChangePct24h float64 `json:"change_pct_24h"`
	Volume24h    float64 `json:"volume_24h"`
	High24h      float64 `json:"high_24h"`
	Low24h       float64 `json:"low_24h"`
}

// Tick is one trade observation appended to the per-symbol stream.
type Tick struct {
	Symbol            string    `json:"symbol"`
	Price             float64   `json:"price"`
	Volume            float64   `json:"volume"`
	ExchangeTimestamp time.Time `json:"exchange_timestamp"`
	ReceivedAt        time.Time `json:"received_at"`
}
