// Package portfolio holds the simulated portfolio state, its derived
// equity/PnL views and the JSON file persistence used by the simulated
// broker.
package portfolio

import (
	"math"
	"time"
)

// ExitPlan is the protective exit attached to a position at entry time.
type ExitPlan struct {
	StopLoss              *float64 `json:"stop_loss"`
	TakeProfit            *float64 `json:"take_profit"`
	InvalidationCondition *string  `json:"invalidation_condition"`
}

// Position is one open simulated position. Quantity is positive for longs;
// shorts are rejected upstream so quantities stay non-negative in practice.
type Position struct {
	Symbol         string    `json:"symbol"`
	Quantity       float64   `json:"quantity"`
	EntryPrice     float64   `json:"entry_price"`
	EntryTimestamp time.Time `json:"entry_timestamp"`
	CurrentPrice   float64   `json:"current_price"`
	Confidence     float64   `json:"confidence"`
	Leverage       float64   `json:"leverage"`
	ExitPlan       ExitPlan  `json:"exit_plan"`
}

// NotionalValue is |quantity * current price|.
func (p Position) NotionalValue() float64 {
	return math.Abs(p.Quantity * p.CurrentPrice)
}

// UnrealizedPnL is the mark-to-market gain against the entry price.
func (p Position) UnrealizedPnL() float64 {
	if p.Quantity >= 0 {
		return p.Quantity * (p.CurrentPrice - p.EntryPrice)
	}
	return math.Abs(p.Quantity) * (p.EntryPrice - p.CurrentPrice)
}

// UnrealizedPnLPct is the unrealized PnL relative to the entry notional.
func (p Position) UnrealizedPnLPct() float64 {
	entryNotional := math.Abs(p.Quantity * p.EntryPrice)
	if entryNotional == 0 {
		return 0
	}
	return p.UnrealizedPnL() / entryNotional * 100
}

// EvaluationLogEntry records one agent evaluation, executed or not. Every
// decision the agent emits lands here, HOLDs included.
type EvaluationLogEntry struct {
	Timestamp       time.Time `json:"timestamp"`
	Symbol          string    `json:"symbol"`
	Action          string    `json:"action"`
	Confidence      float64   `json:"confidence"`
	SizePct         float64   `json:"size_pct"`
	Rationale       string    `json:"rationale"`
	Price           float64   `json:"price"`
	Executed        bool      `json:"executed"`
	ChainOfThought  string    `json:"chain_of_thought"`
	SystemPrompt    string    `json:"system_prompt"`
	UserPayload     string    `json:"user_payload"`
	ToolPayloadJSON *string   `json:"tool_payload_json"`
}

// TradeLogEntry records one executed fill.
type TradeLogEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	Symbol      string    `json:"symbol"`
	Action      string    `json:"action"`
	Price       float64   `json:"price"`
	Quantity    float64   `json:"quantity"`
	RealizedPnL float64   `json:"realized_pnl"`
	Reason      string    `json:"reason"`
}

// ClosedPosition is the realized view of a fully closed position.
type ClosedPosition struct {
	Symbol         string    `json:"symbol"`
	Quantity       float64   `json:"quantity"`
	EntryPrice     float64   `json:"entry_price"`
	ExitPrice      float64   `json:"exit_price"`
	EntryTimestamp time.Time `json:"entry_timestamp"`
	ExitTimestamp  time.Time `json:"exit_timestamp"`
	RealizedPnL    float64   `json:"realized_pnl"`
	RealizedPnLPct float64   `json:"realized_pnl_pct"`
	Leverage       float64   `json:"leverage"`
	Reason         string    `json:"reason"`
}

// Portfolio is the complete simulated account state. It is a plain value
// with no locking; the owning broker serializes access.
type Portfolio struct {
	PortfolioID     string               `json:"portfolio_id"`
	StartingCash    float64              `json:"starting_cash"`
	CurrentCash     float64              `json:"current_cash"`
	Positions       map[string]Position  `json:"positions"`
	TradeLog        []TradeLogEntry      `json:"trade_log"`
	EvaluationLog   []EvaluationLogEntry `json:"evaluation_log"`
	ClosedPositions []ClosedPosition     `json:"closed_positions"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

// New builds an empty portfolio funded with startingCash.
func New(portfolioID string, startingCash float64, now time.Time) *Portfolio {
	return &Portfolio{
		PortfolioID:     portfolioID,
		StartingCash:    startingCash,
		CurrentCash:     startingCash,
		Positions:       map[string]Position{},
		TradeLog:        []TradeLogEntry{},
		EvaluationLog:   []EvaluationLogEntry{},
		ClosedPositions: []ClosedPosition{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// TotalPositionValue sums the notional value of all open positions.
func (p *Portfolio) TotalPositionValue() float64 {
	var total float64
	for _, pos := range p.Positions {
		total += pos.NotionalValue()
	}
	return total
}

// Equity is cash plus total position value.
func (p *Portfolio) Equity() float64 {
	return p.CurrentCash + p.TotalPositionValue()
}

// TotalUnrealizedPnL sums unrealized PnL across open positions.
func (p *Portfolio) TotalUnrealizedPnL() float64 {
	var total float64
	for _, pos := range p.Positions {
		total += pos.UnrealizedPnL()
	}
	return total
}

// TotalRealizedPnL sums realized PnL across the trade log.
func (p *Portfolio) TotalRealizedPnL() float64 {
	var total float64
	for _, entry := range p.TradeLog {
		total += entry.RealizedPnL
	}
	return total
}

// TotalPnL is realized plus unrealized PnL.
func (p *Portfolio) TotalPnL() float64 {
	return p.TotalRealizedPnL() + p.TotalUnrealizedPnL()
}

// TotalPnLPct is total PnL relative to starting cash.
func (p *Portfolio) TotalPnLPct() float64 {
	if p.StartingCash == 0 {
		return 0
	}
	return p.TotalPnL() / p.StartingCash * 100
}

// EquityPctChange is the equity move relative to starting cash.
func (p *Portfolio) EquityPctChange() float64 {
	if p.StartingCash == 0 {
		return 0
	}
	return (p.Equity() - p.StartingCash) / p.StartingCash * 100
}

// ClosedTradeReturns lists the per-trade percentage returns of closed
// positions, oldest first.
func (p *Portfolio) ClosedTradeReturns() []float64 {
	returns := make([]float64, 0, len(p.ClosedPositions))
	for _, cp := range p.ClosedPositions {
		returns = append(returns, cp.RealizedPnLPct)
	}
	return returns
}

// SharpeRatio is the mean over sample standard deviation of the closed-trade
// returns. Fewer than two trades, or zero variance, yields 0.
func (p *Portfolio) SharpeRatio() float64 {
	returns := p.ClosedTradeReturns()
	if len(returns) < 2 {
		return 0
	}
	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))
	var sq float64
	for _, r := range returns {
		d := r - mean
		sq += d * d
	}
	std := math.Sqrt(sq / float64(len(returns)-1))
	if std == 0 {
		return 0
	}
	return mean / std
}
