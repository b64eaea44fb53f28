// Package prompt assembles the user payload sent to the model each decision
// cycle: session context, per-symbol market state, account state and the
// task list.
package prompt

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// SymbolHigherTimeframe is the 4-hour context block for one symbol.
type SymbolHigherTimeframe struct {
	EMA20       float64
	EMA50       float64
	ATR3        float64
	ATR14       float64
	Volume      float64
	VolumeAvg   float64
	MACDSeries  []float64
	RSI14Series []float64
}

// SymbolContext is the intraday market state for one symbol.
type SymbolContext struct {
	Symbol          string
	CurrentPrice    float64
	EMA20           float64
	MACD            float64
	RSI7            float64
	OILatest        float64
	OIAverage       float64
	Funding         float64
	MidPrices       []float64
	EMA20Series     []float64
	MACDSeries      []float64
	RSI7Series      []float64
	RSI14Series     []float64
	HigherTimeframe *SymbolHigherTimeframe
}

// PositionContext is one open position as presented to the model.
type PositionContext struct {
	Symbol                string
	Quantity              float64
	EntryPrice            float64
	CurrentPrice          float64
	LiquidationPrice      *float64
	UnrealizedPnL         float64
	Leverage              float64
	ProfitTarget          *float64
	StopLoss              *float64
	InvalidationCondition *string
	Confidence            float64
	RiskUSD               float64
	NotionalUSD           float64
}

// RiskSettings is the read-only risk block shown to the model.
type RiskSettings struct {
	ConfidenceEntryThreshold float64
	MaxGrossExposurePct      float64
	MinCashBufferPct         float64
	MaxRiskPerTradeUSD       float64
	MinEntryNotionalUSD      float64
}

// AccountContext is the portfolio summary section.
type AccountContext struct {
	Value     float64
	Cash      float64
	ReturnPct float64
	Sharpe    float64
	Positions []PositionContext
	Risk      *RiskSettings
}

// Context is everything one prompt build needs.
type Context struct {
	MinutesSinceStart int
	InvocationCount   int
	CurrentTimestamp  time.Time
	Symbols           []SymbolContext
	Account           AccountContext

	// FeedbackBlock, when non-empty, is inserted ahead of the task section.
	FeedbackBlock string
}

const separator = "=============================================================="

// Builder renders the decision-cycle user payload. Stateless.
type Builder struct{}

func NewBuilder() *Builder { return &Builder{} }

func (b *Builder) Build(ctx Context) string {
	var lines []string
	lines = append(lines,
		"SESSION CONTEXT",
		fmt.Sprintf("- Minutes since trading started: %d", ctx.MinutesSinceStart),
		fmt.Sprintf("- Invocation count: %d", ctx.InvocationCount),
		fmt.Sprintf("- Current time: %s", ctx.CurrentTimestamp.Format(time.RFC3339)),
		"",
		fmt.Sprintf("It has been %d minutes since trading began.", ctx.MinutesSinceStart),
		fmt.Sprintf("You are now being invoked for the %d-th time.", ctx.InvocationCount),
		"Below is the full market, indicator, and account state you must use to reason and decide your next actions.",
		"",
		"All intraday data is sampled at 3-minute intervals, ordered OLDEST → NEWEST.",
		"If a different interval is used for a coin, it is explicitly stated in that section.",
		"",
		separator,
		"### CURRENT MARKET STATE",
		separator,
		"",
	)
	for _, symbol := range ctx.Symbols {
		lines = append(lines, b.symbolSection(symbol)...)
	}
	lines = append(lines,
		separator,
		"### ACCOUNT INFORMATION & PERFORMANCE",
		separator,
		"",
		fmt.Sprintf("Account Value = %s", fmtNum(ctx.Account.Value, 2)),
		fmt.Sprintf("Available Cash = %s", fmtNum(ctx.Account.Cash, 2)),
		fmt.Sprintf("Total Return (%%) = %s", fmtNum(ctx.Account.ReturnPct, 4)),
		fmt.Sprintf("Sharpe Ratio = %s", fmtNum(ctx.Account.Sharpe, 4)),
		"",
		"Open Positions:",
		"[",
	)
	for i, position := range ctx.Account.Positions {
		lines = append(lines, b.positionEntry(position, i == len(ctx.Account.Positions)-1))
	}
	lines = append(lines, "]", "")

	if risk := ctx.Account.Risk; risk != nil {
		lines = append(lines,
			"Risk Settings (read-only):",
			fmt.Sprintf("- confidence_entry_threshold = %s", fmtNum(risk.ConfidenceEntryThreshold, 6)),
			fmt.Sprintf("- max_gross_exposure_pct = %s", fmtNum(risk.MaxGrossExposurePct, 6)),
			fmt.Sprintf("- min_cash_buffer_pct = %s", fmtNum(risk.MinCashBufferPct, 6)),
			fmt.Sprintf("- max_risk_per_trade_usd = %s", fmtNum(risk.MaxRiskPerTradeUSD, 6)),
			fmt.Sprintf("- min_entry_notional_usd = %s", fmtNum(risk.MinEntryNotionalUSD, 6)),
			"",
		)
	}

	if ctx.FeedbackBlock != "" {
		lines = append(lines, ctx.FeedbackBlock, "")
	}

	lines = append(lines,
		separator,
		"### TASK",
		separator,
		"",
		"You must:",
		"1. Review every open position versus its exit plan (profit_target, stop_loss, invalidation_condition).",
		"2. Decide whether to HOLD or CLOSE each one based on 3-minute indicators (price vs EMA20, RSI, MACD).",
		"3. Consider new entries **only if** the coin has **no existing position**, confidence ≥ threshold, free cash ≥ buffer, and exposure ≤ limits.",
		"4. Do not pyramid, scale, or increase size on any existing symbol.",
		"5. If positions already exist in all tradable coins, skip entry evaluation and output only HOLD or CLOSE actions.",
		"6. For HOLD signals, reuse all position fields from account state (quantity, leverage, confidence, risk_usd, profit_target, stop_loss, invalidation_condition).",
		"7. Always emit a HOLD or CLOSE object for every open position each tick, even if nothing changes.",
		"8. Preserve the input order of positions in your OUTPUT.",
		"9. Use “THOUGHT:” for reasoning and “OUTPUT:” for JSON as instructed in the system prompt.",
		"10. Output must be a valid JSON array — no commentary, no extra text.",
		"",
		"End of data.",
	)
	return strings.Join(lines, "\n")
}

func (b *Builder) symbolSection(symbol SymbolContext) []string {
	lines := []string{
		fmt.Sprintf("## %s", symbol.Symbol),
		fmt.Sprintf("current_price = %s", fmtNum(symbol.CurrentPrice, 6)),
		fmt.Sprintf("current_ema20 = %s", fmtNum(symbol.EMA20, 6)),
		fmt.Sprintf("current_macd = %s", fmtNum(symbol.MACD, 6)),
		fmt.Sprintf("current_rsi7 = %s", fmtNum(symbol.RSI7, 6)),
		fmt.Sprintf("Open Interest: Latest = %s, Average = %s", fmtNum(symbol.OILatest, 6), fmtNum(symbol.OIAverage, 6)),
		fmt.Sprintf("Funding Rate: %s", fmtNum(symbol.Funding, 6)),
		"",
		"Intraday (3-min) series:",
		fmt.Sprintf("mid_prices = %s", fmtSeries(symbol.MidPrices)),
		fmt.Sprintf("ema20_series = %s", fmtSeries(symbol.EMA20Series)),
		fmt.Sprintf("macd_series = %s", fmtSeries(symbol.MACDSeries)),
		fmt.Sprintf("rsi7_series = %s", fmtSeries(symbol.RSI7Series)),
		fmt.Sprintf("rsi14_series = %s", fmtSeries(symbol.RSI14Series)),
		"",
	}
	if htf := symbol.HigherTimeframe; htf != nil {
		lines = append(lines,
			"4-hour context:",
			fmt.Sprintf("ema20 = %s, ema50 = %s", fmtNum(htf.EMA20, 6), fmtNum(htf.EMA50, 6)),
			fmt.Sprintf("atr3 = %s, atr14 = %s", fmtNum(htf.ATR3, 6), fmtNum(htf.ATR14, 6)),
			fmt.Sprintf("volume = %s, avg_volume = %s", fmtNum(htf.Volume, 6), fmtNum(htf.VolumeAvg, 6)),
			fmt.Sprintf("macd_series = %s", fmtSeries(htf.MACDSeries)),
			fmt.Sprintf("rsi14_series = %s", fmtSeries(htf.RSI14Series)),
			"",
		)
	} else {
		lines = append(lines, "4-hour context: n/a", "")
	}
	return lines
}

// positionEntry renders one position as a single-line JSON object with a
// stable field order.
func (b *Builder) positionEntry(position PositionContext, isLast bool) string {
	type exitPlanJSON struct {
		ProfitTarget          *float64 `json:"profit_target"`
		StopLoss              *float64 `json:"stop_loss"`
		InvalidationCondition *string  `json:"invalidation_condition"`
	}
	type positionJSON struct {
		Symbol           string       `json:"symbol"`
		Quantity         float64      `json:"quantity"`
		EntryPrice       float64      `json:"entry_price"`
		CurrentPrice     float64      `json:"current_price"`
		LiquidationPrice *float64     `json:"liquidation_price"`
		UnrealizedPnL    float64      `json:"unrealized_pnl"`
		Leverage         float64      `json:"leverage"`
		ExitPlan         exitPlanJSON `json:"exit_plan"`
		Confidence       float64      `json:"confidence"`
		RiskUSD          float64      `json:"risk_usd"`
		NotionalUSD      float64      `json:"notional_usd"`
	}
	payload, _ := json.Marshal(positionJSON{
		Symbol:           position.Symbol,
		Quantity:         position.Quantity,
		EntryPrice:       position.EntryPrice,
		CurrentPrice:     position.CurrentPrice,
		LiquidationPrice: position.LiquidationPrice,
		UnrealizedPnL:    position.UnrealizedPnL,
		Leverage:         position.Leverage,
		ExitPlan: exitPlanJSON{
			ProfitTarget:          position.ProfitTarget,
			StopLoss:              position.StopLoss,
			InvalidationCondition: position.InvalidationCondition,
		},
		Confidence:  position.Confidence,
		RiskUSD:     position.RiskUSD,
		NotionalUSD: position.NotionalUSD,
	})
	suffix := ","
	if isLast {
		suffix = ""
	}
	return "  " + string(payload) + suffix
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

func fmtNum(v float64, places int) string {
	factor := math.Pow(10, float64(places))
	rounded := math.Round(v*factor) / factor
	return strconv.FormatFloat(rounded, 'f', -1, 64)
}

func fmtSeries(values []float64) string {
	rounded := make([]float64, len(values))
	for i, v := range values {
		rounded[i] = round6(v)
	}
	payload, _ := json.Marshal(rounded)
	return string(payload)
}
