package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quantfold/autotrade/internal/exchange"
	"github.com/quantfold/autotrade/internal/indicator"
	"github.com/quantfold/autotrade/internal/llm"
	zaplogrus "github.com/quantfold/autotrade/internal/logging/zaplogrus"
	"github.com/quantfold/autotrade/internal/market"
)

const (
	ToolLiveMarketData      = "live_market_data"
	ToolIndicatorCalculator = "indicator_calculator"
	ToolDerivativesData     = "derivatives_data"
)

// seriesTrimLimit bounds the series length in tool payloads so completions
// stay small.
const seriesTrimLimit = 10

// RegistryConfig carries the symbol mapping and indicator parameters.
type RegistryConfig struct {
	SymbolMapping map[string]string

	ShortTimeframe        string
	ShortCandleLimit      int
	LongTimeframe         string
	LongCandleLimit       int
	ShortTimeframeSeconds int64

	VolumeRatioPeriod     int
	HighTimeframeSeconds  int64
	HighVolumeRatioPeriod int
	HighMACDSeriesPoints  int
}

// Registry implements the agent's tool surface. Market data comes from the
// shared Redis cache with a live-venue fallback; results are memoized in the
// per-run cache.
type Registry struct {
	cache  *market.Cache
	venue  exchange.ExchangeClient
	run    *Cache
	config RegistryConfig
	logger *zaplogrus.Logger
	now    func() time.Time
}

func NewRegistry(cache *market.Cache, venue exchange.ExchangeClient, run *Cache, cfg RegistryConfig, logger *zaplogrus.Logger) *Registry {
	if logger == nil {
		logger = zaplogrus.New()
	}
	if run == nil {
		run = NewCache(0)
	}
	return &Registry{
		cache:  cache,
		venue:  venue,
		run:    run,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// RunCache exposes the per-run cache so the pipeline can scope it.
func (r *Registry) RunCache() *Cache { return r.run }

func (r *Registry) Definitions() []llm.ToolDefinition {
	return []llm.ToolDefinition{
		{
			Name:        ToolLiveMarketData,
			Description: "Fetch recent OHLC candles for a symbol. Input should be a symbol like `BTC-USD`.",
		},
		{
			Name:        ToolIndicatorCalculator,
			Description: "Compute EMA/MACD/RSI/ATR and volume metrics for a symbol using cached market data.",
		},
		{
			Name:        ToolDerivativesData,
			Description: "Fetch funding rate, open interest and mark price for a derivatives symbol.",
		},
	}
}

func (r *Registry) Execute(ctx context.Context, name, symbol string) (string, error) {
	resolved, err := ResolveSymbol(symbol, r.config.SymbolMapping)
	if err != nil {
		return "", err
	}
	instrument := r.config.SymbolMapping[resolved]

	switch name {
	case ToolLiveMarketData:
		return r.liveMarketData(ctx, instrument)
	case ToolIndicatorCalculator:
		return r.indicatorCalculator(ctx, instrument)
	case ToolDerivativesData:
		return r.derivativesData(ctx, instrument)
	default:
		return "", fmt.Errorf("unknown tool %q", name)
	}
}

type marketPayload struct {
	Symbol               string          `json:"symbol"`
	LastPrice            float64         `json:"last_price"`
	FetchedAt            time.Time       `json:"fetched_at"`
	ShortTermTimeframe   string          `json:"short_term_timeframe"`
	LongTermTimeframe    string          `json:"long_term_timeframe"`
	ShortTermCandleCount int             `json:"short_term_candle_count"`
	LongTermCandleCount  int             `json:"long_term_candle_count"`
	IntradayCandles      []market.Candle `json:"intraday_candles"`
	HighTimeframeCandles []market.Candle `json:"high_timeframe_candles"`
}

func (r *Registry) liveMarketData(ctx context.Context, instrument string) (string, error) {
	payload, err := r.fetchMarketPayload(ctx, instrument)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (r *Registry) fetchMarketPayload(ctx context.Context, instrument string) (*marketPayload, error) {
	cacheKey := "live-market:" + instrument
	if cached, ok := r.run.Get(cacheKey); ok {
		if payload, ok := cached.(*marketPayload); ok {
			return payload, nil
		}
	}

	intraday, err := r.candles(ctx, instrument, r.config.ShortTimeframe, r.config.ShortCandleLimit)
	if err != nil {
		return nil, err
	}
	if len(intraday) == 0 {
		return nil, fmt.Errorf("no market data returned for %s", instrument)
	}
	highTF, err := r.candles(ctx, instrument, r.config.LongTimeframe, r.config.LongCandleLimit)
	if err != nil {
		r.logger.WithError(err).WithField("symbol", instrument).Warn("High timeframe candles unavailable")
		highTF = nil
	}

	payload := &marketPayload{
		Symbol:               instrument,
		LastPrice:            intraday[len(intraday)-1].Close,
		FetchedAt:            r.now().UTC(),
		ShortTermTimeframe:   r.config.ShortTimeframe,
		LongTermTimeframe:    r.config.LongTimeframe,
		ShortTermCandleCount: r.config.ShortCandleLimit,
		LongTermCandleCount:  r.config.LongCandleLimit,
		IntradayCandles:      intraday,
		HighTimeframeCandles: highTF,
	}
	r.run.Set(cacheKey, payload)
	return payload, nil
}

// candles prefers the scheduler-warmed cache and falls back to the venue.
func (r *Registry) candles(ctx context.Context, instrument, timeframe string, limit int) ([]market.Candle, error) {
	var payload market.OHLCVPayload
	found, err := r.cache.GetJSON(ctx, market.OHLCVKey(instrument, timeframe), &payload)
	if err != nil {
		r.logger.WithError(err).WithField("symbol", instrument).Warn("Cache read failed")
	}
	if found && len(payload.Candles) > 0 {
		return payload.Candles, nil
	}
	if r.venue == nil {
		return nil, fmt.Errorf("no cached candles for %s %s", instrument, timeframe)
	}
	return r.venue.FetchOHLCV(ctx, instrument, timeframe, limit)
}

func (r *Registry) indicatorCalculator(ctx context.Context, instrument string) (string, error) {
	payload, err := r.fetchMarketPayload(ctx, instrument)
	if err != nil {
		return "", err
	}

	bars := candlesToBars(payload.IntradayCandles)
	snapshot := indicator.SnapshotFromBars(instrument, bars, indicator.SnapshotParams{
		TimeframeSeconds:  r.config.ShortTimeframeSeconds,
		VolumeRatioPeriod: r.config.VolumeRatioPeriod,
	})
	if snapshot == nil {
		return "", fmt.Errorf("no indicator snapshot available for %s", instrument)
	}
	if len(payload.HighTimeframeCandles) > 0 {
		snapshot.HigherTimeframe = indicator.HigherTimeframeFromBars(
			candlesToBars(payload.HighTimeframeCandles),
			indicator.HigherTimeframeParams{
				TimeframeSeconds:  r.config.HighTimeframeSeconds,
				VolumeRatioPeriod: r.config.HighVolumeRatioPeriod,
				MACDSeriesPoints:  r.config.HighMACDSeriesPoints,
			},
		)
	}

	trimmed := *snapshot
	trimmed.MidPrices = tailSeries(snapshot.MidPrices)
	trimmed.EMA20Series = tailSeries(snapshot.EMA20Series)
	trimmed.MACDSeries = tailSeries(snapshot.MACDSeries)
	trimmed.MACDHistogramSeries = tailSeries(snapshot.MACDHistogramSeries)
	trimmed.RSI7Series = tailSeries(snapshot.RSI7Series)
	trimmed.RSI14Series = tailSeries(snapshot.RSI14Series)

	out, err := json.Marshal(trimmed)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (r *Registry) derivativesData(ctx context.Context, instrument string) (string, error) {
	cacheKey := "derivatives:" + instrument
	if cached, ok := r.run.Get(cacheKey); ok {
		if payload, ok := cached.(string); ok {
			return payload, nil
		}
	}
	if r.venue == nil {
		return "", fmt.Errorf("no venue client available for derivatives data")
	}

	funding, err := r.venue.FetchFundingRate(ctx, instrument)
	if err != nil {
		return "", err
	}
	snapshot := market.NewDerivativesSnapshot(funding.FundingRate, r.now().UTC())
	snapshot.NextFundingTime = funding.NextFundingTime

	if oi, err := r.venue.FetchOpenInterest(ctx, instrument); err != nil {
		r.logger.WithError(err).WithField("symbol", instrument).Debug("Open interest unavailable")
	} else {
		snapshot.OpenInterestUSD = &oi.USD
		snapshot.OpenInterestContracts = &oi.Contracts
		ts := oi.Timestamp
		snapshot.OpenInterestTimestamp = &ts
	}
	if mark, err := r.venue.FetchMarkPrice(ctx, instrument); err != nil {
		r.logger.WithError(err).WithField("symbol", instrument).Debug("Mark price unavailable")
	} else {
		snapshot.MarkPrice = &mark
	}

	out, err := json.Marshal(snapshot)
	if err != nil {
		return "", err
	}
	result := string(out)
	r.run.Set(cacheKey, result)
	return result, nil
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

func tailSeries(xs []float64) []float64 {
	if len(xs) <= seriesTrimLimit {
		return xs
	}
	return xs[len(xs)-seriesTrimLimit:]
}
