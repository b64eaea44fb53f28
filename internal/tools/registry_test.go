package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/autotrade/internal/exchange"
	"github.com/quantfold/autotrade/internal/market"
	"github.com/quantfold/autotrade/internal/testutil"
)

type stubVenue struct {
	candles      []market.Candle
	ohlcvCalls   int
	fundingCalls int
	funding      float64
	openInterest *exchange.OpenInterest
	markPrice    float64
}

func (v *stubVenue) FetchTicker(ctx context.Context, symbol string) (*market.Ticker, error) {
	return nil, fmt.Errorf("not implemented")
}

func (v *stubVenue) FetchOrderBook(ctx context.Context, symbol string, depth int) (*market.OrderBook, error) {
	return nil, fmt.Errorf("not implemented")
}

func (v *stubVenue) FetchFundingRate(ctx context.Context, symbol string) (*market.Funding, error) {
	v.fundingCalls++
	next := time.Date(2026, 2, 1, 16, 0, 0, 0, time.UTC)
	return &market.Funding{FundingRate: v.funding, NextFundingTime: &next}, nil
}

func (v *stubVenue) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]market.Candle, error) {
	v.ohlcvCalls++
	if v.candles == nil {
		return nil, fmt.Errorf("no candles configured")
	}
	return v.candles, nil
}

func (v *stubVenue) FetchOpenInterest(ctx context.Context, symbol string) (*exchange.OpenInterest, error) {
	if v.openInterest == nil {
		return nil, fmt.Errorf("open interest unavailable")
	}
	return v.openInterest, nil
}

func (v *stubVenue) FetchMarkPrice(ctx context.Context, symbol string) (float64, error) {
	if v.markPrice == 0 {
		return 0, fmt.Errorf("mark price unavailable")
	}
	return v.markPrice, nil
}

func (v *stubVenue) CreateOrder(ctx context.Context, symbol, orderType string, side exchange.OrderSide, amount float64) (*exchange.Order, error) {
	return nil, fmt.Errorf("not implemented")
}

func (v *stubVenue) FetchBalance(ctx context.Context, currency string) (*exchange.Balance, error) {
	return nil, fmt.Errorf("not implemented")
}

func (v *stubVenue) FetchPositions(ctx context.Context) ([]exchange.ExchangePosition, error) {
	return nil, nil
}

func (v *stubVenue) FetchMyTrades(ctx context.Context, symbol string, limit int) ([]exchange.Trade, error) {
	return nil, nil
}

func (v *stubVenue) Close() error { return nil }

func registryCandles(n int, step time.Duration) []market.Candle {
	start := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]market.Candle, 0, n)
	for i := 0; i < n; i++ {
		price := 50000 + float64(i)*10
		candles = append(candles, market.Candle{
			Timestamp: start.Add(time.Duration(i) * step),
			Open:      price - 5,
			High:      price + 5,
			Low:       price - 10,
			Close:     price,
			Volume:    100 + float64(i),
		})
	}
	return candles
}

func testRegistryConfig() RegistryConfig {
	return RegistryConfig{
		SymbolMapping: map[string]string{
			"BTC":     "BTC-USDT-SWAP",
			"BTC-USD": "BTC-USDT-SWAP",
		},
		ShortTimeframe:        "15m",
		ShortCandleLimit:      50,
		LongTimeframe:         "1h",
		LongCandleLimit:       100,
		ShortTimeframeSeconds: 900,
		VolumeRatioPeriod:     20,
		HighTimeframeSeconds:  3600,
		HighVolumeRatioPeriod: 20,
		HighMACDSeriesPoints:  5,
	}
}

func seedCandles(t *testing.T, cache *market.Cache, symbol, timeframe string, candles []market.Candle) {
	t.Helper()
	payload := market.OHLCVPayload{
		Candles:   candles,
		Timeframe: timeframe,
		Limit:     len(candles),
		Timestamp: time.Now().UTC(),
	}
	require.NoError(t, cache.SetJSON(context.Background(), market.OHLCVKey(symbol, timeframe), payload, time.Minute))
}

func TestRegistry_LiveMarketData(t *testing.T) {
	_, client := testutil.NewMiniRedis(t)
	cache := market.NewCacheFromClient(client, nil)
	venue := &stubVenue{}
	registry := NewRegistry(cache, venue, NewCache(0), testRegistryConfig(), nil)

	short := registryCandles(30, 15*time.Minute)
	long := registryCandles(12, time.Hour)
	seedCandles(t, cache, "BTC-USDT-SWAP", "15m", short)
	seedCandles(t, cache, "BTC-USDT-SWAP", "1h", long)

	out, err := registry.Execute(context.Background(), ToolLiveMarketData, "BTC/USDT")
	require.NoError(t, err)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &payload))
	assert.Equal(t, "BTC-USDT-SWAP", payload["symbol"])
	assert.InDelta(t, short[len(short)-1].Close, payload["last_price"].(float64), 1e-9)
	assert.Equal(t, "15m", payload["short_term_timeframe"])
	assert.Len(t, payload["intraday_candles"], 30)
	assert.Len(t, payload["high_timeframe_candles"], 12)
	assert.Zero(t, venue.ohlcvCalls, "cached candles must not hit the venue")

	// Repeat calls within the run come from the memo, not Redis.
	require.NoError(t, cache.Delete(context.Background(), market.OHLCVKey("BTC-USDT-SWAP", "15m")))
	again, err := registry.Execute(context.Background(), ToolLiveMarketData, "BTC")
	require.NoError(t, err)
	assert.JSONEq(t, out, again)
}

func TestRegistry_LiveMarketData_VenueFallback(t *testing.T) {
	_, client := testutil.NewMiniRedis(t)
	cache := market.NewCacheFromClient(client, nil)
	venue := &stubVenue{candles: registryCandles(25, 15*time.Minute)}
	registry := NewRegistry(cache, venue, NewCache(0), testRegistryConfig(), nil)

	out, err := registry.Execute(context.Background(), ToolLiveMarketData, "BTC")
	require.NoError(t, err)
	assert.Equal(t, 2, venue.ohlcvCalls, "short and long windows both fall back")

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &payload))
	assert.Len(t, payload["intraday_candles"], 25)
}

func TestRegistry_IndicatorCalculator(t *testing.T) {
	_, client := testutil.NewMiniRedis(t)
	cache := market.NewCacheFromClient(client, nil)
	registry := NewRegistry(cache, &stubVenue{}, NewCache(0), testRegistryConfig(), nil)

	seedCandles(t, cache, "BTC-USDT-SWAP", "15m", registryCandles(30, 15*time.Minute))
	seedCandles(t, cache, "BTC-USDT-SWAP", "1h", registryCandles(12, time.Hour))

	out, err := registry.Execute(context.Background(), ToolIndicatorCalculator, "BTC-USD")
	require.NoError(t, err)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &payload))
	assert.Equal(t, "BTC-USDT-SWAP", payload["symbol"])
	assert.Len(t, payload["mid_prices"], 10, "series are trimmed for the prompt")
	assert.Len(t, payload["rsi14_series"], 10)
	assert.NotNil(t, payload["higher_timeframe"])
	assert.Greater(t, payload["price"].(float64), 0.0)
}

func TestRegistry_IndicatorCalculator_InsufficientHistory(t *testing.T) {
	_, client := testutil.NewMiniRedis(t)
	cache := market.NewCacheFromClient(client, nil)
	registry := NewRegistry(cache, &stubVenue{}, NewCache(0), testRegistryConfig(), nil)

	seedCandles(t, cache, "BTC-USDT-SWAP", "15m", registryCandles(5, 15*time.Minute))
	seedCandles(t, cache, "BTC-USDT-SWAP", "1h", registryCandles(5, time.Hour))

	_, err := registry.Execute(context.Background(), ToolIndicatorCalculator, "BTC")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no indicator snapshot")
}

func TestRegistry_DerivativesData(t *testing.T) {
	_, client := testutil.NewMiniRedis(t)
	cache := market.NewCacheFromClient(client, nil)
	venue := &stubVenue{
		funding:      0.0001,
		openInterest: &exchange.OpenInterest{Contracts: 1200, USD: 6.5e8, Timestamp: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)},
		markPrice:    50123.5,
	}
	registry := NewRegistry(cache, venue, NewCache(0), testRegistryConfig(), nil)

	out, err := registry.Execute(context.Background(), ToolDerivativesData, "BTC")
	require.NoError(t, err)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &payload))
	assert.InDelta(t, 0.0001, payload["funding_rate"].(float64), 1e-12)
	assert.InDelta(t, 0.01, payload["funding_rate_pct"].(float64), 1e-12)
	assert.InDelta(t, 6.5e8, payload["open_interest_usd"].(float64), 1)
	assert.InDelta(t, 50123.5, payload["mark_price"].(float64), 1e-9)

	// Second call within the run is served from the memo.
	_, err = registry.Execute(context.Background(), ToolDerivativesData, "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, 1, venue.fundingCalls)
}

func TestRegistry_UnknownToolAndSymbol(t *testing.T) {
	_, client := testutil.NewMiniRedis(t)
	cache := market.NewCacheFromClient(client, nil)
	registry := NewRegistry(cache, &stubVenue{}, NewCache(0), testRegistryConfig(), nil)

	_, err := registry.Execute(context.Background(), "nonexistent_tool", "BTC")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tool")

	_, err = registry.Execute(context.Background(), ToolLiveMarketData, "DOGE")
	require.Error(t, err)
}
