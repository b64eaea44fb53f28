package market

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/autotrade/internal/testutil"
)

func TestCache_JSONRoundTrip(t *testing.T) {
	_, client := testutil.NewMiniRedis(t)
	cache := NewCacheFromClient(client, nil)
	ctx := context.Background()

	ticker := Ticker{
		Symbol:    "BTC-USDT-SWAP",
		LastPrice: 50000,
		Bid:       49999.5,
		Ask:       50000.5,
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, cache.SetJSON(ctx, TickerKey("btc-usdt-swap"), ticker, 10*time.Second))

	var got Ticker
	found, err := cache.GetJSON(ctx, TickerKey("BTC-USDT-SWAP"), &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ticker, got)
}

func TestCache_MissingKey(t *testing.T) {
	_, client := testutil.NewMiniRedis(t)
	cache := NewCacheFromClient(client, nil)

	var got Ticker
	found, err := cache.GetJSON(context.Background(), TickerKey("ETH-USDT-SWAP"), &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCache_TTLExpiry(t *testing.T) {
	mr, client := testutil.NewMiniRedis(t)
	cache := NewCacheFromClient(client, nil)
	ctx := context.Background()

	require.NoError(t, cache.SetJSON(ctx, FundingKey("BTC-USDT-SWAP"), Funding{FundingRate: 0.0001}, 5*time.Second))
	mr.FastForward(6 * time.Second)

	var got Funding
	found, err := cache.GetJSON(ctx, FundingKey("BTC-USDT-SWAP"), &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCache_Hash(t *testing.T) {
	_, client := testutil.NewMiniRedis(t)
	cache := NewCacheFromClient(client, nil)
	ctx := context.Background()

	fields := map[string]string{"rsi_14": "61.2", "ema_20": "50123.4"}
	require.NoError(t, cache.HashSet(ctx, IndicatorsKey("BTC-USDT-SWAP"), fields, time.Minute))

	got, err := cache.HashGet(ctx, IndicatorsKey("BTC-USDT-SWAP"))
	require.NoError(t, err)
	assert.Equal(t, fields, got)
}

func TestIsStale(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.True(t, IsStale(time.Time{}, time.Minute, now))
	assert.True(t, IsStale(now.Add(-2*time.Minute), time.Minute, now))
	assert.False(t, IsStale(now.Add(-30*time.Second), time.Minute, now))
}

func TestKeyBuilders(t *testing.T) {
	assert.Equal(t, "market:BTC-USDT-SWAP:ticker", TickerKey("btc-usdt-swap"))
	assert.Equal(t, "market:BTC-USDT-SWAP:ohlcv:15m", OHLCVKey("BTC-USDT-SWAP", "15m"))
	assert.Equal(t, "market:ETH-USDT-SWAP:indicators", IndicatorsKey(" eth-usdt-swap "))
}
