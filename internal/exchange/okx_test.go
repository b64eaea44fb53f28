package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/autotrade/internal/traderr"
)

func newTestOKXClient(t *testing.T, handler http.Handler) *OKXClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewOKXClient(OKXConfig{
		APIKey:     "key",
		SecretKey:  "secret",
		Passphrase: "phrase",
		BaseURL:    server.URL,
		DemoMode:   true,
		Retry:      RetryConfig{MaxRetries: 1, Backoff: time.Millisecond},
	}, nil)
}

func TestOKXClient_FetchTicker(t *testing.T) {
	var gotHeaders http.Header
	client := newTestOKXClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		assert.Equal(t, "/api/v5/market/ticker", r.URL.Path)
		assert.Equal(t, "BTC-USDT-SWAP", r.URL.Query().Get("instId"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"code": "0",
			"data": []map[string]string{{
				"instId":  "BTC-USDT-SWAP",
				"last":    "50000",
				"bidPx":   "49999.5",
				"askPx":   "50000.5",
				"open24h": "49000",
				"high24h": "51000",
				"low24h":  "48500",
				"vol24h":  "12345",
				"ts":      "1767268800000",
			}},
		})
	}))

	ticker, err := client.FetchTicker(context.Background(), "BTC-USDT-SWAP")
	require.NoError(t, err)
	assert.Equal(t, "BTC-USDT-SWAP", ticker.Symbol)
	assert.Equal(t, 50000.0, ticker.LastPrice)
	assert.Equal(t, 1000.0, ticker.Change24h)
	assert.InDelta(t, 2.0408, ticker.ChangePct24h, 0.001)

	// Signed request with demo-trading enabled.
	assert.Equal(t, "key", gotHeaders.Get("OK-ACCESS-KEY"))
	assert.NotEmpty(t, gotHeaders.Get("OK-ACCESS-SIGN"))
	assert.NotEmpty(t, gotHeaders.Get("OK-ACCESS-TIMESTAMP"))
	assert.Equal(t, "phrase", gotHeaders.Get("OK-ACCESS-PASSPHRASE"))
	assert.Equal(t, "1", gotHeaders.Get("x-simulated-trading"))
}

func TestOKXClient_FetchOHLCV_OldestFirst(t *testing.T) {
	client := newTestOKXClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v5/market/candles", r.URL.Path)
		assert.Equal(t, "1H", r.URL.Query().Get("bar"))
		// Newest first, as the venue returns them.
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"code": "0",
			"data": [][]string{
				{"1767272400000", "101", "102", "100", "101.5", "20"},
				{"1767268800000", "100", "101", "99", "101", "10"},
			},
		})
	}))

	candles, err := client.FetchOHLCV(context.Background(), "BTC-USDT-SWAP", "1h", 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.True(t, candles[0].Timestamp.Before(candles[1].Timestamp))
	assert.Equal(t, 100.0, candles[0].Open)
	assert.Equal(t, 101.5, candles[1].Close)
}

func TestOKXClient_FetchOrderBook_TrimsLevels(t *testing.T) {
	bids := make([][]string, 40)
	asks := make([][]string, 40)
	for i := range bids {
		bids[i] = []string{"100", "1", "0", "1"}
		asks[i] = []string{"101", "1", "0", "1"}
	}
	client := newTestOKXClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"code": "0",
			"data": []map[string]interface{}{{"bids": bids, "asks": asks, "ts": "1767268800000"}},
		})
	}))

	book, err := client.FetchOrderBook(context.Background(), "BTC-USDT-SWAP", 40)
	require.NoError(t, err)
	assert.Len(t, book.Bids, 20)
	assert.Len(t, book.Asks, 20)
	assert.Equal(t, 100.0, book.Bids[0][0])
	assert.Equal(t, 1.0, book.Bids[0][1])
}

func TestOKXClient_CreateOrder_Rejected(t *testing.T) {
	client := newTestOKXClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"code": "0",
			"data": []map[string]string{{"ordId": "987", "sCode": "51008", "sMsg": "insufficient balance"}},
		})
	}))

	order, err := client.CreateOrder(context.Background(), "BTC-USDT-SWAP", "market", SideBuy, 0.5)
	require.Error(t, err)

	var fatal *traderr.FatalExchangeError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, "987", fatal.OrderID)
	require.NotNil(t, order)
	assert.False(t, order.Accepted())
}

func TestOKXClient_APIErrorCode(t *testing.T) {
	client := newTestOKXClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"code": "50011", "msg": "rate limit", "data": []string{}})
	}))

	_, err := client.FetchMarkPrice(context.Background(), "BTC-USDT-SWAP")
	require.Error(t, err)
	assert.True(t, traderr.IsTransient(err))
}
