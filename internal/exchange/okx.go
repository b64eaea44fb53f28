package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	zaplogrus "github.com/quantfold/autotrade/internal/logging/zaplogrus"
	"github.com/quantfold/autotrade/internal/market"
	"github.com/quantfold/autotrade/internal/traderr"
)

const (
	okxDefaultBaseURL = "https://my.okx.com"
	okxDefaultTimeout = 10 * time.Second
)

// OKXConfig configures the OKX REST client.
type OKXConfig struct {
	APIKey     string
	SecretKey  string
	Passphrase string
	BaseURL    string
	DemoMode   bool
	Timeout    time.Duration
	Retry      RetryConfig
}

// OKXClient is a thin wrapper around the OKX v5 REST API with retry logic
// and demo-trading support. Calls are serialized behind a session mutex.
type OKXClient struct {
	config     OKXConfig
	httpClient *http.Client
	logger     *zaplogrus.Logger
	mu         sync.Mutex
	now        func() time.Time
}

// NewOKXClient builds the client. Public market-data endpoints work without
// credentials; trading endpoints require all three of key, secret and
// passphrase.
func NewOKXClient(cfg OKXConfig, logger *zaplogrus.Logger) *OKXClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = okxDefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = okxDefaultTimeout
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if logger == nil {
		logger = zaplogrus.New()
	}
	return &OKXClient{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
		now:        time.Now,
	}
}

func (c *OKXClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

type okxEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (c *OKXClient) FetchTicker(ctx context.Context, symbol string) (*market.Ticker, error) {
	return callWithRetries(ctx, c.config.Retry, c.logger, "fetch_ticker", func() (*market.Ticker, error) {
		var rows []struct {
			InstID    string `json:"instId"`
			Last      string `json:"last"`
			BidPx     string `json:"bidPx"`
			AskPx     string `json:"askPx"`
			High24h   string `json:"high24h"`
			Low24h    string `json:"low24h"`
			Open24h   string `json:"open24h"`
			Vol24h    string `json:"vol24h"`
			Timestamp string `json:"ts"`
		}
		if err := c.get(ctx, "/api/v5/market/ticker", url.Values{"instId": {symbol}}, &rows); err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, fmt.Errorf("empty ticker response for %s", symbol)
		}
		row := rows[0]
		last := parseFloat(row.Last)
		open24h := parseFloat(row.Open24h)
		change := last - open24h
		changePct := 0.0
		if open24h != 0 {
			changePct = change / open24h * 100
		}
		return &market.Ticker{
			Symbol:       market.NormalizeSymbol(symbol),
			LastPrice:    last,
			Bid:          parseFloat(row.BidPx),
			Ask:          parseFloat(row.AskPx),
			Volume24h:    parseFloat(row.Vol24h),
			High24h:      parseFloat(row.High24h),
			Low24h:       parseFloat(row.Low24h),
			Change24h:    change,
			ChangePct24h: changePct,
			Timestamp:    parseMillis(row.Timestamp, c.now()),
		}, nil
	})
}

func (c *OKXClient) FetchOrderBook(ctx context.Context, symbol string, depth int) (*market.OrderBook, error) {
	return callWithRetries(ctx, c.config.Retry, c.logger, "fetch_order_book", func() (*market.OrderBook, error) {
		var rows []struct {
			Bids [][]string `json:"bids"`
			Asks [][]string `json:"asks"`
			TS   string     `json:"ts"`
		}
		params := url.Values{"instId": {symbol}, "sz": {strconv.Itoa(depth)}}
		if err := c.get(ctx, "/api/v5/market/books", params, &rows); err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, fmt.Errorf("empty order book response for %s", symbol)
		}
		row := rows[0]
		return &market.OrderBook{
			Bids:      parseLevels(row.Bids, 20),
			Asks:      parseLevels(row.Asks, 20),
			Timestamp: parseMillis(row.TS, c.now()),
		}, nil
	})
}

func (c *OKXClient) FetchFundingRate(ctx context.Context, symbol string) (*market.Funding, error) {
	return callWithRetries(ctx, c.config.Retry, c.logger, "fetch_funding_rate", func() (*market.Funding, error) {
		var rows []struct {
			FundingRate     string `json:"fundingRate"`
			NextFundingTime string `json:"nextFundingTime"`
			TS              string `json:"ts"`
		}
		if err := c.get(ctx, "/api/v5/public/funding-rate", url.Values{"instId": {symbol}}, &rows); err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, fmt.Errorf("empty funding response for %s", symbol)
		}
		row := rows[0]
		funding := &market.Funding{
			FundingRate: parseFloat(row.FundingRate),
			Timestamp:   parseMillis(row.TS, c.now()),
		}
		if row.NextFundingTime != "" {
			next := parseMillis(row.NextFundingTime, time.Time{})
			if !next.IsZero() {
				funding.NextFundingTime = &next
			}
		}
		return funding, nil
	})
}

func (c *OKXClient) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]market.Candle, error) {
	return callWithRetries(ctx, c.config.Retry, c.logger, "fetch_ohlcv", func() ([]market.Candle, error) {
		var rows [][]string
		params := url.Values{
			"instId": {symbol},
			"bar":    {okxBar(timeframe)},
			"limit":  {strconv.Itoa(limit)},
		}
		if err := c.get(ctx, "/api/v5/market/candles", params, &rows); err != nil {
			return nil, err
		}
		// OKX returns newest first; the core wants oldest first.
		candles := make([]market.Candle, 0, len(rows))
		for i := len(rows) - 1; i >= 0; i-- {
			row := rows[i]
			if len(row) < 6 {
				continue
			}
			candles = append(candles, market.Candle{
				Timestamp: parseMillis(row[0], time.Time{}),
				Open:      parseFloat(row[1]),
				High:      parseFloat(row[2]),
				Low:       parseFloat(row[3]),
				Close:     parseFloat(row[4]),
				Volume:    parseFloat(row[5]),
			})
		}
		return candles, nil
	})
}

func (c *OKXClient) FetchOpenInterest(ctx context.Context, symbol string) (*OpenInterest, error) {
	return callWithRetries(ctx, c.config.Retry, c.logger, "fetch_open_interest", func() (*OpenInterest, error) {
		var rows []struct {
			OI    string `json:"oi"`
			OIUSD string `json:"oiUsd"`
			TS    string `json:"ts"`
		}
		if err := c.get(ctx, "/api/v5/public/open-interest", url.Values{"instId": {symbol}}, &rows); err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, fmt.Errorf("empty open interest response for %s", symbol)
		}
		row := rows[0]
		return &OpenInterest{
			Contracts: parseFloat(row.OI),
			USD:       parseFloat(row.OIUSD),
			Timestamp: parseMillis(row.TS, c.now()),
		}, nil
	})
}

func (c *OKXClient) FetchMarkPrice(ctx context.Context, symbol string) (float64, error) {
	return callWithRetries(ctx, c.config.Retry, c.logger, "fetch_mark_price", func() (float64, error) {
		var rows []struct {
			MarkPx string `json:"markPx"`
		}
		if err := c.get(ctx, "/api/v5/public/mark-price", url.Values{"instId": {symbol}}, &rows); err != nil {
			return 0, err
		}
		if len(rows) == 0 {
			return 0, fmt.Errorf("empty mark price response for %s", symbol)
		}
		return parseFloat(rows[0].MarkPx), nil
	})
}

func (c *OKXClient) CreateOrder(ctx context.Context, symbol, orderType string, side OrderSide, amount float64) (*Order, error) {
	order, err := callWithRetries(ctx, c.config.Retry, c.logger, "create_order", func() (*Order, error) {
		body := map[string]string{
			"instId":  symbol,
			"tdMode":  "cross",
			"side":    string(side),
			"ordType": orderType,
			"sz":      strconv.FormatFloat(amount, 'f', -1, 64),
		}
		var rows []struct {
			OrdID string `json:"ordId"`
			SCode string `json:"sCode"`
			SMsg  string `json:"sMsg"`
		}
		if err := c.post(ctx, "/api/v5/trade/order", body, &rows); err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, fmt.Errorf("empty order response for %s", symbol)
		}
		row := rows[0]
		status := "live"
		if row.SCode != "" && row.SCode != "0" {
			status = "rejected"
		}
		return &Order{
			ID:        row.OrdID,
			Symbol:    market.NormalizeSymbol(symbol),
			Side:      side,
			Type:      orderType,
			Amount:    amount,
			Status:    status,
			Timestamp: c.now(),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	if !order.Accepted() {
		return order, &traderr.FatalExchangeError{OrderID: order.ID, State: order.Status}
	}
	return order, nil
}

func (c *OKXClient) FetchBalance(ctx context.Context, currency string) (*Balance, error) {
	return callWithRetries(ctx, c.config.Retry, c.logger, "fetch_balance", func() (*Balance, error) {
		var rows []struct {
			Details []struct {
				Ccy      string `json:"ccy"`
				AvailBal string `json:"availBal"`
				Eq       string `json:"eq"`
			} `json:"details"`
		}
		if err := c.get(ctx, "/api/v5/account/balance", url.Values{"ccy": {currency}}, &rows); err != nil {
			return nil, err
		}
		for _, row := range rows {
			for _, detail := range row.Details {
				if detail.Ccy == currency {
					return &Balance{
						Currency: currency,
						Free:     parseFloat(detail.AvailBal),
						Total:    parseFloat(detail.Eq),
					}, nil
				}
			}
		}
		return &Balance{Currency: currency}, nil
	})
}

func (c *OKXClient) FetchPositions(ctx context.Context) ([]ExchangePosition, error) {
	return callWithRetries(ctx, c.config.Retry, c.logger, "fetch_positions", func() ([]ExchangePosition, error) {
		var rows []struct {
			InstID  string `json:"instId"`
			Pos     string `json:"pos"`
			AvgPx   string `json:"avgPx"`
			MarkPx  string `json:"markPx"`
			Upl     string `json:"upl"`
			Lever   string `json:"lever"`
		}
		if err := c.get(ctx, "/api/v5/account/positions", nil, &rows); err != nil {
			return nil, err
		}
		positions := make([]ExchangePosition, 0, len(rows))
		for _, row := range rows {
			qty := parseFloat(row.Pos)
			if qty == 0 {
				continue
			}
			positions = append(positions, ExchangePosition{
				Symbol:        market.NormalizeSymbol(row.InstID),
				Quantity:      qty,
				EntryPrice:    parseFloat(row.AvgPx),
				MarkPrice:     parseFloat(row.MarkPx),
				UnrealizedPnL: parseFloat(row.Upl),
				Leverage:      parseFloat(row.Lever),
			})
		}
		return positions, nil
	})
}

func (c *OKXClient) FetchMyTrades(ctx context.Context, symbol string, limit int) ([]Trade, error) {
	return callWithRetries(ctx, c.config.Retry, c.logger, "fetch_my_trades", func() ([]Trade, error) {
		var rows []struct {
			TradeID string `json:"tradeId"`
			InstID  string `json:"instId"`
			Side    string `json:"side"`
			FillSz  string `json:"fillSz"`
			FillPx  string `json:"fillPx"`
			TS      string `json:"ts"`
		}
		params := url.Values{"instId": {symbol}}
		if limit > 0 {
			params.Set("limit", strconv.Itoa(limit))
		}
		if err := c.get(ctx, "/api/v5/trade/fills", params, &rows); err != nil {
			return nil, err
		}
		trades := make([]Trade, 0, len(rows))
		for _, row := range rows {
			trades = append(trades, Trade{
				ID:        row.TradeID,
				Symbol:    market.NormalizeSymbol(row.InstID),
				Side:      OrderSide(row.Side),
				Amount:    parseFloat(row.FillSz),
				Price:     parseFloat(row.FillPx),
				Timestamp: parseMillis(row.TS, time.Time{}),
			})
		}
		return trades, nil
	})
}

func (c *OKXClient) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	requestPath := path
	if len(params) > 0 {
		requestPath = path + "?" + params.Encode()
	}
	return c.do(ctx, http.MethodGet, requestPath, nil, out)
}

func (c *OKXClient) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, payload, out)
}

func (c *OKXClient) do(ctx context.Context, method, requestPath string, body []byte, out interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+requestPath, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		timestamp := c.now().UTC().Format("2006-01-02T15:04:05.000Z")
		req.Header.Set("OK-ACCESS-KEY", c.config.APIKey)
		req.Header.Set("OK-ACCESS-SIGN", c.sign(timestamp, method, requestPath, body))
		req.Header.Set("OK-ACCESS-TIMESTAMP", timestamp)
		req.Header.Set("OK-ACCESS-PASSPHRASE", c.config.Passphrase)
	}
	if c.config.DemoMode {
		req.Header.Set("x-simulated-trading", "1")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("okx http %d: %s", resp.StatusCode, truncate(string(payload), 200))
	}

	var envelope okxEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return fmt.Errorf("invalid okx response: %w", err)
	}
	if envelope.Code != "0" {
		return fmt.Errorf("okx error %s: %s", envelope.Code, envelope.Msg)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("invalid okx data payload: %w", err)
		}
	}
	return nil
}

func (c *OKXClient) sign(timestamp, method, requestPath string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(c.config.SecretKey))
	mac.Write([]byte(timestamp + method + requestPath))
	if body != nil {
		mac.Write(body)
	}
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// okxBar maps the configured timeframe notation to OKX bar names
// (hours and above are upper-case on the wire).
func okxBar(timeframe string) string {
	switch timeframe {
	case "1h":
		return "1H"
	case "2h":
		return "2H"
	case "4h":
		return "4H"
	case "6h":
		return "6H"
	case "12h":
		return "12H"
	case "1d":
		return "1D"
	default:
		return timeframe
	}
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseMillis(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fallback
	}
	return time.UnixMilli(ms).UTC()
}

func parseLevels(raw [][]string, max int) []market.OrderBookLevel {
	levels := make([]market.OrderBookLevel, 0, max)
	for i, row := range raw {
		if i >= max || len(row) < 2 {
			break
		}
		levels = append(levels, market.OrderBookLevel{parseFloat(row[0]), parseFloat(row[1])})
	}
	return levels
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
