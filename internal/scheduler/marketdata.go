// Package scheduler contains the two background loops: the market-data
// refresher that keeps the Redis cache warm, and the decision loop that
// drives the agent.
package scheduler

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cinar/indicator/v2/helper"
	"github.com/cinar/indicator/v2/trend"
	"golang.org/x/sync/errgroup"

	"github.com/quantfold/autotrade/internal/exchange"
	"github.com/quantfold/autotrade/internal/indicator"
	zaplogrus "github.com/quantfold/autotrade/internal/logging/zaplogrus"
	"github.com/quantfold/autotrade/internal/market"
)

// consecutiveFailureAlertThreshold is the streak length that escalates the
// refresh failure log to an alert.
const consecutiveFailureAlertThreshold = 3

const orderBookFetchDepth = 40

// BroadcastSink receives the compact per-symbol frames after each refresh
// cycle. The WebSocket hub implements it; a nil sink disables broadcasting.
type BroadcastSink interface {
	PublishMarket(snapshots []market.BroadcastSnapshot)
}

// MarketDataConfig carries the refresh cadence, timeframes and TTLs.
type MarketDataConfig struct {
	Symbols          []string
	RefreshInterval  time.Duration
	ShortTimeframe   string
	ShortCandleLimit int
	LongTimeframe    string
	LongCandleLimit  int

	TickerTTL     time.Duration
	OrderbookTTL  time.Duration
	FundingTTL    time.Duration
	ShortOHLCVTTL time.Duration
	LongOHLCVTTL  time.Duration
	IndicatorsTTL time.Duration
}

// DefaultMarketDataConfig mirrors the production cadence: 5s refresh, 15m/1h
// candle windows, short TTLs on the fast-moving entries.
func DefaultMarketDataConfig(symbols []string) MarketDataConfig {
	return MarketDataConfig{
		Symbols:          symbols,
		RefreshInterval:  5 * time.Second,
		ShortTimeframe:   "15m",
		ShortCandleLimit: 50,
		LongTimeframe:    "1h",
		LongCandleLimit:  100,
		TickerTTL:        10 * time.Second,
		OrderbookTTL:     10 * time.Second,
		FundingTTL:       5 * time.Minute,
		ShortOHLCVTTL:    time.Minute,
		LongOHLCVTTL:     5 * time.Minute,
		IndicatorsTTL:    time.Minute,
	}
}

// MarketDataStatus is the counters snapshot exposed on the control plane.
type MarketDataStatus struct {
	Running             bool       `json:"running"`
	LastRun             *time.Time `json:"last_run,omitempty"`
	APISuccess          int64      `json:"api_success"`
	APIFailures         int64      `json:"api_failures"`
	RedisWrites         int64      `json:"redis_writes"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	Symbols             []string   `json:"symbols"`
}

// MarketDataScheduler refreshes ticker, order book, funding, candles and
// indicator bundles for every configured symbol on a fixed cadence. It is
// the only writer of the market cache.
type MarketDataScheduler struct {
	client exchange.ExchangeClient
	cache  *market.Cache
	ticks  *market.TickStream
	sink   BroadcastSink
	logger *zaplogrus.Logger
	config MarketDataConfig
	now    func() time.Time

	mu     sync.Mutex
	status MarketDataStatus
}

func NewMarketDataScheduler(client exchange.ExchangeClient, cache *market.Cache, ticks *market.TickStream, sink BroadcastSink, cfg MarketDataConfig, logger *zaplogrus.Logger) *MarketDataScheduler {
	if logger == nil {
		logger = zaplogrus.New()
	}
	return &MarketDataScheduler{
		client: client,
		cache:  cache,
		ticks:  ticks,
		sink:   sink,
		logger: logger,
		config: cfg,
		now:    time.Now,
		status: MarketDataStatus{Symbols: cfg.Symbols},
	}
}

// Run blocks, refreshing every RefreshInterval until ctx is cancelled.
// The first cycle runs immediately.
func (s *MarketDataScheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.status.Running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.status.Running = false
		s.mu.Unlock()
	}()

	s.logger.WithFields(zaplogrus.Fields{
		"symbols":  len(s.config.Symbols),
		"interval": s.config.RefreshInterval.String(),
	}).Info("Market data scheduler started")

	ticker := time.NewTicker(s.config.RefreshInterval)
	defer ticker.Stop()

	s.RefreshAll(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Market data scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.RefreshAll(ctx)
		}
	}
}

// RefreshAll runs one refresh cycle across all symbols concurrently and
// pushes the broadcast frames when every symbol produced a ticker.
func (s *MarketDataScheduler) RefreshAll(ctx context.Context) {
	group, groupCtx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	snapshots := make([]market.BroadcastSnapshot, 0, len(s.config.Symbols))
	failures := 0

	for _, symbol := range s.config.Symbols {
		group.Go(func() error {
			snapshot, err := s.refreshSymbol(groupCtx, symbol)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures++
				s.logger.WithError(err).WithField("symbol", symbol).Warn("Symbol refresh failed")
				return nil
			}
			snapshots = append(snapshots, *snapshot)
			return nil
		})
	}
	_ = group.Wait()

	now := s.now()
	s.mu.Lock()
	s.status.LastRun = &now
	if failures == len(s.config.Symbols) && len(s.config.Symbols) > 0 {
		s.status.ConsecutiveFailures++
	} else {
		s.status.ConsecutiveFailures = 0
	}
	streak := s.status.ConsecutiveFailures
	s.mu.Unlock()

	if streak >= consecutiveFailureAlertThreshold {
		s.logger.WithField("consecutive_failures", streak).Error("Market data refresh failing repeatedly")
	}

	if s.sink != nil && len(snapshots) > 0 {
		s.sink.PublishMarket(snapshots)
	}
}

// refreshSymbol fetches and caches every entry for one symbol. A ticker
// failure aborts the symbol; failures of the remaining entries are counted
// but do not stop the cycle.
func (s *MarketDataScheduler) refreshSymbol(ctx context.Context, symbol string) (*market.BroadcastSnapshot, error) {
	ticker, err := s.client.FetchTicker(ctx, symbol)
	if err != nil {
		s.recordFailure()
		return nil, err
	}
	s.recordSuccess()
	s.cacheJSON(ctx, market.TickerKey(symbol), ticker, s.config.TickerTTL)

	if s.ticks != nil {
		tick := market.Tick{
			Symbol:            market.NormalizeSymbol(symbol),
			Price:             ticker.LastPrice,
			Volume:            ticker.Volume24h,
			ExchangeTimestamp: ticker.Timestamp,
			ReceivedAt:        s.now(),
		}
		if err := s.ticks.Append(ctx, tick); err != nil {
			s.logger.WithError(err).WithField("symbol", symbol).Warn("Tick append failed")
		}
	}

	if book, err := s.client.FetchOrderBook(ctx, symbol, orderBookFetchDepth); err != nil {
		s.recordFailure()
	} else {
		s.recordSuccess()
		s.cacheJSON(ctx, market.OrderbookKey(symbol), book, s.config.OrderbookTTL)
	}

	if funding, err := s.client.FetchFundingRate(ctx, symbol); err != nil {
		s.recordFailure()
	} else {
		s.recordSuccess()
		s.cacheJSON(ctx, market.FundingKey(symbol), funding, s.config.FundingTTL)
	}

	shortCandles := s.refreshOHLCV(ctx, symbol, s.config.ShortTimeframe, s.config.ShortCandleLimit, s.config.ShortOHLCVTTL)
	longCandles := s.refreshOHLCV(ctx, symbol, s.config.LongTimeframe, s.config.LongCandleLimit, s.config.LongOHLCVTTL)

	fields := map[string]string{}
	for k, v := range shortIndicatorBundle(shortCandles) {
		fields[k] = v
	}
	for k, v := range longIndicatorBundle(longCandles) {
		fields["long_"+k] = v
	}
	if len(fields) > 0 {
		key := market.IndicatorsKey(symbol)
		if err := s.cache.HashSet(ctx, key, fields, s.config.IndicatorsTTL); err != nil {
			s.logger.WithError(err).WithField("key", key).Warn("Cache write failed")
		} else {
			s.recordWrite()
		}
	}

	return &market.BroadcastSnapshot{
		Symbol:       market.NormalizeSymbol(symbol),
		Price:        ticker.LastPrice,
		Change24h:    ticker.Change24h,
		ChangePct24h: ticker.ChangePct24h,
		Volume24h:    ticker.Volume24h,
		High24h:      ticker.High24h,
		Low24h:       ticker.Low24h,
	}, nil
}

func (s *MarketDataScheduler) refreshOHLCV(ctx context.Context, symbol, timeframe string, limit int, ttl time.Duration) []market.Candle {
	candles, err := s.client.FetchOHLCV(ctx, symbol, timeframe, limit)
	if err != nil {
		s.recordFailure()
		return nil
	}
	s.recordSuccess()
	payload := market.OHLCVPayload{
		Candles:   candles,
		Timeframe: timeframe,
		Limit:     limit,
		Timestamp: s.now(),
	}
	s.cacheJSON(ctx, market.OHLCVKey(symbol, timeframe), payload, ttl)
	return candles
}

func (s *MarketDataScheduler) cacheJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	if err := s.cache.SetJSON(ctx, key, value, ttl); err != nil {
		s.logger.WithError(err).WithField("key", key).Warn("Cache write failed")
		return
	}
	s.recordWrite()
}

func (s *MarketDataScheduler) Status() MarketDataStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := s.status
	status.Symbols = append([]string(nil), s.status.Symbols...)
	return status
}

func (s *MarketDataScheduler) recordSuccess() {
	s.mu.Lock()
	s.status.APISuccess++
	s.mu.Unlock()
}

func (s *MarketDataScheduler) recordFailure() {
	s.mu.Lock()
	s.status.APIFailures++
	s.mu.Unlock()
}

func (s *MarketDataScheduler) recordWrite() {
	s.mu.Lock()
	s.status.RedisWrites++
	s.mu.Unlock()
}

// shortIndicatorBundle computes the intraday indicator set from the short
// timeframe candles. Empty input yields an empty bundle.
func shortIndicatorBundle(candles []market.Candle) map[string]string {
	if len(candles) == 0 {
		return nil
	}
	closes := make([]float64, len(candles))
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	volumes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
		volumes[i] = c.Volume
	}

	macdLine, macdSignal, macdHist := indicator.MACD(closes)
	bundle := map[string]string{
		"rsi_7":          formatIndicator(indicator.RSI(closes, 7)),
		"rsi_14":         formatIndicator(indicator.RSI(closes, 14)),
		"sma_20":         formatIndicator(smaLast(closes, 20)),
		"ema_12":         formatIndicator(indicator.EMA(closes, 12)),
		"ema_20":         formatIndicator(indicator.EMA(closes, 20)),
		"ema_26":         formatIndicator(indicator.EMA(closes, 26)),
		"atr_3":          formatIndicator(indicator.ATR(highs, lows, closes, 3)),
		"atr_14":         formatIndicator(indicator.ATR(highs, lows, closes, 14)),
		"volume_avg_20":  formatIndicator(indicator.VolumeAverage(volumes, 20)),
		"macd":           formatIndicator(macdLine),
		"macd_signal":    formatIndicator(macdSignal),
		"macd_histogram": formatIndicator(macdHist),
	}
	return bundle
}

// longIndicatorBundle computes the higher-timeframe trend set. Keys are
// prefixed with long_ by the caller.
func longIndicatorBundle(candles []market.Candle) map[string]string {
	if len(candles) == 0 {
		return nil
	}
	closes := make([]float64, len(candles))
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
	}
	return map[string]string{
		"ema_20":  formatIndicator(indicator.EMA(closes, 20)),
		"ema_50":  formatIndicator(indicator.EMA(closes, 50)),
		"sma_50":  formatIndicator(smaLast(closes, 50)),
		"sma_100": formatIndicator(smaLast(closes, 100)),
		"atr_3":   formatIndicator(indicator.ATR(highs, lows, closes, 3)),
		"atr_14":  formatIndicator(indicator.ATR(highs, lows, closes, 14)),
		"trend":   indicator.TrendDirection(closes, 50, 0.0001),
	}
}

// smaLast returns the trailing simple moving average, or the mean of the
// whole series when it is shorter than the period.
func smaLast(xs []float64, period int) float64 {
	if len(xs) == 0 {
		return 0
	}
	if len(xs) < period {
		period = len(xs)
	}
	sma := trend.NewSmaWithPeriod[float64](period)
	out := helper.ChanToSlice(sma.Compute(helper.SliceToChan(xs)))
	if len(out) == 0 {
		return 0
	}
	return out[len(out)-1]
}

func formatIndicator(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
