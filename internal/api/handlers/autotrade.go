// Package handlers implements the autotrade control plane: portfolio and
// decision views, scheduler controls, runtime-mode switching and the
// market-data WebSocket fanout.
package handlers

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/quantfold/autotrade/internal/exchange"
	"github.com/quantfold/autotrade/internal/indicator"
	zaplogrus "github.com/quantfold/autotrade/internal/logging/zaplogrus"
	"github.com/quantfold/autotrade/internal/market"
	"github.com/quantfold/autotrade/internal/metrics"
	"github.com/quantfold/autotrade/internal/portfolio"
	"github.com/quantfold/autotrade/internal/repository"
	"github.com/quantfold/autotrade/internal/runtime"
	"github.com/quantfold/autotrade/internal/scheduler"
	"github.com/quantfold/autotrade/internal/tools"
)

// SchedulerControl is the decision-scheduler surface the handlers drive.
type SchedulerControl interface {
	Status() scheduler.DecisionStatus
	Pause()
	Resume()
	Trigger(ctx context.Context) error
}

// MarketStatusSource reports the market-data refresher counters.
type MarketStatusSource interface {
	Status() scheduler.MarketDataStatus
}

// DecisionReader serves persisted decision rows. Nil when no database is
// configured.
type DecisionReader interface {
	FetchDecisions(ctx context.Context, symbol string, limit int) ([]repository.DecisionLog, error)
	FetchDecisionByID(ctx context.Context, id uuid.UUID) (*repository.DecisionLog, bool, error)
}

// Config carries the handler wiring that is not a service handle.
type Config struct {
	ServiceName      string
	CronTriggerToken string
	SymbolMapping    map[string]string
	ShortTimeframe   string
	ShortCandleLimit int
	TimeframeSeconds int64
	VolumeRatioPct   int
}

// AutoTrade bundles the control-plane endpoints.
type AutoTrade struct {
	runtime      *runtime.Controller
	scheduler    SchedulerControl
	marketStatus MarketStatusSource
	decisions    DecisionReader
	cache        *market.Cache
	venue        exchange.ExchangeClient
	latency      *metrics.LatencyWindow
	config       Config
	logger       *zaplogrus.Logger
	now          func() time.Time
}

func NewAutoTrade(controller *runtime.Controller, sched SchedulerControl, marketStatus MarketStatusSource, decisions DecisionReader, cache *market.Cache, venue exchange.ExchangeClient, latency *metrics.LatencyWindow, cfg Config, logger *zaplogrus.Logger) *AutoTrade {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "autotrade"
	}
	if cfg.ShortTimeframe == "" {
		cfg.ShortTimeframe = "15m"
	}
	if cfg.ShortCandleLimit <= 0 {
		cfg.ShortCandleLimit = 50
	}
	if logger == nil {
		logger = zaplogrus.New()
	}
	return &AutoTrade{
		runtime:      controller,
		scheduler:    sched,
		marketStatus: marketStatus,
		decisions:    decisions,
		cache:        cache,
		venue:        venue,
		latency:      latency,
		config:       cfg,
		logger:       logger,
		now:          time.Now,
	}
}

func (h *AutoTrade) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": h.config.ServiceName,
		"status":  "ok",
		"time":    h.now().UTC().Format(time.RFC3339),
	})
}

// GetPortfolio returns the broker-managed portfolio. 503 when the active
// broker keeps no local state (exchange modes) or cannot be built.
func (h *AutoTrade) GetPortfolio(c *gin.Context) {
	pf, ok := h.portfolioSnapshot(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, portfolioPayload(pf))
}

// SyncPortfolio forces a refresh. In exchange modes the venue positions are
// reported directly; the simulator just returns its current state.
func (h *AutoTrade) SyncPortfolio(c *gin.Context) {
	if h.runtime.Mode() == runtime.ModeSimulator || h.venue == nil {
		h.GetPortfolio(c)
		return
	}

	positions, err := h.venue.FetchPositions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to fetch exchange positions: " + err.Error()})
		return
	}
	out := make([]gin.H, 0, len(positions))
	for _, p := range positions {
		out = append(out, gin.H{
			"symbol":        p.Symbol,
			"quantity":      p.Quantity,
			"entryPrice":    p.EntryPrice,
			"markPrice":     p.MarkPrice,
			"unrealizedPnl": p.UnrealizedPnL,
			"leverage":      p.Leverage,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"mode":      string(h.runtime.Mode()),
		"positions": out,
		"syncedAt":  h.now().UTC().Format(time.RFC3339),
	})
}

func (h *AutoTrade) GetDecisions(c *gin.Context) {
	if h.decisions == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "decision store not configured"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	rows, err := h.decisions.FetchDecisions(c.Request.Context(), c.Query("symbol"), limit)
	if err != nil {
		h.logger.WithError(err).Error("Decision query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load decisions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"decisions": rows, "count": len(rows)})
}

func (h *AutoTrade) GetDecision(c *gin.Context) {
	if h.decisions == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "decision store not configured"})
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid decision id"})
		return
	}
	row, found, err := h.decisions.FetchDecisionByID(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load decision"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "decision not found"})
		return
	}
	c.JSON(http.StatusOK, row)
}

// GetIndicators serves the cached indicator bundle for a symbol, falling
// back to a live computation from fresh candles when the cache is cold.
func (h *AutoTrade) GetIndicators(c *gin.Context) {
	symbol, err := tools.ResolveSymbol(c.Param("symbol"), h.config.SymbolMapping)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	instrument := h.config.SymbolMapping[symbol]

	if h.cache != nil {
		fields, err := h.cache.HashGet(c.Request.Context(), market.IndicatorsKey(instrument))
		if err == nil && len(fields) > 0 {
			c.JSON(http.StatusOK, gin.H{"symbol": symbol, "indicators": fields, "source": "redis"})
			return
		}
	}

	if h.venue == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no cached indicators for " + symbol})
		return
	}
	candles, err := h.venue.FetchOHLCV(c.Request.Context(), instrument, h.config.ShortTimeframe, h.config.ShortCandleLimit)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "live indicator fetch failed: " + err.Error()})
		return
	}
	bars := make([]indicator.Bar, 0, len(candles))
	for _, candle := range candles {
		bars = append(bars, indicator.Bar{
			Start: candle.Timestamp, Open: candle.Open, High: candle.High,
			Low: candle.Low, Close: candle.Close, Volume: candle.Volume,
		})
	}
	snapshot := indicator.SnapshotFromBars(instrument, bars, indicator.SnapshotParams{
		TimeframeSeconds:  h.config.TimeframeSeconds,
		VolumeRatioPeriod: h.config.VolumeRatioPct,
	})
	if snapshot == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "insufficient history for " + symbol})
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "indicators": snapshot, "source": "live"})
}

func (h *AutoTrade) SchedulerStatus(c *gin.Context) {
	status := gin.H{"decision": h.scheduler.Status()}
	if h.marketStatus != nil {
		status["market_data"] = h.marketStatus.Status()
	}
	c.JSON(http.StatusOK, status)
}

func (h *AutoTrade) PauseScheduler(c *gin.Context) {
	h.scheduler.Pause()
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

func (h *AutoTrade) ResumeScheduler(c *gin.Context) {
	h.scheduler.Resume()
	c.JSON(http.StatusOK, gin.H{"status": "resumed"})
}

func (h *AutoTrade) TriggerScheduler(c *gin.Context) {
	if err := h.scheduler.Trigger(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "triggered", "triggered_at": h.now().UTC().Format(time.RFC3339)})
}

// CronTrigger is the unauthenticated-network variant of Trigger, guarded by
// a shared token compared in constant time.
func (h *AutoTrade) CronTrigger(c *gin.Context) {
	token := c.GetHeader("x-cron-token")
	secret := h.config.CronTriggerToken
	if secret == "" || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid cron token"})
		return
	}
	h.TriggerScheduler(c)
}

func (h *AutoTrade) GetRuntimeMode(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"mode": string(h.runtime.Mode())})
}

func (h *AutoTrade) SetRuntimeMode(c *gin.Context) {
	var body struct {
		Mode string `json:"mode"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if _, err := runtime.ParseMode(body.Mode); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !h.runtime.Persistent() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "runtime settings store not connected"})
		return
	}
	mode, err := h.runtime.SetMode(c.Request.Context(), body.Mode)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"mode": string(mode)})
}

func (h *AutoTrade) OrderLatency(c *gin.Context) {
	if h.latency == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "latency window not configured"})
		return
	}
	stats := h.latency.Stats()
	if stats == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no latency samples recorded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

func (h *AutoTrade) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Readyz reports cache reachability plus the scheduler summary.
func (h *AutoTrade) Readyz(c *gin.Context) {
	redisStatus := "up"
	code := http.StatusOK
	if h.cache == nil {
		redisStatus = "not_configured"
	} else if err := h.cache.Ping(c.Request.Context()); err != nil {
		redisStatus = "down"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"redis":     redisStatus,
		"scheduler": h.scheduler.Status(),
	})
}

func (h *AutoTrade) portfolioSnapshot(c *gin.Context) (*portfolio.Portfolio, bool) {
	activeBroker, err := h.runtime.Broker()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return nil, false
	}
	pf := activeBroker.PortfolioSnapshot()
	if pf == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "portfolio unavailable in " + string(h.runtime.Mode()) + " mode"})
		return nil, false
	}
	return pf, true
}

// portfolioPayload renders the camelCase portfolio view shared by the HTTP
// and WebSocket surfaces.
func portfolioPayload(pf *portfolio.Portfolio) gin.H {
	positions := make(map[string]gin.H, len(pf.Positions))
	for symbol, position := range pf.Positions {
		positions[symbol] = gin.H{
			"symbol":        position.Symbol,
			"quantity":      position.Quantity,
			"entryPrice":    position.EntryPrice,
			"currentPrice":  position.CurrentPrice,
			"unrealizedPnl": position.UnrealizedPnL(),
			"leverage":      position.Leverage,
			"confidence":    position.Confidence,
			"exitPlan": gin.H{
				"stopLoss":              position.ExitPlan.StopLoss,
				"takeProfit":            position.ExitPlan.TakeProfit,
				"invalidationCondition": position.ExitPlan.InvalidationCondition,
			},
		}
	}
	closed := make([]gin.H, 0, len(pf.ClosedPositions))
	for _, cp := range pf.ClosedPositions {
		closed = append(closed, gin.H{
			"symbol":         cp.Symbol,
			"quantity":       cp.Quantity,
			"entryPrice":     cp.EntryPrice,
			"exitPrice":      cp.ExitPrice,
			"realizedPnl":    cp.RealizedPnL,
			"realizedPnlPct": cp.RealizedPnLPct,
			"reason":         cp.Reason,
			"exitTimestamp":  cp.ExitTimestamp.UTC().Format(time.RFC3339),
		})
	}
	return gin.H{
		"portfolioId":     pf.PortfolioID,
		"startingCash":    pf.StartingCash,
		"currentCash":     pf.CurrentCash,
		"equity":          pf.Equity(),
		"totalPnl":        pf.TotalPnL(),
		"totalPnlPct":     pf.TotalPnLPct(),
		"unrealizedPnl":   pf.TotalUnrealizedPnL(),
		"realizedPnl":     pf.TotalRealizedPnL(),
		"sharpeRatio":     pf.SharpeRatio(),
		"positions":       positions,
		"closedPositions": closed,
		"updatedAt":       pf.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
