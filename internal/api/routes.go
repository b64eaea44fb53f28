// Package api mounts the HTTP control plane and the WebSocket fanout on a
// gin engine.
package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quantfold/autotrade/internal/api/handlers"
	"github.com/quantfold/autotrade/internal/exchange"
	zaplogrus "github.com/quantfold/autotrade/internal/logging/zaplogrus"
	"github.com/quantfold/autotrade/internal/market"
	"github.com/quantfold/autotrade/internal/metrics"
	"github.com/quantfold/autotrade/internal/middleware"
	"github.com/quantfold/autotrade/internal/repository"
	"github.com/quantfold/autotrade/internal/runtime"
	"github.com/quantfold/autotrade/internal/scheduler"
)

// BasePath is the mount point of the versioned control plane.
const BasePath = "/internal/autotrade/v1"

// Dependencies holds every service handle the routes need. Repo, Venue,
// Cache, MarketData, Latency and Hub may be nil; the affected endpoints
// degrade to 404/503.
type Dependencies struct {
	Logger       *zaplogrus.Logger
	Runtime      *runtime.Controller
	Decision     handlers.SchedulerControl
	MarketData   *scheduler.MarketDataScheduler
	Repo         *repository.Repository
	Cache        *market.Cache
	Venue        exchange.ExchangeClient
	Latency      *metrics.LatencyWindow
	Hub          *handlers.Hub
	TriggerLimit *middleware.RateLimiter

	CronTriggerToken string
	SymbolMapping    map[string]string
	ShortTimeframe   string
	ShortCandleLimit int
	TimeframeSeconds int64
	VolumeRatioPct   int
}

// CORS allows the configured dashboard origins. Requests from other origins
// get no CORS headers and fail the browser preflight.
func CORS(allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = true
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && allowed[origin] {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, x-cron-token")
		}
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

// SetupRoutes registers the control plane, the operational probes and the
// WebSocket endpoint.
func SetupRoutes(router *gin.Engine, deps Dependencies) {
	var decisions handlers.DecisionReader
	if deps.Repo != nil {
		decisions = deps.Repo
	}
	var marketStatus handlers.MarketStatusSource
	if deps.MarketData != nil {
		marketStatus = deps.MarketData
	}

	h := handlers.NewAutoTrade(
		deps.Runtime, deps.Decision, marketStatus, decisions,
		deps.Cache, deps.Venue, deps.Latency,
		handlers.Config{
			CronTriggerToken: deps.CronTriggerToken,
			SymbolMapping:    deps.SymbolMapping,
			ShortTimeframe:   deps.ShortTimeframe,
			ShortCandleLimit: deps.ShortCandleLimit,
			TimeframeSeconds: deps.TimeframeSeconds,
			VolumeRatioPct:   deps.VolumeRatioPct,
		},
		deps.Logger,
	)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", h.Healthz)
	router.GET("/readyz", h.Readyz)
	if deps.Hub != nil {
		router.GET("/ws/market-data", deps.Hub.HandleWS)
	}

	v1 := router.Group(BasePath)
	{
		v1.GET("/health", h.Health)
		v1.GET("/portfolio", h.GetPortfolio)
		v1.POST("/portfolio/sync", h.SyncPortfolio)
		v1.GET("/decisions", h.GetDecisions)
		v1.GET("/decisions/:id", h.GetDecision)
		v1.GET("/market/indicators/:symbol", h.GetIndicators)
		v1.GET("/scheduler/status", h.SchedulerStatus)
		v1.POST("/scheduler/pause", h.PauseScheduler)
		v1.POST("/scheduler/resume", h.ResumeScheduler)
		trigger := v1.Group("")
		if deps.TriggerLimit != nil {
			trigger.Use(deps.TriggerLimit.Middleware())
		}
		trigger.POST("/scheduler/trigger", h.TriggerScheduler)
		trigger.POST("/scheduler/cron-trigger", h.CronTrigger)
		v1.GET("/runtime-mode", h.GetRuntimeMode)
		v1.PATCH("/runtime-mode", h.SetRuntimeMode)
		v1.GET("/metrics/latency/okx-order", h.OrderLatency)
	}
}
