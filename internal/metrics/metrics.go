// Package metrics exposes the Prometheus instruments and the in-process
// order-latency window served on the control plane.
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autotrade_okx_orders_total",
		Help: "Exchange orders by terminal status.",
	}, []string{"status"})

	OrderLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "autotrade_okx_order_latency_seconds",
		Help:    "Exchange order round-trip latency.",
		Buckets: prometheus.DefBuckets,
	})

	EvaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autotrade_scheduler_evaluations_total",
		Help: "Decision cycles by result.",
	}, []string{"result"})

	PortfolioEquity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "autotrade_portfolio_equity",
		Help: "Current portfolio equity in quote currency.",
	})

	PortfolioDrawdownPct = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "autotrade_portfolio_drawdown_pct",
		Help: "Equity drawdown from the running peak, in percent.",
	})
)

// RecordOrder updates the order counter and latency histogram together.
func RecordOrder(status string, latency time.Duration) {
	OrdersTotal.WithLabelValues(status).Inc()
	if latency > 0 {
		OrderLatency.Observe(latency.Seconds())
	}
}

const latencyWindowSize = 512

// LatencyWindow is a fixed-size ring of recent latency samples with
// percentile summaries. Safe for concurrent use.
type LatencyWindow struct {
	mu      sync.Mutex
	samples []float64
	next    int
	full    bool
	latest  float64
}

func NewLatencyWindow() *LatencyWindow {
	return &LatencyWindow{samples: make([]float64, latencyWindowSize)}
}

// Record adds one sample in milliseconds.
func (w *LatencyWindow) Record(ms float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.next] = ms
	w.latest = ms
	w.next = (w.next + 1) % len(w.samples)
	if w.next == 0 {
		w.full = true
	}
}

// LatencyStats summarizes the current window.
type LatencyStats struct {
	Count    int     `json:"count"`
	MinMs    float64 `json:"min_ms"`
	MaxMs    float64 `json:"max_ms"`
	AvgMs    float64 `json:"avg_ms"`
	LatestMs float64 `json:"latest_ms"`
	P50Ms    float64 `json:"p50_ms"`
	P95Ms    float64 `json:"p95_ms"`
	P99Ms    float64 `json:"p99_ms"`
}

// Stats returns the summary, or nil when no samples exist yet.
func (w *LatencyWindow) Stats() *LatencyStats {
	w.mu.Lock()
	n := w.next
	if w.full {
		n = len(w.samples)
	}
	window := append([]float64(nil), w.samples[:n]...)
	latest := w.latest
	w.mu.Unlock()

	if len(window) == 0 {
		return nil
	}
	sort.Float64s(window)
	var sum float64
	for _, v := range window {
		sum += v
	}
	return &LatencyStats{
		Count:    len(window),
		MinMs:    window[0],
		MaxMs:    window[len(window)-1],
		AvgMs:    sum / float64(len(window)),
		LatestMs: latest,
		P50Ms:    percentile(window, 0.50),
		P95Ms:    percentile(window, 0.95),
		P99Ms:    percentile(window, 0.99),
	}
}

func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q * float64(len(sorted)-1))
	return sorted[idx]
}
