package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantfold/autotrade/internal/broker"
	"github.com/quantfold/autotrade/internal/llm"
	zaplogrus "github.com/quantfold/autotrade/internal/logging/zaplogrus"
	"github.com/quantfold/autotrade/internal/metrics"
	"github.com/quantfold/autotrade/internal/pipeline"
	"github.com/quantfold/autotrade/internal/portfolio"
	"github.com/quantfold/autotrade/internal/repository"
	"github.com/quantfold/autotrade/internal/runtime"
)

// DecisionRunner is the pipeline surface the scheduler drives.
type DecisionRunner interface {
	RunOnce(ctx context.Context, pf *portfolio.Portfolio) (*pipeline.Result, error)
}

// DecisionStore persists decision logs and, outside simulator mode, the
// portfolio snapshot. The repository implements it; nil disables persistence.
type DecisionStore interface {
	SaveDecisionLogs(ctx context.Context, portfolioID, runID string, decisions []repository.DecisionLogInput, prompt, chainOfThought string, toolPayloadJSON *string) ([]uuid.UUID, error)
	UpsertPortfolio(ctx context.Context, pf *portfolio.Portfolio) error
}

// PortfolioSink receives the post-tick portfolio for fanout. The WebSocket
// hub implements it.
type PortfolioSink interface {
	PublishPortfolio(pf *portfolio.Portfolio)
}

// DecisionSchedulerConfig carries the cycle cadence and audit identifiers.
type DecisionSchedulerConfig struct {
	Interval      time.Duration
	PortfolioID   string
	SymbolMapping map[string]string
	SystemPrompt  string
}

// DecisionStatus is the serialized scheduler state for the control plane.
type DecisionStatus struct {
	Running             bool       `json:"running"`
	Paused              bool       `json:"paused"`
	Mode                string     `json:"mode"`
	IntervalSeconds     float64    `json:"interval_seconds"`
	LastRunAt           *time.Time `json:"last_run_at,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	TotalRuns           int64      `json:"total_runs"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
}

// DecisionScheduler runs the slow loop: every Interval it executes one
// pipeline cycle and routes the decisions through the mode-selected broker.
// Ticks are serialized by tickMu so no two cycles ever overlap; a manual
// trigger issued mid-cycle waits on that lock.
type DecisionScheduler struct {
	pipeline DecisionRunner
	runtime  *runtime.Controller
	store    DecisionStore
	sink     PortfolioSink
	config   DecisionSchedulerConfig
	logger   *zaplogrus.Logger
	now      func() time.Time

	tickMu sync.Mutex

	mu         sync.Mutex
	status     DecisionStatus
	peakEquity float64
}

func NewDecisionScheduler(runner DecisionRunner, controller *runtime.Controller, store DecisionStore, sink PortfolioSink, cfg DecisionSchedulerConfig, logger *zaplogrus.Logger) *DecisionScheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 3 * time.Minute
	}
	if cfg.PortfolioID == "" {
		cfg.PortfolioID = "sim-default"
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = llm.SystemPrompt
	}
	if logger == nil {
		logger = zaplogrus.New()
	}
	return &DecisionScheduler{
		pipeline: runner,
		runtime:  controller,
		store:    store,
		sink:     sink,
		config:   cfg,
		logger:   logger,
		now:      time.Now,
		status:   DecisionStatus{IntervalSeconds: cfg.Interval.Seconds()},
	}
}

// Run blocks until ctx is cancelled. The first cycle waits one full interval;
// market data needs time to warm up.
func (s *DecisionScheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.status.Running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.status.Running = false
		s.mu.Unlock()
	}()

	s.logger.WithField("interval", s.config.Interval.String()).Info("Decision scheduler started")

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Decision scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			if s.IsPaused() {
				s.logger.Debug("Decision tick suppressed while paused")
				continue
			}
			s.RunTick(ctx)
		}
	}
}

// Pause suppresses timed ticks. The timer keeps counting and an in-flight
// tick runs to completion.
func (s *DecisionScheduler) Pause() {
	s.mu.Lock()
	s.status.Paused = true
	s.mu.Unlock()
	s.logger.Info("Decision scheduler paused")
}

// Resume clears the pause flag.
func (s *DecisionScheduler) Resume() {
	s.mu.Lock()
	s.status.Paused = false
	s.mu.Unlock()
	s.logger.Info("Decision scheduler resumed")
}

func (s *DecisionScheduler) IsPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.Paused
}

// Trigger executes one cycle immediately, pause flag notwithstanding.
func (s *DecisionScheduler) Trigger(ctx context.Context) error {
	s.logger.Info("Decision cycle triggered manually")
	return s.RunTick(ctx)
}

// RunTick executes one full decision cycle under the tick lock.
func (s *DecisionScheduler) RunTick(ctx context.Context) error {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	startedAt := s.now().UTC()
	s.mu.Lock()
	s.status.LastRunAt = &startedAt
	s.status.TotalRuns++
	s.mu.Unlock()

	if err := s.runCycle(ctx); err != nil {
		s.recordFailure(err)
		metrics.EvaluationsTotal.WithLabelValues("error").Inc()
		s.logger.WithError(err).Error("Decision cycle failed")
		return err
	}
	s.recordSuccess()
	return nil
}

func (s *DecisionScheduler) runCycle(ctx context.Context) error {
	activeBroker, err := s.runtime.Broker()
	if err != nil {
		return err
	}

	result, err := s.pipeline.RunOnce(ctx, activeBroker.PortfolioSnapshot())
	if err != nil {
		return err
	}
	if result == nil {
		metrics.EvaluationsTotal.WithLabelValues("skipped").Inc()
		s.logger.Warn("Decision pipeline produced no result")
		return nil
	}

	prices := result.SnapshotPrices(s.config.SymbolMapping)
	execCtx := broker.ExecutionContext{
		SystemPrompt:    s.config.SystemPrompt,
		UserPayload:     result.Prompt,
		ToolPayloadJSON: result.ToolPayloadJSON,
		ChainOfThought:  result.ChainOfThought,
	}
	for _, message := range activeBroker.Execute(ctx, result.Decisions, prices, execCtx) {
		s.logger.WithField("run_id", result.RunID).Info(message)
	}

	if err := activeBroker.ProcessPendingFeedback(ctx); err != nil {
		s.logger.WithError(err).Warn("Feedback processing failed")
	}
	if err := activeBroker.MarkToMarket(ctx, prices); err != nil {
		s.logger.WithError(err).Warn("Mark-to-market failed")
	}

	snapshot := activeBroker.PortfolioSnapshot()
	s.persist(ctx, result, snapshot)
	s.updateEquityGauges(snapshot)

	if s.sink != nil && snapshot != nil {
		s.sink.PublishPortfolio(snapshot)
	}
	metrics.EvaluationsTotal.WithLabelValues("success").Inc()
	return nil
}

// persist writes the decision log and, outside simulator mode, the portfolio
// snapshot. The simulated broker owns its own JSON-file persistence.
// Persistence failures are logged, never fatal to the cycle.
func (s *DecisionScheduler) persist(ctx context.Context, result *pipeline.Result, snapshot *portfolio.Portfolio) {
	if s.store == nil {
		return
	}

	if snapshot != nil && s.runtime.Mode() != runtime.ModeSimulator {
		if err := s.store.UpsertPortfolio(ctx, snapshot); err != nil {
			s.logger.WithError(err).Warn("Portfolio upsert failed")
		}
	}

	inputs := make([]repository.DecisionLogInput, 0, len(result.Decisions))
	for _, decision := range result.Decisions {
		inputs = append(inputs, repository.DecisionLogInput{
			Symbol:     decision.Symbol,
			Action:     strings.ToLower(string(decision.Action)),
			SizePct:    decision.SizePct,
			Confidence: decision.Confidence,
			Rationale:  decision.Rationale,
		})
	}
	if _, err := s.store.SaveDecisionLogs(ctx, s.config.PortfolioID, result.RunID,
		inputs, result.Prompt, result.ChainOfThought, result.ToolPayloadJSON); err != nil {
		s.logger.WithError(err).Warn("Decision log persistence failed")
	}
}

func (s *DecisionScheduler) updateEquityGauges(snapshot *portfolio.Portfolio) {
	if snapshot == nil {
		return
	}
	equity := snapshot.Equity()
	metrics.PortfolioEquity.Set(equity)

	s.mu.Lock()
	if equity > s.peakEquity {
		s.peakEquity = equity
	}
	peak := s.peakEquity
	s.mu.Unlock()

	if peak > 0 {
		metrics.PortfolioDrawdownPct.Set((peak - equity) / peak * 100)
	}
}

func (s *DecisionScheduler) recordFailure(err error) {
	s.mu.Lock()
	s.status.ConsecutiveFailures++
	s.status.LastError = err.Error()
	s.mu.Unlock()
}

func (s *DecisionScheduler) recordSuccess() {
	s.mu.Lock()
	s.status.ConsecutiveFailures = 0
	s.status.LastError = ""
	s.mu.Unlock()
}

// Status returns the current scheduler state snapshot.
func (s *DecisionScheduler) Status() DecisionStatus {
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()
	status.Mode = string(s.runtime.Mode())
	return status
}
