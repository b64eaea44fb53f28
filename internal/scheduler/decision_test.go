package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/autotrade/internal/broker"
	"github.com/quantfold/autotrade/internal/llm"
	"github.com/quantfold/autotrade/internal/pipeline"
	"github.com/quantfold/autotrade/internal/portfolio"
	"github.com/quantfold/autotrade/internal/repository"
	"github.com/quantfold/autotrade/internal/runtime"
	"github.com/quantfold/autotrade/internal/tools"
)

type fakeRunner struct {
	result *pipeline.Result
	err    error
	calls  int
}

func (r *fakeRunner) RunOnce(ctx context.Context, pf *portfolio.Portfolio) (*pipeline.Result, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return r.result, nil
}

type recordingBroker struct {
	pf       *portfolio.Portfolio
	calls    []string
	prices   map[string]float64
	execCtx  broker.ExecutionContext
	executed []llm.Decision
}

func (b *recordingBroker) Execute(ctx context.Context, decisions []llm.Decision, prices map[string]float64, execCtx broker.ExecutionContext) []string {
	b.calls = append(b.calls, "execute")
	b.prices = prices
	b.execCtx = execCtx
	b.executed = decisions
	return []string{"BUY BTC-USD filled"}
}

func (b *recordingBroker) MarkToMarket(ctx context.Context, prices map[string]float64) error {
	b.calls = append(b.calls, "mark")
	return nil
}

func (b *recordingBroker) ProcessPendingFeedback(ctx context.Context) error {
	b.calls = append(b.calls, "feedback")
	return nil
}

func (b *recordingBroker) PortfolioSnapshot() *portfolio.Portfolio { return b.pf }
func (b *recordingBroker) Close() error                            { return nil }

type recordingStore struct {
	logCalls     int
	portfolioID  string
	runID        string
	inputs       []repository.DecisionLogInput
	upsertCalls  int
	saveLogError error
}

func (s *recordingStore) SaveDecisionLogs(ctx context.Context, portfolioID, runID string, decisions []repository.DecisionLogInput, prompt, chainOfThought string, toolPayloadJSON *string) ([]uuid.UUID, error) {
	s.logCalls++
	s.portfolioID = portfolioID
	s.runID = runID
	s.inputs = decisions
	if s.saveLogError != nil {
		return nil, s.saveLogError
	}
	return []uuid.UUID{uuid.New()}, nil
}

func (s *recordingStore) UpsertPortfolio(ctx context.Context, pf *portfolio.Portfolio) error {
	s.upsertCalls++
	return nil
}

type recordingSink struct {
	published []*portfolio.Portfolio
}

func (s *recordingSink) PublishPortfolio(pf *portfolio.Portfolio) {
	s.published = append(s.published, pf)
}

func tickResult() *pipeline.Result {
	size := 10.0
	conf := 0.7
	rationale := "momentum"
	return &pipeline.Result{
		RunID:  uuid.New().String(),
		Prompt: "user payload",
		Decisions: []llm.Decision{{
			Symbol: "BTC-USD", Action: llm.ActionBuy,
			SizePct: &size, Confidence: &conf, Rationale: &rationale,
		}},
		ToolInvocations: []llm.ToolInvocation{{
			Tool:     tools.ToolLiveMarketData,
			Symbol:   "BTC-USDT-SWAP",
			Response: `{"symbol": "BTC-USDT-SWAP", "last_price": 50000}`,
		}},
		GeneratedAt: time.Now().UTC(),
	}
}

func newTestDecisionScheduler(mode runtime.Mode, runner DecisionRunner, store DecisionStore, sink PortfolioSink, b broker.Broker) *DecisionScheduler {
	controller := runtime.NewController(mode, nil, func(runtime.Mode) (broker.Broker, error) {
		return b, nil
	}, nil)
	return NewDecisionScheduler(runner, controller, store, sink, DecisionSchedulerConfig{
		Interval:      time.Minute,
		PortfolioID:   "sim-default",
		SymbolMapping: map[string]string{"BTC-USD": "BTC-USDT-SWAP"},
	}, nil)
}

func TestDecisionScheduler_Tick(t *testing.T) {
	pf := portfolio.New("sim-default", 10000, time.Now().UTC())
	b := &recordingBroker{pf: pf}
	runner := &fakeRunner{result: tickResult()}
	store := &recordingStore{}
	sink := &recordingSink{}
	s := newTestDecisionScheduler(runtime.ModeSimulator, runner, store, sink, b)

	require.NoError(t, s.RunTick(context.Background()))

	assert.Equal(t, []string{"execute", "feedback", "mark"}, b.calls,
		"feedback drains before mark-to-market refreshes prices")
	assert.Equal(t, 50000.0, b.prices["BTC-USD"], "instrument price aliased to the decision symbol")
	assert.Equal(t, "user payload", b.execCtx.UserPayload)
	require.Len(t, b.executed, 1)

	assert.Equal(t, 1, store.logCalls)
	assert.Equal(t, "sim-default", store.portfolioID)
	assert.Equal(t, runner.result.RunID, store.runID)
	require.Len(t, store.inputs, 1)
	assert.Equal(t, "buy", store.inputs[0].Action)
	assert.Equal(t, 0, store.upsertCalls, "simulator persists through its own state file")

	require.Len(t, sink.published, 1)
	assert.Same(t, pf, sink.published[0])

	status := s.Status()
	assert.Equal(t, int64(1), status.TotalRuns)
	assert.Equal(t, 0, status.ConsecutiveFailures)
	assert.NotNil(t, status.LastRunAt)
	assert.Equal(t, "simulator", status.Mode)
}

func TestDecisionScheduler_PaperModeUpsertsPortfolio(t *testing.T) {
	pf := portfolio.New("okx-demo", 10000, time.Now().UTC())
	store := &recordingStore{}
	s := newTestDecisionScheduler(runtime.ModePaper, &fakeRunner{result: tickResult()}, store, nil, &recordingBroker{pf: pf})

	require.NoError(t, s.RunTick(context.Background()))
	assert.Equal(t, 1, store.upsertCalls)
}

func TestDecisionScheduler_PipelineFailureCountsAndResets(t *testing.T) {
	runner := &fakeRunner{err: fmt.Errorf("agent run failed")}
	s := newTestDecisionScheduler(runtime.ModeSimulator, runner, nil, nil, &recordingBroker{})

	require.Error(t, s.RunTick(context.Background()))
	require.Error(t, s.RunTick(context.Background()))
	status := s.Status()
	assert.Equal(t, 2, status.ConsecutiveFailures)
	assert.Contains(t, status.LastError, "agent run failed")

	runner.err = nil
	runner.result = tickResult()
	require.NoError(t, s.RunTick(context.Background()))
	status = s.Status()
	assert.Equal(t, 0, status.ConsecutiveFailures)
	assert.Empty(t, status.LastError)
}

func TestDecisionScheduler_AbsentResultIsNotFailure(t *testing.T) {
	b := &recordingBroker{}
	store := &recordingStore{}
	s := newTestDecisionScheduler(runtime.ModeSimulator, &fakeRunner{}, store, nil, b)

	require.NoError(t, s.RunTick(context.Background()))
	assert.Empty(t, b.calls, "nothing executes without a pipeline result")
	assert.Equal(t, 0, store.logCalls)
	assert.Equal(t, 0, s.Status().ConsecutiveFailures)
}

func TestDecisionScheduler_TriggerIgnoresPause(t *testing.T) {
	runner := &fakeRunner{result: tickResult()}
	s := newTestDecisionScheduler(runtime.ModeSimulator, runner, nil, nil, &recordingBroker{})

	s.Pause()
	assert.True(t, s.IsPaused())
	require.NoError(t, s.Trigger(context.Background()))
	assert.Equal(t, 1, runner.calls, "manual trigger runs while paused")

	s.Resume()
	assert.False(t, s.IsPaused())
}

func TestDecisionScheduler_BrokerFactoryErrorIsFailure(t *testing.T) {
	controller := runtime.NewController(runtime.ModeLive, nil, func(runtime.Mode) (broker.Broker, error) {
		return nil, fmt.Errorf("missing credentials")
	}, nil)
	s := NewDecisionScheduler(&fakeRunner{result: tickResult()}, controller, nil, nil, DecisionSchedulerConfig{Interval: time.Minute}, nil)

	err := s.RunTick(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing credentials")
	assert.Equal(t, 1, s.Status().ConsecutiveFailures)
}
