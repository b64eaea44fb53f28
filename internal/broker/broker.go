// Package broker executes agent decisions. The simulated broker maintains a
// JSON-persisted paper portfolio; the exchange broker routes orders to the
// venue.
package broker

import (
	"context"

	"github.com/quantfold/autotrade/internal/llm"
	"github.com/quantfold/autotrade/internal/portfolio"
)

// ExecutionContext carries the prompt material recorded alongside each
// evaluation for later auditing.
type ExecutionContext struct {
	SystemPrompt    string
	UserPayload     string
	ToolPayloadJSON *string
	ChainOfThought  string
}

// Broker is the execution port the decision pipeline drives.
type Broker interface {
	// Execute applies a batch of decisions against current mid-prices and
	// returns one status message per decision.
	Execute(ctx context.Context, decisions []llm.Decision, prices map[string]float64, execCtx ExecutionContext) []string

	// MarkToMarket refreshes position prices and fires protective exits.
	MarkToMarket(ctx context.Context, prices map[string]float64) error

	// ProcessPendingFeedback drains exit events produced by MarkToMarket
	// into the learning loop.
	ProcessPendingFeedback(ctx context.Context) error

	// PortfolioSnapshot returns the broker-managed portfolio, or nil for
	// brokers without one.
	PortfolioSnapshot() *portfolio.Portfolio

	Close() error
}

// CloseRecorder receives realized exits for outcome tracking. Implemented by
// the feedback engine; a nil recorder disables the learning loop.
type CloseRecorder interface {
	RecordClose(ctx context.Context, closed portfolio.ClosedPosition) error
}
