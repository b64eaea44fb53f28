package feedback

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/autotrade/internal/portfolio"
)

type memoryOutcomeStore struct {
	outcomes []TradeOutcome
	err      error
}

func (s *memoryOutcomeStore) SaveTradeOutcome(ctx context.Context, outcome TradeOutcome) (*uuid.UUID, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.outcomes = append(s.outcomes, outcome)
	id := uuid.New()
	return &id, nil
}

func newTestTracker(t *testing.T, store OutcomeStore) (*Tracker, *replayLLM) {
	t.Helper()
	chat := &replayLLM{replies: []string{
		"The stop was placed inside normal volatility range.",
		"Always set stops beyond the 14-period ATR band",
	}}
	engine := NewEngine(chat, nil, DefaultEngineConfig(), nil)
	return NewTracker(engine, store, nil), chat
}

func TestTracker_EntryThenExit(t *testing.T) {
	store := &memoryOutcomeStore{}
	tracker, chat := newTestTracker(t, store)

	entryAt := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	current := entryAt
	tracker.now = func() time.Time { return current }

	require.NoError(t, tracker.RecordEntry(context.Background(), "BTCUSDT", "BUY", 50000, 0.04, "Strong momentum"))
	assert.True(t, tracker.HasOpenPosition("BTCUSDT"))

	current = entryAt.Add(90 * time.Minute)
	require.NoError(t, tracker.RecordClose(context.Background(), portfolio.ClosedPosition{
		Symbol:    "BTCUSDT",
		ExitPrice: 47000,
		Reason:    "Stop-loss triggered",
	}))
	assert.False(t, tracker.HasOpenPosition("BTCUSDT"))

	require.Len(t, store.outcomes, 1)
	outcome := store.outcomes[0]
	assert.InDelta(t, -6.0, outcome.PnLPct, 1e-9)
	assert.InDelta(t, -120.0, outcome.PnLUSD, 1e-9)
	assert.Equal(t, 5400, outcome.DurationSeconds)
	assert.Equal(t, "Strong momentum", outcome.Rationale, "critique sees the original rationale")
	assert.Equal(t, "BUY", outcome.Action)

	// The feedback cycle ran with this outcome.
	require.NotEmpty(t, chat.prompts)
	assert.Contains(t, chat.prompts[0], "Strong momentum")
	assert.Contains(t, chat.prompts[0], "-6.00%")
}

func TestTracker_ShortExitFlipsSign(t *testing.T) {
	store := &memoryOutcomeStore{}
	tracker, _ := newTestTracker(t, store)

	require.NoError(t, tracker.RecordEntry(context.Background(), "ETHUSDT", "SELL", 2000, 1, "Breakdown"))
	require.NoError(t, tracker.RecordClose(context.Background(), portfolio.ClosedPosition{
		Symbol:    "ETHUSDT",
		ExitPrice: 1900,
	}))

	require.Len(t, store.outcomes, 1)
	assert.InDelta(t, 5.0, store.outcomes[0].PnLPct, 1e-9, "a falling price is a win for a short")
}

func TestTracker_UntrackedCloseUsesRecord(t *testing.T) {
	store := &memoryOutcomeStore{}
	tracker, _ := newTestTracker(t, store)

	entry := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, tracker.RecordClose(context.Background(), portfolio.ClosedPosition{
		Symbol:         "BTCUSDT",
		Quantity:       0.04,
		EntryPrice:     50000,
		ExitPrice:      56000,
		EntryTimestamp: entry,
		ExitTimestamp:  entry.Add(2 * time.Hour),
		RealizedPnL:    240,
		RealizedPnLPct: 12,
		Reason:         "Take-profit triggered at 56000",
	}))

	require.Len(t, store.outcomes, 1)
	outcome := store.outcomes[0]
	assert.InDelta(t, 12.0, outcome.PnLPct, 1e-9)
	assert.InDelta(t, 240.0, outcome.PnLUSD, 1e-9)
	assert.Equal(t, 7200, outcome.DurationSeconds)
	assert.Equal(t, "Take-profit triggered at 56000", outcome.Rationale)
}

func TestTracker_StoreFailureIsSwallowed(t *testing.T) {
	store := &memoryOutcomeStore{err: assert.AnError}
	tracker, _ := newTestTracker(t, store)

	require.NoError(t, tracker.RecordEntry(context.Background(), "BTCUSDT", "BUY", 50000, 0.04, "Momentum"))
	assert.NoError(t, tracker.RecordClose(context.Background(), portfolio.ClosedPosition{
		Symbol:    "BTCUSDT",
		ExitPrice: 51000,
	}))
}
