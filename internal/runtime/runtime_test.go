package runtime

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/autotrade/internal/broker"
	"github.com/quantfold/autotrade/internal/llm"
	"github.com/quantfold/autotrade/internal/portfolio"
	"github.com/quantfold/autotrade/internal/traderr"
)

type memorySettings struct {
	values map[string]string
	getErr error
	setErr error
}

func (s *memorySettings) GetRuntimeSetting(ctx context.Context, key string) (string, bool, error) {
	if s.getErr != nil {
		return "", false, s.getErr
	}
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *memorySettings) SetRuntimeSetting(ctx context.Context, key, value string) error {
	if s.setErr != nil {
		return s.setErr
	}
	if s.values == nil {
		s.values = map[string]string{}
	}
	s.values[key] = value
	return nil
}

type nopBroker struct {
	mode   Mode
	closed bool
}

func (b *nopBroker) Execute(ctx context.Context, decisions []llm.Decision, prices map[string]float64, execCtx broker.ExecutionContext) []string {
	return nil
}
func (b *nopBroker) MarkToMarket(ctx context.Context, prices map[string]float64) error { return nil }
func (b *nopBroker) ProcessPendingFeedback(ctx context.Context) error                  { return nil }
func (b *nopBroker) PortfolioSnapshot() *portfolio.Portfolio                           { return nil }
func (b *nopBroker) Close() error {
	b.closed = true
	return nil
}

func countingFactory(built *[]*nopBroker) BrokerFactory {
	return func(mode Mode) (broker.Broker, error) {
		b := &nopBroker{mode: mode}
		*built = append(*built, b)
		return b, nil
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
		ok   bool
	}{
		{"simulator", ModeSimulator, true},
		{"simulated", ModeSimulator, true},
		{" PAPER ", ModePaper, true},
		{"okx_demo", ModePaper, true},
		{"okx_live", ModeLive, true},
		{"live", ModeLive, true},
		{"yolo", "", false},
		{"", "", false},
	}
	for _, tc := range tests {
		mode, err := ParseMode(tc.in)
		if tc.ok {
			require.NoError(t, err, tc.in)
			assert.Equal(t, tc.want, mode)
		} else {
			var verr *traderr.ValidationError
			require.ErrorAs(t, err, &verr, tc.in)
			assert.Equal(t, "mode", verr.Field)
		}
	}
}

func TestController_SetModePersists(t *testing.T) {
	store := &memorySettings{}
	var built []*nopBroker
	c := NewController(ModeSimulator, store, countingFactory(&built), nil)

	mode, err := c.SetMode(context.Background(), "paper")
	require.NoError(t, err)
	assert.Equal(t, ModePaper, mode)
	assert.Equal(t, "paper", store.values["runtime_mode"])
	assert.True(t, c.Persistent())
}

func TestController_SetModeRejectsInvalid(t *testing.T) {
	c := NewController(ModeSimulator, nil, nil, nil)
	_, err := c.SetMode(context.Background(), "turbo")
	require.Error(t, err)
	assert.Equal(t, ModeSimulator, c.Mode(), "mode unchanged on invalid input")
}

func TestController_PersistFailureKeepsMode(t *testing.T) {
	store := &memorySettings{setErr: fmt.Errorf("db down")}
	c := NewController(ModeSimulator, store, nil, nil)

	_, err := c.SetMode(context.Background(), "live")
	require.Error(t, err)
	assert.Equal(t, ModeSimulator, c.Mode())
}

func TestController_Restore(t *testing.T) {
	store := &memorySettings{values: map[string]string{"runtime_mode": "live"}}
	c := NewController(ModeSimulator, store, nil, nil)

	require.NoError(t, c.Restore(context.Background()))
	assert.Equal(t, ModeLive, c.Mode())
}

func TestController_RestoreIgnoresGarbage(t *testing.T) {
	store := &memorySettings{values: map[string]string{"runtime_mode": "turbo"}}
	c := NewController(ModePaper, store, nil, nil)

	require.NoError(t, c.Restore(context.Background()))
	assert.Equal(t, ModePaper, c.Mode())
}

func TestController_BrokerRebuildsOnModeSwitch(t *testing.T) {
	var built []*nopBroker
	c := NewController(ModeSimulator, nil, countingFactory(&built), nil)

	first, err := c.Broker()
	require.NoError(t, err)
	again, err := c.Broker()
	require.NoError(t, err)
	assert.Same(t, first, again, "broker is cached while the mode is stable")
	require.Len(t, built, 1)
	assert.Equal(t, ModeSimulator, built[0].mode)

	_, err = c.SetMode(context.Background(), "paper")
	require.NoError(t, err)
	second, err := c.Broker()
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	require.Len(t, built, 2)
	assert.Equal(t, ModePaper, built[1].mode)
	assert.True(t, built[0].closed, "previous broker is closed on rebuild")
}

func TestController_Close(t *testing.T) {
	var built []*nopBroker
	c := NewController(ModeSimulator, nil, countingFactory(&built), nil)

	_, err := c.Broker()
	require.NoError(t, err)
	require.NoError(t, c.Close())
	assert.True(t, built[0].closed)
	require.NoError(t, c.Close(), "idempotent")
}
