package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/autotrade/internal/traderr"
)

func f64(v float64) *float64 { return &v }

func TestExtractJSONBlock(t *testing.T) {
	block, err := ExtractJSONBlock("Here are my decisions:\n```json\n[{\"symbol\":\"BTC\"}]\n```\nDone.")
	require.NoError(t, err)
	assert.Equal(t, `[{"symbol":"BTC"}]`, block)

	_, err = ExtractJSONBlock("no array here")
	var verr *traderr.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "completion", verr.Field)

	_, err = ExtractJSONBlock("] backwards [")
	require.Error(t, err)
}

func TestParseDecisions(t *testing.T) {
	raw := `Reasoning first.
[
  {"symbol": "btc-usd", "action": "BUY", "size_pct": 10, "leverage": 5, "confidence": 0.72,
   "stop_loss": 48000, "take_profit": 56000, "max_slippage_bps": 25,
   "rationale": "momentum", "invalidation_condition": "close below 48000"},
  {"symbol": "ETH-USD", "action": "NO_ENTRY"}
]`
	result, err := ParseDecisions(raw)
	require.NoError(t, err)
	require.Len(t, result.Decisions, 2)

	first := result.Decisions[0]
	assert.Equal(t, "BTC-USD", first.Symbol, "symbols are upper-cased")
	assert.Equal(t, ActionBuy, first.Action)
	assert.Equal(t, 10.0, first.SizePctOr(0))
	assert.Equal(t, 0.72, first.ConfidenceOr(0))
	assert.Equal(t, "momentum", first.RationaleOr(""))
	require.NotNil(t, first.MaxSlippageBps)
	assert.Equal(t, 25, *first.MaxSlippageBps)

	second := result.Decisions[1]
	assert.Equal(t, ActionNoEntry, second.Action)
	assert.Nil(t, second.Quantity)
	assert.Equal(t, 0.6, second.ConfidenceOr(0.6), "fallback used when absent")
}

func TestParseDecisions_InvalidJSON(t *testing.T) {
	_, err := ParseDecisions(`[{"symbol": "BTC", "action":}]`)
	var verr *traderr.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "completion", verr.Field)
}

func TestDecisionValidate(t *testing.T) {
	tests := []struct {
		name      string
		decision  Decision
		wantField string
	}{
		{"valid hold", Decision{Symbol: "BTC-USD", Action: ActionHold}, ""},
		{"empty symbol", Decision{Action: ActionHold}, "symbol"},
		{"unknown action", Decision{Symbol: "BTC-USD", Action: "SHORT"}, "action"},
		{"size above 100", Decision{Symbol: "BTC-USD", Action: ActionBuy, SizePct: f64(120)}, "size_pct"},
		{"negative size", Decision{Symbol: "BTC-USD", Action: ActionBuy, SizePct: f64(-1)}, "size_pct"},
		{"leverage below 1", Decision{Symbol: "BTC-USD", Action: ActionBuy, Leverage: f64(0.5)}, "leverage"},
		{"leverage above 20", Decision{Symbol: "BTC-USD", Action: ActionBuy, Leverage: f64(25)}, "leverage"},
		{"confidence above 1", Decision{Symbol: "BTC-USD", Action: ActionBuy, Confidence: f64(65)}, "confidence"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.decision.Validate()
			if tc.wantField == "" {
				assert.NoError(t, err)
				return
			}
			var verr *traderr.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.wantField, verr.Field)
		})
	}
}

func TestDecisionValidate_NormalizesSymbol(t *testing.T) {
	d := Decision{Symbol: "  eth-usd ", Action: ActionClose}
	require.NoError(t, d.Validate())
	assert.Equal(t, "ETH-USD", d.Symbol)
}
