// Package llm contains the chat-completion client, the agent loop and the
// decision payload schema the agent must produce.
package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/quantfold/autotrade/internal/traderr"
)

// DecisionAction is the per-symbol verdict of one evaluation cycle.
type DecisionAction string

const (
	ActionHold    DecisionAction = "HOLD"
	ActionClose   DecisionAction = "CLOSE"
	ActionBuy     DecisionAction = "BUY"
	ActionSell    DecisionAction = "SELL"
	ActionNoEntry DecisionAction = "NO_ENTRY"
)

var validActions = map[DecisionAction]struct{}{
	ActionHold:    {},
	ActionClose:   {},
	ActionBuy:     {},
	ActionSell:    {},
	ActionNoEntry: {},
}

// Decision is one structured trading decision emitted by the agent.
// Optional fields stay nil when the model omitted them.
type Decision struct {
	Symbol                string         `json:"symbol"`
	Action                DecisionAction `json:"action"`
	Quantity              *float64       `json:"quantity,omitempty"`
	SizePct               *float64       `json:"size_pct,omitempty"`
	Leverage              *float64       `json:"leverage,omitempty"`
	Confidence            *float64       `json:"confidence,omitempty"`
	StopLoss              *float64       `json:"stop_loss,omitempty"`
	TakeProfit            *float64       `json:"take_profit,omitempty"`
	MaxSlippageBps        *int           `json:"max_slippage_bps,omitempty"`
	Rationale             *string        `json:"rationale,omitempty"`
	InvalidationCondition *string        `json:"invalidation_condition,omitempty"`
	ChainOfThought        *string        `json:"chain_of_thought,omitempty"`
}

// Validate normalizes the symbol and checks the bounded fields. The first
// violation is returned as a ValidationError.
func (d *Decision) Validate() error {
	d.Symbol = strings.ToUpper(strings.TrimSpace(d.Symbol))
	if d.Symbol == "" {
		return &traderr.ValidationError{Field: "symbol", Reason: "must be non-empty"}
	}
	if _, ok := validActions[d.Action]; !ok {
		return &traderr.ValidationError{Field: "action", Reason: fmt.Sprintf("unknown action %q", d.Action)}
	}
	if d.SizePct != nil && (*d.SizePct < 0 || *d.SizePct > 100) {
		return &traderr.ValidationError{Field: "size_pct", Reason: "must be in [0, 100]"}
	}
	if d.Leverage != nil && (*d.Leverage < 1 || *d.Leverage > 20) {
		return &traderr.ValidationError{Field: "leverage", Reason: "must be in [1, 20]"}
	}
	if d.Confidence != nil && (*d.Confidence < 0 || *d.Confidence > 1) {
		return &traderr.ValidationError{Field: "confidence", Reason: "must be in [0, 1]"}
	}
	if d.MaxSlippageBps != nil && *d.MaxSlippageBps < 0 {
		return &traderr.ValidationError{Field: "max_slippage_bps", Reason: "must be >= 0"}
	}
	return nil
}

// ConfidenceOr returns the confidence or the fallback when absent.
func (d *Decision) ConfidenceOr(fallback float64) float64 {
	if d.Confidence == nil {
		return fallback
	}
	return *d.Confidence
}

// SizePctOr returns the size percentage or the fallback when absent.
func (d *Decision) SizePctOr(fallback float64) float64 {
	if d.SizePct == nil {
		return fallback
	}
	return *d.SizePct
}

// RationaleOr returns the rationale or the fallback when absent.
func (d *Decision) RationaleOr(fallback string) string {
	if d.Rationale == nil {
		return fallback
	}
	return *d.Rationale
}

// DecisionResult is the parsed outcome of one agent completion.
type DecisionResult struct {
	Decisions []Decision
	RawJSON   string
}

// ExtractJSONBlock isolates the JSON array inside a completion that may be
// wrapped in prose or code fences: everything from the first '[' through the
// last ']'.
func ExtractJSONBlock(text string) (string, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start == -1 || end == -1 || end < start {
		return "", &traderr.ValidationError{Field: "completion", Reason: "no JSON array found"}
	}
	return text[start : end+1], nil
}

// ParseDecisions extracts and validates the decision array from a raw
// completion.
func ParseDecisions(text string) (*DecisionResult, error) {
	block, err := ExtractJSONBlock(text)
	if err != nil {
		return nil, err
	}
	var decisions []Decision
	if err := json.Unmarshal([]byte(block), &decisions); err != nil {
		return nil, &traderr.ValidationError{Field: "completion", Reason: fmt.Sprintf("invalid decision JSON: %v", err)}
	}
	for i := range decisions {
		if err := decisions[i].Validate(); err != nil {
			return nil, err
		}
	}
	return &DecisionResult{Decisions: decisions, RawJSON: block}, nil
}
