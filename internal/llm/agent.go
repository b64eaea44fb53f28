package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	zaplogrus "github.com/quantfold/autotrade/internal/logging/zaplogrus"
	"github.com/quantfold/autotrade/internal/traderr"
)

// SystemPrompt is the standing instruction for the portfolio-manager agent.
const SystemPrompt = "You are AutoTrader, an LLM portfolio manager. Use the available tools to gather the latest " +
	"market data and technical indicators for each symbol before making any decisions. " +
	"ALWAYS call `live_market_data` and `indicator_calculator` for every symbol you evaluate. " +
	"After you finish reasoning, respond with ONLY a JSON array of decisions matching the schema:\n" +
	`  [{"symbol": "BTC-USD", "action": "HOLD|CLOSE|BUY|SELL|NO_ENTRY", "quantity": 0.0, ` +
	`"size_pct": 0.0, "leverage": 1.0, "confidence": 0.65, "stop_loss": 0.0, "take_profit": 0.0, ` +
	`"max_slippage_bps": 25, "invalidation_condition": "string", "rationale": "string"}]` + "\n" +
	"IMPORTANT: confidence must be a decimal between 0.0 and 1.0 (e.g., 0.65 for 65% confidence, NOT 65.0)\n" +
	"IMPORTANT: leverage should be between 1.0 and 10.0 based on confidence (higher confidence = higher leverage)\n" +
	"IMPORTANT: You MUST return a decision for EVERY symbol in the portfolio.\n" +
	"  - Use 'BUY' when opening a new position (no existing position + strong signal)\n" +
	"  - Use 'SELL' when opening a short position (if supported)\n" +
	"  - Use 'HOLD' when maintaining an existing position\n" +
	"  - Use 'CLOSE' when closing an existing position\n" +
	"  - Use 'NO_ENTRY' when no position exists AND entry conditions are not met (weak signal, insufficient confidence, etc.)\n" +
	"Always include the latest invalidation_condition for every symbol (for HOLD actions, reuse it from the input data).\n" +
	"Do not include any extra keys. If a field is not applicable, omit it."

// ToolExecutor runs agent-requested tools. The tools package implements it.
type ToolExecutor interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name, symbol string) (string, error)
}

// ToolInvocation records one tool round trip for the audit trail.
type ToolInvocation struct {
	Tool     string `json:"tool"`
	Symbol   string `json:"symbol"`
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

// AgentResult is the outcome of one full agent run.
type AgentResult struct {
	Decisions       []Decision
	RawJSON         string
	ChainOfThought  string
	ToolInvocations []ToolInvocation
	Messages        []Message
}

// ToolPayloadJSON serializes the tool trace, or nil when no tools ran.
func (r *AgentResult) ToolPayloadJSON() *string {
	if len(r.ToolInvocations) == 0 {
		return nil
	}
	payload, err := json.Marshal(r.ToolInvocations)
	if err != nil {
		return nil
	}
	s := string(payload)
	return &s
}

// Agent runs the tool-calling loop: completions alternate with tool
// executions until the model emits its final decision array.
type Agent struct {
	llm          ChatLLM
	tools        ToolExecutor
	systemPrompt string
	maxToolLoops int
	logger       *zaplogrus.Logger
}

func NewAgent(llm ChatLLM, tools ToolExecutor, systemPrompt string, maxToolLoops int, logger *zaplogrus.Logger) *Agent {
	if systemPrompt == "" {
		systemPrompt = SystemPrompt
	}
	if maxToolLoops <= 0 {
		maxToolLoops = 8
	}
	if logger == nil {
		logger = zaplogrus.New()
	}
	return &Agent{
		llm:          llm,
		tools:        tools,
		systemPrompt: systemPrompt,
		maxToolLoops: maxToolLoops,
		logger:       logger,
	}
}

// Run drives the loop for one user payload. Tool failures are reported back
// to the model as tool messages rather than aborting the run.
func (a *Agent) Run(ctx context.Context, userPayload string) (*AgentResult, error) {
	messages := []Message{
		{Role: "system", Content: a.systemPrompt},
		{Role: "user", Content: userPayload},
	}
	var definitions []ToolDefinition
	if a.tools != nil {
		definitions = a.tools.Definitions()
	}

	result := &AgentResult{}
	var reasoning []string
	for loop := 0; loop < a.maxToolLoops; loop++ {
		reply, err := a.llm.Complete(ctx, messages, definitions)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *reply)

		if len(reply.ToolCalls) == 0 {
			parsed, err := ParseDecisions(reply.Content)
			if err != nil {
				return nil, err
			}
			result.Decisions = parsed.Decisions
			result.RawJSON = parsed.RawJSON
			// Reasoning is the assistant text produced before the final
			// decision array; the decision JSON itself is not reasoning.
			result.ChainOfThought = strings.Join(reasoning, "\n\n")
			result.Messages = messages
			a.attachChainOfThought(result)
			return result, nil
		}

		if trimmed := strings.TrimSpace(reply.Content); trimmed != "" {
			reasoning = append(reasoning, trimmed)
		}
		for _, call := range reply.ToolCalls {
			toolMsg := a.executeToolCall(ctx, call, result)
			messages = append(messages, toolMsg)
		}
	}
	return nil, &traderr.ValidationError{
		Field:  "agent",
		Reason: fmt.Sprintf("no final decision after %d tool loops", a.maxToolLoops),
	}
}

func (a *Agent) executeToolCall(ctx context.Context, call ToolCall, result *AgentResult) Message {
	symbol := parseSymbolArgument(call.Function.Arguments)
	invocation := ToolInvocation{Tool: call.Function.Name, Symbol: symbol}

	var content string
	if a.tools == nil {
		content = "tool execution is not available"
		invocation.Error = content
	} else {
		output, err := a.tools.Execute(ctx, call.Function.Name, symbol)
		if err != nil {
			content = fmt.Sprintf("tool error: %v", err)
			invocation.Error = err.Error()
			a.logger.WithError(err).WithFields(zaplogrus.Fields{
				"tool":   call.Function.Name,
				"symbol": symbol,
			}).Warn("Tool execution failed")
		} else {
			content = output
			invocation.Response = output
		}
	}
	result.ToolInvocations = append(result.ToolInvocations, invocation)

	return Message{
		Role:       "tool",
		Content:    content,
		ToolCallID: call.ID,
		Name:       call.Function.Name,
	}
}

// attachChainOfThought copies the run-level reasoning onto decisions that
// did not carry their own.
func (a *Agent) attachChainOfThought(result *AgentResult) {
	if strings.TrimSpace(result.ChainOfThought) == "" {
		return
	}
	for i := range result.Decisions {
		if result.Decisions[i].ChainOfThought == nil {
			cot := result.ChainOfThought
			result.Decisions[i].ChainOfThought = &cot
		}
	}
}

func parseSymbolArgument(arguments string) string {
	var args struct {
		Symbol string `json:"symbol"`
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return strings.TrimSpace(arguments)
	}
	return args.Symbol
}
