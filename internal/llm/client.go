package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	zaplogrus "github.com/quantfold/autotrade/internal/logging/zaplogrus"
	"github.com/quantfold/autotrade/internal/traderr"
)

const (
	defaultBaseURL     = "https://api.deepseek.com"
	defaultModel       = "deepseek-chat"
	defaultTemperature = 0.2
	defaultTimeout     = 120 * time.Second
)

// Message is one chat turn in the OpenAI-compatible wire format.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition describes one callable tool to the model.
type ToolDefinition struct {
	Name        string
	Description string
}

// ChatLLM is the completion contract the agent loop drives.
type ChatLLM interface {
	Complete(ctx context.Context, messages []Message, tools []ToolDefinition) (*Message, error)
}

// ClientConfig configures the DeepSeek-compatible chat client.
type ClientConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	Timeout     time.Duration
	MaxRetries  int
	Backoff     time.Duration
	BackoffMax  time.Duration
}

// Client talks to an OpenAI-compatible chat completions endpoint.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	logger     *zaplogrus.Logger
}

func NewClient(cfg ClientConfig, logger *zaplogrus.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, &traderr.ConfigError{Key: "llm.api_key", Reason: "is required"}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = defaultTemperature
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 3
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = time.Second
	}
	if logger == nil {
		logger = zaplogrus.New()
	}
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}, nil
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []Message     `json:"messages"`
	Temperature float64       `json:"temperature"`
	Tools       []wireToolDef `json:"tools,omitempty"`
}

type wireToolDef struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Every tool takes a single symbol argument.
var symbolParamsSchema = json.RawMessage(`{"type":"object","properties":{"symbol":{"type":"string","description":"Trading symbol, e.g. BTC-USDT-SWAP"}},"required":["symbol"]}`)

type chatResponse struct {
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Complete sends one chat completion request with capped-backoff retries.
func (c *Client) Complete(ctx context.Context, messages []Message, tools []ToolDefinition) (*Message, error) {
	request := chatRequest{
		Model:       c.config.Model,
		Messages:    messages,
		Temperature: c.config.Temperature,
	}
	for _, tool := range tools {
		request.Tools = append(request.Tools, wireToolDef{
			Type: "function",
			Function: wireFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  symbolParamsSchema,
			},
		})
	}

	payload, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	delay := c.config.Backoff
	var lastErr error
	for attempt := 1; attempt <= c.config.MaxRetries; attempt++ {
		message, err := c.send(ctx, payload)
		if err == nil {
			return message, nil
		}
		lastErr = err
		if attempt == c.config.MaxRetries {
			break
		}
		sleepFor := time.Duration(float64(delay) * (0.5 + rand.Float64()))
		if c.config.BackoffMax > 0 && sleepFor > c.config.BackoffMax {
			sleepFor = c.config.BackoffMax
		}
		c.logger.WithError(err).WithFields(zaplogrus.Fields{
			"attempt": attempt,
			"sleep":   sleepFor.String(),
		}).Warn("LLM request failed, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleepFor):
		}
		delay *= 2
		if c.config.BackoffMax > 0 && delay > c.config.BackoffMax {
			delay = c.config.BackoffMax
		}
	}
	return nil, &traderr.TransientIOError{Op: "chat_completion", Err: lastErr}
}

func (c *Client) send(ctx context.Context, payload []byte) (*Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("llm http %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("invalid llm response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("llm error (%s): %s", parsed.Error.Type, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("llm response contained no choices")
	}
	return &parsed.Choices[0].Message, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
