// Package feedback implements the self-improvement loop: closed trades are
// critiqued by the LLM, distilled into short decision rules, validated,
// deduplicated and persisted for injection into future prompts.
package feedback

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/quantfold/autotrade/internal/llm"
	zaplogrus "github.com/quantfold/autotrade/internal/logging/zaplogrus"
	"github.com/quantfold/autotrade/internal/traderr"
)

// Rule categories.
const (
	RuleTypeEntry          = "entry"
	RuleTypeExit           = "exit"
	RuleTypeRiskManagement = "risk_management"
	RuleTypePositionSizing = "position_sizing"
)

// TradeOutcome is one realized trade fed into the loop. ID is nil when the
// outcome was not persisted (simulator mode).
type TradeOutcome struct {
	ID              *uuid.UUID  `json:"id,omitempty"`
	Symbol          string      `json:"symbol"`
	Action          string      `json:"action"`
	EntryPrice      float64     `json:"entry_price"`
	ExitPrice       float64     `json:"exit_price"`
	PnLPct          float64     `json:"pnl_pct"`
	PnLUSD          float64     `json:"pnl_usd"`
	Rationale       string      `json:"rationale"`
	RuleIDs         []uuid.UUID `json:"rule_ids,omitempty"`
	DurationSeconds int         `json:"duration_seconds"`
}

// LearnedRule is one self-generated decision rule.
type LearnedRule struct {
	ID                 *uuid.UUID `json:"id,omitempty"`
	RuleText           string     `json:"rule_text"`
	RuleType           string     `json:"rule_type"`
	SourceTradeID      *uuid.UUID `json:"source_trade_id,omitempty"`
	Critique           string     `json:"critique"`
	Confidence         float64    `json:"confidence"`
	EffectivenessScore float64    `json:"effectiveness_score"`
	TimesApplied       int        `json:"times_applied"`
	Active             bool       `json:"active"`
}

// RuleStore is the persistence surface the engine needs. A nil store keeps
// the loop running without persistence.
type RuleStore interface {
	SaveLearnedRule(ctx context.Context, ruleText, ruleType string, sourceTradeID *uuid.UUID, critique string, metadata map[string]interface{}) (*uuid.UUID, error)
	FetchActiveRules(ctx context.Context, limit int) ([]LearnedRule, error)
}

// EngineConfig bounds rule generation.
type EngineConfig struct {
	MaxRulesInPrompt   int
	MaxHistoryTrades   int
	MinRuleLength      int
	MaxRuleLength      int
	DuplicateThreshold float64
	DedupFetchLimit    int
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxRulesInPrompt:   8,
		MaxHistoryTrades:   5,
		MinRuleLength:      10,
		MaxRuleLength:      200,
		DuplicateThreshold: 0.7,
		DedupFetchLimit:    50,
	}
}

// Engine turns closed trades into validated, deduplicated rules. Every
// failure is logged and swallowed; the loop never breaks a trading cycle.
type Engine struct {
	llm    llm.ChatLLM
	store  RuleStore
	config EngineConfig
	logger *zaplogrus.Logger
}

func NewEngine(chat llm.ChatLLM, store RuleStore, cfg EngineConfig, logger *zaplogrus.Logger) *Engine {
	if cfg.MinRuleLength == 0 {
		cfg.MinRuleLength = 10
	}
	if cfg.MaxRuleLength == 0 {
		cfg.MaxRuleLength = 200
	}
	if cfg.DuplicateThreshold == 0 {
		cfg.DuplicateThreshold = 0.7
	}
	if cfg.DedupFetchLimit == 0 {
		cfg.DedupFetchLimit = 50
	}
	if cfg.MaxRulesInPrompt == 0 {
		cfg.MaxRulesInPrompt = 8
	}
	if cfg.MaxHistoryTrades == 0 {
		cfg.MaxHistoryTrades = 5
	}
	if logger == nil {
		logger = zaplogrus.New()
	}
	return &Engine{llm: chat, store: store, config: cfg, logger: logger}
}

// ProcessClosedTrade runs the full cycle: critique, rule generation,
// validation, dedup, classification, persistence. Returns nil when any step
// declines the rule.
func (e *Engine) ProcessClosedTrade(ctx context.Context, outcome TradeOutcome) *LearnedRule {
	e.logger.WithFields(zaplogrus.Fields{
		"symbol":  outcome.Symbol,
		"action":  outcome.Action,
		"pnl_pct": fmt.Sprintf("%.2f", outcome.PnLPct),
	}).Info("Processing trade feedback")

	critique := e.generateCritique(ctx, outcome)

	ruleText, err := e.generateRule(ctx, outcome, critique)
	if err != nil || ruleText == "" {
		e.logger.WithError(err).Info("No rule generated")
		return nil
	}
	if !ValidateRule(ruleText) {
		e.logger.WithField("rule", ruleText).Warn("Rule validation failed")
		return nil
	}
	if e.isDuplicate(ctx, ruleText) {
		e.logger.WithField("rule", ruleText).Info("Rule rejected as duplicate")
		return nil
	}

	ruleType := ClassifyRule(ruleText)

	var ruleID *uuid.UUID
	if e.store != nil {
		ruleID, err = e.store.SaveLearnedRule(ctx, ruleText, ruleType, outcome.ID, critique, map[string]interface{}{
			"pnl_pct":          outcome.PnLPct,
			"symbol":           outcome.Symbol,
			"action":           outcome.Action,
			"duration_seconds": outcome.DurationSeconds,
		})
		if err != nil {
			e.logger.WithError(&traderr.FeedbackError{Stage: "persist_rule", Err: err}).Error("Failed to persist rule")
			ruleID = nil
		}
	}

	e.logger.WithFields(zaplogrus.Fields{
		"rule_type": ruleType,
		"rule":      ruleText,
		"persisted": ruleID != nil,
	}).Info("New rule generated")

	return &LearnedRule{
		ID:            ruleID,
		RuleText:      ruleText,
		RuleType:      ruleType,
		SourceTradeID: outcome.ID,
		Critique:      critique,
		Confidence:    0.5,
		Active:        true,
	}
}

// ActiveRules returns up to MaxRulesInPrompt active rules for prompt
// injection. Empty without a store.
func (e *Engine) ActiveRules(ctx context.Context) []LearnedRule {
	if e.store == nil {
		return nil
	}
	rules, err := e.store.FetchActiveRules(ctx, e.config.MaxRulesInPrompt)
	if err != nil {
		e.logger.WithError(err).Warn("Failed to fetch active rules")
		return nil
	}
	return rules
}

func (e *Engine) generateCritique(ctx context.Context, outcome TradeOutcome) string {
	resultLabel := "LOSS"
	outcomeVerb := "lose"
	if outcome.PnLPct > 0 {
		resultLabel = "SUCCESS"
		outcomeVerb = "win"
	}
	prompt := fmt.Sprintf(`Analyze this completed trade and provide a concise critique (1-2 sentences):

Trade Details:
- Symbol: %s
- Action: %s
- Entry: $%.2f
- Exit: $%.2f
- PnL: %+.2f%%
- Duration: %d minutes
- Original Rationale: %s

Result: %s

Why did this trade %s? Be specific and actionable.

Critique:`,
		outcome.Symbol, outcome.Action, outcome.EntryPrice, outcome.ExitPrice,
		outcome.PnLPct, outcome.DurationSeconds/60, outcome.Rationale,
		resultLabel, outcomeVerb)

	critique, err := e.complete(ctx, prompt)
	if err != nil || len(strings.TrimSpace(critique)) < e.config.MinRuleLength {
		return fmt.Sprintf("Trade resulted in %+.2f%% PnL. Original rationale: %s", outcome.PnLPct, outcome.Rationale)
	}
	return strings.TrimSpace(critique)
}

func (e *Engine) generateRule(ctx context.Context, outcome TradeOutcome, critique string) (string, error) {
	focus := "avoiding this mistake in the future"
	if outcome.PnLPct > 0 {
		focus = "reinforcing what made this trade successful"
	}
	prompt := fmt.Sprintf(`Based on this trade critique, write ONE new decision rule to improve future trading.

Critique: %s

Trade Context:
- Symbol: %s
- PnL: %+.2f%%
- Action: %s

Requirements:
- Be specific and actionable
- Start with a verb (e.g., "Avoid", "Only", "Require", "Never", "Always")
- Keep under 30 words
- Focus on %s

New Rule:`,
		critique, outcome.Symbol, outcome.PnLPct, outcome.Action, focus)

	rule, err := e.complete(ctx, prompt)
	if err != nil {
		return "", &traderr.FeedbackError{Stage: "generate_rule", Err: err}
	}
	rule = strings.TrimSpace(rule)
	for _, prefix := range []string{"New Rule:", "Rule:", "Decision Rule:"} {
		rule = strings.TrimSpace(strings.TrimPrefix(rule, prefix))
	}
	if len(rule) < e.config.MinRuleLength || len(rule) > e.config.MaxRuleLength {
		return "", nil
	}
	return rule, nil
}

func (e *Engine) complete(ctx context.Context, prompt string) (string, error) {
	if e.llm == nil {
		return "", fmt.Errorf("no llm client configured")
	}
	reply, err := e.llm.Complete(ctx, []llm.Message{{Role: "user", Content: prompt}}, nil)
	if err != nil {
		return "", err
	}
	return reply.Content, nil
}

// isDuplicate fails open: if the rule history cannot be read, the candidate
// is allowed through.
func (e *Engine) isDuplicate(ctx context.Context, candidate string) bool {
	if e.store == nil {
		return false
	}
	existing, err := e.store.FetchActiveRules(ctx, e.config.DedupFetchLimit)
	if err != nil {
		e.logger.WithError(err).Warn("Duplicate check failed, allowing rule")
		return false
	}
	for _, rule := range existing {
		if textSimilarity(candidate, rule.RuleText) > e.config.DuplicateThreshold {
			return true
		}
	}
	return false
}

var actionVerbs = []string{
	"avoid", "only", "require", "never", "always", "when", "if",
	"unless", "must", "should", "enter", "exit", "close", "hold",
	"reduce", "increase", "limit", "set", "use", "wait", "skip",
}

var vagueMarkers = []string{
	"maybe", "try to", "might want", "could be",
	"perhaps", "possibly", "potentially", "think about",
}

// ValidateRule checks that a candidate rule is imperative and concrete:
// bounded length, at least one actionable verb, no vague markers, "consider"
// only inside a conditional, and not a bare trailing-period statement.
func ValidateRule(ruleText string) bool {
	if len(ruleText) < 10 || len(ruleText) > 200 {
		return false
	}
	lower := strings.ToLower(ruleText)

	hasVerb := false
	for _, verb := range actionVerbs {
		if strings.Contains(lower, verb) {
			hasVerb = true
			break
		}
	}
	if !hasVerb {
		return false
	}
	for _, marker := range vagueMarkers {
		if strings.Contains(lower, marker) {
			return false
		}
	}
	if strings.Contains(lower, "consider") {
		// Conditional keywords match whole words only; "profit" must not
		// satisfy the check by containing "if".
		words := strings.FieldsFunc(lower, func(r rune) bool {
			return !unicode.IsLetter(r)
		})
		conditional := false
		for _, word := range words {
			switch word {
			case "if", "when", "unless", "after":
				conditional = true
			}
		}
		if !conditional {
			return false
		}
	}
	if strings.HasSuffix(ruleText, ".") {
		head := lower
		if len(head) > 20 {
			head = head[:20]
		}
		headHasVerb := false
		for _, verb := range actionVerbs {
			if strings.Contains(head, verb) {
				headHasVerb = true
				break
			}
		}
		if !headHasVerb {
			return false
		}
	}
	return true
}

func containsAny(text string, words []string) bool {
	for _, word := range words {
		if strings.Contains(text, word) {
			return true
		}
	}
	return false
}

// ClassifyRule buckets a rule by keyword, most specific category first.
func ClassifyRule(ruleText string) string {
	lower := strings.ToLower(ruleText)

	if containsAny(lower, []string{"stop loss", "stop-loss", "drawdown", "risk more", "invalidation", "protect", "hedge"}) {
		return RuleTypeRiskManagement
	}
	if containsAny(lower, []string{"exit", "close position", "close all", "take profit", "tp", "scale out", "lock in", "trail"}) {
		return RuleTypeExit
	}
	if containsAny(lower, []string{"size", "position size", "allocation", "capital", "exposure", "leverage", "quantity"}) &&
		!containsAny(lower, []string{"exit", "close"}) {
		return RuleTypePositionSizing
	}
	if strings.Contains(lower, "%") || strings.Contains(lower, "percent") {
		switch {
		case containsAny(lower, []string{"gain", "profit", "reaches"}):
			return RuleTypeExit
		case containsAny(lower, []string{"risk", "loss", "stop"}):
			return RuleTypeRiskManagement
		default:
			return RuleTypePositionSizing
		}
	}
	return RuleTypeEntry
}

// textSimilarity is the word-set Jaccard index over lowercased whitespace
// tokens.
func textSimilarity(a, b string) float64 {
	wordsA := tokenSet(a)
	wordsB := tokenSet(b)

	union := make(map[string]struct{}, len(wordsA)+len(wordsB))
	for w := range wordsA {
		union[w] = struct{}{}
	}
	for w := range wordsB {
		union[w] = struct{}{}
	}
	if len(union) == 0 {
		return 0
	}
	intersection := 0
	for w := range wordsA {
		if _, ok := wordsB[w]; ok {
			intersection++
		}
	}
	return float64(intersection) / float64(len(union))
}

// tokenSet splits on whitespace and drops tokens with no letters or digits,
// so operators like ">" do not dilute the similarity score.
func tokenSet(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, word := range strings.Fields(strings.ToLower(text)) {
		if !strings.ContainsFunc(word, func(r rune) bool {
			return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		}) {
			continue
		}
		out[word] = struct{}{}
	}
	return out
}
