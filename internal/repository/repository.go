// Package repository is the Postgres persistence layer: decision logs with
// content-addressed prompt blobs, trade outcomes, learned rules, runtime
// settings and portfolio snapshots. Every caller treats the repository as
// optional; a nil *Repository disables persistence.
package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantfold/autotrade/internal/feedback"
	zaplogrus "github.com/quantfold/autotrade/internal/logging/zaplogrus"
	"github.com/quantfold/autotrade/internal/portfolio"
	"github.com/quantfold/autotrade/internal/traderr"
)

// DB is the pool subset the repository uses. pgxpool.Pool satisfies it in
// production and pgxmock satisfies it in tests.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Repository wraps the connection pool with the domain queries.
type Repository struct {
	db     DB
	logger *zaplogrus.Logger
}

// New connects a pool and verifies the connection.
func New(ctx context.Context, databaseURL string, logger *zaplogrus.Logger) (*Repository, error) {
	if databaseURL == "" {
		return nil, &traderr.ConfigError{Key: "database.url", Reason: "is required"}
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if logger == nil {
		logger = zaplogrus.New()
	}
	logger.Info("Connected to Postgres")
	return &Repository{db: pool, logger: logger}, nil
}

// NewFromDB wraps an existing pool; used by tests with pgxmock.
func NewFromDB(db DB, logger *zaplogrus.Logger) *Repository {
	if logger == nil {
		logger = zaplogrus.New()
	}
	return &Repository{db: db, logger: logger}
}

func (r *Repository) Ping(ctx context.Context) error { return r.db.Ping(ctx) }

func (r *Repository) Close() { r.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS llm_prompt_payloads (
	id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	storage_uri TEXT NOT NULL,
	sha256 TEXT NOT NULL,
	payload_type TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS llm_decision_logs (
	id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	portfolio_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	action TEXT NOT NULL,
	size_pct DOUBLE PRECISION,
	confidence DOUBLE PRECISION,
	rationale TEXT,
	prompt_ref UUID REFERENCES llm_prompt_payloads(id),
	cot_ref UUID REFERENCES llm_prompt_payloads(id),
	tool_payload_json TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS trade_outcomes (
	id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	symbol TEXT NOT NULL,
	action TEXT NOT NULL,
	entry_price DOUBLE PRECISION NOT NULL,
	exit_price DOUBLE PRECISION NOT NULL,
	pnl_usd DOUBLE PRECISION NOT NULL,
	pnl_pct DOUBLE PRECISION NOT NULL,
	rationale TEXT,
	duration_seconds INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS learned_rules (
	id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	rule_text TEXT NOT NULL,
	rule_type TEXT NOT NULL,
	source_trade_id UUID,
	critique TEXT,
	metadata JSONB,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	effectiveness_score DOUBLE PRECISION NOT NULL DEFAULT 0.5,
	times_applied INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS rule_applications (
	id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	rule_id UUID NOT NULL REFERENCES learned_rules(id),
	decision_id UUID,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS runtime_settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS auto_portfolios (
	portfolio_id TEXT PRIMARY KEY,
	starting_cash DOUBLE PRECISION NOT NULL,
	current_cash DOUBLE PRECISION NOT NULL,
	equity DOUBLE PRECISION NOT NULL,
	snapshot JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS closed_positions (
	id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	portfolio_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	quantity DOUBLE PRECISION NOT NULL,
	entry_price DOUBLE PRECISION NOT NULL,
	exit_price DOUBLE PRECISION NOT NULL,
	entry_timestamp TIMESTAMPTZ NOT NULL,
	exit_timestamp TIMESTAMPTZ NOT NULL,
	realized_pnl DOUBLE PRECISION NOT NULL,
	realized_pnl_pct DOUBLE PRECISION NOT NULL,
	leverage DOUBLE PRECISION NOT NULL,
	reason TEXT NOT NULL
);
`

// Migrate applies the idempotent schema.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// DecisionLogInput is one decision row to persist for a pipeline run.
type DecisionLogInput struct {
	Symbol     string
	Action     string
	SizePct    *float64
	Confidence *float64
	Rationale  *string
}

// DecisionLog is the stored view of one decision.
type DecisionLog struct {
	ID         uuid.UUID `json:"id"`
	Symbol     string    `json:"symbol"`
	Action     string    `json:"action"`
	SizePct    float64   `json:"size_pct"`
	Confidence float64   `json:"confidence"`
	Rationale  string    `json:"rationale"`
	CreatedAt  time.Time `json:"created_at"`
}

/// SaveDecisionLogs stores one pipeline run: the prompt and chain-of-thought
// as content-addressed payload rows, then one decision row each, all in one
// transaction. Returns the inserted decision ids in input order.
func (r *Repository) SaveDecisionLogs(ctx context.Context, portfolioID, runID string, decisions []DecisionLogInput, prompt, chainOfThought string, toolPayloadJSON *string) ([]uuid.UUID, error) {
	if len(decisions) == 0 {
		return nil, nil
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	promptRef, err := insertPromptPayload(ctx, tx, prompt, "prompt")
	if err != nil {
		return nil, err
	}
	cotRef, err := insertPromptPayload(ctx, tx, chainOfThought, "cot")
	if err != nil {
		return nil, err
	}

	ids := make([]uuid.UUID, 0, len(decisions))
	for _, d := range decisions {
		var id uuid.UUID
		err := tx.QueryRow(ctx,
			`INSERT INTO llm_decision_logs
				(portfolio_id, run_id, symbol, action, size_pct, confidence, rationale, prompt_ref, cot_ref, tool_payload_json)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 RETURNING id`,
			portfolioID, runID, d.Symbol, d.Action, d.SizePct, d.Confidence, d.Rationale, promptRef, cotRef, toolPayloadJSON,
		).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("failed to insert decision log: %w", err)
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit decision logs: %w", err)
	}
	return ids, nil
}

func insertPromptPayload(ctx context.Context, tx pgx.Tx, payload, payloadType string) (*uuid.UUID, error) {
	if payload == "" {
		return nil, nil
	}
	checksum := sha256.Sum256([]byte(payload))
	var id uuid.UUID
	err := tx.QueryRow(ctx,
		`INSERT INTO llm_prompt_payloads (storage_uri, sha256, payload_type)
		 VALUES ($1, $2, $3)
		 RETURNING id`,
		payload, hex.EncodeToString(checksum[:]), payloadType,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("failed to insert %s payload: %w", payloadType, err)
	}
	return &id, nil
}

// FetchDecisions lists decision logs, newest first, optionally filtered by
// symbol.
func (r *Repository) FetchDecisions(ctx context.Context, symbol string, limit int) ([]DecisionLog, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, symbol, action, COALESCE(size_pct, 0), COALESCE(confidence, 0), COALESCE(rationale, ''), created_at
		FROM llm_decision_logs`
	args := []any{}
	if symbol != "" {
		query += ` WHERE symbol = $1 ORDER BY created_at DESC LIMIT $2`
		args = append(args, symbol, limit)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var out []DecisionLog
	for rows.Next() {
		var d DecisionLog
		if err := rows.Scan(&d.ID, &d.Symbol, &d.Action, &d.SizePct, &d.Confidence, &d.Rationale, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// FetchDecisionByID returns one decision row; found is false when absent.
func (r *Repository) FetchDecisionByID(ctx context.Context, id uuid.UUID) (*DecisionLog, bool, error) {
	var d DecisionLog
	err := r.db.QueryRow(ctx,
		`SELECT id, symbol, action, COALESCE(size_pct, 0), COALESCE(confidence, 0), COALESCE(rationale, ''), created_at
		 FROM llm_decision_logs
		 WHERE id = $1`, id).
		Scan(&d.ID, &d.Symbol, &d.Action, &d.SizePct, &d.Confidence, &d.Rationale, &d.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read decision %s: %w", id, err)
	}
	return &d, true, nil
}

// SaveTradeOutcome implements feedback.OutcomeStore.
func (r *Repository) SaveTradeOutcome(ctx context.Context, outcome feedback.TradeOutcome) (*uuid.UUID, error) {
	var id uuid.UUID
	err := r.db.QueryRow(ctx,
		`INSERT INTO trade_outcomes (symbol, action, entry_price, exit_price, pnl_usd, pnl_pct, rationale, duration_seconds)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		outcome.Symbol, outcome.Action, outcome.EntryPrice, outcome.ExitPrice,
		outcome.PnLUSD, outcome.PnLPct, outcome.Rationale, outcome.DurationSeconds,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("failed to insert trade outcome: %w", err)
	}
	return &id, nil
}

// FetchRecentOutcomes lists realized trades, newest first, for the prompt's
// trade-history block.
func (r *Repository) FetchRecentOutcomes(ctx context.Context, limit int) ([]feedback.TradeOutcome, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := r.db.Query(ctx,
		`SELECT id, symbol, action, entry_price, exit_price, pnl_usd, pnl_pct, COALESCE(rationale, ''), duration_seconds
		 FROM trade_outcomes
		 ORDER BY created_at DESC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	var out []feedback.TradeOutcome
	for rows.Next() {
		var o feedback.TradeOutcome
		var id uuid.UUID
		if err := rows.Scan(&id, &o.Symbol, &o.Action, &o.EntryPrice, &o.ExitPrice, &o.PnLUSD, &o.PnLPct, &o.Rationale, &o.DurationSeconds); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		o.ID = &id
		out = append(out, o)
	}
	return out, rows.Err()
}

// SaveLearnedRule implements feedback.RuleStore.
func (r *Repository) SaveLearnedRule(ctx context.Context, ruleText, ruleType string, sourceTradeID *uuid.UUID, critique string, metadata map[string]interface{}) (*uuid.UUID, error) {
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rule metadata: %w", err)
	}
	var id uuid.UUID
	err = r.db.QueryRow(ctx,
		`INSERT INTO learned_rules (rule_text, rule_type, source_trade_id, critique, metadata)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		ruleText, ruleType, sourceTradeID, critique, metaJSON,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("failed to insert learned rule: %w", err)
	}
	return &id, nil
}

// FetchActiveRules implements feedback.RuleStore; newest rules first.
func (r *Repository) FetchActiveRules(ctx context.Context, limit int) ([]feedback.LearnedRule, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx,
		`SELECT id, rule_text, rule_type, source_trade_id, COALESCE(critique, ''), effectiveness_score, times_applied, active
		 FROM learned_rules
		 WHERE active
		 ORDER BY created_at DESC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query learned rules: %w", err)
	}
	defer rows.Close()

	var out []feedback.LearnedRule
	for rows.Next() {
		var rule feedback.LearnedRule
		var id uuid.UUID
		if err := rows.Scan(&id, &rule.RuleText, &rule.RuleType, &rule.SourceTradeID, &rule.Critique, &rule.EffectivenessScore, &rule.TimesApplied, &rule.Active); err != nil {
			return nil, fmt.Errorf("failed to scan learned rule: %w", err)
		}
		rule.ID = &id
		out = append(out, rule)
	}
	return out, rows.Err()
}

// RecordRuleApplication bumps the usage counter and logs the application.
func (r *Repository) RecordRuleApplication(ctx context.Context, ruleID uuid.UUID, decisionID *uuid.UUID) error {
	if _, err := r.db.Exec(ctx,
		`INSERT INTO rule_applications (rule_id, decision_id) VALUES ($1, $2)`,
		ruleID, decisionID); err != nil {
		return fmt.Errorf("failed to record rule application: %w", err)
	}
	if _, err := r.db.Exec(ctx,
		`UPDATE learned_rules SET times_applied = times_applied + 1 WHERE id = $1`,
		ruleID); err != nil {
		return fmt.Errorf("failed to bump rule counter: %w", err)
	}
	return nil
}

// DeactivateRule flips a rule off; rules are never deleted.
func (r *Repository) DeactivateRule(ctx context.Context, ruleID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `UPDATE learned_rules SET active = FALSE WHERE id = $1`, ruleID)
	if err != nil {
		return fmt.Errorf("failed to deactivate rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("rule %s not found", ruleID)
	}
	return nil
}

// GetRuntimeSetting reads a key; found is false when absent.
func (r *Repository) GetRuntimeSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.db.QueryRow(ctx, `SELECT value FROM runtime_settings WHERE key = $1`, key).Scan(&value)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, true, nil
}

// SetRuntimeSetting upserts a key.
func (r *Repository) SetRuntimeSetting(ctx context.Context, key, value string) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO runtime_settings (key, value, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, value)
	if err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	return nil
}

// UpsertPortfolio stores the full portfolio snapshot as JSONB alongside the
// headline numbers.
func (r *Repository) UpsertPortfolio(ctx context.Context, pf *portfolio.Portfolio) error {
	snapshot, err := json.Marshal(pf)
	if err != nil {
		return fmt.Errorf("failed to marshal portfolio: %w", err)
	}
	_, err = r.db.Exec(ctx,
		`INSERT INTO auto_portfolios (portfolio_id, starting_cash, current_cash, equity, snapshot, updated_at)
		 VALUES ($1, $2, $3, $4, $5, now())
		 ON CONFLICT (portfolio_id) DO UPDATE SET
			starting_cash = EXCLUDED.starting_cash,
			current_cash = EXCLUDED.current_cash,
			equity = EXCLUDED.equity,
			snapshot = EXCLUDED.snapshot,
			updated_at = now()`,
		pf.PortfolioID, pf.StartingCash, pf.CurrentCash, pf.Equity(), snapshot)
	if err != nil {
		return fmt.Errorf("failed to upsert portfolio: %w", err)
	}
	return nil
}

// SaveClosedPosition appends one realized trade row.
func (r *Repository) SaveClosedPosition(ctx context.Context, portfolioID string, closed portfolio.ClosedPosition) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO closed_positions
			(portfolio_id, symbol, quantity, entry_price, exit_price, entry_timestamp, exit_timestamp, realized_pnl, realized_pnl_pct, leverage, reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		portfolioID, closed.Symbol, closed.Quantity, closed.EntryPrice, closed.ExitPrice,
		closed.EntryTimestamp, closed.ExitTimestamp, closed.RealizedPnL, closed.RealizedPnLPct,
		closed.Leverage, closed.Reason)
	if err != nil {
		return fmt.Errorf("failed to insert closed position: %w", err)
	}
	return nil
}
