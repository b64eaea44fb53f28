// Package config loads the service configuration from AUTOTRADE_* environment
// variables with sensible defaults for simulator mode.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/quantfold/autotrade/internal/traderr"
)

// Config is the top-level service configuration.
type Config struct {
	Environment string
	LogLevel    string
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Exchange    ExchangeConfig
	LLM         LLMConfig
	MarketData  MarketDataConfig
	Indicator   IndicatorConfig
	Decision    DecisionConfig
	Simulation  SimulationConfig
	Feedback    FeedbackConfig
}

type ServerConfig struct {
	Port            int
	AllowedOrigins  []string
	CronTriggerToken string
}

type DatabaseConfig struct {
	DatabaseURL     string
	MaxConns        int
	MinConns        int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// ExchangeConfig covers the OKX-backed ExchangeClient used for market data
// and for the paper/live broker.
type ExchangeConfig struct {
	APIKey        string
	SecretKey     string
	Passphrase    string
	BaseURL       string
	DemoMode      bool
	Timeout       time.Duration
	MaxRetries    int
	Backoff       time.Duration
	BackoffMax    time.Duration
	SymbolMapping map[string]string
}

type LLMConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	Timeout      time.Duration
	MaxRetries   int
	Backoff      time.Duration
	BackoffMax   time.Duration
	SystemPrompt string
	MaxToolLoops int
}

type MarketDataConfig struct {
	Symbols                []string
	TradingSymbols         []string
	RefreshInterval        time.Duration
	TickerTTL              time.Duration
	OrderbookTTL           time.Duration
	FundingTTL             time.Duration
	ShortTimeframe         string
	LongTimeframe          string
	ShortTTL               time.Duration
	LongTTL                time.Duration
	IndicatorTTL           time.Duration
	ShortCandleLimit       int
	LongCandleLimit        int
	StaleThreshold         time.Duration
	TickMaxEntries         int64
	TickRetention          time.Duration
}

type IndicatorConfig struct {
	TimeframeSeconds       int64
	VolumeRatioPeriod      int
	HighTimeframeSeconds   int64
	HighVolumeRatioPeriod  int
	HighMACDSeriesPoints   int
}

type DecisionConfig struct {
	IntervalMinutes float64
	TraceLogPath    string
	Broker          string
}

type SimulationConfig struct {
	StatePath            string
	StartingCash         float64
	MaxSlippageBps       int
	PositionSizeLimitPct float64
}

type FeedbackConfig struct {
	Enabled             bool
	MaxRulesInPrompt    int
	MaxHistoryTrades    int
	RuleMinLength       int
	RuleMaxLength       int
	SimilarityThreshold float64
}

// Load reads the environment into a Config. It never reads files; the
// deployment supplies everything through AUTOTRADE_* variables.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AUTOTRADE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	cfg := &Config{
		Environment: v.GetString("environment"),
		LogLevel:    v.GetString("log_level"),
		Server: ServerConfig{
			Port:             v.GetInt("service_port"),
			AllowedOrigins:   v.GetStringSlice("cors_allow_origins"),
			CronTriggerToken: v.GetString("cron_trigger_token"),
		},
		Database: DatabaseConfig{
			DatabaseURL:     v.GetString("db_url"),
			MaxConns:        v.GetInt("db_max_conns"),
			MinConns:        v.GetInt("db_min_conns"),
			ConnMaxLifetime: v.GetDuration("db_conn_max_lifetime"),
		},
		Redis: RedisConfig{
			URL: v.GetString("redis_url"),
		},
		Exchange: ExchangeConfig{
			APIKey:        v.GetString("okx_api_key"),
			SecretKey:     v.GetString("okx_secret_key"),
			Passphrase:    v.GetString("okx_passphrase"),
			BaseURL:       v.GetString("okx_base_url"),
			DemoMode:      v.GetBool("okx_demo_mode"),
			Timeout:       v.GetDuration("okx_timeout"),
			MaxRetries:    v.GetInt("okx_max_retries"),
			Backoff:       v.GetDuration("okx_backoff"),
			BackoffMax:    v.GetDuration("okx_backoff_max"),
			SymbolMapping: defaultSymbolMapping(),
		},
		LLM: LLMConfig{
			APIKey:       v.GetString("deepseek_api_key"),
			BaseURL:      v.GetString("deepseek_base_url"),
			Model:        v.GetString("deepseek_model"),
			Timeout:      v.GetDuration("deepseek_timeout"),
			MaxRetries:   v.GetInt("deepseek_max_retries"),
			Backoff:      v.GetDuration("deepseek_backoff"),
			BackoffMax:   v.GetDuration("deepseek_backoff_max"),
			SystemPrompt: v.GetString("deepseek_system_prompt"),
			MaxToolLoops: v.GetInt("llm_max_tool_loops"),
		},
		MarketData: MarketDataConfig{
			Symbols:          v.GetStringSlice("market_data_symbols"),
			TradingSymbols:   v.GetStringSlice("llm_trading_symbols"),
			RefreshInterval:  v.GetDuration("market_data_refresh_interval"),
			TickerTTL:        v.GetDuration("market_data_ticker_ttl"),
			OrderbookTTL:     v.GetDuration("market_data_orderbook_ttl"),
			FundingTTL:       v.GetDuration("market_data_funding_ttl"),
			ShortTimeframe:   v.GetString("market_data_short_timeframe"),
			LongTimeframe:    v.GetString("market_data_long_timeframe"),
			ShortTTL:         v.GetDuration("market_data_short_ttl"),
			LongTTL:          v.GetDuration("market_data_long_ttl"),
			IndicatorTTL:     v.GetDuration("market_data_indicator_ttl"),
			ShortCandleLimit: v.GetInt("ohlcv_short_term_candles"),
			LongCandleLimit:  v.GetInt("ohlcv_long_term_candles"),
			StaleThreshold:   v.GetDuration("llm_data_stale_threshold"),
			TickMaxEntries:   v.GetInt64("tick_max_entries"),
			TickRetention:    v.GetDuration("tick_retention"),
		},
		Indicator: IndicatorConfig{
			TimeframeSeconds:      v.GetInt64("indicator_timeframe_seconds"),
			VolumeRatioPeriod:     v.GetInt("indicator_volume_ratio_period"),
			HighTimeframeSeconds:  v.GetInt64("indicator_high_timeframe_seconds"),
			HighVolumeRatioPeriod: v.GetInt("indicator_high_volume_ratio_period"),
			HighMACDSeriesPoints:  v.GetInt("indicator_high_macd_series_points"),
		},
		Decision: DecisionConfig{
			IntervalMinutes: v.GetFloat64("decision_interval_minutes"),
			TraceLogPath:    v.GetString("decision_trace_log_path"),
			Broker:          v.GetString("trading_broker"),
		},
		Simulation: SimulationConfig{
			StatePath:            v.GetString("simulation_state_path"),
			StartingCash:         v.GetFloat64("simulation_starting_cash"),
			MaxSlippageBps:       v.GetInt("simulation_max_slippage_bps"),
			PositionSizeLimitPct: v.GetFloat64("simulation_position_size_limit_pct"),
		},
		Feedback: FeedbackConfig{
			Enabled:             v.GetBool("feedback_loop_enabled"),
			MaxRulesInPrompt:    v.GetInt("feedback_max_rules_in_prompt"),
			MaxHistoryTrades:    v.GetInt("feedback_max_history_trades"),
			RuleMinLength:       v.GetInt("feedback_rule_min_length"),
			RuleMaxLength:       v.GetInt("feedback_rule_max_length"),
			SimilarityThreshold: v.GetFloat64("feedback_similarity_threshold"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("service_port", 8085)
	v.SetDefault("cors_allow_origins", []string{"http://localhost:5173", "http://localhost:4000"})
	v.SetDefault("cron_trigger_token", "")

	v.SetDefault("db_url", "")
	v.SetDefault("db_max_conns", 10)
	v.SetDefault("db_min_conns", 2)
	v.SetDefault("db_conn_max_lifetime", "30m")
	v.SetDefault("redis_url", "redis://localhost:6379/0")

	v.SetDefault("okx_base_url", "https://my.okx.com")
	v.SetDefault("okx_demo_mode", true)
	v.SetDefault("okx_timeout", "10s")
	v.SetDefault("okx_max_retries", 3)
	v.SetDefault("okx_backoff", "1s")
	v.SetDefault("okx_backoff_max", "10s")

	v.SetDefault("deepseek_base_url", "https://api.deepseek.com/v1")
	v.SetDefault("deepseek_model", "deepseek-chat")
	v.SetDefault("deepseek_timeout", "30s")
	v.SetDefault("deepseek_max_retries", 3)
	v.SetDefault("deepseek_backoff", "1s")
	v.SetDefault("deepseek_backoff_max", "10s")
	v.SetDefault("deepseek_system_prompt",
		"You are AutoTrader, an LLM decision engine that manages a crypto derivatives portfolio.")
	v.SetDefault("llm_max_tool_loops", 8)

	v.SetDefault("market_data_symbols", []string{
		"BTC-USDT-SWAP", "ETH-USDT-SWAP", "SOL-USDT-SWAP",
		"BNB-USDT-SWAP", "DOGE-USDT-SWAP", "XRP-USDT-SWAP",
	})
	v.SetDefault("market_data_refresh_interval", "5s")
	v.SetDefault("market_data_ticker_ttl", "10s")
	v.SetDefault("market_data_orderbook_ttl", "10s")
	v.SetDefault("market_data_funding_ttl", "300s")
	v.SetDefault("market_data_short_timeframe", "15m")
	v.SetDefault("market_data_long_timeframe", "1h")
	v.SetDefault("market_data_short_ttl", "60s")
	v.SetDefault("market_data_long_ttl", "300s")
	v.SetDefault("market_data_indicator_ttl", "60s")
	v.SetDefault("ohlcv_short_term_candles", 50)
	v.SetDefault("ohlcv_long_term_candles", 100)
	v.SetDefault("llm_data_stale_threshold", "30s")
	v.SetDefault("tick_max_entries", 7200)
	v.SetDefault("tick_retention", "2h")

	v.SetDefault("indicator_timeframe_seconds", 300)
	v.SetDefault("indicator_volume_ratio_period", 20)
	v.SetDefault("indicator_high_timeframe_seconds", 21600)
	v.SetDefault("indicator_high_volume_ratio_period", 6)
	v.SetDefault("indicator_high_macd_series_points", 5)

	v.SetDefault("decision_interval_minutes", 3.0)
	v.SetDefault("decision_trace_log_path", "logs/decision-traces.log")
	v.SetDefault("trading_broker", "simulated")

	v.SetDefault("simulation_state_path", "logs/simulation_state.json")
	v.SetDefault("simulation_starting_cash", 10000.0)
	v.SetDefault("simulation_max_slippage_bps", 5)
	v.SetDefault("simulation_position_size_limit_pct", 50.0)

	v.SetDefault("feedback_loop_enabled", true)
	v.SetDefault("feedback_max_rules_in_prompt", 8)
	v.SetDefault("feedback_max_history_trades", 5)
	v.SetDefault("feedback_rule_min_length", 10)
	v.SetDefault("feedback_rule_max_length", 200)
	v.SetDefault("feedback_similarity_threshold", 0.7)
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return &traderr.ConfigError{Key: "AUTOTRADE_SERVICE_PORT", Reason: "port out of range"}
	}
	if len(c.MarketData.Symbols) == 0 {
		return &traderr.ConfigError{Key: "AUTOTRADE_MARKET_DATA_SYMBOLS", Reason: "at least one symbol required"}
	}
	if c.Decision.IntervalMinutes <= 0 {
		return &traderr.ConfigError{Key: "AUTOTRADE_DECISION_INTERVAL_MINUTES", Reason: "must be positive"}
	}
	switch c.Decision.Broker {
	case "simulated", "okx_demo", "okx_live":
	default:
		return &traderr.ConfigError{Key: "AUTOTRADE_TRADING_BROKER", Reason: "must be simulated, okx_demo or okx_live"}
	}
	if c.Decision.Broker != "simulated" {
		if c.Exchange.APIKey == "" || c.Exchange.SecretKey == "" || c.Exchange.Passphrase == "" {
			return &traderr.ConfigError{Key: "AUTOTRADE_OKX_API_KEY", Reason: "exchange credentials required outside simulator mode"}
		}
	}
	if c.Feedback.SimilarityThreshold <= 0 || c.Feedback.SimilarityThreshold > 1 {
		return &traderr.ConfigError{Key: "AUTOTRADE_FEEDBACK_SIMILARITY_THRESHOLD", Reason: "must be in (0, 1]"}
	}
	return nil
}

// TradingSymbols returns the symbols the decision pipeline evaluates,
// falling back to the market-data watch list.
func (c *Config) TradingSymbols() []string {
	if len(c.MarketData.TradingSymbols) > 0 {
		return c.MarketData.TradingSymbols
	}
	return c.MarketData.Symbols
}

func defaultSymbolMapping() map[string]string {
	return map[string]string{
		"BTC":      "BTC-USDT-SWAP",
		"BTC-USD":  "BTC-USDT-SWAP",
		"ETH":      "ETH-USDT-SWAP",
		"ETH-USD":  "ETH-USDT-SWAP",
		"SOL":      "SOL-USDT-SWAP",
		"SOL-USD":  "SOL-USDT-SWAP",
		"BNB":      "BNB-USDT-SWAP",
		"BNB-USD":  "BNB-USDT-SWAP",
		"XRP":      "XRP-USDT-SWAP",
		"XRP-USD":  "XRP-USDT-SWAP",
		"DOGE":     "DOGE-USDT-SWAP",
		"DOGE-USD": "DOGE-USDT-SWAP",
	}
}
