package market

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	zaplogrus "github.com/quantfold/autotrade/internal/logging/zaplogrus"
)

// Key builders for the per-symbol cache entries.
func TickerKey(symbol string) string    { return fmt.Sprintf("market:%s:ticker", NormalizeSymbol(symbol)) }
func OrderbookKey(symbol string) string { return fmt.Sprintf("market:%s:orderbook", NormalizeSymbol(symbol)) }
func FundingKey(symbol string) string   { return fmt.Sprintf("market:%s:funding", NormalizeSymbol(symbol)) }
func IndicatorsKey(symbol string) string {
	return fmt.Sprintf("market:%s:indicators", NormalizeSymbol(symbol))
}
func OHLCVKey(symbol, timeframe string) string {
	return fmt.Sprintf("market:%s:ohlcv:%s", NormalizeSymbol(symbol), timeframe)
}

// Cache is the keyed, TTL'd store shared by the market-data scheduler
// (exclusive writer) and the tool/API readers.
type Cache struct {
	client *redis.Client
	logger *zaplogrus.Logger
}

// NewCache connects to Redis using a redis:// URL.
func NewCache(url string, logger *zaplogrus.Logger) (*Cache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	if logger == nil {
		logger = zaplogrus.New()
	}
	logger.Info("Connected to Redis market cache")
	return &Cache{client: client, logger: logger}, nil
}

// NewCacheFromClient wraps an existing client; used by tests with miniredis.
func NewCacheFromClient(client *redis.Client, logger *zaplogrus.Logger) *Cache {
	if logger == nil {
		logger = zaplogrus.New()
	}
	return &Cache{client: client, logger: logger}
}

func (c *Cache) Close() {
	if c.client == nil {
		return
	}
	if err := c.client.Close(); err != nil {
		c.logger.WithError(err).Error("Error closing Redis client")
	}
}

// Ping verifies the connection.
func (c *Cache) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	return c.client.Ping(ctx).Err()
}

// SetJSON marshals value and stores it under key with the given TTL.
func (c *Cache) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if c.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}

// GetJSON loads key into out. Returns (false, nil) on a missing key.
func (c *Cache) GetJSON(ctx context.Context, key string, out interface{}) (bool, error) {
	if c.client == nil {
		return false, fmt.Errorf("redis client is nil")
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return false, fmt.Errorf("invalid JSON for key %s: %w", key, err)
	}
	return true, nil
}

// HashSet stores a string map under key with a TTL, used for indicator
// snapshots so single fields stay readable without a full unmarshal.
func (c *Cache) HashSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	if c.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if len(fields) == 0 {
		return nil
	}
	pipe := c.client.TxPipeline()
	values := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		values = append(values, k, v)
	}
	pipe.HSet(ctx, key, values...)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// HashGet returns the whole hash at key; empty map when the key is absent.
func (c *Cache) HashGet(ctx context.Context, key string) (map[string]string, error) {
	if c.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	return c.client.HGetAll(ctx, key).Result()
}

// Delete removes keys.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if c.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	return c.client.Del(ctx, keys...).Err()
}

// IsStale reports whether a cached timestamp is older than threshold.
// A zero timestamp is always stale.
func IsStale(timestamp time.Time, threshold time.Duration, now time.Time) bool {
	if timestamp.IsZero() {
		return true
	}
	return now.Sub(timestamp) > threshold
}
