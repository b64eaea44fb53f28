package market

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	zaplogrus "github.com/quantfold/autotrade/internal/logging/zaplogrus"
)

// backpressureFactor is the stream-depth multiple beyond which incoming
// ticks are dropped instead of blocking the producer.
const backpressureFactor = 1.2

func tickStreamKey(symbol string) string {
	return fmt.Sprintf("market:%s:ticks", NormalizeSymbol(symbol))
}

// TickStream is the bounded append-only per-symbol tick buffer backed by a
// Redis stream. Entries are trimmed by both a max-entries cap and a
// retention window.
type TickStream struct {
	client     *redis.Client
	logger     *zaplogrus.Logger
	maxEntries int64
	retention  time.Duration
}

func NewTickStream(client *redis.Client, maxEntries int64, retention time.Duration, logger *zaplogrus.Logger) *TickStream {
	if logger == nil {
		logger = zaplogrus.New()
	}
	return &TickStream{client: client, logger: logger, maxEntries: maxEntries, retention: retention}
}

// Append adds one tick. When the stream depth already exceeds
// backpressureFactor times the max-entries cap the tick is dropped with a
// warning; producers never block on a slow consumer.
func (s *TickStream) Append(ctx context.Context, tick Tick) error {
	if s.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	key := tickStreamKey(tick.Symbol)

	depth, err := s.client.XLen(ctx, key).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	if s.maxEntries > 0 && float64(depth) > backpressureFactor*float64(s.maxEntries) {
		s.logger.WithFields(zaplogrus.Fields{
			"symbol": tick.Symbol,
			"depth":  depth,
		}).Warn("Tick stream over backpressure threshold, dropping tick")
		return nil
	}

	payload, err := json.Marshal(tick)
	if err != nil {
		return fmt.Errorf("failed to marshal tick: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: key,
		Values: map[string]interface{}{"tick": string(payload)},
	}
	if s.maxEntries > 0 {
		args.MaxLen = s.maxEntries
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return err
	}

	if s.retention > 0 {
		// Oldest allowed stream id: milliseconds at the retention horizon.
		minID := fmt.Sprintf("%d", time.Now().Add(-s.retention).UnixMilli())
		if err := s.client.XTrimMinIDApprox(ctx, key, minID, 0).Err(); err != nil {
			s.logger.WithError(err).WithField("symbol", tick.Symbol).Warn("Tick stream retention trim failed")
		}
	}
	return nil
}

// ReadLatest returns up to count most recent ticks, oldest first.
func (s *TickStream) ReadLatest(ctx context.Context, symbol string, count int64) ([]Tick, error) {
	if s.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	entries, err := s.client.XRevRangeN(ctx, tickStreamKey(symbol), "+", "-", count).Result()
	if err != nil {
		return nil, err
	}
	ticks := make([]Tick, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		raw, ok := entries[i].Values["tick"].(string)
		if !ok {
			continue
		}
		var tick Tick
		if err := json.Unmarshal([]byte(raw), &tick); err != nil {
			s.logger.WithError(err).WithField("symbol", symbol).Warn("Skipping malformed tick entry")
			continue
		}
		ticks = append(ticks, tick)
	}
	return ticks, nil
}

// Depth returns the current stream length for a symbol.
func (s *TickStream) Depth(ctx context.Context, symbol string) (int64, error) {
	if s.client == nil {
		return 0, fmt.Errorf("redis client is nil")
	}
	return s.client.XLen(ctx, tickStreamKey(symbol)).Result()
}
