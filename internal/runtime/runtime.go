// Package runtime holds the trading-mode state machine. The mode decides
// which broker executes decisions and where portfolio state persists.
package runtime

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/quantfold/autotrade/internal/broker"
	zaplogrus "github.com/quantfold/autotrade/internal/logging/zaplogrus"
	"github.com/quantfold/autotrade/internal/traderr"
)

// Mode selects the execution backend for decision cycles.
type Mode string

const (
	// ModeSimulator fills against cached prices into a JSON-persisted portfolio.
	ModeSimulator Mode = "simulator"
	// ModePaper routes orders to the venue's demo environment.
	ModePaper Mode = "paper"
	// ModeLive routes orders to the venue with real funds.
	ModeLive Mode = "live"
)

const settingKey = "runtime_mode"

// ParseMode normalizes a mode string, accepting the broker-name aliases used
// in configuration ("simulated", "okx_demo", "okx_live").
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "simulator", "simulated", "sim":
		return ModeSimulator, nil
	case "paper", "okx_demo", "demo":
		return ModePaper, nil
	case "live", "okx_live":
		return ModeLive, nil
	default:
		return "", &traderr.ValidationError{Field: "mode", Reason: fmt.Sprintf("unknown runtime mode %q", s)}
	}
}

// SettingsStore persists the selected mode across restarts. The repository
// implements it; nil means no database and the mode lives in memory only.
type SettingsStore interface {
	GetRuntimeSetting(ctx context.Context, key string) (string, bool, error)
	SetRuntimeSetting(ctx context.Context, key, value string) error
}

// BrokerFactory builds the execution backend for a mode.
type BrokerFactory func(mode Mode) (broker.Broker, error)

// Controller owns the current mode and the broker built from it. Mode
// switches take effect on the next Broker call; the broker in use by an
// in-flight tick is never mutated.
type Controller struct {
	store   SettingsStore
	factory BrokerFactory
	logger  *zaplogrus.Logger

	mu         sync.Mutex
	mode       Mode
	active     broker.Broker
	activeMode Mode
}

func NewController(initial Mode, store SettingsStore, factory BrokerFactory, logger *zaplogrus.Logger) *Controller {
	if initial == "" {
		initial = ModeSimulator
	}
	if logger == nil {
		logger = zaplogrus.New()
	}
	return &Controller{
		store:   store,
		factory: factory,
		logger:  logger,
		mode:    initial,
	}
}

// Restore loads the persisted mode, keeping the configured initial mode when
// nothing is stored. Called once at startup.
func (c *Controller) Restore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	value, found, err := c.store.GetRuntimeSetting(ctx, settingKey)
	if err != nil {
		return fmt.Errorf("load runtime mode: %w", err)
	}
	if !found {
		return nil
	}
	mode, err := ParseMode(value)
	if err != nil {
		c.logger.WithField("value", value).Warn("Ignoring invalid persisted runtime mode")
		return nil
	}
	c.mu.Lock()
	c.mode = mode
	c.mu.Unlock()
	c.logger.WithField("mode", string(mode)).Info("Restored runtime mode")
	return nil
}

// Mode returns the currently selected mode.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Persistent reports whether mode changes survive a restart.
func (c *Controller) Persistent() bool {
	return c.store != nil
}

// SetMode validates, persists and applies a new mode. The active broker is
// rebuilt lazily on the next Broker call.
func (c *Controller) SetMode(ctx context.Context, value string) (Mode, error) {
	mode, err := ParseMode(value)
	if err != nil {
		return "", err
	}
	if c.store != nil {
		if err := c.store.SetRuntimeSetting(ctx, settingKey, string(mode)); err != nil {
			return "", fmt.Errorf("persist runtime mode: %w", err)
		}
	}
	c.mu.Lock()
	previous := c.mode
	c.mode = mode
	c.mu.Unlock()
	if previous != mode {
		c.logger.WithFields(zaplogrus.Fields{"from": string(previous), "to": string(mode)}).Info("Runtime mode changed")
	}
	return mode, nil
}

// Broker returns the execution backend for the current mode, building it on
// first use and whenever the mode changed since the last call.
func (c *Controller) Broker() (broker.Broker, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil && c.activeMode == c.mode {
		return c.active, nil
	}
	if c.active != nil {
		if err := c.active.Close(); err != nil {
			c.logger.WithError(err).Warn("Failed to close previous broker")
		}
		c.active = nil
	}
	b, err := c.factory(c.mode)
	if err != nil {
		return nil, fmt.Errorf("build %s broker: %w", c.mode, err)
	}
	c.active = b
	c.activeMode = c.mode
	return b, nil
}

// Close releases the active broker, if any.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return nil
	}
	err := c.active.Close()
	c.active = nil
	return err
}
