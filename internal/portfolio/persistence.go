package portfolio

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	zaplogrus "github.com/quantfold/autotrade/internal/logging/zaplogrus"
)

// Load reads the portfolio state file. A missing file returns (nil, nil);
// a corrupt file is an error.
func Load(path string, logger *zaplogrus.Logger) (*Portfolio, error) {
	payload, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if logger != nil {
			logger.WithField("path", path).Info("Simulation state file not found")
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file %s: %w", path, err)
	}
	var p Portfolio
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("invalid state file %s: %w", path, err)
	}
	if p.Positions == nil {
		p.Positions = map[string]Position{}
	}
	if logger != nil {
		logger.WithFields(zaplogrus.Fields{
			"portfolio_id": p.PortfolioID,
			"positions":    len(p.Positions),
			"trades":       len(p.TradeLog),
		}).Info("Loaded simulation state")
	}
	return &p, nil
}

// Save writes the portfolio atomically: a temp file in the same directory
// followed by a rename. The parent directory is created if needed.
func Save(p *Portfolio, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	payload, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, payload, 0o644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// CreateInitialState builds a fresh funded portfolio and persists it.
func CreateInitialState(portfolioID string, startingCash float64, path string, logger *zaplogrus.Logger) (*Portfolio, error) {
	p := New(portfolioID, startingCash, time.Now().UTC())
	if err := Save(p, path); err != nil {
		return nil, err
	}
	if logger != nil {
		logger.WithFields(zaplogrus.Fields{
			"portfolio_id":  portfolioID,
			"starting_cash": startingCash,
		}).Info("Created new simulation portfolio")
	}
	return p, nil
}
