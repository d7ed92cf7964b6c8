// Package earlystop decides when a validation metric has stopped improving.
package earlystop

import (
	"errors"
	"fmt"
	"math"
)

// ErrConfig is returned for an invalid monitor configuration.
var ErrConfig = errors.New("earlystop: invalid config")

// Config holds the stopping rule.
type Config struct {
	// Patience is the number of consecutive non-improving updates that
	// triggers a stop.
	Patience int `yaml:"patience"`
	// MinRelativeImprovement is the fraction by which a metric must beat the
	// best so far to count as an improvement.
	MinRelativeImprovement float64 `yaml:"min_relative_improvement"`
}

// DefaultConfig returns the rule used by the multi-subword training script:
// stop after 7 epochs without a 1% relative gain.
func DefaultConfig() Config {
	return Config{Patience: 7, MinRelativeImprovement: 0.01}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Patience < 1 {
		return fmt.Errorf("%w: patience %d < 1", ErrConfig, c.Patience)
	}
	if c.MinRelativeImprovement < 0 || math.IsNaN(c.MinRelativeImprovement) {
		return fmt.Errorf("%w: min relative improvement %v < 0", ErrConfig, c.MinRelativeImprovement)
	}
	return nil
}

// Monitor tracks a metric across epochs. Higher is better.
type Monitor struct {
	cfg     Config
	best    float64
	stale   int
	history []float64
}

// New returns a monitor with no history.
func New(cfg Config) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Monitor{cfg: cfg, best: math.Inf(-1)}, nil
}

// Update records metric and reports whether training should stop.
// The first finite metric always counts as an improvement.
func (m *Monitor) Update(metric float64) bool {
	m.history = append(m.history, metric)
	if metric > m.best*(1+m.cfg.MinRelativeImprovement) {
		m.best = metric
		m.stale = 0
	} else {
		m.stale++
	}
	return m.stale >= m.cfg.Patience
}

// Best returns the best metric seen, or -Inf before any update.
func (m *Monitor) Best() float64 { return m.best }

// Stale returns the number of consecutive non-improving updates.
func (m *Monitor) Stale() int { return m.stale }

// History returns a copy of every recorded metric in order.
func (m *Monitor) History() []float64 {
	return append([]float64(nil), m.history...)
}
