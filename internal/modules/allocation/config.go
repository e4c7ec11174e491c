// Package allocation implements the blended-reward bandit allocator and the
// per-pool tick that turns its decisions into pending changes.
package allocation

import (
	"errors"
	"fmt"
	"time"

	"github.com/aristath/adpilot/internal/config"
)

// Config holds allocator thresholds. It is an immutable value: each Allocator
// keeps its own copy, so pools can run with different configurations.
type Config struct {
	// FloorPct is the minimum share (percent) of every surviving variant
	FloorPct float64
	// MaxShareDeltaPct bounds the per-tick share movement (percentage points)
	MaxShareDeltaPct float64
	KillThreshold    float64
	KillAfterTicks   int
	ScaleThreshold   float64
	ScaleAfterTicks  int
	// Ignorance zone: younger or cheaper variants are never killed
	MinAgeHours float64
	MinSpend    float64
	// MaxTrials caps the pseudo-observation count of the Beta posterior
	MaxTrials float64
	// Temperature of the softmax over sampled values
	Temperature float64
	// MinBudgetChange suppresses budget changes smaller than this amount
	MinBudgetChange float64
	// TickInterval sizes the enqueue idempotency window
	TickInterval time.Duration
}

// DefaultConfig returns the production allocator configuration
func DefaultConfig() Config {
	return Config{
		FloorPct:         5,
		MaxShareDeltaPct: 20,
		KillThreshold:    0.2,
		KillAfterTicks:   3,
		ScaleThreshold:   0.7,
		ScaleAfterTicks:  3,
		MinAgeHours:      48,
		MinSpend:         100,
		MaxTrials:        1000,
		Temperature:      0.1,
		MinBudgetChange:  1,
		TickInterval:     time.Hour,
	}
}

// FromTuning converts the tuning file section into an allocator Config
func FromTuning(t config.AllocatorTuning) Config {
	return Config{
		FloorPct:         t.FloorPct,
		MaxShareDeltaPct: t.MaxShareDeltaPct,
		KillThreshold:    t.KillThreshold,
		KillAfterTicks:   t.KillAfterTicks,
		ScaleThreshold:   t.ScaleThreshold,
		ScaleAfterTicks:  t.ScaleAfterTicks,
		MinAgeHours:      t.MinAgeHours,
		MinSpend:         t.MinSpend,
		MaxTrials:        t.MaxTrials,
		Temperature:      t.Temperature,
		MinBudgetChange:  t.MinBudgetChange,
		TickInterval:     t.TickInterval,
	}
}

// Validate rejects configurations that cannot satisfy the allocation invariants
func (c Config) Validate() error {
	var errs []error
	if c.FloorPct < 0 || c.FloorPct >= 50 {
		errs = append(errs, fmt.Errorf("floor must be in [0, 50), got %v", c.FloorPct))
	}
	if c.MaxShareDeltaPct <= 0 {
		errs = append(errs, errors.New("max share delta must be positive"))
	}
	if c.KillAfterTicks < 1 || c.ScaleAfterTicks < 1 {
		errs = append(errs, errors.New("kill and scale tick counts must be at least 1"))
	}
	if c.KillThreshold > c.ScaleThreshold {
		errs = append(errs, errors.New("kill threshold must not exceed scale threshold"))
	}
	if c.Temperature <= 0 {
		errs = append(errs, errors.New("temperature must be positive"))
	}
	if c.MaxTrials < 1 {
		errs = append(errs, errors.New("max trials must be at least 1"))
	}
	if c.TickInterval <= 0 {
		errs = append(errs, errors.New("tick interval must be positive"))
	}
	return errors.Join(errs...)
}

// WithFloor returns a copy of c with a different floor
func (c Config) WithFloor(floorPct float64) Config {
	c.FloorPct = floorPct
	return c
}

// TickWindow maps a time onto its idempotency window
func (c Config) TickWindow(t time.Time) int64 {
	return t.UnixNano() / int64(c.TickInterval)
}
