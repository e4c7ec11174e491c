// Package executor drains the pending-change queue against the ad platform,
// applying the safety transforms (jitter, rate limit, velocity cap, amount
// fuzzing) before every call.
package executor

import (
	"time"

	"github.com/aristath/adpilot/internal/config"
	"github.com/aristath/adpilot/internal/modules/changes"
)

// Config holds the executor safety limits
type Config struct {
	JitterMin time.Duration
	JitterMax time.Duration
	RateLimit changes.RateLimit
	// VelocityCapPct bounds budget movement within VelocityWindow, in percent
	VelocityCapPct float64
	VelocityWindow time.Duration
	// FuzzMinPct and FuzzMaxPct bound the offset applied to round amounts, in percent
	FuzzMinPct     float64
	FuzzMaxPct     float64
	CallTimeout    time.Duration
	MaxCallRetries int
	RetryBaseDelay time.Duration
	ClaimTTL       time.Duration
	StuckTimeout   time.Duration
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	PollInterval   time.Duration
}

// DefaultConfig returns the production safety limits
func DefaultConfig() Config {
	return FromTuning(config.DefaultTuning().Executor)
}

// FromTuning converts the tuning file section into an executor Config
func FromTuning(t config.ExecutorTuning) Config {
	return Config{
		JitterMin:      t.JitterMin,
		JitterMax:      t.JitterMax,
		RateLimit:      changes.RateLimit{Actions: t.RateLimitActions, Window: t.RateLimitWindow},
		VelocityCapPct: t.VelocityCapPct,
		VelocityWindow: t.VelocityWindow,
		FuzzMinPct:     t.FuzzMinPct,
		FuzzMaxPct:     t.FuzzMaxPct,
		CallTimeout:    t.CallTimeout,
		MaxCallRetries: t.MaxCallRetries,
		RetryBaseDelay: t.RetryBaseDelay,
		ClaimTTL:       t.ClaimTTL,
		StuckTimeout:   t.StuckTimeout,
		MaxAttempts:    t.MaxAttempts,
		BackoffBase:    t.BackoffBase,
		BackoffMax:     t.BackoffMax,
		PollInterval:   t.PollInterval,
	}
}
