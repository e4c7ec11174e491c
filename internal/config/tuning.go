package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Tuning holds the allocator, scoring and executor knobs. It is read from an
// optional YAML file; keys missing from the file keep their defaults.
type Tuning struct {
	Scoring   ScoringTuning   `yaml:"scoring"`
	Allocator AllocatorTuning `yaml:"allocator"`
	Executor  ExecutorTuning  `yaml:"executor"`
	Work      WorkTuning      `yaml:"work"`
}

// ScoringTuning configures the blended score
type ScoringTuning struct {
	EarlyTrustHours float64 `yaml:"early_trust_hours"`
	LateTrustHours  float64 `yaml:"late_trust_hours"`
	Curve           string  `yaml:"curve"` // linear or exponential
	TargetCTR       float64 `yaml:"target_ctr"`
	TargetROAS      float64 `yaml:"target_roas"`
}

// AllocatorTuning configures the bandit allocator
type AllocatorTuning struct {
	FloorPct         float64 `yaml:"floor_pct"`
	MaxShareDeltaPct float64 `yaml:"max_share_delta_pct"`
	KillThreshold    float64 `yaml:"kill_threshold"`
	KillAfterTicks   int     `yaml:"kill_after_ticks"`
	ScaleThreshold   float64 `yaml:"scale_threshold"`
	ScaleAfterTicks  int     `yaml:"scale_after_ticks"`
	MinAgeHours      float64 `yaml:"min_age_hours"`
	MinSpend         float64 `yaml:"min_spend"`
	MaxTrials        float64 `yaml:"max_trials"`
	Temperature      float64 `yaml:"temperature"`
	MinBudgetChange  float64 `yaml:"min_budget_change"`
	// TickInterval sizes the idempotency window of enqueued changes
	TickInterval time.Duration `yaml:"tick_interval"`
	// Seed makes sampling reproducible when non-zero
	Seed uint64 `yaml:"seed"`
}

// ExecutorTuning configures the safety-queued executor
type ExecutorTuning struct {
	JitterMin        time.Duration `yaml:"jitter_min"`
	JitterMax        time.Duration `yaml:"jitter_max"`
	RateLimitActions int           `yaml:"rate_limit_actions"`
	RateLimitWindow  time.Duration `yaml:"rate_limit_window"`
	VelocityCapPct   float64       `yaml:"velocity_cap_pct"`
	VelocityWindow   time.Duration `yaml:"velocity_window"`
	FuzzMinPct       float64       `yaml:"fuzz_min_pct"`
	FuzzMaxPct       float64       `yaml:"fuzz_max_pct"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
	MaxCallRetries   int           `yaml:"max_call_retries"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay"`
	ClaimTTL         time.Duration `yaml:"claim_ttl"`
	StuckTimeout     time.Duration `yaml:"stuck_timeout"`
	MaxAttempts      int           `yaml:"max_attempts"`
	BackoffBase      time.Duration `yaml:"backoff_base"`
	BackoffMax       time.Duration `yaml:"backoff_max"`
	PollInterval     time.Duration `yaml:"poll_interval"`
}

// WorkTuning configures background maintenance intervals
type WorkTuning struct {
	ReclaimInterval     time.Duration `yaml:"reclaim_interval"`
	StuckInterval       time.Duration `yaml:"stuck_interval"`
	AuditStreamInterval time.Duration `yaml:"audit_stream_interval"`
	AuditStreamBatch    int           `yaml:"audit_stream_batch"`
	PruneInterval       time.Duration `yaml:"prune_interval"`
	// KeyRetention is how long feedback idempotency keys are remembered
	KeyRetention time.Duration `yaml:"key_retention"`
	WALInterval  time.Duration `yaml:"wal_interval"`
	// BackupInterval and BackupRetention apply only when a backup bucket is set.
	// The newest three backups are kept regardless of retention.
	BackupInterval  time.Duration `yaml:"backup_interval"`
	BackupRetention time.Duration `yaml:"backup_retention"`
}

// DefaultTuning returns the production defaults
func DefaultTuning() Tuning {
	return Tuning{
		Scoring: ScoringTuning{
			EarlyTrustHours: 6,
			LateTrustHours:  72,
			Curve:           "linear",
			TargetCTR:       0.03,
			TargetROAS:      3.0,
		},
		Allocator: AllocatorTuning{
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
		},
		Executor: ExecutorTuning{
			JitterMin:        3 * time.Second,
			JitterMax:        18 * time.Second,
			RateLimitActions: 15,
			RateLimitWindow:  time.Hour,
			VelocityCapPct:   20,
			VelocityWindow:   6 * time.Hour,
			FuzzMinPct:       0.1,
			FuzzMaxPct:       0.6,
			CallTimeout:      30 * time.Second,
			MaxCallRetries:   3,
			RetryBaseDelay:   2 * time.Second,
			ClaimTTL:         5 * time.Minute,
			StuckTimeout:     15 * time.Minute,
			MaxAttempts:      5,
			BackoffBase:      time.Minute,
			BackoffMax:       30 * time.Minute,
			PollInterval:     2 * time.Second,
		},
		Work: WorkTuning{
			ReclaimInterval:     time.Minute,
			StuckInterval:       5 * time.Minute,
			AuditStreamInterval: 30 * time.Second,
			AuditStreamBatch:    100,
			PruneInterval:       6 * time.Hour,
			KeyRetention:        30 * 24 * time.Hour,
			WALInterval:         time.Hour,
			BackupInterval:      24 * time.Hour,
			BackupRetention:     30 * 24 * time.Hour,
		},
	}
}

// LoadTuning reads the tuning file at path over the defaults.
// An empty path returns the defaults.
func LoadTuning(path string) (Tuning, error) {
	t := DefaultTuning()
	if path == "" {
		return t, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return t, fmt.Errorf("failed to read tuning file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("failed to parse tuning file %s: %w", path, err)
	}

	return t, nil
}

// Validate rejects tunings that would break allocator or executor invariants
func (t Tuning) Validate() error {
	var errs []error

	s := t.Scoring
	if s.EarlyTrustHours < 0 || s.LateTrustHours <= s.EarlyTrustHours {
		errs = append(errs, fmt.Errorf("scoring: late_trust_hours must exceed early_trust_hours"))
	}
	if s.Curve != "linear" && s.Curve != "exponential" {
		errs = append(errs, fmt.Errorf("scoring: unknown curve %q", s.Curve))
	}
	if s.TargetCTR <= 0 || s.TargetROAS <= 0 {
		errs = append(errs, fmt.Errorf("scoring: targets must be positive"))
	}

	a := t.Allocator
	if a.FloorPct < 0 || a.FloorPct >= 50 {
		errs = append(errs, fmt.Errorf("allocator: floor_pct must be in [0, 50)"))
	}
	if a.MaxShareDeltaPct <= 0 {
		errs = append(errs, fmt.Errorf("allocator: max_share_delta_pct must be positive"))
	}
	if a.KillAfterTicks < 1 || a.ScaleAfterTicks < 1 {
		errs = append(errs, fmt.Errorf("allocator: tick counts must be at least 1"))
	}
	if a.Temperature <= 0 {
		errs = append(errs, fmt.Errorf("allocator: temperature must be positive"))
	}
	if a.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("allocator: tick_interval must be positive"))
	}

	e := t.Executor
	if e.JitterMin < 0 || e.JitterMax < e.JitterMin {
		errs = append(errs, fmt.Errorf("executor: jitter_max must be >= jitter_min >= 0"))
	}
	if e.RateLimitActions < 1 {
		errs = append(errs, fmt.Errorf("executor: rate_limit_actions must be at least 1"))
	}
	if e.VelocityCapPct <= 0 {
		errs = append(errs, fmt.Errorf("executor: velocity_cap_pct must be positive"))
	}
	if e.FuzzMaxPct < e.FuzzMinPct || e.FuzzMaxPct >= e.VelocityCapPct {
		errs = append(errs, fmt.Errorf("executor: fuzz range must be ordered and below the velocity cap"))
	}
	if e.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("executor: max_attempts must be at least 1"))
	}

	w := t.Work
	if w.ReclaimInterval <= 0 || w.StuckInterval <= 0 || w.AuditStreamInterval <= 0 || w.PruneInterval <= 0 || w.WALInterval <= 0 || w.BackupInterval <= 0 {
		errs = append(errs, fmt.Errorf("work: intervals must be positive"))
	}
	if w.KeyRetention < 24*time.Hour {
		errs = append(errs, fmt.Errorf("work: key_retention must be at least 24h"))
	}
	if w.BackupRetention < 0 {
		errs = append(errs, fmt.Errorf("work: backup_retention must not be negative"))
	}

	return errors.Join(errs...)
}
