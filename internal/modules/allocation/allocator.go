package allocation

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// Action is the allocator's verdict for one variant in one tick
type Action string

const (
	ActionHold  Action = "HOLD"
	ActionScale Action = "SCALE"
	ActionKill  Action = "KILL"
)

// VariantInput is the allocator's view of one ACTIVE variant
type VariantInput struct {
	VariantID     string
	Score         float64
	ScoreKnown    bool
	Impressions   int64
	Spend         float64
	AgeHours      float64
	PrevSharePct  float64
	CurrentBudget float64
	LowStreak     int
	HighStreak    int
}

// Input is one pool's state at tick time
type Input struct {
	Variants    []VariantInput
	TotalBudget float64
}

// Decision is the allocator output for one variant
type Decision struct {
	VariantID    string  `json:"variant_id"`
	Action       Action  `json:"action"`
	Score        float64 `json:"score"`
	ScoreKnown   bool    `json:"score_known"`
	Sample       float64 `json:"sample"`
	PrevSharePct float64 `json:"prev_share_pct"`
	SharePct     float64 `json:"share_pct"`
	TargetBudget float64 `json:"target_budget"`
	LowStreak    int     `json:"low_streak"`
	HighStreak   int     `json:"high_streak"`
	// Protected marks variants inside the ignorance zone
	Protected bool `json:"protected"`
}

// Result is the allocator output for one pool
type Result struct {
	Decisions []Decision `json:"decisions"`
	// FloorPct is the floor actually applied after capping to 100/k
	FloorPct float64 `json:"floor_pct"`
	// Skipped is set when the bandit did not run
	Skipped bool   `json:"skipped"`
	Reason  string `json:"reason,omitempty"`
}

// Allocator runs Thompson sampling over blended-score posteriors
type Allocator struct {
	cfg     Config
	sampler Sampler
}

// NewAllocator creates an allocator with its own copy of cfg
func NewAllocator(cfg Config, sampler Sampler) *Allocator {
	return &Allocator{cfg: cfg, sampler: sampler}
}

// Config returns the allocator configuration
func (a *Allocator) Config() Config {
	return a.cfg
}

// Allocate computes next-tick shares for the ACTIVE variants of a pool.
//
// Shares sum to at most 100, every surviving variant keeps at least the floor,
// variants in the ignorance zone are never killed and the best-scoring variant
// always survives. Fewer than two variants, or a pool with no spend at all,
// skips the bandit.
func (a *Allocator) Allocate(in Input) Result {
	n := len(in.Variants)
	switch {
	case n == 0:
		return Result{Skipped: true, Reason: "no active variants"}
	case n == 1:
		v := in.Variants[0]
		return Result{
			Skipped: true,
			Reason:  "single active variant",
			Decisions: []Decision{{
				VariantID:    v.VariantID,
				Action:       ActionHold,
				Score:        v.Score,
				ScoreKnown:   v.ScoreKnown,
				PrevSharePct: v.PrevSharePct,
				SharePct:     100,
				TargetBudget: roundCents(in.TotalBudget),
				LowStreak:    v.LowStreak,
				HighStreak:   v.HighStreak,
				Protected:    a.protected(v),
			}},
		}
	}

	totalSpend := 0.0
	for _, v := range in.Variants {
		totalSpend += v.Spend
	}
	if totalSpend <= 0 {
		return Result{Skipped: true, Reason: "no spend recorded in pool"}
	}

	decisions := make([]Decision, n)
	best := a.bestIndex(in.Variants)

	for i, v := range in.Variants {
		d := Decision{
			VariantID:    v.VariantID,
			Action:       ActionHold,
			Score:        v.Score,
			ScoreKnown:   v.ScoreKnown,
			PrevSharePct: v.PrevSharePct,
			Protected:    a.protected(v),
			Sample:       a.sampler.Beta(a.posterior(v)),
		}

		if v.ScoreKnown && v.Score < a.cfg.KillThreshold {
			d.LowStreak = v.LowStreak + 1
		}
		if v.ScoreKnown && v.Score > a.cfg.ScaleThreshold {
			d.HighStreak = v.HighStreak + 1
		}

		switch {
		case d.LowStreak >= a.cfg.KillAfterTicks && !d.Protected && i != best:
			d.Action = ActionKill
		case d.HighStreak >= a.cfg.ScaleAfterTicks:
			d.Action = ActionScale
		}

		decisions[i] = d
	}

	var survivors []int
	for i := range decisions {
		if decisions[i].Action != ActionKill {
			survivors = append(survivors, i)
		}
	}

	floor := math.Min(a.cfg.FloorPct, 100/float64(len(survivors)))
	shares := a.shares(decisions, survivors, floor)
	for j, i := range survivors {
		decisions[i].SharePct = shares[j]
	}

	for i := range decisions {
		decisions[i].TargetBudget = roundCents(in.TotalBudget * decisions[i].SharePct / 100)
	}

	return Result{Decisions: decisions, FloorPct: floor}
}

// posterior maps a blended score onto Beta pseudo-counts. Unknown scores use
// the uniform prior.
func (a *Allocator) posterior(v VariantInput) (float64, float64) {
	if !v.ScoreKnown {
		return 1, 1
	}
	trials := math.Min(float64(v.Impressions), a.cfg.MaxTrials)
	if trials < 1 {
		trials = 1
	}
	s := clamp01(v.Score)
	return 1 + s*trials, 1 + (1-s)*trials
}

func (a *Allocator) protected(v VariantInput) bool {
	return v.AgeHours < a.cfg.MinAgeHours || v.Spend < a.cfg.MinSpend
}

// bestIndex returns the highest-scoring variant, unknown scores ranking last
func (a *Allocator) bestIndex(vs []VariantInput) int {
	idx := make([]int, len(vs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(x, y int) bool {
		vx, vy := vs[idx[x]], vs[idx[y]]
		if vx.ScoreKnown != vy.ScoreKnown {
			return vx.ScoreKnown
		}
		return vx.Score > vy.Score
	})
	return idx[0]
}

// shares turns samples into floor-respecting, delta-bounded shares summing to at most 100
func (a *Allocator) shares(decisions []Decision, survivors []int, floor float64) []float64 {
	k := len(survivors)
	samples := make([]float64, k)
	for j, i := range survivors {
		samples[j] = decisions[i].Sample / a.cfg.Temperature
	}

	// softmax, shifted by the max for numerical stability
	weights := make([]float64, k)
	floats.AddConst(-floats.Max(samples), samples)
	for j, x := range samples {
		weights[j] = math.Exp(x)
	}
	floats.Scale(1/floats.Sum(weights), weights)

	free := 100 - float64(k)*floor
	shares := make([]float64, k)
	lower := make([]float64, k)
	upper := make([]float64, k)
	for j, i := range survivors {
		shares[j] = floor + free*weights[j]

		lower[j], upper[j] = floor, 100
		if prev := decisions[i].PrevSharePct; prev > 0 {
			lower[j] = math.Max(floor, prev-a.cfg.MaxShareDeltaPct)
			upper[j] = math.Max(lower[j], prev+a.cfg.MaxShareDeltaPct)
		}
		shares[j] = math.Min(math.Max(shares[j], lower[j]), upper[j])
	}

	// Over budget: shave the part above the floor proportionally. The floor
	// always fits because k*floor <= 100.
	if total := floats.Sum(shares); total > 100 {
		above := make([]float64, k)
		for j := range shares {
			above[j] = shares[j] - floor
		}
		factor := 1 - (total-100)/floats.Sum(above)
		for j := range shares {
			shares[j] = floor + above[j]*factor
		}
	}

	// Under budget: hand the remainder out by weight within each upper bound
	for iter := 0; iter < k; iter++ {
		deficit := 100 - floats.Sum(shares)
		if deficit <= 1e-9 {
			break
		}
		open := 0.0
		for j := range shares {
			if shares[j] < upper[j] {
				open += weights[j]
			}
		}
		if open == 0 {
			break
		}
		for j := range shares {
			if shares[j] < upper[j] {
				shares[j] = math.Min(upper[j], shares[j]+deficit*weights[j]/open)
			}
		}
	}

	return shares
}

func clamp01(x float64) float64 {
	return math.Min(math.Max(x, 0), 1)
}

func roundCents(x float64) float64 {
	return math.Round(x*100) / 100
}
