package rewards

import (
	"math"
	"time"

	"github.com/aristath/adpilot/internal/config"
	"github.com/aristath/adpilot/internal/domain"
)

// Decay curves for the click-signal weight
const (
	CurveLinear      = "linear"
	CurveExponential = "exponential"
)

// BlendConfig configures the blended score. It is passed by value and never mutated.
type BlendConfig struct {
	Curve           string
	EarlyTrustHours float64
	LateTrustHours  float64
	TargetCTR       float64
	TargetROAS      float64
}

// DefaultBlendConfig returns the production scoring parameters
func DefaultBlendConfig() BlendConfig {
	return BlendConfig{
		Curve:           CurveLinear,
		EarlyTrustHours: 6,
		LateTrustHours:  72,
		TargetCTR:       0.03,
		TargetROAS:      3.0,
	}
}

// BlendFromTuning converts the tuning file section into a BlendConfig
func BlendFromTuning(t config.ScoringTuning) BlendConfig {
	return BlendConfig{
		Curve:           t.Curve,
		EarlyTrustHours: t.EarlyTrustHours,
		LateTrustHours:  t.LateTrustHours,
		TargetCTR:       t.TargetCTR,
		TargetROAS:      t.TargetROAS,
	}
}

// Score is a variant's blended performance in [0, 1]
type Score struct {
	Value float64 `json:"value"`
	// ClickWeight is w(age), the weight actually given to the click signal
	ClickWeight float64 `json:"click_weight"`
	CTR         float64 `json:"ctr"`
	ROAS        float64 `json:"roas"`
	HasCTR      bool    `json:"has_ctr"`
	HasROAS     bool    `json:"has_roas"`
	// Known is false when the variant has produced no usable signal yet
	Known bool `json:"known"`
}

// ClickWeight returns w(age): 1 before EarlyTrustHours, 0 after LateTrustHours,
// decaying in between along the configured curve.
func (c BlendConfig) ClickWeight(ageHours float64) float64 {
	if ageHours <= c.EarlyTrustHours {
		return 1
	}
	if ageHours >= c.LateTrustHours {
		return 0
	}

	span := c.LateTrustHours - c.EarlyTrustHours
	elapsed := ageHours - c.EarlyTrustHours

	if c.Curve == CurveExponential {
		// reaches 1% at LateTrustHours, then snaps to 0
		k := math.Log(100) / span
		return math.Exp(-k * elapsed)
	}
	return 1 - elapsed/span
}

// Blend computes the blended score of v at now.
// Click-only when ROAS is undefined (no revenue pipeline data or zero spend);
// unknown when there are neither impressions nor ROAS.
func Blend(v *domain.Variant, now time.Time, cfg BlendConfig) Score {
	ctr, hasCTR := v.CTR()
	roas, hasROAS := v.ROAS()

	s := Score{CTR: ctr, ROAS: roas, HasCTR: hasCTR, HasROAS: hasROAS}

	switch {
	case !hasCTR && !hasROAS:
		return s
	case !hasROAS:
		s.ClickWeight = 1
		s.Value = normalise(ctr, cfg.TargetCTR)
	case !hasCTR:
		s.ClickWeight = 0
		s.Value = normalise(roas, cfg.TargetROAS)
	default:
		w := cfg.ClickWeight(v.AgeHours(now))
		s.ClickWeight = w
		s.Value = w*normalise(ctr, cfg.TargetCTR) + (1-w)*normalise(roas, cfg.TargetROAS)
	}

	s.Known = true
	return s
}

func normalise(x, target float64) float64 {
	if target <= 0 || x <= 0 {
		return 0
	}
	return math.Min(x/target, 1)
}
