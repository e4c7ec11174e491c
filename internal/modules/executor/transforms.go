package executor

import (
	"math"
	"time"
)

// jitter returns a uniform duration in [min, max]
func jitter(min, max time.Duration, r float64) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(r*float64(max-min))
}

// VelocityBounds is the budget range reachable without breaking the velocity cap
type VelocityBounds struct {
	Reference float64
	Low       float64
	High      float64
}

// velocityBounds derives the allowed range from the budget in effect at the
// start of the trailing window. A zero reference has no meaningful percentage
// and leaves the request unbounded; callers re-anchor it first.
func velocityBounds(reference, capPct float64) (VelocityBounds, bool) {
	if reference <= 0 {
		return VelocityBounds{Reference: reference}, false
	}
	f := capPct / 100
	return VelocityBounds{
		Reference: reference,
		Low:       roundCents(reference * (1 - f)),
		High:      roundCents(reference * (1 + f)),
	}, true
}

// clamp limits requested to the bounds
func (b VelocityBounds) clamp(requested float64) float64 {
	return math.Min(math.Max(requested, b.Low), b.High)
}

// isRound reports whether an amount looks machine-made: whole dollars
func isRound(amount float64) bool {
	cents := math.Round(amount * 100)
	return math.Mod(cents, 100) == 0
}

// fuzz perturbs a round amount by pct percent (at least one cent) toward
// current, so the result never moves further than the request did. Amounts
// that are not round, or equal to current, are returned unchanged.
func fuzz(amount, current, pct float64) float64 {
	if !isRound(amount) || amount == current || amount <= 0 {
		return amount
	}

	offset := math.Max(roundCents(amount*pct/100), 0.01)
	out := amount - offset
	if amount < current {
		out = amount + offset
	}
	out = roundCents(out)

	// never cross the current budget
	if (amount > current && out <= current) || (amount < current && out >= current) {
		return amount
	}
	return out
}

// backoff grows exponentially with n and is capped at max
func backoff(base, max time.Duration, n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if n > 20 {
		return max
	}
	d := base << uint(n)
	if d <= 0 || d > max {
		return max
	}
	return d
}

func roundCents(x float64) float64 {
	return math.Round(x*100) / 100
}
