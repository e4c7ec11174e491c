package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to VariantStatus
		want     bool
	}{
		{VariantActive, VariantPaused, true},
		{VariantPaused, VariantActive, true},
		{VariantActive, VariantKilled, true},
		{VariantPaused, VariantKilled, true},
		{VariantKilled, VariantActive, false},
		{VariantKilled, VariantPaused, false},
		{VariantActive, VariantActive, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestCanTransitionChange(t *testing.T) {
	assert.True(t, CanTransitionChange(StatePending, StateClaimed))
	assert.True(t, CanTransitionChange(StateClaimed, StatePending))
	assert.True(t, CanTransitionChange(StateClaimed, StateExecuting))
	assert.True(t, CanTransitionChange(StateExecuting, StateCompleted))
	assert.True(t, CanTransitionChange(StateExecuting, StateFailed))
	assert.True(t, CanTransitionChange(StatePending, StateCancelled))

	assert.False(t, CanTransitionChange(StateExecuting, StatePending))
	assert.False(t, CanTransitionChange(StateExecuting, StateCancelled))
	assert.False(t, CanTransitionChange(StateCompleted, StatePending))
	assert.False(t, CanTransitionChange(StateFailed, StatePending))
	assert.False(t, CanTransitionChange(StatePending, StateExecuting))
}

func TestVariantRates(t *testing.T) {
	v := &Variant{}
	_, ok := v.CTR()
	assert.False(t, ok)
	_, ok = v.ROAS()
	assert.False(t, ok)

	v.Impressions = 1000
	v.Clicks = 40
	ctr, ok := v.CTR()
	assert.True(t, ok)
	assert.InDelta(t, 0.04, ctr, 1e-12)

	// spend without any revenue event: ROAS is undefined, not zero
	v.Spend = 200
	_, ok = v.ROAS()
	assert.False(t, ok)

	v.RevenueEvents = 3
	v.Revenue = 700
	roas, ok := v.ROAS()
	assert.True(t, ok)
	assert.InDelta(t, 3.5, roas, 1e-12)
}

func TestVariantAgeHours(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	v := &Variant{CreatedAt: now.Add(-90 * time.Minute)}
	assert.InDelta(t, 1.5, v.AgeHours(now), 1e-9)

	future := &Variant{CreatedAt: now.Add(time.Hour)}
	assert.Equal(t, 0.0, future.AgeHours(now))
}

func TestVariantIsLive(t *testing.T) {
	archived := time.Now()
	assert.True(t, (&Variant{Status: VariantActive}).IsLive())
	assert.True(t, (&Variant{Status: VariantPaused}).IsLive())
	assert.False(t, (&Variant{Status: VariantKilled}).IsLive())
	assert.False(t, (&Variant{Status: VariantActive, ArchivedAt: &archived}).IsLive())
}

func TestFeedbackEventType(t *testing.T) {
	assert.True(t, EventClick.IsCount())
	assert.True(t, EventImpression.IsCount())
	assert.False(t, EventSpend.IsCount())
	assert.True(t, EventAttributedRevenue.Valid())
	assert.False(t, FeedbackEventType("conversion").Valid())
}

func TestChangeStateTerminal(t *testing.T) {
	assert.True(t, StateCompleted.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.True(t, StateCancelled.Terminal())
	assert.False(t, StateClaimed.Terminal())
	assert.False(t, StateExecuting.Terminal())
}
