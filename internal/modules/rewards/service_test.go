package rewards

import (
	"context"
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/adpilot/internal/domain"
	"github.com/aristath/adpilot/internal/modules/pools"
)

func TestValidate(t *testing.T) {
	valid := event("k", domain.EventClick, 3)
	assert.NoError(t, Validate(valid))

	cases := map[string]domain.FeedbackEvent{
		"missing key":       event("", domain.EventClick, 1),
		"unknown type":      event("k", "conversion", 1),
		"negative":          event("k", domain.EventSpend, -1),
		"nan":               event("k", domain.EventSpend, math.NaN()),
		"inf":               event("k", domain.EventSpend, math.Inf(1)),
		"fractional clicks": event("k", domain.EventClick, 1.5),
	}
	for name, ev := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, Validate(ev), ErrInvalidEvent)
		})
	}

	noVariant := event("k", domain.EventClick, 1)
	noVariant.VariantID = ""
	assert.ErrorIs(t, Validate(noVariant), ErrInvalidEvent)

	fractionalSpend := event("k", domain.EventSpend, 1.25)
	assert.NoError(t, Validate(fractionalSpend))
}

func TestService_RecordBatchAndScore(t *testing.T) {
	db := setupMemoryDB(t)
	log := zerolog.New(nil).Level(zerolog.Disabled)
	svc := NewService(NewRepository(db, log), pools.NewRepository(db, log), DefaultBlendConfig(), log)
	ctx := context.Background()

	res := svc.RecordBatch(ctx, []domain.FeedbackEvent{
		event("i1", domain.EventImpression, 1000),
		event("c1", domain.EventClick, 30),
		event("c1", domain.EventClick, 30),
		event("bad", domain.EventClick, -2),
	})
	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, 1, res.Rejected)
	assert.Contains(t, res.Errors, 3)

	score, err := svc.BlendedScore(ctx, "v1", now)
	require.NoError(t, err)
	assert.True(t, score.Known)
	assert.InDelta(t, 1.0, score.Value, 1e-12)

	_, err = svc.BlendedScore(ctx, "ghost", now)
	assert.ErrorIs(t, err, pools.ErrNotFound)
}
