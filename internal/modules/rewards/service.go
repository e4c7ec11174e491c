package rewards

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/adpilot/internal/domain"
)

// ErrInvalidEvent is returned for feedback that fails validation
var ErrInvalidEvent = errors.New("invalid feedback event")

// VariantReader loads variants for scoring
type VariantReader interface {
	GetVariant(ctx context.Context, id string) (*domain.Variant, error)
}

// Service is the reward aggregator
type Service struct {
	repo     *Repository
	variants VariantReader
	cfg      BlendConfig
	log      zerolog.Logger
}

// NewService creates a reward aggregator
func NewService(repo *Repository, variants VariantReader, cfg BlendConfig, log zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		variants: variants,
		cfg:      cfg,
		log:      log.With().Str("service", "rewards").Logger(),
	}
}

// Config returns the blend configuration in use
func (s *Service) Config() BlendConfig {
	return s.cfg
}

// Validate checks a feedback event without applying it
func Validate(ev domain.FeedbackEvent) error {
	switch {
	case strings.TrimSpace(ev.IdempotencyKey) == "":
		return fmt.Errorf("%w: idempotencyKey is required", ErrInvalidEvent)
	case strings.TrimSpace(ev.VariantID) == "":
		return fmt.Errorf("%w: variantId is required", ErrInvalidEvent)
	case !ev.EventType.Valid():
		return fmt.Errorf("%w: unknown eventType %q", ErrInvalidEvent, ev.EventType)
	case math.IsNaN(ev.Value) || math.IsInf(ev.Value, 0):
		return fmt.Errorf("%w: value must be finite", ErrInvalidEvent)
	case ev.Value < 0:
		return fmt.Errorf("%w: value must not be negative", ErrInvalidEvent)
	case ev.EventType.IsCount() && ev.Value != math.Trunc(ev.Value):
		return fmt.Errorf("%w: %s value must be a whole number", ErrInvalidEvent, ev.EventType)
	}
	return nil
}

// RecordEvent validates and applies one feedback event. applied is false for
// a duplicate idempotency key.
func (s *Service) RecordEvent(ctx context.Context, ev domain.FeedbackEvent) (bool, error) {
	if err := Validate(ev); err != nil {
		s.log.Warn().Err(err).Str("variant_id", ev.VariantID).Msg("Rejected feedback event")
		return false, err
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	applied, err := s.repo.Apply(ctx, ev, time.Now().UTC())
	if err != nil {
		if errors.Is(err, ErrUnknownVariant) {
			s.log.Warn().Str("variant_id", ev.VariantID).Msg("Feedback for unknown variant")
		}
		return false, err
	}
	return applied, nil
}

// BatchResult summarises a batch of feedback events
type BatchResult struct {
	Errors     map[int]string `json:"errors,omitempty"`
	Applied    int            `json:"applied"`
	Duplicates int            `json:"duplicates"`
	Rejected   int            `json:"rejected"`
}

// RecordBatch applies events independently; one bad event does not stop the rest
func (s *Service) RecordBatch(ctx context.Context, events []domain.FeedbackEvent) BatchResult {
	res := BatchResult{}
	for i, ev := range events {
		applied, err := s.RecordEvent(ctx, ev)
		switch {
		case err != nil:
			res.Rejected++
			if res.Errors == nil {
				res.Errors = make(map[int]string)
			}
			res.Errors[i] = err.Error()
		case applied:
			res.Applied++
		default:
			res.Duplicates++
		}
	}
	return res
}

// BlendedScore loads a variant and scores it at now
func (s *Service) BlendedScore(ctx context.Context, variantID string, now time.Time) (Score, error) {
	v, err := s.variants.GetVariant(ctx, variantID)
	if err != nil {
		return Score{}, err
	}
	return Blend(v, now, s.cfg), nil
}

// ResetCounters zeroes a variant's counters
func (s *Service) ResetCounters(ctx context.Context, variantID string) error {
	return s.repo.ResetCounters(ctx, variantID)
}

// PruneKeys drops idempotency keys older than retention. An event redelivered
// after its key is pruned is counted again.
func (s *Service) PruneKeys(ctx context.Context, retention time.Duration) error {
	n, err := s.repo.PruneKeys(ctx, time.Now().Add(-retention))
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Info().Int64("pruned", n).Msg("Pruned feedback idempotency keys")
	}
	return nil
}
