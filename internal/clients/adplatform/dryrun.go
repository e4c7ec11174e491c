package adplatform

import (
	"context"
	"encoding/json"

	"github.com/aristath/adpilot/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DryRun is an AdPlatform that logs calls instead of making them
type DryRun struct {
	log zerolog.Logger
}

// NewDryRun creates a dry-run platform
func NewDryRun(log zerolog.Logger) *DryRun {
	return &DryRun{log: log.With().Str("client", "adplatform").Str("mode", "dry_run").Logger()}
}

// SetBudget logs a budget change
func (d *DryRun) SetBudget(ctx context.Context, externalAdID string, amount float64, currency, clientToken string) (*domain.PlatformResult, error) {
	return d.simulate(ctx, "set_budget", externalAdID, budgetRequest{Amount: amount, Currency: currency, ClientToken: clientToken})
}

// Pause logs a pause
func (d *DryRun) Pause(ctx context.Context, externalAdID, clientToken string) (*domain.PlatformResult, error) {
	return d.simulate(ctx, "pause", externalAdID, statusRequest{ClientToken: clientToken})
}

// Resume logs a resume
func (d *DryRun) Resume(ctx context.Context, externalAdID, clientToken string) (*domain.PlatformResult, error) {
	return d.simulate(ctx, "resume", externalAdID, statusRequest{ClientToken: clientToken})
}

func (d *DryRun) simulate(ctx context.Context, op, externalAdID string, payload interface{}) (*domain.PlatformResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	body, _ := json.Marshal(payload)
	result := mutationResponse{ChangeID: "dry-run-" + uuid.NewString(), Success: true}
	resp, _ := json.Marshal(result)

	d.log.Info().
		Str("op", op).
		Str("ad", externalAdID).
		RawJSON("request", body).
		Msg("Dry run: platform call skipped")

	return &domain.PlatformResult{PlatformChangeID: result.ChangeID, Request: body, Response: resp}, nil
}
