// Package handlers provides HTTP handlers for feedback ingestion.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/adpilot/internal/domain"
	"github.com/aristath/adpilot/internal/events"
	"github.com/aristath/adpilot/internal/modules/pools"
	"github.com/aristath/adpilot/internal/modules/rewards"
)

// maxBodyBytes bounds a feedback request
const maxBodyBytes = 4 << 20

// FeedbackService records feedback and scores variants
type FeedbackService interface {
	RecordEvent(ctx context.Context, ev domain.FeedbackEvent) (bool, error)
	RecordBatch(ctx context.Context, evs []domain.FeedbackEvent) rewards.BatchResult
	BlendedScore(ctx context.Context, variantID string, now time.Time) (rewards.Score, error)
}

// Handler handles feedback requests
type Handler struct {
	service FeedbackService
	events  *events.Manager
	log     zerolog.Logger
}

// NewHandler creates a feedback handler
func NewHandler(service FeedbackService, em *events.Manager, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		events:  em,
		log:     log.With().Str("handler", "feedback").Logger(),
	}
}

// RegisterRoutes registers feedback routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/feedback", h.HandleFeedback)
	r.Get("/variants/{id}/score", h.HandleGetScore)
}

// HandleFeedback accepts a single feedback event or an array of them.
// Arrays are applied event by event and answered with a per-index result.
func (h *Handler) HandleFeedback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		h.writeError(w, http.StatusBadRequest, "empty request body")
		return
	}

	if body[0] == '[' {
		var batch []domain.FeedbackEvent
		if err := json.Unmarshal(body, &batch); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		res := h.service.RecordBatch(r.Context(), batch)
		for i, msg := range res.Errors {
			h.rejected(batch[i], msg)
		}
		h.writeJSON(w, http.StatusOK, res)
		return
	}

	var ev domain.FeedbackEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	applied, err := h.service.RecordEvent(r.Context(), ev)
	switch {
	case errors.Is(err, rewards.ErrInvalidEvent):
		h.rejected(ev, err.Error())
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, rewards.ErrUnknownVariant):
		h.rejected(ev, err.Error())
		h.writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		h.log.Error().Err(err).Str("variant_id", ev.VariantID).Msg("Failed to record feedback")
		h.writeError(w, http.StatusInternalServerError, "failed to record feedback")
	default:
		h.writeJSON(w, http.StatusOK, map[string]interface{}{
			"applied":   applied,
			"duplicate": !applied,
		})
	}
}

// HandleGetScore returns a variant's current blended score
func (h *Handler) HandleGetScore(w http.ResponseWriter, r *http.Request) {
	score, err := h.service.BlendedScore(r.Context(), chi.URLParam(r, "id"), time.Now().UTC())
	if err != nil {
		if errors.Is(err, pools.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		h.log.Error().Err(err).Msg("Failed to score variant")
		h.writeError(w, http.StatusInternalServerError, "failed to score variant")
		return
	}
	h.writeJSON(w, http.StatusOK, score)
}

func (h *Handler) rejected(ev domain.FeedbackEvent, msg string) {
	h.events.Emit("feedback", &events.FeedbackRejectedData{
		VariantID:      ev.VariantID,
		IdempotencyKey: ev.IdempotencyKey,
		Error:          msg,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := map[string]interface{}{
		"data": data,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": message}); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
