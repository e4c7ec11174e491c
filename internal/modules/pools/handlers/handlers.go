// Package handlers provides HTTP handlers for pools, variants and pool status.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/adpilot/internal/domain"
	"github.com/aristath/adpilot/internal/events"
	"github.com/aristath/adpilot/internal/modules/allocation"
	"github.com/aristath/adpilot/internal/modules/pools"
	"github.com/aristath/adpilot/internal/modules/status"
)

// PoolService is the pool lifecycle the handlers drive
type PoolService interface {
	CreatePool(ctx context.Context, req pools.CreatePoolRequest) (*domain.BudgetPool, error)
	DeletePool(ctx context.Context, id string) error
	AddVariant(ctx context.Context, poolID string, req pools.AddVariantRequest) (*domain.Variant, error)
	SetTickPaused(ctx context.Context, id string, paused bool) error
	UpdateTotalBudget(ctx context.Context, id string, total float64) error
}

// PoolReader reads pools and variants
type PoolReader interface {
	GetPool(ctx context.Context, id string) (*domain.BudgetPool, error)
	ListPools(ctx context.Context) ([]*domain.BudgetPool, error)
	ListVariants(ctx context.Context, poolID string) ([]*domain.Variant, error)
}

// StatusReader builds pool status views
type StatusReader interface {
	GetPoolStatus(ctx context.Context, poolID string) (*status.PoolStatus, error)
}

// Ticker runs an allocator tick on demand
type Ticker interface {
	TickNow(ctx context.Context, poolID string) (*allocation.TickOutcome, error)
}

// Handler handles pool HTTP requests
type Handler struct {
	service PoolService
	reader  PoolReader
	status  StatusReader
	ticker  Ticker
	events  *events.Manager
	log     zerolog.Logger
}

// NewHandler creates a pool handler
func NewHandler(service PoolService, reader PoolReader, status StatusReader, ticker Ticker, em *events.Manager, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		reader:  reader,
		status:  status,
		ticker:  ticker,
		events:  em,
		log:     log.With().Str("handler", "pools").Logger(),
	}
}

// HandleListPools returns all pools that are not deleted
func (h *Handler) HandleListPools(w http.ResponseWriter, r *http.Request) {
	list, err := h.reader.ListPools(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if list == nil {
		list = []*domain.BudgetPool{}
	}
	h.writeJSON(w, http.StatusOK, list)
}

// HandleGetPool returns one pool with its variants
func (h *Handler) HandleGetPool(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	pool, err := h.reader.GetPool(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	variants, err := h.reader.ListVariants(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if variants == nil {
		variants = []*domain.Variant{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"pool":     pool,
		"variants": variants,
	})
}

// HandleCreatePool creates a pool and schedules its ticks
func (h *Handler) HandleCreatePool(w http.ResponseWriter, r *http.Request) {
	var req pools.CreatePoolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	pool, err := h.service.CreatePool(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, pool)
}

// HandleDeletePool soft-deletes a pool
func (h *Handler) HandleDeletePool(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeletePool(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleUpdateBudget changes a pool's total budget
func (h *Handler) HandleUpdateBudget(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TotalBudget float64 `json:"total_budget"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.service.UpdateTotalBudget(r.Context(), id, req.TotalBudget); err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"pool_id": id, "total_budget": req.TotalBudget})
}

// HandleListVariants returns a pool's variants
func (h *Handler) HandleListVariants(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.reader.GetPool(r.Context(), id); err != nil {
		h.writeServiceError(w, err)
		return
	}
	variants, err := h.reader.ListVariants(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if variants == nil {
		variants = []*domain.Variant{}
	}
	h.writeJSON(w, http.StatusOK, variants)
}

// HandleAddVariant adds a variant to a pool
func (h *Handler) HandleAddVariant(w http.ResponseWriter, r *http.Request) {
	var req pools.AddVariantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	v, err := h.service.AddVariant(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, v)
}

// HandlePauseTicks stops allocator ticks for a pool
func (h *Handler) HandlePauseTicks(w http.ResponseWriter, r *http.Request) {
	h.setTickPaused(w, r, true)
}

// HandleResumeTicks restarts allocator ticks for a pool
func (h *Handler) HandleResumeTicks(w http.ResponseWriter, r *http.Request) {
	h.setTickPaused(w, r, false)
}

func (h *Handler) setTickPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	id := chi.URLParam(r, "id")
	if err := h.service.SetTickPaused(r.Context(), id, paused); err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.events.Emit("pools", &events.PoolStatusData{PoolID: id, Paused: paused})
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"pool_id": id, "tick_paused": paused})
}

// HandleTickNow runs an allocator tick immediately
func (h *Handler) HandleTickNow(w http.ResponseWriter, r *http.Request) {
	out, err := h.ticker.TickNow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, out)
}

// HandleGetStatus returns shares, action history and queue backlog of a pool
func (h *Handler) HandleGetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.status.GetPoolStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pools.ErrNotFound), errors.Is(err, allocation.ErrUnknownPool):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, pools.ErrInvalid):
		h.writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.log.Error().Err(err).Msg("Pool request failed")
		h.writeError(w, http.StatusInternalServerError, err.Error())
	}
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
