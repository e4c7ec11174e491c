// Package handlers provides HTTP handlers for the pending-change queue:
// operator actions, queue listings and per-change audit trails.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/adpilot/internal/auth"
	"github.com/aristath/adpilot/internal/domain"
	"github.com/aristath/adpilot/internal/events"
	"github.com/aristath/adpilot/internal/modules/changes"
	"github.com/aristath/adpilot/internal/modules/pools"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Operator enqueues and cancels operator changes
type Operator interface {
	PauseVariant(ctx context.Context, variantID, actor string) (string, error)
	ResumeVariant(ctx context.Context, variantID, actor string) (string, error)
	Cancel(ctx context.Context, id, actor, reason string) error
}

// Lister reads the queue
type Lister interface {
	Get(ctx context.Context, id string) (*domain.PendingChange, error)
	ListByState(ctx context.Context, state domain.ChangeState, limit int) ([]*domain.PendingChange, error)
	ListByVariant(ctx context.Context, variantID string, limit int) ([]*domain.PendingChange, error)
}

// AuditReader reads a change's audit trail
type AuditReader interface {
	ForChange(ctx context.Context, changeID string) ([]domain.AuditRecord, error)
	Verify(ctx context.Context, changeID string) error
}

// Handler handles change queue requests
type Handler struct {
	operator Operator
	lister   Lister
	audit    AuditReader
	events   *events.Manager
	trigger  func()
	log      zerolog.Logger
}

// NewHandler creates a change handler. trigger, when set, wakes the executor
// after an operator change is queued.
func NewHandler(operator Operator, lister Lister, audit AuditReader, em *events.Manager, trigger func(), log zerolog.Logger) *Handler {
	return &Handler{
		operator: operator,
		lister:   lister,
		audit:    audit,
		events:   em,
		trigger:  trigger,
		log:      log.With().Str("handler", "changes").Logger(),
	}
}

// RegisterRoutes registers change routes. protect guards operator actions.
func (h *Handler) RegisterRoutes(r chi.Router, protect func(http.Handler) http.Handler) {
	r.Get("/changes", h.HandleList)
	r.Get("/changes/{id}", h.HandleGet)
	r.Get("/changes/{id}/audit", h.HandleAudit)
	r.Get("/variants/{id}/changes", h.HandleListByVariant)

	r.Group(func(r chi.Router) {
		r.Use(protect)
		r.Post("/changes/{id}/cancel", h.HandleCancel)
		r.Post("/variants/{id}/pause", h.HandlePauseVariant)
		r.Post("/variants/{id}/resume", h.HandleResumeVariant)
	})
}

// HandleList lists changes in one state, PENDING unless ?state= says otherwise
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	state := domain.StatePending
	if s := r.URL.Query().Get("state"); s != "" {
		state = domain.ChangeState(strings.ToUpper(s))
	}
	if !validState(state) {
		h.writeError(w, http.StatusBadRequest, "unknown state "+string(state))
		return
	}

	list, err := h.lister.ListByState(r.Context(), state, limitParam(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, nonNil(list))
}

// HandleGet returns one change
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	c, err := h.lister.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, c)
}

// HandleListByVariant lists a variant's most recent changes
func (h *Handler) HandleListByVariant(w http.ResponseWriter, r *http.Request) {
	list, err := h.lister.ListByVariant(r.Context(), chi.URLParam(r, "id"), limitParam(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, nonNil(list))
}

// HandleAudit returns a change's audit trail and whether its hash chain verifies
func (h *Handler) HandleAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.lister.Get(r.Context(), id); err != nil {
		h.writeServiceError(w, err)
		return
	}

	records, err := h.audit.ForChange(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if records == nil {
		records = []domain.AuditRecord{}
	}

	resp := map[string]interface{}{
		"change_id":   id,
		"records":     records,
		"chain_valid": true,
	}
	if err := h.audit.Verify(r.Context(), id); err != nil {
		h.log.Error().Err(err).Str("change_id", id).Msg("Audit chain verification failed")
		resp["chain_valid"] = false
		resp["chain_error"] = err.Error()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// HandleCancel cancels a change that has not started executing
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	id := chi.URLParam(r, "id")
	if err := h.operator.Cancel(r.Context(), id, auth.Actor(r.Context()), req.Reason); err != nil {
		h.writeServiceError(w, err)
		return
	}

	c, err := h.lister.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.events.Emit("changes", &events.ChangeData{
		ChangeID:   c.ID,
		PoolID:     c.PoolID,
		VariantID:  c.VariantID,
		ChangeType: string(c.ChangeType),
		To:         string(domain.StateCancelled),
		Reason:     c.LastError,
		Type:       events.ChangeCancelled,
	})
	h.writeJSON(w, http.StatusOK, c)
}

// HandlePauseVariant queues an operator pause for a variant
func (h *Handler) HandlePauseVariant(w http.ResponseWriter, r *http.Request) {
	h.operatorChange(w, r, h.operator.PauseVariant)
}

// HandleResumeVariant queues an operator resume for a variant
func (h *Handler) HandleResumeVariant(w http.ResponseWriter, r *http.Request) {
	h.operatorChange(w, r, h.operator.ResumeVariant)
}

func (h *Handler) operatorChange(w http.ResponseWriter, r *http.Request, enqueue func(ctx context.Context, variantID, actor string) (string, error)) {
	variantID := chi.URLParam(r, "id")
	actor := auth.Actor(r.Context())

	id, err := enqueue(r.Context(), variantID, actor)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.log.Info().Str("variant_id", variantID).Str("change_id", id).Str("actor", actor).Msg("Operator change queued")

	if h.trigger != nil {
		h.trigger()
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"change_id": id, "variant_id": variantID})
}

func validState(s domain.ChangeState) bool {
	switch s {
	case domain.StatePending, domain.StateClaimed, domain.StateExecuting,
		domain.StateCompleted, domain.StateFailed, domain.StateCancelled:
		return true
	}
	return false
}

func limitParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultLimit
	}
	if n > maxLimit {
		return maxLimit
	}
	return n
}

func nonNil(list []*domain.PendingChange) []*domain.PendingChange {
	if list == nil {
		return []*domain.PendingChange{}
	}
	return list
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, changes.ErrNotFound), errors.Is(err, pools.ErrNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, changes.ErrConflict):
		h.writeError(w, http.StatusConflict, err.Error())
	default:
		h.log.Error().Err(err).Msg("Change request failed")
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
