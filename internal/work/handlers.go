package work

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Handlers provides HTTP handlers for the work processor
type Handlers struct {
	processor *Processor
}

// NewHandlers creates new HTTP handlers for the work processor
func NewHandlers(processor *Processor) *Handlers {
	return &Handlers{processor: processor}
}

// RegisterRoutes registers work routes. protect guards the ones that run work.
func (h *Handlers) RegisterRoutes(r chi.Router, protect func(http.Handler) http.Handler) {
	r.Route("/work", func(r chi.Router) {
		r.Get("/types", h.ListWorkTypes)

		r.Group(func(r chi.Router) {
			r.Use(protect)
			r.Post("/trigger", h.TriggerProcessor)
			r.Post("/{workType}/execute", h.ExecuteWorkType)
			r.Post("/{workType}/{subject}/execute", h.ExecuteWorkType)
		})
	})
}

// ListWorkTypes returns every registered work type with its last outcome
func (h *Handlers) ListWorkTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.processor.Status())
}

// ExecuteWorkType runs a work type immediately, optionally for one subject
func (h *Handlers) ExecuteWorkType(w http.ResponseWriter, r *http.Request) {
	workType := chi.URLParam(r, "workType")
	subject := chi.URLParam(r, "subject")

	if err := h.processor.ExecuteNow(r.Context(), workType, subject); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrUnknownWorkType) {
			status = http.StatusNotFound
		}
		writeJSONStatus(w, status, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "executed",
		"work_type": workType,
		"subject":   subject,
	})
}

// TriggerProcessor wakes the processor to check for due work
func (h *Handlers) TriggerProcessor(w http.ResponseWriter, r *http.Request) {
	h.processor.Trigger()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	writeJSONStatus(w, status, map[string]interface{}{
		"data": data,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	})
}

func writeJSONStatus(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
