package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/adpilot/internal/events"
)

const (
	sseBuffer    = 100
	sseHeartbeat = 30 * time.Second
)

// EventsStreamHandler streams bus events to clients as Server-Sent Events.
// Query parameters: types (comma separated event types) and pool_id.
type EventsStreamHandler struct {
	eventBus  *events.Bus
	heartbeat time.Duration
	log       zerolog.Logger
}

// NewEventsStreamHandler creates an events stream handler
func NewEventsStreamHandler(eventBus *events.Bus, log zerolog.Logger) *EventsStreamHandler {
	return &EventsStreamHandler{
		eventBus:  eventBus,
		heartbeat: sseHeartbeat,
		log:       log.With().Str("component", "events_stream").Logger(),
	}
}

// ServeHTTP handles GET /api/events/stream
func (h *EventsStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	types, err := parseTypes(r.URL.Query().Get("types"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	poolID := r.URL.Query().Get("pool_id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}
	// the stream outlives the server write timeout
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	log := h.log.With().Str("pool_id", poolID).Int("types", len(types)).Logger()
	log.Info().Msg("Client connected to event stream")

	eventChan := make(chan *events.Event, sseBuffer)
	unsubscribe := h.eventBus.Subscribe(func(ev *events.Event) {
		if poolID != "" && ev.PoolID() != poolID {
			return
		}
		select {
		case eventChan <- ev:
		default:
			log.Warn().Str("event_type", string(ev.Type)).Msg("Event channel full, dropping event")
		}
	}, types...)
	defer unsubscribe()

	h.write(w, map[string]interface{}{
		"type":    "connected",
		"message": "Connected to event stream",
	})
	flusher.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			log.Info().Msg("Client disconnected from event stream")
			return

		case ev := <-eventChan:
			h.write(w, map[string]interface{}{
				"type":      string(ev.Type),
				"module":    ev.Module,
				"timestamp": ev.Timestamp.Format(time.RFC3339Nano),
				"data":      ev.Data,
			})
			flusher.Flush()

		case <-heartbeat.C:
			h.write(w, map[string]interface{}{
				"type":      "heartbeat",
				"timestamp": time.Now().Format(time.RFC3339),
			})
			flusher.Flush()
		}
	}
}

func (h *EventsStreamHandler) write(w http.ResponseWriter, event map[string]interface{}) {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to marshal event")
		data = []byte(`{"error":"failed to encode event"}`)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

// parseTypes turns the types filter into event types. Empty means all.
func parseTypes(filter string) ([]events.EventType, error) {
	if strings.TrimSpace(filter) == "" {
		return events.AllTypes, nil
	}

	known := make(map[events.EventType]bool, len(events.AllTypes))
	for _, t := range events.AllTypes {
		known[t] = true
	}

	var out []events.EventType
	for _, part := range strings.Split(filter, ",") {
		t := events.EventType(strings.ToUpper(strings.TrimSpace(part)))
		if t == "" {
			continue
		}
		if !known[t] {
			return nil, fmt.Errorf("unknown event type %q", part)
		}
		out = append(out, t)
	}
	return out, nil
}
