package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/aristath/adpilot/internal/events"
)

const (
	streamBuffer    = 100
	streamHeartbeat = 30 * time.Second
	streamWrite     = 5 * time.Second
)

// streamMessage is one frame sent to status stream clients
type streamMessage struct {
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
	Type      string      `json:"type"`
	Module    string      `json:"module,omitempty"`
}

// HandleStream upgrades to a websocket and pushes the pool's status followed
// by every event concerning the pool. A fresh status frame follows each event.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	initial, err := h.status.GetPoolStatus(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	// the stream outlives the server write timeout
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		h.log.Warn().Err(err).Str("pool_id", id).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	log := h.log.With().Str("pool_id", id).Logger()
	log.Info().Msg("Client connected to pool stream")

	// reads are not expected; CloseRead ends ctx when the client goes away
	ctx := conn.CloseRead(r.Context())

	eventChan := make(chan *events.Event, streamBuffer)
	unsubscribe := h.events.Bus().Subscribe(func(ev *events.Event) {
		if ev.PoolID() != id {
			return
		}
		select {
		case eventChan <- ev:
		default:
			log.Warn().Str("event_type", string(ev.Type)).Msg("Stream channel full, dropping event")
		}
	}, events.AllTypes...)
	defer unsubscribe()

	if err := h.send(ctx, conn, streamMessage{Type: "status", Data: initial, Timestamp: time.Now().UTC()}); err != nil {
		return
	}

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Client disconnected from pool stream")
			conn.Close(websocket.StatusNormalClosure, "")
			return

		case ev := <-eventChan:
			msg := streamMessage{Type: string(ev.Type), Module: ev.Module, Data: ev.Data, Timestamp: ev.Timestamp}
			if err := h.send(ctx, conn, msg); err != nil {
				return
			}
			st, err := h.status.GetPoolStatus(ctx, id)
			if err != nil {
				log.Error().Err(err).Msg("Failed to refresh pool status")
				continue
			}
			if err := h.send(ctx, conn, streamMessage{Type: "status", Data: st, Timestamp: time.Now().UTC()}); err != nil {
				return
			}

		case <-heartbeat.C:
			pingCtx, cancel := context.WithTimeout(ctx, streamWrite)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (h *Handler) send(ctx context.Context, conn *websocket.Conn, msg streamMessage) error {
	writeCtx, cancel := context.WithTimeout(ctx, streamWrite)
	defer cancel()
	if err := wsjson.Write(writeCtx, conn, msg); err != nil {
		h.log.Debug().Err(err).Msg("Stream write failed")
		return err
	}
	return nil
}
