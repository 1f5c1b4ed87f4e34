// Package ws streams live session events to websocket viewers.
package ws

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/parley/internal/broadcast"
	"github.com/gosuda/parley/internal/domain"
	"github.com/gosuda/parley/internal/server/middleware"
)

const (
	writeTimeout = 10 * time.Second
	replayLimit  = 1000
)

// Handler serves /ws/sessions/{sessionID}.
type Handler struct {
	broadcaster broadcast.Broadcaster
	sessions    domain.SessionRepository
	events      domain.EventRepository
}

// NewHandler creates a websocket handler. events may be nil, which disables
// replay.
func NewHandler(b broadcast.Broadcaster, sessions domain.SessionRepository, events domain.EventRepository) *Handler {
	return &Handler{broadcaster: b, sessions: sessions, events: events}
}

// ServeSession subscribes the viewer to one session. With ?from=N the
// durable log from sequence N is sent first, then the live feed continues
// without repeating any replayed sequence number.
func (h *Handler) ServeSession(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := middleware.TenantIDFromContext(r.Context())
	if !ok {
		http.Error(w, "missing tenant", http.StatusForbidden)
		return
	}

	sessionID, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	fromSeq := int64(-1)
	if raw := r.URL.Query().Get("from"); raw != "" {
		fromSeq, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || fromSeq < 0 {
			http.Error(w, "invalid from", http.StatusBadRequest)
			return
		}
	}

	if _, err := h.sessions.GetByID(r.Context(), tenantID, sessionID); err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	// The server write timeout would otherwise cut long-lived streams.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws.Handler.ServeSession: accept")
		return
	}
	defer conn.CloseNow()

	// Viewers never send; CloseRead notices the client going away.
	ctx := conn.CloseRead(r.Context())

	// Join before replaying so nothing emitted in between is missed.
	sub := h.broadcaster.Join(tenantID, sessionID)
	defer h.broadcaster.Leave(sub)

	lastSeq := int64(-1)
	if fromSeq >= 0 && h.events != nil {
		lastSeq, err = h.replay(ctx, conn, tenantID, sessionID, fromSeq)
		if err != nil {
			log.Debug().Err(err).Str("session_id", sessionID.String()).Msg("ws.Handler.ServeSession: replay")
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "connection closed")
			return
		case ev, evOK := <-sub.C:
			if !evOK {
				_ = conn.Close(websocket.StatusNormalClosure, "subscription closed")
				return
			}
			if seq := ev.Meta().Seq(); seq >= 0 && seq <= lastSeq {
				continue
			}
			if err := write(ctx, conn, ev); err != nil {
				log.Debug().Err(err).Str("session_id", sessionID.String()).Msg("ws.Handler.ServeSession: write")
				return
			}
		}
	}
}

func (h *Handler) replay(ctx context.Context, conn *websocket.Conn, tenantID, sessionID uuid.UUID, fromSeq int64) (int64, error) {
	last := fromSeq - 1
	for {
		rows, err := h.events.ListBySession(ctx, tenantID, sessionID, last+1, replayLimit)
		if err != nil {
			return last, err
		}
		for _, row := range rows {
			ev, err := row.Event()
			if err != nil {
				log.Warn().Err(err).Int64("sequence", row.SequenceNumber).Msg("ws.Handler.replay: undecodable row skipped")
				last = row.SequenceNumber
				continue
			}
			if err := write(ctx, conn, ev); err != nil {
				return last, err
			}
			last = row.SequenceNumber
		}
		if len(rows) < replayLimit {
			return last, nil
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, ev domain.AgentEvent) error {
	msg, err := domain.MarshalEvent(ev)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, msg)
}
