// Package broadcast fans live agent events out to viewers subscribed to one
// (tenant, session). Delivery is best-effort: nothing here waits on
// persistence, and a viewer that cannot keep up loses events.
package broadcast

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/parley/internal/domain"
)

// DefaultBuffer is the per-subscriber event buffer.
const DefaultBuffer = 256

type Broadcaster interface {
	Join(tenantID, sessionID uuid.UUID) *Subscription
	Leave(sub *Subscription)
	Emit(ctx context.Context, tenantID, sessionID uuid.UUID, ev domain.AgentEvent)
}

type key struct {
	tenantID  uuid.UUID
	sessionID uuid.UUID
}

// Subscription is one viewer's feed. C closes after Leave.
type Subscription struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	SessionID uuid.UUID
	C         <-chan domain.AgentEvent

	ch      chan domain.AgentEvent
	dropped atomic.Int64
}

// Dropped returns how many events this subscriber lost to a full buffer.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Hub is the in-process broadcaster.
type Hub struct {
	buffer int

	mu   sync.RWMutex
	subs map[key]map[uuid.UUID]*Subscription
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{buffer: buffer, subs: make(map[key]map[uuid.UUID]*Subscription)}
}

func (h *Hub) Join(tenantID, sessionID uuid.UUID) *Subscription {
	ch := make(chan domain.AgentEvent, h.buffer)
	sub := &Subscription{ID: uuid.New(), TenantID: tenantID, SessionID: sessionID, C: ch, ch: ch}

	k := key{tenantID: tenantID, sessionID: sessionID}
	h.mu.Lock()
	set, ok := h.subs[k]
	if !ok {
		set = make(map[uuid.UUID]*Subscription)
		h.subs[k] = set
	}
	set[sub.ID] = sub
	h.mu.Unlock()
	return sub
}

func (h *Hub) Leave(sub *Subscription) { h.remove(sub) }

// remove reports whether sub was still joined.
func (h *Hub) remove(sub *Subscription) bool {
	k := key{tenantID: sub.TenantID, sessionID: sub.SessionID}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[k]
	if !ok {
		return false
	}
	if _, ok := set[sub.ID]; !ok {
		return false
	}
	delete(set, sub.ID)
	if len(set) == 0 {
		delete(h.subs, k)
	}
	close(sub.ch)
	return true
}

// Subscribers returns the number of live subscriptions on a session.
func (h *Hub) Subscribers(tenantID, sessionID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[key{tenantID: tenantID, sessionID: sessionID}])
}

// Emit delivers ev to every subscriber of (tenantID, sessionID) without
// blocking.
func (h *Hub) Emit(_ context.Context, tenantID, sessionID uuid.UUID, ev domain.AgentEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs[key{tenantID: tenantID, sessionID: sessionID}] {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			log.Warn().
				Str("session_id", sessionID.String()).
				Str("subscription_id", sub.ID.String()).
				Str("kind", string(ev.Kind())).
				Msg("broadcast.Hub.Emit: subscriber buffer full, event dropped")
		}
	}
}
