package broadcast

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/parley/internal/domain"
	redisstore "github.com/gosuda/parley/internal/store/redis"
)

// PubSub is the transport used for cross-process fan-out. redisstore.PubSub
// satisfies it.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
}

type relay struct {
	refs   int
	cancel context.CancelFunc
}

// RedisBroadcaster publishes events to the session channel and feeds a local
// Hub from a channel subscription held while the session has local viewers.
type RedisBroadcaster struct {
	hub *Hub
	ps  PubSub
	ctx context.Context

	mu     sync.Mutex
	relays map[key]*relay
}

// NewRedisBroadcaster relays until ctx ends.
func NewRedisBroadcaster(ctx context.Context, hub *Hub, ps PubSub) *RedisBroadcaster {
	return &RedisBroadcaster{hub: hub, ps: ps, ctx: ctx, relays: make(map[key]*relay)}
}

func (b *RedisBroadcaster) Join(tenantID, sessionID uuid.UUID) *Subscription {
	sub := b.hub.Join(tenantID, sessionID)

	k := key{tenantID: tenantID, sessionID: sessionID}
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.relays[k]; ok {
		r.refs++
		return sub
	}
	ctx, cancel := context.WithCancel(b.ctx)
	b.relays[k] = &relay{refs: 1, cancel: cancel}
	go b.pump(ctx, tenantID, sessionID)
	return sub
}

func (b *RedisBroadcaster) Leave(sub *Subscription) {
	if !b.hub.remove(sub) {
		return
	}

	k := key{tenantID: sub.TenantID, sessionID: sub.SessionID}
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.relays[k]
	if !ok {
		return
	}
	r.refs--
	if r.refs <= 0 {
		r.cancel()
		delete(b.relays, k)
	}
}

// Emit publishes the wire envelope. When publishing fails, local viewers are
// still served directly.
func (b *RedisBroadcaster) Emit(ctx context.Context, tenantID, sessionID uuid.UUID, ev domain.AgentEvent) {
	payload, err := domain.MarshalEvent(ev)
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID.String()).Msg("broadcast.RedisBroadcaster.Emit: encode")
		return
	}
	if err := b.ps.Publish(ctx, redisstore.SessionChannel(tenantID, sessionID), payload); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("broadcast.RedisBroadcaster.Emit: publish failed, local delivery only")
		b.hub.Emit(ctx, tenantID, sessionID, ev)
	}
}

func (b *RedisBroadcaster) pump(ctx context.Context, tenantID, sessionID uuid.UUID) {
	msgs, cleanup, err := b.ps.Subscribe(ctx, redisstore.SessionChannel(tenantID, sessionID))
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID.String()).Msg("broadcast.RedisBroadcaster: subscribe")
		return
	}
	defer cleanup()

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-msgs:
			if !ok {
				return
			}
			ev, err := domain.UnmarshalEvent(raw)
			if err != nil {
				log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("broadcast.RedisBroadcaster: drop malformed event")
				continue
			}
			m := ev.Meta()
			if m.TenantID != tenantID || m.SessionID != sessionID {
				continue
			}
			b.hub.Emit(ctx, tenantID, sessionID, ev)
		}
	}
}
