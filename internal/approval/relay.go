package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/parley/internal/domain"
	redisstore "github.com/gosuda/parley/internal/store/redis"
)

// PubSub is the transport the relay rides on. redisstore.PubSub satisfies it.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
}

type relayMessage struct {
	TenantID   uuid.UUID  `json:"tenant_id"`
	ApprovalID uuid.UUID  `json:"approval_id"`
	Approved   bool       `json:"approved"`
	Reason     string     `json:"reason,omitempty"`
	DecidedBy  *uuid.UUID `json:"decided_by,omitempty"`
}

// Relay forwards decisions to whichever process holds the waiting run.
type Relay struct {
	gate *Gate
	ps   PubSub
}

func NewRelay(gate *Gate, ps PubSub) *Relay {
	return &Relay{gate: gate, ps: ps}
}

// Publish broadcasts a decision on the tenant's approval channel.
func (r *Relay) Publish(ctx context.Context, tenantID, approvalID uuid.UUID, approved bool, reason string, decidedBy *uuid.UUID) error {
	payload, err := json.Marshal(relayMessage{
		TenantID:   tenantID,
		ApprovalID: approvalID,
		Approved:   approved,
		Reason:     reason,
		DecidedBy:  decidedBy,
	})
	if err != nil {
		return fmt.Errorf("approval.Relay.Publish: %w", err)
	}
	if err := r.ps.Publish(ctx, redisstore.ApprovalChannel(tenantID), payload); err != nil {
		return fmt.Errorf("approval.Relay.Publish: %w", err)
	}
	return nil
}

// Run applies relayed decisions for requests open on the local gate until
// ctx ends.
func (r *Relay) Run(ctx context.Context) error {
	msgs, cleanup, err := r.ps.Subscribe(ctx, redisstore.AllApprovalsPattern)
	if err != nil {
		return fmt.Errorf("approval.Relay.Run: %w", err)
	}
	defer cleanup()

	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-msgs:
			if !ok {
				return nil
			}
			r.apply(ctx, raw)
		}
	}
}

func (r *Relay) apply(ctx context.Context, raw []byte) {
	var m relayMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		log.Warn().Err(err).Msg("approval.Relay: drop malformed message")
		return
	}
	if !r.gate.Has(m.TenantID, m.ApprovalID) {
		return
	}
	err := r.gate.Resolve(ctx, m.TenantID, m.ApprovalID, m.Approved, m.Reason, m.DecidedBy)
	switch {
	case err == nil:
		log.Info().Str("approval_id", m.ApprovalID.String()).Msg("approval.Relay: applied relayed decision")
	case errors.Is(err, ErrAlreadyResolved), errors.Is(err, domain.ErrNotFound):
	default:
		log.Error().Err(err).Str("approval_id", m.ApprovalID.String()).Msg("approval.Relay: apply decision")
	}
}
