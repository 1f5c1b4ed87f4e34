package domain

import (
	"context"

	"github.com/google/uuid"
)

// EventRepository is the append-only durable event log.
type EventRepository interface {
	// Append inserts the row unless (session_id, sequence_number) already
	// exists. inserted is false for an already applied row.
	Append(ctx context.Context, e *PersistedEvent) (inserted bool, err error)
	// ListBySession returns events with sequence_number >= fromSeq in
	// ascending order. limit <= 0 means no limit.
	ListBySession(ctx context.Context, tenantID, sessionID uuid.UUID, fromSeq int64, limit int) ([]*PersistedEvent, error)
	// NextSequence returns max(sequence_number)+1, or 0 for an empty log.
	NextSequence(ctx context.Context, tenantID, sessionID uuid.UUID) (int64, error)
}
