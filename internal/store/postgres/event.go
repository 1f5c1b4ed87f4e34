package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/parley/internal/domain"
)

type EventRepo struct {
	pool *pgxpool.Pool
}

func NewEventRepo(pool *pgxpool.Pool) *EventRepo {
	return &EventRepo{pool: pool}
}

// Append inserts one row of the event log. A row already stored under the
// same (session_id, sequence_number) is left untouched and reported as not
// inserted.
func (r *EventRepo) Append(ctx context.Context, e *domain.PersistedEvent) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO agent_events (id, tenant_id, session_id, sequence_number, event_type, data, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (session_id, sequence_number) DO NOTHING`,
		e.ID, e.TenantID, e.SessionID, e.SequenceNumber, e.EventType, []byte(e.Data), e.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("eventRepo.Append: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

func (r *EventRepo) ListBySession(ctx context.Context, tenantID, sessionID uuid.UUID, fromSeq int64, limit int) ([]*domain.PersistedEvent, error) {
	query := `SELECT id, tenant_id, session_id, sequence_number, event_type, data, created_at
		 FROM agent_events WHERE tenant_id = $1 AND session_id = $2 AND sequence_number >= $3
		 ORDER BY sequence_number ASC`
	args := []any{tenantID, sessionID, fromSeq}
	if limit > 0 {
		query += ` LIMIT $4`
		args = append(args, limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("eventRepo.ListBySession: %w", err)
	}
	defer rows.Close()

	var events []*domain.PersistedEvent
	for rows.Next() {
		var e domain.PersistedEvent
		var data []byte

		err = rows.Scan(&e.ID, &e.TenantID, &e.SessionID, &e.SequenceNumber, &e.EventType, &data, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("eventRepo.ListBySession: scan: %w", err)
		}
		e.Data = data
		events = append(events, &e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("eventRepo.ListBySession: rows: %w", err)
	}

	return events, nil
}

func (r *EventRepo) NextSequence(ctx context.Context, tenantID, sessionID uuid.UUID) (int64, error) {
	var next int64

	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence_number) + 1, 0) FROM agent_events
		 WHERE tenant_id = $1 AND session_id = $2`,
		tenantID, sessionID,
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("eventRepo.NextSequence: %w", err)
	}

	return next, nil
}
