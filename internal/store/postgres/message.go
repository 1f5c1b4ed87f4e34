package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/parley/internal/domain"
)

type MessageRepo struct {
	pool *pgxpool.Pool
}

func NewMessageRepo(pool *pgxpool.Pool) *MessageRepo {
	return &MessageRepo{pool: pool}
}

func (r *MessageRepo) Upsert(ctx context.Context, m *domain.MessageView) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO session_messages (id, tenant_id, session_id, sequence_number, role, content, stop_reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (session_id, sequence_number)
		 DO UPDATE SET role = EXCLUDED.role, content = EXCLUDED.content, stop_reason = EXCLUDED.stop_reason`,
		m.ID, m.TenantID, m.SessionID, m.SequenceNumber, m.Role, m.Content, m.StopReason, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("messageRepo.Upsert: %w", err)
	}

	return nil
}

func (r *MessageRepo) ListBySession(ctx context.Context, tenantID, sessionID uuid.UUID) ([]*domain.MessageView, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, tenant_id, session_id, sequence_number, role, content, stop_reason, created_at
		 FROM session_messages WHERE tenant_id = $1 AND session_id = $2
		 ORDER BY sequence_number ASC`,
		tenantID, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("messageRepo.ListBySession: %w", err)
	}
	defer rows.Close()

	var views []*domain.MessageView
	for rows.Next() {
		var m domain.MessageView

		err = rows.Scan(&m.ID, &m.TenantID, &m.SessionID, &m.SequenceNumber, &m.Role, &m.Content, &m.StopReason, &m.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("messageRepo.ListBySession: scan: %w", err)
		}
		views = append(views, &m)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("messageRepo.ListBySession: rows: %w", err)
	}

	return views, nil
}
