package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/parley/internal/domain"
)

type UsageRepo struct {
	pool *pgxpool.Pool
}

func NewUsageRepo(pool *pgxpool.Pool) *UsageRepo {
	return &UsageRepo{pool: pool}
}

// Create stores a usage record. A record id that is already stored yields
// domain.ErrConflict so a retried job is not counted twice.
func (r *UsageRepo) Create(ctx context.Context, u *domain.UsageRecord) error {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO usage_records (id, tenant_id, session_id, run_id, model,
		        input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO NOTHING`,
		u.ID, u.TenantID, u.SessionID, u.RunID, u.Model,
		u.InputTokens, u.OutputTokens, u.CacheReadTokens, u.CacheWriteTokens, u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("usageRepo.Create: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("usageRepo.Create: %w", domain.ErrConflict)
	}

	return nil
}

func (r *UsageRepo) ListBySession(ctx context.Context, tenantID, sessionID uuid.UUID) ([]*domain.UsageRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, tenant_id, session_id, run_id, model,
		        input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, created_at
		 FROM usage_records WHERE tenant_id = $1 AND session_id = $2
		 ORDER BY created_at ASC`,
		tenantID, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("usageRepo.ListBySession: %w", err)
	}
	defer rows.Close()

	var out []*domain.UsageRecord
	for rows.Next() {
		var u domain.UsageRecord

		err = rows.Scan(&u.ID, &u.TenantID, &u.SessionID, &u.RunID, &u.Model,
			&u.InputTokens, &u.OutputTokens, &u.CacheReadTokens, &u.CacheWriteTokens, &u.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("usageRepo.ListBySession: scan: %w", err)
		}
		out = append(out, &u)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("usageRepo.ListBySession: rows: %w", err)
	}

	return out, nil
}
