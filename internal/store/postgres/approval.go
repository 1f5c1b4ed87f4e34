package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/parley/internal/domain"
)

const approvalColumns = `id, tenant_id, session_id, run_id, tool_use_id, tool_name, input,
		        status, reason, decided_by, expires_at, created_at, resolved_at`

type ApprovalRepo struct {
	pool *pgxpool.Pool
}

func NewApprovalRepo(pool *pgxpool.Pool) *ApprovalRepo {
	return &ApprovalRepo{pool: pool}
}

func (r *ApprovalRepo) Create(ctx context.Context, a *domain.ApprovalRequest) error {
	input := []byte(a.Input)
	if len(input) == 0 {
		input = []byte(`{}`)
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO approval_requests (`+approvalColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		a.ID, a.TenantID, a.SessionID, a.RunID, a.ToolUseID, a.ToolName, input,
		a.Status, a.Reason, a.DecidedBy, a.ExpiresAt, a.CreatedAt, a.ResolvedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("approvalRepo.Create: %w", domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("approvalRepo.Create: %w", err)
	}

	return nil
}

func scanApproval(row pgx.Row) (*domain.ApprovalRequest, error) {
	var a domain.ApprovalRequest
	var input []byte

	err := row.Scan(
		&a.ID, &a.TenantID, &a.SessionID, &a.RunID, &a.ToolUseID, &a.ToolName, &input,
		&a.Status, &a.Reason, &a.DecidedBy, &a.ExpiresAt, &a.CreatedAt, &a.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Input = input

	return &a, nil
}

func (r *ApprovalRepo) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*domain.ApprovalRequest, error) {
	a, err := scanApproval(r.pool.QueryRow(ctx,
		`SELECT `+approvalColumns+`
		 FROM approval_requests WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("approvalRepo.GetByID: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("approvalRepo.GetByID: %w", err)
	}

	return a, nil
}

// Resolve moves a requested row to a terminal status. A row that is already
// terminal yields domain.ErrInvalidTransition.
func (r *ApprovalRepo) Resolve(
	ctx context.Context,
	tenantID, id uuid.UUID,
	status domain.ApprovalStatus,
	reason string,
	decidedBy *uuid.UUID,
) error {
	if !domain.ApprovalStatusRequested.ValidTransition(status) {
		return fmt.Errorf("approvalRepo.Resolve: %q: %w", status, domain.ErrInvalidTransition)
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE approval_requests SET status = $1, reason = $2, decided_by = $3, resolved_at = now()
		 WHERE tenant_id = $4 AND id = $5 AND status = $6`,
		status, reason, decidedBy, tenantID, id, domain.ApprovalStatusRequested,
	)
	if err != nil {
		return fmt.Errorf("approvalRepo.Resolve: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	if _, err := r.GetByID(ctx, tenantID, id); err != nil {
		return fmt.Errorf("approvalRepo.Resolve: %w", err)
	}
	return fmt.Errorf("approvalRepo.Resolve: %w", domain.ErrInvalidTransition)
}

func (r *ApprovalRepo) ListPending(ctx context.Context, tenantID, sessionID uuid.UUID) ([]*domain.ApprovalRequest, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+approvalColumns+`
		 FROM approval_requests WHERE tenant_id = $1 AND session_id = $2 AND status = $3
		 ORDER BY created_at ASC`,
		tenantID, sessionID, domain.ApprovalStatusRequested,
	)
	if err != nil {
		return nil, fmt.Errorf("approvalRepo.ListPending: %w", err)
	}
	defer rows.Close()

	var out []*domain.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("approvalRepo.ListPending: scan: %w", err)
		}
		out = append(out, a)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("approvalRepo.ListPending: rows: %w", err)
	}

	return out, nil
}
