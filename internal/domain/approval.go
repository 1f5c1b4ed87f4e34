package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type ApprovalStatus string

const (
	ApprovalStatusRequested ApprovalStatus = "requested"
	ApprovalStatusApproved  ApprovalStatus = "approved"
	ApprovalStatusRejected  ApprovalStatus = "rejected"
	ApprovalStatusTimedOut  ApprovalStatus = "timed_out"
	ApprovalStatusCancelled ApprovalStatus = "cancelled"
)

// ValidTransition checks if an approval state transition is allowed.
// Only requested may move, and only to a terminal status.
func (s ApprovalStatus) ValidTransition(to ApprovalStatus) bool {
	if s != ApprovalStatusRequested {
		return false
	}
	switch to {
	case ApprovalStatusApproved, ApprovalStatusRejected, ApprovalStatusTimedOut, ApprovalStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is possible.
func (s ApprovalStatus) Terminal() bool {
	return s != ApprovalStatusRequested
}

// ApprovalRequest is the audit record of a human-in-the-loop checkpoint for
// one sensitive tool call.
type ApprovalRequest struct {
	ID         uuid.UUID       `json:"id"`
	TenantID   uuid.UUID       `json:"tenant_id"`
	SessionID  uuid.UUID       `json:"session_id"`
	RunID      uuid.UUID       `json:"run_id"`
	ToolUseID  string          `json:"tool_use_id"`
	ToolName   string          `json:"tool_name"`
	Input      json.RawMessage `json:"input"`
	Status     ApprovalStatus  `json:"status"`
	Reason     string          `json:"reason,omitempty"`
	DecidedBy  *uuid.UUID      `json:"decided_by,omitempty"`
	ExpiresAt  time.Time       `json:"expires_at"`
	CreatedAt  time.Time       `json:"created_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
}

type ApprovalRepository interface {
	Create(ctx context.Context, a *ApprovalRequest) error
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (*ApprovalRequest, error)
	// Resolve moves a requested row to a terminal status. It returns
	// ErrInvalidTransition when the row is already terminal.
	Resolve(ctx context.Context, tenantID, id uuid.UUID, status ApprovalStatus, reason string, decidedBy *uuid.UUID) error
	ListPending(ctx context.Context, tenantID, sessionID uuid.UUID) ([]*ApprovalRequest, error)
}
