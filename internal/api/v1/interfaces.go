package v1

import (
	"context"

	"github.com/google/uuid"

	"github.com/gosuda/parley/internal/agent"
	"github.com/gosuda/parley/internal/domain"
	"github.com/gosuda/parley/internal/queue"
)

// DataStore abstracts the repository accessor pattern for handler testing.
// *postgres.Store and *memory.Store satisfy this interface.
type DataStore interface {
	Sessions() domain.SessionRepository
	Events() domain.EventRepository
	Messages() domain.MessageRepository
	Usage() domain.UsageRepository
}

// RunOrchestrator abstracts run lifecycle and approval operations for
// handler testing. *agent.Orchestrator satisfies this interface.
type RunOrchestrator interface {
	StartRun(ctx context.Context, tenantID, sessionID uuid.UUID, prompt string) (*agent.Run, error)
	CancelRun(ctx context.Context, tenantID, sessionID uuid.UUID) error
	PendingApprovals(ctx context.Context, tenantID, sessionID uuid.UUID) ([]*domain.ApprovalRequest, error)
	ResolveApproval(ctx context.Context, tenantID, approvalID uuid.UUID, approved bool, reason string, decidedBy *uuid.UUID) (bool, error)
}

// QueueStats reports worker queue counters. *queue.Registry satisfies this
// interface.
type QueueStats interface {
	Stats() []queue.Stats
}
