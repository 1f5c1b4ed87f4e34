package v1_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/parley/internal/agent"
	"github.com/gosuda/parley/internal/domain"
	"github.com/gosuda/parley/internal/queue"
	"github.com/gosuda/parley/internal/server/middleware"
)

// ---------------------------------------------------------------------------
// Context helpers
// ---------------------------------------------------------------------------

func tenantCtx(tenantID uuid.UUID) context.Context {
	return context.WithValue(context.Background(), middleware.ContextKeyTenantID, tenantID)
}

func userCtx(tenantID, userID uuid.UUID, role string) context.Context {
	ctx := tenantCtx(tenantID)
	ctx = context.WithValue(ctx, middleware.ContextKeyUserID, userID)
	ctx = context.WithValue(ctx, middleware.ContextKeyUserRole, role)
	return ctx
}

// parseErrorBody decodes the RFC 9457 problem detail from the response body.
func parseErrorBody(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	return body
}

// ---------------------------------------------------------------------------
// Mock RunOrchestrator
// ---------------------------------------------------------------------------

type mockOrchestrator struct {
	startRunFunc         func(ctx context.Context, tenantID, sessionID uuid.UUID, prompt string) (*agent.Run, error)
	cancelRunFunc        func(ctx context.Context, tenantID, sessionID uuid.UUID) error
	pendingApprovalsFunc func(ctx context.Context, tenantID, sessionID uuid.UUID) ([]*domain.ApprovalRequest, error)
	resolveApprovalFunc  func(ctx context.Context, tenantID, approvalID uuid.UUID, approved bool, reason string, decidedBy *uuid.UUID) (bool, error)
}

func (m *mockOrchestrator) StartRun(ctx context.Context, tenantID, sessionID uuid.UUID, prompt string) (*agent.Run, error) {
	return m.startRunFunc(ctx, tenantID, sessionID, prompt)
}

func (m *mockOrchestrator) CancelRun(ctx context.Context, tenantID, sessionID uuid.UUID) error {
	return m.cancelRunFunc(ctx, tenantID, sessionID)
}

func (m *mockOrchestrator) PendingApprovals(ctx context.Context, tenantID, sessionID uuid.UUID) ([]*domain.ApprovalRequest, error) {
	return m.pendingApprovalsFunc(ctx, tenantID, sessionID)
}

func (m *mockOrchestrator) ResolveApproval(ctx context.Context, tenantID, approvalID uuid.UUID, approved bool, reason string, decidedBy *uuid.UUID) (bool, error) {
	return m.resolveApprovalFunc(ctx, tenantID, approvalID, approved, reason, decidedBy)
}

// ---------------------------------------------------------------------------
// Mock QueueStats
// ---------------------------------------------------------------------------

type mockQueues struct {
	stats []queue.Stats
}

func (m *mockQueues) Stats() []queue.Stats { return m.stats }
