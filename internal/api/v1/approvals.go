package v1

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/gosuda/parley/internal/domain"
	"github.com/gosuda/parley/internal/server/middleware"
)

type ListApprovalsInput struct {
	ID uuid.UUID `path:"id" doc:"Session ID"`
}

type ListApprovalsOutput struct {
	Body []*domain.ApprovalRequest
}

type ResolveApprovalInput struct {
	ID   uuid.UUID `path:"id" doc:"Approval request ID"`
	Body struct {
		Approved bool   `json:"approved" doc:"Whether the tool call may run"`
		Reason   string `json:"reason,omitempty" maxLength:"1000" doc:"Optional reason shown to the agent"`
	}
}

type ResolveApprovalOutput struct {
	Body struct {
		ID       uuid.UUID `json:"id"`
		Approved bool      `json:"approved"`
		Relayed  bool      `json:"relayed" doc:"The waiting run lives on another node"`
	}
}

func RegisterApprovalRoutes(api huma.API, store DataStore, orchestrator RunOrchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "list-pending-approvals",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/approvals",
		Summary:     "List the pending approval requests of a session",
		Tags:        []string{"Approvals"},
	}, func(ctx context.Context, input *ListApprovalsInput) (*ListApprovalsOutput, error) {
		tenantID, err := tenantFrom(ctx)
		if err != nil {
			return nil, err
		}
		if _, err := store.Sessions().GetByID(ctx, tenantID, input.ID); err != nil {
			return nil, problem(err, "session", "failed to get session")
		}
		reqs, err := orchestrator.PendingApprovals(ctx, tenantID, input.ID)
		if err != nil {
			return nil, problem(err, "session", "failed to list approvals")
		}
		if reqs == nil {
			reqs = []*domain.ApprovalRequest{}
		}
		return &ListApprovalsOutput{Body: reqs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-approval",
		Method:      http.MethodPost,
		Path:        "/approvals/{id}",
		Summary:     "Approve or reject a pending tool call",
		Tags:        []string{"Approvals"},
	}, func(ctx context.Context, input *ResolveApprovalInput) (*ResolveApprovalOutput, error) {
		tenantID, err := tenantFrom(ctx)
		if err != nil {
			return nil, err
		}
		if !middleware.CanDecide(ctx) {
			return nil, huma.Error403Forbidden("insufficient permissions")
		}

		var decidedBy *uuid.UUID
		if uid, ok := middleware.UserIDFromContext(ctx); ok {
			decidedBy = &uid
		}

		relayed, err := orchestrator.ResolveApproval(ctx, tenantID, input.ID, input.Body.Approved, input.Body.Reason, decidedBy)
		if err != nil {
			return nil, problem(err, "approval request", "failed to resolve approval")
		}

		out := &ResolveApprovalOutput{}
		out.Body.ID = input.ID
		out.Body.Approved = input.Body.Approved
		out.Body.Relayed = relayed
		return out, nil
	})
}
