package v1

import (
	"context"
	"errors"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/gosuda/parley/internal/approval"
	"github.com/gosuda/parley/internal/domain"
	"github.com/gosuda/parley/internal/sequencer"
	"github.com/gosuda/parley/internal/server/middleware"
)

// problem maps a domain error onto an RFC 9457 response. what names the
// resource for the not found detail.
func problem(err error, what, fallback string) error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return huma.Error404NotFound(what + " not found")
	case errors.Is(err, domain.ErrForbidden):
		return huma.Error403Forbidden("access denied")
	case errors.Is(err, sequencer.ErrSessionBusy):
		return huma.Error409Conflict("session already has an active run")
	case errors.Is(err, approval.ErrAlreadyResolved), errors.Is(err, domain.ErrInvalidTransition):
		return huma.Error409Conflict(what + " already resolved")
	case errors.Is(err, domain.ErrConflict):
		return huma.Error409Conflict(what + " already exists")
	case errors.Is(err, context.DeadlineExceeded):
		return huma.Error504GatewayTimeout(fallback)
	default:
		return huma.Error500InternalServerError(fallback, err)
	}
}

func tenantFrom(ctx context.Context) (uuid.UUID, error) {
	tenantID, ok := middleware.TenantIDFromContext(ctx)
	if !ok || tenantID == uuid.Nil {
		return uuid.Nil, huma.Error403Forbidden("missing tenant context")
	}
	return tenantID, nil
}
