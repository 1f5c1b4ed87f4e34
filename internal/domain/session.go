package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Session is one conversation thread. It is owned by exactly one user of one
// tenant and carries a single zero-based sequence counter for its durable
// events.
type Session struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	UserID    uuid.UUID `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionRepository is the session-management boundary. Sessions are created
// outside the event pipeline; the pipeline only looks them up.
type SessionRepository interface {
	Create(ctx context.Context, s *Session) error
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (*Session, error)
}
