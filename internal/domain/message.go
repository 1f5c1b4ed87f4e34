package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// MessageView is a row of the materialized conversation view, derived from
// session_start and message events.
type MessageView struct {
	ID             uuid.UUID   `json:"id"`
	TenantID       uuid.UUID   `json:"tenant_id"`
	SessionID      uuid.UUID   `json:"session_id"`
	SequenceNumber int64       `json:"sequence_number"`
	Role           MessageRole `json:"role"`
	Content        string      `json:"content"`
	StopReason     string      `json:"stop_reason,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// ViewFromEvent derives a MessageView row from a persisted event. ok is false
// for kinds that do not contribute to the view.
func ViewFromEvent(ev AgentEvent) (view *MessageView, ok bool) {
	m := ev.Meta()
	if m.Sequence == nil {
		return nil, false
	}
	view = &MessageView{
		ID:             m.ID,
		TenantID:       m.TenantID,
		SessionID:      m.SessionID,
		SequenceNumber: *m.Sequence,
		CreatedAt:      m.Timestamp,
	}
	switch e := ev.(type) {
	case *SessionStart:
		view.Role = RoleUser
		view.Content = e.Prompt
	case *Message:
		view.Role = RoleAssistant
		view.Content = e.Text
		view.StopReason = e.StopReason
	default:
		return nil, false
	}
	return view, true
}

type MessageRepository interface {
	// Upsert is idempotent on (session_id, sequence_number).
	Upsert(ctx context.Context, m *MessageView) error
	ListBySession(ctx context.Context, tenantID, sessionID uuid.UUID) ([]*MessageView, error)
}
