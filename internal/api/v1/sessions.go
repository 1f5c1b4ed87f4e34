package v1

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/gosuda/parley/internal/domain"
	"github.com/gosuda/parley/internal/server/middleware"
)

type CreateSessionInput struct {
	Body struct {
		Title string `json:"title,omitempty" maxLength:"200" doc:"Human readable title"`
	}
}

type SessionOutput struct {
	Body *domain.Session
}

type GetSessionInput struct {
	ID uuid.UUID `path:"id" doc:"Session ID"`
}

type ListEventsInput struct {
	ID    uuid.UUID `path:"id" doc:"Session ID"`
	From  int64     `query:"from" minimum:"0" default:"0" doc:"First sequence number to return"`
	Limit int       `query:"limit" minimum:"1" maximum:"1000" default:"200" doc:"Max events"`
}

type ListEventsOutput struct {
	Body []*domain.PersistedEvent
}

type ListMessagesOutput struct {
	Body []*domain.MessageView
}

type ListUsageOutput struct {
	Body []*domain.UsageRecord
}

func RegisterSessionRoutes(api huma.API, store DataStore) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Create a session owned by the caller",
		Tags:          []string{"Sessions"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *CreateSessionInput) (*SessionOutput, error) {
		tenantID, err := tenantFrom(ctx)
		if err != nil {
			return nil, err
		}
		userID, ok := middleware.UserIDFromContext(ctx)
		if !ok {
			return nil, huma.Error403Forbidden("missing user context")
		}

		s := &domain.Session{
			ID:        uuid.New(),
			TenantID:  tenantID,
			UserID:    userID,
			Title:     input.Body.Title,
			CreatedAt: time.Now(),
		}
		if err := store.Sessions().Create(ctx, s); err != nil {
			return nil, problem(err, "session", "failed to create session")
		}
		return &SessionOutput{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}",
		Summary:     "Get a session by ID",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *GetSessionInput) (*SessionOutput, error) {
		tenantID, err := tenantFrom(ctx)
		if err != nil {
			return nil, err
		}
		s, err := store.Sessions().GetByID(ctx, tenantID, input.ID)
		if err != nil {
			return nil, problem(err, "session", "failed to get session")
		}
		return &SessionOutput{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-session-events",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/events",
		Summary:     "Replay the durable event log of a session",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *ListEventsInput) (*ListEventsOutput, error) {
		tenantID, err := tenantFrom(ctx)
		if err != nil {
			return nil, err
		}
		if _, err := store.Sessions().GetByID(ctx, tenantID, input.ID); err != nil {
			return nil, problem(err, "session", "failed to get session")
		}
		events, err := store.Events().ListBySession(ctx, tenantID, input.ID, input.From, input.Limit)
		if err != nil {
			return nil, problem(err, "session", "failed to list events")
		}
		return &ListEventsOutput{Body: events}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-session-messages",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/messages",
		Summary:     "List the conversation view of a session",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *GetSessionInput) (*ListMessagesOutput, error) {
		tenantID, err := tenantFrom(ctx)
		if err != nil {
			return nil, err
		}
		if _, err := store.Sessions().GetByID(ctx, tenantID, input.ID); err != nil {
			return nil, problem(err, "session", "failed to get session")
		}
		msgs, err := store.Messages().ListBySession(ctx, tenantID, input.ID)
		if err != nil {
			return nil, problem(err, "session", "failed to list messages")
		}
		return &ListMessagesOutput{Body: msgs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-session-usage",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/usage",
		Summary:     "List token usage records of a session",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *GetSessionInput) (*ListUsageOutput, error) {
		tenantID, err := tenantFrom(ctx)
		if err != nil {
			return nil, err
		}
		if _, err := store.Sessions().GetByID(ctx, tenantID, input.ID); err != nil {
			return nil, problem(err, "session", "failed to get session")
		}
		recs, err := store.Usage().ListBySession(ctx, tenantID, input.ID)
		if err != nil {
			return nil, problem(err, "session", "failed to list usage")
		}
		return &ListUsageOutput{Body: recs}, nil
	})
}
