package v1

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gosuda/parley/internal/queue"
)

type ListQueuesOutput struct {
	Body []queue.Stats
}

// RegisterQueueRoutes registers the operational endpoints. api must be
// mounted behind middleware.RequireRole(middleware.RoleAdmin).
func RegisterQueueRoutes(api huma.API, queues QueueStats) {
	huma.Register(api, huma.Operation{
		OperationID: "list-queues",
		Method:      http.MethodGet,
		Path:        "/queues",
		Summary:     "Report worker queue counters",
		Tags:        []string{"Operations"},
	}, func(_ context.Context, _ *struct{}) (*ListQueuesOutput, error) {
		return &ListQueuesOutput{Body: queues.Stats()}, nil
	})
}
