package server

import (
	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	v1 "github.com/gosuda/parley/internal/api/v1"
	"github.com/gosuda/parley/internal/api/ws"
)

func registerAPIRoutes(r chi.Router, deps Deps) {
	apiConfig := huma.DefaultConfig("Parley API", "1.0.0")
	apiConfig.Servers = []*huma.Server{
		{URL: "/api/v1"},
	}
	api := humachi.New(r, apiConfig)

	v1.RegisterSessionRoutes(api, deps.Store)
	v1.RegisterRunRoutes(api, deps.Orchestrator)
	v1.RegisterApprovalRoutes(api, deps.Store, deps.Orchestrator)
}

// registerAdminRoutes mounts a separate huma API for operators. Its docs live
// under /admin so they do not collide with the main API.
func registerAdminRoutes(r chi.Router, deps Deps) {
	adminConfig := huma.DefaultConfig("Parley Admin API", "1.0.0")
	adminConfig.Servers = []*huma.Server{
		{URL: "/api/v1"},
	}
	adminConfig.OpenAPIPath = "/admin/openapi"
	adminConfig.DocsPath = "/admin/docs"
	adminConfig.SchemasPath = "/admin/schemas"
	api := humachi.New(r, adminConfig)

	v1.RegisterQueueRoutes(api, deps.Queues)
}

func registerWSRoutes(r chi.Router, h *ws.Handler) {
	r.Get("/sessions/{sessionID}", h.ServeSession)
}
