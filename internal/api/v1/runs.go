package v1

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/gosuda/parley/internal/domain"
)

const maxRunWait = 10 * time.Minute

type StartRunInput struct {
	ID   uuid.UUID `path:"id" doc:"Session ID"`
	Wait bool      `query:"wait" default:"false" doc:"Block until the run finishes"`
	Body struct {
		Prompt string `json:"prompt" minLength:"1" doc:"User prompt"`
	}
}

// RunStatus describes an accepted run. Result is set once the run finished.
type RunStatus struct {
	RunID     uuid.UUID         `json:"run_id"`
	SessionID uuid.UUID         `json:"session_id"`
	Done      bool              `json:"done"`
	Result    *domain.RunResult `json:"result,omitempty"`
}

type StartRunOutput struct {
	Body RunStatus
}

type CancelRunInput struct {
	ID uuid.UUID `path:"id" doc:"Session ID"`
}

type CancelRunOutput struct {
	Body struct {
		Cancelled bool `json:"cancelled"`
	}
}

func RegisterRunRoutes(api huma.API, orchestrator RunOrchestrator) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-run",
		Method:        http.MethodPost,
		Path:          "/sessions/{id}/runs",
		Summary:       "Start an agent run on a session",
		Tags:          []string{"Runs"},
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *StartRunInput) (*StartRunOutput, error) {
		tenantID, err := tenantFrom(ctx)
		if err != nil {
			return nil, err
		}

		run, err := orchestrator.StartRun(ctx, tenantID, input.ID, input.Body.Prompt)
		if err != nil {
			return nil, problem(err, "session", "failed to start run")
		}

		out := &StartRunOutput{Body: RunStatus{RunID: run.ID, SessionID: run.SessionID}}
		if !input.Wait {
			return out, nil
		}

		// A disconnecting client stops waiting; the run itself continues.
		waitCtx, cancel := context.WithTimeout(ctx, maxRunWait)
		defer cancel()
		res, err := run.Wait(waitCtx)
		if err != nil {
			return nil, problem(err, "run", "timed out waiting for run")
		}
		out.Body.Done = true
		out.Body.Result = &res
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-run",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/cancel",
		Summary:     "Cancel the active run of a session",
		Tags:        []string{"Runs"},
	}, func(ctx context.Context, input *CancelRunInput) (*CancelRunOutput, error) {
		tenantID, err := tenantFrom(ctx)
		if err != nil {
			return nil, err
		}
		if err := orchestrator.CancelRun(ctx, tenantID, input.ID); err != nil {
			return nil, problem(err, "active run", "failed to cancel run")
		}
		out := &CancelRunOutput{}
		out.Body.Cancelled = true
		return out, nil
	})
}
