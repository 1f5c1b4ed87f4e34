// Package agent runs agent sessions: it drives provider turns, executes tool
// calls behind the approval gate and streams every event through a Pipeline.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/parley/internal/approval"
	"github.com/gosuda/parley/internal/broadcast"
	"github.com/gosuda/parley/internal/domain"
	"github.com/gosuda/parley/internal/provider"
	"github.com/gosuda/parley/internal/sequencer"
	"github.com/gosuda/parley/internal/stream"
	"github.com/gosuda/parley/internal/tool"
)

// DefaultMaxTurns bounds the provider round trips of one run.
const DefaultMaxTurns = 16

// Tools is the tool surface a run needs. tool.Registry implements it.
type Tools interface {
	stream.Validator
	Definitions() []provider.ToolDefinition
	RequiresApproval(name string) bool
	Execute(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
}

// UsageRecorder receives the token usage of every turn.
type UsageRecorder interface {
	Record(ctx context.Context, tenantID, sessionID, runID uuid.UUID, u domain.Usage)
}

// ExecutorDeps are the collaborators of an Executor. Gate and Usage may be
// nil; without a gate every approval-gated tool is rejected.
type ExecutorDeps struct {
	Provider    provider.Provider
	Tools       Tools
	Sequencer   *sequencer.Sequencer
	Broadcaster broadcast.Broadcaster
	Events      Enqueuer
	Messages    domain.MessageRepository
	Gate        *approval.Gate
	Usage       UsageRecorder

	Model          string
	System         string
	MaxTokens      int
	ThinkingBudget int
	MaxTurns       int
}

type Executor struct {
	deps ExecutorDeps
}

func NewExecutor(deps ExecutorDeps) *Executor {
	if deps.MaxTurns <= 0 {
		deps.MaxTurns = DefaultMaxTurns
	}
	return &Executor{deps: deps}
}

type RunRequest struct {
	RunID     uuid.UUID
	TenantID  uuid.UUID
	SessionID uuid.UUID
	Prompt    string
}

// run is the state of one invocation.
type run struct {
	req      RunRequest
	pipe     *Pipeline
	messages []provider.Message
	turns    int
	text     string
	msgID    *uuid.UUID
}

func (r *run) meta() domain.EventMeta { return domain.NewMeta(r.req.TenantID, r.req.SessionID) }

// emit logs instead of failing: a closed pipeline only happens after the run
// has already ended.
func (r *run) emit(ctx context.Context, ev domain.AgentEvent) {
	if err := r.pipe.Emit(ctx, ev); err != nil {
		log.Error().Err(err).
			Str("session_id", r.req.SessionID.String()).
			Str("run_id", r.req.RunID.String()).
			Msg("agent.Executor: emit failed")
	}
}

// Run executes one invocation to a terminal state. The result is always
// populated; a cancelled ctx ends the run as cancelled.
func (e *Executor) Run(ctx context.Context, req RunRequest) domain.RunResult {
	if req.RunID == uuid.Nil {
		req.RunID = uuid.New()
	}
	logger := log.With().
		Str("tenant_id", req.TenantID.String()).
		Str("session_id", req.SessionID.String()).
		Str("run_id", req.RunID.String()).
		Logger()

	lease, err := e.deps.Sequencer.Acquire(ctx, req.TenantID, req.SessionID)
	if err != nil {
		logger.Warn().Err(err).Msg("agent.Executor.Run: acquire sequence lease")
		return domain.RunResult{
			RunID:  req.RunID,
			Reason: domain.CompleteError,
			Error:  fmt.Sprintf("acquire session: %v", err),
		}
	}

	r := &run{req: req, pipe: NewPipeline(lease, e.deps.Broadcaster, e.deps.Events)}
	defer r.pipe.Close()

	r.messages = e.history(ctx, req)
	r.emit(ctx, &domain.SessionStart{EventMeta: r.meta(), RunID: req.RunID, Prompt: req.Prompt})
	r.messages = append(r.messages, provider.Message{
		Role:  provider.RoleUser,
		Parts: []provider.Part{provider.TextPart{Text: req.Prompt}},
	})

	reason, runErr := e.loop(ctx, r)
	res := e.finish(ctx, r, reason, runErr)

	logger.Info().
		Bool("success", res.Success).
		Str("reason", string(res.Reason)).
		Int("turns", res.Turns).
		Msg("agent.Executor.Run: finished")
	return res
}

// history rebuilds the conversation from the message view. The view is
// eventually consistent, so a failed read degrades to an empty history.
func (e *Executor) history(ctx context.Context, req RunRequest) []provider.Message {
	if e.deps.Messages == nil {
		return nil
	}
	views, err := e.deps.Messages.ListBySession(ctx, req.TenantID, req.SessionID)
	if err != nil {
		log.Warn().Err(err).Str("session_id", req.SessionID.String()).Msg("agent.Executor: load history failed")
		return nil
	}
	out := make([]provider.Message, 0, len(views))
	for _, v := range views {
		if v.Content == "" {
			continue
		}
		role := provider.RoleUser
		if v.Role == domain.RoleAssistant {
			role = provider.RoleAssistant
		}
		out = append(out, provider.Message{Role: role, Parts: []provider.Part{provider.TextPart{Text: v.Content}}})
	}
	return out
}

// loop runs turns until a stop reason other than tool_use. A nil error with
// CompleteSuccess is the only successful outcome.
func (e *Executor) loop(ctx context.Context, r *run) (domain.CompleteReason, error) {
	adapter := stream.NewAdapter(r.req.TenantID, r.req.SessionID, e.deps.Tools)

	for r.turns < e.deps.MaxTurns {
		if ctx.Err() != nil {
			return domain.CompleteCancelled, ctx.Err()
		}
		r.turns++

		s, err := e.deps.Provider.Stream(ctx, &provider.Request{
			Model:          e.deps.Model,
			System:         e.deps.System,
			Messages:       r.messages,
			Tools:          e.deps.Tools.Definitions(),
			MaxTokens:      e.deps.MaxTokens,
			ThinkingBudget: e.deps.ThinkingBudget,
		})
		if err != nil {
			return e.failTurn(ctx, r, domain.ErrorCodeProvider, fmt.Errorf("provider %s: %w", e.deps.Provider.Name(), err))
		}

		turn, err := adapter.Consume(ctx, s, r.pipe)
		if cerr := s.Close(); cerr != nil {
			log.Debug().Err(cerr).Str("session_id", r.req.SessionID.String()).Msg("agent.Executor: close stream")
		}
		if turn != nil && e.deps.Usage != nil {
			e.deps.Usage.Record(ctx, r.req.TenantID, r.req.SessionID, r.req.RunID, turn.Usage)
		}
		if err != nil {
			code := domain.ErrorCodeProvider
			if errors.Is(err, stream.ErrStreamTruncated) {
				code = domain.ErrorCodeStream
			}
			return e.failTurn(ctx, r, code, fmt.Errorf("provider %s: %w", e.deps.Provider.Name(), err))
		}

		r.text = turn.Text
		id := turn.MessageID
		r.msgID = &id
		r.messages = append(r.messages, assistantMessage(turn))

		if turn.StopReason != provider.StopToolUse || len(turn.Calls) == 0 {
			return domain.CompleteSuccess, nil
		}

		results := make([]provider.Part, 0, len(turn.Calls))
		for _, call := range turn.Calls {
			results = append(results, e.runTool(ctx, r, call))
		}
		r.messages = append(r.messages, provider.Message{Role: provider.RoleUser, Parts: results})
	}
	return domain.CompleteMaxTurns, fmt.Errorf("turn limit of %d reached", e.deps.MaxTurns)
}

// failTurn classifies a provider failure. Failures caused by ctx are a
// cancellation, not an error event.
func (e *Executor) failTurn(ctx context.Context, r *run, code string, err error) (domain.CompleteReason, error) {
	if ctx.Err() != nil {
		return domain.CompleteCancelled, ctx.Err()
	}
	log.Error().Err(err).
		Str("session_id", r.req.SessionID.String()).
		Str("run_id", r.req.RunID.String()).
		Str("code", code).
		Msg("agent.Executor: provider turn failed")
	r.emit(ctx, &domain.Error{EventMeta: r.meta(), Code: code, Message: err.Error()})
	return domain.CompleteError, err
}

// finish emits the single complete event and session_end, and cancels any
// approval left open by this session.
func (e *Executor) finish(ctx context.Context, r *run, reason domain.CompleteReason, runErr error) domain.RunResult {
	if e.deps.Gate != nil {
		if n := e.deps.Gate.CancelSession(r.req.TenantID, r.req.SessionID); n > 0 {
			log.Info().Int("count", n).Str("session_id", r.req.SessionID.String()).Msg("agent.Executor: cancelled open approvals")
		}
	}
	r.emit(ctx, &domain.Complete{EventMeta: r.meta(), Reason: reason, Turns: r.turns})
	r.emit(ctx, &domain.SessionEnd{EventMeta: r.meta(), RunID: r.req.RunID})

	res := domain.RunResult{
		RunID:     r.req.RunID,
		Success:   reason == domain.CompleteSuccess && runErr == nil,
		Reason:    reason,
		Response:  r.text,
		MessageID: r.msgID,
		Turns:     r.turns,
	}
	if runErr != nil {
		res.Error = runErr.Error()
	}
	return res
}

func assistantMessage(turn *stream.Turn) provider.Message {
	parts := make([]provider.Part, 0, len(turn.Thinking)+1+len(turn.Calls))
	for _, th := range turn.Thinking {
		parts = append(parts, th)
	}
	if turn.Text != "" {
		parts = append(parts, provider.TextPart{Text: turn.Text})
	}
	for _, c := range turn.Calls {
		input := c.Input
		if !isObject(input) {
			input = json.RawMessage(`{}`)
		}
		parts = append(parts, provider.ToolUsePart{ID: c.ID, Name: c.Name, Input: input})
	}
	return provider.Message{Role: provider.RoleAssistant, Parts: parts}
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// runTool resolves one call to a tool_result and returns the part fed back
// to the provider. Every announced call gets exactly one result.
func (e *Executor) runTool(ctx context.Context, r *run, call stream.ToolCall) provider.Part {
	start := time.Now()
	fail := func(code string, err error) provider.Part {
		r.emit(ctx, &domain.ToolResult{
			EventMeta:  r.meta(),
			ToolUseID:  call.ID,
			Name:       call.Name,
			Error:      err.Error(),
			Code:       code,
			DurationMs: time.Since(start).Milliseconds(),
		})
		return provider.ToolResultPart{ToolUseID: call.ID, Content: err.Error(), IsError: true}
	}

	if ctx.Err() != nil {
		return fail(domain.ToolCodeCancelled, errors.New("run cancelled"))
	}
	if call.ArgsErr != nil {
		return fail(toolErrorCode(call.ArgsErr, domain.ToolCodeInvalidArguments), call.ArgsErr)
	}

	if e.deps.Tools.RequiresApproval(call.Name) {
		if code, err := e.awaitApproval(ctx, r, call); err != nil {
			return fail(code, err)
		}
		start = time.Now()
	}

	out, err := e.deps.Tools.Execute(ctx, call.Name, call.Input)
	if err != nil {
		log.Warn().Err(err).
			Str("session_id", r.req.SessionID.String()).
			Str("tool", call.Name).
			Str("tool_use_id", call.ID).
			Msg("agent.Executor: tool failed")
		return fail(toolErrorCode(err, domain.ToolCodeError), err)
	}
	content := string(out)
	switch {
	case len(out) == 0:
		out = json.RawMessage(`null`)
	case !json.Valid(out):
		// Plain-text output is stored as a JSON string.
		out, _ = json.Marshal(content)
	}
	r.emit(ctx, &domain.ToolResult{
		EventMeta:  r.meta(),
		ToolUseID:  call.ID,
		Name:       call.Name,
		Success:    true,
		Result:     out,
		DurationMs: time.Since(start).Milliseconds(),
	})
	if content == "" {
		content = string(out)
	}
	return provider.ToolResultPart{ToolUseID: call.ID, Content: content}
}

func toolErrorCode(err error, fallback string) string {
	switch {
	case errors.Is(err, tool.ErrUnknownTool):
		return domain.ToolCodeUnknownTool
	case errors.Is(err, tool.ErrInvalidArguments):
		return domain.ToolCodeInvalidArguments
	default:
		return fallback
	}
}

// awaitApproval suspends the run until the call is decided. It returns a
// result code and error when the call must not execute.
func (e *Executor) awaitApproval(ctx context.Context, r *run, call stream.ToolCall) (string, error) {
	if e.deps.Gate == nil {
		return domain.ToolCodeApprovalRejected, errors.New("approval required but no approval gate is configured")
	}
	ticket, err := e.deps.Gate.Request(ctx, approval.Request{
		TenantID:  r.req.TenantID,
		SessionID: r.req.SessionID,
		RunID:     r.req.RunID,
		ToolUseID: call.ID,
		ToolName:  call.Name,
		Input:     call.Input,
	})
	if err != nil {
		return domain.ToolCodeApprovalCancelled, fmt.Errorf("request approval: %w", err)
	}
	r.emit(ctx, &domain.ApprovalRequested{
		EventMeta:  r.meta(),
		ApprovalID: ticket.ID,
		ToolUseID:  call.ID,
		ToolName:   call.Name,
		Input:      call.Input,
		ExpiresAt:  ticket.ExpiresAt,
	})

	d := ticket.Wait(ctx)
	r.emit(ctx, &domain.ApprovalResolved{
		EventMeta:  r.meta(),
		ApprovalID: ticket.ID,
		ToolUseID:  call.ID,
		Status:     d.Status,
		Reason:     d.Reason,
	})

	switch d.Status {
	case domain.ApprovalStatusApproved:
		return "", nil
	case domain.ApprovalStatusTimedOut:
		return domain.ToolCodeApprovalTimeout, errors.New(reasonOr(d.Reason, "approval timed out"))
	case domain.ApprovalStatusCancelled:
		return domain.ToolCodeApprovalCancelled, errors.New(reasonOr(d.Reason, "approval cancelled"))
	case domain.ApprovalStatusRejected, domain.ApprovalStatusRequested:
		return domain.ToolCodeApprovalRejected, errors.New(reasonOr(d.Reason, "approval rejected"))
	default:
		return domain.ToolCodeApprovalRejected, fmt.Errorf("approval ended as %q", d.Status)
	}
}

func reasonOr(reason, fallback string) string {
	if reason == "" {
		return fallback
	}
	return reason
}
