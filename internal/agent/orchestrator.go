package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/parley/internal/approval"
	"github.com/gosuda/parley/internal/domain"
	"github.com/gosuda/parley/internal/sequencer"
)

// ErrRunNotFound is returned when a session has no active run.
var ErrRunNotFound = fmt.Errorf("agent: no active run: %w", domain.ErrNotFound) //nolint:gochecknoglobals // sentinel error

// Run is the handle of one asynchronous invocation.
type Run struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	SessionID uuid.UUID

	cancel context.CancelFunc
	done   chan struct{}
	result domain.RunResult
}

// Done is closed when the run reaches a terminal state.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run ends or ctx is done. Giving up on the wait does
// not cancel the run.
func (r *Run) Wait(ctx context.Context) (domain.RunResult, error) {
	select {
	case <-r.done:
		return r.result, nil
	case <-ctx.Done():
		return domain.RunResult{}, fmt.Errorf("agent.Run.Wait: %w", ctx.Err())
	}
}

// Result returns the outcome of a finished run. ok is false while the run is
// still in progress.
func (r *Run) Result() (res domain.RunResult, ok bool) {
	select {
	case <-r.done:
		return r.result, true
	default:
		return domain.RunResult{}, false
	}
}

// CompletedRun returns a handle for a run that already ended.
func CompletedRun(tenantID, sessionID uuid.UUID, result domain.RunResult) *Run {
	r := &Run{
		ID:        result.RunID,
		TenantID:  tenantID,
		SessionID: sessionID,
		cancel:    func() {},
		done:      make(chan struct{}),
		result:    result,
	}
	close(r.done)
	return r
}

// Orchestrator owns the active runs of this process, one per session.
type Orchestrator struct {
	exec      *Executor
	sessions  domain.SessionRepository
	gate      *approval.Gate
	approvals domain.ApprovalRepository
	relay     *approval.Relay

	// runs tracks active runs by session ID for cancellation.
	runs map[uuid.UUID]*Run
	mu   sync.RWMutex
	wg   sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewOrchestrator wires an orchestrator. relay and approvals may be nil for a
// single-node deployment.
func NewOrchestrator(
	exec *Executor,
	sessions domain.SessionRepository,
	gate *approval.Gate,
	approvals domain.ApprovalRepository,
	relay *approval.Relay,
) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		exec:      exec,
		sessions:  sessions,
		gate:      gate,
		approvals: approvals,
		relay:     relay,
		runs:      make(map[uuid.UUID]*Run),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// StartRun verifies the session belongs to tenantID and starts a run in the
// background. A session runs at most one invocation at a time.
func (o *Orchestrator) StartRun(ctx context.Context, tenantID, sessionID uuid.UUID, prompt string) (*Run, error) {
	if _, err := o.sessions.GetByID(ctx, tenantID, sessionID); err != nil {
		return nil, fmt.Errorf("agent.Orchestrator.StartRun: %w", err)
	}
	if err := o.ctx.Err(); err != nil {
		return nil, fmt.Errorf("agent.Orchestrator.StartRun: shutting down: %w", err)
	}

	runCtx, cancel := context.WithCancel(o.ctx)
	r := &Run{
		ID:        uuid.New(),
		TenantID:  tenantID,
		SessionID: sessionID,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	o.mu.Lock()
	if _, busy := o.runs[sessionID]; busy {
		o.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("agent.Orchestrator.StartRun: %w", sequencer.ErrSessionBusy)
	}
	o.runs[sessionID] = r
	o.wg.Add(1)
	o.mu.Unlock()

	log.Info().
		Str("tenant_id", tenantID.String()).
		Str("session_id", sessionID.String()).
		Str("run_id", r.ID.String()).
		Msg("agent.Orchestrator.StartRun: run started")

	go func() {
		defer o.wg.Done()
		defer cancel()
		r.result = o.exec.Run(runCtx, RunRequest{
			RunID:     r.ID,
			TenantID:  tenantID,
			SessionID: sessionID,
			Prompt:    prompt,
		})
		o.mu.Lock()
		delete(o.runs, sessionID)
		o.mu.Unlock()
		close(r.done)
	}()
	return r, nil
}

// ActiveRun returns the run in progress for a session.
func (o *Orchestrator) ActiveRun(tenantID, sessionID uuid.UUID) (*Run, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.runs[sessionID]
	if !ok || r.TenantID != tenantID {
		return nil, false
	}
	return r, true
}

// ActiveRuns returns the number of runs in progress.
func (o *Orchestrator) ActiveRuns() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.runs)
}

// CancelRun cancels the active run of a session. The run still emits its
// terminal events.
func (o *Orchestrator) CancelRun(_ context.Context, tenantID, sessionID uuid.UUID) error {
	r, ok := o.ActiveRun(tenantID, sessionID)
	if !ok {
		return fmt.Errorf("agent.Orchestrator.CancelRun: %w", ErrRunNotFound)
	}
	r.cancel()
	log.Info().
		Str("session_id", sessionID.String()).
		Str("run_id", r.ID.String()).
		Msg("agent.Orchestrator.CancelRun: cancellation requested")
	return nil
}

// PendingApprovals lists the open approval requests of a session.
func (o *Orchestrator) PendingApprovals(ctx context.Context, tenantID, sessionID uuid.UUID) ([]*domain.ApprovalRequest, error) {
	if o.approvals != nil {
		reqs, err := o.approvals.ListPending(ctx, tenantID, sessionID)
		if err != nil {
			return nil, fmt.Errorf("agent.Orchestrator.PendingApprovals: %w", err)
		}
		return reqs, nil
	}
	return o.gate.Pending(tenantID, sessionID), nil
}

// ResolveApproval applies a decision. Requests waiting on another node are
// forwarded over the relay; relayed reports whether that happened.
func (o *Orchestrator) ResolveApproval(
	ctx context.Context,
	tenantID, approvalID uuid.UUID,
	approved bool,
	reason string,
	decidedBy *uuid.UUID,
) (relayed bool, err error) {
	err = o.gate.Resolve(ctx, tenantID, approvalID, approved, reason, decidedBy)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, domain.ErrNotFound) || o.relay == nil || o.approvals == nil {
		return false, fmt.Errorf("agent.Orchestrator.ResolveApproval: %w", err)
	}

	rec, getErr := o.approvals.GetByID(ctx, tenantID, approvalID)
	if getErr != nil || rec.Status != domain.ApprovalStatusRequested {
		return false, fmt.Errorf("agent.Orchestrator.ResolveApproval: %w", err)
	}
	if pubErr := o.relay.Publish(ctx, tenantID, approvalID, approved, reason, decidedBy); pubErr != nil {
		return false, fmt.Errorf("agent.Orchestrator.ResolveApproval: relay: %w", pubErr)
	}
	return true, nil
}

// Shutdown cancels every active run and waits for their terminal events to
// drain, or for ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		log.Warn().Int("active", o.ActiveRuns()).Msg("agent.Orchestrator.Shutdown: deadline exceeded")
		return fmt.Errorf("agent.Orchestrator.Shutdown: %w", ctx.Err())
	}
}
