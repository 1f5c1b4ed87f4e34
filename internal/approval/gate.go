// Package approval suspends sensitive tool calls until a human decides, the
// request times out, or the run ends.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/parley/internal/domain"
)

var ErrAlreadyResolved = errors.New("approval: already resolved") //nolint:gochecknoglobals // sentinel error

// DefaultTimeout bounds how long a run waits for a decision.
const DefaultTimeout = 10 * time.Minute

type Request struct {
	TenantID  uuid.UUID
	SessionID uuid.UUID
	RunID     uuid.UUID
	ToolUseID string
	ToolName  string
	Input     json.RawMessage
}

type Decision struct {
	Status    domain.ApprovalStatus
	Reason    string
	DecidedBy *uuid.UUID
}

func (d Decision) Approved() bool { return d.Status == domain.ApprovalStatusApproved }

type pending struct {
	req   *domain.ApprovalRequest
	ch    chan Decision
	timer *time.Timer
}

// Gate is the correlation table of open approval requests. Each entry is
// removed as soon as it is decided.
type Gate struct {
	timeout time.Duration
	repo    domain.ApprovalRepository

	mu      sync.Mutex
	pending map[uuid.UUID]*pending
}

// NewGate returns a gate. repo may be nil, in which case requests are not
// audited.
func NewGate(timeout time.Duration, repo domain.ApprovalRepository) *Gate {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Gate{
		timeout: timeout,
		repo:    repo,
		pending: make(map[uuid.UUID]*pending),
	}
}

// Ticket is the caller's handle on one open request.
type Ticket struct {
	ID        uuid.UUID
	ExpiresAt time.Time

	gate *Gate
	ch   <-chan Decision
}

// Request opens an approval request and arms its timeout.
func (g *Gate) Request(ctx context.Context, req Request) (*Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("approval.Gate.Request: %w", err)
	}
	now := time.Now().UTC()
	rec := &domain.ApprovalRequest{
		ID:        uuid.New(),
		TenantID:  req.TenantID,
		SessionID: req.SessionID,
		RunID:     req.RunID,
		ToolUseID: req.ToolUseID,
		ToolName:  req.ToolName,
		Input:     req.Input,
		Status:    domain.ApprovalStatusRequested,
		ExpiresAt: now.Add(g.timeout),
		CreatedAt: now,
	}
	if g.repo != nil {
		if err := g.repo.Create(ctx, rec); err != nil {
			log.Error().Err(err).Str("approval_id", rec.ID.String()).Msg("approval.Gate.Request: audit create failed")
		}
	}

	p := &pending{req: rec, ch: make(chan Decision, 1)}
	g.mu.Lock()
	g.pending[rec.ID] = p
	p.timer = time.AfterFunc(g.timeout, func() {
		g.settle(rec.ID, Decision{Status: domain.ApprovalStatusTimedOut, Reason: "approval timed out"})
	})
	g.mu.Unlock()

	log.Info().
		Str("tenant_id", req.TenantID.String()).
		Str("session_id", req.SessionID.String()).
		Str("approval_id", rec.ID.String()).
		Str("tool", req.ToolName).
		Msg("approval.Gate.Request: awaiting decision")

	return &Ticket{ID: rec.ID, ExpiresAt: rec.ExpiresAt, gate: g, ch: p.ch}, nil
}

// Wait blocks until the request is decided. If ctx ends first the request is
// cancelled.
func (t *Ticket) Wait(ctx context.Context) Decision {
	select {
	case d := <-t.ch:
		return d
	case <-ctx.Done():
		t.gate.settle(t.ID, Decision{Status: domain.ApprovalStatusCancelled, Reason: "run cancelled"})
		// settle either delivered our decision or a concurrent one won.
		return <-t.ch
	}
}

// Resolve applies a human decision. Requests of another tenant are reported
// as not found.
func (g *Gate) Resolve(ctx context.Context, tenantID, approvalID uuid.UUID, approved bool, reason string, decidedBy *uuid.UUID) error {
	g.mu.Lock()
	p, ok := g.pending[approvalID]
	g.mu.Unlock()

	if !ok || p.req.TenantID != tenantID {
		return g.missing(ctx, tenantID, approvalID)
	}

	d := Decision{Status: domain.ApprovalStatusRejected, Reason: reason, DecidedBy: decidedBy}
	if approved {
		d.Status = domain.ApprovalStatusApproved
	}
	if !g.settle(approvalID, d) {
		return fmt.Errorf("approval.Gate.Resolve(%s): %w", approvalID, ErrAlreadyResolved)
	}
	return nil
}

// missing tells a decided request apart from one that never existed here.
func (g *Gate) missing(ctx context.Context, tenantID, approvalID uuid.UUID) error {
	if g.repo != nil {
		rec, err := g.repo.GetByID(ctx, tenantID, approvalID)
		if err == nil && rec.Status.Terminal() {
			return fmt.Errorf("approval.Gate.Resolve(%s): %w", approvalID, ErrAlreadyResolved)
		}
	}
	return fmt.Errorf("approval.Gate.Resolve(%s): %w", approvalID, domain.ErrNotFound)
}

// Has reports whether approvalID is open on this gate for tenantID.
func (g *Gate) Has(tenantID, approvalID uuid.UUID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pending[approvalID]
	return ok && p.req.TenantID == tenantID
}

// CancelSession resolves every open request of a session as cancelled and
// returns how many there were.
func (g *Gate) CancelSession(tenantID, sessionID uuid.UUID) int {
	g.mu.Lock()
	var ids []uuid.UUID
	for id, p := range g.pending {
		if p.req.TenantID == tenantID && p.req.SessionID == sessionID {
			ids = append(ids, id)
		}
	}
	g.mu.Unlock()

	n := 0
	for _, id := range ids {
		if g.settle(id, Decision{Status: domain.ApprovalStatusCancelled, Reason: "run ended"}) {
			n++
		}
	}
	return n
}

// Pending lists the open requests of a session, oldest first.
func (g *Gate) Pending(tenantID, sessionID uuid.UUID) []*domain.ApprovalRequest {
	g.mu.Lock()
	out := make([]*domain.ApprovalRequest, 0)
	for _, p := range g.pending {
		if p.req.TenantID == tenantID && p.req.SessionID == sessionID {
			cp := *p.req
			out = append(out, &cp)
		}
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Len returns the number of open requests.
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// settle removes the entry and delivers d. Only the first settle of an id
// succeeds.
func (g *Gate) settle(id uuid.UUID, d Decision) bool {
	g.mu.Lock()
	p, ok := g.pending[id]
	if ok {
		delete(g.pending, id)
	}
	g.mu.Unlock()
	if !ok {
		return false
	}
	p.timer.Stop()
	p.ch <- d

	if d.Status == domain.ApprovalStatusTimedOut {
		log.Warn().Str("approval_id", id.String()).Msg("approval.Gate: request timed out")
	}
	if g.repo != nil {
		// The run may already be gone; the audit row is written regardless.
		if err := g.repo.Resolve(context.Background(), p.req.TenantID, id, d.Status, d.Reason, d.DecidedBy); err != nil {
			log.Error().Err(err).Str("approval_id", id.String()).Msg("approval.Gate: audit resolve failed")
		}
	}
	return true
}
