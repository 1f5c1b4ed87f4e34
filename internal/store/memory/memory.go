// Package memory provides in-memory repositories for tests and local
// development. Nothing is durable across restarts.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gosuda/parley/internal/domain"
)

// errNilRecord is returned when a repository is handed a nil pointer.
var errNilRecord = errors.New("memory: nil record") //nolint:gochecknoglobals // sentinel error

type Store struct {
	sessions  *SessionRepo
	events    *EventRepo
	messages  *MessageRepo
	approvals *ApprovalRepo
	usage     *UsageRepo
}

func New() *Store {
	return &Store{
		sessions:  &SessionRepo{rows: make(map[uuid.UUID]*domain.Session)},
		events:    &EventRepo{rows: make(map[uuid.UUID][]*domain.PersistedEvent)},
		messages:  &MessageRepo{rows: make(map[uuid.UUID][]*domain.MessageView)},
		approvals: &ApprovalRepo{rows: make(map[uuid.UUID]*domain.ApprovalRequest)},
		usage:     &UsageRepo{rows: make(map[uuid.UUID][]*domain.UsageRecord)},
	}
}

func (s *Store) Close() {}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Sessions() domain.SessionRepository   { return s.sessions }
func (s *Store) Events() domain.EventRepository       { return s.events }
func (s *Store) Messages() domain.MessageRepository   { return s.messages }
func (s *Store) Approvals() domain.ApprovalRepository { return s.approvals }
func (s *Store) Usage() domain.UsageRepository        { return s.usage }

// ---------------------------------------------------------------------------

type SessionRepo struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]*domain.Session
}

func (r *SessionRepo) Create(_ context.Context, s *domain.Session) error {
	if s == nil {
		return errNilRecord
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[s.ID]; ok {
		return fmt.Errorf("memory.SessionRepo.Create: %w", domain.ErrConflict)
	}
	cp := *s
	r.rows[s.ID] = &cp
	return nil
}

func (r *SessionRepo) GetByID(_ context.Context, tenantID, id uuid.UUID) (*domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.rows[id]
	if !ok || s.TenantID != tenantID {
		return nil, fmt.Errorf("memory.SessionRepo.GetByID: %w", domain.ErrNotFound)
	}
	cp := *s
	return &cp, nil
}

// ---------------------------------------------------------------------------

// EventRepo keeps each session's log sorted by sequence number.
type EventRepo struct {
	mu   sync.RWMutex
	rows map[uuid.UUID][]*domain.PersistedEvent
}

func (r *EventRepo) Append(_ context.Context, e *domain.PersistedEvent) (bool, error) {
	if e == nil {
		return false, errNilRecord
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rows := r.rows[e.SessionID]
	i := sort.Search(len(rows), func(i int) bool { return rows[i].SequenceNumber >= e.SequenceNumber })
	if i < len(rows) && rows[i].SequenceNumber == e.SequenceNumber {
		return false, nil
	}
	cp := *e
	rows = append(rows, nil)
	copy(rows[i+1:], rows[i:])
	rows[i] = &cp
	r.rows[e.SessionID] = rows
	return true, nil
}

func (r *EventRepo) ListBySession(_ context.Context, tenantID, sessionID uuid.UUID, fromSeq int64, limit int) ([]*domain.PersistedEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.PersistedEvent
	for _, e := range r.rows[sessionID] {
		if e.TenantID != tenantID || e.SequenceNumber < fromSeq {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *EventRepo) NextSequence(_ context.Context, tenantID, sessionID uuid.UUID) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	next := int64(0)
	for _, e := range r.rows[sessionID] {
		if e.TenantID == tenantID && e.SequenceNumber >= next {
			next = e.SequenceNumber + 1
		}
	}
	return next, nil
}

// ---------------------------------------------------------------------------

type MessageRepo struct {
	mu   sync.RWMutex
	rows map[uuid.UUID][]*domain.MessageView
}

func (r *MessageRepo) Upsert(_ context.Context, m *domain.MessageView) error {
	if m == nil {
		return errNilRecord
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rows := r.rows[m.SessionID]
	cp := *m
	i := sort.Search(len(rows), func(i int) bool { return rows[i].SequenceNumber >= m.SequenceNumber })
	if i < len(rows) && rows[i].SequenceNumber == m.SequenceNumber {
		rows[i] = &cp
		return nil
	}
	rows = append(rows, nil)
	copy(rows[i+1:], rows[i:])
	rows[i] = &cp
	r.rows[m.SessionID] = rows
	return nil
}

func (r *MessageRepo) ListBySession(_ context.Context, tenantID, sessionID uuid.UUID) ([]*domain.MessageView, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.MessageView
	for _, m := range r.rows[sessionID] {
		if m.TenantID != tenantID {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

// ---------------------------------------------------------------------------

type ApprovalRepo struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]*domain.ApprovalRequest
}

func (r *ApprovalRepo) Create(_ context.Context, a *domain.ApprovalRequest) error {
	if a == nil {
		return errNilRecord
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[a.ID]; ok {
		return fmt.Errorf("memory.ApprovalRepo.Create: %w", domain.ErrConflict)
	}
	cp := *a
	r.rows[a.ID] = &cp
	return nil
}

func (r *ApprovalRepo) GetByID(_ context.Context, tenantID, id uuid.UUID) (*domain.ApprovalRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.rows[id]
	if !ok || a.TenantID != tenantID {
		return nil, fmt.Errorf("memory.ApprovalRepo.GetByID: %w", domain.ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (r *ApprovalRepo) Resolve(_ context.Context, tenantID, id uuid.UUID, status domain.ApprovalStatus, reason string, decidedBy *uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.rows[id]
	if !ok || a.TenantID != tenantID {
		return fmt.Errorf("memory.ApprovalRepo.Resolve: %w", domain.ErrNotFound)
	}
	if !a.Status.ValidTransition(status) {
		return fmt.Errorf("memory.ApprovalRepo.Resolve(%s -> %s): %w", a.Status, status, domain.ErrInvalidTransition)
	}
	now := time.Now().UTC()
	a.Status = status
	a.Reason = reason
	a.DecidedBy = decidedBy
	a.ResolvedAt = &now
	return nil
}

func (r *ApprovalRepo) ListPending(_ context.Context, tenantID, sessionID uuid.UUID) ([]*domain.ApprovalRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.ApprovalRequest
	for _, a := range r.rows {
		if a.TenantID == tenantID && a.SessionID == sessionID && a.Status == domain.ApprovalStatusRequested {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ---------------------------------------------------------------------------

type UsageRepo struct {
	mu   sync.RWMutex
	rows map[uuid.UUID][]*domain.UsageRecord
}

func (r *UsageRepo) Create(_ context.Context, u *domain.UsageRecord) error {
	if u == nil {
		return errNilRecord
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows[u.SessionID] {
		if row.ID == u.ID {
			return fmt.Errorf("memory.UsageRepo.Create: %w", domain.ErrConflict)
		}
	}
	cp := *u
	r.rows[u.SessionID] = append(r.rows[u.SessionID], &cp)
	return nil
}

func (r *UsageRepo) ListBySession(_ context.Context, tenantID, sessionID uuid.UUID) ([]*domain.UsageRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.UsageRecord
	for _, u := range r.rows[sessionID] {
		if u.TenantID == tenantID {
			cp := *u
			out = append(out, &cp)
		}
	}
	return out, nil
}
