package postgres_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/parley/internal/domain"
	"github.com/gosuda/parley/internal/store/postgres"
)

// openStore connects to PARLEY_TEST_DATABASE_URL and skips when it is unset.
func openStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := os.Getenv("PARLEY_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("PARLEY_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := postgres.New(ctx, dsn, 4)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Migrate(ctx))
	return s
}

func newSession(t *testing.T, s *postgres.Store) *domain.Session {
	t.Helper()
	sess := &domain.Session{ID: uuid.New(), TenantID: uuid.New(), UserID: uuid.New(), Title: "pg", CreatedAt: time.Now().UTC()}
	require.NoError(t, s.Sessions().Create(context.Background(), sess))
	return sess
}

func TestEventRepo_AppendIsIdempotent(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	sess := newSession(t, s)

	next, err := s.Events().NextSequence(ctx, sess.TenantID, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), next)

	row := &domain.PersistedEvent{
		ID:             uuid.New(),
		TenantID:       sess.TenantID,
		SessionID:      sess.ID,
		SequenceNumber: 0,
		EventType:      domain.KindMessage,
		Data:           json.RawMessage(`{"text":"hi","stop_reason":"end_turn"}`),
		CreatedAt:      time.Now().UTC(),
	}
	inserted, err := s.Events().Append(ctx, row)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.Events().Append(ctx, row)
	require.NoError(t, err)
	assert.False(t, inserted)

	rows, err := s.Events().ListBySession(ctx, sess.TenantID, sess.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.JSONEq(t, string(row.Data), string(rows[0].Data))

	next, err = s.Events().NextSequence(ctx, sess.TenantID, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), next)
}

func TestSessionRepo_TenantScoped(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	sess := newSession(t, s)

	_, err := s.Sessions().GetByID(ctx, uuid.New(), sess.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.ErrorIs(t, s.Sessions().Create(ctx, sess), domain.ErrConflict)
}

func TestApprovalRepo_ResolveOnce(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	sess := newSession(t, s)

	a := &domain.ApprovalRequest{
		ID:        uuid.New(),
		TenantID:  sess.TenantID,
		SessionID: sess.ID,
		RunID:     uuid.New(),
		ToolUseID: "toolu_1",
		ToolName:  "delete",
		Input:     json.RawMessage(`{}`),
		Status:    domain.ApprovalStatusRequested,
		ExpiresAt: time.Now().Add(time.Minute).UTC(),
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.Approvals().Create(ctx, a))

	pending, err := s.Approvals().ListPending(ctx, sess.TenantID, sess.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.Approvals().Resolve(ctx, sess.TenantID, a.ID, domain.ApprovalStatusApproved, "ok", nil))
	err = s.Approvals().Resolve(ctx, sess.TenantID, a.ID, domain.ApprovalStatusRejected, "", nil)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	err = s.Approvals().Resolve(ctx, sess.TenantID, uuid.New(), domain.ApprovalStatusRejected, "", nil)
	require.ErrorIs(t, err, domain.ErrNotFound)

	got, err := s.Approvals().GetByID(ctx, sess.TenantID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalStatusApproved, got.Status)
	assert.NotNil(t, got.ResolvedAt)
}

func TestUsageRepo_DuplicateIsConflict(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	sess := newSession(t, s)

	rec := &domain.UsageRecord{
		ID:        uuid.New(),
		TenantID:  sess.TenantID,
		SessionID: sess.ID,
		RunID:     uuid.New(),
		Usage:     domain.Usage{Model: "m", InputTokens: 5},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.Usage().Create(ctx, rec))
	require.ErrorIs(t, s.Usage().Create(ctx, rec), domain.ErrConflict)

	rows, err := s.Usage().ListBySession(ctx, sess.TenantID, sess.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}
