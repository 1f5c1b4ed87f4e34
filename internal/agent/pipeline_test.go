package agent_test

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/parley/internal/agent"
	"github.com/gosuda/parley/internal/broadcast"
	"github.com/gosuda/parley/internal/domain"
	"github.com/gosuda/parley/internal/persist"
	"github.com/gosuda/parley/internal/queue"
	"github.com/gosuda/parley/internal/sequencer"
	"github.com/gosuda/parley/internal/store/memory"
)

type capturedJob struct {
	jobType string
	key     string
	row     *domain.PersistedEvent
}

type mockEnqueuer struct {
	mu          sync.Mutex
	jobs        []capturedJob
	enqueueFunc func(jobType, key string, payload any) (uuid.UUID, error)
}

func (m *mockEnqueuer) Enqueue(jobType, key string, payload any) (uuid.UUID, error) {
	if m.enqueueFunc != nil {
		return m.enqueueFunc(jobType, key, payload)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	row, _ := payload.(*domain.PersistedEvent)
	m.jobs = append(m.jobs, capturedJob{jobType: jobType, key: key, row: row})
	return uuid.New(), nil
}

func newPipeline(t *testing.T, b broadcast.Broadcaster, q agent.Enqueuer) (*agent.Pipeline, *sequencer.Sequencer, uuid.UUID, uuid.UUID) {
	t.Helper()
	seq := sequencer.New(memory.New().Events())
	tenantID, sessionID := uuid.New(), uuid.New()
	lease, err := seq.Acquire(context.Background(), tenantID, sessionID)
	require.NoError(t, err)
	return agent.NewPipeline(lease, b, q), seq, tenantID, sessionID
}

func TestPipeline_StampsDurableOnly(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	hub := broadcast.NewHub(16)
	q := &mockEnqueuer{}
	p, _, tenantID, sessionID := newPipeline(t, hub, q)
	sub := hub.Join(tenantID, sessionID)
	defer hub.Leave(sub)

	events := []domain.AgentEvent{
		&domain.SessionStart{EventMeta: domain.NewMeta(tenantID, sessionID), Prompt: "hi"},
		&domain.MessageChunk{EventMeta: domain.NewMeta(tenantID, sessionID), Text: "h"},
		&domain.MessageChunk{EventMeta: domain.NewMeta(tenantID, sessionID), Text: "i"},
		&domain.Message{EventMeta: domain.NewMeta(tenantID, sessionID), Text: "hi"},
		&domain.Complete{EventMeta: domain.NewMeta(tenantID, sessionID), Reason: domain.CompleteSuccess},
	}
	for _, ev := range events {
		require.NoError(t, p.Emit(ctx, ev))
	}
	p.Close()

	live := drainSub(sub)
	require.Len(t, live, len(events))
	for i, ev := range live {
		assert.Equal(t, events[i].Kind(), ev.Kind(), "production order")
	}
	assert.Equal(t, int64(-1), live[1].Meta().Seq())
	assert.Equal(t, int64(-1), live[2].Meta().Seq())

	require.Len(t, q.jobs, 3)
	for i, j := range q.jobs {
		assert.Equal(t, persist.JobAppendEvent, j.jobType)
		assert.Equal(t, sessionID.String(), j.key)
		assert.Equal(t, int64(i), j.row.SequenceNumber)
	}
	assert.Equal(t, domain.KindMessage, q.jobs[1].row.EventType)
}

func TestPipeline_EmitAfterClose(t *testing.T) {
	t.Parallel()

	p, seq, tenantID, sessionID := newPipeline(t, broadcast.NewHub(4), &mockEnqueuer{})
	p.Close()
	p.Close()

	err := p.Emit(context.Background(), &domain.Message{EventMeta: domain.NewMeta(tenantID, sessionID)})
	require.ErrorIs(t, err, agent.ErrPipelineClosed)

	// The lease is free for the next run.
	lease, err := seq.Acquire(context.Background(), tenantID, sessionID)
	require.NoError(t, err)
	lease.Release()
}

func TestPipeline_EnqueueFailureDoesNotBlockBroadcast(t *testing.T) {
	t.Parallel()

	hub := broadcast.NewHub(16)
	q := &mockEnqueuer{enqueueFunc: func(string, string, any) (uuid.UUID, error) {
		return uuid.Nil, queue.ErrStopped
	}}
	p, _, tenantID, sessionID := newPipeline(t, hub, q)
	sub := hub.Join(tenantID, sessionID)
	defer hub.Leave(sub)

	require.NoError(t, p.Emit(context.Background(), &domain.Message{EventMeta: domain.NewMeta(tenantID, sessionID), Text: "still live"}))
	p.Close()

	live := drainSub(sub)
	require.Len(t, live, 1)
	assert.Equal(t, "still live", live[0].(*domain.Message).Text)
}

func TestPipeline_ForcesOwnScope(t *testing.T) {
	t.Parallel()

	hub := broadcast.NewHub(16)
	p, _, tenantID, sessionID := newPipeline(t, hub, &mockEnqueuer{})
	sub := hub.Join(tenantID, sessionID)
	defer hub.Leave(sub)

	stray := &domain.Thinking{EventMeta: domain.NewMeta(uuid.New(), uuid.New()), Text: "x"}
	require.NoError(t, p.Emit(context.Background(), stray))
	p.Close()

	live := drainSub(sub)
	require.Len(t, live, 1)
	assert.Equal(t, sessionID, live[0].Meta().SessionID)
	assert.Equal(t, tenantID, live[0].Meta().TenantID)
}

func TestPipeline_UnencodableEventKeepsSequence(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := &mockEnqueuer{}
	p, _, tenantID, sessionID := newPipeline(t, broadcast.NewHub(16), q)

	bad := &domain.ToolResult{EventMeta: domain.NewMeta(tenantID, sessionID), ToolUseID: "toolu_1", Success: true, Result: []byte("not json")}
	require.Error(t, p.Emit(ctx, bad))
	assert.Equal(t, int64(-1), bad.Seq())

	require.NoError(t, p.Emit(ctx, &domain.Complete{EventMeta: domain.NewMeta(tenantID, sessionID), Reason: domain.CompleteSuccess}))
	p.Close()

	q.mu.Lock()
	defer q.mu.Unlock()
	require.Len(t, q.jobs, 1)
	assert.Equal(t, domain.KindComplete, q.jobs[0].row.EventType)
	assert.Equal(t, int64(0), q.jobs[0].row.SequenceNumber)
}
