package agent_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/parley/internal/agent"
	"github.com/gosuda/parley/internal/approval"
	"github.com/gosuda/parley/internal/broadcast"
	"github.com/gosuda/parley/internal/domain"
	"github.com/gosuda/parley/internal/persist"
	"github.com/gosuda/parley/internal/provider"
	"github.com/gosuda/parley/internal/queue"
	"github.com/gosuda/parley/internal/sequencer"
	"github.com/gosuda/parley/internal/store/memory"
	"github.com/gosuda/parley/internal/tool"
)

// ---------------------------------------------------------------------------
// Mocks and fixtures
// ---------------------------------------------------------------------------

type mockProvider struct {
	mu         sync.Mutex
	calls      int
	requests   []provider.Request
	streamFunc func(ctx context.Context, n int, req *provider.Request) (provider.Stream, error)
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) Stream(ctx context.Context, req *provider.Request) (provider.Stream, error) {
	m.mu.Lock()
	n := m.calls
	m.calls++
	cp := *req
	cp.Messages = append([]provider.Message(nil), req.Messages...)
	m.requests = append(m.requests, cp)
	m.mu.Unlock()
	return m.streamFunc(ctx, n, req)
}

func (m *mockProvider) request(i int) provider.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[i]
}

// scripted answers the n-th call with turns[n] and ends the turn politely
// once the script runs out.
func scripted(turns ...[]provider.Chunk) *mockProvider {
	return &mockProvider{streamFunc: func(_ context.Context, n int, _ *provider.Request) (provider.Stream, error) {
		if n < len(turns) {
			return &provider.SliceStream{Chunks: turns[n]}, nil
		}
		return &provider.SliceStream{Chunks: []provider.Chunk{text("done"), stop(provider.StopEndTurn)}}, nil
	}}
}

func text(s string) provider.Chunk { return provider.Chunk{Type: provider.ChunkText, Text: s} }

func stop(reason string) provider.Chunk {
	return provider.Chunk{Type: provider.ChunkStop, StopReason: reason}
}

func usage(in, out int64) provider.Chunk {
	return provider.Chunk{Type: provider.ChunkUsage, Usage: &domain.Usage{Model: "mock-1", InputTokens: in, OutputTokens: out}}
}

func toolCall(idx int, id, name, args string) []provider.Chunk {
	return []provider.Chunk{
		{Type: provider.ChunkToolStart, Index: idx, ToolID: id, ToolName: name},
		{Type: provider.ChunkToolDelta, Index: idx, Text: args},
		{Type: provider.ChunkToolEnd, Index: idx},
	}
}

func turn(parts ...any) []provider.Chunk {
	var out []provider.Chunk
	for _, p := range parts {
		switch v := p.(type) {
		case provider.Chunk:
			out = append(out, v)
		case []provider.Chunk:
			out = append(out, v...)
		}
	}
	return out
}

type recordedUsage struct {
	mu      sync.Mutex
	records []domain.Usage
}

func (r *recordedUsage) Record(_ context.Context, _, _, _ uuid.UUID, u domain.Usage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, u)
}

type harness struct {
	store *memory.Store
	hub   *broadcast.Hub
	queue *queue.Queue
	gate  *approval.Gate
	tools *tool.Registry
	seq   *sequencer.Sequencer
	usage *recordedUsage

	stopOnce sync.Once
}

func newHarness(t *testing.T, approvalTimeout time.Duration) *harness {
	t.Helper()
	store := memory.New()
	q := queue.New(persist.QueueName, persist.NewWriter(store.Events(), store.Messages()), queue.Options{
		Workers: 2,
		Retry:   queue.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 10 * time.Millisecond},
	})
	q.Start(context.Background())
	h := &harness{
		store: store,
		hub:   broadcast.NewHub(broadcast.DefaultBuffer),
		queue: q,
		gate:  approval.NewGate(approvalTimeout, store.Approvals()),
		tools: tool.NewRegistry(),
		seq:   sequencer.New(store.Events()),
		usage: &recordedUsage{},
	}
	t.Cleanup(func() { h.drain(t) })
	return h
}

func (h *harness) executor(p provider.Provider, maxTurns int) *agent.Executor {
	return agent.NewExecutor(agent.ExecutorDeps{
		Provider:    p,
		Tools:       h.tools,
		Sequencer:   h.seq,
		Broadcaster: h.hub,
		Events:      h.queue,
		Messages:    h.store.Messages(),
		Gate:        h.gate,
		Usage:       h.usage,
		Model:       "mock-1",
		MaxTokens:   1024,
		MaxTurns:    maxTurns,
	})
}

// drain waits for every queued persistence job.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	h.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, h.queue.Stop(ctx))
	})
}

func (h *harness) durableLog(t *testing.T, tenantID, sessionID uuid.UUID) []*domain.PersistedEvent {
	t.Helper()
	h.drain(t)
	rows, err := h.store.Events().ListBySession(context.Background(), tenantID, sessionID, 0, 0)
	require.NoError(t, err)
	return rows
}

func (h *harness) register(t *testing.T, tl tool.Tool) {
	t.Helper()
	require.NoError(t, h.tools.Register(tl))
}

func kinds(rows []*domain.PersistedEvent) []domain.EventKind {
	out := make([]domain.EventKind, len(rows))
	for i, r := range rows {
		out[i] = r.EventType
	}
	return out
}

func requireContiguous(t *testing.T, rows []*domain.PersistedEvent) {
	t.Helper()
	for i, r := range rows {
		require.Equal(t, int64(i), r.SequenceNumber, "sequence gap at %d", i)
	}
}

func toolResults(t *testing.T, rows []*domain.PersistedEvent) []*domain.ToolResult {
	t.Helper()
	var out []*domain.ToolResult
	for _, r := range rows {
		if r.EventType != domain.KindToolResult {
			continue
		}
		ev, err := r.Event()
		require.NoError(t, err)
		out = append(out, ev.(*domain.ToolResult))
	}
	return out
}

func indexOf(rows []*domain.PersistedEvent, kind domain.EventKind) int {
	for i, r := range rows {
		if r.EventType == kind {
			return i
		}
	}
	return -1
}

func drainSub(sub *broadcast.Subscription) []domain.AgentEvent {
	var out []domain.AgentEvent
	for {
		select {
		case ev := <-sub.C:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func awaitKind(t *testing.T, sub *broadcast.Subscription, kind domain.EventKind) domain.AgentEvent {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub.C:
			if ev.Kind() == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
			return nil
		}
	}
}

var listEntities = tool.Tool{ //nolint:gochecknoglobals // test fixture
	Name:        "list_all_entities",
	Description: "Lists every entity.",
	Schema:      json.RawMessage(`{"type":"object"}`),
	Handler: func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"entities":["a","b","c"]}`), nil
	},
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

func TestExecutor_ToolLoop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Minute)
	h.register(t, listEntities)
	p := scripted(
		turn(text("Let me "), text("look."), usage(10, 4), toolCall(1, "toolu_1", "list_all_entities", `{}`), stop(provider.StopToolUse)),
		turn(text("There are 3 entities."), usage(20, 6), stop(provider.StopEndTurn)),
	)
	tenantID, sessionID := uuid.New(), uuid.New()
	sub := h.hub.Join(tenantID, sessionID)
	defer h.hub.Leave(sub)

	res := h.executor(p, 8).Run(context.Background(), agent.RunRequest{
		TenantID:  tenantID,
		SessionID: sessionID,
		Prompt:    "List all entities",
	})

	require.True(t, res.Success, res.Error)
	assert.Equal(t, domain.CompleteSuccess, res.Reason)
	assert.Contains(t, res.Response, "There are 3 entities.")
	assert.Equal(t, 2, res.Turns)
	require.NotNil(t, res.MessageID)

	rows := h.durableLog(t, tenantID, sessionID)
	requireContiguous(t, rows)
	assert.Equal(t, []domain.EventKind{
		domain.KindSessionStart,
		domain.KindMessage,
		domain.KindToolUse,
		domain.KindToolResult,
		domain.KindMessage,
		domain.KindComplete,
		domain.KindSessionEnd,
	}, kinds(rows))

	start := indexOf(rows, domain.KindMessage)
	for i, k := range []domain.EventKind{domain.KindMessage, domain.KindToolUse, domain.KindToolResult, domain.KindMessage} {
		assert.Equal(t, k, rows[start+i].EventType)
		assert.Equal(t, rows[start].SequenceNumber+int64(i), rows[start+i].SequenceNumber)
	}

	results := toolResults(t, rows)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, "toolu_1", results[0].ToolUseID)
	assert.JSONEq(t, `{"entities":["a","b","c"]}`, string(results[0].Result))

	// The second turn sees the tool result.
	second := p.request(1)
	last := second.Messages[len(second.Messages)-1]
	require.Len(t, last.Parts, 1)
	part, ok := last.Parts[0].(provider.ToolResultPart)
	require.True(t, ok)
	assert.Equal(t, "toolu_1", part.ToolUseID)
	assert.False(t, part.IsError)

	// Viewers got the chunks; storage did not.
	var chunks int
	for _, ev := range drainSub(sub) {
		if ev.Kind() == domain.KindMessageChunk {
			chunks++
			assert.Equal(t, int64(-1), ev.Meta().Seq())
		}
	}
	assert.Equal(t, 3, chunks)
	assert.Equal(t, -1, indexOf(rows, domain.KindMessageChunk))

	h.usage.mu.Lock()
	assert.Len(t, h.usage.records, 2)
	h.usage.mu.Unlock()

	views, err := h.store.Messages().ListBySession(context.Background(), tenantID, sessionID)
	require.NoError(t, err)
	require.Len(t, views, 3)
	assert.Equal(t, domain.RoleUser, views[0].Role)
	assert.Equal(t, "List all entities", views[0].Content)
	assert.Equal(t, "There are 3 entities.", views[2].Content)
}

func TestExecutor_ProviderFailsImmediately(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Minute)
	p := &mockProvider{streamFunc: func(context.Context, int, *provider.Request) (provider.Stream, error) {
		return nil, errors.New("upstream unavailable")
	}}
	tenantID, sessionID := uuid.New(), uuid.New()

	res := h.executor(p, 8).Run(context.Background(), agent.RunRequest{TenantID: tenantID, SessionID: sessionID, Prompt: "hi"})

	assert.False(t, res.Success)
	assert.Equal(t, domain.CompleteError, res.Reason)
	assert.Contains(t, res.Error, "upstream unavailable")
	assert.Nil(t, res.MessageID)

	rows := h.durableLog(t, tenantID, sessionID)
	requireContiguous(t, rows)
	assert.Equal(t, []domain.EventKind{
		domain.KindSessionStart,
		domain.KindError,
		domain.KindComplete,
		domain.KindSessionEnd,
	}, kinds(rows))

	ev, err := rows[1].Event()
	require.NoError(t, err)
	assert.Equal(t, domain.ErrorCodeProvider, ev.(*domain.Error).Code)
}

func TestExecutor_MidStreamFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		stream   *provider.SliceStream
		wantCode string
	}{
		{
			name:     "stream error",
			stream:   &provider.SliceStream{Chunks: []provider.Chunk{text("part")}, Err: errors.New("connection reset")},
			wantCode: domain.ErrorCodeProvider,
		},
		{
			name:     "truncated",
			stream:   &provider.SliceStream{Chunks: []provider.Chunk{text("part")}},
			wantCode: domain.ErrorCodeStream,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, time.Minute)
			p := &mockProvider{streamFunc: func(context.Context, int, *provider.Request) (provider.Stream, error) {
				return tt.stream, nil
			}}
			tenantID, sessionID := uuid.New(), uuid.New()

			res := h.executor(p, 8).Run(context.Background(), agent.RunRequest{TenantID: tenantID, SessionID: sessionID, Prompt: "hi"})
			assert.False(t, res.Success)
			assert.NotEmpty(t, res.Error)

			rows := h.durableLog(t, tenantID, sessionID)
			requireContiguous(t, rows)
			idx := indexOf(rows, domain.KindError)
			require.GreaterOrEqual(t, idx, 0)
			ev, err := rows[idx].Event()
			require.NoError(t, err)
			assert.Equal(t, tt.wantCode, ev.(*domain.Error).Code)
			assert.Equal(t, domain.KindSessionEnd, rows[len(rows)-1].EventType)
		})
	}
}

func TestExecutor_ToolFailuresContinueLoop(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		call     []provider.Chunk
		wantCode string
	}{
		{
			name:     "tool error",
			call:     toolCall(0, "toolu_1", "flaky", `{}`),
			wantCode: domain.ToolCodeError,
		},
		{
			name:     "unknown tool",
			call:     toolCall(0, "toolu_1", "no_such_tool", `{}`),
			wantCode: domain.ToolCodeUnknownTool,
		},
		{
			name:     "malformed arguments",
			call:     toolCall(0, "toolu_1", "flaky", `{"broken`),
			wantCode: domain.ToolCodeInvalidArguments,
		},
		{
			name:     "schema violation",
			call:     toolCall(0, "toolu_1", "strict", `{"count":"many"}`),
			wantCode: domain.ToolCodeInvalidArguments,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, time.Minute)
			var strictCalls atomic.Int32
			h.register(t, tool.Tool{
				Name: "flaky",
				Handler: func(context.Context, json.RawMessage) (json.RawMessage, error) {
					return nil, errors.New("disk full")
				},
			})
			h.register(t, tool.Tool{
				Name:   "strict",
				Schema: json.RawMessage(`{"type":"object","properties":{"count":{"type":"integer"}}}`),
				Handler: func(context.Context, json.RawMessage) (json.RawMessage, error) {
					strictCalls.Add(1)
					return json.RawMessage(`{}`), nil
				},
			})
			p := scripted(
				turn(tt.call, stop(provider.StopToolUse)),
				turn(text("recovered"), stop(provider.StopEndTurn)),
			)
			tenantID, sessionID := uuid.New(), uuid.New()

			res := h.executor(p, 8).Run(context.Background(), agent.RunRequest{TenantID: tenantID, SessionID: sessionID, Prompt: "go"})
			require.True(t, res.Success, res.Error)
			assert.Equal(t, "recovered", res.Response)
			assert.Equal(t, int32(0), strictCalls.Load())

			rows := h.durableLog(t, tenantID, sessionID)
			requireContiguous(t, rows)
			results := toolResults(t, rows)
			require.Len(t, results, 1)
			assert.False(t, results[0].Success)
			assert.Equal(t, tt.wantCode, results[0].Code)
			assert.NotEmpty(t, results[0].Error)
			assert.Less(t, indexOf(rows, domain.KindToolUse), indexOf(rows, domain.KindToolResult))

			second := p.request(1)
			last := second.Messages[len(second.Messages)-1].Parts[0].(provider.ToolResultPart)
			assert.True(t, last.IsError)
		})
	}
}

func TestExecutor_MissingToolIDGetsSyntheticID(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Minute)
	h.register(t, listEntities)
	p := scripted(turn(toolCall(0, "", "list_all_entities", `{}`), stop(provider.StopToolUse)))
	tenantID, sessionID := uuid.New(), uuid.New()

	res := h.executor(p, 8).Run(context.Background(), agent.RunRequest{TenantID: tenantID, SessionID: sessionID, Prompt: "go"})
	require.True(t, res.Success, res.Error)

	rows := h.durableLog(t, tenantID, sessionID)
	use, err := rows[indexOf(rows, domain.KindToolUse)].Event()
	require.NoError(t, err)
	tu := use.(*domain.ToolUse)
	assert.True(t, tu.SyntheticID)
	assert.NotEmpty(t, tu.ToolUseID)

	results := toolResults(t, rows)
	require.Len(t, results, 1)
	assert.Equal(t, tu.ToolUseID, results[0].ToolUseID)
	assert.True(t, results[0].Success)
}

func TestExecutor_PlainTextToolOutput(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Minute)
	h.register(t, tool.Tool{
		Name: "plain",
		Handler: func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage("hello world"), nil
		},
	})
	p := scripted(turn(toolCall(0, "toolu_1", "plain", `{}`), stop(provider.StopToolUse)))
	tenantID, sessionID := uuid.New(), uuid.New()

	res := h.executor(p, 8).Run(context.Background(), agent.RunRequest{TenantID: tenantID, SessionID: sessionID, Prompt: "go"})
	require.True(t, res.Success, res.Error)

	rows := h.durableLog(t, tenantID, sessionID)
	requireContiguous(t, rows)
	assert.Less(t, indexOf(rows, domain.KindToolUse), indexOf(rows, domain.KindToolResult))

	results := toolResults(t, rows)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.JSONEq(t, `"hello world"`, string(results[0].Result))

	second := p.request(1)
	last := second.Messages[len(second.Messages)-1]
	require.Len(t, last.Parts, 1)
	part, ok := last.Parts[0].(provider.ToolResultPart)
	require.True(t, ok)
	assert.Equal(t, "hello world", part.Content)
	assert.False(t, part.IsError)
}

func TestExecutor_ReplaysSignedThinkingWithToolUse(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Minute)
	h.register(t, listEntities)
	p := scripted(turn(
		provider.Chunk{Type: provider.ChunkThinking, Index: 0, Text: "need the list"},
		provider.Chunk{Type: provider.ChunkThinkingEnd, Index: 0, Signature: "sig-1"},
		toolCall(1, "toolu_1", "list_all_entities", `{}`),
		stop(provider.StopToolUse),
	))
	tenantID, sessionID := uuid.New(), uuid.New()

	res := h.executor(p, 8).Run(context.Background(), agent.RunRequest{TenantID: tenantID, SessionID: sessionID, Prompt: "go"})
	require.True(t, res.Success, res.Error)

	second := p.request(1)
	require.GreaterOrEqual(t, len(second.Messages), 2)
	assistant := second.Messages[len(second.Messages)-2]
	assert.Equal(t, provider.RoleAssistant, assistant.Role)
	require.Len(t, assistant.Parts, 2)
	assert.Equal(t, provider.ThinkingPart{Text: "need the list", Signature: "sig-1"}, assistant.Parts[0])
	use, ok := assistant.Parts[1].(provider.ToolUsePart)
	require.True(t, ok)
	assert.Equal(t, "toolu_1", use.ID)
}

func TestExecutor_TurnLimit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Minute)
	h.register(t, listEntities)
	p := &mockProvider{streamFunc: func(_ context.Context, _ int, _ *provider.Request) (provider.Stream, error) {
		return &provider.SliceStream{Chunks: turn(toolCall(0, uuid.NewString(), "list_all_entities", `{}`), stop(provider.StopToolUse))}, nil
	}}
	tenantID, sessionID := uuid.New(), uuid.New()

	res := h.executor(p, 3).Run(context.Background(), agent.RunRequest{TenantID: tenantID, SessionID: sessionID, Prompt: "loop"})
	assert.False(t, res.Success)
	assert.Equal(t, domain.CompleteMaxTurns, res.Reason)
	assert.Equal(t, 3, res.Turns)

	rows := h.durableLog(t, tenantID, sessionID)
	requireContiguous(t, rows)
	ev, err := rows[indexOf(rows, domain.KindComplete)].Event()
	require.NoError(t, err)
	assert.Equal(t, domain.CompleteMaxTurns, ev.(*domain.Complete).Reason)
	assert.Len(t, toolResults(t, rows), 3)
}

// ---------------------------------------------------------------------------
// Approval gate
// ---------------------------------------------------------------------------

func sensitiveTool(calls *atomic.Int32) tool.Tool {
	return tool.Tool{
		Name:             "delete_everything",
		RequiresApproval: true,
		Handler: func(context.Context, json.RawMessage) (json.RawMessage, error) {
			calls.Add(1)
			return json.RawMessage(`{"deleted":true}`), nil
		},
	}
}

func sensitiveScript() *mockProvider {
	return scripted(
		turn(toolCall(0, "toolu_del", "delete_everything", `{}`), stop(provider.StopToolUse)),
		turn(text("finished"), stop(provider.StopEndTurn)),
	)
}

func TestExecutor_ApprovalTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 20*time.Millisecond)
	var calls atomic.Int32
	h.register(t, sensitiveTool(&calls))
	tenantID, sessionID := uuid.New(), uuid.New()

	res := h.executor(sensitiveScript(), 8).Run(context.Background(), agent.RunRequest{TenantID: tenantID, SessionID: sessionID, Prompt: "wipe"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, 0, h.gate.Len())

	rows := h.durableLog(t, tenantID, sessionID)
	requireContiguous(t, rows)
	results := toolResults(t, rows)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, domain.ToolCodeApprovalTimeout, results[0].Code)
	assert.GreaterOrEqual(t, indexOf(rows, domain.KindComplete), 0)

	resolved, err := rows[indexOf(rows, domain.KindApprovalResolved)].Event()
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalStatusTimedOut, resolved.(*domain.ApprovalResolved).Status)
}

func TestExecutor_ApprovalDecisions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		approved  bool
		wantCalls int32
		wantCode  string
	}{
		{name: "approved", approved: true, wantCalls: 1},
		{name: "rejected", approved: false, wantCalls: 0, wantCode: domain.ToolCodeApprovalRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, time.Minute)
			var calls atomic.Int32
			h.register(t, sensitiveTool(&calls))
			tenantID, sessionID := uuid.New(), uuid.New()
			sub := h.hub.Join(tenantID, sessionID)
			defer h.hub.Leave(sub)

			done := make(chan domain.RunResult, 1)
			go func() {
				done <- h.executor(sensitiveScript(), 8).Run(context.Background(), agent.RunRequest{TenantID: tenantID, SessionID: sessionID, Prompt: "wipe"})
			}()

			req := awaitKind(t, sub, domain.KindApprovalRequested).(*domain.ApprovalRequested)
			assert.Equal(t, "toolu_del", req.ToolUseID)
			assert.Equal(t, int32(0), calls.Load(), "tool ran before the decision")
			require.NoError(t, h.gate.Resolve(context.Background(), tenantID, req.ApprovalID, tt.approved, "decided", nil))

			res := <-done
			require.True(t, res.Success, res.Error)
			assert.Equal(t, tt.wantCalls, calls.Load())

			rows := h.durableLog(t, tenantID, sessionID)
			requireContiguous(t, rows)
			results := toolResults(t, rows)
			require.Len(t, results, 1)
			assert.Equal(t, tt.approved, results[0].Success)
			assert.Equal(t, tt.wantCode, results[0].Code)
			assert.Less(t, indexOf(rows, domain.KindApprovalResolved), indexOf(rows, domain.KindToolResult))

			rec, err := h.store.Approvals().GetByID(context.Background(), tenantID, req.ApprovalID)
			require.NoError(t, err)
			assert.True(t, rec.Status.Terminal())
		})
	}
}

func TestExecutor_CancelWhileAwaitingApproval(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Minute)
	var calls atomic.Int32
	h.register(t, sensitiveTool(&calls))
	tenantID, sessionID := uuid.New(), uuid.New()
	sub := h.hub.Join(tenantID, sessionID)
	defer h.hub.Leave(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan domain.RunResult, 1)
	go func() {
		done <- h.executor(sensitiveScript(), 8).Run(ctx, agent.RunRequest{TenantID: tenantID, SessionID: sessionID, Prompt: "wipe"})
	}()
	awaitKind(t, sub, domain.KindApprovalRequested)
	cancel()

	res := <-done
	assert.False(t, res.Success)
	assert.Equal(t, domain.CompleteCancelled, res.Reason)
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, 0, h.gate.Len())

	rows := h.durableLog(t, tenantID, sessionID)
	requireContiguous(t, rows)
	results := toolResults(t, rows)
	require.Len(t, results, 1)
	assert.Equal(t, domain.ToolCodeApprovalCancelled, results[0].Code)

	ev, err := rows[indexOf(rows, domain.KindComplete)].Event()
	require.NoError(t, err)
	assert.Equal(t, domain.CompleteCancelled, ev.(*domain.Complete).Reason)
	assert.Equal(t, domain.KindSessionEnd, rows[len(rows)-1].EventType)
}

func TestExecutor_NoGateRejectsSensitiveTools(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Minute)
	var calls atomic.Int32
	h.register(t, sensitiveTool(&calls))
	exec := agent.NewExecutor(agent.ExecutorDeps{
		Provider:    sensitiveScript(),
		Tools:       h.tools,
		Sequencer:   h.seq,
		Broadcaster: h.hub,
		Events:      h.queue,
	})
	tenantID, sessionID := uuid.New(), uuid.New()

	res := exec.Run(context.Background(), agent.RunRequest{TenantID: tenantID, SessionID: sessionID, Prompt: "wipe"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, int32(0), calls.Load())

	results := toolResults(t, h.durableLog(t, tenantID, sessionID))
	require.Len(t, results, 1)
	assert.Equal(t, domain.ToolCodeApprovalRejected, results[0].Code)
}

// ---------------------------------------------------------------------------
// Isolation
// ---------------------------------------------------------------------------

func TestExecutor_ConcurrentSessionsAreIsolated(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Minute)
	exec := h.executor(provider.Echo{}, 4)
	tenantID := uuid.New()

	const n = 6
	sessions := make([]uuid.UUID, n)
	subs := make([]*broadcast.Subscription, n)
	for i := range sessions {
		sessions[i] = uuid.New()
		subs[i] = h.hub.Join(tenantID, sessions[i])
	}

	var wg sync.WaitGroup
	for i := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := exec.Run(context.Background(), agent.RunRequest{TenantID: tenantID, SessionID: sessions[i], Prompt: "echo me please"})
			assert.True(t, res.Success, res.Error)
		}()
	}
	wg.Wait()

	for i, sub := range subs {
		events := drainSub(sub)
		require.NotEmpty(t, events)
		for _, ev := range events {
			assert.Equal(t, sessions[i], ev.Meta().SessionID)
		}
		h.hub.Leave(sub)
	}
	for _, id := range sessions {
		rows := h.durableLog(t, tenantID, id)
		require.NotEmpty(t, rows)
		requireContiguous(t, rows)
		for _, r := range rows {
			assert.Equal(t, id, r.SessionID)
		}
	}
}

func TestExecutor_SessionBusy(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Minute)
	tenantID, sessionID := uuid.New(), uuid.New()
	lease, err := h.seq.Acquire(context.Background(), tenantID, sessionID)
	require.NoError(t, err)
	defer lease.Release()

	res := h.executor(provider.Echo{}, 4).Run(context.Background(), agent.RunRequest{TenantID: tenantID, SessionID: sessionID, Prompt: "hi"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, sequencer.ErrSessionBusy.Error())
	assert.Empty(t, h.durableLog(t, tenantID, sessionID))
}

func TestExecutor_SecondRunContinuesSequenceAndHistory(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Minute)
	p := scripted(
		turn(text("first answer"), stop(provider.StopEndTurn)),
		turn(text("second answer"), stop(provider.StopEndTurn)),
	)
	exec := h.executor(p, 4)
	tenantID, sessionID := uuid.New(), uuid.New()
	ctx := context.Background()

	require.True(t, exec.Run(ctx, agent.RunRequest{TenantID: tenantID, SessionID: sessionID, Prompt: "one"}).Success)
	require.Eventually(t, func() bool {
		views, err := h.store.Messages().ListBySession(ctx, tenantID, sessionID)
		return err == nil && len(views) == 2
	}, 5*time.Second, 5*time.Millisecond)

	require.True(t, exec.Run(ctx, agent.RunRequest{TenantID: tenantID, SessionID: sessionID, Prompt: "two"}).Success)

	second := p.request(1)
	require.Len(t, second.Messages, 3)
	assert.Equal(t, provider.RoleUser, second.Messages[0].Role)
	assert.Equal(t, provider.RoleAssistant, second.Messages[1].Role)
	assert.Equal(t, provider.TextPart{Text: "first answer"}, second.Messages[1].Parts[0])
	assert.Equal(t, provider.TextPart{Text: "two"}, second.Messages[2].Parts[0])

	rows := h.durableLog(t, tenantID, sessionID)
	requireContiguous(t, rows)
	assert.Len(t, rows, 8)
}
