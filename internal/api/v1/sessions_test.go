package v1_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/gosuda/parley/internal/api/v1"
	"github.com/gosuda/parley/internal/domain"
	"github.com/gosuda/parley/internal/store/memory"
)

func newSessionTestAPI(t *testing.T) (humatest.TestAPI, *memory.Store) {
	t.Helper()

	_, api := humatest.New(t)
	store := memory.New()
	v1.RegisterSessionRoutes(api, store)
	return api, store
}

func seedSession(t *testing.T, store *memory.Store, tenantID uuid.UUID) *domain.Session {
	t.Helper()
	s := &domain.Session{ID: uuid.New(), TenantID: tenantID, UserID: uuid.New(), CreatedAt: time.Now()}
	require.NoError(t, store.Sessions().Create(context.Background(), s))
	return s
}

func seedEvents(t *testing.T, store *memory.Store, s *domain.Session, n int) {
	t.Helper()
	for i := range n {
		ev := &domain.PersistedEvent{
			ID:             uuid.New(),
			TenantID:       s.TenantID,
			SessionID:      s.ID,
			SequenceNumber: int64(i),
			EventType:      domain.KindMessage,
			Data:           json.RawMessage(fmt.Sprintf(`{"text":"m%d"}`, i)),
			CreatedAt:      time.Now(),
		}
		_, err := store.Events().Append(context.Background(), ev)
		require.NoError(t, err)
	}
}

// ---------------------------------------------------------------------------
// POST /sessions
// ---------------------------------------------------------------------------

func TestCreateSession(t *testing.T) {
	t.Parallel()

	t.Run("happy_path", func(t *testing.T) {
		t.Parallel()

		api, store := newSessionTestAPI(t)
		tenantID, userID := uuid.New(), uuid.New()

		resp := api.PostCtx(userCtx(tenantID, userID, "member"), "/sessions", map[string]any{"title": "triage"})
		require.Equal(t, http.StatusCreated, resp.Code)

		var body domain.Session
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
		assert.Equal(t, tenantID, body.TenantID)
		assert.Equal(t, userID, body.UserID)
		assert.Equal(t, "triage", body.Title)

		stored, err := store.Sessions().GetByID(context.Background(), tenantID, body.ID)
		require.NoError(t, err)
		assert.Equal(t, body.ID, stored.ID)
	})

	t.Run("missing_tenant", func(t *testing.T) {
		t.Parallel()

		api, _ := newSessionTestAPI(t)
		resp := api.PostCtx(context.Background(), "/sessions", map[string]any{})

		assert.Equal(t, http.StatusForbidden, resp.Code)
		assert.Contains(t, parseErrorBody(t, resp.Body.Bytes())["detail"], "missing tenant context")
	})

	t.Run("missing_user", func(t *testing.T) {
		t.Parallel()

		api, _ := newSessionTestAPI(t)
		resp := api.PostCtx(tenantCtx(uuid.New()), "/sessions", map[string]any{})

		assert.Equal(t, http.StatusForbidden, resp.Code)
	})
}

// ---------------------------------------------------------------------------
// GET /sessions/{id} and its views
// ---------------------------------------------------------------------------

func TestGetSession_TenantIsolation(t *testing.T) {
	t.Parallel()

	api, store := newSessionTestAPI(t)
	s := seedSession(t, store, uuid.New())

	tests := []struct {
		name string
		path string
	}{
		{name: "session", path: "/sessions/" + s.ID.String()},
		{name: "events", path: "/sessions/" + s.ID.String() + "/events"},
		{name: "messages", path: "/sessions/" + s.ID.String() + "/messages"},
		{name: "usage", path: "/sessions/" + s.ID.String() + "/usage"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			own := api.GetCtx(tenantCtx(s.TenantID), tt.path)
			assert.Equal(t, http.StatusOK, own.Code)

			other := api.GetCtx(tenantCtx(uuid.New()), tt.path)
			assert.Equal(t, http.StatusNotFound, other.Code)
			assert.Contains(t, parseErrorBody(t, other.Body.Bytes())["detail"], "session not found")
		})
	}
}

func TestListEvents_Replay(t *testing.T) {
	t.Parallel()

	api, store := newSessionTestAPI(t)
	s := seedSession(t, store, uuid.New())
	seedEvents(t, store, s, 6)

	tests := []struct {
		name    string
		query   string
		wantSeq []int64
	}{
		{name: "all", query: "", wantSeq: []int64{0, 1, 2, 3, 4, 5}},
		{name: "from", query: "?from=4", wantSeq: []int64{4, 5}},
		{name: "limit", query: "?from=1&limit=2", wantSeq: []int64{1, 2}},
		{name: "past end", query: "?from=10", wantSeq: []int64{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			resp := api.GetCtx(tenantCtx(s.TenantID), "/sessions/"+s.ID.String()+"/events"+tt.query)
			require.Equal(t, http.StatusOK, resp.Code)

			var body []domain.PersistedEvent
			require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
			got := make([]int64, 0, len(body))
			for _, e := range body {
				got = append(got, e.SequenceNumber)
			}
			assert.Equal(t, tt.wantSeq, got)
		})
	}
}

func TestListEvents_InvalidQuery(t *testing.T) {
	t.Parallel()

	api, store := newSessionTestAPI(t)
	s := seedSession(t, store, uuid.New())

	resp := api.GetCtx(tenantCtx(s.TenantID), "/sessions/"+s.ID.String()+"/events?from=-1")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
}
