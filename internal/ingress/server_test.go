package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/agentfs/internal/orchestrator"
	"github.com/user/agentfs/internal/state"
	"github.com/user/agentfs/internal/types"
)

func setupServer(t *testing.T, core *fakeCore, tpls ...*state.Template) *Server {
	t.Helper()
	return NewServer(NewDispatcher(core, newTemplates(t, tpls...), nil), nil)
}

func do(t *testing.T, srv *Server, method, path, body string) (*httptest.ResponseRecorder, *Result) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	var res Result
	if path != "/health" {
		require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	}
	return w, &res
}

func TestHealthEndpoint(t *testing.T) {
	srv := setupServer(t, newFakeCore())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %s", resp["status"])
	}
}

func TestCommandEndpointSpawn(t *testing.T) {
	core := newFakeCore()
	srv := setupServer(t, core)

	w, res := do(t, srv, http.MethodPost, "/api/commands", `{"kind":"spawn","task":"say hi","priority":"high"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, res.Agent)
	assert.Equal(t, "say hi", res.Agent.Task)
	assert.Equal(t, types.Origin("http"), core.spawned[0].Origin)
}

func TestCommandEndpointErrors(t *testing.T) {
	core := newFakeCore()
	core.put(&types.AgentRecord{AgentID: "queued-1", State: types.StateQueued})
	core.put(&types.AgentRecord{AgentID: "done-1", State: types.StateAccepted})
	srv := setupServer(t, core)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"invalid json", `{nope`, http.StatusBadRequest},
		{"missing task", `{"kind":"spawn"}`, http.StatusBadRequest},
		{"unknown agent", `{"kind":"status","agent":"zzz"}`, http.StatusNotFound},
		{"not reviewing", `{"kind":"accept","agent":"queued-1"}`, http.StatusConflict},
		{"already terminal", `{"kind":"cancel","agent":"done-1"}`, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, res := do(t, srv, http.MethodPost, "/api/commands", tt.body)
			assert.Equal(t, tt.code, w.Code)
			assert.NotEmpty(t, res.Error)
		})
	}
}

func TestAgentEndpoints(t *testing.T) {
	core := newFakeCore()
	core.put(&types.AgentRecord{AgentID: "rev-1", State: types.StateReviewing})
	core.put(&types.AgentRecord{AgentID: "rev-2", State: types.StateReviewing})
	srv := setupServer(t, core)

	w, res := do(t, srv, http.MethodGet, "/api/agents?state=reviewing", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, res.Agents, 2)

	w, res = do(t, srv, http.MethodGet, "/api/agents/rev-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.AgentID("rev-1"), res.Agent.AgentID)

	w, res = do(t, srv, http.MethodGet, "/api/agents/rev-1/events", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, res.Events, 1)

	w, res = do(t, srv, http.MethodGet, "/api/agents/rev-1/diff", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, res.Changes, 1)

	w, res = do(t, srv, http.MethodPost, "/api/agents/rev-1/accept", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.StateAccepted, res.Agent.State)

	w, res = do(t, srv, http.MethodPost, "/api/agents/rev-2/reject", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.StateRejected, res.Agent.State)

	w, _ = do(t, srv, http.MethodPost, "/api/agents/rev-2/cancel", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = do(t, srv, http.MethodGet, "/api/agents?state=bogus", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookNamedTemplate(t *testing.T) {
	core := newFakeCore()
	srv := setupServer(t, core,
		&state.Template{Name: "greet", Prompt: "say hello", Enabled: true},
		&state.Template{Name: "off", Prompt: "never", Enabled: false},
	)

	w, res := do(t, srv, http.MethodPost, "/webhook/greet", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "say hello", res.Agent.Task)
	assert.Equal(t, types.Origin("http"), core.spawned[0].Origin)

	w, res = do(t, srv, http.MethodPost, "/webhook/greet", `{"prompt":"say goodbye"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "say goodbye", res.Agent.Task)

	w, _ = do(t, srv, http.MethodPost, "/webhook/off", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = do(t, srv, http.MethodPost, "/webhook/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSyncDisabledStatus(t *testing.T) {
	core := newFakeCore()
	core.syncErr = orchestrator.ErrSyncDisabled
	srv := setupServer(t, core)

	w, _ := do(t, srv, http.MethodPost, "/api/commands", `{"kind":"sync"}`)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusUnprocessableEntity, StatusFor(&types.MergeError{AgentID: "a", Err: errors.New("x")}))
	assert.Equal(t, http.StatusNotFound, StatusFor(fmt.Errorf("wrap: %w", types.ErrNotFound)))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(errors.New("disk on fire")))
}

func TestClientRoundTrip(t *testing.T) {
	core := newFakeCore()
	ts := httptest.NewServer(setupServer(t, core))
	defer ts.Close()

	client := NewClient(strings.TrimPrefix(ts.URL, "http://"))
	ctx := context.Background()
	require.NoError(t, client.Health(ctx))

	res, err := client.Do(ctx, Command{Kind: KindSpawn, Task: "remote task", Origin: "cli"})
	require.NoError(t, err)
	assert.Equal(t, "remote task", res.Agent.Task)
	assert.Equal(t, types.Origin("cli"), core.spawned[0].Origin)

	_, err = client.Do(ctx, Command{Kind: KindStatus, Agent: "nobody"})
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, http.StatusNotFound, remote.Status)
	assert.Contains(t, remote.Message, "not found")
}

func TestClientUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	addr := ts.URL
	ts.Close()

	err := NewClient(addr).Health(context.Background())
	assert.Error(t, err)
}
