package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forechoandlook/stepflow"
	"github.com/forechoandlook/stepflow/api"
	"github.com/forechoandlook/stepflow/engine"
	"github.com/forechoandlook/stepflow/flows"
	"github.com/forechoandlook/stepflow/kv"
	"github.com/forechoandlook/stepflow/nodes"
	"github.com/forechoandlook/stepflow/server"
	"github.com/forechoandlook/stepflow/session"
)

type testEnv struct {
	engine *engine.Engine
	server *server.Server
	router *gin.Engine
}

func init() {
	gin.SetMode(gin.TestMode)
}

// draftFlow is A, B (confirmation gate), C built from set nodes
func draftFlow() *flows.Definition {
	return flows.NewBuilder("draft").
		Named("Draft", "Writes a draft and waits for approval").
		Then("A", "set", map[string]any{"value": "a"}).
		Confirm("B", "set", map[string]any{"value": "b"}).
		Then("C", "set", map[string]any{"value": "c"}).
		MustBuild()
}

func newTestEnv(t *testing.T, opts ...server.Option) *testEnv {
	t.Helper()

	catalog := flows.NewMemoryCatalog()
	require.NoError(t, catalog.Register(draftFlow()))

	reg := nodes.NewRegistry(nodes.WithStore(kv.NewMemoryStore()))
	eng := engine.New(session.NewRegistry(), reg, engine.WithCatalog(catalog))

	opts = append([]server.Option{server.WithNodes(reg)}, opts...)
	srv := server.NewServer(eng, opts...)
	return &testEnv{
		engine: eng,
		server: srv,
		router: srv.SetupRoutes(),
	}
}

func (env *testEnv) do(
	t *testing.T, method, path string, body any, headers ...string,
) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func decodeEvents(t *testing.T, body string) []engine.Event {
	t.Helper()
	var res []engine.Event
	sc := bufio.NewScanner(strings.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev engine.Event
		require.NoError(t, json.Unmarshal([]byte(line), &ev))
		res = append(res, ev)
	}
	require.NoError(t, sc.Err())
	return res
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) api.ErrorResponse {
	t.Helper()
	var res api.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	return res
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var res api.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, api.HealthOK, res.Status)
	assert.Equal(t, 0, res.Sessions)
}

func TestHealthDegraded(t *testing.T) {
	env := newTestEnv(t,
		server.WithHealthCheck("kv", func(context.Context) error {
			return errors.New("connection refused")
		}),
	)

	w := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var res api.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, api.HealthDegraded, res.Status)
	assert.Equal(t, "connection refused", res.Checks["kv"])
}

func TestRunConfirmAndContinue(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/run", engine.RunRequest{
		FlowID:  "draft",
		Context: map[string]any{"topic": "go"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/x-ndjson", w.Header().Get("Content-Type"))

	id := w.Header().Get("X-Session-Id")
	require.NotEmpty(t, id)

	events := decodeEvents(t, w.Body.String())
	require.Len(t, events, 4)
	last := events[len(events)-1]
	assert.Equal(t, engine.EventStatusChange, last.Type)
	assert.Equal(t, session.StatusWaitingOperation, last.Status)
	assert.Equal(t, 1, last.CurrentStepIndex)
	for _, ev := range events {
		assert.Equal(t, id, ev.SessionID)
	}

	w = env.do(t, http.MethodPost, "/api/control", engine.ControlRequest{
		SessionID: id,
		Action:    engine.ActionConfirm,
		Data:      map[string]any{"approved": true},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var st session.FlowState
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, session.StatusRunning, st.Status)
	assert.Equal(t, 2, st.CurrentStepIndex)
	assert.Equal(t, true, st.Context["approved"])

	w = env.do(t, http.MethodPost, "/api/run", engine.RunRequest{SessionID: id})
	require.Equal(t, http.StatusOK, w.Code)
	events = decodeEvents(t, w.Body.String())
	require.NotEmpty(t, events)
	assert.Equal(t, engine.EventComplete, events[len(events)-1].Type)

	w = env.do(t, http.MethodGet, "/api/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, session.StatusCompleted, st.Status)
	assert.Equal(t, "c", st.Context.PreviousOutput())
	assert.Equal(t, "go", st.Context["topic"])
}

func TestRunNonFiniteLuaResultFailsTheStep(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/run", engine.RunRequest{
		Flow: flows.NewBuilder("nan").
			Then("A", "lua", map[string]any{"script": "return 0/0"}).
			MustBuild(),
	})
	require.Equal(t, http.StatusOK, w.Code)
	id := w.Header().Get("X-Session-Id")

	events := decodeEvents(t, w.Body.String())
	require.Len(t, events, 3)
	assert.Equal(t, engine.EventStepError, events[1].Type)
	assert.Equal(t, engine.EventError, events[2].Type)

	w = env.do(t, http.MethodGet, "/api/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var st session.FlowState
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, session.StatusError, st.Status)
	require.Len(t, st.Steps, 1)
	assert.True(t, st.Steps[0].Failed())
}

func TestRunStreamsServerSentEvents(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/run",
		engine.RunRequest{FlowID: "draft"},
		"Accept", "text/event-stream",
	)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")
	assert.NotEmpty(t, w.Header().Get("X-Session-Id"))

	body := w.Body.String()
	assert.Contains(t, body, "event:step-start")
	assert.Contains(t, body, "event:step-complete")
	assert.Contains(t, body, "event:status-change")
	assert.Contains(t, body, `"waiting-operation"`)
}

func TestRunEagerErrors(t *testing.T) {
	env := newTestEnv(t)

	llm := flows.NewBuilder("ask").
		Then("ask", "llm", map[string]any{"prompt": "hi"}).
		MustBuild()

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{
			name:   "invalid json",
			body:   "{not json",
			status: http.StatusBadRequest,
			code:   api.CodeMalformedRequest,
		},
		{
			name:   "unknown flow",
			body:   engine.RunRequest{FlowID: "missing"},
			status: http.StatusNotFound,
			code:   api.CodeFlowNotFound,
		},
		{
			name:   "unknown session",
			body:   engine.RunRequest{SessionID: "nope"},
			status: http.StatusNotFound,
			code:   api.CodeSessionNotFound,
		},
		{
			name:   "neither flow nor session",
			body:   engine.RunRequest{},
			status: http.StatusBadRequest,
			code:   api.CodeMalformedRequest,
		},
		{
			name: "unknown node type",
			body: engine.RunRequest{Flow: flows.NewBuilder("x").
				Then("a", "teleport", nil).MustBuild()},
			status: http.StatusBadRequest,
			code:   api.CodeMalformedRequest,
		},
		{
			name:   "missing credentials",
			body:   engine.RunRequest{Flow: llm},
			status: http.StatusUnprocessableEntity,
			code:   api.CodeCredentialMissing,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/run", tt.body)
			assert.Equal(t, tt.status, w.Code)
			assert.Contains(t, w.Header().Get("Content-Type"), "application/json")

			res := decodeError(t, w)
			assert.Equal(t, tt.code, res.Code)
			assert.Equal(t, tt.status, res.Status)
			assert.NotEmpty(t, res.Error)
		})
	}

	assert.Empty(t, env.engine.Sessions().List(),
		"eager failures never create sessions")
}

func TestDefaultCredentialsSatisfyCheck(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			assert.Equal(t, "Bearer sk-default-key-1234", r.Header.Get("Authorization"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{
				"id": "1", "object": "chat.completion", "model": "gpt-4o-mini",
				"choices": [{"index": 0, "finish_reason": "stop",
					"message": {"role": "assistant", "content": " hello "}}]
			}`))
		},
	))
	defer upstream.Close()

	env := newTestEnv(t, server.WithDefaultCredentials(&stepflow.Credentials{
		APIKey:  "sk-default-key-1234",
		BaseURL: upstream.URL + "/v1",
	}))

	w := env.do(t, http.MethodPost, "/api/run", engine.RunRequest{
		Flow: flows.NewBuilder("ask").
			Then("ask", "llm", map[string]any{"prompt": "hi"}).
			MustBuild(),
	})
	require.Equal(t, http.StatusOK, w.Code)

	events := decodeEvents(t, w.Body.String())
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, engine.EventComplete, last.Type)
	require.NotNil(t, last.State)
	assert.Equal(t, "hello", last.State.Context.PreviousOutput())
	assert.EqualValues(t, 1, hits.Load())
	assert.NotContains(t, w.Body.String(), "sk-default-key-1234")
}

func TestControlErrors(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/run", engine.RunRequest{FlowID: "draft"})
	require.Equal(t, http.StatusOK, w.Code)
	id := w.Header().Get("X-Session-Id")

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{
			name:   "invalid json",
			body:   "[",
			status: http.StatusBadRequest,
			code:   api.CodeMalformedRequest,
		},
		{
			name:   "unknown action",
			body:   engine.ControlRequest{SessionID: id, Action: "explode"},
			status: http.StatusBadRequest,
			code:   api.CodeMalformedRequest,
		},
		{
			name:   "unknown session",
			body:   engine.ControlRequest{SessionID: "nope", Action: engine.ActionPause},
			status: http.StatusNotFound,
			code:   api.CodeSessionNotFound,
		},
		{
			name:   "resume without pause",
			body:   engine.ControlRequest{SessionID: id, Action: engine.ActionResume},
			status: http.StatusBadRequest,
			code:   api.CodeInvalidTransition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/control", tt.body)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, decodeError(t, w).Code)
		})
	}
}

func TestRejectClosesSession(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/run", engine.RunRequest{FlowID: "draft"})
	require.Equal(t, http.StatusOK, w.Code)
	id := w.Header().Get("X-Session-Id")

	w = env.do(t, http.MethodPost, "/api/control", engine.ControlRequest{
		SessionID: id,
		Action:    engine.ActionReject,
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPost, "/api/run", engine.RunRequest{SessionID: id})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, api.CodeSessionNotFound, decodeError(t, w).Code)

	w = env.do(t, http.MethodPost, "/api/control", engine.ControlRequest{
		SessionID: id,
		Action:    engine.ActionConfirm,
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListSessions(t *testing.T) {
	env := newTestEnv(t)

	for range 2 {
		w := env.do(t, http.MethodPost, "/api/run", engine.RunRequest{FlowID: "draft"})
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := env.do(t, http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var res api.SessionsListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, 2, res.Count)
	require.Len(t, res.Sessions, 2)
	for _, s := range res.Sessions {
		assert.Equal(t, "draft", s.FlowID)
		assert.Equal(t, session.StatusWaitingOperation, s.Status)
		assert.Equal(t, 3, s.NodeCount)
	}

	w = env.do(t, http.MethodGet, "/api/sessions/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/api/sessions/nope/archive", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFlowsAndNodes(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/flows", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list api.FlowsListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "draft", list.Flows[0].ID)

	w = env.do(t, http.MethodGet, "/api/flows/draft", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var def flows.Definition
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &def))
	require.Len(t, def.Nodes, 3)
	assert.True(t, def.Nodes[1].RequiresConfirmation)

	w = env.do(t, http.MethodGet, "/api/flows/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, api.CodeFlowNotFound, decodeError(t, w).Code)

	w = env.do(t, http.MethodGet, "/api/nodes", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var nodeList api.NodesListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &nodeList))
	assert.Equal(t, len(nodeList.Nodes), nodeList.Count)

	ids := make([]string, 0, len(nodeList.Nodes))
	for _, n := range nodeList.Nodes {
		ids = append(ids, n.ID)
	}
	assert.Contains(t, ids, "set")
	assert.Contains(t, ids, "llm")
	assert.Contains(t, ids, "lua")
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, server.WithCORSOrigins("https://app.example.com"))

	w := env.do(t, http.MethodOptions, "/api/run", nil,
		"Origin", "https://app.example.com")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://app.example.com",
		w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Expose-Headers"), "X-Session-Id")

	w = env.do(t, http.MethodGet, "/health", nil, "Origin", "https://evil.example.com")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
