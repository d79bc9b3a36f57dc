package server_test

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forechoandlook/stepflow/api"
	"github.com/forechoandlook/stepflow/engine"
	"github.com/forechoandlook/stepflow/session"
)

func dialRun(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(env.router)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/run/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func TestWebSocketRunStreamsEvents(t *testing.T) {
	env := newTestEnv(t)
	conn := dialRun(t, env)

	require.NoError(t, conn.WriteJSON(engine.RunRequest{FlowID: "draft"}))

	var events []engine.Event
	for {
		var ev engine.Event
		err := conn.ReadJSON(&ev)
		if err != nil {
			assert.True(t,
				websocket.IsCloseError(err, websocket.CloseNormalClosure),
				"unexpected error: %v", err)
			break
		}
		events = append(events, ev)
	}

	require.Len(t, events, 4)
	assert.Equal(t, engine.EventStepStart, events[0].Type)
	last := events[len(events)-1]
	assert.Equal(t, engine.EventStatusChange, last.Type)
	assert.Equal(t, session.StatusWaitingOperation, last.Status)

	st, err := env.engine.FlowState(last.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, st.CurrentStepIndex)
}

func TestWebSocketEagerError(t *testing.T) {
	env := newTestEnv(t)
	conn := dialRun(t, env)

	require.NoError(t, conn.WriteJSON(engine.RunRequest{FlowID: "missing"}))

	var res api.ErrorResponse
	require.NoError(t, conn.ReadJSON(&res))
	assert.Equal(t, api.CodeFlowNotFound, res.Code)
	assert.Equal(t, 404, res.Status)

	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation),
		"unexpected error: %v", err)
}

func TestWebSocketInvalidRequest(t *testing.T) {
	env := newTestEnv(t)
	conn := dialRun(t, env)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{oops")))

	var res api.ErrorResponse
	require.NoError(t, conn.ReadJSON(&res))
	assert.Equal(t, api.CodeMalformedRequest, res.Code)
}
