package server

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentd/runtime/query"
)

func dialSocket(t *testing.T, env *testEnv, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/v1/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) outboundFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var f outboundFrame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

// readRun reads frames until the done event of a run, returning the events
// and any other frames received meanwhile.
func readRun(t *testing.T, conn *websocket.Conn) (events []query.Event, others []outboundFrame) {
	t.Helper()
	for {
		f := readFrame(t, conn)
		if f.Type != frameSSEEvent {
			others = append(others, f)
			continue
		}
		require.NotNil(t, f.Event)
		events = append(events, *f.Event)
		if f.Event.Type == query.EventDone {
			return events, others
		}
	}
}

func TestSocketPromptStreamsEvents(t *testing.T) {
	env := newTestEnv(t)
	conn := dialSocket(t, env, nil)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "prompt", "id": "r1", "prompt": "hello"}))
	ack := readFrame(t, conn)
	require.Equal(t, frameAck, ack.Type)
	assert.Equal(t, "r1", ack.ID)
	require.NotEmpty(t, ack.SessionID)
	require.NotEmpty(t, ack.RunID)

	evs, others := readRun(t, conn)
	assert.Empty(t, others)
	require.Equal(t, []query.EventType{query.EventInit, query.EventMessage, query.EventResult, query.EventDone}, types(evs))
	assert.Equal(t, ack.SessionID, evs[0].SessionID)
	assert.Equal(t, "You said: hello", evs[1].Content)

	// A second prompt on the same connection resumes the session.
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "prompt", "id": "r2", "prompt": "again", "session_id": ack.SessionID}))
	ack2 := readFrame(t, conn)
	require.Equal(t, frameAck, ack2.Type)
	assert.Equal(t, ack.SessionID, ack2.SessionID)
	evs, _ = readRun(t, conn)
	assert.Equal(t, query.EventDone, evs[len(evs)-1].Type)
}

func TestSocketMalformedFrameKeepsConnection(t *testing.T) {
	env := newTestEnv(t)
	conn := dialSocket(t, env, nil)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	f := readFrame(t, conn)
	require.Equal(t, frameError, f.Type)
	require.NotNil(t, f.Error)
	assert.Equal(t, "validation", string(f.Error.Kind))

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "bogus", "id": "b1"}))
	f = readFrame(t, conn)
	require.Equal(t, frameError, f.Type)
	assert.Equal(t, "b1", f.ID)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "answer", "id": "a1", "session_id": "s"}))
	f = readFrame(t, conn)
	require.Equal(t, frameError, f.Type)
	assert.Equal(t, "validation", string(f.Error.Kind))

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "prompt", "id": "r1", "prompt": "still here"}))
	f = readFrame(t, conn)
	assert.Equal(t, frameAck, f.Type)
}

func TestSocketInterrupt(t *testing.T) {
	env := newTestEnv(t)
	conn := dialSocket(t, env, nil)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "prompt", "id": "r1", "prompt": "/sleep 5s\nhi"}))
	ack := readFrame(t, conn)
	require.Equal(t, frameAck, ack.Type)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "interrupt", "id": "i1", "session_id": ack.SessionID}))
	evs, others := readRun(t, conn)
	require.Equal(t, []query.EventType{query.EventInit, query.EventResult, query.EventDone}, types(evs))
	assert.Equal(t, query.StopInterrupted, evs[1].StopReason)
	require.Len(t, others, 1)
	assert.Equal(t, frameAck, others[0].Type)
	assert.Equal(t, "i1", others[0].ID)
}

func TestSocketAnswerAndControl(t *testing.T) {
	env := newTestEnv(t)
	conn := dialSocket(t, env, http.Header{"Authorization": {"Bearer alice"}})

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "prompt", "id": "r1", "prompt": "/ask name?\n/mode"}))
	ack := readFrame(t, conn)
	require.Equal(t, frameAck, ack.Type)

	var question query.Event
	for question.Type != query.EventQuestion {
		f := readFrame(t, conn)
		require.Equal(t, frameSSEEvent, f.Type)
		question = *f.Event
	}

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "control", "id": "c1", "session_id": ack.SessionID, "mode": "acceptEdits"}))
	f := readFrame(t, conn)
	require.Equal(t, frameAck, f.Type)
	assert.Equal(t, "c1", f.ID)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "answer", "id": "a1", "session_id": ack.SessionID, "answer": "ada", "question_id": question.QuestionID,
	}))
	evs, others := readRun(t, conn)
	require.Len(t, others, 1)
	assert.Equal(t, "a1", others[0].ID)
	require.Equal(t, query.EventMessage, evs[0].Type)
	assert.Contains(t, evs[0].Content, "You answered: ada")
	assert.Contains(t, evs[0].Content, "Permission mode: acceptEdits")
}

func TestSocketControlErrors(t *testing.T) {
	env := newTestEnv(t)
	sum := env.summary(t, "/v1/query", `{"prompt":"hi","stream":false}`, "X-API-Key", "alice")

	conn := dialSocket(t, env, http.Header{"X-API-Key": {"alice"}})
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "interrupt", "id": "i1", "session_id": sum.SessionID}))
	f := readFrame(t, conn)
	require.Equal(t, frameError, f.Type)
	assert.Equal(t, "conflict", string(f.Error.Kind))
	assert.Equal(t, sum.SessionID, f.SessionID)

	other := dialSocket(t, env, http.Header{"X-API-Key": {"mallory"}})
	require.NoError(t, other.WriteJSON(map[string]any{"type": "prompt", "id": "p1", "prompt": "hi", "session_id": sum.SessionID}))
	f = readFrame(t, other)
	require.Equal(t, frameError, f.Type)
	assert.Equal(t, "not_found", string(f.Error.Kind))
}
