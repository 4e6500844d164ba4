package server

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cacheinmem "goa.design/agentd/runtime/cache/inmem"
	"goa.design/agentd/runtime/engine/scripted"
	"goa.design/agentd/runtime/lease"
	"goa.design/agentd/runtime/mux"
	"goa.design/agentd/runtime/orchestrator"
	"goa.design/agentd/runtime/query"
	"goa.design/agentd/runtime/repository"
	sessioninmem "goa.design/agentd/runtime/session/inmem"
)

type fakeRemote struct {
	mu     sync.Mutex
	runID  string
	after  int64
	events []query.Event
}

func (f *fakeRemote) Subscribe(_ context.Context, runID string, after int64) (<-chan query.Event, context.CancelFunc, error) {
	f.mu.Lock()
	f.runID, f.after = runID, after
	f.mu.Unlock()
	ch := make(chan query.Event, len(f.events))
	for _, ev := range f.events {
		if ev.Seq > after {
			ch <- ev
		}
	}
	close(ch)
	return ch, func() {}, nil
}

func TestObserveLocalRun(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/v1/query", `{"prompt":"/sleep 300ms\nhi"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id := resp.Header.Get("X-Session-ID")

	obs := env.do(t, http.MethodGet, "/v1/sessions/"+id+"/events", "")
	require.Equal(t, http.StatusOK, obs.StatusCode)
	assert.Equal(t, resp.Header.Get("X-Run-ID"), obs.Header.Get("X-Run-ID"))
	evs := queryEvents(t, readSSE(t, obs.Body))
	require.Equal(t, []query.EventType{query.EventInit, query.EventMessage, query.EventResult, query.EventDone}, types(evs))

	primary := queryEvents(t, readSSE(t, resp.Body))
	require.Equal(t, types(primary), types(evs))
}

func TestObserveResumesAfterLastEventID(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/v1/query", `{"prompt":"/sleep 300ms\nhi"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id := resp.Header.Get("X-Session-ID")

	obs := env.do(t, http.MethodGet, "/v1/sessions/"+id+"/events", "", "Last-Event-ID", "1")
	require.Equal(t, http.StatusOK, obs.StatusCode)
	evs := queryEvents(t, readSSE(t, obs.Body))
	require.NotEmpty(t, evs)
	assert.Equal(t, int64(2), evs[0].Seq)
	assert.Equal(t, query.EventDone, evs[len(evs)-1].Type)

	bad := env.do(t, http.MethodGet, "/v1/sessions/"+id+"/events", "", "Last-Event-ID", "x")
	requireError(t, bad, http.StatusBadRequest, "validation")
}

func TestObserveWithoutActiveRun(t *testing.T) {
	env := newTestEnv(t)
	sum := env.summary(t, "/v1/query", `{"prompt":"hi","stream":false}`)
	resp := env.do(t, http.MethodGet, "/v1/sessions/"+sum.SessionID+"/events", "")
	requireError(t, resp, http.StatusConflict, "conflict")
	resp = env.do(t, http.MethodGet, "/v1/sessions/missing/events", "")
	requireError(t, resp, http.StatusNotFound, "not_found")
}

func TestObserveRemoteRun(t *testing.T) {
	c := cacheinmem.New()
	repo, err := repository.New(repository.Options{Store: sessioninmem.New(), Cache: c})
	require.NoError(t, err)
	leases := lease.New(c, lease.WithTTL(time.Minute))
	node := func(id string) *orchestrator.Orchestrator {
		o, err := orchestrator.New(orchestrator.Options{
			Repository:     repo,
			Leases:         leases,
			Engine:         scripted.New(scripted.Options{}),
			InstanceID:     id,
			InterruptGrace: 200 * time.Millisecond,
		})
		require.NoError(t, err)
		return o
	}
	a, b := node("node-a"), node("node-b")
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.Drain(ctx)
	})

	run, tap, err := a.Start(context.Background(), orchestrator.Submission{Prompt: "/sleep 5s\nhi", Tap: mux.TapCollector})
	require.NoError(t, err)
	defer tap.Close()

	remote := &fakeRemote{events: []query.Event{
		{Seq: 1, Type: query.EventInit, SessionID: run.SessionID(), RunID: run.RunID()},
		{Seq: 2, Type: query.EventMessage, Role: "assistant", Content: "remote"},
		{Seq: 3, Type: query.EventResult, StopReason: query.StopEndTurn},
		{Seq: 4, Type: query.EventDone},
	}}
	env := newTestEnvFor(t, b, func(o *Options) { o.Remote = remote })

	resp := env.do(t, http.MethodGet, "/v1/sessions/"+run.SessionID()+"/events", "", "Last-Event-ID", "1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, run.RunID(), resp.Header.Get("X-Run-ID"))
	evs := queryEvents(t, readSSE(t, resp.Body))
	require.Equal(t, []query.EventType{query.EventMessage, query.EventResult, query.EventDone}, types(evs))
	assert.Equal(t, "remote", evs[0].Content)

	remote.mu.Lock()
	assert.Equal(t, run.RunID(), remote.runID)
	assert.Equal(t, int64(1), remote.after)
	remote.mu.Unlock()

	require.NoError(t, a.Control(context.Background(), query.Control{Type: query.ControlInterrupt, SessionID: run.SessionID()}, ""))
}

func TestObserveRemoteRunWithoutRelay(t *testing.T) {
	c := cacheinmem.New()
	repo, err := repository.New(repository.Options{Store: sessioninmem.New(), Cache: c})
	require.NoError(t, err)
	leases := lease.New(c, lease.WithTTL(time.Minute))
	a, err := orchestrator.New(orchestrator.Options{
		Repository: repo, Leases: leases, Engine: scripted.New(scripted.Options{}), InstanceID: "node-a",
		InterruptGrace: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	b, err := orchestrator.New(orchestrator.Options{
		Repository: repo, Leases: leases, Engine: scripted.New(scripted.Options{}), InstanceID: "node-b",
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.Drain(ctx)
	})
	run, tap, err := a.Start(context.Background(), orchestrator.Submission{Prompt: "/sleep 5s\nhi", Tap: mux.TapCollector})
	require.NoError(t, err)
	defer tap.Close()

	env := newTestEnvFor(t, b)
	resp := env.do(t, http.MethodGet, "/v1/sessions/"+run.SessionID()+"/events", "")
	requireError(t, resp, http.StatusConflict, "conflict")

	require.NoError(t, a.Control(context.Background(), query.Control{Type: query.ControlInterrupt, SessionID: run.SessionID()}, ""))
}
