package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/agentd/features/stream/pulse/clients/pulse/pulsetest"
	cacheinmem "goa.design/agentd/runtime/cache/inmem"
	"goa.design/agentd/runtime/engine/scripted"
	"goa.design/agentd/runtime/lease"
	"goa.design/agentd/runtime/orchestrator"
	"goa.design/agentd/runtime/query"
	"goa.design/agentd/runtime/repository"
	sessioninmem "goa.design/agentd/runtime/session/inmem"
)

type recordingApplier struct {
	mu   sync.Mutex
	got  []query.Control
	err  error
	seen chan struct{}
}

func newRecordingApplier(err error) *recordingApplier {
	return &recordingApplier{err: err, seen: make(chan struct{}, 16)}
}

func (a *recordingApplier) ApplyForwarded(_ context.Context, c query.Control) error {
	a.mu.Lock()
	a.got = append(a.got, c)
	a.mu.Unlock()
	a.seen <- struct{}{}
	return a.err
}

func (a *recordingApplier) wait(t *testing.T) {
	t.Helper()
	select {
	case <-a.seen:
	case <-time.After(5 * time.Second):
		t.Fatal("control not applied")
	}
}

func runListener(t *testing.T, l *Listener) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

func TestForwardPublishesToInstanceStream(t *testing.T) {
	client := pulsetest.New()
	router, err := NewRouter(client, nil)
	require.NoError(t, err)

	c := query.Control{Type: query.ControlAnswer, SessionID: "s1", Answer: "yes"}
	require.NoError(t, router.Forward(context.Background(), "node-b", c))

	evs := client.Get(StreamName("node-b")).Events()
	require.Len(t, evs, 1)
	require.Equal(t, string(query.ControlAnswer), evs[0].EventName)
	var got query.Control
	require.NoError(t, json.Unmarshal(evs[0].Payload, &got))
	require.Equal(t, c, got)
}

func TestForwardErrors(t *testing.T) {
	client := pulsetest.New()
	router, err := NewRouter(client, nil)
	require.NoError(t, err)

	require.Error(t, router.Forward(context.Background(), "", query.Control{}))

	client.Get(StreamName("node-b")).FailAdds(errors.New("redis down"))
	err = router.Forward(context.Background(), "node-b", query.Control{Type: query.ControlInterrupt, SessionID: "s"})
	require.Error(t, err)
}

func TestListenerAppliesControls(t *testing.T) {
	client := pulsetest.New()
	applier := newRecordingApplier(orchestrator.ErrNoActiveRun)
	l, err := NewListener(ListenerOptions{Client: client, InstanceID: "node-a", Applier: applier})
	require.NoError(t, err)
	runListener(t, l)

	router, err := NewRouter(client, nil)
	require.NoError(t, err)
	stream := client.Get(StreamName("node-a"))
	_, err = stream.Add(context.Background(), "junk", []byte("not json"))
	require.NoError(t, err)
	require.NoError(t, router.Forward(context.Background(), "node-a", query.Control{Type: query.ControlInterrupt, SessionID: "s1"}))
	require.NoError(t, router.Forward(context.Background(), "node-b", query.Control{Type: query.ControlInterrupt, SessionID: "s2"}))
	require.NoError(t, router.Forward(context.Background(), "node-a", query.Control{Type: query.ControlInterrupt, SessionID: "s3"}))

	applier.wait(t)
	applier.wait(t)
	applier.mu.Lock()
	defer applier.mu.Unlock()
	require.Len(t, applier.got, 2)
	require.Equal(t, "s1", applier.got[0].SessionID)
	require.Equal(t, "s3", applier.got[1].SessionID)
}

func TestNewListenerValidates(t *testing.T) {
	client := pulsetest.New()
	_, err := NewListener(ListenerOptions{InstanceID: "a", Applier: newRecordingApplier(nil)})
	require.Error(t, err)
	_, err = NewListener(ListenerOptions{Client: client, Applier: newRecordingApplier(nil)})
	require.Error(t, err)
	_, err = NewListener(ListenerOptions{Client: client, InstanceID: "a"})
	require.Error(t, err)
	_, err = NewRouter(nil, nil)
	require.Error(t, err)
}

func TestInterruptForwardedBetweenInstances(t *testing.T) {
	ctx := context.Background()
	client := pulsetest.New()
	c := cacheinmem.New()
	repo, err := repository.New(repository.Options{Store: sessioninmem.New(), Cache: c})
	require.NoError(t, err)
	leases := lease.New(c, lease.WithTTL(time.Minute))
	router, err := NewRouter(client, nil)
	require.NoError(t, err)

	node := func(id string) *orchestrator.Orchestrator {
		o, err := orchestrator.New(orchestrator.Options{
			Repository:     repo,
			Leases:         leases,
			Engine:         scripted.New(scripted.Options{}),
			InstanceID:     id,
			InterruptGrace: 200 * time.Millisecond,
			Router:         router,
		})
		require.NoError(t, err)
		t.Cleanup(func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			o.Drain(dctx)
		})
		return o
	}
	a, b := node("node-a"), node("node-b")
	l, err := NewListener(ListenerOptions{Client: client, InstanceID: "node-a", Applier: a})
	require.NoError(t, err)
	runListener(t, l)

	run, tap, err := a.Start(ctx, orchestrator.Submission{Prompt: "/sleep 10s\nhi", Owner: "u"})
	require.NoError(t, err)
	require.NoError(t, b.Control(ctx, query.Control{Type: query.ControlInterrupt, SessionID: run.SessionID()}, "u"))

	var evs []query.Event
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case ev, ok := <-tap.Events():
			if !ok {
				done = true
				break
			}
			evs = append(evs, ev)
		case <-timeout:
			t.Fatal("run was not interrupted")
		}
	}
	require.GreaterOrEqual(t, len(evs), 2)
	require.Equal(t, query.StopInterrupted, evs[len(evs)-2].StopReason)
}
