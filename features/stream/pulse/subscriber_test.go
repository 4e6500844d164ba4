package pulse

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/agentd/features/stream/pulse/clients/pulse/pulsetest"
	"goa.design/agentd/runtime/orchestrator"
	"goa.design/agentd/runtime/query"
)

func publish(t *testing.T, s *pulsetest.Stream, evs ...query.Event) {
	t.Helper()
	for _, ev := range evs {
		b, err := json.Marshal(ev)
		require.NoError(t, err)
		_, err = s.Add(context.Background(), string(ev.Type), b)
		require.NoError(t, err)
	}
}

func collect(t *testing.T, ch <-chan query.Event) []query.Event {
	t.Helper()
	var out []query.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("subscription did not end; got %d events", len(out))
		}
	}
}

func runEvents(runID string) []query.Event {
	return []query.Event{
		{Seq: 1, Type: query.EventInit, RunID: runID, SessionID: "s"},
		{Seq: 2, Type: query.EventMessage, RunID: runID, SessionID: "s", Role: "assistant", Content: "hi"},
		{Seq: 3, Type: query.EventResult, RunID: runID, SessionID: "s", StopReason: query.StopEndTurn},
		{Seq: 4, Type: query.EventDone, RunID: runID, SessionID: "s"},
	}
}

func TestSubscribeReadsUntilDone(t *testing.T) {
	client := pulsetest.New()
	sub, err := NewSubscriber(SubscriberOptions{Client: client})
	require.NoError(t, err)
	publish(t, client.Get(StreamName("r1")), runEvents("r1")...)

	ch, cancel, err := sub.Subscribe(context.Background(), "r1", 0)
	require.NoError(t, err)
	defer cancel()

	evs := collect(t, ch)
	require.Len(t, evs, 4)
	require.Equal(t, "hi", evs[1].Content)
	require.Equal(t, query.EventDone, evs[3].Type)
}

func TestSubscribeSkipsUpToAfter(t *testing.T) {
	client := pulsetest.New()
	sub, err := NewSubscriber(SubscriberOptions{Client: client})
	require.NoError(t, err)
	publish(t, client.Get(StreamName("r1")), runEvents("r1")...)

	ch, cancel, err := sub.Subscribe(context.Background(), "r1", 2)
	require.NoError(t, err)
	defer cancel()

	evs := collect(t, ch)
	require.Len(t, evs, 2)
	require.Equal(t, int64(3), evs[0].Seq)
}

func TestSubscribeFollowsLiveEvents(t *testing.T) {
	client := pulsetest.New()
	sub, err := NewSubscriber(SubscriberOptions{Client: client})
	require.NoError(t, err)
	stream := client.Get(StreamName("r1"))

	ch, cancel, err := sub.Subscribe(context.Background(), "r1", 0)
	require.NoError(t, err)
	defer cancel()

	evs := runEvents("r1")
	publish(t, stream, evs[0])
	select {
	case ev := <-ch:
		require.Equal(t, query.EventInit, ev.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("no live event")
	}
	publish(t, stream, evs[1:]...)
	require.Len(t, collect(t, ch), 3)
}

func TestSubscribersAreIndependent(t *testing.T) {
	client := pulsetest.New()
	sub, err := NewSubscriber(SubscriberOptions{Client: client})
	require.NoError(t, err)
	publish(t, client.Get(StreamName("r1")), runEvents("r1")...)

	a, cancelA, err := sub.Subscribe(context.Background(), "r1", 0)
	require.NoError(t, err)
	defer cancelA()
	b, cancelB, err := sub.Subscribe(context.Background(), "r1", 0)
	require.NoError(t, err)
	defer cancelB()

	require.Len(t, collect(t, a), 4)
	require.Len(t, collect(t, b), 4)
}

func TestSubscribeSkipsUndecodableEvents(t *testing.T) {
	client := pulsetest.New()
	sub, err := NewSubscriber(SubscriberOptions{Client: client})
	require.NoError(t, err)
	stream := client.Get(StreamName("r1"))
	_, err = stream.Add(context.Background(), "garbage", []byte("{"))
	require.NoError(t, err)
	publish(t, stream, runEvents("r1")...)

	ch, cancel, err := sub.Subscribe(context.Background(), "r1", 0)
	require.NoError(t, err)
	defer cancel()
	require.Len(t, collect(t, ch), 4)
}

func TestSubscribeCancelClosesChannel(t *testing.T) {
	client := pulsetest.New()
	sub, err := NewSubscriber(SubscriberOptions{Client: client})
	require.NoError(t, err)

	ch, cancel, err := sub.Subscribe(context.Background(), "r1", 0)
	require.NoError(t, err)
	cancel()
	require.Empty(t, collect(t, ch))
}

func TestSubscribeRequiresRunID(t *testing.T) {
	sub, err := NewSubscriber(SubscriberOptions{Client: pulsetest.New()})
	require.NoError(t, err)
	_, _, err = sub.Subscribe(context.Background(), "", 0)
	require.Error(t, err)
}

func TestStreamsRelayToRemoteObserver(t *testing.T) {
	client := pulsetest.New()
	streams, err := NewStreams(StreamsOptions{Client: client})
	require.NoError(t, err)
	o := newOrchestrator(t, streams.Relay())

	run, tap, err := o.Start(context.Background(), orchestrator.Submission{Prompt: "ping", Owner: "u"})
	require.NoError(t, err)
	var local []query.Event
	for ev := range tap.Events() {
		local = append(local, ev)
	}

	ch, cancel, err := streams.Subscriber().Subscribe(context.Background(), run.RunID(), 0)
	require.NoError(t, err)
	defer cancel()
	remote := collect(t, ch)

	require.Equal(t, len(local), len(remote))
	for i := range local {
		require.Equal(t, local[i].Seq, remote[i].Seq)
		require.Equal(t, local[i].Type, remote[i].Type)
		require.Equal(t, local[i].Content, remote[i].Content)
	}
	require.NoError(t, streams.Close(context.Background()))
	require.Equal(t, 1, client.Closed())
}
