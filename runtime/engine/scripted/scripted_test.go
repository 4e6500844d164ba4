package scripted

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/agentd/runtime/engine"
	"goa.design/agentd/runtime/query"
)

func collect(t *testing.T, r engine.Run) []engine.Output {
	t.Helper()
	var outs []engine.Output
	timeout := time.After(5 * time.Second)
	for {
		select {
		case o, ok := <-r.Outputs():
			if !ok {
				return outs
			}
			outs = append(outs, o)
		case <-timeout:
			t.Fatal("run did not finish")
		}
	}
}

func TestEchoRun(t *testing.T) {
	e := New(Options{CostPerRun: 0.01})
	r, err := e.Start(context.Background(), engine.Request{SessionID: "s", Prompt: "2+2?"})
	require.NoError(t, err)

	outs := collect(t, r)
	require.Len(t, outs, 2)
	require.Equal(t, query.EventMessage, outs[0].Type)
	require.Equal(t, "You said: 2+2?", outs[0].Content)
	require.NotEmpty(t, outs[0].MessageID)
	require.Equal(t, query.EventResult, outs[1].Type)
	require.Equal(t, query.StopEndTurn, outs[1].StopReason)
	require.Equal(t, 1, outs[1].NumTurns)
	require.InDelta(t, 0.01, outs[1].CostUSD, 1e-9)
	require.Equal(t, 1, e.Turns("s"))
}

func TestPartials(t *testing.T) {
	e := New(Options{Responder: func(engine.Request, string) string { return "a b c" }})
	r, err := e.Start(context.Background(), engine.Request{
		SessionID: "s", Prompt: "x", Options: query.Options{IncludePartial: true},
	})
	require.NoError(t, err)
	outs := collect(t, r)
	var text string
	for _, o := range outs {
		if o.Type == query.EventPartial {
			text += o.Content
		}
	}
	require.Equal(t, "a b c", text)
	require.Equal(t, query.EventResult, outs[len(outs)-1].Type)
}

func TestAskWaitsForAnswer(t *testing.T) {
	e := New(Options{})
	r, err := e.Start(context.Background(), engine.Request{SessionID: "s", Prompt: "/ask color?"})
	require.NoError(t, err)

	q := <-r.Outputs()
	require.Equal(t, query.EventQuestion, q.Type)
	require.Equal(t, "color?", q.Content)

	require.ErrorIs(t, r.Answer(context.Background(), "other", "red"), ErrNoPendingQuestion)
	require.NoError(t, r.Answer(context.Background(), q.QuestionID, "red"))
	require.ErrorIs(t, r.Answer(context.Background(), "", "blue"), ErrNoPendingQuestion)

	outs := collect(t, r)
	require.Equal(t, "You answered: red", outs[0].Content)
}

func TestCancelClosesOutputs(t *testing.T) {
	e := New(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	r, err := e.Start(ctx, engine.Request{SessionID: "s", Prompt: "/sleep 1h\nhello"})
	require.NoError(t, err)
	cancel()
	require.Empty(t, collect(t, r))
}

func TestFailAndMode(t *testing.T) {
	e := New(Options{})
	r, err := e.Start(context.Background(), engine.Request{SessionID: "s", Prompt: "/fail model overloaded"})
	require.NoError(t, err)
	outs := collect(t, r)
	require.Len(t, outs, 1)
	require.Equal(t, query.EventError, outs[0].Type)
	require.EqualError(t, outs[0].Err, "model overloaded")

	r, err = e.Start(context.Background(), engine.Request{SessionID: "s", Prompt: "/sleep 20ms\n/mode"})
	require.NoError(t, err)
	require.NoError(t, r.SetPermissionMode(context.Background(), query.PermissionPlan))
	outs = collect(t, r)
	require.Equal(t, "Permission mode: plan", outs[0].Content)
}

func TestForkCopiesTurns(t *testing.T) {
	e := New(Options{})
	collect(t, must(e.Start(context.Background(), engine.Request{SessionID: "a", Prompt: "hi"})))
	collect(t, must(e.Start(context.Background(), engine.Request{SessionID: "b", ForkFrom: "a", Prompt: "hi"})))
	require.Equal(t, 2, e.Turns("b"))
	require.Equal(t, 1, e.Turns("a"))
}

func TestEmptyPromptRejected(t *testing.T) {
	_, err := New(Options{}).Start(context.Background(), engine.Request{SessionID: "s", Prompt: " "})
	require.Error(t, err)
}

func must(r engine.Run, err error) engine.Run {
	if err != nil {
		panic(err)
	}
	return r
}
