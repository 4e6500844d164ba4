package anthropic

import (
	"context"
	"errors"
	"net/http"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/require"

	"goa.design/agentd/features/engine/chat"
	"goa.design/agentd/runtime/query"
)

// testDecoder feeds a fixed sequence of events to the ssestream.Stream.
type testDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *testDecoder) Next() bool {
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return d.err }

type fakeMessages struct {
	params sdk.MessageNewParams
	events []ssestream.Event
	err    error
	decErr error
}

func (f *fakeMessages) NewStreaming(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	f.params = body
	if f.err != nil {
		return ssestream.NewStream[sdk.MessageStreamEventUnion](nil, f.err)
	}
	return ssestream.NewStream[sdk.MessageStreamEventUnion](&testDecoder{events: f.events, err: f.decErr}, nil)
}

func event(typ, data string) ssestream.Event {
	return ssestream.Event{Type: typ, Data: []byte(data)}
}

func conversation() []ssestream.Event {
	return []ssestream.Event{
		event("message_start", `{"type":"message_start","message":{"id":"m1","type":"message","role":"assistant","model":"claude","content":[],"usage":{"input_tokens":12,"output_tokens":1}}}`),
		event("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
		event("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`),
		event("ping", `{"type":"ping"}`),
		event("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}`),
		event("content_block_stop", `{"type":"content_block_stop","index":0}`),
		event("message_delta", `{"type":"message_delta","delta":{"stop_reason":"max_tokens"},"usage":{"output_tokens":7}}`),
		event("message_stop", `{"type":"message_stop"}`),
	}
}

func TestStreamCollectsTextAndUsage(t *testing.T) {
	fake := &fakeMessages{events: conversation()}
	p, err := New(fake)
	require.NoError(t, err)

	var deltas []string
	c, err := p.Stream(context.Background(), chat.Request{
		Model:     "claude-test",
		System:    "be nice",
		MaxTokens: 64,
		Messages: []chat.Message{
			{Role: chat.RoleUser, Content: "hi"},
			{Role: chat.RoleAssistant, Content: "hello"},
			{Role: chat.RoleUser, Content: "again"},
		},
	}, func(s string) error {
		deltas = append(deltas, s)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"Hello", " world"}, deltas)
	require.Equal(t, "Hello world", c.Text)
	require.Equal(t, query.StopMaxTokens, c.StopReason)
	require.Equal(t, int64(12), c.InputTokens)
	require.Equal(t, int64(7), c.OutputTokens)

	require.Equal(t, sdk.Model("claude-test"), fake.params.Model)
	require.Equal(t, int64(64), fake.params.MaxTokens)
	require.Len(t, fake.params.Messages, 3)
	require.Equal(t, sdk.MessageParamRoleAssistant, fake.params.Messages[1].Role)
	require.Len(t, fake.params.System, 1)
	require.Equal(t, "be nice", fake.params.System[0].Text)
}

func TestStreamDeltaErrorStops(t *testing.T) {
	p, err := New(&fakeMessages{events: conversation()})
	require.NoError(t, err)
	stop := errors.New("stop")
	_, err = p.Stream(context.Background(), chat.Request{Model: "m", MaxTokens: 1, Messages: []chat.Message{{Role: chat.RoleUser, Content: "x"}}},
		func(string) error { return stop })
	require.ErrorIs(t, err, stop)
}

func TestStreamErrors(t *testing.T) {
	req := chat.Request{Model: "m", MaxTokens: 1, Messages: []chat.Message{{Role: chat.RoleUser, Content: "x"}}}
	noop := func(string) error { return nil }

	p, err := New(&fakeMessages{err: errors.New("unauthorized")})
	require.NoError(t, err)
	_, err = p.Stream(context.Background(), req, noop)
	require.ErrorContains(t, err, "unauthorized")

	p, err = New(&fakeMessages{events: []ssestream.Event{event("error", `{"type":"error","error":{"type":"overloaded_error"}}`)}})
	require.NoError(t, err)
	_, err = p.Stream(context.Background(), req, noop)
	require.ErrorContains(t, err, "overloaded_error")

	_, err = p.Stream(context.Background(), chat.Request{Model: "m", MaxTokens: 1}, noop)
	require.Error(t, err)
	_, err = p.Stream(context.Background(), chat.Request{Model: "m", Messages: req.Messages}, noop)
	require.Error(t, err)
	_, err = p.Stream(context.Background(), chat.Request{Model: "m", MaxTokens: 1, Messages: []chat.Message{{Role: "tool", Content: "x"}}}, noop)
	require.Error(t, err)
}

func TestStopReasonMapping(t *testing.T) {
	require.Equal(t, query.StopEndTurn, stopReason(sdk.StopReasonEndTurn))
	require.Equal(t, query.StopEndTurn, stopReason(sdk.StopReasonStopSequence))
	require.Equal(t, query.StopMaxTokens, stopReason(sdk.StopReasonMaxTokens))
	require.Equal(t, query.StopToolUse, stopReason(sdk.StopReasonToolUse))
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
	_, err = NewFromAPIKey("", "")
	require.Error(t, err)
}

func TestRateLimitErrorsAreClassified(t *testing.T) {
	req, err := http.NewRequest(http.MethodPost, "https://api.example.com/v1", nil)
	require.NoError(t, err)
	limited := &sdk.Error{StatusCode: http.StatusTooManyRequests, Request: req, Response: &http.Response{StatusCode: http.StatusTooManyRequests}}
	require.ErrorIs(t, wrapError(limited), chat.ErrRateLimited)
	failed := &sdk.Error{StatusCode: http.StatusInternalServerError, Request: req, Response: &http.Response{StatusCode: http.StatusInternalServerError}}
	require.NotErrorIs(t, wrapError(failed), chat.ErrRateLimited)
}
