// Package anthropic provides a chat.Provider backed by the Anthropic Claude
// Messages streaming API using github.com/anthropics/anthropic-sdk-go.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/agentd/features/engine/chat"
	"goa.design/agentd/runtime/query"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the provider. It is satisfied by *sdk.MessageService.
	MessagesClient interface {
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Provider streams completions from Claude.
	Provider struct {
		msg MessagesClient
	}
)

var _ chat.Provider = (*Provider)(nil)

// New returns a Provider using msg.
func New(msg MessagesClient) (*Provider, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	return &Provider{msg: msg}, nil
}

// NewFromAPIKey constructs a Provider using the default Anthropic HTTP client.
// baseURL overrides the API endpoint when not empty.
func NewFromAPIKey(apiKey, baseURL string) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	ac := sdk.NewClient(opts...)
	return New(&ac.Messages)
}

// Name implements chat.Provider.
func (p *Provider) Name() string { return "anthropic" }

// Stream implements chat.Provider.
func (p *Provider) Stream(ctx context.Context, req chat.Request, delta func(string) error) (chat.Completion, error) {
	params, err := encodeRequest(req)
	if err != nil {
		return chat.Completion{}, err
	}
	stream := p.msg.NewStreaming(ctx, params)
	defer stream.Close()

	var (
		text  strings.Builder
		out   chat.Completion
		input int64
	)
	for stream.Next() {
		switch ev := stream.Current().AsAny().(type) {
		case sdk.MessageStartEvent:
			input = ev.Message.Usage.InputTokens
		case sdk.ContentBlockDeltaEvent:
			if d, ok := ev.Delta.AsAny().(sdk.TextDelta); ok && d.Text != "" {
				text.WriteString(d.Text)
				if err := delta(d.Text); err != nil {
					return chat.Completion{}, err
				}
			}
		case sdk.MessageDeltaEvent:
			out.StopReason = stopReason(ev.Delta.StopReason)
			out.OutputTokens = ev.Usage.OutputTokens
			if ev.Usage.InputTokens > 0 {
				input = ev.Usage.InputTokens
			}
		}
	}
	if err := stream.Err(); err != nil {
		return chat.Completion{}, wrapError(err)
	}
	out.Text = text.String()
	out.InputTokens = input
	return out, nil
}

func encodeRequest(req chat.Request) (sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return sdk.MessageNewParams{}, errors.New("anthropic: messages are required")
	}
	if req.MaxTokens <= 0 {
		return sdk.MessageNewParams{}, errors.New("anthropic: max_tokens must be positive")
	}
	msgs := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case chat.RoleUser:
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case chat.RoleAssistant:
			msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			return sdk.MessageNewParams{}, fmt.Errorf("anthropic: unsupported role %q", m.Role)
		}
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(req.MaxTokens),
		Messages:  msgs,
		Model:     sdk.Model(req.Model),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	return params, nil
}

func stopReason(r sdk.StopReason) query.StopReason {
	switch r {
	case sdk.StopReasonMaxTokens:
		return query.StopMaxTokens
	case sdk.StopReasonToolUse:
		return query.StopToolUse
	default:
		return query.StopEndTurn
	}
}

func wrapError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", chat.ErrRateLimited, err)
	}
	return fmt.Errorf("anthropic messages stream: %w", err)
}
