// Package openai provides a chat.Provider backed by the OpenAI Chat
// Completions streaming API using github.com/openai/openai-go. It also works
// with OpenAI-compatible endpoints through a custom base URL.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"goa.design/agentd/features/engine/chat"
	"goa.design/agentd/runtime/query"
)

type (
	// CompletionsClient captures the subset of the OpenAI SDK used by the
	// provider. It is satisfied by *sdk.ChatCompletionService.
	CompletionsClient interface {
		NewStreaming(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.ChatCompletionChunk]
	}

	// Provider streams completions from OpenAI.
	Provider struct {
		chat CompletionsClient
	}
)

var _ chat.Provider = (*Provider)(nil)

// New returns a Provider using c.
func New(c CompletionsClient) (*Provider, error) {
	if c == nil {
		return nil, errors.New("openai client is required")
	}
	return &Provider{chat: c}, nil
}

// NewFromAPIKey constructs a Provider using the default OpenAI HTTP client.
// baseURL overrides the API endpoint when not empty.
func NewFromAPIKey(apiKey, baseURL string) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	c := sdk.NewClient(opts...)
	return New(&c.Chat.Completions)
}

// Name implements chat.Provider.
func (p *Provider) Name() string { return "openai" }

// Stream implements chat.Provider.
func (p *Provider) Stream(ctx context.Context, req chat.Request, delta func(string) error) (chat.Completion, error) {
	params, err := encodeRequest(req)
	if err != nil {
		return chat.Completion{}, err
	}
	stream := p.chat.NewStreaming(ctx, params)
	defer stream.Close()

	var (
		text strings.Builder
		out  chat.Completion
	)
	for stream.Next() {
		chunk := stream.Current()
		if chunk.Usage.TotalTokens > 0 {
			out.InputTokens = chunk.Usage.PromptTokens
			out.OutputTokens = chunk.Usage.CompletionTokens
		}
		for _, choice := range chunk.Choices {
			if choice.Index != 0 {
				continue
			}
			if s := choice.Delta.Content; s != "" {
				text.WriteString(s)
				if err := delta(s); err != nil {
					return chat.Completion{}, err
				}
			}
			if choice.FinishReason != "" {
				out.StopReason = stopReason(choice.FinishReason)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return chat.Completion{}, wrapError(err)
	}
	out.Text = text.String()
	return out, nil
}

func encodeRequest(req chat.Request) (sdk.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return sdk.ChatCompletionNewParams{}, errors.New("openai: messages are required")
	}
	msgs := make([]sdk.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, sdk.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case chat.RoleUser:
			msgs = append(msgs, sdk.UserMessage(m.Content))
		case chat.RoleAssistant:
			msgs = append(msgs, sdk.AssistantMessage(m.Content))
		default:
			return sdk.ChatCompletionNewParams{}, fmt.Errorf("openai: unsupported role %q", m.Role)
		}
	}
	params := sdk.ChatCompletionNewParams{
		Model:    req.Model,
		Messages: msgs,
		StreamOptions: sdk.ChatCompletionStreamOptionsParam{
			IncludeUsage: sdk.Bool(true),
		},
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(req.MaxTokens))
	}
	return params, nil
}

func stopReason(finish string) query.StopReason {
	switch finish {
	case "length":
		return query.StopMaxTokens
	case "tool_calls", "function_call":
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
	return fmt.Errorf("openai chat completion stream: %w", err)
}
