// Package bedrock provides a chat.Provider backed by the AWS Bedrock Converse
// streaming API. Any Bedrock model that supports ConverseStream can be used;
// the model id is taken from the request.
package bedrock

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"goa.design/agentd/features/engine/chat"
	"goa.design/agentd/runtime/query"
)

const providerName = "bedrock"

type (
	// RuntimeClient is the subset of *bedrockruntime.Client used by the
	// provider.
	RuntimeClient interface {
		ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
	}

	// Credentials are static AWS credentials.
	Credentials struct {
		AccessKeyID     string
		SecretAccessKey string
		SessionToken    string
	}

	// Provider streams completions from Bedrock.
	Provider struct {
		open streamOpener
	}

	// streamOpener starts a ConverseStream call. Tests replace it to feed
	// synthetic event streams.
	streamOpener func(ctx context.Context, in *bedrockruntime.ConverseStreamInput) (*bedrockruntime.ConverseStreamEventStream, error)
)

var _ chat.Provider = (*Provider)(nil)

// New returns a Provider using rt.
func New(rt RuntimeClient) (*Provider, error) {
	if rt == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	return &Provider{open: func(ctx context.Context, in *bedrockruntime.ConverseStreamInput) (*bedrockruntime.ConverseStreamEventStream, error) {
		out, err := rt.ConverseStream(ctx, in)
		if err != nil {
			return nil, err
		}
		return out.GetStream(), nil
	}}, nil
}

// NewFromCredentials builds a Bedrock runtime client for region using static
// credentials. baseURL overrides the service endpoint when not empty.
func NewFromCredentials(region string, creds Credentials, baseURL string) (*Provider, error) {
	if region == "" {
		return nil, errors.New("region is required")
	}
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return nil, errors.New("access key id and secret access key are required")
	}
	static := aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     creds.AccessKeyID,
			SecretAccessKey: creds.SecretAccessKey,
			SessionToken:    creds.SessionToken,
			Source:          "agentd",
		}, nil
	})
	opts := bedrockruntime.Options{
		Region:      region,
		Credentials: aws.NewCredentialsCache(static),
	}
	if baseURL != "" {
		opts.BaseEndpoint = aws.String(baseURL)
	}
	return New(bedrockruntime.New(opts))
}

// Name implements chat.Provider.
func (p *Provider) Name() string { return providerName }

// Stream implements chat.Provider.
func (p *Provider) Stream(ctx context.Context, req chat.Request, delta func(string) error) (chat.Completion, error) {
	input, err := encodeRequest(req)
	if err != nil {
		return chat.Completion{}, err
	}
	stream, err := p.open(ctx, input)
	if err != nil {
		return chat.Completion{}, wrapError(err)
	}
	defer func() { _ = stream.Close() }()

	var (
		text strings.Builder
		out  chat.Completion
	)
	events := stream.Events()
	for {
		select {
		case <-ctx.Done():
			return chat.Completion{}, ctx.Err()
		case event, ok := <-events:
			if !ok {
				if err := stream.Err(); err != nil {
					return chat.Completion{}, wrapError(err)
				}
				out.Text = text.String()
				if out.StopReason == "" {
					out.StopReason = query.StopEndTurn
				}
				return out, nil
			}
			switch ev := event.(type) {
			case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
				d, ok := ev.Value.Delta.(*brtypes.ContentBlockDeltaMemberText)
				if !ok || d.Value == "" {
					continue
				}
				text.WriteString(d.Value)
				if err := delta(d.Value); err != nil {
					return chat.Completion{}, err
				}
			case *brtypes.ConverseStreamOutputMemberMessageStop:
				out.StopReason = stopReason(ev.Value.StopReason)
			case *brtypes.ConverseStreamOutputMemberMetadata:
				if u := ev.Value.Usage; u != nil {
					if u.InputTokens != nil {
						out.InputTokens = int64(*u.InputTokens)
					}
					if u.OutputTokens != nil {
						out.OutputTokens = int64(*u.OutputTokens)
					}
				}
			}
		}
	}
}

func encodeRequest(req chat.Request) (*bedrockruntime.ConverseStreamInput, error) {
	if req.Model == "" {
		return nil, errors.New("bedrock: model is required")
	}
	msgs := make([]brtypes.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Content == "" {
			continue
		}
		var role brtypes.ConversationRole
		switch m.Role {
		case chat.RoleUser:
			role = brtypes.ConversationRoleUser
		case chat.RoleAssistant:
			role = brtypes.ConversationRoleAssistant
		default:
			return nil, fmt.Errorf("bedrock: unsupported role %q", m.Role)
		}
		msgs = append(msgs, brtypes.Message{
			Role:    role,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
		})
	}
	if len(msgs) == 0 {
		return nil, errors.New("bedrock: messages are required")
	}
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(req.Model),
		Messages: msgs,
	}
	if req.System != "" {
		input.System = []brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: req.System}}
	}
	if req.MaxTokens > 0 {
		input.InferenceConfig = &brtypes.InferenceConfiguration{MaxTokens: aws.Int32(int32(req.MaxTokens))}
	}
	return input, nil
}

func stopReason(r brtypes.StopReason) query.StopReason {
	switch r {
	case brtypes.StopReasonMaxTokens:
		return query.StopMaxTokens
	case brtypes.StopReasonToolUse:
		return query.StopToolUse
	default:
		return query.StopEndTurn
	}
}

// isRateLimited treats ThrottlingException codes and HTTP 429 responses as
// throttling.
func isRateLimited(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusTooManyRequests
}

func wrapError(err error) error {
	if isRateLimited(err) {
		return fmt.Errorf("%w: %w", chat.ErrRateLimited, err)
	}
	return fmt.Errorf("bedrock converse stream: %w", err)
}
