// Package chat implements engine.Engine on top of a streaming chat completion
// provider. Provider adapters live in the sibling anthropic and openai
// packages.
//
// Each run is a single model turn: the engine loads the session transcript,
// appends the prompt, streams the completion as partial outputs and records
// the assistant reply. Questions are not supported; Answer always fails.
package chat

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"goa.design/agentd/runtime/apperr"
	"goa.design/agentd/runtime/engine"
	"goa.design/agentd/runtime/query"
	"goa.design/agentd/runtime/telemetry"
)

type (
	// Provider streams one chat completion.
	Provider interface {
		// Name identifies the provider in logs.
		Name() string
		// Stream calls delta for each text fragment and returns the final
		// completion. It must return promptly once ctx is cancelled.
		Stream(ctx context.Context, req Request, delta func(string) error) (Completion, error)
	}

	// Request is a provider-neutral completion request.
	Request struct {
		Model     string
		System    string
		Messages  []Message
		MaxTokens int
	}

	// Completion is the result of a provider call.
	Completion struct {
		Text         string
		StopReason   query.StopReason
		InputTokens  int64
		OutputTokens int64
	}

	// Price is the cost of a model in USD per million tokens.
	Price struct {
		Input  float64 `yaml:"input"`
		Output float64 `yaml:"output"`
	}

	// Options configures an Engine.
	Options struct {
		// Provider performs completions. Required.
		Provider Provider
		// Transcripts stores conversation history. Defaults to an in-process
		// store.
		Transcripts Transcripts
		// MaxTokens caps each completion. Defaults to 4096.
		MaxTokens int
		// Prices maps model IDs to token prices used to compute run cost.
		Prices map[string]Price
		Logger telemetry.Logger
	}

	// Engine runs chat completions.
	Engine struct {
		provider    Provider
		transcripts Transcripts
		maxTokens   int
		prices      map[string]Price
		logger      telemetry.Logger
	}

	run struct {
		engine *Engine
		req    engine.Request
		out    chan engine.Output
		ctx    context.Context
	}
)

var _ engine.Engine = (*Engine)(nil)

// ErrQuestionsUnsupported is returned by Answer.
var ErrQuestionsUnsupported = apperr.New(apperr.KindConflict, "engine does not ask questions")

// New returns an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Provider == nil {
		return nil, errors.New("provider is required")
	}
	if opts.Transcripts == nil {
		opts.Transcripts = NewMemoryTranscripts()
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	return &Engine{
		provider:    opts.Provider,
		transcripts: opts.Transcripts,
		maxTokens:   opts.MaxTokens,
		prices:      opts.Prices,
		logger:      opts.Logger,
	}, nil
}

// Start implements engine.Engine.
func (e *Engine) Start(ctx context.Context, req engine.Request) (engine.Run, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, apperr.Validation("prompt is required")
	}
	if req.Options.Model == "" {
		return nil, apperr.Validation("model is required")
	}
	if req.ForkFrom != "" {
		if err := e.transcripts.Copy(ctx, req.ForkFrom, req.SessionID); err != nil {
			return nil, err
		}
	}
	r := &run{engine: e, req: req, out: make(chan engine.Output, 32), ctx: ctx}
	go r.execute()
	return r, nil
}

// Cost returns the USD cost of c for model.
func (e *Engine) Cost(model string, c Completion) float64 {
	p, ok := e.prices[model]
	if !ok {
		return 0
	}
	return (float64(c.InputTokens)*p.Input + float64(c.OutputTokens)*p.Output) / 1e6
}

func (r *run) Outputs() <-chan engine.Output { return r.out }

func (r *run) Answer(context.Context, string, string) error { return ErrQuestionsUnsupported }

// SetPermissionMode validates mode. Completions do not use tools so the mode
// has no effect.
func (r *run) SetPermissionMode(_ context.Context, mode query.PermissionMode) error {
	if !mode.Valid() {
		return apperr.Validation("invalid permission mode %q", mode)
	}
	return nil
}

func (r *run) execute() {
	defer close(r.out)
	e := r.engine
	ctx := r.ctx

	history, err := e.transcripts.Load(ctx, r.req.SessionID)
	if err != nil {
		r.fail(err)
		return
	}
	user := Message{Role: RoleUser, Content: r.req.Prompt}
	req := Request{
		Model:     r.req.Options.Model,
		System:    r.req.Options.SystemPrompt,
		Messages:  append(history, user),
		MaxTokens: e.maxTokens,
	}
	var delta func(string) error
	if r.req.Options.IncludePartial {
		delta = func(s string) error {
			if !r.emit(engine.Output{Type: query.EventPartial, Content: s}) {
				return ctx.Err()
			}
			return nil
		}
	} else {
		delta = func(string) error { return nil }
	}

	c, err := e.provider.Stream(ctx, req, delta)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		r.fail(apperr.Upstream(e.provider.Name(), err))
		return
	}
	msgID := "msg_" + uuid.NewString()
	if !r.emit(engine.Output{Type: query.EventMessage, Role: "assistant", Content: c.Text, MessageID: msgID}) {
		return
	}
	if err := e.transcripts.Append(ctx, r.req.SessionID, user, Message{Role: RoleAssistant, Content: c.Text}); err != nil {
		e.logger.Warn(ctx, "failed to record transcript", "session_id", r.req.SessionID, "err", err)
	}
	stop := c.StopReason
	if stop == "" {
		stop = query.StopEndTurn
	}
	r.emit(engine.Output{
		Type:       query.EventResult,
		StopReason: stop,
		CostUSD:    e.Cost(req.Model, c),
		NumTurns:   1,
	})
}

func (r *run) fail(err error) {
	r.emit(engine.Output{Type: query.EventError, StopReason: query.StopError, Err: err})
}

func (r *run) emit(o engine.Output) bool {
	select {
	case r.out <- o:
		return true
	case <-r.ctx.Done():
		return false
	}
}
