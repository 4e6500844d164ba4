// Package scripted provides a deterministic engine.Engine used for local
// development and tests.
//
// The reply to a prompt is produced by a Responder (by default an echo). A
// prompt may start with directives, one per line, which are executed before
// the reply:
//
//	/sleep <duration>   wait (cancellable)
//	/ask <question>     emit a question and wait for the answer
//	/fail <message>     emit an error output and stop
//	/mode               reply with the current permission mode
package scripted

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/agentd/runtime/apperr"
	"goa.design/agentd/runtime/engine"
	"goa.design/agentd/runtime/query"
)

type (
	// Responder computes the reply for a prompt with directives removed.
	Responder func(req engine.Request, prompt string) string

	// Options configure the engine.
	Options struct {
		// Responder produces replies. Defaults to an echo.
		Responder Responder
		// TokenDelay is the pause between partial outputs.
		TokenDelay time.Duration
		// CostPerRun is reported on each result.
		CostPerRun float64
		// IgnoreCancel makes runs ignore cancellation, simulating a stuck
		// engine.
		IgnoreCancel bool
	}

	// Engine is the scripted engine.
	Engine struct {
		opts Options

		mu       sync.Mutex
		sessions map[string]int
	}

	run struct {
		engine  *Engine
		req     engine.Request
		out     chan engine.Output
		answers chan string

		mu       sync.Mutex
		pending  string
		mode     query.PermissionMode
		canceled <-chan struct{}
	}
)

var _ engine.Engine = (*Engine)(nil)

// ErrNoPendingQuestion is returned by Answer when the run is not waiting.
var ErrNoPendingQuestion = apperr.New(apperr.KindConflict, "no pending question")

// New returns a scripted engine.
func New(opts Options) *Engine {
	if opts.Responder == nil {
		opts.Responder = Echo
	}
	return &Engine{opts: opts, sessions: make(map[string]int)}
}

// Echo replies with the prompt.
func Echo(_ engine.Request, prompt string) string {
	return "You said: " + prompt
}

// Turns returns the number of completed turns recorded for a session.
func (e *Engine) Turns(sessionID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[sessionID]
}

// Start implements engine.Engine.
func (e *Engine) Start(ctx context.Context, req engine.Request) (engine.Run, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, apperr.Validation("prompt is required")
	}
	e.mu.Lock()
	if req.ForkFrom != "" {
		e.sessions[req.SessionID] = e.sessions[req.ForkFrom]
	}
	e.mu.Unlock()

	mode := req.Options.PermissionMode
	if mode == "" {
		mode = query.PermissionDefault
	}
	r := &run{
		engine:  e,
		req:     req,
		out:     make(chan engine.Output, 16),
		answers: make(chan string, 1),
		mode:    mode,
	}
	if !e.opts.IgnoreCancel {
		r.canceled = ctx.Done()
	}
	go r.execute()
	return r, nil
}

func (r *run) Outputs() <-chan engine.Output { return r.out }

func (r *run) Answer(_ context.Context, questionID, answer string) error {
	r.mu.Lock()
	pending := r.pending
	if pending == "" || (questionID != "" && questionID != pending) {
		r.mu.Unlock()
		return ErrNoPendingQuestion
	}
	r.pending = ""
	r.mu.Unlock()
	r.answers <- answer
	return nil
}

func (r *run) SetPermissionMode(_ context.Context, mode query.PermissionMode) error {
	if !mode.Valid() {
		return apperr.Validation("invalid permission mode %q", mode)
	}
	r.mu.Lock()
	r.mode = mode
	r.mu.Unlock()
	return nil
}

var errCanceled = errors.New("canceled")

func (r *run) execute() {
	defer close(r.out)

	lines := strings.Split(r.req.Prompt, "\n")
	var body []string
	var extra []string
	for i, line := range lines {
		directive, arg, ok := parseDirective(line)
		if !ok {
			body = lines[i:]
			break
		}
		switch directive {
		case "sleep":
			d, err := time.ParseDuration(arg)
			if err != nil {
				r.emit(engine.Output{Type: query.EventError, StopReason: query.StopError, Err: fmt.Errorf("bad sleep duration %q", arg)})
				return
			}
			if r.wait(d) != nil {
				return
			}
		case "ask":
			answer, err := r.ask(arg)
			if err != nil {
				return
			}
			extra = append(extra, "You answered: "+answer)
		case "fail":
			r.emit(engine.Output{Type: query.EventError, StopReason: query.StopError, Err: errors.New(arg)})
			return
		case "mode":
			r.mu.Lock()
			extra = append(extra, "Permission mode: "+string(r.mode))
			r.mu.Unlock()
		}
	}

	prompt := strings.TrimSpace(strings.Join(body, "\n"))
	var parts []string
	if prompt != "" {
		parts = append(parts, r.engine.opts.Responder(r.req, prompt))
	}
	parts = append(parts, extra...)
	reply := strings.Join(parts, "\n")

	if r.req.Options.IncludePartial {
		for i, word := range strings.SplitAfter(reply, " ") {
			if i > 0 && r.wait(r.engine.opts.TokenDelay) != nil {
				return
			}
			if !r.emit(engine.Output{Type: query.EventPartial, Content: word}) {
				return
			}
		}
	}
	msgID := "msg_" + uuid.NewString()
	if !r.emit(engine.Output{Type: query.EventMessage, Role: "assistant", Content: reply, MessageID: msgID}) {
		return
	}

	r.engine.mu.Lock()
	r.engine.sessions[r.req.SessionID]++
	r.engine.mu.Unlock()

	r.emit(engine.Output{
		Type:       query.EventResult,
		StopReason: query.StopEndTurn,
		CostUSD:    r.engine.opts.CostPerRun,
		NumTurns:   1,
	})
}

func (r *run) ask(question string) (string, error) {
	qid := "q_" + uuid.NewString()
	r.mu.Lock()
	r.pending = qid
	r.mu.Unlock()
	if !r.emit(engine.Output{Type: query.EventQuestion, QuestionID: qid, Content: question}) {
		return "", errCanceled
	}
	select {
	case a := <-r.answers:
		return a, nil
	case <-r.canceled:
		return "", errCanceled
	}
}

// emit sends o unless the run is cancelled.
func (r *run) emit(o engine.Output) bool {
	select {
	case r.out <- o:
		return true
	case <-r.canceled:
		return false
	}
}

func (r *run) wait(d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-r.canceled:
		return errCanceled
	}
}

func parseDirective(line string) (name, arg string, ok bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return "", "", false
	}
	name, arg, _ = strings.Cut(line[1:], " ")
	switch name {
	case "sleep", "ask", "fail", "mode":
		return name, strings.TrimSpace(arg), true
	}
	return "", "", false
}
