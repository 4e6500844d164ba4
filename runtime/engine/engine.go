// Package engine defines the contract between the session orchestrator and an
// agent execution engine.
//
// An engine is an opaque asynchronous unit of work: it accepts a prompt and
// options and produces a sequence of outputs on a channel. Cancellation is
// cooperative and flows through the context passed to Start: when it is
// cancelled the engine must stop promptly and close the output channel. The
// orchestrator, not the engine, guarantees exactly one terminal event per run.
package engine

import (
	"context"

	"goa.design/agentd/runtime/query"
)

type (
	// Engine starts runs.
	Engine interface {
		// Start begins a run. The run ends when the returned Run's Outputs
		// channel is closed. ctx is the run's cancellation token.
		Start(ctx context.Context, req Request) (Run, error)
	}

	// Run is an in-flight engine execution.
	Run interface {
		// Outputs yields run outputs and is closed when the run ends.
		Outputs() <-chan Output
		// Answer delivers the client's answer to a pending question.
		Answer(ctx context.Context, questionID, answer string) error
		// SetPermissionMode changes the permission mode mid-run.
		SetPermissionMode(ctx context.Context, mode query.PermissionMode) error
	}

	// Request describes a run to start.
	Request struct {
		// SessionID is the session the run belongs to.
		SessionID string
		// RunID identifies this run.
		RunID string
		// Prompt is the user prompt.
		Prompt string
		// Resume is true when the session has prior runs the engine should
		// continue from.
		Resume bool
		// ForkFrom is the source session when SessionID was just forked from
		// it. Engines keeping their own transcript copy it.
		ForkFrom string
		// Options configure the run.
		Options query.Options
	}

	// Output is one item produced by an engine. Type is one of message,
	// partial, question, result or error; init and done are synthesized by
	// the orchestrator.
	Output struct {
		Type       query.EventType
		Role       string
		Content    string
		MessageID  string
		QuestionID string
		// FilesTouched lists files modified by the turn that produced a
		// message.
		FilesTouched []string
		StopReason   query.StopReason
		CostUSD      float64
		NumTurns     int
		// Err is set on error outputs.
		Err error
	}
)
