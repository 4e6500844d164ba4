package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/agentd/runtime/apperr"
	"goa.design/agentd/runtime/engine"
	"goa.design/agentd/runtime/lease"
	"goa.design/agentd/runtime/mux"
	"goa.design/agentd/runtime/query"
	"goa.design/agentd/runtime/session"
	"goa.design/agentd/runtime/telemetry"
)

type (
	// Run is a run executing on this instance.
	Run struct {
		sessionID       string
		runID           string
		parentSessionID string
		model           string
		ownerHash       string
		options         query.Options
		startedAt       time.Time
		mux             *mux.Multiplexer
		engineRun       engine.Run
		cancel          context.CancelCauseFunc
		finished        chan struct{}

		mu              sync.Mutex
		pendingQuestion string
	}

	// outcome is the resolved end state of a run.
	outcome struct {
		status session.Status
		event  query.Event
		turns  int
		cost   float64
		errMsg string
	}
)

// SessionID returns the run's session.
func (r *Run) SessionID() string { return r.sessionID }

// RunID returns the run identifier.
func (r *Run) RunID() string { return r.runID }

// Model returns the model the run uses.
func (r *Run) Model() string { return r.model }

// Subscribe attaches a consumer; see mux.Multiplexer.Subscribe.
func (r *Run) Subscribe(kind mux.TapKind, after int64) (*mux.Tap, error) {
	return r.mux.Subscribe(kind, after)
}

// Done is closed once the run's done event has been published.
func (r *Run) Done() <-chan struct{} { return r.finished }

// execute pumps engine outputs into the multiplexer until the run ends.
func (o *Orchestrator) execute(ctx context.Context, cancelTimeout context.CancelFunc, r *Run) {
	defer o.wg.Done()
	defer cancelTimeout()

	o.publish(ctx, r, query.Event{
		Type:            query.EventInit,
		Model:           r.model,
		ParentSessionID: r.parentSessionID,
	})

	renewDone := make(chan struct{})
	defer close(renewDone)
	go o.renew(ctx, r, renewDone)

	outputs := r.engineRun.Outputs()
	var terminal *engine.Output
	cancelled := false
loop:
	for {
		select {
		case out, ok := <-outputs:
			if !ok {
				break loop
			}
			if out.Type.Terminal() {
				terminal = &out
				go discard(outputs)
				break loop
			}
			o.forward(ctx, r, out)
		case <-ctx.Done():
			cancelled = true
			o.awaitStop(ctx, r, outputs)
			break loop
		}
	}
	o.finish(ctx, r, o.resolveOutcome(ctx, r, terminal, cancelled))
}

// forward publishes a non-terminal engine output.
func (o *Orchestrator) forward(ctx context.Context, r *Run, out engine.Output) {
	switch out.Type {
	case query.EventMessage:
		role := out.Role
		if role == "" {
			role = "assistant"
		}
		o.publish(ctx, r, query.Event{Type: query.EventMessage, Role: role, Content: out.Content, MessageID: out.MessageID})
		if out.MessageID != "" && role == "assistant" {
			err := o.repo.AppendCheckpoint(ctx, session.Checkpoint{
				ID:           uuid.NewString(),
				SessionID:    r.sessionID,
				MessageRef:   out.MessageID,
				FilesTouched: out.FilesTouched,
			})
			if err != nil {
				o.logger.Warn(ctx, "failed to record checkpoint", "session_id", r.sessionID, "err", err)
			}
		}
	case query.EventPartial:
		if r.options.IncludePartial {
			o.publish(ctx, r, query.Event{Type: query.EventPartial, Content: out.Content})
		}
	case query.EventQuestion:
		qid := out.QuestionID
		if qid == "" {
			qid = uuid.NewString()
		}
		r.mu.Lock()
		r.pendingQuestion = qid
		r.mu.Unlock()
		o.setAwaiting(ctx, r, true)
		o.publish(ctx, r, query.Event{Type: query.EventQuestion, QuestionID: qid, Content: out.Content})
	default:
		o.logger.Warn(ctx, "ignoring unexpected engine output", "type", string(out.Type), "session_id", r.sessionID)
	}
}

// awaitStop gives a cancelled engine the interrupt grace to close its
// outputs. Outputs produced after cancellation are dropped.
func (o *Orchestrator) awaitStop(ctx context.Context, r *Run, outputs <-chan engine.Output) {
	t := time.NewTimer(o.opts.InterruptGrace)
	defer t.Stop()
	for {
		select {
		case _, ok := <-outputs:
			if !ok {
				return
			}
		case <-t.C:
			o.logger.Warn(ctx, "engine did not stop within grace period", "session_id", r.sessionID, "run_id", r.runID)
			go discard(outputs)
			return
		}
	}
}

func (o *Orchestrator) resolveOutcome(ctx context.Context, r *Run, terminal *engine.Output, cancelled bool) outcome {
	switch {
	case terminal != nil && terminal.Type == query.EventResult:
		reason := terminal.StopReason
		if reason == "" {
			reason = query.StopEndTurn
		}
		turns := max(terminal.NumTurns, 1)
		return outcome{
			status: session.StatusCompleted,
			turns:  turns,
			cost:   terminal.CostUSD,
			event: query.Event{
				Type: query.EventResult, StopReason: reason, CostUSD: terminal.CostUSD, NumTurns: turns,
			},
		}
	case terminal != nil:
		msg := "engine error"
		if terminal.Err != nil {
			msg = terminal.Err.Error()
		} else if terminal.Content != "" {
			msg = terminal.Content
		}
		reason := terminal.StopReason
		if reason == "" {
			reason = query.StopError
		}
		return outcome{
			status: session.StatusErrored,
			turns:  max(terminal.NumTurns, 0),
			cost:   terminal.CostUSD,
			errMsg: msg,
			event: query.Event{
				Type: query.EventError, StopReason: reason, CostUSD: terminal.CostUSD,
				Error: msg, ErrorKind: apperr.KindUpstream,
			},
		}
	case cancelled:
		cause := context.Cause(ctx)
		switch {
		case errors.Is(cause, errInterrupted):
			return interruptedOutcome(query.StopInterrupted)
		case errors.Is(cause, errTimeout):
			return interruptedOutcome(query.StopTimeout)
		case errors.Is(cause, errShutdown):
			return erroredOutcome(query.StopShutdown, errShutdown.Error(), apperr.KindCancelled)
		case errors.Is(cause, errLeaseLost):
			return erroredOutcome(query.StopLeaseLost, errLeaseLost.Error(), apperr.KindConflict)
		default:
			return erroredOutcome(query.StopShutdown, "run cancelled: "+errString(cause), apperr.KindCancelled)
		}
	default:
		return erroredOutcome(query.StopError, "engine ended without a result", apperr.KindUpstream)
	}
}

func interruptedOutcome(reason query.StopReason) outcome {
	return outcome{
		status: session.StatusInterrupted,
		event:  query.Event{Type: query.EventResult, StopReason: reason},
	}
}

func erroredOutcome(reason query.StopReason, msg string, kind apperr.Kind) outcome {
	return outcome{
		status: session.StatusErrored,
		errMsg: msg,
		event:  query.Event{Type: query.EventError, StopReason: reason, Error: msg, ErrorKind: kind},
	}
}

// finish persists the outcome, releases the lease and publishes the terminal
// and done events.
func (o *Orchestrator) finish(ctx context.Context, r *Run, out outcome) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	_, err := o.repo.Update(pctx, r.sessionID, func(s *session.Session) error {
		s.Status = out.status
		s.TotalTurns += out.turns
		s.TotalCostUSD += out.cost
		s.LastStopReason = string(out.event.StopReason)
		s.LastError = out.errMsg
		return nil
	})
	if err != nil {
		o.logger.Error(pctx, "failed to persist run outcome", "session_id", r.sessionID, "run_id", r.runID, "err", err)
	}

	o.mu.Lock()
	if o.runs[r.sessionID] == r {
		delete(o.runs, r.sessionID)
	}
	o.mu.Unlock()
	o.releaseLease(pctx, r.sessionID)
	if o.opts.Index != nil {
		if err := o.opts.Index.Remove(pctx, r.sessionID); err != nil {
			o.logger.Warn(pctx, "failed to clear in-flight session", "session_id", r.sessionID, "err", err)
		}
	}

	o.publish(pctx, r, out.event)
	o.publish(pctx, r, query.Event{Type: query.EventDone})
	r.mux.Close()
	r.cancel(nil)
	close(r.finished)

	o.metrics.IncCounter(telemetry.MetricRunsFinished, 1, "status", string(out.status))
	o.metrics.RecordTimer(telemetry.MetricRunDuration, time.Since(r.startedAt), "status", string(out.status))
	o.logger.Info(pctx, "run finished",
		"session_id", r.sessionID, "run_id", r.runID, "status", string(out.status), "stop_reason", string(out.event.StopReason))
}

// renew keeps the lease alive while the run executes. Losing the lease
// cancels the run.
func (o *Orchestrator) renew(ctx context.Context, r *Run, done <-chan struct{}) {
	ticker := time.NewTicker(o.opts.RenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := o.leases.Renew(ctx, r.sessionID, o.instanceID, o.opts.LeaseTTL)
			switch {
			case err == nil:
			case errors.Is(err, lease.ErrNotHeld):
				o.logger.Error(ctx, "session lease lost", "session_id", r.sessionID, "run_id", r.runID)
				r.cancel(errLeaseLost)
				return
			default:
				o.logger.Warn(ctx, "lease renewal failed", "session_id", r.sessionID, "err", err)
			}
		}
	}
}

func (o *Orchestrator) publish(ctx context.Context, r *Run, ev query.Event) {
	ev.SessionID = r.sessionID
	ev.RunID = r.runID
	if _, err := r.mux.Publish(context.WithoutCancel(ctx), ev); err != nil {
		o.logger.Error(ctx, "failed to publish event", "session_id", r.sessionID, "type", string(ev.Type), "err", err)
	}
}

func discard(outputs <-chan engine.Output) {
	for range outputs {
	}
}

func errString(err error) string {
	if err == nil {
		return "unknown"
	}
	return err.Error()
}
