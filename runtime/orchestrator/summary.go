package orchestrator

import (
	"context"
	"strings"

	"goa.design/agentd/runtime/apperr"
	"goa.design/agentd/runtime/mux"
	"goa.design/agentd/runtime/query"
	"goa.design/agentd/runtime/session"
)

// Summary is the result of a run consumed without streaming.
type Summary struct {
	SessionID  string           `json:"session_id"`
	RunID      string           `json:"run_id"`
	Status     session.Status   `json:"status"`
	Content    string           `json:"content"`
	StopReason query.StopReason `json:"stop_reason"`
	CostUSD    float64          `json:"cost_usd"`
	NumTurns   int              `json:"num_turns"`
	TotalTurns int              `json:"total_turns"`
	Error      string           `json:"error,omitempty"`
}

// Collect consumes tap until the run ends and summarizes it. Cancelling ctx
// stops collecting but does not stop the run.
func (o *Orchestrator) Collect(ctx context.Context, r *Run, tap *mux.Tap) (Summary, error) {
	defer tap.Close()
	sum := Summary{SessionID: r.sessionID, RunID: r.runID}
	var parts []string
	for {
		select {
		case <-ctx.Done():
			return sum, apperr.Wrap(apperr.KindCancelled, "orchestrator.collect", ctx.Err())
		case ev, ok := <-tap.Events():
			if !ok {
				if tap.Evicted() {
					return sum, apperr.New(apperr.KindInternal, "event consumer evicted")
				}
				return o.complete(ctx, sum, parts), nil
			}
			switch ev.Type {
			case query.EventMessage:
				if ev.Role == "assistant" {
					parts = append(parts, ev.Content)
				}
			case query.EventResult, query.EventError:
				sum.StopReason = ev.StopReason
				sum.CostUSD = ev.CostUSD
				sum.NumTurns = ev.NumTurns
				sum.Error = ev.Error
			case query.EventDone:
				return o.complete(ctx, sum, parts), nil
			}
		}
	}
}

func (o *Orchestrator) complete(ctx context.Context, sum Summary, parts []string) Summary {
	sum.Content = strings.Join(parts, "\n")
	if s, err := o.repo.Get(ctx, sum.SessionID); err == nil {
		sum.Status = s.Status
		sum.TotalTurns = s.TotalTurns
	} else {
		o.logger.Warn(ctx, "failed to load session for summary", "session_id", sum.SessionID, "err", err)
	}
	return sum
}
