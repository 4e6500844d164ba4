// Package pulse republishes run events to goa.design/pulse streams so that
// observers connected to another instance can follow a run. The Relay
// attaches to runs executing locally; the Subscriber reads a run stream from
// any instance.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	clientspulse "goa.design/agentd/features/stream/pulse/clients/pulse"
	"goa.design/agentd/runtime/mux"
	"goa.design/agentd/runtime/orchestrator"
	"goa.design/agentd/runtime/telemetry"
)

type (
	// RelayOptions configures the Relay.
	RelayOptions struct {
		// Client publishes events. Required.
		Client clientspulse.Client
		// StreamName derives the stream of a run. Defaults to StreamName.
		StreamName func(runID string) string
		// Retention is how long a finished run stream is kept before being
		// destroyed. Zero keeps it (bounded by the client max length).
		Retention time.Duration
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Relay publishes the events of local runs to Pulse.
	Relay struct {
		client     clientspulse.Client
		streamName func(string) string
		retention  time.Duration
		logger     telemetry.Logger
	}
)

var _ orchestrator.Relay = (*Relay)(nil)

// StreamName is the default stream name of a run.
func StreamName(runID string) string {
	return "agentd/run/" + runID
}

// NewRelay returns a Relay.
func NewRelay(opts RelayOptions) (*Relay, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	if opts.StreamName == nil {
		opts.StreamName = StreamName
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	return &Relay{
		client:     opts.Client,
		streamName: opts.StreamName,
		retention:  opts.Retention,
		logger:     opts.Logger,
	}, nil
}

// Attach subscribes a relay tap to r and publishes its events until the run
// ends. It must be called before the run publishes its first event for
// observers to see the full history.
func (r *Relay) Attach(ctx context.Context, run *orchestrator.Run) error {
	handle, err := r.client.Stream(r.streamName(run.RunID()))
	if err != nil {
		return err
	}
	tap, err := run.Subscribe(mux.TapRelay, -1)
	if err != nil {
		return err
	}
	go r.forward(context.WithoutCancel(ctx), run, handle, tap)
	return nil
}

func (r *Relay) forward(ctx context.Context, run *orchestrator.Run, handle clientspulse.Stream, tap *mux.Tap) {
	defer tap.Close()
	failed := 0
	for ev := range tap.Events() {
		payload, err := json.Marshal(ev)
		if err != nil {
			r.logger.Error(ctx, "failed to encode relayed event", "session_id", run.SessionID(), "err", err)
			continue
		}
		if _, err := handle.Add(ctx, string(ev.Type), payload); err != nil {
			failed++
			if failed == 1 {
				r.logger.Warn(ctx, "failed to relay run event", "session_id", run.SessionID(), "run_id", run.RunID(), "err", err)
			}
		}
	}
	if tap.Evicted() {
		r.logger.Warn(ctx, "relay fell behind and was evicted", "session_id", run.SessionID(), "run_id", run.RunID())
	}
	if failed > 0 {
		r.logger.Warn(ctx, "relay dropped events", "run_id", run.RunID(), "count", failed)
	}
	if r.retention > 0 {
		time.AfterFunc(r.retention, func() {
			if err := handle.Destroy(ctx); err != nil {
				r.logger.Warn(ctx, "failed to destroy run stream", "run_id", run.RunID(), "err", err)
			}
		})
	}
}
