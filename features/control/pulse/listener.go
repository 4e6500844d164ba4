package pulse

import (
	"context"
	"encoding/json"
	"errors"

	clientspulse "goa.design/agentd/features/stream/pulse/clients/pulse"
	"goa.design/agentd/runtime/orchestrator"
	"goa.design/agentd/runtime/query"
	"goa.design/agentd/runtime/telemetry"
)

const sinkName = "control"

type (
	// Applier applies forwarded controls to local runs.
	// *orchestrator.Orchestrator implements it.
	Applier interface {
		ApplyForwarded(ctx context.Context, c query.Control) error
	}

	// ListenerOptions configures a Listener.
	ListenerOptions struct {
		// Client reads the control stream. Required.
		Client clientspulse.Client
		// InstanceID names the stream to read. Required.
		InstanceID string
		// Applier receives decoded controls. Required.
		Applier Applier
		Logger  telemetry.Logger
	}

	// Listener applies controls forwarded to this instance.
	Listener struct {
		client     clientspulse.Client
		instanceID string
		applier    Applier
		logger     telemetry.Logger
	}
)

// NewListener returns a Listener.
func NewListener(opts ListenerOptions) (*Listener, error) {
	switch {
	case opts.Client == nil:
		return nil, errors.New("pulse client is required")
	case opts.InstanceID == "":
		return nil, errors.New("instance id is required")
	case opts.Applier == nil:
		return nil, errors.New("applier is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	return &Listener{
		client:     opts.Client,
		instanceID: opts.InstanceID,
		applier:    opts.Applier,
		logger:     opts.Logger,
	}, nil
}

// Run reads the instance control stream until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	str, err := l.client.Stream(StreamName(l.instanceID))
	if err != nil {
		return err
	}
	sink, err := str.NewSink(ctx, sinkName)
	if err != nil {
		return err
	}
	defer sink.Close(context.WithoutCancel(ctx))

	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			var c query.Control
			if err := json.Unmarshal(evt.Payload, &c); err != nil {
				l.logger.Warn(ctx, "skipping undecodable control", "id", evt.ID, "err", err)
			} else {
				l.apply(ctx, c)
			}
			if err := sink.Ack(ctx, evt); err != nil {
				l.logger.Warn(ctx, "failed to ack control", "id", evt.ID, "err", err)
			}
		}
	}
}

func (l *Listener) apply(ctx context.Context, c query.Control) {
	err := l.applier.ApplyForwarded(ctx, c)
	switch {
	case err == nil:
		l.logger.Info(ctx, "forwarded control applied", "session_id", c.SessionID, "type", c.Type)
	case errors.Is(err, orchestrator.ErrNoActiveRun):
		l.logger.Debug(ctx, "forwarded control targets a finished run", "session_id", c.SessionID, "type", c.Type)
	default:
		l.logger.Warn(ctx, "failed to apply forwarded control", "session_id", c.SessionID, "type", c.Type, "err", err)
	}
}
