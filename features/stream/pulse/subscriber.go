package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/agentd/features/stream/pulse/clients/pulse"
	"goa.design/agentd/runtime/query"
	"goa.design/agentd/runtime/telemetry"
)

type (
	// SubscriberOptions configures a Subscriber.
	SubscriberOptions struct {
		// Client reads streams. Required.
		Client clientspulse.Client
		// StreamName derives the stream of a run. Defaults to StreamName.
		StreamName func(runID string) string
		// Buffer is the event channel capacity. Defaults to 64.
		Buffer int
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Subscriber follows run streams published by a Relay on any instance.
	Subscriber struct {
		client     clientspulse.Client
		streamName func(string) string
		buffer     int
		logger     telemetry.Logger
	}
)

// NewSubscriber returns a Subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	if opts.StreamName == nil {
		opts.StreamName = StreamName
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	return &Subscriber{
		client:     opts.Client,
		streamName: opts.StreamName,
		buffer:     opts.Buffer,
		logger:     opts.Logger,
	}, nil
}

// Subscribe reads the events of runID with a sequence number greater than
// after. The channel closes after the done event, when ctx is cancelled or
// when the returned cancel function is called.
func (s *Subscriber) Subscribe(ctx context.Context, runID string, after int64) (<-chan query.Event, context.CancelFunc, error) {
	if runID == "" {
		return nil, nil, errors.New("run id is required")
	}
	str, err := s.client.Stream(s.streamName(runID))
	if err != nil {
		return nil, nil, err
	}
	// Each observer uses its own consumer group so that it sees every event.
	sink, err := str.NewSink(ctx, "observer-"+uuid.NewString(), streamopts.WithSinkStartAtOldest())
	if err != nil {
		return nil, nil, fmt.Errorf("open run stream: %w", err)
	}
	out := make(chan query.Event, s.buffer)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, after, out)
	return out, cancel, nil
}

func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, after int64, out chan<- query.Event) {
	defer close(out)
	defer sink.Close(context.Background())
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			var ev query.Event
			if err := json.Unmarshal(evt.Payload, &ev); err != nil {
				s.logger.Warn(ctx, "skipping undecodable run event", "id", evt.ID, "err", err)
				continue
			}
			if err := sink.Ack(ctx, evt); err != nil {
				s.logger.Warn(ctx, "failed to ack run event", "id", evt.ID, "err", err)
			}
			if ev.Seq <= after {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Type == query.EventDone {
				return
			}
		}
	}
}
