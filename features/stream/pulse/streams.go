package pulse

import (
	"context"
	"errors"
	"time"

	clientspulse "goa.design/agentd/features/stream/pulse/clients/pulse"
	"goa.design/agentd/runtime/telemetry"
)

type (
	// StreamsOptions configures NewStreams.
	StreamsOptions struct {
		// Client is shared by the relay and the subscriber. Required.
		Client clientspulse.Client
		// Retention is passed to the relay.
		Retention time.Duration
		// Buffer is passed to the subscriber.
		Buffer int
		Logger telemetry.Logger
	}

	// Streams bundles a Relay and a Subscriber sharing one Pulse client.
	Streams struct {
		client     clientspulse.Client
		relay      *Relay
		subscriber *Subscriber
	}
)

// NewStreams builds the relay and the subscriber.
func NewStreams(opts StreamsOptions) (*Streams, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	relay, err := NewRelay(RelayOptions{Client: opts.Client, Retention: opts.Retention, Logger: opts.Logger})
	if err != nil {
		return nil, err
	}
	sub, err := NewSubscriber(SubscriberOptions{Client: opts.Client, Buffer: opts.Buffer, Logger: opts.Logger})
	if err != nil {
		return nil, err
	}
	return &Streams{client: opts.Client, relay: relay, subscriber: sub}, nil
}

// Relay returns the relay to pass to the orchestrator.
func (s *Streams) Relay() *Relay { return s.relay }

// Subscriber returns the subscriber used to follow remote runs.
func (s *Streams) Subscriber() *Subscriber { return s.subscriber }

// Close releases the Pulse client.
func (s *Streams) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}
