// Package pulsetest provides an in-memory pulse.Client for tests.
//
// Streams keep every added event. Sinks with the same name share a cursor,
// like Redis consumer groups: a new sink resumes after the events delivered
// to earlier sinks of its group.
package pulsetest

import (
	"context"
	"fmt"
	"sync"

	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"goa.design/agentd/features/stream/pulse/clients/pulse"
)

type (
	// Client is an in-memory pulse.Client.
	Client struct {
		mu      sync.Mutex
		streams map[string]*Stream
		closed  int
	}

	// Stream is an in-memory pulse.Stream.
	Stream struct {
		name string

		mu        sync.Mutex
		events    []*streaming.Event
		groups    map[string]int
		changed   chan struct{}
		destroyed bool
		addErr    error
	}

	sink struct {
		stream *Stream
		group  string
		ch     chan *streaming.Event
		done   chan struct{}
		once   sync.Once
	}
)

var _ pulse.Client = (*Client)(nil)

// New returns an empty client.
func New() *Client {
	return &Client{streams: make(map[string]*Stream)}
}

// Stream implements pulse.Client.
func (c *Client) Stream(name string, _ ...streamopts.Stream) (pulse.Stream, error) {
	return c.Get(name), nil
}

// Get returns the named stream, creating it if needed.
func (c *Client) Get(name string) *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[name]
	if !ok {
		s = &Stream{name: name, groups: make(map[string]int), changed: make(chan struct{})}
		c.streams[name] = s
	}
	return s
}

// Close implements pulse.Client.
func (c *Client) Close(context.Context) error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	return nil
}

// Closed returns the number of Close calls.
func (c *Client) Closed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// FailAdds makes subsequent Add calls return err.
func (s *Stream) FailAdds(err error) {
	s.mu.Lock()
	s.addErr = err
	s.mu.Unlock()
}

// Add implements pulse.Stream.
func (s *Stream) Add(_ context.Context, event string, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addErr != nil {
		return "", s.addErr
	}
	id := fmt.Sprintf("%d-0", len(s.events)+1)
	s.events = append(s.events, &streaming.Event{ID: id, EventName: event, Payload: payload})
	close(s.changed)
	s.changed = make(chan struct{})
	return id, nil
}

// Events returns a copy of the events added so far.
func (s *Stream) Events() []*streaming.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*streaming.Event(nil), s.events...)
}

// Destroyed reports whether Destroy was called.
func (s *Stream) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// NewSink implements pulse.Stream.
func (s *Stream) NewSink(_ context.Context, name string, _ ...streamopts.Sink) (pulse.Sink, error) {
	sk := &sink{stream: s, group: name, ch: make(chan *streaming.Event), done: make(chan struct{})}
	go sk.feed()
	return sk, nil
}

// Destroy implements pulse.Stream.
func (s *Stream) Destroy(context.Context) error {
	s.mu.Lock()
	s.destroyed = true
	s.events = nil
	s.mu.Unlock()
	return nil
}

func (sk *sink) feed() {
	defer close(sk.ch)
	s := sk.stream
	for {
		s.mu.Lock()
		pos := s.groups[sk.group]
		if pos < len(s.events) {
			ev := s.events[pos]
			s.groups[sk.group] = pos + 1
			s.mu.Unlock()
			select {
			case sk.ch <- ev:
			case <-sk.done:
				return
			}
			continue
		}
		wait := s.changed
		s.mu.Unlock()
		select {
		case <-wait:
		case <-sk.done:
			return
		}
	}
}

func (sk *sink) Subscribe() <-chan *streaming.Event { return sk.ch }

func (sk *sink) Ack(context.Context, *streaming.Event) error { return nil }

func (sk *sink) Close(context.Context) { sk.once.Do(func() { close(sk.done) }) }
