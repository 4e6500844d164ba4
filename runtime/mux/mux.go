// Package mux fans the events of a single run out to the protocol adapters
// consuming it.
//
// A Multiplexer owns one bounded FIFO queue fed by the run producer and a set
// of taps, at most one per TapKind. Publish blocks while the queue is full so
// events are never dropped. A single dispatcher goroutine moves events from
// the queue to every tap's bounded buffer; a tap that stays full longer than
// the grace period is evicted (its channel is closed) and the run continues
// for the others. Sequence numbers are assigned at publish time and strictly
// increase, so each tap observes consecutive sequence numbers from the point
// it attached.
package mux

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"goa.design/agentd/runtime/apperr"
	"goa.design/agentd/runtime/query"
	"goa.design/agentd/runtime/telemetry"
)

type (
	// TapKind names a consumer class.
	TapKind string

	// Options configure a Multiplexer.
	Options struct {
		// QueueSize bounds the producer queue. Defaults to 64.
		QueueSize int
		// TapBuffer bounds each tap's buffer. Defaults to 256.
		TapBuffer int
		// Grace is how long a full tap may stall delivery before eviction.
		// Defaults to 5s.
		Grace time.Duration
		// History is the number of past events kept for replay. Defaults to
		// 1024.
		History int
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	// Multiplexer distributes the events of one run.
	Multiplexer struct {
		opts  Options
		queue chan query.Event
		done  chan struct{}

		pubMu  sync.Mutex
		seq    int64
		closed bool

		mu       sync.Mutex
		taps     map[TapKind]*Tap
		// history is a ring of the latest events; hhead indexes the
		// oldest once it is full.
		history  []query.Event
		hhead    int
		finished bool
	}

	// Tap is one consumer attachment.
	Tap struct {
		kind      TapKind
		mux       *Multiplexer
		ch        chan query.Event
		closing   chan struct{}
		closeOnce sync.Once
		evicted   atomic.Bool
	}
)

const (
	TapStream     TapKind = "stream"
	TapSocket     TapKind = "socket"
	TapTranslated TapKind = "translated"
	TapCollector  TapKind = "collector"
	TapObserver   TapKind = "observer"
	TapRelay      TapKind = "relay"
)

var (
	// ErrClosed is returned by Publish after Close.
	ErrClosed = apperr.New(apperr.KindConflict, "event stream closed")
	// ErrTapExists is returned when a tap of the same kind is attached.
	ErrTapExists = apperr.New(apperr.KindConflict, "a consumer of this kind is already attached")
)

// New returns a running Multiplexer. Close must be called to release the
// dispatcher.
func New(opts Options) *Multiplexer {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.TapBuffer <= 0 {
		opts.TapBuffer = 256
	}
	if opts.Grace <= 0 {
		opts.Grace = 5 * time.Second
	}
	if opts.History <= 0 {
		opts.History = 1024
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	m := &Multiplexer{
		opts:  opts,
		queue: make(chan query.Event, opts.QueueSize),
		done:  make(chan struct{}),
		taps:  make(map[TapKind]*Tap),
	}
	go m.dispatch()
	return m
}

// Publish stamps ev with the next sequence number and enqueues it, blocking
// while the queue is full. It returns the stamped event.
func (m *Multiplexer) Publish(ctx context.Context, ev query.Event) (query.Event, error) {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()
	if m.closed {
		return ev, ErrClosed
	}
	ev.Seq = m.seq + 1
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case m.queue <- ev:
		m.seq = ev.Seq
		return ev, nil
	case <-ctx.Done():
		return ev, ctx.Err()
	}
}

// Close stops accepting events. Queued events are still delivered, then all
// tap channels are closed. Close is idempotent.
func (m *Multiplexer) Close() {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.queue)
}

// Done is closed once every queued event has been dispatched and all taps
// are closed.
func (m *Multiplexer) Done() <-chan struct{} { return m.done }

// LastSeq returns the sequence number of the last published event.
func (m *Multiplexer) LastSeq() int64 {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()
	return m.seq
}

// Subscribe attaches a tap of the given kind. Retained events with a
// sequence number greater than after are replayed first; pass -1 to start
// with the next published event. Subscribing after the run finished replays
// the history and returns an already closed tap.
func (m *Multiplexer) Subscribe(kind TapKind, after int64) (*Tap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.taps[kind]; ok {
		return nil, ErrTapExists
	}
	var replay []query.Event
	if after >= 0 {
		for i := range len(m.history) {
			if ev := m.history[(m.hhead+i)%len(m.history)]; ev.Seq > after {
				replay = append(replay, ev)
			}
		}
	}
	t := &Tap{
		kind:    kind,
		mux:     m,
		ch:      make(chan query.Event, m.opts.TapBuffer+len(replay)),
		closing: make(chan struct{}),
	}
	for _, ev := range replay {
		t.ch <- ev
	}
	if m.finished {
		close(t.ch)
		return t, nil
	}
	m.taps[kind] = t
	return t, nil
}

func (m *Multiplexer) dispatch() {
	defer close(m.done)
	for ev := range m.queue {
		m.mu.Lock()
		if len(m.history) < m.opts.History {
			m.history = append(m.history, ev)
		} else {
			m.history[m.hhead] = ev
			m.hhead = (m.hhead + 1) % len(m.history)
		}
		taps := make([]*Tap, 0, len(m.taps))
		for _, t := range m.taps {
			taps = append(taps, t)
		}
		m.mu.Unlock()

		for _, t := range taps {
			m.deliver(t, ev)
		}
	}

	m.mu.Lock()
	m.finished = true
	taps := m.taps
	m.taps = make(map[TapKind]*Tap)
	m.mu.Unlock()
	for _, t := range taps {
		close(t.ch)
	}
}

func (m *Multiplexer) deliver(t *Tap, ev query.Event) {
	select {
	case <-t.closing:
		return
	default:
	}
	select {
	case t.ch <- ev:
		return
	default:
	}
	timer := time.NewTimer(m.opts.Grace)
	defer timer.Stop()
	select {
	case t.ch <- ev:
	case <-t.closing:
	case <-timer.C:
		m.evict(t, ev)
	}
}

func (m *Multiplexer) evict(t *Tap, ev query.Event) {
	m.mu.Lock()
	if m.taps[t.kind] == t {
		delete(m.taps, t.kind)
	}
	m.mu.Unlock()
	t.evicted.Store(true)
	close(t.ch)
	m.opts.Metrics.IncCounter(telemetry.MetricTapEvicted, 1, "kind", string(t.kind))
	m.opts.Logger.Warn(context.Background(), "evicted stalled event consumer",
		"kind", string(t.kind), "session_id", ev.SessionID, "run_id", ev.RunID, "seq", ev.Seq)
}

// Kind returns the tap kind.
func (t *Tap) Kind() TapKind { return t.kind }

// Events yields the tap's events. The channel is closed after the run's last
// event, or early when the tap is evicted.
func (t *Tap) Events() <-chan query.Event { return t.ch }

// Evicted reports whether the tap was dropped for stalling.
func (t *Tap) Evicted() bool { return t.evicted.Load() }

// Close detaches the tap. Events are no longer delivered to it and its kind
// becomes available again.
func (t *Tap) Close() {
	t.closeOnce.Do(func() {
		close(t.closing)
		m := t.mux
		m.mu.Lock()
		if m.taps[t.kind] == t {
			delete(m.taps, t.kind)
		}
		m.mu.Unlock()
	})
}
