package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"goa.design/agentd/runtime/query"
)

// sseWriter writes server-sent events and flushes after each one.
type sseWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newSSEWriter(w http.ResponseWriter, headers map[string]string) *sseWriter {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	for k, v := range headers {
		h.Set(k, v)
	}
	w.WriteHeader(http.StatusOK)
	s := &sseWriter{w: w, rc: http.NewResponseController(w)}
	_ = s.rc.Flush()
	return s
}

// event writes ev verbatim with its sequence number as the event id.
func (s *sseWriter) event(ev query.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data); err != nil {
		return err
	}
	return s.rc.Flush()
}

// data writes an unnamed event.
func (s *sseWriter) data(payload []byte) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *sseWriter) comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	return s.rc.Flush()
}

// pumpFunc renders one event. Returning false stops the pump.
type pumpFunc func(query.Event) (bool, error)

// pump feeds events to render until the channel closes, render stops, the
// client goes away or a write fails. Idle periods are filled with keep-alive
// comments.
func pump(ctx context.Context, sse *sseWriter, events <-chan query.Event, keepAlive time.Duration, render pumpFunc) error {
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := sse.comment("keep-alive"); err != nil {
				return err
			}
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			more, err := render(ev)
			if err != nil || !more {
				return err
			}
		}
	}
}

// verbatim renders events as-is and stops after done.
func verbatim(sse *sseWriter) pumpFunc {
	return func(ev query.Event) (bool, error) {
		if err := sse.event(ev); err != nil {
			return false, err
		}
		return ev.Type != query.EventDone, nil
	}
}
