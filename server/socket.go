package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"goa.design/agentd/runtime/apperr"
	"goa.design/agentd/runtime/mux"
	"goa.design/agentd/runtime/orchestrator"
	"goa.design/agentd/runtime/query"
)

type (
	// inboundFrame is a client message on the socket bridge.
	inboundFrame struct {
		Type       string               `json:"type"`
		ID         string               `json:"id,omitempty"`
		SessionID  string               `json:"session_id,omitempty"`
		Prompt     string               `json:"prompt,omitempty"`
		Fork       bool                 `json:"fork,omitempty"`
		Answer     string               `json:"answer,omitempty"`
		QuestionID string               `json:"question_id,omitempty"`
		Mode       query.PermissionMode `json:"mode,omitempty"`
		Options    query.Options        `json:"options,omitempty"`
	}

	// outboundFrame is a server message on the socket bridge.
	outboundFrame struct {
		Type      string       `json:"type"`
		ID        string       `json:"id,omitempty"`
		SessionID string       `json:"session_id,omitempty"`
		RunID     string       `json:"run_id,omitempty"`
		Event     *query.Event `json:"event,omitempty"`
		Error     *errorDetail `json:"error,omitempty"`
	}

	// socket serializes writes to one connection and tracks the runs it
	// streams.
	socket struct {
		srv  *Server
		conn *websocket.Conn
		own  string
		done chan struct{}

		writeMu sync.Mutex

		mu   sync.Mutex
		taps map[string]*mux.Tap
		wg   sync.WaitGroup
	}
)

const (
	frameSSEEvent = "sse_event"
	frameAck      = "ack"
	frameError    = "error"

	framePrompt    = "prompt"
	frameInterrupt = "interrupt"
	frameAnswer    = "answer"
	frameControl   = "control"

	writeWait = 10 * time.Second
)

// handleSocket upgrades the connection and serves the socket bridge until the
// client disconnects. Runs started over the socket keep running after the
// connection closes.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	own := owner(r)
	if own == "" {
		own = r.URL.Query().Get("api_key")
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug(r.Context(), "websocket upgrade failed", "err", err)
		return
	}
	sock := &socket{srv: s, conn: conn, own: own, done: make(chan struct{}), taps: make(map[string]*mux.Tap)}
	sock.serve(r.Context())
}

func (k *socket) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		close(k.done)
		k.closeTaps()
		k.wg.Wait()
		_ = k.conn.Close()
	}()

	keepAlive := k.srv.opts.KeepAlive
	_ = k.conn.SetReadDeadline(time.Now().Add(2 * keepAlive))
	k.conn.SetPongHandler(func(string) error {
		return k.conn.SetReadDeadline(time.Now().Add(2 * keepAlive))
	})
	k.wg.Add(1)
	go k.ping(ctx, keepAlive)

	for {
		_, data, err := k.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				k.srv.logger.Debug(ctx, "websocket read ended", "err", err)
			}
			return
		}
		_ = k.conn.SetReadDeadline(time.Now().Add(2 * keepAlive))
		k.handle(ctx, data)
	}
}

func (k *socket) handle(ctx context.Context, data []byte) {
	var f inboundFrame
	if err := k.srv.schemas.decode("frame", data, &f); err != nil {
		_ = json.Unmarshal(data, &f)
		k.fail(f.ID, f.SessionID, err)
		return
	}
	switch f.Type {
	case framePrompt:
		k.prompt(ctx, f)
	case frameInterrupt:
		k.control(ctx, f, query.Control{Type: query.ControlInterrupt, SessionID: f.SessionID})
	case frameAnswer:
		k.control(ctx, f, query.Control{
			Type:       query.ControlAnswer,
			SessionID:  f.SessionID,
			Answer:     f.Answer,
			QuestionID: f.QuestionID,
		})
	case frameControl:
		k.control(ctx, f, query.Control{Type: query.ControlPermissionModeChange, SessionID: f.SessionID, Mode: f.Mode})
	}
}

func (k *socket) prompt(ctx context.Context, f inboundFrame) {
	run, tap, err := k.srv.start(ctx, orchestrator.Submission{
		SessionID: f.SessionID,
		Fork:      f.Fork,
		Prompt:    f.Prompt,
		Options:   f.Options,
		Owner:     k.own,
		Tap:       mux.TapSocket,
	})
	if err != nil {
		k.fail(f.ID, f.SessionID, err)
		return
	}
	k.mu.Lock()
	k.taps[run.RunID()] = tap
	k.mu.Unlock()
	if err := k.write(outboundFrame{Type: frameAck, ID: f.ID, SessionID: run.SessionID(), RunID: run.RunID()}); err != nil {
		k.release(run.RunID())
		return
	}
	k.wg.Add(1)
	go k.forward(f.ID, run.RunID(), tap)
}

// forward relays the run events until done or until the connection closes.
func (k *socket) forward(id, runID string, tap *mux.Tap) {
	defer k.wg.Done()
	defer k.release(runID)
	for {
		select {
		case <-k.done:
			return
		case ev, ok := <-tap.Events():
			if !ok {
				if tap.Evicted() {
					k.fail(id, "", apperr.New(apperr.KindInternal, "event consumer evicted"))
				}
				return
			}
			if err := k.write(outboundFrame{Type: frameSSEEvent, ID: id, SessionID: ev.SessionID, RunID: ev.RunID, Event: &ev}); err != nil {
				return
			}
			if ev.Type == query.EventDone {
				return
			}
		}
	}
}

func (k *socket) control(ctx context.Context, f inboundFrame, c query.Control) {
	if err := k.srv.orch.Control(ctx, c, k.own); err != nil {
		k.fail(f.ID, f.SessionID, err)
		return
	}
	_ = k.write(outboundFrame{Type: frameAck, ID: f.ID, SessionID: f.SessionID})
}

func (k *socket) fail(id, sessionID string, err error) {
	d := detailOf(err)
	if d.Kind == apperr.KindInternal {
		k.srv.logger.Error(context.Background(), "socket request failed", "err", err)
	}
	_ = k.write(outboundFrame{Type: frameError, ID: id, SessionID: sessionID, Error: &d})
}

func (k *socket) write(f outboundFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	k.writeMu.Lock()
	defer k.writeMu.Unlock()
	_ = k.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return k.conn.WriteMessage(websocket.TextMessage, data)
}

func (k *socket) ping(ctx context.Context, every time.Duration) {
	defer k.wg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			k.writeMu.Lock()
			err := k.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			k.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (k *socket) release(runID string) {
	k.mu.Lock()
	tap := k.taps[runID]
	delete(k.taps, runID)
	k.mu.Unlock()
	if tap != nil {
		tap.Close()
	}
}

func (k *socket) closeTaps() {
	k.mu.Lock()
	taps := k.taps
	k.taps = make(map[string]*mux.Tap)
	k.mu.Unlock()
	for _, t := range taps {
		t.Close()
	}
}
