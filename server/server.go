// Package server exposes the session orchestrator over HTTP.
//
// Three protocol adapters render run events: a push stream (server-sent
// events), a bidirectional socket bridge (WebSocket) and an OpenAI-compatible
// translated surface (chat.completion.chunk). Session management, checkpoint
// and observation endpoints complete the surface. Routing uses the Goa HTTP
// muxer; health and debug endpoints come from Clue.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"
	"golang.org/x/time/rate"

	"goa.design/agentd/runtime/lease"
	"goa.design/agentd/runtime/mux"
	"goa.design/agentd/runtime/orchestrator"
	"goa.design/agentd/runtime/query"
	"goa.design/agentd/runtime/session"
	"goa.design/agentd/runtime/telemetry"
)

type (
	// Orchestrator is the session orchestrator surface used by the server.
	// *orchestrator.Orchestrator implements it.
	Orchestrator interface {
		Start(ctx context.Context, sub orchestrator.Submission) (*orchestrator.Run, *mux.Tap, error)
		Collect(ctx context.Context, r *orchestrator.Run, tap *mux.Tap) (orchestrator.Summary, error)
		Control(ctx context.Context, c query.Control, owner string) error
		Get(ctx context.Context, id, owner string) (session.Session, error)
		Status(ctx context.Context, id, owner string) (orchestrator.StatusInfo, error)
		List(ctx context.Context, f session.ListFilter, owner string) ([]session.Session, error)
		Delete(ctx context.Context, id, owner string) error
		Checkpoints(ctx context.Context, id, owner string) ([]session.Checkpoint, error)
		Rewind(ctx context.Context, id, checkpointID, owner string) (orchestrator.RewindResult, error)
		LocalRun(sessionID string) (*orchestrator.Run, bool)
		Lease(ctx context.Context, sessionID, owner string) (lease.Lease, error)
		InstanceID() string
		Draining() bool
	}

	// RemoteSubscriber reads the events of a run executing on another
	// instance.
	RemoteSubscriber interface {
		Subscribe(ctx context.Context, runID string, after int64) (<-chan query.Event, context.CancelFunc, error)
	}

	// Options configure a Server.
	Options struct {
		// Orchestrator runs sessions. Required.
		Orchestrator Orchestrator
		// Remote serves observation of runs owned by other instances.
		// Optional; without it such requests fail with a conflict.
		Remote RemoteSubscriber
		// Models lists the model ids advertised by GET /v1/models.
		Models []string
		// ToolServers are the default tool-server definitions passed to the
		// engine when a submission does not carry its own.
		ToolServers map[string]json.RawMessage
		// SubmitRate limits run submissions per second across the instance.
		// Zero disables limiting.
		SubmitRate float64
		// SubmitBurst is the submission burst size. Defaults to 10.
		SubmitBurst int
		// KeepAlive is the interval of SSE keep-alive comments and WebSocket
		// pings. Defaults to 15s.
		KeepAlive time.Duration
		// Pingers are checked by GET /healthz.
		Pingers []health.Pinger
		// Debug mounts the pprof and log level endpoints and logs request
		// bodies.
		Debug bool
		// LogContext enables request logging with the Clue logger it carries.
		LogContext context.Context
		Logger     telemetry.Logger
	}

	// Server is the HTTP front end.
	Server struct {
		opts     Options
		orch     Orchestrator
		mux      goahttp.Muxer
		schemas  *schemas
		limiter  *rate.Limiter
		upgrader websocket.Upgrader
		logger   telemetry.Logger
		handler  http.Handler
	}
)

// New returns a Server with all routes mounted.
func New(opts Options) (*Server, error) {
	if opts.Orchestrator == nil {
		return nil, errors.New("server: orchestrator is required")
	}
	if opts.SubmitBurst <= 0 {
		opts.SubmitBurst = 10
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	sc, err := loadSchemas()
	if err != nil {
		return nil, err
	}
	limit := rate.Inf
	if opts.SubmitRate > 0 {
		limit = rate.Limit(opts.SubmitRate)
	}
	s := &Server{
		opts:    opts,
		orch:    opts.Orchestrator,
		mux:     goahttp.NewMuxer(),
		schemas: sc,
		limiter: rate.NewLimiter(limit, opts.SubmitBurst),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: opts.Logger,
	}
	s.mount()

	var handler http.Handler = s.mux
	if opts.Debug {
		handler = debug.HTTP()(handler)
	}
	if opts.LogContext != nil {
		handler = log.HTTP(opts.LogContext)(handler)
	}
	s.handler = handler
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) mount() {
	m := s.mux
	if s.opts.Debug {
		debug.MountPprofHandlers(debug.Adapt(m))
		debug.MountDebugLogEnabler(debug.Adapt(m))
	}

	checker := health.NewChecker(append([]health.Pinger{drainPinger{s.orch}}, s.opts.Pingers...)...)
	m.Handle(http.MethodGet, "/healthz", health.Handler(checker))
	m.Handle(http.MethodGet, "/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	m.Handle(http.MethodPost, "/v1/query", s.handleQuery)
	m.Handle(http.MethodPost, "/v1/sessions/{id}/resume", s.handleResume)
	m.Handle(http.MethodPost, "/v1/sessions/{id}/fork", s.handleFork)
	m.Handle(http.MethodPost, "/v1/sessions/{id}/interrupt", s.handleInterrupt)
	m.Handle(http.MethodPost, "/v1/sessions/{id}/control", s.handleControl)
	m.Handle(http.MethodPost, "/v1/sessions/{id}/answer", s.handleAnswer)
	m.Handle(http.MethodGet, "/v1/ws", s.handleSocket)
	m.Handle(http.MethodPost, "/v1/chat/completions", s.handleChatCompletions)
	m.Handle(http.MethodGet, "/v1/models", s.handleModels)

	m.Handle(http.MethodGet, "/v1/sessions", s.handleListSessions)
	m.Handle(http.MethodGet, "/v1/sessions/{id}", s.handleGetSession)
	m.Handle(http.MethodDelete, "/v1/sessions/{id}", s.handleDeleteSession)
	m.Handle(http.MethodGet, "/v1/sessions/{id}/status", s.handleStatus)
	m.Handle(http.MethodGet, "/v1/sessions/{id}/checkpoints", s.handleCheckpoints)
	m.Handle(http.MethodPost, "/v1/sessions/{id}/rewind", s.handleRewind)
	m.Handle(http.MethodGet, "/v1/sessions/{id}/events", s.handleEvents)
}

// allowSubmission consumes a submission token.
func (s *Server) allowSubmission() error {
	if !s.limiter.Allow() {
		return errRateLimited
	}
	return nil
}

// drainPinger fails health checks once the instance stops accepting runs.
type drainPinger struct{ orch Orchestrator }

func (drainPinger) Name() string { return "agentd" }

func (p drainPinger) Ping(context.Context) error {
	if p.orch.Draining() {
		return errors.New("draining")
	}
	return nil
}
