package server

import (
	"context"
	"net/http"

	"goa.design/agentd/runtime/mux"
	"goa.design/agentd/runtime/orchestrator"
	"goa.design/agentd/runtime/query"
)

type (
	// queryRequest is the body of POST /v1/query and, without SessionID and
	// Fork, of the resume and fork endpoints.
	queryRequest struct {
		Prompt    string `json:"prompt"`
		SessionID string `json:"session_id,omitempty"`
		Fork      bool   `json:"fork,omitempty"`
		// Stream selects SSE (default) or a JSON summary.
		Stream *bool `json:"stream,omitempty"`
		query.Options
	}

	controlRequest struct {
		Mode query.PermissionMode `json:"mode"`
	}

	answerRequest struct {
		Answer     string `json:"answer"`
		QuestionID string `json:"question_id,omitempty"`
	}

	// controlResponse acknowledges a control message.
	controlResponse struct {
		SessionID string            `json:"session_id"`
		Type      query.ControlType `json:"type"`
		Accepted  bool              `json:"accepted"`
	}
)

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := s.schemas.decodeRequest(w, r, "query", &req); err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	s.run(w, r, req)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.scopedRun(w, r, false)
}

func (s *Server) handleFork(w http.ResponseWriter, r *http.Request) {
	s.scopedRun(w, r, true)
}

func (s *Server) scopedRun(w http.ResponseWriter, r *http.Request, fork bool) {
	id, err := s.pathID(r)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	var req queryRequest
	if err := s.schemas.decodeRequest(w, r, "run", &req); err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	req.SessionID = id
	req.Fork = fork
	s.run(w, r, req)
}

// run starts a run and renders it as SSE or as a JSON summary.
func (s *Server) run(w http.ResponseWriter, r *http.Request, req queryRequest) {
	ctx := r.Context()
	stream := req.Stream == nil || *req.Stream
	kind := mux.TapStream
	if !stream {
		kind = mux.TapCollector
	}
	run, tap, err := s.start(ctx, orchestrator.Submission{
		SessionID: req.SessionID,
		Fork:      req.Fork,
		Prompt:    req.Prompt,
		Options:   req.Options,
		Owner:     owner(r),
		Tap:       kind,
	})
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	if !stream {
		sum, err := s.orch.Collect(ctx, run, tap)
		if err != nil {
			s.writeError(ctx, w, err)
			return
		}
		writeJSON(w, http.StatusOK, sum)
		return
	}

	defer tap.Close()
	sse := newSSEWriter(w, runHeaders(run))
	if err := pump(ctx, sse, tap.Events(), s.opts.KeepAlive, verbatim(sse)); err != nil {
		s.logger.Debug(ctx, "event stream ended early", "session_id", run.SessionID(), "err", err)
	}
}

// start applies server defaults and the submission rate limit, then starts
// the run.
func (s *Server) start(ctx context.Context, sub orchestrator.Submission) (*orchestrator.Run, *mux.Tap, error) {
	if err := s.allowSubmission(); err != nil {
		return nil, nil, err
	}
	if len(sub.Options.ToolServers) == 0 && len(s.opts.ToolServers) > 0 {
		sub.Options.ToolServers = s.opts.ToolServers
	}
	return s.orch.Start(ctx, sub)
}

func runHeaders(run *orchestrator.Run) map[string]string {
	return map[string]string{
		"X-Session-ID": run.SessionID(),
		"X-Run-ID":     run.RunID(),
	}
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	id, err := s.pathID(r)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	s.control(w, r, query.Control{Type: query.ControlInterrupt, SessionID: id})
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	id, err := s.pathID(r)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	var req controlRequest
	if err := s.schemas.decodeRequest(w, r, "control", &req); err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	s.control(w, r, query.Control{Type: query.ControlPermissionModeChange, SessionID: id, Mode: req.Mode})
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	id, err := s.pathID(r)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	var req answerRequest
	if err := s.schemas.decodeRequest(w, r, "answer", &req); err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	s.control(w, r, query.Control{
		Type:       query.ControlAnswer,
		SessionID:  id,
		Answer:     req.Answer,
		QuestionID: req.QuestionID,
	})
}

func (s *Server) control(w http.ResponseWriter, r *http.Request, c query.Control) {
	if err := s.orch.Control(r.Context(), c, owner(r)); err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, controlResponse{SessionID: c.SessionID, Type: c.Type, Accepted: true})
}
