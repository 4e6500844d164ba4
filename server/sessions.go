package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"goa.design/agentd/runtime/apperr"
	"goa.design/agentd/runtime/mux"
	"goa.design/agentd/runtime/orchestrator"
	"goa.design/agentd/runtime/query"
	"goa.design/agentd/runtime/session"
)

type (
	sessionList struct {
		Sessions []session.Session `json:"sessions"`
	}

	checkpointList struct {
		SessionID   string               `json:"session_id"`
		Checkpoints []session.Checkpoint `json:"checkpoints"`
	}

	rewindRequest struct {
		CheckpointID string `json:"checkpoint_id"`
	}
)

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	f, err := listFilter(r)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	out, err := s.orch.List(r.Context(), f, owner(r))
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	if out == nil {
		out = []session.Session{}
	}
	writeJSON(w, http.StatusOK, sessionList{Sessions: out})
}

func listFilter(r *http.Request) (session.ListFilter, error) {
	q := r.URL.Query()
	f := session.ListFilter{
		ProjectID: q.Get("project_id"),
		Tag:       q.Get("tag"),
		Status:    session.Status(q.Get("status")),
	}
	if f.Status != "" && !f.Status.Valid() {
		return f, apperr.Validation("invalid status %q", f.Status)
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, apperr.Validation("invalid limit %q", v)
		}
		f.Limit = n
	}
	return f, nil
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, err := s.pathID(r)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	sess, err := s.orch.Get(r.Context(), id, owner(r))
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id, err := s.pathID(r)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	if err := s.orch.Delete(r.Context(), id, owner(r)); err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := s.pathID(r)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	info, err := s.orch.Status(r.Context(), id, owner(r))
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	id, err := s.pathID(r)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	cps, err := s.orch.Checkpoints(r.Context(), id, owner(r))
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	if cps == nil {
		cps = []session.Checkpoint{}
	}
	writeJSON(w, http.StatusOK, checkpointList{SessionID: id, Checkpoints: cps})
}

func (s *Server) handleRewind(w http.ResponseWriter, r *http.Request) {
	id, err := s.pathID(r)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	var req rewindRequest
	if err := s.schemas.decodeRequest(w, r, "rewind", &req); err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	res, err := s.orch.Rewind(r.Context(), id, req.CheckpointID, owner(r))
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleEvents streams the events of the session's active run. Runs on this
// instance are observed through an observer tap, others through the relay.
// Last-Event-ID resumes after the given sequence number; without it the run
// is replayed from its first retained event.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := s.pathID(r)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	after, err := lastEventID(r)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	events, headers, stop, err := s.observe(ctx, id, owner(r), after)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	defer stop()
	sse := newSSEWriter(w, headers)
	if err := pump(ctx, sse, events, s.opts.KeepAlive, verbatim(sse)); err != nil {
		s.logger.Debug(ctx, "observer stream ended early", "session_id", id, "err", err)
	}
}

func (s *Server) observe(ctx context.Context, id, own string, after int64) (<-chan query.Event, map[string]string, func(), error) {
	if run, ok := s.orch.LocalRun(id); ok {
		if _, err := s.orch.Get(ctx, id, own); err != nil {
			return nil, nil, nil, err
		}
		tap, err := run.Subscribe(mux.TapObserver, after)
		if err != nil {
			return nil, nil, nil, err
		}
		return tap.Events(), runHeaders(run), tap.Close, nil
	}
	l, err := s.orch.Lease(ctx, id, own)
	if err != nil {
		return nil, nil, nil, err
	}
	if l.Owner == s.orch.InstanceID() {
		return nil, nil, nil, orchestrator.ErrNoActiveRun
	}
	if s.opts.Remote == nil {
		return nil, nil, nil, apperr.Conflict("session is running on instance %s", l.Owner)
	}
	events, cancel, err := s.opts.Remote.Subscribe(ctx, l.RunID, after)
	if err != nil {
		return nil, nil, nil, apperr.Wrap(apperr.KindStorageUnavailable, "server.observe", err)
	}
	headers := map[string]string{"X-Session-ID": id, "X-Run-ID": l.RunID}
	return events, headers, cancel, nil
}

func lastEventID(r *http.Request) (int64, error) {
	v := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if v == "" {
		v = r.URL.Query().Get("after")
	}
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, apperr.Validation("invalid Last-Event-ID %q", v)
	}
	return n, nil
}
