package server

import (
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"time"

	"goa.design/agentd/runtime/apperr"
	"goa.design/agentd/runtime/mux"
	"goa.design/agentd/runtime/orchestrator"
	"goa.design/agentd/runtime/query"
	"goa.design/agentd/runtime/session"
)

type (
	chatRequest struct {
		Model    string        `json:"model"`
		Messages []chatMessage `json:"messages"`
		Stream   bool          `json:"stream"`
		// SessionID continues an existing session. The X-Session-ID header
		// is accepted as well.
		SessionID string `json:"session_id,omitempty"`
	}

	chatMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	chatChunk struct {
		ID      string        `json:"id"`
		Object  string        `json:"object"`
		Created int64         `json:"created"`
		Model   string        `json:"model"`
		Choices []chunkChoice `json:"choices"`
	}

	chunkChoice struct {
		Index        int        `json:"index"`
		Delta        chunkDelta `json:"delta"`
		FinishReason *string    `json:"finish_reason"`
	}

	chunkDelta struct {
		Role    string `json:"role,omitempty"`
		Content string `json:"content,omitempty"`
	}

	chatCompletion struct {
		ID      string             `json:"id"`
		Object  string             `json:"object"`
		Created int64              `json:"created"`
		Model   string             `json:"model"`
		Choices []completionChoice `json:"choices"`
		Usage   chatUsage          `json:"usage"`
	}

	completionChoice struct {
		Index        int         `json:"index"`
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	}

	chatUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	modelList struct {
		Object string      `json:"object"`
		Data   []modelInfo `json:"data"`
	}

	modelInfo struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}

	// translator renders run events as chat.completion.chunk payloads.
	translator struct {
		id, model string
		created   int64
		streamed  bool
	}
)

const finishError = "error"

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req chatRequest
	if err := s.schemas.decodeRequest(w, r, "chat", &req); err != nil {
		s.writeError(ctx, w, err)
		return
	}
	sub, err := s.chatSubmission(r, req)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	run, tap, err := s.start(ctx, sub)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	t := &translator{id: "chatcmpl-" + run.RunID(), model: run.Model(), created: time.Now().Unix()}

	if !req.Stream {
		sum, err := s.orch.Collect(ctx, run, tap)
		if err != nil {
			s.writeError(ctx, w, err)
			return
		}
		if sum.Status == session.StatusErrored {
			s.writeError(ctx, w, apperr.New(apperr.KindUpstream, sum.Error))
			return
		}
		for k, v := range runHeaders(run) {
			w.Header().Set(k, v)
		}
		writeJSON(w, http.StatusOK, t.completion(sum))
		return
	}

	defer tap.Close()
	sse := newSSEWriter(w, runHeaders(run))
	render := func(ev query.Event) (bool, error) {
		if ev.Type == query.EventDone {
			return false, sse.data([]byte("[DONE]"))
		}
		chunk, ok := t.chunk(ev)
		if !ok {
			return true, nil
		}
		data, err := json.Marshal(chunk)
		if err != nil {
			return false, err
		}
		return true, sse.data(data)
	}
	if err := pump(ctx, sse, tap.Events(), s.opts.KeepAlive, render); err != nil {
		s.logger.Debug(ctx, "chat stream ended early", "session_id", run.SessionID(), "err", err)
	}
}

// chatSubmission maps a chat request onto a run submission: the last user
// message is the prompt and system messages form the system prompt.
func (s *Server) chatSubmission(r *http.Request, req chatRequest) (orchestrator.Submission, error) {
	if req.Model != "" && len(s.opts.Models) > 0 && !slices.Contains(s.opts.Models, req.Model) {
		return orchestrator.Submission{}, apperr.Validation("unknown model %q", req.Model)
	}
	var (
		system []string
		prompt string
	)
	for _, m := range req.Messages {
		switch m.Role {
		case "system", "developer":
			system = append(system, m.Content)
		case "user":
			prompt = m.Content
		}
	}
	if strings.TrimSpace(prompt) == "" {
		return orchestrator.Submission{}, apperr.Validation("a user message is required")
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = r.Header.Get("X-Session-ID")
	}
	return orchestrator.Submission{
		SessionID: sessionID,
		Prompt:    prompt,
		Owner:     owner(r),
		Tap:       mux.TapTranslated,
		Options: query.Options{
			Model:          req.Model,
			SystemPrompt:   strings.Join(system, "\n"),
			IncludePartial: true,
		},
	}, nil
}

// chunk translates ev. It reports false for events with no translation.
func (t *translator) chunk(ev query.Event) (chatChunk, bool) {
	switch ev.Type {
	case query.EventInit:
		return t.delta(chunkDelta{Role: "assistant"}, nil), true
	case query.EventPartial:
		t.streamed = true
		return t.delta(chunkDelta{Content: ev.Content}, nil), true
	case query.EventMessage:
		if ev.Role != "assistant" {
			return chatChunk{}, false
		}
		// Engines that do not stream partials still produce content.
		streamed := t.streamed
		t.streamed = false
		if streamed {
			return chatChunk{}, false
		}
		return t.delta(chunkDelta{Content: ev.Content}, nil), true
	case query.EventQuestion:
		return t.delta(chunkDelta{Content: ev.Content}, nil), true
	case query.EventResult, query.EventError:
		reason := finishReason(ev.Type, ev.StopReason)
		return t.delta(chunkDelta{}, &reason), true
	}
	return chatChunk{}, false
}

func (t *translator) delta(d chunkDelta, finish *string) chatChunk {
	return chatChunk{
		ID:      t.id,
		Object:  "chat.completion.chunk",
		Created: t.created,
		Model:   t.model,
		Choices: []chunkChoice{{Index: 0, Delta: d, FinishReason: finish}},
	}
}

func (t *translator) completion(sum orchestrator.Summary) chatCompletion {
	return chatCompletion{
		ID:      t.id,
		Object:  "chat.completion",
		Created: t.created,
		Model:   t.model,
		Choices: []completionChoice{{
			Index:        0,
			Message:      chatMessage{Role: "assistant", Content: sum.Content},
			FinishReason: finishReason(query.EventResult, sum.StopReason),
		}},
	}
}

// finishReason normalizes a stop reason to the OpenAI vocabulary.
func finishReason(t query.EventType, reason query.StopReason) string {
	if t == query.EventError {
		return finishError
	}
	switch reason {
	case query.StopMaxTokens, query.StopMaxTurns:
		return "length"
	case query.StopToolUse:
		return "tool_calls"
	case query.StopError, query.StopLeaseLost:
		return finishError
	default:
		return "stop"
	}
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	out := modelList{Object: "list", Data: make([]modelInfo, 0, len(s.opts.Models))}
	for _, m := range s.opts.Models {
		out.Data = append(out.Data, modelInfo{ID: m, Object: "model", OwnedBy: "agentd"})
	}
	writeJSON(w, http.StatusOK, out)
}
