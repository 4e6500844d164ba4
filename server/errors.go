package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"goa.design/agentd/runtime/apperr"
)

// kindRateLimited reports a rejected submission. It only exists at the HTTP
// boundary.
const kindRateLimited apperr.Kind = "rate_limited"

var errRateLimited = apperr.New(kindRateLimited, "too many submissions, retry later")

type (
	errorBody struct {
		Error errorDetail `json:"error"`
	}

	errorDetail struct {
		Kind    apperr.Kind `json:"kind"`
		Message string      `json:"message"`
	}
)

// statusOf maps an error kind to its HTTP status.
func statusOf(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindLockTimeout, apperr.KindStorageUnavailable:
		return http.StatusServiceUnavailable
	case apperr.KindUpstream:
		return http.StatusBadGateway
	case apperr.KindCancelled:
		return 499
	case kindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func detailOf(err error) errorDetail {
	kind := apperr.KindOf(err)
	msg := apperr.Message(err)
	if kind == apperr.KindInternal {
		msg = "internal error"
	}
	return errorDetail{Kind: kind, Message: msg}
}

func (s *Server) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	d := detailOf(err)
	if d.Kind == apperr.KindInternal {
		s.logger.Error(ctx, "request failed", "err", err)
	} else {
		s.logger.Debug(ctx, "request rejected", "kind", string(d.Kind), "err", err)
	}
	if d.Kind == kindRateLimited {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, statusOf(d.Kind), errorBody{Error: d})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// owner returns the caller identity: the bearer token or the API key. The
// empty identity is anonymous.
func owner(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return ""
}

// pathID returns the {id} route variable.
func (s *Server) pathID(r *http.Request) (string, error) {
	id := strings.TrimSpace(s.mux.Vars(r)["id"])
	if id == "" {
		return "", apperr.Validation("session id is required")
	}
	return id, nil
}
