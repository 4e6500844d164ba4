// Package session defines the durable session record, its checkpoints and the
// store contract backing them.
//
// A Session is the unit of conversational continuity: successive runs resume
// it, forks branch from it, and its lifecycle status reflects the most recent
// run. The durable store is the source of truth; caches sit in front of it
// (see runtime/repository).
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"time"

	"goa.design/agentd/runtime/apperr"
)

type (
	// Session is the durable record of a conversation.
	//
	// Contract:
	// - ID is unique and immutable.
	// - TotalTurns never decreases.
	// - ParentSessionID is immutable once set.
	// - Version increases by one on every persisted update; stores reject
	//   updates whose Version does not match the stored value.
	Session struct {
		// ID is the session identifier (UUID v4).
		ID string `json:"id"`
		// Status is the lifecycle state of the session.
		Status Status `json:"status"`
		// Model identifies the model used by the session runs.
		Model string `json:"model,omitempty"`
		// CreatedAt records when the session was created.
		CreatedAt time.Time `json:"created_at"`
		// UpdatedAt records the last persisted mutation.
		UpdatedAt time.Time `json:"updated_at"`
		// TotalTurns counts conversation turns across all runs.
		TotalTurns int `json:"total_turns"`
		// TotalCostUSD accumulates run cost across all runs.
		TotalCostUSD float64 `json:"total_cost_usd"`
		// ParentSessionID is set when the session was forked.
		ParentSessionID string `json:"parent_session_id,omitempty"`
		// Mode is a free-form tag describing how the session is used.
		Mode string `json:"mode,omitempty"`
		// ProjectID optionally groups sessions.
		ProjectID string `json:"project_id,omitempty"`
		// Tags is a set of labels (sorted, unique).
		Tags []string `json:"tags,omitempty"`
		// OwnerHash is the SHA-256 hex digest of the owner identity.
		OwnerHash string `json:"owner_hash,omitempty"`
		// LastStopReason is the stop reason of the most recent run.
		LastStopReason string `json:"last_stop_reason,omitempty"`
		// LastError is the error message of the most recent failed run.
		LastError string `json:"last_error,omitempty"`
		// Version is the optimistic concurrency counter.
		Version int64 `json:"version"`
	}

	// Checkpoint marks a conversation point within a session. Checkpoints are
	// immutable and ordered by CreatedAt within their session.
	Checkpoint struct {
		// ID identifies the checkpoint.
		ID string `json:"id"`
		// SessionID is the owning session.
		SessionID string `json:"session_id"`
		// MessageRef is the engine message reference the checkpoint points at.
		MessageRef string `json:"message_ref"`
		// FilesTouched lists files modified up to this point.
		FilesTouched []string `json:"files_touched,omitempty"`
		// CreatedAt records when the checkpoint was taken.
		CreatedAt time.Time `json:"created_at"`
	}

	// ListFilter narrows session listings. Zero fields do not filter.
	ListFilter struct {
		OwnerHash string
		ProjectID string
		Tag       string
		Status    Status
		// Limit caps the number of sessions returned (most recently updated
		// first). Zero means DefaultListLimit.
		Limit int
	}

	// Store persists sessions and checkpoints durably. Failures are returned to
	// callers unmasked.
	Store interface {
		// CreateSession inserts a new session. Returns ErrSessionExists when the
		// ID is taken.
		CreateSession(ctx context.Context, s Session) error
		// LoadSession returns ErrSessionNotFound when the session is missing.
		LoadSession(ctx context.Context, id string) (Session, error)
		// SaveSession replaces the stored session when the stored Version equals
		// s.Version, storing s with Version+1. Returns ErrSessionNotFound when
		// missing and ErrVersionConflict on mismatch.
		SaveSession(ctx context.Context, s Session) (Session, error)
		// DeleteSession removes the session and its checkpoints. Deleting a
		// missing session returns ErrSessionNotFound.
		DeleteSession(ctx context.Context, id string) error
		// ListSessions lists sessions matching the filter, most recently
		// updated first.
		ListSessions(ctx context.Context, f ListFilter) ([]Session, error)

		// AppendCheckpoint stores a new checkpoint. Returns ErrSessionNotFound
		// when the session is missing and ErrCheckpointExists on duplicate IDs.
		AppendCheckpoint(ctx context.Context, c Checkpoint) error
		// ListCheckpoints returns the session checkpoints ordered by creation.
		ListCheckpoints(ctx context.Context, sessionID string) ([]Checkpoint, error)
		// LoadCheckpoint returns ErrCheckpointNotFound when no checkpoint with
		// the ID belongs to the session.
		LoadCheckpoint(ctx context.Context, sessionID, checkpointID string) (Checkpoint, error)
	}

	// Status is the lifecycle state of a session.
	Status string
)

const (
	// StatusCreated is the state of a session that never ran.
	StatusCreated Status = "created"
	// StatusRunning indicates an engine run is in flight.
	StatusRunning Status = "running"
	// StatusAwaitingInput indicates the run is suspended on a question.
	StatusAwaitingInput Status = "awaiting_input"
	// StatusCompleted indicates the last run finished successfully.
	StatusCompleted Status = "completed"
	// StatusInterrupted indicates the last run was cancelled.
	StatusInterrupted Status = "interrupted"
	// StatusErrored indicates the last run failed.
	StatusErrored Status = "errored"
)

// DefaultListLimit is the listing size used when ListFilter.Limit is zero.
const DefaultListLimit = 50

var (
	// ErrSessionNotFound indicates the session does not exist.
	ErrSessionNotFound = apperr.New(apperr.KindNotFound, "session not found")
	// ErrSessionExists indicates a session with the same ID already exists.
	ErrSessionExists = apperr.New(apperr.KindConflict, "session already exists")
	// ErrVersionConflict indicates a concurrent update won the race.
	ErrVersionConflict = apperr.New(apperr.KindConflict, "session was modified concurrently")
	// ErrCheckpointNotFound indicates the checkpoint does not exist.
	ErrCheckpointNotFound = apperr.New(apperr.KindNotFound, "checkpoint not found")
	// ErrCheckpointExists indicates a duplicate checkpoint ID.
	ErrCheckpointExists = apperr.New(apperr.KindConflict, "checkpoint already exists")
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusRunning, StatusAwaitingInput, StatusCompleted, StatusInterrupted, StatusErrored:
		return true
	}
	return false
}

// Active reports whether s denotes an in-flight run.
func (s Status) Active() bool {
	return s == StatusRunning || s == StatusAwaitingInput
}

// Terminal reports whether s denotes a finished run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusInterrupted || s == StatusErrored
}

// HashOwner returns the stored form of an owner identity. The empty identity
// hashes to the empty string.
func HashOwner(owner string) string {
	if owner == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(owner))
	return hex.EncodeToString(sum[:])
}

// NormalizeTags returns tags sorted with duplicates and empty values removed.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	out = slices.Compact(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

// Clone returns a deep copy of s.
func (s Session) Clone() Session {
	s.Tags = slices.Clone(s.Tags)
	return s
}

// Clone returns a deep copy of c.
func (c Checkpoint) Clone() Checkpoint {
	c.FilesTouched = slices.Clone(c.FilesTouched)
	return c
}

// Validate checks the fields every stored session must carry.
func (s Session) Validate() error {
	if s.ID == "" {
		return apperr.Validation("session id is required")
	}
	if !s.Status.Valid() {
		return apperr.Validation("invalid session status %q", s.Status)
	}
	if s.TotalTurns < 0 {
		return apperr.Validation("total turns must not be negative")
	}
	if s.TotalCostUSD < 0 {
		return apperr.Validation("total cost must not be negative")
	}
	if s.ParentSessionID == s.ID {
		return apperr.Validation("session cannot be its own parent")
	}
	return nil
}

// CheckUpdate verifies that next is a legal successor of prev.
func CheckUpdate(prev, next Session) error {
	if err := next.Validate(); err != nil {
		return err
	}
	if next.ID != prev.ID {
		return apperr.Validation("session id is immutable")
	}
	if next.TotalTurns < prev.TotalTurns {
		return apperr.Validation("total turns cannot decrease (%d < %d)", next.TotalTurns, prev.TotalTurns)
	}
	if prev.ParentSessionID != "" && next.ParentSessionID != prev.ParentSessionID {
		return apperr.Validation("parent session id is immutable")
	}
	if prev.ParentSessionID == "" && next.ParentSessionID != "" {
		return apperr.Validation("parent session id can only be set at creation")
	}
	if !next.CreatedAt.Equal(prev.CreatedAt) {
		return apperr.Validation("created_at is immutable")
	}
	if next.OwnerHash != prev.OwnerHash {
		return apperr.Validation("owner is immutable")
	}
	return nil
}

// Matches reports whether s satisfies f (ignoring Limit).
func (f ListFilter) Matches(s Session) bool {
	if f.OwnerHash != "" && s.OwnerHash != f.OwnerHash {
		return false
	}
	if f.ProjectID != "" && s.ProjectID != f.ProjectID {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.Tag != "" && !slices.Contains(s.Tags, f.Tag) {
		return false
	}
	return true
}

// EffectiveLimit returns the limit to apply.
func (f ListFilter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}
