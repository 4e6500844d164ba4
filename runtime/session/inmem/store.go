// Package inmem provides an in-memory implementation of session.Store.
//
// It is intended for tests and single-process development. Production
// deployments use a durable implementation (features/session/postgres or
// features/session/mongo).
package inmem

import (
	"context"
	"slices"
	"strings"
	"sync"

	"goa.design/agentd/runtime/apperr"
	"goa.design/agentd/runtime/session"
)

type (
	// Store is an in-memory session.Store. It is safe for concurrent use.
	Store struct {
		mu          sync.RWMutex
		sessions    map[string]session.Session
		checkpoints map[string][]session.Checkpoint
	}
)

var _ session.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		sessions:    make(map[string]session.Session),
		checkpoints: make(map[string][]session.Checkpoint),
	}
}

// CreateSession implements session.Store.
func (s *Store) CreateSession(_ context.Context, sess session.Session) error {
	if err := sess.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.ID]; ok {
		return session.ErrSessionExists
	}
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

// LoadSession implements session.Store.
func (s *Store) LoadSession(_ context.Context, id string) (session.Session, error) {
	if id == "" {
		return session.Session{}, apperr.Validation("session id is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	existing, ok := s.sessions[id]
	if !ok {
		return session.Session{}, session.ErrSessionNotFound
	}
	return existing.Clone(), nil
}

// SaveSession implements session.Store.
func (s *Store) SaveSession(_ context.Context, sess session.Session) (session.Session, error) {
	if err := sess.Validate(); err != nil {
		return session.Session{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.sessions[sess.ID]
	if !ok {
		return session.Session{}, session.ErrSessionNotFound
	}
	if existing.Version != sess.Version {
		return session.Session{}, session.ErrVersionConflict
	}
	sess.Version++
	s.sessions[sess.ID] = sess.Clone()
	return sess.Clone(), nil
}

// DeleteSession implements session.Store.
func (s *Store) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return session.ErrSessionNotFound
	}
	delete(s.sessions, id)
	delete(s.checkpoints, id)
	return nil
}

// ListSessions implements session.Store.
func (s *Store) ListSessions(_ context.Context, f session.ListFilter) ([]session.Session, error) {
	s.mu.RLock()
	out := make([]session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if f.Matches(sess) {
			out = append(out, sess.Clone())
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b session.Session) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if limit := f.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AppendCheckpoint implements session.Store.
func (s *Store) AppendCheckpoint(_ context.Context, c session.Checkpoint) error {
	if c.ID == "" || c.SessionID == "" {
		return apperr.Validation("checkpoint id and session id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[c.SessionID]; !ok {
		return session.ErrSessionNotFound
	}
	for _, existing := range s.checkpoints[c.SessionID] {
		if existing.ID == c.ID {
			return session.ErrCheckpointExists
		}
	}
	s.checkpoints[c.SessionID] = append(s.checkpoints[c.SessionID], c.Clone())
	return nil
}

// ListCheckpoints implements session.Store.
func (s *Store) ListCheckpoints(_ context.Context, sessionID string) ([]session.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return nil, session.ErrSessionNotFound
	}
	cps := s.checkpoints[sessionID]
	out := make([]session.Checkpoint, len(cps))
	for i, c := range cps {
		out[i] = c.Clone()
	}
	slices.SortStableFunc(out, func(a, b session.Checkpoint) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

// LoadCheckpoint implements session.Store.
func (s *Store) LoadCheckpoint(_ context.Context, sessionID, checkpointID string) (session.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.checkpoints[sessionID] {
		if c.ID == checkpointID {
			return c.Clone(), nil
		}
	}
	return session.Checkpoint{}, session.ErrCheckpointNotFound
}
