package mongo

import (
	"context"
	"errors"

	clientsmongo "goa.design/agentd/features/session/mongo/clients/mongo"
	"goa.design/agentd/runtime/apperr"
	"goa.design/agentd/runtime/session"
)

// Store implements session.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

var _ session.Store = (*Store)(nil)

// NewStore builds a Store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return s.client.Name() }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx) }

// CreateSession implements session.Store.
func (s *Store) CreateSession(ctx context.Context, sess session.Session) error {
	if err := sess.Validate(); err != nil {
		return err
	}
	return s.client.InsertSession(ctx, sess)
}

// LoadSession implements session.Store.
func (s *Store) LoadSession(ctx context.Context, id string) (session.Session, error) {
	if id == "" {
		return session.Session{}, apperr.Validation("session id is required")
	}
	return s.client.FindSession(ctx, id)
}

// SaveSession implements session.Store.
func (s *Store) SaveSession(ctx context.Context, sess session.Session) (session.Session, error) {
	if err := sess.Validate(); err != nil {
		return session.Session{}, err
	}
	return s.client.ReplaceSession(ctx, sess)
}

// DeleteSession implements session.Store.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.client.RemoveSession(ctx, id)
}

// ListSessions implements session.Store.
func (s *Store) ListSessions(ctx context.Context, f session.ListFilter) ([]session.Session, error) {
	return s.client.FindSessions(ctx, f)
}

// AppendCheckpoint implements session.Store.
func (s *Store) AppendCheckpoint(ctx context.Context, c session.Checkpoint) error {
	if c.ID == "" || c.SessionID == "" {
		return apperr.Validation("checkpoint id and session id are required")
	}
	return s.client.InsertCheckpoint(ctx, c)
}

// ListCheckpoints implements session.Store.
func (s *Store) ListCheckpoints(ctx context.Context, sessionID string) ([]session.Checkpoint, error) {
	return s.client.FindCheckpoints(ctx, sessionID)
}

// LoadCheckpoint implements session.Store.
func (s *Store) LoadCheckpoint(ctx context.Context, sessionID, checkpointID string) (session.Checkpoint, error) {
	return s.client.FindCheckpoint(ctx, sessionID, checkpointID)
}
