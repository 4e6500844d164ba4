// Package sessiontest provides a conformance suite for session.Store
// implementations.
package sessiontest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"goa.design/agentd/runtime/session"
)

// NewSession returns a valid session in the created state with a fresh ID.
func NewSession() session.Session {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return session.Session{
		ID:        uuid.NewString(),
		Status:    session.StatusCreated,
		Model:     "test-model",
		CreatedAt: now,
		UpdatedAt: now,
		Tags:      []string{"a", "b"},
		OwnerHash: session.HashOwner("owner"),
	}
}

// Run exercises the session.Store contract against the store returned by
// newStore. newStore is called once per subtest.
func Run(t *testing.T, newStore func(t *testing.T) session.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("create and load", func(t *testing.T) {
		st := newStore(t)
		s := NewSession()
		s.ProjectID = "proj"
		require.NoError(t, st.CreateSession(ctx, s))

		got, err := st.LoadSession(ctx, s.ID)
		require.NoError(t, err)
		require.Equal(t, s.ID, got.ID)
		require.Equal(t, session.StatusCreated, got.Status)
		require.Equal(t, "proj", got.ProjectID)
		require.Equal(t, []string{"a", "b"}, got.Tags)
		require.Equal(t, s.OwnerHash, got.OwnerHash)
		require.True(t, s.CreatedAt.Equal(got.CreatedAt))
	})

	t.Run("duplicate create", func(t *testing.T) {
		st := newStore(t)
		s := NewSession()
		require.NoError(t, st.CreateSession(ctx, s))
		require.ErrorIs(t, st.CreateSession(ctx, s), session.ErrSessionExists)
	})

	t.Run("load missing", func(t *testing.T) {
		st := newStore(t)
		_, err := st.LoadSession(ctx, uuid.NewString())
		require.ErrorIs(t, err, session.ErrSessionNotFound)
	})

	t.Run("save bumps version", func(t *testing.T) {
		st := newStore(t)
		s := NewSession()
		require.NoError(t, st.CreateSession(ctx, s))

		s.Status = session.StatusRunning
		s.TotalTurns = 2
		saved, err := st.SaveSession(ctx, s)
		require.NoError(t, err)
		require.Equal(t, int64(1), saved.Version)

		got, err := st.LoadSession(ctx, s.ID)
		require.NoError(t, err)
		require.Equal(t, session.StatusRunning, got.Status)
		require.Equal(t, 2, got.TotalTurns)
		require.Equal(t, int64(1), got.Version)

		// Stale version is rejected.
		_, err = st.SaveSession(ctx, s)
		require.ErrorIs(t, err, session.ErrVersionConflict)
	})

	t.Run("save missing", func(t *testing.T) {
		st := newStore(t)
		_, err := st.SaveSession(ctx, NewSession())
		require.ErrorIs(t, err, session.ErrSessionNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		st := newStore(t)
		s := NewSession()
		require.NoError(t, st.CreateSession(ctx, s))
		require.NoError(t, st.AppendCheckpoint(ctx, session.Checkpoint{
			ID: uuid.NewString(), SessionID: s.ID, MessageRef: "m1", CreatedAt: time.Now().UTC(),
		}))
		require.NoError(t, st.DeleteSession(ctx, s.ID))
		_, err := st.LoadSession(ctx, s.ID)
		require.ErrorIs(t, err, session.ErrSessionNotFound)
		require.ErrorIs(t, st.DeleteSession(ctx, s.ID), session.ErrSessionNotFound)
	})

	t.Run("list filters", func(t *testing.T) {
		st := newStore(t)
		owner := session.HashOwner(uuid.NewString())
		base := time.Now().UTC().Truncate(time.Millisecond)
		var ids []string
		for i := range 3 {
			s := NewSession()
			s.OwnerHash = owner
			s.UpdatedAt = base.Add(time.Duration(i) * time.Second)
			if i == 2 {
				s.ProjectID = "p2"
				s.Tags = []string{"x"}
			}
			require.NoError(t, st.CreateSession(ctx, s))
			ids = append(ids, s.ID)
		}

		all, err := st.ListSessions(ctx, session.ListFilter{OwnerHash: owner})
		require.NoError(t, err)
		require.Len(t, all, 3)
		require.Equal(t, ids[2], all[0].ID, "most recently updated first")

		byProject, err := st.ListSessions(ctx, session.ListFilter{OwnerHash: owner, ProjectID: "p2"})
		require.NoError(t, err)
		require.Len(t, byProject, 1)

		byTag, err := st.ListSessions(ctx, session.ListFilter{OwnerHash: owner, Tag: "x"})
		require.NoError(t, err)
		require.Len(t, byTag, 1)
		require.Equal(t, ids[2], byTag[0].ID)

		limited, err := st.ListSessions(ctx, session.ListFilter{OwnerHash: owner, Limit: 2})
		require.NoError(t, err)
		require.Len(t, limited, 2)
	})

	t.Run("checkpoints ordered", func(t *testing.T) {
		st := newStore(t)
		s := NewSession()
		require.NoError(t, st.CreateSession(ctx, s))

		base := time.Now().UTC().Truncate(time.Millisecond)
		first := session.Checkpoint{ID: uuid.NewString(), SessionID: s.ID, MessageRef: "m1", CreatedAt: base}
		second := session.Checkpoint{
			ID: uuid.NewString(), SessionID: s.ID, MessageRef: "m2",
			FilesTouched: []string{"main.go"}, CreatedAt: base.Add(time.Second),
		}
		require.NoError(t, st.AppendCheckpoint(ctx, second))
		require.NoError(t, st.AppendCheckpoint(ctx, first))
		require.ErrorIs(t, st.AppendCheckpoint(ctx, first), session.ErrCheckpointExists)

		cps, err := st.ListCheckpoints(ctx, s.ID)
		require.NoError(t, err)
		require.Len(t, cps, 2)
		require.Equal(t, "m1", cps[0].MessageRef)
		require.Equal(t, "m2", cps[1].MessageRef)
		require.Equal(t, []string{"main.go"}, cps[1].FilesTouched)

		got, err := st.LoadCheckpoint(ctx, s.ID, second.ID)
		require.NoError(t, err)
		require.Equal(t, "m2", got.MessageRef)

		_, err = st.LoadCheckpoint(ctx, uuid.NewString(), second.ID)
		require.ErrorIs(t, err, session.ErrCheckpointNotFound)
	})

	t.Run("checkpoint for missing session", func(t *testing.T) {
		st := newStore(t)
		err := st.AppendCheckpoint(ctx, session.Checkpoint{
			ID: uuid.NewString(), SessionID: uuid.NewString(), MessageRef: "m", CreatedAt: time.Now(),
		})
		require.ErrorIs(t, err, session.ErrSessionNotFound)
	})
}
