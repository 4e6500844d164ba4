package mongo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"

	"goa.design/agentd/runtime/session"
)

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	require.EqualError(t, err, "mongo client is required")
	_, err = New(Options{Client: &mongodriver.Client{}})
	require.EqualError(t, err, "database name is required")
}

func TestSessionDocumentNormalizesTimes(t *testing.T) {
	loc := time.FixedZone("x", 3600)
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, loc)
	doc := fromSession(session.Session{
		ID:        "s",
		Status:    session.StatusCompleted,
		CreatedAt: created,
		UpdatedAt: created.Add(time.Minute),
		Tags:      []string{"a"},
		Version:   3,
	})
	require.Equal(t, time.UTC, doc.CreatedAt.Location())
	require.Equal(t, "completed", doc.Status)

	back := doc.toSession()
	require.True(t, created.Equal(back.CreatedAt))
	require.Equal(t, session.StatusCompleted, back.Status)
	require.Equal(t, int64(3), back.Version)
}
