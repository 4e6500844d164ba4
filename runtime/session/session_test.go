package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/agentd/runtime/apperr"
)

func TestHashOwner(t *testing.T) {
	h := HashOwner("alice")
	require.Len(t, h, 64)
	require.NotContains(t, h, "alice")
	require.Equal(t, h, HashOwner("alice"))
	require.NotEqual(t, h, HashOwner("bob"))
	require.Empty(t, HashOwner(""))
}

func TestStatusPredicates(t *testing.T) {
	require.True(t, StatusRunning.Active())
	require.True(t, StatusAwaitingInput.Active())
	require.False(t, StatusCreated.Active())
	for _, s := range []Status{StatusCompleted, StatusInterrupted, StatusErrored} {
		require.True(t, s.Terminal(), s)
		require.False(t, s.Active(), s)
	}
	require.False(t, Status("paused").Valid())
}

func TestNormalizeTags(t *testing.T) {
	require.Equal(t, []string{"a", "b"}, NormalizeTags([]string{"b", "", "a", "b"}))
	require.Nil(t, NormalizeTags([]string{""}))
	require.Nil(t, NormalizeTags(nil))
}

func TestCheckUpdate(t *testing.T) {
	prev := Session{
		ID:         "s1",
		Status:     StatusCompleted,
		CreatedAt:  time.Unix(100, 0),
		TotalTurns: 3,
	}

	next := prev
	next.Status = StatusRunning
	next.TotalTurns = 4
	require.NoError(t, CheckUpdate(prev, next))

	cases := map[string]func(*Session){
		"turns decrease": func(s *Session) { s.TotalTurns = 2 },
		"id change":      func(s *Session) { s.ID = "s2" },
		"parent set":     func(s *Session) { s.ParentSessionID = "p" },
		"created change": func(s *Session) { s.CreatedAt = time.Unix(200, 0) },
		"owner change":   func(s *Session) { s.OwnerHash = HashOwner("x") },
		"bad status":     func(s *Session) { s.Status = "paused" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			n := prev
			mutate(&n)
			err := CheckUpdate(prev, n)
			require.Error(t, err)
			require.True(t, apperr.Is(err, apperr.KindValidation))
		})
	}

	forked := prev
	forked.ParentSessionID = "p"
	changed := forked
	changed.ParentSessionID = "q"
	require.Error(t, CheckUpdate(forked, changed))
}

func TestListFilterMatches(t *testing.T) {
	s := Session{ID: "s", Status: StatusCompleted, ProjectID: "p", Tags: []string{"x"}, OwnerHash: "o"}
	require.True(t, ListFilter{}.Matches(s))
	require.True(t, ListFilter{OwnerHash: "o", ProjectID: "p", Tag: "x", Status: StatusCompleted}.Matches(s))
	require.False(t, ListFilter{OwnerHash: "other"}.Matches(s))
	require.False(t, ListFilter{Tag: "y"}.Matches(s))
	require.Equal(t, DefaultListLimit, ListFilter{}.EffectiveLimit())
}
