package inmem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/agentd/runtime/session"
	"goa.design/agentd/runtime/session/sessiontest"
)

func TestStoreContract(t *testing.T) {
	sessiontest.Run(t, func(*testing.T) session.Store { return New() })
}

func TestStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	st := New()
	s := sessiontest.NewSession()
	require.NoError(t, st.CreateSession(ctx, s))

	got, err := st.LoadSession(ctx, s.ID)
	require.NoError(t, err)
	got.Tags[0] = "mutated"

	again, err := st.LoadSession(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, "a", again.Tags[0])
}
