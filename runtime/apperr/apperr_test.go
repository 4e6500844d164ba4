package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	sentinel := New(KindNotFound, "session not found")
	wrapped := fmt.Errorf("load: %w", sentinel)

	require.Equal(t, KindNotFound, KindOf(wrapped))
	require.ErrorIs(t, wrapped, sentinel)
	require.Equal(t, KindInternal, KindOf(errors.New("boom")))
	require.False(t, Is(nil, KindInternal))
}

func TestWrapKeepsExistingKind(t *testing.T) {
	err := Wrap(KindStorageUnavailable, "repository.get", Conflict("version mismatch"))
	require.Equal(t, KindConflict, KindOf(err))
	require.Equal(t, "repository.get: version mismatch", err.Error())

	require.NoError(t, Wrap(KindInternal, "op", nil))
}

func TestStorageUnavailable(t *testing.T) {
	cause := errors.New("connection refused")
	err := StorageUnavailable("store.load", cause)
	require.True(t, Is(err, KindStorageUnavailable))
	require.ErrorIs(t, err, cause)
	require.Equal(t, "store.load: connection refused", err.Error())
}

func TestMessage(t *testing.T) {
	require.Equal(t, "prompt is required", Message(Validation("prompt is required")))
	require.Equal(t, "op: boom", Message(Upstream("op", errors.New("boom"))))
}
