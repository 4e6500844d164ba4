package query

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/agentd/runtime/apperr"
)

func TestControlValidate(t *testing.T) {
	cases := []struct {
		name string
		c    Control
		ok   bool
	}{
		{"interrupt", Control{Type: ControlInterrupt, SessionID: "s"}, true},
		{"answer", Control{Type: ControlAnswer, SessionID: "s", Answer: "yes"}, true},
		{"empty answer", Control{Type: ControlAnswer, SessionID: "s", Answer: "  "}, false},
		{"mode", Control{Type: ControlPermissionModeChange, SessionID: "s", Mode: PermissionPlan}, true},
		{"bad mode", Control{Type: ControlPermissionModeChange, SessionID: "s", Mode: "yolo"}, false},
		{"no session", Control{Type: ControlInterrupt}, false},
		{"unknown", Control{Type: "pause", SessionID: "s"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.c.Validate()
			if tc.ok {
				require.NoError(t, err)
				return
			}
			require.True(t, apperr.Is(err, apperr.KindValidation))
		})
	}
}

func TestEventJSONOmitsUnsetFields(t *testing.T) {
	raw, err := json.Marshal(Event{Seq: 3, Type: EventPartial, SessionID: "s", RunID: "r", Content: "hi"})
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	require.Equal(t, "partial", m["type"])
	require.Equal(t, "hi", m["content"])
	require.NotContains(t, m, "stop_reason")
	require.NotContains(t, m, "error")
}

func TestTerminal(t *testing.T) {
	require.True(t, EventResult.Terminal())
	require.True(t, EventError.Terminal())
	require.False(t, EventDone.Terminal())
	require.False(t, EventQuestion.Terminal())
}
