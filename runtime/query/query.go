// Package query defines the events emitted by a run, the control messages a
// client can send to a running session and the options accepted when a run is
// submitted.
package query

import (
	"encoding/json"
	"strings"
	"time"

	"goa.design/agentd/runtime/apperr"
)

type (
	// EventType discriminates Event.
	EventType string

	// StopReason explains why a run ended.
	StopReason string

	// Event is a single run output item. Seq strictly increases within a run.
	// Only the fields relevant to Type are set.
	Event struct {
		Seq       int64     `json:"seq"`
		Type      EventType `json:"type"`
		SessionID string    `json:"session_id"`
		RunID     string    `json:"run_id"`
		Timestamp time.Time `json:"timestamp"`

		// Model is set on init.
		Model string `json:"model,omitempty"`
		// ParentSessionID is set on init for forked sessions.
		ParentSessionID string `json:"parent_session_id,omitempty"`
		// Role is set on message ("assistant", "user", "tool").
		Role string `json:"role,omitempty"`
		// Content carries message text, partial deltas and question prompts.
		Content string `json:"content,omitempty"`
		// MessageID references the engine message for message events.
		MessageID string `json:"message_id,omitempty"`
		// QuestionID identifies a question awaiting an answer.
		QuestionID string `json:"question_id,omitempty"`
		// StopReason is set on result and error.
		StopReason StopReason `json:"stop_reason,omitempty"`
		// CostUSD is the run cost, set on result and error.
		CostUSD float64 `json:"cost_usd,omitempty"`
		// NumTurns is the number of turns of the run, set on result.
		NumTurns int `json:"num_turns,omitempty"`
		// Error describes the failure on error events.
		Error string `json:"error,omitempty"`
		// ErrorKind classifies the failure on error events.
		ErrorKind apperr.Kind `json:"error_kind,omitempty"`
	}

	// ControlType discriminates Control.
	ControlType string

	// PermissionMode is the engine permission policy for tool use.
	PermissionMode string

	// Control is a client signal addressed to a running session.
	Control struct {
		Type      ControlType `json:"type"`
		SessionID string      `json:"session_id"`
		// Answer is the free-text answer for answer controls.
		Answer string `json:"answer,omitempty"`
		// QuestionID optionally names the question being answered.
		QuestionID string `json:"question_id,omitempty"`
		// Mode is the new permission mode for permission_mode_change.
		Mode PermissionMode `json:"mode,omitempty"`
	}

	// Options configure a run.
	Options struct {
		// Model overrides the default model.
		Model string `json:"model,omitempty" yaml:"model,omitempty"`
		// SystemPrompt is passed to the engine.
		SystemPrompt string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
		// MaxTurns bounds the engine loop; zero uses the engine default.
		MaxTurns int `json:"max_turns,omitempty" yaml:"max_turns,omitempty"`
		// PermissionMode is the initial permission mode.
		PermissionMode PermissionMode `json:"permission_mode,omitempty" yaml:"permission_mode,omitempty"`
		// IncludePartial requests partial events.
		IncludePartial bool `json:"include_partial,omitempty" yaml:"include_partial,omitempty"`
		// AllowedTools restricts engine tool use.
		AllowedTools []string `json:"allowed_tools,omitempty" yaml:"allowed_tools,omitempty"`
		// Mode tags the session.
		Mode string `json:"mode,omitempty" yaml:"mode,omitempty"`
		// ProjectID groups the session.
		ProjectID string `json:"project_id,omitempty" yaml:"project_id,omitempty"`
		// Tags label the session.
		Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`
		// ToolServers are auxiliary tool-server definitions forwarded to the
		// engine untouched.
		ToolServers map[string]json.RawMessage `json:"tool_servers,omitempty" yaml:"-"`
	}
)

const (
	EventInit     EventType = "init"
	EventMessage  EventType = "message"
	EventPartial  EventType = "partial"
	EventQuestion EventType = "question"
	EventResult   EventType = "result"
	EventError    EventType = "error"
	EventDone     EventType = "done"
)

const (
	StopEndTurn     StopReason = "end_turn"
	StopMaxTokens   StopReason = "max_tokens"
	StopMaxTurns    StopReason = "max_turns"
	StopToolUse     StopReason = "tool_use"
	StopInterrupted StopReason = "interrupted"
	StopTimeout     StopReason = "timeout"
	StopShutdown    StopReason = "shutdown"
	StopLeaseLost   StopReason = "lease_lost"
	StopError       StopReason = "error"
)

const (
	ControlInterrupt            ControlType = "interrupt"
	ControlAnswer               ControlType = "answer"
	ControlPermissionModeChange ControlType = "permission_mode_change"
)

const (
	PermissionDefault     PermissionMode = "default"
	PermissionAcceptEdits PermissionMode = "acceptEdits"
	PermissionPlan        PermissionMode = "plan"
	PermissionBypass      PermissionMode = "bypassPermissions"
)

// Terminal reports whether t ends a run's output (result or error).
func (t EventType) Terminal() bool {
	return t == EventResult || t == EventError
}

// Valid reports whether m is a known permission mode.
func (m PermissionMode) Valid() bool {
	switch m {
	case PermissionDefault, PermissionAcceptEdits, PermissionPlan, PermissionBypass:
		return true
	}
	return false
}

// Validate checks that c is well formed.
func (c Control) Validate() error {
	if strings.TrimSpace(c.SessionID) == "" {
		return apperr.Validation("session_id is required")
	}
	switch c.Type {
	case ControlInterrupt:
	case ControlAnswer:
		if strings.TrimSpace(c.Answer) == "" {
			return apperr.Validation("answer is required")
		}
	case ControlPermissionModeChange:
		if !c.Mode.Valid() {
			return apperr.Validation("invalid permission mode %q", c.Mode)
		}
	default:
		return apperr.Validation("unknown control type %q", c.Type)
	}
	return nil
}

// Validate checks that o is well formed.
func (o Options) Validate() error {
	if o.MaxTurns < 0 {
		return apperr.Validation("max_turns must not be negative")
	}
	if o.PermissionMode != "" && !o.PermissionMode.Valid() {
		return apperr.Validation("invalid permission mode %q", o.PermissionMode)
	}
	return nil
}
