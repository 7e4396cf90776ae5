package wire

import (
	"encoding/json"
	"fmt"
)

// Method names used on the agent wire.
const (
	MethodSessionNew        = "session/new"
	MethodSessionPrompt     = "session/prompt"
	MethodSessionUpdate     = "session/update"
	MethodSessionCancel     = "session/cancel"
	MethodRequestPermission = "session/request_permission"
)

// Session update kinds carried in session/update notifications.
const (
	UpdateAgentMessageChunk = "agent_message_chunk"
	UpdateToolCall          = "tool_call"
	UpdateToolCallUpdate    = "tool_call_update"
)

// NewSessionParams are the params of a session/new call.
type NewSessionParams struct {
	Cwd string `json:"cwd"`
}

// NewSessionResult is the result of a session/new call. The agent assigns
// the session its wire-level identifier here.
type NewSessionResult struct {
	SessionID string `json:"sessionId"`
}

// ContentBlock is one piece of prompt or streamed content.
type ContentBlock struct {
	Type string `json:"type"` // "text"
	Text string `json:"text,omitempty"`
}

// PromptParams are the params of a session/prompt call.
type PromptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// PromptResult is the result of a session/prompt call. The agent may keep
// streaming session/update notifications after this arrives, which is why
// finalization is debounce-driven rather than tied to this result.
type PromptResult struct {
	StopReason string `json:"stopReason,omitempty"`
}

// CancelParams are the params of a session/cancel notification.
type CancelParams struct {
	SessionID string `json:"sessionId"`
}

// SessionUpdate is the payload of a session/update notification.
type SessionUpdate struct {
	SessionID string       `json:"sessionId"`
	Update    UpdateDetail `json:"update"`
}

// UpdateDetail is the kind-tagged body of a SessionUpdate.
type UpdateDetail struct {
	Kind    string        `json:"sessionUpdate"`
	Content *ContentBlock `json:"content,omitempty"`
}

// PermissionOption is one choice offered by a permission request.
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind"` // "allow_once", "allow_always", "reject_once", ...
}

// ToolCallRef describes the tool invocation a permission request is about.
type ToolCallRef struct {
	ToolCallID string         `json:"toolCallId"`
	Title      string         `json:"title,omitempty"`
	Kind       string         `json:"kind,omitempty"` // tool category tag, e.g. "read", "edit", "execute", "fetch"
	RawInput   map[string]any `json:"rawInput,omitempty"`
}

// PermissionRequestParams are the params of a session/request_permission
// inbound request.
type PermissionRequestParams struct {
	SessionID string             `json:"sessionId"`
	ToolCall  ToolCallRef        `json:"toolCall"`
	Options   []PermissionOption `json:"options"`
}

// PermissionOutcome is the body of the reply to a permission request.
type PermissionOutcome struct {
	Outcome  string `json:"outcome"` // "selected" or "cancelled"
	OptionID string `json:"optionId,omitempty"`
}

// PermissionResult wraps the outcome in the shape the agent expects.
type PermissionResult struct {
	Outcome PermissionOutcome `json:"outcome"`
}

// DecodeParams unmarshals a params payload into the given protocol struct.
// It exists so callers get one consistent error shape for bad payloads.
func DecodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return &ParseError{Err: fmt.Errorf("empty params")}
	}
	if err := json.Unmarshal(params, v); err != nil {
		return &ParseError{Line: string(params), Err: err}
	}
	return nil
}
