package wire

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind classifies a parsed frame.
type Kind string

const (
	// KindResponse is an answer to an outbound Call (id, no method).
	KindResponse Kind = "response"
	// KindNotification is a fire-and-forget message (no id).
	KindNotification Kind = "notification"
	// KindInboundRequest is a request from the agent expecting a reply
	// (id and method both present).
	KindInboundRequest Kind = "inbound_request"
)

// RPCError is the error object carried in a Response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface so a wire-level failure can be
// returned directly from Call.
func (e *RPCError) Error() string {
	return fmt.Sprintf("agent error %d: %s", e.Code, e.Message)
}

// Message is a decoded frame. Kind determines which fields are meaningful:
// Responses carry ID and Result/Err, Notifications carry Method and Params,
// InboundRequests carry all of ID, Method and Params.
type Message struct {
	Kind   Kind
	ID     *int64
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Err    *RPCError
}

// ParseError reports a line that was not valid JSON.
type ParseError struct {
	Line string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed frame: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// UnknownKindError reports a syntactically valid object that matches none
// of the three frame shapes (no id and no method).
type UnknownKindError struct {
	Line string
}

func (e *UnknownKindError) Error() string {
	return "frame matches no known message kind"
}

// envelope is the superset of all frame shapes used during decoding.
type envelope struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// Parse decodes one line into a Message. It is pure and side-effect-free.
//
// Classification rule: method together with id means InboundRequest; id
// without method means Response; no id but a method means Notification.
// An id of 0 is a valid id; only a missing (or null) id key means "no id".
func Parse(line string) (*Message, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || !strings.HasPrefix(trimmed, "{") {
		return nil, &ParseError{Line: line, Err: fmt.Errorf("not a JSON object")}
	}

	var env envelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		return nil, &ParseError{Line: line, Err: err}
	}

	switch {
	case env.Method != "" && env.ID != nil:
		return &Message{
			Kind:   KindInboundRequest,
			ID:     env.ID,
			Method: env.Method,
			Params: env.Params,
		}, nil
	case env.ID != nil:
		return &Message{
			Kind:   KindResponse,
			ID:     env.ID,
			Result: env.Result,
			Err:    env.Error,
		}, nil
	case env.Method != "":
		return &Message{
			Kind:   KindNotification,
			Method: env.Method,
			Params: env.Params,
		}, nil
	default:
		return nil, &UnknownKindError{Line: line}
	}
}

// Call is an outbound request expecting exactly one correlated Response.
type Call struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// Reply answers an InboundRequest. Exactly one of Result or Error should
// be set.
type Reply struct {
	ID     int64     `json:"id"`
	Result any       `json:"result,omitempty"`
	Error  *RPCError `json:"error,omitempty"`
}

// Note is an outbound notification (no reply expected).
type Note struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// Serialize encodes an outbound frame (Call, Reply or Note) as a single
// newline-terminated line.
func Serialize(frame any) ([]byte, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize frame: %w", err)
	}
	return append(data, '\n'), nil
}

// sessionIDPayload extracts the embedded session identifier during routing.
// Both camelCase and snake_case spellings appear in the wild.
type sessionIDPayload struct {
	SessionID      string `json:"sessionId"`
	SessionIDSnake string `json:"session_id"`
}

// SessionID returns the session identifier embedded in a params payload,
// or "" if none is present. Routing is keyed on this value.
func SessionID(params json.RawMessage) string {
	if len(params) == 0 {
		return ""
	}
	var p sessionIDPayload
	if err := json.Unmarshal(params, &p); err != nil {
		return ""
	}
	if p.SessionID != "" {
		return p.SessionID
	}
	return p.SessionIDSnake
}
