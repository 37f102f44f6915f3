// Package protocol defines the wire messages exchanged on the bridge's two
// boundaries: the browser-facing JSON-RPC 2.0 WebSocket (§6.1) and the
// newline-delimited JSON-RPC 2.0 dialect spoken to agent subprocesses over
// their stdio pipes (§6.2, "AP").
package protocol

import (
	"encoding/json"
	"fmt"
)

// ID is a JSON-RPC request id. The agent protocol uses numbers; the browser
// protocol may use either. The exact original type must survive a round trip
// unchanged (design note: "mixed-type request IDs").
type ID struct {
	raw json.RawMessage
}

// NewStringID wraps a bridge-assigned string id. The bridge→agent
// correlation ids are integers (NewIntID).
func NewStringID(s string) ID {
	b, _ := json.Marshal(s)
	return ID{raw: b}
}

// NewIntID wraps a bridge-assigned integer id.
func NewIntID(n int64) ID {
	b, _ := json.Marshal(n)
	return ID{raw: b}
}

func (id ID) IsZero() bool { return len(id.raw) == 0 }

func (id ID) String() string {
	return string(id.raw)
}

// AsInt64 reports whether the id is a JSON number and returns it as int64.
func (id ID) AsInt64() (int64, bool) {
	var n int64
	if err := json.Unmarshal(id.raw, &n); err != nil {
		return 0, false
	}
	return n, true
}

func (id ID) MarshalJSON() ([]byte, error) {
	if len(id.raw) == 0 {
		return []byte("null"), nil
	}
	return id.raw, nil
}

func (id *ID) UnmarshalJSON(data []byte) error {
	id.raw = append(json.RawMessage(nil), data...)
	return nil
}

// Message is the generic shape of one JSON-RPC 2.0 frame, used to sniff
// whether an inbound frame is a request, a notification, or a reply.
type Message struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// IsRequest reports whether the message carries a method and an id.
func (m Message) IsRequest() bool { return m.Method != "" && m.ID != nil }

// IsNotification reports whether the message carries a method but no id.
func (m Message) IsNotification() bool { return m.Method != "" && m.ID == nil }

// IsReply reports whether the message is a reply to a request the bridge
// itself sent (no method, has an id, and a result or an error).
func (m Message) IsReply() bool {
	return m.Method == "" && m.ID != nil && (m.Result != nil || m.Error != nil)
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC 2.0 error codes (§4.6, §7).
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request builds a request frame.
func Request(id ID, method string, params any) Message {
	p, _ := json.Marshal(params)
	return Message{JSONRPC: "2.0", ID: &id, Method: method, Params: p}
}

// Notification builds a notification frame (no id).
func Notification(method string, params any) Message {
	p, _ := json.Marshal(params)
	return Message{JSONRPC: "2.0", Method: method, Params: p}
}

// Result builds a success reply frame.
func Result(id ID, result any) Message {
	r, _ := json.Marshal(result)
	return Message{JSONRPC: "2.0", ID: &id, Result: r}
}

// ErrorReply builds an error reply frame.
func ErrorReply(id ID, code int, message string) Message {
	return Message{JSONRPC: "2.0", ID: &id, Error: &RPCError{Code: code, Message: message}}
}

// --- Browser-facing (§6.1) request/result payloads ---

type SessionListParams struct {
	Archived *bool    `json:"archived,omitempty"`
	Status   []string `json:"status,omitempty"`
}

type SessionSummary struct {
	SessionID      string  `json:"sessionId"`
	AgentType      string  `json:"agentType"`
	Title          string  `json:"title"`
	Status         string  `json:"status"`
	ExitReason     *string `json:"exitReason,omitempty"`
	Archived       bool    `json:"archived"`
	AgentSessionID *string `json:"agentSessionId,omitempty"`
	CreatedAt      string  `json:"createdAt"`
	UpdatedAt      string  `json:"updatedAt"`
}

type SessionListResult struct {
	Sessions []SessionSummary `json:"sessions"`
}

type SessionNewParams struct {
	AgentType string `json:"agentType,omitempty"`
	Cwd       string `json:"cwd,omitempty"`
	Title     string `json:"title,omitempty"`
}

type SessionNewResult struct {
	SessionID string `json:"sessionId"`
}

type SessionGetParams struct {
	SessionID string `json:"sessionId"`
	Since     *int64 `json:"since,omitempty"`
}

// EventView is an event as returned to a browser client.
type EventView struct {
	Seq        int64           `json:"seq"`
	UpdateType string          `json:"updateType"`
	Payload    json.RawMessage `json:"payload"`
}

// PendingView is a pending permission as returned to a browser client.
type PendingView struct {
	RequestID json.RawMessage `json:"requestId"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
}

type SessionGetResult struct {
	Session         SessionSummary `json:"session"`
	Updates         []EventView    `json:"updates"`
	PendingRequests []PendingView  `json:"pendingRequests"`
}

// ContentBlock is an opaque prompt content block; the bridge never
// interprets it (design note: dynamic union of update types).
type ContentBlock = json.RawMessage

type SessionPromptParams struct {
	SessionID string          `json:"sessionId"`
	Prompt    []ContentBlock  `json:"prompt"`
}

type SessionRespondParams struct {
	SessionID string          `json:"sessionId"`
	RequestID json.RawMessage `json:"requestId"`
	Response  json.RawMessage `json:"response"`
}

type SessionCancelParams struct {
	SessionID string `json:"sessionId"`
}

type SessionArchiveParams struct {
	SessionID string `json:"sessionId"`
}

type SuccessResult struct {
	Success bool `json:"success"`
}

// --- Browser-facing notifications ---

type SessionUpdatedNotif struct {
	SessionID string      `json:"sessionId"`
	Updates   []EventView `json:"updates"`
}

type SessionStatusChangedNotif struct {
	SessionID  string  `json:"sessionId"`
	Status     string  `json:"status"`
	ExitReason *string `json:"exitReason,omitempty"`
}

type SessionRequestNotif struct {
	SessionID string          `json:"sessionId"`
	RequestID json.RawMessage `json:"requestId"`
	Request   json.RawMessage `json:"request"`
}

// --- Agent-facing (AP, §6.2) payloads ---

type APInitializeParams struct {
	ProtocolVersion int            `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
}

type APSessionNewParams struct {
	Cwd        string   `json:"cwd"`
	MCPServers []any    `json:"mcpServers"`
}

type APSessionNewResult struct {
	SessionID string `json:"sessionId"`
}

type APSessionPromptParams struct {
	SessionID string          `json:"sessionId"`
	Prompt    []ContentBlock  `json:"prompt"`
}

type APSessionCancelParams struct {
	SessionID string `json:"sessionId"`
}

// APSessionUpdateNotif is the notification payload sent by the agent for
// incremental output. The discriminator lives in Update.sessionUpdate and is
// never interpreted by the core — only forwarded and stored verbatim.
type APSessionUpdateNotif struct {
	SessionID string          `json:"sessionId"`
	Update    json.RawMessage `json:"update"`
}

// sessionUpdateTag is used only to read the discriminator field out of an
// otherwise-opaque update payload, for use as the stored event's type tag.
type sessionUpdateTag struct {
	SessionUpdate string `json:"sessionUpdate"`
}

// UpdateDiscriminator extracts the "sessionUpdate" tag from a raw update
// payload. Returns "" if absent or malformed — the caller falls back to a
// generic tag rather than failing the whole notification.
func UpdateDiscriminator(update json.RawMessage) string {
	var tag sessionUpdateTag
	if err := json.Unmarshal(update, &tag); err != nil {
		return ""
	}
	return tag.SessionUpdate
}

// APRequestPermissionParams is the params of the agent's
// session/request_permission request.
type APRequestPermissionParams struct {
	SessionID string          `json:"sessionId"`
	ToolCall  json.RawMessage `json:"toolCall"`
	Options   []PermissionOption `json:"options"`
}

type PermissionOption struct {
	OptionID string `json:"optionId"`
	Kind     string `json:"kind"`
}

type PermissionOutcome struct {
	Outcome  string `json:"outcome"` // "selected" | "cancelled"
	OptionID string `json:"optionId,omitempty"`
}

type PermissionResponse struct {
	Outcome PermissionOutcome `json:"outcome"`
}
