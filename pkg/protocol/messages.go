// Package protocol defines the wire protocol exchanged between the Chroxy
// gateway and its clients over WebSocket.
//
// All messages are flat JSON objects with a required "type" field that
// determines the remaining structure. Client→server messages are validated
// strictly: unknown types and type-confused fields are dropped by the
// dispatcher.
package protocol

import (
	"encoding/json"
	"time"
)

// --- Message type constants (client → server) ---

const (
	TypeAuth                 = "auth"
	TypeInput                = "input"
	TypeInterrupt            = "interrupt"
	TypeSetModel             = "set_model"
	TypeSetPermissionMode    = "set_permission_mode"
	TypePermissionResponse   = "permission_response"
	TypeUserQuestionResponse = "user_question_response"
	TypeListSessions         = "list_sessions"
	TypeCreateSession        = "create_session"
	TypeSwitchSession        = "switch_session"
	TypeDestroySession       = "destroy_session"
	TypeRenameSession        = "rename_session"
	TypeListDirectory        = "list_directory"
)

// --- Message type constants (server → client) ---

const (
	TypeAuthOK                   = "auth_ok"
	TypeAuthFail                 = "auth_fail"
	TypeServerMode               = "server_mode"
	TypeStatus                   = "status"
	TypeSessionList              = "session_list"
	TypeSessionSwitched          = "session_switched"
	TypeSessionCreated           = "session_created"
	TypeSessionUpdated           = "session_updated"
	TypeSessionDestroyed         = "session_destroyed"
	TypeSessionError             = "session_error"
	TypeAvailableModels          = "available_models"
	TypeAvailablePermissionModes = "available_permission_modes"
	TypeModelChanged             = "model_changed"
	TypePermissionModeChanged    = "permission_mode_changed"
	TypeConfirmPermissionMode    = "confirm_permission_mode"
	TypeStreamStart              = "stream_start"
	TypeStreamDelta              = "stream_delta"
	TypeStreamEnd                = "stream_end"
	TypeToolStart                = "tool_start"
	TypeResult                   = "result"
	TypeMessage                  = "message"
	TypePermissionRequest        = "permission_request"
	TypePermissionResolved       = "permission_resolved"
	TypePermissionTimeout        = "permission_timeout"
	TypePermissionCancelled      = "permission_cancelled"
	TypeUserQuestion             = "user_question"
	TypeDirectoryListing         = "directory_listing"
	TypeClientJoined             = "client_joined"
	TypeClientLeft               = "client_left"
	TypePrimaryChanged           = "primary_changed"
	TypeHistoryReplayStart       = "history_replay_start"
	TypeHistoryReplayEnd         = "history_replay_end"
	TypeError                    = "error"
)

// Head is the minimal structure every incoming message must satisfy.
type Head struct {
	Type string `json:"type"`
}

// --- Client → server payloads ---

// DeviceInfo describes the connecting device. All fields optional.
type DeviceInfo struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name,omitempty"`
	Platform string `json:"platform,omitempty"`
}

// Auth is the only message accepted before authentication.
type Auth struct {
	Token      string      `json:"token"`
	DeviceInfo *DeviceInfo `json:"deviceInfo,omitempty"`
}

// Input carries a user turn for the client's viewing session.
type Input struct {
	Data string `json:"data"`
}

// SetModel requests a model change on the viewing session.
type SetModel struct {
	Model string `json:"model"`
}

// SetPermissionMode requests a permission-mode change. Switching to "auto"
// requires Confirmed=true; the first attempt is answered with
// confirm_permission_mode instead of being applied.
type SetPermissionMode struct {
	Mode      string `json:"mode"`
	Confirmed bool   `json:"confirmed,omitempty"`
}

// PermissionResponse carries a client's decision for a pending request.
type PermissionResponse struct {
	RequestID string `json:"requestId"`
	Decision  string `json:"decision"`
}

// UserQuestionResponse answers an agent-issued question.
type UserQuestionResponse struct {
	ToolUseID string `json:"toolUseId,omitempty"`
	Answer    string `json:"answer"`
}

// CreateSession requests a new session.
type CreateSession struct {
	Name string `json:"name,omitempty"`
	Cwd  string `json:"cwd,omitempty"`
}

// SwitchSession changes the client's viewing session.
type SwitchSession struct {
	SessionID string `json:"sessionId"`
}

// DestroySession destroys a session by id.
type DestroySession struct {
	SessionID string `json:"sessionId"`
}

// RenameSession renames a session.
type RenameSession struct {
	SessionID string `json:"sessionId"`
	Name      string `json:"name"`
}

// ListDirectory requests a directory listing. A leading "~" is expanded.
type ListDirectory struct {
	Path string `json:"path"`
}

// --- Server → client payloads ---

// ConnectedClient describes an authenticated client to its peers.
type ConnectedClient struct {
	ClientID    string      `json:"clientId"`
	Device      *DeviceInfo `json:"device,omitempty"`
	ConnectedAt time.Time   `json:"connectedAt"`
}

// AuthOK acknowledges successful authentication.
type AuthOK struct {
	Type             string            `json:"type"`
	ClientID         string            `json:"clientId"`
	ServerMode       string            `json:"serverMode"`
	ServerVersion    string            `json:"serverVersion"`
	ConnectedClients []ConnectedClient `json:"connectedClients"`
}

// AuthFail rejects authentication; the connection is closed after sending.
type AuthFail struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// ServerMode reports the operating mode ("cli").
type ServerMode struct {
	Type string `json:"type"`
	Mode string `json:"mode"`
}

// Status reports coarse server state.
type Status struct {
	Type     string `json:"type"`
	Sessions int    `json:"sessions"`
	Busy     bool   `json:"busy"`
}

// SessionSummary describes one session in listings.
type SessionSummary struct {
	SessionID      string    `json:"sessionId"`
	Name           string    `json:"name"`
	Cwd            string    `json:"cwd"`
	Model          string    `json:"model"`
	PermissionMode string    `json:"permissionMode"`
	Busy           bool      `json:"busy"`
	CreatedAt      time.Time `json:"createdAt"`
}

// SessionList enumerates all sessions.
type SessionList struct {
	Type     string           `json:"type"`
	Sessions []SessionSummary `json:"sessions"`
}

// SessionSwitched confirms the client's viewing session.
type SessionSwitched struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// SessionEvent reports session lifecycle changes (created/updated/destroyed).
type SessionEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Name      string `json:"name,omitempty"`
}

// SessionError reports a session-scoped failure; the connection stays open.
type SessionError struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message,omitempty"`
}

// ModelOption is one entry of the model allow-list.
type ModelOption struct {
	ID    string `json:"id"`
	Short string `json:"short"`
}

// AvailableModels enumerates the model allow-list.
type AvailableModels struct {
	Type   string        `json:"type"`
	Models []ModelOption `json:"models"`
}

// AvailablePermissionModes enumerates valid permission modes.
type AvailablePermissionModes struct {
	Type  string   `json:"type"`
	Modes []string `json:"modes"`
}

// ModelChanged broadcasts an accepted model change.
type ModelChanged struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Model     string `json:"model"`
}

// PermissionModeChanged broadcasts an applied permission-mode change.
type PermissionModeChanged struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Mode      string `json:"mode"`
}

// ConfirmPermissionMode asks the client to confirm a risky mode change.
type ConfirmPermissionMode struct {
	Type    string `json:"type"`
	Mode    string `json:"mode"`
	Warning string `json:"warning"`
}

// StreamStart signals the beginning of a streamed response.
type StreamStart struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
}

// StreamDelta carries a (possibly coalesced) chunk of response text.
type StreamDelta struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
	Delta     string `json:"delta"`
}

// StreamEnd signals that response text is complete.
type StreamEnd struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
}

// ToolStart reports a tool invocation within a response.
type ToolStart struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	MessageID string          `json:"messageId,omitempty"`
	Tool      string          `json:"tool"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// Result reports turn completion metrics.
type Result struct {
	Type       string  `json:"type"`
	SessionID  string  `json:"sessionId"`
	CostUSD    float64 `json:"cost"`
	DurationMS int64   `json:"duration"`
	Usage      any     `json:"usage,omitempty"`
}

// Message is a replayed or structured conversation entry.
type Message struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Kind      string          `json:"kind"` // user_input, assistant_response, tool_start, user_question, result
	Content   string          `json:"content,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	CostUSD   float64         `json:"cost,omitempty"`
	Duration  int64           `json:"duration,omitempty"`
	Timestamp time.Time       `json:"ts"`
}

// PermissionRequestMsg asks clients to decide on a tool invocation.
type PermissionRequestMsg struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	RequestID string          `json:"requestId"`
	Tool      string          `json:"tool"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// PermissionResolved tells clients that a request has been decided.
type PermissionResolved struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	RequestID string `json:"requestId"`
	Decision  string `json:"decision"`
	DecidedBy string `json:"decidedBy,omitempty"`
}

// PermissionNotice reports a timeout or cancellation of a pending request.
type PermissionNotice struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	RequestID string `json:"requestId"`
}

// UserQuestion relays an agent question to clients.
type UserQuestion struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	ToolUseID string          `json:"toolUseId"`
	Questions json.RawMessage `json:"questions"`
}

// DirEntry is one entry of a directory listing.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
}

// DirectoryListing answers list_directory. Errors surface in Error; the
// connection is never closed for a listing failure.
type DirectoryListing struct {
	Type    string     `json:"type"`
	Path    string     `json:"path"`
	Entries []DirEntry `json:"entries"`
	Error   string     `json:"error,omitempty"`
}

// ClientJoined announces a newly authenticated peer.
type ClientJoined struct {
	Type   string          `json:"type"`
	Client ConnectedClient `json:"client"`
}

// ClientLeft announces a disconnected peer.
type ClientLeft struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
}

// PrimaryChanged announces the new primary client for a session.
type PrimaryChanged struct {
	Type      string `json:"type"`
	ClientID  string `json:"clientId"`
	SessionID string `json:"sessionId"`
}

// HistoryReplayMarker brackets a history replay.
type HistoryReplayMarker struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// ErrorMsg is a generic structured error.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}
