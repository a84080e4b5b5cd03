// Package agent wraps one coding-agent child process per session and exposes
// a uniform event stream and write API regardless of backend implementation.
package agent

import (
	"context"
	"encoding/json"
	"errors"
)

// Event kinds emitted by a backend, in order of typical occurrence.
const (
	EventReady             = "ready"
	EventStreamStart       = "stream_start"
	EventStreamDelta       = "stream_delta"
	EventToolStart         = "tool_start"
	EventStreamEnd         = "stream_end"
	EventResult            = "result"
	EventUserQuestion      = "user_question"
	EventPermissionRequest = "permission_request"
	EventError             = "error"
	EventExit              = "exit"
)

// Error kinds carried by EventError.
const (
	ErrKindCrashed  = "crashed"
	ErrKindProtocol = "protocol"
	ErrKindStderr   = "stderr"
)

// Event is one entry of a backend's event stream. Kind determines which
// fields are set.
type Event struct {
	Kind string

	// ready
	Model string

	// stream_start / stream_delta / stream_end / tool_start
	MessageID string
	Delta     string
	Tool      string
	Input     json.RawMessage

	// result
	CostUSD    float64
	DurationMS int64
	Usage      json.RawMessage

	// user_question
	ToolUseID string
	Questions json.RawMessage

	// permission_request (Tool and Input are also set)
	RequestID string

	// error
	ErrKind     string
	ErrMessage  string
	Recoverable bool

	// exit
	ExitCode int
}

// Sentinel errors returned by backend operations.
var (
	ErrNotReady           = errors.New("agent backend not ready")
	ErrDestroyed          = errors.New("agent backend destroyed")
	ErrUnknownModel       = errors.New("unknown model id")
	ErrInvalidMode        = errors.New("invalid permission mode")
	ErrModelChangeTimeout = errors.New("model change timed out")
)

// Backend is the interface every agent implementation must satisfy.
type Backend interface {
	// Start spawns the backend. The ready event is emitted asynchronously
	// once initialisation completes.
	Start(ctx context.Context) error

	// Send delivers a user turn. Fails with ErrNotReady before the backend
	// has signalled ready.
	Send(ctx context.Context, text string) error

	// Interrupt cancels the current turn. No-op when idle.
	Interrupt() error

	// SetModel switches models, restarting the process if needed. Blocks up
	// to 10s; fails with ErrModelChangeTimeout after that, ErrUnknownModel
	// for ids outside the allow-list.
	SetModel(ctx context.Context, id string) error

	// SetPermissionMode switches modes. Mode "auto" suppresses permission
	// prompts entirely; callers handle the confirmation handshake first.
	SetPermissionMode(mode string) error

	// Model returns the active model id.
	Model() string

	// PermissionMode returns the active permission mode.
	PermissionMode() string

	// AnswerQuestion responds to a pending user_question.
	AnswerQuestion(toolUseID, answer string) error

	// RespondPermission answers a pending permission_request with "allow"
	// or "deny".
	RespondPermission(requestID, decision string) error

	// Events returns the backend's event stream. Closed after the exit
	// event when the backend is destroyed.
	Events() <-chan Event

	// Destroy terminates the child (SIGTERM, 5s grace, SIGKILL) and
	// releases all listeners. Idempotent.
	Destroy() error
}
