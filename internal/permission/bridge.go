// Package permission correlates agent-initiated permission requests with
// client decisions, both in-process and via the HTTP long-poll hook endpoint.
package permission

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chroxy-sh/chroxy/internal/eventbus"
	"github.com/chroxy-sh/chroxy/pkg/protocol"
)

// Request origins.
const (
	OriginSDK  = "sdk"
	OriginHook = "http_hook"
)

// DefaultTimeout is how long a request stays pending before it resolves to
// its origin's safe default.
const DefaultTimeout = 5 * time.Minute

type outcome struct {
	decision  string
	decidedBy string
}

type pendingRequest struct {
	sessionID string
	origin    string
	done      chan outcome // buffered 1, receives exactly one outcome
	timer     *time.Timer
}

// Bridge owns all pending permission requests. Each request resolves exactly
// once: first client decision, timeout, session destroy, or shutdown.
type Bridge struct {
	bus     *eventbus.Bus
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingRequest
	closed  bool
}

// NewBridge creates a bridge publishing request events on bus.
func NewBridge(bus *eventbus.Bus, timeout time.Duration, logger *slog.Logger) *Bridge {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		bus:     bus,
		logger:  logger.With("component", "permission"),
		timeout: timeout,
		pending: make(map[string]*pendingRequest),
	}
}

// Request asks the clients viewing sessionID to decide on a tool invocation
// and blocks until the first decision, the timeout, or ctx cancellation.
// Returns "allow" or "deny"; the timeout and cancellation defaults are "deny".
func (b *Bridge) Request(ctx context.Context, sessionID, tool string, input json.RawMessage) string {
	id, done, ok := b.open(sessionID, tool, input, OriginSDK)
	if !ok {
		return protocol.DecisionDeny
	}

	select {
	case out := <-done:
		if out.decision == protocol.DecisionAllow || out.decision == protocol.DecisionAllowAlways {
			// allow_always is coerced to allow; remembered decisions are not
			// implemented.
			return protocol.DecisionAllow
		}
		return protocol.DecisionDeny
	case <-ctx.Done():
		b.resolveInternal(id, protocol.DecisionDeny, "", protocol.TypePermissionCancelled)
		return protocol.DecisionDeny
	}
}

// open registers a pending request and broadcasts permission_request.
// Returns ok=false when the bridge is already shut down.
func (b *Bridge) open(sessionID, tool string, input json.RawMessage, origin string) (string, chan outcome, bool) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", nil, false
	}
	id := uuid.NewString()
	p := &pendingRequest{
		sessionID: sessionID,
		origin:    origin,
		done:      make(chan outcome, 1),
	}
	p.timer = time.AfterFunc(b.timeout, func() { b.expire(id) })
	b.pending[id] = p
	b.mu.Unlock()

	b.logger.Info("permission requested", "request_id", id, "session_id", sessionID, "tool", tool, "origin", origin)
	b.bus.PublishType(eventbus.PermissionEvent, sessionID, protocol.PermissionRequestMsg{
		Type:      protocol.TypePermissionRequest,
		SessionID: sessionID,
		RequestID: id,
		Tool:      tool,
		Input:     input,
	})
	return id, p.done, true
}

// Resolve applies a client decision. The first valid decision wins; invalid
// decisions leave the request pending and later decisions for the same id are
// discarded. Returns whether the decision was applied.
func (b *Bridge) Resolve(requestID, decision, decidedBy string) bool {
	if !protocol.ValidDecision(decision) {
		return false
	}
	return b.resolveInternal(requestID, decision, decidedBy, protocol.TypePermissionResolved)
}

// resolveInternal completes a pending request and broadcasts the given notice
// type. Idempotent: only the first call for an id does anything.
func (b *Bridge) resolveInternal(requestID, decision, decidedBy, noticeType string) bool {
	b.mu.Lock()
	p, ok := b.pending[requestID]
	if ok {
		delete(b.pending, requestID)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	p.timer.Stop()
	p.done <- outcome{decision: decision, decidedBy: decidedBy}

	switch noticeType {
	case protocol.TypePermissionResolved:
		b.bus.PublishType(eventbus.PermissionEvent, p.sessionID, protocol.PermissionResolved{
			Type:      protocol.TypePermissionResolved,
			SessionID: p.sessionID,
			RequestID: requestID,
			Decision:  decision,
			DecidedBy: decidedBy,
		})
	default:
		b.bus.PublishType(eventbus.PermissionEvent, p.sessionID, protocol.PermissionNotice{
			Type:      noticeType,
			SessionID: p.sessionID,
			RequestID: requestID,
		})
	}
	b.logger.Info("permission resolved", "request_id", requestID, "decision", decision, "by", decidedBy)
	return true
}

// expire times out a pending request: deny for in-process callers, ask for
// the hook path so the calling script falls through to its local prompt.
func (b *Bridge) expire(requestID string) {
	b.mu.Lock()
	p, ok := b.pending[requestID]
	b.mu.Unlock()
	if !ok {
		return
	}
	fallback := protocol.DecisionDeny
	if p.origin == OriginHook {
		fallback = protocol.DecisionAsk
	}
	b.resolveInternal(requestID, fallback, "", protocol.TypePermissionTimeout)
}

// CancelSession denies every pending request of a destroyed session and
// notifies clients with permission_cancelled.
func (b *Bridge) CancelSession(sessionID string) {
	b.mu.Lock()
	var ids []string
	for id, p := range b.pending {
		if p.sessionID == sessionID {
			ids = append(ids, id)
		}
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.resolveInternal(id, protocol.DecisionDeny, "", protocol.TypePermissionCancelled)
	}
}

// PendingCount returns the number of unresolved requests.
func (b *Bridge) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Shutdown resolves every outstanding request with "ask" and refuses new
// ones.
func (b *Bridge) Shutdown() {
	b.mu.Lock()
	b.closed = true
	ids := make([]string, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.resolveInternal(id, protocol.DecisionAsk, "", protocol.TypePermissionCancelled)
	}
}
