// Package session owns the set of agent-backed sessions, routes their events
// onto the bus, and records replay history.
package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chroxy-sh/chroxy/internal/agent"
	"github.com/chroxy-sh/chroxy/internal/eventbus"
	"github.com/chroxy-sh/chroxy/pkg/protocol"
)

// maxBackendRestarts bounds automatic respawns after recoverable crashes.
// The counter resets when the backend signals ready again.
const maxBackendRestarts = 3

// Session is one agent-backed conversation.
type Session struct {
	ID        string
	CreatedAt time.Time

	backend    agent.Backend
	bus        *eventbus.Bus
	history    *History
	logger     *slog.Logger
	permission PermissionFunc

	mu        sync.Mutex
	name      string
	cwd       string
	busy      bool
	primary   string // advisory: client that last sent input
	destroyed bool
	pending   map[string]*strings.Builder // messageID → accumulated response text
	restarts  int

	done chan struct{} // closed when the event loop exits
}

func newSession(id, name, cwd string, backend agent.Backend, perm PermissionFunc, historySize int, bus *eventbus.Bus, logger *slog.Logger) *Session {
	s := &Session{
		ID:         id,
		CreatedAt:  time.Now(),
		backend:    backend,
		bus:        bus,
		history:    NewHistory(historySize),
		logger:     logger.With("component", "session", "session_id", id),
		permission: perm,
		name:       name,
		cwd:        cwd,
		pending:    make(map[string]*strings.Builder),
		done:       make(chan struct{}),
	}
	go s.run()
	return s
}

// run translates backend events into wire messages and history entries.
// It exits when the backend's event channel closes.
func (s *Session) run() {
	defer close(s.done)
	for e := range s.backend.Events() {
		s.handleEvent(e)
	}
}

func (s *Session) handleEvent(e agent.Event) {
	switch e.Kind {
	case agent.EventReady:
		s.mu.Lock()
		s.restarts = 0
		s.mu.Unlock()
		s.publish(eventbus.SessionUpdated, protocol.SessionEvent{
			Type:      protocol.TypeSessionUpdated,
			SessionID: s.ID,
			Name:      s.Name(),
		})

	case agent.EventStreamStart:
		s.mu.Lock()
		s.busy = true
		s.pending[e.MessageID] = &strings.Builder{}
		s.mu.Unlock()
		s.publish(eventbus.AgentEvent, protocol.StreamStart{
			Type:      protocol.TypeStreamStart,
			SessionID: s.ID,
			MessageID: e.MessageID,
		})

	case agent.EventStreamDelta:
		s.mu.Lock()
		if b, ok := s.pending[e.MessageID]; ok {
			b.WriteString(e.Delta)
		}
		// Late deltas (no pending entry) are forwarded but not recorded.
		s.mu.Unlock()
		s.publish(eventbus.AgentEvent, protocol.StreamDelta{
			Type:      protocol.TypeStreamDelta,
			SessionID: s.ID,
			MessageID: e.MessageID,
			Delta:     e.Delta,
		})

	case agent.EventToolStart:
		s.history.Append(Entry{Kind: EntryToolStart, MessageID: e.MessageID, Tool: e.Tool, Input: e.Input})
		s.publish(eventbus.AgentEvent, protocol.ToolStart{
			Type:      protocol.TypeToolStart,
			SessionID: s.ID,
			MessageID: e.MessageID,
			Tool:      e.Tool,
			Input:     e.Input,
		})

	case agent.EventStreamEnd:
		s.mu.Lock()
		var text string
		if b, ok := s.pending[e.MessageID]; ok {
			text = b.String()
			delete(s.pending, e.MessageID)
		}
		s.mu.Unlock()
		if text != "" {
			s.history.Append(Entry{Kind: EntryAssistantResponse, MessageID: e.MessageID, Content: text})
		}
		s.publish(eventbus.AgentEvent, protocol.StreamEnd{
			Type:      protocol.TypeStreamEnd,
			SessionID: s.ID,
			MessageID: e.MessageID,
		})

	case agent.EventResult:
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
		s.history.Append(Entry{Kind: EntryResult, CostUSD: e.CostUSD, DurationMS: e.DurationMS})
		s.publish(eventbus.AgentEvent, protocol.Result{
			Type:       protocol.TypeResult,
			SessionID:  s.ID,
			CostUSD:    e.CostUSD,
			DurationMS: e.DurationMS,
			Usage:      e.Usage,
		})

	case agent.EventUserQuestion:
		s.history.Append(Entry{Kind: EntryUserQuestion, Input: e.Questions})
		s.publish(eventbus.AgentEvent, protocol.UserQuestion{
			Type:      protocol.TypeUserQuestion,
			SessionID: s.ID,
			ToolUseID: e.ToolUseID,
			Questions: e.Questions,
		})

	case agent.EventPermissionRequest:
		// The decision can take minutes; never block the event loop on it.
		go s.answerPermission(e)

	case agent.EventError:
		s.logger.Warn("agent error", "kind", e.ErrKind, "recoverable", e.Recoverable, "message", e.ErrMessage)
		s.publish(eventbus.SessionError, protocol.SessionError{
			Type:      protocol.TypeSessionError,
			SessionID: s.ID,
			Code:      e.ErrKind,
			Message:   e.ErrMessage,
		})

	case agent.EventExit:
		s.handleExit(e)
	}
}

// handleExit restarts the backend after a recoverable crash, bounded by
// maxBackendRestarts. Deliberate destroys never reach here: the event channel
// closes without an exit event.
func (s *Session) handleExit(e agent.Event) {
	s.mu.Lock()
	s.busy = false
	for id := range s.pending {
		delete(s.pending, id)
	}
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.restarts++
	attempts := s.restarts
	s.mu.Unlock()

	if attempts > maxBackendRestarts {
		s.logger.Error("agent exited too many times, giving up", "code", e.ExitCode, "attempts", attempts)
		s.publish(eventbus.SessionError, protocol.SessionError{
			Type:      protocol.TypeSessionError,
			SessionID: s.ID,
			Code:      "crashed",
			Message:   "agent restart limit reached",
		})
		return
	}

	s.logger.Info("restarting agent after exit", "code", e.ExitCode, "attempt", attempts)
	if err := s.backend.Start(context.Background()); err != nil {
		s.logger.Error("agent restart failed", "error", err)
		s.publish(eventbus.SessionError, protocol.SessionError{
			Type:      protocol.TypeSessionError,
			SessionID: s.ID,
			Code:      "crashed",
			Message:   "agent restart failed",
		})
	}
}

// answerPermission routes a backend can_use_tool request through the decision
// callback and writes the outcome back. Without a callback the request is
// denied outright.
func (s *Session) answerPermission(e agent.Event) {
	decision := protocol.DecisionDeny
	if s.permission != nil {
		decision = s.permission(context.Background(), s.ID, e.Tool, e.Input)
	}
	if err := s.backend.RespondPermission(e.RequestID, decision); err != nil {
		s.logger.Warn("permission response not delivered", "request_id", e.RequestID, "error", err)
	}
}

func (s *Session) publish(eventType string, payload any) {
	s.bus.PublishType(eventType, s.ID, payload)
}

// Send delivers a user turn, records it in history, and updates the primary
// marker. Returns primaryChanged=true when clientID differs from the previous
// primary. The marker only moves once the backend has accepted the turn, so a
// rejected send never changes who holds it.
func (s *Session) Send(ctx context.Context, clientID, text string) (primaryChanged bool, err error) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return false, agent.ErrDestroyed
	}
	s.mu.Unlock()

	if err := s.backend.Send(ctx, text); err != nil {
		return false, err
	}

	s.mu.Lock()
	primaryChanged = s.primary != clientID
	s.primary = clientID
	s.mu.Unlock()

	s.history.Append(Entry{Kind: EntryUserInput, Content: text})
	return primaryChanged, nil
}

// Interrupt cancels the current turn. No-op when idle.
func (s *Session) Interrupt() error {
	return s.backend.Interrupt()
}

// SetModel validates and applies a model change. Blocks up to 10s.
func (s *Session) SetModel(ctx context.Context, id string) error {
	return s.backend.SetModel(ctx, id)
}

// SetPermissionMode validates and applies a permission-mode change.
func (s *Session) SetPermissionMode(mode string) error {
	return s.backend.SetPermissionMode(mode)
}

// AnswerQuestion forwards a user_question answer to the backend.
func (s *Session) AnswerQuestion(toolUseID, answer string) error {
	return s.backend.AnswerQuestion(toolUseID, answer)
}

// Name returns the session's human name.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Rename sets the session's human name.
func (s *Session) Rename(name string) {
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
}

// Cwd returns the session's working directory.
func (s *Session) Cwd() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwd
}

// Busy reports whether a response is currently streaming.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// Primary returns the advisory primary client id.
func (s *Session) Primary() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.primary
}

// History returns the replay entries in order.
func (s *Session) History() []Entry {
	return s.history.Entries()
}

// Summary snapshots the session for listings.
func (s *Session) Summary() protocol.SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return protocol.SessionSummary{
		SessionID:      s.ID,
		Name:           s.name,
		Cwd:            s.cwd,
		Model:          s.backend.Model(),
		PermissionMode: s.backend.PermissionMode(),
		Busy:           s.busy,
		CreatedAt:      s.CreatedAt,
	}
}

// Destroy terminates the backend and waits for the event loop to drain.
// Idempotent.
func (s *Session) Destroy() error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.destroyed = true
	s.mu.Unlock()

	err := s.backend.Destroy()
	<-s.done
	return err
}
