package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/chroxy-sh/chroxy/internal/agent"
	"github.com/chroxy-sh/chroxy/internal/session"
	"github.com/chroxy-sh/chroxy/pkg/protocol"
)

// autoModeWarning is sent with the confirm_permission_mode handshake.
const autoModeWarning = "Auto mode skips all permission prompts. The agent will run tools, including shell commands, without asking. Confirm to proceed."

// dispatch validates and routes one client message. Unknown types and
// type-confused fields are dropped; the per-client error counter closes
// abusive connections. Returns true when the connection was closed.
func (s *Server) dispatch(c *client, data []byte) bool {
	var head protocol.Head
	if err := json.Unmarshal(data, &head); err != nil || head.Type == "" {
		return s.protoError(c)
	}

	if !c.isAuthed() {
		if head.Type == protocol.TypeAuth {
			return s.handleAuth(c, data)
		}
		// Silently dropped; only counted.
		c.mu.Lock()
		c.preAuthDrops++
		c.mu.Unlock()
		return false
	}

	if head.Type == protocol.TypeAuth {
		return false // re-auth is a no-op
	}

	// Post-auth flood control: excess messages are dropped silently.
	if !c.limiter.Allow() {
		return false
	}

	switch head.Type {
	case protocol.TypeInput:
		return s.handleInput(c, data)
	case protocol.TypeInterrupt:
		s.handleInterrupt(c)
	case protocol.TypeSetModel:
		return s.handleSetModel(c, data)
	case protocol.TypeSetPermissionMode:
		return s.handleSetPermissionMode(c, data)
	case protocol.TypePermissionResponse:
		return s.handlePermissionResponse(c, data)
	case protocol.TypeUserQuestionResponse:
		return s.handleUserQuestionResponse(c, data)
	case protocol.TypeListSessions:
		c.send(protocol.SessionList{Type: protocol.TypeSessionList, Sessions: s.manager.List()})
	case protocol.TypeCreateSession:
		return s.handleCreateSession(c, data)
	case protocol.TypeSwitchSession:
		return s.handleSwitchSession(c, data)
	case protocol.TypeDestroySession:
		return s.handleDestroySession(c, data)
	case protocol.TypeRenameSession:
		return s.handleRenameSession(c, data)
	case protocol.TypeListDirectory:
		return s.handleListDirectory(c, data)
	default:
		return s.protoError(c)
	}
	return false
}

// protoError counts a dropped malformed message and closes the connection
// past the abuse threshold.
func (s *Server) protoError(c *client) bool {
	if c.noteProtocolError() {
		c.close(websocket.CloseUnsupportedData, "too many protocol errors")
		return true
	}
	return false
}

// viewingSession resolves the client's bound session, reporting not_found.
func (s *Server) viewingSession(c *client) *session.Session {
	sess, ok := s.manager.Get(c.Viewing())
	if !ok {
		c.send(protocol.SessionError{
			Type:      protocol.TypeSessionError,
			SessionID: c.Viewing(),
			Code:      "not_found",
		})
		return nil
	}
	return sess
}

func (s *Server) sessionError(c *client, sessionID, code string) {
	c.send(protocol.SessionError{
		Type:      protocol.TypeSessionError,
		SessionID: sessionID,
		Code:      code,
	})
}

func (s *Server) handleInput(c *client, data []byte) bool {
	var msg protocol.Input
	if err := json.Unmarshal(data, &msg); err != nil {
		return s.protoError(c)
	}
	text := strings.TrimSpace(msg.Data)
	if text == "" {
		return s.protoError(c)
	}

	if s.isDraining() {
		c.send(protocol.ErrorMsg{Type: protocol.TypeError, Code: "draining"})
		return false
	}

	sess := s.viewingSession(c)
	if sess == nil {
		return false
	}
	primaryChanged, err := sess.Send(context.Background(), c.id, text)
	if err != nil {
		switch {
		case errors.Is(err, agent.ErrNotReady):
			s.sessionError(c, sess.ID, "not_ready")
		case errors.Is(err, agent.ErrDestroyed):
			s.sessionError(c, sess.ID, "not_found")
		default:
			s.logger.Warn("input delivery failed", "session_id", sess.ID, "error", err)
			s.sessionError(c, sess.ID, "not_ready")
		}
		return false
	}

	if primaryChanged {
		notice := protocol.PrimaryChanged{
			Type:      protocol.TypePrimaryChanged,
			ClientID:  c.id,
			SessionID: sess.ID,
		}
		for _, peer := range s.clientsViewing(sess.ID) {
			peer.send(notice)
		}
	}
	return false
}

func (s *Server) handleInterrupt(c *client) {
	sess := s.viewingSession(c)
	if sess == nil {
		return
	}
	if err := sess.Interrupt(); err != nil {
		s.logger.Warn("interrupt failed", "session_id", sess.ID, "error", err)
	}
}

func (s *Server) handleSetModel(c *client, data []byte) bool {
	var msg protocol.SetModel
	if err := json.Unmarshal(data, &msg); err != nil || msg.Model == "" {
		return s.protoError(c)
	}
	sess := s.viewingSession(c)
	if sess == nil {
		return false
	}
	if !agent.KnownModel(msg.Model) {
		s.sessionError(c, sess.ID, "invalid_model")
		return false
	}

	// Model changes may restart the agent process and block up to 10s; keep
	// the read loop responsive meanwhile.
	go func() {
		if err := sess.SetModel(context.Background(), msg.Model); err != nil {
			switch {
			case errors.Is(err, agent.ErrModelChangeTimeout):
				s.sessionError(c, sess.ID, "model_change_timeout")
			case errors.Is(err, agent.ErrUnknownModel):
				s.sessionError(c, sess.ID, "invalid_model")
			default:
				s.logger.Warn("model change failed", "session_id", sess.ID, "error", err)
				s.sessionError(c, sess.ID, "model_change_timeout")
			}
			return
		}
		changed := protocol.ModelChanged{
			Type:      protocol.TypeModelChanged,
			SessionID: sess.ID,
			Model:     agent.ResolveModelID(msg.Model),
		}
		for _, peer := range s.clientsViewing(sess.ID) {
			peer.send(changed)
		}
	}()
	return false
}

func (s *Server) handleSetPermissionMode(c *client, data []byte) bool {
	var msg protocol.SetPermissionMode
	if err := json.Unmarshal(data, &msg); err != nil || msg.Mode == "" {
		return s.protoError(c)
	}
	if !protocol.ValidPermissionMode(msg.Mode) {
		return s.protoError(c)
	}
	sess := s.viewingSession(c)
	if sess == nil {
		return false
	}

	// Auto mode needs an explicit confirmation round-trip.
	if msg.Mode == protocol.ModeAuto && !msg.Confirmed {
		c.send(protocol.ConfirmPermissionMode{
			Type:    protocol.TypeConfirmPermissionMode,
			Mode:    protocol.ModeAuto,
			Warning: autoModeWarning,
		})
		return false
	}

	if err := sess.SetPermissionMode(msg.Mode); err != nil {
		s.logger.Warn("permission mode change failed", "session_id", sess.ID, "error", err)
		return false
	}
	changed := protocol.PermissionModeChanged{
		Type:      protocol.TypePermissionModeChanged,
		SessionID: sess.ID,
		Mode:      msg.Mode,
	}
	for _, peer := range s.clientsViewing(sess.ID) {
		peer.send(changed)
	}
	return false
}

func (s *Server) handlePermissionResponse(c *client, data []byte) bool {
	var msg protocol.PermissionResponse
	if err := json.Unmarshal(data, &msg); err != nil || msg.RequestID == "" {
		return s.protoError(c)
	}
	// Invalid decisions and late responses are discarded silently; the first
	// valid decision wins.
	s.bridge.Resolve(msg.RequestID, msg.Decision, c.id)
	return false
}

func (s *Server) handleUserQuestionResponse(c *client, data []byte) bool {
	var msg protocol.UserQuestionResponse
	if err := json.Unmarshal(data, &msg); err != nil || msg.Answer == "" {
		return s.protoError(c)
	}
	sess := s.viewingSession(c)
	if sess == nil {
		return false
	}
	if err := sess.AnswerQuestion(msg.ToolUseID, msg.Answer); err != nil {
		s.logger.Warn("question answer failed", "session_id", sess.ID, "error", err)
	}
	return false
}

func (s *Server) handleCreateSession(c *client, data []byte) bool {
	var msg protocol.CreateSession
	if err := json.Unmarshal(data, &msg); err != nil {
		return s.protoError(c)
	}
	if s.isDraining() {
		c.send(protocol.ErrorMsg{Type: protocol.TypeError, Code: "draining"})
		return false
	}

	sess, err := s.manager.Create(context.Background(), msg.Name, msg.Cwd)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrMaxSessions):
			s.sessionError(c, "", "max_sessions")
		case errors.Is(err, session.ErrInvalidCwd):
			s.sessionError(c, "", "invalid_cwd")
		default:
			s.logger.Error("create session failed", "error", err)
			s.sessionError(c, "", "invalid_cwd")
		}
		return false
	}
	// The session_list broadcast rides the bus lifecycle event.
	s.switchClientTo(c, sess)
	return false
}

func (s *Server) handleSwitchSession(c *client, data []byte) bool {
	var msg protocol.SwitchSession
	if err := json.Unmarshal(data, &msg); err != nil || msg.SessionID == "" {
		return s.protoError(c)
	}
	sess, ok := s.manager.Get(msg.SessionID)
	if !ok {
		s.sessionError(c, msg.SessionID, "not_found")
		return false
	}
	s.switchClientTo(c, sess)
	return false
}

func (s *Server) handleDestroySession(c *client, data []byte) bool {
	var msg protocol.DestroySession
	if err := json.Unmarshal(data, &msg); err != nil || msg.SessionID == "" {
		return s.protoError(c)
	}
	if s.manager.Count() <= 1 {
		s.sessionError(c, msg.SessionID, "last_session")
		return false
	}

	s.bridge.CancelSession(msg.SessionID)
	if err := s.manager.Destroy(msg.SessionID); err != nil {
		s.sessionError(c, msg.SessionID, "not_found")
		return false
	}
	// Viewer reassignment and the session_list broadcast ride the bus event.
	return false
}

func (s *Server) handleRenameSession(c *client, data []byte) bool {
	var msg protocol.RenameSession
	if err := json.Unmarshal(data, &msg); err != nil || msg.SessionID == "" || msg.Name == "" {
		return s.protoError(c)
	}
	if err := s.manager.Rename(msg.SessionID, msg.Name); err != nil {
		s.sessionError(c, msg.SessionID, "not_found")
	}
	return false
}

func (s *Server) handleListDirectory(c *client, data []byte) bool {
	var msg protocol.ListDirectory
	if err := json.Unmarshal(data, &msg); err != nil || msg.Path == "" {
		return s.protoError(c)
	}

	path := msg.Path
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[1:])
		}
	}

	reply := protocol.DirectoryListing{
		Type:    protocol.TypeDirectoryListing,
		Path:    path,
		Entries: []protocol.DirEntry{},
	}
	entries, err := os.ReadDir(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		reply.Error = "not_found"
	case errors.Is(err, os.ErrPermission):
		reply.Error = "permission_denied"
	case err != nil:
		reply.Error = "unreadable"
	default:
		for _, e := range entries {
			reply.Entries = append(reply.Entries, protocol.DirEntry{
				Name:  e.Name(),
				IsDir: e.IsDir(),
			})
		}
	}
	c.send(reply)
	return false
}

// modelOptionsWire converts the allow-list to its wire shape.
func modelOptionsWire() []protocol.ModelOption {
	opts := agent.ModelOptions()
	out := make([]protocol.ModelOption, 0, len(opts))
	for _, o := range opts {
		out = append(out, protocol.ModelOption{ID: o.ID, Short: o.Short})
	}
	return out
}
