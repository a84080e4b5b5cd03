package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/chroxy-sh/chroxy/internal/agent"
	"github.com/chroxy-sh/chroxy/internal/eventbus"
	"github.com/chroxy-sh/chroxy/pkg/protocol"
)

// Sentinel errors returned by manager operations.
var (
	ErrMaxSessions = errors.New("max sessions reached")
	ErrInvalidCwd  = errors.New("working directory does not exist or is not a directory")
	ErrNotFound    = errors.New("session not found")
)

// BackendFactory creates an agent backend for a new session.
type BackendFactory func(cwd string) agent.Backend

// PermissionFunc decides an agent-initiated permission request. It blocks
// until a decision is available and returns "allow" or "deny".
type PermissionFunc func(ctx context.Context, sessionID, tool string, input json.RawMessage) string

// Options configures a Manager.
type Options struct {
	MaxSessions int // hard cap, default 5
	HistorySize int // replay ring size, default 100
	DefaultCwd  string
	Permission  PermissionFunc // nil denies every agent permission request
}

// Manager owns the set of sessions. All session map mutations happen here;
// external callers receive handles, never the map.
type Manager struct {
	opts       Options
	newBackend BackendFactory
	bus        *eventbus.Bus
	logger     *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a session manager.
func NewManager(opts Options, factory BackendFactory, bus *eventbus.Bus, logger *slog.Logger) *Manager {
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = 5
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		opts:       opts,
		newBackend: factory,
		bus:        bus,
		logger:     logger.With("component", "manager"),
		sessions:   make(map[string]*Session),
	}
}

// newSessionID returns a short random id, unique within the manager lifetime.
func newSessionID() string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// resolveCwd expands a leading "~" and validates the directory.
func resolveCwd(cwd string) (string, error) {
	if cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", ErrInvalidCwd
		}
		return wd, nil
	}
	if cwd == "~" || strings.HasPrefix(cwd, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", ErrInvalidCwd
		}
		cwd = filepath.Join(home, cwd[1:])
	}
	info, err := os.Stat(cwd)
	if err != nil || !info.IsDir() {
		return "", ErrInvalidCwd
	}
	return cwd, nil
}

// Create starts a new session. Fails with ErrMaxSessions or ErrInvalidCwd.
func (m *Manager) Create(ctx context.Context, name, cwd string) (*Session, error) {
	if cwd == "" {
		cwd = m.opts.DefaultCwd
	}
	resolved, err := resolveCwd(cwd)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = filepath.Base(resolved)
	}

	m.mu.Lock()
	if len(m.sessions) >= m.opts.MaxSessions {
		m.mu.Unlock()
		return nil, ErrMaxSessions
	}
	id := newSessionID()
	for m.sessions[id] != nil {
		id = newSessionID()
	}
	// Reserve the slot before the (slow) backend spawn.
	m.sessions[id] = nil
	m.mu.Unlock()

	backend := m.newBackend(resolved)
	if err := backend.Start(ctx); err != nil {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		return nil, fmt.Errorf("start agent: %w", err)
	}

	sess := newSession(id, name, resolved, backend, m.opts.Permission, m.opts.HistorySize, m.bus, m.logger)
	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	m.logger.Info("session created", "session_id", id, "name", name, "cwd", resolved)
	m.bus.PublishType(eventbus.SessionCreated, id, protocol.SessionEvent{
		Type:      protocol.TypeSessionCreated,
		SessionID: id,
		Name:      name,
	})
	return sess, nil
}

// Get returns a session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	return sess, ok && sess != nil
}

// List returns summaries of all sessions, oldest first.
func (m *Manager) List() []protocol.SessionSummary {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s != nil {
			sessions = append(sessions, s)
		}
	}
	m.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	out := make([]protocol.SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Summary())
	}
	return out
}

// Count returns the number of sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.sessions {
		if s != nil {
			n++
		}
	}
	return n
}

// Oldest returns the longest-lived session, or nil when empty. Used as the
// default session for newly-connected clients.
func (m *Manager) Oldest() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var oldest *Session
	for _, s := range m.sessions {
		if s == nil {
			continue
		}
		if oldest == nil || s.CreatedAt.Before(oldest.CreatedAt) {
			oldest = s
		}
	}
	return oldest
}

// Rename changes a session's name.
func (m *Manager) Rename(id, name string) error {
	sess, ok := m.Get(id)
	if !ok {
		return ErrNotFound
	}
	sess.Rename(name)
	m.bus.PublishType(eventbus.SessionUpdated, id, protocol.SessionEvent{
		Type:      protocol.TypeSessionUpdated,
		SessionID: id,
		Name:      name,
	})
	return nil
}

// Destroy terminates a session and removes it from the manager.
func (m *Manager) Destroy(id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok || sess == nil {
		return ErrNotFound
	}

	err := sess.Destroy()
	m.logger.Info("session destroyed", "session_id", id)
	m.bus.PublishType(eventbus.SessionDestroyed, id, protocol.SessionEvent{
		Type:      protocol.TypeSessionDestroyed,
		SessionID: id,
	})
	return err
}

// DestroyAll terminates every session, oldest first.
func (m *Manager) DestroyAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s != nil {
			sessions = append(sessions, s)
		}
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	for _, s := range sessions {
		if err := s.Destroy(); err != nil {
			m.logger.Warn("error destroying session", "session_id", s.ID, "error", err)
		}
	}
}

// HistoryOf returns the replay entries for a session.
func (m *Manager) HistoryOf(id string) ([]Entry, error) {
	sess, ok := m.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return sess.History(), nil
}

// AnyBusy reports whether any session is currently streaming.
func (m *Manager) AnyBusy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s != nil && s.Busy() {
			return true
		}
	}
	return false
}
