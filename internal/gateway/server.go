// Package gateway terminates client WebSocket connections, authenticates
// them, dispatches the wire protocol, and fans session events out.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/chroxy-sh/chroxy/internal/config"
	"github.com/chroxy-sh/chroxy/internal/eventbus"
	"github.com/chroxy-sh/chroxy/internal/permission"
	"github.com/chroxy-sh/chroxy/internal/session"
	"github.com/chroxy-sh/chroxy/pkg/protocol"
)

// ErrPortBind marks listen failures so the CLI can map them to exit code 4.
var ErrPortBind = errors.New("port bind failed")

// Server is the WebSocket gateway.
type Server struct {
	cfg     *config.Config
	version string
	manager *session.Manager
	bridge  *permission.Bridge
	bus     *eventbus.Bus
	logger  *slog.Logger

	authLimiter *authLimiter
	upgrader    websocket.Upgrader
	deltaWindow time.Duration
	authTimeout time.Duration
	drainWait   time.Duration
	pingEvery   time.Duration

	mu       sync.Mutex
	clients  map[string]*client
	draining bool
}

// New creates a gateway server.
func New(cfg *config.Config, version string, manager *session.Manager, bridge *permission.Bridge, bus *eventbus.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:         cfg,
		version:     version,
		manager:     manager,
		bridge:      bridge,
		bus:         bus,
		logger:      logger.With("component", "gateway"),
		authLimiter: newAuthLimiter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.Server.AllowedOrigins),
		},
		deltaWindow: cfg.Limits.DeltaFlushWindow.Duration,
		authTimeout: cfg.Limits.AuthTimeout.Duration,
		drainWait:   cfg.Limits.DrainTimeout.Duration,
		pingEvery:   cfg.Limits.PingInterval.Duration,
		clients:     make(map[string]*client),
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		// Token auth is the access control; origin is not restricted.
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// Handler builds the HTTP surface: /health, /permission, /ws on one port.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if s.cfg.Server.TrustProxy {
		r.Use(middleware.RealIP)
	}

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodPost, "/permission", permission.NewHTTPHandler(
		s.bridge,
		s.cfg.Server.APIToken,
		s.cfg.Server.AuthRequired,
		s.defaultSessionID,
		s.logger,
	))
	r.Get("/ws", s.handleWS)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"mode":    "cli",
		"version": s.version,
	})
}

func (s *Server) defaultSessionID() string {
	if sess := s.manager.Oldest(); sess != nil {
		return sess.ID
	}
	return ""
}

// Run listens and serves until ctx is cancelled, then drains and shuts down.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Server.Host, fmt.Sprintf("%d", s.cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPortBind, err)
	}
	s.logger.Info("gateway listening", "addr", addr, "auth_required", s.cfg.Server.AuthRequired)

	// Clients are bound to the default session on connect; make sure one
	// exists.
	if s.manager.Count() == 0 {
		if _, err := s.manager.Create(ctx, "", ""); err != nil {
			s.logger.Error("create default session", "error", err)
		}
	}

	httpSrv := &http.Server{Handler: s.Handler()}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		s.pumpEvents(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.Drain()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutCtx)
	})
	return g.Wait()
}

// pumpEvents routes bus events to connected clients.
func (s *Server) pumpEvents(ctx context.Context) {
	ch := s.bus.Subscribe()
	defer s.bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			s.routeEvent(e)
		}
	}
}

func (s *Server) routeEvent(e eventbus.Event) {
	switch e.Type {
	case eventbus.AgentEvent, eventbus.PermissionEvent, eventbus.SessionError:
		var head protocol.Head
		if err := json.Unmarshal(e.Data, &head); err != nil {
			return
		}
		for _, c := range s.clientsViewing(e.SessionID) {
			c.deliver(head, e.Data)
		}

	case eventbus.SessionCreated, eventbus.SessionUpdated:
		s.broadcastSessionList()

	case eventbus.SessionDestroyed:
		s.broadcastSessionList()
		s.reassignViewers(e.SessionID)
	}
}

// clientsViewing snapshots the authenticated clients bound to sessionID.
func (s *Server) clientsViewing(sessionID string) []*client {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*client
	for _, c := range s.clients {
		if c.isAuthed() && c.Viewing() == sessionID {
			out = append(out, c)
		}
	}
	return out
}

// authedClients snapshots all authenticated clients.
func (s *Server) authedClients() []*client {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*client
	for _, c := range s.clients {
		if c.isAuthed() {
			out = append(out, c)
		}
	}
	return out
}

func (s *Server) broadcast(msg any, except string) {
	for _, c := range s.authedClients() {
		if c.id != except {
			c.send(msg)
		}
	}
}

func (s *Server) broadcastSessionList() {
	list := protocol.SessionList{Type: protocol.TypeSessionList, Sessions: s.manager.List()}
	s.broadcast(list, "")
}

// reassignViewers moves clients off a destroyed session onto the oldest
// surviving one, with a fresh replay.
func (s *Server) reassignViewers(sessionID string) {
	target := s.manager.Oldest()
	if target == nil {
		return
	}
	for _, c := range s.clientsViewing(sessionID) {
		s.switchClientTo(c, target)
	}
}

// switchClientTo binds a client to a session and replays its history.
func (s *Server) switchClientTo(c *client, sess *session.Session) {
	c.setViewing(sess.ID)
	c.send(protocol.SessionSwitched{Type: protocol.TypeSessionSwitched, SessionID: sess.ID})
	s.replayHistory(c, sess)
}

// replayHistory emits the session's ring buffer bracketed by replay markers.
func (s *Server) replayHistory(c *client, sess *session.Session) {
	c.send(protocol.HistoryReplayMarker{Type: protocol.TypeHistoryReplayStart, SessionID: sess.ID})
	for _, entry := range sess.History() {
		c.send(protocol.Message{
			Type:      protocol.TypeMessage,
			SessionID: sess.ID,
			Kind:      entry.Kind,
			Content:   entry.Content,
			Tool:      entry.Tool,
			Input:     entry.Input,
			CostUSD:   entry.CostUSD,
			Duration:  entry.DurationMS,
			Timestamp: entry.Timestamp,
		})
	}
	c.send(protocol.HistoryReplayMarker{Type: protocol.TypeHistoryReplayEnd, SessionID: sess.ID})
}

// handleWS upgrades a connection and runs its read loop.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	draining := s.draining
	s.mu.Unlock()
	if draining {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", "error", err)
		return
	}

	ip, _, splitErr := net.SplitHostPort(r.RemoteAddr)
	if splitErr != nil {
		ip = r.RemoteAddr
	}

	c := s.newClient(conn, uuid.NewString(), ip)
	conn.SetReadLimit(maxClientFrameBytes)
	conn.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.missedPongs = 0
		c.mu.Unlock()
		return nil
	})

	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	go c.writePump()

	if s.cfg.Server.AuthRequired {
		c.mu.Lock()
		c.authTimer = time.AfterFunc(s.authTimeout, func() {
			if !c.isAuthed() {
				c.send(protocol.AuthFail{Type: protocol.TypeAuthFail, Reason: "timeout"})
				c.close(websocket.ClosePolicyViolation, "auth timeout")
			}
		})
		c.mu.Unlock()
	} else {
		// Local-only mode: authenticate immediately, no timer.
		s.completeAuth(c, nil)
	}

	s.readLoop(c)
	s.dropClient(c)
}

func (s *Server) readLoop(c *client) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			if c.noteProtocolError() {
				c.close(websocket.CloseUnsupportedData, "too many protocol errors")
				return
			}
			continue
		}
		if closed := s.dispatch(c, data); closed {
			return
		}
	}
}

// dropClient unregisters a client and announces its departure.
func (s *Server) dropClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()

	wasAuthed := c.isAuthed()
	c.close(websocket.CloseNormalClosure, "")
	if wasAuthed {
		s.broadcast(protocol.ClientLeft{Type: protocol.TypeClientLeft, ClientID: c.id}, c.id)
	}
	s.logger.Info("client disconnected", "client_id", c.id)
}

// handleAuth processes the one message type allowed before authentication.
func (s *Server) handleAuth(c *client, data []byte) (connClosed bool) {
	if c.isAuthed() {
		return false
	}

	if s.authLimiter.Limited(c.ip) {
		c.send(protocol.AuthFail{Type: protocol.TypeAuthFail, Reason: "rate_limited"})
		c.close(websocket.ClosePolicyViolation, "rate limited")
		return true
	}

	var msg protocol.Auth
	if err := json.Unmarshal(data, &msg); err != nil || msg.Token == "" {
		s.authLimiter.RecordFailure(c.ip)
		c.send(protocol.AuthFail{Type: protocol.TypeAuthFail, Reason: "invalid_token"})
		c.close(websocket.ClosePolicyViolation, "invalid token")
		return true
	}

	if subtle.ConstantTimeCompare([]byte(msg.Token), []byte(s.cfg.Server.APIToken)) != 1 {
		s.authLimiter.RecordFailure(c.ip)
		c.send(protocol.AuthFail{Type: protocol.TypeAuthFail, Reason: "invalid_token"})
		c.close(websocket.ClosePolicyViolation, "invalid token")
		return true
	}

	s.authLimiter.RecordSuccess(c.ip)
	s.completeAuth(c, msg.DeviceInfo)
	return false
}

// completeAuth marks the client authenticated and runs the bootstrap
// sequence: auth_ok, server_mode, status, session_list, available_models,
// available_permission_modes, session_switched, then the history replay.
func (s *Server) completeAuth(c *client, device *protocol.DeviceInfo) {
	peers := s.authedClients()

	c.mu.Lock()
	c.authed = true
	c.device = device
	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}
	c.mu.Unlock()

	connected := make([]protocol.ConnectedClient, 0, len(peers))
	for _, p := range peers {
		connected = append(connected, p.info())
	}

	c.send(protocol.AuthOK{
		Type:             protocol.TypeAuthOK,
		ClientID:         c.id,
		ServerMode:       "cli",
		ServerVersion:    s.version,
		ConnectedClients: connected,
	})
	c.send(protocol.ServerMode{Type: protocol.TypeServerMode, Mode: "cli"})
	c.send(protocol.Status{
		Type:     protocol.TypeStatus,
		Sessions: s.manager.Count(),
		Busy:     s.manager.AnyBusy(),
	})
	c.send(protocol.SessionList{Type: protocol.TypeSessionList, Sessions: s.manager.List()})
	c.send(availableModels())
	c.send(protocol.AvailablePermissionModes{
		Type:  protocol.TypeAvailablePermissionModes,
		Modes: protocol.PermissionModes(),
	})

	if sess := s.manager.Oldest(); sess != nil {
		s.switchClientTo(c, sess)
	}

	s.broadcast(protocol.ClientJoined{Type: protocol.TypeClientJoined, Client: c.info()}, c.id)
	s.logger.Info("client authenticated", "client_id", c.id, "ip", c.ip)
}

// Drain stops accepting work, lets in-flight turns finish inside the drain
// window, then resolves pending permissions, closes clients, and destroys
// sessions.
func (s *Server) Drain() {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	s.mu.Unlock()
	s.logger.Info("draining", "timeout", s.drainWait)

	deadline := time.Now().Add(s.drainWait)
	for time.Now().Before(deadline) && s.manager.AnyBusy() {
		time.Sleep(100 * time.Millisecond)
	}

	s.bridge.Shutdown()

	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[string]*client)
	s.mu.Unlock()
	for _, c := range clients {
		c.close(websocket.CloseGoingAway, "shutting down")
	}

	s.manager.DestroyAll()
	s.logger.Info("drain complete")
}

func (s *Server) isDraining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining
}

func availableModels() protocol.AvailableModels {
	opts := modelOptionsWire()
	return protocol.AvailableModels{Type: protocol.TypeAvailableModels, Models: opts}
}
