package gateway

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/chroxy-sh/chroxy/pkg/protocol"
)

const (
	maxClientFrameBytes = 64 * 1024
	sendQueueSize       = 256
	writeTimeout        = 10 * time.Second
	deltaFlushWindow    = 50 * time.Millisecond
	pingInterval        = 30 * time.Second
	maxMissedPongs      = 2
	maxProtocolErrors   = 100

	// Post-auth message flood control.
	floodRate  = 30 // messages per second
	floodBurst = 60
)

// client is one WebSocket connection. The write pump goroutine owns all
// writes to conn; everything else enqueues onto sendCh.
type client struct {
	id     string
	srv    *Server
	conn   *websocket.Conn
	ip     string
	logger *slog.Logger

	sendCh chan []byte
	doneCh chan struct{} // closed when the write pump exits

	limiter *rate.Limiter

	mu           sync.Mutex
	authed       bool
	device       *protocol.DeviceInfo
	viewing      string
	connectedAt  time.Time
	preAuthDrops int
	protoErrors  int
	missedPongs  int
	closed       bool
	authTimer    *time.Timer

	batch deltaBatch
}

// deltaBatch coalesces stream_delta text per message id inside a bounded
// window. The timer belongs to the client and dies with it.
type deltaBatch struct {
	mu        sync.Mutex
	sessionID string
	messageID string
	buf       strings.Builder
	timer     *time.Timer
	window    time.Duration
}

func (s *Server) newClient(conn *websocket.Conn, id, ip string) *client {
	c := &client{
		id:      id,
		srv:     s,
		conn:    conn,
		ip:      ip,
		logger:  s.logger.With("component", "client", "client_id", id),
		sendCh:  make(chan []byte, sendQueueSize),
		doneCh:  make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(floodRate), floodBurst),
	}
	c.batch.window = s.deltaWindow
	c.mu.Lock()
	c.connectedAt = time.Now()
	c.mu.Unlock()
	return c
}

// send marshals and enqueues one outgoing message. A client that cannot keep
// up with its queue is closed rather than allowed to stall the fan-out.
func (c *client) send(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("marshal outgoing message", "error", err)
		return
	}
	c.sendRaw(data)
}

func (c *client) sendRaw(data []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	overflow := false
	select {
	case c.sendCh <- data:
	default:
		overflow = true
	}
	c.mu.Unlock()

	if overflow {
		c.logger.Warn("send queue full, dropping client")
		c.close(websocket.CloseInternalServerErr, "send queue overflow")
	}
}

// writePump serialises all writes and drives keepalive pings. It exits when
// sendCh is drained after close or the connection errors.
func (c *client) writePump() {
	every := c.srv.pingEvery
	if every <= 0 {
		every = pingInterval
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	defer close(c.doneCh)

	for {
		select {
		case data, ok := <-c.sendCh:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write failed", "error", err)
				return
			}
		case <-ticker.C:
			c.mu.Lock()
			c.missedPongs++
			missed := c.missedPongs
			c.mu.Unlock()
			if missed >= maxMissedPongs {
				c.logger.Info("closing client, missed pongs", "missed", missed)
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "ping timeout"),
					time.Now().Add(time.Second))
				_ = c.conn.Close()
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueueDelta buffers stream_delta text for coalescing. Deltas for a new
// message id flush the previous buffer first, preserving order.
func (c *client) enqueueDelta(sessionID, messageID, delta string) {
	c.batch.mu.Lock()
	if c.batch.buf.Len() > 0 && c.batch.messageID != messageID {
		c.flushDeltaLocked()
	}
	c.batch.sessionID = sessionID
	c.batch.messageID = messageID
	c.batch.buf.WriteString(delta)
	if c.batch.timer == nil {
		window := c.batch.window
		if window <= 0 {
			window = deltaFlushWindow
		}
		c.batch.timer = time.AfterFunc(window, c.flushDelta)
	}
	c.batch.mu.Unlock()
}

// flushDelta sends any buffered delta text as a single stream_delta.
func (c *client) flushDelta() {
	c.batch.mu.Lock()
	c.flushDeltaLocked()
	c.batch.mu.Unlock()
}

func (c *client) flushDeltaLocked() {
	if c.batch.timer != nil {
		c.batch.timer.Stop()
		c.batch.timer = nil
	}
	if c.batch.buf.Len() == 0 {
		return
	}
	msg := protocol.StreamDelta{
		Type:      protocol.TypeStreamDelta,
		SessionID: c.batch.sessionID,
		MessageID: c.batch.messageID,
		Delta:     c.batch.buf.String(),
	}
	c.batch.buf.Reset()
	c.send(msg)
}

// deliver routes one server→client message, interposing the delta batcher.
// Residual buffered deltas are flushed before any other message kind so
// relative order across event kinds is preserved.
func (c *client) deliver(head protocol.Head, data []byte) {
	if head.Type == protocol.TypeStreamDelta {
		var msg protocol.StreamDelta
		if err := json.Unmarshal(data, &msg); err == nil {
			c.enqueueDelta(msg.SessionID, msg.MessageID, msg.Delta)
			return
		}
	}
	c.flushDelta()
	c.sendRaw(data)
}

// Viewing returns the session id this client is bound to.
func (c *client) Viewing() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewing
}

func (c *client) setViewing(sessionID string) {
	c.mu.Lock()
	c.viewing = sessionID
	c.mu.Unlock()
}

func (c *client) isAuthed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed
}

// info snapshots the client for peer announcements.
func (c *client) info() protocol.ConnectedClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	return protocol.ConnectedClient{
		ClientID:    c.id,
		Device:      c.device,
		ConnectedAt: c.connectedAt,
	}
}

// noteProtocolError counts a dropped malformed message. Returns true when
// the abuse threshold is crossed and the connection should close.
func (c *client) noteProtocolError() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.protoErrors++
	return c.protoErrors > maxProtocolErrors
}

// close sends a close frame and tears the connection down. Idempotent.
// Buffered deltas are flushed before the connection is marked closed.
func (c *client) close(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.flushDelta()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}
	// Senders check closed under the same mutex, so closing here is safe.
	close(c.sendCh)
	c.mu.Unlock()

	// Let the write pump drain what is already queued.
	select {
	case <-c.doneCh:
	case <-time.After(writeTimeout):
	}

	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	_ = c.conn.Close()
}
