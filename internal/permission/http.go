package permission

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/chroxy-sh/chroxy/pkg/protocol"
)

// maxHookBodyBytes caps the POST /permission request body.
const maxHookBodyBytes = 64 * 1024

// hookRequest is the body posted by the external hook script.
type hookRequest struct {
	ToolName  string          `json:"tool_name"`
	ToolInput json.RawMessage `json:"tool_input"`
	SessionID string          `json:"session_id"`
}

// HTTPHandler serves the POST /permission long-poll endpoint. The response is
// held open until a client decides or the bridge times the request out with
// "ask".
type HTTPHandler struct {
	bridge         *Bridge
	token          string
	authRequired   bool
	defaultSession func() string
	logger         *slog.Logger
}

// NewHTTPHandler creates the hook endpoint handler. defaultSession supplies
// the session id for hook bodies that do not name one.
func NewHTTPHandler(bridge *Bridge, token string, authRequired bool, defaultSession func() string, logger *slog.Logger) *HTTPHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandler{
		bridge:         bridge,
		token:          token,
		authRequired:   authRequired,
		defaultSession: defaultSession,
		logger:         logger.With("component", "permission_http"),
	}
}

func (h *HTTPHandler) authorized(r *http.Request) bool {
	if !h.authRequired {
		return true
	}
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.token)) == 1
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxHookBodyBytes)
	var body hookRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	sessionID := body.SessionID
	if sessionID == "" && h.defaultSession != nil {
		sessionID = h.defaultSession()
	}

	id, done, ok := h.bridge.open(sessionID, body.ToolName, body.ToolInput, OriginHook)
	if !ok {
		// Bridge is shutting down; the hook falls through to a local prompt.
		writeDecision(w, protocol.DecisionAsk)
		return
	}

	select {
	case out := <-done:
		decision := out.decision
		if decision == protocol.DecisionAllowAlways {
			decision = protocol.DecisionAllow
		}
		writeDecision(w, decision)
	case <-r.Context().Done():
		// Caller gave up; release the pending slot.
		h.bridge.resolveInternal(id, protocol.DecisionAsk, "", protocol.TypePermissionCancelled)
	}
}

func writeDecision(w http.ResponseWriter, decision string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"decision": decision})
}
