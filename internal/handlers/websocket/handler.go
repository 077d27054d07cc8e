package websocket

import (
	"context"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mithem/compolvo/internal/bus"
	"github.com/mithem/compolvo/internal/models"
	"github.com/mithem/compolvo/pkg/debug"
)

// Close codes sent when a login attempt is rejected.
const (
	CloseInvalidLogin     = 4002
	CloseAlreadyConnected = 4003
	CloseAgentNotFound    = 4004
)

// Default connection timing values
const (
	defaultWriteWait  = 10 * time.Second
	defaultPongWait   = 60 * time.Second
	defaultPingPeriod = 54 * time.Second
	defaultLoginWait  = 30 * time.Second
	maxMessageSize    = 1024 * 1024
)

// Connection timing configuration
var (
	writeWait  time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration
	loginWait  time.Duration
)

// getEnvDuration gets a duration from an environment variable with a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil {
			return duration
		}
		debug.Warning("Invalid %s value: %s, using default: %v", key, value, defaultValue)
	}
	return defaultValue
}

func initTimingConfig() {
	writeWait = getEnvDuration("COMPOLVO_WRITE_WAIT", defaultWriteWait)
	pongWait = getEnvDuration("COMPOLVO_PONG_WAIT", defaultPongWait)
	pingPeriod = getEnvDuration("COMPOLVO_PING_PERIOD", defaultPingPeriod)
	loginWait = getEnvDuration("COMPOLVO_LOGIN_WAIT", defaultLoginWait)
	debug.Info("WebSocket timing: write=%v pong=%v ping=%v login=%v",
		writeWait, pongWait, pingPeriod, loginWait)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: Implement proper origin checking
		return true
	},
}

// AgentStore is the persistence surface the handler needs for connection
// bookkeeping.
type AgentStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Agent, error)
	Update(ctx context.Context, agent *models.Agent) error
}

// StatusApplier applies software-status-update payloads on behalf of an
// authenticated agent. Implemented by the lifecycle reconciler.
type StatusApplier interface {
	Apply(ctx context.Context, agentID uuid.UUID, msg *bus.SoftwareStatusMessage) error
}

// Handler manages the websocket endpoint agents and users connect to. Each
// accepted connection runs through a login phase before any subscribe or
// event traffic is accepted.
type Handler struct {
	bus        *bus.EventBus
	agents     AgentStore
	reconciler StatusApplier

	sessions map[uuid.UUID]*session
	mu       sync.RWMutex
}

// NewHandler creates a websocket handler.
func NewHandler(eventBus *bus.EventBus, agents AgentStore, reconciler StatusApplier) *Handler {
	initTimingConfig()

	return &Handler{
		bus:        eventBus,
		agents:     agents,
		reconciler: reconciler,
		sessions:   make(map[uuid.UUID]*session),
	}
}

// ServeWS upgrades the connection and runs the login phase. The first frame
// must be an agent-login event; anything else closes the connection with a
// reject code.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	sourceIP := sourceIPFor(r)
	debug.Info("New WebSocket connection attempt from %s", sourceIP)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		debug.Error("Failed to upgrade connection from %s: %v", sourceIP, err)
		return
	}

	agent, ok := h.login(r.Context(), conn, sourceIP)
	if !ok {
		conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		handler: h,
		conn:    conn,
		agent:   agent,
		send:    make(chan []byte, 64),
		ctx:     ctx,
		cancel:  cancel,
	}

	h.mu.Lock()
	h.sessions[agent.ID] = s
	h.mu.Unlock()
	debug.Info("Agent %s authenticated from %s", agent.ID, sourceIP)

	go s.writePump()
	go s.readPump()
}

// login reads and validates the initial agent-login frame, updating the
// agent's connection bookkeeping on success. The reject close codes are
// distinct so the client can tell why it was refused.
func (h *Handler) login(ctx context.Context, conn *websocket.Conn, sourceIP string) (*models.Agent, bool) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(loginWait))

	_, data, err := conn.ReadMessage()
	if err != nil {
		debug.Warning("Connection from %s closed before login: %v", sourceIP, err)
		return nil, false
	}

	agentID, err := parseLoginFrame(data)
	if err != nil {
		debug.Warning("Invalid login payload from %s: %v", sourceIP, err)
		h.reject(conn, CloseInvalidLogin, err.Error())
		return nil, false
	}

	agent, err := h.agents.GetByID(ctx, agentID)
	if err != nil {
		debug.Warning("Login for unknown agent %s from %s", agentID, sourceIP)
		h.reject(conn, CloseAgentNotFound, "agent not found")
		return nil, false
	}
	if agent.Connected || h.hasSession(agent.ID) {
		debug.Warning("Agent %s already has an active session, rejecting login from %s", agent.ID, sourceIP)
		h.reject(conn, CloseAlreadyConnected, "agent already connected")
		return nil, false
	}

	agent.Connected = true
	agent.ConnectionInterrupted = false
	agent.LastConnectionStart = nullTimeNow()
	agent.ConnectionFromIPAddress = nullString(sourceIP)
	if err := h.agents.Update(ctx, agent); err != nil {
		debug.Error("Failed to persist login for agent %s: %v", agent.ID, err)
		h.reject(conn, websocket.CloseInternalServerErr, "failed to persist login")
		return nil, false
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(successReply{Success: true}); err != nil {
		debug.Error("Failed to acknowledge login for agent %s: %v", agent.ID, err)
		return nil, false
	}

	// Server-side subscribers (reload fan-out) learn about the login through
	// the queue like any other event.
	event, err := loginEvent(agent.ID)
	if err != nil {
		debug.Error("Failed to build login event for agent %s: %v", agent.ID, err)
	} else {
		h.bus.Enqueue(ctx, event)
	}

	return agent, true
}

func (h *Handler) reject(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	message := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, message, deadline); err != nil {
		debug.Debug("Failed to send close frame: %v", err)
	}
}

func (h *Handler) hasSession(agentID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sessions[agentID]
	return ok
}

func (h *Handler) unregister(s *session) {
	h.mu.Lock()
	if current, ok := h.sessions[s.agent.ID]; ok && current == s {
		delete(h.sessions, s.agent.ID)
	}
	h.mu.Unlock()
}

// ConnectedAgents returns the IDs of agents with a live session.
func (h *Handler) ConnectedAgents() []uuid.UUID {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]uuid.UUID, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	return ids
}

// sourceIPFor prefers the proxy-forwarded address over the transport address.
func sourceIPFor(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if idx := strings.IndexByte(forwarded, ','); idx >= 0 {
			return strings.TrimSpace(forwarded[:idx])
		}
		return strings.TrimSpace(forwarded)
	}
	host := r.RemoteAddr
	if idx := strings.LastIndexByte(host, ':'); idx >= 0 {
		host = host[:idx]
	}
	return host
}
