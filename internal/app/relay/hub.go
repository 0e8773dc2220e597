package relay

import (
	"context"
	"log"
	"strings"
	"sync"

	"github.com/Krishnakrish77/api-lab/errs"
)

// DefaultRefreshToken is the inbound message that requests an immediate cycle.
const DefaultRefreshToken = "refresh"

// SessionState is the lifecycle position of one connection.
type SessionState uint8

const (
	SessionConnecting SessionState = iota
	SessionOpen
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "connecting"
	case SessionOpen:
		return "open"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Hub drives the per-connection session lifecycle: Connecting, then Open
// once registered, then Closed (terminal).
type Hub struct {
	registry     *Registry
	cycles       cycleTrigger
	refreshToken string
	logger       *log.Logger

	mu       sync.Mutex
	sessions map[string]SessionState
	closed   map[string]struct{}
}

// NewHub wires the lifecycle handler to a registry and engine.
func NewHub(registry *Registry, engine *Engine, refreshToken string, logger *log.Logger) *Hub {
	return newHub(registry, engine, refreshToken, logger)
}

func newHub(registry *Registry, cycles cycleTrigger, refreshToken string, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		refreshToken = DefaultRefreshToken
	}
	return &Hub{
		registry:     registry,
		cycles:       cycles,
		refreshToken: refreshToken,
		logger:       logger,
		sessions:     make(map[string]SessionState),
		closed:       make(map[string]struct{}),
	}
}

// Open moves a newly established connection to Open, registers it and
// triggers the initial push.
func (h *Hub) Open(_ context.Context, conn Conn) error {
	if conn == nil {
		return errs.New("relay/hub", errs.CodeInvalid, errs.WithMessage("nil connection"))
	}
	id := conn.ID()
	if !conn.IsOpen() {
		return errs.New("relay/hub", errs.CodeClosed, errs.WithMessage("connection "+id+" is not open"))
	}

	h.mu.Lock()
	if _, ok := h.closed[id]; ok {
		h.mu.Unlock()
		return errs.New("relay/hub", errs.CodeClosed, errs.WithMessage("session "+id+" already closed"))
	}
	if state, ok := h.sessions[id]; ok {
		h.mu.Unlock()
		return errs.New("relay/hub", errs.CodeInvalid, errs.WithMessage("session "+id+" already "+state.String()))
	}
	h.sessions[id] = SessionConnecting
	h.mu.Unlock()

	h.registry.Register(conn)

	h.mu.Lock()
	if _, ok := h.sessions[id]; !ok {
		// Closed while registering.
		h.mu.Unlock()
		h.registry.Deregister(conn)
		return errs.New("relay/hub", errs.CodeClosed, errs.WithMessage("connection "+id+" closed during open"))
	}
	h.sessions[id] = SessionOpen
	h.mu.Unlock()

	h.cycles.Trigger(TriggerConnect)
	return nil
}

// HandleMessage reacts to one inbound text message. The refresh token
// (surrounding whitespace ignored) triggers a full fan-out cycle; anything
// else is ignored. It reports whether a cycle was triggered.
func (h *Hub) HandleMessage(_ context.Context, conn Conn, msg []byte) bool {
	if conn == nil {
		return false
	}
	if h.State(conn.ID()) != SessionOpen {
		return false
	}
	if strings.TrimSpace(string(msg)) != h.refreshToken {
		h.logger.Printf("relay: ignoring %d byte message from %s", len(msg), conn.ID())
		return false
	}
	return h.cycles.Trigger(TriggerRefresh)
}

// Close moves the session to Closed and deregisters the connection. Closed is
// terminal: later messages are ignored and Open on the same connection fails.
// Closing twice has no further effect.
func (h *Hub) Close(conn Conn) {
	if conn == nil {
		return
	}
	h.mu.Lock()
	delete(h.sessions, conn.ID())
	h.closed[conn.ID()] = struct{}{}
	h.mu.Unlock()

	h.registry.Deregister(conn)
}

// State reports the session state for id. Unknown or closed sessions report
// SessionClosed.
func (h *Hub) State(id string) SessionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	if state, ok := h.sessions[id]; ok {
		return state
	}
	return SessionClosed
}

// Sessions returns the number of sessions not yet closed.
func (h *Hub) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}
