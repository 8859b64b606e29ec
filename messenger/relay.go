package messenger

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// RelayHost pairs the two ends of a cross-process dialog session: the
// page side and the dialog side each connect a websocket to the same
// session id and the host forwards raw frames between them, preserving
// per-direction order. It is transport only; it renders nothing.
type RelayHost struct {
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]map[string]*relayConn

	allowed map[string]bool
	log     *zap.Logger
}

type relayConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (rc *relayConn) write(messageType int, data []byte) error {
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	return rc.conn.WriteMessage(messageType, data)
}

// RelayOption configures a relay host.
type RelayOption func(*RelayHost)

// WithAllowedOrigins restricts which handshake origins may connect.
// Without it, any origin is accepted (development use).
func WithAllowedOrigins(origins ...string) RelayOption {
	return func(h *RelayHost) {
		h.allowed = make(map[string]bool, len(origins))
		for _, o := range origins {
			h.allowed[o] = true
		}
	}
}

// WithRelayLogger sets the logger. Defaults to a no-op logger.
func WithRelayLogger(log *zap.Logger) RelayOption {
	return func(h *RelayHost) { h.log = log }
}

// NewRelayHost creates a relay host.
func NewRelayHost(opts ...RelayOption) *RelayHost {
	h := &RelayHost{
		sessions: make(map[string]map[string]*relayConn),
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if h.allowed == nil {
				return true
			}
			return h.allowed[r.Header.Get("Origin")]
		},
	}
	return h
}

// Routes mounts the relay endpoint on a gin router.
func (h *RelayHost) Routes(r gin.IRouter) {
	r.GET("/relay/:session", h.handle)
}

func (h *RelayHost) handle(c *gin.Context) {
	session := c.Param("session")
	side := c.Query("side")
	if side != "page" && side != "dialog" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "side must be page or dialog"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("relay: upgrade failed", zap.Error(err))
		return
	}
	rc := &relayConn{conn: conn}

	h.mu.Lock()
	sides, ok := h.sessions[session]
	if !ok {
		sides = make(map[string]*relayConn, 2)
		h.sessions[session] = sides
	}
	if prev, ok := sides[side]; ok {
		prev.conn.Close()
	}
	sides[side] = rc
	h.mu.Unlock()

	defer h.drop(session, side, rc)
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if peer := h.peer(session, side); peer != nil {
			if err := peer.write(messageType, data); err != nil {
				h.log.Debug("relay: forward failed", zap.String("session", session), zap.Error(err))
			}
		}
	}
}

func (h *RelayHost) peer(session, side string) *relayConn {
	other := "dialog"
	if side == "dialog" {
		other = "page"
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if sides, ok := h.sessions[session]; ok {
		return sides[other]
	}
	return nil
}

func (h *RelayHost) drop(session, side string, rc *relayConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sides, ok := h.sessions[session]; ok && sides[side] == rc {
		delete(sides, side)
		if len(sides) == 0 {
			delete(h.sessions, session)
		}
	}
	rc.conn.Close()
}
