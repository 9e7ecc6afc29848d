package ws

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/kokke33/TaskTrackr-sub001/backend/internal/presence"
	"github.com/kokke33/TaskTrackr-sub001/backend/internal/session"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

// Manager owns the upgrade path and the per-connection lifecycle.
type Manager struct {
	hub     *Hub
	tracker *presence.Tracker
}

func NewManager(hub *Hub, tracker *presence.Tracker) *Manager {
	return &Manager{hub: hub, tracker: tracker}
}

// WebSocketConnect upgrades an authenticated request. The auth
// middleware has already refused rate-limited or unauthenticated
// callers before any upgrade happened, so no partial connection state
// exists for them. The identity is confirmed once more after the
// upgrade; a missing one closes the socket with a policy-violation
// code rather than silently dropping it.
func (m *Manager) WebSocketConnect(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}
	defer conn.Close()

	identity := session.Identity{
		UserID:   c.GetUint64("userId"),
		Username: c.GetString("username"),
	}
	if identity.UserID == 0 {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "identity validation failed")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		return
	}

	wsConn := newConn(conn, m.hub, m.tracker, identity)
	m.hub.Register(wsConn)
	go wsConn.writeLoop()

	// Blocks until the transport closes.
	wsConn.readLoop(c.Request.Context())

	// Unregister before the close completes: the user's edit sessions
	// must not linger until the sweep when this was their last
	// connection.
	if m.hub.Unregister(wsConn) {
		m.tracker.DropUser(identity.UserID)
	}
	wsConn.shutdown()
}
