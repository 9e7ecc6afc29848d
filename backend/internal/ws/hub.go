package ws

import (
	"sync"
	"time"

	"github.com/kokke33/TaskTrackr-sub001/backend/internal/presence"
	"github.com/kokke33/TaskTrackr-sub001/backend/internal/session"
)

// Hub is the registry of open connections and per-report rooms. It
// implements presence.Broadcaster and collab.Notifier, so both the
// tracker and the update gate fan out through it.
type Hub struct {
	mu sync.RWMutex
	// every open connection, for presence broadcasts
	conns map[*Conn]struct{}
	// docID -> connections that declared start_editing, for targeted
	// update notifications
	rooms map[string]map[*Conn]struct{}
	// open-connection count per user, for the disconnect cascade
	userConns map[uint64]int
}

func NewHub() *Hub {
	return &Hub{
		conns:     make(map[*Conn]struct{}),
		rooms:     make(map[string]map[*Conn]struct{}),
		userConns: make(map[uint64]int),
	}
}

// Register adds an open connection. Idempotent per connection.
func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; ok {
		return
	}
	h.conns[c] = struct{}{}
	h.userConns[c.identity.UserID]++
}

// Unregister removes a connection from the registry and every room,
// and reports whether it was the user's last open connection. The
// caller uses that to cascade edit-session removal.
func (h *Hub) Unregister(c *Conn) (lastForUser bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; !ok {
		return false
	}
	delete(h.conns, c)
	for docID, room := range h.rooms {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, docID)
		}
	}
	userID := c.identity.UserID
	h.userConns[userID]--
	if h.userConns[userID] <= 0 {
		delete(h.userConns, userID)
		return true
	}
	return false
}

// JoinRoom subscribes a connection to one report's update
// notifications.
func (h *Hub) JoinRoom(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[docID] == nil {
		h.rooms[docID] = make(map[*Conn]struct{})
	}
	h.rooms[docID][c] = struct{}{}
}

func (h *Hub) LeaveRoom(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[docID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, docID)
		}
	}
}

// BroadcastPresence sends the editor list for docID to every open
// connection, not just the room. Simplicity over bandwidth; every
// client editing the report observes the list within one sweep
// interval.
func (h *Hub) BroadcastPresence(docID string, editors []presence.EditSession) {
	msg := NewEditingUsersMessage(docID, editors)

	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.Enqueue(msg)
	}
}

// NotifyUpdated tells every connection editing docID, except the
// writer's own, that the version advanced. The writer already knows
// the outcome of its write. Best-effort: a missed notification is
// discovered on the peer's next save.
func (h *Hub) NotifyUpdated(docID string, writer session.Identity, newVersion uint64, at time.Time) {
	msg := NewDataUpdatedMessage(docID, writer, newVersion, at)

	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.rooms[docID]))
	for c := range h.rooms[docID] {
		if c.identity.UserID == writer.UserID {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.Enqueue(msg)
	}
}
