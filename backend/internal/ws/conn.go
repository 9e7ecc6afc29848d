package ws

import (
	"context"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/kokke33/TaskTrackr-sub001/backend/internal/presence"
	"github.com/kokke33/TaskTrackr-sub001/backend/internal/session"
)

// Conn is one live websocket bound to one authenticated identity for
// its whole lifetime.
type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	tracker  *presence.Tracker
	identity session.Identity

	send chan OutboundMessage
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

func newConn(ws *websocket.Conn, hub *Hub, tracker *presence.Tracker, identity session.Identity) *Conn {
	return &Conn{
		ws:       ws,
		hub:      hub,
		tracker:  tracker,
		identity: identity,
		send:     make(chan OutboundMessage, 32),
		done:     make(chan struct{}),
	}
}

// Enqueue hands a message to the write loop without blocking. A slow
// consumer's full buffer drops the message; presence and update
// notifications are re-derivable, so dropping beats stalling a
// broadcast. After shutdown it is a no-op: broadcasters snapshot their
// targets before sending, so a message can still arrive for a
// connection that just left the hub.
func (c *Conn) Enqueue(msg OutboundMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// shutdown stops the write loop and turns further Enqueue calls into
// no-ops. The send channel is never closed: late broadcasters hold
// references to this connection, and a closed channel would turn their
// sends into panics. Safe to call more than once.
func (c *Conn) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

func (c *Conn) readLoop(ctx context.Context) {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("ws read error (user=%d): %v", c.identity.UserID, err)
			}
			return
		}
		msg, err := ParseClientMessage(raw)
		if err != nil {
			// Malformed frames are logged and ignored; the connection
			// stays open.
			log.Printf("ws drop message (user=%d): %v", c.identity.UserID, err)
			continue
		}

		switch msg.Type {
		case TypeStartEditing:
			c.hub.JoinRoom(msg.DocID, c)
			c.tracker.StartEditing(c.identity.UserID, c.identity.Username, msg.DocID)

		case TypeStopEditing:
			c.tracker.StopEditing(c.identity.UserID, msg.DocID)
			c.hub.LeaveRoom(msg.DocID, c)

		case TypeActivity:
			c.tracker.RecordActivity(c.identity.UserID, msg.DocID)

		case TypePing:
			c.Enqueue(PongMessage{
				Type:     TypePong,
				UserID:   c.identity.UserID,
				Username: c.identity.Username,
			})
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case msg := <-c.send:
			if err := c.ws.WriteJSON(msg); err != nil {
				log.Printf("ws write error (user=%d): %v", c.identity.UserID, err)
				return
			}
		case <-c.done:
			return
		}
	}
}
