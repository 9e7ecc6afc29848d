package ws

import (
	"testing"
	"time"

	"github.com/kokke33/TaskTrackr-sub001/backend/internal/presence"
	"github.com/kokke33/TaskTrackr-sub001/backend/internal/session"
)

func testConn(userID uint64, username string) *Conn {
	return newConn(nil, nil, nil, session.Identity{UserID: userID, Username: username})
}

func drain(c *Conn) []OutboundMessage {
	var msgs []OutboundMessage
	for {
		select {
		case m := <-c.send:
			msgs = append(msgs, m)
		default:
			return msgs
		}
	}
}

func TestBroadcastPresenceReachesAllConnections(t *testing.T) {
	h := NewHub()
	editing := testConn(1, "alice")
	bystander := testConn(2, "bob")
	h.Register(editing)
	h.Register(bystander)
	h.JoinRoom("doc-1", editing)

	h.BroadcastPresence("doc-1", []presence.EditSession{{DocID: "doc-1", UserID: 1, Username: "alice"}})

	for _, c := range []*Conn{editing, bystander} {
		msgs := drain(c)
		if len(msgs) != 1 {
			t.Fatalf("user %d got %d messages, want 1", c.identity.UserID, len(msgs))
		}
		got, ok := msgs[0].(EditingUsersMessage)
		if !ok || got.DocID != "doc-1" || len(got.Users) != 1 {
			t.Fatalf("user %d got %+v", c.identity.UserID, msgs[0])
		}
	}
}

func TestBroadcastAfterConnShutdownDoesNotPanic(t *testing.T) {
	h := NewHub()
	leaving := testConn(1, "alice")
	h.Register(leaving)
	h.JoinRoom("doc-1", leaving)

	// The lifecycle shuts the connection down while broadcasters may
	// still hold it in a target snapshot.
	leaving.shutdown()
	leaving.shutdown() // idempotent

	h.BroadcastPresence("doc-1", []presence.EditSession{{DocID: "doc-1", UserID: 1, Username: "alice"}})
	h.NotifyUpdated("doc-1", session.Identity{UserID: 2, Username: "bob"}, 3, time.Now())

	if msgs := drain(leaving); len(msgs) != 0 {
		t.Fatalf("shut-down connection got %d messages, want 0", len(msgs))
	}
}

func TestNotifyUpdatedExcludesWriter(t *testing.T) {
	h := NewHub()
	writer := testConn(1, "alice")
	peer := testConn(2, "bob")
	outsider := testConn(3, "carol")
	for _, c := range []*Conn{writer, peer, outsider} {
		h.Register(c)
	}
	h.JoinRoom("doc-1", writer)
	h.JoinRoom("doc-1", peer)
	// carol is connected but not editing doc-1.

	h.NotifyUpdated("doc-1", writer.identity, 4, time.Now())

	if msgs := drain(writer); len(msgs) != 0 {
		t.Fatalf("writer got %d messages, want 0", len(msgs))
	}
	if msgs := drain(outsider); len(msgs) != 0 {
		t.Fatalf("non-editing peer got %d messages, want 0", len(msgs))
	}
	msgs := drain(peer)
	if len(msgs) != 1 {
		t.Fatalf("editing peer got %d messages, want 1", len(msgs))
	}
	got, ok := msgs[0].(DataUpdatedMessage)
	if !ok || got.NewVersion != 4 || got.UpdatedBy != 1 {
		t.Fatalf("peer got %+v", msgs[0])
	}
}

func TestNotifyUpdatedExcludesWriterOtherTab(t *testing.T) {
	h := NewHub()
	tab1 := testConn(1, "alice")
	tab2 := testConn(1, "alice")
	h.Register(tab1)
	h.Register(tab2)
	h.JoinRoom("doc-1", tab1)
	h.JoinRoom("doc-1", tab2)

	// Exclusion is by identity, not by connection.
	h.NotifyUpdated("doc-1", tab1.identity, 4, time.Now())
	if msgs := drain(tab2); len(msgs) != 0 {
		t.Fatalf("writer's other tab got %d messages, want 0", len(msgs))
	}
}

func TestUnregisterReportsLastConnection(t *testing.T) {
	h := NewHub()
	tab1 := testConn(1, "alice")
	tab2 := testConn(1, "alice")
	h.Register(tab1)
	h.Register(tab2)
	h.JoinRoom("doc-1", tab1)

	if h.Unregister(tab1) {
		t.Fatal("user still has an open tab, must not cascade")
	}
	if !h.Unregister(tab2) {
		t.Fatal("last connection must cascade")
	}
	// Unregistering twice is harmless.
	if h.Unregister(tab2) {
		t.Fatal("double unregister must be a no-op")
	}
}

func TestUnregisterLeavesRooms(t *testing.T) {
	h := NewHub()
	c := testConn(1, "alice")
	h.Register(c)
	h.JoinRoom("doc-1", c)
	h.Unregister(c)

	h.NotifyUpdated("doc-1", session.Identity{UserID: 2, Username: "bob"}, 4, time.Now())
	if msgs := drain(c); len(msgs) != 0 {
		t.Fatalf("closed connection got %d messages, want 0", len(msgs))
	}
}

func TestRegisterIdempotent(t *testing.T) {
	h := NewHub()
	c := testConn(1, "alice")
	h.Register(c)
	h.Register(c)

	// A double register must not inflate the per-user count.
	if !h.Unregister(c) {
		t.Fatal("single connection should still be the user's last")
	}
}
