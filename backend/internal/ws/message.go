package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kokke33/TaskTrackr-sub001/backend/internal/presence"
	"github.com/kokke33/TaskTrackr-sub001/backend/internal/session"
)

// Client -> server message kinds. Anything else is rejected at the
// parse chokepoint below, never half-handled downstream.
const (
	TypeStartEditing = "start_editing"
	TypeStopEditing  = "stop_editing"
	TypeActivity     = "activity"
	TypePing         = "ping"
)

// Server -> client message kinds.
const (
	TypeEditingUsers = "editing_users"
	TypeDataUpdated  = "data_updated"
	TypePong         = "pong"
)

var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrUnknownType      = errors.New("unknown message type")
	ErrMissingDocID     = errors.New("documentId is required")
)

// ClientMessage is the closed set of inbound messages.
type ClientMessage struct {
	Type  string `json:"type"`
	DocID string `json:"documentId"`
}

// ParseClientMessage decodes and validates one inbound frame. All
// shape checks happen here so the dispatch switch in the read loop
// only ever sees well-formed messages.
func ParseClientMessage(raw []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	switch msg.Type {
	case TypeStartEditing, TypeStopEditing, TypeActivity:
		if msg.DocID == "" {
			return ClientMessage{}, fmt.Errorf("%w (type=%s)", ErrMissingDocID, msg.Type)
		}
	case TypePing:
	default:
		return ClientMessage{}, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
	return msg, nil
}

// OutboundMessage is anything the write loop can serialize.
type OutboundMessage interface {
	MessageType() string
}

func (m EditingUsersMessage) MessageType() string { return m.Type }
func (m DataUpdatedMessage) MessageType() string  { return m.Type }
func (m PongMessage) MessageType() string         { return m.Type }

// EditingUsersMessage carries the full editor list for one report.
type EditingUsersMessage struct {
	Type  string                 `json:"type"`
	DocID string                 `json:"documentId"`
	Users []presence.EditSession `json:"users"`
}

func NewEditingUsersMessage(docID string, users []presence.EditSession) EditingUsersMessage {
	if users == nil {
		users = []presence.EditSession{}
	}
	return EditingUsersMessage{Type: TypeEditingUsers, DocID: docID, Users: users}
}

// DataUpdatedMessage tells an editing peer the report version moved.
type DataUpdatedMessage struct {
	Type       string    `json:"type"`
	DocID      string    `json:"documentId"`
	UpdatedBy  uint64    `json:"updatedBy"`
	Username   string    `json:"username"`
	NewVersion uint64    `json:"newVersion"`
	Timestamp  time.Time `json:"timestamp"`
}

func NewDataUpdatedMessage(docID string, writer session.Identity, newVersion uint64, at time.Time) DataUpdatedMessage {
	return DataUpdatedMessage{
		Type:       TypeDataUpdated,
		DocID:      docID,
		UpdatedBy:  writer.UserID,
		Username:   writer.Username,
		NewVersion: newVersion,
		Timestamp:  at,
	}
}

// PongMessage echoes the connection's identity back on ping.
type PongMessage struct {
	Type     string `json:"type"`
	UserID   uint64 `json:"userId"`
	Username string `json:"username"`
}
