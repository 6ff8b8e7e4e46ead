package interfaces

import (
	"context"

	"coderoom/pkg/types"
)

// Connection is one relay client connection.
// WriteJSON must be safe for concurrent use and must not block.
type Connection interface {
	GetID() string
	GetUserID() string
	GetUserName() string
	GetRole() string
	GetRoomID() string
	InRoom() bool
	BindRoom(roomID, role string) error
	// UnbindRoom leaves roomID. It is a no-op when bound elsewhere.
	UnbindRoom(roomID string)
	WriteJSON(v interface{}) error
	Close() error
}

// EventRouter validates relay events and resolves their recipients.
type EventRouter interface {
	RouteEvent(ctx context.Context, ev *types.Event, sender *types.Client) error
	ValidateEvent(ev *types.Event, sender *types.Client) error
	GetRecipients(ev *types.Event, sender *types.Client) ([]Connection, error)
}

// RelayHub is the room-scoped pub/sub used by transports and the session
// layer. Delivery is at most once and nothing is persisted.
type RelayHub interface {
	Register(conn Connection) error
	Unregister(conn Connection)
	Publish(ev *types.Event, sender Connection) error
	Broadcast(roomID string, ev *types.Event) error
	RoomConnectionCount(roomID string) int
}
