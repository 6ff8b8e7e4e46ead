package types

import "time"

// Relay event types. Clients send the inbound kinds; the relay fans out the
// outbound kinds to the other connections of the same room.
const (
	EventJoinRoom          = "join-room"
	EventRoomJoined        = "room-joined"
	EventCodeChange        = "code-change"
	EventCodeUpdate        = "code-update"
	EventFocusViolation    = "focus-violation"
	EventFocusModeToggle   = "focus-mode-toggle"
	EventProblemChange     = "problem-change"
	EventProblemListChange = "problemlist-change"
	EventSessionEnded      = "session-ended"
	EventError             = "error"
)

// Event is the relay envelope. RoomID is the session's call ID.
type Event struct {
	Type      string                 `json:"type"`
	RoomID    string                 `json:"room_id"`
	From      string                 `json:"from,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Client is the routing view of one relay connection. ID is the connection
// ID so the same user may hold more than one connection.
type Client struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	Role     string `json:"role"`
	RoomID   string `json:"room_id"`
}

// IsHost reports whether the client joined its room as host.
func (c *Client) IsHost() bool {
	return c != nil && c.Role == RoleHost
}

// IsClientEvent reports whether a client may send this event type.
func IsClientEvent(eventType string) bool {
	switch eventType {
	case EventJoinRoom, EventCodeChange, EventFocusViolation,
		EventFocusModeToggle, EventProblemChange, EventProblemListChange:
		return true
	default:
		return false
	}
}

// IsHostOnlyEvent reports whether only the room host may emit this type.
func IsHostOnlyEvent(eventType string) bool {
	switch eventType {
	case EventFocusModeToggle, EventProblemChange, EventProblemListChange:
		return true
	default:
		return false
	}
}
