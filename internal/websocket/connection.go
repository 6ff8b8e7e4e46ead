package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// DefaultSendBuffer is the per-connection outbound queue length.
const DefaultSendBuffer = 100

// Connection implements interfaces.Connection. All writes go through one
// writer goroutine; WriteJSON only enqueues and never blocks.
type Connection struct {
	conn         *websocket.Conn
	writeCh      chan []byte
	writeTimeout time.Duration

	id       string
	userID   string
	userName string
	role     string
	roomID   string

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	mu        sync.RWMutex
}

// NewConnection wraps conn and starts its writer.
func NewConnection(conn *websocket.Conn, userID, userName string, sendBuffer int, writeTimeout time.Duration) *Connection {
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:         conn,
		writeCh:      make(chan []byte, sendBuffer),
		writeTimeout: writeTimeout,
		id:           uuid.NewString(),
		userID:       userID,
		userName:     userName,
		ctx:          ctx,
		cancel:       cancel,
	}

	go c.writeLoop()

	return c
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = c.Close()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON queues v for delivery. A full queue drops the message.
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// Done is closed when the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// BindRoom moves the connection into a room with the given role.
func (c *Connection) BindRoom(roomID, role string) error {
	if roomID == "" || role == "" {
		return ErrInvalidRoom
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomID = roomID
	c.role = role
	return nil
}

// UnbindRoom drops the room binding if the connection is still in roomID.
func (c *Connection) UnbindRoom(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.roomID == roomID {
		c.roomID = ""
		c.role = ""
	}
}

func (c *Connection) InRoom() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roomID != ""
}

func (c *Connection) GetID() string       { return c.id }
func (c *Connection) GetUserID() string   { return c.userID }
func (c *Connection) GetUserName() string { return c.userName }

func (c *Connection) GetRole() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

func (c *Connection) GetRoomID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roomID
}
