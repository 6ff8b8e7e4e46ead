package websocket

import "errors"

// Connection errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("send buffer full")
	ErrInvalidJSON      = errors.New("invalid JSON data")
	ErrInvalidRoom      = errors.New("room ID and role are required")
)

// Registry errors
var (
	ErrNilConnection = errors.New("connection cannot be nil")
	ErrNotInRoom     = errors.New("connection has not joined a room")
)
