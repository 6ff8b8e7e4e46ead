package websocket

import (
	"sync"

	"coderoom/pkg/interfaces"
)

// Registry tracks room membership of relay connections. Connections are keyed
// by connection ID, so one user may hold several.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]interfaces.Connection            // connID -> Connection
	rooms map[string]map[string]interfaces.Connection // roomID -> connID -> Connection
	where map[string]string                           // connID -> roomID it is indexed under
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]interfaces.Connection),
		rooms: make(map[string]map[string]interfaces.Connection),
		where: make(map[string]string),
	}
}

// RegisterConnection indexes conn under its current room. Registering a
// connection again after it changed rooms moves it.
func (r *Registry) RegisterConnection(conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if !conn.InRoom() {
		return ErrNotInRoom
	}

	id := conn.GetID()
	roomID := conn.GetRoomID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.where[id]; ok && prev != roomID {
		r.removeFromRoom(prev, id)
	}

	r.conns[id] = conn
	r.where[id] = roomID
	if r.rooms[roomID] == nil {
		r.rooms[roomID] = make(map[string]interfaces.Connection)
	}
	r.rooms[roomID][id] = conn
	return nil
}

// UnregisterConnection removes conn. It is a no-op for unknown connections.
func (r *Registry) UnregisterConnection(conn interfaces.Connection) {
	if conn == nil {
		return
	}
	id := conn.GetID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if registered, ok := r.conns[id]; !ok || registered != conn {
		return
	}
	if roomID, ok := r.where[id]; ok {
		r.removeFromRoom(roomID, id)
	}
	delete(r.conns, id)
	delete(r.where, id)
}

func (r *Registry) removeFromRoom(roomID, id string) {
	members, ok := r.rooms[roomID]
	if !ok {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}
}

// CloseRoom removes every connection indexed under roomID and returns them.
func (r *Registry) CloseRoom(roomID string) []interfaces.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.rooms[roomID]
	out := make([]interfaces.Connection, 0, len(members))
	for id, conn := range members {
		delete(r.conns, id)
		delete(r.where, id)
		out = append(out, conn)
	}
	delete(r.rooms, roomID)
	return out
}

// GetConnection looks up a connection by ID.
func (r *Registry) GetConnection(id string) (interfaces.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// GetRoomConnections returns a snapshot of the connections in a room.
func (r *Registry) GetRoomConnections(roomID string) []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[roomID]
	out := make([]interfaces.Connection, 0, len(members))
	for _, conn := range members {
		out = append(out, conn)
	}
	return out
}

func (r *Registry) RoomConnectionCount(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomID])
}

// GetStats returns registry counters for monitoring.
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string]int{
		"total_connections": len(r.conns),
		"active_rooms":      len(r.rooms),
	}
}
