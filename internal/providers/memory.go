package providers

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"coderoom/pkg/interfaces"
	"coderoom/pkg/types"
)

// Operation names accepted by FailOn.
const (
	OpUpsertUser        = "identity.upsert"
	OpDeleteUser        = "identity.delete"
	OpCreateRoom        = "video.create"
	OpAddRoomMembers    = "video.add_members"
	OpSoftEndRoom       = "video.soft_end"
	OpHardDeleteRoom    = "video.hard_delete"
	OpCreateChannel     = "chat.create"
	OpAddChannelMembers = "chat.add_members"
	OpDeleteChannel     = "chat.delete"
)

// faults injects errors into in-memory provider operations.
type faults struct {
	mu     sync.Mutex
	failOn map[string]error
	calls  map[string]int
}

// FailOn makes every later call of op return err. A nil err clears it.
func (f *faults) FailOn(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn == nil {
		f.failOn = make(map[string]error)
	}
	if err == nil {
		delete(f.failOn, op)
		return
	}
	f.failOn[op] = err
}

// Calls returns how many times op was invoked, failed calls included.
func (f *faults) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *faults) check(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[op]++
	return f.failOn[op]
}

// MemoryIdentities is an in-process IdentityDirectory.
type MemoryIdentities struct {
	faults
	mu    sync.RWMutex
	users map[string]types.Identity
}

func NewMemoryIdentities() *MemoryIdentities {
	return &MemoryIdentities{users: make(map[string]types.Identity)}
}

func (m *MemoryIdentities) Upsert(ctx context.Context, user types.Identity) error {
	if err := m.check(OpUpsertUser); err != nil {
		return err
	}
	m.mu.Lock()
	m.users[user.ID] = user
	m.mu.Unlock()
	return nil
}

func (m *MemoryIdentities) Delete(ctx context.Context, userID string) error {
	if err := m.check(OpDeleteUser); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.users, userID)
	m.mu.Unlock()
	return nil
}

// Get returns a registered identity.
func (m *MemoryIdentities) Get(userID string) (types.Identity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	return u, ok
}

type memoryRoom struct {
	kind     string
	members  map[string]string
	metadata map[string]string
	ended    bool
}

// MemoryVideoRooms is an in-process VideoRoomService.
type MemoryVideoRooms struct {
	faults
	mu    sync.RWMutex
	rooms map[string]*memoryRoom
}

func NewMemoryVideoRooms() *MemoryVideoRooms {
	return &MemoryVideoRooms{rooms: make(map[string]*memoryRoom)}
}

func (m *MemoryVideoRooms) CreateOrGet(ctx context.Context, kind, roomID string, members []interfaces.Member, metadata map[string]string) (*interfaces.RoomRef, error) {
	if err := m.check(OpCreateRoom); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[roomID]; !ok {
		room := &memoryRoom{kind: kind, members: make(map[string]string), metadata: metadata}
		for _, mem := range members {
			room.members[mem.UserID] = mem.Role
		}
		m.rooms[roomID] = room
	}
	return &interfaces.RoomRef{Kind: kind, ID: roomID}, nil
}

func (m *MemoryVideoRooms) AddMembers(ctx context.Context, roomID string, userIDs []string) error {
	if err := m.check(OpAddRoomMembers); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return fmt.Errorf("video room %s not found", roomID)
	}
	for _, id := range userIDs {
		if _, exists := room.members[id]; !exists {
			room.members[id] = "user"
		}
	}
	return nil
}

func (m *MemoryVideoRooms) SoftEnd(ctx context.Context, roomID string) error {
	if err := m.check(OpSoftEndRoom); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return fmt.Errorf("video room %s not found", roomID)
	}
	room.ended = true
	return nil
}

func (m *MemoryVideoRooms) HardDelete(ctx context.Context, roomID string) error {
	if err := m.check(OpHardDeleteRoom); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.rooms, roomID)
	m.mu.Unlock()
	return nil
}

// Exists reports whether a room is present.
func (m *MemoryVideoRooms) Exists(roomID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rooms[roomID]
	return ok
}

// Ended reports whether a room was soft-ended.
func (m *MemoryVideoRooms) Ended(roomID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[roomID]
	return ok && room.ended
}

// Members returns the sorted member IDs of a room.
func (m *MemoryVideoRooms) Members(roomID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	return sortedKeys(room.members)
}

// Count returns the number of live rooms.
func (m *MemoryVideoRooms) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

type memoryChannel struct {
	kind     string
	members  map[string]string
	metadata map[string]string
}

// MemoryChatChannels is an in-process ChatChannelService.
type MemoryChatChannels struct {
	faults
	mu       sync.RWMutex
	channels map[string]*memoryChannel
}

func NewMemoryChatChannels() *MemoryChatChannels {
	return &MemoryChatChannels{channels: make(map[string]*memoryChannel)}
}

func (m *MemoryChatChannels) Create(ctx context.Context, kind, channelID string, members []string, metadata map[string]string) (*interfaces.ChannelRef, error) {
	if err := m.check(OpCreateChannel); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.channels[channelID]; !ok {
		ch := &memoryChannel{kind: kind, members: make(map[string]string), metadata: metadata}
		for _, id := range members {
			ch.members[id] = "member"
		}
		m.channels[channelID] = ch
	}
	return &interfaces.ChannelRef{Kind: kind, ID: channelID}, nil
}

func (m *MemoryChatChannels) AddMembers(ctx context.Context, channelID string, userIDs []string) error {
	if err := m.check(OpAddChannelMembers); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.channels[channelID]
	if !ok {
		return fmt.Errorf("chat channel %s not found", channelID)
	}
	for _, id := range userIDs {
		ch.members[id] = "member"
	}
	return nil
}

func (m *MemoryChatChannels) Delete(ctx context.Context, channelID string) error {
	if err := m.check(OpDeleteChannel); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.channels, channelID)
	m.mu.Unlock()
	return nil
}

// Exists reports whether a channel is present.
func (m *MemoryChatChannels) Exists(channelID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.channels[channelID]
	return ok
}

// Members returns the sorted member IDs of a channel.
func (m *MemoryChatChannels) Members(channelID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[channelID]
	if !ok {
		return nil
	}
	return sortedKeys(ch.members)
}

// Count returns the number of live channels.
func (m *MemoryChatChannels) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.channels)
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
