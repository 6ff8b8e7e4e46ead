package interfaces

import (
	"context"

	"coderoom/pkg/types"
)

// Provider resource kinds.
const (
	VideoRoomKind   = "default"
	ChatChannelKind = "messaging"
)

// Member is a user added to a video room at creation.
type Member struct {
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty"`
}

// RoomRef identifies a video room.
type RoomRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// ChannelRef identifies a chat channel.
type ChannelRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// IdentityDirectory registers users with the external providers.
type IdentityDirectory interface {
	// Upsert creates or refreshes a user. It must be idempotent.
	Upsert(ctx context.Context, user types.Identity) error
	Delete(ctx context.Context, userID string) error
}

// VideoRoomService manages external video rooms keyed by call ID.
type VideoRoomService interface {
	CreateOrGet(ctx context.Context, kind, roomID string, members []Member, metadata map[string]string) (*RoomRef, error)
	AddMembers(ctx context.Context, roomID string, userIDs []string) error
	// SoftEnd closes the room but keeps its recordings.
	SoftEnd(ctx context.Context, roomID string) error
	// HardDelete removes the room entirely. Used for compensation.
	HardDelete(ctx context.Context, roomID string) error
}

// ChatChannelService manages external chat channels keyed by call ID.
type ChatChannelService interface {
	Create(ctx context.Context, kind, channelID string, members []string, metadata map[string]string) (*ChannelRef, error)
	AddMembers(ctx context.Context, channelID string, userIDs []string) error
	Delete(ctx context.Context, channelID string) error
}
