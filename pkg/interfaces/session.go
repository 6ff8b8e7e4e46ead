package interfaces

import (
	"context"

	"coderoom/pkg/types"
)

// SessionManager is the session lifecycle surface used by the transports.
type SessionManager interface {
	CreateSession(ctx context.Context, spec types.SessionSpec) (*types.Session, error)
	GetSession(ctx context.Context, id string) (*types.Session, error)
	// ListActiveSessions returns active public sessions, newest first.
	ListActiveSessions(ctx context.Context, limit int) ([]*types.Session, error)

	JoinSession(ctx context.Context, id string, user types.Identity) (*types.JoinResult, error)
	EndSession(ctx context.Context, id string, userID string) (*types.EndResult, error)

	UpdateProblemList(ctx context.Context, id, hostID string, problems []types.Problem) (*types.Session, error)
	ChangeProblem(ctx context.Context, id, hostID string, p types.Problem) (*types.Session, error)
	SaveCode(ctx context.Context, id, userID, code string) (*types.Session, error)

	SetFocusMode(ctx context.Context, id, hostID string, enabled bool) (*types.Session, error)
	RecordFocusEvent(ctx context.Context, id, userID, kind string) (*types.Session, error)

	// ValidateRoomMembership resolves a relay room key to its session and
	// returns the user's role in it.
	ValidateRoomMembership(ctx context.Context, callID, userID string) (*types.Session, string, error)
}
