package interfaces

import (
	"context"

	"coderoom/pkg/types"
)

// Predicate inspects the current record before a conditional update.
// A non-nil error aborts the update and is returned to the caller as is.
type Predicate func(current *types.Session) error

// Mutation changes a copy of the current record. An error aborts the write.
type Mutation func(s *types.Session) error

// SessionRepository is the durable store of sessions.
//
// UpdateConditional is the only way to change an existing record: it reads,
// checks, mutates and writes back with a version compare-and-swap, retrying
// on a lost race. Backends bump Version and UpdatedAt on every write.
type SessionRepository interface {
	// Create inserts a new record. A duplicate id or call ID is ErrDuplicateSession.
	Create(ctx context.Context, s *types.Session) error
	FindByID(ctx context.Context, id string) (*types.Session, error)
	FindByCallID(ctx context.Context, callID string) (*types.Session, error)
	UpdateConditional(ctx context.Context, id string, check Predicate, mutate Mutation) (*types.Session, error)
	// Delete removes a record physically. Only saga compensation calls it.
	Delete(ctx context.Context, id string) error

	// ListActive returns active sessions newest first. An empty visibility
	// matches any; limit 0 means no limit.
	ListActive(ctx context.Context, visibility types.Visibility, limit int) ([]*types.Session, error)
	CountActive(ctx context.Context) (int, error)

	HealthCheck(ctx context.Context) error
	Close() error
}
