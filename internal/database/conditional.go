package database

import (
	"context"
	"errors"
	"time"

	"coderoom/pkg/interfaces"
	"coderoom/pkg/types"
)

// DefaultMaxRetries bounds compare-and-swap attempts per conditional update.
const DefaultMaxRetries = 8

// errCASMiss reports that the stored version moved between read and write.
var errCASMiss = errors.New("compare-and-swap miss")

// applyUpdate runs check and mutate against copies of current and returns the
// record to write back. ID, CallID and CreatedAt cannot be changed.
func applyUpdate(current *types.Session, check interfaces.Predicate, mutate interfaces.Mutation, now time.Time) (*types.Session, error) {
	if check != nil {
		if err := check(current.Clone()); err != nil {
			return nil, err
		}
	}

	next := current.Clone()
	if mutate != nil {
		if err := mutate(next); err != nil {
			return nil, err
		}
	}
	next.ID = current.ID
	next.CallID = current.CallID
	next.CreatedAt = current.CreatedAt
	next.Version = current.Version + 1
	next.UpdatedAt = now
	return next, nil
}

// withRetries repeats attempt while it reports a CAS miss.
func withRetries(ctx context.Context, maxRetries int, attempt func() (*types.Session, error)) (*types.Session, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	for i := 0; i < maxRetries; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s, err := attempt()
		if errors.Is(err, errCASMiss) {
			continue
		}
		return s, err
	}
	return nil, interfaces.ErrVersionConflict
}

// prepareInsert fills the bookkeeping fields of a new record.
func prepareInsert(s *types.Session, now time.Time) *types.Session {
	rec := s.Clone()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.Version == 0 {
		rec.Version = 1
	}
	return rec
}

// matchesActive reports whether s belongs in an active listing.
func matchesActive(s *types.Session, visibility types.Visibility) bool {
	if s.Status != types.StatusActive {
		return false
	}
	return visibility == "" || s.Visibility == visibility
}
