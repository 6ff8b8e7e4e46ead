package interfaces

import (
	"fmt"

	"coderoom/pkg/types"
)

// Repository errors shared by every backend.
var (
	ErrSessionNotFound  = fmt.Errorf("%w: session not found", types.ErrNotFound)
	ErrDuplicateSession = fmt.Errorf("%w: session already exists", types.ErrConflict)
	ErrVersionConflict  = fmt.Errorf("%w: session was modified concurrently", types.ErrConflict)
)
