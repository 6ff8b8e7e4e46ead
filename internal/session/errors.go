package session

import (
	"errors"
	"fmt"

	"coderoom/pkg/types"
)

// Session lifecycle errors. Each wraps one taxonomy kind from pkg/types.
var (
	ErrRoomFull          = fmt.Errorf("%w: room is full", types.ErrConflict)
	ErrSessionEnded      = fmt.Errorf("%w: session has ended", types.ErrConflict)
	ErrFocusModeDisabled = fmt.Errorf("%w: focus mode is not enabled", types.ErrConflict)
	ErrNotHost           = fmt.Errorf("%w: only the host can do this", types.ErrForbidden)
	ErrNotMember         = fmt.Errorf("%w: user is not a member of this session", types.ErrForbidden)
	ErrHostCannotJoin    = fmt.Errorf("%w: host is already in the session", types.ErrValidation)
)

// errAlreadyMember short-circuits a join write for an existing participant.
var errAlreadyMember = errors.New("already a participant")
