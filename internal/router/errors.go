package router

import (
	"fmt"

	"coderoom/pkg/types"
)

// Routing errors. ErrHostOnlyEvent marks events that are dropped silently.
var (
	ErrSenderNotInRoom = fmt.Errorf("%w: sender has not joined a room", types.ErrForbidden)
	ErrWrongRoom       = fmt.Errorf("%w: event room does not match the sender's room", types.ErrForbidden)
	ErrHostOnlyEvent   = fmt.Errorf("%w: only the host can send this event", types.ErrForbidden)
	ErrMissingField    = fmt.Errorf("%w: required payload field missing", types.ErrValidation)
)
