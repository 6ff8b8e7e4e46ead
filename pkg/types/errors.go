package types

import (
	"errors"
	"fmt"
)

// Error kinds. Every error surfaced by the session core wraps exactly one of
// these so transports can classify with errors.Is.
var (
	ErrValidation      = errors.New("validation error")
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("forbidden")
	ErrConflict        = errors.New("conflict")
	ErrUpstreamService = errors.New("upstream service error")
	ErrInternal        = errors.New("internal error")
)

// Input validation errors.
var (
	ErrInvalidUserID     = fmt.Errorf("%w: user ID must be 1-64 characters, alphanumeric + underscore/hyphen only", ErrValidation)
	ErrInvalidProblem    = fmt.Errorf("%w: problem title must be 1-200 characters", ErrValidation)
	ErrEmptyProblemList  = fmt.Errorf("%w: problem list cannot be empty", ErrValidation)
	ErrInvalidLanguage   = fmt.Errorf("%w: unsupported language", ErrValidation)
	ErrInvalidVisibility = fmt.Errorf("%w: visibility must be 'private' or 'public'", ErrValidation)
	ErrInvalidFocusKind  = fmt.Errorf("%w: focus kind must be 'tab-switch' or 'fullscreen-exit'", ErrValidation)
	ErrCodeTooLarge      = fmt.Errorf("%w: code snapshot exceeds 256KB limit", ErrValidation)
	ErrInvalidEventType  = fmt.Errorf("%w: invalid event type", ErrValidation)
	ErrInvalidPayload    = fmt.Errorf("%w: invalid event payload", ErrValidation)
	ErrPayloadTooLarge   = fmt.Errorf("%w: event payload exceeds 256KB limit", ErrValidation)
)

// UpstreamError is a failed call to an external resource provider.
type UpstreamError struct {
	Provider string
	Step     string
	Err      error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s failed during %s: %v", e.Provider, e.Step, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Is makes every UpstreamError match ErrUpstreamService.
func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstreamService
}

// KindOf returns the taxonomy kind wrapped by err, or ErrInternal when err
// carries none.
func KindOf(err error) error {
	for _, kind := range []error{ErrValidation, ErrNotFound, ErrForbidden, ErrConflict, ErrUpstreamService, ErrInternal} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return ErrInternal
}
