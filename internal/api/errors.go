package api

import (
	"errors"
	"net/http"

	"coderoom/pkg/types"
)

var (
	ErrMissingUserID = errors.New("missing X-User-ID header")
	ErrInvalidJSON   = errors.New("invalid JSON body")
)

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch types.KindOf(err) {
	case types.ErrValidation:
		return http.StatusBadRequest
	case types.ErrNotFound:
		return http.StatusNotFound
	case types.ErrForbidden:
		return http.StatusForbidden
	case types.ErrConflict:
		return http.StatusConflict
	case types.ErrUpstreamService:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
