package hub

import "errors"

// Hub errors
var (
	ErrHubAlreadyRunning     = errors.New("hub is already running")
	ErrHubNotRunning         = errors.New("hub is not running")
	ErrNilConnection         = errors.New("connection cannot be nil")
	ErrPublishChannelFull    = errors.New("publish channel is full")
	ErrMembershipChannelFull = errors.New("membership channel is full")
)
