package sessions

import "errors"

var (
	ErrAlreadyInitialized = errors.New("session already initialized")
	ErrNotInitialized     = errors.New("session not initialized")
	ErrSessionClosed      = errors.New("session closed")
	ErrSessionNotFound    = errors.New("session not found")
	ErrDuplicateSessionID = errors.New("duplicate session id")
	ErrDuplicateCall      = errors.New("duplicate call id")
	ErrMissingCallID      = errors.New("call id is required")
	ErrNotStreaming       = errors.New("session does not keep an event log")
	ErrRegistryClosed     = errors.New("session registry closed")
)
