package errors

import "errors"

// Client errors.
var (
	ErrAuthFailed         = errors.New("authentication failed")
	ErrNoConversation     = errors.New("no conversation open")
	ErrDuplicateOperation = errors.New("operation already pending")
)

// Transport errors.
var (
	ErrNotConnected = errors.New("session not connected")
	ErrNotReady     = errors.New("session not ready")
)
