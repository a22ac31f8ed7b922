package chat

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionBusy     = errors.New("session busy: a turn is already in flight")
	ErrResetRequired   = errors.New("session is in error state, reset required")
	ErrSessionClosed   = errors.New("session closed")
	ErrTurnCancelled   = errors.New("turn cancelled")
	ErrUnknownProvider = errors.New("unknown provider")
)

// ProtocolError reports a malformed inbound event. It never changes session state.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

// NewProtocolError formats a ProtocolError.
func NewProtocolError(format string, args ...any) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// IsProtocolError reports whether err wraps a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
