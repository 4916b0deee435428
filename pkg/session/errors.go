package session

import "fmt"

// Error is a typed session error surfaced to the caller's UI layer.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Code    string    `json:"code,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes session errors.
type ErrorType string

const (
	// ErrMicUnavailable is fatal to session start; the session never
	// continues silently without audio.
	ErrMicUnavailable ErrorType = "microphone_unavailable"

	// ErrTransport covers socket errors and unexpected closes. The session is
	// non-functional afterwards; an explicit restart is required.
	ErrTransport ErrorType = "transport_error"

	// ErrProtocol is a non-fatal server error notice.
	ErrProtocol ErrorType = "protocol_error"

	// ErrAccounting covers usage-report failures. Logged and swallowed, never
	// fatal to teardown.
	ErrAccounting ErrorType = "accounting_error"

	// ErrState rejects operations invalid in the current lifecycle state,
	// such as starting while another session is live.
	ErrState ErrorType = "state_error"
)

// NewMicUnavailableError creates a microphone acquisition error.
func NewMicUnavailableError(message string) *Error {
	return &Error{Type: ErrMicUnavailable, Message: message}
}

// NewTransportError creates a transport failure error.
func NewTransportError(message string) *Error {
	return &Error{Type: ErrTransport, Message: message}
}

// NewProtocolError creates a non-fatal protocol error notice.
func NewProtocolError(message string) *Error {
	return &Error{Type: ErrProtocol, Message: message}
}

// NewAccountingError creates a usage-accounting error.
func NewAccountingError(message string) *Error {
	return &Error{Type: ErrAccounting, Message: message}
}

// NewStateError creates an invalid-state error.
func NewStateError(message string) *Error {
	return &Error{Type: ErrState, Message: message}
}

// IsFatalToStart reports whether an error aborts session start.
func (e *Error) IsFatalToStart() bool {
	switch e.Type {
	case ErrMicUnavailable, ErrTransport:
		return true
	default:
		return false
	}
}
