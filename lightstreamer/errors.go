package lightstreamer

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionClosed is returned by operations submitted to a session that
	// has been closed, and fails any request still pending when it closes.
	ErrSessionClosed = errors.New("session closed")

	// ErrConfiguration rejects invalid parameters before they reach the wire.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrFieldDecode marks a field whose delta could not be applied. The field
	// keeps its previous value; other fields in the same update are unaffected.
	ErrFieldDecode = errors.New("field decode failed")

	// ErrStalled reports that the server went silent beyond the stall window.
	ErrStalled = errors.New("session stalled")
)

// TransportError wraps a failure of the underlying stream or control channel.
// Transport errors are recoverable: the session retries internally before
// giving up.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "transport: " + e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }

// ControlError reports a control request rejected by the server (REQERR or
// ERROR response).
type ControlError struct {
	Message string
	ReqID   int
	Code    int
}

func (e *ControlError) Error() string {
	return fmt.Sprintf("control request %d refused: %s (%d)", e.ReqID, e.Message, e.Code)
}

// SessionEndError reports a session terminated by the server (END or CONERR).
type SessionEndError struct {
	Reason string
	Code   int
}

func (e *SessionEndError) Error() string {
	return fmt.Sprintf("session ended: %s (%d)", e.Reason, e.Code)
}
