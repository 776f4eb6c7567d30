package signal

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by Store implementations.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrOfferExists     = errors.New("offer already published")
	ErrSessionClosed   = errors.New("session is in a terminal status")
)

// ProtocolViolationError marks an ordering defect in the handshake, e.g. an
// answer published before any offer exists, or a second answer. These are
// programming errors, not user-facing conditions: log and abort the
// operation, never partially apply it.
type ProtocolViolationError struct {
	Op     string
	Reason string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("protocol violation in %s: %s", e.Op, e.Reason)
}

// IsProtocolViolation reports whether err is a ProtocolViolationError.
func IsProtocolViolation(err error) bool {
	var pv *ProtocolViolationError
	return errors.As(err, &pv)
}

// SignalingError wraps a failed store write. The caller decides whether to
// retry; Store implementations never retry writes on their own.
type SignalingError struct {
	Op  string
	Err error
}

func (e *SignalingError) Error() string {
	return fmt.Sprintf("signaling %s: %v", e.Op, e.Err)
}

func (e *SignalingError) Unwrap() error { return e.Err }
