// Package media is the capability boundary to the platform's capture and
// peer-connection machinery. The call agents only see the Provider and Conn
// interfaces; the Pion-backed implementation lives behind them so tests can
// substitute a double.
package media

import (
	"context"
	"fmt"
	"strings"

	"github.com/petervdpas/medcall/internal/signal"
)

// ConnState is the transport-level connectivity of a peer connection. It is
// reported via callback and is deliberately separate from the agent's
// protocol state: a flapping transport never rewinds the handshake.
type ConnState string

const (
	ConnNew          ConnState = "new"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
	ConnFailed       ConnState = "failed"
	ConnClosed       ConnState = "closed"
)

// TrackInfo describes a remote track that started arriving.
type TrackInfo struct {
	ID   string
	Kind string // "video" or "audio"
}

// Constraints requests local capture properties. Zero caps mean
// "no preference".
type Constraints struct {
	Video     bool
	Audio     bool
	MaxWidth  int
	MaxHeight int
}

// Relaxed drops the resolution caps so a camera that cannot satisfy them
// still opens. Used for the single retry after ConstraintsUnsupported.
func (c Constraints) Relaxed() Constraints {
	c.MaxWidth = 0
	c.MaxHeight = 0
	return c
}

// Conn is one peer connection with local media attached. Exclusively owned
// by a single call agent; Close is idempotent.
type Conn interface {
	// CreateOffer generates and locally applies an SDP offer.
	CreateOffer(ctx context.Context) (signal.SDP, error)
	// CreateAnswer generates and locally applies an SDP answer. Requires a
	// remote offer to have been set.
	CreateAnswer(ctx context.Context) (signal.SDP, error)
	// SetRemoteDescription applies the peer's offer or answer.
	SetRemoteDescription(sdp signal.SDP) error
	// AddCandidate applies a remote ICE candidate. Callers must only invoke
	// this after SetRemoteDescription has succeeded.
	AddCandidate(c signal.Candidate) error

	OnCandidate(fn func(signal.Candidate))
	OnTrack(fn func(TrackInfo))
	OnConnectionState(fn func(ConnState))

	Close() error
}

// Provider acquires local capture and builds peer connections.
type Provider interface {
	// NewConn captures camera/microphone per cs and returns a peer connection
	// with the local tracks attached. Implementations may walk a fallback
	// ladder (relaxed caps, audio-only) before surfacing an AccessError;
	// permission denials surface immediately.
	NewConn(sessionID string, cs Constraints) (Conn, error)
}

// AccessKind classifies why local media acquisition failed.
type AccessKind string

const (
	AccessPermissionDenied       AccessKind = "permission_denied"
	AccessDeviceNotFound         AccessKind = "device_not_found"
	AccessDeviceBusy             AccessKind = "device_busy"
	AccessConstraintsUnsupported AccessKind = "constraints_unsupported"
)

// AccessError is a local capture failure. It is handled at the agent
// boundary and never written into the signaling store.
type AccessError struct {
	Kind AccessKind
	Err  error
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("media access (%s): %v", e.Kind, e.Err)
}

func (e *AccessError) Unwrap() error { return e.Err }

// classifyAccess maps a raw capture error onto the AccessError taxonomy.
// Driver errors only surface as strings, so this is a substring match.
func classifyAccess(err error) *AccessError {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission denied") || strings.Contains(msg, "not permitted"):
		return &AccessError{Kind: AccessPermissionDenied, Err: err}
	case strings.Contains(msg, "no such device") || strings.Contains(msg, "not found") ||
		strings.Contains(msg, "no device"):
		return &AccessError{Kind: AccessDeviceNotFound, Err: err}
	case strings.Contains(msg, "busy") || strings.Contains(msg, "in use"):
		return &AccessError{Kind: AccessDeviceBusy, Err: err}
	default:
		return &AccessError{Kind: AccessConstraintsUnsupported, Err: err}
	}
}
