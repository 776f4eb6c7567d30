// Package gateway exposes a signaling store over websocket so the doctor and
// patient clients on different machines share one document store. The wire
// protocol is JSON: numbered requests with matching responses, plus
// server-pushed subscription events.
package gateway

import (
	"errors"

	"github.com/petervdpas/medcall/internal/signal"
)

// Request operations.
const (
	OpCreateSession       = "create_session"
	OpGetSession          = "get_session"
	OpPublishOffer        = "publish_offer"
	OpPublishAnswer       = "publish_answer"
	OpMarkJoined          = "mark_joined"
	OpSetStatus           = "set_status"
	OpAppendCandidate     = "append_candidate"
	OpAppendChat          = "append_chat"
	OpSubscribeSession    = "subscribe_session"
	OpSubscribeCandidates = "subscribe_candidates"
	OpSubscribeChat       = "subscribe_chat"
	OpUnsubscribe         = "unsubscribe"
)

// Event kinds pushed by the server.
const (
	EventSession   = "session"
	EventCandidate = "candidate"
	EventChat      = "chat"
)

// Request is one client→server message.
type Request struct {
	ID int64  `json:"id,omitempty"`
	Op string `json:"op"`

	Session   string              `json:"session,omitempty"`
	Meta      *signal.Metadata    `json:"meta,omitempty"`
	SDP       *signal.SDP         `json:"sdp,omitempty"`
	Role      signal.Role         `json:"role,omitempty"`
	Status    signal.Status       `json:"status,omitempty"`
	Direction signal.Direction    `json:"direction,omitempty"`
	Candidate *signal.Candidate   `json:"candidate,omitempty"`
	Chat      *signal.ChatMessage `json:"chat,omitempty"`

	// Resume + After let a reconnecting client pick up a candidate
	// subscription where it left off instead of losing the gap.
	Resume bool  `json:"resume,omitempty"`
	After  int64 `json:"after,omitempty"`

	Sub int64 `json:"sub,omitempty"` // unsubscribe target
}

// Response is one server→client message: either the reply to a request
// (ID set) or a pushed subscription event (Event set).
type Response struct {
	ID        int64  `json:"id,omitempty"`
	OK        bool   `json:"ok,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`

	Session string                `json:"session,omitempty"`
	Record  *signal.SessionRecord `json:"record,omitempty"`
	Seq     int64                 `json:"seq,omitempty"`
	Sub     int64                 `json:"sub,omitempty"`

	Event string                 `json:"event,omitempty"`
	Entry *signal.CandidateEntry `json:"entry,omitempty"`
	Chat  *signal.ChatMessage    `json:"chat,omitempty"`
}

// Error kinds carried in ErrorKind so the client can reconstruct the
// sentinel the local store would have returned.
const (
	KindNotFound          = "not_found"
	KindOfferExists       = "offer_exists"
	KindSessionClosed     = "session_closed"
	KindProtocolViolation = "protocol_violation"
	KindInternal          = "internal"
)

// ErrorKindOf maps a store error to its wire kind.
func ErrorKindOf(err error) string {
	switch {
	case errors.Is(err, signal.ErrSessionNotFound):
		return KindNotFound
	case errors.Is(err, signal.ErrOfferExists):
		return KindOfferExists
	case errors.Is(err, signal.ErrSessionClosed):
		return KindSessionClosed
	case signal.IsProtocolViolation(err):
		return KindProtocolViolation
	default:
		return KindInternal
	}
}

// ErrorFromKind reconstructs the sentinel from a wire kind.
func ErrorFromKind(kind, op, msg string) error {
	switch kind {
	case KindNotFound:
		return signal.ErrSessionNotFound
	case KindOfferExists:
		return signal.ErrOfferExists
	case KindSessionClosed:
		return signal.ErrSessionClosed
	case KindProtocolViolation:
		return &signal.ProtocolViolationError{Op: op, Reason: msg}
	default:
		return &signal.SignalingError{Op: op, Err: errors.New(msg)}
	}
}

// Backend is the store surface the gateway serves. The extra resume method
// is what makes client reconnects lossless.
type Backend interface {
	signal.Store
	ObserveCandidatesAfter(id string, dir signal.Direction, after int64) (<-chan signal.CandidateEntry, func(), error)
}
