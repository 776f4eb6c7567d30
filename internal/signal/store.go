package signal

import "context"

// Store is the document store contract the signaling flow runs over: create/
// read/update a single addressable session record, append to named ordered
// sub-collections, and subscribe to either for live changes. Any store that
// delivers appended items in insertion order and record updates as they occur
// satisfies the contract — internal/store provides a SQLite-backed local
// implementation and a websocket-remote one.
//
// Observe methods return a receive channel plus a cancel func. Cancel is
// idempotent and closes the channel; after cancel no more deliveries occur.
type Store interface {
	// CreateSession durably creates a new session record in StatusScheduled
	// and returns its ID. Doctor-only.
	CreateSession(ctx context.Context, meta Metadata) (string, error)

	// GetSession returns the current session record.
	GetSession(ctx context.Context, id string) (*SessionRecord, error)

	// PublishOffer stores the offer exactly once. A second publish fails with
	// ErrOfferExists; the record is not mutated.
	PublishOffer(ctx context.Context, id string, offer SDP) error

	// PublishAnswer stores the answer. It fails with a ProtocolViolationError
	// if no offer exists yet or an answer was already published, leaving the
	// record untouched.
	PublishAnswer(ctx context.Context, id string, answer SDP) error

	// MarkJoined sets the per-role joined flag and timestamp. Informational;
	// does not gate the handshake.
	MarkJoined(ctx context.Context, id string, role Role) error

	// SetStatus transitions the session lifecycle. Completed and Cancelled
	// are terminal: later offer/answer/candidate writes fail with
	// ErrSessionClosed.
	SetStatus(ctx context.Context, id string, status Status) error

	// ObserveSession delivers the current record immediately, then every
	// subsequent update. Duplicate deliveries of an unchanged record are
	// permitted; consumers deduplicate by value.
	ObserveSession(id string) (<-chan *SessionRecord, func(), error)

	// AppendCandidate appends to one direction's relay list.
	AppendCandidate(ctx context.Context, id string, dir Direction, c Candidate) error

	// ObserveCandidates delivers the direction's full backlog in store
	// order, then live appends. A late subscriber therefore sees every
	// entry relayed before it joined.
	ObserveCandidates(id string, dir Direction) (<-chan CandidateEntry, func(), error)

	// AppendChat appends a chat message and returns its store-assigned seq.
	AppendChat(ctx context.Context, id string, msg ChatMessage) (int64, error)

	// ObserveChat delivers the full history in seq order first, then
	// incremental appends. Resubscribing replays the full history.
	ObserveChat(id string) (<-chan ChatMessage, func(), error)

	Close() error
}
