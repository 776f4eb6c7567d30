package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/medcall/internal/media"
	"github.com/petervdpas/medcall/internal/signal"
	"github.com/petervdpas/medcall/internal/util"
)

// Agent drives one side of a consultation. All session-scoped state —
// subscriptions, the peer connection, the candidate buffer — lives on the
// Agent and is torn down by a single idempotent End.
type Agent struct {
	store    signal.Store
	provider media.Provider
	opts     Options

	mu        sync.Mutex
	state     State
	sessionID string
	conn      media.Conn
	last      *signal.SessionRecord
	remoteSet bool
	pending   []signal.Candidate // FIFO until the remote description is set
	ended     bool

	cancelSession    func()
	cancelCandidates func()
	cancelChat       func()
	timeout          *time.Timer

	history  *util.RingBuffer[signal.ChatMessage]
	chatOpen bool
	unread   int
	lastSeq  int64 // highest chat seq seen; replays below it are skipped

	onState        func(State)
	onConnectivity func(media.ConnState)
	onTrack        func(media.TrackInfo)
	onChat         func(signal.ChatMessage)
}

// NewAgent creates an agent for one consultation side.
func NewAgent(st signal.Store, provider media.Provider, opts Options) *Agent {
	opts.ensureDefaults()
	return &Agent{
		store:    st,
		provider: provider,
		opts:     opts,
		state:    StateIdle,
		history:  util.NewRingBuffer[signal.ChatMessage](opts.ChatHistory),
	}
}

// ── Callback registration ────────────────────────────────────────────────────

func (a *Agent) OnStateChange(fn func(State)) {
	a.mu.Lock()
	a.onState = fn
	a.mu.Unlock()
}

// OnConnectivity reports transport-level connectivity. This is a status
// callback, not a protocol state: a disconnected transport shows a
// "reconnecting" indicator but never rewinds the handshake.
func (a *Agent) OnConnectivity(fn func(media.ConnState)) {
	a.mu.Lock()
	a.onConnectivity = fn
	a.mu.Unlock()
}

func (a *Agent) OnRemoteTrack(fn func(media.TrackInfo)) {
	a.mu.Lock()
	a.onTrack = fn
	a.mu.Unlock()
}

func (a *Agent) OnChatMessage(fn func(signal.ChatMessage)) {
	a.mu.Lock()
	a.onChat = fn
	a.mu.Unlock()
}

// ── Accessors ────────────────────────────────────────────────────────────────

func (a *Agent) Role() signal.Role { return a.opts.Role }

func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

// Session returns the last observed session record, nil before the first
// delivery.
func (a *Agent) Session() *signal.SessionRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

// CreateSession creates the session record. Doctor-only; the returned ID is
// shared with the patient out-of-band as a session link.
func (a *Agent) CreateSession(ctx context.Context, patientName string) (string, error) {
	if a.opts.Role != signal.RoleDoctor {
		return "", fmt.Errorf("only the doctor creates sessions")
	}

	id, err := a.store.CreateSession(ctx, signal.Metadata{
		DoctorName:  a.opts.DisplayName,
		PatientName: patientName,
	})
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	a.sessionID = id
	a.mu.Unlock()

	log.Printf("CALL [%s]: session created by %s", id, a.opts.DisplayName)
	return id, nil
}

// Attach binds the agent to an existing session. The patient side starts
// observing the session record immediately — before any user action — so a
// fast-published offer is never missed. Media is NOT acquired here; that
// waits for the explicit Join.
func (a *Agent) Attach(sessionID string) error {
	a.mu.Lock()
	if a.ended {
		a.mu.Unlock()
		return fmt.Errorf("agent already ended")
	}
	if a.sessionID != "" && a.sessionID != sessionID {
		a.mu.Unlock()
		return fmt.Errorf("agent already bound to session %s", a.sessionID)
	}
	a.sessionID = sessionID

	var notify State
	if a.opts.Role == signal.RolePatient && a.state == StateIdle {
		if err := a.startSessionObserverLocked(); err != nil {
			a.mu.Unlock()
			return err
		}
		a.state = StateAwaitingOffer
		a.startTimeoutLocked(StateAwaitingOffer)
		notify = StateAwaitingOffer
	}
	fn := a.onState
	a.mu.Unlock()

	if err := a.StartChat(); err != nil {
		log.Printf("CALL [%s]: chat subscribe failed: %v", sessionID, err)
	}
	if notify != "" && fn != nil {
		fn(notify)
	}
	return nil
}

// Join is the explicit "join call" action. For the doctor it acquires media,
// publishes the offer and starts waiting for the answer. For the patient it
// requires an observed offer, acquires media and publishes the answer.
// Join is resumable: after a failure it can be called again without
// re-running side effects that already succeeded (captured media is kept,
// an already-published offer is not republished).
func (a *Agent) Join(ctx context.Context) error {
	if a.opts.Role == signal.RoleDoctor {
		return a.joinAsDoctor(ctx)
	}
	return a.joinAsPatient(ctx)
}

func (a *Agent) joinAsDoctor(ctx context.Context) error {
	a.mu.Lock()
	if a.ended {
		a.mu.Unlock()
		return fmt.Errorf("agent already ended")
	}
	if a.sessionID == "" {
		a.mu.Unlock()
		return fmt.Errorf("no session: call CreateSession first")
	}
	if a.state != StateIdle && a.state != StateMediaInit {
		a.mu.Unlock()
		return fmt.Errorf("join not valid in state %s", a.state)
	}
	id := a.sessionID
	a.state = StateMediaInit
	fn := a.onState
	a.mu.Unlock()
	if fn != nil {
		fn(StateMediaInit)
	}

	conn, err := a.ensureConn(id)
	if err != nil {
		a.revertState(StateIdle)
		return err
	}

	a.markJoinedAndInProgress(ctx, id)

	offer, err := conn.CreateOffer(ctx)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	err = a.opts.Retry.Retry(ctx, func() error {
		return a.store.PublishOffer(ctx, id, offer)
	})
	if err != nil && !errors.Is(err, signal.ErrOfferExists) {
		// Stay in MediaInit: the UI offers a manual retry, and captured
		// media survives so the retry skips re-acquisition.
		return err
	}
	log.Printf("CALL [%s]: offer published", id)

	a.mu.Lock()
	if a.ended {
		a.mu.Unlock()
		return nil
	}
	a.state = StateOfferSent
	if err := a.startSessionObserverLocked(); err != nil {
		a.mu.Unlock()
		return err
	}
	if err := a.startCandidateObserverLocked(signal.DirPatientToDoctor); err != nil {
		a.mu.Unlock()
		return err
	}
	a.state = StateAwaitAnswer
	a.startTimeoutLocked(StateAwaitAnswer)
	fn = a.onState
	a.mu.Unlock()

	if err := a.StartChat(); err != nil {
		log.Printf("CALL [%s]: chat subscribe failed: %v", id, err)
	}
	if fn != nil {
		fn(StateOfferSent)
		fn(StateAwaitAnswer)
	}
	return nil
}

func (a *Agent) joinAsPatient(ctx context.Context) error {
	a.mu.Lock()
	if a.ended {
		a.mu.Unlock()
		return fmt.Errorf("agent already ended")
	}
	if a.state != StateAwaitingOffer && a.state != StateMediaInit {
		a.mu.Unlock()
		return fmt.Errorf("join not valid in state %s", a.state)
	}
	if a.last == nil || a.last.Offer == nil {
		a.mu.Unlock()
		return fmt.Errorf("no offer observed yet")
	}
	id := a.sessionID
	offer := *a.last.Offer
	answered := a.last.Answer != nil
	a.state = StateMediaInit
	fn := a.onState
	a.mu.Unlock()
	if fn != nil {
		fn(StateMediaInit)
	}

	conn, err := a.ensureConn(id)
	if err != nil {
		// Scenario: permission denied after the offer was observed. The
		// answer stays unpublished and the doctor keeps waiting until we
		// retry or someone cancels.
		a.revertState(StateAwaitingOffer)
		return err
	}

	a.mu.Lock()
	alreadySet := a.remoteSet
	a.mu.Unlock()
	if !alreadySet {
		if err := conn.SetRemoteDescription(offer); err != nil {
			a.revertState(StateAwaitingOffer)
			return fmt.Errorf("apply offer: %w", err)
		}
	}

	a.mu.Lock()
	if a.ended {
		a.mu.Unlock()
		return nil
	}
	a.remoteSet = true
	pending := a.pending
	a.pending = nil
	a.mu.Unlock()
	a.applyCandidates(conn, pending)

	if !answered {
		answer, err := conn.CreateAnswer(ctx)
		if err != nil {
			return fmt.Errorf("create answer: %w", err)
		}
		err = a.opts.Retry.Retry(ctx, func() error {
			return a.store.PublishAnswer(ctx, id, answer)
		})
		if err != nil {
			if signal.IsProtocolViolation(err) {
				// Double-answer guard: someone got there first. Not fatal.
				log.Printf("CALL [%s]: %v", id, err)
			} else {
				return err
			}
		}
		log.Printf("CALL [%s]: answer published", id)
	}

	a.markJoinedAndInProgress(ctx, id)

	a.mu.Lock()
	if a.ended {
		a.mu.Unlock()
		return nil
	}
	a.stopTimeoutLocked()
	a.state = StateAnswerSent
	if err := a.startCandidateObserverLocked(signal.DirDoctorToPatient); err != nil {
		a.mu.Unlock()
		return err
	}
	fn = a.onState
	a.mu.Unlock()

	if fn != nil {
		fn(StateAnswerSent)
	}
	return nil
}

// End finishes the call: unsubscribes all observers, releases local media,
// and marks the session Completed. Idempotent — a second End is a no-op.
func (a *Agent) End(ctx context.Context) error {
	return a.finish(ctx, signal.StatusCompleted, StateEnded, true)
}

// finish is the single teardown path shared by End, remote hangup and
// handshake timeout. Observers are cancelled before the media is released so
// a dangling subscription can never drive state into a torn-down call.
func (a *Agent) finish(ctx context.Context, status signal.Status, final State, writeStatus bool) error {
	a.mu.Lock()
	if a.ended {
		a.mu.Unlock()
		return nil
	}
	a.ended = true
	cancels := []func(){a.cancelSession, a.cancelCandidates, a.cancelChat}
	a.cancelSession, a.cancelCandidates, a.cancelChat = nil, nil, nil
	if a.timeout != nil {
		a.timeout.Stop()
		a.timeout = nil
	}
	conn := a.conn
	id := a.sessionID
	a.state = final
	fn := a.onState
	a.mu.Unlock()

	for _, c := range cancels {
		if c != nil {
			c()
		}
	}
	if conn != nil {
		conn.Close()
	}

	var err error
	if writeStatus && id != "" {
		err = a.opts.Retry.Retry(ctx, func() error {
			serr := a.store.SetStatus(ctx, id, status)
			if errors.Is(serr, signal.ErrSessionClosed) {
				// The other side already closed the session.
				return nil
			}
			return serr
		})
	}

	log.Printf("CALL [%s]: %s (%s)", id, final, a.opts.Role)
	if fn != nil {
		fn(final)
	}
	return err
}

// ── Session record observation ───────────────────────────────────────────────

func (a *Agent) startSessionObserverLocked() error {
	if a.cancelSession != nil {
		return nil
	}
	ch, cancel, err := a.store.ObserveSession(a.sessionID)
	if err != nil {
		return err
	}
	a.cancelSession = cancel
	go a.sessionLoop(ch)
	return nil
}

// sessionLoop is the only goroutine that handles record updates, so
// deliveries are strictly sequential and the Connected transition below can
// fire at most once.
func (a *Agent) sessionLoop(ch <-chan *signal.SessionRecord) {
	for rec := range ch {
		a.handleRecord(rec)
	}
}

func (a *Agent) handleRecord(rec *signal.SessionRecord) {
	a.mu.Lock()
	if a.ended {
		a.mu.Unlock()
		return
	}
	// Duplicate deliveries of an unchanged record are deduplicated by value,
	// never by re-triggering side effects.
	if a.last.Equal(rec) {
		a.mu.Unlock()
		return
	}
	a.last = rec

	if rec.Status.Terminal() {
		a.mu.Unlock()
		log.Printf("CALL [%s]: session %s by remote", rec.ID, rec.Status)
		_ = a.finish(context.Background(), rec.Status, StateEnded, false)
		return
	}

	if a.opts.Role == signal.RoleDoctor && a.state == StateAwaitAnswer && rec.Answer != nil {
		conn := a.conn
		answer := *rec.Answer
		a.mu.Unlock()

		if err := conn.SetRemoteDescription(answer); err != nil {
			log.Printf("CALL [%s]: apply answer: %v", rec.ID, err)
			return
		}

		a.mu.Lock()
		if a.ended {
			a.mu.Unlock()
			return
		}
		a.remoteSet = true
		pending := a.pending
		a.pending = nil
		a.stopTimeoutLocked()
		a.state = StateConnected
		fn := a.onState
		a.mu.Unlock()

		a.applyCandidates(conn, pending)
		log.Printf("CALL [%s]: answer applied, connected", rec.ID)
		if fn != nil {
			fn(StateConnected)
		}
		return
	}

	// Patient in AwaitingOffer: the offer is recorded in a.last but media is
	// not touched until the explicit Join.
	a.mu.Unlock()
}

// ── Candidate relay ──────────────────────────────────────────────────────────

func (a *Agent) startCandidateObserverLocked(dir signal.Direction) error {
	if a.cancelCandidates != nil {
		return nil
	}
	ch, cancel, err := a.store.ObserveCandidates(a.sessionID, dir)
	if err != nil {
		return err
	}
	a.cancelCandidates = cancel
	go a.candidateLoop(ch)
	return nil
}

// candidateLoop applies remote candidates, buffering any that arrive before
// the remote description is set. There is no ordering guarantee between the
// record update carrying the answer and candidate appends, so the buffer is
// mandatory — dropping an early candidate can lose the only viable path.
func (a *Agent) candidateLoop(ch <-chan signal.CandidateEntry) {
	for e := range ch {
		a.mu.Lock()
		if a.ended {
			a.mu.Unlock()
			return
		}
		if !a.remoteSet {
			a.pending = append(a.pending, e.Candidate)
			a.mu.Unlock()
			continue
		}
		conn := a.conn
		a.mu.Unlock()

		if err := conn.AddCandidate(e.Candidate); err != nil {
			log.Printf("CALL [%s]: add candidate: %v", a.SessionID(), err)
		}
	}
}

func (a *Agent) applyCandidates(conn media.Conn, pending []signal.Candidate) {
	for _, c := range pending {
		if err := conn.AddCandidate(c); err != nil {
			log.Printf("CALL [%s]: add buffered candidate: %v", a.SessionID(), err)
		}
	}
	if len(pending) > 0 {
		log.Printf("CALL [%s]: flushed %d buffered candidates", a.SessionID(), len(pending))
	}
}

// publishLocalCandidate relays one locally discovered candidate. Runs on the
// peer connection's gathering goroutine.
func (a *Agent) publishLocalCandidate(c signal.Candidate) {
	a.mu.Lock()
	if a.ended {
		a.mu.Unlock()
		return
	}
	id := a.sessionID
	a.mu.Unlock()

	dir := signal.DirectionFrom(a.opts.Role)
	err := a.opts.Retry.Retry(context.Background(), func() error {
		aerr := a.store.AppendCandidate(context.Background(), id, dir, c)
		if errors.Is(aerr, signal.ErrSessionClosed) {
			return nil // call ended while gathering; nothing to relay
		}
		return aerr
	})
	if err != nil {
		log.Printf("CALL [%s]: publish candidate: %v", id, err)
	}
}

// ── Media plumbing ───────────────────────────────────────────────────────────

// ensureConn acquires local media and builds the peer connection once;
// a resumed Join reuses the captured media.
func (a *Agent) ensureConn(id string) (media.Conn, error) {
	a.mu.Lock()
	if a.conn != nil {
		conn := a.conn
		a.mu.Unlock()
		return conn, nil
	}
	a.mu.Unlock()

	conn, err := a.provider.NewConn(id, a.opts.Constraints)
	if err != nil {
		return nil, err
	}
	conn.OnCandidate(a.publishLocalCandidate)
	conn.OnTrack(a.handleRemoteTrack)
	conn.OnConnectionState(a.handleConnectivity)

	a.mu.Lock()
	if a.ended {
		a.mu.Unlock()
		conn.Close()
		return nil, fmt.Errorf("agent already ended")
	}
	a.conn = conn
	a.mu.Unlock()
	return conn, nil
}

func (a *Agent) handleRemoteTrack(ti media.TrackInfo) {
	a.mu.Lock()
	fn := a.onTrack
	a.mu.Unlock()
	if fn != nil {
		fn(ti)
	}
	a.maybeConnected()
}

func (a *Agent) handleConnectivity(st media.ConnState) {
	a.mu.Lock()
	fn := a.onConnectivity
	a.mu.Unlock()
	if fn != nil {
		fn(st)
	}
	// A failed or disconnected transport is surfaced above as a
	// reconnecting indicator; the session record is never touched for it.
	if st == media.ConnConnected {
		a.maybeConnected()
	}
}

// maybeConnected moves the patient from AnswerPublished to Connected on the
// first remote track or the first transport "connected" — whichever lands
// first. The doctor side transitions on the observed answer instead.
func (a *Agent) maybeConnected() {
	a.mu.Lock()
	if a.opts.Role != signal.RolePatient || a.state != StateAnswerSent {
		a.mu.Unlock()
		return
	}
	a.state = StateConnected
	fn := a.onState
	id := a.sessionID
	a.mu.Unlock()

	log.Printf("CALL [%s]: connected", id)
	if fn != nil {
		fn(StateConnected)
	}
}

// markJoinedAndInProgress records the informational joined flag and moves a
// scheduled session to InProgress. Failures here never block the handshake.
func (a *Agent) markJoinedAndInProgress(ctx context.Context, id string) {
	if err := a.opts.Retry.Retry(ctx, func() error {
		return a.store.MarkJoined(ctx, id, a.opts.Role)
	}); err != nil {
		log.Printf("CALL [%s]: mark joined: %v", id, err)
	}
	if err := a.store.SetStatus(ctx, id, signal.StatusInProgress); err != nil &&
		!errors.Is(err, signal.ErrSessionClosed) {
		log.Printf("CALL [%s]: set in-progress: %v", id, err)
	}
}

// ── Timeout ──────────────────────────────────────────────────────────────────

func (a *Agent) startTimeoutLocked(waitState State) {
	if a.opts.HandshakeTimeout <= 0 {
		return
	}
	if a.timeout != nil {
		a.timeout.Stop()
	}
	a.timeout = time.AfterFunc(a.opts.HandshakeTimeout, func() {
		a.mu.Lock()
		fire := !a.ended && a.state == waitState
		id := a.sessionID
		a.mu.Unlock()
		if !fire {
			return
		}
		log.Printf("CALL [%s]: handshake timed out in %s", id, waitState)
		_ = a.finish(context.Background(), signal.StatusCancelled, StateTimedOut, true)
	})
}

func (a *Agent) stopTimeoutLocked() {
	if a.timeout != nil {
		a.timeout.Stop()
		a.timeout = nil
	}
}

func (a *Agent) revertState(s State) {
	a.mu.Lock()
	if a.ended {
		a.mu.Unlock()
		return
	}
	a.state = s
	fn := a.onState
	a.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}
