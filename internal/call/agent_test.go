package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/medcall/internal/media"
	"github.com/petervdpas/medcall/internal/signal"
	"github.com/petervdpas/medcall/internal/store"
	"github.com/petervdpas/medcall/internal/util"
)

// ── Media double ─────────────────────────────────────────────────────────────

type fakeConn struct {
	mu        sync.Mutex
	remote    *signal.SDP
	added     []signal.Candidate
	closed    bool
	onCand    func(signal.Candidate)
	onTrack   func(media.TrackInfo)
	onState   func(media.ConnState)
	answerErr error
}

func (c *fakeConn) CreateOffer(context.Context) (signal.SDP, error) {
	return signal.SDP{Type: "offer", Body: "v=0 fake-offer"}, nil
}

func (c *fakeConn) CreateAnswer(context.Context) (signal.SDP, error) {
	if c.answerErr != nil {
		return signal.SDP{}, c.answerErr
	}
	return signal.SDP{Type: "answer", Body: "v=0 fake-answer"}, nil
}

func (c *fakeConn) SetRemoteDescription(sdp signal.SDP) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remote = &sdp
	return nil
}

func (c *fakeConn) AddCandidate(cand signal.Candidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return errors.New("no remote description")
	}
	c.added = append(c.added, cand)
	return nil
}

func (c *fakeConn) OnCandidate(fn func(signal.Candidate)) { c.onCand = fn }
func (c *fakeConn) OnTrack(fn func(media.TrackInfo))      { c.onTrack = fn }

func (c *fakeConn) OnConnectionState(fn func(media.ConnState)) { c.onState = fn }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) candidates() []signal.Candidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]signal.Candidate, len(c.added))
	copy(out, c.added)
	return out
}

type fakeProvider struct {
	mu    sync.Mutex
	conns []*fakeConn
	fail  error // next NewConn fails with this
}

func (p *fakeProvider) NewConn(string, media.Constraints) (media.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		err := p.fail
		return nil, err
	}
	c := &fakeConn{}
	p.conns = append(p.conns, c)
	return c, nil
}

func (p *fakeProvider) last() *fakeConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.conns) == 0 {
		return nil
	}
	return p.conns[len(p.conns)-1]
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func testStore(t *testing.T) *store.SQLite {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testAgent(st signal.Store, role signal.Role, p media.Provider) *Agent {
	return NewAgent(st, p, Options{
		Role:        role,
		DisplayName: string(role),
		Retry:       util.Backoff{Attempts: 3, Base: 5 * time.Millisecond, Max: 20 * time.Millisecond},
	})
}

func waitState(t *testing.T, a *Agent, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if a.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state never reached %s, stuck in %s", want, a.State())
}

// runHandshake drives both sides to Connected and returns them.
func runHandshake(t *testing.T, st signal.Store) (*Agent, *Agent, *fakeProvider, *fakeProvider) {
	t.Helper()
	ctx := context.Background()

	dp, pp := &fakeProvider{}, &fakeProvider{}
	doctor := testAgent(st, signal.RoleDoctor, dp)
	patient := testAgent(st, signal.RolePatient, pp)

	id, err := doctor.CreateSession(ctx, "J. Smit")
	if err != nil {
		t.Fatal(err)
	}
	if err := patient.Attach(id); err != nil {
		t.Fatal(err)
	}
	if err := doctor.Join(ctx); err != nil {
		t.Fatal(err)
	}
	waitState(t, doctor, StateAwaitAnswer)

	// Patient sees the offer through its observer, then joins.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if rec := patient.Session(); rec != nil && rec.Offer != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := patient.Join(ctx); err != nil {
		t.Fatal(err)
	}
	waitState(t, doctor, StateConnected)
	return doctor, patient, dp, pp
}

// ── Tests ────────────────────────────────────────────────────────────────────

func TestHandshakeConnectsDoctor(t *testing.T) {
	st := testStore(t)
	doctor, patient, dp, _ := runHandshake(t, st)
	defer doctor.End(context.Background())
	defer patient.End(context.Background())

	if patient.State() != StateAnswerSent && patient.State() != StateConnected {
		t.Fatalf("patient in unexpected state %s", patient.State())
	}
	conn := dp.last()
	conn.mu.Lock()
	remote := conn.remote
	conn.mu.Unlock()
	if remote == nil || remote.Type != "answer" {
		t.Fatal("doctor never applied the answer")
	}
}

func TestPatientConnectsOnRemoteTrack(t *testing.T) {
	st := testStore(t)
	doctor, patient, _, pp := runHandshake(t, st)
	defer doctor.End(context.Background())
	defer patient.End(context.Background())

	waitState(t, patient, StateAnswerSent)
	pp.last().onTrack(media.TrackInfo{ID: "v1", Kind: "video"})
	waitState(t, patient, StateConnected)
}

func TestDuplicateRecordDeliveriesAreDeduped(t *testing.T) {
	st := testStore(t)
	doctor, patient, _, _ := runHandshake(t, st)
	defer patient.End(context.Background())
	defer doctor.End(context.Background())

	var transitions []State
	var mu sync.Mutex
	doctor.OnStateChange(func(s State) {
		mu.Lock()
		transitions = append(transitions, s)
		mu.Unlock()
	})

	// Unrelated record churn after Connected: joined flags and status pokes
	// redeliver the record, but Connected must not fire again.
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := st.MarkJoined(ctx, doctor.SessionID(), signal.RolePatient); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, s := range transitions {
		if s == StateConnected {
			t.Fatal("connected fired again on a duplicate delivery")
		}
	}
	if doctor.State() != StateConnected {
		t.Fatalf("doctor left connected: %s", doctor.State())
	}
}

func TestEndIsIdempotentAndTearsDown(t *testing.T) {
	st := testStore(t)
	doctor, patient, dp, _ := runHandshake(t, st)
	ctx := context.Background()

	if err := doctor.End(ctx); err != nil {
		t.Fatal(err)
	}
	if err := doctor.End(ctx); err != nil {
		t.Fatal(err)
	}
	if doctor.State() != StateEnded {
		t.Fatalf("expected ended, got %s", doctor.State())
	}
	if !dp.last().closed {
		t.Fatal("local media not released")
	}

	rec, err := st.GetSession(ctx, doctor.SessionID())
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != signal.StatusCompleted {
		t.Fatalf("expected completed, got %s", rec.Status)
	}

	// The remote side observes the hangup and finishes without writing.
	waitState(t, patient, StateEnded)
}

func TestMediaFailureLeavesAnswerUnpublished(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	dp := &fakeProvider{}
	pp := &fakeProvider{fail: &media.AccessError{Kind: media.AccessPermissionDenied, Err: errors.New("permission denied")}}
	doctor := testAgent(st, signal.RoleDoctor, dp)
	patient := testAgent(st, signal.RolePatient, pp)
	defer doctor.End(ctx)

	id, err := doctor.CreateSession(ctx, "J. Smit")
	if err != nil {
		t.Fatal(err)
	}
	if err := patient.Attach(id); err != nil {
		t.Fatal(err)
	}
	if err := doctor.Join(ctx); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if rec := patient.Session(); rec != nil && rec.Offer != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	err = patient.Join(ctx)
	var aerr *media.AccessError
	if !errors.As(err, &aerr) || aerr.Kind != media.AccessPermissionDenied {
		t.Fatalf("expected permission denied, got %v", err)
	}
	// The failed join leaves the record clean and the patient re-joinable.
	rec, _ := st.GetSession(ctx, id)
	if rec.Answer != nil {
		t.Fatal("answer must stay unpublished after a media failure")
	}
	if patient.State() != StateAwaitingOffer {
		t.Fatalf("expected awaiting_offer after failure, got %s", patient.State())
	}

	// Granting access and retrying completes the handshake.
	pp.mu.Lock()
	pp.fail = nil
	pp.mu.Unlock()
	if err := patient.Join(ctx); err != nil {
		t.Fatal(err)
	}
	waitState(t, doctor, StateConnected)
	patient.End(ctx)
}

func TestEarlyCandidatesAreBufferedThenFlushed(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	dp, pp := &fakeProvider{}, &fakeProvider{}
	doctor := testAgent(st, signal.RoleDoctor, dp)
	patient := testAgent(st, signal.RolePatient, pp)
	defer doctor.End(ctx)
	defer patient.End(ctx)

	id, err := doctor.CreateSession(ctx, "J. Smit")
	if err != nil {
		t.Fatal(err)
	}
	if err := patient.Attach(id); err != nil {
		t.Fatal(err)
	}
	if err := doctor.Join(ctx); err != nil {
		t.Fatal(err)
	}
	waitState(t, doctor, StateAwaitAnswer)

	// Patient candidates land while the doctor has no remote description yet.
	for _, c := range []string{"p1", "p2", "p3"} {
		if err := st.AppendCandidate(ctx, id, signal.DirPatientToDoctor, signal.Candidate{Candidate: c}); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(100 * time.Millisecond)
	if got := dp.last().candidates(); len(got) != 0 {
		t.Fatalf("candidates applied before the answer: %v", got)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if rec := patient.Session(); rec != nil && rec.Offer != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := patient.Join(ctx); err != nil {
		t.Fatal(err)
	}
	waitState(t, doctor, StateConnected)

	// Buffered candidates flush in arrival order once the answer is applied.
	deadline = time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(dp.last().candidates()) == 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	got := dp.last().candidates()
	if len(got) != 3 {
		t.Fatalf("expected 3 flushed candidates, got %d", len(got))
	}
	for i, want := range []string{"p1", "p2", "p3"} {
		if got[i].Candidate != want {
			t.Fatalf("flush order broken: %v", got)
		}
	}
}

func TestPatientReceivesCandidatesGatheredBeforeJoin(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	dp, pp := &fakeProvider{}, &fakeProvider{}
	doctor := testAgent(st, signal.RoleDoctor, dp)
	patient := testAgent(st, signal.RolePatient, pp)
	defer doctor.End(ctx)
	defer patient.End(ctx)

	id, err := doctor.CreateSession(ctx, "J. Smit")
	if err != nil {
		t.Fatal(err)
	}
	if err := patient.Attach(id); err != nil {
		t.Fatal(err)
	}
	if err := doctor.Join(ctx); err != nil {
		t.Fatal(err)
	}
	waitState(t, doctor, StateAwaitAnswer)

	// The doctor finishes gathering long before the patient clicks join.
	// These relay entries exist before the patient's candidate subscription
	// and must still reach it.
	for _, c := range []string{"d1", "d2"} {
		if err := st.AppendCandidate(ctx, id, signal.DirDoctorToPatient, signal.Candidate{Candidate: c}); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if rec := patient.Session(); rec != nil && rec.Offer != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := patient.Join(ctx); err != nil {
		t.Fatal(err)
	}
	waitState(t, doctor, StateConnected)

	// One more candidate after the patient joined.
	if err := st.AppendCandidate(ctx, id, signal.DirDoctorToPatient, signal.Candidate{Candidate: "d3"}); err != nil {
		t.Fatal(err)
	}

	deadline = time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(pp.last().candidates()) == 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	got := pp.last().candidates()
	if len(got) != 3 {
		t.Fatalf("expected 3 applied candidates, got %d", len(got))
	}
	for i, want := range []string{"d1", "d2", "d3"} {
		if got[i].Candidate != want {
			t.Fatalf("pre-join candidates lost or reordered: %v", got)
		}
	}
}

func TestHandshakeTimeoutCancelsSession(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	dp := &fakeProvider{}
	doctor := NewAgent(st, dp, Options{
		Role:             signal.RoleDoctor,
		DisplayName:      "doctor",
		HandshakeTimeout: 150 * time.Millisecond,
		Retry:            util.Backoff{Attempts: 2, Base: 5 * time.Millisecond, Max: 10 * time.Millisecond},
	})

	id, err := doctor.CreateSession(ctx, "J. Smit")
	if err != nil {
		t.Fatal(err)
	}
	if err := doctor.Join(ctx); err != nil {
		t.Fatal(err)
	}

	// Nobody answers.
	waitState(t, doctor, StateTimedOut)
	rec, err := st.GetSession(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != signal.StatusCancelled {
		t.Fatalf("expected cancelled after timeout, got %s", rec.Status)
	}
	if !dp.last().closed {
		t.Fatal("media not released on timeout")
	}
}

func TestChatUnreadAndHistory(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	doctor, patient, _, _ := runHandshake(t, st)
	defer doctor.End(ctx)
	defer patient.End(ctx)

	// Doctor has the panel closed; two patient messages arrive.
	doctor.CloseChatPanel()
	if err := patient.SendChat(ctx, "hello doctor"); err != nil {
		t.Fatal(err)
	}
	if err := patient.SendChat(ctx, "I am ready"); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if doctor.Unread() == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if doctor.Unread() != 2 {
		t.Fatalf("expected 2 unread, got %d", doctor.Unread())
	}

	// Own messages never count as unread.
	if err := doctor.SendChat(ctx, "one moment"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(150 * time.Millisecond)
	if doctor.Unread() != 2 {
		t.Fatalf("own message bumped unread to %d", doctor.Unread())
	}

	doctor.OpenChatPanel()
	if doctor.Unread() != 0 {
		t.Fatal("opening the panel must clear unread")
	}

	// Both sides converge on the same store-ordered transcript.
	deadline = time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(doctor.History()) == 3 && len(patient.History()) == 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	dh, ph := doctor.History(), patient.History()
	if len(dh) != 3 || len(ph) != 3 {
		t.Fatalf("history lengths: doctor=%d patient=%d", len(dh), len(ph))
	}
	for i := range dh {
		if dh[i].Seq != ph[i].Seq || dh[i].Text != ph[i].Text {
			t.Fatalf("transcripts diverge at %d: %+v vs %+v", i, dh[i], ph[i])
		}
	}
}

func TestChatBeforeJoin(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	dp, pp := &fakeProvider{}, &fakeProvider{}
	doctor := testAgent(st, signal.RoleDoctor, dp)
	patient := testAgent(st, signal.RolePatient, pp)
	defer doctor.End(ctx)
	defer patient.End(ctx)

	id, err := doctor.CreateSession(ctx, "J. Smit")
	if err != nil {
		t.Fatal(err)
	}
	// Doctor binds without joining; chat must already work both ways.
	if err := doctor.Attach(id); err != nil {
		t.Fatal(err)
	}
	if err := patient.Attach(id); err != nil {
		t.Fatal(err)
	}
	if err := patient.SendChat(ctx, "running late"); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(doctor.History()) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("pre-join chat never arrived, history=%d", len(doctor.History()))
}

func TestOnlyDoctorCreatesSessions(t *testing.T) {
	st := testStore(t)
	patient := testAgent(st, signal.RolePatient, &fakeProvider{})
	if _, err := patient.CreateSession(context.Background(), "x"); err == nil {
		t.Fatal("patient must not create sessions")
	}
}

func TestPatientJoinRequiresOffer(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	doctor := testAgent(st, signal.RoleDoctor, &fakeProvider{})
	patient := testAgent(st, signal.RolePatient, &fakeProvider{})
	defer doctor.End(ctx)
	defer patient.End(ctx)

	id, err := doctor.CreateSession(ctx, "J. Smit")
	if err != nil {
		t.Fatal(err)
	}
	if err := patient.Attach(id); err != nil {
		t.Fatal(err)
	}
	if err := patient.Join(ctx); err == nil {
		t.Fatal("patient join must fail before an offer is observed")
	}
	if patient.State() != StateAwaitingOffer {
		t.Fatalf("expected awaiting_offer, got %s", patient.State())
	}
}
