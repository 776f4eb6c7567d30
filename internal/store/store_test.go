package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petervdpas/medcall/internal/signal"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	st, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func newSession(t *testing.T, st *SQLite) string {
	t.Helper()
	id, err := st.CreateSession(context.Background(), signal.Metadata{
		DoctorName: "Dr. Vos", PatientName: "J. Smit",
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestSessionRecordLifecycle(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	id := newSession(t, st)

	t.Run("starts scheduled", func(t *testing.T) {
		rec, err := st.GetSession(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if rec.Status != signal.StatusScheduled {
			t.Fatalf("expected scheduled, got %s", rec.Status)
		}
		if rec.Offer != nil || rec.Answer != nil {
			t.Fatal("fresh session must have no offer or answer")
		}
	})

	t.Run("unknown session", func(t *testing.T) {
		_, err := st.GetSession(ctx, "nope")
		if !errors.Is(err, signal.ErrSessionNotFound) {
			t.Fatalf("expected ErrSessionNotFound, got %v", err)
		}
	})

	t.Run("mark joined", func(t *testing.T) {
		if err := st.MarkJoined(ctx, id, signal.RoleDoctor); err != nil {
			t.Fatal(err)
		}
		rec, _ := st.GetSession(ctx, id)
		if !rec.DoctorJoined || rec.DoctorJoinedAt == 0 {
			t.Fatal("doctor joined flag not recorded")
		}
		if rec.PatientJoined {
			t.Fatal("patient joined flag must be untouched")
		}
	})

	t.Run("status transitions", func(t *testing.T) {
		if err := st.SetStatus(ctx, id, signal.StatusInProgress); err != nil {
			t.Fatal(err)
		}
		if err := st.SetStatus(ctx, id, signal.StatusCompleted); err != nil {
			t.Fatal(err)
		}
		// Re-asserting the same terminal status is an idempotent end.
		if err := st.SetStatus(ctx, id, signal.StatusCompleted); err != nil {
			t.Fatal(err)
		}
		// Leaving a terminal status is not allowed.
		err := st.SetStatus(ctx, id, signal.StatusInProgress)
		if !errors.Is(err, signal.ErrSessionClosed) {
			t.Fatalf("expected ErrSessionClosed, got %v", err)
		}
	})
}

func TestOfferAnswerGuards(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	offer := signal.SDP{Type: "offer", Body: "v=0 offer"}
	answer := signal.SDP{Type: "answer", Body: "v=0 answer"}

	t.Run("answer before offer is rejected without mutation", func(t *testing.T) {
		id := newSession(t, st)
		err := st.PublishAnswer(ctx, id, answer)
		if !signal.IsProtocolViolation(err) {
			t.Fatalf("expected protocol violation, got %v", err)
		}
		rec, _ := st.GetSession(ctx, id)
		if rec.Answer != nil {
			t.Fatal("rejected answer must not be stored")
		}
	})

	t.Run("offer is set-once", func(t *testing.T) {
		id := newSession(t, st)
		if err := st.PublishOffer(ctx, id, offer); err != nil {
			t.Fatal(err)
		}
		err := st.PublishOffer(ctx, id, signal.SDP{Type: "offer", Body: "other"})
		if !errors.Is(err, signal.ErrOfferExists) {
			t.Fatalf("expected ErrOfferExists, got %v", err)
		}
		rec, _ := st.GetSession(ctx, id)
		if rec.Offer.Body != offer.Body {
			t.Fatal("first offer must win")
		}
	})

	t.Run("answer after offer succeeds once", func(t *testing.T) {
		id := newSession(t, st)
		if err := st.PublishOffer(ctx, id, offer); err != nil {
			t.Fatal(err)
		}
		if err := st.PublishAnswer(ctx, id, answer); err != nil {
			t.Fatal(err)
		}
		err := st.PublishAnswer(ctx, id, signal.SDP{Type: "answer", Body: "other"})
		if !signal.IsProtocolViolation(err) {
			t.Fatalf("expected protocol violation for second answer, got %v", err)
		}
		rec, _ := st.GetSession(ctx, id)
		if rec.Answer.Body != answer.Body {
			t.Fatal("first answer must win")
		}
	})

	t.Run("closed session freezes the handshake", func(t *testing.T) {
		id := newSession(t, st)
		if err := st.SetStatus(ctx, id, signal.StatusCancelled); err != nil {
			t.Fatal(err)
		}
		if err := st.PublishOffer(ctx, id, offer); !errors.Is(err, signal.ErrSessionClosed) {
			t.Fatalf("expected ErrSessionClosed for offer, got %v", err)
		}
		err := st.AppendCandidate(ctx, id, signal.DirDoctorToPatient, signal.Candidate{Candidate: "c1"})
		if !errors.Is(err, signal.ErrSessionClosed) {
			t.Fatalf("expected ErrSessionClosed for candidate, got %v", err)
		}
		// Chat stays open after the call ends.
		if _, err := st.AppendChat(ctx, id, signal.ChatMessage{Sender: signal.RoleDoctor, Text: "bye"}); err != nil {
			t.Fatal(err)
		}
	})
}

func TestCandidateGuardIsAtomicWithClose(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	t.Run("rejected append leaves no row", func(t *testing.T) {
		id := newSession(t, st)
		if err := st.SetStatus(ctx, id, signal.StatusCompleted); err != nil {
			t.Fatal(err)
		}
		err := st.AppendCandidate(ctx, id, signal.DirDoctorToPatient, signal.Candidate{Candidate: "late"})
		if !errors.Is(err, signal.ErrSessionClosed) {
			t.Fatalf("expected ErrSessionClosed, got %v", err)
		}
		entries, err := st.candidatesAfter(id, signal.DirDoctorToPatient, 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 0 {
			t.Fatalf("rejected candidate was stored: %v", entries)
		}
	})

	t.Run("unknown session", func(t *testing.T) {
		err := st.AppendCandidate(ctx, "nope", signal.DirDoctorToPatient, signal.Candidate{Candidate: "x"})
		if !errors.Is(err, signal.ErrSessionNotFound) {
			t.Fatalf("expected ErrSessionNotFound, got %v", err)
		}
	})

	t.Run("appends racing a close", func(t *testing.T) {
		// Every append that reports success has a row, and nothing else
		// does: the guard and the insert are one statement.
		id := newSession(t, st)
		var ok int64
		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 25; i++ {
					err := st.AppendCandidate(ctx, id, signal.DirPatientToDoctor, signal.Candidate{Candidate: "c"})
					switch {
					case err == nil:
						atomic.AddInt64(&ok, 1)
					case errors.Is(err, signal.ErrSessionClosed):
					default:
						t.Errorf("unexpected append error: %v", err)
						return
					}
				}
			}()
		}
		time.Sleep(5 * time.Millisecond)
		if err := st.SetStatus(ctx, id, signal.StatusCancelled); err != nil {
			t.Fatal(err)
		}
		wg.Wait()

		entries, err := st.candidatesAfter(id, signal.DirPatientToDoctor, 0)
		if err != nil {
			t.Fatal(err)
		}
		if int64(len(entries)) != atomic.LoadInt64(&ok) {
			t.Fatalf("stored %d candidates but %d appends reported success", len(entries), ok)
		}
	})
}

func TestObserveSession(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	id := newSession(t, st)

	ch, cancel, err := st.ObserveSession(id)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	// First delivery carries the current record.
	rec := recvRecord(t, ch)
	if rec.Status != signal.StatusScheduled {
		t.Fatalf("expected scheduled, got %s", rec.Status)
	}

	if err := st.PublishOffer(ctx, id, signal.SDP{Type: "offer", Body: "v=0"}); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(2 * time.Second)
	for {
		select {
		case rec = <-ch:
			if rec.Offer != nil {
				return
			}
		case <-deadline:
			t.Fatal("offer update never delivered")
		}
	}
}

func TestObserveCandidatesOrderAndIsolation(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	id := newSession(t, st)

	// Appended before subscription: replayed as backlog when the observer
	// arrives.
	if err := st.AppendCandidate(ctx, id, signal.DirDoctorToPatient, signal.Candidate{Candidate: "early"}); err != nil {
		t.Fatal(err)
	}

	ch, cancel, err := st.ObserveCandidates(id, signal.DirDoctorToPatient)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	// The other direction must not leak into this subscription.
	if err := st.AppendCandidate(ctx, id, signal.DirPatientToDoctor, signal.Candidate{Candidate: "wrong-way"}); err != nil {
		t.Fatal(err)
	}
	for i, c := range []string{"c1", "c2", "c3"} {
		if err := st.AppendCandidate(ctx, id, signal.DirDoctorToPatient, signal.Candidate{Candidate: c, SDPMLineIndex: uint16(i)}); err != nil {
			t.Fatal(err)
		}
	}

	var got []string
	timeout := time.After(2 * time.Second)
	for len(got) < 4 {
		select {
		case e := <-ch:
			got = append(got, e.Candidate.Candidate)
		case <-timeout:
			t.Fatalf("timed out after %v", got)
		}
	}
	for i, want := range []string{"early", "c1", "c2", "c3"} {
		if got[i] != want {
			t.Fatalf("append order broken: got %v", got)
		}
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected extra delivery: %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestObserveCandidatesAfterReplaysGap(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	id := newSession(t, st)

	var lastSeq int64
	ch, cancel, err := st.ObserveCandidates(id, signal.DirDoctorToPatient)
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range []string{"c1", "c2", "c3"} {
		if err := st.AppendCandidate(ctx, id, signal.DirDoctorToPatient, signal.Candidate{Candidate: c}); err != nil {
			t.Fatal(err)
		}
	}
	// Consume only the first entry, then drop the subscription — simulating a
	// client that disconnected mid-stream.
	select {
	case e := <-ch:
		lastSeq = e.Seq
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
	}
	cancel()

	ch2, cancel2, err := st.ObserveCandidatesAfter(id, signal.DirDoctorToPatient, lastSeq)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel2()

	var got []string
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case e := <-ch2:
			got = append(got, e.Candidate.Candidate)
		case <-timeout:
			t.Fatalf("resume did not replay the gap, got %v", got)
		}
	}
	if got[0] != "c2" || got[1] != "c3" {
		t.Fatalf("expected [c2 c3], got %v", got)
	}
}

func TestObserveChatHistoryThenLive(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	id := newSession(t, st)

	for _, text := range []string{"hello", "one moment"} {
		if _, err := st.AppendChat(ctx, id, signal.ChatMessage{
			Sender: signal.RoleDoctor, SenderName: "Dr. Vos", Text: text, SentAt: signal.Now(),
		}); err != nil {
			t.Fatal(err)
		}
	}

	ch, cancel, err := st.ObserveChat(id)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	// Full history first, in seq order.
	var got []string
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case m := <-ch:
			got = append(got, m.Text)
		case <-timeout:
			t.Fatalf("history not replayed, got %v", got)
		}
	}
	if got[0] != "hello" || got[1] != "one moment" {
		t.Fatalf("history out of order: %v", got)
	}

	// Then live appends.
	seq, err := st.AppendChat(ctx, id, signal.ChatMessage{
		Sender: signal.RolePatient, Text: "ready", SentAt: signal.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if seq <= 0 {
		t.Fatalf("expected positive store-assigned seq, got %d", seq)
	}
	select {
	case m := <-ch:
		if m.Text != "ready" || m.Seq != seq {
			t.Fatalf("unexpected live delivery: %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("live append never delivered")
	}
}

func TestCancelStopsDeliveries(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	id := newSession(t, st)

	ch, cancel, err := st.ObserveChat(id)
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	cancel() // idempotent

	if _, err := st.AppendChat(ctx, id, signal.ChatMessage{Sender: signal.RoleDoctor, Text: "x"}); err != nil {
		t.Fatal(err)
	}
	// The channel closes; a closed channel drains whatever was in flight and
	// then yields zero values.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m, ok := <-ch:
			if !ok {
				return
			}
			_ = m
		case <-deadline:
			t.Fatal("channel never closed after cancel")
		}
	}
}

func recvRecord(t *testing.T, ch <-chan *signal.SessionRecord) *signal.SessionRecord {
	t.Helper()
	select {
	case rec := <-ch:
		return rec
	case <-time.After(2 * time.Second):
		t.Fatal("no record delivered")
		return nil
	}
}
