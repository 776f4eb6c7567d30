package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/petervdpas/medcall/internal/signal"
)

// pump drives one subscription. Writers poke the wake channel after a commit;
// the pump goroutine drains everything newer than its cursor from the
// database in order. A slow consumer therefore delays delivery but can never
// lose or reorder entries.
type pump struct {
	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newPump() *pump {
	return &pump{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// poke coalesces: a pending wake already covers this notification.
func (p *pump) poke() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *pump) stop() {
	p.stopOnce.Do(func() { close(p.done) })
}

// ── Session observation ──────────────────────────────────────────────────────

// ObserveSession delivers the current record immediately, then on every
// update. Deliveries may repeat an unchanged record; consumers dedup by value.
func (s *SQLite) ObserveSession(id string) (<-chan *signal.SessionRecord, func(), error) {
	if _, err := s.GetSession(context.Background(), id); err != nil {
		return nil, nil, err
	}

	p := newPump()
	s.subMu.Lock()
	if s.closed {
		s.subMu.Unlock()
		return nil, nil, fmt.Errorf("store closed")
	}
	if s.sessionSubs[id] == nil {
		s.sessionSubs[id] = make(map[*pump]struct{})
	}
	s.sessionSubs[id][p] = struct{}{}
	s.subMu.Unlock()

	out := make(chan *signal.SessionRecord, 16)
	go func() {
		defer close(out)
		for {
			rec, err := s.GetSession(context.Background(), id)
			if err == nil {
				select {
				case out <- rec:
				case <-p.done:
					return
				}
			}
			select {
			case <-p.wake:
			case <-p.done:
				return
			}
		}
	}()

	cancel := func() {
		s.subMu.Lock()
		if subs, ok := s.sessionSubs[id]; ok {
			delete(subs, p)
		}
		s.subMu.Unlock()
		p.stop()
	}
	return out, cancel, nil
}

func (s *SQLite) notifySession(id string) {
	s.subMu.Lock()
	for p := range s.sessionSubs[id] {
		p.poke()
	}
	s.subMu.Unlock()
}

// ── Candidate observation ────────────────────────────────────────────────────

// ObserveCandidates delivers the direction's full backlog in store order,
// then live appends. One side gathers its candidates in seconds while the
// other joins on a human timescale, so a subscription that skipped the
// backlog would drop most of the relay.
func (s *SQLite) ObserveCandidates(id string, dir signal.Direction) (<-chan signal.CandidateEntry, func(), error) {
	return s.ObserveCandidatesAfter(id, dir, 0)
}

// ObserveCandidatesAfter delivers every entry with seq > after, then live
// appends. The gateway uses it to resume a client's subscription without
// loss after a reconnect.
func (s *SQLite) ObserveCandidatesAfter(id string, dir signal.Direction, after int64) (<-chan signal.CandidateEntry, func(), error) {
	if _, err := s.GetSession(context.Background(), id); err != nil {
		return nil, nil, err
	}
	lastSeq := after

	p := newPump()
	key := listKey{id: id, dir: dir}
	s.subMu.Lock()
	if s.closed {
		s.subMu.Unlock()
		return nil, nil, fmt.Errorf("store closed")
	}
	if s.candSubs[key] == nil {
		s.candSubs[key] = make(map[*pump]struct{})
	}
	s.candSubs[key][p] = struct{}{}
	s.subMu.Unlock()

	// Drain any backlog between `after` and the current tail right away.
	p.poke()

	out := make(chan signal.CandidateEntry, 32)
	go func() {
		defer close(out)
		for {
			select {
			case <-p.wake:
			case <-p.done:
				return
			}
			entries, err := s.candidatesAfter(id, dir, lastSeq)
			if err != nil {
				return
			}
			for _, e := range entries {
				select {
				case out <- e:
					lastSeq = e.Seq
				case <-p.done:
					return
				}
			}
		}
	}()

	cancel := func() {
		s.subMu.Lock()
		if subs, ok := s.candSubs[key]; ok {
			delete(subs, p)
		}
		s.subMu.Unlock()
		p.stop()
	}
	return out, cancel, nil
}

func (s *SQLite) candidatesAfter(id string, dir signal.Direction, after int64) ([]signal.CandidateEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT seq, candidate, sdp_mid, sdp_mline_index, sent_at
		FROM candidates
		WHERE session_id = ? AND direction = ? AND seq > ?
		ORDER BY seq
	`, id, string(dir), after)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []signal.CandidateEntry
	for rows.Next() {
		e := signal.CandidateEntry{Direction: dir}
		if err := rows.Scan(&e.Seq, &e.Candidate.Candidate, &e.Candidate.SDPMid,
			&e.Candidate.SDPMLineIndex, &e.SentAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) notifyCandidates(id string, dir signal.Direction) {
	s.subMu.Lock()
	for p := range s.candSubs[listKey{id: id, dir: dir}] {
		p.poke()
	}
	s.subMu.Unlock()
}

// ── Chat observation ─────────────────────────────────────────────────────────

// ObserveChat delivers the full history in seq order, then incremental
// appends. A resubscribe replays the history again — that is how a
// reconnecting client reconstructs the conversation.
func (s *SQLite) ObserveChat(id string) (<-chan signal.ChatMessage, func(), error) {
	if _, err := s.GetSession(context.Background(), id); err != nil {
		return nil, nil, err
	}

	p := newPump()
	s.subMu.Lock()
	if s.closed {
		s.subMu.Unlock()
		return nil, nil, fmt.Errorf("store closed")
	}
	if s.chatSubs[id] == nil {
		s.chatSubs[id] = make(map[*pump]struct{})
	}
	s.chatSubs[id][p] = struct{}{}
	s.subMu.Unlock()

	// Cursor starts at zero so the pump's first pass replays history.
	p.poke()

	out := make(chan signal.ChatMessage, 32)
	go func() {
		defer close(out)
		var lastSeq int64
		for {
			select {
			case <-p.wake:
			case <-p.done:
				return
			}
			msgs, err := s.chatAfter(id, lastSeq)
			if err != nil {
				return
			}
			for _, m := range msgs {
				select {
				case out <- m:
					lastSeq = m.Seq
				case <-p.done:
					return
				}
			}
		}
	}()

	cancel := func() {
		s.subMu.Lock()
		if subs, ok := s.chatSubs[id]; ok {
			delete(subs, p)
		}
		s.subMu.Unlock()
		p.stop()
	}
	return out, cancel, nil
}

func (s *SQLite) chatAfter(id string, after int64) ([]signal.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT seq, sender, sender_name, body, sent_at
		FROM chat WHERE session_id = ? AND seq > ?
		ORDER BY seq
	`, id, after)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []signal.ChatMessage
	for rows.Next() {
		var m signal.ChatMessage
		var sender string
		if err := rows.Scan(&m.Seq, &sender, &m.SenderName, &m.Text, &m.SentAt); err != nil {
			return nil, err
		}
		m.Sender = signal.Role(sender)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLite) notifyChat(id string) {
	s.subMu.Lock()
	for p := range s.chatSubs[id] {
		p.poke()
	}
	s.subMu.Unlock()
}
