// Package store provides the Store implementations the signaling flow runs
// over: a SQLite-backed local store and a websocket client for a remote
// gateway. Both satisfy signal.Store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/petervdpas/medcall/internal/signal"

	_ "modernc.org/sqlite"
)

// SQLite is a durable signal.Store backed by a local SQLite database.
// Candidate and chat entries get a store-assigned AUTOINCREMENT seq, which is
// the authoritative ordering on both sides regardless of client clock skew.
type SQLite struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex

	subMu       sync.Mutex
	closed      bool
	sessionSubs map[string]map[*pump]struct{}
	candSubs    map[listKey]map[*pump]struct{}
	chatSubs    map[string]map[*pump]struct{}
}

type listKey struct {
	id  string
	dir signal.Direction
}

// Open opens or creates the signaling database in dir.
func Open(dir string) (*SQLite, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	dbPath := filepath.Join(dir, "signaling.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode so observers reading history do not block appenders.
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id                TEXT PRIMARY KEY,
			status            TEXT NOT NULL,
			doctor_name       TEXT DEFAULT '',
			patient_name      TEXT DEFAULT '',
			offer_type        TEXT,
			offer_sdp         TEXT,
			answer_type       TEXT,
			answer_sdp        TEXT,
			doctor_joined     INTEGER DEFAULT 0,
			doctor_joined_at  INTEGER DEFAULT 0,
			patient_joined    INTEGER DEFAULT 0,
			patient_joined_at INTEGER DEFAULT 0,
			created_at        INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sessions table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS candidates (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id      TEXT NOT NULL,
			direction       TEXT NOT NULL,
			candidate       TEXT NOT NULL,
			sdp_mid         TEXT DEFAULT '',
			sdp_mline_index INTEGER DEFAULT 0,
			sent_at         INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_candidates_list
			ON candidates(session_id, direction, seq);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create candidates table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS chat (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id  TEXT NOT NULL,
			sender      TEXT NOT NULL,
			sender_name TEXT DEFAULT '',
			body        TEXT NOT NULL,
			sent_at     INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_chat_session ON chat(session_id, seq);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create chat table: %w", err)
	}

	return &SQLite{
		db:          db,
		path:        dbPath,
		sessionSubs: make(map[string]map[*pump]struct{}),
		candSubs:    make(map[listKey]map[*pump]struct{}),
		chatSubs:    make(map[string]map[*pump]struct{}),
	}, nil
}

// Path returns the database file path.
func (s *SQLite) Path() string { return s.path }

// ── Session record ───────────────────────────────────────────────────────────

// CreateSession creates a new session record in StatusScheduled.
func (s *SQLite) CreateSession(ctx context.Context, meta signal.Metadata) (string, error) {
	id := uuid.NewString()

	s.mu.Lock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, status, doctor_name, patient_name, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, string(signal.StatusScheduled), meta.DoctorName, meta.PatientName, signal.Now())
	s.mu.Unlock()

	if err != nil {
		return "", &signal.SignalingError{Op: "create session", Err: err}
	}
	return id, nil
}

// GetSession returns the current session record.
func (s *SQLite) GetSession(ctx context.Context, id string) (*signal.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getSessionLocked(ctx, id)
}

func (s *SQLite) getSessionLocked(ctx context.Context, id string) (*signal.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, doctor_name, patient_name,
		       offer_type, offer_sdp, answer_type, answer_sdp,
		       doctor_joined, doctor_joined_at, patient_joined, patient_joined_at,
		       created_at
		FROM sessions WHERE id = ?
	`, id)

	var rec signal.SessionRecord
	var status string
	var offerType, offerSDP, answerType, answerSDP sql.NullString
	var docJoined, patJoined int
	err := row.Scan(&rec.ID, &status, &rec.DoctorName, &rec.PatientName,
		&offerType, &offerSDP, &answerType, &answerSDP,
		&docJoined, &rec.DoctorJoinedAt, &patJoined, &rec.PatientJoinedAt,
		&rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, signal.ErrSessionNotFound
	}
	if err != nil {
		return nil, &signal.SignalingError{Op: "get session", Err: err}
	}

	rec.Status = signal.Status(status)
	rec.DoctorJoined = docJoined != 0
	rec.PatientJoined = patJoined != 0
	if offerType.Valid {
		rec.Offer = &signal.SDP{Type: offerType.String, Body: offerSDP.String}
	}
	if answerType.Valid {
		rec.Answer = &signal.SDP{Type: answerType.String, Body: answerSDP.String}
	}
	return &rec, nil
}

// PublishOffer stores the offer with an atomic set-once guard.
func (s *SQLite) PublishOffer(ctx context.Context, id string, offer signal.SDP) error {
	s.mu.Lock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET offer_type = ?, offer_sdp = ?
		WHERE id = ? AND offer_type IS NULL AND status NOT IN (?, ?)
	`, offer.Type, offer.Body, id,
		string(signal.StatusCompleted), string(signal.StatusCancelled))
	s.mu.Unlock()

	if err != nil {
		return &signal.SignalingError{Op: "publish offer", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.classifyRejected(ctx, id, "publish offer", errKindOffer)
	}
	s.notifySession(id)
	return nil
}

// PublishAnswer stores the answer only when an offer already exists and no
// answer does. The guard lives in the WHERE clause, so a violation never
// partially mutates the record.
func (s *SQLite) PublishAnswer(ctx context.Context, id string, answer signal.SDP) error {
	s.mu.Lock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET answer_type = ?, answer_sdp = ?
		WHERE id = ? AND offer_type IS NOT NULL AND answer_type IS NULL
		      AND status NOT IN (?, ?)
	`, answer.Type, answer.Body, id,
		string(signal.StatusCompleted), string(signal.StatusCancelled))
	s.mu.Unlock()

	if err != nil {
		return &signal.SignalingError{Op: "publish answer", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.classifyRejected(ctx, id, "publish answer", errKindAnswer)
	}
	s.notifySession(id)
	return nil
}

// errKind selects which rejection taxonomy classifyRejected applies.
type errKind int

const (
	errKindOffer errKind = iota
	errKindAnswer
)

// classifyRejected turns a zero-rows-affected guard failure into the precise
// error the contract requires.
func (s *SQLite) classifyRejected(ctx context.Context, id, op string, kind errKind) error {
	s.mu.RLock()
	rec, err := s.getSessionLocked(ctx, id)
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return signal.ErrSessionClosed
	}
	switch kind {
	case errKindOffer:
		return signal.ErrOfferExists
	default:
		if rec.Offer == nil {
			return &signal.ProtocolViolationError{Op: op, Reason: "no offer published yet"}
		}
		return &signal.ProtocolViolationError{Op: op, Reason: "answer already published"}
	}
}

// MarkJoined sets the per-role joined flag and timestamp.
func (s *SQLite) MarkJoined(ctx context.Context, id string, role signal.Role) error {
	col, at := "doctor_joined", "doctor_joined_at"
	if role == signal.RolePatient {
		col, at = "patient_joined", "patient_joined_at"
	}

	s.mu.Lock()
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE sessions SET %s = 1, %s = ? WHERE id = ?", col, at),
		signal.Now(), id)
	s.mu.Unlock()

	if err != nil {
		return &signal.SignalingError{Op: "mark joined", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return signal.ErrSessionNotFound
	}
	s.notifySession(id)
	return nil
}

// SetStatus transitions the session lifecycle. A terminal status can be
// re-asserted (idempotent end) but never left.
func (s *SQLite) SetStatus(ctx context.Context, id string, status signal.Status) error {
	s.mu.Lock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?
		WHERE id = ? AND (status NOT IN (?, ?) OR status = ?)
	`, string(status), id,
		string(signal.StatusCompleted), string(signal.StatusCancelled), string(status))
	s.mu.Unlock()

	if err != nil {
		return &signal.SignalingError{Op: "set status", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.mu.RLock()
		_, gerr := s.getSessionLocked(ctx, id)
		s.mu.RUnlock()
		if gerr != nil {
			return gerr
		}
		return signal.ErrSessionClosed
	}
	s.notifySession(id)
	return nil
}

// ── Candidate relay ──────────────────────────────────────────────────────────

// AppendCandidate appends to one direction's relay list. The terminal-status
// guard lives in the INSERT itself, so a candidate can never slip in next to
// a concurrent close.
func (s *SQLite) AppendCandidate(ctx context.Context, id string, dir signal.Direction, c signal.Candidate) error {
	s.mu.Lock()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO candidates (session_id, direction, candidate, sdp_mid, sdp_mline_index, sent_at)
		SELECT id, ?, ?, ?, ?, ? FROM sessions
		WHERE id = ? AND status NOT IN (?, ?)
	`, string(dir), c.Candidate, c.SDPMid, c.SDPMLineIndex, signal.Now(), id,
		string(signal.StatusCompleted), string(signal.StatusCancelled))
	s.mu.Unlock()

	if err != nil {
		return &signal.SignalingError{Op: "append candidate", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.mu.RLock()
		_, gerr := s.getSessionLocked(ctx, id)
		s.mu.RUnlock()
		if gerr != nil {
			return gerr
		}
		return signal.ErrSessionClosed
	}
	s.notifyCandidates(id, dir)
	return nil
}

// ── Chat relay ───────────────────────────────────────────────────────────────

// AppendChat appends a chat message and returns its store-assigned seq.
// Chat stays open after the call ends; only the handshake fields freeze.
func (s *SQLite) AppendChat(ctx context.Context, id string, msg signal.ChatMessage) (int64, error) {
	s.mu.RLock()
	_, err := s.getSessionLocked(ctx, id)
	s.mu.RUnlock()
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO chat (session_id, sender, sender_name, body, sent_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, string(msg.Sender), msg.SenderName, msg.Text, msg.SentAt)
	s.mu.Unlock()

	if err != nil {
		return 0, &signal.SignalingError{Op: "append chat", Err: err}
	}
	seq, _ := res.LastInsertId()
	s.notifyChat(id)
	return seq, nil
}

// Close cancels all subscriptions and closes the database.
func (s *SQLite) Close() error {
	s.subMu.Lock()
	if s.closed {
		s.subMu.Unlock()
		return nil
	}
	s.closed = true
	var pumps []*pump
	for _, subs := range s.sessionSubs {
		for p := range subs {
			pumps = append(pumps, p)
		}
	}
	for _, subs := range s.candSubs {
		for p := range subs {
			pumps = append(pumps, p)
		}
	}
	for _, subs := range s.chatSubs {
		for p := range subs {
			pumps = append(pumps, p)
		}
	}
	s.sessionSubs = nil
	s.candSubs = nil
	s.chatSubs = nil
	s.subMu.Unlock()

	for _, p := range pumps {
		p.stop()
	}
	return s.db.Close()
}
