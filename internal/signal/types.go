// Package signal defines the consultation signaling documents and the store
// contract they travel through. A consultation is one session record plus
// three append-only lists (two candidate relays, one chat relay); the caller
// and callee agents in internal/call never talk to each other directly —
// everything goes through a Store.
package signal

import "time"

// Status is the lifecycle state of a consultation session.
type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further signaling writes are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Role identifies which side of the consultation a client plays.
// The doctor creates the session and publishes the offer; the patient
// follows the session link and publishes the answer.
type Role string

const (
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
)

// Peer returns the opposite role.
func (r Role) Peer() Role {
	if r == RoleDoctor {
		return RolePatient
	}
	return RoleDoctor
}

// Direction names one of the two candidate relay lists. Each list has
// exactly one writer, which eliminates write-write conflicts by construction.
type Direction string

const (
	DirDoctorToPatient Direction = "doctor-to-patient"
	DirPatientToDoctor Direction = "patient-to-doctor"
)

// DirectionFrom returns the relay list a role writes its own candidates to.
func DirectionFrom(r Role) Direction {
	if r == RoleDoctor {
		return DirDoctorToPatient
	}
	return DirPatientToDoctor
}

// SDP is one side of the offer/answer handshake.
type SDP struct {
	Type string `json:"type"` // "offer" or "answer"
	Body string `json:"sdp"`
}

// Metadata is the session creation payload supplied by the doctor.
type Metadata struct {
	DoctorName  string `json:"doctor_name"`
	PatientName string `json:"patient_name"`
}

// SessionRecord is the single source of truth for handshake completion and
// call status. Offer is written exactly once by the doctor, answer exactly
// once by the patient and only after an offer exists.
type SessionRecord struct {
	ID          string `json:"id"`
	Status      Status `json:"status"`
	DoctorName  string `json:"doctor_name"`
	PatientName string `json:"patient_name"`

	Offer  *SDP `json:"offer,omitempty"`
	Answer *SDP `json:"answer,omitempty"`

	DoctorJoined    bool  `json:"doctor_joined"`
	DoctorJoinedAt  int64 `json:"doctor_joined_at,omitempty"` // unix millis
	PatientJoined   bool  `json:"patient_joined"`
	PatientJoinedAt int64 `json:"patient_joined_at,omitempty"`

	CreatedAt int64 `json:"created_at"`
}

// Equal compares the handshake-relevant fields of two records. Observers use
// it to deduplicate redundant deliveries of the same record by value.
func (s *SessionRecord) Equal(o *SessionRecord) bool {
	if s == nil || o == nil {
		return s == o
	}
	return s.ID == o.ID &&
		s.Status == o.Status &&
		sdpEqual(s.Offer, o.Offer) &&
		sdpEqual(s.Answer, o.Answer) &&
		s.DoctorJoined == o.DoctorJoined &&
		s.PatientJoined == o.PatientJoined
}

func sdpEqual(a, b *SDP) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Type == b.Type && a.Body == b.Body
}

// Candidate is an opaque network path descriptor discovered by ICE.
type Candidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdp_mid"`
	SDPMLineIndex uint16 `json:"sdp_mline_index"`
}

// CandidateEntry is one appended element of a candidate relay list.
// Seq is assigned by the store and defines the authoritative per-direction
// order; SentAt is the writer's clock, for diagnostics only.
type CandidateEntry struct {
	Seq       int64     `json:"seq"`
	Direction Direction `json:"direction"`
	Candidate Candidate `json:"candidate"`
	SentAt    int64     `json:"sent_at"`
}

// ChatMessage is one appended element of the chat relay. Seq is assigned by
// the store and is the authoritative display order on both clients; SentAt
// is the sender's clock and is used only for timestamp formatting.
type ChatMessage struct {
	Seq        int64  `json:"seq,omitempty"`
	Sender     Role   `json:"sender"`
	SenderName string `json:"sender_name"`
	Text       string `json:"text"`
	SentAt     int64  `json:"sent_at"`
}

// Now returns the current time in unix milliseconds, the timestamp unit used
// across all signaling documents.
func Now() int64 {
	return time.Now().UnixMilli()
}
