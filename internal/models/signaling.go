package models

import (
	"time"
)

// SessionDescription carries an SDP payload tagged with the session it was
// produced under. Payloads whose SessionID does not match the consumer's
// active session must be discarded.
type SessionDescription struct {
	SessionID string `json:"sessionId"`
	Type      string `json:"type"`
	SDP       string `json:"sdp"`
}

// ICECandidate is one trickled candidate, tagged like the descriptions.
type ICECandidate struct {
	SessionID     string  `json:"sessionId"`
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// SignalingRoom is the shared record both peers poll to negotiate a call.
// The doctor writes Offer and appends to DoctorCandidates, the patient
// writes Answer and appends to PatientCandidates; EndedAt may be set by
// either side. A new call attempt replaces SessionID, invalidating every
// payload tagged with the previous one.
type SignalingRoom struct {
	RoomCode          string              `json:"roomCode"`
	SessionID         string              `json:"sessionId"`
	Offer             *SessionDescription `json:"offer,omitempty"`
	Answer            *SessionDescription `json:"answer,omitempty"`
	DoctorCandidates  []ICECandidate      `json:"doctorCandidates"`
	PatientCandidates []ICECandidate      `json:"patientCandidates"`
	EndedAt           *time.Time          `json:"endedAt,omitempty"`
	UpdatedAt         time.Time           `json:"updatedAt"`
}

// Ended reports whether a peer has hung up on this room.
func (r *SignalingRoom) Ended() bool {
	return r != nil && r.EndedAt != nil
}

// CandidatesFor returns the candidate list written by the given role.
func (r *SignalingRoom) CandidatesFor(role Role) []ICECandidate {
	if role == RoleDoctor {
		return r.DoctorCandidates
	}
	return r.PatientCandidates
}

// CallState is the call session controller's lifecycle position.
type CallState string

const (
	CallStateIdle        CallState = "idle"
	CallStatePreparing   CallState = "preparing"
	CallStateNegotiating CallState = "negotiating"
	CallStateConnected   CallState = "connected"
	CallStateEnded       CallState = "ended"
)
