// Package calls implements call signaling (C6): a small per-call state
// machine brokering SDP exchange and ICE relay between two peers. The
// server never joins the media path — SDP/ICE blobs are opaque transport
// for the peers' own WebRTC stacks, only decoded far enough to reject
// malformed input before it's relayed.
package calls

import "time"

const (
	StatusRinging  = "ringing"
	StatusAnswered = "answered"
	StatusDeclined = "declined"
	StatusMissed   = "missed"
	StatusEnded    = "ended"
	StatusFailed   = "failed"
)

var terminalStatuses = map[string]bool{
	StatusDeclined: true,
	StatusMissed:   true,
	StatusEnded:    true,
	StatusFailed:   true,
}

func isTerminal(status string) bool { return terminalStatuses[status] }

const (
	TypeAudio = "audio"
	TypeVideo = "video"
)

type Call struct {
	ID              string     `json:"id"`
	ConversationID  string     `json:"conversation_id"`
	CallerID        string     `json:"caller_id"`
	CallType        string     `json:"call_type"`
	Status          string     `json:"status"`
	SDPOffer        string     `json:"sdp_offer,omitempty"`
	SDPAnswer       string     `json:"sdp_answer,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds *int       `json:"duration_seconds,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

type ICECandidate struct {
	CallID    string    `json:"call_id"`
	UserID    string    `json:"user_id"`
	Candidate string    `json:"candidate"`
	CreatedAt time.Time `json:"created_at"`
}

type InitiateCallRequest struct {
	ConversationID string `json:"conversation_id"`
	CallType       string `json:"call_type"`
	SDPOffer       string `json:"sdp_offer"`
}

type AnswerCallRequest struct {
	SDPAnswer string `json:"sdp_answer"`
}

type ICECandidateRequest struct {
	Candidate string `json:"candidate"`
}
