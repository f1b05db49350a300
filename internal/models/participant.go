package models

import "time"

// Presence is the payload a participant tracks on the shared topic.
type Presence struct {
	ID       string    `json:"id"`
	JoinedAt time.Time `json:"joinedAt"`
}

// MatchPhase is the phase of a rendezvous session.
type MatchPhase string

const (
	MatchIdle      MatchPhase = "idle"
	MatchSearching MatchPhase = "searching"
	MatchMatched   MatchPhase = "matched"
)

// MatchState is Idle, Searching or Matched(PeerID).
type MatchState struct {
	Phase  MatchPhase `json:"phase"`
	PeerID string     `json:"peerId,omitempty"`
}

func Idle() MatchState      { return MatchState{Phase: MatchIdle} }
func Searching() MatchState { return MatchState{Phase: MatchSearching} }

func Matched(peerID string) MatchState {
	return MatchState{Phase: MatchMatched, PeerID: peerID}
}

// LobbyResponse is returned by GET /api/lobby.
type LobbyResponse struct {
	Topic        string     `json:"topic"`
	Searching    int        `json:"searching"`
	Participants []Presence `json:"participants"`
}
