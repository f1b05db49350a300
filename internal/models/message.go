package models

import "encoding/json"

// SignalKind is the type of a relayed WebRTC signaling message.
type SignalKind string

const (
	SignalKindOffer     SignalKind = "offer"
	SignalKindAnswer    SignalKind = "answer"
	SignalKindCandidate SignalKind = "candidate"

	// Match handshake, consumed by the rendezvous session itself.
	SignalKindMatchPropose SignalKind = "match-propose"
	SignalKindMatchAccept  SignalKind = "match-accept"
	SignalKindMatchReject  SignalKind = "match-reject"
)

// IsRelayed reports whether messages of this kind are handed to the signal handler.
func (k SignalKind) IsRelayed() bool {
	switch k {
	case SignalKindOffer, SignalKindAnswer, SignalKindCandidate:
		return true
	}
	return false
}

func (k SignalKind) IsHandshake() bool {
	switch k {
	case SignalKindMatchPropose, SignalKindMatchAccept, SignalKindMatchReject:
		return true
	}
	return false
}

// SignalMessage is published on the shared topic and dispatched only by the
// participant whose id equals To.
type SignalMessage struct {
	From    string          `json:"from"`
	To      string          `json:"to"`
	Kind    SignalKind      `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ClientMessageType is the type of a message sent by a websocket client.
type ClientMessageType string

const (
	ClientJoin         ClientMessageType = "join"
	ClientLeave        ClientMessageType = "leave"
	ClientOffer        ClientMessageType = "offer"
	ClientAnswer       ClientMessageType = "answer"
	ClientCandidate    ClientMessageType = "candidate"
	ClientStats        ClientMessageType = "stats"
	ClientConnected    ClientMessageType = "connected"
	ClientDisconnected ClientMessageType = "disconnected"
)

// ClientMessage is a message received from a browser over /ws/match.
type ClientMessage struct {
	Type    ClientMessageType `json:"type"`
	To      string            `json:"to,omitempty"`
	Payload json.RawMessage   `json:"payload,omitempty"`
}

// ServerMessageType is the type of a message sent to a websocket client.
type ServerMessageType string

const (
	ServerSearching ServerMessageType = "searching"
	ServerMatched   ServerMessageType = "matched"
	ServerIdle      ServerMessageType = "idle"
	ServerOffer     ServerMessageType = "offer"
	ServerAnswer    ServerMessageType = "answer"
	ServerCandidate ServerMessageType = "candidate"
	ServerQuality   ServerMessageType = "quality"
	ServerError     ServerMessageType = "error"
)

// ServerMessage is a message written to a browser over /ws/match.
type ServerMessage struct {
	Type      ServerMessageType `json:"type"`
	From      string            `json:"from,omitempty"`
	PeerID    string            `json:"peerId,omitempty"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
	Stats     *ConnectionStats  `json:"stats,omitempty"`
	Connected bool              `json:"connected,omitempty"`
	Error     string            `json:"error,omitempty"`
}
