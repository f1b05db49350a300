package rendezvous

import "errors"

var (
	ErrNotJoined          = errors.New("session has not joined the topic")
	ErrEmptyParticipantID = errors.New("participant id must not be empty")
	ErrUnknownSignalKind  = errors.New("unknown signal kind")
	ErrSubscriptionClosed = errors.New("subscription closed")
)
