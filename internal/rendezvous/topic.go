package rendezvous

import (
	"context"

	"github.com/mossy-p/webrtc-matchmaking/internal/models"
)

// DefaultTopicName is the shared topic every searching participant joins.
const DefaultTopicName = "random-match"

// Events are delivered by a Topic in arrival order. OnSync carries the full
// membership snapshot after every presence change.
type Events struct {
	OnSync    func(presences []models.Presence)
	OnMessage func(msg models.SignalMessage)
}

// Topic is a named broadcast medium with presence tracking.
type Topic interface {
	Subscribe(ctx context.Context, name string, events Events) (Subscription, error)
	Presence(ctx context.Context, name string) ([]models.Presence, error)
}

// Subscription is one subscriber's handle on a topic. Close untracks any
// presence registered through it and stops event delivery.
type Subscription interface {
	Track(ctx context.Context, presence models.Presence) error
	Broadcast(ctx context.Context, msg models.SignalMessage) error
	Close(ctx context.Context) error
}
