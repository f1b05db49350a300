package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mossy-p/webrtc-matchmaking/internal/models"
	"github.com/mossy-p/webrtc-matchmaking/internal/rendezvous"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	keyPrefix = "rendezvous:"
	hashTTL   = 24 * time.Hour

	// DefaultPresenceTTL is how long a participant stays present after its
	// owner stops refreshing it.
	DefaultPresenceTTL = 30 * time.Second
)

type envelopeType string

const (
	envelopePresence envelopeType = "presence"
	envelopeSignal   envelopeType = "signal"
)

// envelope is the payload published on a topic channel. Presence envelopes
// only announce a change; subscribers re-read the presence hash.
type envelope struct {
	Type   envelopeType          `json:"type"`
	Signal *models.SignalMessage `json:"signal,omitempty"`
}

// Topic implements rendezvous.Topic on Redis: a hash of presence entries per
// topic and a pub/sub channel carrying presence changes and signals.
//
// Each entry is backed by an alive key with a short expiry that the owning
// subscription refreshes. Entries whose alive key expired are pruned when
// presence is read, so participants of a crashed process drop out.
type Topic struct {
	client      *redis.Client
	presenceTTL time.Duration
}

type TopicOption func(*Topic)

// WithPresenceTTL overrides DefaultPresenceTTL. Tracked entries are
// refreshed three times per TTL.
func WithPresenceTTL(d time.Duration) TopicOption {
	return func(t *Topic) {
		if d > 0 {
			t.presenceTTL = d
		}
	}
}

func NewTopic(client *redis.Client, opts ...TopicOption) *Topic {
	t := &Topic{client: client, presenceTTL: DefaultPresenceTTL}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func channelKey(name string) string   { return keyPrefix + name }
func presenceKey(name string) string  { return keyPrefix + name + ":presence" }
func aliveKey(name, id string) string { return keyPrefix + name + ":alive:" + id }

func (t *Topic) Subscribe(ctx context.Context, name string, events rendezvous.Events) (rendezvous.Subscription, error) {
	ps := t.client.Subscribe(ctx, channelKey(name))
	// Wait for the subscription confirmation so no publish after this point is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channelKey(name), err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		topic:   t,
		name:    name,
		events:  events,
		ps:      ps,
		cancel:  cancel,
		tracked: make(map[string]models.Presence),
	}
	go sub.run(runCtx)
	go sub.heartbeat(runCtx)
	return sub, nil
}

func (t *Topic) Presence(ctx context.Context, name string) ([]models.Presence, error) {
	raw, err := t.client.HGetAll(ctx, presenceKey(name)).Result()
	if err != nil {
		return nil, fmt.Errorf("read presence of %s: %w", name, err)
	}

	if len(raw) == 0 {
		return []models.Presence{}, nil
	}

	pipe := t.client.Pipeline()
	alive := make(map[string]*redis.IntCmd, len(raw))
	for id := range raw {
		alive[id] = pipe.Exists(ctx, aliveKey(name, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("read presence liveness of %s: %w", name, err)
	}

	out := make([]models.Presence, 0, len(raw))
	var stale []string
	for id, data := range raw {
		if alive[id].Val() == 0 {
			stale = append(stale, id)
			continue
		}
		var p models.Presence
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			log.Warn().Err(err).Str("participant_id", id).Msg("Skipping malformed presence entry")
			continue
		}
		out = append(out, p)
	}
	t.prune(ctx, name, stale)

	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *Topic) prune(ctx context.Context, name string, stale []string) {
	if len(stale) == 0 {
		return
	}
	if err := t.client.HDel(ctx, presenceKey(name), stale...).Err(); err != nil {
		log.Warn().Err(err).Str("topic", name).Msg("Failed to prune stale presence")
		return
	}
	log.Info().Strs("participant_ids", stale).Str("topic", name).Msg("Pruned stale presence")
}

// writePresence stores p and restarts its alive key expiry.
func (t *Topic) writePresence(ctx context.Context, name string, p models.Presence) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}

	key := presenceKey(name)
	_, err = t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, p.ID, data)
		pipe.Expire(ctx, key, hashTTL)
		pipe.Set(ctx, aliveKey(name, p.ID), 1, t.presenceTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("track %s: %w", p.ID, err)
	}
	return nil
}

func (t *Topic) publish(ctx context.Context, name string, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := t.client.Publish(ctx, channelKey(name), data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channelKey(name), err)
	}
	return nil
}

type subscription struct {
	topic  *Topic
	name   string
	events rendezvous.Events
	ps     *redis.PubSub
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	tracked map[string]models.Presence
}

// run delivers events in channel order on a single goroutine.
func (s *subscription) run(ctx context.Context) {
	s.deliverSync(ctx)

	for msg := range s.ps.Channel() {
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			log.Warn().Err(err).Str("topic", s.name).Msg("Failed to parse topic message")
			continue
		}

		switch env.Type {
		case envelopePresence:
			s.deliverSync(ctx)
		case envelopeSignal:
			if env.Signal == nil || s.isClosed() || s.events.OnMessage == nil {
				continue
			}
			s.events.OnMessage(*env.Signal)
		default:
			log.Debug().Str("type", string(env.Type)).Str("topic", s.name).Msg("Unknown envelope type")
		}
	}
}

// heartbeat keeps tracked entries alive until the subscription closes.
func (s *subscription) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.topic.presenceTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		tracked := make([]models.Presence, 0, len(s.tracked))
		for _, p := range s.tracked {
			tracked = append(tracked, p)
		}
		s.mu.Unlock()

		for _, p := range tracked {
			if s.isClosed() {
				return
			}
			if err := s.topic.writePresence(ctx, s.name, p); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Str("participant_id", p.ID).Str("topic", s.name).Msg("Failed to refresh presence")
			}
		}
	}
}

func (s *subscription) deliverSync(ctx context.Context) {
	if s.isClosed() || s.events.OnSync == nil {
		return
	}
	presences, err := s.topic.Presence(ctx, s.name)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Str("topic", s.name).Msg("Failed to read presence snapshot")
		}
		return
	}
	if s.isClosed() {
		return
	}
	s.events.OnSync(presences)
}

func (s *subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *subscription) Track(ctx context.Context, presence models.Presence) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return rendezvous.ErrSubscriptionClosed
	}
	s.tracked[presence.ID] = presence
	s.mu.Unlock()

	if err := s.topic.writePresence(ctx, s.name, presence); err != nil {
		return err
	}

	return s.topic.publish(ctx, s.name, envelope{Type: envelopePresence})
}

func (s *subscription) Broadcast(ctx context.Context, msg models.SignalMessage) error {
	if s.isClosed() {
		return rendezvous.ErrSubscriptionClosed
	}
	return s.topic.publish(ctx, s.name, envelope{Type: envelopeSignal, Signal: &msg})
}

// Close removes tracked presence, announces the change and unsubscribes. It
// does not wait for an in-flight delivery to return.
func (s *subscription) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ids := make([]string, 0, len(s.tracked))
	for id := range s.tracked {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	// Stops the heartbeat before the entries are removed.
	s.cancel()

	var firstErr error
	if len(ids) > 0 {
		_, err := s.topic.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, presenceKey(s.name), ids...)
			for _, id := range ids {
				pipe.Del(ctx, aliveKey(s.name, id))
			}
			return nil
		})
		if err != nil {
			firstErr = fmt.Errorf("untrack: %w", err)
		} else if err := s.topic.publish(ctx, s.name, envelope{Type: envelopePresence}); err != nil {
			firstErr = err
		}
	}

	if err := s.ps.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("unsubscribe: %w", err)
	}
	return firstErr
}
