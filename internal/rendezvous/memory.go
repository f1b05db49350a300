package rendezvous

import (
	"context"
	"sort"
	"sync"

	"github.com/mossy-p/webrtc-matchmaking/internal/models"
	"github.com/samber/lo"
)

// MemoryTopic is an in-process Topic. Each named topic has a single FIFO
// dispatch queue: publishes made from inside a handler are queued behind the
// event being delivered, and the outermost caller drains the queue before
// returning.
type MemoryTopic struct {
	mu       sync.Mutex
	channels map[string]*memoryChannel
}

type memoryChannel struct {
	subs     []*memorySubscription
	presence map[string]trackedPresence
	queue    []func()
	draining bool
}

type trackedPresence struct {
	presence models.Presence
	owner    *memorySubscription
}

type memorySubscription struct {
	topic   *MemoryTopic
	name    string
	events  Events
	closed  bool
	tracked map[string]struct{}
}

func NewMemoryTopic() *MemoryTopic {
	return &MemoryTopic{
		channels: make(map[string]*memoryChannel),
	}
}

func (t *MemoryTopic) Subscribe(ctx context.Context, name string, events Events) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := &memorySubscription{
		topic:   t,
		name:    name,
		events:  events,
		tracked: make(map[string]struct{}),
	}

	t.mu.Lock()
	ch := t.channelLocked(name)
	ch.subs = append(ch.subs, sub)
	snapshot := ch.snapshotLocked()
	ch.queue = append(ch.queue, func() { sub.deliverSync(snapshot) })
	t.mu.Unlock()

	t.drain(name)
	return sub, nil
}

func (t *MemoryTopic) Presence(ctx context.Context, name string) ([]models.Presence, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.channels[name]
	if !ok {
		return nil, nil
	}
	return ch.snapshotLocked(), nil
}

func (t *MemoryTopic) channelLocked(name string) *memoryChannel {
	ch, ok := t.channels[name]
	if !ok {
		ch = &memoryChannel{
			presence: make(map[string]trackedPresence),
		}
		t.channels[name] = ch
	}
	return ch
}

// snapshotLocked returns present participants ordered by join time, then id.
func (ch *memoryChannel) snapshotLocked() []models.Presence {
	out := make([]models.Presence, 0, len(ch.presence))
	for _, tp := range ch.presence {
		out = append(out, tp.presence)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// broadcastSyncLocked queues a membership snapshot for every subscriber in
// subscription order.
func (ch *memoryChannel) broadcastSyncLocked() {
	snapshot := ch.snapshotLocked()
	for _, sub := range ch.subs {
		ch.queue = append(ch.queue, func() { sub.deliverSync(snapshot) })
	}
}

func (t *MemoryTopic) drain(name string) {
	t.mu.Lock()
	ch := t.channels[name]
	if ch == nil || ch.draining {
		t.mu.Unlock()
		return
	}
	ch.draining = true

	for len(ch.queue) > 0 {
		next := ch.queue[0]
		ch.queue = ch.queue[1:]
		t.mu.Unlock()
		next()
		t.mu.Lock()
	}

	ch.draining = false
	t.mu.Unlock()
}

func (s *memorySubscription) isClosed() bool {
	s.topic.mu.Lock()
	defer s.topic.mu.Unlock()
	return s.closed
}

func (s *memorySubscription) deliverSync(snapshot []models.Presence) {
	if s.isClosed() || s.events.OnSync == nil {
		return
	}
	s.events.OnSync(snapshot)
}

func (s *memorySubscription) deliverMessage(msg models.SignalMessage) {
	if s.isClosed() || s.events.OnMessage == nil {
		return
	}
	s.events.OnMessage(msg)
}

func (s *memorySubscription) Track(ctx context.Context, presence models.Presence) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t := s.topic
	t.mu.Lock()
	if s.closed {
		t.mu.Unlock()
		return ErrSubscriptionClosed
	}
	ch := t.channelLocked(s.name)
	ch.presence[presence.ID] = trackedPresence{presence: presence, owner: s}
	s.tracked[presence.ID] = struct{}{}
	ch.broadcastSyncLocked()
	t.mu.Unlock()

	t.drain(s.name)
	return nil
}

func (s *memorySubscription) Broadcast(ctx context.Context, msg models.SignalMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t := s.topic
	t.mu.Lock()
	if s.closed {
		t.mu.Unlock()
		return ErrSubscriptionClosed
	}
	ch := t.channelLocked(s.name)
	for _, sub := range ch.subs {
		ch.queue = append(ch.queue, func() { sub.deliverMessage(msg) })
	}
	t.mu.Unlock()

	t.drain(s.name)
	return nil
}

func (s *memorySubscription) Close(ctx context.Context) error {
	t := s.topic
	t.mu.Lock()
	if s.closed {
		t.mu.Unlock()
		return nil
	}
	s.closed = true

	ch := t.channels[s.name]
	if ch == nil {
		t.mu.Unlock()
		return nil
	}
	ch.subs = lo.Without(ch.subs, s)

	changed := false
	for id := range s.tracked {
		// A later Track of the same id by another subscription owns the entry.
		if tp, ok := ch.presence[id]; ok && tp.owner == s {
			delete(ch.presence, id)
			changed = true
		}
	}
	if changed {
		ch.broadcastSyncLocked()
	}
	if len(ch.subs) == 0 && len(ch.presence) == 0 && len(ch.queue) == 0 && !ch.draining {
		delete(t.channels, s.name)
	}
	t.mu.Unlock()

	t.drain(s.name)
	return nil
}
