package redis

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mossy-p/webrtc-matchmaking/config"
	"github.com/mossy-p/webrtc-matchmaking/internal/models"
	"github.com/mossy-p/webrtc-matchmaking/internal/rendezvous"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

func newTestTopic(t *testing.T) (*Topic, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), Protocol: 2})
	t.Cleanup(func() { _ = client.Close() })
	return NewTopic(client), mr
}

func Test_Connect_pings_server(t *testing.T) {
	mr := miniredis.RunT(t)
	host, port, err := net.SplitHostPort(mr.Addr())
	require.NoError(t, err)

	client, err := Connect(context.Background(), config.RedisConfig{Host: host, Port: port})
	require.NoError(t, err)
	require.NoError(t, client.Close())

	mr.Close()
	_, err = Connect(context.Background(), config.RedisConfig{Host: host, Port: port})
	assert.Error(t, err)
}

func Test_Topic_sessions_match_over_redis(t *testing.T) {
	topic, _ := newTestTopic(t)
	ctx := context.Background()

	a := rendezvous.NewSession(topic)
	b := rendezvous.NewSession(topic)
	t.Cleanup(func() {
		a.Leave(ctx)
		b.Leave(ctx)
	})

	require.NoError(t, a.Join(ctx, "A"))
	require.NoError(t, b.Join(ctx, "B"))

	require.Eventually(t, func() bool {
		return a.State() == models.Matched("B") && b.State() == models.Matched("A")
	}, waitFor, tick)
}

func Test_Topic_signal_reaches_only_addressee(t *testing.T) {
	topic, _ := newTestTopic(t)
	ctx := context.Background()

	a := rendezvous.NewSession(topic)
	b := rendezvous.NewSession(topic)
	c := rendezvous.NewSession(topic)
	t.Cleanup(func() {
		a.Leave(ctx)
		b.Leave(ctx)
		c.Leave(ctx)
	})

	gotB := make(chan models.SignalMessage, 1)
	gotC := make(chan models.SignalMessage, 1)
	b.OnSignal(func(msg models.SignalMessage) { gotB <- msg })
	c.OnSignal(func(msg models.SignalMessage) { gotC <- msg })

	require.NoError(t, a.Join(ctx, "A"))
	require.NoError(t, b.Join(ctx, "B"))
	require.NoError(t, c.Join(ctx, "C"))

	require.NoError(t, a.SendSignal(ctx, "B", models.SignalKindCandidate, []byte(`{"candidate":"x"}`)))

	select {
	case msg := <-gotB:
		assert.Equal(t, "A", msg.From)
		assert.Equal(t, models.SignalKindCandidate, msg.Kind)
		assert.JSONEq(t, `{"candidate":"x"}`, string(msg.Payload))
	case <-time.After(waitFor):
		t.Fatal("B did not receive the signal")
	}

	select {
	case msg := <-gotC:
		t.Fatalf("C received a signal addressed to %s", msg.To)
	case <-time.After(100 * time.Millisecond):
	}
}

func Test_Topic_close_removes_presence(t *testing.T) {
	topic, mr := newTestTopic(t)
	ctx := context.Background()

	syncs := make(chan []models.Presence, 16)
	watcher, err := topic.Subscribe(ctx, "lobby", rendezvous.Events{
		OnSync: func(p []models.Presence) { syncs <- p },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = watcher.Close(ctx) })

	sub, err := topic.Subscribe(ctx, "lobby", rendezvous.Events{})
	require.NoError(t, err)
	require.NoError(t, sub.Track(ctx, models.Presence{ID: "A", JoinedAt: time.Now().UTC()}))
	waitForSync(t, syncs, 1)

	presences, err := topic.Presence(ctx, "lobby")
	require.NoError(t, err)
	require.Len(t, presences, 1)
	assert.Equal(t, "A", presences[0].ID)
	assert.True(t, mr.Exists(presenceKey("lobby")))
	assert.True(t, mr.Exists(aliveKey("lobby", "A")))

	require.NoError(t, sub.Close(ctx))
	require.NoError(t, sub.Close(ctx))
	assert.ErrorIs(t, sub.Track(ctx, models.Presence{ID: "A"}), rendezvous.ErrSubscriptionClosed)
	assert.False(t, mr.Exists(aliveKey("lobby", "A")))

	presences, err = topic.Presence(ctx, "lobby")
	require.NoError(t, err)
	assert.Empty(t, presences)

	waitForSync(t, syncs, 0)
}

func Test_Topic_prunes_presence_that_stopped_refreshing(t *testing.T) {
	topic, mr := newTestTopic(t)
	ctx := context.Background()

	// Never closed, like a process that died before leaving.
	ghost, err := topic.Subscribe(ctx, "lobby", rendezvous.Events{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ghost.Close(ctx) })
	require.NoError(t, ghost.Track(ctx, models.Presence{ID: "ghost", JoinedAt: time.Now().UTC()}))

	presences, err := topic.Presence(ctx, "lobby")
	require.NoError(t, err)
	require.Len(t, presences, 1)

	mr.FastForward(DefaultPresenceTTL + time.Second)

	presences, err = topic.Presence(ctx, "lobby")
	require.NoError(t, err)
	assert.Empty(t, presences)
	assert.False(t, mr.Exists(presenceKey("lobby")))

	// A newcomer is not matched with the vanished participant.
	a := rendezvous.NewSession(topic, rendezvous.WithTopicName("lobby"))
	t.Cleanup(func() { a.Leave(ctx) })
	require.NoError(t, a.Join(ctx, "A"))
	assert.Never(t, func() bool { return a.State().Phase == models.MatchMatched }, 200*time.Millisecond, tick)
}

func Test_Topic_heartbeat_refreshes_tracked_presence(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), Protocol: 2})
	t.Cleanup(func() { _ = client.Close() })
	topic := NewTopic(client, WithPresenceTTL(600*time.Millisecond))
	ctx := context.Background()

	sub, err := topic.Subscribe(ctx, "lobby", rendezvous.Events{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close(ctx) })
	require.NoError(t, sub.Track(ctx, models.Presence{ID: "A", JoinedAt: time.Now().UTC()}))

	mr.FastForward(500 * time.Millisecond)
	require.Eventually(t, func() bool {
		return mr.TTL(aliveKey("lobby", "A")) > 500*time.Millisecond
	}, waitFor, tick)

	presences, err := topic.Presence(ctx, "lobby")
	require.NoError(t, err)
	assert.Len(t, presences, 1)
}

// waitForSync drains syncs until a snapshot with n entries arrives.
func waitForSync(t *testing.T, syncs <-chan []models.Presence, n int) {
	t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case p := <-syncs:
			if len(p) == n {
				return
			}
		case <-timeout:
			t.Fatalf("no snapshot with %d participants", n)
		}
	}
}
