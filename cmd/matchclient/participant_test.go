package main

import (
	"context"
	"testing"
	"time"

	"github.com/mossy-p/webrtc-matchmaking/internal/rendezvous"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestParticipant(t *testing.T, id string) *participant {
	t.Helper()
	api, err := newAPI("info")
	require.NoError(t, err)
	session := rendezvous.NewSession(rendezvous.NewMemoryTopic())
	return newParticipant(context.Background(), id, api, webrtc.Configuration{}, session, time.Second)
}

func Test_connect_offers_video_so_peer_has_inbound_rtp(t *testing.T) {
	p := newTestParticipant(t, "A")

	pc, err := p.connect("B")
	require.NoError(t, err)
	t.Cleanup(p.teardown)

	senders := pc.GetSenders()
	require.Len(t, senders, 1)
	assert.Equal(t, webrtc.RTPCodecTypeVideo, senders[0].Track().Kind())

	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	assert.Contains(t, offer.SDP, "m=video")
}

func Test_connect_reuses_connection_for_same_peer(t *testing.T) {
	p := newTestParticipant(t, "A")

	first, err := p.connect("B")
	require.NoError(t, err)
	again, err := p.connect("B")
	require.NoError(t, err)
	assert.Same(t, first, again)

	other, err := p.connect("C")
	require.NoError(t, err)
	t.Cleanup(p.teardown)
	assert.NotSame(t, first, other)
	assert.Same(t, other, p.current("C"))
	assert.Nil(t, p.current("B"))
}
