package quality

import (
	"context"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_PeerConnectionSource_new_connection_is_not_connected(t *testing.T) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	src := NewPeerConnectionSource(pc)
	assert.False(t, src.Connected())

	report, err := src.Stats(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.InboundRTP)

	s := NewSampler()
	s.Start(context.Background(), src)
	stats, connected := s.Snapshot()
	assert.False(t, connected)
	assert.Equal(t, "disconnected", string(stats.QualityTier))
}

func Test_PeerConnectionSource_without_connection(t *testing.T) {
	src := NewPeerConnectionSource(nil)
	assert.False(t, src.Connected())

	_, err := src.Stats(context.Background())
	assert.ErrorIs(t, err, ErrNoTransport)
}

func Test_FromStatsReport_prefers_nominated_succeeded_pair(t *testing.T) {
	sr := webrtc.StatsReport{
		"pair-1": webrtc.ICECandidatePairStats{
			ID:                   "pair-1",
			State:                webrtc.StatsICECandidatePairStateSucceeded,
			CurrentRoundTripTime: 0.3,
		},
		"pair-2": webrtc.ICECandidatePairStats{
			ID:                   "pair-2",
			State:                webrtc.StatsICECandidatePairStateSucceeded,
			Nominated:            true,
			CurrentRoundTripTime: 0.02,
		},
		"in-1": webrtc.InboundRTPStreamStats{
			ID:              "in-1",
			Timestamp:       webrtc.StatsTimestamp(1_700_000_000_000),
			Kind:            "video",
			BytesReceived:   4096,
			PacketsReceived: 32,
			PacketsLost:     1,
		},
	}

	report := FromStatsReport(sr)

	require.Len(t, report.CandidatePairs, 1)
	assert.InDelta(t, 0.02, report.CandidatePairs[0].CurrentRoundTripTime, 1e-9)
	require.Len(t, report.InboundRTP, 1)
	assert.Equal(t, InboundRTPStats{Kind: "video", BytesReceived: 4096, PacketsReceived: 32, PacketsLost: 1}, report.InboundRTP[0])
	assert.False(t, report.Timestamp.IsZero())
}

func Test_PushedSource_hands_each_report_out_once(t *testing.T) {
	src := NewPushedSource()
	assert.False(t, src.Connected())

	_, err := src.Stats(context.Background())
	assert.ErrorIs(t, err, ErrNoReport)

	src.SetConnected(true)
	src.Push(videoReport(t0, 10, 1, 0, 0))

	report, err := src.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, t0, report.Timestamp)

	_, err = src.Stats(context.Background())
	assert.ErrorIs(t, err, ErrNoReport)
	assert.True(t, src.Connected())
}
