package main

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

const (
	frameRate = 30
	frameSize = 1200
)

func newVideoTrack(streamID string) (*webrtc.TrackLocalStaticSample, error) {
	return webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
}

// sendFrames writes filler frames until ctx is done so the peer has inbound
// video to measure. Writes before negotiation completes are dropped by pion.
func sendFrames(ctx context.Context, track *webrtc.TrackLocalStaticSample) {
	frame := make([]byte, frameSize)
	ticker := time.NewTicker(time.Second / frameRate)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := track.WriteSample(media.Sample{Data: frame, Duration: time.Second / frameRate}); err != nil {
			log.Debug().Err(err).Msg("Failed to write video frame")
			return
		}
	}
}

// drainRTCP reads sender reports so pion's interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// drainTrack consumes remote media; inbound-rtp counters only move while it is read.
func drainTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	log.Debug().Str("kind", track.Kind().String()).Str("stream_id", track.StreamID()).Msg("Received remote track")
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}
