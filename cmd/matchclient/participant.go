package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mossy-p/webrtc-matchmaking/internal/models"
	"github.com/mossy-p/webrtc-matchmaking/internal/quality"
	"github.com/mossy-p/webrtc-matchmaking/internal/rendezvous"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const dataChannelLabel = "match"

// participant owns one session and at most one PeerConnection at a time.
type participant struct {
	ctx     context.Context
	self    string
	api     *webrtc.API
	rtc     webrtc.Configuration
	session *rendezvous.Session
	sampler *quality.Sampler

	mu         sync.Mutex
	peerID     string
	pc         *webrtc.PeerConnection
	stopMedia  context.CancelFunc
	candidates []webrtc.ICECandidateInit
}

func newParticipant(ctx context.Context, self string, api *webrtc.API, rtc webrtc.Configuration, session *rendezvous.Session, interval time.Duration) *participant {
	return &participant{
		ctx:     ctx,
		self:    self,
		api:     api,
		rtc:     rtc,
		session: session,
		sampler: quality.NewSampler(quality.WithInterval(interval)),
	}
}

func (p *participant) run() error {
	p.sampler.Subscribe(func(stats models.ConnectionStats, connected bool) {
		log.Info().
			Bool("connected", connected).
			Int64("latency_ms", stats.LatencyMs).
			Int64("packet_loss_percent", stats.PacketLossPercent).
			Int64("bitrate_kbps", stats.BitrateKbps).
			Str("tier", string(stats.QualityTier)).
			Msg("Connection quality")
	})
	p.session.OnMatch(p.onMatch)
	p.session.OnSignal(p.onSignal)

	log.Info().Str("participant_id", p.self).Msg("Joining match topic")
	return p.session.Join(p.ctx, p.self)
}

func (p *participant) shutdown(ctx context.Context) {
	p.sampler.Stop()
	p.session.Leave(ctx)
	p.teardown()
}

func (p *participant) onMatch(peerID string) {
	l := log.With().Str("participant_id", p.self).Str("peer_id", peerID).Logger()

	pc, err := p.connect(peerID)
	if err != nil {
		l.Error().Err(err).Msg("Failed to create peer connection")
		return
	}

	// The lower id makes the offer so both sides never offer at once.
	if p.self > peerID {
		l.Info().Msg("Matched, waiting for offer")
		return
	}

	dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		l.Error().Err(err).Msg("Failed to create data channel")
		return
	}
	p.attachDataChannel(dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		l.Error().Err(err).Msg("Failed to create offer")
		return
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		l.Error().Err(err).Msg("Failed to set local description")
		return
	}
	if err := p.send(peerID, models.SignalKindOffer, offer); err != nil {
		l.Error().Err(err).Msg("Failed to send offer")
		return
	}
	l.Info().Msg("Matched, offer sent")
}

func (p *participant) onSignal(msg models.SignalMessage) {
	l := log.With().Str("participant_id", p.self).Str("from", msg.From).Str("kind", string(msg.Kind)).Logger()

	var err error
	switch msg.Kind {
	case models.SignalKindOffer:
		err = p.handleOffer(msg)
	case models.SignalKindAnswer:
		err = p.handleAnswer(msg)
	case models.SignalKindCandidate:
		err = p.handleCandidate(msg)
	}
	if err != nil {
		l.Warn().Err(err).Msg("Failed to apply signal")
	}
}

func (p *participant) handleOffer(msg models.SignalMessage) error {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(msg.Payload, &offer); err != nil {
		return fmt.Errorf("decode offer: %w", err)
	}

	pc, err := p.connect(msg.From)
	if err != nil {
		return err
	}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	p.flushCandidates(pc)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	return p.send(msg.From, models.SignalKindAnswer, answer)
}

func (p *participant) handleAnswer(msg models.SignalMessage) error {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(msg.Payload, &answer); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}

	pc := p.current(msg.From)
	if pc == nil {
		return fmt.Errorf("answer from %s without an offer", msg.From)
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	p.flushCandidates(pc)
	return nil
}

// handleCandidate buffers candidates that arrive before the remote description.
func (p *participant) handleCandidate(msg models.SignalMessage) error {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(msg.Payload, &candidate); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}

	p.mu.Lock()
	pc := p.pc
	if pc == nil || p.peerID != msg.From || pc.RemoteDescription() == nil {
		p.candidates = append(p.candidates, candidate)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	return pc.AddICECandidate(candidate)
}

func (p *participant) flushCandidates(pc *webrtc.PeerConnection) {
	p.mu.Lock()
	pending := p.candidates
	p.candidates = nil
	p.mu.Unlock()

	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			log.Warn().Err(err).Str("participant_id", p.self).Msg("Failed to add buffered candidate")
		}
	}
}

// connect returns the PeerConnection for peerID, replacing one held for
// another peer.
func (p *participant) connect(peerID string) (*webrtc.PeerConnection, error) {
	p.mu.Lock()
	if p.pc != nil && p.peerID == peerID {
		pc := p.pc
		p.mu.Unlock()
		return pc, nil
	}
	p.mu.Unlock()
	p.teardown()

	pc, err := p.api.NewPeerConnection(p.rtc)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := p.send(peerID, models.SignalKindCandidate, c.ToJSON()); err != nil {
			log.Debug().Err(err).Str("participant_id", p.self).Msg("Failed to send candidate")
		}
	})
	pc.OnDataChannel(p.attachDataChannel)
	pc.OnTrack(drainTrack)

	track, err := newVideoTrack(p.self)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("new video track: %w", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add video track: %w", err)
	}
	go drainRTCP(sender)
	mediaCtx, stopMedia := context.WithCancel(p.ctx)
	go sendFrames(mediaCtx, track)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Info().Str("participant_id", p.self).Str("peer_id", peerID).Str("state", state.String()).Msg("Peer connection state changed")
		switch state {
		case webrtc.PeerConnectionStateConnected:
			p.sampler.Start(p.ctx, quality.NewPeerConnectionSource(pc))
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			if p.current(peerID) == pc {
				p.sampler.Stop()
			}
		}
	})

	p.mu.Lock()
	p.pc = pc
	p.peerID = peerID
	p.stopMedia = stopMedia
	p.mu.Unlock()
	return pc, nil
}

func (p *participant) current(peerID string) *webrtc.PeerConnection {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.peerID != peerID {
		return nil
	}
	return p.pc
}

func (p *participant) teardown() {
	p.mu.Lock()
	pc, stopMedia := p.pc, p.stopMedia
	if pc != nil {
		p.pc = nil
		p.peerID = ""
		p.stopMedia = nil
		p.candidates = nil
	}
	p.mu.Unlock()

	if pc != nil {
		stopMedia()
		p.sampler.Stop()
		if err := pc.Close(); err != nil {
			log.Warn().Err(err).Str("participant_id", p.self).Msg("Failed to close peer connection")
		}
	}
}

func (p *participant) attachDataChannel(dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		if err := dc.SendText("hello from " + p.self); err != nil {
			log.Warn().Err(err).Msg("Failed to send greeting")
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		log.Info().Str("participant_id", p.self).Str("label", dc.Label()).Str("message", string(msg.Data)).Msg("Data channel message")
	})
}

func (p *participant) send(to string, kind models.SignalKind, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	return p.session.SendSignal(p.ctx, to, kind, payload)
}
