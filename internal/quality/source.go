package quality

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

var ErrNoTransport = errors.New("no peer transport")

// PeerConnectionSource reads statistics from a pion PeerConnection.
type PeerConnectionSource struct {
	pc *webrtc.PeerConnection
}

func NewPeerConnectionSource(pc *webrtc.PeerConnection) *PeerConnectionSource {
	return &PeerConnectionSource{pc: pc}
}

func (p *PeerConnectionSource) Connected() bool {
	return p != nil && p.pc != nil && p.pc.ConnectionState() == webrtc.PeerConnectionStateConnected
}

func (p *PeerConnectionSource) Stats(ctx context.Context) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}
	if p == nil || p.pc == nil {
		return Report{}, ErrNoTransport
	}
	return FromStatsReport(p.pc.GetStats()), nil
}

// FromStatsReport converts a pion stats report. Nominated succeeded pairs win
// over other succeeded pairs.
func FromStatsReport(sr webrtc.StatsReport) Report {
	var report Report
	var nominated []CandidatePairStats

	for _, stat := range sr {
		switch s := stat.(type) {
		case webrtc.ICECandidatePairStats:
			pair := CandidatePairStats{
				State:                string(s.State),
				CurrentRoundTripTime: s.CurrentRoundTripTime,
			}
			if s.Nominated && s.State == webrtc.StatsICECandidatePairStateSucceeded {
				nominated = append(nominated, pair)
			}
			report.CandidatePairs = append(report.CandidatePairs, pair)
		case webrtc.InboundRTPStreamStats:
			report.InboundRTP = append(report.InboundRTP, InboundRTPStats{
				Kind:            s.Kind,
				BytesReceived:   s.BytesReceived,
				PacketsReceived: uint64(s.PacketsReceived),
				PacketsLost:     int64(s.PacketsLost),
			})
			if t := s.Timestamp.Time(); t.After(report.Timestamp) {
				report.Timestamp = t
			}
		}
	}
	if len(nominated) > 0 {
		report.CandidatePairs = nominated
	}
	return report
}

// PushedSource holds reports pushed by a remote client. Each report is
// handed out once; a tick with nothing new gets ErrNoReport and keeps its
// baseline.
type PushedSource struct {
	mu        sync.Mutex
	report    *Report
	connected bool
}

func NewPushedSource() *PushedSource {
	return &PushedSource{}
}

func (p *PushedSource) Push(report Report) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.report = &report
}

func (p *PushedSource) SetConnected(connected bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = connected
}

func (p *PushedSource) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *PushedSource) Stats(ctx context.Context) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.report == nil {
		return Report{}, ErrNoReport
	}
	r := *p.report
	p.report = nil
	return r, nil
}
