package quality

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/mossy-p/webrtc-matchmaking/internal/models"
)

const (
	statsTypeCandidatePair = "candidate-pair"
	statsTypeInboundRTP    = "inbound-rtp"

	candidatePairSucceeded = "succeeded"
	kindVideo              = "video"
)

// Report is a transport statistics snapshot reduced to the entries the
// sampler reads.
type Report struct {
	Timestamp      time.Time
	CandidatePairs []CandidatePairStats
	InboundRTP     []InboundRTPStats
}

type CandidatePairStats struct {
	State string
	// CurrentRoundTripTime is in seconds.
	CurrentRoundTripTime float64
}

type InboundRTPStats struct {
	Kind            string
	BytesReceived   uint64
	PacketsReceived uint64
	PacketsLost     int64
}

// Baseline holds the raw counters of the previous tick.
type Baseline struct {
	BytesReceived   uint64
	PacketsReceived uint64
	PacketsLost     int64
	Timestamp       time.Time
}

// Step derives one sample from report against prev and returns the baseline
// for the next tick. A zero prev.Timestamp means no previous tick, so the
// bitrate is 0.
func Step(prev Baseline, report Report) (models.ConnectionStats, Baseline) {
	latency := roundTripMs(report)

	next := Baseline{Timestamp: report.Timestamp}
	for _, in := range report.InboundRTP {
		if in.Kind != kindVideo {
			continue
		}
		next.BytesReceived += in.BytesReceived
		next.PacketsReceived += in.PacketsReceived
		next.PacketsLost += in.PacketsLost
	}

	var bitrate int64
	if !prev.Timestamp.IsZero() {
		if dt := next.Timestamp.Sub(prev.Timestamp).Seconds(); dt > 0 {
			dBytes := float64(next.BytesReceived) - float64(prev.BytesReceived)
			bitrate = nonNegative(math.Round(dBytes * 8 / dt / 1000))
		}
	}

	var loss int64
	dLost := float64(next.PacketsLost - prev.PacketsLost)
	dReceived := float64(next.PacketsReceived) - float64(prev.PacketsReceived)
	if total := dReceived + dLost; total > 0 {
		loss = nonNegative(math.Round(dLost / total * 100))
	}

	return models.ConnectionStats{
		LatencyMs:         latency,
		PacketLossPercent: loss,
		BitrateKbps:       bitrate,
		QualityTier:       Classify(latency, loss),
	}, next
}

// roundTripMs reads the last succeeded candidate pair.
func roundTripMs(report Report) int64 {
	var rtt float64
	for _, pair := range report.CandidatePairs {
		if pair.State == candidatePairSucceeded {
			rtt = pair.CurrentRoundTripTime
		}
	}
	return nonNegative(math.Round(rtt * 1000))
}

func nonNegative(v float64) int64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	return int64(v)
}

// browserStat is one entry of a serialized RTCStatsReport.
type browserStat struct {
	Type                 string  `json:"type"`
	Timestamp            float64 `json:"timestamp"`
	State                string  `json:"state"`
	CurrentRoundTripTime float64 `json:"currentRoundTripTime"`
	Kind                 string  `json:"kind"`
	MediaType            string  `json:"mediaType"`
	BytesReceived        uint64  `json:"bytesReceived"`
	PacketsReceived      uint64  `json:"packetsReceived"`
	PacketsLost          int64   `json:"packetsLost"`
}

// ParseBrowserReport decodes `Array.from(report.values())` of a browser
// RTCStatsReport. Timestamps are milliseconds since the epoch; the report
// time is the newest inbound-rtp timestamp, or the newest of any entry.
func ParseBrowserReport(data []byte) (Report, error) {
	var stats []browserStat
	if err := json.Unmarshal(data, &stats); err != nil {
		return Report{}, fmt.Errorf("parse stats report: %w", err)
	}

	var report Report
	var newestInbound, newestAny float64
	for _, s := range stats {
		newestAny = math.Max(newestAny, s.Timestamp)
		switch s.Type {
		case statsTypeCandidatePair:
			report.CandidatePairs = append(report.CandidatePairs, CandidatePairStats{
				State:                s.State,
				CurrentRoundTripTime: s.CurrentRoundTripTime,
			})
		case statsTypeInboundRTP:
			kind := s.Kind
			if kind == "" {
				kind = s.MediaType
			}
			report.InboundRTP = append(report.InboundRTP, InboundRTPStats{
				Kind:            kind,
				BytesReceived:   s.BytesReceived,
				PacketsReceived: s.PacketsReceived,
				PacketsLost:     s.PacketsLost,
			})
			newestInbound = math.Max(newestInbound, s.Timestamp)
		}
	}

	ts := newestInbound
	if ts == 0 {
		ts = newestAny
	}
	if ts > 0 {
		report.Timestamp = time.UnixMicro(int64(ts * 1000)).UTC()
	}
	return report, nil
}
