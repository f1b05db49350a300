package models

// QualityTier is the discrete call health shown to the user.
type QualityTier string

const (
	QualityExcellent    QualityTier = "excellent"
	QualityGood         QualityTier = "good"
	QualityFair         QualityTier = "fair"
	QualityPoor         QualityTier = "poor"
	QualityDisconnected QualityTier = "disconnected"
)

// rank orders tiers from best to worst.
func (q QualityTier) rank() int {
	switch q {
	case QualityExcellent:
		return 0
	case QualityGood:
		return 1
	case QualityFair:
		return 2
	case QualityPoor:
		return 3
	}
	return 4
}

// Worse reports whether q is a strictly worse tier than other.
func (q QualityTier) Worse(other QualityTier) bool {
	return q.rank() > other.rank()
}

// ConnectionStats is one quality sample.
type ConnectionStats struct {
	LatencyMs         int64       `json:"latencyMs"`
	PacketLossPercent int64       `json:"packetLossPercent"`
	BitrateKbps       int64       `json:"bitrateKbps"`
	QualityTier       QualityTier `json:"qualityTier"`
}
