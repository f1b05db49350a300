package quality

import "github.com/mossy-p/webrtc-matchmaking/internal/models"

// Thresholds, evaluated worst first.
const (
	poorLatencyMs = 300
	poorLossPct   = 10
	fairLatencyMs = 150
	fairLossPct   = 5
	goodLatencyMs = 50
	goodLossPct   = 1
)

// Classify maps latency and loss to a tier. The first matching rule wins.
func Classify(latencyMs, lossPercent int64) models.QualityTier {
	switch {
	case latencyMs > poorLatencyMs || lossPercent > poorLossPct:
		return models.QualityPoor
	case latencyMs > fairLatencyMs || lossPercent > fairLossPct:
		return models.QualityFair
	case latencyMs > goodLatencyMs || lossPercent > goodLossPct:
		return models.QualityGood
	default:
		return models.QualityExcellent
	}
}
