package abr

import (
	"time"
)

// Safety factors applied to the raw bandwidth estimate: conservative in
// steady state, more so while recovering from loss.
const (
	SafetySteady   = 0.85
	SafetyRecovery = 0.70
)

const defaultAlpha = 0.25

// BandwidthEstimator keeps an exponentially weighted moving average of
// delivered bits per second for one viewer.
type BandwidthEstimator struct {
	alpha float64
	ewma  float64
	ready bool
}

// NewBandwidthEstimator uses the default smoothing factor.
func NewBandwidthEstimator() *BandwidthEstimator {
	return &BandwidthEstimator{alpha: defaultAlpha}
}

// OnWindow folds one delivered-bytes window into the average.
func (e *BandwidthEstimator) OnWindow(bytesAcked uint64, elapsed time.Duration) {
	if elapsed <= 0 {
		return
	}
	bps := float64(bytesAcked) * 8 / elapsed.Seconds()
	if !e.ready {
		e.ewma = bps
		e.ready = true
		return
	}
	e.ewma = e.alpha*bps + (1-e.alpha)*e.ewma
}

// EstimateBps returns the safety-discounted estimate, or 0 before the first
// sample.
func (e *BandwidthEstimator) EstimateBps(safety float64) int {
	if !e.ready {
		return 0
	}
	return int(e.ewma * safety)
}

// Ready reports whether at least one window has been observed.
func (e *BandwidthEstimator) Ready() bool {
	return e.ready
}
