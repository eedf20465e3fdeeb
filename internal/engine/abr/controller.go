// Package abr implements the adaptive bitrate feedback loop: per-viewer
// bandwidth estimation and AIMD congestion windows feed a group operating
// point that re-parameterizes the shared encoder.
package abr

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"kizuna/internal/core/domain"
)

// Config bounds the controller.
type Config struct {
	MinBitrateBps         int
	MaxBitrateBps         int
	TickInterval          time.Duration
	MinAdjustmentInterval time.Duration
}

const (
	// hysteresisFactor keeps preset switches from oscillating around band
	// thresholds.
	hysteresisFactor = 0.15
	// tieBreakFactor: within this margin of a band boundary the previous
	// preset wins.
	tieBreakFactor = 0.05
	// cpuHighThreshold sustained for cpuHighTicks forces a downshift.
	cpuHighThreshold = 0.80
	cpuHighTicks     = 3
	// lossDowngradeThreshold reduces fps first, then resolution.
	lossDowngradeThreshold = 0.10
	// criticalLossThreshold bypasses hysteresis and halves bitrate.
	criticalLossThreshold = 0.15
	// stabilityBand: estimates within ±10% of the preset midpoint hold the
	// current point.
	stabilityBand = 0.10
)

// Decision is one tick's output.
type Decision struct {
	Point         domain.OperatingPoint
	Changed       bool
	ForceKeyframe bool
	Reason        domain.QualityReason
	Critical      bool
}

// TickInput carries everything the controller consumes each tick.
type TickInput struct {
	Samples      map[domain.ViewerID]domain.CongestionSample
	Encoder      domain.EncoderStats
	CaptureDepth int
	Now          time.Time
}

type viewerLink struct {
	est        *BandwidthEstimator
	win        *Window
	lastSample time.Time
}

// Controller runs the feedback loop for one session.
type Controller struct {
	mu  sync.Mutex
	cfg Config
	log *zap.SugaredLogger
	mtu int

	viewers map[domain.ViewerID]*viewerLink

	current    domain.OperatingPoint
	lastChange time.Time

	auto         bool
	manualPreset domain.QualityPreset

	presetCeiling domain.QualityPreset // from viewer permission clamps

	cpuStreak int
	group     domain.GroupFeedback
}

// New starts at the given initial operating point with auto quality on.
func New(cfg Config, initial domain.OperatingPoint, mtu int, log *zap.SugaredLogger) *Controller {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	initial.BitrateBps = clamp(initial.BitrateBps, cfg.MinBitrateBps, cfg.MaxBitrateBps)
	return &Controller{
		cfg:           cfg,
		log:           log,
		mtu:           mtu,
		viewers:       make(map[domain.ViewerID]*viewerLink),
		current:       initial,
		auto:          true,
		presetCeiling: domain.PresetUltra,
	}
}

// AddViewer registers congestion state for a new viewer.
func (c *Controller) AddViewer(id domain.ViewerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.viewers[id] = &viewerLink{
		est: NewBandwidthEstimator(),
		win: NewWindow(c.mtu),
	}
}

// RemoveViewer discards a viewer's state.
func (c *Controller) RemoveViewer(id domain.ViewerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.viewers, id)
}

// Window exposes a viewer's congestion window to the broadcast scheduler.
func (c *Controller) Window(id domain.ViewerID) *Window {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.viewers[id]; ok {
		return v.win
	}
	return nil
}

// SetManualPreset pins the preset and disables auto quality.
func (c *Controller) SetManualPreset(p domain.QualityPreset) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auto = false
	c.manualPreset = p
}

// SetAuto re-enables (or disables) automatic quality selection.
func (c *Controller) SetAuto(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auto = enabled
}

// SetPresetCeiling clamps the group point from above; the group never
// downgrades below the minimum viable preset for a struggling viewer, but
// it respects the best preset every admitted viewer may receive.
func (c *Controller) SetPresetCeiling(p domain.QualityPreset) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presetCeiling = p
}

// Current returns the live operating point.
func (c *Controller) Current() domain.OperatingPoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// GroupFeedback returns the last tick's aggregate across viewers.
func (c *Controller) GroupFeedback() domain.GroupFeedback {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.group
}

// Tick consumes the latest feedback and emits the next operating point.
func (c *Controller) Tick(in TickInput) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	critical := c.fold(in)

	if !c.auto {
		op := domain.PresetPoint(c.manualPreset,
			clamp(presetDefaultBitrate(c.manualPreset), c.cfg.MinBitrateBps, c.cfg.MaxBitrateBps))
		return c.commit(op, domain.ReasonUser, false, in.Now)
	}

	groupBW, anyRecovery := c.groupEstimate()
	if groupBW == 0 {
		// No feedback yet: hold.
		return Decision{Point: c.current}
	}

	if critical {
		op := c.current
		op.BitrateBps = clamp(op.BitrateBps/2, c.cfg.MinBitrateBps, c.cfg.MaxBitrateBps)
		op.Preset = domain.PresetForBitrate(op.BitrateBps)
		geo := domain.PresetPoint(op.Preset, op.BitrateBps)
		c.log.Warnw("critical congestion event, halving bitrate",
			"bitrate", op.BitrateBps, "loss", c.group.MaxLoss)
		return c.commit(geo, domain.ReasonNetwork, true, in.Now)
	}

	safety := SafetySteady
	if anyRecovery {
		safety = SafetyRecovery
	}
	candidate := clamp(int(float64(groupBW)*safety/SafetySteady), c.cfg.MinBitrateBps, c.cfg.MaxBitrateBps)

	// Rate limit: hold inside the stability band and the adjustment window.
	if in.Now.Sub(c.lastChange) < c.cfg.MinAdjustmentInterval {
		return Decision{Point: c.current}
	}
	if withinStabilityBand(candidate, c.current.BitrateBps) {
		return Decision{Point: c.current}
	}

	preset := c.selectPreset(candidate, anyRecovery)
	op := domain.PresetPoint(preset, candidate)
	reason := domain.ReasonNetwork

	// CPU override: resolution and fps go down regardless of bandwidth.
	if c.cpuStreak >= cpuHighTicks && preset.Rank() > domain.PresetLow.Rank() {
		preset = lowerPreset(preset)
		op = domain.PresetPoint(preset, candidate)
		reason = domain.ReasonCPU
	}

	// Sustained loss: fps first, then resolution; bitrate is already the
	// product of the estimate.
	if c.group.MaxLoss > lossDowngradeThreshold {
		if op.FPS > 15 {
			op.FPS = op.FPS / 2
		} else if preset.Rank() > domain.PresetLow.Rank() {
			preset = lowerPreset(preset)
			geo := domain.PresetPoint(preset, op.BitrateBps)
			geo.FPS = op.FPS
			op = geo
		}
		reason = domain.ReasonNetwork
	}

	return c.commit(op, reason, false, in.Now)
}

// fold updates per-viewer estimators/windows and the group aggregate.
// Returns true when the tick is critical (loss > 15% or a cwnd collapse).
func (c *Controller) fold(in TickInput) bool {
	critical := false
	group := domain.GroupFeedback{Viewers: len(c.viewers)}
	first := true

	for id, v := range c.viewers {
		s, ok := in.Samples[id]
		if !ok {
			continue
		}
		// Elapsed is measured on the tick clock, floored at a quarter tick:
		// a sample folded right after the previous one must not turn a
		// modest byte window into a multi-gigabit estimate.
		elapsed := c.cfg.TickInterval
		if !v.lastSample.IsZero() {
			elapsed = in.Now.Sub(v.lastSample)
			if min := c.cfg.TickInterval / 4; elapsed < min {
				elapsed = min
			}
		}
		v.lastSample = in.Now

		v.est.OnWindow(s.BytesAckedWindow, elapsed)
		v.win.OnSample(s, in.Now, elapsed)
		if v.win.Collapsed() {
			critical = true
		}
		if s.LossRate > criticalLossThreshold {
			critical = true
		}

		bw := v.est.EstimateBps(1.0)
		if first || bw < group.MinBandwidthBps {
			group.MinBandwidthBps = bw
		}
		if s.LossRate > group.MaxLoss {
			group.MaxLoss = s.LossRate
		}
		if s.RTT > group.MaxRTT {
			group.MaxRTT = s.RTT
		}
		first = false
	}
	c.group = group

	if in.Encoder.CPUUsage > cpuHighThreshold {
		c.cpuStreak++
	} else {
		c.cpuStreak = 0
	}
	return critical
}

// groupEstimate is the minimum safety-adjusted estimate across viewers: one
// encoded stream must fit the slowest viewer being served.
func (c *Controller) groupEstimate() (int, bool) {
	min := 0
	anyRecovery := false
	first := true
	now := time.Now()
	for _, v := range c.viewers {
		if !v.est.Ready() {
			continue
		}
		if v.win.InRecovery(now) {
			anyRecovery = true
		}
		bw := v.est.EstimateBps(SafetySteady)
		if first || bw < min {
			min = bw
			first = false
		}
	}
	return min, anyRecovery
}

// selectPreset applies band mapping with hysteresis and the previous-preset
// tie break, then the permission ceiling. No upshift during recovery.
func (c *Controller) selectPreset(bitrate int, inRecovery bool) domain.QualityPreset {
	current := c.current.Preset
	candidate := domain.PresetForBitrate(bitrate)

	if candidate.Rank() > current.Rank() {
		if inRecovery {
			candidate = current
		} else {
			bound := presetLowerBound(candidate)
			if bitrate < int(float64(bound)*(1+hysteresisFactor)) {
				candidate = current
			}
		}
	} else if candidate.Rank() < current.Rank() {
		bound := presetLowerBound(current)
		if bitrate > int(float64(bound)*(1-hysteresisFactor)) {
			candidate = current
		}
	}

	// Tie break: hold the previous preset near a boundary.
	if candidate != current {
		bound := presetLowerBound(maxPreset(candidate, current))
		if bound > 0 {
			diff := float64(bitrate-bound) / float64(bound)
			if diff > -tieBreakFactor && diff < tieBreakFactor {
				candidate = current
			}
		}
	}

	if candidate.Rank() > c.presetCeiling.Rank() {
		candidate = c.presetCeiling
	}
	return candidate
}

func (c *Controller) commit(op domain.OperatingPoint, reason domain.QualityReason, critical bool, now time.Time) Decision {
	op.BitrateBps = clamp(op.BitrateBps, c.cfg.MinBitrateBps, c.cfg.MaxBitrateBps)
	if op == c.current {
		return Decision{Point: op}
	}
	forceKey := !op.SameGeometry(c.current)
	c.current = op
	c.lastChange = now
	c.log.Infow("operating point changed",
		"preset", op.Preset,
		"bitrate", op.BitrateBps,
		"resolution", op.Width,
		"fps", op.FPS,
		"reason", reason,
		"critical", critical,
	)
	return Decision{Point: op, Changed: true, ForceKeyframe: forceKey, Reason: reason, Critical: critical}
}

// presetDefaultBitrate is the midpoint of each band, used when a preset is
// pinned manually.
func presetDefaultBitrate(p domain.QualityPreset) int {
	switch p {
	case domain.PresetLow:
		return 400_000
	case domain.PresetMedium:
		return 1_500_000
	case domain.PresetHigh:
		return 4_000_000
	default:
		return 6_000_000
	}
}

func presetLowerBound(p domain.QualityPreset) int {
	switch p {
	case domain.PresetMedium:
		return 500_000
	case domain.PresetHigh:
		return 2_500_000
	case domain.PresetUltra:
		return 5_000_000
	default:
		return 0
	}
}

func lowerPreset(p domain.QualityPreset) domain.QualityPreset {
	switch p {
	case domain.PresetUltra:
		return domain.PresetHigh
	case domain.PresetHigh:
		return domain.PresetMedium
	default:
		return domain.PresetLow
	}
}

func maxPreset(a, b domain.QualityPreset) domain.QualityPreset {
	if a.Rank() >= b.Rank() {
		return a
	}
	return b
}

func withinStabilityBand(candidate, current int) bool {
	if current == 0 {
		return false
	}
	diff := float64(candidate-current) / float64(current)
	return diff > -stabilityBand && diff < stabilityBand
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
