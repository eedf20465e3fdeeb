package abr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kizuna/internal/core/domain"
)

const viewer1 = domain.ViewerID("viewer-1")

func testController(initial domain.OperatingPoint) *Controller {
	return New(Config{
		MinBitrateBps:         200_000,
		MaxBitrateBps:         8_000_000,
		TickInterval:          time.Second,
		MinAdjustmentInterval: 0,
	}, initial, testMTU, nil)
}

// tick feeds one viewer sample whose acked bytes over one second produce the
// given raw bandwidth estimate on the first window.
func tickWith(c *Controller, s domain.CongestionSample, cpu float64, now time.Time) Decision {
	return c.Tick(TickInput{
		Samples: map[domain.ViewerID]domain.CongestionSample{viewer1: s},
		Encoder: domain.EncoderStats{CPUUsage: cpu},
		Now:     now,
	})
}

func ackedForBps(bps int) uint64 { return uint64(bps / 8) }

func TestHoldsWithoutFeedback(t *testing.T) {
	c := testController(domain.PresetPoint(domain.PresetMedium, 1_500_000))
	d := c.Tick(TickInput{Now: time.Now()})
	assert.False(t, d.Changed)
	assert.Equal(t, domain.PresetMedium, d.Point.Preset)
}

func TestUpshiftOnHighBandwidth(t *testing.T) {
	c := testController(domain.PresetPoint(domain.PresetMedium, 1_500_000))
	c.AddViewer(viewer1)

	// Raw estimate 4.7 Mbps; after the safety discount well past the high
	// band plus hysteresis.
	d := tickWith(c, goodSample(ackedForBps(4_700_000), 50*time.Millisecond), 0.2, time.Now())
	require.True(t, d.Changed)
	assert.Equal(t, domain.PresetHigh, d.Point.Preset)
	assert.True(t, d.ForceKeyframe, "geometry change needs a fresh keyframe")
	assert.Equal(t, domain.ReasonNetwork, d.Reason)
}

func TestHysteresisHoldsPresetNearBoundary(t *testing.T) {
	c := testController(domain.PresetPoint(domain.PresetMedium, 1_500_000))
	c.AddViewer(viewer1)

	// Estimate lands just above the high band's floor but inside the 15%
	// hysteresis margin: bitrate moves, preset does not.
	d := tickWith(c, goodSample(ackedForBps(3_100_000), 50*time.Millisecond), 0.2, time.Now())
	require.True(t, d.Changed)
	assert.Equal(t, domain.PresetMedium, d.Point.Preset)
	assert.Greater(t, d.Point.BitrateBps, 1_500_000)
}

func TestDownshiftBelowHysteresisMargin(t *testing.T) {
	c := testController(domain.PresetPoint(domain.PresetHigh, 4_000_000))
	c.AddViewer(viewer1)

	d := tickWith(c, goodSample(ackedForBps(2_350_000), 50*time.Millisecond), 0.2, time.Now())
	require.True(t, d.Changed)
	assert.Equal(t, domain.PresetMedium, d.Point.Preset)
}

func TestStabilityBandHoldsPoint(t *testing.T) {
	c := testController(domain.PresetPoint(domain.PresetMedium, 1_500_000))
	c.AddViewer(viewer1)

	// Discounted estimate within 10% of the current bitrate.
	d := tickWith(c, goodSample(ackedForBps(1_850_000), 50*time.Millisecond), 0.2, time.Now())
	assert.False(t, d.Changed)
	assert.Equal(t, 1_500_000, d.Point.BitrateBps)
}

func TestMinAdjustmentIntervalHoldsPoint(t *testing.T) {
	c := New(Config{
		MinBitrateBps:         200_000,
		MaxBitrateBps:         8_000_000,
		TickInterval:          time.Second,
		MinAdjustmentInterval: 2 * time.Second,
	}, domain.PresetPoint(domain.PresetMedium, 1_500_000), testMTU, nil)
	c.AddViewer(viewer1)

	now := time.Now()
	d := tickWith(c, goodSample(ackedForBps(4_700_000), 50*time.Millisecond), 0.2, now)
	require.True(t, d.Changed)

	d = tickWith(c, goodSample(ackedForBps(4_700_000), 50*time.Millisecond), 0.2, now.Add(time.Second))
	assert.False(t, d.Changed, "second change inside the adjustment window")

	d = tickWith(c, goodSample(ackedForBps(200_000), 50*time.Millisecond), 0.2, now.Add(3*time.Second))
	assert.True(t, d.Changed)
}

func TestRapidPollsDoNotInflateEstimate(t *testing.T) {
	c := testController(domain.PresetPoint(domain.PresetMedium, 1_500_000))
	c.AddViewer(viewer1)
	now := time.Now()

	d := tickWith(c, goodSample(ackedForBps(1_850_000), 50*time.Millisecond), 0.2, now)
	assert.False(t, d.Changed)

	// A second poll lands microseconds after the first carrying the same
	// modest byte window. The elapsed floor keeps it from reading as a
	// multi-gigabit link and upshifting.
	d = tickWith(c, goodSample(ackedForBps(1_850_000), 50*time.Millisecond), 0.2, now.Add(200*time.Microsecond))
	assert.Equal(t, domain.PresetMedium, d.Point.Preset)
	assert.Less(t, d.Point.BitrateBps, 3_000_000)
}

func TestSustainedCPUForcesDownshift(t *testing.T) {
	c := testController(domain.PresetPoint(domain.PresetMedium, 1_500_000))
	c.AddViewer(viewer1)
	now := time.Now()

	// Two high-CPU ticks whose estimate stays in the stability band.
	for i := 0; i < 2; i++ {
		d := tickWith(c, goodSample(ackedForBps(1_760_000), 50*time.Millisecond), 0.9, now)
		assert.False(t, d.Changed)
		now = now.Add(time.Second)
	}

	// Third high-CPU tick with an estimate that escapes the band.
	d := tickWith(c, goodSample(ackedForBps(3_700_000), 50*time.Millisecond), 0.9, now)
	require.True(t, d.Changed)
	assert.Equal(t, domain.PresetLow, d.Point.Preset)
	assert.Equal(t, domain.ReasonCPU, d.Reason)
}

func TestSustainedLossHalvesFPSFirst(t *testing.T) {
	c := testController(domain.PresetPoint(domain.PresetMedium, 1_500_000))
	c.AddViewer(viewer1)

	s := goodSample(ackedForBps(2_400_000), 50*time.Millisecond)
	s.LossRate = 0.12
	d := tickWith(c, s, 0.2, time.Now())
	require.True(t, d.Changed)
	assert.Equal(t, 15, d.Point.FPS)
	assert.Equal(t, domain.ReasonNetwork, d.Reason)
	assert.False(t, d.Critical)
}

func TestCriticalLossHalvesBitrate(t *testing.T) {
	c := testController(domain.PresetPoint(domain.PresetMedium, 1_500_000))
	c.AddViewer(viewer1)

	s := goodSample(ackedForBps(2_000_000), 50*time.Millisecond)
	s.LossRate = 0.20
	d := tickWith(c, s, 0.2, time.Now())
	require.True(t, d.Changed)
	assert.True(t, d.Critical)
	assert.Equal(t, 750_000, d.Point.BitrateBps)
}

func TestManualPresetPinsPoint(t *testing.T) {
	c := testController(domain.PresetPoint(domain.PresetMedium, 1_500_000))
	c.AddViewer(viewer1)
	c.SetManualPreset(domain.PresetLow)

	// Bandwidth says ultra; manual pin wins.
	d := tickWith(c, goodSample(ackedForBps(8_000_000), 50*time.Millisecond), 0.2, time.Now())
	require.True(t, d.Changed)
	assert.Equal(t, domain.PresetLow, d.Point.Preset)
	assert.Equal(t, domain.ReasonUser, d.Reason)

	c.SetAuto(true)
	d = tickWith(c, goodSample(ackedForBps(8_000_000), 50*time.Millisecond), 0.2, time.Now())
	assert.Greater(t, d.Point.Preset.Rank(), domain.PresetLow.Rank())
}

func TestPresetCeilingClampsUpshift(t *testing.T) {
	c := testController(domain.PresetPoint(domain.PresetMedium, 1_500_000))
	c.AddViewer(viewer1)
	c.SetPresetCeiling(domain.PresetMedium)

	d := tickWith(c, goodSample(ackedForBps(4_700_000), 50*time.Millisecond), 0.2, time.Now())
	assert.Equal(t, domain.PresetMedium, d.Point.Preset)
}

func TestWindowLifecycle(t *testing.T) {
	c := testController(domain.PresetPoint(domain.PresetMedium, 1_500_000))
	c.AddViewer(viewer1)
	assert.NotNil(t, c.Window(viewer1))
	c.RemoveViewer(viewer1)
	assert.Nil(t, c.Window(viewer1))
}
