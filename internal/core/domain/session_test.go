package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionStateTransitions(t *testing.T) {
	cases := []struct {
		from, to SessionState
		ok       bool
	}{
		{StateStarting, StateActive, true},
		{StateStarting, StateErrored, true},
		{StateStarting, StateStopping, true},
		{StateStarting, StatePaused, false},
		{StateActive, StatePaused, true},
		{StateActive, StateStopping, true},
		{StateActive, StateErrored, true},
		{StateActive, StateStarting, false},
		{StatePaused, StateActive, true},
		{StatePaused, StateStopping, true},
		{StateStopping, StateStopped, true},
		{StateStopping, StateActive, false},
		{StateStopped, StateActive, false},
		{StateErrored, StateActive, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, c.from.CanTransition(c.to), "%s -> %s", c.from, c.to)
	}
}

func TestTerminalStates(t *testing.T) {
	assert.True(t, StateStopped.Terminal())
	assert.True(t, StateErrored.Terminal())
	assert.False(t, StateActive.Terminal())
	assert.False(t, StatePaused.Terminal())
}

func TestViewerStateTransitions(t *testing.T) {
	cases := []struct {
		from, to ViewerState
		ok       bool
	}{
		{ViewerPendingApproval, ViewerConnected, true},
		{ViewerPendingApproval, ViewerDisconnected, true},
		{ViewerPendingApproval, ViewerActive, false},
		{ViewerConnected, ViewerActive, true},
		{ViewerConnected, ViewerStale, false},
		{ViewerActive, ViewerStale, true},
		{ViewerActive, ViewerDisconnected, true},
		{ViewerStale, ViewerActive, true},
		{ViewerStale, ViewerDisconnected, true},
		{ViewerDisconnected, ViewerConnected, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, c.from.CanTransition(c.to), "%s -> %s", c.from, c.to)
	}
}

func TestPresetBands(t *testing.T) {
	assert.Equal(t, PresetLow, PresetForBitrate(400_000))
	assert.Equal(t, PresetMedium, PresetForBitrate(500_000))
	assert.Equal(t, PresetMedium, PresetForBitrate(2_400_000))
	assert.Equal(t, PresetHigh, PresetForBitrate(2_500_000))
	assert.Equal(t, PresetUltra, PresetForBitrate(5_000_000))
}

func TestPresetPointGeometry(t *testing.T) {
	low := PresetPoint(PresetLow, 400_000)
	assert.Equal(t, 854, low.Width)
	assert.Equal(t, 15, low.FPS)
	assert.Equal(t, 30, low.KeyframeInterval)

	ultra := PresetPoint(PresetUltra, 6_000_000)
	assert.Equal(t, 1080, ultra.Height)
	assert.Equal(t, 60, ultra.FPS)

	assert.False(t, low.SameGeometry(ultra))
	high := PresetPoint(PresetHigh, 3_000_000)
	high2 := PresetPoint(PresetHigh, 4_000_000)
	assert.True(t, high.SameGeometry(high2))
}

func TestEncodedFrameRefCounting(t *testing.T) {
	released := 0
	f := NewEncodedFrame([]byte{1}, 1, false, 0)
	f.SetReleaser(func() { released++ })

	f.Retain()
	f.Release()
	assert.Equal(t, 0, released)
	f.Release()
	assert.Equal(t, 1, released)
}

func TestRawFrameReleaseIdempotent(t *testing.T) {
	released := 0
	f := &RawFrame{}
	f.SetReleaser(func() { released++ })
	f.Release()
	f.Release()
	assert.Equal(t, 1, released)
}
