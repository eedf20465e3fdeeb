package domain

// QualityPreset is a named band over operating points.
type QualityPreset string

const (
	PresetLow    QualityPreset = "low"
	PresetMedium QualityPreset = "medium"
	PresetHigh   QualityPreset = "high"
	PresetUltra  QualityPreset = "ultra"
)

// Rank orders presets for clamping: higher is better. Unknown presets rank
// lowest.
func (p QualityPreset) Rank() int {
	switch p {
	case PresetLow:
		return 1
	case PresetMedium:
		return 2
	case PresetHigh:
		return 3
	case PresetUltra:
		return 4
	default:
		return 0
	}
}

// OperatingPoint is an immutable snapshot of all encoder-relevant
// parameters. The ABR controller emits new ones; the encoder applies them
// at keyframe boundaries.
type OperatingPoint struct {
	Width            int
	Height           int
	FPS              int
	BitrateBps       int
	KeyframeInterval int     // frames between forced keyframes
	QualityFactor    float64 // 0..1, codec-specific quantizer hint
	Preset           QualityPreset
}

// PresetPoint returns the canonical operating point for a preset at the
// given bitrate. Bands: low 480p/15, medium 720p/30, high 1080p/30,
// ultra 1080p/60.
func PresetPoint(p QualityPreset, bitrateBps int) OperatingPoint {
	op := OperatingPoint{BitrateBps: bitrateBps, QualityFactor: 0.8, Preset: p}
	switch p {
	case PresetLow:
		op.Width, op.Height, op.FPS = 854, 480, 15
	case PresetMedium:
		op.Width, op.Height, op.FPS = 1280, 720, 30
	case PresetHigh:
		op.Width, op.Height, op.FPS = 1920, 1080, 30
	case PresetUltra:
		op.Width, op.Height, op.FPS = 1920, 1080, 60
	default:
		op.Width, op.Height, op.FPS = 1280, 720, 30
		op.Preset = PresetMedium
	}
	op.KeyframeInterval = op.FPS * 2 // one GOP every two seconds
	return op
}

// PresetForBitrate maps a bitrate to the preset band it can sustain:
// <500 kbps low, <2.5 Mbps medium, <5 Mbps high, else ultra.
func PresetForBitrate(bitrateBps int) QualityPreset {
	switch {
	case bitrateBps < 500_000:
		return PresetLow
	case bitrateBps < 2_500_000:
		return PresetMedium
	case bitrateBps < 5_000_000:
		return PresetHigh
	default:
		return PresetUltra
	}
}

// SameGeometry reports whether two operating points agree on resolution and
// frame rate. A reconfigure that changes geometry forces a keyframe; a pure
// bitrate change does not.
func (op OperatingPoint) SameGeometry(other OperatingPoint) bool {
	return op.Width == other.Width && op.Height == other.Height && op.FPS == other.FPS
}
