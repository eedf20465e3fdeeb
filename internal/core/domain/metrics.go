package domain

import "time"

// CongestionSample is the transport's per-channel feedback, polled once per
// ABR tick.
type CongestionSample struct {
	BytesSentWindow  uint64
	BytesAckedWindow uint64
	RTT              time.Duration
	RTTVar           time.Duration
	LossRate         float64 // 0..1
	Timestamp        time.Time
}

// EncoderStats is the encode task's contribution to each ABR tick.
type EncoderStats struct {
	FramesEncoded uint64
	FramesDropped uint64
	AvgEncodeTime time.Duration
	CPUUsage      float64 // 0..1
}

// GroupFeedback is the broadcaster's aggregate across viewers: the encoder
// serves one stream, so the group operating point must fit the slowest
// viewer the policy is willing to serve.
type GroupFeedback struct {
	MinBandwidthBps int
	MaxLoss         float64
	MaxRTT          time.Duration
	Viewers         int
}
