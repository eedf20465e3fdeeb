package domain

import "time"

// Permissions is the per-viewer grant set. A permission change takes effect
// on the next frame boundary.
type Permissions struct {
	CanView           bool
	CanRecord         bool
	CanControlQuality bool
	MaxQualityPreset  QualityPreset
}

// ConnectionQuality buckets a viewer's recent link condition.
type ConnectionQuality string

const (
	QualityExcellent ConnectionQuality = "excellent"
	QualityGood      ConnectionQuality = "good"
	QualityFair      ConnectionQuality = "fair"
	QualityPoor      ConnectionQuality = "poor"
	QualityStale     ConnectionQuality = "stale"
)

// ViewerState is the per-viewer lifecycle: approval admits the viewer, the
// first ACK activates it, repeated keyframe drops make it stale, and
// removal or timeout disconnects it.
type ViewerState string

const (
	ViewerPendingApproval ViewerState = "pending_approval"
	ViewerConnected       ViewerState = "connected"
	ViewerActive          ViewerState = "active"
	ViewerStale           ViewerState = "stale"
	ViewerDisconnected    ViewerState = "disconnected"
)

// CanTransition reports whether the viewer state machine permits s → next.
func (s ViewerState) CanTransition(next ViewerState) bool {
	switch s {
	case ViewerPendingApproval:
		return next == ViewerConnected || next == ViewerDisconnected
	case ViewerConnected:
		return next == ViewerActive || next == ViewerDisconnected
	case ViewerActive:
		return next == ViewerStale || next == ViewerDisconnected
	case ViewerStale:
		return next == ViewerActive || next == ViewerDisconnected
	default:
		return false
	}
}

// ViewerRecord is the registry-owned state for one viewer. External code
// receives ViewerSnapshot copies, never the record itself.
type ViewerRecord struct {
	ID              ViewerID
	Peer            PeerID
	State           ViewerState
	Permissions     Permissions
	PermissionClock uint64 // logical clock stamp of the committed permissions
	Quality         ConnectionQuality
	JoinedAt        time.Time
	BytesSent       uint64
	OperatingPoint  OperatingPoint
	LastFeedbackAt  time.Time
}

// ViewerSnapshot is the read-only copy handed to the broadcast scheduler
// once per frame and to status queries.
type ViewerSnapshot struct {
	ID              ViewerID
	Peer            PeerID
	State           ViewerState
	Permissions     Permissions
	PermissionClock uint64
	Quality         ConnectionQuality
	JoinedAt        time.Time
	BytesSent       uint64
	LastFeedbackAt  time.Time
}
