package domain

import (
	"time"
)

// Role distinguishes the sending and receiving end of a session.
type Role string

const (
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
)

// StreamKind selects what the session captures.
type StreamKind string

const (
	KindCamera       StreamKind = "camera"
	KindScreenRegion StreamKind = "screen_region"
	KindAudioOnly    StreamKind = "audio_only"
	KindCombined     StreamKind = "combined"
)

// ScreenRegion is the captured rectangle for KindScreenRegion sessions.
type ScreenRegion struct {
	X, Y, W, H int
}

// SessionState is the pipeline state machine. There is no transition out of
// Stopped or Errored.
type SessionState string

const (
	StateStarting SessionState = "starting"
	StateActive   SessionState = "active"
	StatePaused   SessionState = "paused"
	StateStopping SessionState = "stopping"
	StateStopped  SessionState = "stopped"
	StateErrored  SessionState = "errored"
)

// CanTransition reports whether the state machine permits moving from s to
// next.
func (s SessionState) CanTransition(next SessionState) bool {
	switch s {
	case StateStarting:
		return next == StateActive || next == StateErrored || next == StateStopping
	case StateActive:
		return next == StatePaused || next == StateStopping || next == StateErrored
	case StatePaused:
		return next == StateActive || next == StateStopping || next == StateErrored
	case StateStopping:
		return next == StateStopped
	default:
		return false
	}
}

// Terminal reports whether the state admits no further transitions.
func (s SessionState) Terminal() bool {
	return s == StateStopped || s == StateErrored
}

// StreamSession is the supervisor-owned record of one streaming session.
type StreamSession struct {
	ID             SessionID
	Role           Role
	Kind           StreamKind
	Region         ScreenRegion // valid for KindScreenRegion only
	Viewers        []ViewerID   // sender only; non-empty only while Active or Paused
	State          SessionState
	OperatingPoint OperatingPoint
	CreatedAt      time.Time
	StartedAt      time.Time
	Stats          SessionStats
}

// SessionStats is the aggregate counter snapshot reported by get_stats.
type SessionStats struct {
	FramesCaptured   uint64
	FramesEncoded    uint64
	FramesDropped    uint64
	KeyframesEncoded uint64
	BytesSent        uint64
	ViewerCount      int
	CurrentBitrate   int
	AvgEncodeTime    time.Duration
	Underruns        uint64
	Timestamp        time.Time
}
