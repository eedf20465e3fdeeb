package domain

import "errors"

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrViewerNotFound    = errors.New("viewer not found")
	ErrRecordingNotFound = errors.New("recording not found")
	ErrViewerLimit       = errors.New("viewer limit reached")
	ErrDuplicatePeer     = errors.New("peer already holds a viewer in this session")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrPoolExhausted     = errors.New("frame pool exhausted")
	ErrWouldBlock        = errors.New("transport would block")
	ErrChannelClosed     = errors.New("transport channel closed")
	ErrNeedsKeyframe     = errors.New("decoder needs keyframe")
	ErrUnsupported       = errors.New("unsupported configuration")
)
