package ports

import (
	"kizuna/internal/core/domain"
)

// Encoder converts raw frames to encoded frames, honoring live-updatable
// parameters. Configure is idempotent and must succeed for any operating
// point within the declared capabilities; a geometry change is honored at
// the next keyframe.
type Encoder interface {
	Configure(op domain.OperatingPoint) error
	// Encode consumes the RawFrame (the encoder releases it). With
	// forceKeyframe the next output is a keyframe.
	Encode(frame *domain.RawFrame, forceKeyframe bool) (*domain.EncodedFrame, error)
	Close() error
}

// Decoder converts encoded frames back to raw frames. It must tolerate loss
// of non-keyframes by returning domain.ErrNeedsKeyframe, which the receiver
// forwards upstream.
type Decoder interface {
	Decode(frame *domain.EncodedFrame) (*domain.RawFrame, error)
	Close() error
}
