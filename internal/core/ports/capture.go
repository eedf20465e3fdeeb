package ports

import (
	"context"

	"kizuna/internal/core/domain"
)

// CaptureConfig parameterizes a capture stream.
type CaptureConfig struct {
	Width       int
	Height      int
	FPS         int
	PixelFormat domain.PixelFormat
	Region      domain.ScreenRegion // screen capture only; zero value for camera
}

// CaptureDevice describes one enumerable source.
type CaptureDevice struct {
	ID     string
	Name   string
	Screen bool
	MaxW   int
	MaxH   int
	MaxFPS int
}

// CaptureSource produces raw frames at a configured resolution and rate
// into pool-owned buffers. Timestamps must be monotonic per stream and
// frames must not share memory across yields.
type CaptureSource interface {
	ListDevices(ctx context.Context) ([]CaptureDevice, error)
	Start(ctx context.Context, cfg CaptureConfig) (CaptureStream, error)
	Close() error
}

// CaptureStream is a lazy finite sequence of raw frames.
type CaptureStream interface {
	// Next blocks until a frame is available, the stream closes (nil, io.EOF
	// semantics via domain errors), or ctx is done.
	Next(ctx context.Context) (*domain.RawFrame, error)
	// Adjust requests live reconfiguration; domain.ErrUnsupported means the
	// caller must close and re-open.
	Adjust(cfg CaptureConfig) error
	Close() error
}
