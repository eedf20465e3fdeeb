package domain

import (
	"sync/atomic"
)

// PixelFormat enumerates the raw frame layouts the pipeline moves.
type PixelFormat string

const (
	FormatYUV420 PixelFormat = "yuv420"
	FormatNV12   PixelFormat = "nv12"
	FormatRGB24  PixelFormat = "rgb24"
)

// BytesPerFrame returns the buffer size one frame of the format needs.
func (f PixelFormat) BytesPerFrame(width, height int) int {
	switch f {
	case FormatRGB24:
		return width * height * 3
	default: // planar/semi-planar 4:2:0
		return width * height * 3 / 2
	}
}

// RawFrame is an exclusively owned handle into a FramePool buffer. It is
// filled by the capture source and consumed by the encoder; whoever holds
// it last must Release it exactly once.
type RawFrame struct {
	Width     int
	Height    int
	Format    PixelFormat
	CaptureTS int64 // monotonic nanoseconds, set by capture
	Data      []byte

	release func()
}

// SetReleaser installs the recycle hook. The pool calls this on acquire.
func (f *RawFrame) SetReleaser(fn func()) {
	f.release = fn
}

// Release returns the buffer to its pool. Safe to call once; the handle
// must not be used afterwards.
func (f *RawFrame) Release() {
	if f.release != nil {
		fn := f.release
		f.release = nil
		fn()
	}
}

// EncodedFrame is one encoder output. It is shared across viewers in the
// broadcaster: one producer, N consumers with reference counting. The
// publisher holds the initial reference; the last Release recycles the
// buffer.
type EncodedFrame struct {
	Data     []byte
	PTS      int64 // equals the source RawFrame.CaptureTS
	Keyframe bool
	Seq      uint64 // monotonically increasing per session, starting at 0

	refs    atomic.Int32
	release func()
}

// NewEncodedFrame wraps data with a single owning reference.
func NewEncodedFrame(data []byte, pts int64, keyframe bool, seq uint64) *EncodedFrame {
	f := &EncodedFrame{Data: data, PTS: pts, Keyframe: keyframe, Seq: seq}
	f.refs.Store(1)
	return f
}

// SetReleaser installs the recycle hook invoked when the last reference is
// released.
func (f *EncodedFrame) SetReleaser(fn func()) {
	f.release = fn
}

// Retain adds a reference for another consumer.
func (f *EncodedFrame) Retain() *EncodedFrame {
	f.refs.Add(1)
	return f
}

// Release drops one reference; the last one triggers buffer recycling.
func (f *EncodedFrame) Release() {
	if f.refs.Add(-1) == 0 && f.release != nil {
		f.release()
	}
}

// Refs returns the current reference count. Test and stats use only.
func (f *EncodedFrame) Refs() int32 {
	return f.refs.Load()
}
