// Package framepool owns the pre-allocated raw and encoded frame buffers.
// Acquire never blocks and never allocates on the per-frame path: on
// exhaustion it fails fast and the caller applies its drop policy.
package framepool

import (
	"sync/atomic"

	"kizuna/internal/core/domain"
)

// Config sizes the pool. Raw buffers are sized for the maximum configured
// resolution; encoded buffers for a worst-case compressed frame.
type Config struct {
	RawDepth     int
	EncodedDepth int
	MaxWidth     int
	MaxHeight    int
}

// Pool hands out exclusive buffer handles and recycles them on release.
type Pool struct {
	raw     chan []byte
	encoded chan []byte

	rawSize     int
	encodedSize int

	liveRaw     atomic.Int64
	liveEncoded atomic.Int64
}

// New pre-allocates all buffers up front.
func New(cfg Config) *Pool {
	rawSize := domain.FormatRGB24.BytesPerFrame(cfg.MaxWidth, cfg.MaxHeight)
	// Encoded frames are far smaller than raw; half a raw frame leaves
	// headroom for keyframes at high quality factors.
	encodedSize := rawSize / 2

	p := &Pool{
		raw:         make(chan []byte, cfg.RawDepth),
		encoded:     make(chan []byte, cfg.EncodedDepth),
		rawSize:     rawSize,
		encodedSize: encodedSize,
	}
	for i := 0; i < cfg.RawDepth; i++ {
		p.raw <- make([]byte, rawSize)
	}
	for i := 0; i < cfg.EncodedDepth; i++ {
		p.encoded <- make([]byte, encodedSize)
	}
	return p
}

// AcquireRaw returns an exclusive raw frame handle sized for the requested
// geometry, or domain.ErrPoolExhausted.
func (p *Pool) AcquireRaw(width, height int, format domain.PixelFormat) (*domain.RawFrame, error) {
	need := format.BytesPerFrame(width, height)
	if need > p.rawSize {
		return nil, domain.ErrUnsupported
	}
	select {
	case buf := <-p.raw:
		p.liveRaw.Add(1)
		f := &domain.RawFrame{
			Width:  width,
			Height: height,
			Format: format,
			Data:   buf[:need],
		}
		f.SetReleaser(func() {
			p.liveRaw.Add(-1)
			p.raw <- buf[:cap(buf)]
		})
		return f, nil
	default:
		return nil, domain.ErrPoolExhausted
	}
}

// AcquireEncoded returns a buffer for an encoded frame of at most sizeHint
// bytes, or domain.ErrPoolExhausted. The returned release fn recycles it.
func (p *Pool) AcquireEncoded(sizeHint int) ([]byte, func(), error) {
	if sizeHint > p.encodedSize {
		return nil, nil, domain.ErrUnsupported
	}
	select {
	case buf := <-p.encoded:
		p.liveEncoded.Add(1)
		release := func() {
			p.liveEncoded.Add(-1)
			p.encoded <- buf[:cap(buf)]
		}
		return buf[:sizeHint], release, nil
	default:
		return nil, nil, domain.ErrPoolExhausted
	}
}

// LiveRaw returns the number of raw buffers currently checked out.
func (p *Pool) LiveRaw() int64 { return p.liveRaw.Load() }

// LiveEncoded returns the number of encoded buffers currently checked out.
func (p *Pool) LiveEncoded() int64 { return p.liveEncoded.Load() }
