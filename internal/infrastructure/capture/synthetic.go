// Package capture provides capture source adapters. The synthetic source
// generates a moving test pattern at the configured rate from pool-owned
// buffers; it backs development setups and end-to-end tests where no real
// device exists.
package capture

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"kizuna/internal/core/domain"
	"kizuna/internal/core/ports"
	"kizuna/internal/engine/clock"
	"kizuna/internal/engine/framepool"
)

// Synthetic is a device-less capture source.
type Synthetic struct {
	pool *framepool.Pool
	clk  clock.PacingClock
	log  *zap.SugaredLogger
}

// NewSynthetic builds the source; every stream draws buffers from pool.
func NewSynthetic(pool *framepool.Pool, clk clock.PacingClock, log *zap.SugaredLogger) *Synthetic {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Synthetic{pool: pool, clk: clk, log: log}
}

// ListDevices reports one camera-like and one screen-like device.
func (s *Synthetic) ListDevices(ctx context.Context) ([]ports.CaptureDevice, error) {
	return []ports.CaptureDevice{
		{ID: "synthetic-cam", Name: "Synthetic Camera", MaxW: 1920, MaxH: 1080, MaxFPS: 60},
		{ID: "synthetic-screen", Name: "Synthetic Screen", Screen: true, MaxW: 1920, MaxH: 1080, MaxFPS: 60},
	}, nil
}

// Start opens a paced stream at cfg's geometry and rate.
func (s *Synthetic) Start(ctx context.Context, cfg ports.CaptureConfig) (ports.CaptureStream, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.FPS <= 0 {
		return nil, domain.ErrUnsupported
	}
	st := &syntheticStream{
		pool: s.pool,
		clk:  s.clk,
		log:  s.log,
	}
	st.cfgPtr.Store(&cfg)
	st.nextNS = s.clk.NowNS()
	return st, nil
}

// Close is a no-op; streams close individually.
func (s *Synthetic) Close() error { return nil }

type syntheticStream struct {
	pool *framepool.Pool
	clk  clock.PacingClock
	log  *zap.SugaredLogger

	mu     sync.Mutex
	cfgPtr configBox
	nextNS int64
	frame  uint64
	closed bool
}

// configBox holds the live config; Adjust swaps it and the next frame
// picks it up.
type configBox struct {
	mu  sync.RWMutex
	cfg *ports.CaptureConfig
}

func (b *configBox) Store(c *ports.CaptureConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = c
}

func (b *configBox) Load() ports.CaptureConfig {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return *b.cfg
}

func (st *syntheticStream) Next(ctx context.Context) (*domain.RawFrame, error) {
	for {
		st.mu.Lock()
		if st.closed {
			st.mu.Unlock()
			return nil, domain.ErrChannelClosed
		}
		deadline := st.nextNS
		st.mu.Unlock()

		if err := st.clk.SleepUntil(ctx, deadline); err != nil {
			return nil, err
		}

		cfg := st.cfgPtr.Load()
		interval := int64(1e9) / int64(cfg.FPS)

		st.mu.Lock()
		st.nextNS += interval
		// A long stall resets pacing instead of bursting to catch up.
		if now := st.clk.NowNS(); st.nextNS < now {
			st.nextNS = now + interval
		}
		n := st.frame
		st.frame++
		st.mu.Unlock()

		frame, err := st.pool.AcquireRaw(cfg.Width, cfg.Height, cfg.PixelFormat)
		if err != nil {
			// Pool pressure: skip this interval, the encoder is behind anyway.
			continue
		}
		frame.CaptureTS = st.clk.NowNS()
		paintPattern(frame, n)
		return frame, nil
	}
}

// Adjust retargets geometry and rate live.
func (st *syntheticStream) Adjust(cfg ports.CaptureConfig) error {
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.FPS <= 0 {
		return domain.ErrUnsupported
	}
	st.cfgPtr.Store(&cfg)
	return nil
}

func (st *syntheticStream) Close() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.closed = true
	return nil
}

// paintPattern fills the luma plane with a moving gradient so consecutive
// frames differ and encoders have something to chew on.
func paintPattern(f *domain.RawFrame, n uint64) {
	lumaLen := f.Width * f.Height
	if lumaLen > len(f.Data) {
		lumaLen = len(f.Data)
	}
	shift := byte(n)
	for i := 0; i < lumaLen; i += 64 {
		f.Data[i] = byte(i>>8) + shift
	}
	// Chroma (or remaining bytes) stays neutral.
	for i := lumaLen; i < len(f.Data); i += 256 {
		f.Data[i] = 128
	}
}
