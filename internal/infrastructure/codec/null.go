// Package codec provides encoder and decoder adapters. The null codec
// does no real compression: it emits fixed-budget payloads that carry the
// stream geometry, enough for loopback runs and tests to exercise the
// whole frame path, keyframe semantics included.
package codec

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"kizuna/internal/core/domain"
	"kizuna/internal/engine/framepool"
)

// payload header: magic 'K' | flags u8 | width u16 | height u16 | seq-less
const (
	payloadMagic      = 'K'
	payloadHeaderSize = 6
	payloadKeyflag    = 0x01
)

// NullEncoder emits synthetic payloads sized to the configured bitrate.
type NullEncoder struct {
	pool *framepool.Pool

	mu       sync.Mutex
	op       domain.OperatingPoint
	count    uint64
	pendingK bool

	cpu atomic.Uint64 // permille, settable by tests
}

// NewNullEncoder draws payload buffers from pool.
func NewNullEncoder(pool *framepool.Pool) *NullEncoder {
	return &NullEncoder{pool: pool}
}

// Configure adopts the operating point; a geometry change forces the next
// output to be a keyframe.
func (e *NullEncoder) Configure(op domain.OperatingPoint) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !op.SameGeometry(e.op) {
		e.pendingK = true
	}
	e.op = op
	return nil
}

// Encode consumes the raw frame and emits one payload. Keyframes land on
// the keyframe interval, on demand, and after geometry changes.
func (e *NullEncoder) Encode(frame *domain.RawFrame, forceKeyframe bool) (*domain.EncodedFrame, error) {
	defer frame.Release()

	e.mu.Lock()
	op := e.op
	interval := uint64(op.KeyframeInterval)
	if interval == 0 {
		interval = 60
	}
	key := forceKeyframe || e.pendingK || e.count%interval == 0
	e.pendingK = false
	e.count++
	e.mu.Unlock()

	size := frameBudget(op, key)
	buf, release, err := e.pool.AcquireEncoded(size)
	if err != nil {
		// Pool pressure drops the frame; the pipeline counts it.
		return nil, nil
	}

	buf[0] = payloadMagic
	if key {
		buf[1] = payloadKeyflag
	} else {
		buf[1] = 0
	}
	binary.BigEndian.PutUint16(buf[2:4], uint16(frame.Width))
	binary.BigEndian.PutUint16(buf[4:6], uint16(frame.Height))
	// Payload body samples the raw frame so the bytes are not constant.
	body := buf[payloadHeaderSize:]
	stride := len(frame.Data) / (len(body) + 1)
	if stride < 1 {
		stride = 1
	}
	for i := range body {
		body[i] = frame.Data[(i*stride)%len(frame.Data)]
	}

	out := domain.NewEncodedFrame(buf, frame.CaptureTS, key, 0)
	out.SetReleaser(release)
	return out, nil
}

// Close is a no-op.
func (e *NullEncoder) Close() error { return nil }

// CPUUsage reports the simulated encoder load in [0,1].
func (e *NullEncoder) CPUUsage() float64 {
	return float64(e.cpu.Load()) / 1000
}

// SetCPUUsage sets the simulated load. Test hook.
func (e *NullEncoder) SetCPUUsage(v float64) {
	e.cpu.Store(uint64(v * 1000))
}

// frameBudget is bitrate/fps in bytes, keyframes at four times that.
func frameBudget(op domain.OperatingPoint, key bool) int {
	fps := op.FPS
	if fps <= 0 {
		fps = 30
	}
	size := op.BitrateBps / fps / 8
	if key {
		size *= 4
	}
	if size < payloadHeaderSize+16 {
		size = payloadHeaderSize + 16
	}
	return size
}

// NullDecoder reverses the null encoder: it validates the payload header
// and synthesizes a raw frame of the carried geometry. It refuses delta
// frames until it has seen a keyframe.
type NullDecoder struct {
	pool   *framepool.Pool
	sawKey bool
}

// NewNullDecoder draws raw buffers from pool.
func NewNullDecoder(pool *framepool.Pool) *NullDecoder {
	return &NullDecoder{pool: pool}
}

func (d *NullDecoder) Decode(frame *domain.EncodedFrame) (*domain.RawFrame, error) {
	if len(frame.Data) < payloadHeaderSize || frame.Data[0] != payloadMagic {
		return nil, domain.ErrUnsupported
	}
	key := frame.Data[1]&payloadKeyflag != 0
	if !key && !d.sawKey {
		return nil, domain.ErrNeedsKeyframe
	}
	if key {
		d.sawKey = true
	}

	w := int(binary.BigEndian.Uint16(frame.Data[2:4]))
	h := int(binary.BigEndian.Uint16(frame.Data[4:6]))
	raw, err := d.pool.AcquireRaw(w, h, domain.FormatYUV420)
	if err != nil {
		return nil, err
	}
	raw.CaptureTS = frame.PTS
	return raw, nil
}

// Close is a no-op.
func (d *NullDecoder) Close() error { return nil }
