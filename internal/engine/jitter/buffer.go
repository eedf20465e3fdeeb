// Package jitter implements the per-receiver reorder and play-out buffer.
// It reassembles datagram fragments into encoded frames, holds them for an
// adaptive delay, and emits them in strict pts and sequence order,
// tolerating loss and duplication.
package jitter

import (
	"math"
	"time"

	"go.uber.org/zap"

	"kizuna/internal/core/domain"
)

// Config bounds the adaptive play-out delay.
type Config struct {
	MinDelay        time.Duration
	MaxDelay        time.Duration
	K               float64 // safety factor over inter-arrival stddev
	FragmentTimeout time.Duration
}

// DefaultConfig mirrors the documented defaults: 20-400 ms delay, k=4.
func DefaultConfig() Config {
	return Config{
		MinDelay:        20 * time.Millisecond,
		MaxDelay:        400 * time.Millisecond,
		K:               4,
		FragmentTimeout: 250 * time.Millisecond,
	}
}

const (
	estimateInterval = 500 * time.Millisecond
	arrivalWindow    = 5 * time.Second
	// lossStreakLimit consecutive losses force a keyframe request even when
	// every lost frame was a delta frame.
	lossStreakLimit = 3
)

type partial struct {
	blob     []byte
	total    uint32
	received uint32
	keyframe bool
	firstNS  int64
}

type readyFrame struct {
	seq      uint64
	pts      int64
	data     []byte
	keyframe bool
	readyNS  int64 // first fragment arrival; play-out is readyNS + delay
}

type arrival struct {
	atNS  int64
	gapNS int64
}

// Buffer is single-goroutine: the receiver loop owns it.
type Buffer struct {
	cfg Config
	log *zap.SugaredLogger

	partials map[uint64]*partial
	ready    map[uint64]*readyFrame

	nextSeq uint64
	started bool
	lastPTS int64

	delayNS        int64
	arrivals       []arrival
	lastArrivalNS  int64
	lastEstimateNS int64

	lossStreak   int
	needKeyframe bool

	bufferedBytes int

	// counters
	Emitted    uint64
	Lost       uint64
	Duplicates uint64
}

// New creates a buffer starting at the minimum delay.
func New(cfg Config, log *zap.SugaredLogger) *Buffer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.FragmentTimeout <= 0 {
		cfg.FragmentTimeout = DefaultConfig().FragmentTimeout
	}
	return &Buffer{
		cfg:      cfg,
		log:      log,
		partials: make(map[uint64]*partial),
		ready:    make(map[uint64]*readyFrame),
		delayNS:  cfg.MinDelay.Nanoseconds(),
		lastPTS:  -1,
	}
}

// Push accepts one datagram (payload already plaintext) at time nowNS.
func (b *Buffer) Push(d domain.Datagram, nowNS int64) {
	b.observeArrival(nowNS)
	b.expirePartials(nowNS)

	if b.started && d.Seq < b.nextSeq {
		b.Duplicates++
		return
	}
	if _, done := b.ready[d.Seq]; done {
		b.Duplicates++
		return
	}

	p, ok := b.partials[d.Seq]
	if !ok {
		p = &partial{
			blob:     make([]byte, d.FrameLength),
			total:    d.FrameLength,
			keyframe: d.IsKeyframe(),
			firstNS:  nowNS,
		}
		b.partials[d.Seq] = p
	}

	end := int(d.FrameOffset) + len(d.Payload)
	if end > len(p.blob) {
		b.log.Warnw("fragment exceeds frame length, dropping",
			"seq", d.Seq, "offset", d.FrameOffset, "len", len(d.Payload))
		delete(b.partials, d.Seq)
		return
	}
	copy(p.blob[d.FrameOffset:end], d.Payload)
	p.received += uint32(len(d.Payload))

	if p.received >= p.total {
		delete(b.partials, d.Seq)
		pts, data, err := domain.DecodeFrameBlob(p.blob)
		if err != nil {
			b.log.Warnw("malformed frame blob", "seq", d.Seq, "error", err)
			return
		}
		b.ready[d.Seq] = &readyFrame{
			seq:      d.Seq,
			pts:      pts,
			data:     data,
			keyframe: p.keyframe,
			readyNS:  p.firstNS,
		}
		b.bufferedBytes += len(data)
		b.enforceOverflow()
	}
}

// Pop returns the next frame whose play-out deadline has passed, or nil.
// Frames come out in strict seq order; a gap is declared lost once a later
// frame is complete and the deadline has elapsed.
func (b *Buffer) Pop(nowNS int64) *domain.EncodedFrame {
	b.maybeReestimate(nowNS)

	for {
		if !b.started {
			seq, ok := b.lowestReady()
			if !ok {
				return nil
			}
			b.nextSeq = seq
			b.started = true
		}

		if f, ok := b.ready[b.nextSeq]; ok {
			if nowNS < f.readyNS+b.delayNS {
				return nil
			}
			delete(b.ready, b.nextSeq)
			b.bufferedBytes -= len(f.data)
			b.nextSeq++

			// Duplicate or reordered pts never goes downstream.
			if f.pts <= b.lastPTS {
				continue
			}
			b.lastPTS = f.pts
			b.lossStreak = 0
			b.Emitted++
			return domain.NewEncodedFrame(f.data, f.pts, f.keyframe, f.seq)
		}

		// Gap at nextSeq: lost only when (a) a later frame is complete and
		// (b) that frame's deadline has elapsed.
		seq, ok := b.lowestReady()
		if !ok {
			return nil
		}
		later := b.ready[seq]
		if nowNS < later.readyNS+b.delayNS {
			return nil
		}

		lost := seq - b.nextSeq
		b.Lost += lost
		b.lossStreak += int(lost)
		if later.keyframe {
			// The next decodable frame is a keyframe; the gap is harmless.
			b.lossStreak = 0
		} else if b.wasKeyframeLost(b.nextSeq, seq) || b.lossStreak >= lossStreakLimit {
			b.needKeyframe = true
		}
		b.nextSeq = seq
	}
}

// wasKeyframeLost is a heuristic: a pending partial marked keyframe inside
// the gap means a keyframe went missing.
func (b *Buffer) wasKeyframeLost(from, to uint64) bool {
	for seq := from; seq < to; seq++ {
		if p, ok := b.partials[seq]; ok && p.keyframe {
			return true
		}
	}
	return false
}

// NeedsKeyframe returns and clears the resync flag.
func (b *Buffer) NeedsKeyframe() bool {
	n := b.needKeyframe
	b.needKeyframe = false
	return n
}

// TargetDelay returns the current adaptive play-out delay.
func (b *Buffer) TargetDelay() time.Duration {
	return time.Duration(b.delayNS)
}

// Depth returns the count of complete frames waiting for play-out.
func (b *Buffer) Depth() int {
	return len(b.ready)
}

func (b *Buffer) lowestReady() (uint64, bool) {
	var min uint64
	found := false
	for seq := range b.ready {
		if !found || seq < min {
			min = seq
			found = true
		}
	}
	return min, found
}

func (b *Buffer) observeArrival(nowNS int64) {
	if b.lastArrivalNS != 0 {
		b.arrivals = append(b.arrivals, arrival{atNS: nowNS, gapNS: nowNS - b.lastArrivalNS})
	}
	b.lastArrivalNS = nowNS

	cutoff := nowNS - arrivalWindow.Nanoseconds()
	trim := 0
	for trim < len(b.arrivals) && b.arrivals[trim].atNS < cutoff {
		trim++
	}
	b.arrivals = b.arrivals[trim:]
}

// maybeReestimate recomputes delay = mean + k*stddev of inter-arrival gaps
// over the sliding window, clamped to [MinDelay, MaxDelay].
func (b *Buffer) maybeReestimate(nowNS int64) {
	if nowNS-b.lastEstimateNS < estimateInterval.Nanoseconds() {
		return
	}
	b.lastEstimateNS = nowNS

	if len(b.arrivals) < 2 {
		return
	}
	var sum float64
	for _, a := range b.arrivals {
		sum += float64(a.gapNS)
	}
	mean := sum / float64(len(b.arrivals))
	var varsum float64
	for _, a := range b.arrivals {
		d := float64(a.gapNS) - mean
		varsum += d * d
	}
	stddev := math.Sqrt(varsum / float64(len(b.arrivals)))

	delay := int64(mean + b.cfg.K*stddev)
	if delay < b.cfg.MinDelay.Nanoseconds() {
		delay = b.cfg.MinDelay.Nanoseconds()
	}
	if delay > b.cfg.MaxDelay.Nanoseconds() {
		delay = b.cfg.MaxDelay.Nanoseconds()
	}
	b.delayNS = delay
}

// enforceOverflow drops the oldest non-keyframe frames while the buffered
// span exceeds twice the target delay.
func (b *Buffer) enforceOverflow() {
	for b.spanNS() > 2*b.delayNS {
		seq, ok := b.oldestNonKeyframe()
		if !ok {
			return
		}
		f := b.ready[seq]
		b.bufferedBytes -= len(f.data)
		delete(b.ready, seq)
		b.Lost++
	}
}

// spanNS is the pts distance covered by buffered frames.
func (b *Buffer) spanNS() int64 {
	var minPTS, maxPTS int64
	first := true
	for _, f := range b.ready {
		if first {
			minPTS, maxPTS = f.pts, f.pts
			first = false
			continue
		}
		if f.pts < minPTS {
			minPTS = f.pts
		}
		if f.pts > maxPTS {
			maxPTS = f.pts
		}
	}
	if first {
		return 0
	}
	return maxPTS - minPTS
}

func (b *Buffer) oldestNonKeyframe() (uint64, bool) {
	var min uint64
	found := false
	for seq, f := range b.ready {
		if f.keyframe {
			continue
		}
		if !found || seq < min {
			min = seq
			found = true
		}
	}
	return min, found
}

func (b *Buffer) expirePartials(nowNS int64) {
	timeout := b.cfg.FragmentTimeout.Nanoseconds()
	for seq, p := range b.partials {
		if nowNS-p.firstNS > timeout {
			if p.keyframe {
				b.needKeyframe = true
			}
			delete(b.partials, seq)
		}
	}
}
