// Package clock provides the monotonic pacing clock the pipeline runs on.
// Wall time appears only in recording metadata; everything on the frame
// path uses these nanosecond timestamps.
package clock

import (
	"context"
	"time"
)

// Ticker emits target-interval ticks. Missed intervals coalesce: a late
// wakeup delivers exactly one tick.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// PacingClock is the time source for capture pacing, ABR ticks, and
// play-out deadlines. Never runs backwards.
type PacingClock interface {
	NowNS() int64
	SleepUntil(ctx context.Context, deadlineNS int64) error
	Ticker(interval time.Duration) Ticker
}

type monotonic struct {
	start   time.Time
	startNS int64
}

// NewMonotonic returns the production clock. Timestamps are anchored to the
// wall clock at construction and advance with the runtime's monotonic
// reading.
func NewMonotonic() PacingClock {
	now := time.Now()
	return &monotonic{start: now, startNS: now.UnixNano()}
}

func (c *monotonic) NowNS() int64 {
	return c.startNS + time.Since(c.start).Nanoseconds()
}

func (c *monotonic) SleepUntil(ctx context.Context, deadlineNS int64) error {
	d := time.Duration(deadlineNS - c.NowNS())
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *monotonic) Ticker(interval time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(interval)}
}

// realTicker wraps time.Ticker, which already coalesces missed ticks into
// one pending tick.
type realTicker struct {
	t *time.Ticker
}

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }

// Manual is a test clock driven by Advance.
type Manual struct {
	nowNS   int64
	tickers []*manualTicker
}

// NewManual returns a manual clock starting at startNS.
func NewManual(startNS int64) *Manual {
	return &Manual{nowNS: startNS}
}

func (m *Manual) NowNS() int64 { return m.nowNS }

func (m *Manual) SleepUntil(ctx context.Context, deadlineNS int64) error {
	// Manual time does not block; tests advance it explicitly.
	return ctx.Err()
}

func (m *Manual) Ticker(interval time.Duration) Ticker {
	t := &manualTicker{
		ch:       make(chan time.Time, 1),
		interval: interval.Nanoseconds(),
		next:     m.nowNS + interval.Nanoseconds(),
	}
	m.tickers = append(m.tickers, t)
	return t
}

// Advance moves time forward and fires due tickers. Coalescing holds: a
// ticker that missed several intervals fires once.
func (m *Manual) Advance(d time.Duration) {
	m.nowNS += d.Nanoseconds()
	for _, t := range m.tickers {
		if t.stopped || m.nowNS < t.next {
			continue
		}
		for m.nowNS >= t.next {
			t.next += t.interval
		}
		select {
		case t.ch <- time.Unix(0, m.nowNS):
		default:
		}
	}
}

type manualTicker struct {
	ch       chan time.Time
	interval int64
	next     int64
	stopped  bool
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }
func (t *manualTicker) Stop()               { t.stopped = true }
