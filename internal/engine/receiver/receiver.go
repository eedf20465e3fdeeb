// Package receiver runs the viewing side of a session: it drains the
// transport into the jitter buffer, plays frames out on their adaptive
// deadline, decodes them, and hands raw frames to the render sink.
package receiver

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"kizuna/internal/core/domain"
	"kizuna/internal/core/ports"
	"kizuna/internal/engine/clock"
	"kizuna/internal/engine/jitter"
)

// RenderSink consumes decoded frames. It owns each frame it accepts and
// must release it. Freeze is called on an underrun so the surface keeps
// showing the last good frame.
type RenderSink interface {
	Render(frame *domain.RawFrame) error
	Freeze()
}

// KeyframeRequester asks the sender for a resync point. Wired to the
// session control channel by the supervisor.
type KeyframeRequester func()

// Config bounds the receiver.
type Config struct {
	Jitter jitter.Config
	// UnderrunAfter without an emitted frame freezes the display and
	// requests a keyframe.
	UnderrunAfter time.Duration
	PollInterval  time.Duration
}

// DefaultConfig: 500 ms underrun threshold, 5 ms play-out poll.
func DefaultConfig() Config {
	return Config{
		Jitter:        jitter.DefaultConfig(),
		UnderrunAfter: 500 * time.Millisecond,
		PollInterval:  5 * time.Millisecond,
	}
}

// Stats is the receiver's counter snapshot.
type Stats struct {
	FramesRendered uint64
	FramesLost     uint64
	Duplicates     uint64
	Underruns      uint64
	TargetDelay    time.Duration
	BufferDepth    int
}

// Receiver owns one inbound stream.
type Receiver struct {
	session domain.SessionID
	cfg     Config
	clk     clock.PacingClock
	log     *zap.SugaredLogger

	ch         ports.Channel
	buf        *jitter.Buffer
	dec        ports.Decoder
	sink       RenderSink
	requestKey KeyframeRequester

	rendered   uint64
	underruns  uint64
	lastEmitNS int64
	frozen     bool
	awaitKey   bool
}

// New assembles a receiver over an open channel.
func New(
	session domain.SessionID,
	cfg Config,
	clk clock.PacingClock,
	ch ports.Channel,
	dec ports.Decoder,
	sink RenderSink,
	requestKey KeyframeRequester,
	log *zap.SugaredLogger,
) *Receiver {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if requestKey == nil {
		requestKey = func() {}
	}
	return &Receiver{
		session:    session,
		cfg:        cfg,
		clk:        clk,
		log:        log,
		ch:         ch,
		buf:        jitter.New(cfg.Jitter, log),
		dec:        dec,
		sink:       sink,
		requestKey: requestKey,
	}
}

// Run blocks until ctx is cancelled or the channel closes. The transport
// drain and the play-out loop run as separate tasks; the jitter buffer is
// touched only from the play-out task.
func (r *Receiver) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	inbound := make(chan domain.Datagram, 256)
	recvErr := make(chan error, 1)
	go func() {
		defer close(inbound)
		for {
			d, err := r.ch.Recv(ctx)
			if err != nil {
				if ctx.Err() == nil {
					recvErr <- err
				}
				return
			}
			select {
			case inbound <- d:
			case <-ctx.Done():
				return
			}
		}
	}()

	r.lastEmitNS = r.clk.NowNS()
	ticker := r.clk.Ticker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-recvErr:
			if errors.Is(err, domain.ErrChannelClosed) {
				return nil
			}
			return err
		case d, ok := <-inbound:
			if !ok {
				return nil
			}
			r.buf.Push(d, r.clk.NowNS())
			r.drainInbound(inbound)
		case <-ticker.C():
			r.playout()
		}
	}
}

// drainInbound empties whatever arrived in the same burst before the next
// play-out check.
func (r *Receiver) drainInbound(inbound <-chan domain.Datagram) {
	for {
		select {
		case d, ok := <-inbound:
			if !ok {
				return
			}
			r.buf.Push(d, r.clk.NowNS())
		default:
			return
		}
	}
}

func (r *Receiver) playout() {
	now := r.clk.NowNS()

	for {
		frame := r.buf.Pop(now)
		if frame == nil {
			break
		}
		// A loss declared by this pop poisons the popped frame too: it may
		// reference the gap.
		if r.buf.NeedsKeyframe() {
			r.awaitKey = true
			r.requestKey()
		}
		r.deliver(frame, now)
	}

	if r.buf.NeedsKeyframe() {
		r.awaitKey = true
		r.requestKey()
	}

	if !r.frozen && time.Duration(now-r.lastEmitNS) > r.cfg.UnderrunAfter {
		r.frozen = true
		r.underruns++
		r.sink.Freeze()
		r.requestKey()
		r.log.Warnw("play-out underrun, freezing display",
			"session", r.session, "delay", r.buf.TargetDelay())
	}
}

func (r *Receiver) deliver(frame *domain.EncodedFrame, now int64) {
	defer frame.Release()

	// After unrecoverable loss only a keyframe restarts decode.
	if r.awaitKey && !frame.Keyframe {
		return
	}
	r.awaitKey = false

	raw, err := r.dec.Decode(frame)
	if err != nil {
		if errors.Is(err, domain.ErrNeedsKeyframe) {
			r.awaitKey = true
			r.requestKey()
			return
		}
		r.log.Warnw("decode failed", "session", r.session, "seq", frame.Seq, "error", err)
		return
	}

	r.lastEmitNS = now
	r.frozen = false
	r.rendered++
	if err := r.sink.Render(raw); err != nil {
		r.log.Warnw("render failed", "session", r.session, "error", err)
	}
}

// Stats returns the current counters. Call from the receiver's own task or
// after Run returns.
func (r *Receiver) Stats() Stats {
	return Stats{
		FramesRendered: r.rendered,
		FramesLost:     r.buf.Lost,
		Duplicates:     r.buf.Duplicates,
		Underruns:      r.underruns,
		TargetDelay:    r.buf.TargetDelay(),
		BufferDepth:    r.buf.Depth(),
	}
}
