// Package pipeline runs one sender session's frame path: a capture task
// feeding a bounded queue, an encode task draining it, and a control task
// closing the adaptation loop. Tasks never share mutable frame state;
// handles move through channels and parameter changes travel through a
// latest-value register applied at frame boundaries.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"kizuna/internal/core/domain"
	"kizuna/internal/core/ports"
	"kizuna/internal/engine/abr"
	"kizuna/internal/engine/broadcast"
	"kizuna/internal/engine/clock"
	"kizuna/internal/engine/eventbus"
	"kizuna/internal/engine/registry"
	kerrors "kizuna/pkg/errors"
)

// Config bounds the runner.
type Config struct {
	CaptureQueueDepth int
	// StallCapture blocks capture instead of dropping the oldest queued
	// frame when the encoder falls behind.
	StallCapture    bool
	StallWarnAfter  time.Duration
	StallErrorAfter time.Duration
	DrainTimeout    time.Duration
	StatsInterval   time.Duration
	// FirstSeq seeds the frame sequence counter. A pipeline replacing an
	// earlier one for the same session must continue its numbering, or
	// receiver jitter buffers discard the new frames as duplicates.
	FirstSeq uint64
}

// DefaultConfig matches the documented latency-first defaults.
func DefaultConfig() Config {
	return Config{
		CaptureQueueDepth: 3,
		StallCapture:      false,
		StallWarnAfter:    time.Second,
		StallErrorAfter:   5 * time.Second,
		DrainTimeout:      2 * time.Second,
		StatsInterval:     time.Second,
	}
}

// FrameTap observes every published encoded frame. The recorder attaches
// here; it must Retain if it keeps the frame past the call.
type FrameTap func(*domain.EncodedFrame)

// Runner drives one sender session's pipeline.
type Runner struct {
	session domain.SessionID
	cfg     Config
	clk     clock.PacingClock
	log     *zap.SugaredLogger

	stream ports.CaptureStream
	enc    ports.Encoder
	ctrl   *abr.Controller
	sched  *broadcast.Scheduler
	reg    *registry.Registry
	bus    *eventbus.Bus

	mu    sync.Mutex
	state domain.SessionState
	stats domain.SessionStats

	// pendingPoint is a latest-value register: the control task overwrites
	// it, the encode task consumes it at the next frame boundary.
	pendingPoint atomic.Pointer[domain.OperatingPoint]
	forceKey     atomic.Bool
	paused       atomic.Bool

	lastCaptureNS atomic.Int64
	seq           atomic.Uint64
	queueDepth    atomic.Int32

	tapMu sync.RWMutex
	taps  []FrameTap

	cancel  context.CancelFunc
	done    chan struct{}
	errs    chan error
	stopped atomic.Bool

	encodeEWMA time.Duration
}

// New assembles a runner around an already-open capture stream and a
// configured encoder.
func New(
	session domain.SessionID,
	cfg Config,
	clk clock.PacingClock,
	stream ports.CaptureStream,
	enc ports.Encoder,
	ctrl *abr.Controller,
	sched *broadcast.Scheduler,
	reg *registry.Registry,
	bus *eventbus.Bus,
	log *zap.SugaredLogger,
) *Runner {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	r := &Runner{
		session: session,
		cfg:     cfg,
		clk:     clk,
		log:     log,
		stream:  stream,
		enc:     enc,
		ctrl:    ctrl,
		sched:   sched,
		reg:     reg,
		bus:     bus,
		state:   domain.StateStarting,
		done:    make(chan struct{}),
		errs:    make(chan error, 4),
	}
	r.seq.Store(cfg.FirstSeq)
	return r
}

// AttachTap registers a frame observer. Used by the recorder.
func (r *Runner) AttachTap(tap FrameTap) {
	r.tapMu.Lock()
	defer r.tapMu.Unlock()
	r.taps = append(r.taps, tap)
}

// Errors delivers escalated faults to the supervisor, which owns the
// decision to mark the session errored.
func (r *Runner) Errors() <-chan error { return r.errs }

// Done closes when all pipeline tasks have exited.
func (r *Runner) Done() <-chan struct{} { return r.done }

// NextSeq returns the sequence number the next published frame will carry.
// A replacement pipeline is seeded from here via Config.FirstSeq.
func (r *Runner) NextSeq() uint64 { return r.seq.Load() }

// State returns the current pipeline state.
func (r *Runner) State() domain.SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Stats returns a counter snapshot.
func (r *Runner) Stats() domain.SessionStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.ViewerCount = r.reg.Count()
	s.CurrentBitrate = r.ctrl.Current().BitrateBps
	s.AvgEncodeTime = r.encodeEWMA
	s.Timestamp = time.Now()
	return s
}

// Start spawns the capture, encode, and control tasks. The session stays
// starting until the first frame clears the encoder.
func (r *Runner) Start(ctx context.Context, abrTick time.Duration) error {
	r.mu.Lock()
	if r.state != domain.StateStarting || r.cancel != nil {
		r.mu.Unlock()
		return domain.ErrInvalidTransition
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.mu.Unlock()

	r.lastCaptureNS.Store(r.clk.NowNS())

	queue := make(chan *domain.RawFrame, r.cfg.CaptureQueueDepth)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); r.captureLoop(ctx, queue) }()
	go func() { defer wg.Done(); r.encodeLoop(ctx, queue) }()
	go func() { defer wg.Done(); r.controlLoop(ctx, abrTick) }()
	go func() {
		wg.Wait()
		close(r.done)
	}()
	return nil
}

// markActive flips starting to active once the first frame is published.
func (r *Runner) markActive() {
	r.mu.Lock()
	if r.state != domain.StateStarting {
		r.mu.Unlock()
		return
	}
	r.state = domain.StateActive
	r.mu.Unlock()
	r.publishState(domain.StateActive, "")
}

// Pause holds encoding and sending; capture keeps running so resume is
// instant.
func (r *Runner) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.state.CanTransition(domain.StatePaused) {
		return domain.ErrInvalidTransition
	}
	r.state = domain.StatePaused
	r.paused.Store(true)
	r.publishStateLocked(domain.StatePaused, "")
	return nil
}

// Resume restarts the frame path with a forced keyframe so viewers can
// rejoin the stream mid-GOP.
func (r *Runner) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != domain.StatePaused {
		return domain.ErrInvalidTransition
	}
	r.state = domain.StateActive
	r.paused.Store(false)
	r.forceKey.Store(true)
	r.publishStateLocked(domain.StateActive, "")
	return nil
}

// Stop drains in-flight frames and tears the pipeline down. It blocks up
// to the drain timeout.
func (r *Runner) Stop() error {
	r.mu.Lock()
	if r.state.Terminal() {
		r.mu.Unlock()
		return nil
	}
	if r.state.CanTransition(domain.StateStopping) {
		r.state = domain.StateStopping
		r.publishStateLocked(domain.StateStopping, "")
	}
	r.mu.Unlock()

	if r.cancel != nil {
		r.cancel()
	}
	select {
	case <-r.done:
	case <-time.After(r.cfg.DrainTimeout):
		r.log.Warnw("pipeline drain timed out", "session", r.session)
	}

	// A fault may have errored the session while the drain was in flight;
	// errored is terminal and must not be overwritten.
	r.mu.Lock()
	if !r.state.Terminal() {
		r.state = domain.StateStopped
		r.publishStateLocked(domain.StateStopped, "")
	}
	r.mu.Unlock()
	return nil
}

// MarkErrored is called by the supervisor after an unrecoverable fault.
func (r *Runner) MarkErrored(detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return
	}
	r.state = domain.StateErrored
	r.paused.Store(true)
	r.publishStateLocked(domain.StateErrored, detail)
	if r.cancel != nil {
		r.cancel()
	}
}

// SetManualPreset pins quality; the change lands at the next tick.
func (r *Runner) SetManualPreset(p domain.QualityPreset) {
	r.ctrl.SetManualPreset(p)
}

// SetAutoQuality toggles the adaptation loop.
func (r *Runner) SetAutoQuality(enabled bool) {
	r.ctrl.SetAuto(enabled)
}

// ForceKeyframe requests a keyframe at the next encode. Receivers ask for
// one after unrecoverable loss.
func (r *Runner) ForceKeyframe() {
	r.forceKey.Store(true)
}

func (r *Runner) captureLoop(ctx context.Context, queue chan *domain.RawFrame) {
	for {
		frame, err := r.stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.escalate(kerrors.Wrap(err, kerrors.KindDeviceUnavailable, true, "capture stream failed").WithSession(string(r.session)))
			return
		}
		r.lastCaptureNS.Store(r.clk.NowNS())

		r.mu.Lock()
		r.stats.FramesCaptured++
		r.mu.Unlock()

		if r.cfg.StallCapture {
			select {
			case queue <- frame:
				r.queueDepth.Store(int32(len(queue)))
			case <-ctx.Done():
				frame.Release()
				return
			}
			continue
		}

		// Latency-first: a full queue drops the oldest frame, never the
		// newest.
		for {
			select {
			case queue <- frame:
				r.queueDepth.Store(int32(len(queue)))
			case <-ctx.Done():
				frame.Release()
				return
			default:
				select {
				case old := <-queue:
					old.Release()
					r.mu.Lock()
					r.stats.FramesDropped++
					r.mu.Unlock()
				default:
				}
				continue
			}
			break
		}
	}
}

func (r *Runner) encodeLoop(ctx context.Context, queue <-chan *domain.RawFrame) {
	defer r.drainQueue(queue)
	for {
		var frame *domain.RawFrame
		select {
		case frame = <-queue:
		case <-ctx.Done():
			return
		}
		r.queueDepth.Store(int32(len(queue)))

		if r.paused.Load() {
			frame.Release()
			continue
		}

		// Parameter changes land here, between frames.
		if pt := r.pendingPoint.Swap(nil); pt != nil {
			if err := r.enc.Configure(*pt); err != nil {
				frame.Release()
				r.escalate(kerrors.Wrap(err, kerrors.KindEncoderFault, false, "reconfigure failed").WithSession(string(r.session)))
				return
			}
		}

		forceKey := r.forceKey.Swap(false)
		started := time.Now()
		encoded, err := r.enc.Encode(frame, forceKey)
		if err != nil {
			r.escalate(kerrors.NewEncoderFault(err).WithSession(string(r.session)))
			return
		}
		if encoded == nil {
			// The encoder consumed the frame without output, typically
			// buffer-pool pressure. It counts as a drop.
			r.mu.Lock()
			r.stats.FramesDropped++
			r.mu.Unlock()
			continue
		}
		// The first frame clearing the encoder is what makes the session
		// active; counters must never show progress on a starting session.
		r.markActive()
		r.observeEncode(time.Since(started), encoded.Keyframe)

		encoded.Seq = r.seq.Add(1) - 1

		r.tapMu.RLock()
		for _, tap := range r.taps {
			tap(encoded)
		}
		r.tapMu.RUnlock()

		r.sched.Publish(encoded)
	}
}

func (r *Runner) controlLoop(ctx context.Context, tick time.Duration) {
	ticker := r.clk.Ticker(tick)
	defer ticker.Stop()
	statsTicker := r.clk.Ticker(r.cfg.StatsInterval)
	defer statsTicker.Stop()

	stallWarned := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-statsTicker.C():
			s := r.Stats()
			r.bus.Publish(domain.Event{
				Type:    domain.EventStatsUpdated,
				Session: r.session,
				Stats:   &s,
			})
		case <-ticker.C():
			if r.paused.Load() {
				continue
			}

			stallWarned = r.checkCaptureStall(stallWarned)

			samples := r.sched.PollFeedback()
			r.ctrl.SetPresetCeiling(r.reg.PresetCeiling())

			dec := r.ctrl.Tick(abr.TickInput{
				Samples:      samples,
				Encoder:      r.encoderStats(),
				CaptureDepth: int(r.queueDepth.Load()),
				Now:          time.Now(),
			})
			if dec.Changed {
				pt := dec.Point
				r.pendingPoint.Store(&pt)
				if dec.ForceKeyframe {
					r.forceKey.Store(true)
				}
				r.bus.Publish(domain.Event{
					Type:    domain.EventQualityChanged,
					Session: r.session,
					Reason:  dec.Reason,
					Preset:  dec.Point.Preset,
				})
			}
		}
	}
}

// checkCaptureStall warns after one second without a frame and escalates
// after five.
func (r *Runner) checkCaptureStall(warned bool) bool {
	idle := time.Duration(r.clk.NowNS() - r.lastCaptureNS.Load())
	switch {
	case idle > r.cfg.StallErrorAfter:
		r.escalate(kerrors.NewDeviceUnavailable("capture stalled").WithSession(string(r.session)))
		return true
	case idle > r.cfg.StallWarnAfter:
		if !warned {
			r.log.Warnw("capture stall", "session", r.session, "idle", idle)
		}
		return true
	default:
		return false
	}
}

func (r *Runner) encoderStats() domain.EncoderStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := domain.EncoderStats{
		FramesEncoded: r.stats.FramesEncoded,
		FramesDropped: r.stats.FramesDropped,
		AvgEncodeTime: r.encodeEWMA,
	}
	if p, ok := r.enc.(interface{ CPUUsage() float64 }); ok {
		st.CPUUsage = p.CPUUsage()
	}
	return st
}

func (r *Runner) observeEncode(d time.Duration, keyframe bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.FramesEncoded++
	if keyframe {
		r.stats.KeyframesEncoded++
	}
	if r.encodeEWMA == 0 {
		r.encodeEWMA = d
	} else {
		r.encodeEWMA = (r.encodeEWMA*7 + d) / 8
	}
}

func (r *Runner) drainQueue(queue <-chan *domain.RawFrame) {
	for {
		select {
		case f := <-queue:
			f.Release()
		default:
			return
		}
	}
}

func (r *Runner) escalate(err error) {
	if r.stopped.Swap(true) {
		return
	}
	r.log.Errorw("pipeline fault", "session", r.session, "error", err)
	select {
	case r.errs <- err:
	default:
	}
}

func (r *Runner) publishState(state domain.SessionState, detail string) {
	r.bus.Publish(domain.Event{
		Type:    domain.EventSessionStateChanged,
		Session: r.session,
		State:   state,
		Detail:  detail,
	})
}

func (r *Runner) publishStateLocked(state domain.SessionState, detail string) {
	r.publishState(state, detail)
}
