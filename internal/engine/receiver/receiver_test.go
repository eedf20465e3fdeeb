package receiver

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kizuna/internal/core/domain"
	"kizuna/internal/engine/clock"
	"kizuna/internal/engine/jitter"
)

const testSession = domain.SessionID("12345678-9abc-4def-8123-456789abcdef")

type scriptedChannel struct {
	q chan domain.Datagram
}

func newScriptedChannel() *scriptedChannel {
	return &scriptedChannel{q: make(chan domain.Datagram, 64)}
}

func (c *scriptedChannel) feedFrame(seq uint64, pts int64, keyframe bool, data []byte) {
	f := domain.NewEncodedFrame(data, pts, keyframe, seq)
	blob := domain.EncodeFrameBlob(f)
	var flags uint8 = domain.FlagStart | domain.FlagEnd
	if keyframe {
		flags |= domain.FlagKeyframe
	}
	c.q <- domain.Datagram{
		Session:     testSession,
		Seq:         seq,
		FrameOffset: 0,
		FrameLength: uint32(len(blob)),
		Flags:       flags,
		Payload:     blob,
	}
}

func (c *scriptedChannel) Send(d domain.Datagram) error { return domain.ErrChannelClosed }

func (c *scriptedChannel) Recv(ctx context.Context) (domain.Datagram, error) {
	select {
	case d, ok := <-c.q:
		if !ok {
			return domain.Datagram{}, domain.ErrChannelClosed
		}
		return d, nil
	case <-ctx.Done():
		return domain.Datagram{}, ctx.Err()
	}
}

func (c *scriptedChannel) Feedback() domain.CongestionSample { return domain.CongestionSample{} }
func (c *scriptedChannel) MTU() int                          { return 1200 }
func (c *scriptedChannel) Close() error                      { return nil }

type fakeDecoder struct {
	sawKey bool
}

func (d *fakeDecoder) Decode(frame *domain.EncodedFrame) (*domain.RawFrame, error) {
	if !frame.Keyframe && !d.sawKey {
		return nil, domain.ErrNeedsKeyframe
	}
	if frame.Keyframe {
		d.sawKey = true
	}
	return &domain.RawFrame{CaptureTS: frame.PTS}, nil
}

func (d *fakeDecoder) Close() error { return nil }

type collectSink struct {
	mu      sync.Mutex
	pts     []int64
	freezes int
}

func (s *collectSink) Render(frame *domain.RawFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pts = append(s.pts, frame.CaptureTS)
	frame.Release()
	return nil
}

func (s *collectSink) Freeze() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.freezes++
}

func (s *collectSink) rendered() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.pts...)
}

func (s *collectSink) frozen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freezes
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Jitter = jitter.Config{
		MinDelay: 10 * time.Millisecond,
		MaxDelay: 50 * time.Millisecond,
		K:        4,
	}
	return cfg
}

type harness struct {
	ch      *scriptedChannel
	sink    *collectSink
	keyReqs atomic.Int64
	recv    *Receiver
	cancel  context.CancelFunc
	done    chan error
}

func startReceiver(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		ch:   newScriptedChannel(),
		sink: &collectSink{},
		done: make(chan error, 1),
	}
	h.recv = New(testSession, cfg, clock.NewMonotonic(), h.ch, &fakeDecoder{}, h.sink,
		func() { h.keyReqs.Add(1) }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	t.Cleanup(cancel)
	go func() { h.done <- h.recv.Run(ctx) }()
	return h
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("receiver did not stop")
		return nil
	}
}

func TestRendersFramesInOrder(t *testing.T) {
	h := startReceiver(t, testConfig())

	h.ch.feedFrame(0, 1_000_000, true, []byte("f0"))
	h.ch.feedFrame(1, 2_000_000, false, []byte("f1"))
	h.ch.feedFrame(2, 3_000_000, false, []byte("f2"))

	require.Eventually(t, func() bool {
		return len(h.sink.rendered()) == 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{1_000_000, 2_000_000, 3_000_000}, h.sink.rendered())

	h.cancel()
	assert.ErrorIs(t, h.wait(t), context.Canceled)
	assert.Equal(t, uint64(3), h.recv.Stats().FramesRendered)
}

func TestWaitsForKeyframeAfterColdStart(t *testing.T) {
	h := startReceiver(t, testConfig())

	// The stream joins mid-GOP: the first delta cannot decode.
	h.ch.feedFrame(0, 1_000_000, false, []byte("delta"))

	require.Eventually(t, func() bool {
		return h.keyReqs.Load() >= 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, h.sink.rendered())

	h.ch.feedFrame(1, 2_000_000, true, []byte("key"))
	require.Eventually(t, func() bool {
		return len(h.sink.rendered()) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLossGapRequestsKeyframe(t *testing.T) {
	h := startReceiver(t, testConfig())

	h.ch.feedFrame(0, 1_000_000, true, []byte("key"))
	require.Eventually(t, func() bool {
		return len(h.sink.rendered()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Sequences 1-3 never arrive.
	h.ch.feedFrame(4, 5_000_000, false, []byte("late delta"))
	require.Eventually(t, func() bool {
		return h.keyReqs.Load() >= 1
	}, 2*time.Second, 5*time.Millisecond)

	// Only the next keyframe resumes rendering.
	h.ch.feedFrame(5, 6_000_000, true, []byte("resync"))
	require.Eventually(t, func() bool {
		return len(h.sink.rendered()) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(6_000_000), h.sink.rendered()[1])
}

func TestUnderrunFreezesDisplay(t *testing.T) {
	cfg := testConfig()
	cfg.UnderrunAfter = 50 * time.Millisecond
	h := startReceiver(t, cfg)

	h.ch.feedFrame(0, 1_000_000, true, []byte("only frame"))
	require.Eventually(t, func() bool {
		return len(h.sink.rendered()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return h.sink.frozen() >= 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, h.keyReqs.Load(), int64(1))

	h.cancel()
	h.wait(t)
	assert.GreaterOrEqual(t, h.recv.Stats().Underruns, uint64(1))
}

func TestChannelCloseEndsRun(t *testing.T) {
	h := startReceiver(t, testConfig())
	close(h.ch.q)
	assert.NoError(t, h.wait(t))
}
