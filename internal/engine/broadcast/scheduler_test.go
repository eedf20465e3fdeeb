package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"kizuna/internal/core/domain"
	"kizuna/internal/engine/abr"
	"kizuna/internal/engine/eventbus"
	"kizuna/internal/engine/registry"
)

const testSession = domain.SessionID("11111111-2222-4333-8444-555555555555")

type fakeChannel struct {
	mu       sync.Mutex
	sent     []domain.Datagram
	sendErr  error
	mtu      int
	feedback domain.CongestionSample
	closed   bool
}

func newFakeChannel(mtu int) *fakeChannel {
	return &fakeChannel{mtu: mtu}
}

func (c *fakeChannel) Send(d domain.Datagram) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	cp := d
	cp.Payload = append([]byte(nil), d.Payload...)
	c.sent = append(c.sent, cp)
	return nil
}

func (c *fakeChannel) Recv(ctx context.Context) (domain.Datagram, error) {
	return domain.Datagram{}, domain.ErrChannelClosed
}

func (c *fakeChannel) Feedback() domain.CongestionSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.feedback
}

func (c *fakeChannel) MTU() int { return c.mtu }

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) setSendErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

func (c *fakeChannel) setFeedback(s domain.CongestionSample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.feedback = s
}

func (c *fakeChannel) datagrams() []domain.Datagram {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Datagram(nil), c.sent...)
}

type fixture struct {
	reg   *registry.Registry
	ctrl  *abr.Controller
	bus   *eventbus.Bus
	sched *Scheduler
	evs   <-chan domain.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := registry.New(8, nil)
	ctrl := abr.New(abr.Config{
		MinBitrateBps: 200_000,
		MaxBitrateBps: 8_000_000,
		TickInterval:  time.Second,
	}, domain.PresetPoint(domain.PresetMedium, 1_500_000), 1200, nil)
	bus := eventbus.New(64, nil)
	t.Cleanup(bus.Close)
	evs, unsub := bus.Subscribe()
	t.Cleanup(unsub)

	return &fixture{
		reg:   reg,
		ctrl:  ctrl,
		bus:   bus,
		sched: New(testSession, DefaultConfig(), reg, ctrl, bus, nil),
		evs:   evs,
	}
}

func (f *fixture) addViewer(t *testing.T, peer domain.PeerID, ch *fakeChannel) domain.ViewerID {
	t.Helper()
	id, err := f.reg.Add(peer, domain.Permissions{CanView: true, MaxQualityPreset: domain.PresetUltra}, false)
	require.NoError(t, err)
	f.sched.Attach(id, ch)
	return id
}

func drainEvents(evs <-chan domain.Event) []domain.Event {
	var out []domain.Event
	for {
		select {
		case ev := <-evs:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func hasEvent(evs []domain.Event, typ domain.EventType) bool {
	for _, ev := range evs {
		if ev.Type == typ {
			return true
		}
	}
	return false
}

func testFrame(data []byte, keyframe bool, seq uint64) *domain.EncodedFrame {
	return domain.NewEncodedFrame(data, int64(seq+1)*int64(time.Millisecond), keyframe, seq)
}

func TestPublishFragmentsToMTU(t *testing.T) {
	f := newFixture(t)
	ch := newFakeChannel(40)
	f.addViewer(t, "peer-a", ch)

	data := make([]byte, 100)
	frame := testFrame(data, true, 7)
	blobLen := len(domain.EncodeFrameBlob(frame))
	f.sched.Publish(frame)

	dgs := ch.datagrams()
	require.NotEmpty(t, dgs)

	total := 0
	for i, d := range dgs {
		assert.Equal(t, testSession, d.Session)
		assert.Equal(t, uint64(7), d.Seq)
		assert.Equal(t, uint32(blobLen), d.FrameLength)
		assert.Equal(t, uint32(total), d.FrameOffset)
		assert.LessOrEqual(t, len(d.Payload), 40)
		assert.Equal(t, i == 0, d.IsStart())
		assert.Equal(t, i == len(dgs)-1, d.IsEnd())
		assert.True(t, d.IsKeyframe())
		total += len(d.Payload)
	}
	assert.Equal(t, blobLen, total)

	sent, dropped, bytes := f.sched.Stats()
	assert.Equal(t, uint64(1), sent)
	assert.Equal(t, uint64(0), dropped)
	assert.Equal(t, uint64(blobLen), bytes)
}

func TestPublishReleasesFrame(t *testing.T) {
	f := newFixture(t)
	ch := newFakeChannel(1200)
	f.addViewer(t, "peer-a", ch)

	released := false
	frame := testFrame([]byte("data"), true, 0)
	frame.SetReleaser(func() { released = true })
	f.sched.Publish(frame)
	assert.True(t, released)
}

func TestPublishSkipsViewersWithoutViewGrant(t *testing.T) {
	f := newFixture(t)

	chDenied := newFakeChannel(1200)
	id, err := f.reg.Add("peer-denied", domain.Permissions{CanView: false}, false)
	require.NoError(t, err)
	f.sched.Attach(id, chDenied)

	chPending := newFakeChannel(1200)
	pid, err := f.reg.Add("peer-pending", domain.Permissions{CanView: true}, true)
	require.NoError(t, err)
	f.sched.Attach(pid, chPending)

	f.sched.Publish(testFrame([]byte("data"), true, 0))

	assert.Empty(t, chDenied.datagrams())
	assert.Empty(t, chPending.datagrams())
}

func TestRevokedViewTakesEffectNextFrame(t *testing.T) {
	f := newFixture(t)
	ch := newFakeChannel(1200)
	id := f.addViewer(t, "peer-a", ch)

	f.sched.Publish(testFrame([]byte("one"), true, 0))
	require.Len(t, ch.datagrams(), 1)

	require.NoError(t, f.reg.UpdatePermissions(id, domain.Permissions{CanView: false}))
	f.sched.Publish(testFrame([]byte("two"), false, 1))
	assert.Len(t, ch.datagrams(), 1, "revocation committed at the frame boundary")
}

func TestLimiterDropsDeltaFramesButNotKeyframes(t *testing.T) {
	f := newFixture(t)
	ch := newFakeChannel(1200)
	id := f.addViewer(t, "peer-a", ch)

	// No congestion window registered for this viewer, so the limiter keeps
	// whatever we pin here.
	f.sched.mu.Lock()
	l := f.sched.links[id]
	l.limiter = rate.NewLimiter(0, 0)
	f.sched.mu.Unlock()

	f.sched.Publish(testFrame([]byte("delta"), false, 0))
	assert.Empty(t, ch.datagrams())

	f.sched.Publish(testFrame([]byte("key"), true, 1))
	assert.Len(t, ch.datagrams(), 1)

	_, dropped, _ := f.sched.Stats()
	assert.Equal(t, uint64(1), dropped)
}

func TestKeyframeDropStreakMarksStale(t *testing.T) {
	f := newFixture(t)
	ch := newFakeChannel(1200)
	id := f.addViewer(t, "peer-a", ch)
	require.NoError(t, f.reg.SetState(id, domain.ViewerActive))

	ch.setSendErr(domain.ErrWouldBlock)
	for seq := uint64(0); seq < keyframeDropLimit; seq++ {
		f.sched.Publish(testFrame([]byte("key"), true, seq))
	}

	snap, ok := f.reg.Get(id)
	require.True(t, ok)
	assert.Equal(t, domain.ViewerStale, snap.State)
	assert.True(t, hasEvent(drainEvents(f.evs), domain.EventNetworkConditionChanged))

	// Stale viewers are skipped inside the grace period.
	ch.setSendErr(nil)
	f.sched.Publish(testFrame([]byte("key"), true, 10))
	assert.Empty(t, ch.datagrams())
}

func TestClosedChannelDropsViewer(t *testing.T) {
	f := newFixture(t)
	ch := newFakeChannel(1200)
	id := f.addViewer(t, "peer-a", ch)
	require.NoError(t, f.reg.SetState(id, domain.ViewerActive))

	ch.setSendErr(domain.ErrChannelClosed)
	f.sched.Publish(testFrame([]byte("key"), true, 0))

	_, ok := f.reg.Get(id)
	assert.False(t, ok)
	assert.True(t, ch.closed)
	assert.True(t, hasEvent(drainEvents(f.evs), domain.EventViewerDisconnected))
}

func TestFirstAckActivatesViewer(t *testing.T) {
	f := newFixture(t)
	ch := newFakeChannel(1200)
	id := f.addViewer(t, "peer-a", ch)

	// No traffic yet: stays connected.
	f.sched.PollFeedback()
	snap, _ := f.reg.Get(id)
	assert.Equal(t, domain.ViewerConnected, snap.State)

	ch.setFeedback(domain.CongestionSample{
		BytesAckedWindow: 5000,
		RTT:              30 * time.Millisecond,
		Timestamp:        time.Now(),
	})
	samples := f.sched.PollFeedback()
	require.Contains(t, samples, id)

	snap, _ = f.reg.Get(id)
	assert.Equal(t, domain.ViewerActive, snap.State)
	assert.Equal(t, domain.QualityExcellent, snap.Quality)
	assert.True(t, hasEvent(drainEvents(f.evs), domain.EventViewerConnected))
}

func TestStaleViewerRecoversOnCleanFeedback(t *testing.T) {
	f := newFixture(t)
	ch := newFakeChannel(1200)
	id := f.addViewer(t, "peer-a", ch)
	require.NoError(t, f.reg.SetState(id, domain.ViewerActive))

	ch.setSendErr(domain.ErrWouldBlock)
	for seq := uint64(0); seq < keyframeDropLimit; seq++ {
		f.sched.Publish(testFrame([]byte("key"), true, seq))
	}
	snap, _ := f.reg.Get(id)
	require.Equal(t, domain.ViewerStale, snap.State)

	ch.setSendErr(nil)
	ch.setFeedback(domain.CongestionSample{
		BytesAckedWindow: 5000,
		LossRate:         0.001,
		RTT:              30 * time.Millisecond,
		Timestamp:        time.Now(),
	})
	f.sched.PollFeedback()

	snap, _ = f.reg.Get(id)
	assert.Equal(t, domain.ViewerActive, snap.State)

	// Delivery resumes.
	f.sched.Publish(testFrame([]byte("key"), true, 10))
	assert.Len(t, ch.datagrams(), 1)
}

func TestDetachClosesChannel(t *testing.T) {
	f := newFixture(t)
	ch := newFakeChannel(1200)
	id := f.addViewer(t, "peer-a", ch)

	f.sched.Detach(id)
	assert.True(t, ch.closed)

	f.sched.Publish(testFrame([]byte("data"), true, 0))
	assert.Empty(t, ch.datagrams())
}
