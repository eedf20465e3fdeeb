// Package broadcast fans one encoded stream out to up to N viewers. Each
// frame is shared by reference, fragmented to the transport MTU, and paced
// per viewer from that viewer's congestion window. A congested viewer
// loses frames; it never blocks the others.
package broadcast

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"kizuna/internal/core/domain"
	"kizuna/internal/core/ports"
	"kizuna/internal/engine/abr"
	"kizuna/internal/engine/eventbus"
	"kizuna/internal/engine/registry"
)

// Config bounds the scheduler.
type Config struct {
	StaleGracePeriod  time.Duration
	WouldBlockTimeout time.Duration
}

// DefaultConfig: 5 s stale grace, 10 s sustained WouldBlock marks a viewer
// stale.
func DefaultConfig() Config {
	return Config{
		StaleGracePeriod:  5 * time.Second,
		WouldBlockTimeout: 10 * time.Second,
	}
}

// keyframeDropLimit consecutive keyframe drops transition a viewer to
// stale.
const keyframeDropLimit = 3

type link struct {
	ch      ports.Channel
	limiter *rate.Limiter

	keyDropStreak   int
	staleSince      time.Time
	wouldBlockSince time.Time
	sawTraffic      bool
	framesDropped   uint64
}

// Scheduler owns the per-viewer transport links for one session.
type Scheduler struct {
	mu      sync.Mutex
	session domain.SessionID
	cfg     Config
	reg     *registry.Registry
	abr     *abr.Controller
	bus     *eventbus.Bus
	log     *zap.SugaredLogger

	links map[domain.ViewerID]*link

	framesSent    uint64
	framesDropped uint64
	bytesSent     uint64
}

// New creates a scheduler for one session's fan-out.
func New(session domain.SessionID, cfg Config, reg *registry.Registry, ctrl *abr.Controller, bus *eventbus.Bus, log *zap.SugaredLogger) *Scheduler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Scheduler{
		session: session,
		cfg:     cfg,
		reg:     reg,
		abr:     ctrl,
		bus:     bus,
		log:     log,
		links:   make(map[domain.ViewerID]*link),
	}
}

// Attach binds a viewer's transport channel.
func (s *Scheduler) Attach(id domain.ViewerID, ch ports.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// The limiter starts permissive; every feedback poll retunes it from
	// the viewer's congestion window.
	s.links[id] = &link{
		ch:      ch,
		limiter: rate.NewLimiter(rate.Inf, 1<<20),
	}
}

// Detach closes and forgets a viewer's channel.
func (s *Scheduler) Detach(id domain.ViewerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.links[id]; ok {
		l.ch.Close()
		delete(s.links, id)
	}
}

// Publish fans one encoded frame out. It takes over the caller's frame
// reference. The registry snapshot taken here is the permission commit
// point: whatever is committed now is what this frame is checked against.
func (s *Scheduler) Publish(frame *domain.EncodedFrame) {
	defer frame.Release()

	snaps := s.reg.Snapshot()
	blob := domain.EncodeFrameBlob(frame)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, v := range snaps {
		l, ok := s.links[v.ID]
		if !ok {
			continue
		}
		switch v.State {
		case domain.ViewerPendingApproval, domain.ViewerDisconnected:
			continue
		}
		if !v.Permissions.CanView {
			continue
		}
		if v.State == domain.ViewerStale {
			if !l.staleSince.IsZero() && now.Sub(l.staleSince) > s.cfg.StaleGracePeriod {
				s.expireStaleLocked(v.ID, l)
			}
			continue
		}

		frame.Retain()
		s.sendToViewer(v.ID, l, frame, blob, now)
		frame.Release()
	}
}

func (s *Scheduler) sendToViewer(id domain.ViewerID, l *link, frame *domain.EncodedFrame, blob []byte, now time.Time) {
	// Pace from the viewer's congestion window. Keyframes bypass the
	// limiter: dropping one costs a full GOP at the receiver.
	if win := s.abr.Window(id); win != nil {
		l.limiter.SetLimit(rate.Limit(win.Rate()))
	}
	if !frame.Keyframe && !l.limiter.AllowN(now, len(blob)) {
		l.framesDropped++
		s.framesDropped++
		return
	}
	if frame.Keyframe {
		l.limiter.ReserveN(now, len(blob))
	}

	err := s.fragmentAndSend(l.ch, frame, blob)
	switch {
	case err == nil:
		l.wouldBlockSince = time.Time{}
		if frame.Keyframe {
			l.keyDropStreak = 0
		}
		s.framesSent++
		s.bytesSent += uint64(len(blob))
		s.reg.RecordTraffic(id, uint64(len(blob)), "")

	case errors.Is(err, domain.ErrWouldBlock):
		l.framesDropped++
		s.framesDropped++
		if l.wouldBlockSince.IsZero() {
			l.wouldBlockSince = now
		}
		if frame.Keyframe {
			l.keyDropStreak++
			if l.keyDropStreak >= keyframeDropLimit {
				s.markStaleLocked(id, l, "keyframe drops")
			}
		}
		if now.Sub(l.wouldBlockSince) > s.cfg.WouldBlockTimeout {
			s.markStaleLocked(id, l, "sustained congestion")
		}

	case errors.Is(err, domain.ErrChannelClosed):
		s.log.Infow("viewer transport closed", "viewer", id)
		s.dropViewerLocked(id, l, "transport closed")

	default:
		s.log.Warnw("send failed", "viewer", id, "error", err)
		l.framesDropped++
		s.framesDropped++
	}
}

// fragmentAndSend splits a frame blob into MTU-sized datagrams in sequence
// order. The transport seals each payload; MTU() is plaintext capacity.
func (s *Scheduler) fragmentAndSend(ch ports.Channel, frame *domain.EncodedFrame, blob []byte) error {
	mtu := ch.MTU()
	if mtu <= 0 {
		return domain.ErrChannelClosed
	}

	total := uint32(len(blob))
	var flags uint8
	if frame.Keyframe {
		flags = domain.FlagKeyframe
	}

	for off := 0; off < len(blob); off += mtu {
		end := off + mtu
		if end > len(blob) {
			end = len(blob)
		}
		f := flags
		if off == 0 {
			f |= domain.FlagStart
		}
		if end == len(blob) {
			f |= domain.FlagEnd
		}
		err := ch.Send(domain.Datagram{
			Session:     s.session,
			Seq:         frame.Seq,
			FrameOffset: uint32(off),
			FrameLength: total,
			Flags:       f,
			Payload:     blob[off:end],
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) markStaleLocked(id domain.ViewerID, l *link, reason string) {
	if !l.staleSince.IsZero() {
		return
	}
	if err := s.reg.SetState(id, domain.ViewerStale); err != nil {
		return
	}
	l.staleSince = time.Now()
	s.log.Warnw("viewer marked stale", "viewer", id, "reason", reason)
	s.bus.Publish(domain.Event{
		Type:    domain.EventNetworkConditionChanged,
		Session: s.session,
		Viewer:  id,
		Detail:  reason,
	})
}

func (s *Scheduler) expireStaleLocked(id domain.ViewerID, l *link) {
	s.dropViewerLocked(id, l, "stale grace period expired")
}

func (s *Scheduler) dropViewerLocked(id domain.ViewerID, l *link, reason string) {
	l.ch.Close()
	delete(s.links, id)
	_ = s.reg.SetState(id, domain.ViewerDisconnected)
	_ = s.reg.Remove(id)
	s.abr.RemoveViewer(id)
	s.bus.Publish(domain.Event{
		Type:    domain.EventViewerDisconnected,
		Session: s.session,
		Viewer:  id,
		Detail:  reason,
	})
}

// PollFeedback gathers one congestion sample per attached viewer, updates
// registry quality buckets, and recovers stale viewers whose window
// reopened. Called once per ABR tick by the control task.
func (s *Scheduler) PollFeedback() map[domain.ViewerID]domain.CongestionSample {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	out := make(map[domain.ViewerID]domain.CongestionSample, len(s.links))
	for id, l := range s.links {
		sample := l.ch.Feedback()
		out[id] = sample

		if !l.staleSince.IsZero() && sample.BytesAckedWindow > 0 && sample.LossRate < lossRecoveredThreshold {
			if err := s.reg.SetState(id, domain.ViewerActive); err == nil {
				l.staleSince = time.Time{}
				l.keyDropStreak = 0
			}
		}

		if sample.BytesAckedWindow > 0 && !l.sawTraffic {
			l.sawTraffic = true
			// First ACK activates the viewer.
			if err := s.reg.SetState(id, domain.ViewerActive); err == nil {
				s.bus.Publish(domain.Event{
					Type:    domain.EventViewerConnected,
					Session: s.session,
					Viewer:  id,
				})
			}
		}

		if !l.staleSince.IsZero() && now.Sub(l.staleSince) > s.cfg.StaleGracePeriod {
			s.expireStaleLocked(id, l)
			continue
		}

		s.reg.RecordTraffic(id, 0, classifyQuality(sample))
	}
	return out
}

const lossRecoveredThreshold = 0.02

func classifyQuality(s domain.CongestionSample) domain.ConnectionQuality {
	switch {
	case s.RTT < 50*time.Millisecond && s.LossRate < 0.01:
		return domain.QualityExcellent
	case s.RTT < 150*time.Millisecond && s.LossRate < 0.025:
		return domain.QualityGood
	case s.RTT < 300*time.Millisecond && s.LossRate < 0.05:
		return domain.QualityFair
	default:
		return domain.QualityPoor
	}
}

// Stats returns cumulative fan-out counters.
func (s *Scheduler) Stats() (sent, dropped, bytes uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.framesSent, s.framesDropped, s.bytesSent
}

// Close detaches every viewer.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, l := range s.links {
		l.ch.Close()
		delete(s.links, id)
	}
}
