// Package session hosts the supervisor: the single entry point the host
// layer talks to. It owns session lifecycles, admits viewers through the
// trust and approval gates, and is the only component allowed to move a
// session to errored.
package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"kizuna/internal/core/domain"
	"kizuna/internal/core/ports"
	"kizuna/internal/engine/abr"
	"kizuna/internal/engine/broadcast"
	"kizuna/internal/engine/clock"
	"kizuna/internal/engine/eventbus"
	"kizuna/internal/engine/pipeline"
	"kizuna/internal/engine/receiver"
	"kizuna/internal/engine/recorder"
	"kizuna/internal/engine/registry"
	"kizuna/pkg/config"
	kerrors "kizuna/pkg/errors"
	"kizuna/pkg/utils"
)

// transportMTU seeds congestion windows before a channel reports its own.
const transportMTU = 1200

// EncoderFactory builds an encoder; accel selects hardware acceleration.
type EncoderFactory func(accel bool) (ports.Encoder, error)

// DecoderFactory builds a decoder for receiver sessions.
type DecoderFactory func() (ports.Decoder, error)

// AEADFactory turns key material into a cipher context. Wired to the
// security package's GCM constructor by the composition root.
type AEADFactory func(key []byte) (ports.AEADContext, error)

// Deps is everything the supervisor is composed from.
type Deps struct {
	Config     *config.Config
	Clock      clock.PacingClock
	Bus        *eventbus.Bus
	Capture    ports.CaptureSource
	Transport  ports.Transport
	Security   ports.Security
	NewEncoder EncoderFactory
	NewDecoder DecoderFactory
	NewAEAD    AEADFactory
	Logger     *zap.SugaredLogger
}

type session struct {
	mu   sync.Mutex
	meta domain.StreamSession

	reg    *registry.Registry
	ctrl   *abr.Controller
	sched  *broadcast.Scheduler
	runner *pipeline.Runner
	stream ports.CaptureStream
	enc    ports.Encoder
	rec    *recorder.Recorder

	recv       *receiver.Receiver
	recvCancel context.CancelFunc

	approval map[domain.PeerID]*time.Timer
	cancel   context.CancelFunc
}

// Supervisor owns all sessions on this node.
type Supervisor struct {
	deps Deps
	log  *zap.SugaredLogger

	mu       sync.RWMutex
	sessions map[domain.SessionID]*session
}

// New builds a supervisor.
func New(deps Deps) *Supervisor {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Supervisor{
		deps:     deps,
		log:      log,
		sessions: make(map[domain.SessionID]*session),
	}
}

// StartCameraStream starts a sender session from the default camera.
func (s *Supervisor) StartCameraStream(ctx context.Context, preset domain.QualityPreset) (domain.SessionID, error) {
	return s.startSender(ctx, domain.KindCamera, domain.ScreenRegion{}, preset)
}

// StartScreenStream starts a sender session capturing a screen region.
func (s *Supervisor) StartScreenStream(ctx context.Context, region domain.ScreenRegion, preset domain.QualityPreset) (domain.SessionID, error) {
	return s.startSender(ctx, domain.KindScreenRegion, region, preset)
}

func (s *Supervisor) startSender(ctx context.Context, kind domain.StreamKind, region domain.ScreenRegion, preset domain.QualityPreset) (domain.SessionID, error) {
	cfg := s.deps.Config
	id := domain.SessionID(utils.GenerateSessionID())
	op := domain.PresetPoint(preset, defaultBitrateFor(preset))

	stream, err := s.deps.Capture.Start(ctx, ports.CaptureConfig{
		Width:       op.Width,
		Height:      op.Height,
		FPS:         op.FPS,
		PixelFormat: domain.FormatYUV420,
		Region:      region,
	})
	if err != nil {
		return "", kerrors.Wrap(err, kerrors.KindDeviceUnavailable, false, "open capture").WithSession(string(id))
	}

	enc, err := s.openEncoder(op, id)
	if err != nil {
		stream.Close()
		return "", err
	}

	reg := registry.New(cfg.Streaming.MaxViewers, s.log)
	ctrl := abr.New(abr.Config{
		MinBitrateBps:         cfg.ABR.MinBitrateBps,
		MaxBitrateBps:         cfg.ABR.MaxBitrateBps,
		TickInterval:          cfg.ABR.TickInterval,
		MinAdjustmentInterval: cfg.ABR.MinAdjustmentInterval,
	}, op, transportMTU, s.log)
	sched := broadcast.New(id, broadcast.Config{
		StaleGracePeriod:  cfg.Streaming.StaleGracePeriod,
		WouldBlockTimeout: 10 * time.Second,
	}, reg, ctrl, s.deps.Bus, s.log)

	runner := pipeline.New(id, pipeline.Config{
		CaptureQueueDepth: cfg.Streaming.CaptureQueueDepth,
		StallCapture:      cfg.Streaming.StallCapture,
		StallWarnAfter:    cfg.Streaming.StallWarnAfter,
		StallErrorAfter:   cfg.Streaming.StallErrorAfter,
		DrainTimeout:      cfg.Streaming.DrainTimeout,
		StatsInterval:     time.Second,
	}, s.deps.Clock, stream, enc, ctrl, sched, reg, s.deps.Bus, s.log)

	sctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		meta: domain.StreamSession{
			ID:             id,
			Role:           domain.RoleSender,
			Kind:           kind,
			Region:         region,
			State:          domain.StateStarting,
			OperatingPoint: op,
			CreatedAt:      time.Now(),
		},
		reg:      reg,
		ctrl:     ctrl,
		sched:    sched,
		runner:   runner,
		stream:   stream,
		enc:      enc,
		approval: make(map[domain.PeerID]*time.Timer),
		cancel:   cancel,
	}

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	if err := runner.Start(sctx, cfg.ABR.TickInterval); err != nil {
		s.teardown(sess)
		return "", kerrors.NewInternal(err, "start pipeline").WithSession(string(id))
	}
	// The runner reports active once the first frame flows; GetSession
	// reads the live state from it.
	sess.meta.StartedAt = time.Now()

	go s.watch(sess)

	s.deps.Bus.Publish(domain.Event{
		Type:    domain.EventSessionStarted,
		Session: id,
		State:   domain.StateStarting,
	})
	s.log.Infow("session started", "session", id, "kind", kind, "preset", preset)
	return id, nil
}

// openEncoder tries hardware acceleration first and falls back to
// software.
func (s *Supervisor) openEncoder(op domain.OperatingPoint, id domain.SessionID) (ports.Encoder, error) {
	enc, err := s.deps.NewEncoder(true)
	if err != nil {
		s.log.Warnw("hardware encoder unavailable, using software",
			"session", id, "error", err)
		enc, err = s.deps.NewEncoder(false)
		if err != nil {
			return nil, kerrors.NewEncoderFault(err).WithSession(string(id))
		}
	}
	if err := enc.Configure(op); err != nil {
		enc.Close()
		return nil, kerrors.NewEncoderFault(err).WithSession(string(id))
	}
	return enc, nil
}

// watch consumes escalated pipeline faults. Recoverable device loss gets
// one capture-reopen retry; everything else errors the session.
func (s *Supervisor) watch(sess *session) {
	runner := sess.runner
	for {
		select {
		case err := <-runner.Errors():
			se := kerrors.Get(err)
			if se != nil && se.Kind == kerrors.KindDeviceUnavailable && se.Recoverable {
				if s.retryCapture(sess) {
					// A fresh runner took over; its own watcher runs now.
					return
				}
			}
			s.errorSession(sess, err)
			return
		case <-runner.Done():
			return
		}
	}
}

// retryCapture reopens the capture stream once and restarts the pipeline
// around the surviving registry, controller, and scheduler.
func (s *Supervisor) retryCapture(sess *session) bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.meta.State.Terminal() {
		return false
	}
	s.log.Warnw("capture lost, retrying once", "session", sess.meta.ID)

	sess.runner.Stop()
	sess.stream.Close()
	// The replacement pipeline continues the frame numbering of the one it
	// replaces; viewers' jitter buffers have already advanced past the old
	// sequences and would treat a restart from zero as duplicates.
	nextSeq := sess.runner.NextSeq()

	op := sess.ctrl.Current()
	stream, err := s.deps.Capture.Start(context.Background(), ports.CaptureConfig{
		Width:       op.Width,
		Height:      op.Height,
		FPS:         op.FPS,
		PixelFormat: domain.FormatYUV420,
		Region:      sess.meta.Region,
	})
	if err != nil {
		return false
	}
	sess.stream = stream

	cfg := s.deps.Config
	runner := pipeline.New(sess.meta.ID, pipeline.Config{
		CaptureQueueDepth: cfg.Streaming.CaptureQueueDepth,
		StallCapture:      cfg.Streaming.StallCapture,
		StallWarnAfter:    cfg.Streaming.StallWarnAfter,
		StallErrorAfter:   cfg.Streaming.StallErrorAfter,
		DrainTimeout:      cfg.Streaming.DrainTimeout,
		StatsInterval:     time.Second,
		FirstSeq:          nextSeq,
	}, s.deps.Clock, stream, sess.enc, sess.ctrl, sess.sched, sess.reg, s.deps.Bus, s.log)
	if sess.rec != nil {
		runner.AttachTap(sess.rec.OnFrame)
	}

	sctx, cancel := context.WithCancel(context.Background())
	sess.cancel = cancel
	sess.runner = runner
	if err := runner.Start(sctx, cfg.ABR.TickInterval); err != nil {
		return false
	}
	runner.ForceKeyframe()
	go s.watch(sess)
	return true
}

// errorSession is the one place a session becomes errored.
func (s *Supervisor) errorSession(sess *session, cause error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.meta.State.Terminal() {
		return
	}
	sess.meta.State = domain.StateErrored
	sess.runner.MarkErrored(cause.Error())
	if sess.rec != nil {
		sess.rec.Stop()
	}
	sess.sched.Close()
	sess.stream.Close()
	sess.enc.Close()
	sess.cancel()

	se := kerrors.Get(cause)
	kind := string(kerrors.KindInternal)
	if se != nil {
		kind = string(se.Kind)
	}
	s.deps.Bus.Publish(domain.Event{
		Type:      domain.EventError,
		Session:   sess.meta.ID,
		ErrorKind: kind,
		Detail:    cause.Error(),
	})
	s.log.Errorw("session errored", "session", sess.meta.ID, "error", cause)
}

// StopStream drains and stops a session.
func (s *Supervisor) StopStream(id domain.SessionID) error {
	sess, err := s.get(id)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.meta.State.Terminal() {
		return nil
	}
	if sess.rec != nil {
		sess.rec.Stop()
		sess.rec = nil
	}
	if sess.meta.Role == domain.RoleReceiver {
		if sess.recvCancel != nil {
			sess.recvCancel()
		}
		sess.meta.State = domain.StateStopped
	} else {
		for peer, t := range sess.approval {
			t.Stop()
			delete(sess.approval, peer)
		}
		sess.runner.Stop()
		sess.sched.Close()
		sess.stream.Close()
		sess.enc.Close()
		sess.cancel()
		sess.meta.State = domain.StateStopped
		sess.meta.Stats = sess.runner.Stats()
	}

	s.deps.Bus.Publish(domain.Event{
		Type:    domain.EventSessionStopped,
		Session: id,
		State:   domain.StateStopped,
	})
	s.log.Infow("session stopped", "session", id)
	return nil
}

// PauseStream holds the frame path without tearing anything down.
func (s *Supervisor) PauseStream(id domain.SessionID) error {
	sess, err := s.getSender(id)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err := sess.runner.Pause(); err != nil {
		return err
	}
	sess.meta.State = domain.StatePaused
	if sess.rec != nil {
		sess.rec.Pause(s.deps.Clock.NowNS())
	}
	return nil
}

// ResumeStream restarts a paused session with a fresh keyframe.
func (s *Supervisor) ResumeStream(id domain.SessionID) error {
	sess, err := s.getSender(id)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.rec != nil {
		if err := sess.rec.Resume(s.deps.Clock.NowNS()); err != nil {
			sess.rec = nil
		}
	}
	if err := sess.runner.Resume(); err != nil {
		return err
	}
	sess.meta.State = domain.StateActive
	return nil
}

// AddViewer admits a trusted peer as a pending viewer. Without approval
// within the configured timeout the request is auto-rejected.
func (s *Supervisor) AddViewer(ctx context.Context, id domain.SessionID, peer domain.PeerID, perms domain.Permissions) (domain.ViewerID, error) {
	sess, err := s.getSender(id)
	if err != nil {
		return "", err
	}
	if !s.deps.Security.IsTrusted(peer) {
		return "", kerrors.NewPeerUntrusted(string(peer)).WithSession(string(id))
	}

	vid, err := sess.reg.Add(peer, perms, true)
	if err != nil {
		return "", err
	}

	sess.mu.Lock()
	timeout := s.deps.Config.Streaming.ApprovalTimeout
	sess.approval[peer] = time.AfterFunc(timeout, func() {
		s.autoReject(sess, peer, vid)
	})
	sess.mu.Unlock()

	s.deps.Bus.Publish(domain.Event{
		Type:    domain.EventViewerRequested,
		Session: id,
		Viewer:  vid,
		Peer:    peer,
	})
	return vid, nil
}

func (s *Supervisor) autoReject(sess *session, peer domain.PeerID, vid domain.ViewerID) {
	sess.mu.Lock()
	delete(sess.approval, peer)
	sess.mu.Unlock()

	if err := sess.reg.Reject(peer); err != nil {
		return
	}
	s.deps.Bus.Publish(domain.Event{
		Type:    domain.EventViewerDisconnected,
		Session: sess.meta.ID,
		Viewer:  vid,
		Peer:    peer,
		Detail:  "approval timeout",
	})
}

// ApprovePending admits a pending viewer and opens its transport.
func (s *Supervisor) ApprovePending(ctx context.Context, id domain.SessionID, peer domain.PeerID) (domain.ViewerID, error) {
	sess, err := s.getSender(id)
	if err != nil {
		return "", err
	}

	sess.mu.Lock()
	if t, ok := sess.approval[peer]; ok {
		t.Stop()
		delete(sess.approval, peer)
	}
	sess.mu.Unlock()

	vid, err := sess.reg.Approve(peer)
	if err != nil {
		return "", err
	}

	aead, err := s.deps.Security.Establish(ctx, peer)
	if err != nil {
		sess.reg.Remove(vid)
		return "", err
	}
	ch, err := s.deps.Transport.Open(ctx, peer, aead)
	if err != nil {
		sess.reg.Remove(vid)
		return "", kerrors.Wrap(err, kerrors.KindTransportClosed, true, "open viewer channel").
			WithSession(string(id)).WithViewer(string(vid))
	}

	// Viewers signal unrecoverable loss back over the channel.
	if kr, ok := ch.(interface{ OnKeyframeRequest(func()) }); ok {
		kr.OnKeyframeRequest(sess.runner.ForceKeyframe)
	}

	sess.sched.Attach(vid, ch)
	sess.ctrl.AddViewer(vid)
	// Every new viewer needs a sync point to start decoding.
	sess.runner.ForceKeyframe()
	return vid, nil
}

// RejectPending declines a pending viewer request.
func (s *Supervisor) RejectPending(id domain.SessionID, peer domain.PeerID) error {
	sess, err := s.getSender(id)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	if t, ok := sess.approval[peer]; ok {
		t.Stop()
		delete(sess.approval, peer)
	}
	sess.mu.Unlock()
	return sess.reg.Reject(peer)
}

// RemoveViewer disconnects a viewer.
func (s *Supervisor) RemoveViewer(id domain.SessionID, vid domain.ViewerID) error {
	sess, err := s.getSender(id)
	if err != nil {
		return err
	}
	sess.sched.Detach(vid)
	sess.ctrl.RemoveViewer(vid)
	if err := sess.reg.Remove(vid); err != nil {
		return err
	}
	s.deps.Bus.Publish(domain.Event{
		Type:    domain.EventViewerDisconnected,
		Session: id,
		Viewer:  vid,
		Detail:  "removed by sender",
	})
	return nil
}

// UpdatePermissions stages a permission change; it lands at the next frame
// boundary.
func (s *Supervisor) UpdatePermissions(id domain.SessionID, vid domain.ViewerID, perms domain.Permissions) error {
	sess, err := s.getSender(id)
	if err != nil {
		return err
	}
	return sess.reg.UpdatePermissions(vid, perms)
}

// SetQualityPreset pins the operating point and disables adaptation.
func (s *Supervisor) SetQualityPreset(id domain.SessionID, preset domain.QualityPreset) error {
	sess, err := s.getSender(id)
	if err != nil {
		return err
	}
	sess.runner.SetManualPreset(preset)
	return nil
}

// EnableAutoQuality re-enables the adaptation loop.
func (s *Supervisor) EnableAutoQuality(id domain.SessionID) error {
	sess, err := s.getSender(id)
	if err != nil {
		return err
	}
	sess.runner.SetAutoQuality(true)
	return nil
}

// StartRecording begins persisting the session's encoded stream. consent
// is re-verified by the recorder on every resume.
func (s *Supervisor) StartRecording(id domain.SessionID, consent recorder.ConsentCheck) (domain.RecordingID, error) {
	sess, err := s.getSender(id)
	if err != nil {
		return "", err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.rec != nil {
		return sess.rec.ID(), nil
	}
	if s.deps.Config.Recording.RequireConsent && consent == nil {
		return "", kerrors.NewConsentDenied("consent required").WithSession(string(id))
	}

	aead, err := s.deps.NewAEAD(s.deps.Security.SessionSecret(id))
	if err != nil {
		return "", kerrors.NewInternal(err, "derive recording cipher").WithSession(string(id))
	}

	rec := recorder.New(id, recorder.Metadata{
		Kind:  sess.meta.Kind,
		Point: sess.ctrl.Current(),
	}, aead, consent, s.deps.Bus, s.log)
	if err := rec.Start(s.deps.Config.Recording.Directory); err != nil {
		return "", err
	}

	sess.rec = rec
	sess.runner.AttachTap(rec.OnFrame)
	// The recording starts at the next keyframe.
	sess.runner.ForceKeyframe()
	return rec.ID(), nil
}

// StopRecording finalizes the active recording.
func (s *Supervisor) StopRecording(id domain.SessionID) error {
	sess, err := s.getSender(id)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.rec == nil {
		return domain.ErrRecordingNotFound
	}
	err = sess.rec.Stop()
	sess.rec = nil
	return err
}

// StartReceiving opens the viewing side of a remote session and renders
// into sink until the context ends or the channel closes.
func (s *Supervisor) StartReceiving(ctx context.Context, peer domain.PeerID, sink receiver.RenderSink) (domain.SessionID, error) {
	if !s.deps.Security.IsTrusted(peer) {
		return "", kerrors.NewPeerUntrusted(string(peer))
	}
	aead, err := s.deps.Security.Establish(ctx, peer)
	if err != nil {
		return "", err
	}
	ch, err := s.deps.Transport.Open(ctx, peer, aead)
	if err != nil {
		return "", kerrors.Wrap(err, kerrors.KindTransportClosed, false, "open receive channel")
	}
	dec, err := s.deps.NewDecoder()
	if err != nil {
		ch.Close()
		return "", kerrors.NewInternal(err, "open decoder")
	}

	id := domain.SessionID(utils.GenerateSessionID())
	requestKey := func() {}
	if kr, ok := ch.(interface{ RequestKeyframe() }); ok {
		requestKey = kr.RequestKeyframe
	}

	cfg := receiver.DefaultConfig()
	cfg.Jitter.MinDelay = s.deps.Config.Jitter.MinDelay
	cfg.Jitter.MaxDelay = s.deps.Config.Jitter.MaxDelay
	cfg.Jitter.K = s.deps.Config.Jitter.K
	recv := receiver.New(id, cfg, s.deps.Clock, ch, dec, sink, requestKey, s.log)

	rctx, cancel := context.WithCancel(ctx)
	sess := &session{
		meta: domain.StreamSession{
			ID:        id,
			Role:      domain.RoleReceiver,
			State:     domain.StateActive,
			CreatedAt: time.Now(),
			StartedAt: time.Now(),
		},
		recv:       recv,
		recvCancel: cancel,
		cancel:     cancel,
	}
	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	go func() {
		err := recv.Run(rctx)
		ch.Close()
		dec.Close()
		sess.mu.Lock()
		if !sess.meta.State.Terminal() {
			sess.meta.State = domain.StateStopped
		}
		sess.mu.Unlock()
		if err != nil && rctx.Err() == nil {
			s.log.Warnw("receive session ended", "session", id, "error", err)
		}
		s.deps.Bus.Publish(domain.Event{
			Type:    domain.EventSessionStopped,
			Session: id,
			Peer:    peer,
		})
	}()

	s.deps.Bus.Publish(domain.Event{
		Type:    domain.EventSessionStarted,
		Session: id,
		Peer:    peer,
	})
	return id, nil
}

// SubscribeEvents exposes the bus.
func (s *Supervisor) SubscribeEvents() (<-chan domain.Event, func()) {
	return s.deps.Bus.Subscribe()
}

// GetStats returns a session's counter snapshot.
func (s *Supervisor) GetStats(id domain.SessionID) (domain.SessionStats, error) {
	sess, err := s.get(id)
	if err != nil {
		return domain.SessionStats{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.meta.Role == domain.RoleReceiver || sess.meta.State.Terminal() {
		return sess.meta.Stats, nil
	}
	return sess.runner.Stats(), nil
}

// GetViewerStatus returns the current viewer snapshots for a session.
func (s *Supervisor) GetViewerStatus(id domain.SessionID) ([]domain.ViewerSnapshot, error) {
	sess, err := s.getSender(id)
	if err != nil {
		return nil, err
	}
	return sess.reg.Snapshot(), nil
}

// GetSession returns the session record.
func (s *Supervisor) GetSession(id domain.SessionID) (domain.StreamSession, error) {
	sess, err := s.get(id)
	if err != nil {
		return domain.StreamSession{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	meta := sess.meta
	if meta.Role == domain.RoleSender && !meta.State.Terminal() {
		meta.State = sess.runner.State()
		meta.OperatingPoint = sess.ctrl.Current()
		for _, v := range sess.reg.Snapshot() {
			meta.Viewers = append(meta.Viewers, v.ID)
		}
	}
	return meta, nil
}

// ListSessions returns all session records.
func (s *Supervisor) ListSessions() []domain.StreamSession {
	s.mu.RLock()
	ids := make([]domain.SessionID, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	out := make([]domain.StreamSession, 0, len(ids))
	for _, id := range ids {
		if meta, err := s.GetSession(id); err == nil {
			out = append(out, meta)
		}
	}
	return out
}

// Shutdown stops every live session.
func (s *Supervisor) Shutdown() {
	s.mu.RLock()
	ids := make([]domain.SessionID, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		s.StopStream(id)
	}
}

func (s *Supervisor) get(id domain.SessionID) (*session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return sess, nil
}

func (s *Supervisor) getSender(id domain.SessionID) (*session, error) {
	sess, err := s.get(id)
	if err != nil {
		return nil, err
	}
	if sess.meta.Role != domain.RoleSender {
		return nil, domain.ErrUnsupported
	}
	return sess, nil
}

func (s *Supervisor) teardown(sess *session) {
	sess.sched.Close()
	sess.stream.Close()
	sess.enc.Close()
	sess.cancel()
	s.mu.Lock()
	delete(s.sessions, sess.meta.ID)
	s.mu.Unlock()
}

func defaultBitrateFor(p domain.QualityPreset) int {
	switch p {
	case domain.PresetLow:
		return 400_000
	case domain.PresetMedium:
		return 1_500_000
	case domain.PresetHigh:
		return 4_000_000
	default:
		return 6_000_000
	}
}
