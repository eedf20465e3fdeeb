// Package recorder persists a session's encoded stream to disk in a
// fragmented container: a sealed metadata segment followed by one sealed
// fragment per keyframe interval. Recording is a tap on the frame path;
// a recording failure never takes the live stream down.
package recorder

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"kizuna/internal/core/domain"
	"kizuna/internal/core/ports"
	"kizuna/internal/engine/eventbus"
	kerrors "kizuna/pkg/errors"
	"kizuna/pkg/utils"
)

// Container layout:
//
//	magic "KREC" | version u8
//	segment*  where segment = tag u8 | length u32 | ciphertext
//
// Tag 0x01 is the metadata segment, 0x02 a frame fragment. The five-byte
// segment header is the AEAD associated data, so segments cannot be
// reordered across tags or truncated undetected.
const (
	version     = 1
	tagMetadata = 0x01
	tagFragment = 0x02
)

var magic = []byte("KREC")

// Metadata is the sealed recording header.
type Metadata struct {
	RecordingID string                `json:"recording_id"`
	SessionID   domain.SessionID      `json:"session_id"`
	Kind        domain.StreamKind     `json:"kind"`
	Point       domain.OperatingPoint `json:"operating_point"`
	StartedAt   time.Time             `json:"started_at"`
}

// frameRecord layout inside a fragment plaintext:
//
//	length u32 | pts i64 | flags u8 | data
const frameHeaderSize = 13

const flagKeyframe = 0x01

// ConsentCheck re-verifies recording consent. Called at start and at every
// resume; a denial stops the recording without touching the session.
type ConsentCheck func() error

// Recorder writes one recording. Frames arrive via OnFrame from the
// pipeline tap; all file I/O happens under the recorder's own lock so the
// tap returns quickly.
type Recorder struct {
	id      domain.RecordingID
	session domain.SessionID
	aead    ports.AEADContext
	consent ConsentCheck
	bus     *eventbus.Bus
	log     *zap.SugaredLogger

	mu       sync.Mutex
	f        *os.File
	path     string
	meta     Metadata
	buf      []byte // current fragment plaintext
	firstPTS int64
	frames   int
	sawKey   bool

	// pts rebasing keeps the recorded timeline gap-free across pauses
	paused      bool
	pausedAtPTS int64
	ptsOffset   int64
	lastPTS     int64

	framesWritten uint64
	bytesWritten  uint64
	failed        bool
}

// New creates a recorder; Start opens the file.
func New(session domain.SessionID, meta Metadata, aead ports.AEADContext, consent ConsentCheck, bus *eventbus.Bus, log *zap.SugaredLogger) *Recorder {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if consent == nil {
		consent = func() error { return nil }
	}
	id := domain.RecordingID(utils.GenerateRecordingID())
	meta.RecordingID = string(id)
	meta.SessionID = session
	return &Recorder{
		id:      id,
		session: session,
		aead:    aead,
		consent: consent,
		bus:     bus,
		log:     log,
		meta:    meta,
	}
}

// ID returns the recording id.
func (r *Recorder) ID() domain.RecordingID { return r.id }

// Start verifies consent, creates the file, and writes the sealed
// metadata segment.
func (r *Recorder) Start(dir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.consent(); err != nil {
		return kerrors.NewConsentDenied("recording consent denied").WithSession(string(r.session))
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return kerrors.NewInternal(err, "create recording directory")
	}

	r.meta.StartedAt = time.Now()
	r.path = filepath.Join(dir, fmt.Sprintf("%s.krec", r.id))
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return kerrors.NewInternal(err, "create recording file")
	}
	r.f = f

	if _, err := f.Write(append(append([]byte{}, magic...), version)); err != nil {
		f.Close()
		return kerrors.NewInternal(err, "write container magic")
	}

	plain, err := json.Marshal(r.meta)
	if err != nil {
		f.Close()
		return kerrors.NewInternal(err, "marshal recording metadata")
	}
	if err := r.writeSegment(tagMetadata, plain); err != nil {
		f.Close()
		return err
	}

	r.lastPTS = -1
	r.bus.Publish(domain.Event{
		Type:    domain.EventRecordingStarted,
		Session: r.session,
		Detail:  string(r.id),
	})
	return nil
}

// OnFrame is the pipeline tap. A keyframe closes the previous fragment;
// recording never starts mid-GOP, frames before the first keyframe are
// skipped.
func (r *Recorder) OnFrame(frame *domain.EncodedFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.f == nil || r.failed || r.paused {
		return
	}
	if !r.sawKey {
		if !frame.Keyframe {
			return
		}
		r.sawKey = true
	}

	pts := frame.PTS - r.ptsOffset
	if pts <= r.lastPTS {
		return
	}
	r.lastPTS = pts

	if frame.Keyframe && r.frames > 0 {
		if err := r.flushFragmentLocked(); err != nil {
			r.failLocked(err)
			return
		}
	}

	if r.frames == 0 {
		r.firstPTS = pts
	}
	var hdr [frameHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(frame.Data)))
	binary.BigEndian.PutUint64(hdr[4:12], uint64(pts))
	if frame.Keyframe {
		hdr[12] = flagKeyframe
	}
	r.buf = append(r.buf, hdr[:]...)
	r.buf = append(r.buf, frame.Data...)
	r.frames++
	r.framesWritten++
}

// Pause stops appending; the file keeps its last complete fragment.
func (r *Recorder) Pause(atPTS int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paused || r.f == nil {
		return
	}
	r.paused = true
	r.pausedAtPTS = atPTS
	if err := r.flushFragmentLocked(); err != nil {
		r.failLocked(err)
	}
}

// Resume re-verifies consent and rebases the timeline so the recorded pts
// sequence has no gap for the paused interval.
func (r *Recorder) Resume(atPTS int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.paused || r.f == nil {
		return nil
	}
	if err := r.consent(); err != nil {
		r.failLocked(kerrors.NewConsentDenied("consent withdrawn during pause").WithSession(string(r.session)))
		return kerrors.NewConsentDenied("consent withdrawn during pause")
	}
	r.ptsOffset += atPTS - r.pausedAtPTS
	r.paused = false
	// Restart on a keyframe so the fragment after the gap decodes.
	r.sawKey = false
	return nil
}

// Stop flushes the open fragment and closes the file.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}

	err := r.flushFragmentLocked()
	if cerr := r.f.Close(); err == nil {
		err = cerr
	}
	r.f = nil

	r.bus.Publish(domain.Event{
		Type:    domain.EventRecordingStopped,
		Session: r.session,
		Detail:  string(r.id),
	})
	if err != nil {
		return kerrors.NewInternal(err, "finalize recording")
	}
	return nil
}

// Stats returns the frame and byte counters.
func (r *Recorder) Stats() (frames, bytes uint64, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.framesWritten, r.bytesWritten, r.failed
}

// Path returns the container file path.
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

func (r *Recorder) flushFragmentLocked() error {
	if r.frames == 0 {
		return nil
	}
	plain := r.buf
	r.buf = nil
	r.frames = 0
	return r.writeSegment(tagFragment, plain)
}

func (r *Recorder) writeSegment(tag uint8, plain []byte) error {
	sealed := r.aead.Seal(plain, segmentAAD(tag, len(plain)+r.aead.Overhead()))

	var hdr [5]byte
	hdr[0] = tag
	binary.BigEndian.PutUint32(hdr[1:5], uint32(len(sealed)))
	if _, err := r.f.Write(hdr[:]); err != nil {
		return kerrors.NewInternal(err, "write segment header")
	}
	if _, err := r.f.Write(sealed); err != nil {
		return kerrors.NewInternal(err, "write segment body")
	}
	r.bytesWritten += uint64(len(hdr) + len(sealed))
	return nil
}

func segmentAAD(tag uint8, sealedLen int) []byte {
	var aad [5]byte
	aad[0] = tag
	binary.BigEndian.PutUint32(aad[1:5], uint32(sealedLen))
	return aad[:]
}

// failLocked stops the recording but leaves the session running.
func (r *Recorder) failLocked(err error) {
	if r.failed {
		return
	}
	r.failed = true
	r.log.Errorw("recording failed, stream continues",
		"session", r.session, "recording", r.id, "error", err)
	if r.f != nil {
		r.f.Close()
		r.f = nil
	}
	r.bus.Publish(domain.Event{
		Type:        domain.EventError,
		Session:     r.session,
		ErrorKind:   string(kerrors.KindInternal),
		Recoverable: true,
		Detail:      fmt.Sprintf("recording %s failed: %v", r.id, err),
	})
}
