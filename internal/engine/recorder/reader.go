package recorder

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"os"

	"kizuna/internal/core/ports"
)

// ErrBadContainer reports a malformed or tampered recording file.
var ErrBadContainer = errors.New("recorder: bad container")

// Frame is one decoded container record.
type Frame struct {
	PTS      int64
	Keyframe bool
	Data     []byte
}

// Reader iterates a recording fragment by fragment.
type Reader struct {
	f    *os.File
	aead ports.AEADContext
	meta Metadata
}

// Open validates the magic, reads the metadata segment, and positions the
// reader at the first fragment.
func Open(path string, aead ports.AEADContext) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	hdr := make([]byte, len(magic)+1)
	if _, err := io.ReadFull(f, hdr); err != nil {
		f.Close()
		return nil, ErrBadContainer
	}
	if string(hdr[:len(magic)]) != string(magic) || hdr[len(magic)] != version {
		f.Close()
		return nil, ErrBadContainer
	}

	r := &Reader{f: f, aead: aead}
	tag, plain, err := r.readSegment()
	if err != nil || tag != tagMetadata {
		f.Close()
		return nil, ErrBadContainer
	}
	if err := json.Unmarshal(plain, &r.meta); err != nil {
		f.Close()
		return nil, ErrBadContainer
	}
	return r, nil
}

// Metadata returns the recording header.
func (r *Reader) Metadata() Metadata { return r.meta }

// NextFragment returns the frames of the next fragment, or io.EOF.
func (r *Reader) NextFragment() ([]Frame, error) {
	tag, plain, err := r.readSegment()
	if err != nil {
		return nil, err
	}
	if tag != tagFragment {
		return nil, ErrBadContainer
	}

	var frames []Frame
	for len(plain) > 0 {
		if len(plain) < frameHeaderSize {
			return nil, ErrBadContainer
		}
		size := int(binary.BigEndian.Uint32(plain[0:4]))
		pts := int64(binary.BigEndian.Uint64(plain[4:12]))
		key := plain[12]&flagKeyframe != 0
		plain = plain[frameHeaderSize:]
		if len(plain) < size {
			return nil, ErrBadContainer
		}
		frames = append(frames, Frame{PTS: pts, Keyframe: key, Data: plain[:size]})
		plain = plain[size:]
	}
	return frames, nil
}

// Close releases the file.
func (r *Reader) Close() error { return r.f.Close() }

func (r *Reader) readSegment() (uint8, []byte, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r.f, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil, io.EOF
		}
		return 0, nil, ErrBadContainer
	}
	tag := hdr[0]
	size := binary.BigEndian.Uint32(hdr[1:5])

	sealed := make([]byte, size)
	if _, err := io.ReadFull(r.f, sealed); err != nil {
		return 0, nil, ErrBadContainer
	}
	plain, err := r.aead.Open(sealed, segmentAAD(tag, len(sealed)))
	if err != nil {
		return 0, nil, ErrBadContainer
	}
	return tag, plain, nil
}
