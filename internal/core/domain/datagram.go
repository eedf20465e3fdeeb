package domain

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// DatagramHeaderSize is the fixed wire header length. The header doubles as
// the AEAD associated data for the fragment payload.
const DatagramHeaderSize = 33

// Datagram flag bits.
const (
	FlagStart    uint8 = 1 << 0
	FlagEnd      uint8 = 1 << 1
	FlagKeyframe uint8 = 1 << 2
)

// FramePTSPrefix is prepended to each encoded frame before fragmentation:
// an 8-byte big-endian pts. frame_offset and frame_length refer to the
// prefixed blob.
const FramePTSPrefix = 8

// Datagram is the transport unit. Frames larger than the MTU are split into
// several datagrams sharing a sequence number; the jitter buffer reassembles
// them.
type Datagram struct {
	Session     SessionID
	Seq         uint64
	FrameOffset uint32
	FrameLength uint32
	Flags       uint8
	Payload     []byte // ciphertext on the wire, plaintext after Transport open
}

func (d *Datagram) IsStart() bool    { return d.Flags&FlagStart != 0 }
func (d *Datagram) IsEnd() bool      { return d.Flags&FlagEnd != 0 }
func (d *Datagram) IsKeyframe() bool { return d.Flags&FlagKeyframe != 0 }

// MarshalHeader writes the 33-byte wire header.
//
//	0..16  session_id (128 bits)
//	16..24 sequence_number (u64)
//	24..28 frame_offset (u32)
//	28..32 frame_length (u32)
//	32     flags
func (d *Datagram) MarshalHeader() ([]byte, error) {
	sid, err := uuid.Parse(string(d.Session))
	if err != nil {
		return nil, fmt.Errorf("invalid session id %q: %w", d.Session, err)
	}
	buf := make([]byte, DatagramHeaderSize)
	copy(buf[0:16], sid[:])
	binary.BigEndian.PutUint64(buf[16:24], d.Seq)
	binary.BigEndian.PutUint32(buf[24:28], d.FrameOffset)
	binary.BigEndian.PutUint32(buf[28:32], d.FrameLength)
	buf[32] = d.Flags
	return buf, nil
}

// Marshal serializes header plus payload.
func (d *Datagram) Marshal() ([]byte, error) {
	hdr, err := d.MarshalHeader()
	if err != nil {
		return nil, err
	}
	return append(hdr, d.Payload...), nil
}

// UnmarshalDatagram parses a wire datagram. The payload slice aliases buf.
func UnmarshalDatagram(buf []byte) (Datagram, error) {
	if len(buf) < DatagramHeaderSize {
		return Datagram{}, fmt.Errorf("datagram too short: %d bytes", len(buf))
	}
	var sid uuid.UUID
	copy(sid[:], buf[0:16])
	return Datagram{
		Session:     SessionID(sid.String()),
		Seq:         binary.BigEndian.Uint64(buf[16:24]),
		FrameOffset: binary.BigEndian.Uint32(buf[24:28]),
		FrameLength: binary.BigEndian.Uint32(buf[28:32]),
		Flags:       buf[32],
		Payload:     buf[DatagramHeaderSize:],
	}, nil
}

// EncodeFrameBlob builds the fragmentation source for an encoded frame:
// 8-byte big-endian pts followed by the encoded bytes.
func EncodeFrameBlob(f *EncodedFrame) []byte {
	blob := make([]byte, FramePTSPrefix+len(f.Data))
	binary.BigEndian.PutUint64(blob[0:8], uint64(f.PTS))
	copy(blob[FramePTSPrefix:], f.Data)
	return blob
}

// DecodeFrameBlob splits a reassembled blob back into pts and encoded bytes.
func DecodeFrameBlob(blob []byte) (pts int64, data []byte, err error) {
	if len(blob) < FramePTSPrefix {
		return 0, nil, fmt.Errorf("frame blob too short: %d bytes", len(blob))
	}
	return int64(binary.BigEndian.Uint64(blob[0:8])), blob[FramePTSPrefix:], nil
}
