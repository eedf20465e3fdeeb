package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatagramHeaderRoundtrip(t *testing.T) {
	d := Datagram{
		Session:     SessionID(uuid.NewString()),
		Seq:         42,
		FrameOffset: 1200,
		FrameLength: 5000,
		Flags:       FlagStart | FlagKeyframe,
		Payload:     []byte("payload"),
	}

	wire, err := d.Marshal()
	require.NoError(t, err)
	assert.Len(t, wire, DatagramHeaderSize+len(d.Payload))

	got, err := UnmarshalDatagram(wire)
	require.NoError(t, err)
	assert.Equal(t, d.Session, got.Session)
	assert.Equal(t, d.Seq, got.Seq)
	assert.Equal(t, d.FrameOffset, got.FrameOffset)
	assert.Equal(t, d.FrameLength, got.FrameLength)
	assert.True(t, got.IsStart())
	assert.False(t, got.IsEnd())
	assert.True(t, got.IsKeyframe())
	assert.Equal(t, d.Payload, got.Payload)
}

func TestMarshalHeaderRejectsBadSession(t *testing.T) {
	d := Datagram{Session: "not-a-uuid"}
	_, err := d.MarshalHeader()
	assert.Error(t, err)
}

func TestUnmarshalDatagramTooShort(t *testing.T) {
	_, err := UnmarshalDatagram(make([]byte, DatagramHeaderSize-1))
	assert.Error(t, err)
}

func TestFrameBlobRoundtrip(t *testing.T) {
	f := NewEncodedFrame([]byte{1, 2, 3, 4}, 123456789, true, 7)
	blob := EncodeFrameBlob(f)
	require.Len(t, blob, FramePTSPrefix+4)

	pts, data, err := DecodeFrameBlob(blob)
	require.NoError(t, err)
	assert.Equal(t, int64(123456789), pts)
	assert.Equal(t, []byte{1, 2, 3, 4}, data)
}

func TestDecodeFrameBlobTooShort(t *testing.T) {
	_, _, err := DecodeFrameBlob([]byte{1, 2, 3})
	assert.Error(t, err)
}
