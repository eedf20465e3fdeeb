package security

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kizuna/internal/core/domain"
	kerrors "kizuna/pkg/errors"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

func TestGCMSealOpenRoundtrip(t *testing.T) {
	g, err := NewGCM(testKey())
	require.NoError(t, err)

	plain := []byte("encoded frame payload")
	aad := []byte("header")
	sealed := g.Seal(plain, aad)

	assert.Len(t, sealed, len(plain)+g.Overhead())

	got, err := g.Open(sealed, aad)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestGCMNoncesUnique(t *testing.T) {
	g, err := NewGCM(testKey())
	require.NoError(t, err)

	a := g.Seal([]byte("same"), nil)
	b := g.Seal([]byte("same"), nil)
	assert.NotEqual(t, a, b)
}

func TestGCMOpenRejectsTamper(t *testing.T) {
	g, err := NewGCM(testKey())
	require.NoError(t, err)

	sealed := g.Seal([]byte("payload"), []byte("aad"))
	sealed[len(sealed)-1] ^= 0xff
	_, err = g.Open(sealed, []byte("aad"))
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestGCMOpenRejectsAADMismatch(t *testing.T) {
	g, err := NewGCM(testKey())
	require.NoError(t, err)

	sealed := g.Seal([]byte("payload"), []byte("aad"))
	_, err = g.Open(sealed, []byte("other"))
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestGCMOpenRejectsShortInput(t *testing.T) {
	g, err := NewGCM(testKey())
	require.NoError(t, err)

	_, err = g.Open([]byte{1, 2, 3}, nil)
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestTrustListLifecycle(t *testing.T) {
	s := NewStatic(testKey(), []domain.PeerID{"peer-a"})

	assert.True(t, s.IsTrusted("peer-a"))
	assert.False(t, s.IsTrusted("peer-c"))

	s.Trust("peer-c")
	assert.True(t, s.IsTrusted("peer-c"))

	s.Revoke("peer-a")
	assert.False(t, s.IsTrusted("peer-a"))
}

func TestEstablishRequiresTrust(t *testing.T) {
	s := NewStatic(testKey(), nil)

	_, err := s.Establish(context.Background(), "peer-x")
	require.Error(t, err)
	assert.True(t, kerrors.IsKind(err, kerrors.KindPeerUntrusted))

	s.Trust("peer-x")
	aead, err := s.Establish(context.Background(), "peer-x")
	require.NoError(t, err)

	sealed := aead.Seal([]byte("hello"), nil)
	got, err := aead.Open(sealed, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestEstablishKeysDeterministicPerPeer(t *testing.T) {
	s := NewStatic(testKey(), []domain.PeerID{"peer-a"})

	a1, err := s.Establish(context.Background(), "peer-a")
	require.NoError(t, err)
	a2, err := s.Establish(context.Background(), "peer-a")
	require.NoError(t, err)

	// Both contexts share the derived key, so each opens the other's output.
	sealed := a1.Seal([]byte("frame"), []byte("hdr"))
	got, err := a2.Open(sealed, []byte("hdr"))
	require.NoError(t, err)
	assert.Equal(t, []byte("frame"), got)
}

func TestSessionSecretStablePerSession(t *testing.T) {
	s := NewStatic(testKey(), nil)

	k1 := s.SessionSecret("session-1")
	k2 := s.SessionSecret("session-1")
	other := s.SessionSecret("session-2")

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, other)
	assert.Len(t, k1, 32)
}
