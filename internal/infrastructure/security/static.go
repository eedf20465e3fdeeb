// Package security provides the static trust-list implementation of the
// security port: a fixed set of trusted peers and AES-256-GCM session
// ciphers derived from a node secret. Key agreement proper (identity
// exchange, pairing) lives outside the streaming engine; this adapter
// covers the contract the engine needs.
package security

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"sync"

	"kizuna/internal/core/domain"
	"kizuna/internal/core/ports"
	kerrors "kizuna/pkg/errors"
)

// ErrAuthFailed reports an AEAD open failure; the datagram is dropped.
var ErrAuthFailed = errors.New("security: authentication failed")

// Static is a trust-list security provider.
type Static struct {
	mu      sync.RWMutex
	secret  []byte
	trusted map[domain.PeerID]bool
}

// NewStatic derives all keys from nodeSecret. An empty secret gets a
// random one, which is fine for single-run setups.
func NewStatic(nodeSecret []byte, trustedPeers []domain.PeerID) *Static {
	if len(nodeSecret) == 0 {
		nodeSecret = make([]byte, 32)
		rand.Read(nodeSecret)
	}
	trusted := make(map[domain.PeerID]bool, len(trustedPeers))
	for _, p := range trustedPeers {
		trusted[p] = true
	}
	return &Static{secret: nodeSecret, trusted: trusted}
}

// Trust adds a peer to the trust list.
func (s *Static) Trust(peer domain.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trusted[peer] = true
}

// Revoke removes a peer.
func (s *Static) Revoke(peer domain.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.trusted, peer)
}

// IsTrusted reports whether the peer may join sessions.
func (s *Static) IsTrusted(peer domain.PeerID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.trusted[peer]
}

// Establish returns the AEAD context for a trusted peer. The key is an
// HMAC derivation of the node secret and the peer id, so both checks and
// keys are deterministic per peer.
func (s *Static) Establish(ctx context.Context, peer domain.PeerID) (ports.AEADContext, error) {
	if !s.IsTrusted(peer) {
		return nil, kerrors.NewPeerUntrusted(string(peer))
	}
	return NewGCM(s.derive("peer", string(peer)))
}

// SessionSecret returns recording key material for a session.
func (s *Static) SessionSecret(session domain.SessionID) []byte {
	return s.derive("session", string(session))
}

func (s *Static) derive(scope, id string) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(scope))
	mac.Write([]byte{0})
	mac.Write([]byte(id))
	return mac.Sum(nil)
}

// gcmContext seals with a random 12-byte nonce prepended to the
// ciphertext. Overhead covers nonce plus tag.
type gcmContext struct {
	aead cipher.AEAD
}

// NewGCM builds an AES-256-GCM context from a 32-byte key.
func NewGCM(key []byte) (ports.AEADContext, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &gcmContext{aead: aead}, nil
}

func (g *gcmContext) Seal(plaintext, aad []byte) []byte {
	nonce := make([]byte, g.aead.NonceSize())
	rand.Read(nonce)
	out := make([]byte, 0, len(nonce)+len(plaintext)+g.aead.Overhead())
	out = append(out, nonce...)
	return g.aead.Seal(out, nonce, plaintext, aad)
}

func (g *gcmContext) Open(ciphertext, aad []byte) ([]byte, error) {
	ns := g.aead.NonceSize()
	if len(ciphertext) < ns+g.aead.Overhead() {
		return nil, ErrAuthFailed
	}
	plain, err := g.aead.Open(nil, ciphertext[:ns], ciphertext[ns:], aad)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plain, nil
}

func (g *gcmContext) Overhead() int {
	return g.aead.NonceSize() + g.aead.Overhead()
}
