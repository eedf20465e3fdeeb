package ports

import (
	"context"

	"kizuna/internal/core/domain"
)

// Transport is the datagram abstraction the core sends frames over.
// Delivery is unreliable, unordered, best-effort, with per-datagram
// sequence numbering; the jitter buffer restores order.
type Transport interface {
	// Open establishes an encrypted channel to a peer. The transport seals
	// each datagram payload with the AEAD context; the 33-byte header is
	// the associated data. Unauthenticated datagrams are dropped before
	// delivery.
	Open(ctx context.Context, peer domain.PeerID, aead AEADContext) (Channel, error)
	Close() error
}

// Channel is one peer link.
type Channel interface {
	// Send returns domain.ErrWouldBlock as a congestion signal (not an
	// error state) and domain.ErrChannelClosed when the link is gone.
	Send(d domain.Datagram) error
	// Recv blocks until a datagram arrives or the channel closes. The
	// returned payload is already opened (plaintext).
	Recv(ctx context.Context) (domain.Datagram, error)
	// Feedback returns the congestion sample accumulated since the last
	// call. Polled once per ABR tick.
	Feedback() domain.CongestionSample
	MTU() int
	Close() error
}

// AEADContext is the per-session symmetric cipher handed over by the
// security collaborator.
type AEADContext interface {
	Seal(plaintext, aad []byte) []byte
	Open(ciphertext, aad []byte) ([]byte, error)
	Overhead() int
}

// Security is the external trust and key-agreement collaborator. It never
// calls back into streaming.
type Security interface {
	IsTrusted(peer domain.PeerID) bool
	Establish(ctx context.Context, peer domain.PeerID) (AEADContext, error)
	// SessionSecret returns key material recording encryption derives from.
	SessionSecret(session domain.SessionID) []byte
}
