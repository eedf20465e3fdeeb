package domain

// SessionID is a 128-bit opaque identifier, unique per streaming session on
// a single host.
type SessionID string

// ViewerID is a 128-bit opaque identifier, unique within a session.
type ViewerID string

// PeerID is an externally-assigned identifier of a remote host. Trust state
// for a PeerID is owned by the security collaborator.
type PeerID string

// RecordingID identifies one recording of a session.
type RecordingID string
