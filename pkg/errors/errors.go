package errors

import (
	"fmt"
)

// ErrorKind classifies streaming errors. The core emits structured codes
// only; user-visible strings are the host layer's job.
type ErrorKind string

const (
	KindPermissionDenied    ErrorKind = "PERMISSION_DENIED"
	KindDeviceUnavailable   ErrorKind = "DEVICE_UNAVAILABLE"
	KindHardwareAccelFailed ErrorKind = "HARDWARE_ACCEL_FAILED"
	KindEncoderFault        ErrorKind = "ENCODER_FAULT"
	KindTransportCongested  ErrorKind = "TRANSPORT_CONGESTED"
	KindTransportClosed     ErrorKind = "TRANSPORT_CLOSED"
	KindPeerUntrusted       ErrorKind = "PEER_UNTRUSTED"
	KindConsentDenied       ErrorKind = "CONSENT_DENIED"
	KindBufferExhausted     ErrorKind = "BUFFER_EXHAUSTED"
	KindInternal            ErrorKind = "INTERNAL_ERROR"
)

// StreamError is an error with a kind, a recoverability flag and optional
// session/viewer scope. Components recover locally where they can; anything
// escalated to the supervisor arrives as one of these.
type StreamError struct {
	Kind        ErrorKind
	Recoverable bool
	Session     string
	Viewer      string
	Detail      string
	Cause       error
}

func (e *StreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Kind, e.Detail, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *StreamError) Unwrap() error {
	return e.Cause
}

// WithSession scopes the error to a session.
func (e *StreamError) WithSession(id string) *StreamError {
	e.Session = id
	return e
}

// WithViewer scopes the error to a viewer within a session.
func (e *StreamError) WithViewer(id string) *StreamError {
	e.Viewer = id
	return e
}

// New creates a StreamError of the given kind.
func New(kind ErrorKind, recoverable bool, detail string) *StreamError {
	return &StreamError{Kind: kind, Recoverable: recoverable, Detail: detail}
}

// Wrap attaches a cause to a new StreamError.
func Wrap(err error, kind ErrorKind, recoverable bool, detail string) *StreamError {
	return &StreamError{Kind: kind, Recoverable: recoverable, Detail: detail, Cause: err}
}

// Common constructors. Recoverability follows the error-handling table:
// device loss gets one retry, hardware-accel loss falls back to software,
// congestion and pool exhaustion are handled by drop policies.

func NewPermissionDenied(detail string) *StreamError {
	return New(KindPermissionDenied, false, detail)
}

func NewDeviceUnavailable(detail string) *StreamError {
	return New(KindDeviceUnavailable, true, detail)
}

func NewHardwareAccelFailed(detail string) *StreamError {
	return New(KindHardwareAccelFailed, true, detail)
}

func NewEncoderFault(err error) *StreamError {
	return Wrap(err, KindEncoderFault, false, "encoder fault")
}

func NewTransportCongested(detail string) *StreamError {
	return New(KindTransportCongested, true, detail)
}

// NewTransportClosed is viewer-recoverable: the session survives losing one
// viewer. Losing the sender-side transport entirely is not, and callers
// flip Recoverable before escalating.
func NewTransportClosed(detail string) *StreamError {
	return New(KindTransportClosed, true, detail)
}

func NewPeerUntrusted(peer string) *StreamError {
	return New(KindPeerUntrusted, false, fmt.Sprintf("peer %s is not trusted", peer))
}

func NewConsentDenied(detail string) *StreamError {
	return New(KindConsentDenied, false, detail)
}

func NewBufferExhausted(detail string) *StreamError {
	return New(KindBufferExhausted, true, detail)
}

func NewInternal(err error, detail string) *StreamError {
	return Wrap(err, KindInternal, false, detail)
}

// IsKind reports whether err is a StreamError of the given kind anywhere in
// its chain.
func IsKind(err error, kind ErrorKind) bool {
	se := Get(err)
	return se != nil && se.Kind == kind
}

// Get extracts the first StreamError in the chain, or nil.
func Get(err error) *StreamError {
	for err != nil {
		if se, ok := err.(*StreamError); ok {
			return se
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil
		}
		err = u.Unwrap()
	}
	return nil
}
