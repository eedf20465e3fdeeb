package domain

import "time"

// EventType enumerates lifecycle, quality, and error events published on
// the in-process event bus.
type EventType string

const (
	EventSessionStarted          EventType = "session.started"
	EventSessionStopped          EventType = "session.stopped"
	EventSessionStateChanged     EventType = "session.state_changed"
	EventQualityChanged          EventType = "quality.changed"
	EventViewerRequested         EventType = "viewer.requested"
	EventViewerConnected         EventType = "viewer.connected"
	EventViewerDisconnected      EventType = "viewer.disconnected"
	EventStatsUpdated            EventType = "stats.updated"
	EventRecordingStarted        EventType = "recording.started"
	EventRecordingStopped        EventType = "recording.stopped"
	EventNetworkConditionChanged EventType = "network.condition_changed"
	EventError                   EventType = "error"
)

// Coalescable reports whether a slow subscriber may collapse older events
// of this type: only the high-frequency telemetry kinds.
func (t EventType) Coalescable() bool {
	return t == EventStatsUpdated || t == EventNetworkConditionChanged
}

// QualityReason explains a quality change.
type QualityReason string

const (
	ReasonUser          QualityReason = "user"
	ReasonNetwork       QualityReason = "network"
	ReasonCPU           QualityReason = "cpu"
	ReasonViewerRequest QualityReason = "viewer_request"
	ReasonAutomatic     QualityReason = "automatic"
)

// Event is one bus message. Delivery is best-effort; session state is the
// source of truth.
type Event struct {
	Type        EventType     `json:"type"`
	Session     SessionID     `json:"session_id"`
	Viewer      ViewerID      `json:"viewer_id,omitempty"`
	Peer        PeerID        `json:"peer_id,omitempty"`
	State       SessionState  `json:"state,omitempty"`
	Reason      QualityReason `json:"reason,omitempty"`
	Preset      QualityPreset `json:"preset,omitempty"`
	ErrorKind   string        `json:"error_kind,omitempty"`
	Recoverable bool          `json:"recoverable,omitempty"`
	Detail      string        `json:"detail,omitempty"`
	Stats       *SessionStats `json:"stats,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}
