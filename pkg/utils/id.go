package utils

import (
	"github.com/google/uuid"
)

// GenerateSessionID generates a unique 128-bit session identifier.
func GenerateSessionID() string {
	return uuid.NewString()
}

// GenerateViewerID generates a unique 128-bit viewer identifier.
func GenerateViewerID() string {
	return uuid.NewString()
}

// GenerateRecordingID generates a unique recording identifier.
func GenerateRecordingID() string {
	return uuid.NewString()
}

// GenerateSubscriberID generates an identifier for an event-bus subscriber.
func GenerateSubscriberID() string {
	return uuid.NewString()
}
