package models

import (
	"time"

	"github.com/google/uuid"
)

// EventLog represents a recorded device event
type EventLog struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`

	DeviceID *uuid.UUID `json:"deviceId,omitempty" db:"device_id"`

	Type        EventType  `json:"type" db:"type"`
	Level       EventLevel `json:"level" db:"level"`
	Code        string     `json:"code" db:"code"`
	Description string     `json:"description" db:"description"`

	Details Variables `json:"details,omitempty" db:"details"`
}

// EventType represents event types
type EventType string

const (
	// Device events
	EventTypeDeviceStatus    EventType = "DEVICE_STATUS"
	EventTypeFeedComplete    EventType = "FEED_COMPLETE"
	EventTypeFeedResponse    EventType = "FEED_RESPONSE"
	EventTypeFeedRequested   EventType = "FEED_REQUESTED"
	EventTypeFeedingRecorded EventType = "FEEDING_RECORDED"
	EventTypeError           EventType = "ERROR"

	// System events
	EventTypeAPICall     EventType = "API_CALL"
	EventTypeIntegration EventType = "INTEGRATION"
)

// EventLevel represents event severity levels
type EventLevel string

const (
	EventLevelDebug   EventLevel = "DEBUG"
	EventLevelInfo    EventLevel = "INFO"
	EventLevelWarning EventLevel = "WARNING"
	EventLevelError   EventLevel = "ERROR"
)
