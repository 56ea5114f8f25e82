// Package protocol defines the frames exchanged with a feeder over its local socket.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DefaultPort is the well-known port the feeder firmware listens on.
const DefaultPort = 81

// CommandName identifies a device command
type CommandName string

const (
	CommandFeedNow   CommandName = "feed_now"
	CommandGetStatus CommandName = "get_status"
	CommandStopFeed  CommandName = "stop_feed"
)

// Valid reports whether the name is one the firmware understands
func (c CommandName) Valid() bool {
	switch c {
	case CommandFeedNow, CommandGetStatus, CommandStopFeed:
		return true
	}
	return false
}

// Command is the envelope sent to a device.
//
// DeviceID is omitted for the post-connect status probe, which is not
// addressed to a particular device record. CorrelationID lets a later
// feed_response be attributed to the command that caused it; firmware that
// does not echo it is still supported.
type Command struct {
	Command       CommandName `json:"command"`
	DeviceID      string      `json:"deviceId,omitempty"`
	Timestamp     int64       `json:"timestamp"`
	CorrelationID string      `json:"correlationId,omitempty"`
}

// NewCommand builds an envelope stamped with the current time in milliseconds
// and a fresh correlation id.
func NewCommand(name CommandName, deviceID string) Command {
	return Command{
		Command:       name,
		DeviceID:      deviceID,
		Timestamp:     time.Now().UnixMilli(),
		CorrelationID: uuid.NewString(),
	}
}

// Encode serializes the envelope as a text frame payload
func (c Command) Encode() ([]byte, error) {
	return json.Marshal(c)
}
