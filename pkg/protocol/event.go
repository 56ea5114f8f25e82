package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// EventType identifies an inbound device frame
type EventType string

const (
	EventDeviceStatus EventType = "device_status"
	EventFeedComplete EventType = "feed_complete"
	EventFeedResponse EventType = "feed_response"
)

// ErrMissingType is returned for frames that parse but carry no type
var ErrMissingType = errors.New("frame has no type")

// Event is a parsed inbound frame. Fields keeps every key the device sent so
// that unknown fields survive untouched.
type Event struct {
	Type       EventType
	ReceivedAt int64
	Fields     map[string]any
}

// ParseEvent decodes a raw frame and stamps it with the receipt time.
func ParseEvent(data []byte, receivedAt time.Time) (Event, error) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return Event{}, fmt.Errorf("decode frame: %w", err)
	}
	if fields == nil {
		return Event{}, fmt.Errorf("decode frame: not an object")
	}

	t, _ := fields["type"].(string)
	if t == "" {
		return Event{}, ErrMissingType
	}

	ms := receivedAt.UnixMilli()
	fields["receivedAt"] = ms

	return Event{
		Type:       EventType(t),
		ReceivedAt: ms,
		Fields:     fields,
	}, nil
}

// MarshalJSON emits the original fields plus receivedAt
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Fields)
}

// DeviceStatus is the payload of a device_status frame
type DeviceStatus struct {
	DeviceID   string         `json:"deviceId,omitempty"`
	Status     string         `json:"status,omitempty"`
	DailyCount *int           `json:"dailyCount,omitempty"`
	ReceivedAt int64          `json:"receivedAt"`
	Fields     map[string]any `json:"-"`
}

// FeedComplete is the payload of an unsolicited feed_complete frame
type FeedComplete struct {
	DeviceID   string `json:"deviceId,omitempty"`
	Timestamp  int64  `json:"timestamp"`
	Message    string `json:"message"`
	DailyCount *int   `json:"dailyCount,omitempty"`
	ReceivedAt int64  `json:"receivedAt"`
}

// FeedResponse is the per-command acknowledgment of feed_now
type FeedResponse struct {
	DeviceID      string `json:"deviceId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	Success       *bool  `json:"success,omitempty"`
	Status        string `json:"status,omitempty"`
	Message       string `json:"message,omitempty"`
	Error         string `json:"error,omitempty"`
	ReceivedAt    int64  `json:"receivedAt"`
}

// Succeeded reports whether the device accepted the command. An explicit
// success flag wins; otherwise a status of error/failed/busy is a failure and
// anything else counts as success.
func (r FeedResponse) Succeeded() bool {
	if r.Success != nil {
		return *r.Success
	}
	switch strings.ToLower(r.Status) {
	case "error", "failed", "failure", "busy":
		return false
	}
	return r.Error == ""
}

// FailureMessage returns the device-reported reason for a failed command
func (r FeedResponse) FailureMessage() string {
	switch {
	case r.Error != "":
		return r.Error
	case r.Message != "":
		return r.Message
	default:
		return "Device reported feed failure"
	}
}

// DeviceStatus reads a device_status event. Known fields are taken when
// their type allows it and left empty otherwise; the frame is never rejected.
func (e Event) DeviceStatus() DeviceStatus {
	return DeviceStatus{
		DeviceID:   stringField(e.Fields, "deviceId"),
		Status:     stringField(e.Fields, "status"),
		DailyCount: intField(e.Fields, "dailyCount"),
		ReceivedAt: e.ReceivedAt,
		Fields:     e.Fields,
	}
}

// FeedComplete reads a feed_complete event
func (e Event) FeedComplete() FeedComplete {
	return FeedComplete{
		DeviceID:   stringField(e.Fields, "deviceId"),
		Timestamp:  timestampField(e.Fields, "timestamp"),
		Message:    stringField(e.Fields, "message"),
		DailyCount: intField(e.Fields, "dailyCount"),
		ReceivedAt: e.ReceivedAt,
	}
}

// FeedResponse reads a feed_response event
func (e Event) FeedResponse() FeedResponse {
	return FeedResponse{
		DeviceID:      stringField(e.Fields, "deviceId"),
		CorrelationID: stringField(e.Fields, "correlationId"),
		Success:       boolField(e.Fields, "success"),
		Status:        stringField(e.Fields, "status"),
		Message:       stringField(e.Fields, "message"),
		Error:         stringField(e.Fields, "error"),
		ReceivedAt:    e.ReceivedAt,
	}
}

func stringField(fields map[string]any, key string) string {
	switch v := fields[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

func intField(fields map[string]any, key string) *int {
	var n int
	switch v := fields[key].(type) {
	case float64:
		if v != math.Trunc(v) {
			return nil
		}
		n = int(v)
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return nil
		}
		n = i
	default:
		return nil
	}
	return &n
}

func boolField(fields map[string]any, key string) *bool {
	switch v := fields[key].(type) {
	case bool:
		return &v
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return nil
		}
		return &b
	}
	return nil
}

// timestampField accepts a number, a numeric string or an RFC 3339 time.
// Anything else reads as zero.
func timestampField(fields map[string]any, key string) int64 {
	switch v := fields[key].(type) {
	case float64:
		return int64(v)
	case string:
		v = strings.TrimSpace(v)
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return int64(f)
		}
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t.UnixMilli()
		}
	}
	return 0
}
