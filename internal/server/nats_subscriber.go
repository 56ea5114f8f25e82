package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/meowfeeder/meowfeeder/internal/events"
	"github.com/meowfeeder/meowfeeder/internal/models"
	"github.com/meowfeeder/meowfeeder/internal/storage"
	"github.com/meowfeeder/meowfeeder/pkg/protocol"
)

// EventLogger records published device events as event logs. It never
// changes device records; the feeding history has its own endpoint.
type EventLogger struct {
	sub    events.Subscriber
	store  storage.Store
	prefix string
	logger zerolog.Logger
}

// NewEventLogger creates the subscriber
func NewEventLogger(sub events.Subscriber, store storage.Store, prefix string) *EventLogger {
	if prefix == "" {
		prefix = events.DefaultPrefix
	}
	return &EventLogger{
		sub:    sub,
		store:  store,
		prefix: prefix,
		logger: log.With().Str("component", "event-logger").Logger(),
	}
}

// Start subscribes and blocks until ctx is done
func (s *EventLogger) Start(ctx context.Context) error {
	subject := events.Wildcard(s.prefix)
	sub, err := s.sub.Subscribe(subject, s.handleMessage)
	if err != nil {
		return fmt.Errorf("subscribe device events: %w", err)
	}

	s.logger.Info().Str("subject", subject).Msg("Event logger started")

	<-ctx.Done()

	if sub != nil {
		sub.Unsubscribe()
	}
	return ctx.Err()
}

func (s *EventLogger) handleMessage(msg *nats.Msg) {
	if err := s.Record(context.Background(), msg.Subject, msg.Data); err != nil {
		s.logger.Error().Err(err).Str("subject", msg.Subject).Msg("Failed to record device event")
	}
}

// Record stores one published event
func (s *EventLogger) Record(ctx context.Context, subject string, data []byte) error {
	deviceID, kind, ok := events.ParseSubject(s.prefix, subject)
	if !ok {
		return fmt.Errorf("unexpected subject %q", subject)
	}

	env, err := events.Decode(data)
	if err != nil {
		return err
	}

	entry := eventLogFor(kind, env)
	if id, err := uuid.Parse(deviceID); err == nil {
		entry.DeviceID = &id
	} else {
		entry.Details["deviceId"] = deviceID
	}
	if !env.Timestamp.IsZero() {
		entry.CreatedAt = env.Timestamp
	}

	if err := s.store.CreateEventLog(ctx, entry); err != nil {
		return fmt.Errorf("create event log: %w", err)
	}

	s.logger.Debug().
		Str("device_id", deviceID).
		Str("kind", string(kind)).
		Str("level", string(entry.Level)).
		Msg("Device event recorded")
	return nil
}

func eventLogFor(kind events.Kind, env events.Envelope) *models.EventLog {
	details := models.Variables{}
	if len(env.Data) > 0 {
		// non-object payloads are kept verbatim
		if err := json.Unmarshal(env.Data, &details); err != nil {
			details = models.Variables{"raw": string(env.Data)}
		}
	}

	entry := &models.EventLog{
		Level:   models.EventLevelInfo,
		Code:    string(kind),
		Details: details,
	}

	switch kind {
	case events.KindDeviceStatus:
		entry.Type = models.EventTypeDeviceStatus
		status, _ := details["status"].(string)
		if status == "" {
			status = "unknown"
		}
		entry.Description = "Device status: " + status

	case events.KindFeedComplete:
		entry.Type = models.EventTypeFeedComplete
		entry.Description = "Feeding completed"
		if msg, _ := details["message"].(string); msg != "" {
			entry.Description += ": " + msg
		}

	case events.KindFeedResponse:
		entry.Type = models.EventTypeFeedResponse
		var resp protocol.FeedResponse
		json.Unmarshal(env.Data, &resp)
		if resp.Succeeded() {
			entry.Description = "Feed command accepted"
		} else {
			entry.Level = models.EventLevelWarning
			entry.Description = "Feed command failed: " + resp.FailureMessage()
		}

	case events.KindFeedRequested:
		entry.Type = models.EventTypeFeedRequested
		entry.Description = "Feed requested"

	case events.KindFeedingRecorded:
		entry.Type = models.EventTypeFeedingRecorded
		entry.Description = "Feeding recorded"
	}

	return entry
}
